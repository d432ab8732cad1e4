package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Detection результат проверки реплики на эскалацию
type Detection struct {
	Severity string `json:"severity"` // "elevated" или "critical"
	Reason   string `json:"reason"`
}

// Classifier классификатор эскалации по тексту реплики
type Classifier interface {
	Classify(ctx context.Context, text string) (*Detection, error)
}

// Detector обёртка классификатора с cooldown: после сработавшей эскалации
// новые проверки подавляются на время Cooldown, чтобы серия реплик одного
// всплеска не спамила уведомлениями
type Detector struct {
	classifier Classifier
	cooldown   time.Duration

	mu     sync.Mutex
	lastAt time.Time
}

// NewDetector создаёт детектор с заданным cooldown
func NewDetector(classifier Classifier, cooldown time.Duration) *Detector {
	return &Detector{classifier: classifier, cooldown: cooldown}
}

// Check проверяет текст финальной реплики. Возвращает nil если эскалации
// нет или действует cooldown. Cooldown стартует только от сработавшей
// детекции.
func (d *Detector) Check(ctx context.Context, text string) *Detection {
	if d == nil || d.classifier == nil || strings.TrimSpace(text) == "" {
		return nil
	}

	d.mu.Lock()
	inCooldown := !d.lastAt.IsZero() && time.Since(d.lastAt) < d.cooldown
	d.mu.Unlock()
	if inCooldown {
		return nil
	}

	det, err := d.classifier.Classify(ctx, text)
	if err != nil {
		log.Printf("[Escalation] классификатор: %v", err)
		return nil
	}
	if det == nil {
		return nil
	}

	d.mu.Lock()
	// повторная проверка: параллельная детекция могла успеть раньше
	if !d.lastAt.IsZero() && time.Since(d.lastAt) < d.cooldown {
		d.mu.Unlock()
		return nil
	}
	d.lastAt = time.Now()
	d.mu.Unlock()

	log.Printf("[Escalation] %s: %s", det.Severity, det.Reason)
	return det
}

// OllamaClassifier классификатор через локальную Ollama. При недоступности
// или ошибке ответа вызывающий (CompositeClassifier) падает на эвристику.
type OllamaClassifier struct {
	BaseURL string
	Model   string
	client  *http.Client
}

// NewOllamaClassifier создаёт классификатор с разумным таймаутом
func NewOllamaClassifier(baseURL, model string) *OllamaClassifier {
	return &OllamaClassifier{
		BaseURL: baseURL,
		Model:   model,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

const escalationSystemPrompt = `Ты — классификатор эмоциональной эскалации в разговоре.
Оцени ОДНУ реплику. Ответь СТРОГО одним JSON объектом без пояснений:
{"escalated": true/false, "severity": "elevated"|"critical", "reason": "кратко почему"}
"critical" — прямые угрозы, крик, требование немедленных действий.
"elevated" — раздражение, обвинения, повышенный тон.
Обычная речь, даже эмоциональная по теме — escalated: false.`

// Classify шлёт реплику в Ollama chat API и парсит JSON-вердикт
func (c *OllamaClassifier) Classify(ctx context.Context, text string) (*Detection, error) {
	reqBody := map[string]interface{}{
		"model": c.Model,
		"messages": []map[string]string{
			{"role": "system", "content": escalationSystemPrompt},
			{"role": "user", "content": text},
		},
		"stream":  false,
		"format":  "json",
		"options": map[string]interface{}{"temperature": 0.0, "num_predict": 256},
	}

	jsonBody, _ := json.Marshal(reqBody)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/chat", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Ollama not running at %s: %w", c.BaseURL, err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(bodyBytes, &result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, fmt.Errorf("Ollama error: %s", result.Error)
	}

	var verdict struct {
		Escalated bool   `json:"escalated"`
		Severity  string `json:"severity"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(result.Message.Content), &verdict); err != nil {
		return nil, fmt.Errorf("bad verdict %q: %w", result.Message.Content, err)
	}
	if !verdict.Escalated {
		return nil, nil
	}
	if verdict.Severity != "critical" {
		verdict.Severity = "elevated"
	}
	return &Detection{Severity: verdict.Severity, Reason: verdict.Reason}, nil
}

// HeuristicClassifier запасной классификатор без LLM: маркерные фразы
// плюс доля капса. Грубый, но работает офлайн.
type HeuristicClassifier struct{}

var escalationMarkers = []string{
	"это неприемлемо", "я требую", "немедленно", "сколько можно",
	"вы издеваетесь", "хватит", "я буду жаловаться", "позовите руководителя",
	"последний раз говорю", "надоело",
	"this is unacceptable", "i demand", "right now", "enough",
	"i want to speak to", "last time i'm telling",
}

// Classify эвристика: маркер или крик капсом -> elevated
func (h *HeuristicClassifier) Classify(_ context.Context, text string) (*Detection, error) {
	lower := strings.ToLower(text)
	for _, m := range escalationMarkers {
		if strings.Contains(lower, m) {
			return &Detection{Severity: "elevated", Reason: "маркерная фраза: " + m}, nil
		}
	}

	var letters, upper int
	for _, r := range text {
		if r >= 'A' && r <= 'Z' || r >= 'А' && r <= 'Я' {
			upper++
			letters++
		} else if r >= 'a' && r <= 'z' || r >= 'а' && r <= 'я' {
			letters++
		}
	}
	if letters >= 12 && float64(upper)/float64(letters) > 0.7 {
		return &Detection{Severity: "elevated", Reason: "реплика капсом"}, nil
	}
	return nil, nil
}

// CompositeClassifier пробует LLM, при ошибке откатывается на эвристику
type CompositeClassifier struct {
	Primary  Classifier
	Fallback Classifier
}

// NewClassifier собирает стандартную связку Ollama + эвристика.
// Пустой baseURL отключает LLM-ветку целиком.
func NewClassifier(baseURL, model string) Classifier {
	heuristic := &HeuristicClassifier{}
	if baseURL == "" {
		return heuristic
	}
	return &CompositeClassifier{
		Primary:  NewOllamaClassifier(baseURL, model),
		Fallback: heuristic,
	}
}

// Classify делегирует первичному классификатору, на ошибке - запасному
func (c *CompositeClassifier) Classify(ctx context.Context, text string) (*Detection, error) {
	det, err := c.Primary.Classify(ctx, text)
	if err == nil {
		return det, nil
	}
	log.Printf("[Escalation] LLM недоступен: %v, используем эвристику", err)
	return c.Fallback.Classify(ctx, text)
}
