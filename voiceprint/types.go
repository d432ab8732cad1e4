// Package voiceprint хранит голосовые профили пользователей между сессиями
// и выполняет сопоставление эмбеддингов по косинусному сходству.
package voiceprint

import "time"

// Profile сохранённый голосовой профиль пользователя
type Profile struct {
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Embedding []float32 `json:"embedding"` // L2-нормированный центроид
	SeenCount int       `json:"seenCount"` // количество сессий, влившихся в центроид
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Candidate кандидат на сопоставление: известный профиль или кластер сессии
type Candidate struct {
	Key       string // user id либо тег кластера (Unknown_N)
	Embedding []float32
	Known     bool
}

// MatchParams пороги принятия совпадения
type MatchParams struct {
	// Минимальное косинусное сходство лучшего кандидата
	Threshold float32 `yaml:"threshold"`
	// Минимальный отрыв от второго кандидата
	Margin float32 `yaml:"margin"`
	// Зазор, в пределах которого известный профиль предпочитается
	// созданию нового анонимного кластера
	KnownBias float32 `yaml:"known_bias"`
}

// DefaultMatchParams возвращает стандартные пороги
func DefaultMatchParams() MatchParams {
	return MatchParams{
		Threshold: 0.30,
		Margin:    0.03,
		KnownBias: 0.05,
	}
}

// MatchResult результат сопоставления
type MatchResult struct {
	Key        string
	Known      bool
	Similarity float32
	Margin     float32 // отрыв от второго кандидата
	Scores     map[string]float32
}

// Уровни уверенности для внешнего отчёта
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Confidence возвращает уровень уверенности для сходства
func Confidence(similarity float32) string {
	switch {
	case similarity >= 0.70:
		return ConfidenceHigh
	case similarity >= 0.45:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
