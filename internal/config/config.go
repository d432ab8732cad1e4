package config

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"attune/session"
)

// Config конфигурация процесса: флаги запуска плюс опциональный YAML
// с тюнингом сессионного ядра
type Config struct {
	Port            string
	CredentialsFile string // сервисный аккаунт Google Cloud
	VoiceprintDB    string // sqlite с голосовыми профилями
	ProfilesJSON    string // bootstrap-импорт профилей
	SegModelPath    string // сегментационная модель sherpa-onnx
	EmbModelPath    string // модель эмбеддингов (WeSpeaker ONNX)
	ModelProvider   string // cpu, coreml, cuda, auto
	OllamaURL       string
	OllamaModel     string
	TuningFile      string

	Params session.Params
}

// Load разбирает флаги и подмешивает YAML-тюнинг поверх дефолтов
func Load() (*Config, error) {
	port := flag.String("port", "8080", "Server port")
	credentials := flag.String("credentials", "", "Path to Google Cloud service account JSON")
	voiceprintDB := flag.String("voiceprints", "data/voiceprints.db", "Path to voiceprint sqlite database")
	profilesJSON := flag.String("import-profiles", "", "JSON file with voice profiles to import on start")
	segModel := flag.String("seg-model", "", "Path to sherpa-onnx segmentation model")
	embModel := flag.String("emb-model", "", "Path to speaker embedding ONNX model")
	provider := flag.String("provider", "auto", "Inference provider: auto, cpu, coreml, cuda")
	ollamaURL := flag.String("ollama-url", "", "Ollama base URL for escalation classifier (empty = heuristic only)")
	ollamaModel := flag.String("ollama-model", "llama3.2", "Ollama model for escalation classifier")
	tuning := flag.String("tuning", "", "YAML file overriding session parameters")
	flag.Parse()

	cfg := &Config{
		Port:            *port,
		CredentialsFile: *credentials,
		VoiceprintDB:    *voiceprintDB,
		ProfilesJSON:    *profilesJSON,
		SegModelPath:    *segModel,
		EmbModelPath:    *embModel,
		ModelProvider:   *provider,
		OllamaURL:       *ollamaURL,
		OllamaModel:     *ollamaModel,
		TuningFile:      *tuning,
		Params:          session.DefaultParams(),
	}

	if cfg.TuningFile != "" {
		data, err := os.ReadFile(cfg.TuningFile)
		if err != nil {
			return nil, fmt.Errorf("tuning file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg.Params); err != nil {
			return nil, fmt.Errorf("tuning file %s: %w", cfg.TuningFile, err)
		}
	}
	return cfg, nil
}
