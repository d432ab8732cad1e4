package main

import (
	"context"
	"log"
	"time"

	"attune/ai"
	"attune/internal/api"
	"attune/internal/config"
	"attune/internal/service"
	"attune/session"
	"attune/stt"
	"attune/voiceprint"
)

func main() {
	log.Println("Attune backend starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Voiceprint DB: %s", cfg.VoiceprintDB)

	// Хранилище голосовых профилей
	store, err := voiceprint.OpenStore(cfg.VoiceprintDB)
	if err != nil {
		log.Fatalf("Failed to open voiceprint store: %v", err)
	}
	defer store.Close()

	if cfg.ProfilesJSON != "" {
		n, err := store.ImportJSON(cfg.ProfilesJSON)
		if err != nil {
			log.Fatalf("Failed to import profiles from %s: %v", cfg.ProfilesJSON, err)
		}
		log.Printf("Imported %d voice profiles from %s", n, cfg.ProfilesJSON)
	}

	// Потоковое распознавание Google Cloud
	log.Println("Connecting to Google Cloud Speech...")
	sttSvc, err := stt.NewGoogleService(context.Background(), cfg.CredentialsFile)
	if err != nil {
		log.Fatalf("Failed to init speech client: %v", err)
	}
	defer sttSvc.Close()
	log.Println("Speech client ready")

	// Локальная диаризация опциональна: без моделей остаёмся на
	// сервисной диаризации ASR
	var diarizer ai.Diarizer
	if cfg.SegModelPath != "" && cfg.EmbModelPath != "" {
		diarCfg := ai.DefaultSherpaDiarizerConfig(cfg.SegModelPath, cfg.EmbModelPath)
		diarCfg.Provider = cfg.ModelProvider
		d, err := ai.NewSherpaDiarizer(diarCfg)
		if err != nil {
			log.Printf("Warning: local diarizer unavailable: %v", err)
		} else {
			log.Println("Local diarizer loaded")
			diarizer = d
			defer d.Close()
		}
	} else {
		log.Println("No diarization models configured, using service diarization only")
	}

	// Энкодер тембра тоже опционален: без него атрибуция работает
	// только по таймлайну и скользящему окну
	var embedder ai.Embedder
	if cfg.EmbModelPath != "" {
		e, err := ai.NewSpeakerEncoder(ai.DefaultSpeakerEncoderConfig(cfg.EmbModelPath))
		if err != nil {
			log.Printf("Warning: speaker encoder unavailable: %v", err)
		} else {
			log.Println("Speaker encoder loaded")
			embedder = e
			defer e.Close()
		}
	}

	// Детектор эскалаций: Ollama с эвристическим фолбэком
	detector := service.NewDetector(
		service.NewClassifier(cfg.OllamaURL, cfg.OllamaModel),
		5*time.Second,
	)

	registry := session.NewRegistry()

	server := api.NewServer(cfg, registry, sttSvc, diarizer, embedder, store, detector)
	server.Start()
}
