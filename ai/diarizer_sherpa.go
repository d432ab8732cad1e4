package ai

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"
)

// SherpaDiarizerConfig конфигурация диаризатора sherpa-onnx
type SherpaDiarizerConfig struct {
	SegmentationModelPath string  `yaml:"segmentation_model"` // pyannote сегментация
	EmbeddingModelPath    string  `yaml:"embedding_model"`    // wespeaker/3dspeaker эмбеддинги
	NumThreads            int     `yaml:"num_threads"`
	ClusteringThreshold   float32 `yaml:"clustering_threshold"`
	MinSpeakers           int     `yaml:"min_speakers"` // подсказка из создания сессии
	MaxSpeakers           int     `yaml:"max_speakers"`
	MinDurationOn         float32 `yaml:"min_duration_on"`
	MinDurationOff        float32 `yaml:"min_duration_off"`
	Provider              string  `yaml:"provider"` // cpu, cuda, coreml, auto
}

// DefaultSherpaDiarizerConfig возвращает конфигурацию по умолчанию
func DefaultSherpaDiarizerConfig(segmentationPath, embeddingPath string) SherpaDiarizerConfig {
	return SherpaDiarizerConfig{
		SegmentationModelPath: segmentationPath,
		EmbeddingModelPath:    embeddingPath,
		NumThreads:            4,
		ClusteringThreshold:   0.5,
		MinDurationOn:         0.3,
		MinDurationOff:        0.5,
		Provider:              "auto",
	}
}

// detectBestProvider определяет лучший ONNX provider для платформы
func detectBestProvider() string {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return "coreml"
	}
	return "cpu"
}

// SherpaDiarizer реализует Diarizer через sherpa-onnx offline диаризацию
type SherpaDiarizer struct {
	config   SherpaDiarizerConfig
	diarizer *sherpa.OfflineSpeakerDiarization
	mu       sync.Mutex
}

// NewSherpaDiarizer создаёт диаризатор; min/max спикеров из подсказок сессии
// ограничивают кластеризацию (двое-несколько собеседников)
func NewSherpaDiarizer(config SherpaDiarizerConfig) (*SherpaDiarizer, error) {
	if _, err := os.Stat(config.SegmentationModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("segmentation model not found: %s", config.SegmentationModelPath)
	}
	if _, err := os.Stat(config.EmbeddingModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("embedding model not found: %s", config.EmbeddingModelPath)
	}

	provider := config.Provider
	if provider == "auto" || provider == "" {
		provider = detectBestProvider()
	}

	numClusters := -1 // автоопределение
	if config.MinSpeakers > 0 && config.MinSpeakers == config.MaxSpeakers {
		numClusters = config.MinSpeakers
	}

	sherpaConfig := &sherpa.OfflineSpeakerDiarizationConfig{
		Segmentation: sherpa.OfflineSpeakerSegmentationModelConfig{
			Pyannote: sherpa.OfflineSpeakerSegmentationPyannoteModelConfig{
				Model: config.SegmentationModelPath,
			},
			NumThreads: config.NumThreads,
			Debug:      0,
			Provider:   provider,
		},
		Embedding: sherpa.SpeakerEmbeddingExtractorConfig{
			Model:      config.EmbeddingModelPath,
			NumThreads: config.NumThreads,
			Debug:      0,
			Provider:   provider,
		},
		Clustering: sherpa.FastClusteringConfig{
			NumClusters: numClusters,
			Threshold:   config.ClusteringThreshold,
		},
		MinDurationOn:  config.MinDurationOn,
		MinDurationOff: config.MinDurationOff,
	}

	diarizer := sherpa.NewOfflineSpeakerDiarization(sherpaConfig)
	if diarizer == nil && provider != "cpu" {
		log.Printf("[SherpaDiarizer] %s provider failed, falling back to CPU", provider)
		sherpaConfig.Segmentation.Provider = "cpu"
		sherpaConfig.Embedding.Provider = "cpu"
		diarizer = sherpa.NewOfflineSpeakerDiarization(sherpaConfig)
		provider = "cpu"
	}
	if diarizer == nil {
		return nil, fmt.Errorf("failed to create sherpa-onnx diarizer (provider=%s)", provider)
	}

	log.Printf("[SherpaDiarizer] initialized: provider=%s, clusters=%d", provider, numClusters)
	config.Provider = provider

	return &SherpaDiarizer{
		config:   config,
		diarizer: diarizer,
	}, nil
}

// Diarize возвращает интервалы спикеров для окна PCM 16kHz mono.
// Speaker id локальны для вызова: сопоставление со стабильными кластерами
// сессии делает timeline worker.
func (d *SherpaDiarizer) Diarize(samples []float32) ([]SpeakerInterval, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.diarizer == nil {
		return nil, fmt.Errorf("diarizer closed")
	}
	if len(samples) == 0 {
		return nil, nil
	}

	segments := d.diarizer.Process(samples)
	if len(segments) == 0 {
		return nil, nil
	}

	result := make([]SpeakerInterval, len(segments))
	for i, seg := range segments {
		result[i] = SpeakerInterval{
			Start:      seg.Start,
			End:        seg.End,
			Speaker:    seg.Speaker,
			Confidence: 1.0, // sherpa не отдаёт per-interval confidence
		}
	}
	return result, nil
}

// SampleRate ожидаемая частота дискретизации модели
func (d *SherpaDiarizer) SampleRate() int {
	if d.diarizer != nil {
		return d.diarizer.SampleRate()
	}
	return 16000
}

// Close освобождает ресурсы модели
func (d *SherpaDiarizer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.diarizer != nil {
		sherpa.DeleteOfflineSpeakerDiarization(d.diarizer)
		d.diarizer = nil
	}
}
