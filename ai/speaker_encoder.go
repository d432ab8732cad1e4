package ai

import (
	"fmt"
	"math"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// SpeakerEncoderConfig конфигурация энкодера голоса (WeSpeaker ResNet34)
type SpeakerEncoderConfig struct {
	ModelPath  string `yaml:"model"`
	SampleRate int    `yaml:"sample_rate"`
	NMels      int    `yaml:"n_mels"`
	HopLength  int    `yaml:"hop_length"`
	WinLength  int    `yaml:"win_length"`
	NFFT       int    `yaml:"n_fft"`
	Dim        int    `yaml:"dim"` // размерность выходного вектора
}

// DefaultSpeakerEncoderConfig стандартная конфигурация для WeSpeaker ResNet34
func DefaultSpeakerEncoderConfig(modelPath string) SpeakerEncoderConfig {
	return SpeakerEncoderConfig{
		ModelPath:  modelPath,
		SampleRate: 16000,
		NMels:      80,
		HopLength:  160, // 10ms
		WinLength:  400, // 25ms
		NFFT:       512,
		Dim:        256,
	}
}

// SpeakerEncoder реализует Embedder: PCM -> L2-нормированный вектор тембра
type SpeakerEncoder struct {
	config       SpeakerEncoderConfig
	session      *ort.DynamicAdvancedSession
	melProcessor *MelProcessor
	mu           sync.Mutex
}

// NewSpeakerEncoder создаёт энкодер
func NewSpeakerEncoder(config SpeakerEncoderConfig) (*SpeakerEncoder, error) {
	if _, err := os.Stat(config.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", config.ModelPath)
	}

	encoder := &SpeakerEncoder{
		config: config,
		melProcessor: NewMelProcessor(MelConfig{
			SampleRate: config.SampleRate,
			NMels:      config.NMels,
			HopLength:  config.HopLength,
			WinLength:  config.WinLength,
			NFFT:       config.NFFT,
		}),
	}

	if err := initONNXRuntime(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}
	if err := encoder.loadModel(); err != nil {
		return nil, err
	}
	return encoder, nil
}

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initONNXRuntime() error {
	ortInitOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

func (e *SpeakerEncoder) loadModel() error {
	inputInfo, outputInfo, err := ort.GetInputOutputInfo(e.config.ModelPath)
	if err != nil {
		return fmt.Errorf("failed to get model info: %w", err)
	}

	inputNames := make([]string, len(inputInfo))
	for i, info := range inputInfo {
		inputNames[i] = info.Name
	}
	outputNames := make([]string, len(outputInfo))
	for i, info := range outputInfo {
		outputNames[i] = info.Name
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		e.config.ModelPath,
		inputNames,
		outputNames,
		options,
	)
	if err != nil {
		return fmt.Errorf("failed to create ONNX session: %w", err)
	}
	e.session = session
	return nil
}

// Embed извлекает вектор тембра из аудио. Минимум 100мс аудио.
func (e *SpeakerEncoder) Embed(samples []float32) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return nil, fmt.Errorf("encoder closed")
	}
	if len(samples) < e.config.SampleRate/10 {
		return nil, fmt.Errorf("audio too short for embedding: %d samples", len(samples))
	}

	melSpec, numFrames := e.melProcessor.Compute(samples)

	// WeSpeaker ONNX принимает [batch, frames, mels]
	flatInput := make([]float32, numFrames*e.config.NMels)
	for t := 0; t < numFrames; t++ {
		copy(flatInput[t*e.config.NMels:], melSpec[t])
	}

	inputShape := ort.NewShape(1, int64(numFrames), int64(e.config.NMels))
	inputTensor, err := ort.NewTensor(inputShape, flatInput)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	outputTensor := outputs[0].(*ort.Tensor[float32])
	embedding := outputTensor.GetData()

	// Копируем (tensor будет уничтожен) и нормируем
	result := make([]float32, len(embedding))
	copy(result, embedding)
	return NormalizeVector(result), nil
}

// Dim размерность эмбеддинга
func (e *SpeakerEncoder) Dim() int { return e.config.Dim }

// Close освобождает ONNX сессию
func (e *SpeakerEncoder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
}

// NormalizeVector L2-нормирует вектор на месте
func NormalizeVector(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sumSq))
	if norm < 1e-6 {
		return v
	}
	for i := range v {
		v[i] /= norm
	}
	return v
}
