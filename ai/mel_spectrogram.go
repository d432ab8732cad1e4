package ai

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// MelConfig конфигурация log-mel фронтенда энкодера
type MelConfig struct {
	SampleRate int
	NMels      int
	HopLength  int // обычно SampleRate/100 (10ms)
	WinLength  int // обычно SampleRate/40 (25ms)
	NFFT       int
}

// MelProcessor вычисляет log-mel спектрограмму для входа WeSpeaker
type MelProcessor struct {
	config     MelConfig
	melFilters [][]float64
	window     []float64
	fft        *fourier.FFT
}

// NewMelProcessor создаёт процессор с готовым filterbank и окном Ханна
func NewMelProcessor(config MelConfig) *MelProcessor {
	return &MelProcessor{
		config:     config,
		melFilters: melFilterbank(config.NFFT, config.NMels, config.SampleRate),
		window:     hannWindow(config.WinLength),
		fft:        fourier.NewFFT(config.NFFT),
	}
}

// Compute возвращает [numFrames][nMels] log-mel спектрограмму.
// Фреймы left-aligned, без центрирования.
func (p *MelProcessor) Compute(samples []float32) ([][]float32, int) {
	numFrames := 1
	if len(samples) >= p.config.WinLength {
		numFrames = (len(samples)-p.config.WinLength)/p.config.HopLength + 1
	}

	melSpec := make([][]float32, numFrames)
	frameData := make([]float64, p.config.NFFT)
	numBins := p.config.NFFT/2 + 1
	powerSpec := make([]float64, numBins)

	for frame := 0; frame < numFrames; frame++ {
		frameStart := frame * p.config.HopLength

		for i := range frameData {
			frameData[i] = 0
		}
		for i := 0; i < p.config.WinLength; i++ {
			idx := frameStart + i
			if idx < len(samples) {
				frameData[i] = float64(samples[idx]) * p.window[i]
			}
		}

		coeffs := p.fft.Coefficients(nil, frameData)
		for i := 0; i < numBins; i++ {
			re := real(coeffs[i])
			im := imag(coeffs[i])
			powerSpec[i] = re*re + im*im
		}

		melSpec[frame] = make([]float32, p.config.NMels)
		for m := 0; m < p.config.NMels; m++ {
			sum := 0.0
			for k := 0; k < numBins; k++ {
				sum += powerSpec[k] * p.melFilters[m][k]
			}
			if sum < 1e-9 {
				sum = 1e-9
			}
			melSpec[frame][m] = float32(math.Log(sum))
		}
	}

	return melSpec, numFrames
}

// melFilterbank строит треугольные mel-фильтры (HTK formula, совместимо
// с torchaudio: работаем в Hz, не в bin indices)
func melFilterbank(nFFT, nMels, sampleRate int) [][]float64 {
	hzToMel := func(hz float64) float64 { return 2595.0 * math.Log10(1.0+hz/700.0) }
	melToHz := func(mel float64) float64 { return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0) }

	numBins := nFFT/2 + 1
	fMax := float64(sampleRate) / 2.0

	allFreqs := make([]float64, numBins)
	for i := range allFreqs {
		allFreqs[i] = float64(i) * fMax / float64(numBins-1)
	}

	// nMels+2 опорных точек: левый край, центры, правый край
	mMin := hzToMel(0)
	mMax := hzToMel(fMax)
	fPts := make([]float64, nMels+2)
	for i := range fPts {
		mel := mMin + float64(i)*(mMax-mMin)/float64(nMels+1)
		fPts[i] = melToHz(mel)
	}

	filters := make([][]float64, nMels)
	for m := 0; m < nMels; m++ {
		filters[m] = make([]float64, numBins)
		for k := 0; k < numBins; k++ {
			lower := (allFreqs[k] - fPts[m]) / (fPts[m+1] - fPts[m])
			upper := (fPts[m+2] - allFreqs[k]) / (fPts[m+2] - fPts[m+1])
			val := math.Min(lower, upper)
			if val < 0 {
				val = 0
			}
			filters[m][k] = val
		}
	}
	return filters
}

func hannWindow(size int) []float64 {
	window := make([]float64, size)
	for i := range window {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(size-1)))
	}
	return window
}
