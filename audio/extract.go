package audio

import "log"

// Span диапазон сэмплов [Start, End) в stream time
type Span struct {
	Start int64
	End   int64
}

// Duration длина диапазона в сэмплах
func (s Span) Duration() int64 { return s.End - s.Start }

// Clip обрезает диапазон по границам другого
func (s Span) Clip(bound Span) Span {
	if s.Start < bound.Start {
		s.Start = bound.Start
	}
	if s.End > bound.End {
		s.End = bound.End
	}
	return s
}

// ExtractRequest запрос на извлечение аудио финального сегмента
type ExtractRequest struct {
	// Границы сегмента в сэмплах; HasBounds=false для сегментов без тайминга
	Span      Span
	HasBounds bool

	// Сегмент построен fallback-сегментацией: Intervals несут stream-интервалы
	// диаризации, из которых он собран
	DiarizationDerived bool
	Intervals          []Span

	// Однодикторные (не overlap) участки из timeline snapshot; если заданы,
	// извлечение сужается до них для чистого аудио
	CleanSpans []Span
}

// Extract результат извлечения: сырые сэмплы и фактические границы
type Extract struct {
	Samples  []float32
	Span     Span
	StartSec float64
	EndSec   float64
}

// ExtractorConfig пороги извлечения
type ExtractorConfig struct {
	// Минимальное окно для сегментов с word-level таймингом
	MinWindowSec float64 `yaml:"min_window_sec"`
	// Минимальное окно для diarization-derived сегментов
	MinDerivedWindowSec float64 `yaml:"min_derived_window_sec"`
	// Паддинг вокруг word-level границ
	PadSec float64 `yaml:"pad_sec"`
	// Хвостовое окно для финальных сегментов вовсе без тайминга
	TrailingWindowSec float64 `yaml:"trailing_window_sec"`
}

// DefaultExtractorConfig возвращает стандартные пороги
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		MinWindowSec:        3.0,
		MinDerivedWindowSec: 1.0,
		PadSec:              0.25,
		TrailingWindowSec:   4.0,
	}
}

// Extractor вырезает аудио сегмента из кольцевого буфера
type Extractor struct {
	ring       *Ring
	sampleRate int
	config     ExtractorConfig
}

// NewExtractor создаёт extractor над буфером сессии
func NewExtractor(ring *Ring, sampleRate int, config ExtractorConfig) *Extractor {
	return &Extractor{ring: ring, sampleRate: sampleRate, config: config}
}

// Extract возвращает аудио для сегмента или nil если извлечение невозможно.
// Выход за retention не ошибка: диапазон клампится и результат считается
// деградированным.
func (e *Extractor) Extract(req ExtractRequest) *Extract {
	var window Span

	switch {
	case req.DiarizationDerived && len(req.Intervals) > 0:
		window = e.derivedWindow(req)
	case req.HasBounds:
		pad := int64(e.config.PadSec * float64(e.sampleRate))
		window = Span{Start: req.Span.Start - pad, End: req.Span.End + pad}
		window = e.ensureMin(window, e.minSamples(e.config.MinWindowSec))
	default:
		// Финальный сегмент без тайминга: хвостовое окно, лишь бы было
		// что подать в эмбеддер
		total := e.ring.Total()
		window = Span{Start: total - int64(e.config.TrailingWindowSec*float64(e.sampleRate)), End: total}
	}

	if window.Start < 0 {
		window.Start = 0
	}

	// Сужение до однодикторных участков
	if len(req.CleanSpans) > 0 {
		if clean, ok := restrictToClean(window, req.CleanSpans); ok {
			window = clean
		}
	}

	samples, start, end := e.ring.Slice(window.Start, window.End)
	if len(samples) == 0 {
		return nil
	}
	if start != window.Start || end != window.End {
		log.Printf("[Extractor] window [%d,%d) clamped to retention [%d,%d)",
			window.Start, window.End, start, end)
	}

	rate := float64(e.sampleRate)
	return &Extract{
		Samples:  samples,
		Span:     Span{Start: start, End: end},
		StartSec: float64(start) / rate,
		EndSec:   float64(end) / rate,
	}
}

// derivedWindow: клипуем интервалы диаризации по границам сегмента и берём
// внешнюю границу объединения (min start, max end)
func (e *Extractor) derivedWindow(req ExtractRequest) Span {
	bound := req.Span
	if !req.HasBounds {
		bound = Span{Start: 0, End: e.ring.Total()}
	}

	window := Span{Start: -1, End: -1}
	for _, iv := range req.Intervals {
		clipped := iv.Clip(bound)
		if clipped.Duration() <= 0 {
			continue
		}
		if window.Start == -1 || clipped.Start < window.Start {
			window.Start = clipped.Start
		}
		if clipped.End > window.End {
			window.End = clipped.End
		}
	}
	if window.Start == -1 {
		window = bound
	}
	return e.ensureMin(window, e.minSamples(e.config.MinDerivedWindowSec))
}

// ensureMin симметрично расширяет окно до минимальной длительности
func (e *Extractor) ensureMin(window Span, minSamples int64) Span {
	if window.Duration() >= minSamples {
		return window
	}
	missing := minSamples - window.Duration()
	window.Start -= missing / 2
	window.End += missing - missing/2
	return window
}

func (e *Extractor) minSamples(sec float64) int64 {
	return int64(sec * float64(e.sampleRate))
}

// restrictToClean выбирает самый длинный однодикторный участок внутри окна
func restrictToClean(window Span, clean []Span) (Span, bool) {
	best := Span{}
	for _, c := range clean {
		clipped := c.Clip(window)
		if clipped.Duration() > best.Duration() {
			best = clipped
		}
	}
	if best.Duration() <= 0 {
		return Span{}, false
	}
	return best, true
}
