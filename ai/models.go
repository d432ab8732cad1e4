// Package ai оборачивает внешние модели: диаризацию (sherpa-onnx) и
// извлечение голосовых эмбеддингов (onnxruntime). Для пайплайна обе модели -
// чистые функции: PCM на входе, интервалы спикеров или вектор на выходе.
package ai

import (
	"fmt"
	"log"
	"time"
)

// SpeakerInterval интервал речи одного спикера, секунды относительно
// начала переданного окна. Speaker - локальный для вызова id (0, 1, 2...).
type SpeakerInterval struct {
	Start      float32
	End        float32
	Speaker    int
	Confidence float32
}

// Diarizer внешняя модель диаризации: PCM 16kHz mono -> интервалы спикеров
type Diarizer interface {
	Diarize(samples []float32) ([]SpeakerInterval, error)
	SampleRate() int
	Close()
}

// Embedder внешняя модель эмбеддингов: PCM 16kHz mono -> вектор тембра
type Embedder interface {
	Embed(samples []float32) ([]float32, error)
	Dim() int
	Close()
}

// ErrModelTimeout возвращается обёртками таймаута; вызывающие обязаны
// трактовать его как "нет данных для этого окна", не как отказ
var ErrModelTimeout = fmt.Errorf("model call timed out")

// DiarizeWithTimeout вызывает модель с верхней границей по времени.
// Таймаут не фатален: возвращаются пустые интервалы. Сам вызов C-библиотеки
// отменить нельзя, он доработает в фоне (внутренний мьютекс модели
// сериализует следующие вызовы).
func DiarizeWithTimeout(d Diarizer, samples []float32, timeout time.Duration) ([]SpeakerInterval, error) {
	type result struct {
		intervals []SpeakerInterval
		err       error
	}
	done := make(chan result, 1)
	go func() {
		intervals, err := d.Diarize(samples)
		done <- result{intervals, err}
	}()

	select {
	case r := <-done:
		return r.intervals, r.err
	case <-time.After(timeout):
		log.Printf("[Diarizer] call exceeded %v, treating window as empty", timeout)
		return nil, ErrModelTimeout
	}
}

// EmbedWithTimeout вызывает эмбеддер с верхней границей по времени
func EmbedWithTimeout(e Embedder, samples []float32, timeout time.Duration) ([]float32, error) {
	type result struct {
		vec []float32
		err error
	}
	done := make(chan result, 1)
	go func() {
		vec, err := e.Embed(samples)
		done <- result{vec, err}
	}()

	select {
	case r := <-done:
		return r.vec, r.err
	case <-time.After(timeout):
		log.Printf("[Embedder] call exceeded %v", timeout)
		return nil, ErrModelTimeout
	}
}
