// Package stt адаптер внешнего потокового распознавания речи.
// Сервис - чёрный ящик: конфигурация + чанки аудио на входе,
// interim/final результаты с опциональным word-level таймингом на выходе.
package stt

import (
	"context"
	"time"
)

// Word слово с таймингом относительно начала потока распознавания
type Word struct {
	Text       string
	Start      time.Duration
	End        time.Duration
	SpeakerTag int // 0 если сервисная диаризация выключена
	Confidence float32
}

// Result один результат распознавания
type Result struct {
	Text       string
	Confidence float32
	IsFinal    bool
	Words      []Word // nil когда тайминг недоступен
	Language   string // определённый сервисом язык
}

// HasWordTiming сообщает, пригодны ли слова результата для сегментации
func (r *Result) HasWordTiming() bool {
	return len(r.Words) > 0 && r.Words[len(r.Words)-1].End > 0
}

// Config конфигурация потока распознавания
type Config struct {
	SampleRate int
	// Language "auto" включает определение языка по AltLanguages;
	// в этом режиме сервис подавляет word-level диаризацию
	Language     string
	AltLanguages []string
	MinSpeakers  int
	MaxSpeakers  int
	// Diarization запрашивает сервисные speaker tags на словах
	Diarization    bool
	InterimResults bool
}

// LanguageAuto режим автоопределения языка
const LanguageAuto = "auto"

// SkipsServiceDiarization true когда конфигурация не даст word-level
// speaker tags и сессии нужны собственные диаризационные воркеры
func (c Config) SkipsServiceDiarization() bool {
	return !c.Diarization || c.Language == LanguageAuto
}

// Stream открытый двунаправленный поток распознавания.
// Send и Recv можно звать из разных горутин; Recv блокируется.
type Stream interface {
	Send(chunk []byte) error
	CloseSend() error
	Recv() (*Result, error)
}

// Service фабрика потоков распознавания
type Service interface {
	Open(ctx context.Context, cfg Config) (Stream, error)
	Close() error
}
