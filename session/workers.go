package session

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"attune/ai"
)

// DiarChunk порция аудио для диаризации с абсолютными границами в сэмплах
type DiarChunk struct {
	Samples []float32
	Start   int64
	End     int64
}

// TimelineWorker строит непрерывный таймлайн спикеров: копит входной звук
// в окна фиксированной длины, диаризует окно целиком и дозаписывает
// результат в таймлайн контекста. Локальные номера спикеров окна
// привязываются к стабильным кластерам сессии через эмбеддинги чистых
// (не overlap) участков.
type TimelineWorker struct {
	ctx      *Context
	diarizer ai.Diarizer
	embedder ai.Embedder
	in       <-chan DiarChunk
	done     chan struct{}
}

// NewTimelineWorker создаёт воркер; запуск через Run в своей горутине
func NewTimelineWorker(ctx *Context, diarizer ai.Diarizer, embedder ai.Embedder, in <-chan DiarChunk) *TimelineWorker {
	return &TimelineWorker{
		ctx:      ctx,
		diarizer: diarizer,
		embedder: embedder,
		in:       in,
		done:     make(chan struct{}),
	}
}

// Done закрывается когда воркер обработал остаток и вышел
func (w *TimelineWorker) Done() <-chan struct{} { return w.done }

// Run крутится до закрытия входного канала; остаток окна дожимается
// при выходе (сентинел закрытия - сам close канала)
func (w *TimelineWorker) Run() {
	defer close(w.done)

	windowSamples := int(w.ctx.Params.TimelineWindowSec * float64(w.ctx.Params.SampleRate))
	var buf []float32
	var base int64 = -1

	for chunk := range w.in {
		if base == -1 {
			base = chunk.Start
		} else if expected := base + int64(len(buf)); chunk.Start != expected {
			// разрыв входа: drop-oldest выкинул чанки. Частичное окно
			// дожимается как есть, счёт позиций начинается заново с
			// фактического начала чанка
			log.Printf("[Timeline %s] разрыв входа: ожидался сэмпл %d, пришёл %d", w.ctx.ID, expected, chunk.Start)
			if len(buf) >= w.ctx.Params.SampleRate {
				w.process(base, buf)
			}
			buf = buf[:0]
			base = chunk.Start
		}
		buf = append(buf, chunk.Samples...)
		for len(buf) >= windowSamples {
			w.process(base, buf[:windowSamples])
			base += int64(windowSamples)
			buf = buf[windowSamples:]
		}
	}

	// добиваем хвост при завершении сессии
	if len(buf) >= w.ctx.Params.SampleRate && base >= 0 {
		w.process(base, buf)
	}
	log.Printf("[Timeline %s] воркер остановлен", w.ctx.ID)
}

// process диаризует одно окно и дозаписывает таймлайн
func (w *TimelineWorker) process(base int64, window []float32) {
	intervals, err := ai.DiarizeWithTimeout(w.diarizer, window, w.ctx.Params.DiarizeTimeout)
	if err != nil {
		if errors.Is(err, ai.ErrModelTimeout) {
			// таймаут модели = нет данных по окну, атрибуция отработает
			// деградированно
			log.Printf("[Timeline %s] таймаут диаризации окна @%d, окно пропущено", w.ctx.ID, base)
		} else {
			log.Printf("[Timeline %s] ошибка диаризации: %v", w.ctx.ID, err)
		}
		return
	}
	if len(intervals) == 0 {
		return
	}

	out := mapToTimeline(w.ctx, w.embedder, base, window, intervals)
	w.ctx.AppendTimeline(out)
}

// mapToTimeline привязывает локальные номера спикеров окна к стабильным
// кластерам и переводит интервалы в stream time. Общая часть timeline и
// rolling воркеров.
func mapToTimeline(ctx *Context, embedder ai.Embedder, base int64, window []float32, intervals []ai.SpeakerInterval) []Interval {
	rate := float64(ctx.Params.SampleRate)
	overlaps := overlapRegions(intervals)

	// стабильная метка на каждый локальный номер
	labels := make(map[int]SpeakerLabel)
	locals := localSpeakers(intervals)
	for _, sp := range locals {
		clean := cleanAudio(sp, intervals, overlaps, window, rate)
		if embedder == nil || len(clean) < int(rate/2) {
			// без эмбеддинга локальный номер не привязать к стабильному
			// кластеру; выдуманный тег столкнулся бы с тегами ObserveCluster
			labels[sp] = Uncertain
			continue
		}
		emb, err := ai.EmbedWithTimeout(embedder, clean, ctx.Params.DiarizeTimeout)
		if err != nil {
			log.Printf("[Timeline %s] эмбеддинг спикера %d: %v", ctx.ID, sp, err)
			labels[sp] = Uncertain
			continue
		}
		labels[sp] = ctx.ObserveCluster(emb)
	}

	out := make([]Interval, 0, len(intervals))
	for _, iv := range intervals {
		start := base + int64(float64(iv.Start)*rate)
		end := base + int64(float64(iv.End)*rate)
		if end <= start {
			continue
		}
		out = append(out, Interval{
			Start:      start,
			End:        end,
			Speaker:    labels[iv.Speaker],
			Confidence: iv.Confidence,
			IsOverlap:  overlapsAny(iv, overlaps),
		})
	}
	return out
}

type floatSpan struct{ start, end float32 }

// overlapRegions участки окна, где говорят одновременно разные спикеры
func overlapRegions(intervals []ai.SpeakerInterval) []floatSpan {
	var out []floatSpan
	for i, a := range intervals {
		for _, b := range intervals[i+1:] {
			if a.Speaker == b.Speaker {
				continue
			}
			s := a.Start
			if b.Start > s {
				s = b.Start
			}
			e := a.End
			if b.End < e {
				e = b.End
			}
			if e > s {
				out = append(out, floatSpan{s, e})
			}
		}
	}
	return out
}

func overlapsAny(iv ai.SpeakerInterval, regions []floatSpan) bool {
	for _, r := range regions {
		s := iv.Start
		if r.start > s {
			s = r.start
		}
		e := iv.End
		if r.end < e {
			e = r.end
		}
		if e > s {
			return true
		}
	}
	return false
}

func localSpeakers(intervals []ai.SpeakerInterval) []int {
	seen := make(map[int]bool)
	var out []int
	for _, iv := range intervals {
		if !seen[iv.Speaker] {
			seen[iv.Speaker] = true
			out = append(out, iv.Speaker)
		}
	}
	sort.Ints(out)
	return out
}

// cleanAudio конкатенация однодикторных участков локального спикера
func cleanAudio(speaker int, intervals []ai.SpeakerInterval, overlaps []floatSpan, window []float32, rate float64) []float32 {
	var out []float32
	for _, iv := range intervals {
		if iv.Speaker != speaker {
			continue
		}
		for _, part := range subtractRegions(floatSpan{iv.Start, iv.End}, overlaps) {
			s := int(float64(part.start) * rate)
			e := int(float64(part.end) * rate)
			if s < 0 {
				s = 0
			}
			if e > len(window) {
				e = len(window)
			}
			if e > s {
				out = append(out, window[s:e]...)
			}
		}
	}
	return out
}

// subtractRegions вычитает перекрытия из участка
func subtractRegions(span floatSpan, regions []floatSpan) []floatSpan {
	parts := []floatSpan{span}
	for _, r := range regions {
		var next []floatSpan
		for _, p := range parts {
			if r.end <= p.start || r.start >= p.end {
				next = append(next, p)
				continue
			}
			if r.start > p.start {
				next = append(next, floatSpan{p.start, r.start})
			}
			if r.end < p.end {
				next = append(next, floatSpan{r.end, p.end})
			}
		}
		parts = next
	}
	return parts
}

// RollingWorker диаризует короткий хвост буфера по тикеру: отвечает на
// вопрос "кто говорит прямо сейчас" ценой потери непрерывности. Каждый
// проход заменяет rolling-срез контекста целиком и шлёт
// diarization_segments событие.
type RollingWorker struct {
	ctx      *Context
	diarizer ai.Diarizer
	embedder ai.Embedder
	emit     func(Event)
	done     chan struct{}
}

// NewRollingWorker создаёт воркер "кто говорит сейчас"
func NewRollingWorker(ctx *Context, diarizer ai.Diarizer, embedder ai.Embedder, emit func(Event)) *RollingWorker {
	return &RollingWorker{
		ctx:      ctx,
		diarizer: diarizer,
		embedder: embedder,
		emit:     emit,
		done:     make(chan struct{}),
	}
}

// Done закрывается при выходе воркера
func (w *RollingWorker) Done() <-chan struct{} { return w.done }

// Run тикает с шагом RollingHopSec до отмены контекста
func (w *RollingWorker) Run(ctx context.Context) {
	defer close(w.done)

	hop := time.Duration(w.ctx.Params.RollingHopSec * float64(time.Second))
	ticker := time.NewTicker(hop)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Rolling %s] воркер остановлен", w.ctx.ID)
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *RollingWorker) tick() {
	rate := w.ctx.Params.SampleRate
	windowSamples := int64(w.ctx.Params.RollingWindowSec * float64(rate))
	total := w.ctx.Ring.Total()
	if total < windowSamples {
		return
	}

	window, base, _ := w.ctx.Ring.Slice(total-windowSamples, total)
	if len(window) == 0 {
		return
	}

	intervals, err := ai.DiarizeWithTimeout(w.diarizer, window, w.ctx.Params.DiarizeTimeout)
	if err != nil {
		// пропущенный тик не страшен, следующий придёт через hop
		if !errors.Is(err, ai.ErrModelTimeout) {
			log.Printf("[Rolling %s] ошибка диаризации: %v", w.ctx.ID, err)
		}
		return
	}

	mapped := mapToTimeline(w.ctx, w.embedder, base, window, intervals)
	w.ctx.SetSnapshot(mapped, total)

	if len(mapped) == 0 {
		return
	}
	segs := make([]DiarizationSegment, 0, len(mapped))
	for _, iv := range mapped {
		segs = append(segs, DiarizationSegment{
			Start:   float64(iv.Start) / float64(rate),
			End:     float64(iv.End) / float64(rate),
			Speaker: iv.Speaker.String(),
		})
	}
	w.emit(Event{Type: EventDiarization, Diarization: segs})
}
