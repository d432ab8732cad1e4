package session

import (
	"strings"
	"unicode/utf8"

	"attune/audio"
	"attune/stt"
)

// Builder превращает результаты ASR в сегменты транскрипта.
//
// Interim результат даёт один провизорный сегмент без границ. Финал со
// словными таймстемпами режется по сменам сервисного speaker tag. Финал
// без таймстемпов (режим автоопределения языка) проходит через
// fallback-сегментацию по интервалам собственной диаризации.
type Builder struct {
	ctx *Context
}

// NewBuilder создаёт билдер над контекстом сессии
func NewBuilder(ctx *Context) *Builder {
	return &Builder{ctx: ctx}
}

// Build строит сегменты из одного результата ASR. now - текущий конец
// глобального потока в сэмплах (Ring.Total в момент прихода результата).
func (b *Builder) Build(res *stt.Result, now int64) []*Segment {
	if res == nil || strings.TrimSpace(res.Text) == "" {
		return nil
	}

	if !res.IsFinal {
		return []*Segment{{
			ID:         b.ctx.NextSegmentID(),
			Text:       res.Text,
			IsFinal:    false,
			Confidence: res.Confidence,
		}}
	}

	if res.HasWordTiming() {
		return b.buildTimed(res)
	}
	return b.buildFallback(res, now)
}

// buildTimed финал со словными таймстемпами: сегмент на каждый ран
// одинакового speaker tag. Времена слов относительны началу ASR-стрима.
func (b *Builder) buildTimed(res *stt.Result) []*Segment {
	base := b.ctx.StreamStart()
	rate := int64(b.ctx.Params.SampleRate)

	var segs []*Segment
	var run []stt.Word
	flush := func() {
		if len(run) == 0 {
			return
		}
		start := base + int64(run[0].Start.Seconds()*float64(rate))
		end := base + int64(run[len(run)-1].End.Seconds()*float64(rate))
		texts := make([]string, len(run))
		words := make([]stt.Word, len(run))
		for i, w := range run {
			texts[i] = w.Text
			// тайминги слов перебазируются на начало сегмента
			words[i] = w
			words[i].Start = w.Start - run[0].Start
			words[i].End = w.End - run[0].Start
		}
		segs = append(segs, &Segment{
			ID:            b.ctx.NextSegmentID(),
			Text:          strings.Join(texts, " "),
			IsFinal:       true,
			ASRSpeakerTag: run[0].SpeakerTag,
			Confidence:    res.Confidence,
			Span:          audio.Span{Start: start, End: end},
			HasBounds:     true,
			Words:         words,
		})
		run = run[:0]
	}

	for _, w := range res.Words {
		if len(run) > 0 && w.SpeakerTag != run[len(run)-1].SpeakerTag {
			flush()
		}
		run = append(run, w)
	}
	flush()

	if len(segs) > 0 {
		b.ctx.SetLastFinalEnd(segs[len(segs)-1].Span.End)
	}
	return segs
}

// buildFallback финал без таймстемпов: границы берутся из собственной
// диаризации. Рабочий диапазон - от конца предыдущего финала до текущего
// момента; интервалы предпочитаем из непрерывного таймлайна, при его
// отсутствии - из rolling-среза.
func (b *Builder) buildFallback(res *stt.Result, now int64) []*Segment {
	start := b.ctx.LastFinalEnd()
	if s := b.ctx.StreamStart(); s > start {
		start = s
	}
	if start >= now {
		start = now - 1
		if start < 0 {
			start = 0
		}
	}
	span := audio.Span{Start: start, End: now}

	intervals := intervalsWithin(b.ctx.Timeline(), span)
	if len(intervals) == 0 {
		snap, _ := b.ctx.Snapshot()
		intervals = intervalsWithin(snap, span)
	}

	subSpans := splitSubSpans(span, intervals, b.ctx.Params.Pause, b.ctx.Params.SampleRate)
	texts := distributeText(res.Text, subSpans)

	segs := make([]*Segment, 0, len(subSpans))
	for i, ss := range subSpans {
		if strings.TrimSpace(texts[i]) == "" {
			continue
		}
		segs = append(segs, &Segment{
			ID:                 b.ctx.NextSegmentID(),
			Text:               strings.TrimSpace(texts[i]),
			IsFinal:            true,
			Confidence:         res.Confidence,
			Span:               ss,
			HasBounds:          true,
			DiarizationDerived: true,
			Intervals:          clipSpans(intervals, ss),
		})
	}

	b.ctx.SetLastFinalEnd(span.End)
	return segs
}

// intervalsWithin непересекающиеся с границами диапазона куски интервалов
func intervalsWithin(ivs []Interval, span audio.Span) []audio.Span {
	var out []audio.Span
	for _, iv := range ivs {
		s, e := iv.Start, iv.End
		if s < span.Start {
			s = span.Start
		}
		if e > span.End {
			e = span.End
		}
		if e > s {
			out = append(out, audio.Span{Start: s, End: e})
		}
	}
	return mergeSpans(out)
}

// mergeSpans сортирует и склеивает пересекающиеся диапазоны
func mergeSpans(spans []audio.Span) []audio.Span {
	if len(spans) < 2 {
		return spans
	}
	sorted := append([]audio.Span(nil), spans...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Start < sorted[j-1].Start; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	out := sorted[:1]
	for _, s := range sorted[1:] {
		last := &out[len(out)-1]
		if s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
		} else {
			out = append(out, s)
		}
	}
	return out
}

func clipSpans(spans []audio.Span, bound audio.Span) []audio.Span {
	var out []audio.Span
	for _, s := range spans {
		if s.Start < bound.Start {
			s.Start = bound.Start
		}
		if s.End > bound.End {
			s.End = bound.End
		}
		if s.End > s.Start {
			out = append(out, s)
		}
	}
	return out
}

// splitSubSpans детерминированно режет диапазон речи на под-диапазоны по
// паузам между интервалами диаризации. Чистая функция: одинаковый вход
// всегда даёт одинаковый результат.
//
// Три уровня паузы: длинная режет всегда; мягкая - если текущий кусок уже
// набрал минимальную длительность; пауза-кандидат - только чтобы следующий
// интервал не увёл кусок за мягкий максимум. Жёсткий максимум режет
// безусловно, в том числе внутри непрерывного интервала.
func splitSubSpans(span audio.Span, intervals []audio.Span, p PauseParams, rate int) []audio.Span {
	toSamples := func(ms int64) int64 { return ms * int64(rate) / 1000 }
	long := toSamples(p.LongPauseMs)
	soft := toSamples(p.SoftPauseMs)
	cand := toSamples(p.CandidatePauseMs)
	minSub := toSamples(p.MinSubSpanMs)
	softMax := toSamples(p.SoftMaxMs)
	hardMax := toSamples(p.HardMaxMs)

	if len(intervals) == 0 {
		intervals = []audio.Span{span}
	}

	var out []audio.Span
	curStart := intervals[0].Start
	curEnd := intervals[0].End

	// жёсткий максимум внутри текущего куска
	chop := func() {
		for curEnd-curStart > hardMax {
			out = append(out, audio.Span{Start: curStart, End: curStart + hardMax})
			curStart += hardMax
		}
	}
	chop()

	for _, iv := range intervals[1:] {
		gap := iv.Start - curEnd
		curDur := curEnd - curStart
		split := false
		switch {
		case gap >= long:
			split = true
		case gap >= soft && curDur >= minSub:
			split = true
		case gap >= cand && iv.End-curStart > softMax:
			split = true
		}
		if split {
			out = append(out, audio.Span{Start: curStart, End: curEnd})
			curStart = iv.Start
		}
		if iv.End > curEnd {
			curEnd = iv.End
		}
		chop()
	}
	if curEnd > curStart {
		out = append(out, audio.Span{Start: curStart, End: curEnd})
	}
	return out
}

// distributeText раскладывает текст по под-диапазонам пропорционально их
// длительности, считая в рунах и не разрывая слова
func distributeText(text string, spans []audio.Span) []string {
	out := make([]string, len(spans))
	if len(spans) == 0 {
		return out
	}
	if len(spans) == 1 {
		out[0] = text
		return out
	}

	var total int64
	for _, s := range spans {
		total += s.Duration()
	}
	if total <= 0 {
		out[len(out)-1] = text
		return out
	}

	remaining := text
	for i := 0; i < len(spans)-1; i++ {
		target := int(int64(utf8.RuneCountInString(remaining)) * spans[i].Duration() / total)
		total -= spans[i].Duration()
		cut := cutAtWordBoundary(remaining, target)
		out[i] = strings.TrimSpace(remaining[:cut])
		remaining = remaining[cut:]
	}
	out[len(out)-1] = strings.TrimSpace(remaining)
	return out
}

// cutAtWordBoundary байтовая позиция ближайшего к target (в рунах)
// пробельного разрыва; 0 или len(s) если разрыва нет
func cutAtWordBoundary(s string, targetRunes int) int {
	if targetRunes <= 0 {
		return 0
	}
	runes := 0
	lastSpace := -1
	for i, r := range s {
		if runes >= targetRunes {
			if r == ' ' {
				return i
			}
			if lastSpace >= 0 {
				return lastSpace
			}
		}
		if r == ' ' {
			lastSpace = i
		}
		runes++
	}
	return len(s)
}
