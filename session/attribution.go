package session

import (
	"fmt"
	"log"

	"attune/ai"
	"attune/audio"
	"attune/voiceprint"
)

// Resolver атрибутирует финальные сегменты спикерам.
//
// Порядок: быстрый детерминированный проход по таймлайну (если сегмент
// целиком в "устаканившемся" окне диаризации), иначе rolling-срез,
// иначе асинхронное голосовое сопоставление по эмбеддингу.
type Resolver struct {
	ctx       *Context
	extractor *audio.Extractor
	embedder  ai.Embedder

	// сопоставлять только с известными пользователями, без кластеров
	KnownOnly bool
}

// NewResolver создаёт резолвер сессии
func NewResolver(ctx *Context, extractor *audio.Extractor, embedder ai.Embedder) *Resolver {
	return &Resolver{ctx: ctx, extractor: extractor, embedder: embedder}
}

// ResolveTimeline детерминированная атрибуция по таймлайну. Возвращает nil
// если сегмент ещё не попал в надёжное окно (конец сегмента позже чем
// now - reliability lag) - тогда вызывающий идёт по голосовому пути.
//
// Работает на копии таймлайна: повторный вызов с тем же снимком даёт тот
// же результат.
func (r *Resolver) ResolveTimeline(seg *Segment, now int64) *Resolution {
	if !seg.HasBounds {
		return nil
	}
	if seg.Span.End > now-r.ctx.Params.LagSamples() {
		return nil
	}
	timeline := r.ctx.Timeline()
	if len(timeline) == 0 {
		return nil
	}
	res := attributeByOverlap(seg, timeline, r.ctx, SourceTimeline)
	if res == nil || res.Label.Kind == LabelUncertain {
		// недостаточное покрытие: пусть решает голосовой путь
		return nil
	}
	r.count(res.Label)
	return res
}

// ResolveRolling атрибуция по rolling-срезу: доминирующая метка среза по
// перекрытию. Подменяет таймлайн-проход когда тот недоступен.
func (r *Resolver) ResolveRolling(seg *Segment) *Resolution {
	snap, _ := r.ctx.Snapshot()
	if len(snap) == 0 || !seg.HasBounds {
		return nil
	}
	res := attributeByOverlap(seg, snap, r.ctx, SourceDiarization)
	if res == nil || res.Label.Kind == LabelUncertain {
		return nil
	}
	if r.KnownOnly && res.Label.Kind != LabelKnown {
		return nil
	}
	r.count(res.Label)
	return res
}

// ResolveVoice голосовое сопоставление: извлечь чистое аудио сегмента,
// снять эмбеддинг, сравнить с кандидатами. Не совпало - новый кластер.
// Никогда не возвращает nil.
func (r *Resolver) ResolveVoice(seg *Segment) *Resolution {
	uncertain := &Resolution{SegmentID: seg.ID, Label: Uncertain, Source: SourceNone}

	if r.embedder == nil {
		r.count(Uncertain)
		return uncertain
	}

	ex := r.extractor.Extract(audio.ExtractRequest{
		Span:               seg.Span,
		HasBounds:          seg.HasBounds,
		DiarizationDerived: seg.DiarizationDerived,
		Intervals:          seg.Intervals,
		CleanSpans:         r.cleanSpans(seg),
	})
	if ex == nil {
		r.count(Uncertain)
		return uncertain
	}

	emb, err := ai.EmbedWithTimeout(r.embedder, ex.Samples, r.ctx.Params.DiarizeTimeout)
	if err != nil {
		log.Printf("[Resolver %s] эмбеддинг сегмента %d: %v", r.ctx.ID, seg.ID, err)
		r.count(Uncertain)
		return uncertain
	}

	candidates := r.ctx.Candidates()
	if r.KnownOnly {
		known := candidates[:0]
		for _, c := range candidates {
			if c.Known {
				known = append(known, c)
			}
		}
		candidates = known
	}

	m := voiceprint.Match(emb, candidates, r.ctx.Params.Match)
	if m == nil {
		if r.KnownOnly {
			r.count(Uncertain)
			return uncertain
		}
		label := r.ctx.NewClusterFrom(emb)
		r.count(label)
		return &Resolution{
			SegmentID:  seg.ID,
			Label:      label,
			Source:     SourceVoiceID,
			Confidence: 0.5,
			Level:      voiceprint.ConfidenceLow,
		}
	}

	var label SpeakerLabel
	if m.Known {
		label = KnownLabel(m.Key)
		r.ctx.RecordUserEmbedding(m.Key, emb)
	} else {
		label = clusterFromKey(m.Key)
	}
	r.count(label)
	return &Resolution{
		SegmentID:  seg.ID,
		Label:      label,
		Source:     SourceVoiceID,
		Confidence: float64(m.Similarity),
		Level:      voiceprint.Confidence(m.Similarity),
		Scores:     m.Scores,
	}
}

// cleanSpans однодикторные участки таймлайна внутри сегмента
func (r *Resolver) cleanSpans(seg *Segment) []audio.Span {
	if !seg.HasBounds {
		return nil
	}
	var out []audio.Span
	for _, iv := range r.ctx.Timeline() {
		if iv.IsOverlap {
			continue
		}
		clipped := iv.Span().Clip(seg.Span)
		if clipped.Duration() > 0 {
			out = append(out, clipped)
		}
	}
	return out
}

func (r *Resolver) count(label SpeakerLabel) {
	switch label.Kind {
	case LabelOverlap:
		r.ctx.OverlapCount.Add(1)
	case LabelUncertain:
		r.ctx.UncertainCount.Add(1)
	default:
		r.ctx.ResolvedCount.Add(1)
	}
}

// attributeByOverlap чистая атрибуция сегмента по перекрытию с интервалами.
// Доли считаются от суммарно перекрытого времени: явное большинство
// выигрывает, отсутствие большинства - OVERLAP, недостаточное покрытие
// сегмента интервалами - UNCERTAIN.
func attributeByOverlap(seg *Segment, intervals []Interval, ctx *Context, source string) *Resolution {
	segDur := seg.Span.Duration()
	if segDur <= 0 {
		return nil
	}

	shares := make(map[string]int64)
	labels := make(map[string]SpeakerLabel)
	var covered int64
	for _, iv := range intervals {
		ov := iv.Span().Clip(seg.Span).Duration()
		if ov <= 0 {
			continue
		}
		covered += ov
		label := ctx.ResolveLabel(iv.Speaker)
		if iv.IsOverlap {
			label = Overlap
		}
		key := label.String()
		shares[key] += ov
		labels[key] = label
	}

	if covered > segDur {
		covered = segDur
	}
	if float64(covered)/float64(segDur) < ctx.Params.MinCoverage {
		return &Resolution{SegmentID: seg.ID, Label: Uncertain, Source: source}
	}

	var total int64
	for _, v := range shares {
		total += v
	}
	var bestKey string
	var best, second int64 = -1, -1
	for k, v := range shares {
		if v > best {
			second = best
			best = v
			bestKey = k
		} else if v > second {
			second = v
		}
	}

	scores := make(map[string]float32, len(shares))
	for k, v := range shares {
		scores[k] = float32(v) / float32(total)
	}

	share := float64(best) / float64(total)
	if share >= ctx.Params.MajorityShare {
		return &Resolution{
			SegmentID:  seg.ID,
			Label:      labels[bestKey],
			Source:     source,
			Confidence: share,
			Scores:     scores,
		}
	}
	// нет явного большинства: в сегменте говорят несколько
	return &Resolution{
		SegmentID:  seg.ID,
		Label:      Overlap,
		Source:     source,
		Confidence: share,
		Scores:     scores,
	}
}

// clusterFromKey восстанавливает метку кластера из ключа кандидата
func clusterFromKey(key string) SpeakerLabel {
	var n int
	if _, err := fmt.Sscanf(key, "Unknown_%d", &n); err == nil {
		return ClusterLabel(n)
	}
	return Uncertain
}
