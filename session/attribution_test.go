package session

import (
	"errors"
	"testing"

	"attune/audio"
	"attune/voiceprint"
)

var errStub = errors.New("stub failure")

func knownSpeakers() []KnownSpeaker {
	return []KnownSpeaker{
		{UserID: "user-a", Name: "Анна", Embedding: unitVec(0)},
		{UserID: "user-b", Name: "Борис", Embedding: unitVec(1)},
	}
}

// unitVec ортогональные единичные векторы для детерминированных тестов
func unitVec(axis int) []float32 {
	v := make([]float32, 8)
	v[axis] = 1
	return v
}

// mixVec вектор с косинусом cos к оси axis
func mixVec(axis int, cos float32) []float32 {
	v := make([]float32, 8)
	v[axis] = cos
	other := (axis + 1) % 8
	v[other] = float32(sqrt32(1 - cos*cos))
	return v
}

func sqrt32(x float32) float64 {
	if x <= 0 {
		return 0
	}
	lo, hi := 0.0, float64(x)+1
	for i := 0; i < 60; i++ {
		mid := (lo + hi) / 2
		if mid*mid < float64(x) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

func finalSeg(id int64, start, end float64) *Segment {
	return &Segment{
		ID:        id,
		Text:      "реплика",
		IsFinal:   true,
		Span:      audio.Span{Start: sec(start), End: sec(end)},
		HasBounds: true,
	}
}

func TestAttributeByOverlapMajority(t *testing.T) {
	ctx := NewContext("s1", testParams(), knownSpeakers(), "")
	seg := finalSeg(1, 1, 4) // 3 секунды

	timeline := []Interval{
		{Start: 0, End: sec(3.5), Speaker: KnownLabel("user-a")}, // 2.5с из 3
		{Start: sec(3.5), End: sec(4), Speaker: KnownLabel("user-b")},
	}
	res := attributeByOverlap(seg, timeline, ctx, SourceTimeline)
	if res == nil {
		t.Fatal("expected a resolution")
	}
	if res.Label.Kind != LabelKnown || res.Label.UserID != "user-a" {
		t.Errorf("expected user-a majority, got %v", res.Label)
	}
	if res.Confidence < 0.6 {
		t.Errorf("confidence %f below majority share", res.Confidence)
	}
}

func TestAttributeByOverlapNoMajorityIsOverlap(t *testing.T) {
	ctx := NewContext("s1", testParams(), knownSpeakers(), "")
	seg := finalSeg(1, 0, 4)

	timeline := []Interval{
		{Start: 0, End: sec(2), Speaker: KnownLabel("user-a")},
		{Start: sec(2), End: sec(4), Speaker: KnownLabel("user-b")},
	}
	res := attributeByOverlap(seg, timeline, ctx, SourceTimeline)
	if res == nil || res.Label.Kind != LabelOverlap {
		t.Errorf("50/50 split should resolve OVERLAP, got %+v", res)
	}
}

func TestAttributeByOverlapInsufficientCoverage(t *testing.T) {
	ctx := NewContext("s1", testParams(), knownSpeakers(), "")
	seg := finalSeg(1, 0, 10)

	// покрыта лишь 1 секунда из 10 < MinCoverage 0.3
	timeline := []Interval{{Start: 0, End: sec(1), Speaker: KnownLabel("user-a")}}
	res := attributeByOverlap(seg, timeline, ctx, SourceTimeline)
	if res == nil || res.Label.Kind != LabelUncertain {
		t.Errorf("thin coverage should resolve UNCERTAIN, got %+v", res)
	}
}

func TestAttributeByOverlapOverlapIntervalsWin(t *testing.T) {
	ctx := NewContext("s1", testParams(), knownSpeakers(), "")
	seg := finalSeg(1, 0, 3)

	timeline := []Interval{
		{Start: 0, End: sec(3), Speaker: KnownLabel("user-a"), IsOverlap: true},
	}
	res := attributeByOverlap(seg, timeline, ctx, SourceTimeline)
	if res == nil || res.Label.Kind != LabelOverlap {
		t.Errorf("overlap-flagged intervals should resolve OVERLAP, got %+v", res)
	}
}

func TestResolveTimelineReliableWindow(t *testing.T) {
	ctx := NewContext("s1", testParams(), knownSpeakers(), "")
	r := NewResolver(ctx, audio.NewExtractor(ctx.Ring, testRate, ctx.Params.Extractor), nil)

	ctx.AppendTimeline([]Interval{{Start: 0, End: sec(30), Speaker: KnownLabel("user-a")}})
	seg := finalSeg(1, 1, 4)

	// конец сегмента внутри лага: таймлайн ещё не устаканился
	if res := r.ResolveTimeline(seg, sec(4.5)); res != nil {
		t.Errorf("segment inside reliability lag must defer, got %+v", res)
	}
	// сегмент целиком в надёжном окне
	res := r.ResolveTimeline(seg, sec(10))
	if res == nil || res.Label.UserID != "user-a" {
		t.Errorf("expected timeline resolution to user-a, got %+v", res)
	}
	if res.Source != SourceTimeline {
		t.Errorf("wrong source %q", res.Source)
	}
}

func TestResolveTimelineDeterministic(t *testing.T) {
	ctx := NewContext("s1", testParams(), knownSpeakers(), "")
	r := NewResolver(ctx, audio.NewExtractor(ctx.Ring, testRate, ctx.Params.Extractor), nil)

	ctx.AppendTimeline([]Interval{
		{Start: 0, End: sec(3), Speaker: KnownLabel("user-a")},
		{Start: sec(3), End: sec(4), Speaker: KnownLabel("user-b")},
	})
	seg := finalSeg(1, 0, 4)
	first := r.ResolveTimeline(seg, sec(10))
	if first == nil {
		t.Fatal("expected resolution")
	}
	for i := 0; i < 5; i++ {
		got := r.ResolveTimeline(seg, sec(10))
		if got == nil || got.Label != first.Label || got.Confidence != first.Confidence {
			t.Fatalf("resolution differs on identical snapshot: %+v vs %+v", got, first)
		}
	}
}

func TestResolveRollingKnownOnly(t *testing.T) {
	ctx := NewContext("s1", testParams(), knownSpeakers(), "")
	r := NewResolver(ctx, audio.NewExtractor(ctx.Ring, testRate, ctx.Params.Extractor), nil)
	r.KnownOnly = true

	ctx.SetSnapshot([]Interval{{Start: 0, End: sec(2), Speaker: ClusterLabel(1)}}, sec(2))
	if res := r.ResolveRolling(finalSeg(1, 0, 2)); res != nil {
		t.Errorf("known-only mode must not resolve to a cluster, got %+v", res)
	}

	ctx.SetSnapshot([]Interval{{Start: 0, End: sec(2), Speaker: KnownLabel("user-a")}}, sec(2))
	res := r.ResolveRolling(finalSeg(2, 0, 2))
	if res == nil || res.Label.UserID != "user-a" || res.Source != SourceDiarization {
		t.Errorf("expected known resolution from rolling snapshot, got %+v", res)
	}
}

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Embed(_ []float32) ([]float32, error) { return s.vec, s.err }
func (s *stubEmbedder) Dim() int                             { return len(s.vec) }
func (s *stubEmbedder) Close()                               {}

func TestResolveVoiceKnownMatch(t *testing.T) {
	ctx := NewContext("s1", testParams(), knownSpeakers(), "")
	ctx.Ring.Append(make([]float32, sec(6)))

	emb := &stubEmbedder{vec: mixVec(0, 0.95)} // близко к user-a
	r := NewResolver(ctx, audio.NewExtractor(ctx.Ring, testRate, ctx.Params.Extractor), emb)

	res := r.ResolveVoice(finalSeg(1, 1, 4))
	if res.Label.Kind != LabelKnown || res.Label.UserID != "user-a" {
		t.Fatalf("expected user-a, got %+v", res)
	}
	if res.Source != SourceVoiceID {
		t.Errorf("wrong source %q", res.Source)
	}
	// сходство 0.95 отчитывается как высокая уверенность
	if res.Level != voiceprint.ConfidenceHigh {
		t.Errorf("expected high confidence level, got %q", res.Level)
	}
	// чистый эмбеддинг известного пользователя копится для центроида
	ctx.RecordUserEmbedding("user-a", emb.vec)
	ctx.RecordUserEmbedding("user-a", emb.vec)
	if got := ctx.SessionCentroids(); len(got) != 1 {
		t.Errorf("expected centroid for user-a after 3 embeddings, got %v", got)
	}
}

func TestResolveVoiceNoMatchCreatesCluster(t *testing.T) {
	ctx := NewContext("s1", testParams(), knownSpeakers(), "")
	ctx.Ring.Append(make([]float32, sec(6)))

	// ортогонален обоим известным
	emb := &stubEmbedder{vec: unitVec(5)}
	r := NewResolver(ctx, audio.NewExtractor(ctx.Ring, testRate, ctx.Params.Extractor), emb)

	res := r.ResolveVoice(finalSeg(1, 1, 4))
	if res.Label.Kind != LabelCluster {
		t.Fatalf("expected a fresh cluster, got %+v", res)
	}
	if res.Level != voiceprint.ConfidenceLow {
		t.Errorf("fresh cluster must report low confidence, got %q", res.Level)
	}
	if len(ctx.Clusters()) != 1 {
		t.Errorf("cluster not registered in context")
	}

	// второй такой же голос попадает в тот же кластер
	res2 := r.ResolveVoice(finalSeg(2, 2, 5))
	if res2.Label != res.Label {
		t.Errorf("same voice produced different clusters: %v vs %v", res2.Label, res.Label)
	}
}

func TestResolveVoiceEmbedderFailure(t *testing.T) {
	ctx := NewContext("s1", testParams(), knownSpeakers(), "")
	ctx.Ring.Append(make([]float32, sec(6)))

	r := NewResolver(ctx, audio.NewExtractor(ctx.Ring, testRate, ctx.Params.Extractor), &stubEmbedder{err: errStub})
	res := r.ResolveVoice(finalSeg(1, 1, 4))
	if res.Label.Kind != LabelUncertain || res.Source != SourceNone {
		t.Errorf("embedder failure must degrade to UNCERTAIN, got %+v", res)
	}
	if ctx.UncertainCount.Load() != 1 {
		t.Errorf("uncertain counter not incremented")
	}
}

func TestResolveVoiceEmptyRing(t *testing.T) {
	ctx := NewContext("s1", testParams(), knownSpeakers(), "")
	r := NewResolver(ctx, audio.NewExtractor(ctx.Ring, testRate, ctx.Params.Extractor), &stubEmbedder{vec: unitVec(0)})

	res := r.ResolveVoice(finalSeg(1, 1, 4))
	if res.Label.Kind != LabelUncertain {
		t.Errorf("empty ring must degrade to UNCERTAIN, got %+v", res)
	}
}
