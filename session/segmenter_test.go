package session

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"attune/audio"
	"attune/stt"
)

const testRate = 16000

func sec(s float64) int64 { return int64(s * testRate) }

func testParams() Params {
	p := DefaultParams()
	p.BufferSeconds = 60
	return p
}

func TestSplitSubSpansLongPause(t *testing.T) {
	p := DefaultParams().Pause
	span := audio.Span{Start: 0, End: sec(6)}
	intervals := []audio.Span{
		{Start: 0, End: sec(2)},
		{Start: sec(3), End: sec(6)}, // пауза 1с > 800мс
	}
	got := splitSubSpans(span, intervals, p, testRate)
	if len(got) != 2 {
		t.Fatalf("expected 2 sub-spans, got %d: %v", len(got), got)
	}
	if got[0].End != sec(2) || got[1].Start != sec(3) {
		t.Errorf("wrong split bounds: %v", got)
	}
}

func TestSplitSubSpansSoftPauseNeedsMinDuration(t *testing.T) {
	p := DefaultParams().Pause
	span := audio.Span{Start: 0, End: sec(4)}

	// кусок короче минимума: мягкая пауза 600мс не режет
	short := []audio.Span{
		{Start: 0, End: sec(1)}, // 1с < 1.2с минимума
		{Start: sec(1.6), End: sec(3)},
	}
	if got := splitSubSpans(span, short, p, testRate); len(got) != 1 {
		t.Errorf("soft pause split a too-short sub-span: %v", got)
	}

	// кусок длиннее минимума: та же пауза режет
	long := []audio.Span{
		{Start: 0, End: sec(2)},
		{Start: sec(2.6), End: sec(4)},
	}
	if got := splitSubSpans(span, long, p, testRate); len(got) != 2 {
		t.Errorf("soft pause did not split: %v", got)
	}
}

func TestSplitSubSpansCandidatePause(t *testing.T) {
	p := DefaultParams().Pause
	span := audio.Span{Start: 0, End: sec(14)}

	// пауза-кандидат 400мс режет только чтобы не уйти за 12с
	intervals := []audio.Span{
		{Start: 0, End: sec(11)},
		{Start: sec(11.4), End: sec(14)}, // вместе было бы 14с > 12с
	}
	got := splitSubSpans(span, intervals, p, testRate)
	if len(got) != 2 {
		t.Fatalf("candidate pause did not prevent soft-max overrun: %v", got)
	}

	// та же пауза без угрозы превышения не режет
	small := audio.Span{Start: 0, End: sec(5)}
	intervals = []audio.Span{
		{Start: 0, End: sec(2)},
		{Start: sec(2.4), End: sec(5)},
	}
	if got := splitSubSpans(small, intervals, p, testRate); len(got) != 1 {
		t.Errorf("candidate pause split without soft-max pressure: %v", got)
	}
}

func TestSplitSubSpansHardMaxSingleSpeaker(t *testing.T) {
	// 20 секунд непрерывной речи одного спикера без пауз: режет только
	// жёсткий максимум, сегментов не больше двух
	p := DefaultParams().Pause
	span := audio.Span{Start: 0, End: sec(20)}
	got := splitSubSpans(span, nil, p, testRate)
	if len(got) > 2 {
		t.Fatalf("continuous speech split into %d sub-spans, want <= 2: %v", len(got), got)
	}
	if got[0].Duration() != sec(15) {
		t.Errorf("first sub-span should be hard-max long, got %d samples", got[0].Duration())
	}
}

func TestSplitSubSpansDeterministic(t *testing.T) {
	p := DefaultParams().Pause
	span := audio.Span{Start: sec(3), End: sec(19)}
	intervals := []audio.Span{
		{Start: sec(3), End: sec(7)},
		{Start: sec(8), End: sec(12)},
		{Start: sec(12.4), End: sec(19)},
	}
	first := splitSubSpans(span, intervals, p, testRate)
	for i := 0; i < 10; i++ {
		if got := splitSubSpans(span, intervals, p, testRate); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs: %v vs %v", i, got, first)
		}
	}
}

func TestDistributeTextProportional(t *testing.T) {
	spans := []audio.Span{
		{Start: 0, End: sec(3)},
		{Start: sec(4), End: sec(7)},
	}
	texts := distributeText("раз два три четыре пять шесть", spans)
	if len(texts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(texts))
	}
	if texts[0] == "" || texts[1] == "" {
		t.Errorf("empty part: %q", texts)
	}
	// слова не разорваны
	joined := texts[0] + " " + texts[1]
	if joined != "раз два три четыре пять шесть" {
		t.Errorf("words mangled: %q + %q", texts[0], texts[1])
	}
}

func TestDistributeTextSingleSpan(t *testing.T) {
	texts := distributeText("всё в один", []audio.Span{{Start: 0, End: sec(5)}})
	if texts[0] != "всё в один" {
		t.Errorf("got %q", texts[0])
	}
}

func TestBuildInterim(t *testing.T) {
	ctx := NewContext("s1", testParams(), nil, "")
	b := NewBuilder(ctx)

	segs := b.Build(&stt.Result{Text: "привет", IsFinal: false}, sec(5))
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].IsFinal || segs[0].HasBounds {
		t.Errorf("interim segment must be provisional and unbounded: %+v", segs[0])
	}
}

func TestBuildTimedSplitsOnSpeakerChange(t *testing.T) {
	ctx := NewContext("s1", testParams(), nil, "")
	b := NewBuilder(ctx)

	res := &stt.Result{
		Text:    "привет как дела нормально",
		IsFinal: true,
		Words: []stt.Word{
			{Text: "привет", Start: 0, End: 500 * time.Millisecond, SpeakerTag: 1},
			{Text: "как", Start: 600 * time.Millisecond, End: 800 * time.Millisecond, SpeakerTag: 1},
			{Text: "дела", Start: 900 * time.Millisecond, End: 1200 * time.Millisecond, SpeakerTag: 1},
			{Text: "нормально", Start: 1500 * time.Millisecond, End: 2200 * time.Millisecond, SpeakerTag: 2},
		},
	}
	segs := b.Build(res, sec(3))
	if len(segs) != 2 {
		t.Fatalf("expected split on speaker change, got %d segments", len(segs))
	}
	if segs[0].Text != "привет как дела" || segs[1].Text != "нормально" {
		t.Errorf("wrong text split: %q / %q", segs[0].Text, segs[1].Text)
	}
	if segs[0].ASRSpeakerTag != 1 || segs[1].ASRSpeakerTag != 2 {
		t.Errorf("wrong speaker tags: %d / %d", segs[0].ASRSpeakerTag, segs[1].ASRSpeakerTag)
	}
	if !segs[0].HasBounds || segs[0].DiarizationDerived {
		t.Errorf("timed segment flags wrong: %+v", segs[0])
	}
	// тайминги слов перебазированы на начало своего сегмента
	if len(segs[1].Words) != 1 || segs[1].Words[0].Start != 0 || segs[1].Words[0].End != 700*time.Millisecond {
		t.Errorf("word timings not segment-relative: %+v", segs[1].Words)
	}
	if ctx.LastFinalEnd() != segs[1].Span.End {
		t.Errorf("last final end not advanced")
	}
}

func TestBuildFallbackUsesTimeline(t *testing.T) {
	ctx := NewContext("s1", testParams(), nil, "")
	b := NewBuilder(ctx)

	ctx.AppendTimeline([]Interval{
		{Start: 0, End: sec(2), Speaker: ClusterLabel(1)},
		{Start: sec(3), End: sec(5), Speaker: ClusterLabel(2)}, // пауза 1с
	})

	segs := b.Build(&stt.Result{Text: "первая реплика вторая реплика", IsFinal: true}, sec(5))
	if len(segs) != 2 {
		t.Fatalf("fallback should split on the long pause, got %d segments", len(segs))
	}
	for _, s := range segs {
		if !s.DiarizationDerived {
			t.Errorf("fallback segment not marked derived: %+v", s)
		}
		if !s.HasBounds {
			t.Errorf("fallback segment must carry bounds")
		}
	}
}

func TestBuildFallbackNoFutureLeakage(t *testing.T) {
	ctx := NewContext("s1", testParams(), nil, "")
	b := NewBuilder(ctx)

	now := sec(4)
	// интервал уходит за "сейчас"
	ctx.AppendTimeline([]Interval{{Start: 0, End: sec(10), Speaker: ClusterLabel(1)}})

	segs := b.Build(&stt.Result{Text: "текст", IsFinal: true}, now)
	for _, s := range segs {
		if s.Span.End > now {
			t.Errorf("segment end %d leaks past now %d", s.Span.End, now)
		}
		for _, iv := range s.Intervals {
			if iv.End > now {
				t.Errorf("interval end %d leaks past now %d", iv.End, now)
			}
		}
	}
}

func TestBuildFallbackIdempotent(t *testing.T) {
	// одинаковый вход на одинаковом снимке таймлайна даёт одинаковую разбивку
	build := func() []string {
		ctx := NewContext("s1", testParams(), nil, "")
		ctx.AppendTimeline([]Interval{
			{Start: 0, End: sec(2), Speaker: ClusterLabel(1)},
			{Start: sec(3), End: sec(6), Speaker: ClusterLabel(2)},
		})
		b := NewBuilder(ctx)
		segs := b.Build(&stt.Result{Text: "один два три четыре", IsFinal: true}, sec(6))
		var out []string
		for _, s := range segs {
			out = append(out, s.Text)
		}
		return out
	}
	first := build()
	for i := 0; i < 5; i++ {
		if got := build(); !reflect.DeepEqual(got, first) {
			t.Fatalf("fallback segmentation not deterministic: %v vs %v", got, first)
		}
	}
}

func TestBuildEmptyText(t *testing.T) {
	ctx := NewContext("s1", testParams(), nil, "")
	b := NewBuilder(ctx)
	if segs := b.Build(&stt.Result{Text: "   ", IsFinal: true}, sec(1)); segs != nil {
		t.Errorf("blank result produced segments: %v", segs)
	}
}

func TestMergeSpans(t *testing.T) {
	got := mergeSpans([]audio.Span{
		{Start: sec(3), End: sec(5)},
		{Start: 0, End: sec(2)},
		{Start: sec(4), End: sec(7)},
	})
	want := []audio.Span{{Start: 0, End: sec(2)}, {Start: sec(3), End: sec(7)}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("mergeSpans = %v, want %v", got, want)
	}
}

func TestCutAtWordBoundary(t *testing.T) {
	s := "раз два три"
	cut := cutAtWordBoundary(s, 5)
	if cut == 0 || cut == len(s) {
		t.Fatalf("expected a mid-string cut, got %d", cut)
	}
	if !strings.HasSuffix(s[:cut], "ва") && s[cut] != ' ' && s[cut-1] != ' ' {
		t.Errorf("cut %d not at a word boundary: %q|%q", cut, s[:cut], s[cut:])
	}
}
