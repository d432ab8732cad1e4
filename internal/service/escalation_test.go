package service

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubClassifier struct {
	det   *Detection
	err   error
	calls int
}

func (s *stubClassifier) Classify(_ context.Context, _ string) (*Detection, error) {
	s.calls++
	return s.det, s.err
}

func TestDetectorCooldown(t *testing.T) {
	stub := &stubClassifier{det: &Detection{Severity: "elevated", Reason: "тест"}}
	d := NewDetector(stub, 100*time.Millisecond)
	ctx := context.Background()

	if det := d.Check(ctx, "первая реплика"); det == nil {
		t.Fatal("first check must detect")
	}
	// серия реплик одного всплеска: подавлено без вызова классификатора
	callsAfterFirst := stub.calls
	if det := d.Check(ctx, "вторая реплика"); det != nil {
		t.Error("cooldown did not suppress repeat detection")
	}
	if stub.calls != callsAfterFirst {
		t.Error("classifier called during cooldown")
	}

	time.Sleep(120 * time.Millisecond)
	if det := d.Check(ctx, "третья реплика"); det == nil {
		t.Error("detection must resume after cooldown")
	}
}

func TestDetectorNegativeDoesNotStartCooldown(t *testing.T) {
	stub := &stubClassifier{} // всегда нет эскалации
	d := NewDetector(stub, time.Hour)
	ctx := context.Background()

	d.Check(ctx, "спокойная реплика")
	d.Check(ctx, "ещё одна")
	if stub.calls != 2 {
		t.Errorf("negative verdicts must not gate further checks, calls=%d", stub.calls)
	}
}

func TestDetectorClassifierError(t *testing.T) {
	stub := &stubClassifier{err: errors.New("boom")}
	d := NewDetector(stub, time.Minute)
	if det := d.Check(context.Background(), "реплика"); det != nil {
		t.Errorf("classifier error must yield no detection, got %+v", det)
	}
}

func TestDetectorEmptyText(t *testing.T) {
	stub := &stubClassifier{det: &Detection{Severity: "critical"}}
	d := NewDetector(stub, time.Minute)
	if det := d.Check(context.Background(), "   "); det != nil {
		t.Errorf("blank text must be ignored")
	}
	if stub.calls != 0 {
		t.Errorf("classifier called on blank text")
	}
}

func TestHeuristicMarkers(t *testing.T) {
	h := &HeuristicClassifier{}
	ctx := context.Background()

	det, _ := h.Classify(ctx, "Я требую немедленно всё исправить")
	if det == nil || det.Severity != "elevated" {
		t.Errorf("marker phrase missed: %+v", det)
	}

	det, _ = h.Classify(ctx, "Сегодня хорошая погода, обсудим план")
	if det != nil {
		t.Errorf("calm phrase flagged: %+v", det)
	}
}

func TestHeuristicCaps(t *testing.T) {
	h := &HeuristicClassifier{}
	det, _ := h.Classify(context.Background(), "ПОЧЕМУ НИЧЕГО НЕ РАБОТАЕТ ОПЯТЬ")
	if det == nil {
		t.Error("all-caps shout missed")
	}

	det, _ = h.Classify(context.Background(), "ОК")
	if det != nil {
		t.Error("short acronym flagged as shouting")
	}
}

func TestCompositeFallback(t *testing.T) {
	primary := &stubClassifier{err: errors.New("llm down")}
	fallback := &stubClassifier{det: &Detection{Severity: "elevated", Reason: "эвристика"}}
	c := &CompositeClassifier{Primary: primary, Fallback: fallback}

	det, err := c.Classify(context.Background(), "я буду жаловаться")
	if err != nil || det == nil || det.Reason != "эвристика" {
		t.Errorf("fallback not used: det=%+v err=%v", det, err)
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Errorf("wrong call counts: primary=%d fallback=%d", primary.calls, fallback.calls)
	}
}
