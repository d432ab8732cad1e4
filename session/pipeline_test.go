package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"attune/audio"
	"attune/stt"
)

// fakeStream скриптованный ASR-стрим: Recv отдаёт заготовленные шаги,
// после исчерпания блокируется до CloseSend и завершается io.EOF
type fakeStream struct {
	mu     sync.Mutex
	steps  []recvStep
	idx    int
	sent   int
	closed chan struct{}
}

type recvStep struct {
	res *stt.Result
	err error
}

func newFakeStream(steps ...recvStep) *fakeStream {
	return &fakeStream{steps: steps, closed: make(chan struct{})}
}

func (f *fakeStream) Send(_ []byte) error {
	f.mu.Lock()
	f.sent++
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) CloseSend() error {
	close(f.closed)
	return nil
}

func (f *fakeStream) Recv() (*stt.Result, error) {
	f.mu.Lock()
	if f.idx < len(f.steps) {
		step := f.steps[f.idx]
		f.idx++
		f.mu.Unlock()
		return step.res, step.err
	}
	f.mu.Unlock()
	<-f.closed
	return nil, io.EOF
}

type fakeService struct {
	mu      sync.Mutex
	streams []*fakeStream
	opened  []stt.Config
}

func (f *fakeService) Open(_ context.Context, cfg stt.Config) (stt.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, cfg)
	if len(f.streams) == 0 {
		return newFakeStream(), nil
	}
	s := f.streams[0]
	f.streams = f.streams[1:]
	return s, nil
}

func (f *fakeService) Close() error { return nil }

func collectEvents(p *Pipeline) []Event {
	var out []Event
	for ev := range p.Events() {
		out = append(out, ev)
	}
	return out
}

func pcmChunk(seconds float64) []byte {
	return audio.EncodePCM16(make([]float32, sec(seconds)))
}

func TestPipelineTranscriptThenResolution(t *testing.T) {
	interim := &stt.Result{Text: "привет", IsFinal: false}
	final := &stt.Result{
		Text:    "привет мир",
		IsFinal: true,
		Words: []stt.Word{
			{Text: "привет", Start: 0, End: 400 * time.Millisecond, SpeakerTag: 1},
			{Text: "мир", Start: 500 * time.Millisecond, End: 900 * time.Millisecond, SpeakerTag: 1},
		},
	}
	svc := &fakeService{streams: []*fakeStream{newFakeStream(recvStep{res: interim}, recvStep{res: final})}}

	ctx := NewContext("s1", testParams(), nil, "")
	p := NewPipeline(ctx, stt.Config{SampleRate: testRate, Language: "ru-RU", Diarization: true}, PipelineDeps{STT: svc})

	go p.Run(context.Background())
	p.Ingest(pcmChunk(2))

	var events []Event
	done := make(chan struct{})
	go func() {
		events = collectEvents(p)
		close(done)
	}()

	time.Sleep(300 * time.Millisecond)
	p.Stop()
	<-done

	var interimIdx, finalIdx, resolvedIdx = -1, -1, -1
	for i, ev := range events {
		switch {
		case ev.Type == EventTranscript && !ev.Segment.IsFinal:
			interimIdx = i
		case ev.Type == EventTranscript && ev.Segment.IsFinal:
			finalIdx = i
		case ev.Type == EventSpeakerResolved:
			resolvedIdx = i
		}
	}
	if interimIdx == -1 || finalIdx == -1 {
		t.Fatalf("missing transcript events: %+v", events)
	}
	if interimIdx > finalIdx {
		t.Errorf("interim after final: %d > %d", interimIdx, finalIdx)
	}
	if resolvedIdx == -1 {
		t.Fatal("final segment got no speaker_resolved event")
	}
	if resolvedIdx < finalIdx {
		t.Errorf("speaker_resolved before its transcript: %d < %d", resolvedIdx, finalIdx)
	}
	// без эмбеддера голосовой путь деградирует в UNCERTAIN
	res := events[resolvedIdx].Resolution
	if res.Label.Kind != LabelUncertain || res.Source != SourceNone {
		t.Errorf("expected degraded resolution, got %+v", res)
	}
}

func TestPipelineDropOldest(t *testing.T) {
	params := testParams()
	params.QueueCapacity = 2
	ctx := NewContext("s1", params, nil, "")
	// Run не запущен: очередь некому разгребать
	p := NewPipeline(ctx, stt.Config{SampleRate: testRate, Language: "ru-RU", Diarization: true}, PipelineDeps{STT: &fakeService{}})

	for i := 0; i < 5; i++ {
		p.Ingest(pcmChunk(0.1))
	}

	if got := p.DroppedASR.Load(); got != 3 {
		t.Errorf("expected 3 dropped chunks with capacity 2, got %d", got)
	}
	// буфер при этом принял всё: retention не зависит от очередей
	if total := ctx.Ring.Total(); total != 5*sec(0.1) {
		t.Errorf("ring missed samples: %d", total)
	}
}

// Отставший или пропавший потребитель событий не должен подвешивать
// завершение: переполненный канал событий сбрасывает старое, Stop
// возвращается всегда
func TestPipelineStopWithUnreadEvents(t *testing.T) {
	steps := make([]recvStep, 300)
	for i := range steps {
		steps[i] = recvStep{res: &stt.Result{Text: "наговорили", IsFinal: false}}
	}
	svc := &fakeService{streams: []*fakeStream{newFakeStream(steps...)}}

	ctx := NewContext("s1", testParams(), nil, "")
	p := NewPipeline(ctx, stt.Config{SampleRate: testRate, Language: "ru-RU", Diarization: true}, PipelineDeps{STT: svc})

	// Events() никто не читает
	go p.Run(context.Background())
	time.Sleep(200 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop hung with unread events")
	}
	if p.DroppedEvents.Load() == 0 {
		t.Error("overflowed events channel must count drops")
	}
}

func TestPipelineRetryWithoutDiarization(t *testing.T) {
	broken := newFakeStream(recvStep{err: status.Error(codes.Unavailable, "backend hiccup")})
	healthy := newFakeStream(recvStep{res: &stt.Result{Text: "после ретрая", IsFinal: false}})
	svc := &fakeService{streams: []*fakeStream{broken, healthy}}

	ctx := NewContext("s1", testParams(), nil, "")
	p := NewPipeline(ctx, stt.Config{SampleRate: testRate, Language: "ru-RU", Diarization: true}, PipelineDeps{STT: svc})

	go p.Run(context.Background())

	done := make(chan struct{})
	var events []Event
	go func() {
		events = collectEvents(p)
		close(done)
	}()

	time.Sleep(300 * time.Millisecond)
	p.Stop()
	<-done

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.opened) != 2 {
		t.Fatalf("expected one retry, got %d opens", len(svc.opened))
	}
	if !svc.opened[0].Diarization {
		t.Errorf("first attempt lost diarization config")
	}
	if svc.opened[1].Diarization {
		t.Errorf("retry must disable service diarization")
	}
	for _, ev := range events {
		if ev.Type == EventError {
			t.Errorf("transient error leaked as error event: %+v", ev)
		}
	}
}

func TestPipelineFatalErrorEmitsEvent(t *testing.T) {
	broken := newFakeStream(recvStep{err: status.Error(codes.Unauthenticated, "bad credentials")})
	svc := &fakeService{streams: []*fakeStream{broken}}

	ctx := NewContext("s1", testParams(), nil, "")
	p := NewPipeline(ctx, stt.Config{SampleRate: testRate, Language: "ru-RU", Diarization: true}, PipelineDeps{STT: svc})

	go p.Run(context.Background())

	var sawError bool
	for ev := range p.Events() {
		if ev.Type == EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("fatal stream error must surface as error event")
	}
}

func TestPipelineStopIdempotent(t *testing.T) {
	svc := &fakeService{}
	ctx := NewContext("s1", testParams(), nil, "")
	p := NewPipeline(ctx, stt.Config{SampleRate: testRate, Language: "ru-RU", Diarization: true}, PipelineDeps{STT: svc})

	go p.Run(context.Background())
	go collectEvents(p)

	p.Stop()
	p.Stop() // повторный Stop не паникует и не виснет

	// приём после остановки молча игнорируется
	before := ctx.Ring.Total()
	p.Ingest(pcmChunk(0.5))
	if ctx.Ring.Total() != before {
		t.Error("ingest after stop must be ignored")
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	ctx := NewContext(NewSessionID(), testParams(), nil, "")
	p := NewPipeline(ctx, stt.Config{SampleRate: testRate, Language: "ru-RU"}, PipelineDeps{STT: &fakeService{}})

	if err := r.Put(p); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := r.Put(p); err == nil {
		t.Error("duplicate session id must be rejected")
	}
	if got, ok := r.Get(ctx.ID); !ok || got != p {
		t.Error("get returned wrong pipeline")
	}
	r.Remove(ctx.ID)
	if _, ok := r.Get(ctx.ID); ok {
		t.Error("removed session still present")
	}
}
