package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"attune/ai"
	"attune/audio"
	"attune/internal/service"
	"attune/stt"
	"attune/voiceprint"
)

// PipelineDeps внешние зависимости пайплайна. Диаризатор и эмбеддер
// опциональны: без них сессия работает на одной сервисной диаризации.
type PipelineDeps struct {
	STT      stt.Service
	Diarizer ai.Diarizer
	Embedder ai.Embedder
	Store    *voiceprint.Store
	Detector *service.Detector
}

// Pipeline оркестратор одной живой сессии: фан-аут входного аудио в
// кольцевой буфер, ASR-стрим и диаризационные воркеры; сборка сегментов,
// атрибуция, эскалация и типизированные события наружу.
//
// Жизненный цикл: NewPipeline -> go Run -> Ingest... -> Stop.
type Pipeline struct {
	Ctx *Context

	cfg      stt.Config
	svc      stt.Service
	diarizer ai.Diarizer
	embedder ai.Embedder
	store    *voiceprint.Store
	detector *service.Detector

	builder   *Builder
	resolver  *Resolver
	extractor *audio.Extractor

	events    chan Event
	asrQueue  chan []byte
	diarQueue chan DiarChunk

	// собственные диаризационные воркеры активны только когда сервисная
	// диаризация недоступна (режим автоопределения языка)
	workersActive bool
	timeline      *TimelineWorker
	rolling       *RollingWorker
	cancelRolling context.CancelFunc

	accepting    atomic.Bool
	ingestMu     sync.RWMutex
	intakeOnce   sync.Once
	eventsMu     sync.RWMutex
	eventsClosed bool
	stopped      chan struct{}

	attribWg sync.WaitGroup

	DroppedASR    atomic.Int64
	DroppedDiar   atomic.Int64
	DroppedEvents atomic.Int64
}

// NewPipeline собирает пайплайн над готовым контекстом
func NewPipeline(ctx *Context, cfg stt.Config, deps PipelineDeps) *Pipeline {
	extractor := audio.NewExtractor(ctx.Ring, ctx.Params.SampleRate, ctx.Params.Extractor)
	p := &Pipeline{
		Ctx:       ctx,
		cfg:       cfg,
		svc:       deps.STT,
		diarizer:  deps.Diarizer,
		embedder:  deps.Embedder,
		store:     deps.Store,
		detector:  deps.Detector,
		builder:   NewBuilder(ctx),
		resolver:  NewResolver(ctx, extractor, deps.Embedder),
		extractor: extractor,
		events:    make(chan Event, 256),
		asrQueue:  make(chan []byte, ctx.Params.QueueCapacity),
		stopped:   make(chan struct{}),
	}
	p.workersActive = cfg.SkipsServiceDiarization() && deps.Diarizer != nil
	if p.workersActive {
		p.diarQueue = make(chan DiarChunk, ctx.Params.QueueCapacity)
	}
	p.accepting.Store(true)
	return p
}

// Events исходящий канал событий; закрывается по завершении пайплайна
func (p *Pipeline) Events() <-chan Event { return p.events }

// Ingest принимает очередной чанк PCM16 LE mono. Фан-аут: кольцевой буфер
// всегда, очередь ASR всегда, очередь диаризации при активных воркерах.
// Очереди ограничены с политикой drop-oldest: давление со стороны
// потребителя выбрасывает самое старое, самое свежее сохраняется.
func (p *Pipeline) Ingest(chunk []byte) {
	p.ingestMu.RLock()
	defer p.ingestMu.RUnlock()
	if !p.accepting.Load() || len(chunk) == 0 {
		return
	}

	samples := audio.DecodePCM16(chunk)
	if len(samples) == 0 {
		return
	}
	start := p.Ctx.Ring.Total()
	p.Ctx.Ring.Append(samples)
	end := p.Ctx.Ring.Total()

	p.pushASR(chunk)
	if p.workersActive {
		p.pushDiar(DiarChunk{Samples: samples, Start: start, End: end})
	}
}

func (p *Pipeline) pushASR(chunk []byte) {
	for {
		select {
		case p.asrQueue <- chunk:
			return
		default:
		}
		select {
		case <-p.asrQueue:
			p.DroppedASR.Add(1)
		default:
		}
	}
}

func (p *Pipeline) pushDiar(c DiarChunk) {
	for {
		select {
		case p.diarQueue <- c:
			return
		default:
		}
		select {
		case <-p.diarQueue:
			p.DroppedDiar.Add(1)
		default:
		}
	}
}

// Run крутит пайплайн до конца сессии (Stop или фатальная ошибка стрима).
// Блокирует; запускается в своей горутине.
func (p *Pipeline) Run(ctx context.Context) {
	defer p.finish()

	if p.workersActive {
		p.timeline = NewTimelineWorker(p.Ctx, p.diarizer, p.embedder, p.diarQueue)
		go p.timeline.Run()

		rollCtx, cancel := context.WithCancel(context.Background())
		p.cancelRolling = cancel
		p.rolling = NewRollingWorker(p.Ctx, p.diarizer, p.embedder, p.emit)
		go p.rolling.Run(rollCtx)
		log.Printf("[Pipeline %s] собственная диаризация активна (timeline + rolling)", p.Ctx.ID)
	}

	cfg := p.cfg
	for attempt := 0; attempt < 2; attempt++ {
		p.Ctx.SetStreamStart(p.Ctx.Ring.Total())
		err := p.runStream(ctx, cfg)
		if err == nil {
			return
		}
		if attempt == 0 && stt.Transient(err) {
			// единственный ретрай: без сервисной диаризации, она частая
			// причина обрывов длинных стримов
			log.Printf("[Pipeline %s] стрим оборвался (%v), ретрай без сервисной диаризации", p.Ctx.ID, err)
			cfg.Diarization = false
			continue
		}
		log.Printf("[Pipeline %s] фатальная ошибка стрима: %v", p.Ctx.ID, err)
		p.emit(Event{Type: EventError, Err: err.Error()})
		return
	}
}

// runStream один ASR-стрим: отправитель в своей горутине, приём здесь
func (p *Pipeline) runStream(ctx context.Context, cfg stt.Config) error {
	stream, err := p.svc.Open(ctx, cfg)
	if err != nil {
		return err
	}

	streamDone := make(chan struct{})
	defer close(streamDone)
	go func() {
		for {
			select {
			case <-streamDone:
				return
			case chunk, ok := <-p.asrQueue:
				if !ok {
					if err := stream.CloseSend(); err != nil {
						log.Printf("[Pipeline %s] CloseSend: %v", p.Ctx.ID, err)
					}
					return
				}
				if err := stream.Send(chunk); err != nil {
					// приёмник увидит причину от Recv
					return
				}
			}
		}
	}()

	for {
		res, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if res != nil {
			p.handleResult(res)
		}
	}
}

// handleResult строит сегменты из результата ASR и гонит их дальше
func (p *Pipeline) handleResult(res *stt.Result) {
	now := p.Ctx.Ring.Total()
	for _, seg := range p.builder.Build(res, now) {
		if !seg.IsFinal {
			p.emit(Event{Type: EventTranscript, Segment: seg})
			continue
		}
		p.finalize(seg, now)
	}
}

// finalize финальный сегмент: mp3-вложение, атрибуция, эскалация.
// Порядок атрибуции: таймлайн (если сегмент в надёжном окне), затем
// rolling-срез, затем асинхронный голосовой путь.
func (p *Pipeline) finalize(seg *Segment, now int64) {
	var mp3Data []byte
	if ex := p.extractor.Extract(audio.ExtractRequest{
		Span:               seg.Span,
		HasBounds:          seg.HasBounds,
		DiarizationDerived: seg.DiarizationDerived,
		Intervals:          seg.Intervals,
	}); ex != nil {
		data, err := audio.EncodeMP3(ex.Samples, p.Ctx.Params.SampleRate)
		if err != nil {
			log.Printf("[Pipeline %s] mp3 сегмента %d: %v", p.Ctx.ID, seg.ID, err)
		} else {
			mp3Data = data
		}
	}
	p.emit(Event{Type: EventTranscript, Segment: seg, AudioMP3: mp3Data})

	if res := p.resolver.ResolveTimeline(seg, now); res != nil {
		p.emit(Event{Type: EventSpeakerResolved, Segment: seg, Resolution: res})
		p.spawnEscalation(seg, res.Label)
		return
	}
	if res := p.resolver.ResolveRolling(seg); res != nil {
		p.emit(Event{Type: EventSpeakerResolved, Segment: seg, Resolution: res})
		p.spawnEscalation(seg, res.Label)
		return
	}

	// голосовой путь не должен задерживать приём следующих результатов
	p.attribWg.Add(1)
	go func() {
		defer p.attribWg.Done()
		res := p.resolver.ResolveVoice(seg)
		p.emit(Event{Type: EventSpeakerResolved, Segment: seg, Resolution: res})
		p.checkEscalation(seg, res.Label)
	}()
}

// spawnEscalation проверка эскалации в фоне: LLM-классификатор может
// думать секунды, приём результатов ждать не должен
func (p *Pipeline) spawnEscalation(seg *Segment, label SpeakerLabel) {
	if p.detector == nil {
		return
	}
	p.attribWg.Add(1)
	go func() {
		defer p.attribWg.Done()
		p.checkEscalation(seg, label)
	}()
}

// checkEscalation только финальные реплики владельца сессии
func (p *Pipeline) checkEscalation(seg *Segment, label SpeakerLabel) {
	if p.detector == nil || p.Ctx.OwnerID == "" {
		return
	}
	if label.Kind != LabelKnown || label.UserID != p.Ctx.OwnerID {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if det := p.detector.Check(ctx, seg.Text); det != nil {
		p.emit(Event{
			Type:     EventEscalation,
			Segment:  seg,
			Severity: det.Severity,
			Reason:   det.Reason,
		})
	}
}

// emit кладёт событие в исходящий канал. Никогда не блокируется: при
// переполнении (потребитель отстал или пропал) действует та же политика
// drop-oldest, что и на входных очередях. Блокирующий emit удерживал бы
// горутину приёма и срывал бы завершение сессии.
func (p *Pipeline) emit(ev Event) {
	p.eventsMu.RLock()
	defer p.eventsMu.RUnlock()
	if p.eventsClosed {
		// пайплайн завершён, событие некому отдать
		return
	}
	for {
		select {
		case p.events <- ev:
			return
		default:
		}
		select {
		case <-p.events:
			p.DroppedEvents.Add(1)
		default:
		}
	}
}

// Stop завершает сессию и блокирует до полного дренажа
func (p *Pipeline) Stop() {
	p.closeIntake()
	<-p.stopped
}

// closeIntake прекращает приём аудио и закрывает очереди; закрытие очереди
// служит сентинелом завершения для отправителя и timeline воркера
func (p *Pipeline) closeIntake() {
	p.intakeOnce.Do(func() {
		p.accepting.Store(false)
		p.ingestMu.Lock()
		close(p.asrQueue)
		if p.diarQueue != nil {
			close(p.diarQueue)
		}
		p.ingestMu.Unlock()
	})
}

// finish общий хвост завершения: дождаться воркеров и асинхронной
// атрибуции (ограниченно), обновить голосовые центроиды, закрыть события
func (p *Pipeline) finish() {
	p.closeIntake()
	if p.cancelRolling != nil {
		p.cancelRolling()
	}

	deadline := time.After(p.Ctx.Params.DrainTimeout)
	wait := func(ch <-chan struct{}, what string) {
		if ch == nil {
			return
		}
		select {
		case <-ch:
		case <-deadline:
			log.Printf("[Pipeline %s] таймаут дренажа: %s", p.Ctx.ID, what)
		}
	}
	if p.timeline != nil {
		wait(p.timeline.Done(), "timeline worker")
	}
	if p.rolling != nil {
		wait(p.rolling.Done(), "rolling worker")
	}

	attribDone := make(chan struct{})
	go func() {
		p.attribWg.Wait()
		close(attribDone)
	}()
	wait(attribDone, "атрибуция")

	p.updateCentroids()

	log.Printf("[Pipeline %s] сессия завершена: resolved=%d overlap=%d uncertain=%d dropped_asr=%d dropped_diar=%d dropped_events=%d",
		p.Ctx.ID,
		p.Ctx.ResolvedCount.Load(), p.Ctx.OverlapCount.Load(), p.Ctx.UncertainCount.Load(),
		p.DroppedASR.Load(), p.DroppedDiar.Load(), p.DroppedEvents.Load())

	p.eventsMu.Lock()
	p.eventsClosed = true
	close(p.events)
	p.eventsMu.Unlock()
	close(p.stopped)
}

// updateCentroids EMA-обновление голосовых профилей по чистым сегментам
// сессии; пользователи без минимума сегментов не трогаются
func (p *Pipeline) updateCentroids() {
	if p.store == nil {
		return
	}
	for user, centroid := range p.Ctx.SessionCentroids() {
		if err := p.store.UpdateCentroid(user, centroid, p.Ctx.Params.CentroidAlpha); err != nil {
			log.Printf("[Pipeline %s] центроид %s не обновлён: %v", p.Ctx.ID, user, err)
		} else {
			log.Printf("[Pipeline %s] центроид %s обновлён (alpha=%.2f)", p.Ctx.ID, user, p.Ctx.Params.CentroidAlpha)
		}
	}
}
