package session

import (
	"log"
	"sync"
	"sync/atomic"

	"attune/audio"
	"attune/voiceprint"
)

// KnownSpeaker известный участник сессии с голосовым отпечатком.
// Задаётся при создании сессии и не меняется до её конца.
type KnownSpeaker struct {
	UserID    string
	Name      string
	Embedding []float32
}

// Cluster анонимный голосовой трек сессии. Эмбеддинг обновляется по EMA
// при каждом наблюдении; при уверенном совпадении с известным спикером
// кластер промоутится (PromotedTo), и все дальнейшие обращения к его
// метке возвращают известного пользователя.
type Cluster struct {
	Tag          int
	Embedding    []float32
	Observations int
	PromotedTo   string
}

// Context состояние одной живой сессии. Все поля, доступные из нескольких
// горутин, защищены своими мьютексами; таймлайн append-only и отдаётся
// копией, rolling-срез заменяется целиком.
type Context struct {
	ID      string
	Params  Params
	Ring    *audio.Ring
	OwnerID string

	// Сэмпл глобального потока, с которого начался текущий ASR-стрим.
	// Меняется только при переоткрытии стрима, читается билдером сегментов.
	streamStart atomic.Int64

	known []KnownSpeaker // иммутабельно после создания

	timelineMu sync.RWMutex
	timeline   []Interval

	snapshotMu sync.RWMutex
	snapshot   []Interval
	snapshotAt int64

	clusterMu   sync.Mutex
	clusters    []*Cluster
	nextCluster int

	userEmbMu sync.Mutex
	userEmbs  map[string][][]float32 // чистые сегментные эмбеддинги по известным

	segSeq       atomic.Int64
	lastFinalEnd atomic.Int64

	// Счётчики атрибуции, отчитываются при завершении сессии
	ResolvedCount  atomic.Int64
	OverlapCount   atomic.Int64
	UncertainCount atomic.Int64
}

// NewContext создаёт контекст с кольцевым буфером на Params.BufferSeconds
func NewContext(id string, params Params, known []KnownSpeaker, ownerID string) *Context {
	return &Context{
		ID:          id,
		Params:      params,
		Ring:        audio.NewRing(int64(params.SampleRate) * int64(params.BufferSeconds)),
		OwnerID:     ownerID,
		known:       known,
		nextCluster: 1,
		userEmbs:    make(map[string][][]float32),
	}
}

// NextSegmentID монотонный идентификатор сегмента
func (c *Context) NextSegmentID() int64 {
	return c.segSeq.Add(1)
}

// StreamStart и SetStreamStart привязка ASR-времени к stream time
func (c *Context) StreamStart() int64     { return c.streamStart.Load() }
func (c *Context) SetStreamStart(s int64) { c.streamStart.Store(s) }

// LastFinalEnd и SetLastFinalEnd конец последнего финального сегмента
func (c *Context) LastFinalEnd() int64     { return c.lastFinalEnd.Load() }
func (c *Context) SetLastFinalEnd(s int64) { c.lastFinalEnd.Store(s) }

// Known возвращает известных спикеров сессии
func (c *Context) Known() []KnownSpeaker { return c.known }

// KnownName имя известного пользователя или пустая строка
func (c *Context) KnownName(userID string) string {
	for _, k := range c.known {
		if k.UserID == userID {
			return k.Name
		}
	}
	return ""
}

// AppendTimeline добавляет интервалы в непрерывный таймлайн
func (c *Context) AppendTimeline(ivs []Interval) {
	if len(ivs) == 0 {
		return
	}
	c.timelineMu.Lock()
	c.timeline = append(c.timeline, ivs...)
	c.timelineMu.Unlock()
}

// Timeline возвращает копию таймлайна; читатели работают со снимком
// и не видят последующих дозаписей
func (c *Context) Timeline() []Interval {
	c.timelineMu.RLock()
	defer c.timelineMu.RUnlock()
	out := make([]Interval, len(c.timeline))
	copy(out, c.timeline)
	return out
}

// TimelineEnd конец последнего интервала таймлайна (0 если пуст)
func (c *Context) TimelineEnd() int64 {
	c.timelineMu.RLock()
	defer c.timelineMu.RUnlock()
	var end int64
	for _, iv := range c.timeline {
		if iv.End > end {
			end = iv.End
		}
	}
	return end
}

// SetSnapshot заменяет rolling-срез целиком
func (c *Context) SetSnapshot(ivs []Interval, atSample int64) {
	c.snapshotMu.Lock()
	c.snapshot = ivs
	c.snapshotAt = atSample
	c.snapshotMu.Unlock()
}

// Snapshot текущий rolling-срез и момент его снятия
func (c *Context) Snapshot() ([]Interval, int64) {
	c.snapshotMu.RLock()
	defer c.snapshotMu.RUnlock()
	return c.snapshot, c.snapshotAt
}

// ObserveCluster сопоставляет эмбеддинг окна с существующими треками:
// при совпадении выше порога обновляет трек по EMA, иначе заводит новый
// кластер. После обновления пробует промоушен в известного спикера.
// Возвращает стабильную метку трека.
func (c *Context) ObserveCluster(emb []float32) SpeakerLabel {
	if len(emb) == 0 {
		return Uncertain
	}
	c.clusterMu.Lock()
	defer c.clusterMu.Unlock()

	var best *Cluster
	var bestSim float32 = -1
	for _, cl := range c.clusters {
		sim := voiceprint.CosineSimilarity(emb, cl.Embedding)
		if sim > bestSim {
			bestSim = sim
			best = cl
		}
	}

	if best == nil || bestSim < c.Params.ClusterMatchThreshold {
		cl := &Cluster{
			Tag:          c.nextCluster,
			Embedding:    append([]float32(nil), emb...),
			Observations: 1,
		}
		c.nextCluster++
		c.clusters = append(c.clusters, cl)
		c.promoteLocked(cl)
		return c.labelLocked(cl)
	}

	alpha := c.Params.ClusterBlend
	for i := range best.Embedding {
		best.Embedding[i] = (1-alpha)*best.Embedding[i] + alpha*emb[i]
	}
	best.Embedding = voiceprint.Normalize(best.Embedding)
	best.Observations++
	c.promoteLocked(best)
	return c.labelLocked(best)
}

// promoteLocked промоушен анонимного кластера в известного спикера:
// требуется и порог, и отрыв от второго кандидата
func (c *Context) promoteLocked(cl *Cluster) {
	if cl.PromotedTo != "" || len(c.known) == 0 {
		return
	}
	var bestID string
	var bestSim, secondSim float32 = -1, -1
	for _, k := range c.known {
		sim := voiceprint.CosineSimilarity(cl.Embedding, k.Embedding)
		if sim > bestSim {
			secondSim = bestSim
			bestSim = sim
			bestID = k.UserID
		} else if sim > secondSim {
			secondSim = sim
		}
	}
	if bestSim < c.Params.PromoteThreshold {
		return
	}
	if secondSim >= 0 && bestSim-secondSim < c.Params.PromoteMargin {
		return
	}
	cl.PromotedTo = bestID
	log.Printf("[Session %s] кластер Unknown_%d промоутнут в %s (sim=%.3f)", c.ID, cl.Tag, bestID, bestSim)
}

func (c *Context) labelLocked(cl *Cluster) SpeakerLabel {
	if cl.PromotedTo != "" {
		return KnownLabel(cl.PromotedTo)
	}
	return ClusterLabel(cl.Tag)
}

// ResolveLabel применяет промоушены к метке: кластер, промоутнутый в
// известного, подменяется его меткой. Остальные метки проходят как есть.
func (c *Context) ResolveLabel(l SpeakerLabel) SpeakerLabel {
	if l.Kind != LabelCluster {
		return l
	}
	c.clusterMu.Lock()
	defer c.clusterMu.Unlock()
	for _, cl := range c.clusters {
		if cl.Tag == l.Cluster && cl.PromotedTo != "" {
			return KnownLabel(cl.PromotedTo)
		}
	}
	return l
}

// Candidates кандидаты для голосового сопоставления: известные спикеры
// плюс непромоутнутые кластеры сессии
func (c *Context) Candidates() []voiceprint.Candidate {
	out := make([]voiceprint.Candidate, 0, len(c.known))
	for _, k := range c.known {
		if len(k.Embedding) == 0 {
			continue
		}
		out = append(out, voiceprint.Candidate{Key: k.UserID, Embedding: k.Embedding, Known: true})
	}
	c.clusterMu.Lock()
	defer c.clusterMu.Unlock()
	for _, cl := range c.clusters {
		if cl.PromotedTo != "" {
			continue
		}
		out = append(out, voiceprint.Candidate{
			Key:       ClusterLabel(cl.Tag).String(),
			Embedding: cl.Embedding,
			Known:     false,
		})
	}
	return out
}

// NewClusterFrom заводит новый кластер из сегментного эмбеддинга
// (кандидаты не совпали) и возвращает его метку
func (c *Context) NewClusterFrom(emb []float32) SpeakerLabel {
	c.clusterMu.Lock()
	defer c.clusterMu.Unlock()
	cl := &Cluster{
		Tag:          c.nextCluster,
		Embedding:    append([]float32(nil), emb...),
		Observations: 1,
	}
	c.nextCluster++
	c.clusters = append(c.clusters, cl)
	return ClusterLabel(cl.Tag)
}

// Clusters копия кластерных треков (для диагностики и тестов)
func (c *Context) Clusters() []Cluster {
	c.clusterMu.Lock()
	defer c.clusterMu.Unlock()
	out := make([]Cluster, 0, len(c.clusters))
	for _, cl := range c.clusters {
		out = append(out, *cl)
	}
	return out
}

// RecordUserEmbedding копит чистые сегментные эмбеддинги известного
// пользователя для обновления центроида при завершении сессии.
// Держим только последние MaxCentroidSegments.
func (c *Context) RecordUserEmbedding(userID string, emb []float32) {
	if userID == "" || len(emb) == 0 {
		return
	}
	c.userEmbMu.Lock()
	defer c.userEmbMu.Unlock()
	list := append(c.userEmbs[userID], append([]float32(nil), emb...))
	if max := c.Params.MaxCentroidSegments; max > 0 && len(list) > max {
		list = list[len(list)-max:]
	}
	c.userEmbs[userID] = list
}

// SessionCentroids усреднённые сессионные центроиды по пользователям,
// набравшим минимум чистых сегментов
func (c *Context) SessionCentroids() map[string][]float32 {
	c.userEmbMu.Lock()
	defer c.userEmbMu.Unlock()
	out := make(map[string][]float32)
	for user, list := range c.userEmbs {
		if len(list) < c.Params.MinCentroidSegments {
			continue
		}
		dim := len(list[0])
		mean := make([]float32, dim)
		for _, e := range list {
			for i := 0; i < dim && i < len(e); i++ {
				mean[i] += e[i]
			}
		}
		for i := range mean {
			mean[i] /= float32(len(list))
		}
		out[user] = voiceprint.Normalize(mean)
	}
	return out
}
