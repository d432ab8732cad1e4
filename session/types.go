// Package session реализует ядро живой сессии: контекст с таймлайном
// спикеров, построение сегментов транскрипта, диаризационные воркеры,
// атрибуцию спикеров и жизненный цикл пайплайна.
package session

import (
	"fmt"
	"time"

	"attune/audio"
	"attune/stt"
	"attune/voiceprint"
)

// LabelKind вид метки спикера
type LabelKind int

const (
	LabelUncertain LabelKind = iota
	LabelOverlap
	LabelCluster
	LabelKnown
)

// SpeakerLabel закрытый tagged-вариант метки спикера: известный пользователь,
// анонимный кластер сессии, перекрытие или неопределённость. Внутри никогда
// не представляется свободной строкой.
type SpeakerLabel struct {
	Kind    LabelKind
	UserID  string // только Kind == LabelKnown
	Cluster int    // только Kind == LabelCluster
}

// KnownLabel метка известного пользователя
func KnownLabel(userID string) SpeakerLabel {
	return SpeakerLabel{Kind: LabelKnown, UserID: userID}
}

// ClusterLabel метка анонимного кластера
func ClusterLabel(n int) SpeakerLabel {
	return SpeakerLabel{Kind: LabelCluster, Cluster: n}
}

// Overlap и Uncertain терминальные метки
var (
	Overlap   = SpeakerLabel{Kind: LabelOverlap}
	Uncertain = SpeakerLabel{Kind: LabelUncertain}
)

// String внешнее представление метки
func (l SpeakerLabel) String() string {
	switch l.Kind {
	case LabelKnown:
		return l.UserID
	case LabelCluster:
		return fmt.Sprintf("Unknown_%d", l.Cluster)
	case LabelOverlap:
		return "OVERLAP"
	default:
		return "UNCERTAIN"
	}
}

// Interval интервал диаризации в stream time (сэмплы). Производится только
// timeline worker'ом; append-only, никогда не мутируется.
type Interval struct {
	Start      int64
	End        int64
	Speaker    SpeakerLabel
	Confidence float32
	IsOverlap  bool
}

// Span диапазон интервала как audio.Span
func (iv Interval) Span() audio.Span {
	return audio.Span{Start: iv.Start, End: iv.End}
}

// Segment сегмент транскрипта. Эфемерный: строится на один результат ASR,
// сразу потребляется извлечением аудио и атрибуцией.
type Segment struct {
	ID      int64
	Text    string
	IsFinal bool

	// Сервисный speaker tag (0 если сервисная диаризация выключена)
	ASRSpeakerTag int
	Confidence    float32

	// Границы в сэмплах stream time; interim сегменты их не имеют
	Span      audio.Span
	HasBounds bool

	// Сегмент построен fallback-сегментацией; Intervals - stream-интервалы,
	// из которых он собран (нужны извлечению аудио)
	DiarizationDerived bool
	Intervals          []audio.Span

	// Тайминги слов относительно начала сегмента; только для финалов
	// со словными таймстемпами
	Words []stt.Word
}

// StartMs и EndMs миллисекунды для исходящих событий
func (s *Segment) StartMs(rate int) int64 { return s.Span.Start * 1000 / int64(rate) }
func (s *Segment) EndMs(rate int) int64   { return s.Span.End * 1000 / int64(rate) }

// Источники атрибуции для speaker_resolved событий
const (
	SourceTimeline    = "timeline"
	SourceVoiceID     = "voice_id"
	SourceDiarization = "diarization-model"
	SourceNone        = "none"
)

// Resolution итог атрибуции финального сегмента
type Resolution struct {
	SegmentID  int64
	Label      SpeakerLabel
	Source     string
	Confidence float64
	// Градация уверенности по косинусному сходству; заполняется только
	// голосовым путём, у долевых источников шкала другая
	Level  string
	Scores map[string]float32
}

// EventType типы исходящих событий сессии
type EventType string

const (
	EventTranscript      EventType = "transcript"
	EventSpeakerResolved EventType = "speaker_resolved"
	EventDiarization     EventType = "diarization_segments"
	EventEscalation      EventType = "escalation"
	EventError           EventType = "error"
)

// DiarizationSegment элемент периодического diarization_segments события
type DiarizationSegment struct {
	Start   float64 `json:"start_s"`
	End     float64 `json:"end_s"`
	Speaker string  `json:"speaker_id"`
}

// Event внутреннее типизированное событие. Компоненты сессии только кладут
// события в исходящий канал; единственный потребитель - транспортный
// диспетчер.
type Event struct {
	Type EventType

	Segment  *Segment
	AudioMP3 []byte // вложение для финальных транскриптов

	Resolution *Resolution

	Diarization []DiarizationSegment

	Severity string
	Reason   string

	Err string
}

// PauseParams трёхуровневая пауза-эвристика fallback-сегментации
type PauseParams struct {
	LongPauseMs      int64 `yaml:"long_pause_ms"`      // всегда режет
	SoftPauseMs      int64 `yaml:"soft_pause_ms"`      // режет если набрана минимальная длительность
	CandidatePauseMs int64 `yaml:"candidate_pause_ms"` // режет только чтобы не превысить soft max
	MinSubSpanMs     int64 `yaml:"min_subspan_ms"`
	SoftMaxMs        int64 `yaml:"soft_max_ms"`
	HardMaxMs        int64 `yaml:"hard_max_ms"` // всегда режет, независимо от пауз
}

// Params все настройки сессионного ядра. Дефолты - рабочие значения,
// YAML-файл конфигурации может их переопределить.
type Params struct {
	SampleRate    int `yaml:"sample_rate"`
	BufferSeconds int `yaml:"buffer_seconds"` // retention кольцевого буфера

	// Атрибуция по таймлайну
	ReliabilityLagMs int     `yaml:"reliability_lag_ms"` // окно "устаканившейся" диаризации
	MajorityShare    float64 `yaml:"majority_share"`
	MinCoverage      float64 `yaml:"min_coverage"`

	// Сопоставление эмбеддингов
	Match voiceprint.MatchParams `yaml:"match"`

	// Кластерные треки
	ClusterMatchThreshold float32 `yaml:"cluster_match_threshold"`
	ClusterBlend          float32 `yaml:"cluster_blend"` // EMA обновления трека
	PromoteThreshold      float32 `yaml:"promote_threshold"`
	PromoteMargin         float32 `yaml:"promote_margin"`

	// Fallback-сегментация
	Pause PauseParams `yaml:"pause"`

	// Диаризационные воркеры
	TimelineWindowSec float64       `yaml:"timeline_window_sec"`
	RollingWindowSec  float64       `yaml:"rolling_window_sec"`
	RollingHopSec     float64       `yaml:"rolling_hop_sec"`
	DiarizeTimeout    time.Duration `yaml:"diarize_timeout"`

	// Завершение сессии
	CentroidAlpha       float32       `yaml:"centroid_alpha"`
	MinCentroidSegments int           `yaml:"min_centroid_segments"`
	MaxCentroidSegments int           `yaml:"max_centroid_segments"`
	DrainTimeout        time.Duration `yaml:"drain_timeout"`

	// Очереди фан-аута (политика drop-oldest)
	QueueCapacity int `yaml:"queue_capacity"`

	Extractor audio.ExtractorConfig `yaml:"extractor"`
}

// DefaultParams возвращает рабочие значения по умолчанию
func DefaultParams() Params {
	return Params{
		SampleRate:    16000,
		BufferSeconds: 30,

		ReliabilityLagMs: 1200,
		MajorityShare:    0.60,
		MinCoverage:      0.30,

		Match: voiceprint.DefaultMatchParams(),

		ClusterMatchThreshold: 0.50,
		ClusterBlend:          0.30,
		PromoteThreshold:      0.60,
		PromoteMargin:         0.10,

		Pause: PauseParams{
			LongPauseMs:      800,
			SoftPauseMs:      500,
			CandidatePauseMs: 350,
			MinSubSpanMs:     1200,
			SoftMaxMs:        12000,
			HardMaxMs:        15000,
		},

		TimelineWindowSec: 12.0,
		RollingWindowSec:  1.6,
		RollingHopSec:     0.4,
		DiarizeTimeout:    3 * time.Second,

		CentroidAlpha:       0.3,
		MinCentroidSegments: 3,
		MaxCentroidSegments: 10,
		DrainTimeout:        5 * time.Second,

		QueueCapacity: 64,

		Extractor: audio.DefaultExtractorConfig(),
	}
}

// LagSamples reliability lag в сэмплах
func (p Params) LagSamples() int64 {
	return int64(p.ReliabilityLagMs) * int64(p.SampleRate) / 1000
}

func (p Params) msToSamples(ms int64) int64 {
	return ms * int64(p.SampleRate) / 1000
}
