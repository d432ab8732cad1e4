package api

import (
	"attune/session"
)

// Message единая структура JSON-сообщений WebSocket в обе стороны
type Message struct {
	Type string `json:"type"`

	// Создание сессии
	SessionID     string   `json:"sessionId,omitempty"`
	Language      string   `json:"language,omitempty"`
	AltLanguages  []string `json:"altLanguages,omitempty"`
	KnownSpeakers []string `json:"knownSpeakers,omitempty"` // user id известных участников
	OwnerID       string   `json:"ownerId,omitempty"`

	// transcript
	SegmentID          int64        `json:"segmentId,omitempty"`
	Text               string       `json:"text,omitempty"`
	IsFinal            bool         `json:"isFinal,omitempty"`
	StartMs            int64        `json:"startMs,omitempty"`
	EndMs              int64        `json:"endMs,omitempty"`
	ASRSpeakerTag      int          `json:"asrSpeakerTag,omitempty"`
	DiarizationDerived bool         `json:"diarizationDerived,omitempty"`
	AudioMP3           string       `json:"audioMp3,omitempty"` // base64
	Words              []WordTiming `json:"words,omitempty"`

	// speaker_resolved
	Speaker         string             `json:"speaker,omitempty"` // user id, Unknown_N, OVERLAP, UNCERTAIN
	Source          string             `json:"source,omitempty"`
	Confidence      float64            `json:"confidence,omitempty"`
	ConfidenceLevel string             `json:"confidenceLevel,omitempty"` // high/medium/low, только voice_id
	Scores          map[string]float32 `json:"scores,omitempty"`

	// diarization_segments
	Segments []session.DiarizationSegment `json:"segments,omitempty"`

	// escalation
	Severity string `json:"severity,omitempty"`
	Reason   string `json:"reason,omitempty"`

	Error string `json:"error,omitempty"`
}

// WordTiming слово финального транскрипта; миллисекунды в stream time,
// как StartMs/EndMs сегмента
type WordTiming struct {
	Text       string `json:"text"`
	StartMs    int64  `json:"startMs"`
	EndMs      int64  `json:"endMs"`
	SpeakerTag int    `json:"speakerTag,omitempty"`
}

// CreateSessionRequest тело POST /api/sessions
type CreateSessionRequest struct {
	Language      string   `json:"language"`
	AltLanguages  []string `json:"altLanguages,omitempty"`
	KnownSpeakers []string `json:"knownSpeakers,omitempty"`
	OwnerID       string   `json:"ownerId,omitempty"`
	MinSpeakers   int      `json:"minSpeakers,omitempty"`
	MaxSpeakers   int      `json:"maxSpeakers,omitempty"`
}

// CreateSessionResponse ответ на создание сессии с согласованными
// параметрами распознавания
type CreateSessionResponse struct {
	SessionID   string `json:"sessionId"`
	Diarized    string `json:"diarization"` // "service" или "local"
	Language    string `json:"language"`
	MinSpeakers int    `json:"minSpeakers"`
	MaxSpeakers int    `json:"maxSpeakers"`
}
