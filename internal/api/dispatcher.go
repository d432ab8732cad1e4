package api

import (
	"encoding/base64"

	"attune/session"
)

// Dispatcher переводит внутренние события сессии в wire-сообщения,
// сохраняя гарантию порядка: speaker_resolved сегмента никогда не уходит
// раньше его финального transcript. Асинхронная атрибуция может обогнать
// отправку транскрипта, такие резолюции придерживаются в буфере.
type Dispatcher struct {
	rate  int
	write func(Message) error

	sentFinals map[int64]bool
	pending    map[int64][]Message
}

// NewDispatcher создаёт диспетчер над функцией записи (обычно
// websocket.Conn.WriteJSON)
func NewDispatcher(rate int, write func(Message) error) *Dispatcher {
	return &Dispatcher{
		rate:       rate,
		write:      write,
		sentFinals: make(map[int64]bool),
		pending:    make(map[int64][]Message),
	}
}

// Dispatch обрабатывает одно событие. Вызывается из одной горутины -
// единственного читателя канала событий пайплайна.
func (d *Dispatcher) Dispatch(ev session.Event) error {
	switch ev.Type {
	case session.EventTranscript:
		msg := d.transcriptMessage(ev)
		if err := d.write(msg); err != nil {
			return err
		}
		if ev.Segment.IsFinal {
			d.sentFinals[ev.Segment.ID] = true
			for _, held := range d.pending[ev.Segment.ID] {
				if err := d.write(held); err != nil {
					return err
				}
			}
			delete(d.pending, ev.Segment.ID)
		}
		return nil

	case session.EventSpeakerResolved:
		msg := Message{
			Type:            "speaker_resolved",
			SegmentID:       ev.Resolution.SegmentID,
			Speaker:         ev.Resolution.Label.String(),
			Source:          ev.Resolution.Source,
			Confidence:      ev.Resolution.Confidence,
			ConfidenceLevel: ev.Resolution.Level,
			Scores:          ev.Resolution.Scores,
		}
		if !d.sentFinals[msg.SegmentID] {
			d.pending[msg.SegmentID] = append(d.pending[msg.SegmentID], msg)
			return nil
		}
		return d.write(msg)

	case session.EventDiarization:
		return d.write(Message{Type: "diarization_segments", Segments: ev.Diarization})

	case session.EventEscalation:
		msg := Message{Type: "escalation", Severity: ev.Severity, Reason: ev.Reason}
		if ev.Segment != nil {
			msg.SegmentID = ev.Segment.ID
			msg.Text = ev.Segment.Text
		}
		return d.write(msg)

	case session.EventError:
		return d.write(Message{Type: "error", Error: ev.Err})
	}
	return nil
}

func (d *Dispatcher) transcriptMessage(ev session.Event) Message {
	seg := ev.Segment
	msg := Message{
		Type:               "transcript",
		SegmentID:          seg.ID,
		Text:               seg.Text,
		IsFinal:            seg.IsFinal,
		ASRSpeakerTag:      seg.ASRSpeakerTag,
		DiarizationDerived: seg.DiarizationDerived,
		Confidence:         float64(seg.Confidence),
	}
	if seg.HasBounds {
		msg.StartMs = seg.StartMs(d.rate)
		msg.EndMs = seg.EndMs(d.rate)
		if len(seg.Words) > 0 {
			msg.Words = make([]WordTiming, len(seg.Words))
			for i, w := range seg.Words {
				msg.Words[i] = WordTiming{
					Text:       w.Text,
					StartMs:    msg.StartMs + w.Start.Milliseconds(),
					EndMs:      msg.StartMs + w.End.Milliseconds(),
					SpeakerTag: w.SpeakerTag,
				}
			}
		}
	}
	if len(ev.AudioMP3) > 0 {
		msg.AudioMP3 = base64.StdEncoding.EncodeToString(ev.AudioMP3)
	}
	return msg
}
