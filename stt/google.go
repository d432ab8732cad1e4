package stt

import (
	"context"
	"fmt"
	"log"

	speech "cloud.google.com/go/speech/apiv1p1beta1"
	"cloud.google.com/go/speech/apiv1p1beta1/speechpb"
	"google.golang.org/api/option"
)

// GoogleService реализует Service поверх Google Cloud Speech streaming API
type GoogleService struct {
	client *speech.Client
}

// NewGoogleService создаёт клиент; credentialsFile опционален
// (пустая строка = Application Default Credentials)
func NewGoogleService(ctx context.Context, credentialsFile string) (*GoogleService, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	return &GoogleService{client: client}, nil
}

// Open открывает поток и отправляет конфигурационное сообщение
func (g *GoogleService) Open(ctx context.Context, cfg Config) (Stream, error) {
	stream, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open streaming recognize: %w", err)
	}

	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: buildStreamingConfig(cfg),
		},
	}
	if err := stream.Send(req); err != nil {
		return nil, fmt.Errorf("failed to send config: %w", err)
	}

	log.Printf("[STT] stream opened: lang=%s diarization=%v speakers=%d..%d",
		cfg.Language, cfg.Diarization && cfg.Language != LanguageAuto, cfg.MinSpeakers, cfg.MaxSpeakers)

	return &googleStream{stream: stream}, nil
}

// Close закрывает клиент
func (g *GoogleService) Close() error {
	return g.client.Close()
}

// buildStreamingConfig собирает конфигурацию сервиса из настроек сессии
func buildStreamingConfig(cfg Config) *speechpb.StreamingRecognitionConfig {
	rc := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            int32(cfg.SampleRate),
		EnableWordTimeOffsets:      true,
		EnableAutomaticPunctuation: true,
		Model:                      "latest_long",
	}

	if cfg.Language == LanguageAuto {
		// Автоопределение: первый альтернативный язык становится основным.
		// В этом режиме сервис не отдаёт speaker tags - диаризацию сессия
		// делает сама.
		primary := "en-US"
		if len(cfg.AltLanguages) > 0 {
			primary = cfg.AltLanguages[0]
		}
		rc.LanguageCode = primary
		if len(cfg.AltLanguages) > 1 {
			rc.AlternativeLanguageCodes = cfg.AltLanguages[1:]
		}
	} else {
		rc.LanguageCode = cfg.Language
		if cfg.Diarization {
			rc.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
				EnableSpeakerDiarization: true,
				MinSpeakerCount:          int32(cfg.MinSpeakers),
				MaxSpeakerCount:          int32(cfg.MaxSpeakers),
			}
		}
	}

	return &speechpb.StreamingRecognitionConfig{
		Config:         rc,
		InterimResults: cfg.InterimResults,
	}
}

// googleStream адаптирует Speech_StreamingRecognizeClient к Stream.
// Один ответ сервиса может нести несколько результатов - буферизуем.
type googleStream struct {
	stream  speechpb.Speech_StreamingRecognizeClient
	pending []*Result
}

// Send отправляет чанк аудио
func (s *googleStream) Send(chunk []byte) error {
	return s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: chunk,
		},
	})
}

// CloseSend сигнализирует конец аудио (сентинел потока)
func (s *googleStream) CloseSend() error {
	return s.stream.CloseSend()
}

// Recv блокирующе возвращает следующий результат; io.EOF по концу потока
func (s *googleStream) Recv() (*Result, error) {
	for len(s.pending) == 0 {
		resp, err := s.stream.Recv()
		if err != nil {
			return nil, err
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("recognition error: %s", resp.Error.GetMessage())
		}
		for _, r := range resp.Results {
			if mapped := mapResult(r); mapped != nil {
				s.pending = append(s.pending, mapped)
			}
		}
	}

	out := s.pending[0]
	s.pending = s.pending[1:]
	return out, nil
}

// mapResult переводит результат сервиса во внутренний тип
func mapResult(r *speechpb.StreamingRecognitionResult) *Result {
	if len(r.Alternatives) == 0 {
		return nil
	}
	alt := r.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}

	result := &Result{
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		IsFinal:    r.IsFinal,
		Language:   r.LanguageCode,
	}

	// Word-тайминг достоверен только на финальных результатах
	if r.IsFinal && len(alt.Words) > 0 {
		result.Words = make([]Word, 0, len(alt.Words))
		for _, w := range alt.Words {
			result.Words = append(result.Words, Word{
				Text:       w.Word,
				Start:      w.StartTime.AsDuration(),
				End:        w.EndTime.AsDuration(),
				SpeakerTag: int(w.SpeakerTag),
				Confidence: w.Confidence,
			})
		}
	}
	return result
}
