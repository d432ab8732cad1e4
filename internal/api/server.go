package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"attune/ai"
	"attune/internal/config"
	"attune/internal/service"
	"attune/session"
	"attune/stt"
	"attune/voiceprint"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server HTTP/WebSocket фасад: создание сессий через REST, аудио и события
// через WebSocket. Один WebSocket обслуживает одну сессию.
type Server struct {
	Config   *config.Config
	Registry *session.Registry
	STT      stt.Service
	Diarizer ai.Diarizer
	Embedder ai.Embedder
	Store    *voiceprint.Store
	Detector *service.Detector
}

// NewServer собирает сервер из готовых зависимостей
func NewServer(
	cfg *config.Config,
	registry *session.Registry,
	sttSvc stt.Service,
	diarizer ai.Diarizer,
	embedder ai.Embedder,
	store *voiceprint.Store,
	detector *service.Detector,
) *Server {
	return &Server{
		Config:   cfg,
		Registry: registry,
		STT:      sttSvc,
		Diarizer: diarizer,
		Embedder: embedder,
		Store:    store,
		Detector: detector,
	}
}

// Start блокирует на ListenAndServe
func (s *Server) Start() {
	http.HandleFunc("/api/sessions", s.handleCreateSession)
	http.HandleFunc("/ws", s.handleWebSocket)

	log.Printf("Backend listening on :%s", s.Config.Port)
	if err := http.ListenAndServe(":"+s.Config.Port, nil); err != nil {
		log.Fatal("ListenAndServe:", err)
	}
}

// handleCreateSession POST /api/sessions: регистрирует сессию и запускает
// её пайплайн; аудио пойдёт по WebSocket
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Language == "" {
		http.Error(w, "language is required", http.StatusBadRequest)
		return
	}

	p, err := s.createPipeline(req)
	if err != nil {
		log.Printf("create session: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.Registry.Put(p); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	// контекст запроса умирает с ответом, пайплайн живёт до Stop
	go p.Run(context.Background())

	cfg := s.sttConfig(req)
	diarized := "service"
	if cfg.SkipsServiceDiarization() {
		diarized = "local"
	}
	log.Printf("[API] session %s created (language=%s, known=%d, diarization=%s)",
		p.Ctx.ID, req.Language, len(req.KnownSpeakers), diarized)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(CreateSessionResponse{
		SessionID:   p.Ctx.ID,
		Diarized:    diarized,
		Language:    cfg.Language,
		MinSpeakers: cfg.MinSpeakers,
		MaxSpeakers: cfg.MaxSpeakers,
	})
}

func (s *Server) sttConfig(req CreateSessionRequest) stt.Config {
	minSp, maxSp := req.MinSpeakers, req.MaxSpeakers
	if minSp <= 0 {
		minSp = 1
	}
	if maxSp < minSp {
		maxSp = 6
	}
	return stt.Config{
		SampleRate:     s.Config.Params.SampleRate,
		Language:       req.Language,
		AltLanguages:   req.AltLanguages,
		MinSpeakers:    minSp,
		MaxSpeakers:    maxSp,
		Diarization:    true,
		InterimResults: true,
	}
}

func (s *Server) createPipeline(req CreateSessionRequest) (*session.Pipeline, error) {
	var known []session.KnownSpeaker
	if s.Store != nil && len(req.KnownSpeakers) > 0 {
		profiles, err := s.Store.Profiles(req.KnownSpeakers)
		if err != nil {
			return nil, err
		}
		for _, p := range profiles {
			known = append(known, session.KnownSpeaker{
				UserID:    p.UserID,
				Name:      p.Name,
				Embedding: p.Embedding,
			})
		}
	}

	ctx := session.NewContext(session.NewSessionID(), s.Config.Params, known, req.OwnerID)
	return session.NewPipeline(ctx, s.sttConfig(req), session.PipelineDeps{
		STT:      s.STT,
		Diarizer: s.Diarizer,
		Embedder: s.Embedder,
		Store:    s.Store,
		Detector: s.Detector,
	}), nil
}

// handleWebSocket GET /ws?session=<id>: бинарные фреймы с PCM16 внутрь,
// JSON-события наружу. Закрытие соединения завершает сессию.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	p, ok := s.Registry.Get(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade:", err)
		return
	}
	defer conn.Close()

	// единственный писатель в соединение - горутина диспетчера
	var writeMu sync.Mutex
	write := func(msg Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(msg)
	}

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		d := NewDispatcher(p.Ctx.Params.SampleRate, write)
		for ev := range p.Events() {
			if err := d.Dispatch(ev); err != nil {
				log.Printf("[API] write to session %s: %v", sessionID, err)
				// соединение мертво, но канал событий дочитывается до
				// закрытия: завершение пайплайна не должно упираться
				// в оставшиеся события
				for range p.Events() {
				}
				return
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch msgType {
		case websocket.BinaryMessage:
			p.Ingest(data)
		case websocket.TextMessage:
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == "stop" {
				p.Stop()
			}
		}
	}

	// разрыв соединения = конец сессии
	p.Stop()
	<-dispatcherDone
	s.Registry.Remove(sessionID)
	log.Printf("[API] session %s closed", sessionID)
}
