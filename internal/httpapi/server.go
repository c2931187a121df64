// Package httpapi is the TransportGateway: the chi-routed HTTP surface that
// upgrades /ws/agent to a WebSocket, binds each connection to a fresh
// voice.Orchestrator, and serves the stateless POST /api/feedback scorecard
// endpoint alongside /healthz and /metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/samantha-voice/callagent/internal/config"
	"github.com/samantha-voice/callagent/internal/feedback"
	"github.com/samantha-voice/callagent/internal/history"
	"github.com/samantha-voice/callagent/internal/llm"
	"github.com/samantha-voice/callagent/internal/observability"
	"github.com/samantha-voice/callagent/internal/protocol"
	"github.com/samantha-voice/callagent/internal/session"
	"github.com/samantha-voice/callagent/internal/voice"
)

// VoiceProvider is what a connection needs from the configured ASR/TTS
// backend; voice.MockProvider and voice.RealtimeProvider both satisfy it.
type VoiceProvider interface {
	voice.ASRProvider
	voice.TTSProvider
}

// LLMProvider is the minimal surface the orchestrator and the feedback
// scorer both need from the LLM adapter.
type LLMProvider interface {
	StreamReply(ctx context.Context, systemPrompt string, hist []llm.Message, userText string, onDelta func(string) error) (string, error)
}

type Server struct {
	cfg           config.Config
	sessions      *session.Manager
	voiceProvider VoiceProvider
	llmClient     LLMProvider
	scorer        *feedback.Scorer
	metrics       *observability.Metrics
	orchestration voice.Config
	upgrader      websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, voiceProvider VoiceProvider, llmClient LLMProvider, scorer *feedback.Scorer, metrics *observability.Metrics, orchestration voice.Config) *Server {
	return &Server{
		cfg:           cfg,
		sessions:      sessions,
		voiceProvider: voiceProvider,
		llmClient:     llmClient,
		scorer:        scorer,
		metrics:       metrics,
		orchestration: orchestration,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Post("/api/feedback", s.handleFeedback)
	r.Get("/ws/agent", s.handleAgentWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	req, err := feedback.DecodeRequest(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	resp, err := s.scorer.Score(r.Context(), req)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ProviderErrors.WithLabelValues("llm", "true").Inc()
		}
		respondError(w, http.StatusBadGateway, "scoring_failed", err.Error())
		return
	}
	data, err := feedback.ToJSON(resp)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "encode_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleAgentWS upgrades the connection, creates one fresh Orchestrator
// bound to its own history.Store and persona, and runs the read/write loops
// until either side closes.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	rec := s.sessions.Create(r.URL.Query().Get("persona"))
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	}
	defer func() {
		s.sessions.End(rec.ID)
		if s.metrics != nil {
			s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
			s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	hist := history.New()
	orch := voice.NewOrchestrator(ctx, sessionID, s.voiceProvider, s.voiceProvider, s.llmClient, hist, s.metrics, s.orchestration, outbound)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				var werr error
				if audio, isAudio := msg.(protocol.OutboundAudio); isAudio {
					werr = conn.WriteMessage(websocket.BinaryMessage, audio.Data)
				} else {
					werr = conn.WriteJSON(msg)
				}
				if werr != nil {
					cancel()
					return
				}
				if s.metrics != nil {
					s.metrics.WSMessages.WithLabelValues("outbound", outboundMessageType(msg)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch msgType {
		case websocket.TextMessage:
			if s.metrics != nil {
				s.metrics.WSMessages.WithLabelValues("inbound", "text").Inc()
			}
			orch.OnInboundText(data)
		case websocket.BinaryMessage:
			if s.metrics != nil {
				s.metrics.WSMessages.WithLabelValues("inbound", "binary").Inc()
			}
			orch.OnInboundBinary(data)
		}
		select {
		case <-ctx.Done():
			break readLoop
		default:
		}
	}

	orch.Stop()
	cancel()
	<-orch.Done()
	<-writerDone
}

func outboundMessageType(msg any) string {
	switch m := msg.(type) {
	case protocol.OutboundAudio:
		return "audio"
	case protocol.StatusMessage:
		return m.Type
	case protocol.ASRFinalMessage:
		return m.Type
	case protocol.LLMTokenMessage:
		return m.Type
	case protocol.SegmentDoneMessage:
		return m.Type
	case protocol.TurnDoneMessage:
		return m.Type
	case protocol.HangupMessage:
		return m.Type
	case protocol.DoneMessage:
		return m.Type
	case protocol.VADMessage:
		return m.Type
	case protocol.UtteranceMessage:
		return m.Type
	case protocol.ClearMessage:
		return m.Type
	default:
		return "unknown"
	}
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, errEmptyBody
	}
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
