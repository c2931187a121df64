package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/samantha-voice/callagent/internal/reliability"
)

// RealtimeConfig points at the two external realtime voice services. The
// wire protocol on each socket is a small JSON envelope (see readLoop below)
// wrapping base64 PCM16 audio; this is this repo's own contract, not any
// vendor's — the spec leaves the ASR/TTS wire format out of scope and only
// requires the adapter contract in interfaces.go to hold.
type RealtimeConfig struct {
	ASRWSURL  string
	ASRAPIKey string

	TTSWSURL string
	TTSAPIKey string
}

type RealtimeProvider struct {
	cfg RealtimeConfig
}

func NewRealtimeProvider(cfg RealtimeConfig) *RealtimeProvider {
	return &RealtimeProvider{cfg: cfg}
}

func (p *RealtimeProvider) Open(ctx context.Context, sessionID string) (ASRSession, <-chan ASREvent, error) {
	u, err := url.Parse(p.cfg.ASRWSURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse asr ws url: %w", err)
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	q.Set("sample_rate", "16000")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if p.cfg.ASRAPIKey != "" {
		headers.Set("Authorization", "Bearer "+p.cfg.ASRAPIKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, nil, fmt.Errorf("dial asr websocket: %w", err)
	}

	events := make(chan ASREvent, 256)
	s := &realtimeASRSession{conn: conn, events: events}
	go s.readLoop()
	return s, events, nil
}

func (p *RealtimeProvider) OpenTTS(ctx context.Context, voiceID string) (TTSStream, error) {
	if strings.TrimSpace(voiceID) == "" {
		return nil, fmt.Errorf("voice id is required")
	}
	u, err := url.Parse(p.cfg.TTSWSURL)
	if err != nil {
		return nil, fmt.Errorf("parse tts ws url: %w", err)
	}
	q := u.Query()
	q.Set("voice_id", voiceID)
	q.Set("sample_rate", "48000")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if p.cfg.TTSAPIKey != "" {
		headers.Set("Authorization", "Bearer "+p.cfg.TTSAPIKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial tts websocket: %w", err)
	}

	s := &realtimeTTSStream{conn: conn, events: make(chan TTSEvent, 512)}
	go s.readLoop()
	return s, nil
}

type realtimeASRSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan ASREvent
}

func (s *realtimeASRSession) SendAudioChunk(_ context.Context, pcm16 []byte) error {
	payload := map[string]any{
		"type":  "audio_chunk",
		"audio": encodeBase64(pcm16),
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *realtimeASRSession) readLoop() {
	defer s.safeClose()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		switch asString(raw["type"]) {
		case "partial_transcript":
			s.events <- ASREvent{Type: ASREventPartial, Text: asString(raw["text"])}
		case "final_transcript":
			s.events <- ASREvent{Type: ASREventFinal, Text: asString(raw["text"])}
		case "vad":
			s.events <- ASREvent{Type: ASREventVAD, VADState: asString(raw["state"]), VADProb: asFloat(raw["prob"])}
		case "utterance_begin":
			s.events <- ASREvent{Type: ASREventUtteranceBegin}
		case "utterance_end":
			s.events <- ASREvent{Type: ASREventUtteranceEnd}
		case "error":
			code := asString(raw["code"])
			s.events <- ASREvent{
				Type:      ASREventError,
				Code:      code,
				Detail:    asString(raw["detail"]),
				Retryable: reliability.IsRetryableRealtimeMessageType(code),
			}
		}
	}
}

func (s *realtimeASRSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
		close(s.events)
	})
	return retErr
}

func (s *realtimeASRSession) safeClose() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		close(s.events)
	})
}

type realtimeTTSStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan TTSEvent
}

func (s *realtimeTTSStream) SendText(_ context.Context, text string) error {
	return s.writeJSON(map[string]any{"type": "text", "text": text})
}

func (s *realtimeTTSStream) CloseInput(_ context.Context) error {
	return s.writeJSON(map[string]any{"type": "flush"})
}

func (s *realtimeTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *realtimeTTSStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
		close(s.events)
	})
	return retErr
}

func (s *realtimeTTSStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *realtimeTTSStream) readLoop() {
	defer s.safeClose()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		switch asString(raw["type"]) {
		case "audio_chunk":
			s.events <- TTSEvent{Type: TTSEventAudio, Audio: decodeBase64(asString(raw["audio"]))}
		case "final":
			s.events <- TTSEvent{Type: TTSEventFinal}
		case "error":
			code := asString(raw["code"])
			s.events <- TTSEvent{
				Type:      TTSEventError,
				Code:      code,
				Detail:    asString(raw["detail"]),
				Retryable: reliability.IsRetryableRealtimeMessageType(code),
			}
		}
	}
}

func (s *realtimeTTSStream) safeClose() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		close(s.events)
	})
}
