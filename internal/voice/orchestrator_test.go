package voice

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/samantha-voice/callagent/internal/history"
	"github.com/samantha-voice/callagent/internal/llm"
	"github.com/samantha-voice/callagent/internal/observability"
	"github.com/samantha-voice/callagent/internal/protocol"
)

// scriptedLLM streams a fixed list of tokens through onDelta, one Append
// call per token, then returns.
type scriptedLLM struct {
	tokens []string
}

func (f *scriptedLLM) StreamReply(_ context.Context, _ string, _ []llm.Message, _ string, onDelta func(string) error) (string, error) {
	var full strings.Builder
	for _, t := range f.tokens {
		full.WriteString(t)
		if onDelta != nil {
			if err := onDelta(t); err != nil {
				return full.String(), err
			}
		}
	}
	return full.String(), nil
}

// blockingLLM emits one token then blocks until its context is cancelled,
// simulating a turn still in flight when a barge-in arrives.
type blockingLLM struct{}

func (blockingLLM) StreamReply(ctx context.Context, _ string, _ []llm.Message, _ string, onDelta func(string) error) (string, error) {
	if onDelta != nil {
		_ = onDelta("Hello, ")
	}
	<-ctx.Done()
	return "", ctx.Err()
}

type fakeASRSession struct {
	events chan ASREvent
	closed bool
}

func (s *fakeASRSession) SendAudioChunk(context.Context, []byte) error { return nil }
func (s *fakeASRSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
func (s *fakeASRSession) Emit(ev ASREvent) { s.events <- ev }

type fakeASRProvider struct {
	session *fakeASRSession
	openErr error
}

func (p *fakeASRProvider) Open(context.Context, string) (ASRSession, <-chan ASREvent, error) {
	if p.openErr != nil {
		return nil, nil, p.openErr
	}
	return p.session, p.session.events, nil
}

func newFakeASRProvider() (*fakeASRProvider, *fakeASRSession) {
	s := &fakeASRSession{events: make(chan ASREvent, 16)}
	return &fakeASRProvider{session: s}, s
}

func testMetrics(t *testing.T) *observability.Metrics {
	t.Helper()
	return observability.NewMetrics("test_voice_" + strings.ReplaceAll(t.Name(), "/", "_"))
}

func testConfig() Config {
	return Config{
		SegmentCharBudget: 250,
		HangupTimeout:     80 * time.Millisecond,
		ASRIdleTimeout:    5 * time.Second,
		MicQueueCapacity:  6,
		VoiceA:            "voice-a",
		VoiceB:            "voice-b",
	}
}

// drainUntil collects outbound messages until pred returns true for one of
// them, or the deadline elapses (test failure in that case).
func drainUntil(t *testing.T, outbound <-chan any, pred func(any) bool) []any {
	t.Helper()
	var collected []any
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-outbound:
			collected = append(collected, msg)
			if pred(msg) {
				return collected
			}
		case <-deadline:
			t.Fatalf("deadline exceeded waiting for predicate; collected %d messages: %+v", len(collected), collected)
			return nil
		}
	}
}

func isTurnDone(msg any) bool { _, ok := msg.(protocol.TurnDoneMessage); return ok }
func isDone(msg any) bool     { _, ok := msg.(protocol.DoneMessage); return ok }
func isClear(msg any) bool    { _, ok := msg.(protocol.ClearMessage); return ok }
func isHangup(msg any) bool   { _, ok := msg.(protocol.HangupMessage); return ok }

// S1: a plain turn produces llm_token/segment_done/turn_done and commits
// both sides of history.
func TestOrchestratorPlainTurn(t *testing.T) {
	asr, sess := newFakeASRProvider()
	tts := NewMockProvider()
	hist := history.New()
	outbound := make(chan any, 256)

	o := NewOrchestrator(context.Background(), "sess-1", asr, tts, &scriptedLLM{tokens: []string{"Hi there."}}, hist, testMetrics(t), testConfig(), outbound)
	if err := o.Start(protocol.PersonaA); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	sess.Emit(ASREvent{Type: ASREventFinal, Text: "Hello"})

	msgs := drainUntil(t, outbound, isTurnDone)

	var sawAudio bool
	for _, m := range msgs {
		if a, ok := m.(protocol.OutboundAudio); ok && string(a.Data) == "Hi there." {
			sawAudio = true
		}
	}
	if !sawAudio {
		t.Fatalf("never observed synthesized audio for the segment; messages: %+v", msgs)
	}

	snap := hist.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("history len = %d, want 2 (user+assistant); snapshot = %+v", len(snap), snap)
	}
	if snap[0].Role != history.RoleUser || snap[0].Content != "Hello" {
		t.Fatalf("history[0] = %+v, want user/Hello", snap[0])
	}
	if snap[1].Role != history.RoleAssistant || snap[1].Content != "Hi there." {
		t.Fatalf("history[1] = %+v, want assistant/'Hi there.'", snap[1])
	}

	o.Stop()
	<-o.Done()
}

// S2: a second ASR final while a turn is in flight cancels it (barge-in),
// emits clear, and never commits the cancelled turn's draft to history.
func TestOrchestratorBargeIn(t *testing.T) {
	asr, sess := newFakeASRProvider()
	tts := NewMockProvider()
	hist := history.New()
	outbound := make(chan any, 256)

	o := NewOrchestrator(context.Background(), "sess-2", asr, tts, blockingLLM{}, hist, testMetrics(t), testConfig(), outbound)
	if err := o.Start(protocol.PersonaA); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	sess.Emit(ASREvent{Type: ASREventFinal, Text: "First utterance"})
	// Give the turn goroutine a moment to actually start streaming before
	// barging in, so this exercises cancellation of a live turn rather than
	// racing turn creation.
	time.Sleep(20 * time.Millisecond)
	sess.Emit(ASREvent{Type: ASREventFinal, Text: "Second utterance"})

	drainUntil(t, outbound, isClear)

	snap := hist.Snapshot()
	for _, e := range snap {
		if e.Role == history.RoleAssistant {
			t.Fatalf("cancelled turn's draft must never reach history, found: %+v", e)
		}
	}
	var sawSecondUser bool
	for _, e := range snap {
		if e.Role == history.RoleUser && e.Content == "Second utterance" {
			sawSecondUser = true
		}
	}
	if !sawSecondUser {
		t.Fatalf("second utterance never committed to history; snapshot = %+v", snap)
	}

	o.Stop()
	<-o.Done()
}

// S3: a hangup sentinel split across two LLM tokens is still detected, the
// sentinel never reaches history or llm_token, and final_audio_complete
// after the hangup segment tears the session down with done.
func TestOrchestratorHangupSentinelSplitAcrossTokens(t *testing.T) {
	asr, sess := newFakeASRProvider()
	tts := NewMockProvider()
	hist := history.New()
	outbound := make(chan any, 256)

	llmClient := &scriptedLLM{tokens: []string{"Goodbye now. [HAN", "GUP]"}}
	o := NewOrchestrator(context.Background(), "sess-3", asr, tts, llmClient, hist, testMetrics(t), testConfig(), outbound)
	if err := o.Start(protocol.PersonaA); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	sess.Emit(ASREvent{Type: ASREventFinal, Text: "Bye"})

	msgs := drainUntil(t, outbound, isHangup)
	for _, m := range msgs {
		if tok, ok := m.(protocol.LLMTokenMessage); ok && strings.Contains(strings.ToLower(tok.Text), "hangup") {
			t.Fatalf("sentinel leaked into an llm_token message: %+v", tok)
		}
	}

	snap := hist.Snapshot()
	for _, e := range snap {
		if strings.Contains(strings.ToLower(e.Content), "hangup") {
			t.Fatalf("sentinel leaked into history: %+v", e)
		}
	}

	o.OnInboundText([]byte(`{"type":"final_audio_complete"}`))

	drainUntil(t, outbound, isDone)
	<-o.Done()
}

// S4: if final_audio_complete never arrives after a sentinel-triggered
// hangup, the session tears itself down once the hangup timeout elapses.
func TestOrchestratorHangupTimeout(t *testing.T) {
	asr, sess := newFakeASRProvider()
	tts := NewMockProvider()
	hist := history.New()
	outbound := make(chan any, 256)

	llmClient := &scriptedLLM{tokens: []string{"Bye. [HANGUP]"}}
	o := NewOrchestrator(context.Background(), "sess-4", asr, tts, llmClient, hist, testMetrics(t), testConfig(), outbound)
	if err := o.Start(protocol.PersonaA); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	sess.Emit(ASREvent{Type: ASREventFinal, Text: "Bye"})
	drainUntil(t, outbound, isHangup)
	drainUntil(t, outbound, isDone)

	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("orchestrator never tore down after hangup timeout")
	}
}

// S5: an explicit client stop tears the session down even mid-idle, with no
// turn in flight.
func TestOrchestratorUserStop(t *testing.T) {
	asr, _ := newFakeASRProvider()
	tts := NewMockProvider()
	hist := history.New()
	outbound := make(chan any, 256)

	o := NewOrchestrator(context.Background(), "sess-5", asr, tts, &scriptedLLM{}, hist, testMetrics(t), testConfig(), outbound)
	if err := o.Start(protocol.PersonaA); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	o.Stop()
	drainUntil(t, outbound, isDone)
	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("orchestrator never closed Done() after Stop()")
	}
}

// S6: an ASR open failure tears the session down immediately without ever
// spawning the supervisor.
func TestOrchestratorASROpenFailure(t *testing.T) {
	asr := &fakeASRProvider{openErr: errors.New("asr unavailable")}
	tts := NewMockProvider()
	hist := history.New()
	outbound := make(chan any, 256)

	o := NewOrchestrator(context.Background(), "sess-6", asr, tts, &scriptedLLM{}, hist, testMetrics(t), testConfig(), outbound)
	if err := o.Start(protocol.PersonaA); err == nil {
		t.Fatalf("Start() error = nil, want asr open failure")
	}

	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("orchestrator never closed Done() after asr open failure")
	}
}
