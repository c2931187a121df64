package voice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samantha-voice/callagent/internal/history"
	"github.com/samantha-voice/callagent/internal/llm"
	"github.com/samantha-voice/callagent/internal/observability"
	"github.com/samantha-voice/callagent/internal/persona"
	"github.com/samantha-voice/callagent/internal/protocol"
)

// LLMProvider is the subset of llm.Client's surface the orchestrator needs.
// Kept as an interface so tests can substitute a deterministic fake without
// a real HTTP endpoint; *llm.Client satisfies it implicitly.
type LLMProvider interface {
	StreamReply(ctx context.Context, systemPrompt string, hist []llm.Message, userText string, onDelta func(string) error) (string, error)
}

// Config holds the orchestrator's tunables, all of which spec.md §5
// specifies as fixed numbers but which are kept configurable per the
// teacher's environment-variable-driven style.
type Config struct {
	SegmentCharBudget int
	HangupTimeout     time.Duration
	ASRIdleTimeout    time.Duration
	MicQueueCapacity  int
	VoiceA            string
	VoiceB            string
}

func (c Config) withDefaults() Config {
	if c.SegmentCharBudget <= 0 {
		c.SegmentCharBudget = 250
	}
	if c.HangupTimeout <= 0 {
		c.HangupTimeout = 6000 * time.Millisecond
	}
	if c.ASRIdleTimeout <= 0 {
		c.ASRIdleTimeout = 20000 * time.Millisecond
	}
	if c.MicQueueCapacity <= 0 {
		c.MicQueueCapacity = 6
	}
	return c
}

// debounceWindow matches the original prototype's duplicate-final guard
// (supplemented feature, SPEC_FULL.md §6): an ASR final repeating the
// previous one within this window never opens a second turn.
const debounceWindow = 220 * time.Millisecond

var errStartAlreadyCalled = errors.New("orchestrator: Start already called")

var hangupPathForReason = map[string]string{
	"final_audio_complete": "sentinel",
	"hangup_timeout":        "timeout",
	"user_stop":             "user_stop",
	"asr_error":             "error",
	"asr_open_failed":       "error",
}

// Orchestrator is the SessionOrchestrator spec.md §4.1 describes: it owns
// the turn slot for exactly one WebSocket connection and is the sole writer
// of session-level state (the turn slot, the hangup flag, the history
// store). All other goroutines it spawns (the ASR event pump, the
// microphone pump, each turn's LLM/TTS readers) publish onto ctrl rather
// than touching that state directly.
type Orchestrator struct {
	asr ASRProvider
	tts TTSProvider
	llm LLMProvider
	hist *history.Store
	metrics *observability.Metrics
	cfg Config

	sessionID string

	outbound chan<- any

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc

	ctrl         chan any
	stopRequested chan struct{}

	started atomic.Bool

	doneCh   chan struct{}
	doneOnce sync.Once

	hangupRequested atomic.Bool

	// supervisor-owned; touched only from the supervise() goroutine.
	turn          *turnPipeline
	turnSeq       int
	lastFinalText string
	lastFinalAt   time.Time
	persona       protocol.Persona

	asrSession ASRSession
	micQueue   chan []byte
}

// NewOrchestrator constructs a per-connection orchestrator. ctx is the
// connection's lifetime context (cancelled by the transport on socket
// close/error); outbound is the single channel the transport's writer loop
// drains (the TransportGateway's serialization point, spec.md §4.4).
func NewOrchestrator(ctx context.Context, sessionID string, asr ASRProvider, tts TTSProvider, llmClient LLMProvider, hist *history.Store, metrics *observability.Metrics, cfg Config, outbound chan<- any) *Orchestrator {
	sessCtx, cancel := context.WithCancel(ctx)
	return &Orchestrator{
		asr:           asr,
		tts:           tts,
		llm:           llmClient,
		hist:          hist,
		metrics:       metrics,
		cfg:           cfg.withDefaults(),
		sessionID:     sessionID,
		outbound:      outbound,
		parentCtx:     ctx,
		ctx:           sessCtx,
		cancel:        cancel,
		ctrl:          make(chan any, 256),
		stopRequested: make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
	}
}

// Done closes once teardown has finished and no further sends to outbound
// will occur.
func (o *Orchestrator) Done() <-chan struct{} { return o.doneCh }

// Start validates the persona, opens the ASR adapter, and spawns the
// supervisor. A second call fails (idempotent-by-rejection).
func (o *Orchestrator) Start(p protocol.Persona) error {
	if !o.started.CompareAndSwap(false, true) {
		return errStartAlreadyCalled
	}
	if !p.Valid() {
		return fmt.Errorf("orchestrator: invalid persona %q", p)
	}
	o.persona = p

	o.emit(protocol.NewStatus("connected"))

	asrSession, asrEvents, err := o.asr.Open(o.ctx, o.sessionID)
	if err != nil {
		log.Printf("orchestrator[%s]: asr open failed: %v", o.sessionID, err)
		o.emit(protocol.NewStatus("error"))
		o.metrics.ProviderErrors.WithLabelValues("asr", "false").Inc()
		o.teardown("asr_open_failed", true)
		return err
	}
	o.asrSession = asrSession
	o.micQueue = make(chan []byte, o.cfg.MicQueueCapacity)

	o.emit(protocol.NewStatus("initializing"))
	o.emit(protocol.NewStatus("ready"))

	go o.pumpASREvents(asrEvents)
	go o.pumpMic()
	go o.supervise()

	return nil
}

// OnInboundText is the TransportGateway's single dispatch point for every
// client->server JSON frame, including the first "start" frame.
func (o *Orchestrator) OnInboundText(raw []byte) {
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		log.Printf("orchestrator[%s]: protocol error: %v", o.sessionID, err)
		return
	}
	switch m := msg.(type) {
	case protocol.StartMessage:
		if err := o.Start(m.Persona); err != nil {
			log.Printf("orchestrator[%s]: start rejected: %v", o.sessionID, err)
		}
	case protocol.StopMessage:
		o.Stop()
	case protocol.FinalAudioCompleteMessage:
		o.trySend(ctrlFinalAudioComplete{})
	default:
		log.Printf("orchestrator[%s]: unhandled message %T", o.sessionID, m)
	}
}

// OnInboundBinary forwards one microphone frame through the bounded,
// oldest-drop mic-ingest queue. Frames are silently dropped once hangup has
// been requested, per spec.md §4.1's hangup-initiation contract.
func (o *Orchestrator) OnInboundBinary(pcm []byte) {
	if !o.started.Load() || o.micQueue == nil {
		return
	}
	if o.hangupRequested.Load() {
		return
	}
	for {
		select {
		case o.micQueue <- pcm:
			o.trySend(ctrlAudioActivity{})
			return
		default:
		}
		select {
		case <-o.micQueue:
			if o.metrics != nil {
				o.metrics.BackpressureDrops.WithLabelValues("mic_ingest").Inc()
			}
		default:
			return
		}
	}
}

// Stop is always non-blocking and idempotent: it signals the supervisor to
// tear down and returns immediately regardless of how many times it is
// called. Before Start there is no supervisor, so Stop tears the session
// down itself and any later Start is rejected.
func (o *Orchestrator) Stop() {
	if o.started.CompareAndSwap(false, true) {
		o.teardown("stop_before_start", true)
		return
	}
	select {
	case o.stopRequested <- struct{}{}:
	default:
	}
}

// --- internal ctrl channel message types -----------------------------------

type ctrlAudioActivity struct{}
type ctrlFinalAudioComplete struct{}
type ctrlASREvent struct{ ev ASREvent }
type ctrlTurnFinished struct {
	turnID        string
	hangupSegment bool
}
type ctrlAssistantCommit struct {
	turnID string
	text   string
}

func (o *Orchestrator) trySend(msg any) {
	select {
	case o.ctrl <- msg:
	case <-o.ctx.Done():
	}
}

func (o *Orchestrator) pumpASREvents(events <-chan ASREvent) {
	for ev := range events {
		o.trySend(ctrlASREvent{ev: ev})
	}
}

func (o *Orchestrator) pumpMic() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case frame, ok := <-o.micQueue:
			if !ok {
				return
			}
			if err := o.asrSession.SendAudioChunk(o.ctx, frame); err != nil {
				return
			}
		}
	}
}

// supervise is the single task that mutates the turn slot and the
// session-level hangup flag. Every other goroutine only ever publishes into
// o.ctrl or cancels its own work.
func (o *Orchestrator) supervise() {
	idleTimer := time.NewTimer(o.cfg.ASRIdleTimeout)
	defer idleTimer.Stop()

	var hangupTimer *time.Timer
	var hangupTimerC <-chan time.Time
	defer func() {
		if hangupTimer != nil {
			hangupTimer.Stop()
		}
	}()

	for {
		select {
		case <-o.parentCtx.Done():
			o.teardown("transport_closed", false)
			return

		case <-o.stopRequested:
			o.teardown("user_stop", true)
			return

		case <-idleTimer.C:
			o.teardown("asr_idle_timeout", true)
			return

		case <-hangupTimerC:
			o.teardown("hangup_timeout", true)
			return

		case msg := <-o.ctrl:
			switch m := msg.(type) {
			case ctrlAudioActivity:
				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(o.cfg.ASRIdleTimeout)

			case ctrlASREvent:
				switch m.ev.Type {
				case ASREventFinal:
					o.handleASRFinal(m.ev.Text)
				case ASREventUtteranceBegin:
					if o.turn != nil && o.turn.State() == statePlaybackDraining {
						o.bargeIn()
					}
					o.emit(protocol.UtteranceMessage{Type: "utterance", Phase: "begin"})
				case ASREventUtteranceEnd:
					o.emit(protocol.UtteranceMessage{Type: "utterance", Phase: "end"})
				case ASREventVAD:
					o.emit(protocol.VADMessage{Type: "vad", State: m.ev.VADState, Prob: m.ev.VADProb})
				case ASREventError:
					log.Printf("orchestrator[%s]: asr error: %s %s", o.sessionID, m.ev.Code, m.ev.Detail)
					if o.metrics != nil {
						o.metrics.ProviderErrors.WithLabelValues("asr", boolLabel(m.ev.Retryable)).Inc()
					}
					o.emit(protocol.NewStatus("error"))
					o.teardown("asr_error", true)
					return
				}

			case ctrlAssistantCommit:
				// turn_done is emitted from here, right after the append
				// completes, rather than back in runTurn: both happen on the
				// supervisor goroutine in program order, so anything that
				// observes turn_done on outbound is guaranteed (via the
				// channel's happens-before) to see the committed entry in a
				// Snapshot taken afterward.
				if o.turn != nil && o.turn.id == m.turnID {
					if err := o.hist.Append(history.RoleAssistant, m.text); err != nil {
						log.Printf("orchestrator[%s]: history commit failed: %v", o.sessionID, err)
					}
				}
				o.emit(protocol.NewTurnDone())

			case ctrlFinalAudioComplete:
				if o.hangupRequested.Load() {
					o.teardown("final_audio_complete", true)
					return
				}
				log.Printf("orchestrator[%s]: final_audio_complete without pending hangup, ignored", o.sessionID)

			case ctrlTurnFinished:
				if o.turn != nil && o.turn.id == m.turnID {
					o.turn = nil
				}
				if m.hangupSegment && !o.hangupRequested.Load() {
					o.hangupRequested.Store(true)
					o.emit(protocol.NewHangup())
					hangupTimer = time.NewTimer(o.cfg.HangupTimeout)
					hangupTimerC = hangupTimer.C
				}
			}
		}
	}
}

// handleASRFinal implements spec.md §4.1's turn dispatch: barge-in any live
// turn, commit the transcript, and open a new one.
func (o *Orchestrator) handleASRFinal(text string) {
	if o.hangupRequested.Load() {
		return
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}
	now := time.Now()
	if trimmed == o.lastFinalText && now.Sub(o.lastFinalAt) < debounceWindow {
		return
	}
	o.lastFinalText = trimmed
	o.lastFinalAt = now

	if o.turn != nil {
		o.bargeIn()
	}

	// bargeIn never touches history, so the barged turn's own user entry is
	// already committed here; this append is expected to land right after it
	// as a second consecutive user entry, which Store.Append allows.
	histBefore := o.hist.Snapshot()
	if err := o.hist.Append(history.RoleUser, trimmed); err != nil {
		log.Printf("orchestrator[%s]: history append failed: %v", o.sessionID, err)
		return
	}
	o.emit(protocol.NewASRFinal(trimmed))

	systemPrompt, err := persona.SystemPrompt(o.persona)
	if err != nil {
		log.Printf("orchestrator[%s]: persona prompt failed: %v", o.sessionID, err)
		return
	}

	o.turnSeq++
	turnID := fmt.Sprintf("%s-%d", o.sessionID, o.turnSeq)
	pipeline := newTurnPipeline(o.ctx, turnID)
	o.turn = pipeline

	voiceID := o.voiceForPersona()
	llmHistory := toLLMHistory(histBefore)

	go o.runTurn(pipeline, trimmed, systemPrompt, llmHistory, voiceID)
}

// bargeIn cancels the live turn and tells the client to drop any queued
// playback audio. Only ever called from the supervisor goroutine.
func (o *Orchestrator) bargeIn() {
	if o.turn == nil {
		return
	}
	t := o.turn
	o.turn = nil
	t.Cancel()
	o.emit(protocol.NewClear())
	if o.metrics != nil {
		o.metrics.BargeIns.Inc()
	}
}

func (o *Orchestrator) voiceForPersona() string {
	if o.persona == protocol.PersonaB {
		return o.cfg.VoiceB
	}
	return o.cfg.VoiceA
}

func toLLMHistory(entries []history.Entry) []llm.Message {
	out := make([]llm.Message, 0, len(entries))
	for _, e := range entries {
		role := llm.RoleUser
		if e.Role == history.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: e.Content})
	}
	return out
}

// runTurn drives one TurnPipeline from TRANSCRIBED through DONE or
// CANCELLED: it streams the LLM reply, segments it for TTS, synthesizes
// each segment strictly in order, and commits the assistant turn to history
// exactly once, only if the turn was not cancelled.
func (o *Orchestrator) runTurn(pipeline *turnPipeline, userText, systemPrompt string, hist []llm.Message, voiceID string) {
	defer close(pipeline.done)
	pipeline.setState(stateLLMStreaming)

	extractor := newSegmentExtractor(o.cfg.SegmentCharBudget)
	segCh := make(chan Segment, 8)
	ttsDone := make(chan struct{})
	var hangupSegmentSent bool
	var committed strings.Builder

	go func() {
		defer close(ttsDone)
		for seg := range segCh {
			if pipeline.cancelled() {
				continue
			}
			pipeline.setState(stateSegmentSynthesizing)
			o.synthesizeSegment(pipeline, voiceID, seg)
			if seg.IsFinal {
				hangupSegmentSent = true
			}
			if !pipeline.cancelled() {
				pipeline.setState(stateLLMStreaming)
			}
		}
	}()

	onDelta := func(tok string) error {
		if pipeline.cancelled() {
			return context.Canceled
		}
		segs, fwd, hangup := extractor.Append(tok)
		if fwd != "" {
			committed.WriteString(fwd)
			o.emit(protocol.NewLLMToken(fwd))
		}
		for _, s := range segs {
			select {
			case segCh <- s:
			case <-pipeline.ctx.Done():
				return pipeline.ctx.Err()
			}
		}
		if hangup {
			pipeline.markFinal()
			return errHangupDetected
		}
		return nil
	}

	_, err := o.llm.StreamReply(pipeline.ctx, systemPrompt, hist, userText, onDelta)

	hangupErr := errors.Is(err, errHangupDetected)
	if err == nil || hangupErr {
		residual, fwd := extractor.Flush()
		if fwd != "" {
			committed.WriteString(fwd)
			o.emit(protocol.NewLLMToken(fwd))
		}
		if residual != nil {
			select {
			case segCh <- *residual:
			case <-pipeline.ctx.Done():
			}
		}
	}
	close(segCh)
	<-ttsDone

	cancelled := pipeline.cancelled()

	switch {
	case cancelled:
		pipeline.setState(stateCancelled)
		o.finishTurn(pipeline.id, false)
		return
	case err != nil && !hangupErr:
		// LLM error mid-turn: recover locally, no history commit, no audio.
		log.Printf("orchestrator[%s]: llm error mid-turn: %v", o.sessionID, err)
		if o.metrics != nil {
			o.metrics.ProviderErrors.WithLabelValues("llm", "true").Inc()
		}
		o.emit(protocol.NewTurnDone())
		pipeline.setState(stateCancelled)
		o.finishTurn(pipeline.id, false)
		return
	}

	pipeline.setState(statePlaybackDraining)
	text := strings.TrimSpace(committed.String())
	if text != "" {
		// Posted to the supervisor rather than appended here directly: the
		// history store is single-writer, and only the supervisor goroutine
		// may touch it (matching the user-turn append in handleASRFinal).
		// The supervisor emits turn_done itself once the append lands, so
		// this goroutine does not emit it in this branch.
		o.trySend(ctrlAssistantCommit{turnID: pipeline.id, text: text})
	} else {
		o.emit(protocol.NewTurnDone())
	}
	pipeline.setState(stateDone)
	o.finishTurn(pipeline.id, hangupSegmentSent)
}

var errHangupDetected = errors.New("voice: hangup sentinel detected")

func (o *Orchestrator) finishTurn(turnID string, hangupSegment bool) {
	o.trySend(ctrlTurnFinished{turnID: turnID, hangupSegment: hangupSegment})
}

// synthesizeSegment opens a TTS stream for one segment's text and forwards
// every audio chunk to the client, strictly before moving on to the next
// segment (the caller only ever has one of these in flight at a time). TTS
// errors mid-segment are recovered locally: the remaining audio for this
// segment is skipped and segment_done still fires.
func (o *Orchestrator) synthesizeSegment(pipeline *turnPipeline, voiceID string, seg Segment) {
	if seg.Text != "" {
		stream, err := o.tts.OpenTTS(pipeline.ctx, voiceID)
		if err != nil {
			log.Printf("orchestrator[%s]: tts open failed: %v", o.sessionID, err)
			if o.metrics != nil {
				o.metrics.ProviderErrors.WithLabelValues("tts", "true").Inc()
			}
		} else {
			pipeline.setTTSStream(stream)
			o.drainTTS(pipeline, stream, seg.Text)
			pipeline.setTTSStream(nil)
		}
	}
	o.emit(protocol.NewSegmentDone(seg.IsFinal))
}

func (o *Orchestrator) drainTTS(pipeline *turnPipeline, stream TTSStream, text string) {
	defer stream.Close()

	if err := stream.SendText(pipeline.ctx, text); err != nil {
		log.Printf("orchestrator[%s]: tts send failed: %v", o.sessionID, err)
		return
	}
	if err := stream.CloseInput(pipeline.ctx); err != nil {
		log.Printf("orchestrator[%s]: tts close input failed: %v", o.sessionID, err)
		return
	}

	for ev := range stream.Events() {
		switch ev.Type {
		case TTSEventAudio:
			o.emit(protocol.OutboundAudio{Data: ev.Audio})
		case TTSEventFinal:
			return
		case TTSEventError:
			log.Printf("orchestrator[%s]: tts error: %s %s", o.sessionID, ev.Code, ev.Detail)
			if o.metrics != nil {
				o.metrics.ProviderErrors.WithLabelValues("tts", boolLabel(ev.Retryable)).Inc()
			}
			return
		}
	}
}

// teardown is invoked from the supervisor goroutine, or, before any
// supervisor exists, from Start (ASR open failure) or Stop (stop before
// start). Its body runs exactly once per session thanks to doneOnce.
func (o *Orchestrator) teardown(reason string, emitDone bool) {
	o.doneOnce.Do(func() {
		if o.turn != nil {
			o.turn.Cancel()
			o.turn = nil
		}
		if o.asrSession != nil {
			_ = o.asrSession.Close()
		}
		if emitDone {
			o.emit(protocol.NewDone())
		}
		if o.metrics != nil {
			if path, ok := hangupPathForReason[reason]; ok {
				o.metrics.Hangups.WithLabelValues(path).Inc()
			}
			o.metrics.SessionEvents.WithLabelValues("teardown_" + reason).Inc()
		}
		log.Printf("orchestrator[%s]: teardown (%s)", o.sessionID, reason)
		o.cancel()
		close(o.doneCh)
	})
}

func (o *Orchestrator) emit(msg any) {
	select {
	case o.outbound <- msg:
	case <-o.ctx.Done():
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
