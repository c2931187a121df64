package voice

import (
	"context"
	"sync"
)

type turnState int

const (
	stateTranscribed turnState = iota
	stateLLMStreaming
	stateSegmentSynthesizing
	statePlaybackDraining
	stateDone
	stateCancelled
)

// turnPipeline is the transient, turn-scoped state machine spec.md §4.2
// describes: TRANSCRIBED -> LLM_STREAMING -> SEGMENT_SYNTHESIZING ->
// PLAYBACK_DRAINING -> DONE, or CANCELLED from any non-terminal state. It is
// owned exclusively by the session supervisor; runTurn mutates it from the
// turn's own goroutine but no other component may reach past it, and
// external callers only ever observe it via the ctrlTurnFinished message
// the supervisor receives on completion.
type turnPipeline struct {
	id string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     turnState
	isFinal   bool // set once the segmenter has flagged the hangup sentinel
	ttsStream TTSStream

	done chan struct{}
}

func newTurnPipeline(parent context.Context, id string) *turnPipeline {
	ctx, cancel := context.WithCancel(parent)
	return &turnPipeline{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		state:  stateTranscribed,
		done:   make(chan struct{}),
	}
}

func (p *turnPipeline) setState(s turnState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *turnPipeline) State() turnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *turnPipeline) markFinal() {
	p.mu.Lock()
	p.isFinal = true
	p.mu.Unlock()
}

// setTTSStream records the TTS stream currently in flight for this turn so
// Cancel can close it immediately rather than relying solely on ctx
// propagation to the adapter.
func (p *turnPipeline) setTTSStream(s TTSStream) {
	p.mu.Lock()
	p.ttsStream = s
	p.mu.Unlock()
}

// Cancel moves the pipeline to CANCELLED and releases its streams. Safe to
// call more than once; cancellation is edge-triggered.
func (p *turnPipeline) Cancel() {
	p.mu.Lock()
	stream := p.ttsStream
	alreadyTerminal := p.state == stateDone || p.state == stateCancelled
	p.state = stateCancelled
	p.mu.Unlock()

	p.cancel()
	if stream != nil && !alreadyTerminal {
		_ = stream.Close()
	}
}

func (p *turnPipeline) cancelled() bool {
	return p.ctx.Err() != nil
}
