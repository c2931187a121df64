// Package voice implements the ASR/TTS adapter contracts, the segment
// extractor, the per-turn pipeline, and the session orchestrator that ties
// them together.
package voice

import "context"

type ASREventType string

const (
	ASREventPartial        ASREventType = "partial"
	ASREventFinal          ASREventType = "final"
	ASREventVAD            ASREventType = "vad"
	ASREventUtteranceBegin ASREventType = "utterance_begin"
	ASREventUtteranceEnd   ASREventType = "utterance_end"
	ASREventError          ASREventType = "error"
)

// ASREvent is one event from the ASR adapter's event stream: a transcript
// (partial or final), a VAD state change, an utterance boundary marker, or
// an error.
type ASREvent struct {
	Type ASREventType

	Text string // set for ASREventPartial / ASREventFinal

	VADState string  // "speech" | "silence" | "noise", set for ASREventVAD
	VADProb  float64 // set for ASREventVAD

	Code      string // set for ASREventError
	Detail    string
	Retryable bool
}

// ASRSession is an open streaming recognition session bound to ctx.
type ASRSession interface {
	// SendAudioChunk forwards one frame of 16kHz PCM16LE mono microphone
	// audio to the recognizer.
	SendAudioChunk(ctx context.Context, pcm16 []byte) error
	Close() error
}

// ASRProvider opens recognition sessions.
type ASRProvider interface {
	Open(ctx context.Context, sessionID string) (ASRSession, <-chan ASREvent, error)
}

type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventFinal TTSEventType = "final"
	TTSEventError TTSEventType = "error"
)

// TTSEvent is one event from a TTS stream: a PCM16 48kHz mono audio chunk,
// the stream's normal completion, or an error.
type TTSEvent struct {
	Type TTSEventType

	Audio []byte // set for TTSEventAudio, PCM16LE 48kHz mono

	Code      string
	Detail    string
	Retryable bool
}

// TTSStream is one open synthesis request for a single segment's text.
type TTSStream interface {
	SendText(ctx context.Context, text string) error
	CloseInput(ctx context.Context) error
	Events() <-chan TTSEvent
	Close() error
}

// TTSProvider opens synthesis streams. Named OpenTTS (rather than Open) so a
// single concrete provider type can implement both ASRProvider and
// TTSProvider without a method-signature clash.
type TTSProvider interface {
	OpenTTS(ctx context.Context, voiceID string) (TTSStream, error)
}
