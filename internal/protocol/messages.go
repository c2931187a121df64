// Package protocol defines the JSON message contract for the /ws/agent
// WebSocket endpoint. Binary frames (microphone and TTS audio) carry no
// envelope and are handled directly by the transport gateway.
package protocol

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// MessageType identifies a client->server JSON frame variant.
type MessageType string

const (
	TypeStart              MessageType = "start"
	TypeStop               MessageType = "stop"
	TypeFinalAudioComplete MessageType = "final_audio_complete"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// Persona is the enum of known personas the orchestrator can start a call as.
type Persona string

const (
	PersonaA Persona = "A"
	PersonaB Persona = "B"
)

func (p Persona) Valid() bool {
	return p == PersonaA || p == PersonaB
}

type StartMessage struct {
	Type    MessageType `json:"type"`
	Persona Persona     `json:"persona"`
}

type StopMessage struct {
	Type MessageType `json:"type"`
}

type FinalAudioCompleteMessage struct {
	Type MessageType `json:"type"`
}

// ParseClientMessage decodes a raw client->server JSON frame into one of the
// Start/Stop/FinalAudioComplete variants, using a tagged-variant dispatch on
// the "type" field. Unknown types return ErrUnsupportedType so the caller can
// log and ignore per the protocol-error handling policy; gjson is used for
// the initial type peek so a malformed envelope never requires its own
// throwaway struct.
func ParseClientMessage(raw []byte) (any, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid json: not well-formed")
	}
	typ := gjson.GetBytes(raw, "type").String()

	switch MessageType(typ) {
	case TypeStart:
		persona := Persona(gjson.GetBytes(raw, "persona").String())
		if !persona.Valid() {
			return nil, fmt.Errorf("invalid start message: persona %q", persona)
		}
		return StartMessage{Type: TypeStart, Persona: persona}, nil
	case TypeStop:
		return StopMessage{Type: TypeStop}, nil
	case TypeFinalAudioComplete:
		return FinalAudioCompleteMessage{Type: TypeFinalAudioComplete}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// Outbound server->client JSON frames.

type StatusMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewStatus(message string) StatusMessage {
	return StatusMessage{Type: "status", Message: message}
}

type ASRFinalMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func NewASRFinal(text string) ASRFinalMessage {
	return ASRFinalMessage{Type: "asr_final", Text: text}
}

type LLMTokenMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func NewLLMToken(text string) LLMTokenMessage {
	return LLMTokenMessage{Type: "llm_token", Text: text}
}

type SegmentDoneMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
}

func NewSegmentDone(isFinal bool) SegmentDoneMessage {
	return SegmentDoneMessage{Type: "segment_done", IsFinal: isFinal}
}

type TurnDoneMessage struct {
	Type string `json:"type"`
}

func NewTurnDone() TurnDoneMessage {
	return TurnDoneMessage{Type: "turn_done"}
}

type HangupMessage struct {
	Type string `json:"type"`
}

func NewHangup() HangupMessage {
	return HangupMessage{Type: "hangup"}
}

type DoneMessage struct {
	Type string `json:"type"`
}

func NewDone() DoneMessage {
	return DoneMessage{Type: "done"}
}

type VADMessage struct {
	Type  string  `json:"type"`
	State string  `json:"state"`
	Prob  float64 `json:"prob"`
}

type UtteranceMessage struct {
	Type  string `json:"type"`
	Phase string `json:"phase"`
}

// ClearMessage tells the client to fade out and discard any queued playback
// audio. Spec.md's §6 interface catalog does not list it explicitly, but
// §4.1's barge-in semantics require it ("send a clear signal to the client
// playback so its queued audio is dropped"); this fills that gap with its
// own JSON message type rather than overloading an existing one.
type ClearMessage struct {
	Type string `json:"type"`
}

func NewClear() ClearMessage {
	return ClearMessage{Type: "clear"}
}

// OutboundAudio wraps one PCM16LE 48kHz mono TTS audio chunk. It never
// crosses the wire as JSON; the transport gateway's writer loop type-switches
// on it to choose a binary WebSocket frame instead of WriteJSON.
type OutboundAudio struct {
	Data []byte
}
