// Package pipeline runs the per-session reply pipeline: final transcripts in,
// streamed LLM text and synthesized audio out. Three stages communicate over
// the session's bounded queues, and a single writer serializes JSON control
// messages and binary PCM frames onto the websocket.
package pipeline

import "encoding/json"

// Wire message type identifiers.
const (
	TypeStatus            = "status"
	TypePartialTranscript = "partial_transcript"
	TypeFinalTranscript   = "final_transcript"
	TypeLLMStatus         = "llm_status"
	TypeLLMResponse       = "llm_response"
	TypeSubtitle          = "subtitle"
	TypeTTSStart          = "tts_start"
	TypeTTSEnd            = "tts_end"
	TypeTTSStop           = "tts_stop"
	TypeStopAck           = "stop_acknowledged"
	TypeInterruptAck      = "interrupt_acknowledged"
	TypeError             = "error"
)

// StatusMessage reports the ASR lifecycle ("listening" or "stopped").
type StatusMessage struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

// NewStatus builds a StatusMessage.
func NewStatus(sessionID, status string) StatusMessage {
	return StatusMessage{Type: TypeStatus, Status: status, SessionID: sessionID}
}

// TranscriptMessage carries interim or finalised ASR text.
type TranscriptMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	SessionID string `json:"session_id"`
}

// NewPartialTranscript builds a partial_transcript message.
func NewPartialTranscript(sessionID, content string) TranscriptMessage {
	return TranscriptMessage{Type: TypePartialTranscript, Content: content, SessionID: sessionID}
}

// NewFinalTranscript builds a final_transcript message.
func NewFinalTranscript(sessionID, content string) TranscriptMessage {
	return TranscriptMessage{Type: TypeFinalTranscript, Content: content, SessionID: sessionID}
}

// LLMStatusMessage signals that reply generation has started.
type LLMStatusMessage struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

// NewLLMProcessing builds the llm_status message sent when generation begins.
func NewLLMProcessing(sessionID string) LLMStatusMessage {
	return LLMStatusMessage{Type: TypeLLMStatus, Status: "processing", SessionID: sessionID}
}

// LLMResponseMessage streams the accumulated reply text. Content always
// carries the full response so far; the final message has IsComplete set.
// WasInterrupted marks the canonical reply sent when generation was cut off.
type LLMResponseMessage struct {
	Type           string `json:"type"`
	Content        string `json:"content"`
	IsComplete     bool   `json:"is_complete"`
	WasInterrupted bool   `json:"was_interrupted,omitempty"`
	SessionID      string `json:"session_id"`
}

// NewLLMResponse builds an llm_response message.
func NewLLMResponse(sessionID, content string, complete bool) LLMResponseMessage {
	return LLMResponseMessage{Type: TypeLLMResponse, Content: content, IsComplete: complete, SessionID: sessionID}
}

// interruptedReplyText is the canonical reply body for a cut-off utterance.
const interruptedReplyText = "对话被中断"

// NewInterruptedResponse builds the canonical llm_response emitted when the
// current utterance is interrupted.
func NewInterruptedResponse(sessionID string) LLMResponseMessage {
	return LLMResponseMessage{
		Type:           TypeLLMResponse,
		Content:        interruptedReplyText,
		IsComplete:     true,
		WasInterrupted: true,
		SessionID:      sessionID,
	}
}

// SubtitleMessage carries the caption text. While a sentence is streaming,
// Content is the pending fragment with IsComplete false; when a sentence
// boundary is found, the whole sentence is re-sent with IsComplete true.
type SubtitleMessage struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	IsComplete bool   `json:"is_complete"`
	SessionID  string `json:"session_id"`
}

// NewSubtitle builds a subtitle message.
func NewSubtitle(sessionID, content string, complete bool) SubtitleMessage {
	return SubtitleMessage{Type: TypeSubtitle, Content: content, IsComplete: complete, SessionID: sessionID}
}

// TTSStartMessage announces that binary audio for one sentence follows.
type TTSStartMessage struct {
	Type      string `json:"type"`
	Format    string `json:"format"`
	Text      string `json:"text,omitempty"`
	IsFirst   bool   `json:"is_first"`
	SessionID string `json:"session_id"`
}

// NewTTSStart builds a tts_start message. isFirst marks the first sentence of
// a reply so the client can skip its jitter buffer.
func NewTTSStart(sessionID, text string, isFirst bool) TTSStartMessage {
	return TTSStartMessage{Type: TypeTTSStart, Format: "pcm", Text: text, IsFirst: isFirst, SessionID: sessionID}
}

// ControlMessage is a bare type+session_id message (tts_end, tts_stop,
// interrupt_acknowledged).
type ControlMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// NewTTSEnd builds a tts_end message.
func NewTTSEnd(sessionID string) ControlMessage {
	return ControlMessage{Type: TypeTTSEnd, SessionID: sessionID}
}

// NewTTSStop builds a tts_stop message. On receipt the client drops all
// buffered audio.
func NewTTSStop(sessionID string) ControlMessage {
	return ControlMessage{Type: TypeTTSStop, SessionID: sessionID}
}

// NewInterruptAck builds the reply to an interrupt command.
func NewInterruptAck(sessionID string) ControlMessage {
	return ControlMessage{Type: TypeInterruptAck, SessionID: sessionID}
}

// StopAckMessage is the reply to a stop command.
type StopAckMessage struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	QueuesCleared bool   `json:"queues_cleared"`
	SessionID     string `json:"session_id"`
}

// NewStopAck builds a stop_acknowledged message.
func NewStopAck(sessionID string) StopAckMessage {
	return StopAckMessage{
		Type:          TypeStopAck,
		Message:       "所有处理已停止",
		QueuesCleared: true,
		SessionID:     sessionID,
	}
}

// ErrorMessage reports a non-fatal error; the session stays alive.
type ErrorMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// NewError builds an error message.
func NewError(sessionID, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message, SessionID: sessionID}
}

// mustJSON marshals v, panicking on failure. All catalog types marshal
// without error; a panic here is a programming bug, not a runtime condition.
func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("pipeline: marshal outbound message: " + err.Error())
	}
	return b
}
