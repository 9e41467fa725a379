// Package session holds the per-connection state of a voice conversation:
// the pipeline queues, the interrupt and activity flags, the cancel handles
// for in-flight LLM and TTS work, and the registry plus idle reaper that
// manage the set of live sessions.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Queue capacities. Transcripts are rare (one per user turn); sentences
// arrive in bursts while the LLM streams.
const (
	transcriptQueueCap = 8
	sentenceQueueCap   = 32
)

// State is the coarse lifecycle state of a session.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateCapturing
	StateReplying
	StateClosed
)

// String returns the state name as used in logs and status messages.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateCapturing:
		return "capturing"
	case StateReplying:
		return "replying"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Transcript is a finalised user utterance flowing from the recognizer into
// the reply pipeline. Seq increases monotonically within a session so that
// stages can tell a superseding utterance from the one they are serving.
type Transcript struct {
	Seq  uint64
	Text string
}

// Sentence is one synthesis unit cut from the LLM stream, tagged with the
// utterance it belongs to and its position within that utterance.
type Sentence struct {
	Seq   uint64
	Index int
	Text  string
}

// Session is the state of one client connection. All exported methods are
// safe for concurrent use; the pipeline stages, the connection reader, and
// the reaper all touch a session concurrently.
type Session struct {
	// ID is the opaque per-connection identifier echoed in every outbound
	// message.
	ID string

	// ASROut carries final transcripts from the recognizer to stage A.
	ASROut chan Transcript

	// LLMIn carries transcripts from stage A to stage B.
	LLMIn chan Transcript

	// TTSIn carries sentences from stage B to stage C.
	TTSIn chan Sentence

	ctx    context.Context
	cancel context.CancelFunc

	processingLLM      atomic.Bool
	ttsActive          atomic.Bool
	interruptRequested atomic.Bool
	recognizing        atomic.Bool

	state        atomic.Int32
	utteranceSeq atomic.Uint64
	lastActivity atomic.Int64 // unix nanoseconds

	mu        sync.Mutex
	cancelLLM context.CancelFunc
	cancelTTS context.CancelFunc
}

// New creates a session with the given id. The session context is derived
// from parent; cancelling parent (or calling [Session.Close]) tears down all
// pipeline work belonging to this session and nothing else.
func New(parent context.Context, id string) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:     id,
		ASROut: make(chan Transcript, transcriptQueueCap),
		LLMIn:  make(chan Transcript, transcriptQueueCap),
		TTSIn:  make(chan Sentence, sentenceQueueCap),
		ctx:    ctx,
		cancel: cancel,
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// Context returns the session-scoped context. It is cancelled by Close, by
// the idle reaper, and by cancellation of the parent context.
func (s *Session) Context() context.Context { return s.ctx }

// Close cancels the session context and marks the session closed. Safe to
// call more than once.
func (s *Session) Close() {
	s.state.Store(int32(StateClosed))
	s.CancelLLM()
	s.CancelTTS()
	s.cancel()
}

// Touch records client activity. The idle reaper measures idleness from the
// last touch.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor returns the time elapsed since the last recorded activity.
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// NextUtterance assigns and returns the next utterance sequence number.
func (s *Session) NextUtterance() uint64 {
	return s.utteranceSeq.Add(1)
}

// CurrentUtterance returns the most recently assigned sequence number, or 0
// when no utterance has started yet.
func (s *Session) CurrentUtterance() uint64 {
	return s.utteranceSeq.Load()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// SetState records a lifecycle transition. Transitions into StateClosed are
// final; later calls are ignored.
func (s *Session) SetState(st State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

// RequestInterrupt sets the interrupt flag and reports whether this call set
// it (false when an interrupt was already pending). Stages observe the flag
// between chunks and abandon the current utterance; the caller that wins the
// flag emits the single tts_stop for this interruption.
func (s *Session) RequestInterrupt() bool {
	return s.interruptRequested.CompareAndSwap(false, true)
}

// ClearInterrupt resets the interrupt flag, typically when a new utterance
// enters the pipeline.
func (s *Session) ClearInterrupt() {
	s.interruptRequested.Store(false)
}

// Interrupted reports whether an interrupt has been requested and not yet
// cleared.
func (s *Session) Interrupted() bool {
	return s.interruptRequested.Load()
}

// SetProcessingLLM records whether an LLM task is currently generating.
func (s *Session) SetProcessingLLM(v bool) { s.processingLLM.Store(v) }

// ProcessingLLM reports whether an LLM task is currently generating.
func (s *Session) ProcessingLLM() bool { return s.processingLLM.Load() }

// SetTTSActive records whether a TTS task is currently synthesizing.
func (s *Session) SetTTSActive(v bool) { s.ttsActive.Store(v) }

// TTSActive reports whether a TTS task is currently synthesizing.
func (s *Session) TTSActive() bool { return s.ttsActive.Load() }

// SetRecognizing records whether the ASR adapter is running.
func (s *Session) SetRecognizing(v bool) { s.recognizing.Store(v) }

// Recognizing reports whether the ASR adapter is running.
func (s *Session) Recognizing() bool { return s.recognizing.Load() }

// Replying reports whether the session is actively producing a reply, which
// is the only window in which VAD barge-in may trigger.
func (s *Session) Replying() bool {
	return s.ProcessingLLM() || s.TTSActive()
}

// SetLLMCancel installs the cancel function of the in-flight LLM task,
// replacing (and cancelling) any previous one.
func (s *Session) SetLLMCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	prev := s.cancelLLM
	s.cancelLLM = cancel
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// CancelLLM cancels the in-flight LLM task, if any.
func (s *Session) CancelLLM() {
	s.mu.Lock()
	cancel := s.cancelLLM
	s.cancelLLM = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SetTTSCancel installs the cancel function of the in-flight TTS task,
// replacing (and cancelling) any previous one.
func (s *Session) SetTTSCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	prev := s.cancelTTS
	s.cancelTTS = cancel
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// CancelTTS cancels the in-flight TTS task, if any.
func (s *Session) CancelTTS() {
	s.mu.Lock()
	cancel := s.cancelTTS
	s.cancelTTS = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// DrainTTS discards all sentences queued for synthesis. Called when a newer
// utterance supersedes the one that queued them.
func (s *Session) DrainTTS() int {
	n := 0
	for {
		select {
		case <-s.TTSIn:
			n++
		default:
			return n
		}
	}
}
