package pipeline

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Conn is the write side of the client transport. The coder/websocket
// connection satisfies it through a small adapter in the server package.
type Conn interface {
	WriteText(ctx context.Context, data []byte) error
	WriteBinary(ctx context.Context, data []byte) error
}

// Item priorities within one sentence generation. Audio chunks use their
// chunk number (1..N); the sentence-end marker uses N+1. Errors use a large
// sentinel so they always sort after the audio of the sentence they abort.
const (
	prioStart = 0
	prioError = 1 << 30
)

const mailboxCap = 256

// outItem is one queued outbound frame. gen orders sentences, prio orders
// frames within a sentence, seq breaks ties in submission order.
type outItem struct {
	gen    uint64
	prio   int64
	seq    uint64
	binary bool
	data   []byte
}

// mailbox is a min-heap of outItems ordered by (gen, prio, seq).
type mailbox []outItem

func (m mailbox) Len() int { return len(m) }

func (m mailbox) Less(i, j int) bool {
	if m[i].gen != m[j].gen {
		return m[i].gen < m[j].gen
	}
	if m[i].prio != m[j].prio {
		return m[i].prio < m[j].prio
	}
	return m[i].seq < m[j].seq
}

func (m mailbox) Swap(i, j int) { m[i], m[j] = m[j], m[i] }

func (m *mailbox) Push(x any) { *m = append(*m, x.(outItem)) }

func (m *mailbox) Pop() any {
	old := *m
	n := len(old)
	it := old[n-1]
	*m = old[:n-1]
	return it
}

// Writer is the sole owner of the transport write side for one session. All
// stages submit outbound frames through it; a single goroutine drains the
// priority mailbox and writes, so JSON and binary frames are never torn or
// interleaved out of order.
//
// The writer is the trust boundary for transport failures: write errors
// after the transport has gone away are swallowed so a dead client cannot
// cascade errors back into the pipeline.
type Writer struct {
	conn  Conn
	inbox chan outItem

	gen    atomic.Uint64 // current sentence generation
	seq    atomic.Uint64 // submission order tiebreak
	closed atomic.Bool

	startOnce sync.Once
	done      chan struct{}
}

// NewWriter creates a writer over conn. Call [Writer.Run] to start it.
func NewWriter(conn Conn) *Writer {
	return &Writer{
		conn:  conn,
		inbox: make(chan outItem, mailboxCap),
		done:  make(chan struct{}),
	}
}

// Run drains the mailbox until ctx is cancelled. It blocks; run it in its
// own goroutine. When Run returns, all later submissions are dropped.
func (w *Writer) Run(ctx context.Context) {
	defer w.closed.Store(true)
	defer close(w.done)

	var pending mailbox
	heap.Init(&pending)

	for {
		// Block for at least one item, then drain whatever else is
		// immediately available so the heap can order it.
		select {
		case <-ctx.Done():
			return
		case it := <-w.inbox:
			heap.Push(&pending, it)
		}
	drain:
		for {
			select {
			case it := <-w.inbox:
				heap.Push(&pending, it)
			default:
				break drain
			}
		}

		for pending.Len() > 0 {
			it := heap.Pop(&pending).(outItem)
			w.write(ctx, it)
			// Newly arrived frames may sort before what is left.
			select {
			case next := <-w.inbox:
				heap.Push(&pending, next)
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

// Done is closed when the writer loop has exited.
func (w *Writer) Done() <-chan struct{} { return w.done }

func (w *Writer) write(ctx context.Context, it outItem) {
	var err error
	if it.binary {
		err = w.conn.WriteBinary(ctx, it.data)
	} else {
		err = w.conn.WriteText(ctx, it.data)
	}
	if err != nil && ctx.Err() == nil {
		// Transport write failed while the session is still live. Log once
		// at debug; the read loop notices the dead connection and tears the
		// session down.
		slog.Debug("writer: transport write failed", "err", err)
	}
}

// submit queues an item. Once the writer has stopped everything is dropped.
// When the mailbox is full, audio is dropped (a full mailbox means the
// client stopped reading) but control frames wait for space, so sentence
// terminators like tts_end and tts_stop are never lost.
func (w *Writer) submit(it outItem) {
	if w.closed.Load() {
		return
	}
	it.seq = w.seq.Add(1)
	if it.binary {
		select {
		case w.inbox <- it:
		default:
			slog.Warn("writer: mailbox full, dropping audio frame")
		}
		return
	}
	select {
	case w.inbox <- it:
	case <-w.done:
	}
}

// BeginSentence advances to a new sentence generation and returns it. Frames
// of a later generation always sort after frames of an earlier one.
func (w *Writer) BeginSentence() uint64 {
	return w.gen.Add(1)
}

// Control submits a JSON control message at the head of the current
// generation. Used for everything that is not sentence audio framing:
// transcripts, status, acks, subtitles, llm_response, tts_stop.
func (w *Writer) Control(msg any) {
	w.submit(outItem{gen: w.gen.Load(), prio: prioStart, data: mustJSON(msg)})
}

// Error submits an error message with the error sentinel priority, so it
// sorts after any queued audio of the current sentence.
func (w *Writer) Error(msg ErrorMessage) {
	w.submit(outItem{gen: w.gen.Load(), prio: prioError, data: mustJSON(msg)})
}

// Terminate submits a control message behind any audio already queued for
// the current sentence. Used for tts_stop so a cancelled sentence's queued
// chunks flush before the client is told to drop its buffer.
func (w *Writer) Terminate(msg ControlMessage) {
	w.submit(outItem{gen: w.gen.Load(), prio: prioError, data: mustJSON(msg)})
}

// SentenceStart submits the tts_start message for generation gen.
func (w *Writer) SentenceStart(gen uint64, msg TTSStartMessage) {
	w.submit(outItem{gen: gen, prio: prioStart, data: mustJSON(msg)})
}

// AudioChunk submits PCM chunk number chunk (1-based) of generation gen.
func (w *Writer) AudioChunk(gen uint64, chunk int, pcm []byte) {
	w.submit(outItem{gen: gen, prio: int64(chunk), binary: true, data: pcm})
}

// SentenceEnd submits the tts_end marker after chunkCount audio chunks of
// generation gen.
func (w *Writer) SentenceEnd(gen uint64, chunkCount int, msg ControlMessage) {
	w.submit(outItem{gen: gen, prio: int64(chunkCount) + 1, data: mustJSON(msg)})
}

// SentenceStop submits the tts_stop marker for a cancelled sentence, sorted
// after the lastChunk audio chunks already submitted.
func (w *Writer) SentenceStop(gen uint64, lastChunk int, msg ControlMessage) {
	w.submit(outItem{gen: gen, prio: int64(lastChunk) + 1, data: mustJSON(msg)})
}
