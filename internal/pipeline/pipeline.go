package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parleyvoice/parley/internal/observe"
	"github.com/parleyvoice/parley/internal/resilience"
	"github.com/parleyvoice/parley/internal/session"
	"github.com/parleyvoice/parley/internal/transcript"
	"github.com/parleyvoice/parley/pkg/provider/llm"
	"github.com/parleyvoice/parley/pkg/provider/tts"
	"github.com/parleyvoice/parley/pkg/textseg"
)

// defaultLLMTimeout is the wall-clock bound on one streamed completion.
const defaultLLMTimeout = 30 * time.Second

// Config assembles a per-session pipeline.
type Config struct {
	Session *session.Session
	Writer  *Writer
	LLM     llm.Provider
	TTS     tts.Provider

	// Corrector applies hotword correction to final transcripts. May be nil.
	Corrector *transcript.Corrector

	// Metrics defaults to [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics

	// SystemPrompt is injected into every completion.
	SystemPrompt string

	// LLMName and TTSName label provider metrics.
	LLMName string
	TTSName string

	// LLMTimeout bounds one streamed completion. Defaults to 30s.
	LLMTimeout time.Duration
}

// Pipeline runs the three reply stages for one session:
//
//	stage A: final transcripts  -> supersede previous reply, forward to LLM
//	stage B: transcripts        -> streamed completion, sentence segmentation
//	stage C: sentences          -> serialized speech synthesis
//
// plus the writer that owns the transport. All stages exit when the session
// context is cancelled.
type Pipeline struct {
	sess      *session.Session
	w         *Writer
	llm       llm.Provider
	tts       tts.Provider
	corrector *transcript.Corrector
	metrics   *observe.Metrics

	systemPrompt string
	llmName      string
	ttsName      string
	llmTimeout   time.Duration

	llmBreaker *resilience.Breaker
	ttsBreaker *resilience.Breaker

	// ttsComplete serializes stage C: it holds a token when no synthesis is
	// in flight. Every exit path of a synthesis task re-arms it.
	ttsComplete chan struct{}

	log *slog.Logger
}

// New assembles a pipeline from cfg. It does not start any goroutines; call
// [Pipeline.Run].
func New(cfg Config) *Pipeline {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	timeout := cfg.LLMTimeout
	if timeout <= 0 {
		timeout = defaultLLMTimeout
	}
	p := &Pipeline{
		sess:         cfg.Session,
		w:            cfg.Writer,
		llm:          cfg.LLM,
		tts:          cfg.TTS,
		corrector:    cfg.Corrector,
		metrics:      m,
		systemPrompt: cfg.SystemPrompt,
		llmName:      cfg.LLMName,
		ttsName:      cfg.TTSName,
		llmTimeout:   timeout,
		llmBreaker:   resilience.NewBreaker(resilience.Config{Name: "llm"}),
		ttsBreaker:   resilience.NewBreaker(resilience.Config{Name: "tts"}),
		ttsComplete:  make(chan struct{}, 1),
		log:          slog.Default().With("session_id", cfg.Session.ID),
	}
	p.ttsComplete <- struct{}{}
	return p
}

// Run starts the writer and the three stages and blocks until ctx is
// cancelled. It always returns nil after a clean teardown.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.w.Run(ctx)
		return nil
	})
	g.Go(func() error { return p.forwardTranscripts(ctx) })
	g.Go(func() error { return p.generateReplies(ctx) })
	g.Go(func() error { return p.synthesizeSentences(ctx) })
	return g.Wait()
}

// Interrupt cancels the current utterance: the single tts_stop terminator is
// emitted, in-flight LLM and TTS tasks are cancelled, and queued sentences
// are dropped. Repeat calls while an interrupt is already pending are
// no-ops, so the client may mash the interrupt button freely. source labels
// the interrupts metric ("client", "vad", "stop").
func (p *Pipeline) Interrupt(source string) {
	if !p.sess.RequestInterrupt() {
		return
	}
	p.metrics.RecordInterrupt(context.Background(), source)
	p.w.Terminate(NewTTSStop(p.sess.ID))
	p.sess.CancelLLM()
	p.sess.CancelTTS()
	if n := p.sess.DrainTTS(); n > 0 {
		p.log.Debug("dropped queued sentences on interrupt", "count", n)
	}
}

// forwardTranscripts is stage A. Each final transcript supersedes whatever
// reply is in flight: queued and in-flight synthesis is cancelled and the
// client is told to drop buffered audio before the new transcript enters the
// LLM stage. Hotword correction is applied here so downstream stages only
// ever see corrected text.
func (p *Pipeline) forwardTranscripts(ctx context.Context) error {
	for {
		var t session.Transcript
		select {
		case <-ctx.Done():
			return nil
		case t = <-p.sess.ASROut:
		}

		p.w.Terminate(NewTTSStop(p.sess.ID))
		p.sess.RequestInterrupt()
		p.sess.CancelLLM()
		p.sess.CancelTTS()
		p.sess.DrainTTS()

		text := t.Text
		if p.corrector != nil && p.corrector.Enabled() {
			corrected, corrections := p.corrector.Correct(text)
			if len(corrections) > 0 {
				p.log.Info("hotword correction applied", "from", text, "to", corrected)
				text = corrected
			}
		}

		p.metrics.Utterances.Add(ctx, 1)

		select {
		case <-ctx.Done():
			return nil
		case p.sess.LLMIn <- session.Transcript{Seq: t.Seq, Text: text}:
		}
	}
}

// generateReplies is stage B. Completions run inline: a superseding
// transcript interrupts the in-flight one via the session's interrupt flag
// and LLM cancel handle, after which the loop dequeues the newer transcript.
func (p *Pipeline) generateReplies(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-p.sess.LLMIn:
			p.sess.ClearInterrupt()
			p.runCompletion(ctx, t)
		}
	}
}

// runCompletion streams one reply and feeds complete sentences to stage C.
func (p *Pipeline) runCompletion(ctx context.Context, t session.Transcript) {
	llmCtx, cancel := context.WithTimeout(ctx, p.llmTimeout)
	p.sess.SetLLMCancel(cancel)
	defer p.sess.CancelLLM()

	p.sess.SetProcessingLLM(true)
	defer p.sess.SetProcessingLLM(false)
	p.sess.SetState(session.StateReplying)
	defer p.maybeListening()

	p.w.Control(NewLLMProcessing(p.sess.ID))

	start := time.Now()
	var chunks <-chan llm.Chunk
	err := p.llmBreaker.Do(func() error {
		var err error
		chunks, err = p.llm.StreamCompletion(llmCtx, llm.CompletionRequest{
			Messages:     []llm.Message{{Role: "user", Content: t.Text}},
			SystemPrompt: p.systemPrompt,
		})
		return err
	})
	if err != nil {
		p.metrics.RecordProviderRequest(ctx, p.llmName, "llm", "error")
		p.metrics.RecordProviderError(ctx, p.llmName, "llm")
		p.log.Error("completion start failed", "err", err)
		p.w.Error(NewError(p.sess.ID, "LLM request failed"))
		return
	}
	p.metrics.RecordProviderRequest(ctx, p.llmName, "llm", "ok")

	var (
		seg         = &textseg.Segmenter{}
		collected   strings.Builder
		idx         int
		firstToken  bool
		interrupted bool
		failed      bool
	)

	for chunk := range chunks {
		if p.sess.Interrupted() {
			interrupted = true
			break
		}
		if chunk.Err() {
			if errors.Is(llmCtx.Err(), context.Canceled) {
				interrupted = true
				break
			}
			msg := "LLM stream failed"
			if errors.Is(llmCtx.Err(), context.DeadlineExceeded) {
				msg = "LLM stream timed out"
			}
			p.metrics.RecordProviderError(ctx, p.llmName, "llm")
			p.log.Error("completion stream failed", "reason", chunk.Text)
			p.w.Error(NewError(p.sess.ID, msg))
			failed = true
			break
		}
		if !firstToken {
			p.metrics.LLMFirstToken.Record(ctx, time.Since(start).Seconds())
			firstToken = true
		}

		collected.WriteString(chunk.Text)
		for _, sentence := range seg.Push(chunk.Text) {
			p.w.Control(NewSubtitle(p.sess.ID, sentence, true))
			select {
			case p.sess.TTSIn <- session.Sentence{Seq: t.Seq, Index: idx, Text: sentence}:
				idx++
			case <-llmCtx.Done():
				interrupted = true
			}
			if interrupted {
				break
			}
		}
		if interrupted {
			break
		}

		p.w.Control(NewSubtitle(p.sess.ID, seg.Pending(), false))
		p.w.Control(NewLLMResponse(p.sess.ID, collected.String(), false))
	}

	switch {
	case interrupted || p.sess.Interrupted():
		p.log.Info("completion interrupted", "utterance", t.Seq)
		p.w.Control(NewInterruptedResponse(p.sess.ID))
	case failed:
		// Error already emitted; the utterance ends here.
	default:
		if rest := seg.Flush(); strings.TrimSpace(rest) != "" {
			p.w.Control(NewSubtitle(p.sess.ID, rest, true))
			select {
			case p.sess.TTSIn <- session.Sentence{Seq: t.Seq, Index: idx, Text: rest}:
			case <-ctx.Done():
				return
			}
		}
		if collected.Len() == 0 {
			p.w.Error(NewError(p.sess.ID, "LLM produced no response"))
			return
		}
		p.w.Control(NewLLMResponse(p.sess.ID, collected.String(), true))
		p.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}
}

// synthesizeSentences is stage C. A sentence is dequeued only after the
// previous synthesis task has re-armed the completion signal, which keeps at
// most one synthesis in flight and delivers sentences in order regardless of
// vendor-side parallelism.
func (p *Pipeline) synthesizeSentences(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.ttsComplete:
		}

		select {
		case <-ctx.Done():
			return nil
		case s := <-p.sess.TTSIn:
			if s.Seq != p.sess.CurrentUtterance() || p.sess.Interrupted() {
				// Stale sentence from a superseded utterance.
				p.ttsComplete <- struct{}{}
				continue
			}
			ttsCtx, cancel := context.WithCancel(ctx)
			p.sess.SetTTSCancel(cancel)
			// An interrupt landing between the dequeue and the handle
			// install hits a cancel that is not yet ours; check again now
			// that the handle is in place.
			if s.Seq != p.sess.CurrentUtterance() || p.sess.Interrupted() {
				p.sess.CancelTTS()
				p.ttsComplete <- struct{}{}
				continue
			}
			go p.runSynthesis(ttsCtx, s)
		}
	}
}

// runSynthesis streams the audio of one sentence to the writer.
func (p *Pipeline) runSynthesis(ctx context.Context, s session.Sentence) {
	defer func() { p.ttsComplete <- struct{}{} }()
	p.sess.SetTTSActive(true)
	defer p.sess.SetTTSActive(false)
	defer p.maybeListening()

	start := time.Now()
	var chunks <-chan []byte
	err := p.ttsBreaker.Do(func() error {
		var err error
		chunks, err = p.tts.Synthesize(ctx, s.Text)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.metrics.RecordProviderRequest(ctx, p.ttsName, "tts", "error")
		p.metrics.RecordProviderError(ctx, p.ttsName, "tts")
		p.log.Error("synthesis failed", "utterance", s.Seq, "sentence", s.Index, "err", err)
		p.w.Error(NewError(p.sess.ID, "TTS synthesis failed"))
		return
	}
	p.metrics.RecordProviderRequest(ctx, p.ttsName, "tts", "ok")

	gen := p.w.BeginSentence()
	p.w.SentenceStart(gen, NewTTSStart(p.sess.ID, s.Text, s.Index == 0))

	n := 0
	for pcm := range chunks {
		if ctx.Err() != nil || p.sess.Interrupted() {
			break
		}
		n++
		p.w.AudioChunk(gen, n, pcm)
		p.metrics.AudioBytesOut.Add(ctx, int64(len(pcm)))
	}

	if ctx.Err() != nil || p.sess.Interrupted() {
		// Cancelled: the interrupt path already emitted the tts_stop
		// terminator; a cancelled sentence never gets a tts_end.
		return
	}

	p.w.SentenceEnd(gen, n, NewTTSEnd(p.sess.ID))
	p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
}

// maybeListening returns the session to the listening state once nothing is
// generating or synthesizing and no sentences remain queued.
func (p *Pipeline) maybeListening() {
	if !p.sess.Replying() && len(p.sess.TTSIn) == 0 && p.sess.Recognizing() {
		p.sess.SetState(session.StateListening)
	}
}
