package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/parleyvoice/parley/internal/pipeline"
	"github.com/parleyvoice/parley/internal/session"
	"github.com/parleyvoice/parley/internal/vad"
	"github.com/parleyvoice/parley/pkg/audio"
	"github.com/parleyvoice/parley/pkg/provider/asr"
)

const (
	// recognizerStopTimeout bounds the vendor-side flush on Stop.
	recognizerStopTimeout = 3 * time.Second

	// resetDelay separates stopping the old recognizer from opening the
	// new one, giving the vendor session time to release server-side
	// resources. Short enough that a reset round-trips well under 2s.
	resetDelay = time.Second
)

// wsConn adapts a coder/websocket connection to the writer's transport
// interface.
type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) WriteText(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) WriteBinary(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageBinary, data)
}

// clientConn is the per-connection state: the session, its pipeline and
// writer, the barge-in detector, and the current recognizer.
type clientConn struct {
	srv    *Server
	sess   *session.Session
	writer *pipeline.Writer
	pipe   *pipeline.Pipeline
	vad    *vad.Detector
	log    *slog.Logger

	mu  sync.Mutex
	rec asr.Recognizer
}

// handleWS upgrades the connection and runs the session until the client
// disconnects, the idle reaper closes the session, or the server shuts down.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	defer c.Close(websocket.StatusInternalError, "session ended")

	id := uuid.NewString()
	log := slog.Default().With("session_id", id)

	sess := session.New(r.Context(), id)
	s.sessions.Add(sess)
	s.metrics.ActiveSessions.Add(r.Context(), 1)
	log.Info("session opened", "remote", r.RemoteAddr)
	defer func() {
		s.sessions.Remove(id)
		sess.Close()
		s.metrics.ActiveSessions.Add(context.Background(), -1)
		log.Info("session closed")
	}()

	corrector, systemPrompt, vadThreshold := s.replySettings()

	writer := pipeline.NewWriter(wsConn{c})
	pipe := pipeline.New(pipeline.Config{
		Session:      sess,
		Writer:       writer,
		LLM:          s.llm,
		TTS:          s.tts,
		Corrector:    corrector,
		Metrics:      s.metrics,
		SystemPrompt: systemPrompt,
		LLMName:      s.cfg.Providers.LLM,
		TTSName:      s.cfg.Providers.TTS,
	})
	go func() { _ = pipe.Run(sess.Context()) }()

	cc := &clientConn{
		srv:    s,
		sess:   sess,
		writer: writer,
		pipe:   pipe,
		vad:    vad.New(vad.WithThreshold(vadThreshold)),
		log:    log,
	}

	if interval := s.cfg.Server.PingIntervalSec; interval > 0 {
		go cc.pingLoop(sess.Context(), c, time.Duration(interval)*time.Second)
	}

	cc.readLoop(sess.Context(), c)
	cc.stopRecognizer()
	c.Close(websocket.StatusNormalClosure, "")
}

// pingLoop keeps intermediate proxies from timing out an idle connection.
func (cc *clientConn) pingLoop(ctx context.Context, c *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Ping(ctx); err != nil {
				return
			}
		}
	}
}

// readLoop dispatches inbound frames until the connection or session dies.
func (cc *clientConn) readLoop(ctx context.Context, c *websocket.Conn) {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			cc.log.Debug("read loop ended", "err", err)
			return
		}
		cc.sess.Touch()
		switch typ {
		case websocket.MessageBinary:
			cc.handleAudio(ctx, data)
		case websocket.MessageText:
			cc.handleCommand(ctx, data)
		}
	}
}

// handleAudio processes one inbound microphone packet: VAD for barge-in
// first, then the recognizer. Undersized frames are dropped silently.
func (cc *clientConn) handleAudio(ctx context.Context, data []byte) {
	frame, err := audio.ParseFrame(data)
	if err != nil {
		return
	}
	cc.srv.metrics.AudioBytesIn.Add(ctx, int64(len(frame.PCM)))

	cc.vad.Feed(frame.PCM)
	if cc.sess.Replying() && cc.vad.ContinuousVoice() {
		cc.vad.Reset()
		cc.log.Info("barge-in detected")
		cc.pipe.Interrupt("vad")
	}

	if !cc.sess.Recognizing() {
		return
	}
	if rec := cc.recognizer(); rec != nil {
		if err := rec.FeedAudio(frame.PCM); err != nil {
			cc.log.Warn("recognizer rejected audio", "err", err)
		}
	}
}

// command is the inbound JSON envelope. Only type is significant.
type command struct {
	Type string `json:"type"`
}

// handleCommand dispatches one client command. Malformed or unknown commands
// produce an error message and change no state.
func (cc *clientConn) handleCommand(ctx context.Context, data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		cc.writer.Error(pipeline.NewError(cc.sess.ID, "malformed command"))
		return
	}
	switch cmd.Type {
	case "start":
		cc.startRecognition(ctx)
	case "stop":
		cc.stopRecognizer()
		cc.pipe.Interrupt("client")
		cc.sess.SetState(session.StateIdle)
		cc.writer.Control(pipeline.NewStatus(cc.sess.ID, "stopped"))
		cc.writer.Control(pipeline.NewStopAck(cc.sess.ID))
	case "reset":
		cc.pipe.Interrupt("client")
		cc.stopRecognizer()
		cc.writer.Control(pipeline.NewStatus(cc.sess.ID, "stopped"))
		time.Sleep(resetDelay)
		cc.startRecognition(ctx)
	case "interrupt":
		cc.pipe.Interrupt("client")
		cc.writer.Control(pipeline.NewInterruptAck(cc.sess.ID))
	default:
		cc.writer.Error(pipeline.NewError(cc.sess.ID, "unknown command type: "+cmd.Type))
	}
}

// startRecognition opens a recognizer if none is running and starts draining
// its results. Calling start while already listening is a no-op beyond
// re-sending the status.
func (cc *clientConn) startRecognition(ctx context.Context) {
	cc.mu.Lock()
	if cc.rec != nil {
		cc.mu.Unlock()
		cc.writer.Control(pipeline.NewStatus(cc.sess.ID, "listening"))
		return
	}
	rec, err := cc.srv.asr.NewRecognizer(ctx)
	if err != nil {
		cc.mu.Unlock()
		cc.log.Error("recognizer start failed", "err", err)
		cc.writer.Error(pipeline.NewError(cc.sess.ID, "failed to start speech recognition"))
		return
	}
	cc.rec = rec
	cc.mu.Unlock()

	cc.sess.SetRecognizing(true)
	cc.sess.SetState(session.StateListening)
	cc.writer.Control(pipeline.NewStatus(cc.sess.ID, "listening"))
	go cc.consumeResults(rec)
}

// stopRecognizer detaches and stops the current recognizer, if any.
// Detaching first lets consumeResults tell a deliberate stop from a vendor
// session dying underneath us.
func (cc *clientConn) stopRecognizer() {
	cc.mu.Lock()
	rec := cc.rec
	cc.rec = nil
	cc.mu.Unlock()
	cc.sess.SetRecognizing(false)
	if rec == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), recognizerStopTimeout)
	defer cancel()
	if err := rec.Stop(stopCtx); err != nil {
		cc.log.Warn("recognizer stop failed", "err", err)
	}
}

// recognizer returns the current recognizer, or nil.
func (cc *clientConn) recognizer() asr.Recognizer {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.rec
}

// consumeResults turns the recognizer's result stream into transcript
// messages and pipeline input. It exits when the recognizer stops; if the
// vendor session died without a deliberate stop, the client is told and the
// session stays alive for a reset.
func (cc *clientConn) consumeResults(rec asr.Recognizer) {
	var utteranceStart time.Time
	for res := range rec.Results() {
		cc.sess.Touch()

		if !res.Final {
			if utteranceStart.IsZero() {
				utteranceStart = time.Now()
			}
			// The user started talking; an in-flight reply keeps its state.
			if cc.sess.State() == session.StateListening {
				cc.sess.SetState(session.StateCapturing)
			}
			cc.writer.Control(pipeline.NewPartialTranscript(cc.sess.ID, res.Text))
			continue
		}

		cc.writer.Control(pipeline.NewFinalTranscript(cc.sess.ID, res.Text))
		if !utteranceStart.IsZero() {
			cc.srv.metrics.ASRDuration.Record(context.Background(), time.Since(utteranceStart).Seconds())
			utteranceStart = time.Time{}
		}

		seq := cc.sess.NextUtterance()
		select {
		case cc.sess.ASROut <- session.Transcript{Seq: seq, Text: res.Text}:
		default:
			cc.log.Warn("transcript queue full, dropping utterance", "seq", seq)
		}
	}

	// A deliberate stop detaches the recognizer before stopping it; if it
	// is still attached the vendor session ended on its own.
	cc.mu.Lock()
	died := cc.rec == rec
	if died {
		cc.rec = nil
	}
	cc.mu.Unlock()
	if died {
		cc.sess.SetRecognizing(false)
		cc.log.Warn("recognizer session ended unexpectedly")
		cc.writer.Error(pipeline.NewError(cc.sess.ID, "speech recognition ended unexpectedly"))
	}
}
