// Package server exposes the HTTP surface of Parley: the websocket voice
// endpoint, the embedded browser client, health and readiness probes, and the
// Prometheus metrics endpoint.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyvoice/parley/internal/config"
	"github.com/parleyvoice/parley/internal/health"
	"github.com/parleyvoice/parley/internal/observe"
	"github.com/parleyvoice/parley/internal/session"
	"github.com/parleyvoice/parley/internal/transcript"
	"github.com/parleyvoice/parley/pkg/provider/asr"
	"github.com/parleyvoice/parley/pkg/provider/llm"
	"github.com/parleyvoice/parley/pkg/provider/tts"
)

//go:embed static
var staticFiles embed.FS

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// Server wires the configured providers to the HTTP and websocket surface.
// One Server handles all sessions of the process.
type Server struct {
	cfg      *config.Config
	asr      asr.Provider
	llm      llm.Provider
	tts      tts.Provider
	sessions *session.Registry
	metrics  *observe.Metrics

	index []byte

	// Hot-reloadable settings. New connections pick them up; live sessions
	// keep the values they started with.
	mu           sync.RWMutex
	corrector    *transcript.Corrector
	systemPrompt string
	vadThreshold float64
}

// New assembles a Server. metrics defaults to [observe.DefaultMetrics] when
// nil. The embedded index page is read once at construction.
func New(cfg *config.Config, asrP asr.Provider, llmP llm.Provider, ttsP tts.Provider, sessions *session.Registry, metrics *observe.Metrics) (*Server, error) {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	index, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		return nil, fmt.Errorf("server: read embedded index: %w", err)
	}
	return &Server{
		cfg:          cfg,
		asr:          asrP,
		llm:          llmP,
		tts:          ttsP,
		sessions:     sessions,
		metrics:      metrics,
		index:        index,
		corrector:    transcript.New(cfg.Hotwords),
		systemPrompt: cfg.LLM.SystemPrompt,
		vadThreshold: cfg.VAD.EnergyThreshold,
	}, nil
}

// Reconfigure applies the hot-reloadable parts of a config change. Only new
// connections observe the updated values.
func (s *Server) Reconfigure(d config.ConfigDiff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.HotwordsChanged {
		s.corrector = transcript.New(d.NewHotwords)
		slog.Info("hotword list reloaded", "count", len(d.NewHotwords))
	}
	if d.SystemPromptChanged {
		s.systemPrompt = d.NewSystemPrompt
		slog.Info("system prompt reloaded")
	}
	if d.VADThresholdChanged {
		s.vadThreshold = d.NewVADThreshold
		slog.Info("vad threshold reloaded", "threshold", d.NewVADThreshold)
	}
}

// replySettings snapshots the hot-reloadable per-connection settings.
func (s *Server) replySettings() (corrector *transcript.Corrector, systemPrompt string, vadThreshold float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.corrector, s.systemPrompt, s.vadThreshold
}

// Handler builds the full route table. The websocket endpoint bypasses the
// observability middleware so a long-lived connection does not hold one HTTP
// span open for its whole life.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.Handle("GET /static/", s.staticHandler())
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(s.checkers()...).Register(mux)

	root := http.NewServeMux()
	root.HandleFunc("GET /ws", s.handleWS)
	root.Handle("/", observe.Middleware(s.metrics)(mux))
	return root
}

// Run serves the handler on addr until ctx is cancelled, then shuts down
// gracefully. Live websocket sessions are torn down by their own contexts.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("server listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(s.index)
}

func (s *Server) staticHandler() http.Handler {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		// The embed directive guarantees the directory exists.
		panic("server: embedded static tree missing: " + err.Error())
	}
	return http.StripPrefix("/static/", http.FileServerFS(sub))
}

// checkers builds the readiness checks: providers must be constructed, which
// catches a misconfigured provider selection before traffic arrives.
func (s *Server) checkers() []health.Checker {
	return []health.Checker{
		{
			Name: "providers",
			Check: func(context.Context) error {
				if s.asr == nil || s.llm == nil || s.tts == nil {
					return errors.New("provider not configured")
				}
				return nil
			},
		},
	}
}
