// Command parley is the realtime voice conversation server. It terminates
// browser websocket connections, streams microphone audio to the configured
// speech recognizer, generates replies with the configured language model,
// and streams synthesized speech back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/parleyvoice/parley/internal/config"
	"github.com/parleyvoice/parley/internal/observe"
	"github.com/parleyvoice/parley/internal/server"
	"github.com/parleyvoice/parley/internal/session"
	"github.com/parleyvoice/parley/pkg/provider/asr"
	azureasr "github.com/parleyvoice/parley/pkg/provider/asr/azure"
	asrmock "github.com/parleyvoice/parley/pkg/provider/asr/mock"
	"github.com/parleyvoice/parley/pkg/provider/llm"
	"github.com/parleyvoice/parley/pkg/provider/llm/anyllm"
	llmmock "github.com/parleyvoice/parley/pkg/provider/llm/mock"
	openaillm "github.com/parleyvoice/parley/pkg/provider/llm/openai"
	"github.com/parleyvoice/parley/pkg/provider/tts"
	azuretts "github.com/parleyvoice/parley/pkg/provider/tts/azure"
	"github.com/parleyvoice/parley/pkg/provider/tts/minimax"
	ttsmock "github.com/parleyvoice/parley/pkg/provider/tts/mock"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to an optional YAML configuration file (environment variables override it)")
	listenAddr := flag.String("listen", "", "listen address, overriding config and LISTEN_ADDR")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"version", version,
		"listen_addr", cfg.Server.ListenAddr,
		"asr", cfg.Providers.ASR,
		"llm", cfg.Providers.LLM,
		"tts", cfg.Providers.TTS,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	asrProvider, err := reg.CreateASR(cfg)
	if err != nil {
		slog.Error("failed to build ASR provider", "provider", cfg.Providers.ASR, "err", err)
		return 1
	}
	llmProvider, err := reg.CreateLLM(cfg)
	if err != nil {
		slog.Error("failed to build LLM provider", "provider", cfg.Providers.LLM, "err", err)
		return 1
	}
	ttsProvider, err := reg.CreateTTS(cfg)
	if err != nil {
		slog.Error("failed to build TTS provider", "provider", cfg.Providers.TTS, "err", err)
		return 1
	}

	// ── Sessions ──────────────────────────────────────────────────────────────
	sessions := session.NewRegistry()
	reaper := session.NewReaper(sessions, time.Duration(cfg.Session.TimeoutSec)*time.Second)
	go reaper.Run(ctx)

	// ── Server ────────────────────────────────────────────────────────────────
	srv, err := server.New(cfg, asrProvider, llmProvider, ttsProvider, sessions, observe.DefaultMetrics())
	if err != nil {
		slog.Error("failed to initialise server", "err", err)
		return 1
	}

	// ── Config hot-reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			diff := config.Diff(old, new)
			if !diff.HasChanges() {
				return
			}
			if diff.LogLevelChanged {
				level.Set(diff.NewLogLevel.Level())
				slog.Info("log level reloaded", "level", diff.NewLogLevel)
			}
			srv.Reconfigure(diff)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx, cfg.Server.ListenAddr); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyLLMBackends are the LLM backends served through the any-llm client.
// openai has a dedicated SDK implementation and is registered separately.
var anyLLMBackends = []string{
	"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires every provider implementation that ships
// with parley into reg, keyed by the names accepted in configuration.
func registerBuiltinProviders(reg *config.Registry) {
	// ── ASR ───────────────────────────────────────────────────────────────────
	reg.RegisterASR("azure", func(cfg *config.Config) (asr.Provider, error) {
		opts := []azureasr.Option{
			azureasr.WithLanguage(cfg.ASR.Language),
			azureasr.WithCloud(azureasr.Cloud(cfg.Azure.Cloud)),
		}
		return azureasr.New(cfg.Azure.SpeechKey, cfg.Azure.SpeechRegion, opts...)
	})
	reg.RegisterASR("mock", func(*config.Config) (asr.Provider, error) {
		return &asrmock.Provider{}, nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(cfg *config.Config) (llm.Provider, error) {
		var opts []openaillm.Option
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(cfg.LLM.BaseURL))
		}
		return openaillm.New(cfg.LLM.APIKey, cfg.LLM.Model, opts...)
	})
	for _, name := range anyLLMBackends {
		reg.RegisterLLM(name, func(cfg *config.Config) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if cfg.LLM.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(cfg.LLM.APIKey))
			}
			if cfg.LLM.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(cfg.LLM.BaseURL))
			}
			return anyllm.New(name, cfg.LLM.Model, opts...)
		})
	}
	// ollama is a local server; BaseURL is the address, no API key.
	reg.RegisterLLM("ollama", func(cfg *config.Config) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.LLM.BaseURL))
		}
		return anyllm.New("ollama", cfg.LLM.Model, opts...)
	})
	reg.RegisterLLM("mock", func(cfg *config.Config) (llm.Provider, error) {
		return &llmmock.Provider{
			StreamChunks: []llm.Chunk{
				{Text: "这是一个演示回复。"}, {FinishReason: "stop"},
			},
		}, nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("minimax", func(cfg *config.Config) (tts.Provider, error) {
		opts := []minimax.Option{
			minimax.WithVoice(cfg.MiniMax.VoiceID),
			minimax.WithHTTPClient(tts.PooledClient()),
		}
		return minimax.New(cfg.MiniMax.APIKey, cfg.MiniMax.GroupID, opts...)
	})
	reg.RegisterTTS("azure", func(cfg *config.Config) (tts.Provider, error) {
		opts := []azuretts.Option{
			azuretts.WithVoice(cfg.Azure.TTSVoice),
			azuretts.WithCloud(azuretts.Cloud(cfg.Azure.Cloud)),
			azuretts.WithHTTPClient(tts.PooledClient()),
		}
		return azuretts.New(cfg.Azure.SpeechKey, cfg.Azure.SpeechRegion, opts...)
	})
	reg.RegisterTTS("mock", func(*config.Config) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})
}
