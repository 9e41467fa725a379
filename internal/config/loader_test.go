package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parleyvoice/parley/internal/config"
)

// allEnvVars lists every environment variable the loader reads, so tests can
// start from a clean slate regardless of the host environment.
var allEnvVars = []string{
	"LISTEN_ADDR", "LOG_LEVEL", "DEBUG", "WEBSOCKET_PING_INTERVAL",
	"ASR_PROVIDER", "LLM_PROVIDER", "TTS_PROVIDER",
	"AZURE_SPEECH_KEY", "AZURE_SPEECH_REGION", "AZURE_SPEECH_CLOUD", "AZURE_TTS_VOICE",
	"MINIMAX_API_KEY", "MINIMAX_GROUP_ID", "MINIMAX_VOICE_ID",
	"LLM_API_KEY", "LLM_BASE_URL", "LLM_MODEL", "LLM_SYSTEM_PROMPT",
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL", "OPENAI_SYSTEM_PROMPT",
	"ASR_LANGUAGE", "VOICE_ENERGY_THRESHOLD", "SESSION_TIMEOUT", "HOTWORDS",
}

// clearEnv unsets all loader environment variables for the duration of the
// test. Tests using it must not call t.Parallel.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range allEnvVars {
		t.Setenv(name, "")
	}
}

func TestFromEnv_DefaultsWithMockProviders(t *testing.T) {
	clearEnv(t)
	t.Setenv("ASR_PROVIDER", "mock")
	t.Setenv("LLM_PROVIDER", "mock")
	t.Setenv("TTS_PROVIDER", "mock")

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.ASR.Language != "zh-CN" {
		t.Errorf("Language = %q, want zh-CN", cfg.ASR.Language)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ASR_PROVIDER", "azure")
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("TTS_PROVIDER", "minimax")
	t.Setenv("AZURE_SPEECH_KEY", "azkey")
	t.Setenv("AZURE_SPEECH_REGION", "chinaeast2")
	t.Setenv("AZURE_SPEECH_CLOUD", "china")
	t.Setenv("MINIMAX_API_KEY", "mmkey")
	t.Setenv("MINIMAX_GROUP_ID", "g-123")
	t.Setenv("LLM_API_KEY", "sk-test")
	t.Setenv("LLM_MODEL", "gpt-4o-mini")
	t.Setenv("LLM_SYSTEM_PROMPT", "Be terse.")
	t.Setenv("VOICE_ENERGY_THRESHOLD", "0.08")
	t.Setenv("SESSION_TIMEOUT", "120")
	t.Setenv("HOTWORDS", "Grafana, Kubernetes ,Prometheus")
	t.Setenv("LISTEN_ADDR", ":9000")

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}

	if cfg.Azure.SpeechKey != "azkey" || cfg.Azure.SpeechRegion != "chinaeast2" {
		t.Errorf("azure = %+v", cfg.Azure)
	}
	if cfg.Azure.Cloud != config.CloudChina {
		t.Errorf("Cloud = %q, want china", cfg.Azure.Cloud)
	}
	if cfg.MiniMax.APIKey != "mmkey" || cfg.MiniMax.GroupID != "g-123" {
		t.Errorf("minimax = %+v", cfg.MiniMax)
	}
	if cfg.LLM.Model != "gpt-4o-mini" || cfg.LLM.SystemPrompt != "Be terse." {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.VAD.EnergyThreshold != 0.08 {
		t.Errorf("EnergyThreshold = %v, want 0.08", cfg.VAD.EnergyThreshold)
	}
	if cfg.Session.TimeoutSec != 120 {
		t.Errorf("TimeoutSec = %d, want 120", cfg.Session.TimeoutSec)
	}
	want := []string{"Grafana", "Kubernetes", "Prometheus"}
	if len(cfg.Hotwords) != len(want) {
		t.Fatalf("Hotwords = %v, want %v", cfg.Hotwords, want)
	}
	for i := range want {
		if cfg.Hotwords[i] != want[i] {
			t.Errorf("Hotwords[%d] = %q, want %q", i, cfg.Hotwords[i], want[i])
		}
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want :9000", cfg.Server.ListenAddr)
	}
}

func TestFromEnv_OpenAIAliases(t *testing.T) {
	clearEnv(t)
	t.Setenv("ASR_PROVIDER", "mock")
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("TTS_PROVIDER", "mock")
	t.Setenv("OPENAI_API_KEY", "sk-legacy")
	t.Setenv("OPENAI_MODEL", "gpt-3.5-turbo-0125")

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.LLM.APIKey != "sk-legacy" {
		t.Errorf("APIKey = %q, want sk-legacy", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "gpt-3.5-turbo-0125" {
		t.Errorf("Model = %q, want gpt-3.5-turbo-0125", cfg.LLM.Model)
	}
}

func TestFromEnv_PrimaryNameWinsOverAlias(t *testing.T) {
	clearEnv(t)
	t.Setenv("ASR_PROVIDER", "mock")
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("TTS_PROVIDER", "mock")
	t.Setenv("LLM_API_KEY", "sk-new")
	t.Setenv("OPENAI_API_KEY", "sk-legacy")

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.LLM.APIKey != "sk-new" {
		t.Errorf("APIKey = %q, want sk-new (LLM_API_KEY wins)", cfg.LLM.APIKey)
	}
}

func TestFromEnv_DebugForcesDebugLevel(t *testing.T) {
	clearEnv(t)
	t.Setenv("ASR_PROVIDER", "mock")
	t.Setenv("LLM_PROVIDER", "mock")
	t.Setenv("TTS_PROVIDER", "mock")
	t.Setenv("DEBUG", "true")

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("LogLevel = %q, want debug", cfg.Server.LogLevel)
	}
	if !cfg.Server.Debug {
		t.Error("Debug = false, want true")
	}
}

func TestFromEnv_MalformedNumbersKeepDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("ASR_PROVIDER", "mock")
	t.Setenv("LLM_PROVIDER", "mock")
	t.Setenv("TTS_PROVIDER", "mock")
	t.Setenv("VOICE_ENERGY_THRESHOLD", "loud")
	t.Setenv("SESSION_TIMEOUT", "ten minutes")

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.VAD.EnergyThreshold != 0.05 {
		t.Errorf("EnergyThreshold = %v, want default 0.05", cfg.VAD.EnergyThreshold)
	}
	if cfg.Session.TimeoutSec != 600 {
		t.Errorf("TimeoutSec = %d, want default 600", cfg.Session.TimeoutSec)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  listen_addr: ":9090"
  log_level: warn
providers:
  asr: mock
  llm: mock
  tts: mock
vad:
  energy_threshold: 0.1
hotwords:
  - Grafana
  - Prometheus
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("LogLevel = %q, want warn", cfg.Server.LogLevel)
	}
	if cfg.VAD.EnergyThreshold != 0.1 {
		t.Errorf("EnergyThreshold = %v, want 0.1", cfg.VAD.EnergyThreshold)
	}
	if len(cfg.Hotwords) != 2 {
		t.Errorf("Hotwords = %v, want two entries", cfg.Hotwords)
	}
	// Untouched fields keep their defaults.
	if cfg.Session.TimeoutSec != 600 {
		t.Errorf("TimeoutSec = %d, want default 600", cfg.Session.TimeoutSec)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	t.Setenv("LISTEN_ADDR", ":7070")

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  listen_addr: ":9090"
providers:
  asr: mock
  llm: mock
  tts: mock
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want :7070 (env wins)", cfg.Server.ListenAddr)
	}
}

func TestLoad_UnknownYAMLFieldRejected(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
providers:
  asr: mock
  llm: mock
  tts: mock
volume: 11
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := config.Load(path); err == nil {
		t.Fatal("Load should reject unknown fields")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := config.Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("Load should fail for a missing file")
	}
}

func TestLoadFromReader_EmptyDocumentKeepsDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("ASR_PROVIDER", "mock")
	t.Setenv("LLM_PROVIDER", "mock")
	t.Setenv("TTS_PROVIDER", "mock")

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want default", cfg.Server.ListenAddr)
	}
}
