package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load builds the configuration from defaults, an optional YAML file, and
// the environment, in that order — later sources override earlier ones.
// path may be empty, in which case only defaults and environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds the configuration from defaults and the environment only.
func FromEnv() (*Config, error) {
	return Load("")
}

// LoadFromReader decodes a YAML config from r on top of the defaults,
// applies environment overrides, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeYAML decodes r into cfg, rejecting unknown fields. An empty
// document leaves cfg untouched.
func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// applyEnv overrides cfg fields from environment variables. The LLM_* names
// are the primary spelling; the OPENAI_* aliases are accepted for
// compatibility with older deployments.
func applyEnv(cfg *Config) {
	setStr(&cfg.Server.ListenAddr, "LISTEN_ADDR")
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	setBool(&cfg.Server.Debug, "DEBUG")
	setInt(&cfg.Server.PingIntervalSec, "WEBSOCKET_PING_INTERVAL")

	setStr(&cfg.Providers.ASR, "ASR_PROVIDER")
	setStr(&cfg.Providers.LLM, "LLM_PROVIDER")
	setStr(&cfg.Providers.TTS, "TTS_PROVIDER")

	setStr(&cfg.Azure.SpeechKey, "AZURE_SPEECH_KEY")
	setStr(&cfg.Azure.SpeechRegion, "AZURE_SPEECH_REGION")
	if v, ok := lookup("AZURE_SPEECH_CLOUD"); ok {
		cfg.Azure.Cloud = Cloud(strings.ToLower(v))
	}
	setStr(&cfg.Azure.TTSVoice, "AZURE_TTS_VOICE")

	setStr(&cfg.MiniMax.APIKey, "MINIMAX_API_KEY")
	setStr(&cfg.MiniMax.GroupID, "MINIMAX_GROUP_ID")
	setStr(&cfg.MiniMax.VoiceID, "MINIMAX_VOICE_ID")

	setStr(&cfg.LLM.APIKey, "LLM_API_KEY", "OPENAI_API_KEY")
	setStr(&cfg.LLM.BaseURL, "LLM_BASE_URL", "OPENAI_BASE_URL")
	setStr(&cfg.LLM.Model, "LLM_MODEL", "OPENAI_MODEL")
	setStr(&cfg.LLM.SystemPrompt, "LLM_SYSTEM_PROMPT", "OPENAI_SYSTEM_PROMPT")

	setStr(&cfg.ASR.Language, "ASR_LANGUAGE")
	setFloat(&cfg.VAD.EnergyThreshold, "VOICE_ENERGY_THRESHOLD")
	setInt(&cfg.Session.TimeoutSec, "SESSION_TIMEOUT")

	if v, ok := lookup("HOTWORDS"); ok {
		cfg.Hotwords = splitList(v)
	}

	if cfg.Server.Debug {
		cfg.Server.LogLevel = LogDebug
	}
}

// lookup returns the value of the first set, non-empty environment variable
// among names.
func lookup(names ...string) (string, bool) {
	for _, n := range names {
		if v, ok := os.LookupEnv(n); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func setStr(dst *string, names ...string) {
	if v, ok := lookup(names...); ok {
		*dst = v
	}
}

func setInt(dst *int, names ...string) {
	v, ok := lookup(names...)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring non-integer environment value", "name", names[0], "value", v)
		return
	}
	*dst = n
}

func setFloat(dst *float64, names ...string) {
	v, ok := lookup(names...)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring non-numeric environment value", "name", names[0], "value", v)
		return
	}
	*dst = f
}

func setBool(dst *bool, names ...string) {
	if v, ok := lookup(names...); ok {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

// splitList splits a comma-separated value, trimming whitespace and dropping
// empty entries.
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
