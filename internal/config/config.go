// Package config provides the configuration schema, loaders, and provider
// registry for the Parley voice server.
//
// Environment variables are the primary configuration source. An optional
// YAML file can supply the same settings; values from the environment always
// win. See [Load] for the merge order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// LogLevel controls log verbosity for the Parley server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to the corresponding [slog.Level]. Unrecognised values
// map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Cloud selects an Azure cloud environment for the Speech services.
type Cloud string

const (
	CloudGlobal Cloud = "global"
	CloudChina  Cloud = "china"
)

// IsValid reports whether c is a recognised cloud environment.
func (c Cloud) IsValid() bool {
	return c == CloudGlobal || c == CloudChina
}

// ValidProviderNames lists known provider names per pipeline stage. Used by
// [Validate] to reject provider selections that no factory can serve.
var ValidProviderNames = map[string][]string{
	"asr": {"azure", "mock"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "mock"},
	"tts": {"azure", "minimax", "mock"},
}

// keylessLLMProviders run locally and need no API key.
var keylessLLMProviders = []string{"ollama", "llamacpp", "llamafile", "mock"}

// Config is the root configuration structure for Parley.
// Construct it with [Load] or [FromEnv] rather than by hand so that defaults
// and environment overrides are applied.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Azure     AzureConfig     `yaml:"azure"`
	MiniMax   MiniMaxConfig   `yaml:"minimax"`
	LLM       LLMConfig       `yaml:"llm"`
	ASR       ASRConfig       `yaml:"asr"`
	VAD       VADConfig       `yaml:"vad"`
	Session   SessionConfig   `yaml:"session"`

	// Hotwords lists domain terms that final transcripts are corrected
	// towards. Empty disables hotword correction.
	Hotwords []string `yaml:"hotwords"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Debug enables debug logging and verbose pipeline traces. Equivalent to
	// setting LogLevel to debug.
	Debug bool `yaml:"debug"`

	// PingIntervalSec is the websocket keepalive ping interval in seconds.
	PingIntervalSec int `yaml:"ping_interval_sec"`
}

// ProvidersConfig selects the provider implementation for each pipeline
// stage by name.
type ProvidersConfig struct {
	// ASR selects the speech recognizer: "azure" or "mock".
	ASR string `yaml:"asr"`

	// LLM selects the chat backend: "openai" or one of the any-llm backends.
	LLM string `yaml:"llm"`

	// TTS selects the synthesizer: "azure", "minimax", or "mock".
	TTS string `yaml:"tts"`
}

// AzureConfig holds Azure Speech credentials, shared by the ASR and TTS
// providers.
type AzureConfig struct {
	// SpeechKey is the Cognitive Services subscription key.
	SpeechKey string `yaml:"speech_key"`

	// SpeechRegion is the service region (e.g., "eastus", "chinaeast2").
	SpeechRegion string `yaml:"speech_region"`

	// Cloud selects the global or China endpoints.
	Cloud Cloud `yaml:"cloud"`

	// TTSVoice is the synthesis voice name.
	TTSVoice string `yaml:"tts_voice"`
}

// MiniMaxConfig holds MiniMax TTS settings.
type MiniMaxConfig struct {
	// APIKey is the MiniMax API bearer token.
	APIKey string `yaml:"api_key"`

	// GroupID is appended as a query parameter when set.
	GroupID string `yaml:"group_id"`

	// VoiceID selects the synthesis voice.
	VoiceID string `yaml:"voice_id"`
}

// LLMConfig holds chat completion settings shared by all LLM providers.
type LLMConfig struct {
	// APIKey is the provider API key.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint. Useful for
	// OpenAI-compatible gateways.
	BaseURL string `yaml:"base_url"`

	// Model is the model name (e.g., "gpt-3.5-turbo").
	Model string `yaml:"model"`

	// SystemPrompt is injected as the system message of every completion.
	SystemPrompt string `yaml:"system_prompt"`
}

// ASRConfig holds recognition settings.
type ASRConfig struct {
	// Language is the BCP-47 recognition language tag.
	Language string `yaml:"language"`
}

// VADConfig holds voice activity detection tuning.
type VADConfig struct {
	// EnergyThreshold is the normalised mean-absolute amplitude above which a
	// packet counts as voiced. Range (0, 1].
	EnergyThreshold float64 `yaml:"energy_threshold"`
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	// TimeoutSec is the idle time in seconds after which a session is reaped.
	TimeoutSec int `yaml:"timeout_sec"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			LogLevel:        LogInfo,
			PingIntervalSec: 30,
		},
		Providers: ProvidersConfig{
			ASR: "azure",
			LLM: "openai",
			TTS: "azure",
		},
		Azure: AzureConfig{
			Cloud:    CloudGlobal,
			TTSVoice: "zh-CN-XiaoxiaoNeural",
		},
		MiniMax: MiniMaxConfig{
			VoiceID: "male-qn-qingse",
		},
		LLM: LLMConfig{
			Model:        "gpt-3.5-turbo",
			SystemPrompt: "You are an intelligent voice assistant. Please provide concise, conversational answers.",
		},
		ASR: ASRConfig{
			Language: "zh-CN",
		},
		VAD: VADConfig{
			EnergyThreshold: 0.05,
		},
		Session: SessionConfig{
			TimeoutSec: 600,
		},
	}
}

// Validate checks that cfg contains a coherent set of values. Missing
// credentials are fatal only for the providers actually selected; everything
// else that looks suspicious is logged as a warning. Returns a joined error
// listing all failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PingIntervalSec < 0 {
		errs = append(errs, fmt.Errorf("server.ping_interval_sec %d must not be negative", cfg.Server.PingIntervalSec))
	}

	errs = append(errs, validateProviderName("asr", cfg.Providers.ASR)...)
	errs = append(errs, validateProviderName("llm", cfg.Providers.LLM)...)
	errs = append(errs, validateProviderName("tts", cfg.Providers.TTS)...)

	// Credentials are required only for the selected providers.
	if cfg.Providers.ASR == "azure" || cfg.Providers.TTS == "azure" {
		if cfg.Azure.SpeechKey == "" {
			errs = append(errs, errors.New("azure.speech_key is required when an Azure provider is selected (AZURE_SPEECH_KEY)"))
		}
		if cfg.Azure.SpeechRegion == "" {
			errs = append(errs, errors.New("azure.speech_region is required when an Azure provider is selected (AZURE_SPEECH_REGION)"))
		}
	} else if cfg.Azure.SpeechKey == "" {
		slog.Warn("azure speech credentials not set; azure providers unavailable")
	}

	if cfg.Providers.TTS == "minimax" && cfg.MiniMax.APIKey == "" {
		errs = append(errs, errors.New("minimax.api_key is required when the minimax TTS provider is selected (MINIMAX_API_KEY)"))
	}

	if needsLLMKey(cfg.Providers.LLM) && cfg.LLM.APIKey == "" {
		errs = append(errs, fmt.Errorf("llm.api_key is required for the %q LLM provider (LLM_API_KEY)", cfg.Providers.LLM))
	}

	if cfg.Azure.Cloud != "" && !cfg.Azure.Cloud.IsValid() {
		errs = append(errs, fmt.Errorf("azure.cloud %q is invalid; valid values: global, china", cfg.Azure.Cloud))
	}

	if t := cfg.VAD.EnergyThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("vad.energy_threshold %.3f is out of range (0, 1]", t))
	}
	if cfg.Session.TimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("session.timeout_sec %d must be positive", cfg.Session.TimeoutSec))
	}

	for i, hw := range cfg.Hotwords {
		if hw == "" {
			errs = append(errs, fmt.Errorf("hotwords[%d] is empty", i))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName returns an error when name is not in the known set
// for the given stage. An unknown selected provider has no factory, so this
// is fatal rather than a warning.
func validateProviderName(kind, name string) []error {
	if name == "" {
		return []error{fmt.Errorf("providers.%s is required", kind)}
	}
	known := ValidProviderNames[kind]
	if slices.Contains(known, name) {
		return nil
	}
	return []error{fmt.Errorf("providers.%s %q is unknown; valid values: %v", kind, name, known)}
}

// needsLLMKey reports whether the named LLM provider requires an API key.
func needsLLMKey(name string) bool {
	return !slices.Contains(keylessLLMProviders, name)
}
