package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// credential changes require a restart.
type ConfigDiff struct {
	LogLevelChanged     bool
	NewLogLevel         LogLevel
	HotwordsChanged     bool
	NewHotwords         []string
	VADThresholdChanged bool
	NewVADThreshold     float64
	SystemPromptChanged bool
	NewSystemPrompt     string
}

// HasChanges reports whether any hot-reloadable field differs.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.HotwordsChanged || d.VADThresholdChanged || d.SystemPromptChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !slices.Equal(old.Hotwords, new.Hotwords) {
		d.HotwordsChanged = true
		d.NewHotwords = new.Hotwords
	}
	if old.VAD.EnergyThreshold != new.VAD.EnergyThreshold {
		d.VADThresholdChanged = true
		d.NewVADThreshold = new.VAD.EnergyThreshold
	}
	if old.LLM.SystemPrompt != new.LLM.SystemPrompt {
		d.SystemPromptChanged = true
		d.NewSystemPrompt = new.LLM.SystemPrompt
	}

	return d
}
