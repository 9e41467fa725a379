// Package vad implements the lightweight energy-based voice activity
// detector used for barge-in. It is deliberately cheap: a per-packet energy
// estimate over the leading samples, counted across a tumbling window of
// packets, is enough to notice the user talking over playback.
package vad

import (
	"github.com/parleyvoice/parley/pkg/audio"
)

// Defaults tuned against 16 kHz mono microphone capture.
const (
	// DefaultThreshold is the normalized energy above which a packet
	// counts as voiced.
	DefaultThreshold = 0.05

	// DefaultWindow is the number of packets per counting window.
	DefaultWindow = 20

	// DefaultVoiceRatio is the fraction of the window size that voiced
	// packets must exceed to signal continuous speech.
	DefaultVoiceRatio = 0.3

	// energySamples caps how many leading samples contribute to the
	// per-packet energy estimate.
	energySamples = 50
)

// Detector counts voiced packets over a tumbling window: the counters start
// over after every windowSize packets. A trigger does not wait for a full
// window, so speech is noticed as soon as enough voiced packets accumulate.
// It is not safe for concurrent use; each session owns one and feeds it from
// the websocket read loop.
type Detector struct {
	threshold  float64
	windowSize int
	voiceRatio float64

	packets int
	voiced  int
}

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold overrides the voiced-packet energy threshold.
func WithThreshold(t float64) Option {
	return func(d *Detector) {
		if t > 0 {
			d.threshold = t
		}
	}
}

// WithWindow overrides the window length in packets.
func WithWindow(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.windowSize = n
		}
	}
}

// WithVoiceRatio overrides the voiced fraction required for a trigger.
func WithVoiceRatio(r float64) Option {
	return func(d *Detector) {
		if r > 0 && r < 1 {
			d.voiceRatio = r
		}
	}
}

// New returns a Detector with the default tuning, adjusted by opts.
func New(opts ...Option) *Detector {
	d := &Detector{
		threshold:  DefaultThreshold,
		windowSize: DefaultWindow,
		voiceRatio: DefaultVoiceRatio,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Energy returns the normalized mean absolute amplitude of the first
// energySamples samples of a PCM16LE payload. Empty payloads score zero.
func Energy(pcm []byte) float64 {
	samples := audio.Samples(pcm)
	if len(samples) > energySamples {
		samples = samples[:energySamples]
	}
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return sum / float64(len(samples)) / 32768.0
}

// Feed records one packet and reports whether it was voiced. The counters
// tumble once a full window of packets has been recorded.
func (d *Detector) Feed(pcm []byte) bool {
	if d.packets >= d.windowSize {
		d.packets, d.voiced = 0, 0
	}
	voiced := Energy(pcm) > d.threshold
	d.packets++
	if voiced {
		d.voiced++
	}
	return voiced
}

// ContinuousVoice reports whether the voiced packets counted in the current
// window exceed the configured fraction of the window size. A partially
// filled window can trigger. Callers decide whether a trigger is actionable
// (the detector has no notion of playback state) and must Reset after acting
// on one.
func (d *Detector) ContinuousVoice() bool {
	return float64(d.voiced) > float64(d.windowSize)*d.voiceRatio
}

// Reset clears the counters. Called after a barge-in fires so one burst of
// speech produces a single trigger.
func (d *Detector) Reset() {
	d.packets, d.voiced = 0, 0
}
