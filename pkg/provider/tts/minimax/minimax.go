// Package minimax provides a MiniMax-backed TTS provider using the t2a_v2
// streaming HTTP API. It implements the tts.Provider interface.
//
// The API responds with SSE-style framing: each audio block is one "data:"
// line carrying JSON with hex-encoded PCM. Blocks that fail to decode or do
// not look like PCM16 are dropped with a warning rather than aborting the
// sentence; the service occasionally interleaves status blocks and truncated
// frames during throttling.
package minimax

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/parleyvoice/parley/pkg/audio"
	"github.com/parleyvoice/parley/pkg/provider/tts"
)

const (
	defaultEndpoint = "https://api.minimax.chat/v1/t2a_v2"
	defaultModel    = "speech-02-hd"
	defaultVoiceID  = "male-qn-qingse"

	totalTimeout = 30 * time.Second

	audioChanBuf = 64
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithVoice sets the MiniMax voice ID.
func WithVoice(voiceID string) Option {
	return func(p *Provider) {
		if voiceID != "" {
			p.voiceID = voiceID
		}
	}
}

// WithModel overrides the synthesis model.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithEndpoint overrides the API endpoint. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		if endpoint != "" {
			p.endpoint = endpoint
		}
	}
}

// WithSpeed adjusts speaking rate (0.5 to 2.0, 1.0 = default).
func WithSpeed(speed float64) Option {
	return func(p *Provider) {
		if speed > 0 {
			p.speed = speed
		}
	}
}

// WithHTTPClient replaces the shared pooled client. Used in tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// Provider implements tts.Provider against the MiniMax t2a_v2 API.
type Provider struct {
	apiKey   string
	groupID  string
	endpoint string
	model    string
	voiceID  string
	speed    float64
	client   *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a MiniMax provider. apiKey must be non-empty; groupID is
// optional (some accounts scope the key itself).
func New(apiKey, groupID string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("minimax: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		groupID:  groupID,
		endpoint: defaultEndpoint,
		model:    defaultModel,
		voiceID:  defaultVoiceID,
		speed:    1.0,
		client:   tts.PooledClient(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// request is the t2a_v2 JSON body.
type request struct {
	Model        string       `json:"model"`
	Text         string       `json:"text"`
	Stream       bool         `json:"stream"`
	VoiceSetting voiceSetting `json:"voice_setting"`
	AudioSetting audioSetting `json:"audio_setting"`
}

type voiceSetting struct {
	VoiceID string  `json:"voice_id"`
	Speed   float64 `json:"speed"`
	Vol     float64 `json:"vol"`
	Pitch   int     `json:"pitch"`
}

type audioSetting struct {
	SampleRate int    `json:"sample_rate"`
	Format     string `json:"format"`
	Channel    int    `json:"channel"`
}

// dataBlock is one SSE "data:" payload. Blocks carrying extra_info are
// final-status frames without audio.
type dataBlock struct {
	Data struct {
		Audio string `json:"audio"`
	} `json:"data"`
	ExtraInfo json.RawMessage `json:"extra_info"`
	BaseResp  struct {
		StatusCode int    `json:"status_code"`
		StatusMsg  string `json:"status_msg"`
	} `json:"base_resp"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	body, err := json.Marshal(request{
		Model:  p.model,
		Text:   text,
		Stream: true,
		VoiceSetting: voiceSetting{
			VoiceID: p.voiceID,
			Speed:   p.speed,
			Vol:     1.0,
			Pitch:   0,
		},
		AudioSetting: audioSetting{
			SampleRate: audio.SampleRate,
			Format:     "pcm",
			Channel:    1,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("minimax: marshal request: %w", err)
	}

	endpoint := p.endpoint
	if p.groupID != "" {
		endpoint += "?GroupId=" + url.QueryEscape(p.groupID)
	}

	reqCtx, cancel := context.WithTimeout(ctx, totalTimeout)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("minimax: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("minimax: request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("minimax: unexpected status %s", resp.Status)
	}

	out := make(chan []byte, audioChanBuf)
	go func() {
		defer close(out)
		defer cancel()
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}

			var block dataBlock
			if err := json.Unmarshal([]byte(payload), &block); err != nil {
				slog.Warn("minimax: dropping undecodable data block", "err", err)
				continue
			}
			if block.BaseResp.StatusCode != 0 {
				slog.Warn("minimax: service error block",
					"status_code", block.BaseResp.StatusCode,
					"status_msg", block.BaseResp.StatusMsg)
				continue
			}
			// The closing frame repeats all audio alongside extra_info;
			// emitting it would duplicate the sentence.
			if len(block.ExtraInfo) > 0 || block.Data.Audio == "" {
				continue
			}

			pcm, err := hex.DecodeString(block.Data.Audio)
			if err != nil {
				slog.Warn("minimax: dropping block with invalid hex audio", "err", err)
				continue
			}
			if !likelyPCM16(pcm) {
				slog.Warn("minimax: dropping block that does not look like PCM16",
					"bytes", len(pcm))
				continue
			}

			select {
			case out <- pcm:
			case <-reqCtx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && reqCtx.Err() == nil {
			slog.Warn("minimax: stream read failed", "err", err)
		}
	}()

	return out, nil
}

// likelyPCM16 sanity-checks a decoded block: length must be sample-aligned
// and at least 90% of the first 10 samples must sit inside the plausible
// speech amplitude band. Hex-encoded JSON error text that slips through the
// block framing fails both.
func likelyPCM16(pcm []byte) bool {
	if len(pcm) == 0 || len(pcm)%audio.BytesPerSample != 0 {
		return false
	}
	n := len(pcm) / audio.BytesPerSample
	if n > 10 {
		n = 10
	}
	plausible := 0
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*audio.BytesPerSample:]))
		if s > -32000 && s < 32000 {
			plausible++
		}
	}
	return float64(plausible) >= 0.9*float64(n)
}
