// Package azure provides an Azure Speech-backed TTS provider using the REST
// synthesis endpoint. It implements the tts.Provider interface.
//
// Each Synthesize call issues one SSML POST and streams the raw PCM response
// body back in fixed-size chunks, so playback can start before the service
// has finished rendering the sentence.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/parleyvoice/parley/pkg/provider/tts"
)

// Cloud selects the Azure endpoint family.
type Cloud string

const (
	// CloudGlobal targets *.tts.speech.microsoft.com.
	CloudGlobal Cloud = "global"
	// CloudChina targets *.tts.speech.azure.cn (Azure operated by 21Vianet).
	CloudChina Cloud = "china"
)

const (
	globalEndpoint = "https://%s.tts.speech.microsoft.com/cognitiveservices/v1"
	chinaEndpoint  = "https://%s.tts.speech.azure.cn/cognitiveservices/v1"

	// outputFormat matches the rest of the pipeline: PCM16LE 16 kHz mono.
	outputFormat = "raw-16khz-16bit-mono-pcm"

	defaultVoice = "zh-CN-XiaoxiaoNeural"

	// pcmChunkSize is the size of each PCM chunk emitted on the audio
	// channel.
	pcmChunkSize = 4096

	audioChanBuf = 64
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithVoice sets the Azure neural voice name (e.g., "zh-CN-XiaoxiaoNeural").
func WithVoice(voice string) Option {
	return func(p *Provider) {
		if voice != "" {
			p.voice = voice
		}
	}
}

// WithCloud selects the endpoint family. Default is CloudGlobal.
func WithCloud(c Cloud) Option {
	return func(p *Provider) {
		if c != "" {
			p.cloud = c
		}
	}
}

// WithRate sets the SSML prosody rate (e.g., "+10.00%", "-5.00%").
func WithRate(rate string) Option {
	return func(p *Provider) {
		p.rate = rate
	}
}

// WithEndpoint overrides the endpoint template entirely. Used in tests; the
// template must contain one %s for the region.
func WithEndpoint(tmpl string) Option {
	return func(p *Provider) {
		if tmpl != "" {
			p.endpointTmpl = tmpl
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

// Provider implements tts.Provider against the Azure Speech REST API.
type Provider struct {
	key          string
	region       string
	voice        string
	rate         string
	cloud        Cloud
	endpointTmpl string
	client       *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates an Azure Speech TTS provider. key and region must be non-empty.
func New(key, region string, opts ...Option) (*Provider, error) {
	if key == "" {
		return nil, errors.New("azure: subscription key must not be empty")
	}
	if region == "" {
		return nil, errors.New("azure: region must not be empty")
	}
	p := &Provider{
		key:    key,
		region: region,
		voice:  defaultVoice,
		cloud:  CloudGlobal,
		client: tts.PooledClient(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.endpointTmpl == "" {
		p.endpointTmpl = globalEndpoint
		if p.cloud == CloudChina {
			p.endpointTmpl = chinaEndpoint
		}
	}
	return p, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	endpoint := fmt.Sprintf(p.endpointTmpl, p.region)
	body := p.buildSSML(text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("azure: build request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", p.key)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", outputFormat)
	req.Header.Set("User-Agent", "parley")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azure: request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		// The status line carries the distinction that matters
		// operationally: 401 bad key vs 400 bad SSML vs 429 throttling.
		return nil, fmt.Errorf("azure: unexpected status %s", resp.Status)
	}

	out := make(chan []byte, audioChanBuf)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		for {
			buf := make([]byte, pcmChunkSize)
			n, err := io.ReadFull(resp.Body, buf)
			if n > 0 {
				select {
				case out <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF && err != io.ErrUnexpectedEOF && ctx.Err() == nil {
					slog.Warn("azure: synthesis stream read failed", "err", err)
				}
				return
			}
		}
	}()

	return out, nil
}

// buildSSML wraps text in the synthesis envelope. Prosody is only emitted
// when a rate adjustment is configured.
func (p *Provider) buildSSML(text string) string {
	var b strings.Builder
	b.WriteString(`<speak version='1.0' xml:lang='zh-CN'>`)
	fmt.Fprintf(&b, `<voice name='%s'>`, p.voice)
	if p.rate != "" {
		fmt.Fprintf(&b, `<prosody rate='%s'>%s</prosody>`, p.rate, escapeXML(text))
	} else {
		b.WriteString(escapeXML(text))
	}
	b.WriteString(`</voice></speak>`)
	return b.String()
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"'", "&apos;",
	`"`, "&quot;",
)

func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}
