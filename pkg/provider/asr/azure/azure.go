// Package azure provides an asr.Provider backed by the Azure Speech
// real-time websocket API.
//
// The wire protocol frames every message with a small header block. Text
// messages carry CRLF-separated headers, a blank line, then a JSON body;
// binary (audio) messages carry a big-endian uint16 header length, the same
// header block, then raw payload. Recognition events arrive on the paths
// speech.hypothesis (interim) and speech.phrase (committed).
package azure

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/parleyvoice/parley/pkg/audio"
	"github.com/parleyvoice/parley/pkg/provider/asr"
)

// Cloud selects the Azure endpoint family.
type Cloud string

const (
	// CloudGlobal targets *.stt.speech.microsoft.com.
	CloudGlobal Cloud = "global"
	// CloudChina targets *.stt.speech.azure.cn (Azure operated by 21Vianet).
	CloudChina Cloud = "china"
)

const (
	globalEndpoint = "wss://%s.stt.speech.microsoft.com/speech/recognition/conversation/cognitiveservices/v1"
	chinaEndpoint  = "wss://%s.stt.speech.azure.cn/speech/recognition/conversation/cognitiveservices/v1"

	defaultLanguage = "zh-CN"

	resultChanBuf = 64
	audioChanBuf  = 256
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 recognition language (e.g. "zh-CN", "en-US").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		if language != "" {
			p.language = language
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

// Provider implements asr.Provider against the Azure Speech streaming API.
type Provider struct {
	key      string
	region   string
	language string
	cloud    Cloud
}

var _ asr.Provider = (*Provider)(nil)

// New creates an Azure Speech provider. key and region must be non-empty.
func New(key, region string, opts ...Option) (*Provider, error) {
	if key == "" {
		return nil, errors.New("azure: subscription key must not be empty")
	}
	if region == "" {
		return nil, errors.New("azure: region must not be empty")
	}
	p := &Provider{
		key:      key,
		region:   region,
		language: defaultLanguage,
		cloud:    CloudGlobal,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// NewRecognizer implements asr.Provider.
func (p *Provider) NewRecognizer(ctx context.Context) (asr.Recognizer, error) {
	wsURL, err := p.buildURL()
	if err != nil {
		return nil, fmt.Errorf("azure: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Ocp-Apim-Subscription-Key", p.key)
	headers.Set("X-ConnectionId", requestID())

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		// Keep the vendor status line in the error; a 401 here is the
		// operator's only hint that the key or region is wrong.
		if resp != nil {
			return nil, fmt.Errorf("azure: dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("azure: dial: %w", err)
	}

	r := &recognizer{
		conn:      conn,
		requestID: requestID(),
		results:   make(chan asr.Result, resultChanBuf),
		audio:     make(chan []byte, audioChanBuf),
		done:      make(chan struct{}),
	}

	if err := r.sendSpeechConfig(ctx); err != nil {
		conn.Close(websocket.StatusInternalError, "speech.config failed")
		return nil, fmt.Errorf("azure: speech.config: %w", err)
	}

	r.wg.Add(2)
	go r.readLoop(ctx)
	go r.writeLoop(ctx)

	return r, nil
}

func (p *Provider) buildURL() (string, error) {
	tmpl := globalEndpoint
	if p.cloud == CloudChina {
		tmpl = chinaEndpoint
	}
	u, err := url.Parse(fmt.Sprintf(tmpl, p.region))
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("language", p.language)
	q.Set("format", "simple")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// requestID returns a UUID without dashes, the format Azure expects in
// X-RequestId and X-ConnectionId headers.
func requestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ---- recognizer ----

// recognizer is a live Azure streaming session. It implements asr.Recognizer.
type recognizer struct {
	conn      *websocket.Conn
	requestID string
	results   chan asr.Result
	audio     chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	wroteWAVHeader bool

	// lastPartial is owned by readLoop; promoted to a final when the
	// vendor ends the session without committing the utterance.
	lastPartial string
}

var _ asr.Recognizer = (*recognizer)(nil)

// FeedAudio implements asr.Recognizer. The chunk is copied before queuing.
func (r *recognizer) FeedAudio(chunk []byte) error {
	select {
	case <-r.done:
		return errors.New("azure: recognizer is stopped")
	default:
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	select {
	case r.audio <- buf:
		return nil
	case <-r.done:
		return errors.New("azure: recognizer is stopped")
	}
}

// Results implements asr.Recognizer.
func (r *recognizer) Results() <-chan asr.Result { return r.results }

// Stop implements asr.Recognizer. It signals end-of-stream, closes the
// connection, and waits for both loops, bounded by ctx. The service keeps
// the conversation socket open after the stream ends, so the read loop only
// unblocks once the connection is closed from our side.
func (r *recognizer) Stop(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		close(r.done)
		// A zero-length audio message tells Azure the stream is done so
		// it flushes the pending hypothesis.
		_ = r.writeAudioMessage(ctx, nil)
		r.conn.Close(websocket.StatusNormalClosure, "recognition stopped")

		finished := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// sendSpeechConfig announces the client context. Azure requires it before
// the first audio message.
func (r *recognizer) sendSpeechConfig(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{
		"context": map[string]any{
			"system": map[string]string{"name": "parley", "version": "1.0"},
			"os":     map[string]string{"platform": "server", "name": "linux"},
		},
	})
	if err != nil {
		return err
	}
	var msg bytes.Buffer
	writeHeaders(&msg, "speech.config", r.requestID, "application/json; charset=utf-8")
	msg.Write(body)
	return r.conn.Write(ctx, websocket.MessageText, msg.Bytes())
}

// writeAudioMessage frames one binary audio message. A nil payload marks the
// end of the stream.
func (r *recognizer) writeAudioMessage(ctx context.Context, pcm []byte) error {
	var hdr bytes.Buffer
	writeHeaders(&hdr, "audio", r.requestID, "audio/x-wav")

	payload := pcm
	if !r.wroteWAVHeader && len(pcm) > 0 {
		payload = append(wavHeader(), pcm...)
		r.wroteWAVHeader = true
	}

	msg := make([]byte, 2+hdr.Len()+len(payload))
	binary.BigEndian.PutUint16(msg[0:2], uint16(hdr.Len()))
	copy(msg[2:], hdr.Bytes())
	copy(msg[2+hdr.Len():], payload)
	return r.conn.Write(ctx, websocket.MessageBinary, msg)
}

// writeLoop drains the audio queue into framed binary messages.
func (r *recognizer) writeLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case chunk := <-r.audio:
			if err := r.writeAudioMessage(ctx, chunk); err != nil {
				return
			}
		case <-r.done:
			// Flush whatever is still queued.
			for {
				select {
				case chunk := <-r.audio:
					if err := r.writeAudioMessage(ctx, chunk); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// readLoop parses recognition events and forwards them in order.
func (r *recognizer) readLoop(ctx context.Context) {
	defer r.wg.Done()
	defer close(r.results)

	for {
		typ, msg, err := r.conn.Read(ctx)
		if err != nil {
			// Connection gone. Do not lose the utterance in flight.
			r.promotePartial()
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		path, body, ok := splitMessage(msg)
		if !ok {
			continue
		}

		switch path {
		case "speech.hypothesis":
			var h struct {
				Text string `json:"Text"`
			}
			if json.Unmarshal(body, &h) != nil || h.Text == "" {
				continue
			}
			r.lastPartial = h.Text
			r.emit(asr.Result{Text: h.Text})

		case "speech.phrase":
			var ph struct {
				RecognitionStatus string `json:"RecognitionStatus"`
				DisplayText       string `json:"DisplayText"`
			}
			if json.Unmarshal(body, &ph) != nil {
				continue
			}
			r.lastPartial = ""
			if ph.RecognitionStatus != "Success" || ph.DisplayText == "" {
				continue
			}
			r.emit(asr.Result{Text: ph.DisplayText, Final: true})

		case "turn.end":
			// The service closed the turn; an uncommitted hypothesis
			// will not get a phrase anymore.
			r.promotePartial()
		}
	}
}

func (r *recognizer) emit(res asr.Result) {
	select {
	case r.results <- res:
	case <-r.done:
	}
}

// promotePartial turns an uncommitted hypothesis into a final result.
func (r *recognizer) promotePartial() {
	if r.lastPartial == "" {
		return
	}
	r.emit(asr.Result{Text: r.lastPartial, Final: true})
	r.lastPartial = ""
}

// writeHeaders writes the CRLF header block shared by text and binary
// messages.
func writeHeaders(buf *bytes.Buffer, path, requestID, contentType string) {
	fmt.Fprintf(buf, "Path: %s\r\n", path)
	fmt.Fprintf(buf, "X-RequestId: %s\r\n", requestID)
	fmt.Fprintf(buf, "X-Timestamp: %s\r\n", time.Now().UTC().Format("2006-01-02T15:04:05.000Z"))
	fmt.Fprintf(buf, "Content-Type: %s\r\n", contentType)
	buf.WriteString("\r\n")
}

// splitMessage separates a text message into its Path header value and JSON
// body. Returns ok == false for messages without the expected framing.
func splitMessage(msg []byte) (path string, body []byte, ok bool) {
	head, body, found := bytes.Cut(msg, []byte("\r\n\r\n"))
	if !found {
		return "", nil, false
	}
	for _, line := range bytes.Split(head, []byte("\r\n")) {
		name, value, found := bytes.Cut(line, []byte(":"))
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(string(name)), "Path") {
			return strings.TrimSpace(string(value)), body, true
		}
	}
	return "", nil, false
}

// wavHeader returns a 44-byte RIFF header describing an unbounded PCM16LE
// mono 16 kHz stream. Azure reads the format chunk and ignores the declared
// lengths.
func wavHeader() []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := audio.SampleRate * channels * bitsPerSample / 8

	buf := make([]byte, 44)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], 0xFFFFFFFF)
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], audio.SampleRate)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], channels*bitsPerSample/8)
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], 0xFFFFFFFF)
	return buf
}
