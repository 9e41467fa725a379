package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/parleyvoice/parley/internal/config"
	"github.com/parleyvoice/parley/internal/observe"
	"github.com/parleyvoice/parley/internal/session"
	"github.com/parleyvoice/parley/pkg/provider/asr"
	asrmock "github.com/parleyvoice/parley/pkg/provider/asr/mock"
	"github.com/parleyvoice/parley/pkg/provider/llm"
	llmmock "github.com/parleyvoice/parley/pkg/provider/llm/mock"
	ttsmock "github.com/parleyvoice/parley/pkg/provider/tts/mock"
)

// testEnv bundles a running server and the mocks behind it.
type testEnv struct {
	http     *httptest.Server
	sessions *session.Registry
	asr      *asrmock.Provider
	llm      *llmmock.Provider
	tts      *ttsmock.Provider
}

func newTestEnv(t *testing.T, asrP *asrmock.Provider, llmP *llmmock.Provider, ttsP *ttsmock.Provider) *testEnv {
	t.Helper()

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	cfg := config.Default()
	cfg.Providers.ASR = "mock"
	cfg.Providers.LLM = "mock"
	cfg.Providers.TTS = "mock"
	cfg.Server.PingIntervalSec = 0

	sessions := session.NewRegistry()
	srv, err := New(cfg, asrP, llmP, ttsP, sessions, metrics)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{http: ts, sessions: sessions, asr: asrP, llm: llmP, tts: ttsP}
}

// wsClient dials the voice endpoint and records every inbound frame.
type wsClient struct {
	conn *websocket.Conn

	mu     sync.Mutex
	texts  []map[string]any
	binary [][]byte
}

func dialWS(t *testing.T, env *testEnv) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	c := &wsClient{conn: conn}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	go func() {
		for {
			typ, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			c.mu.Lock()
			if typ == websocket.MessageBinary {
				c.binary = append(c.binary, append([]byte(nil), data...))
			} else {
				var m map[string]any
				if json.Unmarshal(data, &m) == nil {
					c.texts = append(c.texts, m)
				}
			}
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *wsClient) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) sendBinary(t *testing.T, data []byte) {
	t.Helper()
	if err := c.conn.Write(context.Background(), websocket.MessageBinary, data); err != nil {
		t.Fatalf("write binary: %v", err)
	}
}

func (c *wsClient) messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, len(c.texts))
	copy(out, c.texts)
	return out
}

func (c *wsClient) binaryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.binary)
}

func (c *wsClient) has(pred func(map[string]any) bool) bool {
	for _, m := range c.messages() {
		if pred(m) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func typeIs(name string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == name }
}

// micFrame builds an inbound audio frame: 8-byte header plus constant
// amplitude samples.
func micFrame(samples int, amplitude int16) []byte {
	buf := make([]byte, 8+samples*2)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(time.Now().UnixMilli()))
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(buf[8+i*2:], uint16(amplitude))
	}
	return buf
}

func TestHTTPSurface(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &asrmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{})

	cases := []struct {
		path        string
		wantStatus  int
		wantContain string
	}{
		{"/", http.StatusOK, "<html"},
		{"/health", http.StatusOK, `"ok"`},
		{"/healthz", http.StatusOK, `"ok"`},
		{"/readyz", http.StatusOK, `"providers":"ok"`},
		{"/metrics", http.StatusOK, ""},
		{"/static/index.html", http.StatusOK, "<html"},
	}
	for _, c := range cases {
		resp, err := http.Get(env.http.URL + c.path)
		if err != nil {
			t.Fatalf("GET %s: %v", c.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != c.wantStatus {
			t.Errorf("GET %s status = %d, want %d", c.path, resp.StatusCode, c.wantStatus)
		}
		if c.wantContain != "" && !strings.Contains(string(body), c.wantContain) {
			t.Errorf("GET %s body missing %q", c.path, c.wantContain)
		}
	}
}

func TestWS_StartAndStop(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &asrmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{})
	c := dialWS(t, env)

	c.send(t, map[string]string{"type": "start"})
	waitFor(t, "listening status", func() bool {
		return c.has(func(m map[string]any) bool {
			return m["type"] == "status" && m["status"] == "listening"
		})
	})
	if env.asr.Calls() != 1 {
		t.Errorf("recognizer sessions = %d, want 1", env.asr.Calls())
	}

	c.send(t, map[string]string{"type": "stop"})
	waitFor(t, "stop acknowledgement", func() bool {
		return c.has(typeIs("stop_acknowledged"))
	})
	if !c.has(func(m map[string]any) bool {
		return m["type"] == "stop_acknowledged" && m["queues_cleared"] == true
	}) {
		t.Error("stop_acknowledged missing queues_cleared")
	}
	if !c.has(func(m map[string]any) bool {
		return m["type"] == "status" && m["status"] == "stopped"
	}) {
		t.Error("missing stopped status")
	}
}

func TestWS_MalformedAndUnknownCommands(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &asrmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{})
	c := dialWS(t, env)

	if err := c.conn.Write(context.Background(), websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "malformed command error", func() bool {
		return c.has(func(m map[string]any) bool {
			return m["type"] == "error" && m["message"] == "malformed command"
		})
	})

	c.send(t, map[string]string{"type": "rewind"})
	waitFor(t, "unknown command error", func() bool {
		return c.has(func(m map[string]any) bool {
			msg, _ := m["message"].(string)
			return m["type"] == "error" && strings.Contains(msg, "rewind")
		})
	})

	// The connection survives client misuse.
	c.send(t, map[string]string{"type": "start"})
	waitFor(t, "listening after errors", func() bool {
		return c.has(func(m map[string]any) bool {
			return m["type"] == "status" && m["status"] == "listening"
		})
	})
}

func TestWS_FullConversation(t *testing.T) {
	t.Parallel()

	rec := asrmock.NewRecognizer()
	env := newTestEnv(t,
		&asrmock.Provider{Recognizer: rec},
		&llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "你好呀。"}, {FinishReason: "stop"}}},
		&ttsmock.Provider{Chunks: [][]byte{{1, 1}, {2, 2}}},
	)
	c := dialWS(t, env)

	c.send(t, map[string]string{"type": "start"})
	waitFor(t, "listening", func() bool {
		return c.has(func(m map[string]any) bool { return m["status"] == "listening" })
	})

	rec.Emit(asr.Result{Text: "你"})
	rec.Emit(asr.Result{Text: "你好", Final: true})

	waitFor(t, "partial transcript", func() bool {
		return c.has(func(m map[string]any) bool {
			return m["type"] == "partial_transcript" && m["content"] == "你"
		})
	})
	waitFor(t, "final transcript", func() bool {
		return c.has(func(m map[string]any) bool {
			return m["type"] == "final_transcript" && m["content"] == "你好"
		})
	})
	waitFor(t, "complete reply", func() bool {
		return c.has(func(m map[string]any) bool {
			return m["type"] == "llm_response" && m["is_complete"] == true && m["content"] == "你好呀。"
		})
	})
	waitFor(t, "tts_end", func() bool { return c.has(typeIs("tts_end")) })
	waitFor(t, "audio frames", func() bool { return c.binaryCount() == 2 })

	if !c.has(func(m map[string]any) bool {
		return m["type"] == "tts_start" && m["is_first"] == true && m["format"] == "pcm"
	}) {
		t.Error("missing tts_start for first sentence")
	}
}

func TestWS_InterruptCommand(t *testing.T) {
	t.Parallel()

	rec := asrmock.NewRecognizer()
	env := newTestEnv(t,
		&asrmock.Provider{Recognizer: rec},
		&llmmock.Provider{
			ChunkDelay:   50 * time.Millisecond,
			StreamChunks: []llm.Chunk{{Text: "一。"}, {Text: "二。"}, {Text: "三。"}, {FinishReason: "stop"}},
		},
		&ttsmock.Provider{ChunkDelay: 50 * time.Millisecond, Chunks: [][]byte{{1}, {2}}},
	)
	c := dialWS(t, env)

	c.send(t, map[string]string{"type": "start"})
	waitFor(t, "listening", func() bool {
		return c.has(func(m map[string]any) bool { return m["status"] == "listening" })
	})

	rec.Emit(asr.Result{Text: "讲个故事", Final: true})
	waitFor(t, "reply streaming", func() bool {
		return c.has(func(m map[string]any) bool {
			return m["type"] == "subtitle" && m["is_complete"] == true
		})
	})

	c.send(t, map[string]string{"type": "interrupt"})
	waitFor(t, "interrupt acknowledged", func() bool {
		return c.has(typeIs("interrupt_acknowledged"))
	})
	waitFor(t, "interrupted reply", func() bool {
		return c.has(func(m map[string]any) bool {
			return m["type"] == "llm_response" && m["was_interrupted"] == true
		})
	})
	waitFor(t, "tts_stop", func() bool { return c.has(typeIs("tts_stop")) })
}

func TestWS_VADBargeIn(t *testing.T) {
	t.Parallel()

	rec := asrmock.NewRecognizer()
	env := newTestEnv(t,
		&asrmock.Provider{Recognizer: rec},
		&llmmock.Provider{
			ChunkDelay:   100 * time.Millisecond,
			StreamChunks: []llm.Chunk{{Text: "一。"}, {Text: "二。"}, {Text: "三。"}, {Text: "四。"}, {FinishReason: "stop"}},
		},
		&ttsmock.Provider{ChunkDelay: 100 * time.Millisecond, Chunks: [][]byte{{1}, {2}}},
	)
	c := dialWS(t, env)

	c.send(t, map[string]string{"type": "start"})
	waitFor(t, "listening", func() bool {
		return c.has(func(m map[string]any) bool { return m["status"] == "listening" })
	})

	rec.Emit(asr.Result{Text: "讲个故事", Final: true})
	waitFor(t, "reply underway", func() bool {
		return c.has(typeIs("llm_status"))
	})

	// A full detector window of loud packets while the reply streams.
	for i := 0; i < 25; i++ {
		c.sendBinary(t, micFrame(100, 20000))
	}

	waitFor(t, "barge-in interruption", func() bool {
		return c.has(func(m map[string]any) bool {
			return m["type"] == "llm_response" && m["was_interrupted"] == true
		})
	})
}

func TestWS_SilentAudioDoesNotInterrupt(t *testing.T) {
	t.Parallel()

	rec := asrmock.NewRecognizer()
	env := newTestEnv(t,
		&asrmock.Provider{Recognizer: rec},
		&llmmock.Provider{
			ChunkDelay:   20 * time.Millisecond,
			StreamChunks: []llm.Chunk{{Text: "好的。"}, {FinishReason: "stop"}},
		},
		&ttsmock.Provider{Chunks: [][]byte{{1}}},
	)
	c := dialWS(t, env)

	c.send(t, map[string]string{"type": "start"})
	waitFor(t, "listening", func() bool {
		return c.has(func(m map[string]any) bool { return m["status"] == "listening" })
	})

	rec.Emit(asr.Result{Text: "在吗", Final: true})
	for i := 0; i < 25; i++ {
		c.sendBinary(t, micFrame(100, 10)) // near-silence
	}

	waitFor(t, "completed reply", func() bool {
		return c.has(func(m map[string]any) bool {
			return m["type"] == "llm_response" && m["is_complete"] == true
		})
	})
	if c.has(func(m map[string]any) bool {
		return m["type"] == "llm_response" && m["was_interrupted"] == true
	}) {
		t.Error("silence triggered a barge-in")
	}
}

func TestWS_ShortFramesDiscarded(t *testing.T) {
	t.Parallel()

	rec := asrmock.NewRecognizer()
	env := newTestEnv(t, &asrmock.Provider{Recognizer: rec}, &llmmock.Provider{}, &ttsmock.Provider{})
	c := dialWS(t, env)

	c.send(t, map[string]string{"type": "start"})
	waitFor(t, "listening", func() bool {
		return c.has(func(m map[string]any) bool { return m["status"] == "listening" })
	})

	// One frame below the minimum size, one valid frame.
	c.sendBinary(t, []byte{1, 2, 3, 4, 5})
	c.sendBinary(t, micFrame(50, 100))

	waitFor(t, "valid frame delivered", func() bool {
		return len(rec.Fed()) == 1
	})
	if c.has(typeIs("error")) {
		t.Error("short frame produced an error message")
	}
}

func TestWS_ResetRecreatesRecognizer(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &asrmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{})
	c := dialWS(t, env)

	c.send(t, map[string]string{"type": "start"})
	waitFor(t, "first recognizer", func() bool { return env.asr.Calls() == 1 })

	start := time.Now()
	c.send(t, map[string]string{"type": "reset"})
	waitFor(t, "second recognizer", func() bool { return env.asr.Calls() == 2 })
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("reset took %v, want under 2s", elapsed)
	}

	// The old recognizer's shutdown is announced before the new one opens.
	waitFor(t, "stopped then listening again", func() bool {
		stoppedAt := -1
		for i, m := range c.messages() {
			if m["type"] != "status" {
				continue
			}
			switch m["status"] {
			case "stopped":
				stoppedAt = i
			case "listening":
				if stoppedAt >= 0 && i > stoppedAt {
					return true
				}
			}
		}
		return false
	})
}

func TestWS_PartialTranscriptEntersCapturing(t *testing.T) {
	t.Parallel()

	rec := asrmock.NewRecognizer()
	env := newTestEnv(t, &asrmock.Provider{Recognizer: rec}, &llmmock.Provider{}, &ttsmock.Provider{})
	c := dialWS(t, env)

	c.send(t, map[string]string{"type": "start"})
	waitFor(t, "listening", func() bool {
		return c.has(func(m map[string]any) bool { return m["status"] == "listening" })
	})

	rec.Emit(asr.Result{Text: "你"})
	waitFor(t, "capturing state", func() bool {
		for _, s := range env.sessions.Snapshot() {
			if s.State() == session.StateCapturing {
				return true
			}
		}
		return false
	})
}

func TestWS_RecognizerStartFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t,
		&asrmock.Provider{NewRecognizerErr: context.DeadlineExceeded},
		&llmmock.Provider{}, &ttsmock.Provider{})
	c := dialWS(t, env)

	c.send(t, map[string]string{"type": "start"})
	waitFor(t, "start failure error", func() bool {
		return c.has(func(m map[string]any) bool {
			return m["type"] == "error" && m["message"] == "failed to start speech recognition"
		})
	})
}

func TestWS_SessionRegisteredAndRemoved(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &asrmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{})
	c := dialWS(t, env)

	c.send(t, map[string]string{"type": "start"})
	waitFor(t, "session registered", func() bool { return env.sessions.Len() == 1 })

	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "session removed", func() bool { return env.sessions.Len() == 0 })
}

func TestWS_SessionsAreIsolated(t *testing.T) {
	t.Parallel()

	recA := asrmock.NewRecognizer()
	env := newTestEnv(t,
		&asrmock.Provider{Recognizer: recA},
		&llmmock.Provider{
			ChunkDelay:   30 * time.Millisecond,
			StreamChunks: []llm.Chunk{{Text: "一。"}, {Text: "二。"}, {FinishReason: "stop"}},
		},
		&ttsmock.Provider{Chunks: [][]byte{{1}}},
	)

	// Start A first so the shared mock recognizer belongs to A's session.
	a := dialWS(t, env)
	a.send(t, map[string]string{"type": "start"})
	waitFor(t, "A listening", func() bool {
		return a.has(func(m map[string]any) bool { return m["status"] == "listening" })
	})
	b := dialWS(t, env)
	waitFor(t, "both sessions registered", func() bool { return env.sessions.Len() == 2 })

	recA.Emit(asr.Result{Text: "你好", Final: true})
	waitFor(t, "reply to A underway", func() bool { return a.has(typeIs("llm_status")) })

	// Interrupting B must not disturb A.
	b.send(t, map[string]string{"type": "interrupt"})
	waitFor(t, "B acknowledged", func() bool { return b.has(typeIs("interrupt_acknowledged")) })

	waitFor(t, "A completes", func() bool {
		return a.has(func(m map[string]any) bool {
			return m["type"] == "llm_response" && m["is_complete"] == true && m["was_interrupted"] != true
		})
	})
}
