package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentchat/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeModel struct {
	mu        sync.Mutex
	chat      func(ctx context.Context, prompt string) (Completion, error)
	modelsErr error
	prompts   []string
	started   chan struct{}
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		chat: func(context.Context, string) (Completion, error) {
			return Completion{Content: "ok"}, nil
		},
		started: make(chan struct{}, 8),
	}
}

func (m *fakeModel) Chat(ctx context.Context, prompt string) (Completion, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	chat := m.chat
	m.mu.Unlock()
	select {
	case m.started <- struct{}{}:
	default:
	}
	return chat(ctx, prompt)
}

func (m *fakeModel) Models(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.modelsErr != nil {
		return nil, m.modelsErr
	}
	return []string{"qwen3:latest"}, nil
}

func blockUntilDone(ctx context.Context, _ string) (Completion, error) {
	<-ctx.Done()
	return Completion{}, ctx.Err()
}

func newTestServer(t *testing.T, model *fakeModel, mutate ...func(*config.Config)) (*Server, http.Handler) {
	t.Helper()
	cfg := config.Default()
	cfg.Relay.AllowedOrigins = []string{"http://localhost:3000"}
	for _, fn := range mutate {
		fn(&cfg)
	}
	watch, err := NewUpstreamWatch(model, cfg.Relay.ProbeSchedule, time.Second)
	require.NoError(t, err)
	watch.Check(context.Background())
	s := NewServer(cfg, model, watch)
	return s, s.Handler(context.Background())
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestServer_ChatSplitsThinking(t *testing.T) {
	model := newFakeModel()
	model.chat = func(context.Context, string) (Completion, error) {
		return Completion{Content: "<think>add them</think>\n\n4"}, nil
	}
	_, h := newTestServer(t, model)

	w := do(h, http.MethodPost, "/chat", `{"message":"  2+2  ","timestamp":"2026-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "4", body["response"])
	assert.Equal(t, "add them", body["thinking"])
	assert.Contains(t, body, "executionTime")
	assert.Equal(t, []string{"2+2"}, model.prompts)
}

func TestServer_ChatEmptyAnswer(t *testing.T) {
	model := newFakeModel()
	model.chat = func(context.Context, string) (Completion, error) {
		return Completion{Content: "<think>hmm</think>"}, nil
	}
	_, h := newTestServer(t, model)

	body := decode(t, do(h, http.MethodPost, "/chat", `{"message":"x"}`))
	assert.Equal(t, "No response generated", body["response"])
}

func TestServer_ChatRejectsBadInput(t *testing.T) {
	_, h := newTestServer(t, newFakeModel())

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/chat", `{"message":"   "}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/chat", `not json`).Code)
}

func TestServer_ChatUpstreamUnreachable(t *testing.T) {
	model := newFakeModel()
	model.modelsErr = errors.New("connection refused")
	_, h := newTestServer(t, model)

	w := do(h, http.MethodPost, "/chat", `{"message":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, model.prompts)
}

func TestServer_ChatTransportErrorMarksUnreachable(t *testing.T) {
	model := newFakeModel()
	model.chat = func(context.Context, string) (Completion, error) {
		return Completion{}, errors.New("dial tcp: connection refused")
	}
	s, h := newTestServer(t, model)

	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodPost, "/chat", `{"message":"hi"}`).Code)
	assert.False(t, s.watch.Reachable())

	body := decode(t, do(h, http.MethodGet, "/health", ""))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, false, body["ollama_connected"])
}

func TestServer_ChatUpstreamError(t *testing.T) {
	model := newFakeModel()
	model.chat = func(context.Context, string) (Completion, error) {
		return Completion{}, &UpstreamError{Status: http.StatusNotFound, Body: "model not found"}
	}
	_, h := newTestServer(t, model)

	w := do(h, http.MethodPost, "/chat", `{"message":"hi"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, decode(t, w)["detail"], "404")
}

func TestServer_ChatTimeout(t *testing.T) {
	model := newFakeModel()
	model.chat = blockUntilDone
	_, h := newTestServer(t, model, func(cfg *config.Config) {
		cfg.Relay.UpstreamTimeout = 20 * time.Millisecond
	})

	assert.Equal(t, http.StatusGatewayTimeout, do(h, http.MethodPost, "/chat", `{"message":"slow"}`).Code)
}

func TestServer_StopCancelsInFlight(t *testing.T) {
	model := newFakeModel()
	model.chat = blockUntilDone
	s, h := newTestServer(t, model)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- do(h, http.MethodPost, "/chat", `{"message":"long"}`) }()
	<-model.started

	stop := decode(t, do(h, http.MethodPost, "/chat/stop", ""))
	assert.EqualValues(t, 1, stop["stopped"])

	select {
	case w := <-done:
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "generation was stopped", decode(t, w)["detail"])
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not cancel the generation")
	}
	assert.Zero(t, s.activeCount())
}

func TestServer_RateLimit(t *testing.T) {
	_, h := newTestServer(t, newFakeModel(), func(cfg *config.Config) {
		cfg.Relay.RateLimit = 0.001
		cfg.Relay.RateBurst = 1
	})

	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/chat", `{"message":"a"}`).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, http.MethodPost, "/chat", `{"message":"b"}`).Code)
}

func TestServer_HealthAndStatus(t *testing.T) {
	_, h := newTestServer(t, newFakeModel())

	health := decode(t, do(h, http.MethodGet, "/health", ""))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, true, health["ollama_connected"])
	assert.Equal(t, true, health["agent_ready"])

	status := decode(t, do(h, http.MethodGet, "/status", ""))
	assert.Equal(t, "connected", status["status"])
	assert.Equal(t, config.DefaultModel, status["model"])
	assert.Equal(t, true, status["modelPresent"])
	assert.EqualValues(t, config.DefaultContextSize, status["contextSize"])

	info := decode(t, do(h, http.MethodGet, "/", ""))
	assert.Equal(t, "running", info["status"])
}

func TestServer_CORS(t *testing.T) {
	_, h := newTestServer(t, newFakeModel())

	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSplitThinking(t *testing.T) {
	cases := []struct {
		name, raw, answer, thinking string
	}{
		{"plain", "just text", "just text", ""},
		{"single", "<think>a</think>b", "b", "a"},
		{"multiple", "<think>one</think>x\n\n\n\ny<think> two </think>", "x\n\ny", "one\n\ntwo"},
		{"unclosed", "<think>dangling answer", "dangling answer", ""},
		{"multiline", "<think>\nline1\nline2\n</think>\nfinal", "final", "line1\nline2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			answer, thinking := SplitThinking(tc.raw)
			assert.Equal(t, tc.answer, answer)
			assert.Equal(t, tc.thinking, thinking)
		})
	}
}
