package chat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeRelay is an httptest relay whose /chat and /health behaviour can be
// swapped per test.
type fakeRelay struct {
	*httptest.Server

	mu       sync.Mutex
	chat     http.HandlerFunc
	health   int
	chats    atomic.Int32
	lastBody map[string]any
	received chan struct{}
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{health: http.StatusOK, received: make(chan struct{}, 8)}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		code := f.health
		f.mu.Unlock()
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		f.chats.Add(1)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.lastBody = body
		handler := f.chat
		f.mu.Unlock()
		select {
		case f.received <- struct{}{}:
		default:
		}
		if handler == nil {
			writeJSON(w, http.StatusOK, map[string]any{"response": "ok"})
			return
		}
		handler(w, r)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeRelay) setChat(h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chat = h
}

func (f *fakeRelay) setHealth(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = code
}

func (f *fakeRelay) body() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBody
}

// hang blocks until the client gives up on the request.
func hang(w http.ResponseWriter, r *http.Request) {
	<-r.Context().Done()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
