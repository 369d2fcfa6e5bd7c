package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"agentchat/internal/config"
)

// Model is the upstream agent the relay forwards prompts to.
type Model interface {
	Chat(ctx context.Context, prompt string) (Completion, error)
	Models(ctx context.Context) ([]string, error)
}

// Completion is the raw upstream answer. Thinking is filled when the upstream
// reports its trace separately from the content.
type Completion struct {
	Content  string
	Thinking string
}

// UpstreamError is a non-2xx response from the model server.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("ollama http %d: %s", e.Status, e.Body)
}

// Ollama talks to an Ollama server's chat and tags APIs.
type Ollama struct {
	baseURL     string
	model       string
	temperature float64
	numCtx      int
	client      *http.Client
}

func NewOllama(cfg config.AgentConfig) *Ollama {
	return &Ollama{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		numCtx:      cfg.ContextSize,
		client:      &http.Client{},
	}
}

// Chat sends a single-message, non-streaming chat request.
func (o *Ollama) Chat(ctx context.Context, prompt string) (Completion, error) {
	body := map[string]any{
		"model":  o.model,
		"stream": false,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"options": map[string]any{
			"temperature": o.temperature,
			"num_ctx":     o.numCtx,
		},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return Completion{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(buf))
	if err != nil {
		return Completion{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("ollama request failed on /api/chat: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Completion{}, &UpstreamError{Status: resp.StatusCode, Body: compactSingleLine(string(payload), 240)}
	}
	var parsed struct {
		Message struct {
			Content  string `json:"content"`
			Thinking string `json:"thinking"`
		} `json:"message"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return Completion{}, errors.New("ollama returned non-json payload")
	}
	return Completion{Content: parsed.Message.Content, Thinking: parsed.Message.Thinking}, nil
}

// Models lists the locally available model names.
func (o *Ollama) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed on /api/tags: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: compactSingleLine(string(payload), 240)}
	}
	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, errors.New("ollama returned non-json payload")
	}
	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// HasModel reports whether name appears in models, treating a missing tag as
// ":latest".
func HasModel(models []string, name string) bool {
	want := normalizeModel(name)
	for _, m := range models {
		if normalizeModel(m) == want {
			return true
		}
	}
	return false
}

func normalizeModel(name string) string {
	name = strings.TrimSpace(strings.TrimPrefix(name, "ollama_chat/"))
	if !strings.Contains(name, ":") {
		name += ":latest"
	}
	return name
}

func compactSingleLine(text string, limit int) string {
	compact := strings.Join(strings.Fields(text), " ")
	if len(compact) <= limit {
		return compact
	}
	return compact[:limit-3] + "..."
}
