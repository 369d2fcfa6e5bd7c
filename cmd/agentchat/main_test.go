package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"agentchat/internal/chat"
	"agentchat/internal/config"
)

type testRelay struct {
	*httptest.Server
	healthCode int
	chat       http.HandlerFunc
	received   chan string
}

func newTestRelay(t *testing.T, chatHandler http.HandlerFunc) *testRelay {
	t.Helper()
	r := &testRelay{healthCode: http.StatusOK, chat: chatHandler, received: make(chan string, 16)}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(r.healthCode)
	})
	mux.HandleFunc("/chat", func(w http.ResponseWriter, req *http.Request) {
		raw, _ := io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(raw))
		var body struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &body)
		select {
		case r.received <- body.Message:
		default:
		}
		r.chat(w, req)
	})
	r.Server = httptest.NewServer(mux)
	t.Cleanup(r.Close)
	return r
}

func replyWith(text string, seconds float64) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"response": text, "executionTime": seconds})
	}
}

func hangUntilCancelled(w http.ResponseWriter, req *http.Request) {
	<-req.Context().Done()
}

func newTestModel(t *testing.T, relay *testRelay) model {
	t.Helper()
	cfg := config.Default()
	cfg.Client.RelayURL = relay.URL
	orch := chat.NewOrchestrator(
		chat.NewSubmitter(relay.URL),
		chat.NewHealthMonitor(relay.URL, time.Minute, time.Second),
		cfg.Agent.Model,
		cfg.Agent.Endpoint,
	)
	t.Cleanup(orch.Close)
	m := newModel(context.Background(), cfg, orch)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return next.(model)
}

// connect runs the first health probe of the orchestrator's monitor chain.
func connect(t *testing.T, m model) model {
	t.Helper()
	batch, ok := m.orch.Init()().(tea.BatchMsg)
	if !ok || len(batch) == 0 {
		t.Fatalf("expected monitor start to return a batch")
	}
	next, _ := m.Update(batch[0]())
	return next.(model)
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "ctrl+t":
		return tea.KeyMsg{Type: tea.KeyCtrlT}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestModelSubmitRoundTrip(t *testing.T) {
	relay := newTestRelay(t, replyWith("4", 0.5))
	m := connect(t, newTestModel(t, relay))
	if !m.orch.Status().Connected {
		t.Fatalf("expected connected after healthy probe")
	}

	m.input.SetValue("2+2")
	next, cmd := m.Update(key("enter"))
	m = next.(model)
	if cmd == nil {
		t.Fatalf("expected a turn command")
	}
	if m.input.Value() != "" {
		t.Fatalf("expected input to be cleared, got %q", m.input.Value())
	}
	if !m.orch.Busy() {
		t.Fatalf("expected orchestrator to be busy")
	}

	next, _ = m.Update(cmd())
	m = next.(model)
	msgs := m.orch.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Status != chat.StatusSent || msgs[1].Content != "4" {
		t.Fatalf("unexpected assistant message: %+v", msgs[1])
	}
	if m.statusLine != "reply in 0.50s" {
		t.Fatalf("unexpected status line %q", m.statusLine)
	}
	view := m.View()
	if !strings.Contains(view, "[user]") || !strings.Contains(view, "2+2") {
		t.Fatalf("expected timeline to show the user turn, got:\n%s", view)
	}
}

func TestModelRejectsWhileDisconnected(t *testing.T) {
	relay := newTestRelay(t, replyWith("unused", 0))
	relay.healthCode = http.StatusServiceUnavailable
	m := connect(t, newTestModel(t, relay))

	m.input.SetValue("hello")
	next, cmd := m.Update(key("enter"))
	m = next.(model)
	if cmd != nil {
		t.Fatalf("expected no command while disconnected")
	}
	if m.statusLine != "error: relay is not connected" {
		t.Fatalf("unexpected status line %q", m.statusLine)
	}
	if m.input.Value() != "hello" {
		t.Fatalf("expected input to be kept, got %q", m.input.Value())
	}
	if len(m.orch.Messages()) != 0 {
		t.Fatalf("expected no messages")
	}
}

func TestModelEscCancelsThenConfirmsQuit(t *testing.T) {
	relay := newTestRelay(t, hangUntilCancelled)
	m := connect(t, newTestModel(t, relay))

	m.input.SetValue("long job")
	next, cmd := m.Update(key("enter"))
	m = next.(model)
	results := make(chan tea.Msg, 1)
	go func() { results <- cmd() }()
	<-relay.received

	next, _ = m.Update(key("esc"))
	m = next.(model)
	if m.quitConfirm {
		t.Fatalf("esc during a turn must cancel, not quit")
	}
	if m.statusLine != "cancelling..." {
		t.Fatalf("unexpected status line %q", m.statusLine)
	}

	select {
	case msg := <-results:
		next, _ = m.Update(msg)
		m = next.(model)
	case <-time.After(5 * time.Second):
		t.Fatalf("cancelled turn did not settle")
	}
	last := m.orch.Messages()[1]
	if last.Failure != chat.FailureCancelled {
		t.Fatalf("expected cancelled failure, got %+v", last)
	}

	next, _ = m.Update(key("esc"))
	m = next.(model)
	if !m.quitConfirm {
		t.Fatalf("expected quit confirm when idle")
	}
	next, _ = m.Update(key("n"))
	m = next.(model)
	if m.quitConfirm {
		t.Fatalf("expected quit confirm to close")
	}
}

func TestModelTabsAndThinkingToggle(t *testing.T) {
	relay := newTestRelay(t, replyWith("x", 0))
	m := newTestModel(t, relay)

	next, _ := m.Update(key("tab"))
	m = next.(model)
	if m.activeTab != tabStatus {
		t.Fatalf("expected status tab, got %d", m.activeTab)
	}
	if !strings.Contains(m.View(), "Agent Status") {
		t.Fatalf("expected status panel")
	}
	next, _ = m.Update(key("tab"))
	next, _ = next.(model).Update(key("tab"))
	m = next.(model)
	if m.activeTab != tabChat {
		t.Fatalf("expected tabs to wrap to chat, got %d", m.activeTab)
	}

	next, _ = m.Update(key("ctrl+t"))
	m = next.(model)
	if !m.showThinking {
		t.Fatalf("expected thinking traces on")
	}
}

func TestAppendLogKeepsLastFifty(t *testing.T) {
	m := model{}
	for i := 0; i < 60; i++ {
		m.appendLog("line")
	}
	m.appendLog("   ")
	if len(m.logs) != maxLogLines {
		t.Fatalf("expected %d log lines, got %d", maxLogLines, len(m.logs))
	}
}

func TestReadTasksSkipsBlankAndComments(t *testing.T) {
	tasks, err := readTasks(strings.NewReader("# header\nfirst\n\n   \nsecond  \n#skip\n"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(tasks) != 2 || tasks[0] != "first" || tasks[1] != "second" {
		t.Fatalf("unexpected tasks %q", tasks)
	}
}

func TestRunTasksRecordsOutcomes(t *testing.T) {
	relay := newTestRelay(t, func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		if body.Message == "bad" {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		replyWith("ok:"+body.Message, 0.25)(w, req)
	})
	var progress bytes.Buffer
	report := runTasks(context.Background(), chat.NewSubmitter(relay.URL), []string{"one", "bad"}, &progress, time.Now)

	if report.Total != 2 || report.Succeeded != 1 || report.Failed != 1 {
		t.Fatalf("unexpected summary %+v", report)
	}
	ok := report.Results[0]
	if ok.Status != "sent" || ok.Result != "ok:one" || ok.ExecutionTime == nil || *ok.ExecutionTime != 0.25 {
		t.Fatalf("unexpected success result %+v", ok)
	}
	bad := report.Results[1]
	if bad.Status != "error" || bad.Kind != string(chat.FailureUpstream) || !strings.Contains(bad.Error, "502") {
		t.Fatalf("unexpected failure result %+v", bad)
	}
	if !strings.Contains(progress.String(), "[2/2] bad") {
		t.Fatalf("expected progress lines, got %q", progress.String())
	}
}

func TestCheckModel(t *testing.T) {
	if r := checkModel([]string{"qwen3:latest"}, "qwen3"); r.status != "PASS" {
		t.Fatalf("expected PASS, got %+v", r)
	}
	if r := checkModel(nil, "qwen3"); r.status != "FAIL" {
		t.Fatalf("expected FAIL, got %+v", r)
	}
}

func TestPrintChecksSummary(t *testing.T) {
	var out bytes.Buffer
	printChecks(&out, []checkResult{
		{"Relay health", "PASS", "ok"},
		{"Ollama", "FAIL", "down"},
	}, false)
	text := out.String()
	if !strings.Contains(text, "[FAIL] Ollama") || !strings.Contains(text, "1 passed, 0 warnings, 1 failed") {
		t.Fatalf("unexpected report:\n%s", text)
	}
}

func TestCompactMessage(t *testing.T) {
	got := compactMessage("a\n\n\n\nb\nc\nd", 3, 0)
	want := "a\n\nb\n[... 2 lines hidden]"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	long := compactMessage(strings.Repeat("x", 200), 0, 50)
	if !strings.HasSuffix(long, "[... truncated]") || len(long) > 50 {
		t.Fatalf("unexpected truncation %q", long)
	}
}

func TestWrapText(t *testing.T) {
	got := wrapText("the quick brown fox", 10)
	if got != "the quick\nbrown fox" {
		t.Fatalf("unexpected wrap %q", got)
	}
	if compactSingleLine("  a \n b  ", 10) != "a b" {
		t.Fatalf("expected whitespace to collapse")
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if code := execute(cmd); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.HasPrefix(out.String(), "agentchat dev") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}
