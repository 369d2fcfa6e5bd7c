package chat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const (
	DefaultHealthInterval = 30 * time.Second
	DefaultProbeTimeout   = 5 * time.Second
)

// HealthMsg carries the outcome of one reachability probe.
type HealthMsg struct {
	gen       int
	Connected bool
	Err       error
	At        time.Time
}

type healthTickMsg struct {
	gen int
}

// HealthMonitor probes the relay health endpoint on a fixed cadence. The
// cadence is a chain of one-shot ticks tagged with a generation; Stop bumps
// the generation so the chain ends at the next tick.
type HealthMonitor struct {
	url          string
	client       *http.Client
	interval     time.Duration
	probeTimeout time.Duration

	gen     int
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewHealthMonitor returns a stopped monitor for relayURL + "/health".
func NewHealthMonitor(relayURL string, interval, probeTimeout time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &HealthMonitor{
		url:          strings.TrimRight(strings.TrimSpace(relayURL), "/") + "/health",
		client:       &http.Client{},
		interval:     interval,
		probeTimeout: probeTimeout,
	}
}

func (h *HealthMonitor) Interval() time.Duration { return h.interval }

func (h *HealthMonitor) Running() bool { return h.running }

// Start begins a new probe chain: one probe right away and a tick after the
// interval. Starting a running monitor restarts its chain.
func (h *HealthMonitor) Start() tea.Cmd {
	h.Stop()
	h.gen++
	h.running = true
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return tea.Batch(h.probeCmd(h.gen), h.tickCmd(h.gen))
}

// Stop ends the chain and aborts an in-flight probe. Safe to call repeatedly.
func (h *HealthMonitor) Stop() {
	if !h.running {
		return
	}
	h.running = false
	h.gen++
	h.cancel()
}

// Update handles monitor messages. It reports the probe outcome when msg is a
// current HealthMsg, and schedules the next probe on ticks.
func (h *HealthMonitor) Update(msg tea.Msg) (result *HealthMsg, cmd tea.Cmd) {
	switch msg := msg.(type) {
	case healthTickMsg:
		if !h.running || msg.gen != h.gen {
			return nil, nil
		}
		return nil, tea.Batch(h.probeCmd(msg.gen), h.tickCmd(msg.gen))
	case HealthMsg:
		if !h.running || msg.gen != h.gen {
			return nil, nil
		}
		return &msg, nil
	}
	return nil, nil
}

// Probe performs one blocking reachability check. A nil error means the
// relay answered with a 2xx status.
func (h *HealthMonitor) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health http %d", resp.StatusCode)
	}
	return nil
}

func (h *HealthMonitor) probeCmd(gen int) tea.Cmd {
	ctx := h.ctx
	return func() tea.Msg {
		err := h.Probe(ctx)
		return HealthMsg{gen: gen, Connected: err == nil, Err: err, At: time.Now()}
	}
}

func (h *HealthMonitor) tickCmd(gen int) tea.Cmd {
	return tea.Tick(h.interval, func(time.Time) tea.Msg {
		return healthTickMsg{gen: gen}
	})
}
