package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"goa.design/clue/log"
)

// UpstreamState is the cached reachability of the model server.
type UpstreamState struct {
	Reachable bool
	Models    []string
	CheckedAt time.Time
	Err       error
}

// UpstreamWatch keeps the model server's reachability fresh on a cron
// schedule so request handlers never block on a probe.
type UpstreamWatch struct {
	model   Model
	timeout time.Duration
	cron    *cron.Cron

	mu    sync.RWMutex
	state UpstreamState
	ctx   context.Context
}

// NewUpstreamWatch validates schedule (standard cron or "@every <d>").
func NewUpstreamWatch(model Model, schedule string, timeout time.Duration) (*UpstreamWatch, error) {
	if model == nil {
		return nil, fmt.Errorf("relay: model is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	w := &UpstreamWatch{
		model:   model,
		timeout: timeout,
		cron:    cron.New(),
		ctx:     context.Background(),
	}
	if _, err := w.cron.AddFunc(schedule, func() { w.Check(w.context()) }); err != nil {
		return nil, fmt.Errorf("relay: probe schedule %q: %w", schedule, err)
	}
	return w, nil
}

// Start runs one check immediately, then hands over to the schedule.
func (w *UpstreamWatch) Start(ctx context.Context) {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()
	w.Check(ctx)
	w.cron.Start()
}

// Stop halts the schedule and waits for a running check to finish.
func (w *UpstreamWatch) Stop() {
	<-w.cron.Stop().Done()
}

// Check probes the model server's tag list.
func (w *UpstreamWatch) Check(ctx context.Context) UpstreamState {
	probeCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	models, err := w.model.Models(probeCtx)

	w.mu.Lock()
	changed := w.state.Reachable != (err == nil) || w.state.CheckedAt.IsZero()
	w.state = UpstreamState{Reachable: err == nil, Models: models, CheckedAt: time.Now(), Err: err}
	state := w.state
	w.mu.Unlock()

	if changed {
		if err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "upstream unreachable"}, log.KV{K: "err", V: err.Error()})
		} else {
			log.Info(ctx, log.KV{K: "msg", V: "upstream reachable"}, log.KV{K: "models", V: len(models)})
		}
	}
	return state
}

// Mark records reachability learned from a chat call.
func (w *UpstreamWatch) Mark(reachable bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Reachable = reachable
	w.state.Err = err
	w.state.CheckedAt = time.Now()
}

func (w *UpstreamWatch) Reachable() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state.Reachable
}

func (w *UpstreamWatch) State() UpstreamState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *UpstreamWatch) context() context.Context {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ctx
}
