package chat

import (
	"context"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"goa.design/clue/log"
)

// TurnResolvedMsg is delivered when the in-flight turn settles.
type TurnResolvedMsg struct {
	turn        uint64
	assistantID string
	Reply       Reply
	Err         error
	Elapsed     time.Duration
}

// Rejection explains why Submit refused a turn.
type Rejection string

const (
	RejectNone         Rejection = ""
	RejectEmpty        Rejection = "empty"
	RejectBusy         Rejection = "busy"
	RejectDisconnected Rejection = "disconnected"
)

// Orchestrator owns the conversation. It is a bubbletea component: every
// state change happens in Submit, Cancel or Update, which must be called from
// the program's event loop.
type Orchestrator struct {
	ctx       context.Context
	ledger    *Ledger
	submitter *Submitter
	monitor   *HealthMonitor
	status    AgentStatus
	now       func() time.Time

	turn        uint64
	busy        bool
	assistantID string
	startedAt   time.Time
	lastHealth  *HealthMsg
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithContext sets the context carrying the logger and bounding every turn.
func WithContext(ctx context.Context) Option {
	return func(o *Orchestrator) { o.ctx = ctx }
}

// NewOrchestrator wires the ledger, submitter and monitor. Model and endpoint
// are display values only.
func NewOrchestrator(submitter *Submitter, monitor *HealthMonitor, model, endpoint string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ctx:       context.Background(),
		ledger:    NewLedger(),
		submitter: submitter,
		monitor:   monitor,
		status:    AgentStatus{Model: model, Endpoint: endpoint},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Init starts health monitoring.
func (o *Orchestrator) Init() tea.Cmd {
	return o.monitor.Start()
}

// Close stops the monitor and cancels any in-flight turn. The turn still
// resolves through Update if the program keeps running.
func (o *Orchestrator) Close() {
	o.monitor.Stop()
	if o.busy {
		o.submitter.Cancel()
	}
}

func (o *Orchestrator) Status() AgentStatus { return o.status }

func (o *Orchestrator) Busy() bool { return o.busy }

func (o *Orchestrator) Messages() []Message { return o.ledger.Snapshot() }

// LastHealth returns the most recent probe result, if any.
func (o *Orchestrator) LastHealth() (HealthMsg, bool) {
	if o.lastHealth == nil {
		return HealthMsg{}, false
	}
	return *o.lastHealth, true
}

// Elapsed returns how long the in-flight turn has been running.
func (o *Orchestrator) Elapsed() time.Duration {
	if !o.busy {
		return 0
	}
	return o.now().Sub(o.startedAt)
}

// CanSubmit reports whether Submit would accept text right now.
func (o *Orchestrator) CanSubmit(text string) Rejection {
	switch {
	case strings.TrimSpace(text) == "":
		return RejectEmpty
	case o.busy:
		return RejectBusy
	case !o.status.Connected:
		return RejectDisconnected
	}
	return RejectNone
}

// Submit starts a turn. It returns nil when the turn is rejected; otherwise
// the user and placeholder assistant messages are already in the ledger and
// the returned command performs the request.
func (o *Orchestrator) Submit(text string) tea.Cmd {
	if o.CanSubmit(text) != RejectNone {
		return nil
	}
	text = strings.TrimSpace(text)
	now := o.now()
	user := newMessage(RoleUser, text, StatusSent, now)
	assistant := newMessage(RoleAssistant, "", StatusSending, now)
	o.ledger.Append(user)
	o.ledger.Append(assistant)

	o.turn++
	o.busy = true
	o.assistantID = assistant.ID
	o.startedAt = now
	o.status.Processing = true

	log.Info(o.ctx, log.KV{K: "msg", V: "turn started"}, log.KV{K: "turn", V: o.turn}, log.KV{K: "chars", V: len(text)})

	run := o.submitter.Start(o.ctx, text)
	turn, id, started, clock := o.turn, assistant.ID, now, o.now
	return func() tea.Msg {
		reply, err := run()
		return TurnResolvedMsg{
			turn:        turn,
			assistantID: id,
			Reply:       reply,
			Err:         err,
			Elapsed:     clock().Sub(started),
		}
	}
}

// Cancel requests cancellation of the in-flight turn. The turn moves to Idle
// only once its TurnResolvedMsg arrives.
func (o *Orchestrator) Cancel() {
	if !o.busy {
		return
	}
	log.Info(o.ctx, log.KV{K: "msg", V: "turn cancel requested"}, log.KV{K: "turn", V: o.turn})
	o.submitter.Cancel()
}

// Update reconciles turn results and health probes.
func (o *Orchestrator) Update(msg tea.Msg) tea.Cmd {
	switch msg := msg.(type) {
	case TurnResolvedMsg:
		o.resolve(msg)
		return nil
	case HealthMsg, healthTickMsg:
		result, cmd := o.monitor.Update(msg)
		if result != nil {
			o.applyHealth(*result)
		}
		return cmd
	}
	return nil
}

func (o *Orchestrator) resolve(msg TurnResolvedMsg) {
	if !o.busy || msg.turn != o.turn || msg.assistantID != o.assistantID {
		return
	}
	var patch Patch
	if msg.Err != nil {
		f := AsFailure(msg.Err)
		patch = Patch{Status: StatusError, Content: &f.Message, Failure: f.Kind}
		log.Info(o.ctx, log.KV{K: "msg", V: "turn failed"}, log.KV{K: "turn", V: msg.turn}, log.KV{K: "kind", V: string(f.Kind)})
	} else {
		elapsed := msg.Elapsed.Seconds()
		if msg.Reply.ExecutionTime != nil {
			elapsed = *msg.Reply.ExecutionTime
		}
		text := msg.Reply.Text
		patch = Patch{Status: StatusSent, Content: &text, ExecutionTime: &elapsed}
		if msg.Reply.Thinking != "" {
			thinking := msg.Reply.Thinking
			patch.Thinking = &thinking
		}
		log.Info(o.ctx, log.KV{K: "msg", V: "turn completed"}, log.KV{K: "turn", V: msg.turn}, log.KV{K: "seconds", V: elapsed})
	}
	if err := o.ledger.Update(msg.assistantID, patch); err != nil {
		log.Error(o.ctx, err, log.KV{K: "msg", V: "resolve turn"}, log.KV{K: "turn", V: msg.turn})
	}
	o.busy = false
	o.assistantID = ""
	o.status.Processing = false
}

func (o *Orchestrator) applyHealth(msg HealthMsg) {
	if o.status.Connected != msg.Connected {
		kvs := []log.Fielder{log.KV{K: "msg", V: "connectivity changed"}, log.KV{K: "connected", V: msg.Connected}}
		if msg.Err != nil {
			kvs = append(kvs, log.KV{K: "err", V: msg.Err.Error()})
		}
		log.Info(o.ctx, kvs...)
	}
	o.status.Connected = msg.Connected
	o.lastHealth = &msg
}
