// Package chat implements the turn orchestrator behind the chat client: the
// session ledger, the turn submitter, the relay health monitor and the
// bubbletea component that ties them together.
package chat

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusError   Status = "error"
)

// Terminal reports whether s is a resolved status.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusError
}

// Message is one conversational turn as rendered by the UI.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
	Status    Status

	// Set on successful resolution only.
	ExecutionTime *float64
	Thinking      string

	// Set on the error transition only.
	Failure FailureKind
}

func newMessage(role Role, content string, status Status, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: now,
		Status:    status,
	}
}

// AgentStatus is the connectivity and activity snapshot exposed by the
// orchestrator.
type AgentStatus struct {
	Connected  bool
	Processing bool
	Model      string
	Endpoint   string
}
