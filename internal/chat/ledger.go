package chat

import (
	"errors"
	"slices"
)

var (
	ErrMessageNotFound = errors.New("chat: message not found")
	ErrAlreadyResolved = errors.New("chat: message already resolved")
)

// Patch describes a change to a message. A zero Status leaves the status
// alone; nil pointers leave their fields alone.
type Patch struct {
	Status        Status
	Content       *string
	ExecutionTime *float64
	Thinking      *string
	Failure       FailureKind
}

// Ledger is the ordered, append-only list of messages in the conversation.
// It is not safe for concurrent use; callers serialize access.
type Ledger struct {
	messages []Message
	index    map[string]int
}

func NewLedger() *Ledger {
	return &Ledger{index: map[string]int{}}
}

func (l *Ledger) Append(msg Message) {
	l.index[msg.ID] = len(l.messages)
	l.messages = append(l.messages, msg)
}

// Update applies patch to the message with the given id. All fields are
// applied together. Messages that already reached a terminal status reject
// further status changes.
func (l *Ledger) Update(id string, patch Patch) error {
	i, ok := l.index[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg := l.messages[i]
	if patch.Status != "" && msg.Status.Terminal() {
		return ErrAlreadyResolved
	}
	if patch.Status != "" {
		msg.Status = patch.Status
	}
	if patch.Content != nil {
		msg.Content = *patch.Content
	}
	if patch.ExecutionTime != nil {
		v := *patch.ExecutionTime
		msg.ExecutionTime = &v
	}
	if patch.Thinking != nil {
		msg.Thinking = *patch.Thinking
	}
	if patch.Failure != "" {
		msg.Failure = patch.Failure
	}
	l.messages[i] = msg
	return nil
}

func (l *Ledger) Get(id string) (Message, bool) {
	i, ok := l.index[id]
	if !ok {
		return Message{}, false
	}
	return l.messages[i], true
}

func (l *Ledger) Len() int { return len(l.messages) }

// Snapshot returns a copy of the messages in insertion order.
func (l *Ledger) Snapshot() []Message {
	return slices.Clone(l.messages)
}
