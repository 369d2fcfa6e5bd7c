package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"
)

// DefaultTurnTimeout bounds a single chat turn.
const DefaultTurnTimeout = 120 * time.Second

type FailureKind string

const (
	FailureTimeout      FailureKind = "timeout"
	FailureUnreachable  FailureKind = "unreachable"
	FailureUpstream     FailureKind = "upstream"
	FailureCancelled    FailureKind = "cancelled"
	FailureInvalidInput FailureKind = "invalid-input"
)

// Failure is the classified outcome of a turn that did not produce a reply.
// Message is suitable for showing to the user.
type Failure struct {
	Kind    FailureKind
	Message string
	Status  int
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts the *Failure from err, classifying unknown errors as
// unreachable.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return unreachable(err)
}

func timedOut(err error) *Failure {
	return &Failure{Kind: FailureTimeout, Message: "the agent took too long to respond", Err: err}
}

func unreachable(err error) *Failure {
	return &Failure{Kind: FailureUnreachable, Message: "cannot connect to AI agent; ensure backend is running", Err: err}
}

func cancelled(err error) *Failure {
	return &Failure{Kind: FailureCancelled, Message: "request was cancelled", Err: err}
}

func upstream(status int, err error) *Failure {
	msg := fmt.Sprintf("upstream HTTP error: status %d", status)
	if status == 0 {
		msg = "upstream returned an unreadable response"
	}
	return &Failure{Kind: FailureUpstream, Message: msg, Status: status, Err: err}
}

func invalidInput() *Failure {
	return &Failure{Kind: FailureInvalidInput, Message: "message must not be empty"}
}

// errCancelRequested is the cancellation cause recorded by Cancel.
var errCancelRequested = errors.New("cancel requested")

// Reply is a successful turn result.
type Reply struct {
	Text          string
	ExecutionTime *float64
	Thinking      string
}

type chatRequest struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

type chatResponse struct {
	Response      *string  `json:"response"`
	Result        *string  `json:"result"`
	ExecutionTime *float64 `json:"executionTime"`
	Thinking      *string  `json:"thinking"`
}

// SubmitterOption configures a Submitter.
type SubmitterOption func(*Submitter)

// WithTurnTimeout overrides DefaultTurnTimeout.
func WithTurnTimeout(d time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithHTTPClient sets the client used for chat requests.
func WithHTTPClient(c *http.Client) SubmitterOption {
	return func(s *Submitter) {
		if c != nil {
			s.client = c
		}
	}
}

// Submitter sends turns to the relay chat endpoint. It holds at most one
// cancellation token; callers must not start a turn while another is in
// flight.
type Submitter struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration

	mu     sync.Mutex
	token  *turnToken
	nextID uint64
}

type turnToken struct {
	id     uint64
	cancel context.CancelCauseFunc
}

// NewSubmitter returns a Submitter posting to relayURL + "/chat".
func NewSubmitter(relayURL string, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		endpoint: strings.TrimRight(strings.TrimSpace(relayURL), "/") + "/chat",
		client:   &http.Client{},
		timeout:  DefaultTurnTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Submitter) Timeout() time.Duration { return s.timeout }

// Submit runs one turn and blocks until it resolves. The returned error is
// always a *Failure.
func (s *Submitter) Submit(ctx context.Context, text string) (Reply, error) {
	return s.Start(ctx, text)()
}

// Start acquires the turn's cancellation token on the calling goroutine and
// returns the function that performs the request. The token is released when
// that function returns. Blank text yields an invalid-input failure without
// acquiring a token.
func (s *Submitter) Start(ctx context.Context, text string) func() (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return func() (Reply, error) { return Reply{}, invalidInput() }
	}

	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, s.timeout)
	turnCtx, cancelTurn := context.WithCancelCause(timeoutCtx)

	s.mu.Lock()
	s.nextID++
	tok := &turnToken{id: s.nextID, cancel: cancelTurn}
	s.token = tok
	s.mu.Unlock()

	return func() (Reply, error) {
		defer func() {
			s.release(tok)
			cancelTurn(nil)
			cancelTimeout()
		}()
		reply, err := s.do(turnCtx, text)
		if err != nil {
			f := s.classify(turnCtx, err)
			log.Debug(ctx, log.KV{K: "msg", V: "turn failed"}, log.KV{K: "kind", V: string(f.Kind)}, log.KV{K: "err", V: err.Error()})
			return Reply{}, f
		}
		return reply, nil
	}
}

// Cancel signals the in-flight turn, if any. The turn still resolves through
// its own return path.
func (s *Submitter) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != nil {
		s.token.cancel(errCancelRequested)
	}
}

// InFlight reports whether a turn token is currently held.
func (s *Submitter) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != nil
}

func (s *Submitter) release(tok *turnToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == tok {
		s.token = nil
	}
}

func (s *Submitter) do(ctx context.Context, text string) (Reply, error) {
	body, err := json.Marshal(chatRequest{Message: text, Timestamp: time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		return Reply{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Reply{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Reply{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Reply{}, upstream(resp.StatusCode, fmt.Errorf("relay http %d: %s", resp.StatusCode, compactSingleLine(string(payload), 240)))
	}
	var parsed chatResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return Reply{}, upstream(0, fmt.Errorf("relay returned non-json payload: %w", err))
	}
	reply := Reply{ExecutionTime: parsed.ExecutionTime}
	switch {
	case parsed.Response != nil:
		reply.Text = *parsed.Response
	case parsed.Result != nil:
		reply.Text = *parsed.Result
	}
	if parsed.Thinking != nil {
		reply.Thinking = *parsed.Thinking
	}
	return reply, nil
}

// classify maps a request error onto a failure kind. The turn context's cause
// decides between cancellation and timeout; anything else is a transport
// fault unless do already produced a *Failure.
func (s *Submitter) classify(ctx context.Context, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, context.DeadlineExceeded) {
			return timedOut(err)
		}
		return cancelled(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return timedOut(err)
	}
	return unreachable(err)
}

func compactSingleLine(text string, limit int) string {
	compact := strings.Join(strings.Fields(text), " ")
	if len(compact) <= limit {
		return compact
	}
	if limit <= 3 {
		return compact[:limit]
	}
	return compact[:limit-3] + "..."
}
