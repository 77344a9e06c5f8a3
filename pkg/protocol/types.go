package protocol

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind distinguishes fire-and-forget notifications from questions.
type Kind string

// Request kinds.
const (
	KindNotify Kind = "notify"
	KindAsk    Kind = "ask"
)

// Status is the lifecycle state of a Response.
type Status string

// Response status constants. Everything except StatusPending is terminal.
const (
	StatusPending  Status = "pending"
	StatusAnswered Status = "answered"
	StatusTimedOut Status = "timed_out"
	StatusErrored  Status = "errored"
)

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusAnswered, StatusTimedOut, StatusErrored:
		return true
	default:
		return false
	}
}

// OriginInfo identifies the process that submitted a request. The
// coordinator treats it as opaque; only the router and recovery adapter
// look inside.
type OriginInfo struct {
	PID       int    `json:"pid"`
	SessionID string `json:"sessionId,omitempty"`
	Cwd       string `json:"cwd"`
	Label     string `json:"label,omitempty"`
}

// Request is one outbound Send or Ask.
type Request struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	Message     string     `json:"message"`
	Options     []string   `json:"options,omitempty"`
	Origin      OriginInfo `json:"origin"`
	ExternalRef string     `json:"externalRef,omitempty"` // Discord message id, set once
	CreatedAt   time.Time  `json:"createdAt"`
	TimeoutMs   int64      `json:"timeoutMs,omitempty"` // Ask only
	NoWait      bool       `json:"noWait,omitempty"`
}

// Timeout returns the effective timeout as a duration.
func (r *Request) Timeout() time.Duration {
	return Millis(r.TimeoutMs)
}

// Millis converts a wire millisecond count to a duration, saturating at the
// int64 bounds instead of wrapping.
func Millis(ms int64) time.Duration {
	const limit = math.MaxInt64 / int64(time.Millisecond)
	switch {
	case ms > limit:
		return time.Duration(math.MaxInt64)
	case ms < -limit:
		return time.Duration(math.MinInt64)
	}
	return time.Duration(ms) * time.Millisecond
}

// Timed reports whether the request needs a timeout timer once delivered.
func (r *Request) Timed() bool {
	return r.Kind == KindAsk && !r.NoWait && r.TimeoutMs > 0
}

// Clone returns a deep copy safe to hand outside the coordinator.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	if r.Options != nil {
		out.Options = append([]string(nil), r.Options...)
	}
	return &out
}

// Response is the outcome of a Request.
type Response struct {
	RequestID   string    `json:"requestId"`
	Status      Status    `json:"status"`
	AnswerText  string    `json:"answerText,omitempty"`
	AnsweredAt  time.Time `json:"answeredAt,omitzero"`
	ErrorDetail string    `json:"errorDetail,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Clone returns a copy of the response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

// TerminalBinding records which process and session originated a request.
type TerminalBinding struct {
	RequestID string `json:"requestId"`
	PID       int    `json:"pid"`
	SessionID string `json:"sessionId,omitempty"`
	Cwd       string `json:"cwd"`
	Alive     bool   `json:"alive"`
}

// NormalizeOptions trims option labels and validates them against the
// Discord button limits.
func NormalizeOptions(options []string) ([]string, error) {
	if len(options) == 0 {
		return nil, nil
	}
	if len(options) > MaxOptions {
		return nil, fmt.Errorf("at most %d options are allowed, got %d", MaxOptions, len(options))
	}
	out := make([]string, 0, len(options))
	for i, opt := range options {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			return nil, fmt.Errorf("option %d is empty", i+1)
		}
		if len([]rune(opt)) > MaxOptionLabel {
			return nil, fmt.Errorf("option %d is longer than %d characters", i+1, MaxOptionLabel)
		}
		out = append(out, opt)
	}
	return out, nil
}

// SplitOptions parses the CLI's comma separated --options value.
func SplitOptions(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
