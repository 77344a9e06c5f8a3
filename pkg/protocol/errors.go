package protocol

import "fmt"

// RequestNotFoundError is returned when a request id is unknown to the coordinator.
type RequestNotFoundError struct {
	RequestID string
}

func (e *RequestNotFoundError) Error() string {
	return fmt.Sprintf("request %s not found", e.RequestID)
}

// ConfigError reports a missing or invalid configuration value. It is fatal
// at daemon startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// ConnectError reports that the CLI could not reach the daemon socket.
type ConnectError struct {
	SocketPath string
	Err        error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("cannot reach pingme daemon at %s: %v (is it running? try 'pingme daemon start')", e.SocketPath, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unexpected IPC record.
type ProtocolError struct {
	Reason string
	Line   string // offending record, possibly truncated
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// DeliveryError reports that the external channel rejected or failed to
// deliver a notification. The request stays in the store.
type DeliveryError struct {
	RequestID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver request %s: %v", e.RequestID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// RemoteError is an error record relayed from the daemon to the CLI.
type RemoteError struct {
	RequestID string
	Code      ErrorCode
	Message   string
}

func (e *RemoteError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s (%s, request %s)", e.Message, e.Code, e.RequestID)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// TimeoutError reports that an Ask reached its deadline without an answer.
type TimeoutError struct {
	RequestID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no answer for request %s before the timeout", e.RequestID)
}

// ValidationError reports a request the daemon refuses to accept.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Reason
}
