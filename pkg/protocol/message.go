package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageType tags every record on the IPC socket.
type MessageType string

// Client to daemon message types.
const (
	MsgSend   MessageType = "send"
	MsgAsk    MessageType = "ask"
	MsgStatus MessageType = "status" // also the daemon's reply type for status
	MsgCancel MessageType = "cancel"
)

// Daemon to client message types.
const (
	MsgAck      MessageType = "ack"
	MsgResponse MessageType = "response"
	MsgTimeout  MessageType = "timeout"
	MsgError    MessageType = "error"
)

// Terminal reports whether a daemon message ends an Ask wait.
func (t MessageType) Terminal() bool {
	switch t {
	case MsgResponse, MsgTimeout, MsgError:
		return true
	default:
		return false
	}
}

// ErrorCode is the machine-readable code of an error record.
type ErrorCode string

// Error codes carried in MsgError records.
const (
	CodeInvalidMessage ErrorCode = "INVALID_MESSAGE"
	CodeUnknownType    ErrorCode = "UNKNOWN_TYPE"
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeDeliveryFailed ErrorCode = "DELIVERY_FAILED"
	CodeCancelled      ErrorCode = "CANCELLED"
	CodeInternal       ErrorCode = "INTERNAL"
)

// Message is the envelope of every NDJSON record.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SendPayload is the data of a send record.
type SendPayload struct {
	Message     string     `json:"message"`
	SessionInfo OriginInfo `json:"sessionInfo"`
}

// AskPayload is the data of an ask record. Timeout is in milliseconds;
// nil means the daemon default.
type AskPayload struct {
	Message     string     `json:"message"`
	Options     []string   `json:"options,omitempty"`
	SessionInfo OriginInfo `json:"sessionInfo"`
	Timeout     *int64     `json:"timeout,omitempty"`
	NoWait      bool       `json:"noWait"`
}

// RequestRef is the data of status and cancel records.
type RequestRef struct {
	RequestID string `json:"requestId"`
}

// AckPayload acknowledges an accepted send, ask or cancel.
type AckPayload struct {
	RequestID        string `json:"requestId"`
	DiscordMessageID string `json:"discordMessageId"`
}

// ResponsePayload carries the human's answer.
type ResponsePayload struct {
	RequestID  string `json:"requestId"`
	Response   string `json:"response"`
	AnsweredAt int64  `json:"answeredAt"` // unix milliseconds
}

// TimeoutPayload reports that an Ask timed out.
type TimeoutPayload struct {
	RequestID string `json:"requestId"`
}

// ErrorPayload reports a failure. RequestID is empty when unknown.
type ErrorPayload struct {
	RequestID string    `json:"requestId,omitempty"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
}

// StatusPayload is the daemon's reply to a status record.
type StatusPayload struct {
	RequestID        string   `json:"requestId"`
	Kind             Kind     `json:"kind"`
	Status           Status   `json:"status"`
	Message          string   `json:"message"`
	Options          []string `json:"options,omitempty"`
	DiscordMessageID string   `json:"discordMessageId,omitempty"`
	Response         string   `json:"response,omitempty"`
	AnsweredAt       int64    `json:"answeredAt,omitempty"`
	Error            string   `json:"error,omitempty"`
	CreatedAt        int64    `json:"createdAt"`
}

// NewMessage wraps payload into an envelope of the given type.
func NewMessage(typ MessageType, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Message{Type: typ, Data: data}, nil
}

// Encode returns msg as a single newline-terminated record.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses one record. Surrounding whitespace is ignored.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, &ProtocolError{Reason: "malformed JSON: " + err.Error(), Line: truncate(string(line), 200)}
	}
	if msg.Type == "" {
		return Message{}, &ProtocolError{Reason: "missing type", Line: truncate(string(line), 200)}
	}
	return msg, nil
}

// Payload unmarshals the record's data into v.
func (m Message) Payload(v any) error {
	if len(m.Data) == 0 {
		return &ProtocolError{Reason: fmt.Sprintf("%s record has no data", m.Type)}
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("invalid %s data: %v", m.Type, err)}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
