package protocol_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"pingme/pkg/protocol"
)

func TestRequestNotFoundError_ErrorsAs(t *testing.T) {
	wrapped := fmt.Errorf("lookup: %w", &protocol.RequestNotFoundError{RequestID: "r-missing"})

	var target *protocol.RequestNotFoundError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to extract RequestNotFoundError")
	}
	if target.RequestID != "r-missing" {
		t.Errorf("expected RequestID 'r-missing', got %q", target.RequestID)
	}
	if !strings.Contains(wrapped.Error(), "not found") {
		t.Errorf("message missing 'not found': %q", wrapped.Error())
	}
}

func TestDeliveryError_Unwrap(t *testing.T) {
	cause := errors.New("403 forbidden")
	err := &protocol.DeliveryError{RequestID: "r1", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("DeliveryError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "r1") {
		t.Errorf("message missing request id: %q", err.Error())
	}
}

func TestConnectError_MentionsDaemonStart(t *testing.T) {
	err := &protocol.ConnectError{SocketPath: "/tmp/x.sock", Err: errors.New("no such file")}
	if !strings.Contains(err.Error(), "pingme daemon start") {
		t.Errorf("expected hint in %q", err.Error())
	}
	var ce *protocol.ConnectError
	if !errors.As(fmt.Errorf("dial: %w", err), &ce) {
		t.Error("errors.As failed to extract ConnectError")
	}
}

func TestRemoteError_Error(t *testing.T) {
	withID := &protocol.RemoteError{RequestID: "r1", Code: protocol.CodeNotFound, Message: "unknown request"}
	if !strings.Contains(withID.Error(), "NOT_FOUND") || !strings.Contains(withID.Error(), "r1") {
		t.Errorf("unexpected message %q", withID.Error())
	}
	noID := &protocol.RemoteError{Code: protocol.CodeInvalidMessage, Message: "bad json"}
	if strings.Contains(noID.Error(), "request") {
		t.Errorf("message without id should not mention a request: %q", noID.Error())
	}
}

func TestConfigError_Error(t *testing.T) {
	err := &protocol.ConfigError{Field: "discord.user_id", Reason: "required"}
	if err.Error() != "config: discord.user_id: required" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
