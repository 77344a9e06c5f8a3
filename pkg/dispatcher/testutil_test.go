package dispatcher //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"pingme/pkg/coordinator"
	"pingme/pkg/protocol"
	"pingme/pkg/store"
)

// --- Mock notifier ---

type mockNotifier struct {
	mu        sync.Mutex
	delivered []*protocol.Request
	err       error
	panicMsg  string
	onDeliver func()
	n         int
}

func (m *mockNotifier) Deliver(_ context.Context, req *protocol.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.err != nil {
		return "", m.err
	}
	if m.onDeliver != nil {
		m.onDeliver()
	}
	m.n++
	m.delivered = append(m.delivered, req)
	return fmt.Sprintf("discord-%d", m.n), nil
}

func (m *mockNotifier) requests() []*protocol.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*protocol.Request(nil), m.delivered...)
}

func (m *mockNotifier) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockNotifier) setPanic(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicMsg = msg
}

// shortSockPath returns a short /tmp socket path safe for macOS (104 char limit).
func shortSockPath(t *testing.T, name string) string {
	t.Helper()
	p := fmt.Sprintf("/tmp/pingme-%s-%d.sock", name, time.Now().UnixNano())
	t.Cleanup(func() { _ = os.Remove(p) })
	return p
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *coordinator.Coordinator, *mockNotifier) {
	t.Helper()
	return newTestDispatcherIn(t, t.TempDir())
}

// newTestDispatcherIn is newTestDispatcher with the store rooted at dataDir.
func newTestDispatcherIn(t *testing.T, dataDir string) (*Dispatcher, *coordinator.Coordinator, *mockNotifier) {
	t.Helper()
	coord, err := coordinator.New(coordinator.Config{}, store.New(dataDir, nil), nil, nil)
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	t.Cleanup(coord.Close)
	notifier := &mockNotifier{}
	d := New(Config{SocketPath: shortSockPath(t, "d"), DeliveryTimeout: time.Second}, coord, notifier, nil)
	return d, coord, notifier
}

// startDispatcher runs d in the background and waits until the socket accepts
// connections. The returned cancel func stops it and waits for Run to return.
func startDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", d.cfg.SocketPath)
		if err == nil {
			_ = conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Error("dispatcher did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

// --- Test client ---

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, d *Dispatcher) *testClient {
	t.Helper()
	conn, err := net.Dial("unix", d.cfg.SocketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) sendRaw(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) send(typ protocol.MessageType, payload any) {
	c.t.Helper()
	msg, err := protocol.NewMessage(typ, payload)
	if err != nil {
		c.t.Fatalf("NewMessage: %v", err)
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		c.t.Fatalf("Encode: %v", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// read returns the next record, failing the test after within.
func (c *testClient) read(within time.Duration) protocol.Message {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(within))
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	msg, err := protocol.Decode(line)
	if err != nil {
		c.t.Fatalf("decode %q: %v", line, err)
	}
	return msg
}

// expectSilence asserts nothing arrives within d.
func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	line, err := c.reader.ReadBytes('\n')
	if err == nil {
		c.t.Fatalf("expected no record, got %s", line)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		c.t.Fatalf("expected read timeout, got %v", err)
	}
}

func payload[T any](t *testing.T, msg protocol.Message) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		t.Fatalf("unmarshal %s data: %v", msg.Type, err)
	}
	return v
}

func expectType(t *testing.T, msg protocol.Message, want protocol.MessageType) {
	t.Helper()
	if msg.Type != want {
		t.Fatalf("record type = %s (%s), want %s", msg.Type, msg.Data, want)
	}
}
