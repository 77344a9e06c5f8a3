package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"pingme/pkg/config"
	"pingme/pkg/protocol"
)

// fakeNotifier stands in for Discord; every delivery gets a fresh message id.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []*protocol.Request
	err  error
}

func (f *fakeNotifier) Deliver(_ context.Context, req *protocol.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, req.Clone())
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// startTestDaemon runs store, coordinator and dispatcher under a temp home
// and points the CLI's environment at it.
func startTestDaemon(t *testing.T, notifier *fakeNotifier) *daemon {
	t.Helper()
	home := t.TempDir()
	sock := fmt.Sprintf("/tmp/pingme-cli-%d-%d.sock", os.Getpid(), time.Now().UnixNano())
	t.Setenv(config.EnvHome, home)
	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvSocketPath, sock)
	t.Setenv(config.EnvDataDir, "")
	t.Setenv(envSessionID, "")
	t.Setenv(envClaudeSession, "")
	t.Setenv(envLabel, "")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d, err := assemble(ctx, cfg, notifier, slog.New(slog.DiscardHandler))
	if err != nil {
		cancel()
		t.Fatalf("assemble: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- d.dispatcher.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		d.close()
	})

	if err := waitForSocket(sock, 5*time.Second); err != nil {
		t.Fatalf("daemon did not come up: %v", err)
	}
	return d
}

// runCLI executes the root command with args and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLISend(t *testing.T) {
	notifier := &fakeNotifier{}
	startTestDaemon(t, notifier)

	if _, err := runCLI(t, "send", "--label", "ci", "build", "is", "green"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if notifier.count() != 1 {
		t.Fatalf("delivered %d messages, want 1", notifier.count())
	}
	got := notifier.sent[0]
	if got.Message != "build is green" || got.Kind != protocol.KindNotify || got.Origin.Label != "ci" {
		t.Errorf("delivered %+v", got)
	}
	if got.Origin.PID != os.Getppid() {
		t.Errorf("origin pid = %d, want parent pid %d", got.Origin.PID, os.Getppid())
	}
}

func TestCLISendDeliveryFailure(t *testing.T) {
	startTestDaemon(t, &fakeNotifier{err: errors.New("discord unavailable")})

	_, err := runCLI(t, "send", "hello")
	var rerr *protocol.RemoteError
	if !errors.As(err, &rerr) || rerr.Code != protocol.CodeDeliveryFailed {
		t.Fatalf("send error = %v, want DELIVERY_FAILED", err)
	}
}

func TestCLIAskPrintsAnswer(t *testing.T) {
	notifier := &fakeNotifier{}
	d := startTestDaemon(t, notifier)

	type result struct {
		out string
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		out, err := runCLI(t, "ask", "--options", "Deploy now,Wait", "--timeout", "10000", "Ship it?")
		resCh <- result{out, err}
	}()

	id := waitForPendingAsk(t, d)
	if ok, err := d.coord.RecordAnswer(id, "Deploy now"); !ok || err != nil {
		t.Fatalf("RecordAnswer = %v, %v", ok, err)
	}

	select {
	case r := <-resCh:
		if r.err != nil {
			t.Fatalf("ask: %v", r.err)
		}
		if r.out != "Deploy now\n" {
			t.Errorf("stdout = %q, want the answer", r.out)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("ask did not return after the answer was recorded")
	}
}

func TestCLIAskTimeout(t *testing.T) {
	startTestDaemon(t, &fakeNotifier{})

	_, err := runCLI(t, "ask", "--timeout", "100", "anyone?")
	var terr *protocol.TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("ask error = %v, want TimeoutError", err)
	}
}

func TestCLIAskHugeTimeoutIsClamped(t *testing.T) {
	d := startTestDaemon(t, &fakeNotifier{})

	out, err := runCLI(t, "ask", "--no-wait", "--timeout", "9223372036854775807", "someday?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	req, _, ok := d.coord.Lookup(strings.TrimSpace(out))
	if !ok {
		t.Fatalf("printed id %q is unknown to the daemon", out)
	}
	if req.Timeout() != 24*time.Hour {
		t.Errorf("stored timeout = %v, want 24h", req.Timeout())
	}
}

func TestCLIAskNoWaitThenStatusAndCancel(t *testing.T) {
	d := startTestDaemon(t, &fakeNotifier{})

	out, err := runCLI(t, "ask", "--no-wait", "later?")
	if err != nil {
		t.Fatalf("ask --no-wait: %v", err)
	}
	id := strings.TrimSpace(out)
	if _, _, ok := d.coord.Lookup(id); !ok {
		t.Fatalf("printed id %q is unknown to the daemon", id)
	}

	out, err = runCLI(t, "status", id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{id, "pending", "later?", "msg-1"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	if _, err := runCLI(t, "cancel", id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err = runCLI(t, "status", id)
	var rerr *protocol.RemoteError
	if !errors.As(err, &rerr) || rerr.Code != protocol.CodeNotFound {
		t.Errorf("status after cancel = %v, want NOT_FOUND", err)
	}
}

func TestCLILogShowsLifecycle(t *testing.T) {
	d := startTestDaemon(t, &fakeNotifier{})

	out, err := runCLI(t, "ask", "--no-wait", "q")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	id := strings.TrimSpace(out)
	if _, err := d.coord.RecordAnswer(id, "a"); err != nil {
		t.Fatal(err)
	}

	out, err = runCLI(t, "log", "--request", id)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	created := strings.Index(out, protocol.EventCreated)
	answered := strings.Index(out, protocol.EventAnswered)
	if created < 0 || answered < 0 || created > answered {
		t.Errorf("log should list created before answered:\n%s", out)
	}
}

func TestCLIUnreachableDaemon(t *testing.T) {
	t.Setenv(config.EnvHome, t.TempDir())
	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvSocketPath, "")

	_, err := runCLI(t, "send", "hi")
	var cerr *protocol.ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("send error = %v, want ConnectError", err)
	}
	if !strings.Contains(err.Error(), "pingme daemon start") {
		t.Errorf("error should hint at starting the daemon: %v", err)
	}
}

func TestVersionFlag(t *testing.T) {
	out, err := runCLI(t, "--version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "pingme ") {
		t.Errorf("version output = %q", out)
	}
}

// waitForPendingAsk returns the id of the first delivered pending Ask.
func waitForPendingAsk(t *testing.T, d *daemon) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, req := range d.coord.Pending() {
			if req.Kind == protocol.KindAsk && req.ExternalRef != "" {
				return req.ID
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no delivered ask appeared")
	return ""
}
