package router //nolint:testpackage // white-box: fakes process liveness

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"pingme/pkg/coordinator"
	"pingme/pkg/protocol"
	"pingme/pkg/store"
)

const owner = "111222333"

type resumeCall struct {
	sessionID, cwd, answer string
}

type fakeRecoverer struct {
	mu     sync.Mutex
	calls  []resumeCall
	result bool
	block  chan struct{}
	panics bool
}

func (f *fakeRecoverer) AttemptResume(_ context.Context, sessionID, cwd, answer string) bool {
	if f.block != nil {
		<-f.block
	}
	if f.panics {
		panic("tmux exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, resumeCall{sessionID, cwd, answer})
	return f.result
}

func (f *fakeRecoverer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func setup(t *testing.T, rec Recoverer) (*Router, *coordinator.Coordinator) {
	t.Helper()
	coord, err := coordinator.New(coordinator.Config{}, store.New(t.TempDir(), nil), nil, nil)
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	t.Cleanup(coord.Close)
	r := New(owner, coord, rec, nil)
	r.alive = func(int) bool { return true }
	return r, coord
}

func deliveredAsk(t *testing.T, coord *coordinator.Coordinator, ref string, options ...string) *protocol.Request {
	t.Helper()
	req, err := coord.CreateRequest(protocol.KindAsk, "Deploy now?",
		protocol.OriginInfo{PID: 4242, SessionID: "sess-1", Cwd: "/repo"},
		coordinator.CreateOpts{Options: options, Timeout: time.Hour})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if err := coord.AttachExternalRef(req.ID, ref); err != nil {
		t.Fatalf("AttachExternalRef: %v", err)
	}
	return req
}

func status(t *testing.T, coord *coordinator.Coordinator, id string) *protocol.Response {
	t.Helper()
	_, resp, ok := coord.Lookup(id)
	if !ok {
		t.Fatalf("request %s missing", id)
	}
	return resp
}

func TestHandleReply_RecordsAnswer(t *testing.T) {
	r, coord := setup(t, nil)
	req := deliveredAsk(t, coord, "msg-1")

	res, ok := r.HandleReply(context.Background(), Reply{AuthorID: owner, ReferencedMessageID: "msg-1", Content: "  go ahead \n"})
	if !ok || res.RequestID != req.ID || res.Answer != "go ahead" {
		t.Fatalf("HandleReply = %+v, %v", res, ok)
	}
	if resp := status(t, coord, req.ID); resp.Status != protocol.StatusAnswered || resp.AnswerText != "go ahead" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestHandleReply_Ignored(t *testing.T) {
	r, coord := setup(t, nil)
	req := deliveredAsk(t, coord, "msg-1")
	note, _ := coord.CreateRequest(protocol.KindNotify, "fyi", protocol.OriginInfo{}, coordinator.CreateOpts{})
	if err := coord.AttachExternalRef(note.ID, "msg-n"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		msg  Reply
	}{
		{"stranger", Reply{AuthorID: "999", ReferencedMessageID: "msg-1", Content: "yes"}},
		{"not a reply", Reply{AuthorID: owner, Content: "yes"}},
		{"unknown ref", Reply{AuthorID: owner, ReferencedMessageID: "msg-404", Content: "yes"}},
		{"blank", Reply{AuthorID: owner, ReferencedMessageID: "msg-1", Content: "   "}},
		{"reply to notify", Reply{AuthorID: owner, ReferencedMessageID: "msg-n", Content: "thanks"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := r.HandleReply(context.Background(), tt.msg); ok {
				t.Error("expected reply to be ignored")
			}
		})
	}
	if resp := status(t, coord, req.ID); resp.Status != protocol.StatusPending {
		t.Errorf("ignored replies changed state: %+v", resp)
	}
}

func TestHandleButton_MapsIndexToLabel(t *testing.T) {
	r, coord := setup(t, nil)
	req := deliveredAsk(t, coord, "msg-1", "Yes", "No")

	res, ok := r.HandleButton(context.Background(), ButtonClick{UserID: owner, CustomID: ButtonToken(req.ID, 1)})
	if !ok || res.Answer != "No" {
		t.Fatalf("HandleButton = %+v, %v", res, ok)
	}
	if resp := status(t, coord, req.ID); resp.AnswerText != "No" {
		t.Errorf("answer = %q", resp.AnswerText)
	}

	// A second click is a no-op that reports the earlier answer.
	res, ok = r.HandleButton(context.Background(), ButtonClick{UserID: owner, CustomID: ButtonToken(req.ID, 0)})
	if ok {
		t.Error("second click should not be recorded")
	}
	if res.Status != protocol.StatusAnswered || res.Answer != "No" || res.RequestID != req.ID {
		t.Errorf("second click result = %+v, want the settled answer", res)
	}
	if resp := status(t, coord, req.ID); resp.AnswerText != "No" {
		t.Errorf("answer overwritten with %q", resp.AnswerText)
	}
}

func TestHandleButton_AfterErrorReportsStatus(t *testing.T) {
	r, coord := setup(t, nil)
	req := deliveredAsk(t, coord, "msg-1", "Yes", "No")
	if _, err := coord.RecordError(req.ID, "boom"); err != nil {
		t.Fatal(err)
	}

	res, ok := r.HandleButton(context.Background(), ButtonClick{UserID: owner, CustomID: ButtonToken(req.ID, 0)})
	if ok {
		t.Fatal("click on an errored request must not be recorded")
	}
	if res.Status != protocol.StatusErrored || res.Answer != "" {
		t.Errorf("result = %+v, want errored status", res)
	}
}

func TestHandleButton_Ignored(t *testing.T) {
	r, coord := setup(t, nil)
	req := deliveredAsk(t, coord, "msg-1", "Yes", "No")

	tests := []struct {
		name  string
		click ButtonClick
	}{
		{"stranger", ButtonClick{UserID: "999", CustomID: ButtonToken(req.ID, 0)}},
		{"out of range", ButtonClick{UserID: owner, CustomID: ButtonToken(req.ID, 2)}},
		{"malformed", ButtonClick{UserID: owner, CustomID: "pingme:" + req.ID}},
		{"unknown request", ButtonClick{UserID: owner, CustomID: ButtonToken("nope", 0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := r.HandleButton(context.Background(), tt.click); ok {
				t.Error("expected click to be ignored")
			}
		})
	}
	if resp := status(t, coord, req.ID); resp.Status != protocol.StatusPending {
		t.Errorf("ignored clicks changed state: %+v", resp)
	}
}

func TestCancelledRequest_ReplyDropped(t *testing.T) {
	r, coord := setup(t, nil)
	req := deliveredAsk(t, coord, "msg-1")
	if _, err := coord.Cancel(req.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.HandleReply(context.Background(), Reply{AuthorID: owner, ReferencedMessageID: "msg-1", Content: "yes"}); ok {
		t.Error("reply to a cancelled request must be dropped")
	}
}

func TestDeadOrigin_TriggersRecovery(t *testing.T) {
	rec := &fakeRecoverer{result: true}
	r, coord := setup(t, rec)
	r.alive = func(int) bool { return false }
	req := deliveredAsk(t, coord, "msg-1")

	if _, ok := r.HandleReply(context.Background(), Reply{AuthorID: owner, ReferencedMessageID: "msg-1", Content: "ship it"}); !ok {
		t.Fatal("answer not recorded")
	}
	r.Wait()

	if rec.callCount() != 1 {
		t.Fatalf("expected one resume attempt, got %d", rec.callCount())
	}
	if got := rec.calls[0]; got != (resumeCall{"sess-1", "/repo", "ship it"}) {
		t.Errorf("unexpected resume call %+v", got)
	}
	if b, _ := coord.Binding(req.ID); b.Alive {
		t.Error("binding should be marked dead")
	}
}

func TestLiveOrigin_NoRecovery(t *testing.T) {
	rec := &fakeRecoverer{result: true}
	r, coord := setup(t, rec)
	deliveredAsk(t, coord, "msg-1")

	if _, ok := r.HandleReply(context.Background(), Reply{AuthorID: owner, ReferencedMessageID: "msg-1", Content: "ok"}); !ok {
		t.Fatal("answer not recorded")
	}
	r.Wait()
	if rec.callCount() != 0 {
		t.Error("recovery must not run for a live origin")
	}
}

func TestRecoveryNeverBlocksRecording(t *testing.T) {
	rec := &fakeRecoverer{block: make(chan struct{}), panics: true}
	r, coord := setup(t, rec)
	r.alive = func(int) bool { return false }
	req := deliveredAsk(t, coord, "msg-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.HandleReply(context.Background(), Reply{AuthorID: owner, ReferencedMessageID: "msg-1", Content: "yes"})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleReply blocked on recovery")
	}
	if resp := status(t, coord, req.ID); resp.Status != protocol.StatusAnswered {
		t.Errorf("answer not recorded while recovery pending: %+v", resp)
	}

	// A panicking recoverer is contained.
	close(rec.block)
	r.Wait()
}

func TestDeadOriginWithoutSession_NoRecovery(t *testing.T) {
	rec := &fakeRecoverer{result: true}
	r, coord := setup(t, rec)
	r.alive = func(int) bool { return false }

	req, err := coord.CreateRequest(protocol.KindAsk, "q", protocol.OriginInfo{PID: 7, Cwd: "/"}, coordinator.CreateOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if err := coord.AttachExternalRef(req.ID, "msg-x"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.HandleReply(context.Background(), Reply{AuthorID: owner, ReferencedMessageID: "msg-x", Content: "y"}); !ok {
		t.Fatal("answer not recorded")
	}
	r.Wait()
	if rec.callCount() != 0 {
		t.Error("recovery needs a session id")
	}
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Error("own process should be alive")
	}
}
