// Package router turns inbound Discord activity into answers. A reply to a
// delivered DM and a click on one of its buttons are both normalized to
// (request id, answer text) and handed to the coordinator.
//
// Before an answer is recorded the router checks whether the process that
// asked is still alive. If it is gone and its session is known, the recovery
// adapter is started in the background; recording never waits on it.
package router

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"

	"pingme/pkg/coordinator"
	"pingme/pkg/protocol"
)

// Recoverer resumes a dead agent session and types the answer into it.
// Production impl is *recovery.Tmux.
type Recoverer interface {
	AttemptResume(ctx context.Context, sessionID, cwd, answer string) bool
}

// Reply is a DM that references an earlier message.
type Reply struct {
	AuthorID            string
	ReferencedMessageID string
	Content             string
}

// ButtonClick is a component interaction on a delivered DM.
type ButtonClick struct {
	UserID   string
	CustomID string
}

// Result describes the request an inbound event resolved to. When the event
// did not record a new answer because the request was already settled,
// Status holds the earlier terminal state and Answer the earlier answer.
type Result struct {
	RequestID string
	Answer    string
	Status    protocol.Status
}

// Router resolves replies and button clicks.
type Router struct {
	userID    string
	coord     *coordinator.Coordinator
	recoverer Recoverer
	logger    *slog.Logger

	// alive allows tests to fake process liveness.
	alive func(pid int) bool

	wg sync.WaitGroup
}

// New creates a Router that accepts answers only from userID. recoverer may
// be nil to disable recovery.
func New(userID string, coord *coordinator.Coordinator, recoverer Recoverer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		userID:    userID,
		coord:     coord,
		recoverer: recoverer,
		logger:    logger,
		alive:     processAlive,
	}
}

// HandleReply records the content of a reply-to-message as the answer.
// Anything that is not a reply from the authorized user to a known Ask is
// ignored.
func (r *Router) HandleReply(ctx context.Context, m Reply) (Result, bool) {
	if m.AuthorID != r.userID || m.ReferencedMessageID == "" {
		return Result{}, false
	}
	answer := strings.TrimSpace(m.Content)
	if answer == "" {
		return Result{}, false
	}
	req, ok := r.coord.LookupByExternalRef(m.ReferencedMessageID)
	if !ok || req.Kind != protocol.KindAsk {
		return Result{}, false
	}
	return r.finalize(ctx, req, answer)
}

// HandleButton records the label of the clicked option as the answer.
func (r *Router) HandleButton(ctx context.Context, click ButtonClick) (Result, bool) {
	if click.UserID != r.userID {
		r.logger.Debug("button click from unauthorized user ignored", "user_id", click.UserID)
		return Result{}, false
	}
	id, index, ok := ParseButtonToken(click.CustomID)
	if !ok {
		return Result{}, false
	}
	req, _, ok := r.coord.Lookup(id)
	if !ok || req.Kind != protocol.KindAsk {
		return Result{}, false
	}
	if index >= len(req.Options) {
		r.logger.Debug("button index out of range", "request_id", id, "index", index)
		return Result{}, false
	}
	return r.finalize(ctx, req, req.Options[index])
}

// finalize checks the originating process, records the answer, and starts
// recovery when nobody is left to read it.
func (r *Router) finalize(ctx context.Context, req *protocol.Request, answer string) (Result, bool) {
	binding, hasBinding := r.coord.Binding(req.ID)
	dead := hasBinding && binding.PID > 0 && !r.alive(binding.PID)
	if dead && binding.Alive {
		if err := r.coord.MarkTerminalLiveness(req.ID, false); err != nil {
			r.logger.Warn("mark binding dead", "request_id", req.ID, "error", err)
		}
	}

	recorded, err := r.coord.RecordAnswer(req.ID, answer)
	if err != nil {
		var nf *protocol.RequestNotFoundError
		if errors.As(err, &nf) {
			return Result{}, false
		}
		// Persistence failed after the transition was applied in memory.
		r.logger.Error("record answer", "request_id", req.ID, "error", err)
	}
	if !recorded {
		return r.settled(req.ID), false
	}
	r.logger.Info("answer recorded", "request_id", req.ID, "origin_alive", !dead)

	if dead && binding.SessionID != "" && r.recoverer != nil {
		r.resume(ctx, req.ID, binding, answer)
	}
	return Result{RequestID: req.ID, Answer: answer, Status: protocol.StatusAnswered}, true
}

// settled reports the terminal state of a request that was closed before
// this event arrived.
func (r *Router) settled(id string) Result {
	_, resp, ok := r.coord.Lookup(id)
	if !ok || !resp.Status.Terminal() {
		return Result{}
	}
	return Result{RequestID: id, Answer: resp.AnswerText, Status: resp.Status}
}

func (r *Router) resume(ctx context.Context, id string, b *protocol.TerminalBinding, answer string) {
	// The answer is already recorded; the attempt outlives the inbound event.
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("recovery panic", "request_id", id, "panic", p)
			}
		}()
		ok := r.recoverer.AttemptResume(ctx, b.SessionID, b.Cwd, answer)
		r.coord.RecordRecovery(id, ok)
		if ok {
			r.logger.Info("session resumed with answer", "request_id", id, "session_id", b.SessionID)
		} else {
			r.logger.Warn("session recovery failed", "request_id", id, "session_id", b.SessionID)
		}
	}()
}

// Wait blocks until background recovery attempts finish.
func (r *Router) Wait() {
	r.wg.Wait()
}

// processAlive probes pid with signal 0. EPERM means the process exists but
// belongs to someone else.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
