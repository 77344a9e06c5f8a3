// Package coordinator owns every pending notification and question: the
// request and response records, the external message index, the terminal
// bindings, and one deadline timer per outstanding Ask. It is the single
// writer of the persistent store; every mutation is saved before the call
// returns.
//
// Listeners (the IPC transport) receive terminal outcomes through a typed
// channel obtained from Subscribe, keyed by request id.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"pingme/pkg/protocol"
	"pingme/pkg/store"

	"github.com/google/uuid"
)

// RestartErrorDetail is recorded for requests that were still pending at
// startup but never confirmed as delivered.
const RestartErrorDetail = "delivery not confirmed before daemon restart"

// --- Interfaces for testability ---

// Journal receives lifecycle events. Production impl is *eventlog.Journal.
type Journal interface {
	Record(ctx context.Context, eventType, requestID, kind string, payload any) error
}

type nopJournal struct{}

func (nopJournal) Record(context.Context, string, string, string, any) error { return nil }

// --- Events ---

// EventKind identifies a terminal outcome delivered to subscribers.
type EventKind string

// Event kinds.
const (
	EventResponse  EventKind = "response"
	EventTimeout   EventKind = "timeout"
	EventError     EventKind = "error"
	EventCancelled EventKind = "cancelled"
)

// Event is the single terminal notification a subscriber receives.
type Event struct {
	Kind       EventKind
	RequestID  string
	AnswerText string    // EventResponse
	AnsweredAt time.Time // EventResponse
	Detail     string    // EventError
}

// --- Config ---

// Config holds Coordinator configuration.
type Config struct {
	DefaultTimeout time.Duration // Ask timeout when the caller gives none (default 10m).
	MaxTimeout     time.Duration // Upper bound for caller supplied timeouts (default 24h).
	RestartTimeout time.Duration // Fresh window for delivered Asks found pending at startup (default 10m).
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DefaultTimeout == 0 {
		out.DefaultTimeout = 10 * time.Minute
	}
	if out.MaxTimeout == 0 {
		out.MaxTimeout = 24 * time.Hour
	}
	if out.RestartTimeout == 0 {
		out.RestartTimeout = 10 * time.Minute
	}
	return out
}

// CreateOpts carries the optional parts of a new request.
type CreateOpts struct {
	Options []string
	Timeout time.Duration // 0 = configured default
	NoWait  bool
}

// deadline is the cancellation token of one armed timer. A callback whose
// token is no longer the current one for its request does nothing.
type deadline struct {
	timer *time.Timer
}

// --- Coordinator ---

// Coordinator is the request state machine.
type Coordinator struct {
	store   *store.Store
	journal Journal
	logger  *slog.Logger

	mu        sync.Mutex
	cfg       Config
	requests  map[string]*protocol.Request
	responses map[string]*protocol.Response
	refs      map[string]string // external ref -> request id
	bindings  map[string]*protocol.TerminalBinding
	timers    map[string]*deadline
	subs      map[string][]chan Event
	closed    bool

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New loads the persisted state and applies the restart policy to requests
// that were still pending when the previous daemon stopped:
//   - a delivered Ask that is waited on gets a fresh RestartTimeout window;
//   - a request that was never confirmed delivered becomes Errored;
//   - a noWait Ask stays answerable without a timer.
func New(cfg Config, st *store.Store, journal Journal, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if journal == nil {
		journal = nopJournal{}
	}
	snap := st.Load()
	c := &Coordinator{
		store:     st,
		journal:   journal,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		requests:  snap.Requests,
		responses: snap.Responses,
		refs:      snap.ExternalRefs,
		bindings:  snap.Bindings,
		timers:    make(map[string]*deadline),
		subs:      make(map[string][]chan Event),
		nowFunc:   time.Now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	repaired := c.reconcileLocked()
	rearmed, errored := c.applyRestartPolicyLocked()
	if repaired || errored > 0 {
		if err := c.persistLocked(); err != nil {
			return nil, fmt.Errorf("persist restart state: %w", err)
		}
	}
	if len(c.requests) > 0 {
		c.logger.Info("restored requests",
			"requests", len(c.requests), "rearmed", rearmed, "errored", errored)
	}
	return c, nil
}

// reconcileLocked drops dangling cross references left by a crash between
// the two independent saves.
func (c *Coordinator) reconcileLocked() bool {
	changed := false
	now := c.nowFunc()
	for id, req := range c.requests {
		if _, ok := c.responses[id]; !ok {
			c.responses[id] = &protocol.Response{RequestID: id, Status: protocol.StatusPending, UpdatedAt: now}
			changed = true
		}
		if req.ExternalRef != "" && c.refs[req.ExternalRef] != id {
			c.refs[req.ExternalRef] = id
			changed = true
		}
	}
	for id := range c.responses {
		if _, ok := c.requests[id]; !ok {
			delete(c.responses, id)
			changed = true
		}
	}
	for ref, id := range c.refs {
		if _, ok := c.requests[id]; !ok {
			delete(c.refs, ref)
			changed = true
		}
	}
	for id := range c.bindings {
		if _, ok := c.requests[id]; !ok {
			delete(c.bindings, id)
			changed = true
		}
	}
	return changed
}

func (c *Coordinator) applyRestartPolicyLocked() (rearmed, errored int) {
	for id, req := range c.requests {
		resp := c.responses[id]
		if resp.Status.Terminal() {
			continue
		}
		switch {
		case req.ExternalRef == "":
			c.finishLocked(req, resp, protocol.StatusErrored, "", RestartErrorDetail)
			errored++
		case req.Kind == protocol.KindAsk && !req.NoWait:
			c.armLocked(id, c.cfg.RestartTimeout)
			c.record(protocol.EventRearmed, req, map[string]any{"windowMs": c.cfg.RestartTimeout.Milliseconds()})
			rearmed++
		}
	}
	return rearmed, errored
}

// SetTimeouts replaces the default and maximum Ask timeouts for requests
// created from now on. Used by config hot reload.
func (c *Coordinator) SetTimeouts(defaultTimeout, maxTimeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if defaultTimeout > 0 {
		c.cfg.DefaultTimeout = defaultTimeout
	}
	if maxTimeout > 0 {
		c.cfg.MaxTimeout = maxTimeout
	}
}

// DefaultTimeout returns the current default Ask timeout.
func (c *Coordinator) DefaultTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.DefaultTimeout
}

// CreateRequest validates and stores a new request with a live terminal
// binding. No timer is started until AttachExternalRef.
func (c *Coordinator) CreateRequest(kind protocol.Kind, message string, origin protocol.OriginInfo, opts CreateOpts) (*protocol.Request, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, &protocol.ValidationError{Reason: "message is empty"}
	}
	if len([]rune(message)) > protocol.MaxMessageLen {
		return nil, &protocol.ValidationError{Reason: fmt.Sprintf("message is longer than %d characters", protocol.MaxMessageLen)}
	}
	if kind != protocol.KindNotify && kind != protocol.KindAsk {
		return nil, &protocol.ValidationError{Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
	if kind == protocol.KindNotify && len(opts.Options) > 0 {
		return nil, &protocol.ValidationError{Reason: "options are only allowed on ask"}
	}
	options, err := protocol.NormalizeOptions(opts.Options)
	if err != nil {
		return nil, &protocol.ValidationError{Reason: err.Error()}
	}
	if opts.Timeout < 0 {
		return nil, &protocol.ValidationError{Reason: "timeout must not be negative"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.New("coordinator is closed")
	}

	req := &protocol.Request{
		ID:        uuid.New().String(),
		Kind:      kind,
		Message:   message,
		Options:   options,
		Origin:    origin,
		CreatedAt: c.nowFunc(),
	}
	if kind == protocol.KindAsk {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = c.cfg.DefaultTimeout
		}
		if timeout > c.cfg.MaxTimeout {
			c.logger.Warn("ask timeout clamped", "requested", timeout, "max", c.cfg.MaxTimeout)
			timeout = c.cfg.MaxTimeout
		}
		req.TimeoutMs = timeout.Milliseconds()
		req.NoWait = opts.NoWait
	}

	c.requests[req.ID] = req
	c.responses[req.ID] = &protocol.Response{RequestID: req.ID, Status: protocol.StatusPending, UpdatedAt: req.CreatedAt}
	c.bindings[req.ID] = &protocol.TerminalBinding{
		RequestID: req.ID,
		PID:       origin.PID,
		SessionID: origin.SessionID,
		Cwd:       origin.Cwd,
		Alive:     true,
	}

	if err := c.persistLocked(); err != nil {
		delete(c.requests, req.ID)
		delete(c.responses, req.ID)
		delete(c.bindings, req.ID)
		return nil, fmt.Errorf("persist request %s: %w", req.ID, err)
	}

	c.record(protocol.EventCreated, req, map[string]any{
		"message": req.Message, "options": req.Options, "timeoutMs": req.TimeoutMs,
		"noWait": req.NoWait, "pid": origin.PID, "label": origin.Label,
	})
	c.logger.Debug("request created", "request_id", req.ID, "kind", kind)
	return req.Clone(), nil
}

// AttachExternalRef records the delivered message id and, for a waited-on
// Ask, starts its deadline. Attaching the same ref twice is a no-op.
func (c *Coordinator) AttachExternalRef(id, ref string) error {
	if ref == "" {
		return errors.New("external ref is empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.requests[id]
	if !ok {
		return &protocol.RequestNotFoundError{RequestID: id}
	}
	if req.ExternalRef == ref {
		return nil
	}
	if req.ExternalRef != "" {
		return fmt.Errorf("request %s already attached to %s", id, req.ExternalRef)
	}

	req.ExternalRef = ref
	c.refs[ref] = id
	if err := c.persistLocked(); err != nil {
		req.ExternalRef = ""
		delete(c.refs, ref)
		return fmt.Errorf("persist external ref for %s: %w", id, err)
	}
	c.record(protocol.EventDelivered, req, map[string]string{"ref": ref})

	if req.Timed() && !c.responses[id].Status.Terminal() {
		c.armLocked(id, req.Timeout())
	}
	return nil
}

// armLocked replaces any timer for id with a new one firing after d.
func (c *Coordinator) armLocked(id string, d time.Duration) {
	c.clearTimerLocked(id)
	if c.closed {
		return
	}
	dl := &deadline{}
	dl.timer = time.AfterFunc(d, func() { c.onTimeoutFired(id, dl) })
	c.timers[id] = dl
}

func (c *Coordinator) clearTimerLocked(id string) {
	if dl, ok := c.timers[id]; ok {
		dl.timer.Stop()
		delete(c.timers, id)
	}
}

// onTimeoutFired runs on the timer goroutine.
func (c *Coordinator) onTimeoutFired(id string, dl *deadline) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timers[id] != dl {
		return
	}
	delete(c.timers, id)

	req, ok := c.requests[id]
	if !ok {
		return
	}
	resp := c.responses[id]
	if resp.Status.Terminal() {
		return
	}
	c.finishLocked(req, resp, protocol.StatusTimedOut, "", "")
	if err := c.saveRequestsLocked(); err != nil {
		c.logger.Error("persist timeout", "request_id", id, "error", err)
	}
}

// RecordAnswer moves a pending request to Answered. It returns false
// without changing anything when the request is already terminal; a late
// answer after a timeout is journaled and discarded.
func (c *Coordinator) RecordAnswer(id, text string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.requests[id]
	if !ok {
		return false, &protocol.RequestNotFoundError{RequestID: id}
	}
	resp := c.responses[id]
	if resp.Status.Terminal() {
		if resp.Status != protocol.StatusAnswered {
			c.record(protocol.EventLateAnswer, req, map[string]string{"answer": text, "status": string(resp.Status)})
			c.logger.Info("late answer discarded", "request_id", id, "status", resp.Status)
		}
		return false, nil
	}

	c.finishLocked(req, resp, protocol.StatusAnswered, text, "")
	if err := c.saveRequestsLocked(); err != nil {
		return true, fmt.Errorf("persist answer for %s: %w", id, err)
	}
	return true, nil
}

// RecordError moves a pending request to Errored, e.g. after a failed
// delivery. First terminal status wins.
func (c *Coordinator) RecordError(id, detail string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.requests[id]
	if !ok {
		return false, &protocol.RequestNotFoundError{RequestID: id}
	}
	resp := c.responses[id]
	if resp.Status.Terminal() {
		return false, nil
	}

	c.finishLocked(req, resp, protocol.StatusErrored, "", detail)
	if err := c.saveRequestsLocked(); err != nil {
		return true, fmt.Errorf("persist error for %s: %w", id, err)
	}
	return true, nil
}

// finishLocked applies a terminal transition in memory, clears the timer,
// journals it and notifies subscribers. The caller persists.
func (c *Coordinator) finishLocked(req *protocol.Request, resp *protocol.Response, status protocol.Status, answer, detail string) {
	now := c.nowFunc()
	c.clearTimerLocked(req.ID)

	resp.Status = status
	resp.UpdatedAt = now
	switch status {
	case protocol.StatusAnswered:
		resp.AnswerText = answer
		resp.AnsweredAt = now
		c.record(protocol.EventAnswered, req, map[string]string{"answer": answer})
	case protocol.StatusTimedOut:
		c.record(protocol.EventTimedOut, req, map[string]int64{"timeoutMs": req.TimeoutMs})
	case protocol.StatusErrored:
		resp.ErrorDetail = detail
		c.record(protocol.EventErrored, req, map[string]string{"detail": detail})
	}
	c.logger.Info("request finished", "request_id", req.ID, "kind", req.Kind, "status", status)

	c.emitLocked(req.ID, terminalEvent(resp))
}

func terminalEvent(resp *protocol.Response) Event {
	ev := Event{RequestID: resp.RequestID}
	switch resp.Status {
	case protocol.StatusAnswered:
		ev.Kind = EventResponse
		ev.AnswerText = resp.AnswerText
		ev.AnsweredAt = resp.AnsweredAt
	case protocol.StatusTimedOut:
		ev.Kind = EventTimeout
	default:
		ev.Kind = EventError
		ev.Detail = resp.ErrorDetail
	}
	return ev
}

// emitLocked hands ev to every subscriber of id and forgets them. Each
// channel has room for exactly one event, so sends never block.
func (c *Coordinator) emitLocked(id string, ev Event) {
	for _, ch := range c.subs[id] {
		select {
		case ch <- ev:
		default:
		}
	}
	delete(c.subs, id)
}

// Subscribe returns a channel that receives the request's single terminal
// event, and a func that releases the subscription. If the request is
// already terminal, the event is available immediately.
func (c *Coordinator) Subscribe(id string) (<-chan Event, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.requests[id]; !ok {
		return nil, nil, &protocol.RequestNotFoundError{RequestID: id}
	}
	ch := make(chan Event, 1)
	if resp := c.responses[id]; resp.Status.Terminal() {
		ch <- terminalEvent(resp)
		return ch, func() {}, nil
	}
	c.subs[id] = append(c.subs[id], ch)

	unsubscribe := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.subs[id]
		for i, s := range subs {
			if s == ch {
				c.subs[id] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(c.subs[id]) == 0 {
			delete(c.subs, id)
		}
	}
	return ch, unsubscribe, nil
}

// Lookup returns copies of the request and its response.
func (c *Coordinator) Lookup(id string) (*protocol.Request, *protocol.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.requests[id]
	if !ok {
		return nil, nil, false
	}
	return req.Clone(), c.responses[id].Clone(), true
}

// LookupByExternalRef resolves a delivered message id to its request.
func (c *Coordinator) LookupByExternalRef(ref string) (*protocol.Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.refs[ref]
	if !ok {
		return nil, false
	}
	req, ok := c.requests[id]
	if !ok {
		return nil, false
	}
	return req.Clone(), true
}

// Binding returns a copy of the request's terminal binding.
func (c *Coordinator) Binding(id string) (*protocol.TerminalBinding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.bindings[id]
	if !ok {
		return nil, false
	}
	out := *b
	return &out, true
}

// MarkTerminalLiveness records whether the originating process is alive.
func (c *Coordinator) MarkTerminalLiveness(id string, alive bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.bindings[id]
	if !ok {
		return &protocol.RequestNotFoundError{RequestID: id}
	}
	if b.Alive == alive {
		return nil
	}
	b.Alive = alive
	if err := c.saveSessionsLocked(); err != nil {
		return fmt.Errorf("persist binding for %s: %w", id, err)
	}
	return nil
}

// RecordRecovery journals the outcome of a resume attempt.
func (c *Coordinator) RecordRecovery(id string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, found := c.requests[id]
	if !found {
		req = &protocol.Request{ID: id}
	}
	c.record(protocol.EventRecoveryAttempted, req, map[string]bool{"success": ok})
}

// Cancel removes every trace of a request. Subscribers receive
// EventCancelled. It returns false when the id is unknown.
func (c *Coordinator) Cancel(id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.requests[id]
	if !ok {
		return false, nil
	}
	c.clearTimerLocked(id)
	c.emitLocked(id, Event{Kind: EventCancelled, RequestID: id})
	c.deleteLocked(req)
	c.record(protocol.EventCancelled, req, nil)
	c.logger.Info("request cancelled", "request_id", id)

	if err := c.persistLocked(); err != nil {
		return true, fmt.Errorf("persist cancel of %s: %w", id, err)
	}
	return true, nil
}

func (c *Coordinator) deleteLocked(req *protocol.Request) {
	delete(c.requests, req.ID)
	delete(c.responses, req.ID)
	delete(c.bindings, req.ID)
	if req.ExternalRef != "" {
		delete(c.refs, req.ExternalRef)
	}
}

// Prune deletes requests that finished before cutoff, and delivered
// notifications created before it. Pending Asks are kept. It returns the
// number of requests removed.
func (c *Coordinator) Prune(cutoff time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*protocol.Request
	for id, req := range c.requests {
		resp := c.responses[id]
		switch {
		case resp.Status.Terminal() && resp.UpdatedAt.Before(cutoff):
			victims = append(victims, req)
		case req.Kind == protocol.KindNotify && req.ExternalRef != "" && req.CreatedAt.Before(cutoff):
			victims = append(victims, req)
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}

	for _, req := range victims {
		c.clearTimerLocked(req.ID)
		c.deleteLocked(req)
		c.record(protocol.EventPruned, req, nil)
	}
	c.logger.Info("pruned requests", "count", len(victims), "cutoff", cutoff)

	if err := c.persistLocked(); err != nil {
		return len(victims), fmt.Errorf("persist prune: %w", err)
	}
	return len(victims), nil
}

// Pending returns copies of all non-terminal requests, oldest first.
func (c *Coordinator) Pending() []*protocol.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*protocol.Request
	for id, req := range c.requests {
		if !c.responses[id].Status.Terminal() {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close stops every timer. State stays on disk for the next start.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id := range c.timers {
		c.clearTimerLocked(id)
	}
	c.closed = true
}

// --- persistence ---

func (c *Coordinator) persistLocked() error {
	return errors.Join(c.saveRequestsLocked(), c.saveSessionsLocked())
}

func (c *Coordinator) saveRequestsLocked() error {
	return c.store.SaveRequests(c.requests, c.responses)
}

func (c *Coordinator) saveSessionsLocked() error {
	return c.store.SaveSessions(c.refs, c.bindings)
}

// record journals an event. Failures are logged, never returned.
func (c *Coordinator) record(eventType string, req *protocol.Request, payload any) {
	if err := c.journal.Record(context.Background(), eventType, req.ID, string(req.Kind), payload); err != nil {
		c.logger.Warn("journal write failed", "event", eventType, "request_id", req.ID, "error", err)
	}
}
