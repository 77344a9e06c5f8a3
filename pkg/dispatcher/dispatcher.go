// Package dispatcher is the daemon's IPC transport: a Unix socket server
// speaking newline-delimited JSON. Each CLI invocation opens one connection,
// submits a send, ask, status or cancel record, and for a waited-on ask keeps
// the connection open until the coordinator reports a terminal outcome.
//
// Ack is written only after the notifier has delivered the request and its
// external ref is attached, so Ack always precedes the terminal record.
package dispatcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pingme/pkg/coordinator"
	"pingme/pkg/protocol"
)

// --- Interfaces for testability ---

// Notifier delivers a request to the human and returns the external message
// id. Production impl is *discord.Adapter.
type Notifier interface {
	Deliver(ctx context.Context, req *protocol.Request) (string, error)
}

// --- Config ---

// Config holds Dispatcher configuration.
type Config struct {
	SocketPath      string        // UDS socket path.
	DeliveryTimeout time.Duration // Bound on one Deliver call (default 30s).
	ShutdownTimeout time.Duration // Graceful shutdown timeout (default 5s).
	WriteTimeout    time.Duration // Per-record write deadline (default 5s).
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DeliveryTimeout == 0 {
		out.DeliveryTimeout = 30 * time.Second
	}
	if out.ShutdownTimeout == 0 {
		out.ShutdownTimeout = 5 * time.Second
	}
	if out.WriteTimeout == 0 {
		out.WriteTimeout = 5 * time.Second
	}
	return out
}

// peerCheck reports whether the connecting process belongs to our user.
var peerCheck = peerUIDMatchesCurrentUser

// --- Dispatcher ---

// Dispatcher serves CLI connections.
type Dispatcher struct {
	cfg      Config
	coord    *coordinator.Coordinator
	notifier Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	wg sync.WaitGroup
}

// New creates a Dispatcher. It does NOT start listening; call Run().
func New(cfg Config, coord *coordinator.Coordinator, notifier Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		coord:    coord,
		notifier: notifier,
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Run binds the socket and serves until ctx is cancelled. It refuses to start
// when another daemon answers on the socket path.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.cfg.SocketPath), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := cleanStaleSocket(d.cfg.SocketPath); err != nil {
		return err
	}

	ln, err := net.Listen("unix", d.cfg.SocketPath) //nolint:noctx // UDS bind is instant
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", d.cfg.SocketPath, err)
	}
	if err := os.Chmod(d.cfg.SocketPath, 0o600); err != nil {
		_ = ln.Close()
		_ = os.Remove(d.cfg.SocketPath)
		return fmt.Errorf("set socket permissions: %w", err)
	}
	d.mu.Lock()
	d.listener = ln
	d.mu.Unlock()
	d.logger.Info("listening", "socket", d.cfg.SocketPath)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.acceptLoop(ctx, ln)
	}()

	<-ctx.Done()

	// --- Graceful shutdown ---
	_ = ln.Close()
	d.mu.Lock()
	for c := range d.conns {
		_ = c.Close()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.cfg.ShutdownTimeout):
		d.logger.Warn("shutdown timeout, abandoning in-flight connections")
	}
	_ = os.Remove(d.cfg.SocketPath)
	return nil
}

// acceptLoop accepts new CLI connections.
func (d *Dispatcher) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Warn("accept failed", "error", err)
			continue
		}
		d.track(conn, true)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.track(conn, false)
			d.handleConn(ctx, conn)
		}()
	}
}

func (d *Dispatcher) track(conn net.Conn, add bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if add {
		d.conns[conn] = struct{}{}
	} else {
		delete(d.conns, conn)
	}
}

// session is one CLI connection. Writes from the read loop and from ask
// waiters are serialized by mu.
type session struct {
	conn    net.Conn
	timeout time.Duration

	mu sync.Mutex
}

func (s *session) write(typ protocol.MessageType, payload any) error {
	msg, err := protocol.NewMessage(typ, payload)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}
	return nil
}

// handleConn reads line-delimited JSON records from one CLI connection.
// Records on a connection are handled in order.
func (d *Dispatcher) handleConn(ctx context.Context, conn net.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = conn.Close() }()

	s := &session{conn: conn, timeout: d.cfg.WriteTimeout}

	// Foreign peers are closed without a reply.
	ok, err := peerCheck(conn)
	if err != nil || !ok {
		d.logger.Warn("rejected connection", "reason", "peer uid", "error", err)
		return
	}

	var waiters sync.WaitGroup
	defer waiters.Wait()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		d.handleLine(ctx, connCtx, s, &waiters, line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		if errors.Is(err, bufio.ErrTooLong) {
			d.writeError(s, "", protocol.CodeInvalidMessage,
				fmt.Sprintf("record exceeds %d bytes", protocol.MaxLineBytes))
		}
		d.logger.Debug("connection read ended", "error", err)
	}
	// Reader is done (EOF or error); release any ask waiters.
	cancel()
}

// handleLine decodes and dispatches one record. A panic is converted into an
// INTERNAL error record; the connection and the daemon survive.
func (d *Dispatcher) handleLine(ctx, connCtx context.Context, s *session, waiters *sync.WaitGroup, line []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic", "panic", r)
			d.writeError(s, "", protocol.CodeInternal, fmt.Sprintf("internal error: %v", r))
		}
	}()

	msg, err := protocol.Decode(line)
	if err != nil {
		d.logger.Debug("malformed record", "error", err)
		d.writeError(s, "", protocol.CodeInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.MsgSend:
		d.handleSend(ctx, s, msg)
	case protocol.MsgAsk:
		d.handleAsk(ctx, connCtx, s, waiters, msg)
	case protocol.MsgStatus:
		d.handleStatus(s, msg)
	case protocol.MsgCancel:
		d.handleCancel(s, msg)
	default:
		d.writeError(s, "", protocol.CodeUnknownType, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (d *Dispatcher) handleSend(ctx context.Context, s *session, msg protocol.Message) {
	var p protocol.SendPayload
	if err := msg.Payload(&p); err != nil {
		d.writeError(s, "", protocol.CodeInvalidMessage, err.Error())
		return
	}
	_, _ = d.submit(ctx, s, protocol.KindNotify, p.Message, p.SessionInfo, coordinator.CreateOpts{})
}

func (d *Dispatcher) handleAsk(ctx, connCtx context.Context, s *session, waiters *sync.WaitGroup, msg protocol.Message) {
	var p protocol.AskPayload
	if err := msg.Payload(&p); err != nil {
		d.writeError(s, "", protocol.CodeInvalidMessage, err.Error())
		return
	}
	opts := coordinator.CreateOpts{Options: p.Options, NoWait: p.NoWait}
	if p.Timeout != nil {
		if *p.Timeout <= 0 {
			d.writeError(s, "", protocol.CodeInvalidRequest, "timeout must be a positive number of milliseconds")
			return
		}
		opts.Timeout = protocol.Millis(*p.Timeout)
	}

	req, ok := d.submit(ctx, s, protocol.KindAsk, p.Message, p.SessionInfo, opts)
	if !ok || req.NoWait {
		return
	}

	waiters.Add(1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer waiters.Done()
		d.awaitTerminal(connCtx, s, req.ID)
	}()
}

// submit creates the request, delivers it and writes the Ack. It returns
// false when an error record was written instead.
func (d *Dispatcher) submit(ctx context.Context, s *session, kind protocol.Kind, message string, origin protocol.OriginInfo, opts coordinator.CreateOpts) (*protocol.Request, bool) {
	req, err := d.coord.CreateRequest(kind, message, origin, opts)
	if err != nil {
		var ve *protocol.ValidationError
		if errors.As(err, &ve) {
			d.writeError(s, "", protocol.CodeInvalidRequest, ve.Reason)
		} else {
			d.logger.Error("create request", "error", err)
			d.writeError(s, "", protocol.CodeInternal, err.Error())
		}
		return nil, false
	}

	// Delivery is bounded by the daemon's lifetime, not the connection's:
	// a disconnecting CLI does not abort a notification already under way.
	deliverCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	ref, err := d.notifier.Deliver(deliverCtx, req)
	cancel()
	if err != nil {
		derr := &protocol.DeliveryError{RequestID: req.ID, Err: err}
		d.logger.Warn("delivery failed", "request_id", req.ID, "error", err)
		if _, rerr := d.coord.RecordError(req.ID, derr.Error()); rerr != nil {
			d.logger.Error("record delivery error", "request_id", req.ID, "error", rerr)
		}
		d.writeError(s, req.ID, protocol.CodeDeliveryFailed, derr.Error())
		return nil, false
	}

	if err := d.coord.AttachExternalRef(req.ID, ref); err != nil {
		var nf *protocol.RequestNotFoundError
		if errors.As(err, &nf) {
			d.writeError(s, req.ID, protocol.CodeCancelled, "request was cancelled during delivery")
		} else {
			d.logger.Error("attach external ref", "request_id", req.ID, "error", err)
			if _, rerr := d.coord.RecordError(req.ID, "delivery not recorded: "+err.Error()); rerr != nil {
				d.logger.Error("record attach error", "request_id", req.ID, "error", rerr)
			}
			d.writeError(s, req.ID, protocol.CodeInternal, err.Error())
		}
		return nil, false
	}

	if err := s.write(protocol.MsgAck, protocol.AckPayload{RequestID: req.ID, DiscordMessageID: ref}); err != nil {
		d.logger.Debug("ack not written", "request_id", req.ID, "error", err)
	}
	d.logger.Info("request delivered", "request_id", req.ID, "kind", kind, "ref", ref)
	return req, true
}

// awaitTerminal relays the request's single terminal event to the
// connection. It returns early, leaving the request alive, when the client
// disconnects.
func (d *Dispatcher) awaitTerminal(ctx context.Context, s *session, id string) {
	events, unsubscribe, err := d.coord.Subscribe(id)
	if err != nil {
		d.writeError(s, id, protocol.CodeCancelled, "request was cancelled")
		return
	}
	defer unsubscribe()

	select {
	case <-ctx.Done():
		d.logger.Debug("client left before answer", "request_id", id)
	case ev := <-events:
		d.writeEvent(s, ev)
	}
}

func (d *Dispatcher) writeEvent(s *session, ev coordinator.Event) {
	var err error
	switch ev.Kind {
	case coordinator.EventResponse:
		err = s.write(protocol.MsgResponse, protocol.ResponsePayload{
			RequestID:  ev.RequestID,
			Response:   ev.AnswerText,
			AnsweredAt: ev.AnsweredAt.UnixMilli(),
		})
	case coordinator.EventTimeout:
		err = s.write(protocol.MsgTimeout, protocol.TimeoutPayload{RequestID: ev.RequestID})
	case coordinator.EventCancelled:
		err = s.write(protocol.MsgError, protocol.ErrorPayload{
			RequestID: ev.RequestID, Code: protocol.CodeCancelled, Message: "request was cancelled",
		})
	default:
		err = s.write(protocol.MsgError, protocol.ErrorPayload{
			RequestID: ev.RequestID, Code: protocol.CodeDeliveryFailed, Message: ev.Detail,
		})
	}
	if err != nil {
		d.logger.Debug("terminal record not written", "request_id", ev.RequestID, "kind", ev.Kind, "error", err)
	}
}

func (d *Dispatcher) handleStatus(s *session, msg protocol.Message) {
	var p protocol.RequestRef
	if err := msg.Payload(&p); err != nil || p.RequestID == "" {
		d.writeError(s, "", protocol.CodeInvalidMessage, "status requires a requestId")
		return
	}
	req, resp, ok := d.coord.Lookup(p.RequestID)
	if !ok {
		d.writeError(s, p.RequestID, protocol.CodeNotFound, "unknown request")
		return
	}
	_ = s.write(protocol.MsgStatus, StatusOf(req, resp))
}

// StatusOf builds the status record for a request.
func StatusOf(req *protocol.Request, resp *protocol.Response) protocol.StatusPayload {
	out := protocol.StatusPayload{
		RequestID:        req.ID,
		Kind:             req.Kind,
		Status:           resp.Status,
		Message:          req.Message,
		Options:          req.Options,
		DiscordMessageID: req.ExternalRef,
		Response:         resp.AnswerText,
		Error:            resp.ErrorDetail,
		CreatedAt:        req.CreatedAt.UnixMilli(),
	}
	if !resp.AnsweredAt.IsZero() {
		out.AnsweredAt = resp.AnsweredAt.UnixMilli()
	}
	return out
}

func (d *Dispatcher) handleCancel(s *session, msg protocol.Message) {
	var p protocol.RequestRef
	if err := msg.Payload(&p); err != nil || p.RequestID == "" {
		d.writeError(s, "", protocol.CodeInvalidMessage, "cancel requires a requestId")
		return
	}
	existed, err := d.coord.Cancel(p.RequestID)
	if err != nil {
		d.logger.Error("cancel", "request_id", p.RequestID, "error", err)
	}
	if !existed {
		d.writeError(s, p.RequestID, protocol.CodeNotFound, "unknown request")
		return
	}
	_ = s.write(protocol.MsgAck, protocol.AckPayload{RequestID: p.RequestID})
}

func (d *Dispatcher) writeError(s *session, requestID string, code protocol.ErrorCode, text string) {
	if err := s.write(protocol.MsgError, protocol.ErrorPayload{RequestID: requestID, Code: code, Message: text}); err != nil {
		d.logger.Debug("error record not written", "code", code, "error", err)
	}
}
