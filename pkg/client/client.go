// Package client is the CLI side of the daemon's NDJSON socket protocol.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"time"

	"pingme/pkg/protocol"
)

// CeilingSlack is added to an Ask's effective timeout to get the hard limit
// the CLI waits for any terminal record.
const CeilingSlack = 60 * time.Second

// Client is one connection to the daemon. It is not safe for concurrent use.
type Client struct {
	socketPath string
	conn       net.Conn
	scanner    *bufio.Scanner
}

// Dial connects to the daemon socket. Failures are reported as
// *protocol.ConnectError.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, &protocol.ConnectError{SocketPath: socketPath, Err: err}
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxLineBytes)
	return &Client{socketPath: socketPath, conn: conn, scanner: scanner}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send delivers a notification and returns the daemon's ack.
func (c *Client) Send(ctx context.Context, message string, origin protocol.OriginInfo) (protocol.AckPayload, error) {
	stop := c.bind(ctx)
	defer stop()

	if err := c.write(protocol.MsgSend, protocol.SendPayload{Message: message, SessionInfo: origin}); err != nil {
		return protocol.AckPayload{}, err
	}
	return c.readAck()
}

// AskOptions tunes an Ask.
type AskOptions struct {
	Options []string
	// Timeout is sent to the daemon; zero means the daemon default.
	Timeout time.Duration
	// DefaultTimeout is the daemon default, used only to size the local
	// ceiling when Timeout is zero.
	DefaultTimeout time.Duration
	NoWait         bool
}

// AskResult is the outcome of a successful Ask.
type AskResult struct {
	RequestID        string
	DiscordMessageID string
	Answer           string    // empty for NoWait
	AnsweredAt       time.Time // zero for NoWait
}

// Ask submits a question. Unless NoWait is set it blocks until the daemon
// reports an answer, a timeout or an error, or until the ceiling passes.
// A timeout is returned as *protocol.TimeoutError and a daemon error record
// as *protocol.RemoteError.
func (c *Client) Ask(ctx context.Context, message string, origin protocol.OriginInfo, opts AskOptions) (AskResult, error) {
	effective := opts.Timeout
	if effective <= 0 {
		effective = opts.DefaultTimeout
	}
	ceiling := effective + CeilingSlack
	if ceiling < effective {
		ceiling = time.Duration(math.MaxInt64)
	}
	ctx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()
	stop := c.bind(ctx)
	defer stop()

	payload := protocol.AskPayload{
		Message:     message,
		Options:     opts.Options,
		SessionInfo: origin,
		NoWait:      opts.NoWait,
	}
	if opts.Timeout > 0 {
		ms := max(opts.Timeout.Milliseconds(), 1)
		payload.Timeout = &ms
	}
	if err := c.write(protocol.MsgAsk, payload); err != nil {
		return AskResult{}, err
	}

	ack, err := c.readAck()
	if err != nil {
		return AskResult{}, c.ceilingErr(err, "", ceiling)
	}
	res := AskResult{RequestID: ack.RequestID, DiscordMessageID: ack.DiscordMessageID}
	if opts.NoWait {
		return res, nil
	}

	for {
		msg, err := c.read()
		if err != nil {
			return res, c.ceilingErr(err, res.RequestID, ceiling)
		}
		switch msg.Type {
		case protocol.MsgResponse:
			var p protocol.ResponsePayload
			if err := msg.Payload(&p); err != nil {
				return res, err
			}
			res.Answer = p.Response
			res.AnsweredAt = time.UnixMilli(p.AnsweredAt)
			return res, nil
		case protocol.MsgTimeout:
			return res, &protocol.TimeoutError{RequestID: res.RequestID}
		case protocol.MsgError:
			return res, remoteError(msg)
		default:
			// Records not meant for this wait are skipped.
		}
	}
}

// Status fetches the daemon's view of a request.
func (c *Client) Status(ctx context.Context, requestID string) (protocol.StatusPayload, error) {
	stop := c.bind(ctx)
	defer stop()

	if err := c.write(protocol.MsgStatus, protocol.RequestRef{RequestID: requestID}); err != nil {
		return protocol.StatusPayload{}, err
	}
	msg, err := c.read()
	if err != nil {
		return protocol.StatusPayload{}, err
	}
	switch msg.Type {
	case protocol.MsgStatus:
		var p protocol.StatusPayload
		if err := msg.Payload(&p); err != nil {
			return protocol.StatusPayload{}, err
		}
		return p, nil
	case protocol.MsgError:
		return protocol.StatusPayload{}, remoteError(msg)
	default:
		return protocol.StatusPayload{}, &protocol.ProtocolError{Reason: fmt.Sprintf("unexpected %s reply to status", msg.Type)}
	}
}

// Cancel stops a pending request.
func (c *Client) Cancel(ctx context.Context, requestID string) error {
	stop := c.bind(ctx)
	defer stop()

	if err := c.write(protocol.MsgCancel, protocol.RequestRef{RequestID: requestID}); err != nil {
		return err
	}
	_, err := c.readAck()
	return err
}

// bind makes blocking socket calls return once ctx is done.
func (c *Client) bind(ctx context.Context) func() bool {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	}
	return context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
}

func (c *Client) write(typ protocol.MessageType, payload any) error {
	msg, err := protocol.NewMessage(typ, payload)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

func (c *Client) read() (protocol.Message, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return protocol.Message{}, fmt.Errorf("read from daemon: %w", err)
		}
		return protocol.Message{}, errors.New("daemon closed the connection")
	}
	return protocol.Decode(c.scanner.Bytes())
}

func (c *Client) readAck() (protocol.AckPayload, error) {
	msg, err := c.read()
	if err != nil {
		return protocol.AckPayload{}, err
	}
	switch msg.Type {
	case protocol.MsgAck:
		var ack protocol.AckPayload
		if err := msg.Payload(&ack); err != nil {
			return protocol.AckPayload{}, err
		}
		return ack, nil
	case protocol.MsgError:
		return protocol.AckPayload{}, remoteError(msg)
	default:
		return protocol.AckPayload{}, &protocol.ProtocolError{Reason: fmt.Sprintf("expected ack, got %s", msg.Type)}
	}
}

// ceilingErr turns a read deadline into a timeout naming the ceiling.
func (c *Client) ceilingErr(err error, requestID string, ceiling time.Duration) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("daemon sent nothing within %s: %w", ceiling, &protocol.TimeoutError{RequestID: requestID})
	}
	return err
}

func remoteError(msg protocol.Message) error {
	var p protocol.ErrorPayload
	if err := msg.Payload(&p); err != nil {
		return err
	}
	return &protocol.RemoteError{RequestID: p.RequestID, Code: p.Code, Message: p.Message}
}
