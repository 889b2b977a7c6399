package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/imsgd/internal/protocol"
)

// DefaultClientTimeout bounds a whole client call.
const DefaultClientTimeout = 5 * time.Second

var (
	// ErrTimeout means the daemon did not answer within the client timeout.
	ErrTimeout = errors.New("daemon request timed out")
	// ErrUnavailable means no daemon is listening on the socket.
	ErrUnavailable = errors.New("daemon unavailable")
)

// RemoteError is an error response returned by the daemon.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Code + ": " + e.Message }

// ErrorCode implements protocol.Coded.
func (e *RemoteError) ErrorCode() string { return e.Code }

// Client sends one request per connection.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a Client. A timeout <= 0 selects DefaultClientTimeout.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// Call sends method with params and returns the decoded response. A response
// with ok=false is returned as-is, not as an error.
func (c *Client) Call(ctx context.Context, method string, params protocol.Params) (protocol.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Response{}, fmt.Errorf("%w: connecting to %s", ErrTimeout, c.socketPath)
		}
		return protocol.Response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	req := protocol.Request{ID: uuid.NewString(), Method: method, Params: params}
	line, err := protocol.EncodeRequest(req)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("encoding request: %w", err)
	}
	if _, err := conn.Write(line); err != nil {
		return protocol.Response{}, c.ioError("sending request", err)
	}

	reply, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		if len(reply) == 0 && !isTimeout(err) {
			return protocol.Response{}, fmt.Errorf("%w: connection closed without a response", ErrUnavailable)
		}
		return protocol.Response{}, c.ioError("reading response", err)
	}

	resp, err := protocol.DecodeResponse(reply)
	if err != nil {
		return protocol.Response{}, err
	}
	if resp.ID != req.ID {
		return protocol.Response{}, fmt.Errorf("response id %q does not match request id %q", resp.ID, req.ID)
	}
	return resp, nil
}

// CallResult is Call followed by decoding the result into out. Error
// responses are returned as *RemoteError.
func (c *Client) CallResult(ctx context.Context, method string, params protocol.Params, out any) error {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if !resp.OK {
		return &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if out == nil {
		return nil
	}
	raw, _ := resp.Result.(json.RawMessage)
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

func (c *Client) ioError(op string, err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
