// Package daemon serves the request dispatcher over a Unix domain socket and
// provides the matching one-shot client.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/kalambet/imsgd/internal/protocol"
)

// Dispatcher runs one method call. *service.Service and *Queue implement it.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, params protocol.Params) (any, error)
}

var (
	// ErrStopped is returned by a Queue whose worker has exited.
	ErrStopped = errors.New("dispatch queue stopped")
	// ErrAlreadyRunning is returned by Listen when another daemon answers on
	// the socket path.
	ErrAlreadyRunning = errors.New("daemon already running")
)

// codedError attaches a protocol error code to an error.
type codedError struct {
	code string
	err  error
}

func (e *codedError) Error() string     { return e.err.Error() }
func (e *codedError) Unwrap() error     { return e.err }
func (e *codedError) ErrorCode() string { return e.code }

// safeDispatch calls d and turns a handler panic into an INTERNAL_ERROR.
func safeDispatch(ctx context.Context, d Dispatcher, logger *slog.Logger, method string, params protocol.Params) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panic", "method", method, "panic", r, "stack", string(debug.Stack()))
			result = nil
			err = &codedError{code: protocol.CodeInternal, err: fmt.Errorf("internal error in %s: %v", method, r)}
		}
	}()
	return d.Dispatch(ctx, method, params)
}
