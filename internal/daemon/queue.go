package daemon

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kalambet/imsgd/internal/protocol"
)

type queuedCall struct {
	ctx    context.Context
	method string
	params protocol.Params
	reply  chan queuedResult
}

type queuedResult struct {
	result any
	err    error
}

// Queue serializes calls from several transports onto one worker goroutine,
// which is the only goroutine that touches the wrapped Dispatcher.
type Queue struct {
	target Dispatcher
	logger *slog.Logger
	calls  chan queuedCall
	done   chan struct{}
	once   sync.Once
}

// NewQueue wraps target. depth is the number of calls that may wait for the
// worker before submitters block.
func NewQueue(target Dispatcher, depth int, logger *slog.Logger) *Queue {
	if depth < 0 {
		depth = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		target: target,
		logger: logger,
		calls:  make(chan queuedCall, depth),
		done:   make(chan struct{}),
	}
}

// Run drains the queue until ctx is cancelled. Calls still waiting when Run
// returns fail with ErrStopped.
func (q *Queue) Run(ctx context.Context) error {
	defer q.once.Do(func() { close(q.done) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-q.calls:
			result, err := safeDispatch(c.ctx, q.target, q.logger, c.method, c.params)
			c.reply <- queuedResult{result: result, err: err}
		}
	}
}

// Dispatch submits a call and waits for the worker to finish it.
func (q *Queue) Dispatch(ctx context.Context, method string, params protocol.Params) (any, error) {
	c := queuedCall{
		ctx:    context.WithoutCancel(ctx),
		method: method,
		params: params,
		reply:  make(chan queuedResult, 1),
	}

	select {
	case q.calls <- c:
	case <-q.done:
		return nil, stopped()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-c.reply:
		return r.result, r.err
	case <-q.done:
		// The worker may have finished this call just before exiting.
		select {
		case r := <-c.reply:
			return r.result, r.err
		default:
			return nil, stopped()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func stopped() error {
	return &codedError{code: protocol.CodeUnavailable, err: ErrStopped}
}
