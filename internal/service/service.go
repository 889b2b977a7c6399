// Package service holds the daemon's warm state and dispatches requests to
// method handlers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/kalambet/imsgd/internal/contacts"
	"github.com/kalambet/imsgd/internal/messages"
	"github.com/kalambet/imsgd/internal/protocol"
)

// RowSource supplies message rows. *chatdb.Store implements it.
type RowSource interface {
	Rows(ctx context.Context, q messages.Query) ([]messages.Row, error)
}

// ContactLookup maps handles to names and back. *contacts.Directory implements it.
type ContactLookup interface {
	DisplayName(handle string) (string, bool)
	PhoneForName(name string) (string, bool)
	Len() int
}

var (
	ErrUnknownMethod = errors.New("unknown method")
	ErrRowSource     = errors.New("row source failure")
	ErrTerminated    = errors.New("service terminated")
)

// Error is a handler failure with a protocol error code.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode implements protocol.Coded.
func (e *Error) ErrorCode() string { return e.Code }

func rowSourceError(err error) error {
	return &Error{
		Code:    protocol.CodeRowSource,
		Message: "reading messages: " + err.Error(),
		Err:     fmt.Errorf("%w: %w", ErrRowSource, err),
	}
}

// State is the service lifecycle stage.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateBusy
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Limits applied to every limit-like parameter.
const maxLimit = 500

// maxDays caps day-count parameters so day arithmetic stays within int64.
const maxDays = 36500

// Deps are the collaborators a Service is built from.
type Deps struct {
	Rows     RowSource
	Contacts ContactLookup
	// Now defaults to time.Now.
	Now     func() time.Time
	Version string
	Logger  *slog.Logger
}

type handlerFunc func(ctx context.Context, p protocol.Params) (any, error)

// Service owns one row source and one contact table for the life of the
// process. It does no locking: callers must serialize Dispatch.
type Service struct {
	rows      RowSource
	contacts  ContactLookup
	now       func() time.Time
	version   string
	logger    *slog.Logger
	pid       int
	startedAt time.Time
	state     State
	handlers  map[string]handlerFunc
}

// New builds a ready Service.
func New(deps Deps) (*Service, error) {
	if deps.Rows == nil {
		return nil, errors.New("service: row source is required")
	}
	s := &Service{
		rows:     deps.Rows,
		contacts: deps.Contacts,
		now:      deps.Now,
		version:  deps.Version,
		logger:   deps.Logger,
		pid:      os.Getpid(),
	}
	if s.contacts == nil {
		s.contacts = contacts.Empty()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.version == "" {
		s.version = "dev"
	}
	s.handlers = map[string]handlerFunc{
		"health":    s.health,
		"recent":    s.recent,
		"unread":    s.unread,
		"analytics": s.analytics,
		"followup":  s.followup,
		"handles":   s.handles,
		"unknown":   s.unknown,
		"discover":  s.discover,
		"bundle":    s.bundle,
	}
	s.startedAt = s.now()
	s.state = StateReady
	return s, nil
}

// State returns the current lifecycle stage.
func (s *Service) State() State { return s.state }

// Methods returns the dispatchable method names in sorted order.
func (s *Service) Methods() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs one method. Errors are *Error values carrying a protocol code.
func (s *Service) Dispatch(ctx context.Context, method string, params protocol.Params) (any, error) {
	if s.state != StateReady {
		return nil, &Error{
			Code:    protocol.CodeUnavailable,
			Message: "service is " + s.state.String(),
			Err:     ErrTerminated,
		}
	}

	h, ok := s.handlers[method]
	if !ok {
		return nil, &Error{
			Code:    protocol.CodeUnknownMethod,
			Message: "unknown method: " + method,
			Err:     ErrUnknownMethod,
		}
	}
	if params == nil {
		params = protocol.Params{}
	}

	s.state = StateBusy
	defer func() {
		if s.state == StateBusy {
			s.state = StateReady
		}
	}()

	start := time.Now()
	result, err := h(ctx, params)
	if err != nil {
		s.logger.Warn("method failed", "method", method, "error", err)
		return nil, err
	}
	s.logger.Debug("method served", "method", method, "elapsed", time.Since(start))
	return result, nil
}

// Close moves the service to its terminal state. The row source is owned by
// the caller and is not closed here.
func (s *Service) Close() {
	s.state = StateTerminated
}

// fetch runs one row query, wrapping failures as ROW_SOURCE_ERROR.
func (s *Service) fetch(ctx context.Context, q messages.Query) ([]messages.Row, error) {
	rows, err := s.rows.Rows(ctx, q)
	if err != nil {
		return nil, rowSourceError(err)
	}
	return rows, nil
}

// normalize builds client messages with contact names attached.
func (s *Service) normalize(rows []messages.Row) []messages.Message {
	out := messages.NormalizeAll(rows)
	for i := range out {
		out[i].ContactName = s.contactName(out[i].Phone)
	}
	return out
}

func (s *Service) contactName(handle string) string {
	if handle == "" {
		return ""
	}
	name, _ := s.contacts.DisplayName(handle)
	return name
}

func (s *Service) cutoff(days int) int64 {
	return messages.CutoffDaysAgo(s.now(), days)
}
