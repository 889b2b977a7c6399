package daemon

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kalambet/imsgd/internal/protocol"
)

const (
	// MaxLineBytes caps a single request line.
	MaxLineBytes = 1 << 20

	// DefaultReadTimeout bounds how long a connection may take to send its
	// request line.
	DefaultReadTimeout = 5 * time.Second

	probeTimeout = 200 * time.Millisecond
)

var errLineTooLong = errors.New("request line too long")

// ServerConfig holds Server settings. Zero values select defaults.
type ServerConfig struct {
	SocketPath  string
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

// Server accepts connections one at a time. Each connection carries exactly
// one request line and receives exactly one response line.
type Server struct {
	socketPath  string
	readTimeout time.Duration
	dispatcher  Dispatcher
	logger      *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer creates a Server. Call Listen (or Serve directly) to bind.
func NewServer(cfg ServerConfig, d Dispatcher) *Server {
	s := &Server{
		socketPath:  cfg.SocketPath,
		readTimeout: cfg.ReadTimeout,
		dispatcher:  d,
		logger:      cfg.Logger,
	}
	if s.readTimeout <= 0 {
		s.readTimeout = DefaultReadTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// SocketPath returns the path the server binds.
func (s *Server) SocketPath() string { return s.socketPath }

// Listen binds the socket. A leftover socket file from a dead daemon is
// removed; a live daemon on the same path yields ErrAlreadyRunning.
func (s *Server) Listen() error {
	if err := ensureSocketDir(s.socketPath); err != nil {
		return err
	}
	if conn, err := net.DialTimeout("unix", s.socketPath, probeTimeout); err == nil {
		conn.Close()
		return fmt.Errorf("%w on %s", ErrAlreadyRunning, s.socketPath)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("setting socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Serve accepts and handles connections sequentially until ctx is cancelled
// or Close is called. It binds first if Listen has not been called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.logger.Info("daemon listening", "socket", s.socketPath)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.handleConn(ctx, conn)
	}
}

// Close stops accepting and removes the socket file. It is safe to call more
// than once.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	// Never bound: the socket file, if any, belongs to someone else.
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	if rmErr := os.Remove(s.socketPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	line, err := readLine(bufio.NewReader(conn), MaxLineBytes)
	if err != nil && !errors.Is(err, errLineTooLong) {
		if !errors.Is(err, io.EOF) {
			s.logger.Debug("reading request", "error", err)
		}
		return
	}
	started := time.Now()

	if errors.Is(err, errLineTooLong) {
		if id := protocol.SalvageID(line); id != "" {
			s.write(conn, protocol.Failure(id, protocol.CodeInvalidRequest, errLineTooLong.Error(), time.Since(started)))
		}
		return
	}

	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	req, err := protocol.DecodeRequest(line)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) && de.ID != "" {
			s.write(conn, protocol.Failure(de.ID, de.Code, de.Message, time.Since(started)))
			return
		}
		s.logger.Debug("dropping undecodable request", "error", err)
		return
	}

	result, err := safeDispatch(context.WithoutCancel(ctx), s.dispatcher, s.logger, req.Method, req.Params)
	var resp protocol.Response
	if err != nil {
		resp = protocol.Failure(req.ID, protocol.CodeOf(err), err.Error(), time.Since(started))
	} else {
		resp = protocol.Success(req.ID, result, time.Since(started))
	}
	s.write(conn, resp)

	s.logger.Debug("request served",
		"method", req.Method,
		"id", req.ID,
		"ok", resp.OK,
		"server_ms", resp.Meta.ServerMS,
	)
}

func (s *Server) write(conn net.Conn, resp protocol.Response) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.readTimeout))
	if _, err := conn.Write(protocol.EncodeResponse(resp)); err != nil {
		s.logger.Debug("writing response", "id", resp.ID, "error", err)
	}
}

// readLine reads up to and excluding '\n'. Data cut short by EOF is returned
// as a line. When the line exceeds limit bytes, the prefix read so far is
// returned with errLineTooLong.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > limit {
			return line[:limit], errLineTooLong
		}
		switch {
		case err == nil:
			return line[:len(line)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return line, nil
		default:
			return nil, err
		}
	}
}

func ensureSocketDir(socketPath string) error {
	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	return nil
}
