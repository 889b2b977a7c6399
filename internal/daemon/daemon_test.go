package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/imsgd/internal/messages"
	"github.com/kalambet/imsgd/internal/protocol"
	"github.com/kalambet/imsgd/internal/service"
)

// socketPath returns a short socket path; t.TempDir paths can exceed the
// sun_path limit on macOS.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "imsgd")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

// mockDispatcher records calls and answers from a function.
type mockDispatcher struct {
	mu    sync.Mutex
	calls []string
	fn    func(method string, params protocol.Params) (any, error)
}

func (m *mockDispatcher) Dispatch(_ context.Context, method string, params protocol.Params) (any, error) {
	m.mu.Lock()
	m.calls = append(m.calls, method)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(method, params)
	}
	return map[string]string{"method": method}, nil
}

func (m *mockDispatcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// startServer runs a server until the test ends.
func startServer(t *testing.T, cfg ServerConfig, d Dispatcher) *Server {
	t.Helper()
	if cfg.SocketPath == "" {
		cfg.SocketPath = socketPath(t)
	}
	srv := NewServer(cfg, d)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return srv
}

// rawExchange writes payload on a fresh connection and returns everything the
// server sends back before closing.
func rawExchange(t *testing.T, path, payload string) string {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := io.WriteString(conn, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(out)
}

func TestServer_SequentialConnections(t *testing.T) {
	d := &mockDispatcher{}
	srv := startServer(t, ServerConfig{}, d)
	client := NewClient(srv.SocketPath(), time.Second)

	for i, method := range []string{"health", "recent", "unread"} {
		resp, err := client.Call(context.Background(), method, nil)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !resp.OK {
			t.Fatalf("call %d: error response %+v", i, resp.Error)
		}
		if resp.Meta.ProtocolV != protocol.Version {
			t.Errorf("protocol_v = %d", resp.Meta.ProtocolV)
		}
		var got map[string]string
		if err := json.Unmarshal(resp.Result.(json.RawMessage), &got); err != nil {
			t.Fatalf("decoding result: %v", err)
		}
		if got["method"] != method {
			t.Errorf("result method = %q, want %q", got["method"], method)
		}
	}
	if d.callCount() != 3 {
		t.Errorf("dispatch count = %d, want 3", d.callCount())
	}
}

func TestServer_SocketPermissions(t *testing.T) {
	srv := startServer(t, ServerConfig{}, &mockDispatcher{})

	info, err := os.Stat(srv.SocketPath())
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("socket mode = %o, want 600", perm)
	}
	dirInfo, err := os.Stat(filepath.Dir(srv.SocketPath()))
	if err != nil {
		t.Fatalf("Stat dir: %v", err)
	}
	if !dirInfo.IsDir() {
		t.Error("socket parent should be a directory")
	}
}

func TestServer_SocketDirCreated(t *testing.T) {
	path := filepath.Join(filepath.Dir(socketPath(t)), "nested", "d.sock")
	srv := startServer(t, ServerConfig{SocketPath: path}, &mockDispatcher{})

	info, err := os.Stat(filepath.Dir(srv.SocketPath()))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("socket dir mode = %o, want 700", perm)
	}
}

func TestServer_RemovesStaleSocketFile(t *testing.T) {
	path := socketPath(t)
	if err := os.WriteFile(path, []byte("stale"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	srv := startServer(t, ServerConfig{SocketPath: path}, &mockDispatcher{})
	if _, err := NewClient(srv.SocketPath(), time.Second).Call(context.Background(), "health", nil); err != nil {
		t.Fatalf("Call after stale removal: %v", err)
	}
}

func TestServer_AlreadyRunning(t *testing.T) {
	srv := startServer(t, ServerConfig{}, &mockDispatcher{})

	second := NewServer(ServerConfig{SocketPath: srv.SocketPath()}, &mockDispatcher{})
	if err := second.Listen(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Listen error = %v, want ErrAlreadyRunning", err)
	}
	second.Close()

	if _, err := os.Stat(srv.SocketPath()); err != nil {
		t.Errorf("running daemon's socket was removed: %v", err)
	}
}

func TestServer_EmptyLineClosesSilently(t *testing.T) {
	d := &mockDispatcher{}
	srv := startServer(t, ServerConfig{}, d)

	if out := rawExchange(t, srv.SocketPath(), "\n"); out != "" {
		t.Errorf("response to empty line = %q, want nothing", out)
	}
	if out := rawExchange(t, srv.SocketPath(), "   \r\n"); out != "" {
		t.Errorf("response to blank line = %q, want nothing", out)
	}
	if d.callCount() != 0 {
		t.Errorf("dispatch count = %d, want 0", d.callCount())
	}
}

func TestServer_DecodeFailures(t *testing.T) {
	srv := startServer(t, ServerConfig{}, &mockDispatcher{})

	tests := []struct {
		name     string
		payload  string
		wantCode string
		wantID   string
	}{
		{"invalid JSON with id", `{"id":"x1","method":` + "\n", protocol.CodeInvalidJSON, "x1"},
		{"missing method", `{"id":"x2"}` + "\n", protocol.CodeInvalidRequest, "x2"},
		{"bad version", `{"id":"x3","v":9,"method":"health"}` + "\n", protocol.CodeUnsupportedVersion, "x3"},
		{"no id", `{"method":"health"` + "\n", "", ""},
		{"garbage", "hello\n", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := rawExchange(t, srv.SocketPath(), tt.payload)
			if tt.wantCode == "" {
				if out != "" {
					t.Errorf("response = %q, want connection closed without reply", out)
				}
				return
			}
			resp, err := protocol.DecodeResponse([]byte(out))
			if err != nil {
				t.Fatalf("DecodeResponse(%q): %v", out, err)
			}
			if resp.OK || resp.Error.Code != tt.wantCode || resp.ID != tt.wantID {
				t.Errorf("response = %+v %+v, want %s for %s", resp, resp.Error, tt.wantCode, tt.wantID)
			}
		})
	}
}

func TestServer_RequestWithoutTrailingNewline(t *testing.T) {
	srv := startServer(t, ServerConfig{}, &mockDispatcher{})

	conn, err := net.Dial("unix", srv.SocketPath())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := io.WriteString(conn, `{"id":"eof","method":"health"}`); err != nil {
		t.Fatalf("Write: %v", err)
	}
	conn.(*net.UnixConn).CloseWrite()

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	resp, err := protocol.DecodeResponse(line)
	if err != nil || !resp.OK || resp.ID != "eof" {
		t.Errorf("response = %+v, err = %v", resp, err)
	}
}

func TestServer_DispatchErrors(t *testing.T) {
	d := &mockDispatcher{fn: func(method string, _ protocol.Params) (any, error) {
		switch method {
		case "panic":
			panic("handler exploded")
		case "coded":
			return nil, &codedError{code: protocol.CodeRowSource, err: errors.New("disk gone")}
		default:
			return "fine", nil
		}
	}}
	srv := startServer(t, ServerConfig{}, d)
	client := NewClient(srv.SocketPath(), time.Second)

	resp, err := client.Call(context.Background(), "panic", nil)
	if err != nil {
		t.Fatalf("Call(panic): %v", err)
	}
	if resp.OK || resp.Error.Code != protocol.CodeInternal {
		t.Errorf("panic response = %+v, want INTERNAL_ERROR", resp.Error)
	}

	resp, err = client.Call(context.Background(), "coded", nil)
	if err != nil {
		t.Fatalf("Call(coded): %v", err)
	}
	if resp.OK || resp.Error.Code != protocol.CodeRowSource || resp.Error.Message != "disk gone" {
		t.Errorf("coded response = %+v", resp.Error)
	}

	// The server survives a panicking handler.
	var out string
	if err := client.CallResult(context.Background(), "after", nil, &out); err != nil || out != "fine" {
		t.Errorf("CallResult after panic = (%q, %v)", out, err)
	}
}

func TestServer_SilentPeerDoesNotWedge(t *testing.T) {
	srv := startServer(t, ServerConfig{ReadTimeout: 100 * time.Millisecond}, &mockDispatcher{})

	silent, err := net.Dial("unix", srv.SocketPath())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer silent.Close()

	resp, err := NewClient(srv.SocketPath(), 3*time.Second).Call(context.Background(), "health", nil)
	if err != nil || !resp.OK {
		t.Fatalf("call behind silent peer = (%+v, %v)", resp, err)
	}

	_ = silent.SetReadDeadline(time.Now().Add(time.Second))
	if n, err := silent.Read(make([]byte, 1)); n != 0 || !errors.Is(err, io.EOF) {
		t.Errorf("silent peer read = (%d, %v), want EOF after server timeout", n, err)
	}
}

func TestServer_LineTooLong(t *testing.T) {
	d := &mockDispatcher{}
	srv := startServer(t, ServerConfig{}, d)

	payload := `{"id":"big","method":"recent","params":{"pad":"` + strings.Repeat("x", MaxLineBytes) + `"}}` + "\n"
	conn, err := net.Dial("unix", srv.SocketPath())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	go io.WriteString(conn, payload)
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	resp, err := protocol.DecodeResponse(line)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if resp.OK || resp.ID != "big" || resp.Error.Code != protocol.CodeInvalidRequest {
		t.Errorf("response = %+v %+v", resp, resp.Error)
	}
	if d.callCount() != 0 {
		t.Error("oversized request must not be dispatched")
	}
}

func TestServer_LineTooLongWithoutIDClosesSilently(t *testing.T) {
	d := &mockDispatcher{}
	srv := startServer(t, ServerConfig{}, d)

	payload := `{"method":"recent","params":{"pad":"` + strings.Repeat("x", MaxLineBytes) + `"}}` + "\n"
	conn, err := net.Dial("unix", srv.SocketPath())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	go io.WriteString(conn, payload)
	data, _ := io.ReadAll(conn)
	if len(data) != 0 {
		t.Errorf("got %q, want the connection closed with no response", data)
	}
	if d.callCount() != 0 {
		t.Error("oversized request must not be dispatched")
	}

	// The server keeps accepting.
	resp, err := NewClient(srv.SocketPath(), time.Second).Call(context.Background(), "health", nil)
	if err != nil || !resp.OK {
		t.Errorf("follow-up call = (%+v, %v)", resp, err)
	}
}

func TestServer_CloseRemovesSocket(t *testing.T) {
	path := socketPath(t)
	srv := NewServer(ServerConfig{SocketPath: path}, &mockDispatcher{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("socket never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket still present after shutdown: %v", err)
	}
}

func TestClient_Unavailable(t *testing.T) {
	_, err := NewClient(socketPath(t), time.Second).Call(context.Background(), "health", nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	path := socketPath(t)
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	// Accept and never answer.
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	t.Cleanup(func() {
		select {
		case conn := <-accepted:
			conn.Close()
		default:
		}
	})

	start := time.Now()
	_, err = NewClient(path, 100*time.Millisecond).Call(context.Background(), "health", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestClient_RemoteError(t *testing.T) {
	d := &mockDispatcher{fn: func(string, protocol.Params) (any, error) {
		return nil, &codedError{code: protocol.CodeUnknownMethod, err: errors.New("unknown method: nope")}
	}}
	srv := startServer(t, ServerConfig{}, d)

	err := NewClient(srv.SocketPath(), time.Second).CallResult(context.Background(), "nope", nil, nil)
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != protocol.CodeUnknownMethod {
		t.Errorf("error = %v, want RemoteError UNKNOWN_METHOD", err)
	}
}

// slowDispatcher fails the test if two calls ever overlap.
type slowDispatcher struct {
	inflight atomic.Int32
	total    atomic.Int32
	overlap  atomic.Bool
}

func (s *slowDispatcher) Dispatch(context.Context, string, protocol.Params) (any, error) {
	if s.inflight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	time.Sleep(time.Millisecond)
	s.inflight.Add(-1)
	return s.total.Add(1), nil
}

func TestQueue_SerializesCalls(t *testing.T) {
	target := &slowDispatcher{}
	q := NewQueue(target, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Dispatch(context.Background(), "recent", nil); err != nil {
				t.Errorf("Dispatch: %v", err)
			}
		}()
	}
	wg.Wait()

	if target.overlap.Load() {
		t.Error("queue let two calls run at once")
	}
	if got := target.total.Load(); got != 20 {
		t.Errorf("total calls = %d, want 20", got)
	}
}

func TestQueue_Stopped(t *testing.T) {
	q := NewQueue(&mockDispatcher{}, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	_, err := q.Dispatch(context.Background(), "health", nil)
	if !errors.Is(err, ErrStopped) || protocol.CodeOf(err) != protocol.CodeUnavailable {
		t.Errorf("error = %v, want UNAVAILABLE ErrStopped", err)
	}
}

func TestQueue_RecoversPanic(t *testing.T) {
	q := NewQueue(&mockDispatcher{fn: func(string, protocol.Params) (any, error) { panic("boom") }}, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	_, err := q.Dispatch(context.Background(), "x", nil)
	if protocol.CodeOf(err) != protocol.CodeInternal {
		t.Errorf("error = %v, want INTERNAL_ERROR", err)
	}
}

// fakeRows serves a fixed table for the end-to-end test.
type fakeRows struct{ rows []messages.Row }

func (f fakeRows) Rows(_ context.Context, q messages.Query) ([]messages.Row, error) {
	var out []messages.Row
	for _, r := range f.rows {
		if r.Date >= q.Since {
			out = append(out, r)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func TestEndToEnd_ServiceOverQueue(t *testing.T) {
	now := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	body := []byte("streamtypedNSString\x01\x94\x84\x01+\x05Hello\x86\x84")
	svc, err := service.New(service.Deps{
		Rows: fakeRows{rows: []messages.Row{
			{Body: body, Date: 757_382_400_000_000_000, Handle: "+15551234567"},
		}},
		Now: func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}

	q := NewQueue(svc, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	srv := startServer(t, ServerConfig{}, q)
	client := NewClient(srv.SocketPath(), time.Second)

	var recent service.RecentResult
	if err := client.CallResult(context.Background(), "recent", nil, &recent); err != nil {
		t.Fatalf("recent: %v", err)
	}
	if recent.Count != 1 || recent.Messages[0].Text != "Hello" {
		t.Errorf("recent = %+v", recent)
	}
	if !strings.HasPrefix(recent.Messages[0].Date.Format(time.RFC3339), "2025-01-01") {
		t.Errorf("date = %v, want 2025-01-01", recent.Messages[0].Date)
	}

	err = client.CallResult(context.Background(), "bogus", nil, nil)
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != protocol.CodeUnknownMethod {
		t.Errorf("bogus method error = %v, want UNKNOWN_METHOD", err)
	}
}
