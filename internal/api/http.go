package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/kalambet/imsgd/internal/daemon"
	"github.com/kalambet/imsgd/internal/protocol"
)

const maxRPCBodySize = daemon.MaxLineBytes

// HTTPDeps holds dependencies for the HTTP bridge.
type HTTPDeps struct {
	Dispatcher daemon.Dispatcher
	// Token enables bearer auth when non-empty.
	Token string
	// RateLimit caps requests per second across all clients. Zero disables it.
	RateLimit float64
	Burst     int
}

// NewHTTPHandler exposes the dispatcher over loopback HTTP. Every response
// body is a protocol response envelope.
func NewHTTPHandler(deps HTTPDeps) http.Handler {
	r := chi.NewRouter()
	if deps.Token != "" {
		r.Use(BearerAuth(deps.Token))
	}
	if deps.RateLimit > 0 {
		r.Use(RateLimit(rate.Limit(deps.RateLimit), deps.Burst))
	}

	r.Get("/health", handleMethod(deps, "health"))
	r.Get("/v1/{method}", handleMethod(deps, ""))
	r.Post("/v1/rpc", handleRPC(deps))

	return r
}

func handleMethod(deps HTTPDeps, fixed string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		method := fixed
		if method == "" {
			method = chi.URLParam(r, "method")
		}
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = "http-" + method
		}
		writeDispatch(w, r, deps, id, method, queryParams(r))
	}
}

func handleRPC(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodySize)
		defer r.Body.Close()

		started := time.Now()
		var body json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, protocol.CodeInvalidJSON, "invalid request body: %v", err)
			return
		}

		req, err := protocol.DecodeRequest(body)
		if err != nil {
			code, id, msg := protocol.CodeOf(err), "", err.Error()
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				id, msg = de.ID, de.Message
			}
			writeResponse(w, statusFor(code), protocol.Failure(id, code, msg, time.Since(started)))
			return
		}
		writeDispatch(w, r, deps, req.ID, req.Method, req.Params)
	}
}

func writeDispatch(w http.ResponseWriter, r *http.Request, deps HTTPDeps, id, method string, params protocol.Params) {
	started := time.Now()
	result, err := deps.Dispatcher.Dispatch(r.Context(), method, params)
	if err != nil {
		code := protocol.CodeOf(err)
		writeResponse(w, statusFor(code), protocol.Failure(id, code, err.Error(), time.Since(started)))
		return
	}
	writeResponse(w, http.StatusOK, protocol.Success(id, result, time.Since(started)))
}

func writeResponse(w http.ResponseWriter, status int, resp protocol.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(protocol.EncodeResponse(resp))
}

// queryParams turns query values into params. Integers become json.Number so
// they read the same as values decoded from the socket.
func queryParams(r *http.Request) protocol.Params {
	params := protocol.Params{}
	for key, vals := range r.URL.Query() {
		if len(vals) == 0 {
			continue
		}
		v := strings.TrimSpace(vals[len(vals)-1])
		switch {
		case isInteger(v):
			params[key] = json.Number(v)
		case strings.EqualFold(v, "true"), strings.EqualFold(v, "false"):
			params[key] = strings.EqualFold(v, "true")
		default:
			params[key] = v
		}
	}
	return params
}

func isInteger(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// RateLimit rejects requests beyond a shared token bucket with 429.
func RateLimit(limit rate.Limit, burst int) func(http.Handler) http.Handler {
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(limit, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				httpError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func statusFor(code string) int {
	switch code {
	case protocol.CodeInvalidJSON, protocol.CodeInvalidRequest, protocol.CodeUnsupportedVersion:
		return http.StatusBadRequest
	case protocol.CodeUnknownMethod:
		return http.StatusNotFound
	case protocol.CodeRowSource:
		return http.StatusBadGateway
	case protocol.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
