// Package protocol implements the newline-delimited JSON envelope spoken on
// the daemon socket.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the only protocol version this build speaks.
const Version = 1

// Error codes carried in ErrorInfo.Code.
const (
	CodeInvalidJSON        = "INVALID_JSON"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeUnsupportedVersion = "UNSUPPORTED_VERSION"
	CodeUnknownMethod      = "UNKNOWN_METHOD"
	CodeRowSource          = "ROW_SOURCE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
	CodeUnavailable        = "UNAVAILABLE"
)

// Request is one client call.
type Request struct {
	ID     string `json:"id"`
	V      int    `json:"v"`
	Method string `json:"method"`
	Params Params `json:"params"`
}

// ErrorInfo describes a failed call.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Meta is attached to every response.
type Meta struct {
	ServerMS  float64 `json:"server_ms"`
	ProtocolV int     `json:"protocol_v"`
}

// Response answers exactly one Request. Exactly one of Result and Error is
// meaningful, selected by OK. After decoding, Result holds a json.RawMessage.
type Response struct {
	ID     string
	OK     bool
	Result any
	Error  *ErrorInfo
	Meta   Meta
}

type successWire struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result"`
	Meta   Meta   `json:"meta"`
}

type failureWire struct {
	ID    string     `json:"id"`
	OK    bool       `json:"ok"`
	Error *ErrorInfo `json:"error"`
	Meta  Meta       `json:"meta"`
}

// MarshalJSON emits either result or error, never both.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.OK {
		return json.Marshal(successWire{ID: r.ID, OK: true, Result: r.Result, Meta: r.Meta})
	}
	info := r.Error
	if info == nil {
		info = &ErrorInfo{Code: CodeInternal, Message: "unknown error"}
	}
	return json.Marshal(failureWire{ID: r.ID, OK: false, Error: info, Meta: r.Meta})
}

// UnmarshalJSON keeps the result undecoded so callers can pick its shape.
func (r *Response) UnmarshalJSON(data []byte) error {
	var w struct {
		ID     string          `json:"id"`
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result"`
		Error  *ErrorInfo      `json:"error"`
		Meta   Meta            `json:"meta"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Response{ID: w.ID, OK: w.OK, Error: w.Error, Meta: w.Meta}
	if w.OK {
		r.Result = w.Result
	} else if w.Error == nil {
		return errors.New("error response without error object")
	}
	return nil
}

// Success builds an ok response.
func Success(id string, result any, elapsed time.Duration) Response {
	return Response{ID: id, OK: true, Result: result, Meta: newMeta(elapsed)}
}

// Failure builds an error response.
func Failure(id, code, message string, elapsed time.Duration) Response {
	return Response{
		ID:    id,
		OK:    false,
		Error: &ErrorInfo{Code: code, Message: message},
		Meta:  newMeta(elapsed),
	}
}

func newMeta(elapsed time.Duration) Meta {
	return Meta{
		ServerMS:  float64(elapsed.Microseconds()) / 1000,
		ProtocolV: Version,
	}
}

// DecodeError reports a request line that could not be turned into a Request.
// ID is the request id when one could be salvaged from the line.
type DecodeError struct {
	Code    string
	Message string
	ID      string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorCode implements Coded.
func (e *DecodeError) ErrorCode() string { return e.Code }

// Coded is implemented by errors that map to a protocol error code.
type Coded interface {
	ErrorCode() string
}

// CodeOf returns the protocol error code for err, CodeInternal if it has none.
func CodeOf(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return CodeInternal
}

// DecodeRequest parses and validates a single request line. Errors are always
// *DecodeError.
func DecodeRequest(line []byte) (Request, error) {
	var raw struct {
		ID     any `json:"id"`
		V      any `json:"v"`
		Method any `json:"method"`
		Params any `json:"params"`
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Request{}, &DecodeError{Code: CodeInvalidJSON, Message: "invalid JSON: " + err.Error(), ID: SalvageID(line)}
	}
	if dec.More() {
		return Request{}, &DecodeError{Code: CodeInvalidJSON, Message: "trailing data after request object", ID: SalvageID(line)}
	}

	id, _ := raw.ID.(string)
	invalid := func(msg string) (Request, error) {
		return Request{}, &DecodeError{Code: CodeInvalidRequest, Message: msg, ID: id}
	}
	if id == "" {
		return invalid("missing or non-string id")
	}

	method, _ := raw.Method.(string)
	if method == "" {
		return invalid("missing or non-string method")
	}

	params := Params{}
	switch p := raw.Params.(type) {
	case nil:
	case map[string]any:
		params = p
	default:
		return invalid("params must be an object")
	}

	if !supportedVersion(raw.V) {
		return Request{}, &DecodeError{
			Code:    CodeUnsupportedVersion,
			Message: fmt.Sprintf("unsupported protocol version %v, want %d", raw.V, Version),
			ID:      id,
		}
	}

	return Request{ID: id, V: Version, Method: method, Params: params}, nil
}

func supportedVersion(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case json.Number:
		n, err := v.Int64()
		return err == nil && n == Version
	default:
		return false
	}
}

// SalvageID extracts a string "id" member from the top level of a possibly
// malformed JSON object. It returns "" when no id can be recovered.
func SalvageID(line []byte) string {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return ""
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		key, ok := tok.(string)
		if !ok {
			return ""
		}
		if key == "id" {
			tok, err := dec.Token()
			if err != nil {
				return ""
			}
			id, _ := tok.(string)
			return id
		}
		if err := skipValue(dec); err != nil {
			return ""
		}
	}
}

// skipValue consumes one complete JSON value from dec.
func skipValue(dec *json.Decoder) error {
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
		if depth == 0 {
			return nil
		}
	}
}

// MarshalLine encodes v as one JSON line terminated by '\n'.
func MarshalLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// EncodeResponse encodes a response line. A result that cannot be marshalled
// becomes an INTERNAL_ERROR response for the same id.
func EncodeResponse(r Response) []byte {
	line, err := MarshalLine(r)
	if err == nil {
		return line
	}
	fallback := Failure(r.ID, CodeInternal, "encoding result: "+err.Error(), 0)
	fallback.Meta = r.Meta
	line, _ = MarshalLine(fallback)
	return line
}

// EncodeRequest encodes a request line.
func EncodeRequest(r Request) ([]byte, error) {
	if r.V == 0 {
		r.V = Version
	}
	if r.Params == nil {
		r.Params = Params{}
	}
	return MarshalLine(r)
}

// DecodeResponse parses a single response line.
func DecodeResponse(line []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(line, &r); err != nil {
		return Response{}, fmt.Errorf("decoding response: %w", err)
	}
	return r, nil
}
