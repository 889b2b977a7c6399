package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"id":"r1","v":1,"method":"recent","params":{"limit":5}}` + "\n"))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if req.ID != "r1" || req.Method != "recent" || req.V != Version {
		t.Errorf("request = %+v", req)
	}
	if got := req.Params.Int("limit", 20); got != 5 {
		t.Errorf("limit = %d, want 5", got)
	}
}

func TestDecodeRequest_Defaults(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"id":"r2","method":"health"}`))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if req.Params == nil || len(req.Params) != 0 {
		t.Errorf("params = %v, want empty map", req.Params)
	}
	if req.V != Version {
		t.Errorf("v = %d, want %d", req.V, Version)
	}
}

func TestDecodeRequest_Errors(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		code   string
		wantID string
	}{
		{"garbage", `not json`, CodeInvalidJSON, ""},
		{"truncated with id", `{"id":"abc","method":`, CodeInvalidJSON, "abc"},
		{"id after nested value", `{"params":{"a":[1,{"b":2}]},"id":"deep","method":`, CodeInvalidJSON, "deep"},
		{"trailing data", `{"id":"t","method":"health"} {}`, CodeInvalidJSON, "t"},
		{"missing id", `{"method":"health"}`, CodeInvalidRequest, ""},
		{"numeric id", `{"id":7,"method":"health"}`, CodeInvalidRequest, ""},
		{"missing method", `{"id":"m"}`, CodeInvalidRequest, "m"},
		{"params not object", `{"id":"p","method":"recent","params":[1]}`, CodeInvalidRequest, "p"},
		{"future version", `{"id":"v","v":2,"method":"health"}`, CodeUnsupportedVersion, "v"},
		{"string version", `{"id":"s","v":"1","method":"health"}`, CodeUnsupportedVersion, "s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest([]byte(tt.line))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("error = %v, want *DecodeError", err)
			}
			if de.Code != tt.code {
				t.Errorf("code = %s, want %s", de.Code, tt.code)
			}
			if de.ID != tt.wantID {
				t.Errorf("salvaged id = %q, want %q", de.ID, tt.wantID)
			}
			if CodeOf(err) != tt.code {
				t.Errorf("CodeOf = %s, want %s", CodeOf(err), tt.code)
			}
		})
	}
}

func TestSalvageID(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{`{"id":"ok"}`, "ok"},
		{`{"x":"y","id":"second"`, "second"},
		{`{"id":12}`, ""},
		{`["id","nope"]`, ""},
		{``, ""},
		{`{"method":"recent"`, ""},
	}
	for _, tt := range tests {
		if got := SalvageID([]byte(tt.line)); got != tt.want {
			t.Errorf("SalvageID(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestCodeOf_Uncoded(t *testing.T) {
	if got := CodeOf(errors.New("boom")); got != CodeInternal {
		t.Errorf("CodeOf = %s, want %s", got, CodeInternal)
	}
	wrapped := fmt.Errorf("outer: %w", &DecodeError{Code: CodeInvalidJSON})
	if got := CodeOf(wrapped); got != CodeInvalidJSON {
		t.Errorf("CodeOf(wrapped) = %s, want %s", got, CodeInvalidJSON)
	}
}

func TestResponse_ResultXorError(t *testing.T) {
	ok := Success("a", map[string]int{"count": 2}, 1500*time.Microsecond)
	var got map[string]any
	if err := json.Unmarshal(EncodeResponse(ok), &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, has := got["error"]; has {
		t.Error("success response must not carry error")
	}
	if _, has := got["result"]; !has {
		t.Error("success response must carry result")
	}
	meta := got["meta"].(map[string]any)
	if meta["server_ms"] != 1.5 || meta["protocol_v"] != float64(Version) {
		t.Errorf("meta = %v", meta)
	}

	fail := Failure("b", CodeUnknownMethod, "unknown method: nope", 0)
	got = nil
	if err := json.Unmarshal(EncodeResponse(fail), &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, has := got["result"]; has {
		t.Error("error response must not carry result")
	}
	if got["ok"] != false {
		t.Errorf("ok = %v, want false", got["ok"])
	}
}

func TestEncodeResponse_UnencodableResult(t *testing.T) {
	line := EncodeResponse(Success("c", map[string]any{"bad": make(chan int)}, 0))
	resp, err := DecodeResponse(line)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if resp.OK || resp.Error.Code != CodeInternal || resp.ID != "c" {
		t.Errorf("response = %+v, want INTERNAL_ERROR for id c", resp)
	}
}

func TestRoundTrip(t *testing.T) {
	line, err := EncodeRequest(Request{ID: "rt", Method: "unread", Params: Params{"limit": 3}})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if !strings.HasSuffix(string(line), "\n") || strings.Count(string(line), "\n") != 1 {
		t.Fatalf("request line %q must end in exactly one newline", line)
	}

	req, err := DecodeRequest(line)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if req.ID != "rt" || req.Method != "unread" || req.Params.Int("limit", 0) != 3 {
		t.Errorf("decoded request = %+v", req)
	}

	resp, err := DecodeResponse(EncodeResponse(Success(req.ID, []string{"x"}, 0)))
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if !resp.OK || resp.ID != "rt" {
		t.Fatalf("response = %+v", resp)
	}
	raw, ok := resp.Result.(json.RawMessage)
	if !ok || string(raw) != `["x"]` {
		t.Errorf("result = %v, want raw [\"x\"]", resp.Result)
	}
}

func TestDecodeResponse_ErrorWithoutObject(t *testing.T) {
	if _, err := DecodeResponse([]byte(`{"id":"x","ok":false}`)); err == nil {
		t.Error("expected error for failed response without error object")
	}
}
