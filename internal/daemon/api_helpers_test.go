package daemon

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type decodePayload struct {
	Name string `json:"name"`
}

func TestDecodeJSONBodySuccess(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"ok"}`))
	var payload decodePayload
	if err := decodeJSON(w, r, &payload); err != nil {
		t.Fatalf("decodeJSON() error = %v", err)
	}
	if payload.Name != "ok" {
		t.Fatalf("payload.Name = %q, want %q", payload.Name, "ok")
	}
}

func TestDecodeJSONBodyEmpty(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	var payload decodePayload
	err := decodeJSON(w, r, &payload)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("decodeJSON() error = %v, want EOF", err)
	}
}

func TestDecodeJSONBodyNil(t *testing.T) {
	w := httptest.NewRecorder()
	r := &http.Request{Body: nil}
	var payload decodePayload
	err := decodeJSON(w, r, &payload)
	if err == nil {
		t.Fatalf("expected error")
	}
	if err.Error() != "request body is required" {
		t.Fatalf("error = %q, want %q", err.Error(), "request body is required")
	}
}

func TestDecodeJSONTrailingData(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"ok"} trailing`))
	var payload decodePayload
	err := decodeJSON(w, r, &payload)
	if err == nil {
		t.Fatalf("expected error")
	}
	if err.Error() != "unexpected trailing data" {
		t.Fatalf("error = %q, want %q", err.Error(), "unexpected trailing data")
	}
}

func TestWriteErrorAddsCode(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusBadRequest, "invalid request body", errors.New("boom"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	var resp V1ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != daemonErrorCodeValidationMalformedJSON || resp.Details != "boom" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestWriteMethodNotAllowed(t *testing.T) {
	w := httptest.NewRecorder()
	writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodDelete})
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("Allow"); got != "GET, DELETE" {
		t.Fatalf("Allow = %q", got)
	}
}
