package testing

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockHTTPHandler serves queued JSON responses keyed by method and path and
// records every request it sees. It stands in for the control API or a
// provider API in client tests.
type MockHTTPHandler struct {
	mu        sync.Mutex
	responses map[string][]MockResponse
	requests  []MockRequest
}

// MockResponse is one queued reply.
type MockResponse struct {
	Status int
	Body   any
	Header map[string]string
}

// MockRequest is a captured request.
type MockRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// JSON decodes the captured request body into v or fails the test.
func (r MockRequest) JSON(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(r.Body, v); err != nil {
		t.Fatalf("decode %s %s body: %v", r.Method, r.Path, err)
	}
}

func NewMockHTTPHandler() *MockHTTPHandler {
	return &MockHTTPHandler{responses: make(map[string][]MockResponse)}
}

// ServeHTTP replies with the next queued response for the request. The last
// queued response repeats; an unknown route gets a 404 JSON error.
func (m *MockHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.requests = append(m.requests, MockRequest{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     body,
	})
	key := r.Method + " " + r.URL.Path
	queued := m.responses[key]
	var resp MockResponse
	found := len(queued) > 0
	if found {
		resp = queued[0]
		if len(queued) > 1 {
			m.responses[key] = queued[1:]
		}
	}
	m.mu.Unlock()

	if !found {
		resp = MockResponse{Status: http.StatusNotFound, Body: map[string]string{"error": "not found", "code": "v1/not_found"}}
	}
	for k, v := range resp.Header {
		w.Header().Set(k, v)
	}
	if resp.Body != nil {
		w.Header().Set("Content-Type", "application/json")
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != nil {
		_ = json.NewEncoder(w).Encode(resp.Body)
	}
}

// AddResponse queues a JSON reply for method and path.
func (m *MockHTTPHandler) AddResponse(method, path string, status int, body any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := method + " " + path
	m.responses[key] = append(m.responses[key], MockResponse{Status: status, Body: body})
}

// Requests returns a copy of the captured requests.
func (m *MockHTTPHandler) Requests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// LastRequest returns the most recent request or fails the test.
func (m *MockHTTPHandler) LastRequest(t *testing.T) MockRequest {
	t.Helper()
	reqs := m.Requests()
	if len(reqs) == 0 {
		t.Fatalf("no requests captured")
	}
	return reqs[len(reqs)-1]
}

// NewTestServer starts an httptest server over the handler, closed when the
// test completes.
func (m *MockHTTPHandler) NewTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)
	return srv
}
