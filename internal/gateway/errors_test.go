package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status  int
		message string
		want    Kind
	}{
		{status: 401, want: KindUnauthorized},
		{status: 403, message: "permission denied", want: KindUnauthorized},
		{status: 403, message: "server quota reached", want: KindQuotaExceeded},
		{status: 404, want: KindNotFound},
		{status: 410, want: KindNotFound},
		{status: 402, want: KindQuotaExceeded},
		{status: 408, want: KindTransient},
		{status: 429, want: KindTransient},
		{status: 500, want: KindTransient},
		{status: 503, want: KindTransient},
		{status: 400, message: "name: invalid", want: KindMalformed},
		{status: 422, message: "No allocations available on node", want: KindQuotaExceeded},
		{status: 409, want: KindMalformed},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%s", tt.status, tt.message), func(t *testing.T) {
			if got := classifyStatus(tt.status, tt.message); got != tt.want {
				t.Fatalf("classifyStatus(%d, %q) = %q, want %q", tt.status, tt.message, got, tt.want)
			}
		})
	}
}

func TestExtractErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "empty", body: "  ", want: ""},
		{name: "field map", body: `{"errors":{"memory":"value too large"}}`, want: "memory: value too large"},
		{name: "list", body: `{"errors":[{"code":"ValidationException","status":"422","detail":"The egg field is required."}]}`, want: "The egg field is required."},
		{name: "list code only", body: `{"errors":[{"code":"NotFoundHttpException"}]}`, want: "NotFoundHttpException"},
		{name: "message", body: `{"message":"rate limited"}`, want: "rate limited"},
		{name: "nested error", body: `{"error":{"code":"forbidden","message":"token readonly"}}`, want: "token readonly"},
		{name: "plain text", body: "Bad Gateway", want: "Bad Gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractErrorMessage([]byte(tt.body)); got != tt.want {
				t.Fatalf("extractErrorMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProviderErrorFormatting(t *testing.T) {
	err := newError("hetzner", "create", KindQuotaExceeded, 403, "server limit reached", nil)
	if got := err.Error(); got != "hetzner create: quota_exceeded (status 403): server limit reached" {
		t.Fatalf("Error() = %q", got)
	}
	wrapped := fmt.Errorf("provision: %w", err)
	if KindOf(wrapped) != KindQuotaExceeded {
		t.Fatalf("KindOf(wrapped) = %q", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != KindNone {
		t.Fatalf("plain errors must have no kind")
	}
}

func TestJSONClientClassifiesResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gone":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"data":null,"message":"Configuration file 'nodes/pve/qemu-server/101.conf' does not exist"}`))
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/bad-json":
			_, _ = w.Write([]byte(`{"data":`))
		case "/auth":
			if r.Header.Get("Authorization") != "Bearer secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer srv.Close()

	client := &jsonClient{
		provider:   "test",
		baseURL:    srv.URL,
		authHeader: "Bearer secret",
		httpClient: srv.Client(),
		notFound:   isProxmoxVMNotFound,
	}
	ctx := context.Background()

	if err := client.do(ctx, "status", http.MethodGet, "/gone", nil, nil); !IsNotFound(err) {
		t.Fatalf("/gone error = %v, want not_found", err)
	}
	if err := client.do(ctx, "status", http.MethodGet, "/busy", nil, nil); !IsTransient(err) {
		t.Fatalf("/busy error = %v, want transient", err)
	} else if !strings.Contains(err.Error(), "Service Unavailable") {
		t.Fatalf("/busy error should carry the status text, got %v", err)
	}
	var out map[string]any
	if err := client.do(ctx, "status", http.MethodGet, "/bad-json", nil, &out); KindOf(err) != KindMalformed {
		t.Fatalf("/bad-json error = %v, want malformed", err)
	}
	if err := client.do(ctx, "status", http.MethodGet, "/auth", nil, &out); err != nil {
		t.Fatalf("/auth error = %v", err)
	}

	client.authHeader = "Bearer wrong"
	if err := client.do(ctx, "status", http.MethodGet, "/auth", nil, nil); KindOf(err) != KindUnauthorized {
		t.Fatalf("/auth with wrong key = %v, want unauthorized", err)
	}

	srv.Close()
	if err := client.do(ctx, "status", http.MethodGet, "/auth", nil, nil); !IsTransient(err) {
		t.Fatalf("closed server error = %v, want transient", err)
	}
}

func TestNewHTTPClientRejectsConflictingTLSOptions(t *testing.T) {
	if _, err := NewHTTPClient(0, true, "/etc/ssl/ca.pem"); err == nil {
		t.Fatalf("expected error when both tls_insecure and tls_ca_path are set")
	}
	client, err := NewHTTPClient(0, false, "")
	if err != nil {
		t.Fatalf("NewHTTPClient() error = %v", err)
	}
	if client.Timeout <= 0 {
		t.Fatalf("expected default timeout, got %v", client.Timeout)
	}
}
