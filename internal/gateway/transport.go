package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hostlane/hostlane/internal/buildinfo"
)

const maxErrorBody = 64 << 10

// jsonClient is the HTTPS transport shared by the Proxmox and panel adapters.
// Request bodies are JSON unless in is url.Values, which is form-encoded.
type jsonClient struct {
	provider   string
	baseURL    string
	authHeader string
	httpClient *http.Client
	// notFound lets an adapter recognize provider-specific "gone" replies
	// that do not use a 404 status.
	notFound func(status int, message string) bool
}

func (c *jsonClient) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	contentType := "application/json"
	switch v := in.(type) {
	case nil:
	case url.Values:
		body = strings.NewReader(v.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		payload, err := json.Marshal(v)
		if err != nil {
			return newError(c.provider, op, KindMalformed, 0, "encode request", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return newError(c.provider, op, KindMalformed, 0, "create request", err)
	}
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return classifyTransportError(c.provider, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		message := extractErrorMessage(respBody)
		if message == "" {
			// Proxmox puts the reason for 5xx replies in the status line.
			message = strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
		}
		kind := classifyStatus(resp.StatusCode, message)
		if c.notFound != nil && c.notFound(resp.StatusCode, message) {
			kind = KindNotFound
		}
		return newError(c.provider, op, kind, resp.StatusCode, message, nil)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransportError(c.provider, op, fmt.Errorf("read response: %w", err))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return newError(c.provider, op, KindMalformed, resp.StatusCode, "decode response", err)
	}
	return nil
}

func (c *jsonClient) client() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return http.DefaultClient
}

// extractErrorMessage understands the error envelopes used by the supported
// providers: {"errors":{"field":"msg"}}, {"errors":[{"detail":"msg"}]},
// {"message":"msg"} and {"error":{"message":"msg"}}.
func extractErrorMessage(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}
	var envelope struct {
		Errors  json.RawMessage `json:"errors"`
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return truncate(string(trimmed), 512)
	}
	var parts []string
	if len(envelope.Errors) > 0 {
		var byField map[string]string
		var list []struct {
			Code   string `json:"code"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(envelope.Errors, &byField) == nil {
			for field, msg := range byField {
				parts = append(parts, field+": "+strings.TrimSpace(msg))
			}
		} else if json.Unmarshal(envelope.Errors, &list) == nil {
			for _, item := range list {
				if item.Detail != "" {
					parts = append(parts, item.Detail)
				} else if item.Code != "" {
					parts = append(parts, item.Code)
				}
			}
		}
	}
	if len(parts) == 0 && envelope.Message != "" {
		parts = append(parts, envelope.Message)
	}
	if len(parts) == 0 && len(envelope.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		var flat string
		if json.Unmarshal(envelope.Error, &nested) == nil && nested.Message != "" {
			parts = append(parts, nested.Message)
		} else if json.Unmarshal(envelope.Error, &flat) == nil && flat != "" {
			parts = append(parts, flat)
		}
	}
	if len(parts) == 0 {
		return truncate(string(trimmed), 512)
	}
	return strings.Join(parts, ", ")
}

func truncate(value string, n int) string {
	if len(value) <= n {
		return value
	}
	return value[:n]
}

// NewHTTPClient builds the HTTP client used by provider adapters. TLS
// verification can be disabled for lab setups or pinned to a CA bundle.
func NewHTTPClient(timeout time.Duration, tlsInsecure bool, caPath string) (*http.Client, error) {
	caPath = strings.TrimSpace(caPath)
	if tlsInsecure && caPath != "" {
		return nil, fmt.Errorf("tls_insecure cannot be true when tls_ca_path is set")
	}
	tlsConfig := &tls.Config{
		InsecureSkipVerify: tlsInsecure,
	}
	if caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read tls_ca_path %q: %w", caPath, err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("tls_ca_path %q did not contain any certificates", caPath)
		}
		tlsConfig.RootCAs = pool
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsConfig,
		},
	}, nil
}
