package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultSocketPath     = "/run/hostlane/hostlaned.sock"
	defaultRequestTimeout = 2 * time.Minute
	maxJSONResponseBytes  = 4 << 20
)

// apiClient talks to hostlaned over its unix socket, or over TCP when a
// base URL is set.
type apiClient struct {
	target     string
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
}

// apiError is the error body returned by the control API.
type apiError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
	State   string `json:"status,omitempty"`
}

func (e *apiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("request failed with status %d", e.Status)
	}
	if e.State != "" {
		msg = fmt.Sprintf("%s (server is %s)", msg, e.State)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Code)
	}
	return msg
}

type serverSpec struct {
	CPU         int `json:"cpu"`
	MemoryMB    int `json:"memory_mb"`
	StorageGB   int `json:"storage_gb"`
	BandwidthGB int `json:"bandwidth_gb,omitempty"`
}

type serverCreateRequest struct {
	OwnerID string     `json:"owner_id,omitempty"`
	Name    string     `json:"name"`
	Type    string     `json:"type"`
	Spec    serverSpec `json:"spec"`
}

type serverResponse struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id"`
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	ExternalID   string     `json:"external_id,omitempty"`
	IPAddress    string     `json:"ip_address,omitempty"`
	Spec         serverSpec `json:"spec"`
	PriceMonthly string     `json:"price_monthly"`
	ExpiresAt    string     `json:"expires_at,omitempty"`
	ReconciledAt string     `json:"reconciled_at,omitempty"`
	CreatedAt    string     `json:"created_at"`
	UpdatedAt    string     `json:"updated_at"`
}

type serversResponse struct {
	Servers []serverResponse `json:"servers"`
}

type extendRequest struct {
	Months     int  `json:"months"`
	UseCredits bool `json:"use_credits"`
}

type activityEntry struct {
	ID            int64  `json:"id"`
	ServerID      string `json:"server_id"`
	ActorID       string `json:"actor_id"`
	Action        string `json:"action"`
	Timestamp     string `json:"timestamp"`
	SourceAddress string `json:"source_address,omitempty"`
	Details       string `json:"details,omitempty"`
}

type activityResponse struct {
	Entries     []activityEntry `json:"entries"`
	NextAfterID int64           `json:"next_after_id,omitempty"`
}

type creditTransaction struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Amount       string `json:"amount"`
	BalanceAfter string `json:"balance_after"`
	Reference    string `json:"reference,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type creditsResponse struct {
	UserID       string              `json:"user_id"`
	Balance      string              `json:"balance"`
	Transactions []creditTransaction `json:"transactions"`
}

type topUpRequest struct {
	Amount    string `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

type statusResponse struct {
	Version  string            `json:"version"`
	Servers  map[string]int    `json:"servers"`
	Gateways map[string]string `json:"gateways"`
	Metrics  struct {
		Enabled bool `json:"enabled"`
	} `json:"metrics"`
}

func newAPIClient(socketPath, baseURL, token string, timeout time.Duration) *apiClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL != "" {
		return &apiClient{
			target:     baseURL,
			baseURL:    baseURL,
			token:      token,
			httpClient: &http.Client{},
			timeout:    timeout,
		}
	}
	path := socketPath
	if path == "" {
		path = defaultSocketPath
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
	return &apiClient{
		target:     path,
		baseURL:    "http://unix",
		token:      token,
		httpClient: &http.Client{Transport: transport},
		timeout:    timeout,
	}
}

// doJSON sends payload as JSON and decodes a successful response into out.
// A nil out discards the body.
func (c *apiClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s via %s: %w", method, path, c.target, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func parseAPIError(status int, data []byte) error {
	apiErr := &apiError{Status: status}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	return apiErr
}

func (c *apiClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c == nil || c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *apiClient) createServer(ctx context.Context, req serverCreateRequest) (serverResponse, error) {
	var out serverResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/servers", req, &out)
	return out, err
}

func (c *apiClient) listServers(ctx context.Context, owner, status string, limit int) ([]serverResponse, error) {
	query := url.Values{}
	if owner != "" {
		query.Set("owner", owner)
	}
	if status != "" {
		query.Set("status", status)
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprint(limit))
	}
	path := "/v1/servers"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out serversResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Servers, nil
}

func (c *apiClient) getServer(ctx context.Context, id string) (serverResponse, error) {
	var out serverResponse
	err := c.doJSON(ctx, http.MethodGet, serverPath(id), nil, &out)
	return out, err
}

func (c *apiClient) deleteServer(ctx context.Context, id string) (serverResponse, error) {
	var out serverResponse
	err := c.doJSON(ctx, http.MethodDelete, serverPath(id), nil, &out)
	return out, err
}

// serverAction posts one of start, stop, restart or reprovision.
func (c *apiClient) serverAction(ctx context.Context, id, action string) (serverResponse, error) {
	var out serverResponse
	err := c.doJSON(ctx, http.MethodPost, serverPath(id)+"/"+action, struct{}{}, &out)
	return out, err
}

func (c *apiClient) extendServer(ctx context.Context, id string, req extendRequest) (serverResponse, error) {
	var out serverResponse
	err := c.doJSON(ctx, http.MethodPost, serverPath(id)+"/extend", req, &out)
	return out, err
}

func (c *apiClient) listActivity(ctx context.Context, id string, after int64, limit int) (activityResponse, error) {
	query := url.Values{}
	if after > 0 {
		query.Set("after", fmt.Sprint(after))
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprint(limit))
	}
	path := serverPath(id) + "/activity"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out activityResponse
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *apiClient) credits(ctx context.Context, userID string, limit int) (creditsResponse, error) {
	path := "/v1/credits/" + url.PathEscape(userID)
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var out creditsResponse
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *apiClient) topUp(ctx context.Context, userID string, req topUpRequest) (creditTransaction, error) {
	var out creditTransaction
	err := c.doJSON(ctx, http.MethodPost, "/v1/credits/"+url.PathEscape(userID)+"/topup", req, &out)
	return out, err
}

func (c *apiClient) status(ctx context.Context) (statusResponse, error) {
	var out statusResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/status", nil, &out)
	return out, err
}

func serverPath(id string) string {
	return "/v1/servers/" + url.PathEscape(id)
}
