package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
)

// HetznerServerType is one entry of the size table used to pick a Hetzner
// server type for a requested spec.
type HetznerServerType struct {
	Name      string `yaml:"name"`
	CPU       int    `yaml:"cpu"`
	MemoryMB  int    `yaml:"memory_mb"`
	StorageGB int    `yaml:"storage_gb"`
}

// DefaultHetznerServerTypes is the shared-vCPU line, smallest first.
func DefaultHetznerServerTypes() []HetznerServerType {
	return []HetznerServerType{
		{Name: "cx22", CPU: 2, MemoryMB: 4096, StorageGB: 40},
		{Name: "cx32", CPU: 4, MemoryMB: 8192, StorageGB: 80},
		{Name: "cx42", CPU: 8, MemoryMB: 16384, StorageGB: 160},
		{Name: "cx52", CPU: 16, MemoryMB: 32768, StorageGB: 320},
	}
}

// HetznerConfig configures the Hetzner Cloud adapter.
type HetznerConfig struct {
	Token    string
	Image    string
	Location string
	// ServerTypes must be ordered smallest first. Empty uses DefaultHetznerServerTypes.
	ServerTypes []HetznerServerType
	// Endpoint overrides the API endpoint. Used by tests.
	Endpoint   string
	HTTPClient *http.Client
	// Version is reported in the User-Agent.
	Version string
}

// Hetzner provisions VPS resources on Hetzner Cloud. External identifiers
// are numeric server ids.
type Hetzner struct {
	client   *hcloud.Client
	image    string
	location string
	types    []HetznerServerType
}

var _ Gateway = (*Hetzner)(nil)

const hetznerServerLabel = "hostlane.io/server-id"

// NewHetzner validates cfg and builds the adapter.
func NewHetzner(cfg HetznerConfig) (*Hetzner, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("hetzner token is required")
	}
	opts := []hcloud.ClientOption{
		hcloud.WithToken(cfg.Token),
		hcloud.WithApplication("hostlane", cfg.Version),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, hcloud.WithEndpoint(cfg.Endpoint))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, hcloud.WithHTTPClient(cfg.HTTPClient))
	}
	h := &Hetzner{
		client:   hcloud.NewClient(opts...),
		image:    cfg.Image,
		location: cfg.Location,
		types:    cfg.ServerTypes,
	}
	if h.image == "" {
		h.image = "ubuntu-24.04"
	}
	if h.location == "" {
		h.location = "fsn1"
	}
	if len(h.types) == 0 {
		h.types = DefaultHetznerServerTypes()
	}
	return h, nil
}

func (h *Hetzner) Provider() string {
	return "hetzner"
}

// Create boots a server sized to the request. A server already carrying the
// derived name is adopted, so a retried create never produces a duplicate.
func (h *Hetzner) Create(ctx context.Context, req CreateRequest) (string, error) {
	const op = "create"
	serverType, err := h.pickServerType(req)
	if err != nil {
		return "", newError(h.Provider(), op, KindMalformed, 0, err.Error(), nil)
	}
	name := providerName(req.ServerID)
	if existing, err := h.adopt(ctx, name); err != nil || existing != "" {
		return existing, err
	}

	result, _, err := h.client.Server.Create(ctx, hcloud.ServerCreateOpts{
		Name:       name,
		ServerType: &hcloud.ServerType{Name: serverType},
		Image:      &hcloud.Image{Name: h.image},
		Location:   &hcloud.Location{Name: h.location},
		Labels: map[string]string{
			hetznerServerLabel: req.ServerID,
			"hostlane.io/type":  strings.ToLower(string(req.Type)),
		},
		StartAfterCreate: hcloud.Ptr(true),
	})
	if err != nil {
		if hcloud.IsError(err, hcloud.ErrorCodeUniquenessError) {
			if existing, adoptErr := h.adopt(ctx, name); adoptErr == nil && existing != "" {
				return existing, nil
			}
		}
		return "", h.classify(op, err)
	}
	if result.Server == nil {
		return "", newError(h.Provider(), op, KindMalformed, 0, "create returned no server", nil)
	}
	actions := append([]*hcloud.Action{}, result.NextActions...)
	if result.Action != nil {
		actions = append([]*hcloud.Action{result.Action}, actions...)
	}
	if err := h.client.Action.WaitFor(ctx, actions...); err != nil {
		h.cleanup(result.Server)
		return "", h.classify(op, err)
	}
	return strconv.FormatInt(result.Server.ID, 10), nil
}

func (h *Hetzner) adopt(ctx context.Context, name string) (string, error) {
	server, _, err := h.client.Server.GetByName(ctx, name)
	if err != nil {
		return "", h.classify("create", err)
	}
	if server == nil {
		return "", nil
	}
	if server.Status == hcloud.ServerStatusOff {
		if err := h.wait(ctx, "create", func() (*hcloud.Action, *hcloud.Response, error) {
			return h.client.Server.Poweron(ctx, server)
		}); err != nil {
			return "", err
		}
	}
	return strconv.FormatInt(server.ID, 10), nil
}

func (h *Hetzner) cleanup(server *hcloud.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCleanupTimeout)
	defer cancel()
	_, _, _ = h.client.Server.DeleteWithResult(ctx, server)
}

// pickServerType returns the smallest configured type covering the requested ServerSpec.
func (h *Hetzner) pickServerType(req CreateRequest) (string, error) {
	for _, t := range h.types {
		if t.CPU >= req.Spec.CPU && t.MemoryMB >= req.Spec.MemoryMB && t.StorageGB >= req.Spec.StorageGB {
			return t.Name, nil
		}
	}
	return "", fmt.Errorf("no hetzner server type fits cpu=%d memory_mb=%d storage_gb=%d",
		req.Spec.CPU, req.Spec.MemoryMB, req.Spec.StorageGB)
}

func (h *Hetzner) Start(ctx context.Context, externalID string) error {
	return h.action(ctx, "start", externalID, h.client.Server.Poweron)
}

// Stop powers the server off without waiting for a guest shutdown.
func (h *Hetzner) Stop(ctx context.Context, externalID string) error {
	return h.action(ctx, "stop", externalID, h.client.Server.Poweroff)
}

func (h *Hetzner) Restart(ctx context.Context, externalID string) error {
	return h.action(ctx, "restart", externalID, h.client.Server.Reboot)
}

func (h *Hetzner) action(ctx context.Context, op, externalID string, fn func(context.Context, *hcloud.Server) (*hcloud.Action, *hcloud.Response, error)) error {
	server, err := h.lookup(ctx, op, externalID)
	if err != nil {
		return err
	}
	return h.wait(ctx, op, func() (*hcloud.Action, *hcloud.Response, error) {
		return fn(ctx, server)
	})
}

func (h *Hetzner) wait(ctx context.Context, op string, fn func() (*hcloud.Action, *hcloud.Response, error)) error {
	action, _, err := fn()
	if err != nil {
		return h.classify(op, err)
	}
	if action == nil {
		return nil
	}
	if err := h.client.Action.WaitFor(ctx, action); err != nil {
		return h.classify(op, err)
	}
	return nil
}

// Delete removes the server. A server that is already gone counts as deleted.
func (h *Hetzner) Delete(ctx context.Context, externalID string) error {
	const op = "delete"
	id, err := parseHetznerID(externalID)
	if err != nil {
		return newError(h.Provider(), op, KindMalformed, 0, err.Error(), nil)
	}
	result, _, err := h.client.Server.DeleteWithResult(ctx, &hcloud.Server{ID: id})
	if err != nil {
		if hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
			return nil
		}
		return h.classify(op, err)
	}
	if result != nil && result.Action != nil {
		if err := h.client.Action.WaitFor(ctx, result.Action); err != nil {
			return h.classify(op, err)
		}
	}
	return nil
}

func (h *Hetzner) GetStatus(ctx context.Context, externalID string) (Status, error) {
	server, err := h.lookup(ctx, "status", externalID)
	if err != nil {
		return Status{}, err
	}
	status := Status{State: hetznerState(server.Status)}
	if server.PublicNet.IPv4.IP != nil && !server.PublicNet.IPv4.IP.IsUnspecified() {
		status.IPAddress = server.PublicNet.IPv4.IP.String()
	}
	return status, nil
}

func hetznerState(status hcloud.ServerStatus) State {
	switch status {
	case hcloud.ServerStatusRunning:
		return StateActive
	case hcloud.ServerStatusOff:
		return StateStopped
	case hcloud.ServerStatusInitializing, hcloud.ServerStatusStarting, hcloud.ServerStatusStopping,
		hcloud.ServerStatusMigrating, hcloud.ServerStatusRebuilding:
		return StatePending
	default:
		return StateError
	}
}

// ResolveExternalIdentifier confirms the server exists. Hetzner actions take
// the numeric id directly, so the identifier is returned unchanged.
func (h *Hetzner) ResolveExternalIdentifier(ctx context.Context, externalID string) (string, error) {
	server, err := h.lookup(ctx, "resolve", externalID)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(server.ID, 10), nil
}

func (h *Hetzner) lookup(ctx context.Context, op, externalID string) (*hcloud.Server, error) {
	id, err := parseHetznerID(externalID)
	if err != nil {
		return nil, newError(h.Provider(), op, KindMalformed, 0, err.Error(), nil)
	}
	server, _, err := h.client.Server.GetByID(ctx, id)
	if err != nil {
		return nil, h.classify(op, err)
	}
	if server == nil {
		return nil, newError(h.Provider(), op, KindNotFound, http.StatusNotFound, fmt.Sprintf("server %d not found", id), nil)
	}
	return server, nil
}

func parseHetznerID(externalID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(externalID), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid hetzner server id %q", externalID)
	}
	return id, nil
}

// classify maps hcloud API and action errors onto the gateway taxonomy.
func (h *Hetzner) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr hcloud.Error
	if errors.As(err, &apiErr) {
		return newError(h.Provider(), op, hetznerKind(apiErr.Code), 0, apiErr.Message, err)
	}
	var actionErr hcloud.ActionError
	if errors.As(err, &actionErr) {
		kind := KindMalformed
		if looksLikeQuota(actionErr.Message) {
			kind = KindQuotaExceeded
		}
		return newError(h.Provider(), op, kind, 0, actionErr.Message, err)
	}
	return classifyTransportError(h.Provider(), op, err)
}

func hetznerKind(code hcloud.ErrorCode) Kind {
	switch code {
	case hcloud.ErrorCodeUnauthorized, hcloud.ErrorCodeForbidden:
		return KindUnauthorized
	case hcloud.ErrorCodeNotFound:
		return KindNotFound
	case hcloud.ErrorCodeResourceLimitExceeded:
		return KindQuotaExceeded
	case hcloud.ErrorCodeRateLimitExceeded, hcloud.ErrorCodeLocked, hcloud.ErrorCodeConflict,
		hcloud.ErrorCodeResourceUnavailable, hcloud.ErrorCodeServiceError,
		hcloud.ErrorCodeMaintenance, hcloud.ErrorCodeTimeout:
		return KindTransient
	default:
		return KindMalformed
	}
}
