package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// PanelProfile describes how one server type is deployed on the panel.
type PanelProfile struct {
	EggID       int               `yaml:"egg_id"`
	DockerImage string            `yaml:"docker_image"`
	Startup     string            `yaml:"startup"`
	Environment map[string]string `yaml:"environment"`
	LocationIDs []int             `yaml:"location_ids"`
}

// PanelConfig configures the game-server panel adapter.
type PanelConfig struct {
	BaseURL string
	// ApplicationKey authorizes the admin API used to create, inspect and delete servers.
	ApplicationKey string
	// ClientKey authorizes the client API used for power signals and live state.
	ClientKey string
	// UserID is the panel account that owns every hostlane-managed server.
	UserID     int
	HTTPClient *http.Client
}

// Panel provisions game servers and application containers on a
// Pterodactyl-compatible panel. External identifiers are the numeric
// application-API ids; power actions need the short client identifier, which
// ResolveExternalIdentifier looks up and caches.
type Panel struct {
	provider string
	profile  PanelProfile
	userID   int
	app      *jsonClient
	client   *jsonClient

	identifiers sync.Map // external id -> client identifier
}

var _ Gateway = (*Panel)(nil)

// NewPanel builds an adapter that deploys every server with profile.
// provider names the adapter in logs and metrics.
func NewPanel(provider string, cfg PanelConfig, profile PanelProfile) (*Panel, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	switch {
	case baseURL == "":
		return nil, errors.New("panel base url is required")
	case strings.TrimSpace(cfg.ApplicationKey) == "":
		return nil, errors.New("panel application key is required")
	case strings.TrimSpace(cfg.ClientKey) == "":
		return nil, errors.New("panel client key is required")
	case cfg.UserID <= 0:
		return nil, errors.New("panel user id must be positive")
	case profile.EggID <= 0:
		return nil, fmt.Errorf("%s: egg id must be positive", provider)
	case strings.TrimSpace(profile.DockerImage) == "":
		return nil, fmt.Errorf("%s: docker image is required", provider)
	case len(profile.LocationIDs) == 0:
		return nil, fmt.Errorf("%s: at least one location id is required", provider)
	}
	if provider == "" {
		provider = "panel"
	}
	return &Panel{
		provider: provider,
		profile:  profile,
		userID:   cfg.UserID,
		app: &jsonClient{
			provider:   provider,
			baseURL:    baseURL,
			authHeader: "Bearer " + cfg.ApplicationKey,
			httpClient: cfg.HTTPClient,
		},
		client: &jsonClient{
			provider:   provider,
			baseURL:    baseURL,
			authHeader: "Bearer " + cfg.ClientKey,
			httpClient: cfg.HTTPClient,
		},
	}, nil
}

func (p *Panel) Provider() string {
	return p.provider
}

type panelServer struct {
	ID            int     `json:"id"`
	ExternalID    string  `json:"external_id"`
	Identifier    string  `json:"identifier"`
	Name          string  `json:"name"`
	Suspended     bool    `json:"suspended"`
	Status        *string `json:"status"`
	Relationships struct {
		Allocations struct {
			Data []struct {
				Attributes struct {
					IP       string `json:"ip"`
					IPAlias  string `json:"ip_alias"`
					Port     int    `json:"port"`
					Assigned bool   `json:"assigned"`
				} `json:"attributes"`
			} `json:"data"`
		} `json:"allocations"`
	} `json:"relationships"`
}

type panelServerEnvelope struct {
	Attributes panelServer `json:"attributes"`
}

type panelCreateBody struct {
	ExternalID        string            `json:"external_id"`
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	User              int               `json:"user"`
	Egg               int               `json:"egg"`
	DockerImage       string            `json:"docker_image"`
	Startup           string            `json:"startup"`
	Environment       map[string]string `json:"environment"`
	Limits            panelLimits       `json:"limits"`
	FeatureLimits     panelFeatures     `json:"feature_limits"`
	Deploy            panelDeploy       `json:"deploy"`
	StartOnCompletion bool              `json:"start_on_completion"`
}

type panelLimits struct {
	Memory int `json:"memory"`
	Swap   int `json:"swap"`
	Disk   int `json:"disk"`
	IO     int `json:"io"`
	CPU    int `json:"cpu"`
}

type panelFeatures struct {
	Databases   int `json:"databases"`
	Allocations int `json:"allocations"`
	Backups     int `json:"backups"`
}

type panelDeploy struct {
	Locations   []int    `json:"locations"`
	DedicatedIP bool     `json:"dedicated_ip"`
	PortRange   []string `json:"port_range"`
}

// Create deploys a server tagged with the registry id as its external_id.
// A server already carrying that tag is adopted instead.
func (p *Panel) Create(ctx context.Context, req CreateRequest) (string, error) {
	const op = "create"
	var existing panelServerEnvelope
	err := p.app.do(ctx, op, http.MethodGet, "/api/application/servers/external/"+url.PathEscape(req.ServerID), nil, &existing)
	switch {
	case err == nil:
		p.remember(existing.Attributes)
		return strconv.Itoa(existing.Attributes.ID), nil
	case !IsNotFound(err):
		return "", err
	}

	env := make(map[string]string, len(p.profile.Environment))
	for k, v := range p.profile.Environment {
		env[k] = v
	}
	body := panelCreateBody{
		ExternalID:  req.ServerID,
		Name:        req.Name,
		Description: "hostlane " + strings.ToLower(string(req.Type)) + " owned by " + req.OwnerID,
		User:        p.userID,
		Egg:         p.profile.EggID,
		DockerImage: p.profile.DockerImage,
		Startup:     p.profile.Startup,
		Environment: env,
		Limits: panelLimits{
			Memory: req.Spec.MemoryMB,
			Disk:   req.Spec.StorageGB * 1024,
			IO:     500,
			CPU:    req.Spec.CPU * 100,
		},
		FeatureLimits: panelFeatures{Allocations: 1, Backups: 1},
		Deploy: panelDeploy{
			Locations: p.profile.LocationIDs,
			PortRange: []string{},
		},
		StartOnCompletion: true,
	}
	var created panelServerEnvelope
	if err := p.app.do(ctx, op, http.MethodPost, "/api/application/servers", body, &created); err != nil {
		return "", err
	}
	if created.Attributes.ID <= 0 {
		return "", newError(p.provider, op, KindMalformed, 0, "create returned no server id", nil)
	}
	p.remember(created.Attributes)
	return strconv.Itoa(created.Attributes.ID), nil
}

func (p *Panel) Start(ctx context.Context, externalID string) error {
	return p.power(ctx, "start", externalID, "start")
}

func (p *Panel) Stop(ctx context.Context, externalID string) error {
	return p.power(ctx, "stop", externalID, "stop")
}

func (p *Panel) Restart(ctx context.Context, externalID string) error {
	return p.power(ctx, "restart", externalID, "restart")
}

func (p *Panel) power(ctx context.Context, op, externalID, signal string) error {
	identifier, err := p.resolve(ctx, op, externalID)
	if err != nil {
		return err
	}
	return p.client.do(ctx, op, http.MethodPost, "/api/client/servers/"+url.PathEscape(identifier)+"/power",
		map[string]string{"signal": signal}, nil)
}

// Delete force-deletes the server. A server that is already gone counts as deleted.
func (p *Panel) Delete(ctx context.Context, externalID string) error {
	const op = "delete"
	id, err := parsePanelID(p.provider, op, externalID)
	if err != nil {
		return err
	}
	err = p.app.do(ctx, op, http.MethodDelete, fmt.Sprintf("/api/application/servers/%d/force", id), nil, nil)
	if err != nil && !IsNotFound(err) {
		return err
	}
	p.identifiers.Delete(strconv.Itoa(id))
	return nil
}

// GetStatus combines the install state from the application API with the
// live power state from the client API.
func (p *Panel) GetStatus(ctx context.Context, externalID string) (Status, error) {
	const op = "status"
	server, err := p.details(ctx, op, externalID)
	if err != nil {
		return Status{}, err
	}
	status := Status{IPAddress: panelAddress(server)}
	if server.Status != nil {
		switch *server.Status {
		case "installing", "restoring_backup":
			status.State = StatePending
			return status, nil
		case "install_failed", "reinstall_failed":
			status.State = StateError
			return status, nil
		case "suspended":
			status.State = StateStopped
			return status, nil
		}
	}
	if server.Suspended {
		status.State = StateStopped
		return status, nil
	}
	var resources struct {
		Attributes struct {
			CurrentState string `json:"current_state"`
		} `json:"attributes"`
	}
	if err := p.client.do(ctx, op, http.MethodGet, "/api/client/servers/"+url.PathEscape(server.Identifier)+"/resources", nil, &resources); err != nil {
		return Status{}, err
	}
	switch resources.Attributes.CurrentState {
	case "running":
		status.State = StateActive
	case "offline":
		status.State = StateStopped
	case "starting", "stopping":
		status.State = StatePending
	default:
		status.State = StateError
	}
	return status, nil
}

func panelAddress(server panelServer) string {
	for _, alloc := range server.Relationships.Allocations.Data {
		if alloc.Attributes.IPAlias != "" {
			return alloc.Attributes.IPAlias
		}
		if alloc.Attributes.IP != "" {
			return alloc.Attributes.IP
		}
	}
	return ""
}

// ResolveExternalIdentifier returns the client-API identifier for the server.
func (p *Panel) ResolveExternalIdentifier(ctx context.Context, externalID string) (string, error) {
	return p.resolve(ctx, "resolve", externalID)
}

func (p *Panel) resolve(ctx context.Context, op, externalID string) (string, error) {
	if cached, ok := p.identifiers.Load(strings.TrimSpace(externalID)); ok {
		return cached.(string), nil
	}
	server, err := p.details(ctx, op, externalID)
	if err != nil {
		return "", err
	}
	return server.Identifier, nil
}

func (p *Panel) details(ctx context.Context, op, externalID string) (panelServer, error) {
	id, err := parsePanelID(p.provider, op, externalID)
	if err != nil {
		return panelServer{}, err
	}
	var envelope panelServerEnvelope
	if err := p.app.do(ctx, op, http.MethodGet, fmt.Sprintf("/api/application/servers/%d?include=allocations", id), nil, &envelope); err != nil {
		if IsNotFound(err) {
			p.identifiers.Delete(strconv.Itoa(id))
		}
		return panelServer{}, err
	}
	if envelope.Attributes.Identifier == "" {
		return panelServer{}, newError(p.provider, op, KindMalformed, 0, "server has no identifier", nil)
	}
	p.remember(envelope.Attributes)
	return envelope.Attributes, nil
}

func (p *Panel) remember(server panelServer) {
	if server.ID > 0 && server.Identifier != "" {
		p.identifiers.Store(strconv.Itoa(server.ID), server.Identifier)
	}
}

func parsePanelID(provider, op, externalID string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(externalID))
	if err != nil || id <= 0 {
		return 0, newError(provider, op, KindMalformed, 0, fmt.Sprintf("invalid panel server id %q", externalID), err)
	}
	return id, nil
}
