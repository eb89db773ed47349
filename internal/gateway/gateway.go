// Package gateway translates lifecycle intents into calls against external
// provisioning control planes.
//
// There is one Gateway implementation per (provider, resource type) pair:
// Hetzner Cloud and Proxmox VE for VPS, and a Pterodactyl-style panel for
// game servers and application hosting. A Set picks the implementation for
// each server type once, at construction time.
//
// Every implementation reports failures as *ProviderError with one of five
// kinds. Wrapping an implementation with Retrying adds per-call timeouts,
// outbound rate limiting and bounded retries of Transient failures.
package gateway

import (
	"context"
	"time"

	"github.com/hostlane/hostlane/internal/models"
)

// State is the provider-observed state of a resource, normalized across providers.
type State string

const (
	StateActive  State = "ACTIVE"
	StateStopped State = "STOPPED"
	// StatePending covers provider-side transitions (booting, installing, migrating).
	StatePending State = "PENDING"
	StateError   State = "ERROR"
)

// Status is what GetStatus reports for a resource.
type Status struct {
	State     State
	IPAddress string
}

// CreateRequest carries everything an adapter needs to create a resource.
type CreateRequest struct {
	// ServerID is the registry id, attached to the provider resource as a label where supported.
	ServerID string
	Name     string
	OwnerID  string
	Type     models.ServerType
	Spec     models.ServerSpec
}

// Gateway is the capability set every provider adapter implements.
type Gateway interface {
	// Provider names the adapter for logs and metrics (e.g. "hetzner").
	Provider() string
	// Create provisions a resource and returns its provider-native identifier.
	Create(ctx context.Context, req CreateRequest) (string, error)
	Start(ctx context.Context, externalID string) error
	Stop(ctx context.Context, externalID string) error
	Restart(ctx context.Context, externalID string) error
	// Delete releases the resource. Deleting an already-gone resource succeeds.
	Delete(ctx context.Context, externalID string) error
	GetStatus(ctx context.Context, externalID string) (Status, error)
	// ResolveExternalIdentifier maps the stored identifier to the handle the
	// provider's action endpoints expect. Providers without a secondary
	// lookup return the identifier unchanged.
	ResolveExternalIdentifier(ctx context.Context, externalID string) (string, error)
}

// defaultCleanupTimeout bounds the best-effort removal of a half-built resource.
const defaultCleanupTimeout = 2 * time.Minute

// Observer receives one callback per gateway attempt.
type Observer interface {
	ObserveGatewayCall(provider, op string, kind Kind, elapsed time.Duration)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
