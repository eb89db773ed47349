// Package models provides data structures and constants for hostlane.
//
// This package contains the core domain models used throughout hostlane:
//   - Server: a hosting resource (VPS, game server, app hosting instance) and its lifecycle status
//   - ServerSpec: resource sizing requested at provisioning time
//   - ActivityLogEntry: one row of the per-server audit trail
//   - Actor: the authenticated caller of a lifecycle operation
//   - CreditTransaction: one movement on a user's prepaid credits balance
//
// All models are designed for database persistence and JSON serialization.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServerStatus represents the current status of a server in its lifecycle.
//
// The public lifecycle is:
//
//	REQUESTED → PROVISIONING → ACTIVE ⇄ STOPPED → (EXPIRED) → DELETED
//
// ERROR is reachable from PROVISIONING or any action whose provider call
// fails irrecoverably. DELETED is terminal.
//
// STARTING, STOPPING, RESTARTING, DELETING and EXTENDING are claim markers
// written while an action holds the server; they never outlive the action.
type ServerStatus string

const (
	// ServerRequested is the initial status of a freshly recorded provisioning request.
	ServerRequested ServerStatus = "REQUESTED"
	// ServerProvisioning indicates the provider create call is in flight.
	ServerProvisioning ServerStatus = "PROVISIONING"
	// ServerActive indicates the resource exists at the provider and is running.
	ServerActive ServerStatus = "ACTIVE"
	// ServerStopped indicates the resource exists at the provider and is powered off.
	ServerStopped ServerStatus = "STOPPED"
	// ServerExpired indicates the paid term ran out without an extension.
	ServerExpired ServerStatus = "EXPIRED"
	// ServerDeleted is terminal: the resource was released.
	ServerDeleted ServerStatus = "DELETED"
	// ServerError indicates an irrecoverable provider failure or drift.
	ServerError ServerStatus = "ERROR"

	ServerStarting   ServerStatus = "STARTING"
	ServerStopping   ServerStatus = "STOPPING"
	ServerRestarting ServerStatus = "RESTARTING"
	ServerDeleting   ServerStatus = "DELETING"
	ServerExtending  ServerStatus = "EXTENDING"
)

// Transitional reports whether the status is an in-flight claim marker.
func (s ServerStatus) Transitional() bool {
	switch s {
	case ServerProvisioning, ServerStarting, ServerStopping, ServerRestarting, ServerDeleting, ServerExtending:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further status writes are permitted.
func (s ServerStatus) Terminal() bool {
	return s == ServerDeleted
}

// TransitionalStatuses lists every claim marker.
func TransitionalStatuses() []ServerStatus {
	return []ServerStatus{ServerProvisioning, ServerStarting, ServerStopping, ServerRestarting, ServerDeleting, ServerExtending}
}

// ServerType identifies the kind of hosting resource.
type ServerType string

const (
	ServerTypeVPS        ServerType = "VPS"
	ServerTypeGameServer ServerType = "GAMESERVER"
	ServerTypeAppHosting ServerType = "APP_HOSTING"
)

// Valid reports whether t is one of the known server types.
func (t ServerType) Valid() bool {
	switch t {
	case ServerTypeVPS, ServerTypeGameServer, ServerTypeAppHosting:
		return true
	default:
		return false
	}
}

// ServerSpec describes the sizing of a server. It is immutable after creation.
type ServerSpec struct {
	CPU         int `json:"cpu" yaml:"cpu" validate:"min=1,max=64"`
	MemoryMB    int `json:"memory_mb" yaml:"memory_mb" validate:"min=256,max=262144"`
	StorageGB   int `json:"storage_gb" yaml:"storage_gb" validate:"min=1,max=4096"`
	BandwidthGB int `json:"bandwidth_gb,omitempty" yaml:"bandwidth_gb,omitempty" validate:"min=0,max=1048576"`
}

// Server is a hosting resource managed by hostlane.
//
// Fields:
//   - ID: opaque identifier assigned at creation (UUID)
//   - OwnerID: the owning user; immutable
//   - Name: display name, also used as the provider-side name
//   - Type: VPS, GAMESERVER or APP_HOSTING; immutable
//   - Status: lifecycle status, written only by the controller and reconciler
//   - PreviousStatus: status held before the last compare-and-set
//   - ExternalID: provider identifier, set once provisioning succeeds
//   - IPAddress: primary address reported by the provider
//   - Spec: resource sizing
//   - PriceMonthly: amount charged per 30-day period
//   - ExpiresAt: end of the paid term (zero when the server has no term)
//   - ReconciledAt: last time provider state was merged in
type Server struct {
	ID             string
	OwnerID        string
	Name           string
	Type           ServerType
	Status         ServerStatus
	PreviousStatus ServerStatus
	ExternalID     string
	IPAddress      string
	Spec           ServerSpec
	PriceMonthly   decimal.Decimal
	ExpiresAt      time.Time
	ReconciledAt   time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ActivityAction names an audited lifecycle action.
type ActivityAction string

const (
	ActionProvision   ActivityAction = "provision"
	ActionReprovision ActivityAction = "reprovision"
	ActionStart       ActivityAction = "start"
	ActionStop        ActivityAction = "stop"
	ActionRestart     ActivityAction = "restart"
	ActionDelete      ActivityAction = "delete"
	ActionExtend      ActivityAction = "extend"
	ActionExpire      ActivityAction = "expire"
	ActionReconcile   ActivityAction = "reconcile"
)

// ActivityLogEntry is one append-only row of a server's audit trail.
type ActivityLogEntry struct {
	ID            int64
	ServerID      string
	ActorID       string
	Action        ActivityAction
	Timestamp     time.Time
	SourceAddress string
	Details       string
}

// Role is the closed set of caller roles understood by the capability check.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleSupport  Role = "support"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleSupport, RoleAdmin, RoleSystem:
		return true
	default:
		return false
	}
}

// Actor identifies who is invoking a lifecycle operation.
type Actor struct {
	ID            string
	Role          Role
	SourceAddress string
}

// SystemActor is used by background loops (reconciler, expiry sweep).
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// CreditTransactionKind distinguishes ledger movements.
type CreditTransactionKind string

const (
	CreditTopUp CreditTransactionKind = "topup"
	CreditDebit CreditTransactionKind = "debit"
)

// CreditTransaction records a single change to a user's credits balance.
type CreditTransaction struct {
	ID           string
	UserID       string
	Kind         CreditTransactionKind
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal
	Reference    string
	CreatedAt    time.Time
}

// PriceRates prices a ServerSpec for one server type. Amounts are per 30-day month.
type PriceRates struct {
	Base         decimal.Decimal `json:"base" yaml:"base"`
	PerCPU       decimal.Decimal `json:"per_cpu" yaml:"per_cpu"`
	PerGBMemory  decimal.Decimal `json:"per_gb_memory" yaml:"per_gb_memory"`
	PerGBStorage decimal.Decimal `json:"per_gb_storage" yaml:"per_gb_storage"`
}

// Monthly returns the monthly price of spec, rounded to cents.
func (r PriceRates) Monthly(spec ServerSpec) decimal.Decimal {
	memoryGB := decimal.NewFromInt(int64(spec.MemoryMB)).Div(decimal.NewFromInt(1024))
	total := r.Base.
		Add(r.PerCPU.Mul(decimal.NewFromInt(int64(spec.CPU)))).
		Add(r.PerGBMemory.Mul(memoryGB)).
		Add(r.PerGBStorage.Mul(decimal.NewFromInt(int64(spec.StorageGB))))
	return total.Round(2)
}
