package daemon

import "github.com/hostlane/hostlane/internal/models"

type V1ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
	Status  string `json:"status,omitempty"`
}

type V1ServerCreateRequest struct {
	OwnerID string            `json:"owner_id,omitempty"`
	Name    string            `json:"name"`
	Type    models.ServerType `json:"type"`
	Spec    models.ServerSpec `json:"spec"`
}

type V1Server struct {
	ID           string            `json:"id"`
	OwnerID      string            `json:"owner_id"`
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	Status       string            `json:"status"`
	ExternalID   string            `json:"external_id,omitempty"`
	IPAddress    string            `json:"ip_address,omitempty"`
	Spec         models.ServerSpec `json:"spec"`
	PriceMonthly string            `json:"price_monthly"`
	ExpiresAt    string            `json:"expires_at,omitempty"`
	ReconciledAt string            `json:"reconciled_at,omitempty"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
}

type V1ServersResponse struct {
	Servers []V1Server `json:"servers"`
}

type V1ExtendRequest struct {
	Months     int  `json:"months"`
	UseCredits bool `json:"use_credits"`
}

type V1ActivityEntry struct {
	ID            int64  `json:"id"`
	ServerID      string `json:"server_id"`
	ActorID       string `json:"actor_id"`
	Action        string `json:"action"`
	Timestamp     string `json:"timestamp"`
	SourceAddress string `json:"source_address,omitempty"`
	Details       string `json:"details,omitempty"`
}

type V1ActivityResponse struct {
	Entries     []V1ActivityEntry `json:"entries"`
	NextAfterID int64             `json:"next_after_id,omitempty"`
}

type V1CreditTransaction struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Amount       string `json:"amount"`
	BalanceAfter string `json:"balance_after"`
	Reference    string `json:"reference,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type V1CreditsResponse struct {
	UserID       string                `json:"user_id"`
	Balance      string                `json:"balance"`
	Transactions []V1CreditTransaction `json:"transactions"`
}

type V1TopUpRequest struct {
	Amount    string `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

type V1StatusMetrics struct {
	Enabled bool `json:"enabled"`
}

type V1StatusResponse struct {
	Version  string            `json:"version"`
	Servers  map[string]int    `json:"servers"`
	Gateways map[string]string `json:"gateways"`
	Metrics  V1StatusMetrics   `json:"metrics"`
}
