package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hostlane/hostlane/internal/buildinfo"
	"github.com/hostlane/hostlane/internal/db"
	"github.com/hostlane/hostlane/internal/gateway"
	"github.com/hostlane/hostlane/internal/models"
	"github.com/shopspring/decimal"
)

const maxJSONBytes = 1 << 20

// ControlAPI exposes the lifecycle controller over HTTP.
//
// Routes:
//   - POST   /v1/servers                      - Request a new server
//   - GET    /v1/servers                      - List visible servers (?owner=&status=&limit=)
//   - GET    /v1/servers/{id}                 - Reconcile and return one server
//   - DELETE /v1/servers/{id}                 - Delete a server (idempotent)
//   - POST   /v1/servers/{id}/start           - Power on
//   - POST   /v1/servers/{id}/stop            - Power off
//   - POST   /v1/servers/{id}/restart         - Reboot
//   - POST   /v1/servers/{id}/reprovision     - Retry provisioning of an ERROR server
//   - POST   /v1/servers/{id}/extend          - Extend the paid term
//   - GET    /v1/servers/{id}/activity        - Audit trail (?after=&limit=)
//   - GET    /v1/credits/{user}               - Balance and recent transactions
//   - POST   /v1/credits/{user}/topup         - Add credits
//   - GET    /v1/status                       - Daemon status
//   - GET    /v1/schema                       - Route catalog
//
// Every /v1 route expects ControlAuth to have attached an actor.
type ControlAPI struct {
	ctrl           *Controller
	gateways       *gateway.Set
	metricsEnabled bool
	redactor       *Redactor
	logger         *log.Logger
}

// NewControlAPI creates a control API over ctrl. gateways is only used to
// describe configured providers in the status response and may be nil.
func NewControlAPI(ctrl *Controller, gateways *gateway.Set, logger *log.Logger) *ControlAPI {
	if logger == nil {
		logger = log.Default()
	}
	return &ControlAPI{
		ctrl:     ctrl,
		gateways: gateways,
		logger:   logger,
	}
}

// WithMetricsEnabled annotates the status response with metrics listener state.
func (api *ControlAPI) WithMetricsEnabled(enabled bool) *ControlAPI {
	if api == nil {
		return api
	}
	api.metricsEnabled = enabled
	return api
}

// WithRedactor scrubs credentials from logged controller errors.
func (api *ControlAPI) WithRedactor(r *Redactor) *ControlAPI {
	if api == nil {
		return api
	}
	api.redactor = r
	return api
}

// Register registers all control API handlers with the provided mux.
func (api *ControlAPI) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/v1/servers", api.handleServers)
	mux.HandleFunc("/v1/servers/", api.handleServerByID)
	mux.HandleFunc("/v1/credits/", api.handleCredits)
	mux.HandleFunc("/v1/status", api.handleStatus)
	mux.HandleFunc("/v1/schema", api.handleSchema)
}

func (api *ControlAPI) handleServers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		api.handleServerCreate(w, r)
	case http.MethodGet:
		api.handleServerList(w, r)
	default:
		writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodPost})
	}
}

func (api *ControlAPI) handleServerByID(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/servers/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	id := parts[0]

	switch len(parts) {
	case 1:
		switch r.Method {
		case http.MethodGet:
			api.handleServerGet(w, r, id)
		case http.MethodDelete:
			api.handleServerDelete(w, r, id)
		default:
			writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodDelete})
		}
		return
	case 2:
		if parts[1] == "activity" {
			if r.Method != http.MethodGet {
				writeMethodNotAllowed(w, []string{http.MethodGet})
				return
			}
			api.handleServerActivity(w, r, id)
			return
		}
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, []string{http.MethodPost})
			return
		}
		switch parts[1] {
		case "start":
			api.handleServerAction(w, r, id, api.ctrl.Start)
			return
		case "stop":
			api.handleServerAction(w, r, id, api.ctrl.Stop)
			return
		case "restart":
			api.handleServerAction(w, r, id, api.ctrl.Restart)
			return
		case "reprovision":
			api.handleServerAction(w, r, id, api.ctrl.Reprovision)
			return
		case "extend":
			api.handleServerExtend(w, r, id)
			return
		}
	}

	writeError(w, http.StatusNotFound, "server not found")
}

func (api *ControlAPI) handleServerCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := requestActor(w, r)
	if !ok {
		return
	}
	var req V1ServerCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		owner = actor.ID
	}
	server, err := api.ctrl.RequestProvision(r.Context(), actor, ProvisionRequest{
		OwnerID: owner,
		Name:    req.Name,
		Type:    models.ServerType(strings.ToUpper(strings.TrimSpace(string(req.Type)))),
		Spec:    req.Spec,
	})
	if err != nil {
		api.writeControllerError(w, "create server", err)
		return
	}
	writeJSON(w, http.StatusCreated, serverToV1(server))
}

func (api *ControlAPI) handleServerList(w http.ResponseWriter, r *http.Request) {
	actor, ok := requestActor(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	limit, err := parseQueryInt(query.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer", err)
		return
	}
	filter := db.ServerFilter{
		OwnerID: strings.TrimSpace(query.Get("owner")),
		Status:  models.ServerStatus(strings.ToUpper(strings.TrimSpace(query.Get("status")))),
		Limit:   limit,
	}
	servers, err := api.ctrl.ListServers(r.Context(), actor, filter)
	if err != nil {
		api.writeControllerError(w, "list servers", err)
		return
	}
	resp := V1ServersResponse{Servers: make([]V1Server, 0, len(servers))}
	for _, server := range servers {
		resp.Servers = append(resp.Servers, serverToV1(server))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *ControlAPI) handleServerGet(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := requestActor(w, r)
	if !ok {
		return
	}
	server, err := api.ctrl.GetStatus(r.Context(), actor, id)
	if err != nil {
		api.writeControllerError(w, "get server", err)
		return
	}
	writeJSON(w, http.StatusOK, serverToV1(server))
}

func (api *ControlAPI) handleServerDelete(w http.ResponseWriter, r *http.Request, id string) {
	api.handleServerAction(w, r, id, api.ctrl.Delete)
}

type serverAction func(ctx context.Context, actor models.Actor, id string) (models.Server, error)

func (api *ControlAPI) handleServerAction(w http.ResponseWriter, r *http.Request, id string, action serverAction) {
	actor, ok := requestActor(w, r)
	if !ok {
		return
	}
	server, err := action(r.Context(), actor, id)
	if err != nil {
		api.writeControllerError(w, "server action", err)
		return
	}
	writeJSON(w, http.StatusOK, serverToV1(server))
}

func (api *ControlAPI) handleServerExtend(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := requestActor(w, r)
	if !ok {
		return
	}
	var req V1ExtendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	server, err := api.ctrl.Extend(r.Context(), actor, id, req.Months, req.UseCredits)
	if err != nil {
		api.writeControllerError(w, "extend server", err)
		return
	}
	writeJSON(w, http.StatusOK, serverToV1(server))
}

func (api *ControlAPI) handleServerActivity(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := requestActor(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	after, err := parseQueryInt64(query.Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "after must be an integer", err)
		return
	}
	limit, err := parseQueryInt(query.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer", err)
		return
	}
	entries, err := api.ctrl.ListActivity(r.Context(), actor, id, after, limit)
	if err != nil {
		api.writeControllerError(w, "list activity", err)
		return
	}
	resp := V1ActivityResponse{Entries: make([]V1ActivityEntry, 0, len(entries))}
	for _, entry := range entries {
		resp.Entries = append(resp.Entries, activityToV1(entry))
	}
	if n := len(entries); n > 0 {
		resp.NextAfterID = entries[n-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *ControlAPI) handleCredits(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/credits/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	userID := parts[0]

	switch len(parts) {
	case 1:
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, []string{http.MethodGet})
			return
		}
		api.handleCreditsGet(w, r, userID)
		return
	case 2:
		if parts[1] == "topup" {
			if r.Method != http.MethodPost {
				writeMethodNotAllowed(w, []string{http.MethodPost})
				return
			}
			api.handleCreditsTopUp(w, r, userID)
			return
		}
	}

	writeError(w, http.StatusNotFound, "not found")
}

func (api *ControlAPI) handleCreditsGet(w http.ResponseWriter, r *http.Request, userID string) {
	actor, ok := requestActor(w, r)
	if !ok {
		return
	}
	limit, err := parseQueryInt(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer", err)
		return
	}
	balance, err := api.ctrl.CreditBalance(r.Context(), actor, userID)
	if err != nil {
		api.writeControllerError(w, "credit balance", err)
		return
	}
	txs, err := api.ctrl.ListCreditTransactions(r.Context(), actor, userID, limit)
	if err != nil {
		api.writeControllerError(w, "credit transactions", err)
		return
	}
	resp := V1CreditsResponse{
		UserID:       userID,
		Balance:      balance.StringFixed(2),
		Transactions: make([]V1CreditTransaction, 0, len(txs)),
	}
	for _, tx := range txs {
		resp.Transactions = append(resp.Transactions, creditTransactionToV1(tx))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *ControlAPI) handleCreditsTopUp(w http.ResponseWriter, r *http.Request, userID string) {
	actor, ok := requestActor(w, r)
	if !ok {
		return
	}
	var req V1TopUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a decimal number", err)
		return
	}
	tx, err := api.ctrl.TopUpCredits(r.Context(), actor, userID, amount, req.Reference)
	if err != nil {
		api.writeControllerError(w, "top up credits", err)
		return
	}
	writeJSON(w, http.StatusCreated, creditTransactionToV1(tx))
}

func (api *ControlAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	actor, ok := requestActor(w, r)
	if !ok {
		return
	}
	resp := V1StatusResponse{
		Version:  buildinfo.Version,
		Gateways: map[string]string{},
		Metrics:  V1StatusMetrics{Enabled: api.metricsEnabled},
	}
	for t, provider := range api.gateways.Providers() {
		resp.Gateways[string(t)] = provider
	}
	counts, err := api.ctrl.FleetStatus(r.Context(), actor)
	var forbidden *ForbiddenError
	switch {
	case err == nil:
		resp.Servers = formatServerCounts(counts)
	case errors.As(err, &forbidden):
		// Customers get the daemon description without fleet counts.
	default:
		api.writeControllerError(w, "fleet status", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *ControlAPI) writeControllerError(w http.ResponseWriter, op string, err error) {
	resolved := classifyError(err)
	if resolved.status >= http.StatusInternalServerError {
		api.logger.Printf("control api: %s: %s", op, api.redactor.Redact(err.Error()))
	}
	writeJSONError(w, resolved.status, V1ErrorResponse{
		Error:  resolved.message,
		Code:   resolved.code,
		Field:  resolved.field,
		Status: resolved.state,
	})
}

func requestActor(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return models.Actor{}, false
	}
	return actor, true
}

func serverToV1(server models.Server) V1Server {
	return V1Server{
		ID:           server.ID,
		OwnerID:      server.OwnerID,
		Name:         server.Name,
		Type:         string(server.Type),
		Status:       string(server.Status),
		ExternalID:   server.ExternalID,
		IPAddress:    server.IPAddress,
		Spec:         server.Spec,
		PriceMonthly: server.PriceMonthly.StringFixed(2),
		ExpiresAt:    formatOptionalTime(server.ExpiresAt),
		ReconciledAt: formatOptionalTime(server.ReconciledAt),
		CreatedAt:    server.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    server.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func activityToV1(entry models.ActivityLogEntry) V1ActivityEntry {
	return V1ActivityEntry{
		ID:            entry.ID,
		ServerID:      entry.ServerID,
		ActorID:       entry.ActorID,
		Action:        string(entry.Action),
		Timestamp:     entry.Timestamp.UTC().Format(time.RFC3339Nano),
		SourceAddress: entry.SourceAddress,
		Details:       entry.Details,
	}
}

func creditTransactionToV1(tx models.CreditTransaction) V1CreditTransaction {
	return V1CreditTransaction{
		ID:           tx.ID,
		Kind:         string(tx.Kind),
		Amount:       tx.Amount.StringFixed(2),
		BalanceAfter: tx.BalanceAfter.StringFixed(2),
		Reference:    tx.Reference,
		CreatedAt:    tx.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func formatServerCounts(counts map[models.ServerStatus]int) map[string]int {
	out := make(map[string]int, len(counts))
	for status, count := range counts {
		out[string(status)] = count
	}
	return out
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseQueryInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func parseQueryInt64(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, payload V1ErrorResponse) {
	if payload.Code == "" {
		payload.Code = daemonErrorCode(status, payload.Error)
	}
	writeJSON(w, status, payload)
}

func writeError(w http.ResponseWriter, status int, msg string, err ...error) {
	payload := V1ErrorResponse{Error: msg}
	if len(err) > 0 && err[0] != nil {
		payload.Details = err[0].Error()
	}
	writeJSONError(w, status, payload)
}

func writeMethodNotAllowed(w http.ResponseWriter, methods []string) {
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
