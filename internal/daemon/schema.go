package daemon

import (
	"net/http"
	"sort"
	"time"
)

const controlAPISchemaVersion = 1

type schemaResource struct {
	Path         string   `json:"path"`
	Methods      []string `json:"methods"`
	Summary      string   `json:"summary"`
	RequestType  string   `json:"request_type,omitempty"`
	ResponseType string   `json:"response_type"`
	Notes        string   `json:"notes,omitempty"`
}

type schemaResponse struct {
	GeneratedAt      string            `json:"generated_at"`
	APISchemaVersion int               `json:"api_schema_version"`
	Resources        []schemaResource  `json:"resources"`
	ErrorCodes       []string          `json:"error_codes"`
	Compatibility    map[string]string `json:"compatibility"`
}

func buildSchemaResponse(now time.Time) schemaResponse {
	return schemaResponse{
		GeneratedAt:      now.UTC().Format(time.RFC3339Nano),
		APISchemaVersion: controlAPISchemaVersion,
		Resources:        schemaResources(),
		ErrorCodes:       schemaErrorCodes(),
		Compatibility:    schemaCompatibilityPolicy(),
	}
}

func schemaResources() []schemaResource {
	resources := []schemaResource{
		resourceSchema("/v1/servers", methods("POST"), "Request a server", "V1ServerCreateRequest", "V1Server", "Returns 201 once the provider call finished; status is ACTIVE or ERROR."),
		resourceSchema("/v1/servers", methods("GET"), "List visible servers", "", "V1ServersResponse", "Query owner, status and limit. Customers only see their own servers."),
		resourceSchema("/v1/servers/{id}", methods("GET"), "Reconcile and fetch one server", "", "V1Server", ""),
		resourceSchema("/v1/servers/{id}", methods("DELETE"), "Delete a server", "", "V1Server", "Idempotent; a DELETED server is returned unchanged."),
		resourceSchema("/v1/servers/{id}/start", methods("POST"), "Power on a STOPPED server", "", "V1Server", ""),
		resourceSchema("/v1/servers/{id}/stop", methods("POST"), "Power off an ACTIVE server", "", "V1Server", ""),
		resourceSchema("/v1/servers/{id}/restart", methods("POST"), "Reboot an ACTIVE server", "", "V1Server", ""),
		resourceSchema("/v1/servers/{id}/reprovision", methods("POST"), "Retry provisioning of an ERROR server", "", "V1Server", ""),
		resourceSchema("/v1/servers/{id}/extend", methods("POST"), "Extend the paid term", "V1ExtendRequest", "V1Server", "1 to 24 months of 30 days. use_credits debits before expires_at moves; without it an admin confirms external payment."),
		resourceSchema("/v1/servers/{id}/activity", methods("GET"), "Read the audit trail", "", "V1ActivityResponse", "Page with after=next_after_id."),
		resourceSchema("/v1/credits/{user}", methods("GET"), "Fetch balance and transactions", "", "V1CreditsResponse", ""),
		resourceSchema("/v1/credits/{user}/topup", methods("POST"), "Add credits", "V1TopUpRequest", "V1CreditTransaction", "Support and admin only. Amount is a decimal string."),
		resourceSchema("/v1/status", methods("GET"), "Fetch daemon status", "", "V1StatusResponse", "Fleet counts are omitted for customers."),
		resourceSchema("/v1/schema", methods("GET"), "Discover the route catalog", "", "schemaResponse", ""),
	}
	sort.SliceStable(resources, func(i, j int) bool {
		return resources[i].Path < resources[j].Path
	})
	return resources
}

func schemaErrorCodes() []string {
	codes := []string{
		daemonErrorCodeAuthMissingBearerToken,
		daemonErrorCodeAuthInvalidBearerToken,
		daemonErrorCodeAuthExpiredBearerToken,
		daemonErrorCodeAuthRemoteAddress,
		daemonErrorCodeAuthUnauthorized,
		daemonErrorCodeAuthForbidden,
		daemonErrorCodeValidationBadRequest,
		daemonErrorCodeValidationMalformedJSON,
		daemonErrorCodeValidationMissingField,
		daemonErrorCodeValidationInvalidValue,
		daemonErrorCodeServerNotFound,
		daemonErrorCodeLifecycleBusy,
		daemonErrorCodeLifecycleInvalidTransit,
		daemonErrorCodeLifecycleCanceled,
		daemonErrorCodeCreditsInsufficient,
		daemonErrorCodeProviderUnavailable,
		daemonErrorCodeProviderUnauthorized,
		daemonErrorCodeProviderNotFound,
		daemonErrorCodeProviderQuotaExceeded,
		daemonErrorCodeProviderTransient,
		daemonErrorCodeProviderMalformed,
		daemonErrorCodeResourceNotFound,
		daemonErrorCodeConflict,
		daemonErrorCodeMethodNotAllowed,
		daemonErrorCodeRateLimited,
		daemonErrorCodeInternalError,
		daemonErrorCodeServerError,
		daemonErrorCodeUnavailable,
	}
	sort.Strings(codes)
	return codes
}

func schemaCompatibilityPolicy() map[string]string {
	return map[string]string{
		"api":    "Additive endpoint and optional field changes are preferred. Breaking changes bump the API schema version.",
		"errors": "Clients should branch on code, not on the error message. Unknown codes should be treated by HTTP status.",
	}
}

func methods(values ...string) []string {
	out := make([]string, len(values))
	copy(out, values)
	sort.Strings(out)
	return out
}

func resourceSchema(path string, methods []string, summary, requestType, responseType, notes string) schemaResource {
	return schemaResource{
		Path:         path,
		Methods:      methods,
		Summary:      summary,
		RequestType:  requestType,
		ResponseType: responseType,
		Notes:        notes,
	}
}

func (api *ControlAPI) handleSchema(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	writeJSON(w, http.StatusOK, buildSchemaResponse(time.Now()))
}
