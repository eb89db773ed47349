package daemon

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/hostlane/hostlane/internal/gateway"
)

const daemonErrorCodeVersion = "v1"

const (
	// Auth domain
	daemonErrorCodeAuthMissingBearerToken = daemonErrorCodeVersion + "/auth/missing_bearer_token"
	daemonErrorCodeAuthInvalidBearerToken = daemonErrorCodeVersion + "/auth/invalid_bearer_token"
	daemonErrorCodeAuthExpiredBearerToken = daemonErrorCodeVersion + "/auth/expired_bearer_token"
	daemonErrorCodeAuthRemoteAddress      = daemonErrorCodeVersion + "/auth/remote_address_denied"
	daemonErrorCodeAuthUnauthorized       = daemonErrorCodeVersion + "/auth/unauthorized"
	daemonErrorCodeAuthForbidden          = daemonErrorCodeVersion + "/auth/forbidden"

	// Validation domain
	daemonErrorCodeValidationBadRequest    = daemonErrorCodeVersion + "/validation/bad_request"
	daemonErrorCodeValidationMalformedJSON = daemonErrorCodeVersion + "/validation/malformed_json"
	daemonErrorCodeValidationMissingField  = daemonErrorCodeVersion + "/validation/missing_required_field"
	daemonErrorCodeValidationInvalidValue  = daemonErrorCodeVersion + "/validation/invalid_value"

	// Lifecycle domain
	daemonErrorCodeServerNotFound          = daemonErrorCodeVersion + "/lifecycle/server_not_found"
	daemonErrorCodeLifecycleBusy           = daemonErrorCodeVersion + "/lifecycle/server_busy"
	daemonErrorCodeLifecycleInvalidTransit = daemonErrorCodeVersion + "/lifecycle/invalid_transition"
	daemonErrorCodeLifecycleCanceled       = daemonErrorCodeVersion + "/lifecycle/canceled"

	// Credits domain
	daemonErrorCodeCreditsInsufficient = daemonErrorCodeVersion + "/credits/insufficient_funds"

	// Provider domain
	daemonErrorCodeProviderUnavailable   = daemonErrorCodeVersion + "/provider/unavailable"
	daemonErrorCodeProviderUnauthorized  = daemonErrorCodeVersion + "/provider/unauthorized"
	daemonErrorCodeProviderNotFound      = daemonErrorCodeVersion + "/provider/not_found"
	daemonErrorCodeProviderQuotaExceeded = daemonErrorCodeVersion + "/provider/quota_exceeded"
	daemonErrorCodeProviderTransient     = daemonErrorCodeVersion + "/provider/transient"
	daemonErrorCodeProviderMalformed     = daemonErrorCodeVersion + "/provider/malformed_request"

	// Generic fallbacks
	daemonErrorCodeResourceNotFound = daemonErrorCodeVersion + "/resource/not_found"
	daemonErrorCodeConflict         = daemonErrorCodeVersion + "/resource/conflict"
	daemonErrorCodeMethodNotAllowed = daemonErrorCodeVersion + "/resource/method_not_allowed"
	daemonErrorCodeRateLimited      = daemonErrorCodeVersion + "/resource/rate_limited"
	daemonErrorCodeInternalError    = daemonErrorCodeVersion + "/internal/error"
	daemonErrorCodeServerError      = daemonErrorCodeVersion + "/internal/server_error"
	daemonErrorCodeUnavailable      = daemonErrorCodeVersion + "/internal/unavailable"
)

// apiError is a controller error resolved to its HTTP shape.
type apiError struct {
	status  int
	code    string
	message string
	field   string
	state   string
}

// classifyError maps controller and gateway errors onto status codes.
// Typed errors are matched first; provider kinds only apply to errors that
// made it past validation and claiming.
func classifyError(err error) apiError {
	var (
		validationErr *ValidationError
		notFoundErr   *NotFoundError
		forbiddenErr  *ForbiddenError
		conflictErr   *ConflictError
		fundsErr      *InsufficientFundsError
	)
	switch {
	case err == nil:
		return apiError{status: http.StatusOK}
	case errors.As(err, &validationErr):
		code := daemonErrorCodeValidationInvalidValue
		if strings.Contains(validationErr.Message, "is required") {
			code = daemonErrorCodeValidationMissingField
		}
		return apiError{status: http.StatusBadRequest, code: code, message: validationErr.Error(), field: validationErr.Field}
	case errors.As(err, &notFoundErr):
		return apiError{status: http.StatusNotFound, code: daemonErrorCodeServerNotFound, message: notFoundErr.Error()}
	case errors.As(err, &forbiddenErr):
		return apiError{status: http.StatusForbidden, code: daemonErrorCodeAuthForbidden, message: forbiddenErr.Error()}
	case errors.As(err, &conflictErr):
		code := daemonErrorCodeConflict
		switch {
		case errors.Is(conflictErr, ErrServerBusy):
			code = daemonErrorCodeLifecycleBusy
		case errors.Is(conflictErr, ErrInvalidTransition):
			code = daemonErrorCodeLifecycleInvalidTransit
		}
		return apiError{status: http.StatusConflict, code: code, message: conflictErr.Error(), state: string(conflictErr.Status)}
	case errors.As(err, &fundsErr):
		return apiError{status: http.StatusPaymentRequired, code: daemonErrorCodeCreditsInsufficient, message: fundsErr.Error()}
	case errors.Is(err, ErrNoGateway):
		return apiError{status: http.StatusServiceUnavailable, code: daemonErrorCodeProviderUnavailable, message: err.Error()}
	case errors.Is(err, context.Canceled):
		return apiError{status: http.StatusServiceUnavailable, code: daemonErrorCodeLifecycleCanceled, message: "request canceled"}
	}

	switch gateway.KindOf(err) {
	case gateway.KindUnauthorized:
		return apiError{status: http.StatusBadGateway, code: daemonErrorCodeProviderUnauthorized, message: err.Error()}
	case gateway.KindNotFound:
		return apiError{status: http.StatusBadGateway, code: daemonErrorCodeProviderNotFound, message: err.Error()}
	case gateway.KindQuotaExceeded:
		return apiError{status: http.StatusServiceUnavailable, code: daemonErrorCodeProviderQuotaExceeded, message: err.Error()}
	case gateway.KindTransient:
		return apiError{status: http.StatusServiceUnavailable, code: daemonErrorCodeProviderTransient, message: err.Error()}
	case gateway.KindMalformed:
		return apiError{status: http.StatusBadGateway, code: daemonErrorCodeProviderMalformed, message: err.Error()}
	}
	return apiError{status: http.StatusInternalServerError, code: daemonErrorCodeServerError, message: "internal error"}
}

func daemonErrorCode(status int, message string) string {
	normalized := strings.TrimSpace(strings.ToLower(message))
	if normalized != "" {
		if code := daemonErrorCodeFromMessage(normalized); code != "" {
			return code
		}
	}
	return daemonErrorCodeByStatus(status)
}

func daemonErrorCodeFromMessage(normalized string) string {
	switch {
	case strings.Contains(normalized, "missing bearer token"):
		return daemonErrorCodeAuthMissingBearerToken
	case strings.Contains(normalized, "expired bearer token"):
		return daemonErrorCodeAuthExpiredBearerToken
	case strings.Contains(normalized, "invalid bearer token"):
		return daemonErrorCodeAuthInvalidBearerToken
	case strings.Contains(normalized, "remote address not allowed"):
		return daemonErrorCodeAuthRemoteAddress
	case strings.Contains(normalized, "request body is required"):
		return daemonErrorCodeValidationMissingField
	case strings.Contains(normalized, "invalid request body"):
		return daemonErrorCodeValidationMalformedJSON
	case strings.Contains(normalized, "unexpected trailing data"):
		return daemonErrorCodeValidationMalformedJSON
	case strings.Contains(normalized, "rate limit exceeded"):
		return daemonErrorCodeRateLimited
	case strings.Contains(normalized, "method not allowed"):
		return daemonErrorCodeMethodNotAllowed
	case strings.Contains(normalized, "server not found"):
		return daemonErrorCodeServerNotFound
	case strings.Contains(normalized, "is required") || strings.Contains(normalized, "must be set"):
		return daemonErrorCodeValidationMissingField
	case strings.Contains(normalized, "invalid value") || strings.Contains(normalized, "must be"):
		return daemonErrorCodeValidationInvalidValue
	}
	return ""
}

func daemonErrorCodeByStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return daemonErrorCodeAuthUnauthorized
	case http.StatusForbidden:
		return daemonErrorCodeAuthForbidden
	case http.StatusBadRequest:
		return daemonErrorCodeValidationBadRequest
	case http.StatusNotFound:
		return daemonErrorCodeResourceNotFound
	case http.StatusConflict:
		return daemonErrorCodeConflict
	case http.StatusPaymentRequired:
		return daemonErrorCodeCreditsInsufficient
	case http.StatusTooManyRequests:
		return daemonErrorCodeRateLimited
	case http.StatusInternalServerError:
		return daemonErrorCodeServerError
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusBadGateway:
		return daemonErrorCodeUnavailable
	default:
		if status >= http.StatusInternalServerError {
			return daemonErrorCodeServerError
		}
	}
	return daemonErrorCodeInternalError
}
