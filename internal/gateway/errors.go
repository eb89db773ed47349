package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindNone          Kind = ""
	KindUnauthorized  Kind = "unauthorized"
	KindNotFound      Kind = "not_found"
	KindQuotaExceeded Kind = "quota_exceeded"
	// KindTransient covers network failures, timeouts, throttling and 5xx responses. Only these are retried.
	KindTransient Kind = "transient"
	// KindMalformed covers 4xx responses other than auth and not-found.
	KindMalformed Kind = "malformed"
)

// ProviderError is the only error type returned by Gateway implementations.
type ProviderError struct {
	Kind     Kind
	Provider string
	Op       string
	Status   int
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", e.Provider, e.Op, e.Kind)
	if e.Status > 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err, or KindNone when err is not a ProviderError.
func KindOf(err error) Kind {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindNone
}

func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

func newError(provider, op string, kind Kind, status int, message string, err error) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, Op: op, Status: status, Message: message, Err: err}
}

// classifyTransportError classifies failures that happened before a response
// was read: dial errors, timeouts, resets. All of them are Transient.
func classifyTransportError(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return err
	}
	return newError(provider, op, KindTransient, 0, "", err)
}

// classifyStatus maps an HTTP status and error message to a Kind.
func classifyStatus(status int, message string) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if looksLikeQuota(message) {
			return KindQuotaExceeded
		}
		return KindUnauthorized
	case status == http.StatusNotFound || status == http.StatusGone:
		return KindNotFound
	case status == http.StatusPaymentRequired:
		return KindQuotaExceeded
	case status == http.StatusRequestTimeout || status == http.StatusTooEarly || status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 500:
		return KindTransient
	case status >= 400:
		if looksLikeQuota(message) {
			return KindQuotaExceeded
		}
		return KindMalformed
	default:
		return KindMalformed
	}
}

func looksLikeQuota(message string) bool {
	msg := strings.ToLower(message)
	for _, marker := range []string{"quota", "limit exceeded", "limit_exceeded", "insufficient resources", "no allocations", "not enough"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
