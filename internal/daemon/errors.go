package daemon

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hostlane/hostlane/internal/models"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTransition = errors.New("invalid server status transition")
	ErrServerBusy        = errors.New("server is busy")
	ErrNoGateway         = errors.New("no gateway configured for server type")
)

// ValidationError reports bad caller input. Nothing was written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NotFoundError reports an unknown server id, or one the actor may not see.
type NotFoundError struct {
	ServerID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("server %s not found", e.ServerID)
}

// ConflictError reports a failed claim: the server is held by another
// action or the requested edge does not leave its current status.
type ConflictError struct {
	ServerID string
	Action   models.ActivityAction
	Status   models.ServerStatus
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot %s server %s in status %s", e.Action, e.ServerID, e.Status)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// InsufficientFundsError aborts a credit-paid extension before any write.
type InsufficientFundsError struct {
	UserID    string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: need %s, have %s", e.UserID, e.Required.StringFixed(2), e.Available.StringFixed(2))
}

// ForbiddenError reports a capability the actor's role does not grant.
type ForbiddenError struct {
	ActorID    string
	Role       models.Role
	Capability Capability
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s (%s) may not %s", e.ActorID, e.Role, e.Capability)
}

// AuditWriteWarning is reported to the audit sink when an entry could not be
// stored. It never fails the lifecycle action that produced the entry.
type AuditWriteWarning struct {
	Entry   models.ActivityLogEntry
	Dropped bool
	Err     error
}

func (w *AuditWriteWarning) Error() string {
	var b strings.Builder
	b.WriteString("audit write warning: server=")
	b.WriteString(w.Entry.ServerID)
	b.WriteString(" action=")
	b.WriteString(string(w.Entry.Action))
	if w.Dropped {
		b.WriteString(": buffer full, entry dropped")
	}
	if w.Err != nil {
		b.WriteString(": ")
		b.WriteString(w.Err.Error())
	}
	return b.String()
}

func (w *AuditWriteWarning) Unwrap() error {
	return w.Err
}

func validationErrorf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
