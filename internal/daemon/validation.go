package daemon

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hostlane/hostlane/internal/models"
)

const (
	minExtendMonths = 1
	maxExtendMonths = 24
)

// ProvisionRequest is the input of RequestProvision.
type ProvisionRequest struct {
	OwnerID string            `json:"owner_id" validate:"required,max=128"`
	Name    string            `json:"name" validate:"required,max=63,hostname_rfc1123"`
	Type    models.ServerType `json:"type" validate:"required,oneof=VPS GAMESERVER APP_HOSTING"`
	Spec    models.ServerSpec `json:"spec"`
}

type extendRequest struct {
	Months int `json:"months" validate:"min=1,max=24"`
}

type topUpRequest struct {
	UserID    string `json:"user_id" validate:"required,max=128"`
	Reference string `json:"reference" validate:"max=256"`
}

type requestValidator struct {
	validate *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return &requestValidator{validate: v}
}

// Struct validates value and reports the first failing field as a ValidationError.
func (v *requestValidator) Struct(value any) error {
	err := v.validate.Struct(value)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	fe := fieldErrs[0]
	return &ValidationError{Field: fieldPath(fe.Namespace()), Message: describeFieldError(fe)}
}

// fieldPath drops the root struct name: "ProvisionRequest.spec.cpu" -> "spec.cpu".
func fieldPath(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of %s", strings.ReplaceAll(fe.Param(), " ", ", "))
	case "hostname_rfc1123":
		return "must be a valid hostname label"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
