package gateway

import (
	"fmt"
	"sort"

	"github.com/hostlane/hostlane/internal/models"
)

// Set holds the gateway chosen for each server type.
type Set struct {
	byType map[models.ServerType]Gateway
}

// NewSet binds gateways to server types. Every key must be a known type and
// every value non-nil. Types left out are rejected by For.
func NewSet(byType map[models.ServerType]Gateway) (*Set, error) {
	out := make(map[models.ServerType]Gateway, len(byType))
	for t, gw := range byType {
		if !t.Valid() {
			return nil, fmt.Errorf("unknown server type %q", t)
		}
		if gw == nil {
			return nil, fmt.Errorf("gateway for %s is nil", t)
		}
		out[t] = gw
	}
	return &Set{byType: out}, nil
}

// For returns the gateway serving t.
func (s *Set) For(t models.ServerType) (Gateway, error) {
	if s == nil {
		return nil, fmt.Errorf("no gateway configured for %s", t)
	}
	gw, ok := s.byType[t]
	if !ok {
		return nil, fmt.Errorf("no gateway configured for %s", t)
	}
	return gw, nil
}

// Types lists the configured server types in sorted order.
func (s *Set) Types() []models.ServerType {
	if s == nil {
		return nil
	}
	out := make([]models.ServerType, 0, len(s.byType))
	for t := range s.byType {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Providers maps each configured server type to its provider name.
func (s *Set) Providers() map[models.ServerType]string {
	out := make(map[models.ServerType]string)
	if s == nil {
		return out
	}
	for t, gw := range s.byType {
		out[t] = gw.Provider()
	}
	return out
}
