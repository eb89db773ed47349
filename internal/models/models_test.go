package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestServerStatusString(t *testing.T) {
	tests := []struct {
		status ServerStatus
		want   string
	}{
		{ServerRequested, "REQUESTED"},
		{ServerProvisioning, "PROVISIONING"},
		{ServerActive, "ACTIVE"},
		{ServerStopped, "STOPPED"},
		{ServerExpired, "EXPIRED"},
		{ServerDeleted, "DELETED"},
		{ServerError, "ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, string(tt.status))
		})
	}
}

func TestServerStatusTransitional(t *testing.T) {
	for _, status := range TransitionalStatuses() {
		assert.True(t, status.Transitional(), string(status))
		assert.False(t, status.Terminal(), string(status))
	}
	for _, status := range []ServerStatus{ServerRequested, ServerActive, ServerStopped, ServerExpired, ServerDeleted, ServerError} {
		assert.False(t, status.Transitional(), string(status))
	}
	assert.True(t, ServerDeleted.Terminal())
}

func TestServerTypeValid(t *testing.T) {
	assert.True(t, ServerTypeVPS.Valid())
	assert.True(t, ServerTypeGameServer.Valid())
	assert.True(t, ServerTypeAppHosting.Valid())
	assert.False(t, ServerType("DEDICATED").Valid())
	assert.False(t, ServerType("").Valid())
}

func TestRoleValid(t *testing.T) {
	for _, role := range []Role{RoleCustomer, RoleSupport, RoleAdmin, RoleSystem} {
		assert.True(t, role.Valid(), string(role))
	}
	assert.False(t, Role("root").Valid())
	assert.Equal(t, RoleSystem, SystemActor.Role)
}

func TestServerZeroValues(t *testing.T) {
	var s Server
	assert.Empty(t, s.ID)
	assert.Empty(t, s.ExternalID)
	assert.True(t, s.ExpiresAt.IsZero())
	assert.True(t, s.PriceMonthly.IsZero())
}

func TestPriceRatesMonthly(t *testing.T) {
	rates := PriceRates{
		Base:         decimal.RequireFromString("2.00"),
		PerCPU:       decimal.RequireFromString("1.50"),
		PerGBMemory:  decimal.RequireFromString("0.75"),
		PerGBStorage: decimal.RequireFromString("0.04"),
	}
	// 2 + 2*1.5 + 4*0.75 + 50*0.04
	got := rates.Monthly(ServerSpec{CPU: 2, MemoryMB: 4096, StorageGB: 50})
	assert.True(t, got.Equal(decimal.RequireFromString("10.00")), "got %s", got)

	half := rates.Monthly(ServerSpec{CPU: 1, MemoryMB: 512, StorageGB: 1})
	assert.Equal(t, "3.92", half.StringFixed(2))

	assert.True(t, PriceRates{}.Monthly(ServerSpec{CPU: 4}).IsZero())
}
