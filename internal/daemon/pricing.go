package daemon

import (
	"github.com/hostlane/hostlane/internal/models"
	"github.com/shopspring/decimal"
)

// PriceTable holds monthly rates per server type.
type PriceTable map[models.ServerType]models.PriceRates

// Monthly prices spec for server type t.
func (p PriceTable) Monthly(t models.ServerType, spec models.ServerSpec) (decimal.Decimal, error) {
	rates, ok := p[t]
	if !ok {
		return decimal.Zero, validationErrorf("type", "no pricing configured for %s", t)
	}
	return rates.Monthly(spec), nil
}

// extensionCost is months times the monthly price.
func extensionCost(price decimal.Decimal, months int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(months)))
}
