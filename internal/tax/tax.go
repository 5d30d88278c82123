package tax

import (
	"context"
	"fmt"

	"purchase-processor/internal/money"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type Request struct {
	RealmID    uint
	CustomerID uint
	Currency   string
	Price      decimal.Decimal
	Discount   decimal.Decimal
}

type Result struct {
	Percent decimal.Decimal
	Amount  decimal.Decimal
}

type Calculator interface {
	Compute(ctx context.Context, req Request) (Result, error)
}

// FlatCalculator applies a configured percentage per realm, falling back to a
// default for realms without one.
type FlatCalculator struct {
	defaultPercent decimal.Decimal
	realmPercents  map[uint]decimal.Decimal
}

func NewFlatCalculator(defaultPercent string, realmPercents map[string]string) (*FlatCalculator, error) {
	def, err := decimal.NewFromString(defaultPercent)
	if err != nil {
		return nil, fmt.Errorf("parse default tax percent: %w", err)
	}
	perRealm := make(map[uint]decimal.Decimal, len(realmPercents))
	for key, raw := range realmPercents {
		var realmID uint
		if _, err := fmt.Sscanf(key, "%d", &realmID); err != nil {
			return nil, fmt.Errorf("parse realm id %q: %w", key, err)
		}
		pct, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse tax percent for realm %d: %w", realmID, err)
		}
		perRealm[realmID] = pct
	}
	return &FlatCalculator{defaultPercent: def, realmPercents: perRealm}, nil
}

// Compute taxes the discounted price and rounds the amount to the currency.
func (c *FlatCalculator) Compute(_ context.Context, req Request) (Result, error) {
	pct, ok := c.realmPercents[req.RealmID]
	if !ok {
		pct = c.defaultPercent
	}
	taxable := req.Price.Sub(req.Discount)
	if !taxable.IsPositive() {
		return Result{Percent: pct, Amount: decimal.Zero}, nil
	}
	return Result{
		Percent: pct,
		Amount:  money.Round(taxable.Mul(pct).Div(hundred), req.Currency),
	}, nil
}
