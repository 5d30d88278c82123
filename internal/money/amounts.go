package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amounts is the monetary record shared by purchases, refunds and subscription
// cycles. Every field exists in the transaction currency and in the settlement
// currency (the *USD twins). ProcessingFee is negative on a purchase and
// positive on a refund.
type Amounts struct {
	Subtotal      decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"subtotal"`
	Discount      decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"discount"`
	Tax           decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"tax"`
	Total         decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"total"`
	ProcessingFee decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"processing_fee"`
	TotalRevenue  decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"total_revenue"`

	SubtotalUSD      decimal.Decimal `gorm:"column:subtotal_usd;type:decimal(20,6);not null;default:0" json:"subtotal_usd"`
	DiscountUSD      decimal.Decimal `gorm:"column:discount_usd;type:decimal(20,6);not null;default:0" json:"discount_usd"`
	TaxUSD           decimal.Decimal `gorm:"column:tax_usd;type:decimal(20,6);not null;default:0" json:"tax_usd"`
	TotalUSD         decimal.Decimal `gorm:"column:total_usd;type:decimal(20,6);not null;default:0" json:"total_usd"`
	ProcessingFeeUSD decimal.Decimal `gorm:"column:processing_fee_usd;type:decimal(20,6);not null;default:0" json:"processing_fee_usd"`
	TotalRevenueUSD  decimal.Decimal `gorm:"column:total_revenue_usd;type:decimal(20,6);not null;default:0" json:"total_revenue_usd"`

	TaxPercent decimal.Decimal `gorm:"type:decimal(9,4);not null;default:0" json:"tax_percent"`

	// FeeEstimated marks a processing fee computed from the flat-rate model
	// rather than reported by the provider.
	FeeEstimated bool `gorm:"not null;default:false" json:"fee_estimated"`
}

// Finalize rounds the independent fields to their currency's minor unit and
// re-derives discount and revenue from the rounded values, so both
// identities hold exactly in what gets persisted.
func (a *Amounts) Finalize(code, settlement string) {
	a.Subtotal = Round(a.Subtotal, code)
	a.Tax = Round(a.Tax, code)
	a.Total = Round(a.Total, code)
	a.ProcessingFee = Round(a.ProcessingFee, code)
	a.Discount = snapZero(a.Subtotal.Sub(a.Total).Add(a.Tax))
	a.TotalRevenue = a.Subtotal.Sub(a.Discount).Add(a.ProcessingFee)

	a.SubtotalUSD = Round(a.SubtotalUSD, settlement)
	a.TaxUSD = Round(a.TaxUSD, settlement)
	a.TotalUSD = Round(a.TotalUSD, settlement)
	a.ProcessingFeeUSD = Round(a.ProcessingFeeUSD, settlement)
	a.DiscountUSD = snapZero(a.SubtotalUSD.Sub(a.TotalUSD).Add(a.TaxUSD))
	a.TotalRevenueUSD = a.SubtotalUSD.Sub(a.DiscountUSD).Add(a.ProcessingFeeUSD)
}

// Negated returns the amounts with every money field sign-flipped.
func (a Amounts) Negated() Amounts {
	return Amounts{
		Subtotal:         a.Subtotal.Neg(),
		Discount:         a.Discount.Neg(),
		Tax:              a.Tax.Neg(),
		Total:            a.Total.Neg(),
		ProcessingFee:    a.ProcessingFee.Neg(),
		TotalRevenue:     a.TotalRevenue.Neg(),
		SubtotalUSD:      a.SubtotalUSD.Neg(),
		DiscountUSD:      a.DiscountUSD.Neg(),
		TaxUSD:           a.TaxUSD.Neg(),
		TotalUSD:         a.TotalUSD.Neg(),
		ProcessingFeeUSD: a.ProcessingFeeUSD.Neg(),
		TotalRevenueUSD:  a.TotalRevenueUSD.Neg(),
		TaxPercent:       a.TaxPercent,
		FeeEstimated:     a.FeeEstimated,
	}
}

// CheckIdentities reports the first broken accounting identity.
func (a Amounts) CheckIdentities() error {
	if !a.Total.Equal(a.Subtotal.Sub(a.Discount).Add(a.Tax)) {
		return fmt.Errorf("total %s != subtotal %s - discount %s + tax %s", a.Total, a.Subtotal, a.Discount, a.Tax)
	}
	if !a.TotalRevenue.Equal(a.Subtotal.Sub(a.Discount).Add(a.ProcessingFee)) {
		return fmt.Errorf("total_revenue %s != subtotal %s - discount %s + processing_fee %s", a.TotalRevenue, a.Subtotal, a.Discount, a.ProcessingFee)
	}
	if !a.TotalUSD.Equal(a.SubtotalUSD.Sub(a.DiscountUSD).Add(a.TaxUSD)) {
		return fmt.Errorf("total_usd %s != subtotal_usd %s - discount_usd %s + tax_usd %s", a.TotalUSD, a.SubtotalUSD, a.DiscountUSD, a.TaxUSD)
	}
	if !a.TotalRevenueUSD.Equal(a.SubtotalUSD.Sub(a.DiscountUSD).Add(a.ProcessingFeeUSD)) {
		return fmt.Errorf("total_revenue_usd %s != subtotal_usd %s - discount_usd %s + processing_fee_usd %s", a.TotalRevenueUSD, a.SubtotalUSD, a.DiscountUSD, a.ProcessingFeeUSD)
	}
	return nil
}

// Quote builds the preliminary amounts recorded on a pending transaction
// before the provider has confirmed anything.
func Quote(code string, price, discount, tax decimal.Decimal) Amounts {
	a := Amounts{
		Subtotal: price,
		Tax:      tax,
		Total:    price.Sub(discount).Add(tax),
	}
	a.Finalize(code, code)
	return a
}
