package money

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrExchangeUnavailable = errors.New("money: exchange unavailable")

// RateSource returns how many units of `to` one unit of `from` buys.
type RateSource interface {
	Rate(ctx context.Context, from, to string, asOf time.Time) (decimal.Decimal, error)
}

// Normalizer converts amounts into the settlement currency and reconstructs
// the derived fields of purchase and refund records from partial provider data.
type Normalizer struct {
	rates      RateSource
	settlement string
	feeRate    decimal.Decimal
	now        func() time.Time
}

func NewNormalizer(rates RateSource, settlement string, feeRate decimal.Decimal) *Normalizer {
	return &Normalizer{
		rates:      rates,
		settlement: settlement,
		feeRate:    feeRate,
		now:        time.Now,
	}
}

func (n *Normalizer) Settlement() string {
	return n.settlement
}

// ExchangeToSettlement converts amount from code into the settlement currency.
// The result is not rounded.
func (n *Normalizer) ExchangeToSettlement(ctx context.Context, amount decimal.Decimal, code string) (decimal.Decimal, error) {
	return n.exchange(ctx, amount, code, n.settlement)
}

// ExchangeFromSettlement converts a settlement amount into code.
func (n *Normalizer) ExchangeFromSettlement(ctx context.Context, amount decimal.Decimal, code string) (decimal.Decimal, error) {
	return n.exchange(ctx, amount, n.settlement, code)
}

func (n *Normalizer) exchange(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if SameCurrency(from, to) || amount.IsZero() {
		return amount, nil
	}
	if n.rates == nil {
		return decimal.Zero, fmt.Errorf("%w: no rate source configured", ErrExchangeUnavailable)
	}
	rate, err := n.rates.Rate(ctx, from, to, n.now())
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s->%s: %w", ErrExchangeUnavailable, from, to, err)
	}
	return amount.Mul(rate), nil
}

// ExchangeByRatio converts a sub-amount of a transaction using the ratio
// already established between total and totalSettlement, so every field of one
// record shares a single rate. A settlement target multiplies by
// totalSettlement/total; any other target applies the inverse.
func (n *Normalizer) ExchangeByRatio(value, total, totalSettlement decimal.Decimal, target string) decimal.Decimal {
	if SameCurrency(target, n.settlement) {
		if total.IsZero() {
			return decimal.Zero
		}
		return value.Mul(totalSettlement).Div(total)
	}
	if totalSettlement.IsZero() {
		return decimal.Zero
	}
	return value.Mul(total).Div(totalSettlement)
}

// PurchaseInput is what a provider confirmed for a charge, in the transaction
// currency. Fee fields are optional: ProcessingFeeUSD wins when both are set,
// and when neither is set the fee is estimated.
type PurchaseInput struct {
	Currency         string
	Subtotal         decimal.Decimal
	Tax              decimal.Decimal
	Total            decimal.Decimal
	TaxPercent       decimal.Decimal
	TotalUSD         *decimal.Decimal
	ProcessingFee    *decimal.Decimal
	ProcessingFeeUSD *decimal.Decimal
}

// ReconcilePurchase fills every monetary field of a confirmed purchase. The
// discount is always derived from subtotal, total and tax. The result is
// rounded and ready to persist.
func (n *Normalizer) ReconcilePurchase(ctx context.Context, in PurchaseInput) (Amounts, error) {
	a := Amounts{
		Subtotal:   in.Subtotal,
		Tax:        in.Tax,
		Total:      in.Total,
		TaxPercent: in.TaxPercent,
	}
	a.Discount = snapZero(in.Subtotal.Sub(in.Total).Add(in.Tax))

	if SameCurrency(in.Currency, n.settlement) {
		a.SubtotalUSD, a.DiscountUSD, a.TaxUSD, a.TotalUSD = a.Subtotal, a.Discount, a.Tax, a.Total
		switch {
		case in.ProcessingFeeUSD != nil:
			a.ProcessingFee = *in.ProcessingFeeUSD
		case in.ProcessingFee != nil:
			a.ProcessingFee = *in.ProcessingFee
		default:
			a.ProcessingFee = n.estimateFee(a.TotalUSD).Neg()
			a.FeeEstimated = !a.ProcessingFee.IsZero()
		}
		a.ProcessingFeeUSD = a.ProcessingFee
		a.Finalize(in.Currency, n.settlement)
		return a, nil
	}

	base, baseUSD, err := n.ratioBase(ctx, in.Currency, in.Subtotal, in.Total, in.TotalUSD)
	if err != nil {
		return Amounts{}, err
	}
	a.SubtotalUSD = n.ExchangeByRatio(a.Subtotal, base, baseUSD, n.settlement)
	a.DiscountUSD = n.ExchangeByRatio(a.Discount, base, baseUSD, n.settlement)
	a.TaxUSD = n.ExchangeByRatio(a.Tax, base, baseUSD, n.settlement)
	a.TotalUSD = n.ExchangeByRatio(a.Total, base, baseUSD, n.settlement)

	switch {
	case in.ProcessingFeeUSD != nil:
		a.ProcessingFeeUSD = *in.ProcessingFeeUSD
		a.ProcessingFee = n.ExchangeByRatio(a.ProcessingFeeUSD, base, baseUSD, in.Currency)
	case in.ProcessingFee != nil:
		a.ProcessingFee = *in.ProcessingFee
		a.ProcessingFeeUSD = n.ExchangeByRatio(a.ProcessingFee, base, baseUSD, n.settlement)
	default:
		a.ProcessingFeeUSD = n.estimateFee(a.TotalUSD).Neg()
		a.ProcessingFee = n.ExchangeByRatio(a.ProcessingFeeUSD, base, baseUSD, in.Currency)
		a.FeeEstimated = !a.ProcessingFeeUSD.IsZero()
	}

	a.Finalize(in.Currency, n.settlement)
	return a, nil
}

// ratioBase picks the reference pair every sub-amount is converted through:
// the total, or the subtotal when a full discount zeroed the total. Only one
// rate lookup happens per record.
func (n *Normalizer) ratioBase(ctx context.Context, code string, subtotal, total decimal.Decimal, totalUSD *decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if !total.IsZero() {
		if totalUSD != nil {
			return total, *totalUSD, nil
		}
		usd, err := n.ExchangeToSettlement(ctx, total, code)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		return total, usd, nil
	}
	if subtotal.IsZero() {
		return decimal.Zero, decimal.Zero, nil
	}
	usd, err := n.ExchangeToSettlement(ctx, subtotal, code)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return subtotal, usd, nil
}

// RefundInput carries the negative amounts being refunded in the reference
// transaction's currency, and whatever fee the provider reported.
type RefundInput struct {
	Currency         string
	Subtotal         decimal.Decimal
	Tax              decimal.Decimal
	Total            decimal.Decimal
	ProcessingFee    *decimal.Decimal
	ProcessingFeeUSD *decimal.Decimal
}

// IsFullRefund reports whether refundSubtotal mirrors the reference exactly.
func IsFullRefund(reference Amounts, refundSubtotal decimal.Decimal) bool {
	return refundSubtotal.Equal(reference.Subtotal.Neg())
}

// ReconcileRefund derives a refund record against its reference purchase.
// Settlement fields never use a current rate: a full refund mirrors the
// reference, a partial refund scales it by the refunded fraction. Partial
// refunds without a reported fee get the flat-rate estimate and are flagged.
func (n *Normalizer) ReconcileRefund(reference Amounts, in RefundInput) Amounts {
	a := Amounts{
		Subtotal:   in.Subtotal,
		Tax:        in.Tax,
		Total:      in.Total,
		TaxPercent: reference.TaxPercent,
	}
	a.Discount = snapZero(in.Subtotal.Sub(in.Total).Add(in.Tax))

	if IsFullRefund(reference, in.Subtotal) || reference.Subtotal.IsZero() {
		neg := reference.Negated()
		a.SubtotalUSD = neg.SubtotalUSD
		a.DiscountUSD = neg.DiscountUSD
		a.TaxUSD = neg.TaxUSD
		a.TotalUSD = neg.TotalUSD
		a.ProcessingFee = neg.ProcessingFee
		a.ProcessingFeeUSD = neg.ProcessingFeeUSD
		a.Finalize(in.Currency, n.settlement)
		return a
	}

	ratio := in.Subtotal.Div(reference.Subtotal).Neg()
	a.SubtotalUSD = ratio.Mul(reference.SubtotalUSD).Neg()
	a.DiscountUSD = ratio.Mul(reference.DiscountUSD).Neg()
	a.TaxUSD = ratio.Mul(reference.TaxUSD).Neg()
	a.TotalUSD = ratio.Mul(reference.TotalUSD).Neg()

	switch {
	case in.ProcessingFeeUSD != nil:
		a.ProcessingFeeUSD = *in.ProcessingFeeUSD
		a.ProcessingFee = n.ExchangeByRatio(a.ProcessingFeeUSD, a.Total, a.TotalUSD, in.Currency)
	case in.ProcessingFee != nil:
		a.ProcessingFee = *in.ProcessingFee
		a.ProcessingFeeUSD = n.ExchangeByRatio(a.ProcessingFee, a.Total, a.TotalUSD, n.settlement)
	default:
		// Providers do not return the fee on a partial refund.
		a.ProcessingFeeUSD = Round(n.estimateFee(a.TotalUSD).Neg(), n.settlement)
		a.ProcessingFee = n.ExchangeByRatio(a.ProcessingFeeUSD, a.Total, a.TotalUSD, in.Currency)
		a.FeeEstimated = !a.ProcessingFeeUSD.IsZero()
	}

	a.Finalize(in.Currency, n.settlement)
	return a
}

// WithReportedFee replaces an estimated fee with the one the provider reported
// later, converting through the record's own total ratio. Nil inputs leave the
// amounts unchanged.
func (n *Normalizer) WithReportedFee(a Amounts, code string, fee, feeUSD *decimal.Decimal) Amounts {
	switch {
	case feeUSD != nil:
		a.ProcessingFeeUSD = *feeUSD
		a.ProcessingFee = n.ExchangeByRatio(*feeUSD, a.Total, a.TotalUSD, code)
		if SameCurrency(code, n.settlement) {
			a.ProcessingFee = *feeUSD
		}
	case fee != nil:
		a.ProcessingFee = *fee
		a.ProcessingFeeUSD = n.ExchangeByRatio(*fee, a.Total, a.TotalUSD, n.settlement)
		if SameCurrency(code, n.settlement) {
			a.ProcessingFeeUSD = *fee
		}
	default:
		return a
	}
	a.FeeEstimated = false
	a.Finalize(code, n.settlement)
	return a
}

// EstimatedRefundFee exposes the flat-rate fee model for a settlement total.
func (n *Normalizer) EstimatedRefundFee(totalUSD decimal.Decimal) decimal.Decimal {
	return Round(n.estimateFee(totalUSD).Neg(), n.settlement)
}

func (n *Normalizer) estimateFee(totalUSD decimal.Decimal) decimal.Decimal {
	return totalUSD.Mul(n.feeRate)
}
