package money

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type stubRates struct {
	perUSD map[string]decimal.Decimal // units of the currency per 1 USD
	calls  int
	err    error
}

func (s *stubRates) Rate(_ context.Context, from, to string, _ time.Time) (decimal.Decimal, error) {
	s.calls++
	if s.err != nil {
		return decimal.Zero, s.err
	}
	unit := func(code string) decimal.Decimal {
		if code == "USD" {
			return decimal.NewFromInt(1)
		}
		return s.perUSD[code]
	}
	return unit(to).Div(unit(from)), nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestNormalizer(rates RateSource) *Normalizer {
	return NewNormalizer(rates, "USD", d("0.029"))
}

func TestScale(t *testing.T) {
	cases := map[string]int32{"USD": 2, "eur": 2, "JPY": 0, "KWD": 3, "???": 2}
	for code, want := range cases {
		if got := Scale(code); got != want {
			t.Errorf("Scale(%q) = %d, want %d", code, got, want)
		}
	}
	if Exponent("USD") != 100 {
		t.Errorf("Exponent(USD) = %d", Exponent("USD"))
	}
	if got := ToMinor(d("12.345"), "USD"); got != 1235 {
		t.Errorf("ToMinor = %d, want 1235", got)
	}
}

func TestExchangeRoundTrip(t *testing.T) {
	rates := &stubRates{perUSD: map[string]decimal.Decimal{
		"EUR": d("0.9271"),
		"JPY": d("151.37"),
		"GBP": d("0.7913"),
	}}
	n := newTestNormalizer(rates)
	ctx := context.Background()

	for _, code := range []string{"EUR", "JPY", "GBP"} {
		for _, v := range []string{"0.01", "1", "9.99", "123.45", "100000"} {
			amount := Round(d(v), code)
			usd, err := n.ExchangeToSettlement(ctx, amount, code)
			if err != nil {
				t.Fatal(err)
			}
			back, err := n.ExchangeFromSettlement(ctx, usd, code)
			if err != nil {
				t.Fatal(err)
			}
			diff := Round(back, code).Sub(amount).Abs()
			if diff.GreaterThan(FromMinor(1, code)) {
				t.Errorf("%s %s round trip drifted by %s", v, code, diff)
			}
		}
	}
}

func TestExchangeSettlementIsIdentity(t *testing.T) {
	rates := &stubRates{}
	n := newTestNormalizer(rates)
	got, err := n.ExchangeToSettlement(context.Background(), d("10.10"), "usd")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(d("10.10")) || rates.calls != 0 {
		t.Fatalf("got %s with %d rate calls", got, rates.calls)
	}
}

func TestExchangeUnavailable(t *testing.T) {
	cause := errors.New("rate service down")
	n := newTestNormalizer(&stubRates{err: cause})
	_, err := n.ExchangeToSettlement(context.Background(), d("1"), "EUR")
	if !errors.Is(err, ErrExchangeUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("err = %v", err)
	}
}

func TestExchangeByRatio(t *testing.T) {
	n := newTestNormalizer(nil)
	if got := n.ExchangeByRatio(d("10"), d("100"), d("120"), "USD"); !got.Equal(d("12")) {
		t.Errorf("to settlement = %s", got)
	}
	if got := n.ExchangeByRatio(d("12"), d("100"), d("120"), "EUR"); !got.Equal(d("10")) {
		t.Errorf("from settlement = %s", got)
	}
	if got := n.ExchangeByRatio(d("12"), d("0"), d("0"), "USD"); !got.IsZero() {
		t.Errorf("zero total = %s", got)
	}
}

func TestReconcilePurchaseIdentities(t *testing.T) {
	fee := d("-3.47")
	cases := []struct {
		name string
		in   PurchaseInput
	}{
		{"usd with fee", PurchaseInput{Currency: "USD", Subtotal: d("19.99"), Tax: d("1.60"), Total: d("21.59"), ProcessingFee: &fee}},
		{"usd estimated fee", PurchaseInput{Currency: "USD", Subtotal: d("9.99"), Tax: d("0"), Total: d("4.99")}},
		{"eur via fx", PurchaseInput{Currency: "EUR", Subtotal: d("100.00"), Tax: d("10.00"), Total: d("105.00")}},
		{"eur reported settlement", PurchaseInput{Currency: "EUR", Subtotal: d("33.33"), Tax: d("6.67"), Total: d("40.00"), TotalUSD: ptr(d("43.21")), ProcessingFeeUSD: ptr(d("-1.55"))}},
		{"jpy", PurchaseInput{Currency: "JPY", Subtotal: d("1500"), Tax: d("150"), Total: d("1650")}},
		{"fully discounted", PurchaseInput{Currency: "EUR", Subtotal: d("5.00"), Tax: d("0"), Total: d("0"), ProcessingFee: ptr(decimal.Zero)}},
	}
	rates := &stubRates{perUSD: map[string]decimal.Decimal{"EUR": d("0.9271"), "JPY": d("151.37")}}
	n := newTestNormalizer(rates)

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, err := n.ReconcilePurchase(context.Background(), tc.in)
			if err != nil {
				t.Fatal(err)
			}
			if err := a.CheckIdentities(); err != nil {
				t.Fatal(err)
			}
			if a.ProcessingFee.IsPositive() || a.ProcessingFeeUSD.IsPositive() {
				t.Errorf("purchase fee must not be positive: %s / %s", a.ProcessingFee, a.ProcessingFeeUSD)
			}
		})
	}
}

func TestReconcilePurchaseDerivesDiscount(t *testing.T) {
	n := newTestNormalizer(nil)
	// Provider rounded tax independently; a residue under half a cent is noise.
	a, err := n.ReconcilePurchase(context.Background(), PurchaseInput{
		Currency: "USD", Subtotal: d("10.00"), Tax: d("0.824"), Total: d("10.82"), ProcessingFee: ptr(d("-0.60")),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !a.Discount.IsZero() {
		t.Errorf("discount = %s, want 0", a.Discount)
	}
	if !a.SubtotalUSD.Equal(a.Subtotal) || !a.TotalUSD.Equal(a.Total) {
		t.Errorf("settlement copies differ: %+v", a)
	}
	if !a.TotalRevenue.Equal(d("9.40")) {
		t.Errorf("revenue = %s", a.TotalRevenue)
	}
}

func TestReconcilePurchaseSingleRateLookup(t *testing.T) {
	rates := &stubRates{perUSD: map[string]decimal.Decimal{"EUR": d("0.8")}}
	n := newTestNormalizer(rates)
	if _, err := n.ReconcilePurchase(context.Background(), PurchaseInput{
		Currency: "EUR", Subtotal: d("80"), Tax: d("8"), Total: d("88"),
	}); err != nil {
		t.Fatal(err)
	}
	if rates.calls != 1 {
		t.Fatalf("rate lookups = %d, want 1", rates.calls)
	}
}

func TestFullRefundMirrorsReference(t *testing.T) {
	rates := &stubRates{perUSD: map[string]decimal.Decimal{"EUR": d("0.9")}}
	n := newTestNormalizer(rates)
	ref, err := n.ReconcilePurchase(context.Background(), PurchaseInput{
		Currency: "EUR", Subtotal: d("100.00"), Tax: d("10.00"), Total: d("110.00"), ProcessingFee: ptr(d("-3.49")),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Today's rate must not matter.
	rates.perUSD["EUR"] = d("0.5")
	calls := rates.calls

	got := n.ReconcileRefund(ref, RefundInput{
		Currency: "EUR", Subtotal: d("-100.00"), Tax: d("-10.00"), Total: d("-110.00"),
	})
	if !got.Subtotal.Equal(d("-100")) || !got.Tax.Equal(d("-10")) || !got.Total.Equal(d("-110")) {
		t.Fatalf("refund amounts = %s %s %s", got.Subtotal, got.Tax, got.Total)
	}
	pairs := []struct {
		name      string
		got, want decimal.Decimal
	}{
		{"subtotal_usd", got.SubtotalUSD, ref.SubtotalUSD.Neg()},
		{"discount_usd", got.DiscountUSD, ref.DiscountUSD.Neg()},
		{"tax_usd", got.TaxUSD, ref.TaxUSD.Neg()},
		{"total_usd", got.TotalUSD, ref.TotalUSD.Neg()},
		{"processing_fee_usd", got.ProcessingFeeUSD, ref.ProcessingFeeUSD.Neg()},
		{"total_revenue_usd", got.TotalRevenueUSD, ref.TotalRevenueUSD.Neg()},
	}
	for _, p := range pairs {
		if !p.got.Equal(p.want) {
			t.Errorf("%s = %s, want %s", p.name, p.got, p.want)
		}
	}
	if got.FeeEstimated {
		t.Error("full refund fee must not be estimated")
	}
	if rates.calls != calls {
		t.Error("full refund looked up a rate")
	}
}

func TestPartialRefundProration(t *testing.T) {
	n := newTestNormalizer(nil)
	ref := Amounts{
		Subtotal: d("100.00"), Tax: d("0"), Total: d("100.00"), ProcessingFee: d("-3.00"),
		SubtotalUSD: d("120.00"), TaxUSD: d("0"), TotalUSD: d("120.00"), ProcessingFeeUSD: d("-3.60"),
	}
	ref.Finalize("EUR", "USD")

	got := n.ReconcileRefund(ref, RefundInput{Currency: "EUR", Subtotal: d("-50.00"), Tax: d("0"), Total: d("-50.00")})

	if !got.SubtotalUSD.Equal(d("-60.00")) {
		t.Errorf("subtotal_usd = %s, want -60.00", got.SubtotalUSD)
	}
	if !got.TotalUSD.Equal(d("-60.00")) {
		t.Errorf("total_usd = %s, want -60.00", got.TotalUSD)
	}
	// 2.9% of 60.00 = 1.74, returned as a positive fee on a refund.
	if !got.ProcessingFeeUSD.Equal(d("1.74")) || !got.FeeEstimated {
		t.Errorf("fee_usd = %s estimated=%v", got.ProcessingFeeUSD, got.FeeEstimated)
	}
	if !got.ProcessingFee.Equal(d("1.45")) {
		t.Errorf("fee = %s, want 1.45", got.ProcessingFee)
	}
	if err := got.CheckIdentities(); err != nil {
		t.Fatal(err)
	}
}

func TestPartialRefundReportedFee(t *testing.T) {
	n := newTestNormalizer(nil)
	ref := Amounts{Subtotal: d("10"), Total: d("10"), SubtotalUSD: d("10"), TotalUSD: d("10")}
	ref.Finalize("USD", "USD")
	got := n.ReconcileRefund(ref, RefundInput{
		Currency: "USD", Subtotal: d("-4"), Total: d("-4"), ProcessingFee: ptr(d("0.12")),
	})
	if got.FeeEstimated || !got.ProcessingFeeUSD.Equal(d("0.12")) {
		t.Fatalf("fee = %s estimated=%v", got.ProcessingFeeUSD, got.FeeEstimated)
	}
}

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

func TestWithReportedFeeReplacesEstimate(t *testing.T) {
	n := newTestNormalizer(nil)
	estimated := Amounts{Subtotal: d("-50.00"), Total: d("-50.00"), SubtotalUSD: d("-60.00"), TotalUSD: d("-60.00"),
		ProcessingFee: d("1.45"), ProcessingFeeUSD: d("1.74"), FeeEstimated: true}
	estimated.Finalize("EUR", "USD")

	got := n.WithReportedFee(estimated, "EUR", nil, ptr(d("1.50")))
	if got.FeeEstimated {
		t.Fatal("fee still flagged as estimated")
	}
	if !got.ProcessingFeeUSD.Equal(d("1.50")) || !got.ProcessingFee.Equal(d("1.25")) {
		t.Fatalf("fee = %s / %s usd", got.ProcessingFee, got.ProcessingFeeUSD)
	}
	if err := got.CheckIdentities(); err != nil {
		t.Fatal(err)
	}

	unchanged := n.WithReportedFee(estimated, "EUR", nil, nil)
	if !unchanged.FeeEstimated {
		t.Fatal("nil fees must leave the estimate in place")
	}
}
