package tax

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func TestFlatCalculator(t *testing.T) {
	calc, err := NewFlatCalculator("8.25", map[string]string{"7": "20"})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name              string
		req               Request
		wantPct, wantAmnt string
	}{
		{"default realm", Request{RealmID: 1, Currency: "USD", Price: dec("19.99")}, "8.25", "1.65"},
		{"realm override with discount", Request{RealmID: 7, Currency: "EUR", Price: dec("10"), Discount: dec("2.5")}, "20", "1.5"},
		{"fully discounted", Request{RealmID: 7, Currency: "EUR", Price: dec("10"), Discount: dec("10")}, "20", "0"},
		{"zero decimal currency", Request{RealmID: 7, Currency: "JPY", Price: dec("1234")}, "20", "247"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := calc.Compute(context.Background(), tc.req)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Percent.Equal(dec(tc.wantPct)) || !got.Amount.Equal(dec(tc.wantAmnt)) {
				t.Errorf("got %s%% %s, want %s%% %s", got.Percent, got.Amount, tc.wantPct, tc.wantAmnt)
			}
		})
	}
}

func TestFlatCalculatorRejectsBadConfig(t *testing.T) {
	if _, err := NewFlatCalculator("x", nil); err == nil {
		t.Fatal("expected error for bad default")
	}
	if _, err := NewFlatCalculator("0", map[string]string{"realm": "5"}); err == nil {
		t.Fatal("expected error for bad realm key")
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
