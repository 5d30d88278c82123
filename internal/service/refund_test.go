package service

import (
	"context"
	"testing"
	"time"

	"purchase-processor/internal/model"
	"purchase-processor/internal/notify"
	"purchase-processor/internal/provider"

	"github.com/shopspring/decimal"
)

func refundOK(providerID string) func(provider.RefundRequest) (*provider.RefundResult, error) {
	return func(provider.RefundRequest) (*provider.RefundResult, error) {
		return &provider.RefundResult{ProviderID: providerID, Status: "submitted_for_settlement"}, nil
	}
}

func subtotal(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestFullRefundMirrorsPurchase(t *testing.T) {
	f := newFixture(t)
	ref := f.completePurchase(euroOffer, lifetimeProduct)
	ref = f.reload(ref)
	expectAmount(t, "purchase subtotal_usd", ref.SubtotalUSD, "120")

	var asked decimal.Decimal
	f.braintree.refund = func(req provider.RefundRequest) (*provider.RefundResult, error) {
		asked = req.Amount
		return refundOK("rf-1")(req)
	}
	res := f.orch.CreateRefund(context.Background(), model.ProviderBraintree, RefundRequest{CustomerID: customerID, TransactionID: ref.ID, Subtotal: subtotal("-100")})
	if res.Status != StatusSuccess {
		t.Fatalf("result = %+v", res.Err)
	}
	if !asked.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("provider asked to refund %s", asked)
	}

	refund := f.reload(res.Record.(*model.Transaction))
	if refund.State != model.StateComplete || refund.ReferenceID == nil || *refund.ReferenceID != ref.ID {
		t.Fatalf("refund = %+v", refund)
	}
	expectAmount(t, "subtotal_usd", refund.SubtotalUSD, ref.SubtotalUSD.Neg().String())
	expectAmount(t, "total_usd", refund.TotalUSD, ref.TotalUSD.Neg().String())
	expectAmount(t, "processing_fee_usd", refund.ProcessingFeeUSD, ref.ProcessingFeeUSD.Neg().String())
	expectAmount(t, "processing_fee", refund.ProcessingFee, ref.ProcessingFee.Neg().String())
	if err := refund.Amounts.CheckIdentities(); err != nil {
		t.Error(err)
	}
	if f.sent(notify.RefundProcessed) != 1 {
		t.Fatalf("messages = %v", f.messages())
	}
}

func TestPartialRefundIsProrated(t *testing.T) {
	f := newFixture(t)
	ref := f.completePurchase(euroOffer, lifetimeProduct)
	f.braintree.refund = refundOK("rf-1")

	res := f.orch.CreateRefund(context.Background(), model.ProviderBraintree, RefundRequest{CustomerID: customerID, TransactionID: ref.ID, Subtotal: subtotal("-50")})
	if res.Status != StatusSuccess {
		t.Fatalf("result = %+v", res.Err)
	}
	refund := f.reload(res.Record.(*model.Transaction))
	expectAmount(t, "subtotal", refund.Subtotal, "-50")
	expectAmount(t, "subtotal_usd", refund.SubtotalUSD, "-60")
	expectAmount(t, "total_usd", refund.TotalUSD, "-60")
	expectAmount(t, "processing_fee_usd", refund.ProcessingFeeUSD, "1.74")
	if !refund.FeeEstimated {
		t.Fatal("partial refund fee should be estimated")
	}

	// a second refund may not take the total past the purchase
	expectKind(t, f.orch.CreateRefund(context.Background(), model.ProviderBraintree, RefundRequest{CustomerID: customerID, TransactionID: ref.ID, Subtotal: subtotal("-60")}), BadRequest)
	if f.braintree.count("refund") != 1 {
		t.Fatalf("refunds = %d", f.braintree.count("refund"))
	}
}

func TestRefundValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.completePurchase(lifetimeOffer, lifetimeProduct)

	cases := []struct {
		name string
		p    model.Provider
		req  RefundRequest
		want ErrorKind
	}{
		{"missing customer", model.ProviderBraintree, RefundRequest{TransactionID: ref.ID, Subtotal: subtotal("-1")}, MissingParameter},
		{"missing transaction", model.ProviderBraintree, RefundRequest{CustomerID: customerID, Subtotal: subtotal("-1")}, MissingParameter},
		{"someone else's purchase", model.ProviderBraintree, RefundRequest{CustomerID: 2, TransactionID: ref.ID, Subtotal: subtotal("-1"), RevokeAccess: true}, NotFound},
		{"missing subtotal", model.ProviderBraintree, RefundRequest{CustomerID: customerID, TransactionID: ref.ID}, MissingParameter},
		{"positive subtotal", model.ProviderBraintree, RefundRequest{CustomerID: customerID, TransactionID: ref.ID, Subtotal: subtotal("5")}, MalformedParameter},
		{"unknown transaction", model.ProviderBraintree, RefundRequest{CustomerID: customerID, TransactionID: 999, Subtotal: subtotal("-1")}, NotFound},
		{"wrong provider", model.ProviderPaypal, RefundRequest{CustomerID: customerID, TransactionID: ref.ID, Subtotal: subtotal("-1")}, MalformedParameter},
		{"more than paid", model.ProviderBraintree, RefundRequest{CustomerID: customerID, TransactionID: ref.ID, Subtotal: subtotal("-20")}, BadRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			expectKind(t, f.orch.CreateRefund(ctx, c.p, c.req), c.want)
		})
	}
	if f.braintree.count("refund") != 0 {
		t.Fatal("provider refunded on an invalid request")
	}
	if !f.entitlement(lifetimeProduct).Active(time.Now().Add(time.Second)) {
		t.Fatal("a rejected refund revoked access")
	}
}

func TestRefundOutsideWindow(t *testing.T) {
	f := newFixture(t)
	ref := f.completePurchase(lifetimeOffer, lifetimeProduct)
	f.orch.(*orchestratorImpl).now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }

	expectKind(t, f.orch.CreateRefund(context.Background(), model.ProviderBraintree, RefundRequest{CustomerID: customerID, TransactionID: ref.ID, Subtotal: subtotal("-19.99")}), BadRequest)
}

func TestRefundRevokesAccess(t *testing.T) {
	f := newFixture(t)
	ref := f.completePurchase(lifetimeOffer, lifetimeProduct)
	f.braintree.refund = refundOK("rf-1")

	res := f.orch.CreateRefund(context.Background(), model.ProviderBraintree, RefundRequest{CustomerID: customerID, TransactionID: ref.ID, Subtotal: subtotal("-19.99"), RevokeAccess: true})
	if res.Status != StatusSuccess {
		t.Fatalf("result = %+v", res.Err)
	}
	if f.entitlement(lifetimeProduct).Active(time.Now().Add(time.Second)) {
		t.Fatal("access survived the refund")
	}
}

func TestRefundDeclined(t *testing.T) {
	f := newFixture(t)
	ref := f.completePurchase(lifetimeOffer, lifetimeProduct)
	f.braintree.refund = func(provider.RefundRequest) (*provider.RefundResult, error) {
		return nil, &provider.DeclineError{Provider: model.ProviderBraintree, Message: "Transaction not settled"}
	}

	res := f.orch.CreateRefund(context.Background(), model.ProviderBraintree, RefundRequest{CustomerID: customerID, TransactionID: ref.ID, Subtotal: subtotal("-5")})
	expectKind(t, res, PaymentError)
	if refund := f.reload(res.Record.(*model.Transaction)); refund.State != model.StateFailed {
		t.Fatalf("state = %s", refund.State)
	}

	// failed refunds do not count against the purchase
	f.braintree.refund = refundOK("rf-2")
	if res := f.orch.CreateRefund(context.Background(), model.ProviderBraintree, RefundRequest{CustomerID: customerID, TransactionID: ref.ID, Subtotal: subtotal("-19.99")}); res.Status != StatusSuccess {
		t.Fatalf("retry = %+v", res.Err)
	}
}

func TestFreeRefundOnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.purchase(sampleOffer, lifetimeProduct)
	req.CouponCode = "WELCOME5"

	res := f.orch.CreatePurchase(ctx, model.ProviderBraintree, req)
	if res.Status != StatusSuccess {
		t.Fatalf("purchase = %+v", res.Err)
	}
	ref := res.Record.(*model.Transaction)
	if ref.Provider != model.ProviderFree {
		t.Fatalf("provider = %s", ref.Provider)
	}

	if res := f.orch.CreateRefund(ctx, model.ProviderFree, RefundRequest{CustomerID: customerID, TransactionID: ref.ID, Subtotal: subtotal("-0.30")}); res.Status != StatusSuccess {
		t.Fatalf("refund = %+v", res.Err)
	}
	again := f.orch.CreateRefund(ctx, model.ProviderFree, RefundRequest{CustomerID: customerID, TransactionID: ref.ID, Subtotal: subtotal("-0.10")})
	expectKind(t, again, BadRequest)
	if again.Err.Message != "Transaction has already been refunded." {
		t.Fatalf("message = %q", again.Err.Message)
	}
	if f.sent(notify.RefundProcessed) != 0 {
		t.Fatal("free refund notified the customer")
	}
}
