package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"purchase-processor/internal/client"
	"purchase-processor/internal/model"

	"github.com/shopspring/decimal"
)

type stubPaypal struct {
	client.PaypalClient
	order      *model.PaypalOrder
	captureErr error
	sub        *model.PaypalSubscription
	refund     *model.PaypalRefund
}

func (s *stubPaypal) CaptureOrder(context.Context, string, string) (*model.PaypalOrder, error) {
	if s.captureErr != nil {
		return nil, s.captureErr
	}
	return s.order, nil
}

func (s *stubPaypal) GetOrder(context.Context, string) (*model.PaypalOrder, error) {
	return s.order, nil
}

func (s *stubPaypal) GetSubscription(context.Context, string) (*model.PaypalSubscription, error) {
	return s.sub, nil
}

func (s *stubPaypal) RefundCapture(context.Context, string, string, model.PaypalMoney) (*model.PaypalRefund, error) {
	return s.refund, nil
}

type stubBraintree struct {
	client.BraintreeClient
	chargeErr error
	vaulted   string
}

func (s *stubBraintree) VaultPaymentMethod(context.Context, string, string, string, string) (string, error) {
	return s.vaulted, nil
}

func (s *stubBraintree) ChargeOneTime(_ context.Context, token string, amount decimal.Decimal, _ string) (*client.BraintreeTransaction, error) {
	if s.chargeErr != nil {
		return nil, s.chargeErr
	}
	return &client.BraintreeTransaction{ID: "bt-" + token, Status: "submitted_for_settlement", Amount: amount}, nil
}

func capturedOrder(status string) *model.PaypalOrder {
	o := &model.PaypalOrder{ID: "ORDER-1", Status: "COMPLETED"}
	o.PurchaseUnits = []model.PaypalPurchaseUnit{{}}
	o.PurchaseUnits[0].Payments.Captures = []model.PaypalCapture{{
		ID:     "CAP-1",
		Status: status,
		Amount: model.PaypalMoney{CurrencyCode: "EUR", Value: "10.82"},
		SellerReceivableBreakdown: &model.PaypalSellerBreakdown{
			PaypalFee:        &model.PaypalMoney{CurrencyCode: "EUR", Value: "0.61"},
			ReceivableAmount: &model.PaypalMoney{CurrencyCode: "USD", Value: "11.02"},
			ExchangeRate: &struct {
				Value string `json:"value"`
			}{Value: "1.075"},
		},
	}}
	return o
}

func pendingTx() *model.Transaction {
	tx := &model.Transaction{UUID: "tx-1", Currency: "EUR", RedirectToken: "ORDER-1"}
	tx.Subtotal = decimal.RequireFromString("10.00")
	tx.Tax = decimal.RequireFromString("0.82")
	tx.Total = decimal.RequireFromString("10.82")
	return tx
}

func TestVariantsAreClosed(t *testing.T) {
	reg := NewRegistry(NewFreeAdapter(), NewBraintreeAdapter(nil), NewPaypalAdapter(nil, "USD"))
	want := map[model.Provider]Variant{
		model.ProviderFree:      Free,
		model.ProviderBraintree: DirectCharge,
		model.ProviderPaypal:    AgreementBased,
	}
	for p, v := range want {
		a, ok := reg.Get(p)
		if !ok || VariantOf(a) != v {
			t.Errorf("%s: variant = %v", p, VariantOf(a))
		}
	}
	if reg.Free().Name() != model.ProviderFree {
		t.Fatal("registry has no free adapter")
	}
}

func TestFeeReporting(t *testing.T) {
	reg := NewRegistry(NewFreeAdapter(), NewBraintreeAdapter(nil), NewPaypalAdapter(nil, "USD"))
	got := reg.FeeReporting()
	if len(got) != 1 || got[0] != model.ProviderPaypal {
		t.Fatalf("fee reporting = %v", got)
	}
}

func TestCatalogs(t *testing.T) {
	pp := NewPaypalAdapter(nil, "USD")
	if k, ok := pp.Events().Lookup("PAYMENT.SALE.COMPLETED"); !ok || k != PaymentSucceeded {
		t.Fatalf("sale completed = %v %v", k, ok)
	}
	if _, ok := pp.Events().Lookup("PAYMENT.CAPTURE.REVERSED"); ok {
		t.Fatal("unlisted paypal event is in the catalog")
	}
	bt := NewBraintreeAdapter(nil)
	if k, ok := bt.Events().Lookup("subscription_went_past_due"); !ok || k != PaymentFailed {
		t.Fatalf("past due = %v %v", k, ok)
	}
	if len(NewFreeAdapter().Events()) != 0 {
		t.Fatal("free adapter has events")
	}
}

func TestFreeChargesOnlyZero(t *testing.T) {
	free := NewFreeAdapter()
	tx := &model.Transaction{Currency: "USD"}
	tx.Subtotal = decimal.NewFromInt(5)
	tx.Total = decimal.NewFromInt(5)
	var decline *DeclineError
	if _, err := free.CreateCharge(context.Background(), ChargeRequest{Transaction: tx}); !errors.As(err, &decline) {
		t.Fatalf("non-zero free charge err = %v", err)
	}

	tx.Total = decimal.Zero
	out, err := free.CreateCharge(context.Background(), ChargeRequest{Transaction: tx})
	if err != nil {
		t.Fatal(err)
	}
	charged, ok := out.(Charged)
	if !ok || charged.Charge.Fee == nil || !charged.Charge.Fee.IsZero() {
		t.Fatalf("outcome = %#v", out)
	}
}

func TestPaypalExecuteChargeReadsBreakdown(t *testing.T) {
	pp := NewPaypalAdapter(&stubPaypal{order: capturedOrder("COMPLETED")}, "USD")
	charge, err := pp.ExecuteCharge(context.Background(), ExecuteRequest{Token: "ORDER-1", Transaction: pendingTx()})
	if err != nil {
		t.Fatal(err)
	}
	if charge.ProviderID != "CAP-1" || !charge.Total.Equal(decimal.RequireFromString("10.82")) {
		t.Fatalf("charge = %+v", charge)
	}
	if charge.Fee == nil || !charge.Fee.Equal(decimal.RequireFromString("-0.61")) {
		t.Fatalf("fee = %v", charge.Fee)
	}
	if charge.TotalSettlement == nil || !charge.TotalSettlement.Equal(decimal.RequireFromString("11.6315")) {
		t.Fatalf("settlement total = %v", charge.TotalSettlement)
	}
}

func TestPaypalExecuteChargeAlreadyCaptured(t *testing.T) {
	stub := &stubPaypal{
		order:      capturedOrder("COMPLETED"),
		captureErr: &client.PaypalAPIError{StatusCode: http.StatusUnprocessableEntity, Body: `{"details":[{"issue":"ORDER_ALREADY_CAPTURED"}]}`},
	}
	charge, err := NewPaypalAdapter(stub, "USD").ExecuteCharge(context.Background(), ExecuteRequest{Token: "ORDER-1", Transaction: pendingTx()})
	if err != nil || charge.ProviderID != "CAP-1" {
		t.Fatalf("charge = %+v, err = %v", charge, err)
	}
}

func TestPaypalClassify(t *testing.T) {
	pp := &PaypalAdapter{}
	var decline *DeclineError
	err := pp.classify(&client.PaypalAPIError{StatusCode: 422, Name: "UNPROCESSABLE_ENTITY", Message: "Instrument declined"})
	if !errors.As(err, &decline) || decline.Message != "Instrument declined" {
		t.Fatalf("4xx = %v", err)
	}
	if err := pp.classify(&client.PaypalAPIError{StatusCode: 503}); !errors.Is(err, ErrOutcomeUnknown) {
		t.Fatalf("5xx = %v", err)
	}
	if err := pp.classify(context.DeadlineExceeded); !errors.Is(err, ErrOutcomeUnknown) {
		t.Fatalf("timeout = %v", err)
	}
}

func TestPaypalLookupCharge(t *testing.T) {
	cases := []struct {
		status     string
		want       model.TransactionState
		capturable bool
	}{
		{"APPROVED", model.StatePending, true},
		{"CREATED", model.StatePending, false},
		{"VOIDED", model.StateFailed, false},
	}
	for _, c := range cases {
		pp := NewPaypalAdapter(&stubPaypal{order: &model.PaypalOrder{ID: "ORDER-1", Status: c.status}}, "USD")
		lk, err := pp.LookupCharge(context.Background(), pendingTx())
		if err != nil {
			t.Fatal(err)
		}
		if lk.State != c.want || lk.Capturable != c.capturable {
			t.Errorf("%s: lookup = %+v", c.status, lk)
		}
	}
}

func TestPaypalInterpretSaleCompleted(t *testing.T) {
	stub := &stubPaypal{sub: &model.PaypalSubscription{
		ID:     "I-1",
		Status: "ACTIVE",
		BillingInfo: &model.PaypalBillingInfo{
			OutstandingBalance: model.PaypalMoney{CurrencyCode: "USD", Value: "0.00"},
			NextBillingTime:    "2026-11-16T10:00:00Z",
		},
	}}
	payload := []byte(`{"id":"WH-1","event_type":"PAYMENT.SALE.COMPLETED","create_time":"2026-10-16T10:00:00Z","resource":{"id":"SALE-1","state":"completed","billing_agreement_id":"I-1","amount":{"total":"9.99","currency":"USD","details":{"subtotal":"9.99"}},"transaction_fee":{"currency":"USD","value":"0.59"}}}`)

	in, err := NewPaypalAdapter(stub, "USD").InterpretWebhook(context.Background(), Event{ID: "WH-1", Type: "PAYMENT.SALE.COMPLETED", Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	if in.Kind != PaymentSucceeded || in.SubscriptionID != "I-1" || in.TransactionID != "SALE-1" {
		t.Fatalf("interpretation = %+v", in)
	}
	if in.Fee == nil || !in.Fee.Equal(decimal.RequireFromString("-0.59")) {
		t.Fatalf("fee = %v", in.Fee)
	}
	if in.Remote == nil || !in.Remote.Balance.IsZero() || in.Remote.NextBillingAt == nil {
		t.Fatalf("remote = %+v", in.Remote)
	}
	if !in.Remote.NextBillingAt.Equal(time.Date(2026, 11, 16, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("next billing = %v", in.Remote.NextBillingAt)
	}
}

func TestPaypalInterpretCancelled(t *testing.T) {
	payload := []byte(`{"id":"WH-2","event_type":"BILLING.SUBSCRIPTION.CANCELLED","create_time":"2026-10-16T10:00:00Z","resource":{"id":"I-1","status":"CANCELLED","status_update_time":"2026-10-16T09:59:00Z"}}`)
	in, err := NewPaypalAdapter(&stubPaypal{}, "USD").InterpretWebhook(context.Background(), Event{ID: "WH-2", Type: "BILLING.SUBSCRIPTION.CANCELLED", Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	if in.Kind != SubscriptionCancelled || in.EndsAt == nil || !in.EndsAt.Equal(time.Date(2026, 10, 16, 9, 59, 0, 0, time.UTC)) {
		t.Fatalf("interpretation = %+v", in)
	}
}

func TestBraintreeChargeVaultsNonce(t *testing.T) {
	bt := NewBraintreeAdapter(&stubBraintree{vaulted: "tok-1"})
	tx := pendingTx()
	out, err := bt.CreateCharge(context.Background(), ChargeRequest{Transaction: tx, PaymentNonce: "nonce"})
	if err != nil {
		t.Fatal(err)
	}
	charged := out.(Charged)
	if charged.Charge.ProviderID != "bt-tok-1" || charged.Charge.PaymentToken != "tok-1" || charged.Charge.Fee != nil {
		t.Fatalf("charge = %+v", charged.Charge)
	}

	if _, err := bt.CreateCharge(context.Background(), ChargeRequest{Transaction: tx}); err == nil {
		t.Fatal("charge without a payment method succeeded")
	}
}

func TestBraintreeDeclineIsSurfaced(t *testing.T) {
	bt := NewBraintreeAdapter(&stubBraintree{chargeErr: &client.BraintreeDeclineError{Status: "processor_declined", Message: "Insufficient Funds"}})
	_, err := bt.CreateCharge(context.Background(), ChargeRequest{Transaction: pendingTx(), PaymentToken: "tok"})
	var decline *DeclineError
	if !errors.As(err, &decline) || decline.Message != "Insufficient Funds" {
		t.Fatalf("err = %v", err)
	}
}
