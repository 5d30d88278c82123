package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"purchase-processor/internal/client"
	"purchase-processor/internal/model"
	"purchase-processor/internal/money"

	"github.com/shopspring/decimal"
)

var paypalEvents = Catalog{
	"PAYMENT.SALE.COMPLETED":              PaymentSucceeded,
	"PAYMENT.SALE.DENIED":                 PaymentFailed,
	"BILLING.SUBSCRIPTION.PAYMENT.FAILED": PaymentFailed,
	"BILLING.SUBSCRIPTION.CANCELLED":      SubscriptionCancelled,
	"CUSTOMER.DISPUTE.CREATED":            DisputeUpdated,
	"CUSTOMER.DISPUTE.UPDATED":            DisputeUpdated,
	"CUSTOMER.DISPUTE.RESOLVED":           DisputeUpdated,
}

// PaypalAdapter sends the customer to PayPal to approve orders and billing
// agreements, then captures on return.
type PaypalAdapter struct {
	client     client.PaypalClient
	settlement string
}

func NewPaypalAdapter(c client.PaypalClient, settlement string) Adapter {
	return &PaypalAdapter{client: c, settlement: settlement}
}

func (a *PaypalAdapter) variant() Variant     { return AgreementBased }
func (a *PaypalAdapter) Name() model.Provider { return model.ProviderPaypal }

func (a *PaypalAdapter) CreateCharge(ctx context.Context, req ChargeRequest) (ChargeOutcome, error) {
	tx := req.Transaction
	defer observe(model.ProviderPaypal, "create_order")()
	res, err := a.client.CreateOrder(ctx, &client.CreateOrderRequest{
		ReferenceID: tx.UUID,
		Description: req.Offer.Name,
		Currency:    tx.Currency,
		Subtotal:    formatAmount(tx.Subtotal, tx.Currency),
		Discount:    formatAmount(tx.Discount, tx.Currency),
		Tax:         formatAmount(tx.Tax, tx.Currency),
		Total:       formatAmount(tx.Total, tx.Currency),
		ReturnURL:   req.ReturnURL,
		CancelURL:   req.CancelURL,
	})
	if err != nil {
		return nil, a.classify(err)
	}
	if res.ApproveURL == "" {
		return nil, &DeclineError{Provider: model.ProviderPaypal, Message: "order created without an approval link"}
	}
	return ChargeRedirect{Token: res.OrderID, URL: res.ApproveURL}, nil
}

func (a *PaypalAdapter) ExecuteCharge(ctx context.Context, req ExecuteRequest) (*Charge, error) {
	done := observe(model.ProviderPaypal, "capture_order")
	order, err := a.client.CaptureOrder(ctx, req.Token, req.Transaction.UUID)
	done()
	if err != nil {
		var apiErr *client.PaypalAPIError
		if !errors.As(err, &apiErr) || !strings.Contains(apiErr.Body, "ORDER_ALREADY_CAPTURED") {
			return nil, a.classify(err)
		}
		// a retried execute: read back the capture made the first time
		if order, err = a.client.GetOrder(ctx, req.Token); err != nil {
			return nil, a.classify(err)
		}
	}
	return a.chargeFromOrder(order, req.Transaction)
}

func (a *PaypalAdapter) chargeFromOrder(order *model.PaypalOrder, tx *model.Transaction) (*Charge, error) {
	capture := firstCapture(order)
	if capture == nil {
		return nil, fmt.Errorf("%w: order %s has no capture (status %s)", ErrOutcomeUnknown, order.ID, order.Status)
	}
	switch capture.Status {
	case "COMPLETED":
	case "DECLINED", "FAILED":
		return nil, &DeclineError{Provider: model.ProviderPaypal, Message: "capture " + strings.ToLower(capture.Status)}
	default:
		return nil, fmt.Errorf("%w: capture %s is %s", ErrOutcomeUnknown, capture.ID, capture.Status)
	}

	total, err := decimal.NewFromString(capture.Amount.Value)
	if err != nil {
		return nil, fmt.Errorf("parse capture amount %q: %w", capture.Amount.Value, err)
	}
	charge := &Charge{
		ProviderID: capture.ID,
		Subtotal:   tx.Subtotal,
		Tax:        tx.Tax,
		Total:      total,
	}
	if b := capture.SellerReceivableBreakdown; b != nil {
		if b.PaypalFee != nil {
			if fee := decimalPtr(b.PaypalFee.Value); fee != nil {
				neg := fee.Neg()
				charge.Fee = &neg
			}
		}
		// receivable is net of the fee; the rate turns gross into settlement
		if b.ExchangeRate != nil && b.ReceivableAmount != nil && money.SameCurrency(b.ReceivableAmount.CurrencyCode, a.settlement) {
			if rate := decimalPtr(b.ExchangeRate.Value); rate != nil {
				gross := total.Mul(*rate)
				charge.TotalSettlement = &gross
			}
		}
	}
	return charge, nil
}

func (a *PaypalAdapter) LookupCharge(ctx context.Context, tx *model.Transaction) (*Lookup, error) {
	if tx.RedirectToken == "" {
		return nil, ErrUnsupported
	}
	defer observe(model.ProviderPaypal, "get_order")()
	order, err := a.client.GetOrder(ctx, tx.RedirectToken)
	if err != nil {
		return nil, a.classify(err)
	}

	switch order.Status {
	case "COMPLETED":
		charge, err := a.chargeFromOrder(order, tx)
		if err != nil {
			var decline *DeclineError
			if errors.As(err, &decline) {
				return &Lookup{State: model.StateFailed, Reason: decline.Message}, nil
			}
			return &Lookup{State: model.StatePending, Reason: err.Error()}, nil
		}
		return &Lookup{State: model.StateComplete, Charge: charge}, nil
	case "APPROVED":
		return &Lookup{State: model.StatePending, Capturable: true, Reason: "approved, not captured"}, nil
	case "VOIDED":
		return &Lookup{State: model.StateFailed, Reason: "order voided"}, nil
	}
	return &Lookup{State: model.StatePending, Reason: strings.ToLower(order.Status)}, nil
}

func (a *PaypalAdapter) CreateAgreement(ctx context.Context, req AgreementRequest) (AgreementOutcome, error) {
	if req.Offer.PaypalPlanID == "" {
		return nil, &DeclineError{Provider: model.ProviderPaypal, Message: "offer has no PayPal plan"}
	}
	r := &client.CreateSubscriptionRequest{
		PlanID:    req.Offer.PaypalPlanID,
		CustomID:  req.Subscription.UUID,
		ReturnURL: req.ReturnURL,
		CancelURL: req.CancelURL,
	}
	if req.Customer != nil {
		r.Email = req.Customer.Email
		r.GivenName = req.Customer.FirstName
		r.Surname = req.Customer.LastName
	}
	if req.Discount.IsPositive() {
		// the discounted first period is billed as a setup fee and the plan
		// starts one period later
		first := req.Offer.Price.Sub(req.Discount).Add(req.Tax)
		r.SetupFee = &model.PaypalMoney{CurrencyCode: req.Offer.Currency, Value: formatAmount(first, req.Offer.Currency)}
		start := req.Offer.NextPeriodEnd(time.Now().UTC())
		r.StartTime = &start
	}

	defer observe(model.ProviderPaypal, "create_subscription")()
	res, err := a.client.CreateSubscription(ctx, r)
	if err != nil {
		return nil, a.classify(err)
	}
	if res.ApproveURL == "" {
		return nil, &DeclineError{Provider: model.ProviderPaypal, Message: "subscription created without an approval link"}
	}
	return AgreementRedirect{ProviderID: res.SubscriptionID, URL: res.ApproveURL}, nil
}

func (a *PaypalAdapter) ExecuteAgreement(ctx context.Context, providerID string) (*RemoteSubscription, error) {
	remote, err := a.FetchSubscription(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if remote.Status == "APPROVAL_PENDING" {
		return nil, &DeclineError{Provider: model.ProviderPaypal, Message: "subscription has not been approved"}
	}
	return remote, nil
}

func (a *PaypalAdapter) FetchSubscription(ctx context.Context, providerID string) (*RemoteSubscription, error) {
	defer observe(model.ProviderPaypal, "get_subscription")()
	sub, err := a.client.GetSubscription(ctx, providerID)
	if err != nil {
		return nil, a.classify(err)
	}
	return remoteFromPaypal(sub), nil
}

func (a *PaypalAdapter) PauseSubscription(ctx context.Context, providerID, reason string) error {
	defer observe(model.ProviderPaypal, "suspend_subscription")()
	return a.classifyAction(a.client.SuspendSubscription(ctx, providerID, reason))
}

func (a *PaypalAdapter) ResumeSubscription(ctx context.Context, providerID, reason string) error {
	defer observe(model.ProviderPaypal, "activate_subscription")()
	return a.classifyAction(a.client.ActivateSubscription(ctx, providerID, reason))
}

func (a *PaypalAdapter) CancelSubscription(ctx context.Context, providerID, reason string) error {
	defer observe(model.ProviderPaypal, "cancel_subscription")()
	return a.classifyAction(a.client.CancelSubscription(ctx, providerID, reason))
}

func (a *PaypalAdapter) RepayBalance(ctx context.Context, providerID string, amount decimal.Decimal, currency string) error {
	defer observe(model.ProviderPaypal, "capture_balance")()
	err := a.client.CaptureSubscriptionBalance(ctx, providerID, model.PaypalMoney{
		CurrencyCode: currency,
		Value:        formatAmount(amount, currency),
	})
	if err != nil {
		return a.classify(err)
	}
	return nil
}

func (a *PaypalAdapter) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	defer observe(model.ProviderPaypal, "refund_capture")()
	refund, err := a.client.RefundCapture(ctx, req.Reference.ProviderID, req.Refund.UUID, model.PaypalMoney{
		CurrencyCode: req.Currency,
		Value:        formatAmount(req.Amount, req.Currency),
	})
	if err != nil {
		return nil, a.classify(err)
	}
	if refund.Status == "FAILED" || refund.Status == "CANCELLED" {
		return nil, &DeclineError{Provider: model.ProviderPaypal, Message: "refund " + strings.ToLower(refund.Status)}
	}
	return refundFromPaypal(refund), nil
}

func (a *PaypalAdapter) LookupRefund(ctx context.Context, providerID string) (*RefundResult, error) {
	defer observe(model.ProviderPaypal, "get_refund")()
	refund, err := a.client.GetRefund(ctx, providerID)
	if err != nil {
		return nil, a.classify(err)
	}
	return refundFromPaypal(refund), nil
}

func (a *PaypalAdapter) Events() Catalog {
	return paypalEvents
}

func (a *PaypalAdapter) InterpretWebhook(ctx context.Context, ev Event) (*Interpretation, error) {
	kind, ok := paypalEvents.Lookup(ev.Type)
	if !ok {
		return nil, fmt.Errorf("unknown paypal event %q", ev.Type)
	}

	var envelope model.PaypalWebhookEvent
	if err := json.Unmarshal(ev.Payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode paypal event: %w", err)
	}
	in := &Interpretation{Kind: kind, OccurredAt: parseTime(envelope.CreateTime)}

	switch {
	case strings.HasPrefix(ev.Type, "PAYMENT.SALE."):
		var sale model.PaypalSale
		if err := json.Unmarshal(envelope.Resource, &sale); err != nil {
			return nil, fmt.Errorf("decode sale resource: %w", err)
		}
		in.SubscriptionID = sale.BillingAgreementID
		in.TransactionID = sale.ID
		in.Currency = sale.Amount.Currency
		in.Amount = decimalPtr(sale.Amount.Total)
		in.Tax = decimalPtr(sale.Amount.Details.Tax)
		if sale.TransactionFee != nil {
			if fee := decimalPtr(sale.TransactionFee.Value); fee != nil {
				neg := fee.Neg()
				in.Fee = &neg
			}
		}
		if in.SubscriptionID == "" {
			return nil, fmt.Errorf("sale %s is not part of a subscription", sale.ID)
		}
		remote, err := a.FetchSubscription(ctx, in.SubscriptionID)
		if err != nil {
			return nil, fmt.Errorf("fetch subscription %s: %w", in.SubscriptionID, err)
		}
		in.Remote = remote

	case strings.HasPrefix(ev.Type, "BILLING.SUBSCRIPTION."):
		var sub model.PaypalSubscription
		if err := json.Unmarshal(envelope.Resource, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription resource: %w", err)
		}
		in.SubscriptionID = sub.ID
		in.Remote = remoteFromPaypal(&sub)
		if kind == SubscriptionCancelled {
			end := in.OccurredAt
			if in.Remote.NextBillingAt != nil {
				end = *in.Remote.NextBillingAt
			} else if t := parseTime(sub.StatusTime); !t.IsZero() {
				end = t
			}
			in.EndsAt = &end
		}

	case strings.HasPrefix(ev.Type, "CUSTOMER.DISPUTE."):
		var dispute model.PaypalDispute
		if err := json.Unmarshal(envelope.Resource, &dispute); err != nil {
			return nil, fmt.Errorf("decode dispute resource: %w", err)
		}
		in.DisputeID = dispute.DisputeID
		in.DisputeStatus = strings.ToLower(dispute.Status)
		in.Currency = dispute.DisputeAmount.CurrencyCode
		in.Amount = decimalPtr(dispute.DisputeAmount.Value)
		if len(dispute.DisputedTransactions) > 0 {
			in.TransactionID = dispute.DisputedTransactions[0].SellerTransactionID
		}
	}

	if in.OccurredAt.IsZero() {
		in.OccurredAt = time.Now().UTC()
	}
	return in, nil
}

// classify separates refusals from answers that never arrived. A 5xx may
// have been applied, so it counts as unknown.
func (a *PaypalAdapter) classify(err error) error {
	var apiErr *client.PaypalAPIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
		}
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Name
		}
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return &DeclineError{Provider: model.ProviderPaypal, Message: msg, Err: err}
	}
	return fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
}

func (a *PaypalAdapter) classifyAction(err error) error {
	if err == nil {
		return nil
	}
	return a.classify(err)
}

func firstCapture(order *model.PaypalOrder) *model.PaypalCapture {
	for i := range order.PurchaseUnits {
		if captures := order.PurchaseUnits[i].Payments.Captures; len(captures) > 0 {
			return &captures[0]
		}
	}
	return nil
}

func remoteFromPaypal(sub *model.PaypalSubscription) *RemoteSubscription {
	r := &RemoteSubscription{
		ProviderID: sub.ID,
		Status:     sub.Status,
		Active:     sub.Status == "ACTIVE",
	}
	if sub.BillingInfo != nil {
		if bal := decimalPtr(sub.BillingInfo.OutstandingBalance.Value); bal != nil {
			r.Balance = *bal
		}
		if t := parseTime(sub.BillingInfo.NextBillingTime); !t.IsZero() {
			r.NextBillingAt = &t
		}
	}
	return r
}

func refundFromPaypal(refund *model.PaypalRefund) *RefundResult {
	res := &RefundResult{ProviderID: refund.ID, Status: refund.Status}
	if b := refund.SellerPayableBreakdown; b != nil && b.PaypalFee != nil {
		res.Fee = decimalPtr(b.PaypalFee.Value)
	}
	return res
}

func formatAmount(v decimal.Decimal, currency string) string {
	return money.Round(v, currency).StringFixed(money.Scale(currency))
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
