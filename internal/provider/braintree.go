package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"purchase-processor/internal/client"
	"purchase-processor/internal/model"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var braintreeEvents = Catalog{
	"subscription_charged_successfully":   PaymentSucceeded,
	"subscription_charged_unsuccessfully": PaymentFailed,
	"subscription_went_past_due":          PaymentFailed,
	"subscription_canceled":               SubscriptionCancelled,
	"dispute_opened":                      DisputeUpdated,
	"dispute_won":                         DisputeUpdated,
	"dispute_lost":                        DisputeUpdated,
}

// BraintreeAdapter charges vaulted cards directly. Braintree does not report
// the processing fee, so every fee it produces is estimated.
type BraintreeAdapter struct {
	client client.BraintreeClient
}

func NewBraintreeAdapter(c client.BraintreeClient) Adapter {
	return &BraintreeAdapter{client: c}
}

func (a *BraintreeAdapter) variant() Variant     { return DirectCharge }
func (a *BraintreeAdapter) Name() model.Provider { return model.ProviderBraintree }

// paymentToken vaults a fresh nonce or falls back to the stored token.
func (a *BraintreeAdapter) paymentToken(ctx context.Context, nonce, token string, customer *model.Customer) (string, bool, error) {
	if nonce == "" {
		if token == "" {
			return "", false, &DeclineError{Provider: model.ProviderBraintree, Message: "no payment method on file"}
		}
		return token, false, nil
	}
	defer observe(model.ProviderBraintree, "vault")()
	var first, last, email string
	if customer != nil {
		first, last, email = customer.FirstName, customer.LastName, customer.Email
	}
	vaulted, err := a.client.VaultPaymentMethod(ctx, nonce, first, last, email)
	if err != nil {
		return "", false, a.classify(err)
	}
	return vaulted, true, nil
}

func (a *BraintreeAdapter) CreateCharge(ctx context.Context, req ChargeRequest) (ChargeOutcome, error) {
	token, fresh, err := a.paymentToken(ctx, req.PaymentNonce, req.PaymentToken, req.Customer)
	if err != nil {
		return nil, err
	}

	done := observe(model.ProviderBraintree, "charge")
	bt, err := a.client.ChargeOneTime(ctx, token, req.Transaction.Total, req.Transaction.UUID)
	done()
	if err != nil {
		return nil, a.classify(err)
	}

	charge := Charge{
		ProviderID: bt.ID,
		Subtotal:   req.Transaction.Subtotal,
		Tax:        req.Transaction.Tax,
		Total:      bt.Amount,
	}
	if fresh {
		charge.PaymentToken = token
	}
	return Charged{Charge: charge}, nil
}

func (a *BraintreeAdapter) ExecuteCharge(context.Context, ExecuteRequest) (*Charge, error) {
	return nil, ErrUnsupported
}

func (a *BraintreeAdapter) LookupCharge(ctx context.Context, tx *model.Transaction) (*Lookup, error) {
	if tx.ProviderID == "" {
		// the sale never answered; without its id there is nothing to read back
		return nil, ErrUnsupported
	}
	defer observe(model.ProviderBraintree, "find_transaction")()
	bt, err := a.client.FindTransaction(ctx, tx.ProviderID)
	if err != nil {
		return nil, a.classify(err)
	}

	switch bt.Status {
	case "authorized", "submitted_for_settlement", "settling", "settled", "settlement_pending", "settlement_confirmed":
		return &Lookup{
			State: model.StateComplete,
			Charge: &Charge{
				ProviderID: bt.ID,
				Subtotal:   tx.Subtotal,
				Tax:        tx.Tax,
				Total:      bt.Amount,
			},
		}, nil
	case "processor_declined", "gateway_rejected", "failed", "voided", "settlement_declined", "authorization_expired":
		return &Lookup{State: model.StateFailed, Reason: bt.Status}, nil
	}
	return &Lookup{State: model.StatePending, Reason: bt.Status}, nil
}

func (a *BraintreeAdapter) CreateAgreement(ctx context.Context, req AgreementRequest) (AgreementOutcome, error) {
	if req.Offer.BraintreePlanID == "" {
		return nil, &DeclineError{Provider: model.ProviderBraintree, Message: "offer has no Braintree plan"}
	}
	token, fresh, err := a.paymentToken(ctx, req.PaymentNonce, req.PaymentToken, req.Customer)
	if err != nil {
		return nil, err
	}

	done := observe(model.ProviderBraintree, "create_subscription")
	sub, err := a.client.CreateSubscription(ctx, token, req.Offer.BraintreePlanID)
	done()
	if err != nil {
		return nil, a.classify(err)
	}

	out := AgreementActive{Remote: *remoteFromBraintree(sub)}
	if fresh {
		out.PaymentToken = token
	}
	return out, nil
}

func (a *BraintreeAdapter) ExecuteAgreement(context.Context, string) (*RemoteSubscription, error) {
	return nil, ErrUnsupported
}

func (a *BraintreeAdapter) FetchSubscription(ctx context.Context, providerID string) (*RemoteSubscription, error) {
	defer observe(model.ProviderBraintree, "find_subscription")()
	sub, err := a.client.FindSubscription(ctx, providerID)
	if err != nil {
		return nil, a.classify(err)
	}
	return remoteFromBraintree(sub), nil
}

// Braintree retries past-due subscriptions on its own schedule; there is no
// remote pause to issue.
func (a *BraintreeAdapter) PauseSubscription(_ context.Context, providerID, reason string) error {
	log.Debug().Str("subscription_id", providerID).Str("reason", reason).Msg("braintree pause is local only")
	return nil
}

func (a *BraintreeAdapter) ResumeSubscription(_ context.Context, providerID, reason string) error {
	log.Debug().Str("subscription_id", providerID).Str("reason", reason).Msg("braintree resume is local only")
	return nil
}

func (a *BraintreeAdapter) CancelSubscription(ctx context.Context, providerID, _ string) error {
	defer observe(model.ProviderBraintree, "cancel_subscription")()
	if err := a.client.CancelSubscription(ctx, providerID); err != nil {
		return a.classify(err)
	}
	return nil
}

func (a *BraintreeAdapter) RepayBalance(context.Context, string, decimal.Decimal, string) error {
	return ErrUnsupported
}

func (a *BraintreeAdapter) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	defer observe(model.ProviderBraintree, "refund")()
	bt, err := a.client.Refund(ctx, req.Reference.ProviderID, req.Amount)
	if err != nil {
		return nil, a.classify(err)
	}
	return &RefundResult{ProviderID: bt.ID, Status: bt.Status}, nil
}

// LookupRefund is unsupported: Braintree never reports a refund fee, so there
// is nothing to correct an estimate with.
func (a *BraintreeAdapter) LookupRefund(context.Context, string) (*RefundResult, error) {
	return nil, ErrUnsupported
}

func (a *BraintreeAdapter) Events() Catalog {
	return braintreeEvents
}

func (a *BraintreeAdapter) InterpretWebhook(ctx context.Context, ev Event) (*Interpretation, error) {
	kind, ok := braintreeEvents.Lookup(ev.Type)
	if !ok {
		return nil, fmt.Errorf("unknown braintree event %q", ev.Type)
	}

	var payload model.BraintreeWebhookEvent
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode braintree event: %w", err)
	}

	in := &Interpretation{
		Kind:           kind,
		SubscriptionID: payload.SubscriptionID,
		TransactionID:  payload.TransactionID,
		Currency:       payload.Currency,
		Amount:         decimalPtr(payload.Amount),
		OccurredAt:     time.Now().UTC(),
	}
	if ts, err := time.Parse(time.RFC3339, payload.Timestamp); err == nil {
		in.OccurredAt = ts
	}

	if kind == DisputeUpdated {
		in.DisputeID = payload.DisputeID
		in.DisputeStatus = strings.TrimPrefix(ev.Type, "dispute_")
		return in, nil
	}

	if payload.SubscriptionID == "" {
		return nil, fmt.Errorf("braintree event %s has no subscription id", ev.ID)
	}
	remote, err := a.FetchSubscription(ctx, payload.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("fetch subscription %s: %w", payload.SubscriptionID, err)
	}
	in.Remote = remote
	if kind == SubscriptionCancelled {
		end := in.OccurredAt
		if remote.NextBillingAt != nil {
			end = *remote.NextBillingAt
		}
		in.EndsAt = &end
	}
	return in, nil
}

func (a *BraintreeAdapter) classify(err error) error {
	var decline *client.BraintreeDeclineError
	if errors.As(err, &decline) {
		return &DeclineError{Provider: model.ProviderBraintree, Message: decline.Message, Err: err}
	}
	if unreachable(err) {
		return fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
	}
	return &DeclineError{Provider: model.ProviderBraintree, Message: err.Error(), Err: err}
}

func remoteFromBraintree(sub *client.BraintreeSubscription) *RemoteSubscription {
	return &RemoteSubscription{
		ProviderID:    sub.ID,
		Status:        sub.Status,
		Active:        sub.Status == "Active",
		Balance:       sub.Balance,
		NextBillingAt: sub.NextBillingDate,
	}
}

// unreachable reports transport failures where the request may or may not
// have been applied.
func unreachable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
