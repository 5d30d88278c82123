package provider

import (
	"context"
	"fmt"

	"purchase-processor/internal/model"

	"github.com/shopspring/decimal"
)

// FreeAdapter settles zero-amount purchases without any external call.
type FreeAdapter struct{}

func NewFreeAdapter() Adapter {
	return &FreeAdapter{}
}

func (a *FreeAdapter) variant() Variant     { return Free }
func (a *FreeAdapter) Name() model.Provider { return model.ProviderFree }

func (a *FreeAdapter) CreateCharge(_ context.Context, req ChargeRequest) (ChargeOutcome, error) {
	tx := req.Transaction
	if !tx.Total.IsZero() {
		return nil, &DeclineError{Provider: model.ProviderFree, Message: fmt.Sprintf("cannot charge %s %s", tx.Total, tx.Currency)}
	}
	zero := decimal.Zero
	return Charged{Charge: Charge{
		Subtotal: tx.Subtotal,
		Tax:      tx.Tax,
		Total:    tx.Total,
		Fee:      &zero,
	}}, nil
}

func (a *FreeAdapter) ExecuteCharge(context.Context, ExecuteRequest) (*Charge, error) {
	return nil, ErrUnsupported
}

func (a *FreeAdapter) LookupCharge(_ context.Context, tx *model.Transaction) (*Lookup, error) {
	zero := decimal.Zero
	return &Lookup{
		State:  model.StateComplete,
		Charge: &Charge{Subtotal: tx.Subtotal, Tax: tx.Tax, Total: tx.Total, Fee: &zero},
	}, nil
}

func (a *FreeAdapter) CreateAgreement(_ context.Context, req AgreementRequest) (AgreementOutcome, error) {
	return AgreementActive{Remote: RemoteSubscription{
		ProviderID: req.Subscription.UUID,
		Status:     "active",
		Active:     true,
	}}, nil
}

func (a *FreeAdapter) ExecuteAgreement(ctx context.Context, providerID string) (*RemoteSubscription, error) {
	return a.FetchSubscription(ctx, providerID)
}

func (a *FreeAdapter) FetchSubscription(_ context.Context, providerID string) (*RemoteSubscription, error) {
	return &RemoteSubscription{ProviderID: providerID, Status: "active", Active: true}, nil
}

func (a *FreeAdapter) PauseSubscription(context.Context, string, string) error  { return nil }
func (a *FreeAdapter) ResumeSubscription(context.Context, string, string) error { return nil }
func (a *FreeAdapter) CancelSubscription(context.Context, string, string) error { return nil }

func (a *FreeAdapter) RepayBalance(context.Context, string, decimal.Decimal, string) error {
	return ErrUnsupported
}

func (a *FreeAdapter) Refund(context.Context, RefundRequest) (*RefundResult, error) {
	zero := decimal.Zero
	return &RefundResult{Status: "completed", Fee: &zero, FeeSettlement: &zero}, nil
}

func (a *FreeAdapter) LookupRefund(context.Context, string) (*RefundResult, error) {
	return nil, ErrUnsupported
}

func (a *FreeAdapter) Events() Catalog {
	return Catalog{}
}

func (a *FreeAdapter) InterpretWebhook(context.Context, Event) (*Interpretation, error) {
	return nil, ErrUnsupported
}
