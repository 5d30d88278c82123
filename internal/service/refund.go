package service

import (
	"context"
	"errors"
	"fmt"

	"purchase-processor/internal/lock"
	"purchase-processor/internal/model"
	"purchase-processor/internal/money"
	"purchase-processor/internal/notify"
	"purchase-processor/internal/provider"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type RefundRequest struct {
	// CustomerID is the caller; only the buyer may refund a purchase.
	CustomerID    uint
	TransactionID uint
	// Subtotal is the negative amount to refund in the purchase currency.
	Subtotal     *decimal.Decimal
	RevokeAccess bool
}

func (s *orchestratorImpl) CreateRefund(ctx context.Context, p model.Provider, req RefundRequest) Result {
	return record("create_refund", p, s.createRefund(ctx, p, req))
}

func (s *orchestratorImpl) createRefund(ctx context.Context, p model.Provider, req RefundRequest) Result {
	switch {
	case req.CustomerID == 0:
		return fail(MissingParameter, "customer is required")
	case req.TransactionID == 0:
		return fail(MissingParameter, "transaction_id is required")
	case req.Subtotal == nil:
		return fail(MissingParameter, "subtotal is required")
	}
	subtotal := *req.Subtotal
	if !subtotal.IsNegative() {
		return fail(MalformedParameter, "subtotal must be negative")
	}

	ref, err := s.transactions.FindByID(ctx, nil, req.TransactionID)
	if err != nil {
		return Failure(classify(err, "transaction"))
	}
	if ref.CustomerID != req.CustomerID {
		return fail(NotFound, "transaction not found")
	}
	if ref.Kind != model.KindPurchase || ref.State != model.StateComplete {
		return fail(BadRequest, "Only completed purchases can be refunded.")
	}
	if ref.Provider != p {
		return fail(MalformedParameter, "transaction %d was not paid with %s", ref.ID, p)
	}
	subtotal = money.Round(subtotal, ref.Currency)
	if subtotal.Abs().GreaterThan(ref.Subtotal) {
		return fail(BadRequest, "Refund of %s exceeds the purchase subtotal of %s.",
			subtotal.Abs().StringFixed(money.Scale(ref.Currency)), ref.Subtotal.StringFixed(money.Scale(ref.Currency)))
	}
	if !s.refundable(ref) {
		return fail(BadRequest, "Transaction %s is not refundable.", ref.UUID)
	}
	adapter, ok := s.providers.Get(ref.Provider)
	if !ok {
		return fail(MalformedParameter, "unknown provider %q", ref.Provider)
	}

	release, err := s.locker.Lock(ctx, lock.Key("refund", ref.ID))
	if err != nil {
		return Failure(&Error{Kind: Internal, Message: "could not acquire refund lock", Err: err})
	}
	defer release()

	refunded, err := s.transactions.SumRefunded(ctx, nil, ref.ID)
	if err != nil {
		return Failure(classify(err, "refund total"))
	}
	if ref.Provider == model.ProviderFree && refunded.IsPositive() {
		return fail(BadRequest, "Transaction has already been refunded.")
	}
	if refunded.Add(subtotal.Abs()).GreaterThan(ref.Subtotal) {
		return fail(BadRequest, "Refunds would exceed the purchase subtotal; %s already refunded.",
			refunded.StringFixed(money.Scale(ref.Currency)))
	}

	discount, tax := proratedRefund(ref, subtotal)
	refID := ref.ID
	refund := &model.Transaction{
		UUID:                   uuid.NewString(),
		Kind:                   model.KindRefund,
		State:                  model.StatePending,
		Provider:               ref.Provider,
		RealmID:                ref.RealmID,
		CustomerID:             ref.CustomerID,
		OfferID:                ref.OfferID,
		ProductID:              ref.ProductID,
		EntitlementID:          ref.EntitlementID,
		PaymentsSubscriptionID: ref.PaymentsSubscriptionID,
		ReferenceID:            &refID,
		Currency:               ref.Currency,
		DevicePlatform:         ref.DevicePlatform,
	}
	refund.Amounts = money.Quote(ref.Currency, subtotal, discount, tax)
	refund.TaxPercent = ref.TaxPercent
	if err := s.transactions.Create(ctx, nil, refund); err != nil {
		return Failure(classify(err, "pending refund"))
	}

	res, err := adapter.Refund(ctx, provider.RefundRequest{
		Reference: ref,
		Refund:    refund,
		Amount:    refund.Total.Neg(),
		Currency:  ref.Currency,
	})
	if err != nil {
		e := classify(err, "refund")
		if errors.Is(err, provider.ErrOutcomeUnknown) {
			log.Warn().Err(err).Str("transaction_uuid", refund.UUID).Msg("refund outcome unknown, left pending")
			return Result{Status: StatusFailure, Record: refund, Err: e}
		}
		if e.Kind == Internal {
			e = &Error{Kind: PaymentError, Message: "The refund could not be processed.", Err: err}
		}
		refund.Fail(truncate(e.Message, 1024))
		if serr := s.transactions.Save(ctx, nil, refund); serr != nil {
			log.Error().Err(serr).Str("transaction_uuid", refund.UUID).Msg("mark refund failed")
		}
		return Result{Status: StatusFailure, Record: refund, Err: e}
	}

	refund.ProviderID = res.ProviderID
	refund.Amounts = s.normalizer.ReconcileRefund(ref.Amounts, money.RefundInput{
		Currency:         ref.Currency,
		Subtotal:         refund.Subtotal,
		Tax:              refund.Tax,
		Total:            refund.Total,
		ProcessingFee:    res.Fee,
		ProcessingFeeUSD: res.FeeSettlement,
	})

	now := s.now()
	err = s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		refund.Complete(now)
		if err := s.transactions.Save(ctx, dbtx, refund); err != nil {
			return fmt.Errorf("save refund: %w", err)
		}
		if req.RevokeAccess && ref.EntitlementID != nil {
			ent, err := s.entitlements.FindByID(ctx, dbtx, *ref.EntitlementID)
			if err != nil {
				return fmt.Errorf("load entitlement: %w", err)
			}
			if ent.Active(now) {
				ent.ExpiresAt = &now
				if err := s.entitlements.Save(ctx, dbtx, ent); err != nil {
					return fmt.Errorf("revoke entitlement: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return Result{Status: StatusFailure, Record: refund, Err: s.alerter.Raise(inconsistency{
			Operation:       "refund",
			Provider:        refund.Provider,
			ProviderID:      refund.ProviderID,
			TransactionUUID: refund.UUID,
			CustomerID:      refund.CustomerID,
			Amount:          refund.Total.String(),
			Currency:        refund.Currency,
		}, err)}
	}

	log.Info().
		Str("transaction_uuid", refund.UUID).
		Str("reference_uuid", ref.UUID).
		Str("provider", string(refund.Provider)).
		Str("total", refund.Total.String()).
		Bool("fee_estimated", refund.FeeEstimated).
		Msg("refund completed")
	if ref.Provider != model.ProviderFree {
		s.notify(transactionMessage(notify.RefundProcessed, "Your refund has been processed", refund))
	}
	return Success(refund)
}

// refundable reports whether the provider can still take the money back. Free
// purchases have no provider charge and are always refundable.
func (s *orchestratorImpl) refundable(ref *model.Transaction) bool {
	if ref.Provider == model.ProviderFree {
		return true
	}
	if ref.ProviderID == "" {
		return false
	}
	if s.opts.RefundWindow <= 0 {
		return true
	}
	settled := ref.CreatedAt
	if ref.CompletedAt != nil {
		settled = *ref.CompletedAt
	}
	return s.now().Sub(settled) <= s.opts.RefundWindow
}

// proratedRefund splits a refund subtotal into the negative discount and tax
// it carries. A full refund mirrors the purchase; a partial one takes the
// same fraction of each.
func proratedRefund(ref *model.Transaction, subtotal decimal.Decimal) (discount, tax decimal.Decimal) {
	if money.IsFullRefund(ref.Amounts, subtotal) || ref.Subtotal.IsZero() {
		return ref.Discount.Neg(), ref.Tax.Neg()
	}
	f := subtotal.Abs().Div(ref.Subtotal)
	discount = money.Round(ref.Discount.Mul(f), ref.Currency).Neg()
	tax = money.Round(ref.Tax.Mul(f), ref.Currency).Neg()
	return discount, tax
}
