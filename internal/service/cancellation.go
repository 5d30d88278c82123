package service

import (
	"context"
	"fmt"

	"purchase-processor/internal/model"
	"purchase-processor/internal/notify"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type CancelRequest struct {
	CustomerID    uint
	RealmID       uint
	EntitlementID uint
	// AtPeriodEnd keeps access until the paid period ends; false revokes it
	// now. It has no default.
	AtPeriodEnd *bool
}

func (s *orchestratorImpl) CancelSubscription(ctx context.Context, req CancelRequest) Result {
	sub, res := s.cancelSubscription(ctx, req)
	var p model.Provider
	if sub != nil {
		p = sub.Provider
	}
	return record("cancel_subscription", p, res)
}

func (s *orchestratorImpl) cancelSubscription(ctx context.Context, req CancelRequest) (*model.PaymentsSubscription, Result) {
	switch {
	case req.RealmID == 0:
		return nil, fail(MissingParameter, "realm_id is required")
	case req.CustomerID == 0:
		return nil, fail(MissingParameter, "customer is required")
	case req.EntitlementID == 0:
		return nil, fail(MissingParameter, "entitlement_id is required")
	}

	ent, err := s.entitlements.FindByID(ctx, nil, req.EntitlementID)
	if err != nil {
		return nil, Failure(classify(err, "entitlement"))
	}
	if ent.OwnerKey != s.ownerKey(req.CustomerID, req.RealmID) {
		return nil, fail(MalformedParameter, "entitlement %d does not belong to the customer", ent.ID)
	}
	if ent.PaymentsSubscriptionID == nil {
		return nil, fail(MalformedParameter, "entitlement %d has no subscription", ent.ID)
	}
	if req.AtPeriodEnd == nil {
		return nil, fail(MalformedParameter, "at_period_end must be true or false")
	}
	offer, err := s.catalog.FindOffer(ctx, ent.OfferID)
	if err != nil {
		return nil, Failure(classify(err, "offer"))
	}
	if !offer.Recurring() {
		return nil, fail(MalformedParameter, "offer %d is not a subscription offer", offer.ID)
	}

	sub, err := s.subscriptions.FindByID(ctx, nil, *ent.PaymentsSubscriptionID)
	if err != nil {
		return nil, Failure(classify(err, "subscription"))
	}
	adapter, ok := s.providers.Get(sub.Provider)
	if !ok {
		return sub, fail(MalformedParameter, "unknown provider %q", sub.Provider)
	}

	release, err := s.lockSubscription(ctx, sub.Provider, sub.ProviderID)
	if err != nil {
		return sub, Failure(&Error{Kind: Internal, Message: "could not acquire subscription lock", Err: err})
	}
	defer release()

	if sub, err = s.subscriptions.FindByID(ctx, nil, sub.ID); err != nil {
		return nil, Failure(classify(err, "subscription"))
	}
	if sub.State == model.SubscriptionCancelled {
		return sub, Success(sub)
	}

	if sub.ProviderID != "" {
		if err := adapter.CancelSubscription(ctx, sub.ProviderID, "Cancelled by customer"); err != nil {
			e := classify(err, "subscription cancellation")
			if e.Kind == Internal {
				e = &Error{Kind: PaymentError, Message: "The subscription could not be cancelled at the provider.", Err: err}
			}
			return sub, Result{Status: StatusFailure, Record: sub, Err: e}
		}
	}

	now := s.now()
	immediate := !*req.AtPeriodEnd
	err = s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		sub.State = model.SubscriptionCancelled
		sub.CancelledAt = &now
		if err := s.subscriptions.Save(ctx, dbtx, sub); err != nil {
			return fmt.Errorf("save subscription: %w", err)
		}

		if immediate {
			current, err := s.entitlements.FindByID(ctx, dbtx, ent.ID)
			if err != nil {
				return fmt.Errorf("load entitlement: %w", err)
			}
			if current.Active(now) {
				current.ExpiresAt = &now
				if err := s.entitlements.Save(ctx, dbtx, current); err != nil {
					return fmt.Errorf("expire entitlement: %w", err)
				}
			}
		}

		subID := sub.ID
		entID := ent.ID
		cancellation := &model.Transaction{
			UUID:                   uuid.NewString(),
			Kind:                   model.KindCancellation,
			State:                  model.StateComplete,
			Provider:               sub.Provider,
			ProviderID:             sub.ProviderID,
			RealmID:                sub.RealmID,
			CustomerID:             sub.CustomerID,
			OfferID:                sub.OfferID,
			ProductID:              sub.ProductID,
			EntitlementID:          &entID,
			PaymentsSubscriptionID: &subID,
			Currency:               offer.Currency,
			DevicePlatform:         sub.DevicePlatform,
			Metadata:               datatypes.JSONMap{"at_period_end": *req.AtPeriodEnd},
			CompletedAt:            &now,
		}
		if err := s.transactions.Create(ctx, dbtx, cancellation); err != nil {
			return fmt.Errorf("record cancellation: %w", err)
		}
		return nil
	})
	if err != nil {
		// the remote agreement is already gone; the next cancellation webhook
		// will bring the local record in line
		log.Error().Err(err).Str("subscription_uuid", sub.UUID).Msg("record subscription cancellation")
		return sub, Result{Status: StatusFailure, Record: sub,
			Err: &Error{Kind: Internal, Message: "The cancellation could not be recorded.", Err: err}}
	}

	log.Info().
		Str("subscription_uuid", sub.UUID).
		Str("provider", string(sub.Provider)).
		Bool("at_period_end", *req.AtPeriodEnd).
		Msg("subscription cancelled")
	s.notify(subscriptionMessage(notify.SubscriptionCancelled, "Your subscription has been cancelled", sub))
	return sub, Success(sub)
}
