package service

import (
	"context"
	"errors"
	"fmt"

	"purchase-processor/internal/model"
	"purchase-processor/internal/notify"
	"purchase-processor/internal/provider"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type SubscriptionRequest struct {
	PurchaseRequest
	// AllowRepeat lets an owner with live access start another billing
	// agreement for the same product.
	AllowRepeat bool
}

func (s *orchestratorImpl) CreateSubscription(ctx context.Context, p model.Provider, req SubscriptionRequest) Result {
	return record("create_subscription", p, s.createSubscription(ctx, p, req))
}

func (s *orchestratorImpl) createSubscription(ctx context.Context, p model.Provider, req SubscriptionRequest) Result {
	r, verr := s.resolve(ctx, p, req.PurchaseRequest)
	if verr != nil {
		return Failure(verr)
	}
	if !r.offer.Recurring() {
		return fail(MalformedParameter, "Offer %d is not a subscription offer.", r.offer.ID)
	}

	owner := s.ownerKey(r.customer.ID, r.realm.ID)
	release, lerr := s.lockAccess(ctx, owner, r.product.ID)
	if lerr != nil {
		return Failure(lerr)
	}
	defer release()

	if !req.AllowRepeat {
		has, err := s.hasAccess(ctx, owner, r.product.ID)
		if err != nil {
			return Failure(classify(err, "entitlement"))
		}
		if has {
			return fail(BadRequest, alreadyOwned)
		}
	}

	pr, perr := s.price(ctx, r, req.CouponCode)
	if perr != nil {
		return Failure(perr)
	}

	var token string
	if provider.VariantOf(r.adapter) == provider.DirectCharge && req.PaymentNonce == "" {
		if token = s.paymentToken(ctx, r.customer.ID, p); token == "" {
			return fail(MissingParameter, "payment_nonce is required")
		}
	}

	sub := &model.PaymentsSubscription{
		UUID:           uuid.NewString(),
		Provider:       p,
		DevicePlatform: req.DevicePlatform,
		State:          model.SubscriptionPending,
		RealmID:        r.realm.ID,
		CustomerID:     r.customer.ID,
		OfferID:        r.offer.ID,
		ProductID:      r.product.ID,
		CouponID:       pr.couponID(),
	}
	if err := s.subscriptions.Create(ctx, nil, sub); err != nil {
		return Failure(classify(err, "pending subscription"))
	}

	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = req.ReturnURL
	}
	out, err := r.adapter.CreateAgreement(ctx, provider.AgreementRequest{
		Subscription: sub,
		Offer:        r.offer,
		Customer:     r.customer,
		Discount:     pr.discount,
		Tax:          pr.tax.Amount,
		PaymentNonce: req.PaymentNonce,
		PaymentToken: token,
		ReturnURL:    s.returnURL(p, "subscriptions", req.ReturnURL),
		CancelURL:    cancelURL,
	})
	if err != nil {
		if !errors.Is(err, provider.ErrOutcomeUnknown) {
			if derr := s.subscriptions.Delete(ctx, nil, sub.ID); derr != nil {
				log.Warn().Err(derr).Str("subscription_uuid", sub.UUID).Msg("drop pending subscription")
			}
		}
		e := classify(err, "subscription")
		if e.Kind == Internal {
			e = &Error{Kind: PaymentError, Message: "The subscription could not be created.", Err: err}
		}
		return Failure(e)
	}

	switch out := out.(type) {
	case provider.AgreementRedirect:
		sub.ProviderID = out.ProviderID
		if err := s.subscriptions.Save(ctx, nil, sub); err != nil {
			return Failure(s.alerter.Raise(subscriptionInconsistency(sub, out.ProviderID), fmt.Errorf("save pending subscription: %w", err)))
		}
		return Redirect(out.URL, sub)
	case provider.AgreementActive:
		sub.ProviderID = out.Remote.ProviderID
		if !out.Remote.Active || out.Remote.Balance.IsPositive() {
			sub.State = model.SubscriptionInactive
			if err := s.subscriptions.Save(ctx, nil, sub); err != nil {
				return Failure(s.alerter.Raise(subscriptionInconsistency(sub, sub.ProviderID), fmt.Errorf("save inactive subscription: %w", err)))
			}
			return Result{Status: StatusFailure, Record: sub, Err: newError(PaymentError,
				"The first payment of the subscription did not settle (status %s).", out.Remote.Status)}
		}
		remote := out.Remote
		return s.startSubscription(ctx, sub, r.offer, &remote, out.PaymentToken)
	}
	return fail(Internal, "unexpected agreement outcome %T", out)
}

// startSubscription grants the entitlement of a subscription whose first
// period is paid.
func (s *orchestratorImpl) startSubscription(ctx context.Context, sub *model.PaymentsSubscription, offer *model.Offer, remote *provider.RemoteSubscription, paymentToken string) Result {
	err := s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		if _, err := s.activate(ctx, dbtx, sub, offer, remote); err != nil {
			return err
		}
		s.redeem(ctx, dbtx, sub.CouponID, sub.UUID)
		s.vault(ctx, dbtx, sub.CustomerID, sub.Provider, paymentToken)
		return nil
	})
	if err != nil {
		return Result{Status: StatusFailure, Record: sub,
			Err: s.alerter.Raise(subscriptionInconsistency(sub, sub.ProviderID), err)}
	}

	log.Info().
		Str("subscription_uuid", sub.UUID).
		Str("provider", string(sub.Provider)).
		Str("provider_id", sub.ProviderID).
		Msg("subscription activated")
	s.notify(subscriptionMessage(notify.SubscriptionConfirmation, "Your subscription is active", sub))
	return Success(sub)
}

func (s *orchestratorImpl) CompleteSubscription(ctx context.Context, p model.Provider, providerID string) Result {
	return record("complete_subscription", p, s.completeSubscription(ctx, p, providerID))
}

func (s *orchestratorImpl) completeSubscription(ctx context.Context, p model.Provider, providerID string) Result {
	if providerID == "" {
		return fail(MissingParameter, "subscription_id is required")
	}
	adapter, ok := s.providers.Get(p)
	if !ok {
		return fail(MalformedParameter, "unknown provider %q", p)
	}

	release, err := s.lockSubscription(ctx, p, providerID)
	if err != nil {
		return Failure(&Error{Kind: Internal, Message: "could not acquire subscription lock", Err: err})
	}
	defer release()

	sub, err := s.subscriptions.FindByProviderID(ctx, nil, p, providerID)
	if err != nil {
		return Failure(classify(err, "subscription"))
	}
	switch {
	case sub.State == model.SubscriptionCancelled:
		return Result{Status: StatusFailure, Record: sub, Err: newError(BadRequest, "Subscription %s was cancelled.", sub.UUID)}
	case sub.State == model.SubscriptionActive && sub.EntitlementID != nil:
		return Success(sub)
	}

	offer, err := s.catalog.FindOffer(ctx, sub.OfferID)
	if err != nil {
		return Failure(classify(err, "offer"))
	}

	remote, err := adapter.ExecuteAgreement(ctx, providerID)
	if err != nil {
		return Result{Status: StatusFailure, Record: sub, Err: classify(err, "subscription approval")}
	}
	if !remote.Active {
		return Result{Status: StatusFailure, Record: sub, Err: newError(PaymentError,
			"Subscription is %s at %s.", remote.Status, p)}
	}

	// the first cycle may already have been applied by a webhook
	fresh, err := s.subscriptions.FindByID(ctx, nil, sub.ID)
	if err == nil && fresh.State == model.SubscriptionActive && fresh.EntitlementID != nil {
		return Success(fresh)
	}

	releaseAccess, lerr := s.lockAccess(ctx, s.ownerKey(sub.CustomerID, sub.RealmID), sub.ProductID)
	if lerr != nil {
		return Failure(s.alerter.Raise(subscriptionInconsistency(sub, providerID), lerr))
	}
	defer releaseAccess()
	return s.startSubscription(ctx, sub, offer, remote, "")
}

func subscriptionInconsistency(sub *model.PaymentsSubscription, providerID string) inconsistency {
	return inconsistency{
		Operation:        "subscription",
		Provider:         sub.Provider,
		ProviderID:       providerID,
		SubscriptionUUID: sub.UUID,
		CustomerID:       sub.CustomerID,
	}
}
