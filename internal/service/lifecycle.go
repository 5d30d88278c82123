package service

import (
	"context"
	"errors"
	"fmt"

	"purchase-processor/internal/metrics"
	"purchase-processor/internal/model"
	"purchase-processor/internal/money"
	"purchase-processor/internal/notify"
	"purchase-processor/internal/provider"
	"purchase-processor/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type EventOutcome string

const (
	EventApplied   EventOutcome = "applied"
	EventDuplicate EventOutcome = "duplicate"
	EventIgnored   EventOutcome = "ignored"
)

// Lifecycle drives PaymentsSubscription state from provider webhooks.
type Lifecycle interface {
	HandleEvent(ctx context.Context, p model.Provider, ev provider.Event) (EventOutcome, error)
	RepayDelinquent(ctx context.Context, subscriptionID uint) Result
}

type lifecycleImpl struct {
	*ledger
}

func NewLifecycle(deps Dependencies, topology model.EntitlementScope) Lifecycle {
	if topology == "" {
		topology = model.CustomerScope
	}
	return &lifecycleImpl{ledger: newLedger(deps, topology)}
}

// effects are the remote calls and notifications an applied event queues for
// after commit.
type effects struct {
	resume   bool
	pause    bool
	messages []notify.Message
}

func (s *lifecycleImpl) HandleEvent(ctx context.Context, p model.Provider, ev provider.Event) (EventOutcome, error) {
	out, err := s.handleEvent(ctx, p, ev)
	result := string(out)
	if err != nil {
		result = "failed"
	}
	metrics.WebhookEvents.WithLabelValues(string(p), result).Inc()
	return out, err
}

func (s *lifecycleImpl) handleEvent(ctx context.Context, p model.Provider, ev provider.Event) (EventOutcome, error) {
	if ev.ID == "" {
		return "", errors.New("event id is required")
	}
	adapter, ok := s.providers.Get(p)
	if !ok {
		return "", fmt.Errorf("unknown provider %q", p)
	}
	logger := log.With().Str("provider", string(p)).Str("event_id", ev.ID).Str("event_type", ev.Type).Logger()

	if _, ok := adapter.Events().Lookup(ev.Type); !ok {
		logger.Debug().Msg("ignoring webhook event")
		return EventIgnored, nil
	}
	if seen, err := s.webhookEvents.Exists(ctx, p, ev.ID); err != nil {
		return "", fmt.Errorf("check webhook event: %w", err)
	} else if seen {
		logger.Info().Msg("webhook event already applied")
		return EventDuplicate, nil
	}

	in, err := adapter.InterpretWebhook(ctx, ev)
	if err != nil {
		return "", fmt.Errorf("interpret %s event: %w", p, err)
	}
	if in.Kind == provider.PaymentSucceeded && in.Remote != nil && !in.Remote.Balance.IsZero() {
		logger.Warn().Str("balance", in.Remote.Balance.String()).Msg("payment succeeded with an outstanding balance, treating as failed")
		in.Kind = provider.PaymentFailed
	}

	if in.Kind == provider.DisputeUpdated {
		return s.recordDispute(ctx, p, ev, in)
	}
	if in.SubscriptionID == "" {
		return "", fmt.Errorf("%s event %s carries no subscription id", p, ev.ID)
	}

	release, err := s.lockSubscription(ctx, p, in.SubscriptionID)
	if err != nil {
		return "", fmt.Errorf("lock subscription: %w", err)
	}
	defer release()

	// An unknown subscription is not claimed, so the provider redelivers once
	// the local record exists.
	sub, err := s.subscriptions.FindByProviderID(ctx, nil, p, in.SubscriptionID)
	if err != nil {
		return "", fmt.Errorf("load subscription %s: %w", in.SubscriptionID, err)
	}
	offer, err := s.catalog.FindOffer(ctx, sub.OfferID)
	if err != nil {
		return "", fmt.Errorf("load offer %d: %w", sub.OfferID, err)
	}

	var fx effects
	var previous model.SubscriptionState
	outcome := EventApplied
	err = s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		claimed, err := s.webhookEvents.Claim(ctx, dbtx, p, ev.ID, ev.Type)
		if err != nil {
			return fmt.Errorf("claim webhook event: %w", err)
		}
		if !claimed {
			outcome = EventDuplicate
			return nil
		}

		sub, err = s.subscriptions.FindByID(ctx, dbtx, sub.ID)
		if err != nil {
			return fmt.Errorf("reload subscription: %w", err)
		}
		previous = sub.State

		switch in.Kind {
		case provider.PaymentSucceeded:
			fx, err = s.paymentSucceeded(ctx, dbtx, sub, offer, in)
		case provider.PaymentFailed:
			fx, err = s.paymentFailed(ctx, dbtx, sub, offer, in)
		case provider.SubscriptionCancelled:
			fx, err = s.subscriptionCancelled(ctx, dbtx, sub, in)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	if outcome == EventDuplicate {
		logger.Info().Msg("webhook event claimed by another delivery")
		return outcome, nil
	}

	s.applyEffects(ctx, adapter, sub, previous, fx)
	logger.Info().
		Str("subscription_uuid", sub.UUID).
		Str("kind", in.Kind.String()).
		Str("from", string(previous)).
		Str("to", string(sub.State)).
		Msg("webhook event applied")
	return outcome, nil
}

func (s *lifecycleImpl) paymentSucceeded(ctx context.Context, dbtx *gorm.DB, sub *model.PaymentsSubscription, offer *model.Offer, in *provider.Interpretation) (effects, error) {
	var fx effects
	if sub.State == model.SubscriptionCancelled {
		// a late charge on a cancelled agreement is recorded, access is not
		// extended
		return fx, s.recordCycle(ctx, dbtx, sub, offer, in, model.StateComplete)
	}

	ent, err := s.subscriptionEntitlement(ctx, dbtx, sub)
	if err != nil {
		return fx, err
	}
	activated := ent == nil
	if activated {
		if ent, err = s.activate(ctx, dbtx, sub, offer, in.Remote); err != nil {
			return fx, err
		}
	} else {
		expires := extendExpiry(offer, ent.ExpiresAt, in.Remote, s.now())
		ent.ExpiresAt = &expires
	}
	ent.SuccessfulPayments++
	if err := s.entitlements.Save(ctx, dbtx, ent); err != nil {
		return fx, fmt.Errorf("extend entitlement: %w", err)
	}

	fx.resume = sub.State == model.SubscriptionInactive
	sub.State = model.SubscriptionActive
	sub.EntitlementID = &ent.ID
	if err := s.subscriptions.Save(ctx, dbtx, sub); err != nil {
		return fx, fmt.Errorf("save subscription: %w", err)
	}
	if err := s.recordCycle(ctx, dbtx, sub, offer, in, model.StateComplete); err != nil {
		return fx, err
	}

	// a first cycle on a subscription activated at checkout was already
	// confirmed by startSubscription
	switch {
	case ent.SuccessfulPayments > 1:
		fx.messages = append(fx.messages, subscriptionMessage(notify.PaymentReceived, "We received your payment", sub))
	case activated:
		fx.messages = append(fx.messages, subscriptionMessage(notify.PurchaseConfirmation, "Thank you for your subscription", sub))
	}
	return fx, nil
}

func (s *lifecycleImpl) paymentFailed(ctx context.Context, dbtx *gorm.DB, sub *model.PaymentsSubscription, offer *model.Offer, in *provider.Interpretation) (effects, error) {
	var fx effects
	if sub.State == model.SubscriptionCancelled {
		return fx, nil
	}

	ent, err := s.subscriptionEntitlement(ctx, dbtx, sub)
	if err != nil {
		return fx, err
	}
	now := s.now()
	if ent != nil && ent.Active(now) {
		ent.ExpiresAt = &now
		if err := s.entitlements.Save(ctx, dbtx, ent); err != nil {
			return fx, fmt.Errorf("expire entitlement: %w", err)
		}
	}

	fx.pause = sub.State != model.SubscriptionInactive
	sub.State = model.SubscriptionInactive
	if err := s.subscriptions.Save(ctx, dbtx, sub); err != nil {
		return fx, fmt.Errorf("save subscription: %w", err)
	}
	if in.TransactionID != "" {
		if err := s.recordCycle(ctx, dbtx, sub, offer, in, model.StateFailed); err != nil {
			return fx, err
		}
	}
	fx.messages = append(fx.messages, subscriptionMessage(notify.SubscriptionSuspended, "Your subscription has been suspended", sub))
	return fx, nil
}

func (s *lifecycleImpl) subscriptionCancelled(ctx context.Context, dbtx *gorm.DB, sub *model.PaymentsSubscription, in *provider.Interpretation) (effects, error) {
	var fx effects
	if sub.State == model.SubscriptionCancelled {
		return fx, nil
	}

	ent, err := s.subscriptionEntitlement(ctx, dbtx, sub)
	if err != nil {
		return fx, err
	}
	if ent != nil && in.EndsAt != nil && (ent.ExpiresAt == nil || in.EndsAt.Before(*ent.ExpiresAt)) {
		ends := *in.EndsAt
		ent.ExpiresAt = &ends
		if err := s.entitlements.Save(ctx, dbtx, ent); err != nil {
			return fx, fmt.Errorf("expire entitlement: %w", err)
		}
	}

	now := s.now()
	sub.State = model.SubscriptionCancelled
	sub.CancelledAt = &now
	if err := s.subscriptions.Save(ctx, dbtx, sub); err != nil {
		return fx, fmt.Errorf("save subscription: %w", err)
	}
	fx.messages = append(fx.messages, subscriptionMessage(notify.SubscriptionCancelled, "Your subscription has been cancelled", sub))
	return fx, nil
}

// subscriptionEntitlement returns nil when the subscription was never granted.
func (s *lifecycleImpl) subscriptionEntitlement(ctx context.Context, dbtx *gorm.DB, sub *model.PaymentsSubscription) (*model.Entitlement, error) {
	if sub.EntitlementID == nil {
		return nil, nil
	}
	ent, err := s.entitlements.FindByID(ctx, dbtx, *sub.EntitlementID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load entitlement: %w", err)
	}
	return ent, nil
}

// recordCycle writes the purchase row of one billing cycle. Amounts come from
// the event when the provider sent them and from the offer otherwise.
func (s *lifecycleImpl) recordCycle(ctx context.Context, dbtx *gorm.DB, sub *model.PaymentsSubscription, offer *model.Offer, in *provider.Interpretation, state model.TransactionState) error {
	if in.TransactionID != "" {
		existing, err := s.transactions.FindByProviderID(ctx, dbtx, sub.Provider, model.KindPurchase, in.TransactionID)
		if err == nil && existing.PaymentsSubscriptionID != nil && *existing.PaymentsSubscriptionID == sub.ID {
			return nil
		}
	}

	currency := offer.Currency
	if in.Currency != "" {
		currency = in.Currency
	}
	total := offer.Price
	if in.Amount != nil {
		total = *in.Amount
	}
	taxAmount := decimal.Zero
	if in.Tax != nil {
		taxAmount = *in.Tax
	}
	subtotal := total.Sub(taxAmount)
	if subtotal.LessThan(offer.Price) && money.SameCurrency(currency, offer.Currency) {
		subtotal = offer.Price
	}

	subID := sub.ID
	tx := &model.Transaction{
		UUID:                   uuid.NewString(),
		Kind:                   model.KindPurchase,
		State:                  state,
		Provider:               sub.Provider,
		ProviderID:             in.TransactionID,
		RealmID:                sub.RealmID,
		CustomerID:             sub.CustomerID,
		OfferID:                sub.OfferID,
		ProductID:              sub.ProductID,
		EntitlementID:          sub.EntitlementID,
		PaymentsSubscriptionID: &subID,
		Currency:               currency,
		DevicePlatform:         sub.DevicePlatform,
	}

	if state == model.StateComplete {
		amounts, err := s.normalizer.ReconcilePurchase(ctx, money.PurchaseInput{
			Currency:      currency,
			Subtotal:      subtotal,
			Tax:           taxAmount,
			Total:         total,
			ProcessingFee: in.Fee,
		})
		if err != nil {
			return fmt.Errorf("reconcile cycle amounts: %w", err)
		}
		tx.Amounts = amounts
		occurred := in.OccurredAt
		if occurred.IsZero() {
			occurred = s.now()
		}
		tx.Complete(occurred)
	} else {
		tx.Amounts = money.Quote(currency, subtotal, subtotal.Sub(total).Add(taxAmount), taxAmount)
		tx.Fail("recurring payment failed")
	}

	if err := s.transactions.Create(ctx, dbtx, tx); err != nil {
		return fmt.Errorf("record cycle transaction: %w", err)
	}
	return nil
}

// recordDispute logs a dispute against the purchase it concerns. Access is
// never changed by a dispute.
func (s *lifecycleImpl) recordDispute(ctx context.Context, p model.Provider, ev provider.Event, in *provider.Interpretation) (EventOutcome, error) {
	outcome := EventApplied
	err := s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		claimed, err := s.webhookEvents.Claim(ctx, dbtx, p, ev.ID, ev.Type)
		if err != nil {
			return fmt.Errorf("claim webhook event: %w", err)
		}
		if !claimed {
			outcome = EventDuplicate
			return nil
		}

		dispute := &model.Transaction{
			UUID:       uuid.NewString(),
			Kind:       model.KindDispute,
			State:      model.StateComplete,
			Provider:   p,
			ProviderID: in.DisputeID,
			Currency:   in.Currency,
			Metadata: datatypes.JSONMap{
				"dispute_status": in.DisputeStatus,
				"event_type":     ev.Type,
				"transaction_id": in.TransactionID,
			},
		}
		if in.TransactionID != "" {
			ref, err := s.transactions.FindByProviderID(ctx, dbtx, p, model.KindPurchase, in.TransactionID)
			switch {
			case err == nil:
				dispute.ReferenceID = &ref.ID
				dispute.RealmID = ref.RealmID
				dispute.CustomerID = ref.CustomerID
				dispute.OfferID = ref.OfferID
				dispute.ProductID = ref.ProductID
				dispute.PaymentsSubscriptionID = ref.PaymentsSubscriptionID
				if dispute.Currency == "" {
					dispute.Currency = ref.Currency
				}
			case !errors.Is(err, repository.ErrNotFound):
				return fmt.Errorf("load disputed transaction: %w", err)
			}
		}
		if dispute.Currency == "" {
			dispute.Currency = s.normalizer.Settlement()
		}
		now := s.now()
		dispute.CompletedAt = &now
		if err := s.transactions.Create(ctx, dbtx, dispute); err != nil {
			return fmt.Errorf("record dispute: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	log.Warn().
		Str("provider", string(p)).
		Str("event_id", ev.ID).
		Str("dispute_id", in.DisputeID).
		Str("dispute_status", in.DisputeStatus).
		Str("transaction_id", in.TransactionID).
		Msg("dispute recorded")
	return outcome, nil
}

// applyEffects runs after commit. Remote failures are logged; the local state
// is already correct and the provider's next event reconciles the rest.
func (s *lifecycleImpl) applyEffects(ctx context.Context, adapter provider.Adapter, sub *model.PaymentsSubscription, previous model.SubscriptionState, fx effects) {
	if fx.resume && previous == model.SubscriptionInactive {
		if err := adapter.ResumeSubscription(ctx, sub.ProviderID, "Payment received"); err != nil {
			log.Error().Err(err).Str("subscription_uuid", sub.UUID).Msg("resume remote subscription")
		}
	}
	if fx.pause {
		if err := adapter.PauseSubscription(ctx, sub.ProviderID, "Payment failed"); err != nil {
			log.Error().Err(err).Str("subscription_uuid", sub.UUID).Msg("pause remote subscription")
		}
	}
	for _, msg := range fx.messages {
		s.notify(msg)
	}
}

// RepayDelinquent asks the provider to collect an inactive subscription's
// outstanding balance and restores access once it is paid.
func (s *lifecycleImpl) RepayDelinquent(ctx context.Context, subscriptionID uint) Result {
	sub, res := s.repayDelinquent(ctx, subscriptionID)
	var p model.Provider
	if sub != nil {
		p = sub.Provider
	}
	return record("repay_delinquent", p, res)
}

func (s *lifecycleImpl) repayDelinquent(ctx context.Context, subscriptionID uint) (*model.PaymentsSubscription, Result) {
	sub, err := s.subscriptions.FindByID(ctx, nil, subscriptionID)
	if err != nil {
		return nil, Failure(classify(err, "subscription"))
	}
	if sub.State == model.SubscriptionCancelled || sub.ProviderID == "" {
		return sub, fail(BadRequest, "Subscription %s cannot be repaid.", sub.UUID)
	}
	adapter, ok := s.providers.Get(sub.Provider)
	if !ok {
		return sub, fail(MalformedParameter, "unknown provider %q", sub.Provider)
	}
	offer, err := s.catalog.FindOffer(ctx, sub.OfferID)
	if err != nil {
		return sub, Failure(classify(err, "offer"))
	}

	release, err := s.lockSubscription(ctx, sub.Provider, sub.ProviderID)
	if err != nil {
		return sub, Failure(&Error{Kind: Internal, Message: "could not acquire subscription lock", Err: err})
	}
	defer release()

	remote, err := adapter.FetchSubscription(ctx, sub.ProviderID)
	if err != nil {
		return sub, Failure(classify(err, "remote subscription"))
	}
	if !remote.Balance.IsPositive() {
		return sub, fail(BadRequest, "Subscription %s has no outstanding balance.", sub.UUID)
	}

	err = adapter.RepayBalance(ctx, sub.ProviderID, remote.Balance, offer.Currency)
	if errors.Is(err, provider.ErrUnsupported) {
		return sub, fail(BadRequest, "%s does not support collecting an outstanding balance.", sub.Provider)
	}
	if err != nil {
		e := classify(err, "balance collection")
		if e.Kind == Internal {
			e = &Error{Kind: PaymentError, Message: "The outstanding balance could not be collected.", Err: err}
		}
		return sub, Result{Status: StatusFailure, Record: sub, Err: e}
	}

	remote, err = adapter.FetchSubscription(ctx, sub.ProviderID)
	if err != nil {
		return sub, Result{Status: StatusFailure, Record: sub, Err: classify(err, "remote subscription")}
	}
	if !remote.Balance.IsZero() {
		return sub, Result{Status: StatusFailure, Record: sub, Err: newError(PaymentError,
			"An outstanding balance of %s %s remains.", remote.Balance.StringFixed(money.Scale(offer.Currency)), offer.Currency)}
	}

	previous := sub.State
	err = s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		ent, err := s.subscriptionEntitlement(ctx, dbtx, sub)
		if err != nil {
			return err
		}
		if ent == nil {
			_, err = s.activate(ctx, dbtx, sub, offer, remote)
			return err
		}
		expires := extendExpiry(offer, ent.ExpiresAt, remote, s.now())
		ent.ExpiresAt = &expires
		if err := s.entitlements.Save(ctx, dbtx, ent); err != nil {
			return fmt.Errorf("extend entitlement: %w", err)
		}
		sub.State = model.SubscriptionActive
		if err := s.subscriptions.Save(ctx, dbtx, sub); err != nil {
			return fmt.Errorf("save subscription: %w", err)
		}
		return nil
	})
	if err != nil {
		return sub, Result{Status: StatusFailure, Record: sub, Err: s.alerter.Raise(inconsistency{
			Operation:        "balance repayment",
			Provider:         sub.Provider,
			ProviderID:       sub.ProviderID,
			SubscriptionUUID: sub.UUID,
			CustomerID:       sub.CustomerID,
			Currency:         offer.Currency,
		}, err)}
	}

	s.applyEffects(ctx, adapter, sub, previous, effects{
		resume:   previous == model.SubscriptionInactive,
		messages: []notify.Message{subscriptionMessage(notify.PaymentReceived, "We received your payment", sub)},
	})
	return sub, Success(sub)
}
