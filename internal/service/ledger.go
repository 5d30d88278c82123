package service

import (
	"context"
	"fmt"
	"time"

	"purchase-processor/internal/lock"
	"purchase-processor/internal/model"
	"purchase-processor/internal/money"
	"purchase-processor/internal/notify"
	"purchase-processor/internal/provider"
	"purchase-processor/internal/repository"
	"purchase-processor/internal/tax"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ledger is the state both the orchestrator and the lifecycle write through.
type ledger struct {
	db             *gorm.DB
	providers      *provider.Registry
	normalizer     *money.Normalizer
	tax            tax.Calculator
	locker         lock.Locker
	notifications  *notify.Dispatcher
	alerter        *Alerter
	catalog        repository.CatalogRepository
	transactions   repository.TransactionRepository
	subscriptions  repository.SubscriptionRepository
	entitlements   repository.EntitlementRepository
	paymentMethods repository.PaymentMethodRepository
	webhookEvents  repository.WebhookEventRepository
	topology       model.EntitlementScope
	now            func() time.Time
}

func newLedger(deps Dependencies, topology model.EntitlementScope) *ledger {
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	alerter := deps.Alerter
	if alerter == nil {
		alerter = NewAlerter(deps.Notifications)
	}
	return &ledger{
		db:             deps.DB,
		providers:      deps.Providers,
		normalizer:     deps.Normalizer,
		tax:            deps.Tax,
		locker:         locker,
		notifications:  deps.Notifications,
		alerter:        alerter,
		catalog:        deps.Catalog,
		transactions:   deps.Transactions,
		subscriptions:  deps.Subscriptions,
		entitlements:   deps.Entitlements,
		paymentMethods: deps.PaymentMethods,
		webhookEvents:  deps.WebhookEvents,
		topology:       topology,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (l *ledger) ownerKey(customerID, realmID uint) string {
	return model.OwnerKey(l.topology, customerID, realmID)
}

// lockAccess serializes everything that may grant the owner access to a
// product.
func (l *ledger) lockAccess(ctx context.Context, ownerKey string, productID uint) (func(), *Error) {
	release, err := l.locker.Lock(ctx, lock.Key("entitlement", ownerKey, productID))
	if err != nil {
		return nil, &Error{Kind: Internal, Message: "could not acquire purchase lock", Err: err}
	}
	return release, nil
}

func (l *ledger) lockSubscription(ctx context.Context, p model.Provider, id string) (func(), error) {
	return l.locker.Lock(ctx, lock.Key("subscription", p, id))
}

type grantSpec struct {
	RealmID        uint
	CustomerID     uint
	ProductID      uint
	OfferID        uint
	Provider       model.Provider
	SubscriptionID *uint
	ExpiresAt      *time.Time
}

func (l *ledger) grant(ctx context.Context, dbtx *gorm.DB, spec grantSpec) (*model.Entitlement, error) {
	ent, err := l.entitlements.Grant(ctx, dbtx, &model.Entitlement{
		Scope:                  l.topology,
		OwnerKey:               l.ownerKey(spec.CustomerID, spec.RealmID),
		ProductID:              spec.ProductID,
		RealmID:                spec.RealmID,
		CustomerID:             spec.CustomerID,
		OfferID:                spec.OfferID,
		Provider:               spec.Provider,
		PaymentsSubscriptionID: spec.SubscriptionID,
		ExpiresAt:              spec.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("grant entitlement: %w", err)
	}
	return ent, nil
}

// activate moves a subscription to active and grants its entitlement up to
// the next billing date.
func (l *ledger) activate(ctx context.Context, dbtx *gorm.DB, sub *model.PaymentsSubscription, offer *model.Offer, remote *provider.RemoteSubscription) (*model.Entitlement, error) {
	expires := extendExpiry(offer, nil, remote, l.now())
	subID := sub.ID
	ent, err := l.grant(ctx, dbtx, grantSpec{
		RealmID:        sub.RealmID,
		CustomerID:     sub.CustomerID,
		ProductID:      sub.ProductID,
		OfferID:        sub.OfferID,
		Provider:       sub.Provider,
		SubscriptionID: &subID,
		ExpiresAt:      &expires,
	})
	if err != nil {
		return nil, err
	}

	sub.State = model.SubscriptionActive
	sub.EntitlementID = &ent.ID
	if err := l.subscriptions.Save(ctx, dbtx, sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	return ent, nil
}

// extendExpiry is the end of the next paid period. The provider's next
// billing date wins when known; an expiry never moves backwards.
func extendExpiry(offer *model.Offer, current *time.Time, remote *provider.RemoteSubscription, now time.Time) time.Time {
	base := now
	if current != nil && current.After(now) {
		base = *current
	}
	next := offer.NextPeriodEnd(base)
	if remote != nil && remote.NextBillingAt != nil {
		next = *remote.NextBillingAt
	}
	if current != nil && current.After(next) {
		return *current
	}
	return next
}

// vault stores a freshly created payment token. Losing it only costs the
// customer a re-entry of their card, so failures are logged.
func (l *ledger) vault(ctx context.Context, dbtx *gorm.DB, customerID uint, p model.Provider, token string) {
	if token == "" {
		return
	}
	err := l.paymentMethods.Save(ctx, dbtx, &model.PaymentMethod{
		CustomerID: customerID,
		Provider:   p,
		Token:      token,
	})
	if err != nil {
		log.Warn().Err(err).Uint("customer_id", customerID).Str("provider", string(p)).Msg("vault payment method")
	}
}

// redeem counts a coupon use. A failed count does not undo the sale.
func (l *ledger) redeem(ctx context.Context, dbtx *gorm.DB, couponID *uint, ref string) {
	if couponID == nil {
		return
	}
	if err := l.catalog.RedeemCoupon(ctx, dbtx, *couponID); err != nil {
		log.Warn().Err(err).Uint("coupon_id", *couponID).Str("ref", ref).Msg("coupon redemption not counted")
	}
}

func (l *ledger) notify(msg notify.Message) {
	if l.notifications == nil {
		return
	}
	l.notifications.Send(msg)
}

func transactionMessage(kind notify.Kind, subject string, tx *model.Transaction) notify.Message {
	return notify.Message{
		Kind:            kind,
		Subject:         subject,
		Provider:        string(tx.Provider),
		CustomerID:      tx.CustomerID,
		RealmID:         tx.RealmID,
		ProductID:       tx.ProductID,
		TransactionUUID: tx.UUID,
		Amount:          tx.Total.StringFixed(money.Scale(tx.Currency)),
		Currency:        tx.Currency,
	}
}

func subscriptionMessage(kind notify.Kind, subject string, sub *model.PaymentsSubscription) notify.Message {
	return notify.Message{
		Kind:             kind,
		Subject:          subject,
		Provider:         string(sub.Provider),
		CustomerID:       sub.CustomerID,
		RealmID:          sub.RealmID,
		ProductID:        sub.ProductID,
		SubscriptionUUID: sub.UUID,
	}
}
