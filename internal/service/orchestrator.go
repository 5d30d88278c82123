package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"purchase-processor/internal/lock"
	"purchase-processor/internal/metrics"
	"purchase-processor/internal/model"
	"purchase-processor/internal/money"
	"purchase-processor/internal/notify"
	"purchase-processor/internal/provider"
	"purchase-processor/internal/repository"
	"purchase-processor/internal/tax"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Orchestrator interface {
	CreatePurchase(ctx context.Context, p model.Provider, req PurchaseRequest) Result
	CompletePurchase(ctx context.Context, p model.Provider, req ExecuteRequest) Result
	ConfirmPending(ctx context.Context, transactionID uint) Result
	CreateSubscription(ctx context.Context, p model.Provider, req SubscriptionRequest) Result
	CompleteSubscription(ctx context.Context, p model.Provider, providerID string) Result
	CancelSubscription(ctx context.Context, req CancelRequest) Result
	CreateRefund(ctx context.Context, p model.Provider, req RefundRequest) Result
}

// Dependencies are the collaborators shared by the orchestrator and the
// subscription lifecycle.
type Dependencies struct {
	DB             *gorm.DB
	Providers      *provider.Registry
	Normalizer     *money.Normalizer
	Tax            tax.Calculator
	Locker         lock.Locker
	Notifications  *notify.Dispatcher
	Alerter        *Alerter
	Catalog        repository.CatalogRepository
	Transactions   repository.TransactionRepository
	Subscriptions  repository.SubscriptionRepository
	Entitlements   repository.EntitlementRepository
	PaymentMethods repository.PaymentMethodRepository
	WebhookEvents  repository.WebhookEventRepository
}

type Options struct {
	Topology      model.EntitlementScope
	MinimumCharge decimal.Decimal
	RefundWindow  time.Duration
	// BaseURL is where providers send the customer back after approval.
	BaseURL string
}

type orchestratorImpl struct {
	*ledger
	opts Options
}

func NewOrchestrator(deps Dependencies, opts Options) Orchestrator {
	if opts.Topology == "" {
		opts.Topology = model.CustomerScope
	}
	return &orchestratorImpl{
		ledger: newLedger(deps, opts.Topology),
		opts:   opts,
	}
}

// resolved is the catalog context of a purchase or subscription request.
type resolved struct {
	realm    *model.Realm
	customer *model.Customer
	product  *model.Product
	offer    *model.Offer
	adapter  provider.Adapter
}

func (s *orchestratorImpl) resolve(ctx context.Context, p model.Provider, req PurchaseRequest) (*resolved, *Error) {
	switch {
	case req.RealmID == 0:
		return nil, newError(MissingParameter, "realm_id is required")
	case req.CustomerID == 0:
		return nil, newError(MissingParameter, "customer is required")
	case req.OfferID == 0:
		return nil, newError(MissingParameter, "offer_id is required")
	case req.ProductID == 0:
		return nil, newError(MissingParameter, "product_id is required")
	}
	adapter, ok := s.providers.Get(p)
	if !ok {
		return nil, newError(MalformedParameter, "unknown provider %q", p)
	}

	r := &resolved{adapter: adapter}
	var err error
	if r.realm, err = s.catalog.FindRealm(ctx, req.RealmID); err != nil {
		return nil, classify(err, "realm")
	}
	if r.customer, err = s.catalog.FindCustomer(ctx, req.CustomerID); err != nil {
		return nil, classify(err, "customer")
	}
	if r.product, err = s.catalog.FindProduct(ctx, req.ProductID); err != nil {
		return nil, classify(err, "product")
	}
	if r.offer, err = s.catalog.FindOffer(ctx, req.OfferID); err != nil {
		return nil, classify(err, "offer")
	}

	if r.product.RealmID != r.realm.ID || r.offer.RealmID != r.realm.ID {
		return nil, newError(MalformedParameter, "product and offer must belong to realm %d", r.realm.ID)
	}
	if r.offer.ProductID != r.product.ID {
		return nil, newError(MalformedParameter, "offer %d is not sold for product %d", r.offer.ID, r.product.ID)
	}
	if r.customer.RealmID != 0 && r.customer.RealmID != r.realm.ID {
		return nil, newError(MalformedParameter, "customer does not belong to realm %d", r.realm.ID)
	}
	if !r.offer.Active {
		return nil, newError(BadRequest, "Offer is not available.")
	}
	return r, nil
}

// pricing is the price breakdown quoted before the provider is involved.
type pricing struct {
	discount decimal.Decimal
	coupon   *model.Coupon
	tax      tax.Result
	net      decimal.Decimal
}

func (p pricing) couponID() *uint {
	if p.coupon == nil {
		return nil
	}
	id := p.coupon.ID
	return &id
}

func (s *orchestratorImpl) price(ctx context.Context, r *resolved, couponCode string) (pricing, *Error) {
	pr := pricing{discount: decimal.Zero}
	if c := s.usableCoupon(ctx, r, couponCode); c != nil {
		pr.coupon = c
		pr.discount = c.DiscountFor(r.offer.Price)
	}
	pr.net = r.offer.Price.Sub(pr.discount)

	if pr.net.IsPositive() {
		settled, err := s.normalizer.ExchangeToSettlement(ctx, pr.net, r.offer.Currency)
		if err != nil {
			return pr, classify(err, "exchange")
		}
		if settled.LessThan(s.opts.MinimumCharge) {
			return pr, newError(BadRequest, "Amount is below the minimum charge of %s %s.",
				s.opts.MinimumCharge.StringFixed(2), s.normalizer.Settlement())
		}
	}

	t, err := s.tax.Compute(ctx, tax.Request{
		RealmID:    r.realm.ID,
		CustomerID: r.customer.ID,
		Currency:   r.offer.Currency,
		Price:      r.offer.Price,
		Discount:   pr.discount,
	})
	if err != nil {
		return pr, &Error{Kind: Internal, Message: "tax computation failed", Err: err}
	}
	pr.tax = t
	return pr, nil
}

// usableCoupon returns nil for codes that do not apply; a bad code is ignored,
// not rejected.
func (s *orchestratorImpl) usableCoupon(ctx context.Context, r *resolved, code string) *model.Coupon {
	code = strings.TrimSpace(code)
	if code == "" || !r.offer.Price.IsPositive() {
		return nil
	}
	c, err := s.catalog.FindCouponByCode(ctx, code)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			log.Warn().Err(err).Str("coupon", code).Msg("coupon lookup failed, ignoring coupon")
		}
		return nil
	}
	if c.RealmID != 0 && c.RealmID != r.realm.ID {
		return nil
	}
	if !c.Usable(time.Now()) {
		return nil
	}
	return c
}

// hasAccess reports an unexpired entitlement for the owner and product.
func (s *orchestratorImpl) hasAccess(ctx context.Context, ownerKey string, productID uint) (bool, error) {
	e, err := s.entitlements.FindByOwner(ctx, nil, ownerKey, productID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.Active(time.Now()), nil
}

// paymentToken returns the customer's vaulted token, or "" when none is stored.
func (s *orchestratorImpl) paymentToken(ctx context.Context, customerID uint, p model.Provider) string {
	token, err := s.paymentMethods.GetToken(ctx, customerID, p)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			log.Warn().Err(err).Uint("customer_id", customerID).Msg("load vaulted payment method")
		}
		return ""
	}
	return token
}

func (s *orchestratorImpl) returnURL(p model.Provider, kind, redirect string) string {
	u := fmt.Sprintf("%s/api/%s/%s/execute", strings.TrimSuffix(s.opts.BaseURL, "/"), p, kind)
	if redirect != "" {
		u += "?redirect_uri=" + url.QueryEscape(redirect)
	}
	return u
}

func record(operation string, p model.Provider, res Result) Result {
	metrics.Operations.WithLabelValues(operation, string(p), string(res.Status)).Inc()
	if res.Err != nil {
		ev := log.Info()
		if res.Err.Kind == Internal || res.Err.Kind == AccountingInconsistency {
			ev = log.Error()
		}
		ev.Err(res.Err.Err).
			Str("operation", operation).
			Str("provider", string(p)).
			Str("error_kind", string(res.Err.Kind)).
			Msg(res.Err.Message)
	}
	return res
}
