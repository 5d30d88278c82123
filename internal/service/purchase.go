package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"purchase-processor/internal/lock"
	"purchase-processor/internal/model"
	"purchase-processor/internal/money"
	"purchase-processor/internal/notify"
	"purchase-processor/internal/provider"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// abandonedAfter is how long an unapproved redirect purchase stays pending.
const abandonedAfter = 72 * time.Hour

const (
	alreadyOwned = "Customer already has access to this product."
	// approveURLKey keeps the provider approval page on a pending purchase so a
	// retry can send the customer back to it.
	approveURLKey = "approve_url"
)

type PurchaseRequest struct {
	RealmID        uint
	CustomerID     uint
	OfferID        uint
	ProductID      uint
	CouponCode     string
	PaymentNonce   string
	DevicePlatform string
	// ReturnURL and CancelURL are where the customer lands after a redirect
	// flow finishes or is abandoned.
	ReturnURL string
	CancelURL string
}

// ExecuteRequest re-enters a purchase after the customer approved it at the
// provider.
type ExecuteRequest struct {
	Token   string
	PayerID string
}

func (s *orchestratorImpl) CreatePurchase(ctx context.Context, p model.Provider, req PurchaseRequest) Result {
	return record("create_purchase", p, s.createPurchase(ctx, p, req))
}

func (s *orchestratorImpl) createPurchase(ctx context.Context, p model.Provider, req PurchaseRequest) Result {
	r, verr := s.resolve(ctx, p, req)
	if verr != nil {
		return Failure(verr)
	}
	if r.offer.Recurring() {
		return fail(BadRequest, "Offer %d is billed periodically; create a subscription instead.", r.offer.ID)
	}

	owner := s.ownerKey(r.customer.ID, r.realm.ID)
	release, lerr := s.lockAccess(ctx, owner, r.product.ID)
	if lerr != nil {
		return Failure(lerr)
	}
	defer release()

	has, err := s.hasAccess(ctx, owner, r.product.ID)
	if err != nil {
		return Failure(classify(err, "entitlement"))
	}
	if has {
		return fail(BadRequest, alreadyOwned)
	}

	pr, perr := s.price(ctx, r, req.CouponCode)
	if perr != nil {
		return Failure(perr)
	}

	adapter := r.adapter
	if pr.net.IsZero() {
		adapter = s.providers.Free()
	}

	open, err := s.openRedirect(ctx, r.realm.ID, r.customer.ID, r.product.ID)
	if err != nil {
		return Failure(classify(err, "pending purchase"))
	}
	if open != nil {
		approve, _ := open.Metadata[approveURLKey].(string)
		if approve != "" && open.Provider == adapter.Name() && open.OfferID == r.offer.ID {
			return Redirect(approve, open)
		}
		return fail(BadRequest, "A payment for this product is already awaiting approval.")
	}

	var token string
	if provider.VariantOf(adapter) == provider.DirectCharge && req.PaymentNonce == "" {
		if token = s.paymentToken(ctx, r.customer.ID, adapter.Name()); token == "" {
			return fail(MissingParameter, "payment_nonce is required")
		}
	}

	tx := &model.Transaction{
		UUID:           uuid.NewString(),
		Kind:           model.KindPurchase,
		State:          model.StatePending,
		Provider:       adapter.Name(),
		RealmID:        r.realm.ID,
		CustomerID:     r.customer.ID,
		OfferID:        r.offer.ID,
		ProductID:      r.product.ID,
		CouponID:       pr.couponID(),
		Currency:       r.offer.Currency,
		DevicePlatform: req.DevicePlatform,
	}
	tx.Amounts = money.Quote(r.offer.Currency, r.offer.Price, pr.discount, pr.tax.Amount)
	tx.TaxPercent = pr.tax.Percent
	if err := s.transactions.Create(ctx, nil, tx); err != nil {
		return Failure(classify(err, "pending purchase"))
	}

	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = req.ReturnURL
	}
	out, err := adapter.CreateCharge(ctx, provider.ChargeRequest{
		Transaction:  tx,
		Offer:        r.offer,
		Customer:     r.customer,
		PaymentNonce: req.PaymentNonce,
		PaymentToken: token,
		ReturnURL:    s.returnURL(adapter.Name(), "purchases", req.ReturnURL),
		CancelURL:    cancelURL,
	})
	if err != nil {
		return s.chargeFailed(ctx, tx, err)
	}

	switch out := out.(type) {
	case provider.ChargeRedirect:
		tx.RedirectToken = out.Token
		tx.Metadata = datatypes.JSONMap{approveURLKey: out.URL}
		if err := s.transactions.Save(ctx, nil, tx); err != nil {
			return Failure(classify(err, "pending purchase"))
		}
		return Redirect(out.URL, tx)
	case provider.Charged:
		return s.finalizePurchase(ctx, tx, out.Charge)
	}
	return fail(Internal, "unexpected charge outcome %T", out)
}

func (s *orchestratorImpl) CompletePurchase(ctx context.Context, p model.Provider, req ExecuteRequest) Result {
	return record("complete_purchase", p, s.completePurchase(ctx, p, req))
}

func (s *orchestratorImpl) completePurchase(ctx context.Context, p model.Provider, req ExecuteRequest) Result {
	if req.Token == "" {
		return fail(MissingParameter, "token is required")
	}
	adapter, ok := s.providers.Get(p)
	if !ok {
		return fail(MalformedParameter, "unknown provider %q", p)
	}

	release, err := s.locker.Lock(ctx, lock.Key("redirect", p, req.Token))
	if err != nil {
		return Failure(&Error{Kind: Internal, Message: "could not acquire purchase lock", Err: err})
	}
	defer release()

	tx, err := s.transactions.FindByRedirectToken(ctx, p, req.Token)
	if err != nil {
		return Failure(classify(err, "purchase"))
	}
	switch tx.State {
	case model.StateComplete:
		return Success(tx)
	case model.StateFailed:
		return Result{Status: StatusFailure, Record: tx, Err: newError(BadRequest, "Purchase %s has already failed.", tx.UUID)}
	}

	releaseAccess, lerr := s.lockAccess(ctx, s.ownerKey(tx.CustomerID, tx.RealmID), tx.ProductID)
	if lerr != nil {
		return Failure(lerr)
	}
	defer releaseAccess()
	if res, owned := s.refuseOwned(ctx, tx); owned {
		return res
	}

	charge, err := adapter.ExecuteCharge(ctx, provider.ExecuteRequest{Token: req.Token, PayerID: req.PayerID, Transaction: tx})
	if err != nil {
		return s.chargeFailed(ctx, tx, err)
	}
	return s.finalizePurchase(ctx, tx, *charge)
}

// refuseOwned fails a pending purchase whose owner gained access to the
// product some other way while it waited for approval. Capturing it would
// charge twice for the same grant. The access lock must be held.
func (s *orchestratorImpl) refuseOwned(ctx context.Context, tx *model.Transaction) (Result, bool) {
	has, err := s.hasAccess(ctx, s.ownerKey(tx.CustomerID, tx.RealmID), tx.ProductID)
	if err != nil {
		return Result{Status: StatusFailure, Record: tx, Err: classify(err, "entitlement")}, true
	}
	if has {
		return s.failPurchase(ctx, tx, newError(BadRequest, alreadyOwned)), true
	}
	return Result{}, false
}

// openRedirect returns the newest purchase of the product still waiting for
// approval at a provider, ignoring abandoned ones.
func (s *orchestratorImpl) openRedirect(ctx context.Context, realmID, customerID, productID uint) (*model.Transaction, error) {
	if s.topology == model.RealmScope {
		customerID = 0
	}
	txs, err := s.transactions.ListOpenRedirects(ctx, realmID, customerID, productID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, tx := range txs {
		if now.Sub(tx.CreatedAt) <= abandonedAfter {
			return tx, nil
		}
	}
	return nil, nil
}

// ConfirmPending reads a pending purchase back from its provider and settles
// it either way. It is the re-entry point for charges whose outcome was never
// received.
func (s *orchestratorImpl) ConfirmPending(ctx context.Context, transactionID uint) Result {
	tx, err := s.transactions.FindByID(ctx, nil, transactionID)
	if err != nil {
		return record("confirm_pending", "", Failure(classify(err, "transaction")))
	}
	return record("confirm_pending", tx.Provider, s.confirmPending(ctx, tx))
}

func (s *orchestratorImpl) confirmPending(ctx context.Context, tx *model.Transaction) Result {
	if tx.Kind != model.KindPurchase {
		return fail(MalformedParameter, "transaction %d is not a purchase", tx.ID)
	}
	if tx.State != model.StatePending {
		return Success(tx)
	}
	adapter, ok := s.providers.Get(tx.Provider)
	if !ok {
		return fail(MalformedParameter, "unknown provider %q", tx.Provider)
	}

	if tx.RedirectToken != "" {
		release, err := s.locker.Lock(ctx, lock.Key("redirect", tx.Provider, tx.RedirectToken))
		if err != nil {
			return Failure(&Error{Kind: Internal, Message: "could not acquire purchase lock", Err: err})
		}
		defer release()
		// the customer may have completed it while we waited
		if fresh, err := s.transactions.FindByID(ctx, nil, tx.ID); err == nil {
			tx = fresh
		}
		if tx.State != model.StatePending {
			return Success(tx)
		}
	}

	release, lerr := s.lockAccess(ctx, s.ownerKey(tx.CustomerID, tx.RealmID), tx.ProductID)
	if lerr != nil {
		return Failure(lerr)
	}
	defer release()

	lk, err := adapter.LookupCharge(ctx, tx)
	if errors.Is(err, provider.ErrUnsupported) {
		return Result{Status: StatusFailure, Record: tx, Err: newError(BadRequest,
			"Purchase %s cannot be read back from %s and needs manual reconciliation.", tx.UUID, tx.Provider)}
	}
	if err != nil {
		return Result{Status: StatusFailure, Record: tx, Err: classify(err, "charge lookup")}
	}

	var charge *provider.Charge
	switch {
	case lk.Capturable:
		if res, owned := s.refuseOwned(ctx, tx); owned {
			return res
		}
		charge, err = adapter.ExecuteCharge(ctx, provider.ExecuteRequest{Token: tx.RedirectToken, Transaction: tx})
		if err != nil {
			return s.chargeFailed(ctx, tx, err)
		}
	case lk.State == model.StateComplete && lk.Charge != nil:
		charge = lk.Charge
	case lk.State == model.StateFailed:
		return s.failPurchase(ctx, tx, newError(PaymentError, "%s", lk.Reason))
	default:
		if s.now().Sub(tx.CreatedAt) > abandonedAfter {
			return s.failPurchase(ctx, tx, newError(PaymentError, "Purchase was abandoned (%s).", lk.Reason))
		}
		return Result{Status: StatusFailure, Record: tx, Err: newError(PaymentError, "Payment is still pending at %s.", tx.Provider)}
	}
	return s.finalizePurchase(ctx, tx, *charge)
}

// finalizePurchase records a charge the provider confirmed. From here on any
// failure means money was taken without access being granted.
func (s *orchestratorImpl) finalizePurchase(ctx context.Context, tx *model.Transaction, charge provider.Charge) Result {
	amounts, err := s.normalizer.ReconcilePurchase(ctx, money.PurchaseInput{
		Currency:         tx.Currency,
		Subtotal:         charge.Subtotal,
		Tax:              charge.Tax,
		Total:            charge.Total,
		TaxPercent:       tx.TaxPercent,
		TotalUSD:         charge.TotalSettlement,
		ProcessingFee:    charge.Fee,
		ProcessingFeeUSD: charge.FeeSettlement,
	})
	if err != nil {
		return Result{Status: StatusFailure, Record: tx,
			Err: s.alerter.Raise(purchaseInconsistency(tx, charge.ProviderID), fmt.Errorf("reconcile purchase amounts: %w", err))}
	}

	now := s.now()
	err = s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		ent, err := s.grant(ctx, dbtx, grantSpec{
			RealmID:    tx.RealmID,
			CustomerID: tx.CustomerID,
			ProductID:  tx.ProductID,
			OfferID:    tx.OfferID,
			Provider:   tx.Provider,
		})
		if err != nil {
			return err
		}

		tx.ProviderID = charge.ProviderID
		tx.Amounts = amounts
		tx.EntitlementID = &ent.ID
		tx.Complete(now)
		if err := s.transactions.Save(ctx, dbtx, tx); err != nil {
			return fmt.Errorf("save purchase: %w", err)
		}

		s.redeem(ctx, dbtx, tx.CouponID, tx.UUID)
		s.vault(ctx, dbtx, tx.CustomerID, tx.Provider, charge.PaymentToken)
		return nil
	})
	if err != nil {
		return Result{Status: StatusFailure, Record: tx,
			Err: s.alerter.Raise(purchaseInconsistency(tx, charge.ProviderID), err)}
	}

	log.Info().
		Str("transaction_uuid", tx.UUID).
		Str("provider", string(tx.Provider)).
		Str("provider_id", tx.ProviderID).
		Str("total", tx.Total.String()).
		Str("currency", tx.Currency).
		Bool("fee_estimated", tx.FeeEstimated).
		Msg("purchase completed")
	s.notify(transactionMessage(notify.PurchaseConfirmation, "Thank you for your purchase", tx))
	return Success(tx)
}

// chargeFailed settles the pending record after a provider error. An unknown
// outcome leaves it pending for ConfirmPending.
func (s *orchestratorImpl) chargeFailed(ctx context.Context, tx *model.Transaction, err error) Result {
	e := classify(err, "charge")
	if errors.Is(err, provider.ErrOutcomeUnknown) {
		log.Warn().Err(err).Str("transaction_uuid", tx.UUID).Msg("charge outcome unknown, purchase left pending")
		return Result{Status: StatusFailure, Record: tx, Err: e}
	}
	if e.Kind == Internal {
		e = &Error{Kind: PaymentError, Message: "The payment could not be processed.", Err: err}
	}
	return s.failPurchase(ctx, tx, e)
}

func (s *orchestratorImpl) failPurchase(ctx context.Context, tx *model.Transaction, e *Error) Result {
	tx.Fail(truncate(e.Message, 1024))
	if err := s.transactions.Save(ctx, nil, tx); err != nil {
		log.Error().Err(err).Str("transaction_uuid", tx.UUID).Msg("mark purchase failed")
	}
	return Result{Status: StatusFailure, Record: tx, Err: e}
}

func purchaseInconsistency(tx *model.Transaction, providerID string) inconsistency {
	return inconsistency{
		Operation:       "purchase",
		Provider:        tx.Provider,
		ProviderID:      providerID,
		TransactionUUID: tx.UUID,
		CustomerID:      tx.CustomerID,
		Amount:          tx.Total.String(),
		Currency:        tx.Currency,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
