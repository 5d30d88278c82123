package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"purchase-processor/internal/fx"
	"purchase-processor/internal/lock"
	"purchase-processor/internal/model"
	"purchase-processor/internal/money"
	"purchase-processor/internal/notify"
	"purchase-processor/internal/provider"
	"purchase-processor/internal/repository"
	"purchase-processor/internal/tax"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Catalog ids used across the tests. Realm 1, customer 1, products 1 and 2,
// offers 1 and 2 and the WELCOME5 coupon come from the demo seed.
const (
	realmID         = 1
	customerID      = 1
	lifetimeProduct = 1
	premiumProduct  = 2
	lifetimeOffer   = 1
	monthlyOffer    = 2
	sampleOffer     = 3 // 0.30 USD
	euroOffer       = 4 // 100 EUR
	giveawayOffer   = 5 // free
)

var errUnexpectedCall = errors.New("unexpected provider call")

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := repository.AutoMigrate(db); err != nil {
		t.Fatal(err)
	}
	return db
}

// stubAdapter overrides the calls a test sets and reports every other call as
// unexpected. The embedded adapter supplies the name, variant and event
// catalog.
type stubAdapter struct {
	provider.Adapter

	mu    sync.Mutex
	calls map[string]int

	charge       func(provider.ChargeRequest) (provider.ChargeOutcome, error)
	execute      func(provider.ExecuteRequest) (*provider.Charge, error)
	lookup       func(*model.Transaction) (*provider.Lookup, error)
	agreement    func(provider.AgreementRequest) (provider.AgreementOutcome, error)
	fetch        func(string) (*provider.RemoteSubscription, error)
	refund       func(provider.RefundRequest) (*provider.RefundResult, error)
	lookupRefund func(string) (*provider.RefundResult, error)
	interpret    func(provider.Event) (*provider.Interpretation, error)
	repayErr     error
	cancelErr    error
}

func newBraintreeStub() *stubAdapter {
	return &stubAdapter{Adapter: provider.NewBraintreeAdapter(nil), calls: map[string]int{}}
}

func newPaypalStub() *stubAdapter {
	return &stubAdapter{Adapter: provider.NewPaypalAdapter(nil, "USD"), calls: map[string]int{}}
}

func (s *stubAdapter) called(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
}

func (s *stubAdapter) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *stubAdapter) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *stubAdapter) CreateCharge(_ context.Context, req provider.ChargeRequest) (provider.ChargeOutcome, error) {
	s.called("charge")
	if s.charge == nil {
		return nil, errUnexpectedCall
	}
	return s.charge(req)
}

func (s *stubAdapter) ExecuteCharge(_ context.Context, req provider.ExecuteRequest) (*provider.Charge, error) {
	s.called("execute")
	if s.execute == nil {
		return nil, errUnexpectedCall
	}
	return s.execute(req)
}

func (s *stubAdapter) LookupCharge(_ context.Context, tx *model.Transaction) (*provider.Lookup, error) {
	s.called("lookup")
	if s.lookup == nil {
		return nil, errUnexpectedCall
	}
	return s.lookup(tx)
}

func (s *stubAdapter) CreateAgreement(_ context.Context, req provider.AgreementRequest) (provider.AgreementOutcome, error) {
	s.called("agreement")
	if s.agreement == nil {
		return nil, errUnexpectedCall
	}
	return s.agreement(req)
}

func (s *stubAdapter) ExecuteAgreement(_ context.Context, providerID string) (*provider.RemoteSubscription, error) {
	s.called("execute_agreement")
	if s.fetch == nil {
		return nil, errUnexpectedCall
	}
	return s.fetch(providerID)
}

func (s *stubAdapter) FetchSubscription(_ context.Context, providerID string) (*provider.RemoteSubscription, error) {
	s.called("fetch")
	if s.fetch == nil {
		return nil, errUnexpectedCall
	}
	return s.fetch(providerID)
}

func (s *stubAdapter) PauseSubscription(context.Context, string, string) error {
	s.called("pause")
	return nil
}

func (s *stubAdapter) ResumeSubscription(context.Context, string, string) error {
	s.called("resume")
	return nil
}

func (s *stubAdapter) CancelSubscription(context.Context, string, string) error {
	s.called("cancel")
	return s.cancelErr
}

func (s *stubAdapter) RepayBalance(context.Context, string, decimal.Decimal, string) error {
	s.called("repay")
	return s.repayErr
}

func (s *stubAdapter) Refund(_ context.Context, req provider.RefundRequest) (*provider.RefundResult, error) {
	s.called("refund")
	if s.refund == nil {
		return nil, errUnexpectedCall
	}
	return s.refund(req)
}

func (s *stubAdapter) LookupRefund(_ context.Context, providerID string) (*provider.RefundResult, error) {
	s.called("lookup_refund")
	if s.lookupRefund == nil {
		return nil, provider.ErrUnsupported
	}
	return s.lookupRefund(providerID)
}

func (s *stubAdapter) InterpretWebhook(_ context.Context, ev provider.Event) (*provider.Interpretation, error) {
	s.called("interpret")
	if s.interpret == nil {
		return nil, errUnexpectedCall
	}
	return s.interpret(ev)
}

// chargeAsQuoted confirms exactly what the pending transaction asked for.
func chargeAsQuoted(providerID string) func(provider.ChargeRequest) (provider.ChargeOutcome, error) {
	return func(req provider.ChargeRequest) (provider.ChargeOutcome, error) {
		tx := req.Transaction
		return provider.Charged{Charge: provider.Charge{
			ProviderID:   providerID,
			Subtotal:     tx.Subtotal,
			Tax:          tx.Tax,
			Total:        tx.Total,
			PaymentToken: "tok-1",
		}}, nil
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

type fixture struct {
	t          *testing.T
	db         *gorm.DB
	deps       Dependencies
	orch       Orchestrator
	life       Lifecycle
	braintree  *stubAdapter
	paypal     *stubAdapter
	notifier   *recordingNotifier
	dispatcher *notify.Dispatcher
}

func newFixture(t *testing.T, opts ...func(*Dependencies)) *fixture {
	t.Helper()
	ctx := context.Background()
	db := newTestDB(t)

	catalog := repository.NewCatalogRepository(db)
	if err := catalog.Seed(ctx); err != nil {
		t.Fatal(err)
	}
	offers := []model.Offer{
		{ID: sampleOffer, UUID: uuid.NewString(), RealmID: realmID, ProductID: lifetimeProduct, Name: "Sample", Price: dec("0.30"), Currency: "USD", Active: true},
		{ID: euroOffer, UUID: uuid.NewString(), RealmID: realmID, ProductID: lifetimeProduct, Name: "Lifetime Pass EUR", Price: dec("100"), Currency: "EUR", Active: true},
		{ID: giveawayOffer, UUID: uuid.NewString(), RealmID: realmID, ProductID: lifetimeProduct, Name: "Giveaway", Price: decimal.Zero, Currency: "USD", Active: true},
	}
	if err := db.Create(&offers).Error; err != nil {
		t.Fatal(err)
	}

	rates, err := fx.NewStaticSource("USD", map[string]string{"EUR": "1.20"})
	if err != nil {
		t.Fatal(err)
	}
	calc, err := tax.NewFlatCalculator("0", nil)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		t:         t,
		db:        db,
		braintree: newBraintreeStub(),
		paypal:    newPaypalStub(),
		notifier:  &recordingNotifier{},
	}
	f.dispatcher = notify.NewDispatcher(f.notifier, time.Second)
	f.deps = Dependencies{
		DB:             db,
		Providers:      provider.NewRegistry(provider.NewFreeAdapter(), f.braintree, f.paypal),
		Normalizer:     money.NewNormalizer(rates, "USD", dec("0.029")),
		Tax:            calc,
		Locker:         lock.NewKeyedMutex(),
		Notifications:  f.dispatcher,
		Catalog:        catalog,
		Transactions:   repository.NewTransactionRepository(db),
		Subscriptions:  repository.NewSubscriptionRepository(db),
		Entitlements:   repository.NewEntitlementRepository(db),
		PaymentMethods: repository.NewPaymentMethodRepository(db),
		WebhookEvents:  repository.NewWebhookEventRepository(db),
	}
	for _, opt := range opts {
		opt(&f.deps)
	}
	f.deps.Alerter = NewAlerter(f.dispatcher)

	f.orch = NewOrchestrator(f.deps, Options{
		Topology:      model.CustomerScope,
		MinimumCharge: dec("0.50"),
		RefundWindow:  30 * 24 * time.Hour,
		BaseURL:       "http://localhost:8080",
	})
	f.life = NewLifecycle(f.deps, model.CustomerScope)
	return f
}

func (f *fixture) purchase(offerID, productID uint) PurchaseRequest {
	return PurchaseRequest{
		RealmID:      realmID,
		CustomerID:   customerID,
		OfferID:      offerID,
		ProductID:    productID,
		PaymentNonce: "nonce",
	}
}

// messages waits for in-flight deliveries and returns the kinds sent so far.
func (f *fixture) messages() []notify.Kind {
	f.dispatcher.Wait()
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	kinds := make([]notify.Kind, len(f.notifier.msgs))
	for i, m := range f.notifier.msgs {
		kinds[i] = m.Kind
	}
	return kinds
}

func (f *fixture) sent(kind notify.Kind) int {
	n := 0
	for _, k := range f.messages() {
		if k == kind {
			n++
		}
	}
	return n
}

func (f *fixture) entitlement(productID uint) *model.Entitlement {
	f.t.Helper()
	e, err := f.deps.Entitlements.FindByOwner(context.Background(), nil, model.OwnerKey(model.CustomerScope, customerID, realmID), productID)
	if err != nil {
		f.t.Fatalf("load entitlement for product %d: %v", productID, err)
	}
	return e
}

func (f *fixture) reload(tx *model.Transaction) *model.Transaction {
	f.t.Helper()
	fresh, err := f.deps.Transactions.FindByID(context.Background(), nil, tx.ID)
	if err != nil {
		f.t.Fatal(err)
	}
	return fresh
}

func (f *fixture) count(v interface{}, query string, args ...interface{}) int64 {
	f.t.Helper()
	var n int64
	q := f.db.Model(v)
	if query != "" {
		q = q.Where(query, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		f.t.Fatal(err)
	}
	return n
}

// completePurchase runs a direct charge of offerID and returns the recorded
// transaction.
func (f *fixture) completePurchase(offerID, productID uint) *model.Transaction {
	f.t.Helper()
	if f.braintree.charge == nil {
		f.braintree.charge = chargeAsQuoted("bt-" + uuid.NewString())
	}
	res := f.orch.CreatePurchase(context.Background(), model.ProviderBraintree, f.purchase(offerID, productID))
	if res.Status != StatusSuccess {
		f.t.Fatalf("purchase: %+v", res.Err)
	}
	return res.Record.(*model.Transaction)
}

func expectKind(t *testing.T, res Result, kind ErrorKind) {
	t.Helper()
	if res.Status != StatusFailure || res.Err == nil {
		t.Fatalf("status = %s, want failure %s", res.Status, kind)
	}
	if res.Err.Kind != kind {
		t.Fatalf("error kind = %s (%s), want %s", res.Err.Kind, res.Err.Message, kind)
	}
}

func expectAmount(t *testing.T, field string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Errorf("%s = %s, want %s", field, got, want)
	}
}
