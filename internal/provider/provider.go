package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"purchase-processor/internal/metrics"
	"purchase-processor/internal/model"

	"github.com/shopspring/decimal"
)

// Variant is the closed set of provider behaviours the orchestrator knows.
type Variant int

const (
	Free Variant = iota
	DirectCharge
	AgreementBased
)

func (v Variant) String() string {
	switch v {
	case Free:
		return "free"
	case DirectCharge:
		return "direct_charge"
	case AgreementBased:
		return "agreement_based"
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

var (
	// ErrOutcomeUnknown means the request may have reached the provider but
	// no answer came back. The charge must be read back before anything is
	// assumed about it.
	ErrOutcomeUnknown = errors.New("provider: outcome unknown")
	ErrUnsupported    = errors.New("provider: operation not supported")
)

// DeclineError is a refusal the provider answered with. Message is safe to
// show to the customer.
type DeclineError struct {
	Provider model.Provider
	Message  string
	Err      error
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("%s declined: %s", e.Provider, e.Message)
}

func (e *DeclineError) Unwrap() error {
	return e.Err
}

// Adapter is implemented only by the adapters in this package.
type Adapter interface {
	variant() Variant
	Name() model.Provider

	CreateCharge(ctx context.Context, req ChargeRequest) (ChargeOutcome, error)
	ExecuteCharge(ctx context.Context, req ExecuteRequest) (*Charge, error)
	LookupCharge(ctx context.Context, tx *model.Transaction) (*Lookup, error)

	CreateAgreement(ctx context.Context, req AgreementRequest) (AgreementOutcome, error)
	ExecuteAgreement(ctx context.Context, providerID string) (*RemoteSubscription, error)
	FetchSubscription(ctx context.Context, providerID string) (*RemoteSubscription, error)
	PauseSubscription(ctx context.Context, providerID, reason string) error
	ResumeSubscription(ctx context.Context, providerID, reason string) error
	CancelSubscription(ctx context.Context, providerID, reason string) error
	RepayBalance(ctx context.Context, providerID string, amount decimal.Decimal, currency string) error

	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	LookupRefund(ctx context.Context, providerID string) (*RefundResult, error)

	Events() Catalog
	InterpretWebhook(ctx context.Context, ev Event) (*Interpretation, error)
}

func VariantOf(a Adapter) Variant {
	return a.variant()
}

// ReportsFees tells whether the provider can report a processing fee after the
// fact. Braintree never does and Free charges none.
func ReportsFees(a Adapter) bool {
	return a.variant() == AgreementBased
}

type ChargeRequest struct {
	Transaction  *model.Transaction
	Offer        *model.Offer
	Customer     *model.Customer
	PaymentNonce string
	PaymentToken string
	ReturnURL    string
	CancelURL    string
}

// Charge is what the provider confirmed, in the transaction currency unless
// a field says otherwise. Nil fee fields mean the provider did not report one.
type Charge struct {
	ProviderID      string
	Subtotal        decimal.Decimal
	Tax             decimal.Decimal
	Total           decimal.Decimal
	TotalSettlement *decimal.Decimal
	Fee             *decimal.Decimal
	FeeSettlement   *decimal.Decimal
	PaymentToken    string
}

// ChargeOutcome is either Charged or ChargeRedirect.
type ChargeOutcome interface {
	chargeOutcome()
}

type Charged struct {
	Charge Charge
}

type ChargeRedirect struct {
	Token string
	URL   string
}

func (Charged) chargeOutcome()        {}
func (ChargeRedirect) chargeOutcome() {}

type ExecuteRequest struct {
	Token       string
	PayerID     string
	Transaction *model.Transaction
}

// Lookup is the provider's view of a charge we have no answer for.
// Capturable means the customer approved and the charge can be executed now.
type Lookup struct {
	State      model.TransactionState
	Charge     *Charge
	Capturable bool
	Reason     string
}

type AgreementRequest struct {
	Subscription *model.PaymentsSubscription
	Offer        *model.Offer
	Customer     *model.Customer
	Discount     decimal.Decimal
	Tax          decimal.Decimal
	PaymentNonce string
	PaymentToken string
	ReturnURL    string
	CancelURL    string
}

// AgreementOutcome is either AgreementActive or AgreementRedirect.
type AgreementOutcome interface {
	agreementOutcome()
}

type AgreementActive struct {
	Remote       RemoteSubscription
	PaymentToken string
}

type AgreementRedirect struct {
	ProviderID string
	URL        string
}

func (AgreementActive) agreementOutcome()   {}
func (AgreementRedirect) agreementOutcome() {}

// RemoteSubscription is a read-only snapshot of the provider's subscription.
type RemoteSubscription struct {
	ProviderID    string
	Status        string
	Active        bool
	Balance       decimal.Decimal
	NextBillingAt *time.Time
}

type RefundRequest struct {
	Reference *model.Transaction
	Refund    *model.Transaction
	Amount    decimal.Decimal // positive, in the reference currency
	Currency  string
}

type RefundResult struct {
	ProviderID    string
	Status        string
	Fee           *decimal.Decimal
	FeeSettlement *decimal.Decimal
}

type EventKind int

const (
	PaymentSucceeded EventKind = iota + 1
	PaymentFailed
	SubscriptionCancelled
	DisputeUpdated
)

func (k EventKind) String() string {
	switch k {
	case PaymentSucceeded:
		return "payment_succeeded"
	case PaymentFailed:
		return "payment_failed"
	case SubscriptionCancelled:
		return "subscription_cancelled"
	case DisputeUpdated:
		return "dispute"
	}
	return "unknown"
}

// Catalog maps the provider's event type names to what they mean here.
type Catalog map[string]EventKind

func (c Catalog) Lookup(eventType string) (EventKind, bool) {
	k, ok := c[eventType]
	return k, ok
}

type Event struct {
	ID      string
	Type    string
	Payload []byte
}

// Interpretation is a webhook reduced to the fields the state machine acts on.
type Interpretation struct {
	Kind           EventKind
	SubscriptionID string
	TransactionID  string
	Remote         *RemoteSubscription
	Currency       string
	Amount         *decimal.Decimal
	Tax            *decimal.Decimal
	Fee            *decimal.Decimal
	EndsAt         *time.Time
	DisputeID      string
	DisputeStatus  string
	OccurredAt     time.Time
}

// Registry holds one adapter per provider.
type Registry struct {
	adapters map[model.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(p model.Provider) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// FeeReporting lists the providers whose estimated fees can be corrected later.
func (r *Registry) FeeReporting() []model.Provider {
	var ps []model.Provider
	for p, a := range r.adapters {
		if ReportsFees(a) {
			ps = append(ps, p)
		}
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
	return ps
}

// Free returns the adapter used for zero-amount purchases.
func (r *Registry) Free() Adapter {
	return r.adapters[model.ProviderFree]
}

func observe(p model.Provider, call string) func() {
	start := time.Now()
	return func() {
		metrics.ProviderLatency.WithLabelValues(string(p), call).Observe(time.Since(start).Seconds())
	}
}

func decimalPtr(s string) *decimal.Decimal {
	if s == "" {
		return nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &v
}
