package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Provider string

const (
	ProviderFree      Provider = "free"
	ProviderBraintree Provider = "braintree"
	ProviderPaypal    Provider = "paypal"
)

func ParseProvider(s string) (Provider, bool) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderFree, ProviderBraintree, ProviderPaypal:
		return p, true
	}
	return "", false
}

type Realm struct {
	ID        uint   `gorm:"primaryKey"`
	UUID      string `gorm:"size:36;uniqueIndex;not null"`
	Name      string `gorm:"size:128;not null"`
	CreatedAt time.Time
}

type Customer struct {
	ID        uint   `gorm:"primaryKey"`
	UUID      string `gorm:"size:36;uniqueIndex;not null"`
	RealmID   uint   `gorm:"index"`
	Email     string `gorm:"size:255;index"`
	FirstName string `gorm:"size:128"`
	LastName  string `gorm:"size:128"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Product struct {
	ID        uint   `gorm:"primaryKey"`
	UUID      string `gorm:"size:36;uniqueIndex;not null"`
	RealmID   uint   `gorm:"index;not null"`
	Name      string `gorm:"size:128;not null"`
	CreatedAt time.Time
}

type BillingPeriod string

const (
	OneTime BillingPeriod = ""
	Daily   BillingPeriod = "day"
	Weekly  BillingPeriod = "week"
	Monthly BillingPeriod = "month"
	Yearly  BillingPeriod = "year"
)

type Offer struct {
	ID              uint            `gorm:"primaryKey"`
	UUID            string          `gorm:"size:36;uniqueIndex;not null"`
	RealmID         uint            `gorm:"index;not null"`
	ProductID       uint            `gorm:"index;not null"`
	Name            string          `gorm:"size:128"`
	Price           decimal.Decimal `gorm:"type:decimal(20,6);not null"`
	Currency        string          `gorm:"size:3;not null"`
	BillingPeriod   BillingPeriod   `gorm:"size:8"`
	BillingInterval int             `gorm:"not null;default:1"`
	TrialDays       int             `gorm:"not null;default:0"`
	PaypalPlanID    string          `gorm:"size:64"`
	BraintreePlanID string          `gorm:"size:64"`
	Active          bool            `gorm:"not null"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (o *Offer) Recurring() bool {
	return o.BillingPeriod != OneTime
}

// NextPeriodEnd adds one billing period to from. One-time offers return from.
func (o *Offer) NextPeriodEnd(from time.Time) time.Time {
	n := o.BillingInterval
	if n <= 0 {
		n = 1
	}
	switch o.BillingPeriod {
	case Daily:
		return from.AddDate(0, 0, n)
	case Weekly:
		return from.AddDate(0, 0, 7*n)
	case Monthly:
		return from.AddDate(0, n, 0)
	case Yearly:
		return from.AddDate(n, 0, 0)
	}
	return from
}

type Coupon struct {
	ID             uint            `gorm:"primaryKey"`
	Code           string          `gorm:"size:64;uniqueIndex;not null"`
	RealmID        uint            `gorm:"index"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,6);not null"`
	Active         bool            `gorm:"not null"`
	StartsAt       *time.Time
	EndsAt         *time.Time
	MaxRedemptions int `gorm:"not null;default:0"` // 0 = unlimited
	Redemptions    int `gorm:"not null;default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (c *Coupon) Usable(now time.Time) bool {
	if c == nil || !c.Active {
		return false
	}
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return false
	}
	if c.EndsAt != nil && !now.Before(*c.EndsAt) {
		return false
	}
	return c.MaxRedemptions == 0 || c.Redemptions < c.MaxRedemptions
}

// DiscountFor caps the coupon amount at the price.
func (c *Coupon) DiscountFor(price decimal.Decimal) decimal.Decimal {
	if c.Amount.GreaterThan(price) {
		return price
	}
	return c.Amount
}

type EntitlementScope string

const (
	CustomerScope EntitlementScope = "customer"
	RealmScope    EntitlementScope = "realm"
)

func ParseScope(s string) (EntitlementScope, error) {
	switch sc := EntitlementScope(strings.ToLower(s)); sc {
	case CustomerScope, RealmScope:
		return sc, nil
	}
	return "", fmt.Errorf("unknown entitlement topology %q", s)
}

// OwnerKey identifies who holds an entitlement under a topology.
func OwnerKey(scope EntitlementScope, customerID, realmID uint) string {
	if scope == RealmScope {
		return fmt.Sprintf("realm:%d", realmID)
	}
	return fmt.Sprintf("customer:%d", customerID)
}

// Entitlement is the local grant of access to a product. There is one row per
// owner and product; repurchases reuse it.
type Entitlement struct {
	ID                     uint             `gorm:"primaryKey" json:"id"`
	Scope                  EntitlementScope `gorm:"size:16;not null" json:"scope"`
	OwnerKey               string           `gorm:"size:64;not null;uniqueIndex:idx_entitlement_owner_product" json:"-"`
	ProductID              uint             `gorm:"not null;uniqueIndex:idx_entitlement_owner_product" json:"product_id"`
	RealmID                uint             `gorm:"index" json:"realm_id"`
	CustomerID             uint             `gorm:"index" json:"customer_id"`
	OfferID                uint             `json:"offer_id"`
	Provider               Provider         `gorm:"size:16" json:"provider"`
	PaymentsSubscriptionID *uint            `gorm:"index" json:"payments_subscription_id,omitempty"`
	ExpiresAt              *time.Time       `json:"expires_at,omitempty"`
	SuccessfulPayments     int              `gorm:"not null;default:0" json:"successful_payments"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
}

func (e *Entitlement) Active(now time.Time) bool {
	if e == nil {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// WebhookEvent marks a provider event as applied. The composite key makes
// the claim single-writer-wins.
type WebhookEvent struct {
	Provider    Provider `gorm:"primaryKey;size:16"`
	EventID     string   `gorm:"primaryKey;size:128"`
	EventType   string   `gorm:"size:64;index"`
	ProcessedAt time.Time
	CreatedAt   time.Time
}

// PaymentMethod is a customer's vaulted token at a provider.
type PaymentMethod struct {
	CustomerID uint     `gorm:"primaryKey"`
	Provider   Provider `gorm:"primaryKey;size:16"`
	Token      string   `gorm:"size:128;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
