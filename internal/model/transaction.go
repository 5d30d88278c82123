package model

import (
	"fmt"
	"time"

	"purchase-processor/internal/money"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TransactionKind string

const (
	KindPurchase     TransactionKind = "purchase"
	KindRefund       TransactionKind = "refund"
	KindCancellation TransactionKind = "cancellation"
	KindDispute      TransactionKind = "dispute"
)

type TransactionState string

const (
	StatePending  TransactionState = "pending"
	StateComplete TransactionState = "complete"
	StateFailed   TransactionState = "failed"
)

// Transaction is a ledger row: a purchase, a refund against a purchase, a
// subscription cancellation or a dispute notice.
type Transaction struct {
	ID                     uint             `gorm:"primaryKey" json:"id"`
	UUID                   string           `gorm:"size:36;uniqueIndex;not null" json:"uuid"`
	Kind                   TransactionKind  `gorm:"size:16;index;not null" json:"kind"`
	State                  TransactionState `gorm:"size:16;index;not null" json:"state"`
	Provider               Provider         `gorm:"size:16;index;not null" json:"provider"`
	ProviderID             string           `gorm:"size:128;index" json:"provider_id,omitempty"`
	RedirectToken          string           `gorm:"size:128;index" json:"redirect_token,omitempty"`
	RealmID                uint             `gorm:"index" json:"realm_id"`
	CustomerID             uint             `gorm:"index" json:"customer_id"`
	OfferID                uint             `json:"offer_id"`
	ProductID              uint             `json:"product_id"`
	CouponID               *uint            `json:"coupon_id,omitempty"`
	EntitlementID          *uint            `gorm:"index" json:"entitlement_id,omitempty"`
	PaymentsSubscriptionID *uint            `gorm:"index" json:"payments_subscription_id,omitempty"`
	ReferenceID            *uint            `gorm:"index" json:"reference_id,omitempty"`
	Currency               string           `gorm:"size:3;not null" json:"currency"`
	DevicePlatform         string           `gorm:"size:32" json:"device_platform,omitempty"`

	money.Amounts `gorm:"embedded"`

	ProviderError string            `gorm:"size:1024" json:"provider_error,omitempty"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate enforces the invariants every persisted ledger row must satisfy.
func (t *Transaction) Validate() error {
	if t.UUID == "" {
		return &ValidationError{Field: "uuid", Reason: "required"}
	}
	if t.Currency == "" {
		return &ValidationError{Field: "currency", Reason: "required"}
	}
	switch t.Kind {
	case KindPurchase, KindCancellation, KindDispute:
	case KindRefund:
		if t.ReferenceID == nil {
			return &ValidationError{Field: "reference_id", Reason: "refund must reference a purchase"}
		}
		if t.Subtotal.IsPositive() {
			return &ValidationError{Field: "subtotal", Reason: "refund amounts are negative"}
		}
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown %q", t.Kind)}
	}
	switch t.State {
	case StatePending, StateComplete, StateFailed:
	default:
		return &ValidationError{Field: "state", Reason: fmt.Sprintf("unknown %q", t.State)}
	}
	if err := t.Amounts.CheckIdentities(); err != nil {
		return &ValidationError{Field: "amounts", Reason: err.Error()}
	}
	return nil
}

func (t *Transaction) BeforeSave(_ *gorm.DB) error {
	return t.Validate()
}

func (t *Transaction) Complete(now time.Time) {
	t.State = StateComplete
	t.CompletedAt = &now
}

func (t *Transaction) Fail(reason string) {
	t.State = StateFailed
	t.ProviderError = reason
}
