package model

import "time"

type SubscriptionState string

const (
	SubscriptionPending   SubscriptionState = "pending"
	SubscriptionActive    SubscriptionState = "active"
	SubscriptionInactive  SubscriptionState = "inactive"
	SubscriptionCancelled SubscriptionState = "cancelled"
)

var subscriptionTransitions = map[SubscriptionState][]SubscriptionState{
	SubscriptionPending:  {SubscriptionActive, SubscriptionInactive, SubscriptionCancelled},
	SubscriptionActive:   {SubscriptionActive, SubscriptionInactive, SubscriptionCancelled},
	SubscriptionInactive: {SubscriptionActive, SubscriptionInactive, SubscriptionCancelled},
}

// CanTransition reports whether the state machine allows moving to next.
// Cancelled is terminal.
func (s SubscriptionState) CanTransition(next SubscriptionState) bool {
	for _, allowed := range subscriptionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PaymentsSubscription tracks a remote recurring agreement. It exists locally
// before the provider knows about it, so ProviderID may be empty while pending.
type PaymentsSubscription struct {
	ID             uint              `gorm:"primaryKey" json:"id"`
	UUID           string            `gorm:"size:36;uniqueIndex;not null" json:"uuid"`
	Provider       Provider          `gorm:"size:16;index;not null" json:"provider"`
	ProviderID     string            `gorm:"size:128;index" json:"provider_id,omitempty"`
	DevicePlatform string            `gorm:"size:32" json:"device_platform,omitempty"`
	State          SubscriptionState `gorm:"size:16;index;not null" json:"state"`
	RealmID        uint              `gorm:"index" json:"realm_id"`
	CustomerID     uint              `gorm:"index" json:"customer_id"`
	OfferID        uint              `json:"offer_id"`
	ProductID      uint              `json:"product_id"`
	CouponID       *uint             `json:"coupon_id,omitempty"`
	EntitlementID  *uint             `gorm:"index" json:"entitlement_id,omitempty"`
	CancelledAt    *time.Time        `json:"cancelled_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}
