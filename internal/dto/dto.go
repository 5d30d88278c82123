package dto

import "github.com/shopspring/decimal"

type PurchaseRequest struct {
	Provider       string `json:"provider"`
	RealmID        uint   `json:"realm_id"`
	OfferID        uint   `json:"offer_id"`
	ProductID      uint   `json:"product_id"`
	CouponCode     string `json:"coupon_code"`
	PaymentNonce   string `json:"payment_nonce"`
	DevicePlatform string `json:"device_platform"`
	ReturnURL      string `json:"return_url"`
	CancelURL      string `json:"cancel_url"`
}

type SubscriptionRequest struct {
	PurchaseRequest
	AllowRepeat bool `json:"allow_repeat"`
}

// CancelRequest leaves AtPeriodEnd nil when the caller did not send it.
type CancelRequest struct {
	RealmID       uint  `json:"realm_id"`
	EntitlementID uint  `json:"entitlement_id"`
	AtPeriodEnd   *bool `json:"at_period_end"`
}

type RefundRequest struct {
	Provider      string           `json:"provider"`
	TransactionID uint             `json:"transaction_id"`
	Subtotal      *decimal.Decimal `json:"subtotal"`
	RevokeAccess  bool             `json:"revoke_access"`
}

type WebhookResponse struct {
	Outcome string `json:"outcome"`
}
