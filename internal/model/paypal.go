package model

import "encoding/json"

type PaypalLink struct {
	Rel    string `json:"rel"`
	Href   string `json:"href"`
	Method string `json:"method,omitempty"`
}

// PaypalMoney is the v2 money object.
type PaypalMoney struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

// PaypalV1Money is the v1 money object still used by sale webhooks.
type PaypalV1Money struct {
	Currency string `json:"currency"`
	Value    string `json:"value"`
}

type PaypalSellerBreakdown struct {
	GrossAmount      PaypalMoney  `json:"gross_amount"`
	PaypalFee        *PaypalMoney `json:"paypal_fee,omitempty"`
	NetAmount        PaypalMoney  `json:"net_amount"`
	ReceivableAmount *PaypalMoney `json:"receivable_amount,omitempty"`
	ExchangeRate     *struct {
		Value string `json:"value"`
	} `json:"exchange_rate,omitempty"`
}

type PaypalCapture struct {
	ID                        string                 `json:"id"`
	Status                    string                 `json:"status"`
	Amount                    PaypalMoney            `json:"amount"`
	CustomID                  string                 `json:"custom_id"`
	SellerReceivableBreakdown *PaypalSellerBreakdown `json:"seller_receivable_breakdown,omitempty"`
}

type PaypalPurchaseUnit struct {
	ReferenceID string      `json:"reference_id"`
	CustomID    string      `json:"custom_id"`
	Amount      PaypalMoney `json:"amount"`
	Payments    struct {
		Captures []PaypalCapture `json:"captures"`
	} `json:"payments"`
}

type PaypalOrder struct {
	ID            string               `json:"id"`
	Status        string               `json:"status"`
	Links         []PaypalLink         `json:"links"`
	PurchaseUnits []PaypalPurchaseUnit `json:"purchase_units"`
}

type PaypalRefund struct {
	ID                     string       `json:"id"`
	Status                 string       `json:"status"`
	Amount                 PaypalMoney  `json:"amount"`
	SellerPayableBreakdown *struct {
		GrossAmount PaypalMoney  `json:"gross_amount"`
		PaypalFee   *PaypalMoney `json:"paypal_fee,omitempty"`
		NetAmount   PaypalMoney  `json:"net_amount"`
	} `json:"seller_payable_breakdown,omitempty"`
}

type PaypalBillingInfo struct {
	OutstandingBalance  PaypalMoney `json:"outstanding_balance"`
	NextBillingTime     string      `json:"next_billing_time"`
	FailedPaymentsCount int         `json:"failed_payments_count"`
	LastPayment         *struct {
		Amount PaypalMoney `json:"amount"`
		Time   string      `json:"time"`
	} `json:"last_payment,omitempty"`
}

type PaypalSubscription struct {
	ID          string             `json:"id"`
	Status      string             `json:"status"`
	PlanID      string             `json:"plan_id"`
	CustomID    string             `json:"custom_id"`
	StatusTime  string             `json:"status_update_time"`
	BillingInfo *PaypalBillingInfo `json:"billing_info,omitempty"`
	Links       []PaypalLink       `json:"links"`
}

// PaypalSale is the resource of PAYMENT.SALE.* events.
type PaypalSale struct {
	ID                 string `json:"id"`
	State              string `json:"state"`
	BillingAgreementID string `json:"billing_agreement_id"`
	Custom             string `json:"custom"`
	Amount             struct {
		Total    string `json:"total"`
		Currency string `json:"currency"`
		Details  struct {
			Subtotal string `json:"subtotal"`
			Tax      string `json:"tax"`
		} `json:"details"`
	} `json:"amount"`
	TransactionFee *PaypalV1Money `json:"transaction_fee,omitempty"`
}

// PaypalDispute is the resource of CUSTOMER.DISPUTE.* events.
type PaypalDispute struct {
	DisputeID            string      `json:"dispute_id"`
	Status               string      `json:"status"`
	Reason               string      `json:"reason"`
	DisputeAmount        PaypalMoney `json:"dispute_amount"`
	DisputedTransactions []struct {
		SellerTransactionID string `json:"seller_transaction_id"`
	} `json:"disputed_transactions"`
}

type PaypalWebhookEvent struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	ResourceType string          `json:"resource_type"`
	CreateTime   string          `json:"create_time"`
	Resource     json.RawMessage `json:"resource"`
}

// BraintreeWebhookEvent is the normalized form of a Braintree notification
// relayed by the edge after signature verification.
type BraintreeWebhookEvent struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Timestamp      string `json:"timestamp"`
	SubscriptionID string `json:"subscription_id"`
	TransactionID  string `json:"transaction_id"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	DisputeID      string `json:"dispute_id"`
}
