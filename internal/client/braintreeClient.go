package client

import (
	"context"
	"fmt"
	"time"

	"purchase-processor/internal/config"

	"github.com/braintree-go/braintree-go"
	"github.com/shopspring/decimal"
)

// --- INTERFACE ---

type BraintreeClient interface {
	// VaultPaymentMethod takes a frontend nonce and creates a customer, returning a permanent payment token
	VaultPaymentMethod(ctx context.Context, nonce, firstName, lastName, email string) (string, error)

	// ChargeOneTime charges a vaulted payment token and submits it for settlement
	ChargeOneTime(ctx context.Context, paymentToken string, amount decimal.Decimal, orderID string) (*BraintreeTransaction, error)

	FindTransaction(ctx context.Context, transactionID string) (*BraintreeTransaction, error)

	// Refund refunds part or all of a settled sale
	Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (*BraintreeTransaction, error)

	// CreateSubscription attaches a vaulted payment token to a billing plan
	CreateSubscription(ctx context.Context, paymentToken string, planID string) (*BraintreeSubscription, error)

	FindSubscription(ctx context.Context, subscriptionID string) (*BraintreeSubscription, error)

	// CancelSubscription cancels an active subscription
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// BraintreeDeclineError is returned when the gateway answered but refused the
// transaction.
type BraintreeDeclineError struct {
	Status  string
	Message string
}

func (e *BraintreeDeclineError) Error() string {
	return fmt.Sprintf("transaction %s: %s", e.Status, e.Message)
}

type BraintreeTransaction struct {
	ID     string
	Status string
	Amount decimal.Decimal
}

type BraintreeSubscription struct {
	ID              string
	Status          string
	Balance         decimal.Decimal
	NextBillingDate *time.Time
}

// --- IMPLEMENTATION ---

type braintreeClientImpl struct {
	gateway *braintree.Braintree
}

// NewBraintreeClient initializes the Braintree SDK gateway
func NewBraintreeClient(cfg *config.Braintree) BraintreeClient {
	env := braintree.Sandbox
	if cfg.Environment == "production" {
		env = braintree.Production
	}

	gateway := braintree.New(
		env,
		cfg.MerchantID,
		cfg.PublicKey,
		cfg.PrivateKey,
	)

	return &braintreeClientImpl{
		gateway: gateway,
	}
}

// --- METHODS ---

func (c *braintreeClientImpl) VaultPaymentMethod(ctx context.Context, nonce, firstName, lastName, email string) (string, error) {
	req := &braintree.CustomerRequest{
		PaymentMethodNonce: nonce,
		FirstName:          firstName,
		LastName:           lastName,
		Email:              email,
	}

	customer, err := c.gateway.Customer().Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to vault payment method: %w", err)
	}

	if customer.DefaultPaymentMethod() == nil {
		return "", fmt.Errorf("no default payment method returned from vault")
	}

	return customer.DefaultPaymentMethod().GetToken(), nil
}

func (c *braintreeClientImpl) ChargeOneTime(ctx context.Context, paymentToken string, amount decimal.Decimal, orderID string) (*BraintreeTransaction, error) {
	req := &braintree.TransactionRequest{
		Type:               "sale",
		Amount:             toBraintreeDecimal(amount),
		PaymentMethodToken: paymentToken,
		OrderId:            orderID,
		Options: &braintree.TransactionOptions{
			SubmitForSettlement: true, // Captures the funds immediately
		},
	}

	tx, err := c.gateway.Transaction().Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("transaction creation failed: %w", err)
	}

	return checkTransaction(tx)
}

func (c *braintreeClientImpl) FindTransaction(ctx context.Context, transactionID string) (*BraintreeTransaction, error) {
	tx, err := c.gateway.Transaction().Find(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("find transaction %s: %w", transactionID, err)
	}
	return wrapTransaction(tx), nil
}

func (c *braintreeClientImpl) Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (*BraintreeTransaction, error) {
	tx, err := c.gateway.Transaction().Refund(ctx, transactionID, toBraintreeDecimal(amount))
	if err != nil {
		return nil, fmt.Errorf("refund transaction %s: %w", transactionID, err)
	}
	return checkTransaction(tx)
}

func (c *braintreeClientImpl) CreateSubscription(ctx context.Context, paymentToken string, planID string) (*BraintreeSubscription, error) {
	req := &braintree.SubscriptionRequest{
		PaymentMethodToken: paymentToken,
		PlanId:             planID,
	}

	sub, err := c.gateway.Subscription().Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	return wrapSubscription(sub), nil
}

func (c *braintreeClientImpl) FindSubscription(ctx context.Context, subscriptionID string) (*BraintreeSubscription, error) {
	sub, err := c.gateway.Subscription().Find(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("find subscription %s: %w", subscriptionID, err)
	}
	return wrapSubscription(sub), nil
}

func (c *braintreeClientImpl) CancelSubscription(ctx context.Context, subscriptionID string) error {
	_, err := c.gateway.Subscription().Cancel(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}
	return nil
}

// Braintree expects NewDecimal(unscaled, scale): "50.00" -> NewDecimal(5000, 2)
func toBraintreeDecimal(amount decimal.Decimal) *braintree.Decimal {
	cents := amount.Round(2).Shift(2).IntPart()
	return braintree.NewDecimal(cents, 2)
}

func fromBraintreeDecimal(d *braintree.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(d.String())
	if err != nil {
		return decimal.Zero
	}
	return v
}

func checkTransaction(tx *braintree.Transaction) (*BraintreeTransaction, error) {
	switch tx.Status {
	case braintree.TransactionStatusProcessorDeclined,
		braintree.TransactionStatusGatewayRejected,
		braintree.TransactionStatusFailed:
		return nil, &BraintreeDeclineError{Status: string(tx.Status), Message: tx.ProcessorResponseText}
	}
	return wrapTransaction(tx), nil
}

func wrapTransaction(tx *braintree.Transaction) *BraintreeTransaction {
	return &BraintreeTransaction{
		ID:     tx.Id,
		Status: string(tx.Status),
		Amount: fromBraintreeDecimal(tx.Amount),
	}
}

func wrapSubscription(sub *braintree.Subscription) *BraintreeSubscription {
	out := &BraintreeSubscription{
		ID:      sub.Id,
		Status:  string(sub.Status),
		Balance: fromBraintreeDecimal(sub.Balance),
	}
	if sub.NextBillingDate != "" {
		if t, err := time.Parse("2006-01-02", sub.NextBillingDate); err == nil {
			out.NextBillingDate = &t
		}
	}
	return out
}
