package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Kind string

const (
	PurchaseConfirmation     Kind = "purchase_confirmation"
	PaymentReceived          Kind = "payment_received"
	SubscriptionConfirmation Kind = "subscription_confirmation"
	SubscriptionSuspended    Kind = "subscription_suspended"
	SubscriptionCancelled    Kind = "subscription_cancelled"
	RefundProcessed          Kind = "refund_processed"
	AccountingInconsistency  Kind = "accounting_inconsistency"
)

// Message is what downstream mailers and ops tooling receive.
type Message struct {
	Kind             Kind      `json:"kind"`
	Subject          string    `json:"subject"`
	Provider         string    `json:"provider,omitempty"`
	CustomerID       uint      `json:"customer_id,omitempty"`
	RealmID          uint      `json:"realm_id,omitempty"`
	ProductID        uint      `json:"product_id,omitempty"`
	TransactionUUID  string    `json:"transaction_uuid,omitempty"`
	SubscriptionUUID string    `json:"subscription_uuid,omitempty"`
	Amount           string    `json:"amount,omitempty"`
	Currency         string    `json:"currency,omitempty"`
	Detail           string    `json:"detail,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// LogNotifier writes messages to the structured log. Used when no broker is
// configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, msg Message) error {
	log.Info().
		Str("kind", string(msg.Kind)).
		Str("subject", msg.Subject).
		Str("provider", msg.Provider).
		Uint("customer_id", msg.CustomerID).
		Str("transaction_uuid", msg.TransactionUUID).
		Str("subscription_uuid", msg.SubscriptionUUID).
		Msg("notification")
	return nil
}

// Dispatcher delivers messages in the background. Delivery failures are
// logged and never reach the caller.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	wg       sync.WaitGroup
}

func NewDispatcher(notifier Notifier, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{notifier: notifier, timeout: timeout}
}

func (d *Dispatcher) Send(msg Message) {
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = time.Now().UTC()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.notifier.Notify(ctx, msg); err != nil {
			log.Error().Err(err).
				Str("kind", string(msg.Kind)).
				Str("transaction_uuid", msg.TransactionUUID).
				Str("subscription_uuid", msg.SubscriptionUUID).
				Msg("deliver notification")
		}
	}()
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
