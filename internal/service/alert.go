package service

import (
	"fmt"

	"purchase-processor/internal/metrics"
	"purchase-processor/internal/model"
	"purchase-processor/internal/notify"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Alerter escalates money that moved at a provider without a matching local
// record. It never retries anything; reconciliation against the provider
// comes first.
type Alerter struct {
	dispatcher *notify.Dispatcher
}

func NewAlerter(dispatcher *notify.Dispatcher) *Alerter {
	return &Alerter{dispatcher: dispatcher}
}

type inconsistency struct {
	Operation        string
	Provider         model.Provider
	ProviderID       string
	TransactionUUID  string
	SubscriptionUUID string
	CustomerID       uint
	Amount           string
	Currency         string
}

func (a *Alerter) Raise(in inconsistency, cause error) *Error {
	err := errors.WithStack(cause)
	log.Error().Stack().Err(err).
		Str("operation", in.Operation).
		Str("provider", string(in.Provider)).
		Str("provider_id", in.ProviderID).
		Str("transaction_uuid", in.TransactionUUID).
		Str("subscription_uuid", in.SubscriptionUUID).
		Uint("customer_id", in.CustomerID).
		Msg("accounting inconsistency: provider confirmed money movement that was not recorded")

	metrics.AccountingInconsistencies.WithLabelValues(string(in.Provider), in.Operation).Inc()

	if a.dispatcher != nil {
		a.dispatcher.Send(notify.Message{
			Kind:             notify.AccountingInconsistency,
			Subject:          fmt.Sprintf("Unrecorded %s at %s (%s)", in.Operation, in.Provider, in.ProviderID),
			Provider:         string(in.Provider),
			CustomerID:       in.CustomerID,
			TransactionUUID:  in.TransactionUUID,
			SubscriptionUUID: in.SubscriptionUUID,
			Amount:           in.Amount,
			Currency:         in.Currency,
			Detail:           cause.Error(),
		})
	}

	return &Error{
		Kind:    AccountingInconsistency,
		Message: fmt.Sprintf("The %s was confirmed by %s but could not be recorded. Support has been notified.", in.Operation, in.Provider),
		Err:     err,
	}
}
