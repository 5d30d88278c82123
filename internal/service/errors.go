package service

import (
	"errors"
	"fmt"

	"purchase-processor/internal/fx"
	"purchase-processor/internal/money"
	"purchase-processor/internal/provider"
	"purchase-processor/internal/repository"
)

type ErrorKind string

const (
	MissingParameter        ErrorKind = "missing_parameter"
	MalformedParameter      ErrorKind = "malformed_parameter"
	NotFound                ErrorKind = "not_found"
	BadRequest              ErrorKind = "bad_request"
	PaymentError            ErrorKind = "payment_error"
	AccountingInconsistency ErrorKind = "accounting_inconsistency"
	ExchangeUnavailable     ErrorKind = "exchange_unavailable"
	RateUnavailable         ErrorKind = "rate_unavailable"
	// Internal covers storage failures before any money moved.
	Internal ErrorKind = "internal"
)

type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// classify turns a collaborator error into a result error. Decline messages
// are passed through as the provider wrote them.
func classify(err error, what string) *Error {
	var svcErr *Error
	var decline *provider.DeclineError
	switch {
	case errors.As(err, &svcErr):
		return svcErr
	case errors.Is(err, repository.ErrNotFound):
		return &Error{Kind: NotFound, Message: what + " not found", Err: err}
	case errors.Is(err, fx.ErrRateUnavailable):
		return &Error{Kind: RateUnavailable, Message: "exchange rate unavailable", Err: err}
	case errors.Is(err, money.ErrExchangeUnavailable):
		return &Error{Kind: ExchangeUnavailable, Message: "currency exchange unavailable", Err: err}
	case errors.As(err, &decline):
		return &Error{Kind: PaymentError, Message: decline.Message, Err: err}
	case errors.Is(err, provider.ErrOutcomeUnknown):
		return &Error{Kind: PaymentError, Message: "The payment provider did not answer; the payment will be reconciled.", Err: err}
	}
	return &Error{Kind: Internal, Message: what + " failed", Err: err}
}

type Status string

const (
	StatusSuccess  Status = "success"
	StatusRedirect Status = "redirect"
	StatusFailure  Status = "failure"
)

// Result is what every orchestrated operation returns. Record is the
// transaction or subscription the operation produced, when there is one.
type Result struct {
	Status      Status
	Record      interface{}
	RedirectURL string
	Err         *Error
}

func Success(record interface{}) Result {
	return Result{Status: StatusSuccess, Record: record}
}

func Redirect(url string, record interface{}) Result {
	return Result{Status: StatusRedirect, Record: record, RedirectURL: url}
}

func Failure(err *Error) Result {
	return Result{Status: StatusFailure, Err: err}
}

func fail(kind ErrorKind, format string, args ...interface{}) Result {
	return Failure(newError(kind, format, args...))
}

// Envelope is the wire form of a Result.
type Envelope struct {
	Success     bool        `json:"success"`
	Record      interface{} `json:"record,omitempty"`
	RedirectURL string      `json:"redirect_url,omitempty"`
	ErrorKind   ErrorKind   `json:"error_kind,omitempty"`
	Message     string      `json:"message,omitempty"`
}

func (r Result) Envelope() Envelope {
	env := Envelope{
		Success:     r.Status != StatusFailure,
		Record:      r.Record,
		RedirectURL: r.RedirectURL,
	}
	if r.Err != nil {
		env.ErrorKind = r.Err.Kind
		env.Message = r.Err.Message
	}
	return env
}
