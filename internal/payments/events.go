package payments

import (
	"coachchat/internal/billing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	ProviderHitPay = "hitpay"
	ProviderPaddle = "paddle"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMissingSignature = errors.New("missing signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")

	ErrAlreadyProcessed = billing.ErrAlreadyProcessed
)

// Event is a verified, decoded webhook notification. The set of
// implementations is closed; Processor.Apply handles each one.
type Event interface {
	Provider() string
	// EventID keys idempotency. Empty for events that need none.
	EventID() string
	Name() string
	isEvent()
}

// HitPayPayment is a HitPay payment notification with status completed.
type HitPayPayment struct {
	PaymentID        string
	PaymentRequestID string
	Email            string
	Amount           decimal.Decimal
	Currency         string
}

// PaddleTransactionPaid grants the fixed Paddle credit pack.
type PaddleTransactionPaid struct {
	ID            string
	TransactionID string
	CustomerID    string
}

// PaddleSubscriptionChanged carries subscription.created and subscription.updated.
type PaddleSubscriptionChanged struct {
	ID              string
	Type            string
	SubscriptionID  string
	CustomerID      string
	Status          string
	PriceID         string
	ProductID       string
	ScheduledChange string
}

// PaddleCustomerChanged carries customer.created and customer.updated.
type PaddleCustomerChanged struct {
	ID         string
	Type       string
	CustomerID string
	Email      *string
}

// Ignored is a verified notification with nothing to apply.
type Ignored struct {
	From   string
	Type   string
	Reason string
}

func (HitPayPayment) Provider() string { return ProviderHitPay }
func (e HitPayPayment) EventID() string { return e.PaymentID }
func (HitPayPayment) Name() string { return "payment.completed" }
func (HitPayPayment) isEvent() {}

func (PaddleTransactionPaid) Provider() string { return ProviderPaddle }
func (e PaddleTransactionPaid) EventID() string { return "transaction:" + e.TransactionID }
func (PaddleTransactionPaid) Name() string { return "transaction.paid" }
func (PaddleTransactionPaid) isEvent() {}

func (PaddleSubscriptionChanged) Provider() string { return ProviderPaddle }
func (e PaddleSubscriptionChanged) EventID() string { return e.ID }
func (e PaddleSubscriptionChanged) Name() string { return e.Type }
func (PaddleSubscriptionChanged) isEvent() {}

func (PaddleCustomerChanged) Provider() string { return ProviderPaddle }
func (e PaddleCustomerChanged) EventID() string { return e.ID }
func (e PaddleCustomerChanged) Name() string { return e.Type }
func (PaddleCustomerChanged) isEvent() {}

func (e Ignored) Provider() string { return e.From }
func (Ignored) EventID() string { return "" }
func (e Ignored) Name() string { return e.Type }
func (Ignored) isEvent() {}
