package billing

import "context"

// Decision is the outcome of a credit check.
type Decision int

const (
	Granted Decision = iota
	Denied
	CustomerNotFound
)

func (d Decision) String() string {
	switch d {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	case CustomerNotFound:
		return "customer_not_found"
	default:
		return "unknown"
	}
}

// Deducter performs the atomic check-and-deduct.
type Deducter interface {
	CheckAndDeductCredits(ctx context.Context, customerID string, amount int64, description string) (Decision, error)
}

const chatTurnDescription = "Chat turn"

// Gate charges a chat turn before any work is done for it.
type Gate struct {
	store    Deducter
	required int64
}

// NewGate charges required credits per turn; values below one become one.
func NewGate(store Deducter, required int64) *Gate {
	if required < 1 {
		required = 1
	}
	return &Gate{store: store, required: required}
}

// Authorize deducts the per-turn cost from the customer.
func (g *Gate) Authorize(ctx context.Context, customerID string) (Decision, error) {
	if customerID == "" {
		return CustomerNotFound, nil
	}
	return g.store.CheckAndDeductCredits(ctx, customerID, g.required, chatTurnDescription)
}
