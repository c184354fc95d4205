package billing

import "github.com/shopspring/decimal"

// Tier is a one-off credit pack sold through HitPay. Amount is in cents.
type Tier struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Amount   int64  `json:"amount"`
	Credits  int64  `json:"credits"`
	Currency string `json:"currency"`
	Savings  string `json:"savings,omitempty"`
}

// Dollars renders the tier price as a two-decimal amount.
func (t Tier) Dollars() string {
	return decimal.New(t.Amount, -2).StringFixed(2)
}

var tiers = []Tier{
	{ID: "starter", Name: "Starter", Amount: 2000, Credits: 2000, Currency: "USD"},
	{ID: "transformation", Name: "Transformation", Amount: 20000, Credits: 22500, Currency: "USD", Savings: "Save 10%"},
	{ID: "professional", Name: "Professional", Amount: 50000, Credits: 62500, Currency: "USD", Savings: "Save 20%"},
}

// Tiers returns a copy of the price list.
func Tiers() []Tier {
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	return out
}

// TierByID looks up a tier by its id.
func TierByID(id string) (Tier, bool) {
	for _, t := range tiers {
		if t.ID == id {
			return t, true
		}
	}
	return Tier{}, false
}

// TierByAmount looks up a tier by its price in cents.
func TierByAmount(cents int64) (Tier, bool) {
	for _, t := range tiers {
		if t.Amount == cents {
			return t, true
		}
	}
	return Tier{}, false
}

// ToCents rounds a decimal currency amount to whole cents.
func ToCents(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// FallbackCredits is the credit grant for amounts that match no tier:
// ten credits per currency unit, rounded down.
func FallbackCredits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(10)).Floor().IntPart()
}
