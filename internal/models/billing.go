package models

import "time"

type Customer struct {
	CustomerID string    `json:"customer_id"`
	Email      *string   `json:"email"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type CreditTransaction struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customer_id"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type Subscription struct {
	SubscriptionID  string    `json:"subscription_id"`
	CustomerID      string    `json:"customer_id"`
	Status          string    `json:"status"`
	PriceID         string    `json:"price_id"`
	ProductID       string    `json:"product_id"`
	ScheduledChange string    `json:"scheduled_change"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
