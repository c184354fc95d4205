package billing

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"coachchat/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrAlreadyProcessed is returned by ApplyOnce when the event was applied before.
var ErrAlreadyProcessed = errors.New("webhook event already processed")

// Store owns customers, credit balances, the credit ledger and subscriptions.
// Balances only change through CheckAndDeductCredits and Tx.AddCredits.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ResolveCustomerID maps a user email to its billing customer id. Customers
// created by HitPay use the email itself as id; "" means no email.
func (s *Store) ResolveCustomerID(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", nil
	}
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT customer_id FROM customers WHERE email = ?`, email).Scan(&id)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, sql.ErrNoRows):
		return email, nil
	default:
		return "", errors.Wrap(err, "resolve customer")
	}
}

// Balance returns the customer's credits; a missing row reads as zero.
func (s *Store) Balance(ctx context.Context, customerID string) (int64, error) {
	var credits int64
	err := s.db.QueryRowContext(ctx, `SELECT credits FROM credits WHERE customer_id = ?`, customerID).Scan(&credits)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "read balance")
	}
	return credits, nil
}

// Transactions lists the customer's ledger, newest first.
func (s *Store) Transactions(ctx context.Context, customerID string) ([]models.CreditTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, customer_id, amount, description, created_at FROM credit_transactions WHERE customer_id = ? ORDER BY created_at DESC`,
		customerID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list credit transactions")
	}
	defer rows.Close()

	out := make([]models.CreditTransaction, 0)
	for rows.Next() {
		var (
			t    models.CreditTransaction
			desc sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.CustomerID, &t.Amount, &desc, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan credit transaction")
		}
		t.Description = desc.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// CheckAndDeductCredits atomically removes amount credits when the balance
// covers it and records a negative ledger row. It never retries.
func (s *Store) CheckAndDeductCredits(ctx context.Context, customerID string, amount int64, description string) (Decision, error) {
	if amount <= 0 {
		return Granted, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Denied, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE credits SET credits = credits - ?, updated_at = ? WHERE customer_id = ? AND credits >= ?`,
		amount, now, customerID, amount,
	)
	if err != nil {
		return Denied, errors.Wrap(err, "deduct credits")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Denied, errors.Wrap(err, "deduct rows affected")
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM credits WHERE customer_id = ?)`, customerID).Scan(&exists); err != nil {
			return Denied, errors.Wrap(err, "look up credits")
		}
		if !exists {
			return CustomerNotFound, nil
		}
		return Denied, nil
	}
	if err := insertLedger(ctx, tx, customerID, -amount, description, now); err != nil {
		return Denied, err
	}
	if err := tx.Commit(); err != nil {
		return Denied, errors.Wrap(err, "commit deduct")
	}
	return Granted, nil
}

// AddCredits credits a customer outside any webhook, creating the customer
// row when needed. Used by admin tooling and tests.
func (s *Store) AddCredits(ctx context.Context, customerID string, email *string, amount int64, description string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	btx := &Tx{tx: tx, now: time.Now().UTC()}
	if err := btx.UpsertCustomer(ctx, customerID, email); err != nil {
		return err
	}
	if err := btx.AddCredits(ctx, customerID, amount, description); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit add credits")
}

// ApplyOnce runs fn in a transaction that also records (provider, eventID).
// A second call for the same pair returns ErrAlreadyProcessed and fn is not
// committed again.
func (s *Store) ApplyOnce(ctx context.Context, provider, eventID string, fn func(ctx context.Context, tx *Tx) error) error {
	if provider == "" || eventID == "" {
		return errors.New("provider and event id are required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO processed_webhooks (provider, event_id, created_at) VALUES (?, ?, ?)`,
		provider, eventID, now,
	); err != nil {
		tx.Rollback()
		if done, lookupErr := s.Processed(ctx, provider, eventID); lookupErr == nil && done {
			return ErrAlreadyProcessed
		}
		return errors.Wrap(err, "record webhook")
	}
	if err := fn(ctx, &Tx{tx: tx, now: now}); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit webhook")
}

// Apply runs fn in a transaction without recording an event id. Only for
// mutations that are idempotent on their own, such as upserts.
func (s *Store) Apply(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(ctx, &Tx{tx: tx, now: time.Now().UTC()}); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// Processed reports whether the event was recorded.
func (s *Store) Processed(ctx context.Context, provider, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_webhooks WHERE provider = ? AND event_id = ?)`,
		provider, eventID,
	).Scan(&exists)
	return exists, errors.Wrap(err, "check processed webhook")
}

// Tx exposes the billing mutations available inside ApplyOnce.
type Tx struct {
	tx  *sql.Tx
	now time.Time
}

// EnsureCustomerByEmail finds the customer owning email or creates one whose
// id is the email.
func (t *Tx) EnsureCustomerByEmail(ctx context.Context, email string) (string, error) {
	var id string
	err := t.tx.QueryRowContext(ctx, `SELECT customer_id FROM customers WHERE email = ?`, email).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrap(err, "lookup customer by email")
	}
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO customers (customer_id, email, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		email, email, t.now, t.now,
	); err != nil {
		return "", errors.Wrap(err, "create customer")
	}
	return email, nil
}

// UpsertCustomer creates the customer or refreshes it. A nil email keeps the
// stored one.
func (t *Tx) UpsertCustomer(ctx context.Context, customerID string, email *string) error {
	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM customers WHERE customer_id = ?)`, customerID).Scan(&exists); err != nil {
		return errors.Wrap(err, "look up customer")
	}
	var err error
	switch {
	case !exists:
		_, err = t.tx.ExecContext(ctx,
			`INSERT INTO customers (customer_id, email, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			customerID, email, t.now, t.now,
		)
	case email != nil:
		_, err = t.tx.ExecContext(ctx,
			`UPDATE customers SET email = ?, updated_at = ? WHERE customer_id = ?`, *email, t.now, customerID,
		)
	default:
		_, err = t.tx.ExecContext(ctx, `UPDATE customers SET updated_at = ? WHERE customer_id = ?`, t.now, customerID)
	}
	return errors.Wrap(err, "upsert customer")
}

// AddCredits increments the balance and records a ledger row.
func (t *Tx) AddCredits(ctx context.Context, customerID string, amount int64, description string) error {
	if amount <= 0 {
		return errors.Errorf("credit amount must be positive, got %d", amount)
	}
	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM credits WHERE customer_id = ?)`, customerID).Scan(&exists); err != nil {
		return errors.Wrap(err, "look up credits")
	}
	var err error
	if exists {
		_, err = t.tx.ExecContext(ctx,
			`UPDATE credits SET credits = credits + ?, updated_at = ? WHERE customer_id = ?`, amount, t.now, customerID,
		)
	} else {
		_, err = t.tx.ExecContext(ctx,
			`INSERT INTO credits (customer_id, credits, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			customerID, amount, t.now, t.now,
		)
	}
	if err != nil {
		return errors.Wrap(err, "add credits")
	}
	return insertLedger(ctx, t.tx, customerID, amount, description, t.now)
}

// UpsertSubscription stores the latest state of a subscription.
func (t *Tx) UpsertSubscription(ctx context.Context, sub models.Subscription) error {
	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM subscriptions WHERE subscription_id = ?)`, sub.SubscriptionID).Scan(&exists); err != nil {
		return errors.Wrap(err, "look up subscription")
	}
	var err error
	if exists {
		_, err = t.tx.ExecContext(ctx,
			`UPDATE subscriptions SET customer_id = ?, status = ?, price_id = ?, product_id = ?, scheduled_change = ?, updated_at = ? WHERE subscription_id = ?`,
			sub.CustomerID, sub.Status, sub.PriceID, sub.ProductID, sub.ScheduledChange, t.now, sub.SubscriptionID,
		)
	} else {
		_, err = t.tx.ExecContext(ctx,
			`INSERT INTO subscriptions (subscription_id, customer_id, status, price_id, product_id, scheduled_change, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sub.SubscriptionID, sub.CustomerID, sub.Status, sub.PriceID, sub.ProductID, sub.ScheduledChange, t.now, t.now,
		)
	}
	return errors.Wrap(err, "upsert subscription")
}

func insertLedger(ctx context.Context, tx *sql.Tx, customerID string, amount int64, description string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, customer_id, amount, description, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), customerID, amount, description, now,
	)
	return errors.Wrap(err, "record credit transaction")
}
