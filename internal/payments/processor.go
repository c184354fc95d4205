package payments

import (
	"context"
	"fmt"
	"log"
	"time"

	"coachchat/internal/billing"
	"coachchat/internal/models"
	"coachchat/internal/redis"

	"github.com/pkg/errors"
)

const (
	dedupTTL = 72 * time.Hour

	claimPending = "pending"
	claimDone    = "done"
)

// claimStore is the part of the redis client the dedup fast path uses.
type claimStore interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

// Processor applies verified webhook events to the billing store.
type Processor struct {
	store  *billing.Store
	claims claimStore
}

// NewProcessor builds a processor. cache may be nil; the database alone
// guarantees exactly-once crediting and the cache only answers redeliveries
// of events that already completed.
func NewProcessor(store *billing.Store, cache *redis.Client) *Processor {
	p := &Processor{store: store}
	if cache != nil {
		p.claims = cache
	}
	return p
}

// Apply performs the side effects of ev. A redelivered event returns
// ErrAlreadyProcessed and changes nothing.
func (p *Processor) Apply(ctx context.Context, ev Event) error {
	if ig, ok := ev.(Ignored); ok {
		log.Printf("%s webhook %s ignored: %s", ev.Provider(), ev.Name(), ig.Reason)
		return nil
	}

	key := ""
	if id := ev.EventID(); id != "" {
		key = fmt.Sprintf("webhook:%s:%s", ev.Provider(), id)
	}
	claimed := p.claim(ctx, key)
	if !claimed && p.completed(ctx, key) {
		return ErrAlreadyProcessed
	}
	// an unclaimed event that is not known to be done may still be in flight
	// elsewhere; ApplyOnce settles which delivery wins

	err := p.apply(ctx, ev)
	switch {
	case err == nil, errors.Is(err, ErrAlreadyProcessed):
		p.markDone(ctx, key)
	case claimed:
		p.release(ctx, key)
	}
	return err
}

func (p *Processor) apply(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case HitPayPayment:
		return p.store.ApplyOnce(ctx, ProviderHitPay, e.PaymentID, func(ctx context.Context, tx *billing.Tx) error {
			customerID, err := tx.EnsureCustomerByEmail(ctx, e.Email)
			if err != nil {
				return err
			}
			credits, description := HitPayGrant(e)
			if credits <= 0 {
				log.Printf("hitpay payment %s of %s %s grants no credits", e.PaymentID, e.Amount, e.Currency)
				return nil
			}
			if err := tx.AddCredits(ctx, customerID, credits, description); err != nil {
				return err
			}
			log.Printf("hitpay payment %s: %d credits added to %s", e.PaymentID, credits, customerID)
			return nil
		})

	case PaddleTransactionPaid:
		return p.store.ApplyOnce(ctx, ProviderPaddle, e.EventID(), func(ctx context.Context, tx *billing.Tx) error {
			if err := tx.UpsertCustomer(ctx, e.CustomerID, nil); err != nil {
				return err
			}
			description := fmt.Sprintf("Paddle purchase: %d credits", PaddleTransactionCredits)
			if err := tx.AddCredits(ctx, e.CustomerID, PaddleTransactionCredits, description); err != nil {
				return err
			}
			log.Printf("paddle transaction %s: %d credits added to %s", e.TransactionID, PaddleTransactionCredits, e.CustomerID)
			return nil
		})

	case PaddleSubscriptionChanged:
		return p.applyMaybeOnce(ctx, ev, func(ctx context.Context, tx *billing.Tx) error {
			return tx.UpsertSubscription(ctx, models.Subscription{
				SubscriptionID:  e.SubscriptionID,
				CustomerID:      e.CustomerID,
				Status:          e.Status,
				PriceID:         e.PriceID,
				ProductID:       e.ProductID,
				ScheduledChange: e.ScheduledChange,
			})
		})

	case PaddleCustomerChanged:
		return p.applyMaybeOnce(ctx, ev, func(ctx context.Context, tx *billing.Tx) error {
			return tx.UpsertCustomer(ctx, e.CustomerID, e.Email)
		})

	default:
		return nil
	}
}

func (p *Processor) applyMaybeOnce(ctx context.Context, ev Event, fn func(ctx context.Context, tx *billing.Tx) error) error {
	if ev.EventID() == "" {
		return p.store.Apply(ctx, fn)
	}
	return p.store.ApplyOnce(ctx, ev.Provider(), ev.EventID(), fn)
}

// claim marks key as in flight and reports whether this call set it. Without
// a cache or key every delivery counts as the claimant.
func (p *Processor) claim(ctx context.Context, key string) bool {
	if p.claims == nil || key == "" {
		return true
	}
	ok, err := p.claims.SetNX(ctx, key, claimPending, dedupTTL)
	if err != nil {
		log.Printf("webhook dedup cache unavailable: %v", err)
		return true
	}
	return ok
}

func (p *Processor) completed(ctx context.Context, key string) bool {
	state, err := p.claims.Get(ctx, key)
	if err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		log.Printf("read webhook claim %s: %v", key, err)
	}
	return err == nil && state == claimDone
}

func (p *Processor) markDone(ctx context.Context, key string) {
	if p.claims == nil || key == "" {
		return
	}
	if err := p.claims.Set(ctx, key, claimDone, dedupTTL); err != nil {
		log.Printf("mark webhook %s done: %v", key, err)
	}
}

func (p *Processor) release(ctx context.Context, key string) {
	if p.claims == nil || key == "" {
		return
	}
	if err := p.claims.Del(ctx, key); err != nil {
		log.Printf("release webhook claim %s: %v", key, err)
	}
}
