package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// PaddleTransactionCredits is granted for every paid Paddle transaction.
const PaddleTransactionCredits = 100

// PaddleSignatureTolerance bounds how far the signed ts may be from now.
// Older signatures are treated as replays.
const PaddleSignatureTolerance = 5 * time.Minute

// SignPaddle computes the h1 value of a paddle-signature header.
func SignPaddle(ts string, body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(ts + ":"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPaddle checks a "ts=...;h1=..." header against the raw body and the
// current time.
func VerifyPaddle(header string, body []byte, secret string) error {
	return VerifyPaddleAt(header, body, secret, time.Now())
}

// VerifyPaddleAt is VerifyPaddle with an explicit clock.
func VerifyPaddleAt(header string, body []byte, secret string, now time.Time) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}
	if secret == "" {
		return ErrInvalidSignature
	}
	var ts string
	var candidates []string
	for _, part := range strings.Split(header, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "ts":
			ts = v
		case "h1":
			candidates = append(candidates, v)
		}
	}
	if ts == "" || len(candidates) == 0 {
		return ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if skew := now.Sub(time.Unix(unix, 0)); skew > PaddleSignatureTolerance || skew < -PaddleSignatureTolerance {
		return errors.Wrap(ErrInvalidSignature, "signature timestamp outside tolerance")
	}
	want := []byte(SignPaddle(ts, body, secret))
	for _, h1 := range candidates {
		if hmac.Equal([]byte(h1), want) {
			return nil
		}
	}
	return ErrInvalidSignature
}

type paddleEnvelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

type paddleTransaction struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
}

type paddleSubscription struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	CustomerID string `json:"customer_id"`
	Items      []struct {
		Price *struct {
			ID        string `json:"id"`
			ProductID string `json:"product_id"`
		} `json:"price"`
	} `json:"items"`
	ScheduledChange *struct {
		EffectiveAt string `json:"effective_at"`
	} `json:"scheduled_change"`
}

type paddleCustomer struct {
	ID    string  `json:"id"`
	Email *string `json:"email"`
}

// ParsePaddleWebhook verifies the signature header and decodes the event.
func ParsePaddleWebhook(rawBody []byte, signature, secret string) (Event, error) {
	if err := VerifyPaddle(signature, rawBody, secret); err != nil {
		return nil, err
	}
	var env paddleEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, errors.Wrap(ErrMalformedPayload, err.Error())
	}

	switch env.EventType {
	case "transaction.paid":
		var tr paddleTransaction
		if err := json.Unmarshal(env.Data, &tr); err != nil {
			return nil, errors.Wrap(ErrMalformedPayload, err.Error())
		}
		if tr.CustomerID == "" {
			return Ignored{From: ProviderPaddle, Type: env.EventType, Reason: "customer id missing"}, nil
		}
		txID := tr.ID
		if txID == "" {
			txID = env.EventID
		}
		return PaddleTransactionPaid{ID: env.EventID, TransactionID: txID, CustomerID: tr.CustomerID}, nil

	case "subscription.created", "subscription.updated":
		var sub paddleSubscription
		if err := json.Unmarshal(env.Data, &sub); err != nil {
			return nil, errors.Wrap(ErrMalformedPayload, err.Error())
		}
		ev := PaddleSubscriptionChanged{
			ID:             env.EventID,
			Type:           env.EventType,
			SubscriptionID: sub.ID,
			CustomerID:     sub.CustomerID,
			Status:         sub.Status,
		}
		if len(sub.Items) > 0 && sub.Items[0].Price != nil {
			ev.PriceID = sub.Items[0].Price.ID
			ev.ProductID = sub.Items[0].Price.ProductID
		}
		if sub.ScheduledChange != nil {
			ev.ScheduledChange = sub.ScheduledChange.EffectiveAt
		}
		if ev.SubscriptionID == "" {
			return nil, errors.Wrap(ErrMalformedPayload, "subscription id missing")
		}
		return ev, nil

	case "customer.created", "customer.updated":
		var cu paddleCustomer
		if err := json.Unmarshal(env.Data, &cu); err != nil {
			return nil, errors.Wrap(ErrMalformedPayload, err.Error())
		}
		if cu.ID == "" {
			return nil, errors.Wrap(ErrMalformedPayload, "customer id missing")
		}
		return PaddleCustomerChanged{ID: env.EventID, Type: env.EventType, CustomerID: cu.ID, Email: cu.Email}, nil
	}

	name := env.EventType
	if name == "" {
		name = "Unknown event"
	}
	return Ignored{From: ProviderPaddle, Type: name, Reason: "unhandled event type"}, nil
}
