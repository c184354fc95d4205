package payments

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPaddleSecret = "pdl_secret"

func paddleHeaderAt(body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "ts=" + ts + ";h1=" + SignPaddle(ts, body, testPaddleSecret)
}

func paddleHeader(body []byte) string {
	return paddleHeaderAt(body, time.Now())
}

func TestVerifyPaddle(t *testing.T) {
	body := []byte(`{"event_id":"evt_1"}`)
	assert.NoError(t, VerifyPaddle(paddleHeader(body), body, testPaddleSecret))
	assert.ErrorIs(t, VerifyPaddle("", body, testPaddleSecret), ErrMissingSignature)
	assert.ErrorIs(t, VerifyPaddle("ts=1;h1=deadbeef", body, testPaddleSecret), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyPaddle("garbage", body, testPaddleSecret), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyPaddle(paddleHeader(body), []byte(`{"event_id":"evt_2"}`), testPaddleSecret), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyPaddle(paddleHeader(body), body, ""), ErrInvalidSignature)
}

func TestVerifyPaddleRejectsStaleTimestamp(t *testing.T) {
	body := []byte(`{"event_id":"evt_1"}`)
	now := time.Unix(1700000000, 0)

	assert.NoError(t, VerifyPaddleAt(paddleHeaderAt(body, now.Add(-4*time.Minute)), body, testPaddleSecret, now))
	assert.ErrorIs(t, VerifyPaddleAt(paddleHeaderAt(body, now.Add(-6*time.Minute)), body, testPaddleSecret, now), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyPaddleAt(paddleHeaderAt(body, now.Add(10*time.Minute)), body, testPaddleSecret, now), ErrInvalidSignature)

	// a signature captured a day ago still carries a valid h1
	assert.ErrorIs(t, VerifyPaddle(paddleHeaderAt(body, time.Now().Add(-24*time.Hour)), body, testPaddleSecret), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyPaddle("ts=soon;h1="+SignPaddle("soon", body, testPaddleSecret), body, testPaddleSecret), ErrInvalidSignature)
}

func TestParsePaddleTransactionPaid(t *testing.T) {
	body := []byte(`{"event_id":"evt_1","event_type":"transaction.paid","data":{"id":"txn_1","customer_id":"ctm_1"}}`)
	ev, err := ParsePaddleWebhook(body, paddleHeader(body), testPaddleSecret)
	require.NoError(t, err)
	paid, ok := ev.(PaddleTransactionPaid)
	require.True(t, ok)
	assert.Equal(t, "ctm_1", paid.CustomerID)
	assert.Equal(t, "transaction:txn_1", paid.EventID())
	assert.Equal(t, "transaction.paid", paid.Name())

	body = []byte(`{"event_id":"evt_2","event_type":"transaction.paid","data":{"id":"txn_2"}}`)
	ev, err = ParsePaddleWebhook(body, paddleHeader(body), testPaddleSecret)
	require.NoError(t, err)
	_, ok = ev.(Ignored)
	assert.True(t, ok)
}

func TestParsePaddleSubscription(t *testing.T) {
	body := []byte(`{"event_id":"evt_3","event_type":"subscription.updated","data":{
		"id":"sub_1","status":"active","customer_id":"ctm_1",
		"items":[{"price":{"id":"pri_1","product_id":"pro_1"}}],
		"scheduled_change":{"effective_at":"2026-01-01T00:00:00Z"}}}`)
	ev, err := ParsePaddleWebhook(body, paddleHeader(body), testPaddleSecret)
	require.NoError(t, err)
	sub, ok := ev.(PaddleSubscriptionChanged)
	require.True(t, ok)
	assert.Equal(t, "sub_1", sub.SubscriptionID)
	assert.Equal(t, "pri_1", sub.PriceID)
	assert.Equal(t, "pro_1", sub.ProductID)
	assert.Equal(t, "2026-01-01T00:00:00Z", sub.ScheduledChange)
	assert.Equal(t, "subscription.updated", sub.Name())
}

func TestParsePaddleCustomerAndUnknown(t *testing.T) {
	body := []byte(`{"event_id":"evt_4","event_type":"customer.created","data":{"id":"ctm_2","email":"x@example.com"}}`)
	ev, err := ParsePaddleWebhook(body, paddleHeader(body), testPaddleSecret)
	require.NoError(t, err)
	cu, ok := ev.(PaddleCustomerChanged)
	require.True(t, ok)
	require.NotNil(t, cu.Email)
	assert.Equal(t, "x@example.com", *cu.Email)

	body = []byte(`{"event_id":"evt_5","event_type":"adjustment.created","data":{}}`)
	ev, err = ParsePaddleWebhook(body, paddleHeader(body), testPaddleSecret)
	require.NoError(t, err)
	assert.Equal(t, "adjustment.created", ev.Name())
	_, ok = ev.(Ignored)
	assert.True(t, ok)

	body = []byte(`not json`)
	_, err = ParsePaddleWebhook(body, paddleHeader(body), testPaddleSecret)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
