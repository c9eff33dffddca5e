package payment

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignatureRoundTrip(t *testing.T) {
	secret := []byte("whsec_test_0123456789")
	body := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)

	sig := Sign(body, secret)
	require.True(t, VerifySignature(body, sig, secret))
	require.False(t, VerifySignature(body, sig, []byte("other-secret")))
	require.False(t, VerifySignature([]byte(`{"id":"evt_2"}`), sig, secret))
	require.False(t, VerifySignature(body, "", secret))
	require.False(t, VerifySignature(body, "zz-not-hex", secret))
}

func TestParseEvent(t *testing.T) {
	secret := []byte("whsec_test_0123456789")
	payload := map[string]any{
		"id":   "evt_42",
		"type": EventCheckoutCompleted,
		"data": map[string]any{
			"object": map[string]any{
				"id":             "cs_123",
				"status":         "complete",
				"payment_intent": "pi_456",
				"metadata":       map[string]string{"orderId": "o-1"},
			},
		},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	evt, err := ParseEvent(body, Sign(body, secret), secret)
	require.NoError(t, err)
	require.Equal(t, "evt_42", evt.ID)
	require.Equal(t, EventCheckoutCompleted, evt.Type)

	session, err := evt.Session()
	require.NoError(t, err)
	require.Equal(t, "cs_123", session.ID)
	require.Equal(t, "pi_456", session.PaymentIntentID)
	require.Equal(t, "o-1", session.Metadata["orderId"])

	_, err = ParseEvent(body, "deadbeef", secret)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSessionOpen(t *testing.T) {
	open := &Session{Status: "open", ExpiresAt: time.Now().Add(time.Hour).Unix()}
	require.True(t, open.Open())

	expired := &Session{Status: "open", ExpiresAt: time.Now().Add(-time.Minute).Unix()}
	require.False(t, expired.Open())

	complete := &Session{Status: "complete"}
	require.False(t, complete.Open())
}
