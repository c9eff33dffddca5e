// Package payment integrates the hosted-checkout payment processor: session
// and customer management over its HTTP API, and verification of the signed
// webhook events it delivers.
package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SignatureHeader carries the hex HMAC of the raw webhook body.
const SignatureHeader = "Storagehub-Processor-Signature"

// Handled event types. Anything else is logged and ignored.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventCheckoutExpired   = "checkout.session.expired"
	EventIntentCreated     = "payment_intent.created"
	EventIntentSucceeded   = "payment_intent.succeeded"
	EventIntentFailed      = "payment_intent.payment_failed"
)

// Session is a hosted-checkout session as the processor reports it.
type Session struct {
	ID              string            `json:"id"`
	URL             string            `json:"url"`
	Status          string            `json:"status"`
	PaymentIntentID string            `json:"payment_intent"`
	AmountCents     int64             `json:"amount_total"`
	Currency        string            `json:"currency"`
	Metadata        map[string]string `json:"metadata"`
	ExpiresAt       int64             `json:"expires_at"`
}

// Open reports whether the session can still be completed by the buyer.
func (s *Session) Open() bool {
	return strings.EqualFold(s.Status, "open") &&
		(s.ExpiresAt == 0 || time.Now().Unix() < s.ExpiresAt)
}

// SessionRequest describes a session to create.
type SessionRequest struct {
	AmountCents int64             `json:"amount_total"`
	Currency    string            `json:"currency"`
	CustomerID  string            `json:"customer,omitempty"`
	SuccessURL  string            `json:"success_url"`
	CancelURL   string            `json:"cancel_url"`
	ExpiresAt   int64             `json:"expires_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Intent is the payment-intent object carried by intent events.
type Intent struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	LastError string            `json:"last_payment_error"`
	Metadata  map[string]string `json:"metadata"`
}

// Event is the processor's webhook envelope.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Session decodes the event payload as a checkout session.
func (e *Event) Session() (*Session, error) {
	var s Session
	if err := json.Unmarshal(e.Data.Object, &s); err != nil {
		return nil, fmt.Errorf("payment: decode session object: %w", err)
	}
	return &s, nil
}

// Intent decodes the event payload as a payment intent.
func (e *Event) Intent() (*Intent, error) {
	var i Intent
	if err := json.Unmarshal(e.Data.Object, &i); err != nil {
		return nil, fmt.Errorf("payment: decode intent object: %w", err)
	}
	return &i, nil
}

// VerifySignature checks the hex HMAC-SHA256 of body against secret using a
// constant-time comparison.
func VerifySignature(body []byte, signature string, secret []byte) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" || len(secret) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)
	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(decoded, expected)
}

// Sign produces the hex HMAC for a body. Used by tests and the CLI seeder.
func Sign(body []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseEvent verifies the signature and decodes the envelope.
func ParseEvent(body []byte, signature string, secret []byte) (*Event, error) {
	if !VerifySignature(body, signature, secret) {
		return nil, ErrInvalidSignature
	}
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("payment: decode event: %w", err)
	}
	return &evt, nil
}

// ErrInvalidSignature marks a webhook whose signature did not verify.
var ErrInvalidSignature = fmt.Errorf("payment: invalid webhook signature")

// Client is the subset of the processor API the service requires.
type Client interface {
	CreateCustomer(ctx context.Context, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, req *SessionRequest) (*Session, error)
	GetCheckoutSession(ctx context.Context, id string) (*Session, error)
}

// HTTPClient implements Client against the processor's HTTP API.
type HTTPClient struct {
	secretKey string
	baseURL   string
	http      *http.Client
}

// NewHTTPClient constructs a client with bounded call timeouts.
func NewHTTPClient(baseURL, secretKey string) *HTTPClient {
	return &HTTPClient{
		secretKey: secretKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateCustomer registers a processor-side customer record.
func (c *HTTPClient) CreateCustomer(ctx context.Context, email string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	payload := map[string]string{"email": strings.ToLower(strings.TrimSpace(email))}
	if err := c.do(ctx, http.MethodPost, "/v1/customers", payload, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("payment: customer response missing id")
	}
	return out.ID, nil
}

// CreateCheckoutSession opens a hosted-checkout session.
func (c *HTTPClient) CreateCheckoutSession(ctx context.Context, req *SessionRequest) (*Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCheckoutSession re-fetches an existing session.
func (c *HTTPClient) GetCheckoutSession(ctx context.Context, id string) (*Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("payment: client not configured")
	}
	var body *bytes.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("payment: %s %s failed: status=%d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
