// Package checkout implements the purchase entry point: it creates the
// order and payment pair in one store transaction, then opens a hosted
// checkout session with the payment processor.
package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"storagehub/errs"
	"storagehub/models"
	"storagehub/payment"
	"storagehub/store"
)

// SessionTTL bounds how long a hosted-checkout session stays payable.
const SessionTTL = 30 * time.Minute

// Params is the checkout input.
type Params struct {
	UserID         uuid.UUID
	PlanID         uuid.UUID
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// Result is returned to the buyer-facing caller.
type Result struct {
	SessionID  string    `json:"sessionId"`
	SessionURL string    `json:"sessionUrl"`
	OrderID    uuid.UUID `json:"orderId"`
	PaymentID  uuid.UUID `json:"paymentId"`
}

// Initiator creates orders and hosted-checkout sessions.
type Initiator struct {
	store     *store.Store
	processor payment.Client
	logger    *slog.Logger
	now       func() time.Time
}

// New constructs an initiator.
func New(st *store.Store, processor payment.Client, logger *slog.Logger) *Initiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Initiator{store: st, processor: processor, logger: logger, now: time.Now}
}

// WithClock overrides the clock (test seam).
func (i *Initiator) WithClock(now func() time.Time) *Initiator {
	i.now = now
	return i
}

// Checkout runs the purchase flow of one plan for one user.
//
// When an idempotency key is supplied and an order already bears it, the
// existing session is re-fetched and returned unchanged: no new order, no
// new payment. An expired or missing session still returns the order so the
// caller can retry with a fresh key.
func (i *Initiator) Checkout(ctx context.Context, p Params) (*Result, error) {
	if p.UserID == uuid.Nil {
		return nil, errs.New(errs.CodeValidation, "userId required")
	}
	if p.PlanID == uuid.Nil {
		return nil, errs.New(errs.CodeValidation, "planId required")
	}

	if key := strings.TrimSpace(p.IdempotencyKey); key != "" {
		existing, err := i.store.OrderByIdempotencyKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return i.replay(ctx, existing)
		}
	}

	user, err := i.store.UserByID(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	plan, err := i.store.PlanByID(ctx, p.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.Active || plan.Status != models.PlanAvailable {
		return nil, errs.New(errs.CodePlanUnavailable, "plan is not currently purchasable")
	}

	now := i.now().UTC()
	order := &models.Order{
		ID:            uuid.New(),
		OrderNumber:   newOrderNumber(now),
		UserID:        user.ID,
		ProviderID:    plan.ProviderID,
		PlanID:        plan.ID,
		StorageSizeGb: plan.SizeGb,
		StorageBytes:  plan.SizeBytes,
		DurationDays:  plan.DurationDays,
		PriceCents:    plan.PriceCents,
		Currency:      plan.Currency,
		Status:        models.OrderPendingPayment,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if key := strings.TrimSpace(p.IdempotencyKey); key != "" {
		order.IdempotencyKey = &key
	}
	paymentKey := uuid.NewString()
	pay := &models.Payment{
		ID:             uuid.New(),
		OrderID:        order.ID,
		UserID:         user.ID,
		AmountCents:    plan.PriceCents,
		Currency:       plan.Currency,
		Status:         models.PaymentPending,
		IdempotencyKey: &paymentKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = i.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		return tx.CreatePayment(ctx, pay)
	})
	if err != nil {
		// A concurrent call with the same key won the insert; replay it.
		if errs.Is(err, errs.CodeConflict) && order.IdempotencyKey != nil {
			existing, lookupErr := i.store.OrderByIdempotencyKey(ctx, *order.IdempotencyKey)
			if lookupErr == nil && existing != nil {
				return i.replay(ctx, existing)
			}
		}
		return nil, err
	}

	customerID, err := i.ensureCustomer(ctx, user)
	if err != nil {
		i.logger.Error("processor customer creation failed; order parked in PENDING_PAYMENT",
			"order", order.ID, "error", err)
		return nil, errs.Wrap(errs.CodeExternalService, "payment processor unreachable", err)
	}

	session, err := i.processor.CreateCheckoutSession(ctx, &payment.SessionRequest{
		AmountCents: plan.PriceCents,
		Currency:    plan.Currency,
		CustomerID:  customerID,
		SuccessURL:  p.SuccessURL,
		CancelURL:   p.CancelURL,
		ExpiresAt:   now.Add(SessionTTL).Unix(),
		Metadata: map[string]string{
			"orderId":   order.ID.String(),
			"paymentId": pay.ID.String(),
			"userId":    user.ID.String(),
			"planId":    plan.ID.String(),
		},
	})
	if err != nil {
		// The pair stays in PENDING_PAYMENT/PENDING; it never surfaces to
		// the buyer and the session-expiry path sweeps it.
		i.logger.Error("session creation failed; order parked in PENDING_PAYMENT",
			"order", order.ID, "error", err)
		return nil, errs.Wrap(errs.CodePaymentError, "could not create checkout session", err)
	}

	if err := i.store.UpdatePaymentColumns(ctx, pay.ID,
		map[string]any{"processor_session_id": session.ID}); err != nil {
		return nil, err
	}

	return &Result{
		SessionID:  session.ID,
		SessionURL: session.URL,
		OrderID:    order.ID,
		PaymentID:  pay.ID,
	}, nil
}

// replay returns the prior result for an idempotency-key hit.
func (i *Initiator) replay(ctx context.Context, order *models.Order) (*Result, error) {
	res := &Result{OrderID: order.ID}
	pay, err := i.store.LatestPaymentForOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if pay == nil {
		return res, nil
	}
	res.PaymentID = pay.ID
	if pay.ProcessorSessionID == nil {
		return res, nil
	}
	session, err := i.processor.GetCheckoutSession(ctx, *pay.ProcessorSessionID)
	if err != nil || session == nil || !session.Open() {
		// Session expired or unreachable: hand back the order only; the
		// caller retries with a fresh key.
		return res, nil
	}
	res.SessionID = session.ID
	res.SessionURL = session.URL
	return res, nil
}

func (i *Initiator) ensureCustomer(ctx context.Context, user *models.User) (string, error) {
	if user.ProcessorCustomerID != nil && *user.ProcessorCustomerID != "" {
		return *user.ProcessorCustomerID, nil
	}
	id, err := i.processor.CreateCustomer(ctx, user.Email)
	if err != nil {
		return "", err
	}
	if err := i.store.SetProcessorCustomerID(ctx, user.ID, id); err != nil {
		return "", err
	}
	return id, nil
}

// newOrderNumber mints a human-readable unique order number.
func newOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:8]
	return fmt.Sprintf("SH-%s-%s", now.Format("20060102"), suffix)
}
