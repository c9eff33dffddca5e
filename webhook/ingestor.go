// Package webhook ingests signed payment-processor events and maps them to
// guarded order and payment transitions. Handlers are idempotent: the
// processor delivers at least once, and replays must change nothing.
package webhook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"storagehub/errs"
	"storagehub/models"
	"storagehub/observability"
	"storagehub/orchestrator"
	"storagehub/payment"
	"storagehub/store"
)

// Ingestor verifies and applies processor webhook events.
type Ingestor struct {
	store     *store.Store
	scheduler orchestrator.Scheduler
	secret    []byte
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// New constructs an ingestor. secret is the processor webhook secret.
func New(st *store.Store, scheduler orchestrator.Scheduler, secret []byte, logger *slog.Logger, metrics *observability.Metrics) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.Default()
	}
	return &Ingestor{
		store:     st,
		scheduler: scheduler,
		secret:    secret,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// WithClock overrides the clock (test seam).
func (i *Ingestor) WithClock(now func() time.Time) *Ingestor {
	i.now = now
	return i
}

// Handle verifies the signature and applies the event. Only a signature
// failure is surfaced as INVALID_SIGNATURE; every other failure is logged
// and absorbed so the boundary can reply 2xx and stop processor retries.
func (i *Ingestor) Handle(ctx context.Context, body []byte, signature string) error {
	evt, err := payment.ParseEvent(body, signature, i.secret)
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			i.metrics.WebhookEvents.WithLabelValues("unknown", "bad_signature").Inc()
			return errs.Wrap(errs.CodeInvalidSignature, "webhook signature verification failed", err)
		}
		i.metrics.WebhookEvents.WithLabelValues("unknown", "malformed").Inc()
		i.logger.Error("webhook payload malformed", "error", err)
		return nil
	}

	var handleErr error
	switch evt.Type {
	case payment.EventCheckoutCompleted:
		handleErr = i.sessionCompleted(ctx, evt)
	case payment.EventCheckoutExpired:
		handleErr = i.sessionExpired(ctx, evt)
	case payment.EventIntentCreated:
		handleErr = i.intentCreated(ctx, evt)
	case payment.EventIntentSucceeded:
		handleErr = i.intentSucceeded(ctx, evt)
	case payment.EventIntentFailed:
		handleErr = i.intentFailed(ctx, evt)
	default:
		i.metrics.WebhookEvents.WithLabelValues(evt.Type, "ignored").Inc()
		i.logger.Info("ignoring unhandled webhook event", "type", evt.Type, "id", evt.ID)
		return nil
	}
	if handleErr != nil {
		i.metrics.WebhookEvents.WithLabelValues(evt.Type, "error").Inc()
		i.logger.Error("webhook handler failed", "type", evt.Type, "id", evt.ID, "error", handleErr)
		return nil
	}
	i.metrics.WebhookEvents.WithLabelValues(evt.Type, "ok").Inc()
	return nil
}

// sessionCompleted marks the payment SUCCEEDED and the order
// PAYMENT_COMPLETED, then schedules allocation. Replays no-op on the
// payment's terminal status; orders past PAYMENT_COMPLETED, or cancelled,
// are never pushed.
func (i *Ingestor) sessionCompleted(ctx context.Context, evt *payment.Event) error {
	session, err := evt.Session()
	if err != nil {
		return err
	}
	pay, err := i.lookupPayment(ctx, session.ID, session.Metadata)
	if err != nil {
		return err
	}
	if pay == nil {
		i.logger.Warn("completed session references unknown payment", "session", session.ID)
		return nil
	}
	if pay.Status == models.PaymentSucceeded || pay.Status.Terminal() {
		return nil
	}

	var scheduled uuid.UUID
	err = i.store.WithTx(ctx, func(tx *store.Store) error {
		order, err := tx.OrderByIDLocked(ctx, pay.OrderID)
		if err != nil {
			return err
		}
		if !order.Status.CanTransition(models.OrderPaymentCompleted) {
			// Late completion against a cancelled or already-advanced
			// order: the payment stays where the terminal path left it.
			i.logger.Info("dropping late session completion",
				"order", order.OrderNumber, "status", order.Status)
			return nil
		}
		now := i.now().UTC()
		updates := map[string]any{"processed_at": now, "metadata": string(evt.Data.Object)}
		if session.PaymentIntentID != "" {
			updates["processor_payment_intent_id"] = session.PaymentIntentID
		}
		if err := tx.AdvancePayment(ctx, pay.ID, pay.Status, models.PaymentSucceeded, updates); err != nil {
			return err
		}
		if err := tx.AdvanceOrder(ctx, order.ID, order.Status, models.OrderPaymentCompleted,
			map[string]any{"paid_at": now}); err != nil {
			return err
		}
		scheduled = order.ID
		return nil
	})
	if err != nil {
		return err
	}
	if scheduled != uuid.Nil && i.scheduler != nil {
		// Fire and forget; the sweep re-dispatches if this is lost.
		i.scheduler.ScheduleAllocation(scheduled)
	}
	return nil
}

// sessionExpired cancels the payment and its order.
func (i *Ingestor) sessionExpired(ctx context.Context, evt *payment.Event) error {
	session, err := evt.Session()
	if err != nil {
		return err
	}
	pay, err := i.lookupPayment(ctx, session.ID, session.Metadata)
	if err != nil {
		return err
	}
	if pay == nil || pay.Status.Terminal() || pay.Status == models.PaymentSucceeded {
		return nil
	}
	return i.store.WithTx(ctx, func(tx *store.Store) error {
		order, err := tx.OrderByIDLocked(ctx, pay.OrderID)
		if err != nil {
			return err
		}
		if err := tx.AdvancePayment(ctx, pay.ID, pay.Status, models.PaymentCancelled, nil); err != nil {
			return err
		}
		if !order.Status.CanTransition(models.OrderCancelled) {
			return nil
		}
		return tx.AdvanceOrder(ctx, order.ID, order.Status, models.OrderCancelled,
			map[string]any{"status_message": "Payment session expired"})
	})
}

// intentCreated marks the buyer mid-flight: payment PROCESSING, order
// PAYMENT_PROCESSING. It precedes the terminal intent events; deliveries
// arriving after settlement no-op.
func (i *Ingestor) intentCreated(ctx context.Context, evt *payment.Event) error {
	intent, err := evt.Intent()
	if err != nil {
		return err
	}
	pay, err := i.lookupPaymentByIntent(ctx, intent)
	if err != nil || pay == nil {
		return err
	}
	if pay.Status != models.PaymentPending {
		return nil
	}
	err = i.store.WithTx(ctx, func(tx *store.Store) error {
		order, err := tx.OrderByIDLocked(ctx, pay.OrderID)
		if err != nil {
			return err
		}
		if err := tx.AdvancePayment(ctx, pay.ID, pay.Status, models.PaymentProcessing,
			map[string]any{"processor_payment_intent_id": intent.ID}); err != nil {
			return err
		}
		if order.Status != models.OrderPendingPayment {
			return nil
		}
		return tx.AdvanceOrder(ctx, order.ID, order.Status, models.OrderPaymentProcessing, nil)
	})
	if errors.Is(err, store.ErrStaleStatus) {
		return nil
	}
	return err
}

// intentSucceeded redundantly confirms a payment by intent id. Tolerated
// alongside checkout.session.completed.
func (i *Ingestor) intentSucceeded(ctx context.Context, evt *payment.Event) error {
	intent, err := evt.Intent()
	if err != nil {
		return err
	}
	pay, err := i.store.PaymentByIntentID(ctx, intent.ID)
	if err != nil || pay == nil {
		return err
	}
	if pay.Status == models.PaymentSucceeded || pay.Status.Terminal() {
		return nil
	}
	err = i.store.AdvancePayment(ctx, pay.ID, pay.Status, models.PaymentSucceeded,
		map[string]any{"processed_at": i.now().UTC()})
	if errors.Is(err, store.ErrStaleStatus) {
		return nil
	}
	return err
}

// intentFailed fails the payment and the order, keeping the processor's
// error string.
func (i *Ingestor) intentFailed(ctx context.Context, evt *payment.Event) error {
	intent, err := evt.Intent()
	if err != nil {
		return err
	}
	pay, err := i.lookupPaymentByIntent(ctx, intent)
	if err != nil || pay == nil {
		return err
	}
	if pay.Status.Terminal() || pay.Status == models.PaymentSucceeded {
		return nil
	}
	return i.store.WithTx(ctx, func(tx *store.Store) error {
		order, err := tx.OrderByIDLocked(ctx, pay.OrderID)
		if err != nil {
			return err
		}
		if err := tx.AdvancePayment(ctx, pay.ID, pay.Status, models.PaymentFailed,
			map[string]any{"last_error": intent.LastError}); err != nil {
			return err
		}
		if !order.Status.CanTransition(models.OrderPaymentFailed) {
			return nil
		}
		return tx.AdvanceOrder(ctx, order.ID, order.Status, models.OrderPaymentFailed,
			map[string]any{"status_message": intent.LastError})
	})
}

// lookupPayment resolves a payment by session id, falling back to the
// paymentId the checkout initiator stamped into the session metadata. The
// fallback covers sessions whose id write raced the first webhook.
func (i *Ingestor) lookupPayment(ctx context.Context, sessionID string, metadata map[string]string) (*models.Payment, error) {
	pay, err := i.store.PaymentBySessionID(ctx, sessionID)
	if err != nil || pay != nil {
		return pay, err
	}
	if raw, ok := metadata["paymentId"]; ok {
		id, parseErr := uuid.Parse(raw)
		if parseErr != nil {
			return nil, nil
		}
		pay, err = i.store.PaymentByID(ctx, id)
		if errs.Is(err, errs.CodeNotFound) {
			return nil, nil
		}
		return pay, err
	}
	return nil, nil
}

func (i *Ingestor) lookupPaymentByIntent(ctx context.Context, intent *payment.Intent) (*models.Payment, error) {
	pay, err := i.store.PaymentByIntentID(ctx, intent.ID)
	if err != nil || pay != nil {
		return pay, err
	}
	if raw, ok := intent.Metadata["paymentId"]; ok {
		id, parseErr := uuid.Parse(raw)
		if parseErr != nil {
			return nil, nil
		}
		pay, err = i.store.PaymentByID(ctx, id)
		if errs.Is(err, errs.CodeNotFound) {
			return nil, nil
		}
		return pay, err
	}
	return nil, nil
}
