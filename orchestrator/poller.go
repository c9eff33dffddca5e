package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"storagehub/models"
	"storagehub/provider"
	"storagehub/store"
)

// Orders still PENDING_PAYMENT without a processor session after this long
// are leftovers of a checkout that died before reaching the processor; the
// sweep cancels them.
const abandonedOrderAge = time.Hour

// sweepStampKey is the system-config key recording the last sweep run.
const sweepStampKey = "sweep.last_run_at"

// PollTransaction polls the adapter for the network status of a submission
// until it turns terminal or the attempt budget runs out. Exhausting the
// budget leaves the row in its last observed status; the sweep picks up
// from there.
func (o *Orchestrator) PollTransaction(ctx context.Context, txID uuid.UUID) {
	for attempt := 0; attempt < o.pollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.pollInterval):
			}
		}
		done, err := o.pollOnce(ctx, txID)
		if err != nil {
			// Transient: log and keep polling.
			o.logger.Warn("confirmation poll iteration failed", "tx", txID, "error", err)
			continue
		}
		if done {
			return
		}
	}
	o.logger.Info("confirmation poll budget exhausted, sweep takes over", "tx", txID)
}

// pollOnce runs a single status probe and applies the observed transition.
func (o *Orchestrator) pollOnce(ctx context.Context, txID uuid.UUID) (bool, error) {
	tx, err := o.store.TransactionByID(ctx, txID)
	if err != nil {
		return false, err
	}
	if tx.Status.Terminal() {
		return true, nil
	}
	if tx.TxHash == nil || *tx.TxHash == "" {
		return false, nil
	}
	prov, err := o.store.ProviderByID(ctx, tx.ProviderID)
	if err != nil {
		return false, err
	}
	adapter, err := o.registry.Get(prov.Slug)
	if err != nil {
		return false, err
	}
	o.metrics.PollAttempts.WithLabelValues(prov.Slug).Inc()
	res, err := adapter.CheckTransactionStatus(ctx, *tx.TxHash)
	if err != nil {
		return false, wrapProvider(prov.Slug, err)
	}
	return o.applyStatus(ctx, tx, res)
}

// applyStatus records the observed network state and drives the order to
// its terminal status when the transaction settles.
func (o *Orchestrator) applyStatus(ctx context.Context, tx *models.BlockchainTransaction, res *provider.StatusResult) (bool, error) {
	now := o.now().UTC()
	updates := map[string]any{
		"status":         res.Status,
		"confirmations":  res.Confirmations,
		"status_message": res.Error,
	}
	if res.BlockNumber > 0 {
		updates["block_number"] = res.BlockNumber
		updates["block_hash"] = res.BlockHash
	}
	if res.GasUsed > 0 {
		updates["gas_used"] = res.GasUsed
	}
	if res.Status == models.TxConfirmed {
		updates["confirmed_at"] = now
	}
	if err := o.store.UpdateTransactionColumns(ctx, tx.ID, updates); err != nil {
		return false, err
	}

	switch res.Status {
	case models.TxConfirmed:
		order, err := o.store.OrderByID(ctx, tx.OrderID)
		if err != nil {
			return true, err
		}
		expires := now.AddDate(0, 0, order.DurationDays)
		err = o.store.AdvanceOrder(ctx, order.ID, models.OrderBlockchainProcessing, models.OrderCompleted, map[string]any{
			"allocated_at": now,
			"expires_at":   expires,
		})
		if errors.Is(err, store.ErrStaleStatus) {
			// Already advanced by a concurrent poller or the sweep.
			return true, nil
		}
		if err == nil {
			o.metrics.OrdersCompleted.Inc()
			o.logger.Info("order completed", "order", order.OrderNumber, "expiresAt", expires)
		}
		return true, err
	case models.TxFailed:
		err := o.store.AdvanceOrder(ctx, tx.OrderID, models.OrderBlockchainProcessing, models.OrderBlockchainFailed,
			map[string]any{"status_message": res.Error})
		if errors.Is(err, store.ErrStaleStatus) {
			return true, nil
		}
		return true, err
	default:
		return false, nil
	}
}

// Sweep is the recovery pass: it re-probes every in-flight transaction,
// re-dispatches paid orders that lost their in-process allocation, and
// cancels orders whose checkout never produced a processor session. Safe
// to run at any time, any number of times.
func (o *Orchestrator) Sweep(ctx context.Context) error {
	o.metrics.SweepRuns.Inc()

	txs, err := o.store.TransactionsInStatus(ctx,
		[]models.TransactionStatus{models.TxSubmitted, models.TxConfirming}, 0)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		if _, err := o.pollOnce(ctx, tx.ID); err != nil {
			o.logger.Warn("sweep probe failed", "tx", tx.ID, "error", err)
		}
	}

	orders, err := o.store.OrdersAwaitingDispatch(ctx, 0)
	if err != nil {
		return err
	}
	for _, order := range orders {
		o.logger.Info("sweep re-dispatching paid order", "order", order.OrderNumber)
		o.ScheduleAllocation(order.ID)
	}

	abandoned, err := o.store.AbandonedOrders(ctx, o.now().UTC().Add(-abandonedOrderAge), 0)
	if err != nil {
		return err
	}
	for _, order := range abandoned {
		if err := o.cancelAbandoned(ctx, order.ID); err != nil {
			o.logger.Warn("sweep cancel of abandoned order failed",
				"order", order.OrderNumber, "error", err)
		} else {
			o.logger.Info("sweep cancelled abandoned order", "order", order.OrderNumber)
		}
	}

	if err := o.store.SetSystemConfig(ctx, sweepStampKey, o.now().UTC().Format(time.RFC3339)); err != nil {
		o.logger.Warn("sweep stamp write failed", "error", err)
	}
	return nil
}

// cancelAbandoned closes one orphaned order and its sessionless payment.
func (o *Orchestrator) cancelAbandoned(ctx context.Context, orderID uuid.UUID) error {
	return o.store.WithTx(ctx, func(tx *store.Store) error {
		order, err := tx.OrderByIDLocked(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderPendingPayment {
			return nil
		}
		pay, err := tx.LatestPaymentForOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if pay != nil && !pay.Status.Terminal() && pay.Status != models.PaymentSucceeded {
			if err := tx.AdvancePayment(ctx, pay.ID, pay.Status, models.PaymentCancelled, nil); err != nil {
				return err
			}
		}
		return tx.AdvanceOrder(ctx, order.ID, order.Status, models.OrderCancelled,
			map[string]any{"status_message": "Checkout abandoned before a payment session was created"})
	})
}

// RunSweeper runs Sweep on a fixed cadence until ctx is cancelled.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.Sweep(ctx); err != nil {
				o.logger.Error("sweep run failed", "error", err)
			}
		}
	}
}
