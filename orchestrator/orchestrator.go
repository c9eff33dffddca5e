// Package orchestrator drives confirmed-payment orders through provider
// allocation: it submits the backend transaction, records the result, and
// tracks it to network confirmation. The in-process dispatch queue is a
// latency optimisation; the periodic sweep is the correctness backstop.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"storagehub/errs"
	"storagehub/models"
	"storagehub/observability"
	"storagehub/provider"
	"storagehub/store"
)

// Scheduler is the seam the webhook ingestor depends on, keeping the
// payment→orchestrator dependency one-way.
type Scheduler interface {
	ScheduleAllocation(orderID uuid.UUID)
}

// Orchestrator coordinates allocation submission and confirmation.
type Orchestrator struct {
	store        *store.Store
	registry     *provider.Registry
	logger       *slog.Logger
	metrics      *observability.Metrics
	queue        *Queue
	pollInterval time.Duration
	pollAttempts int
	workers      int
	now          func() time.Time

	wg sync.WaitGroup
}

var _ Scheduler = (*Orchestrator)(nil)

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithPollInterval sets the confirmation polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithPollAttempts bounds poll iterations per transaction.
func WithPollAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.pollAttempts = n
		}
	}
}

// WithWorkers sets the dispatch worker count.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithMetrics overrides the default collector set.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithClock overrides the clock (test seam).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithQueue supplies a pre-built dispatch queue.
func WithQueue(q *Queue) Option {
	return func(o *Orchestrator) {
		if q != nil {
			o.queue = q
		}
	}
}

// New constructs an orchestrator.
func New(st *store.Store, registry *provider.Registry, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:        st,
		registry:     registry,
		logger:       logger,
		metrics:      observability.Default(),
		queue:        NewQueue(),
		pollInterval: 10 * time.Second,
		pollAttempts: 30,
		workers:      4,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ScheduleAllocation enqueues an order for allocation. Fire-and-forget:
// failures surface through the sweep, never to the caller.
func (o *Orchestrator) ScheduleAllocation(orderID uuid.UUID) {
	o.queue.Enqueue(orderID)
}

// Start launches the dispatch workers. They exit when ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	for n := 0; n < o.workers; n++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for {
				task, ok := o.queue.Dequeue(ctx)
				if !ok {
					return
				}
				if _, err := o.Allocate(ctx, task.OrderID); err != nil {
					o.logger.Error("allocation dispatch failed",
						"order", task.OrderID, "error", err)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Allocate runs the allocation walk for an order in PAYMENT_COMPLETED.
// When a non-FAILED transaction already exists its id is returned and no
// new submission happens: the idempotency seam against redelivered
// webhooks. On success, confirmation polling is kicked off detached.
func (o *Orchestrator) Allocate(ctx context.Context, orderID uuid.UUID) (uuid.UUID, error) {
	order, err := o.store.OrderByID(ctx, orderID)
	if err != nil {
		return uuid.Nil, err
	}
	if live, err := o.store.LiveTransactionForOrder(ctx, orderID); err != nil {
		return uuid.Nil, err
	} else if live != nil {
		return live.ID, nil
	}
	if order.Status != models.OrderPaymentCompleted {
		return uuid.Nil, errs.Newf(errs.CodeInvalidOrderStatus,
			"order %s is %s, expected %s", order.OrderNumber, order.Status, models.OrderPaymentCompleted)
	}
	if err := o.store.AdvanceOrder(ctx, orderID, models.OrderPaymentCompleted, models.OrderBlockchainPending, nil); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			// A concurrent dispatch won the transition.
			if live, lookupErr := o.store.LiveTransactionForOrder(ctx, orderID); lookupErr == nil && live != nil {
				return live.ID, nil
			}
		}
		return uuid.Nil, err
	}

	prov, err := o.store.ProviderByID(ctx, order.ProviderID)
	if err != nil {
		return uuid.Nil, err
	}
	tx := &models.BlockchainTransaction{
		ID:         uuid.New(),
		OrderID:    order.ID,
		ProviderID: prov.ID,
		Network:    prov.Network,
		ChainID:    prov.ChainID,
		Status:     models.TxPending,
		MaxRetries: 3,
		CreatedAt:  o.now().UTC(),
		UpdatedAt:  o.now().UTC(),
	}
	if err := o.store.CreateTransaction(ctx, tx); err != nil {
		return uuid.Nil, err
	}
	if err := o.store.AdvanceOrder(ctx, orderID, models.OrderBlockchainPending, models.OrderBlockchainProcessing, nil); err != nil {
		return tx.ID, err
	}
	return tx.ID, o.submit(ctx, order, prov, tx)
}

// submit resolves the adapter and runs the provider transaction, recording
// either the submission or the failure pair.
func (o *Orchestrator) submit(ctx context.Context, order *models.Order, prov *models.Provider, tx *models.BlockchainTransaction) error {
	adapter, err := o.registry.Get(prov.Slug)
	if err != nil {
		return o.failSubmission(ctx, order, tx, err.Error())
	}
	plan, err := o.store.PlanByID(ctx, order.PlanID)
	if err != nil {
		return o.failSubmission(ctx, order, tx, "plan snapshot source missing")
	}
	user, err := o.store.UserByID(ctx, order.UserID)
	if err != nil {
		return o.failSubmission(ctx, order, tx, "order user missing")
	}

	result, err := adapter.ExecuteStorageTransaction(ctx, provider.TxParams{
		OrderID:          order.ID.String(),
		PlanExternalID:   plan.ExternalPlanID,
		StorageSizeBytes: order.StorageBytes,
		DurationDays:     order.DurationDays,
		UserWallet:       user.WalletAddress,
	})
	if err != nil {
		o.metrics.AllocationsFailed.WithLabelValues(prov.Slug).Inc()
		return o.failSubmission(ctx, order, tx, wrapProvider(prov.Slug, err).Error())
	}
	if !result.Success {
		o.metrics.AllocationsFailed.WithLabelValues(prov.Slug).Inc()
		return o.failSubmission(ctx, order, tx, result.Error)
	}

	now := o.now().UTC()
	status := result.Status
	if status == "" {
		status = models.TxSubmitted
	}
	if err := o.store.UpdateTransactionColumns(ctx, tx.ID, map[string]any{
		"tx_hash":       result.TxHash,
		"status":        status,
		"from_address":  result.FromAddress,
		"to_address":    result.ToAddress,
		"gas_price_wei": result.GasPriceWei,
		"nonce":         result.Nonce,
		"raw_response":  result.RawResponse,
		"submitted_at":  now,
	}); err != nil {
		return err
	}
	// Storage handle is stamped immediately; the order stays in
	// BLOCKCHAIN_PROCESSING until the network confirms.
	if err := o.store.UpdateOrderColumns(ctx, order.ID, map[string]any{
		"storage_id":       result.StorageID,
		"storage_endpoint": result.StorageEndpoint,
		"storage_metadata": result.StorageMetadata,
	}); err != nil {
		return err
	}
	o.logger.Info("allocation submitted",
		"order", order.OrderNumber, "provider", prov.Slug, "txHash", result.TxHash)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.PollTransaction(context.WithoutCancel(ctx), tx.ID)
	}()
	return nil
}

// failSubmission records the FAILED transaction and order pair in one store
// transaction.
func (o *Orchestrator) failSubmission(ctx context.Context, order *models.Order, tx *models.BlockchainTransaction, message string) error {
	message = strings.TrimSpace(message)
	err := o.store.WithTx(ctx, func(s *store.Store) error {
		if err := s.UpdateTransactionColumns(ctx, tx.ID, map[string]any{
			"status":         models.TxFailed,
			"status_message": message,
		}); err != nil {
			return err
		}
		advErr := s.AdvanceOrder(ctx, order.ID, models.OrderBlockchainProcessing, models.OrderBlockchainFailed,
			map[string]any{"status_message": message})
		if errors.Is(advErr, store.ErrStaleStatus) {
			return nil
		}
		return advErr
	})
	if err != nil {
		return err
	}
	return errs.New(errs.CodeTransactionFailed, message)
}

// RetryTransaction re-runs a FAILED submission under the retry budget. The
// existing row is reused: it flips to RETRYING and the order re-enters the
// allocation walk.
func (o *Orchestrator) RetryTransaction(ctx context.Context, txID uuid.UUID) error {
	tx, err := o.store.TransactionByID(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Status != models.TxFailed {
		return errs.Newf(errs.CodeInvalidOrderStatus, "transaction is %s, only FAILED can be retried", tx.Status)
	}
	if tx.RetryCount >= tx.MaxRetries {
		return errs.Newf(errs.CodeMaxRetries, "retry budget exhausted (%d/%d)", tx.RetryCount, tx.MaxRetries)
	}
	order, err := o.store.OrderByID(ctx, tx.OrderID)
	if err != nil {
		return err
	}

	now := o.now().UTC()
	if err := o.store.UpdateTransactionColumns(ctx, tx.ID, map[string]any{
		"status":        models.TxRetrying,
		"retry_count":   tx.RetryCount + 1,
		"last_retry_at": now,
	}); err != nil {
		return err
	}
	if err := o.store.AdvanceOrder(ctx, order.ID, models.OrderBlockchainFailed, models.OrderBlockchainPending, nil); err != nil && !errors.Is(err, store.ErrStaleStatus) {
		return err
	}
	if err := o.store.AdvanceOrder(ctx, order.ID, models.OrderBlockchainPending, models.OrderBlockchainProcessing, nil); err != nil && !errors.Is(err, store.ErrStaleStatus) {
		return err
	}

	prov, err := o.store.ProviderByID(ctx, order.ProviderID)
	if err != nil {
		return err
	}
	refreshed, err := o.store.TransactionByID(ctx, txID)
	if err != nil {
		return err
	}
	return o.submit(ctx, order, prov, refreshed)
}

func wrapProvider(slug string, err error) error {
	return errs.Wrap(errs.CodeProviderError, "provider "+slug+" submission failed", err)
}
