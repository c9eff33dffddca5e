// Package store wraps the relational database behind typed helpers. All
// state-machine mutations are guarded updates: they predicate on the
// expected prior status so concurrent writers cannot interleave illegally.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"storagehub/errs"
	"storagehub/models"
)

// ErrStaleStatus signals a guarded update whose predicate no longer held.
var ErrStaleStatus = errors.New("store: row status changed underneath update")

// Store exposes the entity collections over a gorm handle.
type Store struct {
	db *gorm.DB
}

// New wraps an open gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *gorm.DB { return s.db }

// WithTx runs fn inside one database transaction. The callback receives a
// Store bound to the transaction handle.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// IsUniqueViolation reports whether err is a unique-constraint conflict.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// --- users ---

// UserByID fetches a user.
func (s *Store) UserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.CodeUserNotFound, "user not found")
		}
		return nil, err
	}
	return &u, nil
}

// UserByEmail fetches a user by lowercased email.
func (s *Store) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).First(&u, "email = ?", strings.ToLower(strings.TrimSpace(email))).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.CodeUserNotFound, "user not found")
		}
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a user, normalising the email.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		if IsUniqueViolation(err) {
			return errs.Wrap(errs.CodeConflict, "email already registered", err)
		}
		return err
	}
	return nil
}

// SetProcessorCustomerID caches the processor-side customer id on the user.
func (s *Store) SetProcessorCustomerID(ctx context.Context, userID uuid.UUID, customerID string) error {
	return s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("processor_customer_id", customerID).Error
}

// --- providers ---

// ProviderByID fetches a provider.
func (s *Store) ProviderByID(ctx context.Context, id uuid.UUID) (*models.Provider, error) {
	var p models.Provider
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.CodeNotFound, "provider not found")
		}
		return nil, err
	}
	return &p, nil
}

// ProviderBySlug fetches a provider by its registry key.
func (s *Store) ProviderBySlug(ctx context.Context, slug string) (*models.Provider, error) {
	var p models.Provider
	if err := s.db.WithContext(ctx).First(&p, "slug = ?", slug).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.Newf(errs.CodeNotFound, "provider %s not found", slug)
		}
		return nil, err
	}
	return &p, nil
}

// ListProviders returns enabled providers ordered by slug.
func (s *Store) ListProviders(ctx context.Context) ([]models.Provider, error) {
	var out []models.Provider
	err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("slug").Find(&out).Error
	return out, err
}

// UpsertProvider inserts or refreshes a provider row keyed on slug.
func (s *Store) UpsertProvider(ctx context.Context, p *models.Provider) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "network", "chain_id", "status", "enabled", "updated_at"}),
	}).Create(p).Error
}

// --- plans ---

// PlanByID fetches a plan.
func (s *Store) PlanByID(ctx context.Context, id uuid.UUID) (*models.StoragePlan, error) {
	var p models.StoragePlan
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.CodePlanNotFound, "plan not found")
		}
		return nil, err
	}
	return &p, nil
}

// PlanByExternalID fetches a plan by its (provider, external id) key.
func (s *Store) PlanByExternalID(ctx context.Context, providerID uuid.UUID, externalID string) (*models.StoragePlan, error) {
	var p models.StoragePlan
	err := s.db.WithContext(ctx).
		First(&p, "provider_id = ? AND external_plan_id = ?", providerID, externalID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.CodePlanNotFound, "plan not found")
		}
		return nil, err
	}
	return &p, nil
}

// PlanByExternalKey fetches a plan by its catalog-wide external id, for
// callers that pass the human-readable plan slug instead of the row id.
func (s *Store) PlanByExternalKey(ctx context.Context, externalID string) (*models.StoragePlan, error) {
	var p models.StoragePlan
	err := s.db.WithContext(ctx).
		Where("external_plan_id = ?", externalID).
		Order("created_at").
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.CodePlanNotFound, "plan not found")
		}
		return nil, err
	}
	return &p, nil
}

// ListPlansForProvider returns all plans of a provider.
func (s *Store) ListPlansForProvider(ctx context.Context, providerID uuid.UUID) ([]models.StoragePlan, error) {
	var out []models.StoragePlan
	err := s.db.WithContext(ctx).Where("provider_id = ?", providerID).Order("external_plan_id").Find(&out).Error
	return out, err
}

// ListAvailablePlans returns active, purchasable plans.
func (s *Store) ListAvailablePlans(ctx context.Context) ([]models.StoragePlan, error) {
	var out []models.StoragePlan
	err := s.db.WithContext(ctx).
		Where("active = ? AND status = ?", true, models.PlanAvailable).
		Order("price_cents").Find(&out).Error
	return out, err
}

// CreatePlan inserts a plan.
func (s *Store) CreatePlan(ctx context.Context, p *models.StoragePlan) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		if IsUniqueViolation(err) {
			return errs.Wrap(errs.CodeConflict, "plan already exists for provider", err)
		}
		return err
	}
	return nil
}

// SavePlan persists plan mutations.
func (s *Store) SavePlan(ctx context.Context, p *models.StoragePlan) error {
	return s.db.WithContext(ctx).Save(p).Error
}

// --- orders ---

// CreateOrder inserts an order.
func (s *Store) CreateOrder(ctx context.Context, o *models.Order) error {
	if err := s.db.WithContext(ctx).Create(o).Error; err != nil {
		if IsUniqueViolation(err) {
			return errs.Wrap(errs.CodeConflict, "order conflicts with an existing row", err)
		}
		return err
	}
	return nil
}

// OrderByID fetches an order.
func (s *Store) OrderByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var o models.Order
	if err := s.db.WithContext(ctx).First(&o, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.CodeNotFound, "order not found")
		}
		return nil, err
	}
	return &o, nil
}

// OrderByIDLocked fetches an order under a row lock; only valid inside WithTx.
func (s *Store) OrderByIDLocked(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var o models.Order
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&o, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.CodeNotFound, "order not found")
		}
		return nil, err
	}
	return &o, nil
}

// OrderByIdempotencyKey fetches an order bearing the caller token, nil when absent.
func (s *Store) OrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var o models.Order
	err := s.db.WithContext(ctx).First(&o, "idempotency_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOrdersByUser returns a user's orders, newest first.
func (s *Store) ListOrdersByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []models.Order
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&out).Error
	return out, err
}

// AdvanceOrder moves an order from one status to another, applying extra
// column updates atomically. Returns ErrStaleStatus when the order is no
// longer in from.
func (s *Store) AdvanceOrder(ctx context.Context, id uuid.UUID, from, to models.OrderStatus, updates map[string]any) error {
	if !from.CanTransition(to) {
		return errs.Newf(errs.CodeInvalidOrderStatus, "illegal transition %s -> %s", from, to)
	}
	cols := map[string]any{"status": to, "updated_at": time.Now().UTC()}
	for k, v := range updates {
		cols[k] = v
	}
	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}

// UpdateOrderColumns applies column updates without a status predicate.
func (s *Store) UpdateOrderColumns(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	return s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", id).Updates(updates).Error
}

// OrdersAwaitingDispatch lists PAYMENT_COMPLETED orders with no live
// blockchain transaction. Feed for the recovery sweep.
func (s *Store) OrdersAwaitingDispatch(ctx context.Context, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.Order
	err := s.db.WithContext(ctx).
		Where("status = ?", models.OrderPaymentCompleted).
		Where("NOT EXISTS (SELECT 1 FROM blockchain_transactions bt WHERE bt.order_id = orders.id AND bt.status <> ?)", models.TxFailed).
		Order("created_at").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// AbandonedOrders lists PENDING_PAYMENT orders older than cutoff that never
// obtained a processor session: checkout died between the order insert and
// the session call. Feed for the recovery sweep, which cancels them.
func (s *Store) AbandonedOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.Order
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.OrderPendingPayment, cutoff).
		Where("NOT EXISTS (SELECT 1 FROM payments p WHERE p.order_id = orders.id AND p.processor_session_id <> '')").
		Order("created_at").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountOrdersByStatus returns order counts grouped by status.
func (s *Store) CountOrdersByStatus(ctx context.Context) (map[models.OrderStatus]int64, error) {
	var rows []struct {
		Status models.OrderStatus
		Total  int64
	}
	err := s.db.WithContext(ctx).Model(&models.Order{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[models.OrderStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Total
	}
	return out, nil
}

// --- payments ---

// CreatePayment inserts a payment.
func (s *Store) CreatePayment(ctx context.Context, p *models.Payment) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		if IsUniqueViolation(err) {
			return errs.Wrap(errs.CodeConflict, "payment conflicts with an existing row", err)
		}
		return err
	}
	return nil
}

// PaymentByID fetches a payment.
func (s *Store) PaymentByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var p models.Payment
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.CodeNotFound, "payment not found")
		}
		return nil, err
	}
	return &p, nil
}

// PaymentBySessionID fetches a payment by processor session, nil when absent.
func (s *Store) PaymentBySessionID(ctx context.Context, sessionID string) (*models.Payment, error) {
	var p models.Payment
	err := s.db.WithContext(ctx).First(&p, "processor_session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PaymentByIntentID fetches a payment by processor intent, nil when absent.
func (s *Store) PaymentByIntentID(ctx context.Context, intentID string) (*models.Payment, error) {
	var p models.Payment
	err := s.db.WithContext(ctx).First(&p, "processor_payment_intent_id = ?", intentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// LatestPaymentForOrder returns the newest payment row for an order.
func (s *Store) LatestPaymentForOrder(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	var p models.Payment
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at DESC").
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// AdvancePayment moves a payment between statuses with a guarded update.
func (s *Store) AdvancePayment(ctx context.Context, id uuid.UUID, from, to models.PaymentStatus, updates map[string]any) error {
	cols := map[string]any{"status": to, "updated_at": time.Now().UTC()}
	for k, v := range updates {
		cols[k] = v
	}
	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}

// UpdatePaymentColumns applies column updates without a status predicate.
func (s *Store) UpdatePaymentColumns(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	return s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ?", id).Updates(updates).Error
}

// --- blockchain transactions ---

// CreateTransaction inserts a blockchain transaction row.
func (s *Store) CreateTransaction(ctx context.Context, tx *models.BlockchainTransaction) error {
	if err := s.db.WithContext(ctx).Create(tx).Error; err != nil {
		if IsUniqueViolation(err) {
			return errs.Wrap(errs.CodeConflict, "transaction conflicts with an existing row", err)
		}
		return err
	}
	return nil
}

// TransactionByID fetches a blockchain transaction.
func (s *Store) TransactionByID(ctx context.Context, id uuid.UUID) (*models.BlockchainTransaction, error) {
	var tx models.BlockchainTransaction
	if err := s.db.WithContext(ctx).First(&tx, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.CodeNotFound, "transaction not found")
		}
		return nil, err
	}
	return &tx, nil
}

// LiveTransactionForOrder returns the order's non-FAILED transaction, nil
// when none exists. The idempotency seam for webhook redelivery.
func (s *Store) LiveTransactionForOrder(ctx context.Context, orderID uuid.UUID) (*models.BlockchainTransaction, error) {
	var tx models.BlockchainTransaction
	err := s.db.WithContext(ctx).
		Where("order_id = ? AND status <> ?", orderID, models.TxFailed).
		Order("created_at DESC").
		First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// LatestTransactionForOrder returns the newest transaction row for an order.
func (s *Store) LatestTransactionForOrder(ctx context.Context, orderID uuid.UUID) (*models.BlockchainTransaction, error) {
	var tx models.BlockchainTransaction
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at DESC").
		First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// UpdateTransactionColumns applies column updates to a transaction.
func (s *Store) UpdateTransactionColumns(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	return s.db.WithContext(ctx).Model(&models.BlockchainTransaction{}).
		Where("id = ?", id).Updates(updates).Error
}

// TransactionsInStatus lists transactions whose status is in the given set.
// Feed for the confirmation sweep.
func (s *Store) TransactionsInStatus(ctx context.Context, statuses []models.TransactionStatus, limit int) ([]models.BlockchainTransaction, error) {
	if limit <= 0 {
		limit = 200
	}
	var out []models.BlockchainTransaction
	err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// --- sync logs ---

// CreateSyncLog records a catalog reconciliation run.
func (s *Store) CreateSyncLog(ctx context.Context, l *models.ProviderSyncLog) error {
	return s.db.WithContext(ctx).Create(l).Error
}

// --- system config ---

// GetSystemConfig reads one runtime key, empty string when unset.
func (s *Store) GetSystemConfig(ctx context.Context, key string) (string, error) {
	var row models.SystemConfig
	err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Value, nil
}

// SetSystemConfig upserts one runtime key.
func (s *Store) SetSystemConfig(ctx context.Context, key, value string) error {
	row := models.SystemConfig{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
}

// --- reporting ---

// CompletedOrdersBetween lists COMPLETED orders whose allocation landed in
// the window. Feed for the settlement report exporter.
func (s *Store) CompletedOrdersBetween(ctx context.Context, start, end time.Time) ([]models.Order, error) {
	var out []models.Order
	err := s.db.WithContext(ctx).
		Where("status = ? AND allocated_at >= ? AND allocated_at < ?", models.OrderCompleted, start, end).
		Order("allocated_at").
		Find(&out).Error
	return out, err
}

// RevenueCentsBetween sums the price of COMPLETED orders allocated in the
// window.
func (s *Store) RevenueCentsBetween(ctx context.Context, start, end time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("status = ? AND allocated_at >= ? AND allocated_at < ?", models.OrderCompleted, start, end).
		Select("COALESCE(SUM(price_cents),0)").
		Scan(&total).Error
	return total, err
}
