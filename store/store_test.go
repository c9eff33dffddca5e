package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"storagehub/errs"
	"storagehub/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return New(db)
}

func seedOrder(t *testing.T, st *Store, status models.OrderStatus) *models.Order {
	t.Helper()
	ctx := context.Background()
	user := &models.User{ID: uuid.New(), Email: fmt.Sprintf("%s@example.com", uuid.NewString()[:8])}
	if err := st.CreateUser(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	prov := &models.Provider{ID: uuid.New(), Slug: uuid.NewString()[:8], Name: "prov",
		Network: models.NetworkTestnet, Status: models.ProviderActive, Enabled: true}
	if err := st.UpsertProvider(ctx, prov); err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	plan := &models.StoragePlan{ID: uuid.New(), ProviderID: prov.ID, ExternalPlanID: "plan-1",
		Name: "Starter", SizeGb: 1, DurationDays: 180, PriceCents: 99, Currency: "usd",
		Status: models.PlanAvailable, Active: true, Version: 1}
	if err := st.CreatePlan(ctx, plan); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	order := &models.Order{
		ID: uuid.New(), OrderNumber: "SH-" + uuid.NewString()[:12],
		UserID: user.ID, ProviderID: prov.ID, PlanID: plan.ID,
		StorageSizeGb: 1, DurationDays: 180, PriceCents: 99, Currency: "usd",
		Status: status,
	}
	if err := st.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func TestAdvanceOrderGuards(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	order := seedOrder(t, st, models.OrderPendingPayment)

	if err := st.AdvanceOrder(ctx, order.ID, models.OrderPendingPayment, models.OrderPaymentCompleted, nil); err != nil {
		t.Fatalf("advance: %v", err)
	}

	// The row already moved; a writer still holding the old view loses.
	err := st.AdvanceOrder(ctx, order.ID, models.OrderPendingPayment, models.OrderCancelled, nil)
	if err != ErrStaleStatus {
		t.Fatalf("expected ErrStaleStatus, got %v", err)
	}

	// Illegal edge is rejected before touching the database.
	err = st.AdvanceOrder(ctx, order.ID, models.OrderPaymentCompleted, models.OrderCancelled, nil)
	if !errs.Is(err, errs.CodeInvalidOrderStatus) {
		t.Fatalf("expected INVALID_ORDER_STATUS, got %v", err)
	}

	got, err := st.OrderByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Status != models.OrderPaymentCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestOrderIdempotencyKeyUnique(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	first := seedOrder(t, st, models.OrderPendingPayment)

	key := "idem-abc"
	if err := st.UpdateOrderColumns(ctx, first.ID, map[string]any{"idempotency_key": key}); err != nil {
		t.Fatalf("set key: %v", err)
	}

	dup := seedOrder(t, st, models.OrderPendingPayment)
	dup.ID = uuid.New()
	dup.OrderNumber = "SH-" + uuid.NewString()[:12]
	dup.IdempotencyKey = &key
	err := st.CreateOrder(ctx, dup)
	if !errs.Is(err, errs.CodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}

	found, err := st.OrderByIdempotencyKey(ctx, key)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found == nil || found.ID != first.ID {
		t.Fatalf("lookup returned %+v", found)
	}
	missing, err := st.OrderByIdempotencyKey(ctx, "no-such-key")
	if err != nil || missing != nil {
		t.Fatalf("expected nil,nil for absent key, got %v %v", missing, err)
	}
}

func TestLiveTransactionForOrder(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	order := seedOrder(t, st, models.OrderBlockchainProcessing)

	live, err := st.LiveTransactionForOrder(ctx, order.ID)
	if err != nil || live != nil {
		t.Fatalf("expected no live tx, got %v %v", live, err)
	}

	failed := &models.BlockchainTransaction{ID: uuid.New(), OrderID: order.ID,
		ProviderID: order.ProviderID, Status: models.TxFailed, MaxRetries: 3}
	if err := st.CreateTransaction(ctx, failed); err != nil {
		t.Fatalf("create failed tx: %v", err)
	}
	live, err = st.LiveTransactionForOrder(ctx, order.ID)
	if err != nil || live != nil {
		t.Fatalf("FAILED must not count as live, got %v %v", live, err)
	}

	pending := &models.BlockchainTransaction{ID: uuid.New(), OrderID: order.ID,
		ProviderID: order.ProviderID, Status: models.TxSubmitted, MaxRetries: 3}
	if err := st.CreateTransaction(ctx, pending); err != nil {
		t.Fatalf("create pending tx: %v", err)
	}
	live, err = st.LiveTransactionForOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("live lookup: %v", err)
	}
	if live == nil || live.ID != pending.ID {
		t.Fatalf("expected pending tx, got %+v", live)
	}
}

func TestOrdersAwaitingDispatch(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	paid := seedOrder(t, st, models.OrderPaymentCompleted)
	seedOrder(t, st, models.OrderPendingPayment)

	inFlight := seedOrder(t, st, models.OrderPaymentCompleted)
	tx := &models.BlockchainTransaction{ID: uuid.New(), OrderID: inFlight.ID,
		ProviderID: inFlight.ProviderID, Status: models.TxSubmitted, MaxRetries: 3}
	if err := st.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("create tx: %v", err)
	}

	orders, err := st.OrdersAwaitingDispatch(ctx, 0)
	if err != nil {
		t.Fatalf("awaiting dispatch: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != paid.ID {
		t.Fatalf("expected only the unserved paid order, got %d", len(orders))
	}
}

func TestPlanByExternalKey(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	order := seedOrder(t, st, models.OrderPendingPayment)

	plan, err := st.PlanByExternalKey(ctx, "plan-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if plan.ID != order.PlanID {
		t.Fatalf("expected the seeded plan, got %s", plan.ID)
	}

	_, err = st.PlanByExternalKey(ctx, "ghost")
	if !errs.Is(err, errs.CodePlanNotFound) {
		t.Fatalf("expected PLAN_NOT_FOUND, got %v", err)
	}
}

func TestAbandonedOrders(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-2 * time.Hour)

	stale := seedOrder(t, st, models.OrderPendingPayment)
	if err := st.UpdateOrderColumns(ctx, stale.ID, map[string]any{"created_at": old}); err != nil {
		t.Fatalf("age order: %v", err)
	}

	// Same age, but its payment reached the processor; not abandoned.
	sessioned := seedOrder(t, st, models.OrderPendingPayment)
	if err := st.UpdateOrderColumns(ctx, sessioned.ID, map[string]any{"created_at": old}); err != nil {
		t.Fatalf("age order: %v", err)
	}
	sessionID := "cs_live_1"
	pay := &models.Payment{ID: uuid.New(), OrderID: sessioned.ID, UserID: sessioned.UserID,
		AmountCents: 99, Currency: "usd", Status: models.PaymentPending, ProcessorSessionID: &sessionID}
	if err := st.CreatePayment(ctx, pay); err != nil {
		t.Fatalf("create payment: %v", err)
	}

	// Fresh order, still inside the grace window.
	seedOrder(t, st, models.OrderPendingPayment)

	got, err := st.AbandonedOrders(ctx, time.Now().UTC().Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("abandoned query: %v", err)
	}
	if len(got) != 1 || got[0].ID != stale.ID {
		t.Fatalf("expected only the sessionless stale order, got %d", len(got))
	}
}

func TestOrderAggregates(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	seedOrder(t, st, models.OrderPendingPayment)
	seedOrder(t, st, models.OrderPendingPayment)
	done := seedOrder(t, st, models.OrderCompleted)
	now := time.Now().UTC()
	if err := st.UpdateOrderColumns(ctx, done.ID, map[string]any{"allocated_at": now}); err != nil {
		t.Fatalf("stamp allocated_at: %v", err)
	}

	counts, err := st.CountOrdersByStatus(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[models.OrderPendingPayment] != 2 || counts[models.OrderCompleted] != 1 {
		t.Fatalf("counts = %v", counts)
	}

	revenue, err := st.RevenueCentsBetween(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("revenue: %v", err)
	}
	if revenue != 99 {
		t.Fatalf("revenue = %d", revenue)
	}

	empty, err := st.RevenueCentsBetween(ctx, now.Add(time.Hour), now.Add(2*time.Hour))
	if err != nil || empty != 0 {
		t.Fatalf("expected zero revenue outside the window, got %d %v", empty, err)
	}
}

func TestSystemConfigUpsert(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	got, err := st.GetSystemConfig(ctx, "sweep.last_run_at")
	if err != nil || got != "" {
		t.Fatalf("expected empty for unset key, got %q %v", got, err)
	}
	if err := st.SetSystemConfig(ctx, "sweep.last_run_at", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := st.SetSystemConfig(ctx, "sweep.last_run_at", "2026-02-02T00:00:00Z"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err = st.GetSystemConfig(ctx, "sweep.last_run_at")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "2026-02-02T00:00:00Z" {
		t.Fatalf("value = %q", got)
	}
}

func TestAdvancePaymentGuards(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	order := seedOrder(t, st, models.OrderPendingPayment)

	pay := &models.Payment{ID: uuid.New(), OrderID: order.ID, UserID: order.UserID,
		AmountCents: 99, Currency: "usd", Status: models.PaymentPending}
	if err := st.CreatePayment(ctx, pay); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	now := time.Now().UTC()
	if err := st.AdvancePayment(ctx, pay.ID, models.PaymentPending, models.PaymentSucceeded,
		map[string]any{"processed_at": now}); err != nil {
		t.Fatalf("advance payment: %v", err)
	}
	if err := st.AdvancePayment(ctx, pay.ID, models.PaymentPending, models.PaymentCancelled, nil); err != ErrStaleStatus {
		t.Fatalf("expected ErrStaleStatus on replay, got %v", err)
	}
}

func TestCompletedOrdersBetween(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	inside := seedOrder(t, st, models.OrderCompleted)
	mid := time.Now().UTC()
	if err := st.UpdateOrderColumns(ctx, inside.ID, map[string]any{"allocated_at": mid}); err != nil {
		t.Fatalf("stamp allocated_at: %v", err)
	}
	outside := seedOrder(t, st, models.OrderCompleted)
	if err := st.UpdateOrderColumns(ctx, outside.ID, map[string]any{"allocated_at": mid.Add(-48 * time.Hour)}); err != nil {
		t.Fatalf("stamp allocated_at: %v", err)
	}
	seedOrder(t, st, models.OrderPaymentCompleted)

	got, err := st.CompletedOrdersBetween(ctx, mid.Add(-time.Hour), mid.Add(time.Hour))
	if err != nil {
		t.Fatalf("window query: %v", err)
	}
	if len(got) != 1 || got[0].ID != inside.ID {
		t.Fatalf("expected 1 order in window, got %d", len(got))
	}
}
