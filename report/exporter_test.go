package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"storagehub/models"
	"storagehub/store"
)

func setupExporter(t *testing.T) (*store.Store, *Exporter) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	st := store.New(db)
	return st, New(st, t.TempDir(), nil)
}

func seedCompletedOrder(t *testing.T, st *store.Store, allocatedAt time.Time) *models.Order {
	t.Helper()
	ctx := context.Background()

	user := &models.User{ID: uuid.New(), Email: fmt.Sprintf("%s@example.com", uuid.NewString())}
	require.NoError(t, st.CreateUser(ctx, user))

	prov := &models.Provider{
		ID: uuid.New(), Slug: "filecoin", Name: "Filecoin",
		Network: models.NetworkTestnet, ChainID: 314159,
		Status: models.ProviderActive, Enabled: true,
	}
	require.NoError(t, st.UpsertProvider(ctx, prov))

	plan := &models.StoragePlan{
		ID: uuid.New(), ProviderID: prov.ID, ExternalPlanID: "fil-starter-1gb",
		Name: "Starter 1GB", SizeGb: 1, SizeBytes: 1 << 30, DurationDays: 180,
		PriceCents: 99, Currency: "usd", Status: models.PlanAvailable, Active: true, Version: 1,
	}
	require.NoError(t, st.CreatePlan(ctx, plan))

	paidAt := allocatedAt.Add(-10 * time.Minute)
	expiresAt := allocatedAt.AddDate(0, 0, plan.DurationDays)
	order := &models.Order{
		ID:            uuid.New(),
		OrderNumber:   fmt.Sprintf("ORD-%s", uuid.NewString()[:8]),
		UserID:        user.ID,
		ProviderID:    prov.ID,
		PlanID:        plan.ID,
		StorageSizeGb: plan.SizeGb,
		StorageBytes:  plan.SizeBytes,
		DurationDays:  plan.DurationDays,
		PriceCents:    plan.PriceCents,
		Currency:      plan.Currency,
		Status:        models.OrderCompleted,
		PaidAt:        &paidAt,
		AllocatedAt:   &allocatedAt,
		ExpiresAt:     &expiresAt,
	}
	require.NoError(t, st.CreateOrder(ctx, order))

	hash := "0x" + uuid.NewString()
	confirmed := allocatedAt
	require.NoError(t, st.CreateTransaction(ctx, &models.BlockchainTransaction{
		ID: uuid.New(), OrderID: order.ID, ProviderID: prov.ID,
		Network: prov.Network, ChainID: prov.ChainID,
		TxHash: &hash, Status: models.TxConfirmed,
		BlockNumber: 12345, Confirmations: 5, ConfirmedAt: &confirmed,
	}))
	return order
}

func TestExportWritesCSVAndParquet(t *testing.T) {
	st, exporter := setupExporter(t)
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	order := seedCompletedOrder(t, st, start.Add(time.Hour))

	res, err := exporter.Export(context.Background(), start, end)
	require.NoError(t, err)
	require.Equal(t, 1, res.Rows)

	file, err := os.Open(res.CSVPath)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "order_number", records[0][0])
	require.Equal(t, order.OrderNumber, records[1][0])
	require.Equal(t, "filecoin", records[1][3])
	require.Equal(t, "12345", records[1][11])

	info, err := os.Stat(res.ParquetPath)
	require.NoError(t, err)
	require.Positive(t, info.Size())
}

func TestExportWindowFiltersByAllocation(t *testing.T) {
	st, exporter := setupExporter(t)
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	seedCompletedOrder(t, st, end.Add(time.Hour))

	res, err := exporter.Export(context.Background(), start, end)
	require.NoError(t, err)
	require.Zero(t, res.Rows)
}

func TestExportEmptyWindowStillWritesFiles(t *testing.T) {
	_, exporter := setupExporter(t)
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	res, err := exporter.Export(context.Background(), start, start.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Zero(t, res.Rows)
	require.FileExists(t, res.CSVPath)
	require.FileExists(t, res.ParquetPath)
}
