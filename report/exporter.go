// Package report exports completed-order settlement reports as CSV and
// Parquet files for downstream finance tooling.
package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"storagehub/models"
	"storagehub/store"
)

// Exporter writes completed-order reports for a time window.
type Exporter struct {
	store     *store.Store
	outputDir string
	logger    *slog.Logger
}

// New constructs an exporter writing under outputDir.
func New(st *store.Store, outputDir string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{store: st, outputDir: outputDir, logger: logger}
}

// Result names the files one export run produced.
type Result struct {
	CSVPath     string
	ParquetPath string
	Rows        int
}

// Export writes one CSV and one Parquet file covering orders completed in
// [start, end). Empty windows still produce files so downstream jobs can
// distinguish "no orders" from "no run".
func (e *Exporter) Export(ctx context.Context, start, end time.Time) (*Result, error) {
	orders, err := e.store.CompletedOrdersBetween(ctx, start, end)
	if err != nil {
		return nil, err
	}
	rows, err := e.buildRows(ctx, orders)
	if err != nil {
		return nil, err
	}

	runDir := filepath.Join(e.outputDir, start.UTC().Format("2006-01-02"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("report: create output dir: %w", err)
	}
	base := fmt.Sprintf("orders_%s_%s",
		start.UTC().Format("20060102T150405Z"), end.UTC().Format("20060102T150405Z"))

	csvPath := filepath.Join(runDir, base+".csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(runDir, base+".parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return nil, err
	}
	e.logger.Info("report exported", "csv", csvPath, "parquet", parquetPath, "rows", len(rows))
	return &Result{CSVPath: csvPath, ParquetPath: parquetPath, Rows: len(rows)}, nil
}

// row is one settled order flattened with its provider and confirmation
// detail.
type row struct {
	OrderNumber  string
	OrderID      string
	UserID       string
	Provider     string
	Network      string
	PlanExternal string
	SizeGb       uint64
	DurationDays int
	PriceCents   int64
	Currency     string
	TxHash       string
	BlockNumber  uint64
	PaidAt       string
	AllocatedAt  string
	ExpiresAt    string
}

func (e *Exporter) buildRows(ctx context.Context, orders []models.Order) ([]row, error) {
	providers := make(map[string]*models.Provider)
	plans := make(map[string]*models.StoragePlan)
	out := make([]row, 0, len(orders))
	for i := range orders {
		o := &orders[i]
		prov, ok := providers[o.ProviderID.String()]
		if !ok {
			var err error
			prov, err = e.store.ProviderByID(ctx, o.ProviderID)
			if err != nil {
				return nil, err
			}
			providers[o.ProviderID.String()] = prov
		}
		plan, ok := plans[o.PlanID.String()]
		if !ok {
			var err error
			plan, err = e.store.PlanByID(ctx, o.PlanID)
			if err != nil {
				return nil, err
			}
			plans[o.PlanID.String()] = plan
		}

		r := row{
			OrderNumber:  o.OrderNumber,
			OrderID:      o.ID.String(),
			UserID:       o.UserID.String(),
			Provider:     prov.Slug,
			Network:      string(prov.Network),
			PlanExternal: plan.ExternalPlanID,
			SizeGb:       o.StorageSizeGb,
			DurationDays: o.DurationDays,
			PriceCents:   o.PriceCents,
			Currency:     o.Currency,
			PaidAt:       formatTime(o.PaidAt),
			AllocatedAt:  formatTime(o.AllocatedAt),
			ExpiresAt:    formatTime(o.ExpiresAt),
		}
		if tx, err := e.store.LatestTransactionForOrder(ctx, o.ID); err == nil && tx != nil {
			if tx.TxHash != nil {
				r.TxHash = *tx.TxHash
			}
			r.BlockNumber = tx.BlockNumber
		}
		out = append(out, r)
	}
	return out, nil
}

func writeCSV(path string, rows []row) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create csv: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	header := []string{
		"order_number", "order_id", "user_id", "provider", "network",
		"plan_external_id", "size_gb", "duration_days", "price_cents",
		"currency", "tx_hash", "block_number", "paid_at", "allocated_at", "expires_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("report: write csv header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.OrderNumber, r.OrderID, r.UserID, r.Provider, r.Network,
			r.PlanExternal,
			strconv.FormatUint(r.SizeGb, 10),
			strconv.Itoa(r.DurationDays),
			strconv.FormatInt(r.PriceCents, 10),
			r.Currency, r.TxHash,
			strconv.FormatUint(r.BlockNumber, 10),
			r.PaidAt, r.AllocatedAt, r.ExpiresAt,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("report: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("report: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	OrderNumber  string `parquet:"name=order_number, type=BYTE_ARRAY, convertedtype=UTF8"`
	OrderID      string `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	UserID       string `parquet:"name=user_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Provider     string `parquet:"name=provider, type=BYTE_ARRAY, convertedtype=UTF8"`
	Network      string `parquet:"name=network, type=BYTE_ARRAY, convertedtype=UTF8"`
	PlanExternal string `parquet:"name=plan_external_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	SizeGb       int64  `parquet:"name=size_gb, type=INT64"`
	DurationDays int32  `parquet:"name=duration_days, type=INT32"`
	PriceCents   int64  `parquet:"name=price_cents, type=INT64"`
	Currency     string `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash       string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	BlockNumber  int64  `parquet:"name=block_number, type=INT64"`
	PaidAt       string `parquet:"name=paid_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	AllocatedAt  string `parquet:"name=allocated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpiresAt    string `parquet:"name=expires_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []row) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("report: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range rows {
		pr := &parquetRow{
			OrderNumber:  r.OrderNumber,
			OrderID:      r.OrderID,
			UserID:       r.UserID,
			Provider:     r.Provider,
			Network:      r.Network,
			PlanExternal: r.PlanExternal,
			SizeGb:       int64(r.SizeGb),
			DurationDays: int32(r.DurationDays),
			PriceCents:   r.PriceCents,
			Currency:     r.Currency,
			TxHash:       r.TxHash,
			BlockNumber:  int64(r.BlockNumber),
			PaidAt:       r.PaidAt,
			AllocatedAt:  r.AllocatedAt,
			ExpiresAt:    r.ExpiresAt,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("report: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("report: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("report: close parquet file: %w", err)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
