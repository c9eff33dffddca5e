// Package provider defines the uniform capability set every storage backend
// adapter implements, and the process-wide registry that resolves adapters
// by slug.
package provider

import (
	"context"
	"time"

	"storagehub/models"
)

// Plan is a catalog entry reported by an adapter. The syncer reconciles
// these against stored StoragePlan rows.
type Plan struct {
	ExternalID   string
	Name         string
	SizeGb       uint64
	SizeBytes    uint64
	DurationDays int
	PriceCents   int64
	PriceNative  string
	Currency     string
	Available    bool
}

// TxParams carries everything an adapter needs to allocate storage for an
// order. Adapters must be side-effect-idempotent with respect to OrderID.
type TxParams struct {
	OrderID          string
	PlanExternalID   string
	StorageSizeBytes uint64
	DurationDays     int
	UserWallet       string
}

// TxResult is the outcome of an allocation submission. For API-backed
// adapters TxHash carries the content or deployment identifier.
type TxResult struct {
	Success         bool
	TxHash          string
	Status          models.TransactionStatus
	FromAddress     string
	ToAddress       string
	GasPriceWei     string
	Nonce           uint64
	StorageID       string
	StorageEndpoint string
	StorageMetadata string
	RawResponse     string
	Error           string
}

// StatusResult is the network view of a previously submitted allocation.
type StatusResult struct {
	Status        models.TransactionStatus
	Confirmations uint64
	BlockNumber   uint64
	BlockHash     string
	GasUsed       uint64
	Error         string
}

// SyncResult summarises one catalog reconciliation pass.
type SyncResult struct {
	Added   int
	Updated int
	Removed int
	Errors  []string
}

// Adapter is the capability set over one storage backend. Implementations
// must tolerate concurrent calls; initialization failure leaves the adapter
// degraded rather than removing it from the registry.
type Adapter interface {
	// Slug returns the stable registry key for this backend.
	Slug() string

	// Network reports which network family the adapter targets.
	Network() models.NetworkType

	// ChainID returns the chain identifier, zero for pure API backends.
	ChainID() uint64

	// Initialize prepares transport (RPC client, API key). Non-fatal on
	// error: the registry keeps the adapter and flags it degraded.
	Initialize(ctx context.Context) error

	// IsAvailable is a cheap liveness probe. It must return within a few
	// seconds or report false.
	IsAvailable(ctx context.Context) bool

	// AvailablePlans returns the backend's plan catalog.
	AvailablePlans(ctx context.Context) ([]Plan, error)

	// ExecuteStorageTransaction submits the allocation for an order.
	ExecuteStorageTransaction(ctx context.Context, params TxParams) (*TxResult, error)

	// CheckTransactionStatus probes the network state of a submission.
	CheckTransactionStatus(ctx context.Context, txHash string) (*StatusResult, error)

	// ExplorerURL formats a human-facing link for a transaction hash.
	ExplorerURL(txHash string) string
}

// probeTimeout bounds availability probes across all adapters.
const probeTimeout = 5 * time.Second
