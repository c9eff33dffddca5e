package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NetworkType distinguishes test and production provider networks.
type NetworkType string

const (
	NetworkTestnet NetworkType = "TESTNET"
	NetworkMainnet NetworkType = "MAINNET"
)

// ProviderStatus captures the operational state of a storage provider.
type ProviderStatus string

const (
	ProviderActive      ProviderStatus = "ACTIVE"
	ProviderInactive    ProviderStatus = "INACTIVE"
	ProviderMaintenance ProviderStatus = "MAINTENANCE"
	ProviderDeprecated  ProviderStatus = "DEPRECATED"
)

// PlanStatus reflects whether a plan is currently purchasable.
type PlanStatus string

const (
	PlanAvailable   PlanStatus = "AVAILABLE"
	PlanUnavailable PlanStatus = "UNAVAILABLE"
	PlanDeprecated  PlanStatus = "DEPRECATED"
)

// OrderStatus is a state in the order purchase workflow.
type OrderStatus string

// All order workflow states.
const (
	OrderPendingPayment       OrderStatus = "PENDING_PAYMENT"
	OrderPaymentProcessing    OrderStatus = "PAYMENT_PROCESSING"
	OrderPaymentCompleted     OrderStatus = "PAYMENT_COMPLETED"
	OrderPaymentFailed        OrderStatus = "PAYMENT_FAILED"
	OrderBlockchainPending    OrderStatus = "BLOCKCHAIN_PENDING"
	OrderBlockchainProcessing OrderStatus = "BLOCKCHAIN_PROCESSING"
	OrderBlockchainConfirmed  OrderStatus = "BLOCKCHAIN_CONFIRMED"
	OrderBlockchainFailed     OrderStatus = "BLOCKCHAIN_FAILED"
	OrderCompleted            OrderStatus = "COMPLETED"
	OrderCancelled            OrderStatus = "CANCELLED"
	OrderRefunded             OrderStatus = "REFUNDED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPendingPayment:       {OrderPaymentProcessing, OrderPaymentCompleted, OrderPaymentFailed, OrderCancelled},
	OrderPaymentProcessing:    {OrderPaymentCompleted, OrderPaymentFailed, OrderCancelled},
	OrderPaymentCompleted:     {OrderBlockchainPending},
	OrderBlockchainPending:    {OrderBlockchainProcessing, OrderBlockchainFailed},
	OrderBlockchainProcessing: {OrderBlockchainConfirmed, OrderBlockchainFailed, OrderCompleted},
	OrderBlockchainConfirmed:  {OrderCompleted},
	OrderBlockchainFailed:     {OrderBlockchainPending},
	OrderCompleted:            {OrderRefunded},
}

// CanTransition reports whether moving from s to next is a legal workflow edge.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no forward edge except operator refund remains.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderCompleted, OrderRefunded, OrderCancelled, OrderPaymentFailed, OrderBlockchainFailed:
		return true
	}
	return false
}

// PaymentStatus tracks a fiat payment attempt.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentSucceeded  PaymentStatus = "SUCCEEDED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentCancelled  PaymentStatus = "CANCELLED"
	PaymentRefunded   PaymentStatus = "REFUNDED"
)

// Live reports whether the payment still counts against the single-live-payment rule.
func (s PaymentStatus) Live() bool {
	switch s {
	case PaymentPending, PaymentProcessing, PaymentSucceeded:
		return true
	}
	return false
}

// Terminal reports whether the payment can no longer change state.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentFailed, PaymentCancelled, PaymentRefunded:
		return true
	}
	return false
}

// TransactionStatus tracks an allocation submission on a provider network.
type TransactionStatus string

const (
	TxPending    TransactionStatus = "PENDING"
	TxSubmitted  TransactionStatus = "SUBMITTED"
	TxConfirming TransactionStatus = "CONFIRMING"
	TxConfirmed  TransactionStatus = "CONFIRMED"
	TxFailed     TransactionStatus = "FAILED"
	TxRetrying   TransactionStatus = "RETRYING"
)

// Terminal reports whether the transaction reached a final network state.
func (s TransactionStatus) Terminal() bool {
	return s == TxConfirmed || s == TxFailed
}

// User is a buyer account. Email is stored lowercased and unique.
type User struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email               string    `gorm:"uniqueIndex;size:255"`
	WalletAddress       string    `gorm:"size:128"`
	ProcessorCustomerID *string   `gorm:"uniqueIndex;size:128"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Provider is one storage backend. Slug is the stable registry key.
type Provider struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Slug      string         `gorm:"uniqueIndex;size:64"`
	Name      string         `gorm:"size:128"`
	Network   NetworkType    `gorm:"size:16"`
	ChainID   uint64         `gorm:"index"`
	Status    ProviderStatus `gorm:"size:16;index"`
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StoragePlan is a purchasable plan offered by a provider. (ProviderID,
// ExternalPlanID) is the reconciliation key against the remote catalog.
type StoragePlan struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProviderID     uuid.UUID `gorm:"type:uuid;index;uniqueIndex:idx_plan_provider_external"`
	ExternalPlanID string    `gorm:"size:128;uniqueIndex:idx_plan_provider_external"`
	Name           string    `gorm:"size:128"`
	SizeGb         uint64
	SizeBytes      uint64
	DurationDays   int
	PriceCents     int64
	PriceNative    string     `gorm:"size:78"`
	Currency       string     `gorm:"size:8"`
	Status         PlanStatus `gorm:"size:16;index"`
	Active         bool
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Order carries one purchase through the workflow. Plan attributes are
// snapshotted at creation and never follow later catalog changes.
type Order struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrderNumber     string    `gorm:"uniqueIndex;size:32"`
	UserID          uuid.UUID `gorm:"type:uuid;index"`
	ProviderID      uuid.UUID `gorm:"type:uuid;index"`
	PlanID          uuid.UUID `gorm:"type:uuid;index"`
	StorageSizeGb   uint64
	StorageBytes    uint64
	DurationDays    int
	PriceCents      int64
	Currency        string      `gorm:"size:8"`
	Status          OrderStatus `gorm:"size:32;index"`
	StatusMessage   string      `gorm:"size:512"`
	IdempotencyKey  *string     `gorm:"uniqueIndex;size:128"`
	StorageID       string      `gorm:"size:256"`
	StorageEndpoint string      `gorm:"size:512"`
	StorageMetadata string      `gorm:"type:text"`
	PaidAt          *time.Time
	AllocatedAt     *time.Time
	ExpiresAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Payments     []Payment               `gorm:"constraint:OnDelete:CASCADE"`
	Transactions []BlockchainTransaction `gorm:"constraint:OnDelete:CASCADE"`
}

// Payment is one fiat payment attempt against an order.
type Payment struct {
	ID                       uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrderID                  uuid.UUID `gorm:"type:uuid;index"`
	UserID                   uuid.UUID `gorm:"type:uuid;index"`
	AmountCents              int64
	Currency                 string        `gorm:"size:8"`
	Status                   PaymentStatus `gorm:"size:16;index"`
	ProcessorSessionID       *string       `gorm:"uniqueIndex;size:128"`
	ProcessorPaymentIntentID *string       `gorm:"uniqueIndex;size:128"`
	IdempotencyKey           *string       `gorm:"uniqueIndex;size:128"`
	LastError                string        `gorm:"size:512"`
	Metadata                 string        `gorm:"type:text"`
	ProcessedAt              *time.Time
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// BlockchainTransaction is one allocation submission. At most one
// non-FAILED row may exist per order at any time; TxHash is set once the
// submission reaches the network.
type BlockchainTransaction struct {
	ID            uuid.UUID   `gorm:"type:uuid;primaryKey"`
	OrderID       uuid.UUID   `gorm:"type:uuid;index"`
	ProviderID    uuid.UUID   `gorm:"type:uuid;index"`
	Network       NetworkType `gorm:"size:16"`
	ChainID       uint64
	TxHash        *string           `gorm:"uniqueIndex;size:128"`
	Status        TransactionStatus `gorm:"size:16;index"`
	StatusMessage string            `gorm:"size:512"`
	FromAddress   string            `gorm:"size:128"`
	ToAddress     string            `gorm:"size:128"`
	GasUsed       uint64
	GasPriceWei   string `gorm:"size:78"`
	Nonce         uint64
	Confirmations uint64
	BlockNumber   uint64
	BlockHash     string `gorm:"size:128"`
	RetryCount    int
	MaxRetries    int `gorm:"default:3"`
	LastRetryAt   *time.Time
	RawResponse   string `gorm:"type:text"`
	SubmittedAt   *time.Time
	ConfirmedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProviderSyncLog records one catalog reconciliation run per provider.
type ProviderSyncLog struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProviderID   uuid.UUID `gorm:"type:uuid;index"`
	PlansAdded   int
	PlansUpdated int
	PlansRemoved int
	ErrorCount   int
	Errors       string `gorm:"type:text"`
	StartedAt    time.Time
	FinishedAt   time.Time
	CreatedAt    time.Time
}

// SystemConfig stores operator-tunable key/value settings.
type SystemConfig struct {
	Key       string `gorm:"primaryKey;size:128"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Provider{},
		&StoragePlan{},
		&Order{},
		&Payment{},
		&BlockchainTransaction{},
		&ProviderSyncLog{},
		&SystemConfig{},
	)
}
