// Package evm implements the shared adapter machinery for EVM-style storage
// backends (Filecoin FEVM, BNB Greenfield): JSON-RPC transport, hot-wallet
// signing, gas estimation with a safety buffer, and receipt-driven
// confirmation tracking.
package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"storagehub/models"
	"storagehub/provider"
)

// confirmationThreshold is the block depth required before a submission is
// reported CONFIRMED rather than CONFIRMING.
const confirmationThreshold = 5

// gasBufferNumerator doubles the RPC gas estimate before submission.
const gasBufferNumerator = 2

// Backend is the subset of the Ethereum RPC the adapter consumes.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// Allocation describes the storage handle an EVM backend hands out once a
// deal or bucket transaction is submitted.
type Allocation struct {
	StorageID string
	Endpoint  string
	Metadata  map[string]string
}

// Config parametrises one EVM-family adapter.
type Config struct {
	Slug          string
	Network       models.NetworkType
	ChainID       uint64
	RPCURL        string
	PrivateKeyHex string
	// AllowMock permits walletless operation: submissions construct a
	// deterministic pseudo-hash and never reach the network. Must be an
	// explicit operator decision, never a silent fallback.
	AllowMock     bool
	AllocatorAddr string
	ExplorerTxFmt string
	CallTimeout   time.Duration

	// Catalog is the backend's static plan set.
	Catalog []provider.Plan
	// Allocate derives the storage handle stamped onto the order.
	Allocate func(params provider.TxParams, txHash string) Allocation
}

// Adapter is a provider.Adapter over an EVM chain.
type Adapter struct {
	cfg     Config
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	dial    func(url string) (Backend, error)
}

var _ provider.Adapter = (*Adapter)(nil)

// New constructs an EVM adapter. Transport is established by Initialize.
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.Slug) == "" {
		return nil, fmt.Errorf("evm: slug required")
	}
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, fmt.Errorf("evm: rpc url required for %s", cfg.Slug)
	}
	if cfg.Allocate == nil {
		return nil, fmt.Errorf("evm: allocation builder required for %s", cfg.Slug)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Adapter{
		cfg: cfg,
		dial: func(url string) (Backend, error) {
			return ethclient.Dial(url)
		},
	}, nil
}

// WithBackend overrides the dialled backend (test seam).
func (a *Adapter) WithBackend(b Backend) *Adapter {
	a.backend = b
	return a
}

// Slug implements provider.Adapter.
func (a *Adapter) Slug() string { return a.cfg.Slug }

// Network implements provider.Adapter.
func (a *Adapter) Network() models.NetworkType { return a.cfg.Network }

// ChainID implements provider.Adapter.
func (a *Adapter) ChainID() uint64 { return a.cfg.ChainID }

// Initialize dials the RPC endpoint and loads the hot wallet. The private
// key is read once and never re-read.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.backend == nil {
		backend, err := a.dial(a.cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("%s: dial rpc: %w", a.cfg.Slug, err)
		}
		a.backend = backend
	}
	keyHex := strings.TrimPrefix(strings.TrimSpace(a.cfg.PrivateKeyHex), "0x")
	if keyHex == "" {
		if !a.cfg.AllowMock {
			return fmt.Errorf("%s: hot wallet key absent and mock submission disabled", a.cfg.Slug)
		}
		return nil
	}
	key, err := gethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return fmt.Errorf("%s: parse hot wallet key: %w", a.cfg.Slug, err)
	}
	a.key = key
	a.from = gethcrypto.PubkeyToAddress(key.PublicKey)
	return nil
}

// IsAvailable probes the chain head within the probe budget.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	if a.backend == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()
	_, err := a.backend.BlockNumber(ctx)
	return err == nil
}

// AvailablePlans returns the static catalog.
func (a *Adapter) AvailablePlans(ctx context.Context) ([]provider.Plan, error) {
	plans := make([]provider.Plan, len(a.cfg.Catalog))
	copy(plans, a.cfg.Catalog)
	return plans, nil
}

// ExecuteStorageTransaction signs and submits the allocation transaction.
// The calldata embeds the order id, so repeating the call for the same
// order produces the same on-chain intent; the orchestrator's single live
// transaction rule prevents duplicate submissions in the first place.
func (a *Adapter) ExecuteStorageTransaction(ctx context.Context, params provider.TxParams) (*provider.TxResult, error) {
	if strings.TrimSpace(params.OrderID) == "" {
		return nil, fmt.Errorf("%s: order id required", a.cfg.Slug)
	}
	if a.key == nil {
		// A configured key that never loaded is a degraded adapter, not
		// a walletless one; it must error rather than fabricate hashes.
		if strings.TrimSpace(a.cfg.PrivateKeyHex) != "" {
			return nil, fmt.Errorf("%s: hot wallet key configured but not loaded", a.cfg.Slug)
		}
		return a.mockSubmit(params)
	}
	if a.backend == nil {
		return nil, fmt.Errorf("%s: adapter not initialized", a.cfg.Slug)
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	nonce, err := a.backend.PendingNonceAt(ctx, a.from)
	if err != nil {
		return nil, fmt.Errorf("%s: fetch nonce: %w", a.cfg.Slug, err)
	}
	gasPrice, err := a.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: suggest gas price: %w", a.cfg.Slug, err)
	}
	to := common.HexToAddress(a.cfg.AllocatorAddr)
	data := allocationCalldata(params)
	gasLimit, err := a.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: a.from,
		To:   &to,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: estimate gas: %w", a.cfg.Slug, err)
	}
	gasLimit *= gasBufferNumerator

	tx := gethtypes.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	chainID := new(big.Int).SetUint64(a.cfg.ChainID)
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), a.key)
	if err != nil {
		return nil, fmt.Errorf("%s: sign transaction: %w", a.cfg.Slug, err)
	}
	if err := a.backend.SendTransaction(ctx, signed); err != nil {
		return &provider.TxResult{
			Success: false,
			Status:  models.TxFailed,
			Error:   err.Error(),
		}, nil
	}

	hash := signed.Hash().Hex()
	alloc := a.cfg.Allocate(params, hash)
	return &provider.TxResult{
		Success:         true,
		TxHash:          hash,
		Status:          models.TxSubmitted,
		FromAddress:     a.from.Hex(),
		ToAddress:       to.Hex(),
		GasPriceWei:     gasPrice.String(),
		Nonce:           nonce,
		StorageID:       alloc.StorageID,
		StorageEndpoint: alloc.Endpoint,
		StorageMetadata: encodeMetadata(alloc.Metadata),
		RawResponse:     fmt.Sprintf(`{"txHash":%q,"gasLimit":%d}`, hash, gasLimit),
	}, nil
}

// mockSubmit fabricates a deterministic pseudo-hash for walletless
// environments. Only reachable when AllowMock was configured.
func (a *Adapter) mockSubmit(params provider.TxParams) (*provider.TxResult, error) {
	if !a.cfg.AllowMock {
		return nil, fmt.Errorf("%s: hot wallet not configured", a.cfg.Slug)
	}
	hash := gethcrypto.Keccak256Hash([]byte(a.cfg.Slug + "|" + params.OrderID)).Hex()
	alloc := a.cfg.Allocate(params, hash)
	return &provider.TxResult{
		Success:         true,
		TxHash:          hash,
		Status:          models.TxPending,
		StorageID:       alloc.StorageID,
		StorageEndpoint: alloc.Endpoint,
		StorageMetadata: encodeMetadata(alloc.Metadata),
		RawResponse:     `{"mock":true}`,
	}, nil
}

// CheckTransactionStatus resolves the network state of a submission.
// Reverted receipts report FAILED; shallow inclusions report CONFIRMING
// until the confirmation threshold is reached.
func (a *Adapter) CheckTransactionStatus(ctx context.Context, txHash string) (*provider.StatusResult, error) {
	if a.backend == nil {
		return nil, fmt.Errorf("%s: adapter not initialized", a.cfg.Slug)
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	receipt, err := a.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &provider.StatusResult{Status: models.TxSubmitted}, nil
		}
		return nil, fmt.Errorf("%s: fetch receipt: %w", a.cfg.Slug, err)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return &provider.StatusResult{
			Status:      models.TxFailed,
			BlockNumber: receipt.BlockNumber.Uint64(),
			BlockHash:   receipt.BlockHash.Hex(),
			GasUsed:     receipt.GasUsed,
			Error:       "transaction reverted",
		}, nil
	}
	header, err := a.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: fetch head: %w", a.cfg.Slug, err)
	}
	confirmations := uint64(0)
	if header.Number.Cmp(receipt.BlockNumber) >= 0 {
		confirmations = new(big.Int).Sub(header.Number, receipt.BlockNumber).Uint64() + 1
	}
	status := models.TxConfirming
	if confirmations >= confirmationThreshold {
		status = models.TxConfirmed
	}
	return &provider.StatusResult{
		Status:        status,
		Confirmations: confirmations,
		BlockNumber:   receipt.BlockNumber.Uint64(),
		BlockHash:     receipt.BlockHash.Hex(),
		GasUsed:       receipt.GasUsed,
	}, nil
}

// ExplorerURL formats the backend's transaction link.
func (a *Adapter) ExplorerURL(txHash string) string {
	if a.cfg.ExplorerTxFmt == "" {
		return ""
	}
	return fmt.Sprintf(a.cfg.ExplorerTxFmt, txHash)
}

// allocationCalldata encodes the order intent carried in the transaction
// payload. The order id leads so the intent is recognisable on-chain.
func allocationCalldata(params provider.TxParams) []byte {
	payload := fmt.Sprintf("storagehub:%s:%s:%d:%d",
		params.OrderID, params.PlanExternalID, params.StorageSizeBytes, params.DurationDays)
	return []byte(payload)
}

func encodeMetadata(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	buf, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(buf)
}
