package evm

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"storagehub/models"
	"storagehub/provider"
)

// testKey is a throwaway secp256k1 key used only in tests.
const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fakeBackend struct {
	head        uint64
	nonce       uint64
	gasPrice    *big.Int
	gasEstimate uint64
	sendErr     error
	sent        []*gethtypes.Transaction
	receipts    map[common.Hash]*gethtypes.Receipt
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		head:        100,
		nonce:       7,
		gasPrice:    big.NewInt(2_000_000_000),
		gasEstimate: 21000,
		receipts:    map[common.Hash]*gethtypes.Receipt{},
	}
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }
func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}
func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}
func (f *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return f.gasEstimate, nil
}
func (f *fakeBackend) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}
func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: new(big.Int).SetUint64(f.head)}, nil
}

func newTestAdapter(t *testing.T, backend Backend, mutate func(*Config)) *Adapter {
	t.Helper()
	cfg := Config{
		Slug:          "filecoin",
		Network:       models.NetworkTestnet,
		ChainID:       314159,
		RPCURL:        "http://localhost:1234/rpc/v1",
		PrivateKeyHex: testKey,
		AllocatorAddr: "0x00000000000000000000000000000000000000aa",
		ExplorerTxFmt: "https://calibration.filfox.info/message/%s",
		Catalog: []provider.Plan{
			{ExternalID: "fil-starter-1gb", SizeGb: 1, DurationDays: 180, PriceCents: 99, Currency: "usd", Available: true},
		},
		Allocate: func(params provider.TxParams, txHash string) Allocation {
			return Allocation{StorageID: "fil-deal-" + params.OrderID, Endpoint: "https://gw.test/" + params.OrderID}
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	adapter, err := New(cfg)
	require.NoError(t, err)
	adapter.WithBackend(backend)
	require.NoError(t, adapter.Initialize(context.Background()))
	return adapter
}

func TestExecuteStorageTransaction(t *testing.T) {
	backend := newFakeBackend()
	adapter := newTestAdapter(t, backend, nil)

	res, err := adapter.ExecuteStorageTransaction(context.Background(), provider.TxParams{
		OrderID:          "order-1",
		PlanExternalID:   "fil-starter-1gb",
		StorageSizeBytes: 1 << 30,
		DurationDays:     180,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, models.TxSubmitted, res.Status)
	require.NotEmpty(t, res.TxHash)
	require.EqualValues(t, 7, res.Nonce)
	require.Equal(t, "2000000000", res.GasPriceWei)
	require.Equal(t, "fil-deal-order-1", res.StorageID)

	require.Len(t, backend.sent, 1)
	sent := backend.sent[0]
	// Gas estimate is doubled before submission.
	require.EqualValues(t, 42000, sent.Gas())
	require.Contains(t, string(sent.Data()), "order-1")
}

func TestExecuteRejectsEmptyOrder(t *testing.T) {
	adapter := newTestAdapter(t, newFakeBackend(), nil)
	_, err := adapter.ExecuteStorageTransaction(context.Background(), provider.TxParams{})
	require.Error(t, err)
}

func TestSendFailureIsNotAnError(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = context.DeadlineExceeded
	adapter := newTestAdapter(t, backend, nil)

	res, err := adapter.ExecuteStorageTransaction(context.Background(), provider.TxParams{OrderID: "order-2"})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, models.TxFailed, res.Status)
	require.NotEmpty(t, res.Error)
}

func TestMockSubmitRequiresOptIn(t *testing.T) {
	backend := newFakeBackend()
	adapter := newTestAdapter(t, backend, func(cfg *Config) {
		cfg.PrivateKeyHex = ""
		cfg.AllowMock = true
	})

	first, err := adapter.ExecuteStorageTransaction(context.Background(), provider.TxParams{OrderID: "order-3"})
	require.NoError(t, err)
	second, err := adapter.ExecuteStorageTransaction(context.Background(), provider.TxParams{OrderID: "order-3"})
	require.NoError(t, err)
	require.Equal(t, first.TxHash, second.TxHash, "mock hash must be deterministic per order")
	require.Empty(t, backend.sent, "mock submission must never reach the network")

	// Walletless without the explicit toggle fails initialization.
	bare, err := New(Config{
		Slug: "filecoin", RPCURL: "http://localhost:1234",
		Allocate: func(provider.TxParams, string) Allocation { return Allocation{} },
	})
	require.NoError(t, err)
	bare.WithBackend(newFakeBackend())
	require.Error(t, bare.Initialize(context.Background()))
}

func TestUnloadedKeyNeverMocks(t *testing.T) {
	// A configured key that was never loaded (Initialize skipped or
	// failed) must surface an error instead of minting mock hashes.
	adapter, err := New(Config{
		Slug: "filecoin", RPCURL: "http://localhost:1234",
		PrivateKeyHex: testKey, AllowMock: true,
		Allocate: func(provider.TxParams, string) Allocation { return Allocation{} },
	})
	require.NoError(t, err)
	adapter.WithBackend(newFakeBackend())

	_, err = adapter.ExecuteStorageTransaction(context.Background(), provider.TxParams{OrderID: "order-4"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not loaded")
}

func TestCheckTransactionStatus(t *testing.T) {
	backend := newFakeBackend()
	adapter := newTestAdapter(t, backend, nil)
	ctx := context.Background()
	hash := common.HexToHash("0x01")

	// Unknown hash: still waiting for inclusion.
	res, err := adapter.CheckTransactionStatus(ctx, hash.Hex())
	require.NoError(t, err)
	require.Equal(t, models.TxSubmitted, res.Status)

	// Included two blocks back: confirming.
	backend.receipts[hash] = &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(99),
		BlockHash:   common.HexToHash("0xb1"),
		GasUsed:     21000,
	}
	res, err = adapter.CheckTransactionStatus(ctx, hash.Hex())
	require.NoError(t, err)
	require.Equal(t, models.TxConfirming, res.Status)
	require.EqualValues(t, 2, res.Confirmations)

	// Five confirmations: confirmed.
	backend.head = 103
	res, err = adapter.CheckTransactionStatus(ctx, hash.Hex())
	require.NoError(t, err)
	require.Equal(t, models.TxConfirmed, res.Status)
	require.EqualValues(t, 5, res.Confirmations)

	// Reverted receipt: failed with the revert marker.
	backend.receipts[hash] = &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusFailed,
		BlockNumber: big.NewInt(99),
		BlockHash:   common.HexToHash("0xb1"),
		GasUsed:     21000,
	}
	res, err = adapter.CheckTransactionStatus(ctx, hash.Hex())
	require.NoError(t, err)
	require.Equal(t, models.TxFailed, res.Status)
	require.Equal(t, "transaction reverted", res.Error)
}

func TestExplorerURL(t *testing.T) {
	adapter := newTestAdapter(t, newFakeBackend(), nil)
	require.Equal(t,
		"https://calibration.filfox.info/message/0xabc",
		adapter.ExplorerURL("0xabc"))
}
