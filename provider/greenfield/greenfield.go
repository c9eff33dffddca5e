// Package greenfield provides the BNB Greenfield storage adapter. An
// allocation submits a bucket-creation transaction; the bucket name is
// derived from the order id so resubmission targets the same bucket.
package greenfield

import (
	"fmt"
	"time"

	"storagehub/models"
	"storagehub/provider"
	"storagehub/provider/evm"
)

// Slug is the registry key for this adapter.
const Slug = "greenfield"

// Public BNB Chain RPC and GreenfieldScan endpoints, used when the
// catalog entry leaves them blank.
const (
	mainnetRPC      = "https://greenfield-chain.bnbchain.org:443"
	mainnetExplorer = "https://greenfieldscan.com"
	mainnetChainID  = 1017

	testnetRPC      = "https://gnfd-testnet-fullnode-tendermint-us.bnbchain.org:443"
	testnetExplorer = "https://testnet.greenfieldscan.com"
	testnetChainID  = 5600
)

// Config carries the deployment-specific endpoints.
type Config struct {
	Network       models.NetworkType
	ChainID       uint64
	RPCURL        string
	PrivateKeyHex string
	AllowMock     bool
	AllocatorAddr string
	ExplorerBase  string
	SPEndpoint    string
	CallTimeout   time.Duration
}

// withDefaults fills endpoint gaps from the public mainnet or testnet
// infrastructure.
func (c Config) withDefaults() Config {
	if c.Network == "" {
		c.Network = models.NetworkMainnet
	}
	testnet := c.Network == models.NetworkTestnet
	if c.RPCURL == "" {
		if testnet {
			c.RPCURL = testnetRPC
		} else {
			c.RPCURL = mainnetRPC
		}
	}
	if c.ExplorerBase == "" {
		if testnet {
			c.ExplorerBase = testnetExplorer
		} else {
			c.ExplorerBase = mainnetExplorer
		}
	}
	if c.ChainID == 0 {
		if testnet {
			c.ChainID = testnetChainID
		} else {
			c.ChainID = mainnetChainID
		}
	}
	return c
}

// New constructs the Greenfield adapter.
func New(cfg Config) (provider.Adapter, error) {
	cfg = cfg.withDefaults()
	sp := cfg.SPEndpoint
	if sp == "" {
		sp = "https://sp.greenfield.example"
	}
	return evm.New(evm.Config{
		Slug:          Slug,
		Network:       cfg.Network,
		ChainID:       cfg.ChainID,
		RPCURL:        cfg.RPCURL,
		PrivateKeyHex: cfg.PrivateKeyHex,
		AllowMock:     cfg.AllowMock,
		AllocatorAddr: cfg.AllocatorAddr,
		ExplorerTxFmt: cfg.ExplorerBase + "/tx/%s",
		CallTimeout:   cfg.CallTimeout,
		Catalog:       catalog(),
		Allocate: func(params provider.TxParams, txHash string) evm.Allocation {
			bucket := "sh-" + params.OrderID
			return evm.Allocation{
				StorageID: bucket,
				Endpoint:  fmt.Sprintf("%s/view/%s", sp, bucket),
				Metadata: map[string]string{
					"network":    string(cfg.Network),
					"visibility": "private",
				},
			}
		},
	})
}

func catalog() []provider.Plan {
	const gib = uint64(1) << 30
	return []provider.Plan{
		{
			ExternalID:   "gnfd-basic-10gb",
			Name:         "Greenfield Basic 10GB",
			SizeGb:       10,
			SizeBytes:    10 * gib,
			DurationDays: 90,
			PriceCents:   299,
			PriceNative:  "0.012",
			Currency:     "USD",
			Available:    true,
		},
		{
			ExternalID:   "gnfd-pro-500gb",
			Name:         "Greenfield Pro 500GB",
			SizeGb:       500,
			SizeBytes:    500 * gib,
			DurationDays: 365,
			PriceCents:   3999,
			PriceNative:  "0.21",
			Currency:     "USD",
			Available:    true,
		},
	}
}
