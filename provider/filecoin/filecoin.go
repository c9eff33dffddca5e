// Package filecoin provides the Filecoin FEVM storage adapter. Allocations
// are deal-intent transactions submitted through the platform hot wallet;
// the resulting deal identifier doubles as the order's storage id.
package filecoin

import (
	"fmt"
	"time"

	"storagehub/models"
	"storagehub/provider"
	"storagehub/provider/evm"
)

// Slug is the registry key for this adapter.
const Slug = "filecoin"

// Public Glif gateway and Filfox explorer endpoints, used when the
// catalog entry leaves them blank.
const (
	mainnetRPC      = "https://api.node.glif.io/rpc/v1"
	mainnetExplorer = "https://filfox.info/en"
	mainnetChainID  = 314

	calibrationRPC      = "https://api.calibration.node.glif.io/rpc/v1"
	calibrationExplorer = "https://calibration.filfox.info/en"
	calibrationChainID  = 314159
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
	GatewayBase   string
	CallTimeout   time.Duration
}

// withDefaults fills endpoint gaps from the public mainnet or calibration
// testnet infrastructure.
func (c Config) withDefaults() Config {
	if c.Network == "" {
		c.Network = models.NetworkMainnet
	}
	testnet := c.Network == models.NetworkTestnet
	if c.RPCURL == "" {
		if testnet {
			c.RPCURL = calibrationRPC
		} else {
			c.RPCURL = mainnetRPC
		}
	}
	if c.ExplorerBase == "" {
		if testnet {
			c.ExplorerBase = calibrationExplorer
		} else {
			c.ExplorerBase = mainnetExplorer
		}
	}
	if c.ChainID == 0 {
		if testnet {
			c.ChainID = calibrationChainID
		} else {
			c.ChainID = mainnetChainID
		}
	}
	return c
}

// New constructs the Filecoin adapter.
func New(cfg Config) (provider.Adapter, error) {
	cfg = cfg.withDefaults()
	gateway := cfg.GatewayBase
	if gateway == "" {
		gateway = "https://gateway.filecoin.example"
	}
	return evm.New(evm.Config{
		Slug:          Slug,
		Network:       cfg.Network,
		ChainID:       cfg.ChainID,
		RPCURL:        cfg.RPCURL,
		PrivateKeyHex: cfg.PrivateKeyHex,
		AllowMock:     cfg.AllowMock,
		AllocatorAddr: cfg.AllocatorAddr,
		ExplorerTxFmt: cfg.ExplorerBase + "/message/%s",
		CallTimeout:   cfg.CallTimeout,
		Catalog:       catalog(),
		Allocate: func(params provider.TxParams, txHash string) evm.Allocation {
			dealID := "fil-deal-" + params.OrderID
			return evm.Allocation{
				StorageID: dealID,
				Endpoint:  fmt.Sprintf("%s/deal/%s", gateway, dealID),
				Metadata: map[string]string{
					"network":  string(cfg.Network),
					"dealType": "verified",
					"proof":    "podsi-pending",
				},
			}
		},
	})
}

func catalog() []provider.Plan {
	const gib = uint64(1) << 30
	return []provider.Plan{
		{
			ExternalID:   "fil-starter-1gb",
			Name:         "Filecoin Starter 1GB",
			SizeGb:       1,
			SizeBytes:    1 * gib,
			DurationDays: 180,
			PriceCents:   99,
			PriceNative:  "0.0035",
			Currency:     "USD",
			Available:    true,
		},
		{
			ExternalID:   "fil-standard-100gb",
			Name:         "Filecoin Standard 100GB",
			SizeGb:       100,
			SizeBytes:    100 * gib,
			DurationDays: 365,
			PriceCents:   1499,
			PriceNative:  "0.52",
			Currency:     "USD",
			Available:    true,
		},
		{
			ExternalID:   "fil-archive-1tb",
			Name:         "Filecoin Archive 1TB",
			SizeGb:       1024,
			SizeBytes:    1024 * gib,
			DurationDays: 540,
			PriceCents:   9900,
			PriceNative:  "3.4",
			Currency:     "USD",
			Available:    true,
		},
	}
}
