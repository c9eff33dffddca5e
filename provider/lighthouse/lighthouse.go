// Package lighthouse provides the Lighthouse perpetual-storage adapter.
// Allocations upload through the Lighthouse node API and return an IPFS
// CID; confirmation is a gateway probe, with PoDSI attestation recorded in
// the order metadata once the underlying Filecoin deal seals.
package lighthouse

import (
	"time"

	"storagehub/models"
	"storagehub/provider"
	"storagehub/provider/httpapi"
)

// Slug is the registry key for this adapter. Distinct from the Filecoin
// FEVM adapter even though both ultimately settle on Filecoin deals.
const Slug = "lighthouse"

// Config carries the deployment-specific endpoints.
type Config struct {
	Network     models.NetworkType
	BaseURL     string
	APIKey      string
	GatewayBase string
	CallTimeout time.Duration
}

// New constructs the Lighthouse adapter.
func New(cfg Config) (provider.Adapter, error) {
	gateway := cfg.GatewayBase
	if gateway == "" {
		gateway = "https://gateway.lighthouse.storage/ipfs"
	}
	return httpapi.New(httpapi.Config{
		Slug:         Slug,
		Network:      cfg.Network,
		BaseURL:      cfg.BaseURL,
		APIKey:       cfg.APIKey,
		GatewayBase:  gateway,
		ExplorerFmt:  gateway + "/%s",
		CallTimeout:  cfg.CallTimeout,
		AllocatePath: "/api/v0/add",
		Catalog:      catalog(),
		StorageEndpoint: func(id string) string {
			return gateway + "/" + id
		},
		Metadata: func(params provider.TxParams, id string) map[string]string {
			return map[string]string{
				"network": string(cfg.Network),
				"cid":     id,
				"proof":   "podsi-pending",
			}
		},
	})
}

func catalog() []provider.Plan {
	const gib = uint64(1) << 30
	return []provider.Plan{
		{
			ExternalID:   "lh-perpetual-5gb",
			Name:         "Lighthouse Perpetual 5GB",
			SizeGb:       5,
			SizeBytes:    5 * gib,
			DurationDays: 3650,
			PriceCents:   499,
			Currency:     "USD",
			Available:    true,
		},
		{
			ExternalID:   "lh-perpetual-100gb",
			Name:         "Lighthouse Perpetual 100GB",
			SizeGb:       100,
			SizeBytes:    100 * gib,
			DurationDays: 3650,
			PriceCents:   5999,
			Currency:     "USD",
			Available:    true,
		},
	}
}
