// Package storj provides the Storj DCS storage adapter, an API-style
// backend whose allocation returns a bucket access grant identifier.
package storj

import (
	"time"

	"storagehub/models"
	"storagehub/provider"
	"storagehub/provider/httpapi"
)

// Slug is the registry key for this adapter.
const Slug = "storj"

// Config carries the deployment-specific endpoints.
type Config struct {
	Network     models.NetworkType
	BaseURL     string
	APIKey      string
	GatewayBase string
	CallTimeout time.Duration
}

// New constructs the Storj adapter.
func New(cfg Config) (provider.Adapter, error) {
	gateway := cfg.GatewayBase
	if gateway == "" {
		gateway = "https://link.storjshare.io"
	}
	return httpapi.New(httpapi.Config{
		Slug:         Slug,
		Network:      cfg.Network,
		BaseURL:      cfg.BaseURL,
		APIKey:       cfg.APIKey,
		GatewayBase:  gateway,
		ExplorerFmt:  gateway + "/s/%s",
		CallTimeout:  cfg.CallTimeout,
		AllocatePath: "/v1/buckets",
		Catalog:      catalog(),
		StorageEndpoint: func(id string) string {
			return gateway + "/s/" + id
		},
		Metadata: func(params provider.TxParams, id string) map[string]string {
			return map[string]string{
				"network": string(cfg.Network),
				"grant":   id,
			}
		},
	})
}

func catalog() []provider.Plan {
	const gib = uint64(1) << 30
	return []provider.Plan{
		{
			ExternalID:   "storj-lite-25gb",
			Name:         "Storj Lite 25GB",
			SizeGb:       25,
			SizeBytes:    25 * gib,
			DurationDays: 30,
			PriceCents:   199,
			Currency:     "USD",
			Available:    true,
		},
		{
			ExternalID:   "storj-team-1tb",
			Name:         "Storj Team 1TB",
			SizeGb:       1024,
			SizeBytes:    1024 * gib,
			DurationDays: 365,
			PriceCents:   4799,
			Currency:     "USD",
			Available:    true,
		},
	}
}
