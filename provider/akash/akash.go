// Package akash provides the Akash storage adapter. An allocation submits a
// deployment manifest through the provider API; the deployment sequence id
// stands in for the transaction hash.
package akash

import (
	"time"

	"storagehub/models"
	"storagehub/provider"
	"storagehub/provider/httpapi"
)

// Slug is the registry key for this adapter.
const Slug = "akash"

// Config carries the deployment-specific endpoints.
type Config struct {
	Network     models.NetworkType
	BaseURL     string
	APIKey      string
	GatewayBase string
	CallTimeout time.Duration
}

// New constructs the Akash adapter.
func New(cfg Config) (provider.Adapter, error) {
	gateway := cfg.GatewayBase
	if gateway == "" {
		gateway = "https://console.akash.example/deployments"
	}
	return httpapi.New(httpapi.Config{
		Slug:         Slug,
		Network:      cfg.Network,
		BaseURL:      cfg.BaseURL,
		APIKey:       cfg.APIKey,
		GatewayBase:  gateway,
		ExplorerFmt:  gateway + "/%s",
		CallTimeout:  cfg.CallTimeout,
		AllocatePath: "/v1/deployments",
		Catalog:      catalog(),
		StorageEndpoint: func(id string) string {
			return gateway + "/" + id
		},
		Metadata: func(params provider.TxParams, id string) map[string]string {
			return map[string]string{
				"network":    string(cfg.Network),
				"deployment": id,
			}
		},
	})
}

func catalog() []provider.Plan {
	const gib = uint64(1) << 30
	return []provider.Plan{
		{
			ExternalID:   "akash-vol-50gb",
			Name:         "Akash Persistent Volume 50GB",
			SizeGb:       50,
			SizeBytes:    50 * gib,
			DurationDays: 90,
			PriceCents:   899,
			Currency:     "USD",
			Available:    true,
		},
		{
			ExternalID:   "akash-vol-250gb",
			Name:         "Akash Persistent Volume 250GB",
			SizeGb:       250,
			SizeBytes:    250 * gib,
			DurationDays: 180,
			PriceCents:   2999,
			Currency:     "USD",
			Available:    true,
		},
	}
}
