// Package httpapi implements the shared adapter machinery for API-style
// storage backends (Storj, Lighthouse, Akash): an HTTP allocation call
// returns a content or deployment identifier that stands in for a
// transaction hash, and a gateway probe confirms the allocation.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"storagehub/models"
	"storagehub/provider"
)

// Config parametrises one API-family adapter.
type Config struct {
	Slug        string
	Network     models.NetworkType
	BaseURL     string
	APIKey      string
	GatewayBase string
	ExplorerFmt string
	CallTimeout time.Duration
	Catalog     []provider.Plan

	// AllocatePath is the endpoint receiving allocation requests.
	AllocatePath string
	// StorageEndpoint derives the public endpoint from the returned id.
	StorageEndpoint func(id string) string
	// Metadata supplies backend-specific order metadata.
	Metadata func(params provider.TxParams, id string) map[string]string
}

// allocateRequest is the wire form of an allocation call.
type allocateRequest struct {
	OrderID      string `json:"order_id"`
	PlanID       string `json:"plan_id"`
	SizeBytes    uint64 `json:"size_bytes"`
	DurationDays int    `json:"duration_days"`
}

// allocateResponse carries the identifier the backend minted for us.
type allocateResponse struct {
	ID     string `json:"id"`
	CID    string `json:"cid"`
	Status string `json:"status"`
}

// Adapter is a provider.Adapter over an HTTP storage API.
type Adapter struct {
	cfg  Config
	http *http.Client
}

var _ provider.Adapter = (*Adapter)(nil)

// New constructs an API adapter.
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.Slug) == "" {
		return nil, fmt.Errorf("httpapi: slug required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("httpapi: base url required for %s", cfg.Slug)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.AllocatePath == "" {
		cfg.AllocatePath = "/v1/allocations"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.GatewayBase = strings.TrimRight(cfg.GatewayBase, "/")
	return &Adapter{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.CallTimeout},
	}, nil
}

// WithHTTPClient overrides the transport (test seam).
func (a *Adapter) WithHTTPClient(c *http.Client) *Adapter {
	a.http = c
	return a
}

// Slug implements provider.Adapter.
func (a *Adapter) Slug() string { return a.cfg.Slug }

// Network implements provider.Adapter.
func (a *Adapter) Network() models.NetworkType { return a.cfg.Network }

// ChainID is zero for API backends.
func (a *Adapter) ChainID() uint64 { return 0 }

// Initialize verifies the API key is present. The transport itself is lazy.
func (a *Adapter) Initialize(ctx context.Context) error {
	if strings.TrimSpace(a.cfg.APIKey) == "" {
		return fmt.Errorf("%s: api key not configured", a.cfg.Slug)
	}
	return nil
}

// IsAvailable issues a HEAD against the API root.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.cfg.BaseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// AvailablePlans returns the static catalog.
func (a *Adapter) AvailablePlans(ctx context.Context) ([]provider.Plan, error) {
	plans := make([]provider.Plan, len(a.cfg.Catalog))
	copy(plans, a.cfg.Catalog)
	return plans, nil
}

// ExecuteStorageTransaction posts the allocation. The backend keys the
// allocation on order_id, so a repeated call returns the same identifier.
func (a *Adapter) ExecuteStorageTransaction(ctx context.Context, params provider.TxParams) (*provider.TxResult, error) {
	if strings.TrimSpace(params.OrderID) == "" {
		return nil, fmt.Errorf("%s: order id required", a.cfg.Slug)
	}
	body, err := json.Marshal(allocateRequest{
		OrderID:      params.OrderID,
		PlanID:       params.PlanExternalID,
		SizeBytes:    params.StorageSizeBytes,
		DurationDays: params.DurationDays,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+a.cfg.AllocatePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: allocation call: %w", a.cfg.Slug, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &provider.TxResult{
			Success: false,
			Status:  models.TxFailed,
			Error:   fmt.Sprintf("allocation rejected: status=%d", resp.StatusCode),
		}, nil
	}
	var out allocateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode allocation response: %w", a.cfg.Slug, err)
	}
	id := out.ID
	if id == "" {
		id = out.CID
	}
	if id == "" {
		return &provider.TxResult{
			Success: false,
			Status:  models.TxFailed,
			Error:   "allocation response missing identifier",
		}, nil
	}
	endpoint := ""
	if a.cfg.StorageEndpoint != nil {
		endpoint = a.cfg.StorageEndpoint(id)
	}
	meta := ""
	if a.cfg.Metadata != nil {
		if m := a.cfg.Metadata(params, id); len(m) > 0 {
			buf, _ := json.Marshal(m)
			meta = string(buf)
		}
	}
	raw, _ := json.Marshal(out)
	return &provider.TxResult{
		Success:         true,
		TxHash:          id,
		Status:          models.TxSubmitted,
		StorageID:       id,
		StorageEndpoint: endpoint,
		StorageMetadata: meta,
		RawResponse:     string(raw),
	}, nil
}

// CheckTransactionStatus probes the gateway for the allocated object. A
// successful probe confirms the allocation; 404 means still propagating.
func (a *Adapter) CheckTransactionStatus(ctx context.Context, txHash string) (*provider.StatusResult, error) {
	if a.cfg.GatewayBase == "" {
		return &provider.StatusResult{Status: models.TxConfirmed, Confirmations: 1}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.cfg.GatewayBase+"/"+txHash, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: gateway probe: %w", a.cfg.Slug, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		return &provider.StatusResult{Status: models.TxConfirmed, Confirmations: 1}, nil
	case resp.StatusCode == http.StatusNotFound:
		return &provider.StatusResult{Status: models.TxConfirming}, nil
	case resp.StatusCode == http.StatusGone:
		return &provider.StatusResult{
			Status: models.TxFailed,
			Error:  "allocation no longer present on gateway",
		}, nil
	default:
		return &provider.StatusResult{
			Status: models.TxConfirming,
			Error:  fmt.Sprintf("gateway status %d", resp.StatusCode),
		}, nil
	}
}

// ExplorerURL formats the backend's object link.
func (a *Adapter) ExplorerURL(txHash string) string {
	if a.cfg.ExplorerFmt == "" {
		return ""
	}
	return fmt.Sprintf(a.cfg.ExplorerFmt, txHash)
}
