package provider

import (
	"context"
	"errors"
	"testing"

	"storagehub/models"
)

type stubAdapter struct {
	slug      string
	initErr   error
	available bool
}

func (s *stubAdapter) Slug() string                         { return s.slug }
func (s *stubAdapter) Network() models.NetworkType          { return models.NetworkTestnet }
func (s *stubAdapter) ChainID() uint64                      { return 0 }
func (s *stubAdapter) Initialize(ctx context.Context) error { return s.initErr }
func (s *stubAdapter) IsAvailable(ctx context.Context) bool { return s.available }
func (s *stubAdapter) ExplorerURL(txHash string) string     { return "" }
func (s *stubAdapter) AvailablePlans(ctx context.Context) ([]Plan, error) {
	return nil, nil
}
func (s *stubAdapter) ExecuteStorageTransaction(ctx context.Context, params TxParams) (*TxResult, error) {
	return nil, errors.New("not implemented")
}
func (s *stubAdapter) CheckTransactionStatus(ctx context.Context, txHash string) (*StatusResult, error) {
	return nil, errors.New("not implemented")
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	if err := r.Register(ctx, &stubAdapter{slug: "filecoin"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(ctx, &stubAdapter{slug: "filecoin"}); err == nil {
		t.Fatal("duplicate slug must be rejected")
	}
	if _, err := r.Get("filecoin"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := r.Get("unknown"); err == nil {
		t.Fatal("missing slug must error")
	}
	if got := r.GetOrNone("unknown"); got != nil {
		t.Fatal("GetOrNone must return nil on miss")
	}
}

func TestRegistryDegradedOnInitFailure(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	if err := r.Register(ctx, &stubAdapter{slug: "storj", initErr: errors.New("bad key")}); err != nil {
		t.Fatalf("register must tolerate init failure: %v", err)
	}
	if !r.Degraded("storj") {
		t.Fatal("failed init must flag degraded")
	}
	// Degraded adapters stay resolvable; callers decide what to do.
	if _, err := r.Get("storj"); err != nil {
		t.Fatalf("degraded adapter must stay registered: %v", err)
	}
}

func TestRegistryAllSortedAndAvailable(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	for _, a := range []*stubAdapter{
		{slug: "storj", available: true},
		{slug: "akash"},
		{slug: "filecoin", available: true},
	} {
		if err := r.Register(ctx, a); err != nil {
			t.Fatalf("register %s: %v", a.slug, err)
		}
	}

	all := r.All()
	want := []string{"akash", "filecoin", "storj"}
	if len(all) != len(want) {
		t.Fatalf("len(all) = %d", len(all))
	}
	for i, a := range all {
		if a.Slug() != want[i] {
			t.Errorf("all[%d] = %s, want %s", i, a.Slug(), want[i])
		}
	}

	avail := r.Available(ctx)
	if len(avail) != 2 {
		t.Fatalf("expected 2 available adapters, got %d", len(avail))
	}
}
