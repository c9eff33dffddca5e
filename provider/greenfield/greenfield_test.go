package greenfield

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"storagehub/models"
)

func TestDefaultsByNetwork(t *testing.T) {
	mainnet, err := New(Config{AllowMock: true})
	require.NoError(t, err)
	require.Equal(t, models.NetworkMainnet, mainnet.Network())
	require.EqualValues(t, 1017, mainnet.ChainID())
	require.Equal(t, "https://greenfieldscan.com/tx/0xabc", mainnet.ExplorerURL("0xabc"))

	testnet, err := New(Config{Network: models.NetworkTestnet, AllowMock: true})
	require.NoError(t, err)
	require.EqualValues(t, 5600, testnet.ChainID())
	require.Equal(t, "https://testnet.greenfieldscan.com/tx/0xabc", testnet.ExplorerURL("0xabc"))
}

func TestExplicitEndpointsWin(t *testing.T) {
	adapter, err := New(Config{
		Network:      models.NetworkTestnet,
		ChainID:      9000,
		RPCURL:       "http://localhost:26657",
		ExplorerBase: "https://scan.local",
		AllowMock:    true,
	})
	require.NoError(t, err)
	require.EqualValues(t, 9000, adapter.ChainID())
	require.Equal(t, "https://scan.local/tx/0xabc", adapter.ExplorerURL("0xabc"))
}

func TestCatalog(t *testing.T) {
	adapter, err := New(Config{AllowMock: true})
	require.NoError(t, err)
	plans, err := adapter.AvailablePlans(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 2)
	require.Equal(t, "gnfd-basic-10gb", plans[0].ExternalID)
}
