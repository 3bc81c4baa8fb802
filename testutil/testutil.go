package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/swapd/assets"
	"gitlab.com/arcanecrypto/swapd/chain"
	"gitlab.com/arcanecrypto/swapd/chain/mockchain"
)

// Chain IDs used across the test suite
const (
	ChainEth     = "ETH"
	ChainPolygon = "POLYGON"
)

// Operator commission addresses on the mock chains
var OperatorAddresses = map[string]string{
	ChainEth:     "eth1operator",
	ChainPolygon: "polygon1operator",
}

// DefaultRegistry returns the asset catalog the test suite swaps on:
// two chains, one of them with a non-native token
func DefaultRegistry(t *testing.T) *assets.Registry {
	registry, err := assets.NewRegistry([]assets.Asset{
		{Code: "ETH", ChainID: ChainEth, Native: true, Decimals: 18},
		{Code: "USDC", ChainID: ChainEth, Native: false, Decimals: 6},
		{Code: "MATIC", ChainID: ChainPolygon, Native: true, Decimals: 18},
	})
	require.NoError(t, err)
	return registry
}

// MockChains creates one mock plugin per registry chain, wired to the
// given quote source
func MockChains(quotes chain.QuoteSource) (map[string]chain.Plugin, map[string]*mockchain.Chain) {
	eth := mockchain.New(ChainEth, "ETH", quotes)
	polygon := mockchain.New(ChainPolygon, "MATIC", quotes)

	plugins := map[string]chain.Plugin{
		ChainEth:     eth,
		ChainPolygon: polygon,
	}
	mocks := map[string]*mockchain.Chain{
		ChainEth:     eth,
		ChainPolygon: polygon,
	}
	return plugins, mocks
}
