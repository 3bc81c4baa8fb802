package assets_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/swapd/assets"
)

func TestParseCode(t *testing.T) {
	t.Run("round trips through Qualify", func(t *testing.T) {
		code, chainID, err := assets.ParseCode(assets.Qualify("USDC", "ETH"))
		require.NoError(t, err)
		assert.Equal(t, "USDC", code)
		assert.Equal(t, "ETH", chainID)
	})

	t.Run("rejects malformed codes", func(t *testing.T) {
		for _, bad := range []string{"", "USDC", "@ETH", "USDC@", "USDC@ETH@X"} {
			_, _, err := assets.ParseCode(bad)
			assert.Error(t, err, "expected %q to be rejected", bad)
		}
	})
}

func TestNewRegistry(t *testing.T) {
	t.Run("accepts one native asset per chain", func(t *testing.T) {
		registry, err := assets.NewRegistry([]assets.Asset{
			{Code: "ETH", ChainID: "ETH", Native: true, Decimals: 18},
			{Code: "USDC", ChainID: "ETH", Native: false, Decimals: 6},
		})
		require.NoError(t, err)

		native, err := registry.Native("ETH")
		require.NoError(t, err)
		assert.Equal(t, "ETH", native.Code)
	})

	t.Run("rejects a chain with two native assets", func(t *testing.T) {
		_, err := assets.NewRegistry([]assets.Asset{
			{Code: "ETH", ChainID: "ETH", Native: true, Decimals: 18},
			{Code: "WETH", ChainID: "ETH", Native: true, Decimals: 18},
		})
		assert.Error(t, err)
	})

	t.Run("rejects a chain without a native asset", func(t *testing.T) {
		_, err := assets.NewRegistry([]assets.Asset{
			{Code: "USDC", ChainID: "ETH", Native: false, Decimals: 6},
		})
		assert.Error(t, err)
	})

	t.Run("rejects duplicate registration", func(t *testing.T) {
		_, err := assets.NewRegistry([]assets.Asset{
			{Code: "ETH", ChainID: "ETH", Native: true, Decimals: 18},
			{Code: "ETH", ChainID: "ETH", Native: false, Decimals: 18},
		})
		assert.Error(t, err)
	})
}

func TestRegistryLookups(t *testing.T) {
	registry, err := assets.NewRegistry([]assets.Asset{
		{Code: "ETH", ChainID: "ETH", Native: true, Decimals: 18},
		{Code: "USDC", ChainID: "ETH", Native: false, Decimals: 6},
		{Code: "MATIC", ChainID: "POLYGON", Native: true, Decimals: 18},
	})
	require.NoError(t, err)

	t.Run("gets by code and chain", func(t *testing.T) {
		asset, err := registry.Get("USDC", "ETH")
		require.NoError(t, err)
		assert.Equal(t, int32(6), asset.Decimals)
		assert.Equal(t, "USDC@ETH", asset.Qualified())
	})

	t.Run("gets by qualified code", func(t *testing.T) {
		asset, err := registry.GetQualified("MATIC@POLYGON")
		require.NoError(t, err)
		assert.True(t, asset.Native)
	})

	t.Run("unknown assets error", func(t *testing.T) {
		_, err := registry.Get("DOGE", "ETH")
		assert.Error(t, err)
		_, err = registry.Native("SOLANA")
		assert.Error(t, err)
	})

	t.Run("lists all chains", func(t *testing.T) {
		assert.ElementsMatch(t, []string{"ETH", "POLYGON"}, registry.Chains())
	})
}
