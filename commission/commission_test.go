package commission_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/swapd/assets"
	"gitlab.com/arcanecrypto/swapd/commission"
	"gitlab.com/arcanecrypto/swapd/models/deals"
)

func testRegistry(t *testing.T) *assets.Registry {
	registry, err := assets.NewRegistry([]assets.Asset{
		{Code: "ETH", ChainID: "ETH", Native: true, Decimals: 18},
		{Code: "USDC", ChainID: "ETH", Native: false, Decimals: 6},
	})
	require.NoError(t, err)
	return registry
}

func dec(t *testing.T, s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestRequired(t *testing.T) {
	registry := testRegistry(t)

	t.Run("percent bps is denominated in the send asset", func(t *testing.T) {
		spec := deals.AssetSpec{ChainID: "ETH", AssetCode: "USDC", Amount: dec(t, "100")}
		req := deals.CommissionReq{Kind: deals.PercentBps, PercentBps: 30}

		asset, amount, err := commission.Required(spec, req, registry)
		require.NoError(t, err)
		assert.Equal(t, "USDC@ETH", asset)
		assert.True(t, amount.Equal(dec(t, "0.3")), "got %s", amount)
	})

	t.Run("percent bps rounds up at the asset precision", func(t *testing.T) {
		// 1 bps of 0.0333333 USDC = 0.00000333333, USDC has 6 decimals
		spec := deals.AssetSpec{ChainID: "ETH", AssetCode: "USDC", Amount: dec(t, "0.0333333")}
		req := deals.CommissionReq{Kind: deals.PercentBps, PercentBps: 1}

		_, amount, err := commission.Required(spec, req, registry)
		require.NoError(t, err)
		assert.True(t, amount.Equal(dec(t, "0.000004")), "got %s", amount)
	})

	t.Run("frozen fixed USD commission uses the native asset", func(t *testing.T) {
		frozen := dec(t, "0.005")
		spec := deals.AssetSpec{ChainID: "ETH", AssetCode: "USDC", Amount: dec(t, "100")}
		req := deals.CommissionReq{Kind: deals.FixedUSDNative,
			USDFixed: dec(t, "10"), NativeFixed: &frozen}

		asset, amount, err := commission.Required(spec, req, registry)
		require.NoError(t, err)
		assert.Equal(t, "ETH@ETH", asset)
		assert.True(t, amount.Equal(frozen))
	})

	t.Run("unfrozen fixed USD commission errors", func(t *testing.T) {
		spec := deals.AssetSpec{ChainID: "ETH", AssetCode: "USDC", Amount: dec(t, "100")}
		req := deals.CommissionReq{Kind: deals.FixedUSDNative, USDFixed: dec(t, "10")}

		_, _, err := commission.Required(spec, req, registry)
		assert.Error(t, err)
	})
}

func TestOwed(t *testing.T) {
	registry := testRegistry(t)

	t.Run("commission in the send asset folds into one total", func(t *testing.T) {
		spec := deals.AssetSpec{ChainID: "ETH", AssetCode: "USDC", Amount: dec(t, "100")}
		req := deals.CommissionReq{Kind: deals.PercentBps, PercentBps: 30}

		owed, err := commission.Owed(spec, req, registry)
		require.NoError(t, err)
		require.Len(t, owed, 1)
		assert.True(t, owed["USDC@ETH"].Equal(dec(t, "100.3")), "got %s", owed["USDC@ETH"])
	})

	t.Run("native commission on a token swap is a separate entry", func(t *testing.T) {
		frozen := dec(t, "0.005")
		spec := deals.AssetSpec{ChainID: "ETH", AssetCode: "USDC", Amount: dec(t, "100")}
		req := deals.CommissionReq{Kind: deals.FixedUSDNative,
			USDFixed: dec(t, "10"), NativeFixed: &frozen}

		owed, err := commission.Owed(spec, req, registry)
		require.NoError(t, err)
		require.Len(t, owed, 2)
		assert.True(t, owed["USDC@ETH"].Equal(dec(t, "100")))
		assert.True(t, owed["ETH@ETH"].Equal(frozen))
	})
}

func TestFunding(t *testing.T) {
	owed := map[string]decimal.Decimal{
		"USDC@ETH": decimal.RequireFromString("100.3"),
	}

	t.Run("exact funding is fully funded with no surplus", func(t *testing.T) {
		collected := map[string]decimal.Decimal{
			"USDC@ETH": decimal.RequireFromString("100.3"),
		}
		assert.True(t, commission.FullyFunded(owed, collected))
		assert.Empty(t, commission.Surplus(owed, collected))
		assert.Empty(t, commission.Deficit(owed, collected))
	})

	t.Run("overfunding shows up as surplus", func(t *testing.T) {
		collected := map[string]decimal.Decimal{
			"USDC@ETH": decimal.RequireFromString("105"),
		}
		assert.True(t, commission.FullyFunded(owed, collected))

		surplus := commission.Surplus(owed, collected)
		require.Len(t, surplus, 1)
		assert.True(t, surplus["USDC@ETH"].Equal(decimal.RequireFromString("4.7")),
			"got %s", surplus["USDC@ETH"])
	})

	t.Run("underfunding shows up as deficit", func(t *testing.T) {
		collected := map[string]decimal.Decimal{
			"USDC@ETH": decimal.RequireFromString("60"),
		}
		assert.False(t, commission.FullyFunded(owed, collected))

		deficit := commission.Deficit(owed, collected)
		require.Len(t, deficit, 1)
		assert.True(t, deficit["USDC@ETH"].Equal(decimal.RequireFromString("40.3")))
	})

	t.Run("unrequested assets are pure surplus", func(t *testing.T) {
		collected := map[string]decimal.Decimal{
			"USDC@ETH": decimal.RequireFromString("100.3"),
			"ETH@ETH":  decimal.RequireFromString("1"),
		}
		surplus := commission.Surplus(owed, collected)
		require.Len(t, surplus, 1)
		assert.True(t, surplus["ETH@ETH"].Equal(decimal.NewFromInt(1)))
	})

	t.Run("empty collection is not fully funded", func(t *testing.T) {
		assert.False(t, commission.FullyFunded(owed, nil))
	})
}
