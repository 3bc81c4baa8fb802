package deals_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/swapd/models/deals"
)

func sideUSDC(amount int64) deals.AssetSpec {
	return deals.AssetSpec{ChainID: "ETH", AssetCode: "USDC",
		Amount: decimal.NewFromInt(amount)}
}

func sideMATIC(amount int64) deals.AssetSpec {
	return deals.AssetSpec{ChainID: "POLYGON", AssetCode: "MATIC",
		Amount: decimal.NewFromInt(amount)}
}

func percentCommission() deals.CommissionReq {
	return deals.CommissionReq{Kind: deals.PercentBps, PercentBps: 30}
}

func TestNew(t *testing.T) {
	t.Run("creates a CREATED deal with an ID", func(t *testing.T) {
		deal, err := deals.New(sideUSDC(100), sideMATIC(200), 3600,
			percentCommission(), percentCommission())
		require.NoError(t, err)

		assert.NotEmpty(t, deal.ID)
		assert.Equal(t, deals.CREATED, deal.Stage)
		assert.Nil(t, deal.ExpiresAt)
		assert.False(t, deal.BothDetailsFilled())
	})

	t.Run("rejects short timeouts", func(t *testing.T) {
		_, err := deals.New(sideUSDC(100), sideMATIC(200), 299,
			percentCommission(), percentCommission())
		assert.Error(t, err)
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		_, err := deals.New(sideUSDC(0), sideMATIC(200), 3600,
			percentCommission(), percentCommission())
		assert.Error(t, err)
		_, err = deals.New(sideUSDC(100), sideMATIC(-1), 3600,
			percentCommission(), percentCommission())
		assert.Error(t, err)
	})
}

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to deals.Stage }{
		{deals.CREATED, deals.COLLECTION},
		{deals.CREATED, deals.REVERTED},
		{deals.COLLECTION, deals.COLLECTION},
		{deals.COLLECTION, deals.WAITING},
		{deals.COLLECTION, deals.REVERTED},
		{deals.WAITING, deals.CLOSED},
		{deals.WAITING, deals.REVERTED},
	}
	for _, tc := range legal {
		assert.True(t, deals.CanTransition(tc.from, tc.to),
			"%s -> %s should be legal", tc.from, tc.to)
	}

	illegal := []struct{ from, to deals.Stage }{
		{deals.CREATED, deals.WAITING},
		{deals.CREATED, deals.CLOSED},
		{deals.COLLECTION, deals.CREATED},
		{deals.WAITING, deals.COLLECTION},
		{deals.CLOSED, deals.REVERTED},
		{deals.REVERTED, deals.CREATED},
		{deals.REVERTED, deals.CLOSED},
	}
	for _, tc := range illegal {
		assert.False(t, deals.CanTransition(tc.from, tc.to),
			"%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestStageTerminal(t *testing.T) {
	assert.True(t, deals.CLOSED.Terminal())
	assert.True(t, deals.REVERTED.Terminal())
	assert.False(t, deals.CREATED.Terminal())
	assert.False(t, deals.COLLECTION.Terminal())
	assert.False(t, deals.WAITING.Terminal())
}

func TestPartyHelpers(t *testing.T) {
	assert.Equal(t, deals.PartyB, deals.PartyA.Counterparty())
	assert.Equal(t, deals.PartyA, deals.PartyB.Counterparty())
	assert.True(t, deals.PartyA.Valid())
	assert.False(t, deals.Party("C").Valid())
}

func TestExpired(t *testing.T) {
	deal, err := deals.New(sideUSDC(100), sideMATIC(200), 3600,
		percentCommission(), percentCommission())
	require.NoError(t, err)

	now := time.Now().UTC()
	assert.False(t, deal.Expired(now), "no expiry set yet")

	expiresAt := now.Add(time.Hour)
	deal.ExpiresAt = &expiresAt
	assert.False(t, deal.Expired(now))
	assert.True(t, deal.Expired(expiresAt))
	assert.True(t, deal.Expired(expiresAt.Add(time.Minute)))
}

func TestCommissionFrozen(t *testing.T) {
	t.Run("percent commissions never need freezing", func(t *testing.T) {
		assert.True(t, percentCommission().Frozen())
	})

	t.Run("fixed USD commissions freeze when pinned", func(t *testing.T) {
		req := deals.CommissionReq{Kind: deals.FixedUSDNative,
			USDFixed: decimal.NewFromInt(10)}
		assert.False(t, req.Frozen())

		pinned := decimal.RequireFromString("0.005")
		req.NativeFixed = &pinned
		assert.True(t, req.Frozen())
	})
}

func TestAccessors(t *testing.T) {
	deal, err := deals.New(sideUSDC(100), sideMATIC(200), 3600,
		percentCommission(), percentCommission())
	require.NoError(t, err)

	assert.Equal(t, "USDC", deal.Side(deals.PartyA).AssetCode)
	assert.Equal(t, "MATIC", deal.Side(deals.PartyB).AssetCode)
	assert.Nil(t, deal.Details(deals.PartyA))
	assert.Nil(t, deal.Escrow(deals.PartyB))

	details := deals.PartyDetails{PaybackAddress: "eth1payback",
		RecipientAddress: "polygon1recv", FilledAt: time.Now()}
	deal.DetailsA = &details
	assert.Equal(t, &details, deal.Details(deals.PartyA))
	assert.False(t, deal.BothDetailsFilled())
}
