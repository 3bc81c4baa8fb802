package watcher_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/swapd/chain"
	"gitlab.com/arcanecrypto/swapd/chain/mockchain"
	"gitlab.com/arcanecrypto/swapd/models/deals"
	"gitlab.com/arcanecrypto/swapd/testutil"
	"gitlab.com/arcanecrypto/swapd/watcher"
)

type staticQuotes struct{}

func (staticQuotes) LatestQuote(chainID, pair string) (chain.Quote, error) {
	return chain.Quote{}, errors.New("no quotes in this test")
}

func setup(t *testing.T) (*testutil.MemStore, *mockchain.Chain, *watcher.Watcher, deals.Escrow) {
	store := testutil.NewMemStore()
	mock := mockchain.New("ETH", "ETH", staticQuotes{})
	mock.RequiredConfirms = 3

	account, err := mock.GenerateEscrowAccount("USDC")
	require.NoError(t, err)

	w := watcher.New(mock, store)
	return store, mock, w, deals.Escrow{Address: account.Address, KeyRef: account.KeyRef}
}

func TestReconcile(t *testing.T) {
	store, mock, w, escrow := setup(t)

	t.Run("returns a deposit exactly once", func(t *testing.T) {
		mock.Fund(escrow.Address, "USDC", decimal.NewFromInt(100), 1)

		fresh, err := w.Reconcile("deal-1", deals.PartyA, escrow)
		require.NoError(t, err)
		require.Len(t, fresh, 1)
		assert.Equal(t, "USDC@ETH", fresh[0].Asset, "deposits are stored qualified")
		assert.True(t, fresh[0].Amount.Equal(decimal.NewFromInt(100)))

		fresh, err = w.Reconcile("deal-1", deals.PartyA, escrow)
		require.NoError(t, err)
		assert.Empty(t, fresh, "re-observation is not fresh")
	})

	t.Run("re-observation bumps confirmations", func(t *testing.T) {
		mock.AdvanceConfirms(5)

		fresh, err := w.Reconcile("deal-1", deals.PartyA, escrow)
		require.NoError(t, err)
		assert.Empty(t, fresh)

		all, err := store.DealDeposits("deal-1")
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.EqualValues(t, 6, all[0].Confirms)
	})

	t.Run("cursor persists per address", func(t *testing.T) {
		cursor, err := store.Cursor("ETH", escrow.Address)
		require.NoError(t, err)
		assert.Equal(t, "1", cursor, "cursor moved past the finalized deposit")
	})

	t.Run("second deposit comes through after the cursor", func(t *testing.T) {
		mock.Fund(escrow.Address, "USDC", decimal.NewFromInt(50), 1)

		fresh, err := w.Reconcile("deal-1", deals.PartyA, escrow)
		require.NoError(t, err)
		require.Len(t, fresh, 1)
		assert.True(t, fresh[0].Amount.Equal(decimal.NewFromInt(50)))

		all, err := store.DealDeposits("deal-1")
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}
