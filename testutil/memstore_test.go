package testutil_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/swapd/models/deals"
	"gitlab.com/arcanecrypto/swapd/models/deposits"
	"gitlab.com/arcanecrypto/swapd/models/queue"
	"gitlab.com/arcanecrypto/swapd/models/tokens"
	"gitlab.com/arcanecrypto/swapd/testutil"
)

func newStoredDeal(t *testing.T, store *testutil.MemStore) (deals.Deal, tokens.Token, tokens.Token) {
	deal, err := deals.New(
		deals.AssetSpec{ChainID: "ETH", AssetCode: "USDC", Amount: decimal.NewFromInt(100)},
		deals.AssetSpec{ChainID: "POLYGON", AssetCode: "MATIC", Amount: decimal.NewFromInt(200)},
		3600,
		deals.CommissionReq{Kind: deals.PercentBps, PercentBps: 30},
		deals.CommissionReq{Kind: deals.PercentBps, PercentBps: 30})
	require.NoError(t, err)

	tokenA := tokens.New(deal.ID, deals.PartyA)
	tokenB := tokens.New(deal.ID, deals.PartyB)
	require.NoError(t, store.CreateDeal(deal, []tokens.Token{tokenA, tokenB}))
	return deal, tokenA, tokenB
}

func TestGetDealReturnsDetachedCopies(t *testing.T) {
	store := testutil.NewMemStore()
	deal, tokenA, _ := newStoredDeal(t, store)

	require.NoError(t, store.FillPartyDetails(deal.ID, deals.PartyA,
		deals.PartyDetails{PaybackAddress: "eth1payback",
			RecipientAddress: "polygon1recv", FilledAt: time.Now().UTC()},
		deals.Escrow{Address: "eth1escrow", KeyRef: "k"}, tokenA.Token))

	first, err := store.GetDeal(deal.ID)
	require.NoError(t, err)

	// mutating what we got back must not leak into the store
	first.DetailsA.PaybackAddress = "eth1tampered"
	first.Events[0].Message = "tampered"

	second, err := store.GetDeal(deal.ID)
	require.NoError(t, err)
	assert.Equal(t, "eth1payback", second.DetailsA.PaybackAddress)

	if diff := cmp.Diff("Deal created", second.Events[0].Message); diff != "" {
		t.Errorf("stored events changed (-want +got):\n%s", diff)
	}
}

func TestStageGuard(t *testing.T) {
	store := testutil.NewMemStore()
	deal, _, _ := newStoredDeal(t, store)

	t.Run("transition from a stale stage fails", func(t *testing.T) {
		err := store.SetStage(deal.ID, deals.COLLECTION, deals.WAITING, nil, "nope")
		assert.ErrorIs(t, err, deals.ErrStageConflict)
	})

	t.Run("illegal transitions fail even from the right stage", func(t *testing.T) {
		err := store.SetStage(deal.ID, deals.CREATED, deals.CLOSED, nil, "nope")
		assert.ErrorIs(t, err, deals.ErrStageConflict)
	})

	t.Run("legal transition moves the stage once", func(t *testing.T) {
		require.NoError(t, store.SetStage(deal.ID, deals.CREATED, deals.REVERTED, nil, "cancelled"))

		err := store.SetStage(deal.ID, deals.CREATED, deals.REVERTED, nil, "again")
		assert.ErrorIs(t, err, deals.ErrStageConflict, "terminal stages are absorbing")
	})
}

func TestEnqueueDedup(t *testing.T) {
	store := testutil.NewMemStore()
	deal, tokenA, tokenB := newStoredDeal(t, store)

	escrow := deals.Escrow{Address: "eth1escrow", KeyRef: "k"}
	require.NoError(t, store.FillPartyDetails(deal.ID, deals.PartyA,
		deals.PartyDetails{PaybackAddress: "eth1p", RecipientAddress: "polygon1r",
			FilledAt: time.Now().UTC()}, escrow, tokenA.Token))
	require.NoError(t, store.FillPartyDetails(deal.ID, deals.PartyB,
		deals.PartyDetails{PaybackAddress: "polygon1p", RecipientAddress: "eth1r",
			FilledAt: time.Now().UTC()},
		deals.Escrow{Address: "polygon1escrow", KeyRef: "k"}, tokenB.Token))
	require.NoError(t, store.SetStage(deal.ID, deals.CREATED, deals.COLLECTION, nil, "collecting"))

	item := queue.New(deal.ID, deals.PartyA, queue.SwapPayout, escrow,
		"eth1r", "USDC@ETH", decimal.NewFromInt(100))
	require.NoError(t, store.TransitionWithEnqueue(deal.ID, deals.COLLECTION, deals.WAITING,
		[]queue.Item{item}, "paying out"))

	// same (deal, purpose, asset, to) again must be rejected wholesale
	duplicate := queue.New(deal.ID, deals.PartyA, queue.SwapPayout, escrow,
		"eth1r", "USDC@ETH", decimal.NewFromInt(100))
	err := store.TransitionWithEnqueue(deal.ID, deals.WAITING, deals.REVERTED,
		[]queue.Item{duplicate}, "never happens")
	require.Error(t, err)

	loaded, err := store.GetDeal(deal.ID)
	require.NoError(t, err)
	assert.Equal(t, deals.WAITING, loaded.Stage, "failed enqueue does not move the stage")

	items, err := store.DealItems(deal.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestRevertCancelsPendingItems(t *testing.T) {
	store := testutil.NewMemStore()
	deal, tokenA, tokenB := newStoredDeal(t, store)

	escrowB := deals.Escrow{Address: "polygon1escrow", KeyRef: "k"}
	require.NoError(t, store.FillPartyDetails(deal.ID, deals.PartyA,
		deals.PartyDetails{PaybackAddress: "eth1p", RecipientAddress: "polygon1r",
			FilledAt: time.Now().UTC()},
		deals.Escrow{Address: "eth1escrow", KeyRef: "k"}, tokenA.Token))
	require.NoError(t, store.FillPartyDetails(deal.ID, deals.PartyB,
		deals.PartyDetails{PaybackAddress: "polygon1p", RecipientAddress: "eth1r",
			FilledAt: time.Now().UTC()}, escrowB, tokenB.Token))
	require.NoError(t, store.SetStage(deal.ID, deals.CREATED, deals.COLLECTION, nil, "collecting"))

	payout := queue.New(deal.ID, deals.PartyB, queue.SwapPayout, escrowB,
		"polygon1r", "MATIC@POLYGON", decimal.NewFromInt(200))
	commission := queue.New(deal.ID, deals.PartyB, queue.OpCommission, escrowB,
		"polygon1operator", "MATIC@POLYGON", decimal.RequireFromString("0.6"))
	require.NoError(t, store.TransitionWithEnqueue(deal.ID, deals.COLLECTION, deals.WAITING,
		[]queue.Item{payout, commission}, "paying out"))

	// reverting must fail the open payout and commission in the same
	// step that enqueues the refund, nothing else may spend the escrow
	refund := queue.New(deal.ID, deals.PartyB, queue.TimeoutRefund, escrowB,
		"polygon1p", "MATIC@POLYGON", decimal.NewFromInt(200))
	require.NoError(t, store.TransitionWithEnqueue(deal.ID, deals.WAITING, deals.REVERTED,
		[]queue.Item{refund}, "refunding"))

	items, err := store.DealItems(deal.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, item := range items {
		switch item.Purpose {
		case queue.TimeoutRefund:
			assert.Equal(t, queue.PENDING, item.Status, "the refund itself stays workable")
		default:
			assert.Equal(t, queue.FAILED, item.Status)
			require.NotNil(t, item.LastError)
			assert.Contains(t, *item.LastError, "cancelled")
		}
	}
}

func TestTokenSemantics(t *testing.T) {
	store := testutil.NewMemStore()
	deal, tokenA, tokenB := newStoredDeal(t, store)

	details := deals.PartyDetails{PaybackAddress: "eth1p",
		RecipientAddress: "polygon1r", FilledAt: time.Now().UTC()}
	escrow := deals.Escrow{Address: "eth1escrow", KeyRef: "k"}

	t.Run("wrong party token is rejected", func(t *testing.T) {
		err := store.FillPartyDetails(deal.ID, deals.PartyA, details, escrow, tokenB.Token)
		assert.ErrorIs(t, err, tokens.ErrWrongDeal)
	})

	t.Run("unknown token is rejected", func(t *testing.T) {
		err := store.FillPartyDetails(deal.ID, deals.PartyA, details, escrow, "nope")
		assert.ErrorIs(t, err, tokens.ErrNoSuchToken)
	})

	t.Run("a token redeems exactly once", func(t *testing.T) {
		require.NoError(t, store.FillPartyDetails(deal.ID, deals.PartyA,
			details, escrow, tokenA.Token))

		err := store.FillPartyDetails(deal.ID, deals.PartyA, details, escrow, tokenA.Token)
		assert.ErrorIs(t, err, tokens.ErrTokenUsed)
	})
}

func TestDepositIdempotence(t *testing.T) {
	store := testutil.NewMemStore()
	deal, _, _ := newStoredDeal(t, store)

	dep := testutilDeposit(deal.ID, "tx1", 1)
	inserted, err := store.UpsertDeposit(dep)
	require.NoError(t, err)
	assert.True(t, inserted)

	// same observation with more confirmations
	dep.Confirms = 5
	inserted, err = store.UpsertDeposit(dep)
	require.NoError(t, err)
	assert.False(t, inserted)

	// and one with fewer, which must not rewind
	dep.Confirms = 2
	_, err = store.UpsertDeposit(dep)
	require.NoError(t, err)

	all, err := store.DealDeposits(deal.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.EqualValues(t, 5, all[0].Confirms)
	assert.True(t, all[0].Amount.Equal(decimal.NewFromInt(10)),
		"re-observation never inflates the amount")
}

func testutilDeposit(dealID, txid string, confirms int64) deposits.Deposit {
	return deposits.Deposit{
		DealID:      dealID,
		Side:        deals.PartyA,
		Txid:        txid,
		Asset:       "USDC@ETH",
		Amount:      decimal.NewFromInt(10),
		Confirms:    confirms,
		FirstSeenAt: time.Now().UTC(),
	}
}
