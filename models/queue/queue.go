// Package queue holds the durable outbound-transfer queue. Items are
// created by the deal engine when a deal transitions, and only the
// queue worker mutates them after that.
package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gitlab.com/arcanecrypto/swapd/chain"
	"gitlab.com/arcanecrypto/swapd/db"
	"gitlab.com/arcanecrypto/swapd/models/deals"
)

// Purpose says why a transfer exists
type Purpose string

const (
	// SwapPayout moves one side's deposit to the counterparty
	SwapPayout Purpose = "SWAP_PAYOUT"
	// OpCommission moves the broker's cut to the operator address
	OpCommission Purpose = "OP_COMMISSION"
	// TimeoutRefund returns deposits after a failed deal
	TimeoutRefund Purpose = "TIMEOUT_REFUND"
	// SurplusRefund returns whatever is left after payout and
	// commission on a successful deal
	SurplusRefund Purpose = "SURPLUS_REFUND"
)

// Status is the worker-cycle state of an item
type Status string

const (
	PENDING   Status = "PENDING"
	SUBMITTED Status = "SUBMITTED"
	COMPLETED Status = "COMPLETED"
	FAILED    Status = "FAILED"
)

// Terminal reports whether the item will never be worked again
func (s Status) Terminal() bool {
	return s == COMPLETED || s == FAILED
}

// CancelledByRevert is the lastError recorded on payout, commission and
// surplus items cancelled because their deal reverted
const CancelledByRevert = "cancelled, deal reverted"

// Item is one outbound transfer intent. ClientNonce is persisted
// before the first submit so a crash between submit and persist can be
// resolved by asking the plugin for the nonce.
type Item struct {
	ID      string      `db:"id"`
	DealID  string      `db:"deal_id"`
	Side    deals.Party `db:"side"`
	Purpose Purpose     `db:"purpose"`

	FromAddress string          `db:"from_address"`
	FromKeyRef  string          `db:"from_key_ref"`
	ToAddress   string          `db:"to_address"`
	Asset       string          `db:"asset"`
	Amount      decimal.Decimal `db:"amount"`

	Status           Status         `db:"status"`
	ClientNonce      string         `db:"client_nonce"`
	SubmittedTxid    *string        `db:"submitted_txid"`
	TxStatus         *chain.TxState `db:"tx_status"`
	Confirms         int64          `db:"confirms"`
	RequiredConfirms int64          `db:"required_confirms"`

	Attempts      int64      `db:"attempts"`
	LastError     *string    `db:"last_error"`
	NextAttemptAt time.Time  `db:"next_attempt_at"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// From rebuilds the escrow account the transfer spends from
func (item Item) From() chain.Account {
	return chain.Account{Address: item.FromAddress, KeyRef: item.FromKeyRef}
}

// New builds a PENDING item with a fresh ID and client nonce
func New(dealID string, side deals.Party, purpose Purpose,
	from deals.Escrow, to, asset string, amount decimal.Decimal) Item {

	now := time.Now().UTC()
	return Item{
		ID:            uuid.New().String(),
		DealID:        dealID,
		Side:          side,
		Purpose:       purpose,
		FromAddress:   from.Address,
		FromKeyRef:    from.KeyRef,
		ToAddress:     to,
		Asset:         asset,
		Amount:        amount,
		Status:        PENDING,
		ClientNonce:   uuid.New().String(),
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

const itemColumns = `id, deal_id, side, purpose, from_address, from_key_ref,
	to_address, asset, amount, status, client_nonce, submitted_txid, tx_status,
	confirms, required_confirms, attempts, last_error, next_attempt_at,
	created_at, updated_at`

// Insert stores new queue items. The unique (deal, purpose, asset, to)
// index enforces at-most-once enqueueing per deal.
func Insert(i db.Inserter, items []Item) error {
	query := `INSERT INTO queue (` + itemColumns + `)
		VALUES (:id, :deal_id, :side, :purpose, :from_address, :from_key_ref,
		        :to_address, :asset, :amount, :status, :client_nonce, :submitted_txid,
		        :tx_status, :confirms, :required_confirms, :attempts, :last_error,
		        :next_attempt_at, :created_at, :updated_at)`
	for _, item := range items {
		rows, err := i.NamedQuery(query, item)
		if err != nil {
			return fmt.Errorf("could not insert queue item %s/%s: %w",
				item.DealID, item.Purpose, err)
		}
		if err := rows.Close(); err != nil {
			return err
		}
	}
	return nil
}

// CancelPendingForRevert fails every still-PENDING item of a deal
// except refunds. It runs in the same transaction as the transition
// into REVERTED, so a stale payout can never drain the escrow balance
// the refunds were computed from.
func CancelPendingForRevert(i db.Inserter, dealID string) error {
	arg := struct {
		DealID    string    `db:"deal_id"`
		LastError string    `db:"last_error"`
		UpdatedAt time.Time `db:"updated_at"`
	}{dealID, CancelledByRevert, time.Now().UTC()}

	rows, err := i.NamedQuery(`UPDATE queue
		SET status = 'FAILED', last_error = :last_error, updated_at = :updated_at
		WHERE deal_id = :deal_id AND status = 'PENDING'
		  AND purpose <> 'TIMEOUT_REFUND'`, arg)
	if err != nil {
		return fmt.Errorf("could not cancel pending items for deal %s: %w", dealID, err)
	}
	return rows.Close()
}

// Update persists a worked item. updated_at moves on every write.
func Update(i db.Inserter, item Item) (Item, error) {
	item.UpdatedAt = time.Now().UTC()
	query := `UPDATE queue
		SET status = :status, client_nonce = :client_nonce,
		    submitted_txid = :submitted_txid, tx_status = :tx_status,
		    confirms = :confirms, required_confirms = :required_confirms,
		    attempts = :attempts, last_error = :last_error,
		    next_attempt_at = :next_attempt_at, updated_at = :updated_at
		WHERE id = :id
		RETURNING ` + itemColumns
	rows, err := i.NamedQuery(query, item)
	if err != nil {
		return Item{}, fmt.Errorf("could not update queue item %s: %w", item.ID, err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return Item{}, fmt.Errorf("queue item %s does not exist", item.ID)
	}
	var updated Item
	if err := rows.StructScan(&updated); err != nil {
		return Item{}, fmt.Errorf("could not scan queue item: %w", err)
	}
	return updated, nil
}

// ForDeal returns every item belonging to a deal, oldest first
func ForDeal(g db.Getter, dealID string) ([]Item, error) {
	var items []Item
	err := g.Select(&items,
		`SELECT `+itemColumns+` FROM queue WHERE deal_id = $1 ORDER BY created_at, id`,
		dealID)
	if err != nil {
		return nil, fmt.Errorf("could not load queue items for deal %s: %w", dealID, err)
	}
	return items, nil
}

// Open returns every non-terminal item, oldest first
func Open(g db.Getter) ([]Item, error) {
	var items []Item
	err := g.Select(&items,
		`SELECT `+itemColumns+` FROM queue
		 WHERE status IN ('PENDING', 'SUBMITTED')
		 ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("could not load open queue items: %w", err)
	}
	return items, nil
}

// AllCompleted reports whether every item in the slice is COMPLETED
func AllCompleted(items []Item) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if item.Status != COMPLETED {
			return false
		}
	}
	return true
}

// AnyFailed reports whether at least one item failed terminally
func AnyFailed(items []Item) bool {
	for _, item := range items {
		if item.Status == FAILED {
			return true
		}
	}
	return false
}

// SideSettled reports whether the given side's SWAP_PAYOUT and
// OP_COMMISSION are both COMPLETED. SURPLUS_REFUND items are held
// until this is true, so a refund can never drain the escrow before
// the primary payout.
func SideSettled(items []Item, side deals.Party) bool {
	payoutDone, commissionDone := false, true
	for _, item := range items {
		if item.Side != side {
			continue
		}
		switch item.Purpose {
		case SwapPayout:
			payoutDone = item.Status == COMPLETED
		case OpCommission:
			commissionDone = item.Status == COMPLETED
		}
	}
	return payoutDone && commissionDone
}
