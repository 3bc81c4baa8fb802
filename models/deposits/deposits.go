// Package deposits records inbound transfers into escrow accounts.
// Rows are append-only: re-observing a deposit may only bump its
// confirmation count, never its amount or asset.
package deposits

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"gitlab.com/arcanecrypto/swapd/db"
	"gitlab.com/arcanecrypto/swapd/models/deals"
)

// Deposit is one observed inbound transfer, keyed by
// (deal, side, txid, asset). Asset is fully qualified, SYMBOL@chainId.
type Deposit struct {
	DealID      string          `db:"deal_id"`
	Side        deals.Party     `db:"side"`
	Txid        string          `db:"txid"`
	Asset       string          `db:"asset"`
	Amount      decimal.Decimal `db:"amount"`
	Confirms    int64           `db:"confirms"`
	BlockTime   *time.Time      `db:"block_time"`
	FirstSeenAt time.Time       `db:"first_seen_at"`
}

// Upsert records a deposit observation. A new (deal, side, txid,
// asset) key inserts a row and returns true. Re-observation leaves
// amount and asset untouched and only moves confirms forward, the
// GREATEST keeps the count monotonic.
func Upsert(i db.Inserter, dep Deposit) (bool, error) {
	if dep.FirstSeenAt.IsZero() {
		dep.FirstSeenAt = time.Now().UTC()
	}

	query := `INSERT INTO deposits
			(deal_id, side, txid, asset, amount, confirms, block_time, first_seen_at)
		VALUES (:deal_id, :side, :txid, :asset, :amount, :confirms, :block_time, :first_seen_at)
		ON CONFLICT (deal_id, side, txid, asset) DO UPDATE
		SET confirms = GREATEST(deposits.confirms, EXCLUDED.confirms),
		    block_time = COALESCE(EXCLUDED.block_time, deposits.block_time)
		RETURNING (xmax = 0) AS inserted`
	rows, err := i.NamedQuery(query, dep)
	if err != nil {
		return false, fmt.Errorf("could not upsert deposit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var inserted bool
	if rows.Next() {
		if err := rows.Scan(&inserted); err != nil {
			return false, fmt.Errorf("could not scan deposit upsert result: %w", err)
		}
	}
	return inserted, nil
}

// ForDeal returns every deposit observed for a deal, oldest first
func ForDeal(g db.Getter, dealID string) ([]Deposit, error) {
	var result []Deposit
	err := g.Select(&result,
		`SELECT deal_id, side, txid, asset, amount, confirms, block_time, first_seen_at
		 FROM deposits WHERE deal_id = $1 ORDER BY first_seen_at, txid`, dealID)
	if err != nil {
		return nil, fmt.Errorf("could not load deposits for deal %s: %w", dealID, err)
	}
	return result, nil
}

// CollectedByAsset folds a side's deposits into per-asset totals.
// Dedup already happened at the primary key, so a plain sum is safe.
func CollectedByAsset(all []Deposit, side deals.Party) map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal)
	for _, dep := range all {
		if dep.Side != side {
			continue
		}
		totals[dep.Asset] = totals[dep.Asset].Add(dep.Amount)
	}
	return totals
}

// BySide splits a deal's deposits into the given side's list, oldest
// first, for status reporting
func BySide(all []Deposit, side deals.Party) []Deposit {
	var result []Deposit
	for _, dep := range all {
		if dep.Side == side {
			result = append(result, dep)
		}
	}
	return result
}
