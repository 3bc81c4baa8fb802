// Package watcher feeds the engine with deposits. One logical watcher
// exists per chain, it polls the chain plugin for every active escrow
// address and persists what it sees. Deduplication happens at the
// deposit primary key, so observing the same transfer twice is
// harmless.
package watcher

import (
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/swapd/assets"
	"gitlab.com/arcanecrypto/swapd/build"
	"gitlab.com/arcanecrypto/swapd/chain"
	"gitlab.com/arcanecrypto/swapd/models/deals"
	"gitlab.com/arcanecrypto/swapd/models/deposits"
)

var log = build.AddSubLogger("WTCH")

// Store is the slice of persistence the watcher needs
type Store interface {
	Cursor(chainID, address string) (string, error)
	SetCursor(chainID, address, cursor string) error
	UpsertDeposit(dep deposits.Deposit) (bool, error)
}

// Watcher polls one chain for deposits into escrow addresses
type Watcher struct {
	plugin chain.Plugin
	store  Store
}

// New creates a watcher for the given chain plugin
func New(plugin chain.Plugin, store Store) *Watcher {
	return &Watcher{plugin: plugin, store: store}
}

// Reconcile scans the given escrow for deposits and persists them.
// It returns the deposits seen for the first time. The cursor only
// advances after every observation is stored, so a transient failure
// means the next tick simply rescans.
func (w *Watcher) Reconcile(dealID string, side deals.Party,
	escrow deals.Escrow) ([]deposits.Deposit, error) {

	chainID := w.plugin.ChainID()

	cursor, err := w.store.Cursor(chainID, escrow.Address)
	if err != nil {
		return nil, err
	}

	scan, err := w.plugin.ScanDeposits(escrow.Address, cursor)
	if err != nil {
		return nil, errors.Wrapf(err, "could not scan %s on %s", escrow.Address, chainID)
	}

	var fresh []deposits.Deposit
	for _, observed := range scan.Deposits {
		dep := deposits.Deposit{
			DealID:    dealID,
			Side:      side,
			Txid:      observed.Txid,
			Asset:     assets.Qualify(observed.Asset, chainID),
			Amount:    observed.Amount,
			Confirms:  observed.Confirms,
			BlockTime: observed.BlockTime,
		}
		inserted, err := w.store.UpsertDeposit(dep)
		if err != nil {
			return fresh, err
		}
		if inserted {
			log.WithField("deal", dealID).WithField("txid", dep.Txid).
				Infof("New deposit: %s %s", dep.Amount, dep.Asset)
			fresh = append(fresh, dep)
		}
	}

	if scan.NextCursor != cursor {
		if err := w.store.SetCursor(chainID, escrow.Address, scan.NextCursor); err != nil {
			return fresh, err
		}
	}
	return fresh, nil
}
