package engine

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/swapd/assets"
	"gitlab.com/arcanecrypto/swapd/commission"
	"gitlab.com/arcanecrypto/swapd/models/deals"
	"gitlab.com/arcanecrypto/swapd/models/deposits"
	"gitlab.com/arcanecrypto/swapd/models/queue"
)

// advanceDeal runs one reconciliation pass for a single deal. Callers
// hold the deal lock.
func (e *Engine) advanceDeal(deal deals.Deal) {
	var err error
	switch deal.Stage {
	case deals.CREATED:
		err = e.advanceCreated(deal)
	case deals.COLLECTION:
		err = e.advanceCollection(deal)
	case deals.WAITING:
		err = e.advanceWaiting(deal)
	}

	if err != nil {
		if errors.Is(err, deals.ErrStageConflict) {
			// a concurrent writer got there first, next tick sees the result
			log.WithField("deal", deal.ID).Debug("Lost stage race, retrying next tick")
			return
		}
		// transient by default: log and let the next tick retry
		log.WithError(err).WithField("deal", deal.ID).
			WithField("stage", deal.Stage).Error("Could not advance deal")
	}
}

// reconcileDeposits scans every existing escrow of the deal and
// records what arrived. Scan failures are transient, the cursor stays
// put and the next tick rescans.
func (e *Engine) reconcileDeposits(deal deals.Deal) error {
	for _, side := range []deals.Party{deals.PartyA, deals.PartyB} {
		escrow := deal.Escrow(side)
		if escrow == nil {
			continue
		}
		w, ok := e.watchers[deal.Side(side).ChainID]
		if !ok {
			return errors.Errorf("no watcher for chain %s", deal.Side(side).ChainID)
		}
		fresh, err := w.Reconcile(deal.ID, side, *escrow)
		if err != nil {
			log.WithError(err).WithField("deal", deal.ID).
				Warn("Deposit scan failed, will retry")
			continue
		}
		for _, dep := range fresh {
			err := e.store.AppendEvent(deal.ID, fmt.Sprintf(
				"Deposit on side %s: %s %s (tx %s)", side, dep.Amount, dep.Asset, dep.Txid))
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// advanceCreated moves a deal into COLLECTION once both parties have
// submitted details. Fixed-USD commissions are pinned to the oracle
// price at this moment and never move again. Escrows that already
// exist are scanned even before collection starts, an early deposit
// blocks cancellation.
func (e *Engine) advanceCreated(deal deals.Deal) error {
	if err := e.reconcileDeposits(deal); err != nil {
		return err
	}

	if !deal.BothDetailsFilled() {
		return nil
	}

	for _, party := range []deals.Party{deals.PartyA, deals.PartyB} {
		req := deal.Commission(party)
		if req.Frozen() {
			continue
		}
		side := deal.Side(party)
		plugin, ok := e.plugins[side.ChainID]
		if !ok {
			return errors.Errorf("no plugin for chain %s", side.ChainID)
		}
		native, quote, err := plugin.QuoteNativeForUSD(req.USDFixed)
		if err != nil {
			return errors.Wrapf(err, "could not pin commission for party %s", party)
		}
		nativeAsset, err := e.registry.Native(side.ChainID)
		if err != nil {
			return err
		}
		frozen := req
		rounded := native.Round(nativeAsset.Decimals)
		frozen.NativeFixed = &rounded
		frozen.OracleQuote = &quote
		if err := e.store.FreezeCommission(deal.ID, party, frozen); err != nil {
			return err
		}
		if err := e.store.AppendEvent(deal.ID, fmt.Sprintf(
			"Commission for party %s pinned at %s %s (%s = %s USD)",
			party, rounded, nativeAsset.Code, quote.Pair, quote.Price)); err != nil {
			return err
		}
	}

	expiresAt := time.Now().UTC().Add(time.Duration(deal.TimeoutSeconds) * time.Second)
	return e.store.SetStage(deal.ID, deals.CREATED, deals.COLLECTION, &expiresAt,
		fmt.Sprintf("Both parties submitted details, collecting until %s",
			expiresAt.Format(time.RFC3339)))
}

// advanceCollection reconciles deposits and decides between payout and
// timeout
func (e *Engine) advanceCollection(deal deals.Deal) error {
	if deal.EscrowA == nil || deal.EscrowB == nil {
		return errors.Errorf("deal %s is in COLLECTION without both escrows", deal.ID)
	}
	if err := e.reconcileDeposits(deal); err != nil {
		return err
	}

	all, err := e.store.DealDeposits(deal.ID)
	if err != nil {
		return err
	}

	funded := true
	for _, side := range []deals.Party{deals.PartyA, deals.PartyB} {
		owed, err := commission.Owed(deal.Side(side), deal.Commission(side), e.registry)
		if err != nil {
			e.haltDeal(deal.ID, err)
			return nil
		}
		if !commission.FullyFunded(owed, deposits.CollectedByAsset(all, side)) {
			funded = false
		}
	}

	if funded {
		items, err := e.payoutItems(deal, all)
		if err != nil {
			return err
		}
		return e.store.TransitionWithEnqueue(deal.ID, deals.COLLECTION, deals.WAITING,
			items, "Both sides fully funded, dispatching payouts")
	}

	if deal.Expired(time.Now().UTC()) {
		items, err := e.refundItems(deal, all)
		if err != nil {
			return err
		}
		return e.store.TransitionWithEnqueue(deal.ID, deals.COLLECTION, deals.REVERTED,
			items, "Collection timed out, refunding deposits")
	}
	return nil
}

// advanceWaiting retires a deal whose queue items all finished, or
// reverts it when any payout failed terminally
func (e *Engine) advanceWaiting(deal deals.Deal) error {
	items, err := e.store.DealItems(deal.ID)
	if err != nil {
		return err
	}

	if queue.AllCompleted(items) {
		return e.store.SetStage(deal.ID, deals.WAITING, deals.CLOSED, nil,
			"All transfers completed, deal closed")
	}

	if queue.AnyFailed(items) {
		all, err := e.store.DealDeposits(deal.ID)
		if err != nil {
			return err
		}
		refunds, err := e.refundItems(deal, all)
		if err != nil {
			return err
		}
		// refunds for balances already paid out would collide with the
		// dedup index, only still-held assets produce items
		return e.store.TransitionWithEnqueue(deal.ID, deals.WAITING, deals.REVERTED,
			refunds, "A transfer failed terminally, refunding held balances")
	}
	return nil
}

// payoutItems builds the atomic WAITING work set: payout and
// commission per side, then surplus refunds computed after both are
// reserved
func (e *Engine) payoutItems(deal deals.Deal, all []deposits.Deposit) ([]queue.Item, error) {
	var items []queue.Item

	for _, side := range []deals.Party{deals.PartyA, deals.PartyB} {
		counterparty := side.Counterparty()
		spec := deal.Side(side)
		escrow := deal.Escrow(side)
		details := deal.Details(side)
		counterDetails := deal.Details(counterparty)
		if escrow == nil || details == nil || counterDetails == nil {
			return nil, errors.Errorf("deal %s is missing escrow or details", deal.ID)
		}

		sendAsset, err := e.registry.Get(spec.AssetCode, spec.ChainID)
		if err != nil {
			return nil, err
		}

		items = append(items, queue.New(deal.ID, side, queue.SwapPayout,
			*escrow, counterDetails.RecipientAddress, sendAsset.Qualified(), spec.Amount))

		operator, ok := e.conf.OperatorAddresses[spec.ChainID]
		if !ok {
			return nil, errors.Errorf("no operator address configured for chain %s", spec.ChainID)
		}
		commissionAsset, commissionAmount, err := commission.Required(
			spec, deal.Commission(side), e.registry)
		if err != nil {
			return nil, err
		}
		if commissionAmount.IsPositive() {
			items = append(items, queue.New(deal.ID, side, queue.OpCommission,
				*escrow, operator, commissionAsset, commissionAmount))
		}

		owed, err := commission.Owed(spec, deal.Commission(side), e.registry)
		if err != nil {
			return nil, err
		}
		surplus := commission.Surplus(owed, deposits.CollectedByAsset(all, side))
		for asset, amount := range surplus {
			items = append(items, queue.New(deal.ID, side, queue.SurplusRefund,
				*escrow, details.PaybackAddress, asset, amount))
		}
	}
	return items, nil
}

// refundItems builds TIMEOUT_REFUND items for every asset an escrow
// still holds. Balances come from the chain, not from the deposit
// ledger, so late-arriving deposits get refunded too.
func (e *Engine) refundItems(deal deals.Deal, all []deposits.Deposit) ([]queue.Item, error) {
	var items []queue.Item

	for _, side := range []deals.Party{deals.PartyA, deals.PartyB} {
		escrow := deal.Escrow(side)
		details := deal.Details(side)
		if escrow == nil || details == nil {
			continue
		}
		spec := deal.Side(side)
		plugin, ok := e.plugins[spec.ChainID]
		if !ok {
			return nil, errors.Errorf("no plugin for chain %s", spec.ChainID)
		}

		// refund every asset this side was ever observed depositing plus
		// everything it could owe, the balance probe decides what is left
		candidates := make(map[string]struct{})
		for asset := range deposits.CollectedByAsset(all, side) {
			candidates[asset] = struct{}{}
		}
		owed, err := commission.Owed(spec, deal.Commission(side), e.registry)
		if err == nil {
			for asset := range owed {
				candidates[asset] = struct{}{}
			}
		}

		for qualified := range candidates {
			code, _, err := assets.ParseCode(qualified)
			if err != nil {
				return nil, err
			}
			balance, err := plugin.GetBalance(escrow.Address, code)
			if err != nil {
				return nil, errors.Wrapf(err, "could not probe balance of %s", escrow.Address)
			}
			if !balance.IsPositive() {
				continue
			}
			items = append(items, queue.New(deal.ID, side, queue.TimeoutRefund,
				*escrow, details.PaybackAddress, qualified, balance))
		}
	}
	return items, nil
}
