package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"gitlab.com/arcanecrypto/swapd/assets"
	"gitlab.com/arcanecrypto/swapd/async"
	"gitlab.com/arcanecrypto/swapd/chain"
	"gitlab.com/arcanecrypto/swapd/models/deals"
	"gitlab.com/arcanecrypto/swapd/models/queue"
)

// stepItem advances one queue item one step of its worker cycle:
// PENDING submits, SUBMITTED tracks confirmations. COMPLETED and
// FAILED are terminal and never reach this function.
func (e *Engine) stepItem(plugin chain.Plugin, item queue.Item) {
	switch item.Status {
	case queue.PENDING:
		e.submitItem(plugin, item)
	case queue.SUBMITTED:
		e.trackItem(plugin, item)
	}
}

// submitItem broadcasts a PENDING item. The item is marked SUBMITTED
// with its client nonce before the plugin is called, so a crash in
// between leaves a nonce the plugin can resolve on restart.
func (e *Engine) submitItem(plugin chain.Plugin, item queue.Item) {
	now := time.Now().UTC()
	if now.Before(item.NextAttemptAt) {
		return
	}
	// the transition into REVERTED cancels pending payouts in the same
	// transaction, this catches an item rewound from a crashed submit
	// afterwards
	if item.Purpose != queue.TimeoutRefund {
		deal, err := e.store.GetDeal(item.DealID)
		if err != nil {
			log.WithError(err).WithField("item", item.ID).Error("Could not load deal for queue item")
			return
		}
		if deal.Stage == deals.REVERTED {
			message := queue.CancelledByRevert
			item.Status = queue.FAILED
			item.LastError = &message
			if _, err := e.store.UpdateItem(item); err != nil {
				log.WithError(err).WithField("item", item.ID).Error("Could not cancel queue item")
				return
			}
			e.appendItemEvent(item, fmt.Sprintf(
				"%s of %s %s cancelled, deal reverted", item.Purpose, item.Amount, item.Asset))
			return
		}
	}
	if !e.clearedToSubmit(item) {
		return
	}

	code, _, err := assets.ParseCode(item.Asset)
	if err != nil {
		e.haltDeal(item.DealID, err)
		return
	}

	// pre-submit reservation
	item.Status = queue.SUBMITTED
	item, err = e.store.UpdateItem(item)
	if err != nil {
		log.WithError(err).WithField("item", item.ID).Error("Could not reserve queue item")
		return
	}

	txid, err := plugin.Submit(item.From(), item.ToAddress, code, item.Amount, item.ClientNonce)
	if err != nil {
		e.recordSubmitFailure(item, err)
		return
	}

	pending := chain.TxPending
	item.SubmittedTxid = &txid
	item.TxStatus = &pending
	if _, err := e.store.UpdateItem(item); err != nil {
		// the nonce is already persisted, restart recovery resolves it
		log.WithError(err).WithField("item", item.ID).
			Error("Could not persist txid after submit")
		return
	}
	log.WithField("item", item.ID).WithField("txid", txid).
		Infof("Submitted %s of %s %s", item.Purpose, item.Amount, item.Asset)
}

// clearedToSubmit enforces the only cross-item ordering we guarantee:
// a surplus refund waits until its side's payout and commission are
// done, so the refund cannot drain the escrow first.
func (e *Engine) clearedToSubmit(item queue.Item) bool {
	if item.Purpose != queue.SurplusRefund {
		return true
	}
	siblings, err := e.store.DealItems(item.DealID)
	if err != nil {
		log.WithError(err).WithField("deal", item.DealID).
			Error("Could not load sibling items")
		return false
	}
	return queue.SideSettled(siblings, item.Side)
}

// recordSubmitFailure books a failed submit attempt: backoff and back
// to PENDING, or FAILED once the attempt budget is spent
func (e *Engine) recordSubmitFailure(item queue.Item, submitErr error) {
	item.Attempts++
	message := submitErr.Error()
	item.LastError = &message

	if item.Attempts >= e.conf.MaxAttempts {
		item.Status = queue.FAILED
		log.WithError(submitErr).WithField("item", item.ID).
			Errorf("Transfer failed terminally after %d attempts", item.Attempts)
	} else {
		item.Status = queue.PENDING
		item.SubmittedTxid = nil
		item.TxStatus = nil
		item.NextAttemptAt = time.Now().UTC().
			Add(async.Backoff(int(item.Attempts), e.conf.BackoffBase, e.conf.BackoffCap))
	}

	item, err := e.store.UpdateItem(item)
	if err != nil {
		log.WithError(err).WithField("item", item.ID).Error("Could not persist submit failure")
		return
	}
	if item.Status == queue.FAILED {
		e.appendItemEvent(item, fmt.Sprintf(
			"%s of %s %s failed terminally: %s", item.Purpose, item.Amount, item.Asset, message))
	}
}

// trackItem follows a SUBMITTED item until its tx confirms, drops or
// fails
func (e *Engine) trackItem(plugin chain.Plugin, item queue.Item) {
	if item.SubmittedTxid == nil {
		// crashed between reservation and persist: ask the plugin
		// whether our nonce ever made it out
		txid, err := plugin.ResolveNonce(item.ClientNonce)
		if err != nil {
			log.WithError(err).WithField("item", item.ID).Error("Could not resolve nonce")
			return
		}
		if txid == "" {
			// never submitted, rewind to PENDING for a clean attempt
			item.Status = queue.PENDING
			if _, err := e.store.UpdateItem(item); err != nil {
				log.WithError(err).WithField("item", item.ID).Error("Could not rewind item")
			}
			return
		}
		pending := chain.TxPending
		item.SubmittedTxid = &txid
		item.TxStatus = &pending
		var updateErr error
		if item, updateErr = e.store.UpdateItem(item); updateErr != nil {
			log.WithError(updateErr).WithField("item", item.ID).Error("Could not adopt resolved txid")
			return
		}
	}

	status, err := plugin.GetTxStatus(*item.SubmittedTxid)
	if err != nil {
		log.WithError(err).WithField("item", item.ID).Warn("Could not get tx status")
		return
	}

	// confirmation counts only ever move forward
	if status.Confirms > item.Confirms {
		item.Confirms = status.Confirms
	}
	item.RequiredConfirms = status.RequiredConfirms
	state := status.Status
	item.TxStatus = &state

	switch status.Status {
	case chain.TxConfirmed:
		if item.Confirms >= item.RequiredConfirms {
			item.Status = queue.COMPLETED
		}
	case chain.TxDropped, chain.TxFailed:
		item.Attempts++
		message := fmt.Sprintf("tx %s ended as %s", *item.SubmittedTxid, status.Status)
		item.LastError = &message
		if item.Attempts >= e.conf.MaxAttempts {
			item.Status = queue.FAILED
		} else {
			// resubmit with a fresh nonce so the plugin doesn't hand the
			// dead txid straight back
			item.Status = queue.PENDING
			item.SubmittedTxid = nil
			item.TxStatus = nil
			item.ClientNonce = uuid.New().String()
			item.NextAttemptAt = time.Now().UTC().
				Add(async.Backoff(int(item.Attempts), e.conf.BackoffBase, e.conf.BackoffCap))
		}
	}

	item, err = e.store.UpdateItem(item)
	if err != nil {
		log.WithError(err).WithField("item", item.ID).Error("Could not persist tracked item")
		return
	}

	switch item.Status {
	case queue.COMPLETED:
		e.appendItemEvent(item, fmt.Sprintf(
			"%s of %s %s completed (tx %s)", item.Purpose, item.Amount, item.Asset,
			*item.SubmittedTxid))
	case queue.FAILED:
		e.appendItemEvent(item, fmt.Sprintf(
			"%s of %s %s failed terminally: %s", item.Purpose, item.Amount, item.Asset,
			*item.LastError))
	}
}

func (e *Engine) appendItemEvent(item queue.Item, message string) {
	if err := e.store.AppendEvent(item.DealID, message); err != nil {
		log.WithError(err).WithField("deal", item.DealID).Error("Could not append deal event")
	}
}
