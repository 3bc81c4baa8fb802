// Package testutil holds shared helpers for swapd tests: an in-memory
// Store with the same observable semantics as the Postgres one, and a
// canned asset registry.
package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/swapd/chain"
	"gitlab.com/arcanecrypto/swapd/models/deals"
	"gitlab.com/arcanecrypto/swapd/models/deposits"
	"gitlab.com/arcanecrypto/swapd/models/oracle"
	"gitlab.com/arcanecrypto/swapd/models/queue"
	"gitlab.com/arcanecrypto/swapd/models/tokens"
	"gitlab.com/arcanecrypto/swapd/store"
)

var _ store.Store = &MemStore{}
var _ chain.QuoteSource = &MemStore{}

type depositKey struct {
	dealID string
	side   deals.Party
	txid   string
	asset  string
}

type cursorKey struct {
	chainID string
	address string
}

type dedupKey struct {
	dealID  string
	purpose queue.Purpose
	asset   string
	to      string
}

// MemStore is the in-memory Store used by engine and API tests. All
// methods take one lock, so every compound operation is atomic just
// like its transactional counterpart.
type MemStore struct {
	mu sync.Mutex

	deals    map[string]deals.Deal
	tokens   map[string]tokens.Token
	deposits map[depositKey]deposits.Deposit
	items    map[string]queue.Item
	dedup    map[dedupKey]struct{}
	cursors  map[cursorKey]string
	quotes   []chain.Quote
}

// NewMemStore returns an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{
		deals:    make(map[string]deals.Deal),
		tokens:   make(map[string]tokens.Token),
		deposits: make(map[depositKey]deposits.Deposit),
		items:    make(map[string]queue.Item),
		dedup:    make(map[dedupKey]struct{}),
		cursors:  make(map[cursorKey]string),
	}
}

func (m *MemStore) CreateDeal(deal deals.Deal, toks []tokens.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.deals[deal.ID]; exists {
		return errors.Errorf("deal %s already exists", deal.ID)
	}
	for _, token := range toks {
		if _, exists := m.tokens[token.Token]; exists {
			return errors.Errorf("token collision for deal %s", deal.ID)
		}
	}
	deal.Events = append(deal.Events, deals.Event{
		Timestamp: time.Now().UTC(), Message: "Deal created"})
	m.deals[deal.ID] = deal
	for _, token := range toks {
		m.tokens[token.Token] = token
	}
	return nil
}

func (m *MemStore) GetDeal(id string) (deals.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getDeal(id)
}

// getDeal requires the lock to be held
func (m *MemStore) getDeal(id string) (deals.Deal, error) {
	deal, ok := m.deals[id]
	if !ok {
		return deals.Deal{}, deals.ErrDealNotFound
	}
	return copyDeal(deal), nil
}

// copyDeal detaches the pointer fields so callers cannot mutate the
// stored aggregate behind the lock
func copyDeal(deal deals.Deal) deals.Deal {
	if deal.DetailsA != nil {
		detailsA := *deal.DetailsA
		deal.DetailsA = &detailsA
	}
	if deal.DetailsB != nil {
		detailsB := *deal.DetailsB
		deal.DetailsB = &detailsB
	}
	if deal.EscrowA != nil {
		escrowA := *deal.EscrowA
		deal.EscrowA = &escrowA
	}
	if deal.EscrowB != nil {
		escrowB := *deal.EscrowB
		deal.EscrowB = &escrowB
	}
	if deal.ExpiresAt != nil {
		expiresAt := *deal.ExpiresAt
		deal.ExpiresAt = &expiresAt
	}
	deal.Events = append([]deals.Event(nil), deal.Events...)
	return deal
}

func (m *MemStore) ActiveDeals() ([]deals.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active []deals.Deal
	for _, deal := range m.deals {
		if !deal.Stage.Terminal() {
			active = append(active, copyDeal(deal))
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

func (m *MemStore) SetStage(dealID string, from, to deals.Stage,
	expiresAt *time.Time, event string) error {

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.setStage(dealID, from, to, expiresAt); err != nil {
		return err
	}
	return m.appendEvent(dealID, event)
}

// setStage requires the lock to be held
func (m *MemStore) setStage(dealID string, from, to deals.Stage, expiresAt *time.Time) error {
	deal, ok := m.deals[dealID]
	if !ok {
		return deals.ErrDealNotFound
	}
	if !deals.CanTransition(from, to) {
		return errors.Wrapf(deals.ErrStageConflict, "illegal transition %s -> %s", from, to)
	}
	if deal.Stage != from {
		return deals.ErrStageConflict
	}
	deal.Stage = to
	if expiresAt != nil {
		deal.ExpiresAt = expiresAt
	}
	deal.UpdatedAt = time.Now().UTC()
	m.deals[dealID] = deal
	return nil
}

func (m *MemStore) TransitionWithEnqueue(dealID string, from, to deals.Stage,
	items []queue.Item, event string) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	// the dedup check runs before any mutation, a rejected enqueue
	// must leave the stage untouched like the rolled-back transaction
	for _, item := range items {
		key := dedupKey{item.DealID, item.Purpose, item.Asset, item.ToAddress}
		if _, dup := m.dedup[key]; dup {
			return errors.Errorf("duplicate queue item %s/%s/%s", dealID, item.Purpose, item.Asset)
		}
	}
	if err := m.setStage(dealID, from, to, nil); err != nil {
		return err
	}
	if to == deals.REVERTED {
		m.cancelPendingForRevert(dealID)
	}
	for _, item := range items {
		m.items[item.ID] = item
		m.dedup[dedupKey{item.DealID, item.Purpose, item.Asset, item.ToAddress}] = struct{}{}
	}
	return m.appendEvent(dealID, event)
}

// cancelPendingForRevert requires the lock to be held
func (m *MemStore) cancelPendingForRevert(dealID string) {
	for id, item := range m.items {
		if item.DealID != dealID || item.Status != queue.PENDING ||
			item.Purpose == queue.TimeoutRefund {
			continue
		}
		message := queue.CancelledByRevert
		item.Status = queue.FAILED
		item.LastError = &message
		item.UpdatedAt = time.Now().UTC()
		m.items[id] = item
	}
}

func (m *MemStore) FreezeCommission(dealID string, party deals.Party,
	req deals.CommissionReq) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	deal, ok := m.deals[dealID]
	if !ok {
		return deals.ErrDealNotFound
	}
	if party == deals.PartyA {
		deal.CommissionA = req
	} else {
		deal.CommissionB = req
	}
	deal.UpdatedAt = time.Now().UTC()
	m.deals[dealID] = deal
	return nil
}

func (m *MemStore) AppendEvent(dealID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEvent(dealID, message)
}

// appendEvent requires the lock to be held
func (m *MemStore) appendEvent(dealID, message string) error {
	deal, ok := m.deals[dealID]
	if !ok {
		return deals.ErrDealNotFound
	}
	deal.Events = append(deal.Events, deals.Event{
		Timestamp: time.Now().UTC(), Message: message})
	m.deals[dealID] = deal
	return nil
}

func (m *MemStore) FillPartyDetails(dealID string, party deals.Party,
	details deals.PartyDetails, escrow deals.Escrow, tokenSecret string) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	deal, ok := m.deals[dealID]
	if !ok {
		return deals.ErrDealNotFound
	}
	if deal.Stage.Terminal() {
		return errors.Errorf("deal is %s and cannot accept details", deal.Stage)
	}

	token, ok := m.tokens[tokenSecret]
	if !ok {
		return tokens.ErrNoSuchToken
	}
	if token.DealID != dealID || token.Party != party {
		return tokens.ErrWrongDeal
	}
	if token.UsedAt != nil {
		return tokens.ErrTokenUsed
	}

	if party == deals.PartyA && deal.DetailsA != nil ||
		party == deals.PartyB && deal.DetailsB != nil {
		return deals.ErrDetailsLocked
	}

	now := time.Now().UTC()
	token.UsedAt = &now
	m.tokens[tokenSecret] = token

	if party == deals.PartyA {
		deal.DetailsA = &details
		deal.EscrowA = &escrow
	} else {
		deal.DetailsB = &details
		deal.EscrowB = &escrow
	}
	deal.UpdatedAt = now
	m.deals[dealID] = deal

	return m.appendEvent(dealID,
		"Party "+string(party)+" submitted details, escrow "+escrow.Address+" created")
}

func (m *MemStore) GetToken(secret string) (tokens.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.tokens[secret]
	if !ok {
		return tokens.Token{}, tokens.ErrNoSuchToken
	}
	return token, nil
}

func (m *MemStore) UpsertDeposit(dep deposits.Deposit) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := depositKey{dep.DealID, dep.Side, dep.Txid, dep.Asset}
	existing, ok := m.deposits[key]
	if !ok {
		if dep.FirstSeenAt.IsZero() {
			dep.FirstSeenAt = time.Now().UTC()
		}
		m.deposits[key] = dep
		return true, nil
	}
	// re-observation: amount and asset stay, confirms only move forward
	if dep.Confirms > existing.Confirms {
		existing.Confirms = dep.Confirms
		m.deposits[key] = existing
	}
	return false, nil
}

func (m *MemStore) DealDeposits(dealID string) ([]deposits.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []deposits.Deposit
	for _, dep := range m.deposits {
		if dep.DealID == dealID {
			all = append(all, dep)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].FirstSeenAt.Equal(all[j].FirstSeenAt) {
			return all[i].Txid < all[j].Txid
		}
		return all[i].FirstSeenAt.Before(all[j].FirstSeenAt)
	})
	return all, nil
}

func (m *MemStore) DealItems(dealID string) ([]queue.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []queue.Item
	for _, item := range m.items {
		if item.DealID == dealID {
			items = append(items, item)
		}
	}
	sortItems(items)
	return items, nil
}

func (m *MemStore) OpenItems() ([]queue.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []queue.Item
	for _, item := range m.items {
		if !item.Status.Terminal() {
			items = append(items, item)
		}
	}
	sortItems(items)
	return items, nil
}

func sortItems(items []queue.Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

func (m *MemStore) UpdateItem(item queue.Item) (queue.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[item.ID]; !ok {
		return queue.Item{}, errors.Errorf("queue item %s does not exist", item.ID)
	}
	item.UpdatedAt = time.Now().UTC()
	m.items[item.ID] = item
	return item, nil
}

func (m *MemStore) Cursor(chainID, address string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[cursorKey{chainID, address}], nil
}

func (m *MemStore) SetCursor(chainID, address, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[cursorKey{chainID, address}] = cursor
	return nil
}

func (m *MemStore) SaveQuote(quote chain.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes = append(m.quotes, quote)
	return nil
}

func (m *MemStore) LatestQuote(chainID, pair string) (chain.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *chain.Quote
	for i := range m.quotes {
		quote := m.quotes[i]
		if quote.ChainID != chainID || quote.Pair != pair {
			continue
		}
		if latest == nil || quote.AsOf.After(latest.AsOf) {
			latest = &quote
		}
	}
	if latest == nil {
		return chain.Quote{}, oracle.ErrNoQuote
	}
	return *latest, nil
}
