// Package store is the single source of truth for the broker. The
// engine, the watcher and the RPC surface all go through the Store
// interface, the Postgres implementation below is the production one.
package store

import (
	"time"

	"gitlab.com/arcanecrypto/swapd/chain"
	"gitlab.com/arcanecrypto/swapd/models/deals"
	"gitlab.com/arcanecrypto/swapd/models/deposits"
	"gitlab.com/arcanecrypto/swapd/models/queue"
	"gitlab.com/arcanecrypto/swapd/models/tokens"
)

// Store is everything the broker persists. Implementations must make
// the compound operations (CreateDeal, FillPartyDetails,
// TransitionWithEnqueue) atomic.
type Store interface {
	// CreateDeal stores a fresh deal together with its party tokens
	CreateDeal(deal deals.Deal, toks []tokens.Token) error
	// GetDeal loads one deal with details, escrows and events attached
	GetDeal(id string) (deals.Deal, error)
	// ActiveDeals loads every non-terminal deal
	ActiveDeals() ([]deals.Deal, error)

	// SetStage transitions a deal, guarded on the current stage, and
	// appends the given audit event
	SetStage(dealID string, from, to deals.Stage, expiresAt *time.Time, event string) error
	// TransitionWithEnqueue transitions a deal and enqueues the given
	// items in the same transaction
	TransitionWithEnqueue(dealID string, from, to deals.Stage, items []queue.Item, event string) error
	// FreezeCommission pins one side's commission requirement
	FreezeCommission(dealID string, party deals.Party, req deals.CommissionReq) error
	// AppendEvent adds a line to the deal's audit log
	AppendEvent(dealID, message string) error

	// FillPartyDetails redeems the token and stores the party's details
	// and escrow atomically
	FillPartyDetails(dealID string, party deals.Party, details deals.PartyDetails,
		escrow deals.Escrow, tokenSecret string) error
	// GetToken looks up a token by its secret
	GetToken(secret string) (tokens.Token, error)

	// UpsertDeposit records a deposit observation, returning true for a
	// first observation
	UpsertDeposit(dep deposits.Deposit) (bool, error)
	// DealDeposits loads every deposit observed for a deal
	DealDeposits(dealID string) ([]deposits.Deposit, error)

	// DealItems loads every queue item belonging to a deal
	DealItems(dealID string) ([]queue.Item, error)
	// OpenItems loads every non-terminal queue item
	OpenItems() ([]queue.Item, error)
	// UpdateItem persists a worked queue item
	UpdateItem(item queue.Item) (queue.Item, error)

	// Cursor returns the persisted scan cursor for an address, empty
	// string if the address was never scanned
	Cursor(chainID, address string) (string, error)
	// SetCursor persists the scan cursor for an address
	SetCursor(chainID, address, cursor string) error

	// SaveQuote stores a price observation
	SaveQuote(quote chain.Quote) error
	// LatestQuote returns the authoritative quote for a pair
	LatestQuote(chainID, pair string) (chain.Quote, error)
}
