// Package chain defines the contract every chain adapter has to satisfy.
// The engine never talks to a concrete node, it only sees this interface.
package chain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxState is the lifecycle state of a broadcast transaction
type TxState string

const (
	TxPending   TxState = "PENDING"
	TxConfirmed TxState = "CONFIRMED"
	TxDropped   TxState = "DROPPED"
	TxFailed    TxState = "FAILED"
)

// Account is a custody account on a chain. KeyRef is an opaque handle
// the plugin resolves to signing material, it must survive restarts.
// The engine never sees private keys.
type Account struct {
	Address string
	KeyRef  string
}

// Deposit is one inbound transfer credited to a watched address.
// Asset is the plain symbol on the plugin's own chain, the watcher
// qualifies it before persisting.
type Deposit struct {
	Txid      string
	Asset     string
	Amount    decimal.Decimal
	Confirms  int64
	BlockTime *time.Time
}

// ScanResult is what a deposit scan returns: the deposits seen since
// the given cursor and the cursor to resume from.
type ScanResult struct {
	Deposits   []Deposit
	NextCursor string
}

// TxStatus is the confirmation state of a submitted transaction
type TxStatus struct {
	Status           TxState
	Confirms         int64
	RequiredConfirms int64
}

// Quote is a pinned exchange-rate observation for a chain's native
// asset against USD (or another pair the oracle tracks).
type Quote struct {
	ChainID string          `db:"chain_id" json:"chainId"`
	Pair    string          `db:"pair" json:"pair"`
	Price   decimal.Decimal `db:"price" json:"price"`
	Source  string          `db:"source" json:"source"`
	AsOf    time.Time       `db:"as_of" json:"asOf"`
}

// QuoteSource hands plugins the latest authoritative price for a pair
type QuoteSource interface {
	LatestQuote(chainID, pair string) (Quote, error)
}

// Plugin is the adapter contract per supported chain. All methods must
// be safe for concurrent use across different addresses. Methods doing
// network I/O block, callers treat every call as a suspension point.
type Plugin interface {
	// ChainID identifies the chain this plugin serves
	ChainID() string

	// ValidateAddress reports whether addr is well-formed for this chain
	ValidateAddress(addr string) bool

	// GenerateEscrowAccount materializes a fresh custody account able to
	// hold the given asset
	GenerateEscrowAccount(assetCode string) (Account, error)

	// QuoteNativeForUSD pins a price and converts the USD amount to the
	// chain's native asset
	QuoteNativeForUSD(usdAmount decimal.Decimal) (decimal.Decimal, Quote, error)

	// ScanDeposits returns deposits credited to address since the opaque
	// cursor. Repeated calls with the same cursor must yield the same
	// prefix of results.
	ScanDeposits(address, sinceCursor string) (ScanResult, error)

	// Submit broadcasts a transfer. The clientNonce makes the submission
	// externally idempotent: resubmitting with the same nonce must not
	// double-spend.
	Submit(from Account, to, assetCode string, amount decimal.Decimal,
		clientNonce string) (string, error)

	// ResolveNonce returns the txid of an earlier Submit with the given
	// nonce, or empty string if the plugin never saw it
	ResolveNonce(clientNonce string) (string, error)

	// GetTxStatus reports the confirmation state of a broadcast tx
	GetTxStatus(txid string) (TxStatus, error)

	// GetBalance returns the spendable balance of the given asset
	GetBalance(address, assetCode string) (decimal.Decimal, error)
}
