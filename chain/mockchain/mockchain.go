// Package mockchain is an in-memory chain plugin. It backs the test
// suite and the --network=mock development mode, and implements the
// full plugin contract: escrow accounts, deposit scanning with
// cursors, idempotent submission by client nonce and confirmation
// tracking.
package mockchain

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gitlab.com/arcanecrypto/swapd/chain"
)

var _ chain.Plugin = &Chain{}

// Chain is one simulated chain. The zero value is not usable, create
// instances with New.
type Chain struct {
	mu sync.Mutex

	chainID    string
	nativeCode string
	quotes     chain.QuoteSource

	// RequiredConfirms is stamped onto every submitted tx
	RequiredConfirms int64
	// AutoConfirm makes every submitted tx confirm immediately
	AutoConfirm bool

	balances map[string]map[string]decimal.Decimal
	arrivals map[string][]chain.Deposit
	accounts map[string]chain.Account

	txs     map[string]*chain.TxStatus
	byNonce map[string]string

	// submitErrs is popped on each Submit call to inject failures
	submitErrs []error
}

// New creates a mock chain with the given ID and native asset symbol.
// Quotes for QuoteNativeForUSD are read from the given source.
func New(chainID, nativeCode string, quotes chain.QuoteSource) *Chain {
	return &Chain{
		chainID:          chainID,
		nativeCode:       nativeCode,
		quotes:           quotes,
		RequiredConfirms: 1,
		balances:         make(map[string]map[string]decimal.Decimal),
		arrivals:         make(map[string][]chain.Deposit),
		accounts:         make(map[string]chain.Account),
		txs:              make(map[string]*chain.TxStatus),
		byNonce:          make(map[string]string),
	}
}

func (c *Chain) ChainID() string {
	return c.chainID
}

// ValidateAddress accepts addresses on the form <chainid>1<suffix>,
// matching what GenerateEscrowAccount hands out
func (c *Chain) ValidateAddress(addr string) bool {
	prefix := strings.ToLower(c.chainID) + "1"
	return strings.HasPrefix(addr, prefix) && len(addr) > len(prefix)
}

func randomHex(n int) string {
	b := make([]byte, n)
	// rand.Read never returns an error on supported platforms
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (c *Chain) GenerateEscrowAccount(assetCode string) (chain.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	account := chain.Account{
		Address: strings.ToLower(c.chainID) + "1" + randomHex(16),
		KeyRef:  "mockkey:" + randomHex(8),
	}
	c.accounts[account.Address] = account
	return account, nil
}

// AccountCount reports how many escrow accounts this chain has handed
// out
func (c *Chain) AccountCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.accounts)
}

func (c *Chain) QuoteNativeForUSD(usdAmount decimal.Decimal) (decimal.Decimal, chain.Quote, error) {
	pair := c.nativeCode + "/USD"
	quote, err := c.quotes.LatestQuote(c.chainID, pair)
	if err != nil {
		return decimal.Zero, chain.Quote{}, errors.Wrapf(err, "no quote for %s on %s", pair, c.chainID)
	}
	if quote.Price.IsZero() {
		return decimal.Zero, chain.Quote{}, errors.Errorf("quote for %s is zero", pair)
	}
	native := usdAmount.DivRound(quote.Price, 18)
	return native, quote, nil
}

// Fund credits the address and records a deposit, as if an external
// party had sent money in. Returns the generated txid.
func (c *Chain) Fund(address, assetCode string, amount decimal.Decimal, confirms int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	txid := randomHex(32)
	now := time.Now()
	c.credit(address, assetCode, amount)
	c.arrivals[address] = append(c.arrivals[address], chain.Deposit{
		Txid:      txid,
		Asset:     assetCode,
		Amount:    amount,
		Confirms:  confirms,
		BlockTime: &now,
	})
	return txid
}

// AdvanceConfirms bumps the confirmation count of every recorded
// arrival and every submitted tx by n
func (c *Chain) AdvanceConfirms(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for addr := range c.arrivals {
		for i := range c.arrivals[addr] {
			c.arrivals[addr][i].Confirms += n
		}
	}
	for _, status := range c.txs {
		if status.Status == chain.TxPending {
			status.Confirms += n
			if status.Confirms >= status.RequiredConfirms {
				status.Status = chain.TxConfirmed
			}
		}
	}
}

func (c *Chain) ScanDeposits(address, sinceCursor string) (chain.ScanResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := 0
	if sinceCursor != "" {
		parsed, err := strconv.Atoi(sinceCursor)
		if err != nil {
			return chain.ScanResult{}, errors.Wrapf(err, "bad cursor %q", sinceCursor)
		}
		from = parsed
	}

	all := c.arrivals[address]
	if from > len(all) {
		from = len(all)
	}

	// the cursor only moves past deposits that reached finality, anything
	// after it is re-reported so confirmation counts keep flowing
	var result chain.ScanResult
	for _, dep := range all[from:] {
		result.Deposits = append(result.Deposits, dep)
	}
	next := from
	for next < len(all) && all[next].Confirms >= c.RequiredConfirms {
		next++
	}
	result.NextCursor = strconv.Itoa(next)
	return result, nil
}

// FailNextSubmit queues an error to be returned by the next Submit call
func (c *Chain) FailNextSubmit(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErrs = append(c.submitErrs, err)
}

func (c *Chain) Submit(from chain.Account, to, assetCode string,
	amount decimal.Decimal, clientNonce string) (string, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.submitErrs) > 0 {
		err := c.submitErrs[0]
		c.submitErrs = c.submitErrs[1:]
		return "", err
	}

	// idempotence by caller nonce
	if txid, ok := c.byNonce[clientNonce]; ok {
		return txid, nil
	}

	if _, ok := c.accounts[from.Address]; !ok {
		return "", errors.Errorf("unknown account %s", from.Address)
	}
	balance := c.balances[from.Address][assetCode]
	if balance.LessThan(amount) {
		return "", errors.Errorf("insufficient balance: have %s %s, need %s",
			balance, assetCode, amount)
	}

	c.balances[from.Address][assetCode] = balance.Sub(amount)
	c.credit(to, assetCode, amount)

	txid := randomHex(32)
	status := &chain.TxStatus{
		Status:           chain.TxPending,
		Confirms:         0,
		RequiredConfirms: c.RequiredConfirms,
	}
	if c.AutoConfirm {
		status.Status = chain.TxConfirmed
		status.Confirms = c.RequiredConfirms
	}
	c.txs[txid] = status
	c.byNonce[clientNonce] = txid
	return txid, nil
}

func (c *Chain) ResolveNonce(clientNonce string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byNonce[clientNonce], nil
}

// DropTx marks a submitted tx as dropped from the mempool
func (c *Chain) DropTx(txid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	status, ok := c.txs[txid]
	if !ok {
		return errors.Errorf("unknown txid %s", txid)
	}
	status.Status = chain.TxDropped
	return nil
}

func (c *Chain) GetTxStatus(txid string) (chain.TxStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status, ok := c.txs[txid]
	if !ok {
		return chain.TxStatus{}, errors.Errorf("unknown txid %s", txid)
	}
	return *status, nil
}

func (c *Chain) GetBalance(address, assetCode string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[address][assetCode], nil
}

// credit must be called with the mutex held
func (c *Chain) credit(address, assetCode string, amount decimal.Decimal) {
	if c.balances[address] == nil {
		c.balances[address] = make(map[string]decimal.Decimal)
	}
	c.balances[address][assetCode] = c.balances[address][assetCode].Add(amount)
}
