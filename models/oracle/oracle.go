// Package oracle persists price quotes. The latest row per
// (chain, pair) is authoritative, older rows are kept as history.
package oracle

import (
	"database/sql"

	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/swapd/chain"
	"gitlab.com/arcanecrypto/swapd/db"
)

// SourceManual marks quotes set through admin.setPrice
const SourceManual = "MANUAL"

// ErrNoQuote means no quote exists for the requested pair
var ErrNoQuote = errors.New("no quote for pair")

// Insert stores a quote observation
func Insert(i db.Inserter, quote chain.Quote) error {
	rows, err := i.NamedQuery(
		`INSERT INTO oracle_quotes (chain_id, pair, price, source, as_of)
		 VALUES (:chain_id, :pair, :price, :source, :as_of)`, quote)
	if err != nil {
		return errors.Wrap(err, "could not insert oracle quote")
	}
	return rows.Close()
}

// Latest returns the most recent quote for the pair on the chain
func Latest(g db.Getter, chainID, pair string) (chain.Quote, error) {
	var quote chain.Quote
	err := g.Get(&quote,
		`SELECT chain_id, pair, price, source, as_of
		 FROM oracle_quotes
		 WHERE chain_id = $1 AND pair = $2
		 ORDER BY as_of DESC LIMIT 1`, chainID, pair)
	if err != nil {
		if err == sql.ErrNoRows {
			return chain.Quote{}, ErrNoQuote
		}
		return chain.Quote{}, errors.Wrap(err, "could not get latest quote")
	}
	return quote, nil
}
