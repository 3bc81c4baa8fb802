package api

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gitlab.com/arcanecrypto/swapd/chain"
)

type setPriceParams struct {
	ChainID string          `json:"chainId"`
	Pair    string          `json:"pair"`
	Price   decimal.Decimal `json:"price"`
}

// setPrice stores a manual oracle quote. The engine freezes fixed-USD
// commissions against the latest quote for a pair, so operators keep
// these current on deployments without a price feed.
func (r *RestServer) setPrice(raw json.RawMessage) (interface{}, error) {
	var params setPriceParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if _, ok := r.plugins[params.ChainID]; !ok {
		return nil, errors.Errorf("unknown chain %s", params.ChainID)
	}
	if params.Pair == "" {
		return nil, errors.New("pair is required")
	}
	if !params.Price.IsPositive() {
		return nil, errors.New("price must be positive")
	}

	quote := chain.Quote{
		ChainID: params.ChainID,
		Pair:    params.Pair,
		Price:   params.Price,
		Source:  "MANUAL",
		AsOf:    time.Now().UTC(),
	}
	if err := r.store.SaveQuote(quote); err != nil {
		return nil, err
	}

	log.WithField("pair", quote.Pair).WithField("price", quote.Price).
		Info("Stored manual price quote")
	return map[string]interface{}{"ok": true, "asOf": quote.AsOf}, nil
}
