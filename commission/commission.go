// Package commission computes what each side of a deal owes the
// broker and reconciles it against what has actually arrived. All of
// it is pure: given the same deal record it always returns the same
// answer, and nothing here does I/O.
package commission

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gitlab.com/arcanecrypto/swapd/assets"
	"gitlab.com/arcanecrypto/swapd/models/deals"
)

const bpsDenominator = 10000

// ceilTo rounds up to the given number of decimal places
func ceilTo(amount decimal.Decimal, places int32) decimal.Decimal {
	scale := decimal.New(1, places)
	return amount.Mul(scale).Ceil().Div(scale)
}

// Required returns the commission a side owes: the qualified asset it
// is denominated in and the amount. PercentBps commissions are always
// denominated in the send asset and rounded up at the asset's
// precision. FixedUSDNative commissions must already be frozen.
func Required(spec deals.AssetSpec, req deals.CommissionReq,
	registry *assets.Registry) (string, decimal.Decimal, error) {

	switch req.Kind {
	case deals.PercentBps:
		asset, err := registry.Get(spec.AssetCode, spec.ChainID)
		if err != nil {
			return "", decimal.Zero, err
		}
		raw := spec.Amount.
			Mul(decimal.NewFromInt(req.PercentBps)).
			Div(decimal.NewFromInt(bpsDenominator))
		return asset.Qualified(), ceilTo(raw, asset.Decimals), nil

	case deals.FixedUSDNative:
		if req.NativeFixed == nil {
			return "", decimal.Zero, errors.New("fixed-USD commission has not been frozen")
		}
		native, err := registry.Native(spec.ChainID)
		if err != nil {
			return "", decimal.Zero, err
		}
		return native.Qualified(), *req.NativeFixed, nil

	default:
		return "", decimal.Zero, errors.Errorf("unknown commission kind %q", req.Kind)
	}
}

// Owed returns everything a side has to deposit, per qualified asset:
// the send obligation plus the commission. A commission in the send
// asset folds into the same total, a native-asset commission for a
// token swap becomes a second entry that must be funded separately.
func Owed(spec deals.AssetSpec, req deals.CommissionReq,
	registry *assets.Registry) (map[string]decimal.Decimal, error) {

	sendAsset, err := registry.Get(spec.AssetCode, spec.ChainID)
	if err != nil {
		return nil, err
	}

	owed := map[string]decimal.Decimal{
		sendAsset.Qualified(): spec.Amount,
	}

	commissionAsset, commissionAmount, err := Required(spec, req, registry)
	if err != nil {
		return nil, err
	}
	owed[commissionAsset] = owed[commissionAsset].Add(commissionAmount)

	return owed, nil
}

// FullyFunded reports whether the collected totals cover every owed
// asset
func FullyFunded(owed, collected map[string]decimal.Decimal) bool {
	for asset, required := range owed {
		if collected[asset].LessThan(required) {
			return false
		}
	}
	return true
}

// Surplus returns what was deposited beyond the owed totals, per
// asset. Assets deposited without being owed at all are pure surplus.
func Surplus(owed, collected map[string]decimal.Decimal) map[string]decimal.Decimal {
	surplus := make(map[string]decimal.Decimal)
	for asset, got := range collected {
		extra := got.Sub(owed[asset])
		if extra.IsPositive() {
			surplus[asset] = extra
		}
	}
	return surplus
}

// Deficit returns what is still missing before the side counts as
// funded, per asset
func Deficit(owed, collected map[string]decimal.Decimal) map[string]decimal.Decimal {
	deficit := make(map[string]decimal.Decimal)
	for asset, required := range owed {
		missing := required.Sub(collected[asset])
		if missing.IsPositive() {
			deficit[asset] = missing
		}
	}
	return deficit
}
