// Package assets is the read-only catalog of the chains and assets the
// broker is willing to swap. Everything else looks assets up here and
// never hard-codes chain knowledge.
package assets

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Asset describes one tradeable asset on one chain.
type Asset struct {
	// Code is the asset symbol, e.g. "USDC"
	Code string
	// ChainID is the chain the asset lives on, e.g. "ETH"
	ChainID string
	// Native is true for the chain's gas/fee asset
	Native bool
	// Decimals is the display precision commissions are rounded to
	Decimals int32
}

// Qualified returns the fully qualified code, SYMBOL@chainId
func (a Asset) Qualified() string {
	return Qualify(a.Code, a.ChainID)
}

// Qualify builds a fully qualified asset code from its parts
func Qualify(code, chainID string) string {
	return code + "@" + chainID
}

// ParseCode splits a fully qualified asset code into symbol and chain.
// The input must be on the form SYMBOL@chainId.
func ParseCode(qualified string) (code string, chainID string, err error) {
	parts := strings.Split(qualified, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%q is not a valid asset code", qualified)
	}
	return parts[0], parts[1], nil
}

// Registry is the lookup table for all known assets
type Registry struct {
	byQualified   map[string]Asset
	nativeByChain map[string]Asset
}

// NewRegistry builds a registry from the given assets. Each chain must
// have exactly one native asset, and an asset can only be registered
// once per chain.
func NewRegistry(list []Asset) (*Registry, error) {
	r := &Registry{
		byQualified:   make(map[string]Asset),
		nativeByChain: make(map[string]Asset),
	}
	for _, asset := range list {
		if asset.Code == "" || asset.ChainID == "" {
			return nil, errors.Errorf("asset %+v is missing code or chain", asset)
		}
		key := asset.Qualified()
		if _, ok := r.byQualified[key]; ok {
			return nil, errors.Errorf("asset %s registered twice", key)
		}
		r.byQualified[key] = asset

		if asset.Native {
			if existing, ok := r.nativeByChain[asset.ChainID]; ok {
				return nil, errors.Errorf(
					"chain %s has two native assets: %s and %s",
					asset.ChainID, existing.Code, asset.Code)
			}
			r.nativeByChain[asset.ChainID] = asset
		}
	}
	for _, asset := range list {
		if _, ok := r.nativeByChain[asset.ChainID]; !ok {
			return nil, errors.Errorf("chain %s has no native asset", asset.ChainID)
		}
	}
	return r, nil
}

// Get looks up an asset by symbol and chain
func (r *Registry) Get(code, chainID string) (Asset, error) {
	asset, ok := r.byQualified[Qualify(code, chainID)]
	if !ok {
		return Asset{}, errors.Errorf("unknown asset %s on chain %s", code, chainID)
	}
	return asset, nil
}

// GetQualified looks up an asset by its fully qualified code
func (r *Registry) GetQualified(qualified string) (Asset, error) {
	code, chainID, err := ParseCode(qualified)
	if err != nil {
		return Asset{}, err
	}
	return r.Get(code, chainID)
}

// Native returns the native asset for a chain
func (r *Registry) Native(chainID string) (Asset, error) {
	asset, ok := r.nativeByChain[chainID]
	if !ok {
		return Asset{}, errors.Errorf("unknown chain %s", chainID)
	}
	return asset, nil
}

// Chains returns all chain IDs known to the registry
func (r *Registry) Chains() []string {
	chains := make([]string, 0, len(r.nativeByChain))
	for chainID := range r.nativeByChain {
		chains = append(chains, chainID)
	}
	return chains
}
