// Package engine drives deals forward. A periodic tick reconciles
// deposits, evaluates stage transitions and works the outbound
// transfer queue. All mutations of one deal happen behind a
// deal-scoped lock, different deals advance in parallel.
package engine

import (
	"context"
	"sync"
	"time"

	"gitlab.com/arcanecrypto/swapd/assets"
	"gitlab.com/arcanecrypto/swapd/build"
	"gitlab.com/arcanecrypto/swapd/chain"
	"gitlab.com/arcanecrypto/swapd/models/deals"
	"gitlab.com/arcanecrypto/swapd/models/queue"
	"gitlab.com/arcanecrypto/swapd/store"
	"gitlab.com/arcanecrypto/swapd/watcher"
)

var log = build.AddSubLogger("ENGN")

// Config tunes the engine
type Config struct {
	// TickInterval is how often deals and the queue are advanced
	TickInterval time.Duration
	// MaxAttempts is how often a transfer is retried before it fails
	// terminally
	MaxAttempts int64
	// BackoffBase is the first retry delay after a failed submit
	BackoffBase time.Duration
	// BackoffCap bounds the exponential retry delay
	BackoffCap time.Duration
	// OperatorAddresses maps chain ID to the broker's commission
	// address on that chain
	OperatorAddresses map[string]string
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		TickInterval: 5 * time.Second,
		MaxAttempts:  10,
		BackoffBase:  2 * time.Second,
		BackoffCap:   5 * time.Minute,
	}
}

// Engine owns the deal lifecycle
type Engine struct {
	store    store.Store
	registry *assets.Registry
	plugins  map[string]chain.Plugin
	watchers map[string]*watcher.Watcher
	conf     Config

	// locks serializes all work on a single deal
	locks sync.Map
	// halted holds deals stopped after an invariant violation, they
	// need operator intervention and are skipped until restart
	halted sync.Map
}

// New wires an engine. Plugins are keyed by chain ID and must cover
// every chain the registry knows.
func New(s store.Store, registry *assets.Registry,
	plugins map[string]chain.Plugin, conf Config) *Engine {

	watchers := make(map[string]*watcher.Watcher, len(plugins))
	for chainID, plugin := range plugins {
		watchers[chainID] = watcher.New(plugin, s)
	}
	return &Engine{
		store:    s,
		registry: registry,
		plugins:  plugins,
		watchers: watchers,
		conf:     conf,
	}
}

// Start ticks until the context is cancelled
func (e *Engine) Start(ctx context.Context) {
	log.WithField("interval", e.conf.TickInterval).Info("Engine started")
	ticker := time.NewTicker(e.conf.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Engine stopped")
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick advances every active deal and then the queue. Deals run in
// parallel, the per-deal lock keeps an overlapping tick from writing
// the same deal twice.
func (e *Engine) Tick(ctx context.Context) {
	active, err := e.store.ActiveDeals()
	if err != nil {
		log.WithError(err).Error("Could not load active deals")
		return
	}

	var wg sync.WaitGroup
	for _, deal := range active {
		if _, bad := e.halted.Load(deal.ID); bad {
			continue
		}
		wg.Add(1)
		go func(deal deals.Deal) {
			defer wg.Done()
			lock := e.dealLock(deal.ID)
			lock.Lock()
			defer lock.Unlock()
			e.advanceDeal(deal)
		}(deal)
	}
	wg.Wait()

	e.workQueue(ctx)
}

func (e *Engine) dealLock(dealID string) *sync.Mutex {
	lock, _ := e.locks.LoadOrStore(dealID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// haltDeal stops all work on a deal after an invariant violation. The
// stage is left untouched so an operator can inspect and repair.
func (e *Engine) haltDeal(dealID string, err error) {
	e.halted.Store(dealID, true)
	log.WithError(err).WithField("deal", dealID).
		Error("INVARIANT VIOLATION: halting deal, operator intervention required")
}

// workQueue advances every open queue item one step. Items are worked
// per chain, one worker per chain bounds the concurrency against any
// single plugin.
func (e *Engine) workQueue(ctx context.Context) {
	open, err := e.store.OpenItems()
	if err != nil {
		log.WithError(err).Error("Could not load open queue items")
		return
	}

	byChain := make(map[string][]queue.Item)
	for _, item := range open {
		if _, bad := e.halted.Load(item.DealID); bad {
			continue
		}
		_, chainID, err := assets.ParseCode(item.Asset)
		if err != nil {
			e.haltDeal(item.DealID, err)
			continue
		}
		byChain[chainID] = append(byChain[chainID], item)
	}

	var wg sync.WaitGroup
	for chainID, items := range byChain {
		plugin, ok := e.plugins[chainID]
		if !ok {
			log.Errorf("No plugin for chain %s, %d items stuck", chainID, len(items))
			continue
		}
		wg.Add(1)
		go func(plugin chain.Plugin, items []queue.Item) {
			defer wg.Done()
			for _, item := range items {
				if ctx.Err() != nil {
					return
				}
				e.stepItem(plugin, item)
			}
		}(plugin, items)
	}
	wg.Wait()
}
