/*
scheduler.go - Background state cache sweeper

PURPOSE:
  The state result cache is keyed by input fingerprint and never evicts on
  its own. Every edit produces new fingerprints, so a long-running server
  accumulates entries nobody will ask for again. The sweeper drops the
  cache periodically once it grows past a size limit.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Sweeps only when the cache holds more than MaxEntries
  - Entries are advisory, so a sweep never changes a result

CONFIGURATION:
  - CheckInterval: How often to check (RDCREDIT_CACHE_SWEEP_INTERVAL, default 10m)
  - MaxEntries: Size that triggers a sweep (RDCREDIT_CACHE_MAX_ENTRIES)
  - Enabled: An interval of zero disables the sweeper

USAGE:
  sweeper := NewCacheSweeper(eng.States, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: ClearCache endpoint (manual sweep)
  - state/cache.go: Cache
*/
package api

import (
	"log/slog"
	"sync"
	"time"

	"github.com/warp/credit-engine/state"
)

// CacheSweeper bounds the state cache of a long-running server.
type CacheSweeper struct {
	Cache         *state.Cache
	Logger        *slog.Logger
	CheckInterval time.Duration
	MaxEntries    int
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewCacheSweeper creates a sweeper with a 10 minute interval and a limit
// of 10000 entries.
func NewCacheSweeper(cache *state.Cache, logger *slog.Logger) *CacheSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheSweeper{
		Cache:         cache,
		Logger:        logger,
		CheckInterval: 10 * time.Minute,
		MaxEntries:    10000,
		Enabled:       true,
	}
}

// Start begins the sweeper.
func (cs *CacheSweeper) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled || cs.CheckInterval <= 0 {
		cs.Logger.Info("cache sweeper disabled")
		return
	}
	if cs.ticker != nil {
		return
	}

	cs.ticker = time.NewTicker(cs.CheckInterval)
	cs.stop = make(chan struct{})
	cs.wg.Add(1)

	go cs.run()

	cs.Logger.Info("cache sweeper started", "interval", cs.CheckInterval, "max_entries", cs.MaxEntries)
}

// Stop stops the sweeper. Safe to call when it never started.
func (cs *CacheSweeper) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker != nil {
		cs.ticker.Stop()
		close(cs.stop)
		cs.wg.Wait()
		cs.ticker = nil
		cs.Logger.Info("cache sweeper stopped")
	}
}

func (cs *CacheSweeper) run() {
	defer cs.wg.Done()

	for {
		select {
		case <-cs.ticker.C:
			cs.Sweep()
		case <-cs.stop:
			return
		}
	}
}

// Sweep drops the cache when it is over the limit and reports whether it
// did.
func (cs *CacheSweeper) Sweep() bool {
	stats := cs.Cache.Stats()
	if stats.Size <= cs.MaxEntries {
		return false
	}
	cs.Cache.Invalidate()
	cs.Logger.Info("state cache swept", "entries", stats.Size, "hits", stats.Hits, "misses", stats.Misses)
	return true
}
