package state

import (
	"sort"
	"sync"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdcredit_state_cache_hits_total",
		Help: "State credit evaluations served from the cache.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdcredit_state_cache_misses_total",
		Help: "State credit evaluations computed on a cache miss.",
	})
)

// =============================================================================
// RESULT CACHE
// =============================================================================

type cacheKey struct {
	qre           uint64
	state         string
	method        Method
	year          int
	variant       int
	grossReceipts uint64
	priorQRE      uint64
	entity        string
	use280C       bool
	fixedBase     string
}

// CacheStats is reported by the diagnostics endpoint.
type CacheStats struct {
	Size   int    `json:"size"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// Cache memoizes Evaluate by input fingerprint. Entries are advisory: any of
// them may be dropped at any time without changing results. The mutex only
// keeps the map consistent.
type Cache struct {
	eval *Evaluator

	mu      sync.Mutex
	entries map[cacheKey]Result
	hits    uint64
	misses  uint64
}

func NewCache(eval *Evaluator) *Cache {
	return &Cache{eval: eval, entries: make(map[cacheKey]Result)}
}

func (c *Cache) Evaluator() *Evaluator { return c.eval }

func (c *Cache) Evaluate(in Input) Result {
	k := keyOf(in)

	c.mu.Lock()
	if res, ok := c.entries[k]; ok {
		c.hits++
		c.mu.Unlock()
		cacheHits.Inc()
		return res.clone()
	}
	c.misses++
	c.mu.Unlock()
	cacheMisses.Inc()

	res := c.eval.Evaluate(in)

	c.mu.Lock()
	c.entries[k] = res.clone()
	c.mu.Unlock()
	return res
}

// EvaluateAll is Evaluator.EvaluateAll through the cache.
func (c *Cache) EvaluateAll(inputs []Input) []Result {
	out := make([]Result, 0, len(inputs))
	for _, in := range inputs {
		out = append(out, c.Evaluate(in))
	}
	SortByCredit(out)
	return out
}

// Invalidate drops every entry. Counters are kept.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]Result)
}

// InvalidateYear drops the entries of one tax year.
func (c *Cache) InvalidateYear(year int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.year == year {
			delete(c.entries, k)
		}
	}
}

func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Size: len(c.entries), Hits: c.hits, Misses: c.misses}
}

func keyOf(in Input) cacheKey {
	method := in.Method
	if method == "" {
		method = MethodStandard
	}
	fixed := ""
	if in.FixedBasePercent.Valid {
		fixed = in.FixedBasePercent.Decimal.String()
	}
	return cacheKey{
		qre:           in.QRE.Fingerprint(),
		state:         NormalizeState(in.State),
		method:        method,
		year:          in.Year,
		variant:       in.Variant,
		grossReceipts: yearAmountsFingerprint(in.GrossReceipts),
		priorQRE:      yearAmountsFingerprint(in.PriorQRE),
		entity:        string(in.EntityType),
		use280C:       in.Use280C,
		fixedBase:     fixed,
	}
}

type yearAmount struct {
	Year   int
	Amount string
}

// yearAmountsFingerprint hashes a by-year amount map in year order.
func yearAmountsFingerprint(m map[int]decimal.Decimal) uint64 {
	entries := make([]yearAmount, 0, len(m))
	for y, v := range m {
		entries = append(entries, yearAmount{Year: y, Amount: v.String()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Year < entries[j].Year })
	h, err := hashstructure.Hash(entries, hashstructure.FormatV2, nil)
	if err != nil {
		return 0
	}
	return h
}
