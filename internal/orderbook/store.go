// Package orderbook is the per-key price-ladder store. One writer per key
// (the key's venue adapter), many readers. Each update swaps in one
// immutable snapshot via an atomic pointer, so readers never block the
// writer and never observe a partially-written book — a real seqlock needs
// acquire/release fences the Go memory model doesn't give plain fields
// merely bracketed by an atomic counter, so the publish step itself has to
// be the atomic operation. Generalizes the teacher's mutex-guarded
// util.DepthCache into the per-key lock-free-read design spec.md §4.1(b)
// prefers for the hot detection path.
package orderbook

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map"

	"arbengine/internal/models"
)

// book holds one key's current snapshot behind an atomic pointer. mu
// serializes writers so building the next snapshot from the previous one
// (same venue's book, other side unchanged) is race-free; it is never held
// by a reader.
type book struct {
	mu      sync.Mutex
	seq     uint64 // monotonic version, mutated only under mu
	current atomic.Pointer[models.BookSnapshot]
}

func (b *book) snapshot() models.BookSnapshot {
	p := b.current.Load()
	if p == nil {
		return models.BookSnapshot{}
	}
	return *p
}

func (b *book) publish(bids, asks []models.PriceLevel) {
	b.seq++
	b.current.Store(&models.BookSnapshot{
		Bids:      bids,
		Asks:      asks,
		Sequence:  b.seq,
		Timestamp: time.Now(),
		Valid:     isValid(bids, asks),
	})
}

// Store is the concurrent order-book map, sharded via concurrent-map to
// keep per-key contention low the way the teacher shards depth caches by
// symbol in infrastructure/binance.go's depth cache usage.
type Store struct {
	books cmap.ConcurrentMap
}

// New creates an empty order-book store.
func New() *Store {
	return &Store{books: cmap.New()}
}

func (s *Store) bookFor(key models.MarketDataKey) *book {
	k := key.String()
	if v, ok := s.books.Get(k); ok {
		return v.(*book)
	}
	b := &book{}
	s.books.SetIfAbsent(k, b)
	v, _ := s.books.Get(k)
	return v.(*book)
}

// UpdateBids atomically replaces the bid side with up to MaxDepth levels,
// sorted price-descending. Empty levels (Quantity <= 0) are dropped.
func (s *Store) UpdateBids(key models.MarketDataKey, levels []models.PriceLevel) {
	b := s.bookFor(key)
	clean := sanitize(levels, true)

	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.current.Load()
	var asks []models.PriceLevel
	if prev != nil {
		asks = prev.Asks
	}
	b.publish(clean, asks)
}

// UpdateAsks atomically replaces the ask side with up to MaxDepth levels,
// sorted price-ascending. Empty levels (Quantity <= 0) are dropped.
func (s *Store) UpdateAsks(key models.MarketDataKey, levels []models.PriceLevel) {
	b := s.bookFor(key)
	clean := sanitize(levels, false)

	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.current.Load()
	var bids []models.PriceLevel
	if prev != nil {
		bids = prev.Bids
	}
	b.publish(bids, clean)
}

// Update replaces both sides in one publish, used when a venue delivers a
// combined bid/ask snapshot.
func (s *Store) Update(key models.MarketDataKey, bids, asks []models.PriceLevel) {
	b := s.bookFor(key)
	cleanBids := sanitize(bids, true)
	cleanAsks := sanitize(asks, false)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.publish(cleanBids, cleanAsks)
}

func sanitize(levels []models.PriceLevel, descending bool) []models.PriceLevel {
	if levels == nil {
		return nil
	}
	out := make([]models.PriceLevel, 0, len(levels))
	for _, l := range levels {
		if l.Empty() {
			continue
		}
		out = append(out, l)
	}
	if descending {
		sort.Slice(out, func(i, j int) bool { return out[i].Price > out[j].Price })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	}
	if len(out) > models.MaxDepth {
		out = out[:models.MaxDepth]
	}
	return out
}

// isValid enforces spec's P1: when both sides are non-empty, the best bid
// must be strictly below the best ask.
func isValid(bids, asks []models.PriceLevel) bool {
	if len(bids) == 0 || len(asks) == 0 {
		return true
	}
	return bids[0].Price < asks[0].Price
}

// Snapshot returns the current state of a key's book, or the zero value
// (Valid=false, empty sides) when the key has never been updated.
func (s *Store) Snapshot(key models.MarketDataKey) models.BookSnapshot {
	k := key.String()
	v, ok := s.books.Get(k)
	if !ok {
		return models.BookSnapshot{}
	}
	return v.(*book).snapshot()
}

// BestBid returns the top bid level in O(1).
func (s *Store) BestBid(key models.MarketDataKey) (models.PriceLevel, bool) {
	snap := s.Snapshot(key)
	if !snap.Valid {
		return models.PriceLevel{}, false
	}
	return snap.BestBid()
}

// BestAsk returns the top ask level in O(1).
func (s *Store) BestAsk(key models.MarketDataKey) (models.PriceLevel, bool) {
	snap := s.Snapshot(key)
	if !snap.Valid {
		return models.PriceLevel{}, false
	}
	return snap.BestAsk()
}

// SpreadBps returns (ask - bid) / mid * 10_000, or false when the book is
// one-sided, empty, or invalid.
func (s *Store) SpreadBps(key models.MarketDataKey) (float64, bool) {
	snap := s.Snapshot(key)
	if !snap.Valid {
		return 0, false
	}
	bb, ok1 := snap.BestBid()
	ba, ok2 := snap.BestAsk()
	if !ok1 || !ok2 {
		return 0, false
	}
	mid := (bb.Price + ba.Price) / 2
	if mid == 0 {
		return 0, false
	}
	return (ba.Price - bb.Price) / mid * 10_000, true
}

// Side selects which ladder VWAP walks.
type Side int

const (
	SideBuy  Side = iota // walk the asks
	SideSell             // walk the bids
)

// VWAP walks the opposite side of the book up to targetQty and returns the
// volume-weighted average price. Returns false when the book lacks enough
// depth to fill targetQty.
func (s *Store) VWAP(key models.MarketDataKey, side Side, targetQty float64) (float64, bool) {
	snap := s.Snapshot(key)
	if !snap.Valid || targetQty <= 0 {
		return 0, false
	}
	var levels []models.PriceLevel
	if side == SideBuy {
		levels = snap.Asks
	} else {
		levels = snap.Bids
	}
	return vwapOver(levels, targetQty)
}

func vwapOver(levels []models.PriceLevel, targetQty float64) (float64, bool) {
	remaining := targetQty
	var sumValue, sumQty float64
	for _, lvl := range levels {
		if remaining <= 0 {
			break
		}
		take := lvl.Quantity
		if take > remaining {
			take = remaining
		}
		sumValue += lvl.Price * take
		sumQty += take
		remaining -= take
	}
	if remaining > 1e-12 || sumQty == 0 {
		return 0, false
	}
	return sumValue / sumQty, true
}

// Imbalance returns (sum bid qty - sum ask qty) / (sum bid qty + sum ask
// qty) over the top depth levels of each side, in [-1, 1]. Returns 0 when
// both sides are empty at that depth.
func (s *Store) Imbalance(key models.MarketDataKey, depth int) float64 {
	snap := s.Snapshot(key)
	if !snap.Valid {
		return 0
	}
	bidQty := sumQty(snap.Bids, depth)
	askQty := sumQty(snap.Asks, depth)
	total := bidQty + askQty
	if total == 0 {
		return 0
	}
	v := (bidQty - askQty) / total
	return math.Max(-1, math.Min(1, v))
}

func sumQty(levels []models.PriceLevel, depth int) float64 {
	var sum float64
	n := depth
	if n > len(levels) {
		n = len(levels)
	}
	for i := 0; i < n; i++ {
		sum += levels[i].Quantity
	}
	return sum
}

// IsValid reports whether the key's book currently satisfies the
// best-bid-below-best-ask invariant (or is one-sided/absent, which is
// vacuously valid).
func (s *Store) IsValid(key models.MarketDataKey) bool {
	return s.Snapshot(key).Valid
}
