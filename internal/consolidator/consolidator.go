// Package consolidator is the single point of contact between venue
// adapters and the rest of the engine. It registers adapters, routes
// their callbacks into the order-book store, maintains ticker and funding
// caches, computes cross-venue best prices on demand from the order books,
// and fans changes out to subscribers — generalizing
// the teacher's database.MarketRepository (one exchange) into an N-venue
// registry, the way usecase/trader_depth.go's depth subscriber merges a
// single stream into a shared cache.
package consolidator

import (
	"context"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"arbengine/internal/metrics"
	"arbengine/internal/models"
	"arbengine/internal/orderbook"
	"arbengine/internal/venue"
)

// Consolidator owns the order-book store and the registered adapters, and
// is the only component that touches venue.Adapter directly.
type Consolidator struct {
	log   *logrus.Entry
	books *orderbook.Store

	adaptersMu sync.RWMutex
	adapters   map[models.Venue]venue.Adapter

	tickers cmap.ConcurrentMap // key.String() -> models.MarketData
	funding cmap.ConcurrentMap // key.String() -> models.MarketData (latest funding snapshot)

	subMu       sync.RWMutex
	subscribers []func(models.MarketDataKey)

	metricsReg *metrics.Registry
}

// New creates a Consolidator backed by its own order-book store.
func New(log *logrus.Entry) *Consolidator {
	return &Consolidator{
		log:      log,
		books:    orderbook.New(),
		adapters: map[models.Venue]venue.Adapter{},
		tickers:  cmap.New(),
		funding:  cmap.New(),
	}
}

// Books exposes the underlying order-book store for components that need
// VWAP/imbalance/snapshot access beyond best-prices (pricer, risk).
func (c *Consolidator) Books() *orderbook.Store { return c.books }

// SetMetrics wires a Prometheus registry so every market-data update on
// the ingest path records its processing latency (spec.md §6).
func (c *Consolidator) SetMetrics(m *metrics.Registry) {
	c.metricsReg = m
}

// RegisterAdapter wires a venue adapter's callbacks into the store and
// the ticker/funding caches, and records it for lifecycle management.
func (c *Consolidator) RegisterAdapter(a venue.Adapter) {
	c.adaptersMu.Lock()
	c.adapters[a.Venue()] = a
	c.adaptersMu.Unlock()

	a.OnOrderBook(func(key models.MarketDataKey, bids, asks []models.PriceLevel) {
		start := time.Now()
		c.books.Update(key, bids, asks)
		c.notify(key)
		c.recordLatency(start)
	})

	a.OnMarketData(func(md models.MarketData) {
		start := time.Now()
		if md.FundingRate != 0 || md.Key.Instrument == models.InstrumentPerpetual {
			c.funding.Set(md.Key.String(), md)
		}
		c.tickers.Set(md.Key.String(), md)
		c.notify(md.Key)
		c.recordLatency(start)
	})

	a.OnError(func(err error) {
		c.log.WithError(err).WithField("venue", a.Venue()).Warn("venue adapter error")
	})
}

// Adapter returns the registered adapter for a venue, if any.
func (c *Consolidator) Adapter(v models.Venue) (venue.Adapter, bool) {
	c.adaptersMu.RLock()
	defer c.adaptersMu.RUnlock()
	a, ok := c.adapters[v]
	return a, ok
}

// AdaptersSnapshot returns a copy of the venue->adapter registry, used at
// startup to connect and subscribe every registered adapter.
func (c *Consolidator) AdaptersSnapshot() map[models.Venue]venue.Adapter {
	c.adaptersMu.RLock()
	defer c.adaptersMu.RUnlock()
	out := make(map[models.Venue]venue.Adapter, len(c.adapters))
	for k, v := range c.adapters {
		out[k] = v
	}
	return out
}

// Subscribe registers a callback invoked synchronously, in caller order,
// every time a key's market data changes. A panicking subscriber is
// caught and logged so it cannot take down the caller (spec's isolation
// rule, applied uniformly across every fan-out point in this engine).
func (c *Consolidator) Subscribe(cb func(models.MarketDataKey)) {
	c.subMu.Lock()
	c.subscribers = append(c.subscribers, cb)
	c.subMu.Unlock()
}

func (c *Consolidator) recordLatency(start time.Time) {
	if c.metricsReg == nil {
		return
	}
	c.metricsReg.RecordProcessingLatency(float64(time.Since(start).Microseconds()))
}

func (c *Consolidator) notify(key models.MarketDataKey) {
	c.subMu.RLock()
	cbs := make([]func(models.MarketDataKey), len(c.subscribers))
	copy(cbs, c.subscribers)
	c.subMu.RUnlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.WithField("panic", r).Error("consolidator subscriber panicked")
				}
			}()
			cb(key)
		}()
	}
}

// MarketData returns the latest ticker snapshot for a key, if any has
// arrived yet.
func (c *Consolidator) MarketData(key models.MarketDataKey) (models.MarketData, bool) {
	v, ok := c.tickers.Get(key.String())
	if !ok {
		return models.MarketData{}, false
	}
	return v.(models.MarketData), true
}

// FundingRate returns the latest funding-rate snapshot for a perpetual key.
func (c *Consolidator) FundingRate(key models.MarketDataKey) (models.MarketData, bool) {
	v, ok := c.funding.Get(key.String())
	if !ok {
		return models.MarketData{}, false
	}
	return v.(models.MarketData), true
}

// AllForSymbol returns every key currently tracked across venues and
// instrument types for one symbol, reading directly off the ticker cache.
func (c *Consolidator) AllForSymbol(symbol models.Symbol) []models.MarketDataKey {
	var out []models.MarketDataKey
	for item := range c.tickers.IterBuffered() {
		md := item.Val.(models.MarketData)
		if md.Key.Symbol == symbol {
			out = append(out, md.Key)
		}
	}
	return out
}

// BestPrices scans every venue's order book for a symbol/instrument and
// returns the best bid and best ask across venues, used by the spot
// detector to find the cheapest buy and richest sell.
func (c *Consolidator) BestPrices(symbol models.Symbol, instrument models.InstrumentType) (models.BestPrices, error) {
	var best models.BestPrices
	found := false

	haveBid, haveAsk := false, false
	for _, v := range models.AllVenues() {
		key := models.MarketDataKey{Symbol: symbol, Venue: v, Instrument: instrument}
		snap := c.books.Snapshot(key)
		if !snap.Valid {
			continue
		}
		bid, okBid := snap.BestBid()
		ask, okAsk := snap.BestAsk()
		if okBid && (!haveBid || bid.Price > best.BestBid) {
			best.BestBid = bid.Price
			best.BestBidVenue = v
			best.BestBidSize = bid.Quantity
			haveBid = true
		}
		if okAsk && (!haveAsk || ask.Price < best.BestAsk) {
			best.BestAsk = ask.Price
			best.BestAskVenue = v
			best.BestAskSize = ask.Quantity
			haveAsk = true
		}
	}
	found = haveBid || haveAsk

	if !found {
		return models.BestPrices{}, errors.Errorf("consolidator: no market data for %s/%s", symbol, instrument)
	}
	return best, nil
}

// MonitorHeartbeats spawns one watchdog goroutine per registered adapter
// that polls Stale() and drives Reconnect() on a forced drop, per spec.md
// §6's "dedicated workers for venue heartbeat monitoring". It returns
// immediately; the goroutines exit when ctx is cancelled.
func (c *Consolidator) MonitorHeartbeats(ctx context.Context, interval time.Duration) {
	for _, a := range c.AdaptersSnapshot() {
		go c.watchHeartbeat(ctx, a, interval)
	}
}

func (c *Consolidator) watchHeartbeat(ctx context.Context, a venue.Adapter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.Stale() {
				continue
			}
			c.log.WithField("venue", a.Venue()).Warn("venue heartbeat stale, forcing reconnect")
			if err := a.Reconnect(ctx); err != nil {
				c.log.WithError(err).WithField("venue", a.Venue()).Error("forced reconnect failed")
			}
		}
	}
}
