// Package mock provides deterministic venue adapters that replay synthetic
// market data through the same contract Binance uses. It is adapted from
// the teacher's infrastructure/exchange_stub.go balance-ledger simulator:
// where the stub simulated fills against a fake balance, this simulates
// order-book ticks against a fake feed, since order execution is out of
// scope here.
package mock

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"arbengine/internal/models"
	"arbengine/internal/venue"
)

// Tick is one synthetic order-book update fed into an Adapter.
type Tick struct {
	Symbol     models.Symbol
	Instrument models.InstrumentType
	MidPrice   float64
	SpreadBps  float64
	Size       float64
}

// Adapter is a venue.Adapter that replays a caller-supplied or randomly
// generated stream of Ticks instead of speaking a real exchange protocol.
type Adapter struct {
	venueName models.Venue
	conn      *venue.ConnectionState
	rng       *rand.Rand

	mu          sync.Mutex
	subscribed  map[models.MarketDataKey]bool
	fundingSubs map[models.Symbol]bool
	books       map[models.MarketDataKey][]models.PriceLevel // seed for FetchSnapshot

	marketCbMu sync.RWMutex
	marketCbs  []func(models.MarketData)
	bookCbMu   sync.RWMutex
	bookCbs    []func(models.MarketDataKey, []models.PriceLevel, []models.PriceLevel)

	stop chan struct{}
}

// New builds a mock adapter for the given venue, seeded for reproducible
// runs (the seed doubles as the teacher's stub account id).
func New(v models.Venue, seed int64, log *logrus.Entry) *Adapter {
	return &Adapter{
		venueName:   v,
		conn:        venue.NewConnectionState(v, venue.DefaultReconnectPolicy(), log),
		rng:         rand.New(rand.NewSource(seed)),
		subscribed:  map[models.MarketDataKey]bool{},
		fundingSubs: map[models.Symbol]bool{},
		books:       map[models.MarketDataKey][]models.PriceLevel{},
	}
}

func (a *Adapter) Venue() models.Venue { return a.venueName }

func (a *Adapter) Connect(ctx context.Context) error {
	a.conn.SetConnected(true)
	a.stop = make(chan struct{})
	go a.runLoop(ctx)
	return nil
}

func (a *Adapter) Disconnect() error {
	a.conn.SetConnected(false)
	if a.stop != nil {
		close(a.stop)
	}
	return nil
}

func (a *Adapter) SubscribeOrderBook(symbol models.Symbol, instrument models.InstrumentType) error {
	key := models.MarketDataKey{Symbol: symbol, Venue: a.venueName, Instrument: instrument}
	a.mu.Lock()
	a.subscribed[key] = true
	if _, ok := a.books[key]; !ok {
		a.books[key] = seedBook(a.rng, basePriceFor(symbol))
	}
	a.mu.Unlock()
	a.conn.RecordSubscription(venue.Subscription{Kind: "orderbook", Symbol: symbol, Instrument: instrument})
	return nil
}

func (a *Adapter) SubscribeTrades(symbol models.Symbol, instrument models.InstrumentType) error {
	a.conn.RecordSubscription(venue.Subscription{Kind: "trades", Symbol: symbol, Instrument: instrument})
	return nil
}

func (a *Adapter) SubscribeTicker(symbol models.Symbol, instrument models.InstrumentType) error {
	a.conn.RecordSubscription(venue.Subscription{Kind: "ticker", Symbol: symbol, Instrument: instrument})
	return nil
}

func (a *Adapter) SubscribeFundingRate(symbol models.Symbol) error {
	a.mu.Lock()
	a.fundingSubs[symbol] = true
	a.mu.Unlock()
	a.conn.RecordSubscription(venue.Subscription{Kind: "funding", Symbol: symbol})
	return nil
}

func (a *Adapter) UnsubscribeOrderBook(symbol models.Symbol, instrument models.InstrumentType) error {
	key := models.MarketDataKey{Symbol: symbol, Venue: a.venueName, Instrument: instrument}
	a.mu.Lock()
	delete(a.subscribed, key)
	a.mu.Unlock()
	a.conn.DropSubscription("orderbook", symbol)
	return nil
}

func (a *Adapter) UnsubscribeAll() error {
	a.mu.Lock()
	a.subscribed = map[models.MarketDataKey]bool{}
	a.fundingSubs = map[models.Symbol]bool{}
	a.mu.Unlock()
	a.conn.DropSubscription("", "")
	return nil
}

// FetchSnapshot returns the seeded book for a key, generating one on first
// use so a snapshot is always available even without a prior subscribe.
func (a *Adapter) FetchSnapshot(key models.MarketDataKey) ([]models.PriceLevel, []models.PriceLevel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	levels, ok := a.books[key]
	if !ok {
		levels = seedBook(a.rng, basePriceFor(key.Symbol))
		a.books[key] = levels
	}
	bids, asks := splitBook(levels)
	return bids, asks, nil
}

func (a *Adapter) OnMarketData(cb func(models.MarketData)) {
	a.marketCbMu.Lock()
	a.marketCbs = append(a.marketCbs, cb)
	a.marketCbMu.Unlock()
}

func (a *Adapter) OnOrderBook(cb func(models.MarketDataKey, []models.PriceLevel, []models.PriceLevel)) {
	a.bookCbMu.Lock()
	a.bookCbs = append(a.bookCbs, cb)
	a.bookCbMu.Unlock()
}

func (a *Adapter) OnError(cb func(error)) {
	a.conn.OnError(cb)
}

func (a *Adapter) Stale() bool { return a.conn.Stale() }

// Reconnect restarts the replay loop and replays every subscription that
// was active before the drop, publishing each order book's snapshot before
// its subscription is replayed, mirroring the real venue adapters' contract
// even though a mock feed never actually disconnects on its own.
func (a *Adapter) Reconnect(ctx context.Context) error {
	_ = a.Disconnect()
	return a.conn.ReconnectLoop(ctx, a.Connect, a.resubscribeOne)
}

func (a *Adapter) resubscribeOne(_ context.Context, sub venue.Subscription) error {
	switch sub.Kind {
	case "orderbook":
		key := models.MarketDataKey{Symbol: sub.Symbol, Venue: a.venueName, Instrument: sub.Instrument}
		bids, asks, err := a.FetchSnapshot(key)
		if err != nil {
			return err
		}
		a.bookCbMu.RLock()
		cbs := append([]func(models.MarketDataKey, []models.PriceLevel, []models.PriceLevel){}, a.bookCbs...)
		a.bookCbMu.RUnlock()
		for _, cb := range cbs {
			cb(key, bids, asks)
		}
		return a.SubscribeOrderBook(sub.Symbol, sub.Instrument)
	case "trades":
		return a.SubscribeTrades(sub.Symbol, sub.Instrument)
	case "ticker":
		return a.SubscribeTicker(sub.Symbol, sub.Instrument)
	case "funding":
		return a.SubscribeFundingRate(sub.Symbol)
	default:
		return fmt.Errorf("mock: unknown subscription kind %q", sub.Kind)
	}
}

// runLoop emits a tick for every subscribed key roughly every 50ms until
// stopped. It is deliberately simple: enough jitter to exercise detection
// and risk logic, not a realistic market simulator.
func (a *Adapter) runLoop(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			a.emitTick()
		}
	}
}

func (a *Adapter) emitTick() {
	a.mu.Lock()
	keys := make([]models.MarketDataKey, 0, len(a.subscribed))
	for k := range a.subscribed {
		keys = append(keys, k)
	}
	a.mu.Unlock()

	for _, key := range keys {
		a.mu.Lock()
		levels := jitter(a.rng, a.books[key])
		a.books[key] = levels
		a.mu.Unlock()

		bids, asks := splitBook(levels)
		a.conn.Touch()

		a.bookCbMu.RLock()
		cbs := append([]func(models.MarketDataKey, []models.PriceLevel, []models.PriceLevel){}, a.bookCbs...)
		a.bookCbMu.RUnlock()
		for _, cb := range cbs {
			cb(key, bids, asks)
		}

		md := models.MarketData{
			Key:       key,
			BidPrice:  bids[0].Price,
			AskPrice:  asks[0].Price,
			BidSize:   bids[0].Quantity,
			AskSize:   asks[0].Quantity,
			LastPrice: (bids[0].Price + asks[0].Price) / 2,
			Timestamp: time.Now(),
		}
		a.marketCbMu.RLock()
		mcbs := append([]func(models.MarketData){}, a.marketCbs...)
		a.marketCbMu.RUnlock()
		for _, cb := range mcbs {
			cb(md)
		}
	}
}

func basePriceFor(symbol models.Symbol) float64 {
	switch symbol {
	case "BTC-USDT", "BTCUSDT":
		return 65000
	case "ETH-USDT", "ETHUSDT":
		return 3400
	default:
		return 100
	}
}

// seedBook builds a combined bid+ask ladder (bids first, descending; asks
// second, ascending) around mid, used both as the initial state and the
// FetchSnapshot response.
func seedBook(rng *rand.Rand, mid float64) []models.PriceLevel {
	levels := make([]models.PriceLevel, 0, 2*models.MaxDepth)
	spread := mid * 0.0002
	for i := 0; i < models.MaxDepth; i++ {
		price := mid - spread/2 - float64(i)*mid*0.00005
		levels = append(levels, models.PriceLevel{Price: price, Quantity: 0.1 + rng.Float64()*2})
	}
	for i := 0; i < models.MaxDepth; i++ {
		price := mid + spread/2 + float64(i)*mid*0.00005
		levels = append(levels, models.PriceLevel{Price: price, Quantity: 0.1 + rng.Float64()*2})
	}
	return levels
}

func splitBook(levels []models.PriceLevel) (bids, asks []models.PriceLevel) {
	half := len(levels) / 2
	bids = append([]models.PriceLevel{}, levels[:half]...)
	asks = append([]models.PriceLevel{}, levels[half:]...)
	return bids, asks
}

// jitter shifts every level's price by one common small random factor and
// nudges each quantity independently, keeping the two halves ordered as
// bids/asks.
func jitter(rng *rand.Rand, levels []models.PriceLevel) []models.PriceLevel {
	out := make([]models.PriceLevel, len(levels))
	drift := 1 + (rng.Float64()-0.5)*0.0004
	for i, l := range levels {
		qtyDrift := 1 + (rng.Float64()-0.5)*0.2
		out[i] = models.PriceLevel{
			Price:      l.Price * drift,
			Quantity:   math.Max(0.01, l.Quantity*qtyDrift),
			OrderCount: l.OrderCount,
		}
	}
	return out
}

var _ venue.Adapter = (*Adapter)(nil)
