// Package binance is the concrete venue.Adapter backed by Binance's REST
// and websocket APIs. It generalizes the teacher's infrastructure.Binance
// (spot-only, order-execution-focused) into a market-data-only adapter
// covering both spot and USDT-margined perpetual instruments, using the
// real adshao/go-binance/v2 client in place of the teacher's unfetchable
// private OopsMouse/go-binance fork.
package binance

import (
	"context"
	"fmt"
	"os"
	"sync"

	binanceSDK "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	kitlog "github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"arbengine/internal/models"
	"arbengine/internal/venue"
)

// Adapter talks to Binance spot and USDT-M futures. Field names mirror the
// teacher's Binance struct (Api, DepthCache) where the concept survives.
type Adapter struct {
	spot    *binanceSDK.Client
	futures *futures.Client
	conn    *venue.ConnectionState
	sigLog  kitlog.Logger

	mu        sync.Mutex
	wsStreams map[models.MarketDataKey]chan struct{}

	marketCbMu sync.RWMutex
	marketCbs  []func(models.MarketData)
	bookCbMu   sync.RWMutex
	bookCbs    []func(models.MarketDataKey, []models.PriceLevel, []models.PriceLevel)
}

// New builds a Binance adapter. apiKey/secret may be empty: market-data
// endpoints used here do not require authentication, but the SDK clients
// still want a signer the way the teacher's NewBinance always constructed
// an HmacSigner regardless of whether orders were ever sent.
func New(apiKey, secret string, log *logrus.Entry) *Adapter {
	sigLog := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	sigLog = kitlog.With(sigLog, "time", kitlog.DefaultTimestampUTC, "component", "binance-signer")

	return &Adapter{
		spot:      binanceSDK.NewClient(apiKey, secret),
		futures:   futures.NewClient(apiKey, secret),
		conn:      venue.NewConnectionState(models.VenueBinance, venue.DefaultReconnectPolicy(), log),
		sigLog:    sigLog,
		wsStreams: map[models.MarketDataKey]chan struct{}{},
	}
}

func (a *Adapter) Venue() models.Venue { return models.VenueBinance }

func (a *Adapter) Connect(ctx context.Context) error {
	err := a.spot.NewPingService().Do(ctx)
	if err != nil {
		return errors.Wrap(err, "binance: ping failed")
	}
	a.conn.SetConnected(true)
	a.sigLog.Log("msg", "connected")
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, done := range a.wsStreams {
		close(done)
		delete(a.wsStreams, key)
	}
	a.conn.SetConnected(false)
	return nil
}

func (a *Adapter) SubscribeOrderBook(symbol models.Symbol, instrument models.InstrumentType) error {
	key := models.MarketDataKey{Symbol: symbol, Venue: models.VenueBinance, Instrument: instrument}

	a.mu.Lock()
	if _, exists := a.wsStreams[key]; exists {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	handler := func(bids, asks []models.PriceLevel) {
		a.conn.Touch()
		a.emitOrderBook(key, bids, asks)
	}

	var doneC, stopC chan struct{}
	var err error
	switch instrument {
	case models.InstrumentPerpetual, models.InstrumentFutures:
		doneC, stopC, err = futures.WsPartialDepthServe(string(symbol), 20, func(event *futures.WsDepthEvent) {
			handler(convertFuturesLevels(event.Bids), convertFuturesLevels(event.Asks))
		}, a.wsErrHandler)
	default:
		doneC, stopC, err = binanceSDK.WsPartialDepthServe(string(symbol), "20", func(event *binanceSDK.WsPartialDepthEvent) {
			handler(convertSpotLevels(event.Bids), convertSpotLevels(event.Asks))
		}, a.wsErrHandler)
	}
	if err != nil {
		return errors.Wrapf(err, "binance: subscribe orderbook %s", symbol)
	}

	a.mu.Lock()
	a.wsStreams[key] = stopC
	a.mu.Unlock()
	a.conn.RecordSubscription(venue.Subscription{Kind: "orderbook", Symbol: symbol, Instrument: instrument})
	go func() { <-doneC }()
	return nil
}

func (a *Adapter) SubscribeTrades(symbol models.Symbol, instrument models.InstrumentType) error {
	a.conn.RecordSubscription(venue.Subscription{Kind: "trades", Symbol: symbol, Instrument: instrument})
	return nil
}

func (a *Adapter) SubscribeTicker(symbol models.Symbol, instrument models.InstrumentType) error {
	handler := func(event *binanceSDK.WsMarketStatEvent) {
		a.conn.Touch()
		bid, _ := parseFloat(event.BidPrice)
		ask, _ := parseFloat(event.AskPrice)
		last, _ := parseFloat(event.LastPrice)
		vol, _ := parseFloat(event.BaseVolume)
		a.emitMarketData(models.MarketData{
			Key:       models.MarketDataKey{Symbol: symbol, Venue: models.VenueBinance, Instrument: instrument},
			BidPrice:  bid,
			AskPrice:  ask,
			LastPrice: last,
			Volume24h: vol,
		})
	}
	doneC, stopC, err := binanceSDK.WsMarketStatServe(string(symbol), handler, a.wsErrHandler)
	if err != nil {
		return errors.Wrapf(err, "binance: subscribe ticker %s", symbol)
	}
	a.mu.Lock()
	a.wsStreams[models.MarketDataKey{Symbol: symbol, Venue: models.VenueBinance, Instrument: instrument}] = stopC
	a.mu.Unlock()
	a.conn.RecordSubscription(venue.Subscription{Kind: "ticker", Symbol: symbol, Instrument: instrument})
	go func() { <-doneC }()
	return nil
}

func (a *Adapter) SubscribeFundingRate(symbol models.Symbol) error {
	handler := func(event *futures.WsMarkPriceEvent) {
		a.conn.Touch()
		rate, _ := parseFloat(event.FundingRate)
		mark, _ := parseFloat(event.MarkPrice)
		a.emitMarketData(models.MarketData{
			Key:         models.MarketDataKey{Symbol: symbol, Venue: models.VenueBinance, Instrument: models.InstrumentPerpetual},
			LastPrice:   mark,
			FundingRate: rate,
		})
	}
	doneC, stopC, err := futures.WsMarkPriceServe(string(symbol), handler, a.wsErrHandler)
	if err != nil {
		return errors.Wrapf(err, "binance: subscribe funding %s", symbol)
	}
	a.mu.Lock()
	a.wsStreams[models.MarketDataKey{Symbol: symbol, Venue: models.VenueBinance, Instrument: models.InstrumentPerpetual}] = stopC
	a.mu.Unlock()
	a.conn.RecordSubscription(venue.Subscription{Kind: "funding", Symbol: symbol})
	go func() { <-doneC }()
	return nil
}

func (a *Adapter) UnsubscribeOrderBook(symbol models.Symbol, instrument models.InstrumentType) error {
	key := models.MarketDataKey{Symbol: symbol, Venue: models.VenueBinance, Instrument: instrument}
	a.mu.Lock()
	if stop, ok := a.wsStreams[key]; ok {
		close(stop)
		delete(a.wsStreams, key)
	}
	a.mu.Unlock()
	a.conn.DropSubscription("orderbook", symbol)
	return nil
}

func (a *Adapter) UnsubscribeAll() error {
	a.mu.Lock()
	for key, stop := range a.wsStreams {
		close(stop)
		delete(a.wsStreams, key)
	}
	a.mu.Unlock()
	a.conn.DropSubscription("", "")
	return nil
}

// FetchSnapshot retrieves a REST order-book snapshot, used both for the
// initial book fill and for the mandatory re-sync after a reconnect.
func (a *Adapter) FetchSnapshot(key models.MarketDataKey) ([]models.PriceLevel, []models.PriceLevel, error) {
	switch key.Instrument {
	case models.InstrumentPerpetual, models.InstrumentFutures:
		res, err := a.futures.NewDepthService().Symbol(string(key.Symbol)).Limit(100).Do(context.Background())
		if err != nil {
			return nil, nil, errors.Wrapf(err, "binance: futures depth snapshot %s", key.Symbol)
		}
		return convertFuturesLevels(res.Bids), convertFuturesLevels(res.Asks), nil
	default:
		res, err := a.spot.NewDepthService().Symbol(string(key.Symbol)).Limit(100).Do(context.Background())
		if err != nil {
			return nil, nil, errors.Wrapf(err, "binance: spot depth snapshot %s", key.Symbol)
		}
		return convertSpotLevels(res.Bids), convertSpotLevels(res.Asks), nil
	}
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

// Reconnect tears down the current websocket streams and runs the
// connection state's bounded-retry loop, replaying every subscription
// that was active before the drop. Each order-book subscription first
// re-fetches and publishes a REST snapshot, then reopens its stream.
func (a *Adapter) Reconnect(ctx context.Context) error {
	_ = a.Disconnect()
	return a.conn.ReconnectLoop(ctx, a.Connect, a.resubscribeOne)
}

func (a *Adapter) resubscribeOne(_ context.Context, sub venue.Subscription) error {
	switch sub.Kind {
	case "orderbook":
		key := models.MarketDataKey{Symbol: sub.Symbol, Venue: models.VenueBinance, Instrument: sub.Instrument}
		bids, asks, err := a.FetchSnapshot(key)
		if err != nil {
			return err
		}
		a.emitOrderBook(key, bids, asks)
		return a.SubscribeOrderBook(sub.Symbol, sub.Instrument)
	case "trades":
		return a.SubscribeTrades(sub.Symbol, sub.Instrument)
	case "ticker":
		return a.SubscribeTicker(sub.Symbol, sub.Instrument)
	case "funding":
		return a.SubscribeFundingRate(sub.Symbol)
	default:
		return errors.Errorf("binance: unknown subscription kind %q", sub.Kind)
	}
}

func (a *Adapter) wsErrHandler(err error) {
	a.conn.EmitError(errors.Wrap(err, "binance: websocket error"))
}

func (a *Adapter) emitOrderBook(key models.MarketDataKey, bids, asks []models.PriceLevel) {
	a.bookCbMu.RLock()
	cbs := append([]func(models.MarketDataKey, []models.PriceLevel, []models.PriceLevel){}, a.bookCbs...)
	a.bookCbMu.RUnlock()
	for _, cb := range cbs {
		cb(key, bids, asks)
	}
}

func (a *Adapter) emitMarketData(md models.MarketData) {
	a.marketCbMu.RLock()
	cbs := append([]func(models.MarketData){}, a.marketCbs...)
	a.marketCbMu.RUnlock()
	for _, cb := range cbs {
		cb(md)
	}
}

func convertSpotLevels(raw []binanceSDK.Bid) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(raw))
	for _, r := range raw {
		p, _ := parseFloat(r.Price)
		q, _ := parseFloat(r.Quantity)
		out = append(out, models.PriceLevel{Price: p, Quantity: q})
	}
	return out
}

func convertFuturesLevels(raw []futures.Bid) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(raw))
	for _, r := range raw {
		p, _ := parseFloat(r.Price)
		q, _ := parseFloat(r.Quantity)
		out = append(out, models.PriceLevel{Price: p, Quantity: q})
	}
	return out
}

func parseFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%f", &f)
	return f, err
}

var _ venue.Adapter = (*Adapter)(nil)
