// Package venue defines the narrow ingest-adapter contract the
// Consolidator consumes (spec.md §6) and the reconnect/heartbeat state
// machine shared by every concrete adapter. It generalizes the teacher's
// infrastructure.Exchange interface (one venue) to N venues.
package venue

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"arbengine/internal/models"
)

// Adapter is the contract every venue client implements. The Consolidator
// never speaks a venue's wire protocol directly; it only calls through
// this interface.
type Adapter interface {
	Venue() models.Venue

	Connect(ctx context.Context) error
	Disconnect() error

	SubscribeOrderBook(symbol models.Symbol, instrument models.InstrumentType) error
	SubscribeTrades(symbol models.Symbol, instrument models.InstrumentType) error
	SubscribeTicker(symbol models.Symbol, instrument models.InstrumentType) error
	SubscribeFundingRate(symbol models.Symbol) error
	UnsubscribeOrderBook(symbol models.Symbol, instrument models.InstrumentType) error
	UnsubscribeAll() error

	// FetchSnapshot retrieves a REST-shaped order book snapshot for a key.
	// The adapter must call this (and merge the result) before applying
	// the first delta after (re)connecting — deltas applied against an
	// uninitialized book are undefined per spec.md §9's open question.
	FetchSnapshot(key models.MarketDataKey) (bids, asks []models.PriceLevel, err error)

	OnMarketData(cb func(models.MarketData))
	OnOrderBook(cb func(key models.MarketDataKey, bids, asks []models.PriceLevel))
	OnError(cb func(err error))

	// Stale reports whether the adapter has gone quiet past the heartbeat
	// window and needs a forced reconnect (spec.md §6).
	Stale() bool

	// Reconnect drives the adapter's bounded-retry reconnect loop and
	// replays every recorded subscription on success.
	Reconnect(ctx context.Context) error
}

// Subscription records one active subscription so reconnect can replay it.
type Subscription struct {
	Kind       string // "orderbook", "trades", "ticker", "funding"
	Symbol     models.Symbol
	Instrument models.InstrumentType
}

// ReconnectPolicy bounds retry attempts and backoff, matching the teacher's
// util.BackoffRetry wired through jpillora/backoff.
type ReconnectPolicy struct {
	MaxAttempts       int
	Delay             time.Duration
	HeartbeatInterval time.Duration
}

// DefaultReconnectPolicy mirrors spec.md §6's defaults.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:       10,
		Delay:             5 * time.Second,
		HeartbeatInterval: 15 * time.Second,
	}
}

// ConnectionState is shared plumbing every concrete adapter embeds: it
// tracks subscriptions for resubscribe-on-reconnect, records the last
// message time behind the Stale heartbeat check, and rate-limits
// reconnect attempts the way rahjooh-CryptoTrade's per-exchange rate
// limiters do.
type ConnectionState struct {
	Venue  models.Venue
	Policy ReconnectPolicy
	Log    *logrus.Entry

	mu            sync.Mutex
	subscriptions []Subscription
	connected     bool
	lastMessage   time.Time

	limiter *rate.Limiter

	onErrorMu sync.RWMutex
	onError   []func(error)
}

// NewConnectionState builds connection bookkeeping for one venue.
func NewConnectionState(v models.Venue, policy ReconnectPolicy, log *logrus.Entry) *ConnectionState {
	return &ConnectionState{
		Venue:   v,
		Policy:  policy,
		Log:     log,
		limiter: rate.NewLimiter(rate.Limit(20), 40),
	}
}

// RecordSubscription appends to the replay list, skipping a subscription
// identical in kind, symbol and instrument to one already recorded.
func (c *ConnectionState) RecordSubscription(s Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.subscriptions {
		if existing == s {
			return
		}
	}
	c.subscriptions = append(c.subscriptions, s)
}

// DropSubscription removes all subscriptions matching kind/symbol, or all
// subscriptions when kind is "".
func (c *ConnectionState) DropSubscription(kind string, symbol models.Symbol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == "" {
		c.subscriptions = nil
		return
	}
	out := c.subscriptions[:0]
	for _, s := range c.subscriptions {
		if s.Kind == kind && s.Symbol == symbol {
			continue
		}
		out = append(out, s)
	}
	c.subscriptions = out
}

// Subscriptions returns a snapshot of what must be replayed after reconnect.
func (c *ConnectionState) Subscriptions() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Subscription, len(c.subscriptions))
	copy(out, c.subscriptions)
	return out
}

// Touch records that a message was just received, resetting the heartbeat
// timer.
func (c *ConnectionState) Touch() {
	c.mu.Lock()
	c.lastMessage = time.Now()
	c.mu.Unlock()
}

// SetConnected updates connection status.
func (c *ConnectionState) SetConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	if v {
		c.lastMessage = time.Now()
	}
	c.mu.Unlock()
}

// Connected reports whether the adapter currently believes it is connected.
func (c *ConnectionState) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stale reports whether no message has arrived within 2x the heartbeat
// interval, per spec.md §6's forced-reconnect rule.
func (c *ConnectionState) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastMessage.IsZero() {
		return false
	}
	return time.Since(c.lastMessage) > 2*c.Policy.HeartbeatInterval
}

// Wait blocks until the rate limiter admits another call, or the context
// is cancelled. ReconnectLoop calls it before each attempt.
func (c *ConnectionState) Wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// OnError registers an error callback.
func (c *ConnectionState) OnError(cb func(error)) {
	c.onErrorMu.Lock()
	defer c.onErrorMu.Unlock()
	c.onError = append(c.onError, cb)
}

// EmitError fans an error out to every registered callback, catching and
// logging panics so one bad subscriber cannot wedge the adapter (spec §4.2
// fan-out rule, applied symmetrically to adapter error callbacks).
func (c *ConnectionState) EmitError(err error) {
	c.onErrorMu.RLock()
	cbs := make([]func(error), len(c.onError))
	copy(cbs, c.onError)
	c.onErrorMu.RUnlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.Log.WithField("panic", r).Error("error subscriber panicked")
				}
			}()
			cb(err)
		}()
	}
}

// ReconnectLoop runs reconnectFn with bounded retries and exponential
// backoff (matching the teacher's util.BackoffRetry), resubscribing every
// recorded subscription via resubscribeFn on success. It gives up and
// calls c.EmitError after MaxAttempts failures.
func (c *ConnectionState) ReconnectLoop(ctx context.Context, reconnectFn func(context.Context) error, resubscribeFn func(context.Context, Subscription) error) error {
	b := &backoff.Backoff{
		Min: c.Policy.Delay,
		Max: c.Policy.Delay * 10,
	}

	var lastErr error
	for attempt := 0; attempt < c.Policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := c.Wait(ctx); err != nil {
			return err
		}

		err := reconnectFn(ctx)
		if err == nil {
			c.SetConnected(true)
			for _, s := range c.Subscriptions() {
				if rerr := resubscribeFn(ctx, s); rerr != nil {
					c.Log.WithError(rerr).WithField("subscription", s).Warn("resubscribe failed")
				}
			}
			return nil
		}

		lastErr = err
		c.Log.WithError(err).WithField("attempt", attempt+1).Warn("reconnect attempt failed")
		time.Sleep(b.Duration())
	}

	finalErr := errors.Wrapf(lastErr, "%s: exhausted %d reconnect attempts", c.Venue, c.Policy.MaxAttempts)
	c.EmitError(finalErr)
	return finalErr
}
