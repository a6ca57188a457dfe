package models

import "time"

// PriceLevel is one rung of a price ladder. A level is empty when
// Quantity <= 0; empty levels must never appear in a snapshot.
type PriceLevel struct {
	Price      float64
	Quantity   float64
	OrderCount uint32
}

// Empty reports whether this level carries no resting quantity.
func (l PriceLevel) Empty() bool {
	return l.Quantity <= 0
}

// MaxDepth is the maximum number of levels retained per side.
const MaxDepth = 50

// BookSnapshot is a point-in-time, read-only view of one key's book, both
// ladders together.
type BookSnapshot struct {
	Bids      []PriceLevel
	Asks      []PriceLevel
	Sequence  uint64
	Timestamp time.Time
	Valid     bool
}

// BestBid returns the highest bid level, or the zero value and false when
// the book has no bids.
func (s BookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask level, or the zero value and false when
// the book has no asks.
func (s BookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// Mid returns the mid price when both sides are present.
func (s BookSnapshot) Mid() (float64, bool) {
	bb, ok1 := s.BestBid()
	ba, ok2 := s.BestAsk()
	if !ok1 || !ok2 {
		return 0, false
	}
	return (bb.Price + ba.Price) / 2, true
}

// MarketData is the consolidated ticker cache entry for one MarketDataKey.
type MarketData struct {
	Key         MarketDataKey
	BidPrice    float64
	AskPrice    float64
	BidSize     float64
	AskSize     float64
	LastPrice   float64
	Volume24h   float64
	FundingRate float64 // perpetuals only
	Expiry      time.Time
	Timestamp   time.Time
}

// Mid is the arithmetic mean of the best bid and best ask.
func (m MarketData) Mid() float64 {
	return (m.BidPrice + m.AskPrice) / 2
}

// Spread is the absolute quote-currency distance between ask and bid.
func (m MarketData) Spread() float64 {
	return m.AskPrice - m.BidPrice
}

// BestPrices is the result of aggregating top-of-book order-book levels
// across venues for one (symbol, instrument type) pair.
type BestPrices struct {
	BestBid       float64
	BestBidVenue  Venue
	BestBidSize   float64
	BestAsk       float64
	BestAskVenue  Venue
	BestAskSize   float64
}
