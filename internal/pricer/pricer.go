// Package pricer computes theoretical fair values: futures fair value
// from cost-of-carry, perpetual fair funding from basis, and the
// calendar-spread and funding-dispersion scans. The detector consumes the
// funding-dispersion scan and the spot-vs-synthetic helpers; the
// calendar-spread scan has no caller inside the engine. The
// scan-and-keep-best shape here is grounded on the teacher's
// usecase.MarketAnalyzer.GenerateBestOrderBook, which walks candidate
// triangles and keeps the highest-scoring one above a threshold; this
// package walks candidate venue pairs the same way.
package pricer

import (
	"math"
	"time"

	"arbengine/internal/models"
)

// FuturesFairValue computes F = S * exp((r + c) * T) for a dated futures
// contract, where r is the risk-free rate, c is the storage/carry cost,
// and T is time to expiry in years.
func FuturesFairValue(spot, riskFreeRate, storageCost float64, expiry, now time.Time) float64 {
	t := yearsUntil(expiry, now)
	if t <= 0 {
		return spot
	}
	return spot * math.Exp((riskFreeRate+storageCost)*t)
}

// ImpliedRate backs out the annualized rate the market is pricing into a
// futures contract given its current market price.
func ImpliedRate(spot, futuresPrice float64, expiry, now time.Time) float64 {
	t := yearsUntil(expiry, now)
	if t <= 0 || spot <= 0 {
		return 0
	}
	return math.Log(futuresPrice/spot) / t
}

func yearsUntil(expiry, now time.Time) float64 {
	return expiry.Sub(now).Hours() / (24 * 365)
}

// CalendarSpreadScan compares the market spread between two dated futures
// legs of the same symbol against the theoretical spread cost-of-carry
// implies, returning a deviation whenever it exceeds minDeviationBps.
func CalendarSpreadScan(symbol models.Symbol, near, far QuotedFuture, riskFreeRate, storageCost, minDeviationBps float64) (models.CalendarSpread, bool) {
	if near.Mid <= 0 || far.Mid <= 0 {
		return models.CalendarSpread{}, false
	}
	now := time.Now()
	theoNear := FuturesFairValue(near.Spot, riskFreeRate, storageCost, near.Expiry, now)
	theoFar := FuturesFairValue(far.Spot, riskFreeRate, storageCost, far.Expiry, now)

	marketSpread := far.Mid - near.Mid
	theoSpread := theoFar - theoNear
	if theoNear == 0 {
		return models.CalendarSpread{}, false
	}
	deviationBps := (marketSpread - theoSpread) / theoNear * 10_000

	if math.Abs(deviationBps) <= minDeviationBps {
		return models.CalendarSpread{}, false
	}

	return models.CalendarSpread{
		Symbol:            symbol,
		NearVenue:         near.Venue,
		FarVenue:          far.Venue,
		Near:              near.Expiry,
		Far:               far.Expiry,
		MarketSpread:      marketSpread,
		TheoreticalSpread: theoSpread,
		DeviationBps:      deviationBps,
	}, true
}

// QuotedFuture is one dated-futures leg's current state, enough to price
// cost-of-carry against its underlying spot.
type QuotedFuture struct {
	Venue  models.Venue
	Spot   float64
	Mid    float64
	Expiry time.Time
}

// FairFundingRate computes the 8-hour funding rate a perpetual's basis to
// spot implies: basis = (perp - spot) / spot, fair_funding = 3 * basis.
func FairFundingRate(perpMid, spotMid float64) float64 {
	if spotMid == 0 {
		return 0
	}
	basis := (perpMid - spotMid) / spotMid
	return 3 * basis
}

// SyntheticSpotFromPerpetual derives an implied spot price from a
// perpetual's mid price and its currently realized funding rate, useful
// when a venue offers no spot market for a symbol. holdingHours is the
// intended holding period, funding settles every 8 hours.
func SyntheticSpotFromPerpetual(perpMid, fundingRate, holdingHours float64) float64 {
	return perpMid * (1 - fundingRate*holdingHours/8)
}

// FundingQuote is one venue's current perpetual funding state.
type FundingQuote struct {
	Venue       models.Venue
	FundingRate float64
	MarkPrice   float64
}

// FundingDispersionScan finds the largest cross-venue funding-rate spread
// for a symbol's perpetual, going long the venue paying (or charging
// least) funding and short the venue charging most, annualized assuming
// three funding periods a day (the common 8h interval).
func FundingDispersionScan(symbol models.Symbol, quotes []FundingQuote, minSpreadBps float64) (models.FundingDispersion, bool) {
	if len(quotes) < 2 {
		return models.FundingDispersion{}, false
	}

	best := models.FundingDispersion{}
	found := false
	for i := range quotes {
		for j := range quotes {
			if i == j {
				continue
			}
			long, short := quotes[i], quotes[j]
			spread := short.FundingRate - long.FundingRate
			if spread <= 0 {
				continue
			}
			if !found || spread > best.Spread {
				best = models.FundingDispersion{
					Symbol:        symbol,
					LongVenue:     long.Venue,
					ShortVenue:    short.Venue,
					Spread:        spread,
					AnnualizedPct: spread * 365 * 3,
				}
				found = true
			}
		}
	}

	if !found || best.Spread*10_000 < minSpreadBps {
		return models.FundingDispersion{}, false
	}
	return best, true
}

// SpotSyntheticMispricing compares a venue's quoted spot price against a
// synthetic spot derived from a perpetual elsewhere, flagging a deviation
// once it clears minDeviationBps. The fee buffer is not applied here: it
// only reduces the downstream expected-profit calculation, once, at the
// caller.
func SpotSyntheticMispricing(realSpot, syntheticSpot, minDeviationBps, feeBufferBps float64) (deviationBps float64, ok bool) {
	if realSpot <= 0 || syntheticSpot <= 0 {
		return 0, false
	}
	deviationBps = (syntheticSpot - realSpot) / realSpot * 10_000
	if math.Abs(deviationBps) <= minDeviationBps {
		return deviationBps, false
	}
	return deviationBps, true
}
