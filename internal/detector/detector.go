// Package detector runs the periodic scan that turns consolidated market
// data into ArbitrageOpportunity records: spot cross-venue, synthetic
// spot-vs-perpetual, and cross-venue funding dispersion. Its start/stop
// state machine and stop-channel shutdown are grounded on the teacher's
// stopch pattern in infrastructure/binance.go's getDepthOnUpdateWebsocket,
// generalized from "stop one websocket loop" to "stop the detection
// worker cleanly at the next suspension point."
package detector

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"arbengine/internal/config"
	"arbengine/internal/consolidator"
	"arbengine/internal/metrics"
	"arbengine/internal/models"
	"arbengine/internal/pricer"
)

// State is the detector's run state.
type State int32

const (
	Stopped State = iota
	Running
)

// Detector owns the opportunity list and drives the fixed-period scan.
type Detector struct {
	log    *logrus.Entry
	cons   *consolidator.Consolidator
	cfg    config.ArbitrageConfig
	symbols []models.Symbol

	state   atomic.Int32
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu            sync.Mutex
	opportunities map[string]models.ArbitrageOpportunity

	subMu       sync.RWMutex
	subscribers []func(models.ArbitrageOpportunity)

	detected atomic.Int64
	expired  atomic.Int64

	metricsReg *metrics.Registry
}

// SetMetrics wires a Prometheus registry so every detection pass records
// its wall-clock duration (spec.md §6's detection-latency series).
func (d *Detector) SetMetrics(m *metrics.Registry) {
	d.metricsReg = m
}

// New builds a Detector over the given symbol universe.
func New(log *logrus.Entry, cons *consolidator.Consolidator, cfg config.ArbitrageConfig, symbols []models.Symbol) *Detector {
	return &Detector{
		log:           log,
		cons:          cons,
		cfg:           cfg,
		symbols:       symbols,
		opportunities: map[string]models.ArbitrageOpportunity{},
	}
}

// Subscribe registers a callback invoked synchronously after every
// opportunity insertion, in insertion order within a pass.
func (d *Detector) Subscribe(cb func(models.ArbitrageOpportunity)) {
	d.subMu.Lock()
	d.subscribers = append(d.subscribers, cb)
	d.subMu.Unlock()
}

// Start is idempotent: calling it while already RUNNING is a no-op.
func (d *Detector) Start() {
	if !d.state.CompareAndSwap(int32(Stopped), int32(Running)) {
		return
	}
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.run()
}

// Stop signals the worker and blocks until it has exited.
func (d *Detector) Stop() {
	if !d.state.CompareAndSwap(int32(Running), int32(Stopped)) {
		return
	}
	close(d.stopCh)
	<-d.doneCh
}

func (d *Detector) State() State {
	return State(d.state.Load())
}

func (d *Detector) run() {
	defer close(d.doneCh)
	period := d.cfg.DetectionPeriod
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.pass()
		}
	}
}

// pass runs one full detection cycle. A panic scanning one symbol is
// caught so other symbols still get scanned (spec's per-symbol isolation
// rule).
func (d *Detector) pass() {
	start := time.Now()
	for _, symbol := range d.symbols {
		d.safeScan(func() { d.detectSpot(symbol) })
	}
	for _, symbol := range d.symbols {
		d.safeScan(func() { d.detectSynthetic(symbol) })
	}
	d.safeScan(d.detectFunding)
	d.cleanupExpired()
	if d.metricsReg != nil {
		d.metricsReg.RecordDetectionPass(float64(time.Since(start).Microseconds()))
	}
}

func (d *Detector) safeScan(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("panic", r).Error("detector pass panicked")
		}
	}()
	fn()
}

// detectSpot implements §4.4's two-leg spot cross-venue detector.
func (d *Detector) detectSpot(symbol models.Symbol) {
	best, err := d.cons.BestPrices(symbol, models.InstrumentSpot)
	if err != nil {
		return
	}
	if best.BestBidVenue == best.BestAskVenue || best.BestBid <= 0 || best.BestAsk <= 0 {
		return
	}
	rawSpread := best.BestBid - best.BestAsk
	if rawSpread <= 0 {
		return
	}
	mid := (best.BestBid + best.BestAsk) / 2
	spreadBps := rawSpread / mid * 10_000
	netBps := spreadBps - 2*config.TakerFeeBps
	if netBps <= d.cfg.MinProfitThresholdBps {
		return
	}

	qty := minFloat(best.BestAskSize, best.BestBidSize)
	if qty <= 0 {
		return
	}

	gross := (best.BestBid - best.BestAsk) * qty
	fees := (best.BestAsk + best.BestBid) * qty * config.TakerFeeBps / 10_000
	expectedProfit := gross - fees
	requiredCapital := best.BestAsk * qty

	opp := models.ArbitrageOpportunity{
		ID:        opportunityID(models.StrategySpot),
		Strategy:  models.StrategySpot,
		Timestamp: time.Now(),
		Legs: []models.Leg{
			{Symbol: symbol, Venue: best.BestAskVenue, Side: models.SideBuy, Price: best.BestAsk, Quantity: qty, Instrument: models.InstrumentSpot},
			{Symbol: symbol, Venue: best.BestBidVenue, Side: models.SideSell, Price: best.BestBid, Quantity: qty, Instrument: models.InstrumentSpot},
		},
		ExpectedProfit:   expectedProfit,
		ProfitPercentage: netBps / 100,
		RequiredCapital:  requiredCapital,
		LiquidityScore:   0.9,
		TTL:              ttlOrDefault(d.cfg.OpportunityTTLMs),
	}
	opp.ExecutionRisk = executionRisk(opp.Legs)
	d.insert(opp)
}

// detectSynthetic implements §4.3.3's spot-vs-synthetic scan: for every
// (spot_venue, perp_venue) pair on a symbol, compare the real spot price
// against the synthetic spot a perpetual implies.
func (d *Detector) detectSynthetic(symbol models.Symbol) {
	for _, spotVenue := range models.AllVenues() {
		spotKey := models.MarketDataKey{Symbol: symbol, Venue: spotVenue, Instrument: models.InstrumentSpot}
		spotMD, ok := d.cons.MarketData(spotKey)
		if !ok {
			continue
		}
		spotMid := spotMD.Mid()
		if spotMid <= 0 {
			continue
		}

		for _, perpVenue := range models.AllVenues() {
			perpKey := models.MarketDataKey{Symbol: symbol, Venue: perpVenue, Instrument: models.InstrumentPerpetual}
			perpMD, ok := d.cons.MarketData(perpKey)
			if !ok {
				continue
			}
			perpMid := perpMD.Mid()
			if perpMid <= 0 {
				continue
			}

			syntheticSpot := pricer.SyntheticSpotFromPerpetual(perpMid, perpMD.FundingRate, 8)
			deviationBps, hit := pricer.SpotSyntheticMispricing(spotMid, syntheticSpot, d.cfg.SyntheticMinBps, d.cfg.SyntheticFeeBufferBps)
			if !hit {
				continue
			}

			expectedProfitBps := absFloat(deviationBps) - d.cfg.SyntheticFeeBufferBps
			if expectedProfitBps <= 0 {
				continue
			}

			side := models.SideBuy
			perpSide := models.SideSell
			if deviationBps < 0 {
				side, perpSide = models.SideSell, models.SideBuy
			}

			opp := models.ArbitrageOpportunity{
				ID:        opportunityID(models.StrategySynthetic),
				Strategy:  models.StrategySynthetic,
				Timestamp: time.Now(),
				Legs: []models.Leg{
					{Symbol: symbol, Venue: spotVenue, Side: side, Price: spotMid, Quantity: 1, Instrument: models.InstrumentSpot},
					{Symbol: symbol, Venue: perpVenue, Side: perpSide, Price: perpMid, Quantity: 1, Instrument: models.InstrumentPerpetual, IsSynthetic: true},
				},
				ExpectedProfit:   expectedProfitBps / 10_000 * spotMid,
				ProfitPercentage: expectedProfitBps / 100,
				RequiredCapital:  spotMid,
				LiquidityScore:   0.7,
				FundingRisk:      absFloat(perpMD.FundingRate),
				TTL:              ttlOrDefault(d.cfg.OpportunityTTLMs),
			}
			opp.ExecutionRisk = executionRisk(opp.Legs)
			d.insert(opp)
		}
	}
}

// detectFunding implements §4.3.2's cross-venue funding dispersion scan.
func (d *Detector) detectFunding() {
	for _, symbol := range d.symbols {
		var quotes []pricer.FundingQuote
		for _, v := range models.AllVenues() {
			key := models.MarketDataKey{Symbol: symbol, Venue: v, Instrument: models.InstrumentPerpetual}
			md, ok := d.cons.FundingRate(key)
			if !ok {
				continue
			}
			quotes = append(quotes, pricer.FundingQuote{Venue: v, FundingRate: md.FundingRate, MarkPrice: md.LastPrice})
		}

		dispersion, hit := pricer.FundingDispersionScan(symbol, quotes, d.cfg.FundingMinSpreadBps)
		if !hit {
			continue
		}

		var markPrice float64
		for _, q := range quotes {
			if q.Venue == dispersion.LongVenue {
				markPrice = q.MarkPrice
			}
		}

		opp := models.ArbitrageOpportunity{
			ID:        opportunityID(models.StrategyFunding),
			Strategy:  models.StrategyFunding,
			Timestamp: time.Now(),
			Legs: []models.Leg{
				{Symbol: symbol, Venue: dispersion.LongVenue, Side: models.SideBuy, Price: markPrice, Quantity: 1, Instrument: models.InstrumentPerpetual},
				{Symbol: symbol, Venue: dispersion.ShortVenue, Side: models.SideSell, Price: markPrice, Quantity: 1, Instrument: models.InstrumentPerpetual},
			},
			ExpectedProfit:   dispersion.Spread * markPrice * 2,
			ProfitPercentage: dispersion.AnnualizedPct * 100,
			RequiredCapital:  markPrice * 2,
			LiquidityScore:   0.8,
			FundingRisk:      dispersion.Spread,
			TTL:              config.FundingOpportunityTTL,
		}
		opp.ExecutionRisk = executionRisk(opp.Legs)
		d.insert(opp)
	}
}

func (d *Detector) insert(opp models.ArbitrageOpportunity) {
	d.mu.Lock()
	d.opportunities[opp.ID] = opp
	d.mu.Unlock()
	d.detected.Add(1)

	d.subMu.RLock()
	cbs := make([]func(models.ArbitrageOpportunity), len(d.subscribers))
	copy(cbs, d.subscribers)
	d.subMu.RUnlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.WithField("panic", r).Error("opportunity subscriber panicked")
				}
			}()
			cb(opp)
		}()
	}
}

func (d *Detector) cleanupExpired() {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, opp := range d.opportunities {
		if opp.Expired(now) {
			delete(d.opportunities, id)
			d.expired.Add(1)
		}
	}
}

// CurrentOpportunities returns a snapshot of every live opportunity.
func (d *Detector) CurrentOpportunities() []models.ArbitrageOpportunity {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.ArbitrageOpportunity, 0, len(d.opportunities))
	for _, opp := range d.opportunities {
		out = append(out, opp)
	}
	return out
}

// Stats mirrors §4.4's atomic-counter statistics plus the derived
// live-snapshot figures.
type Stats struct {
	OpportunitiesDetected int64
	OpportunitiesExpired  int64
	CurrentCount          int
	AvgProfitBps          float64
	TotalProfitPotential  float64
}

func (d *Detector) Stats() Stats {
	current := d.CurrentOpportunities()
	var totalBps, totalProfit float64
	for _, opp := range current {
		totalBps += opp.ProfitPercentage * 100
		totalProfit += opp.ExpectedProfit
	}
	avg := 0.0
	if len(current) > 0 {
		avg = totalBps / float64(len(current))
	}
	return Stats{
		OpportunitiesDetected: d.detected.Load(),
		OpportunitiesExpired:  d.expired.Load(),
		CurrentCount:          len(current),
		AvgProfitBps:          avg,
		TotalProfitPotential:  totalProfit,
	}
}

var idSeq atomic.Uint32

// opportunityID follows spec's {tag}_{microseconds} format. A detection
// pass can emit more than one opportunity within the same microsecond
// (several symbols, same tick), so a counter taken modulo 1000 is appended
// as three extra decimal digits to keep IDs unique without changing the
// format's shape.
func opportunityID(tag models.StrategyTag) string {
	micros := time.Now().UnixMicro()
	seq := idSeq.Add(1) % 1000
	return fmt.Sprintf("%s_%d%03d", tag, micros, seq)
}

func ttlOrDefault(ms int) time.Duration {
	if ms <= 0 {
		return config.OpportunityTTLDefault
	}
	return time.Duration(ms) * time.Millisecond
}

// executionRisk implements §4.4's heuristic: start at 0; +0.3 if any two
// legs are on different venues; +0.2 per synthetic leg; clamp to [0,1].
func executionRisk(legs []models.Leg) float64 {
	risk := 0.0
	for i := 0; i < len(legs); i++ {
		for j := i + 1; j < len(legs); j++ {
			if legs[i].Venue != legs[j].Venue {
				risk += 0.3
			}
		}
	}
	for _, l := range legs {
		if l.IsSynthetic {
			risk += 0.2
		}
	}
	if risk > 1 {
		risk = 1
	}
	if risk < 0 {
		risk = 0
	}
	return risk
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func absFloat(a float64) float64 {
	if a < 0 {
		return -a
	}
	return a
}
