package detector

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"arbengine/internal/config"
	"arbengine/internal/consolidator"
	"arbengine/internal/metrics"
	"arbengine/internal/models"
	"arbengine/internal/venue"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testCfg() config.ArbitrageConfig {
	return config.ArbitrageConfig{
		MinProfitThresholdBps: 5,
		SyntheticFeeBufferBps: 10,
		SyntheticMinBps:       5,
		FundingMinSpreadBps:   2,
		OpportunityTTLMs:      500,
		DetectionPeriodMs:     100,
	}
}

// fakeAdapter is a no-op venue.Adapter whose OnMarketData callbacks can be
// invoked directly by tests, standing in for a real venue's ticker stream.
type fakeAdapter struct {
	venue models.Venue
	onMD  []func(models.MarketData)
}

func (f *fakeAdapter) Venue() models.Venue                                                 { return f.venue }
func (f *fakeAdapter) Connect(ctx context.Context) error                                   { return nil }
func (f *fakeAdapter) Disconnect() error                                                   { return nil }
func (f *fakeAdapter) SubscribeOrderBook(models.Symbol, models.InstrumentType) error        { return nil }
func (f *fakeAdapter) SubscribeTrades(models.Symbol, models.InstrumentType) error            { return nil }
func (f *fakeAdapter) SubscribeTicker(models.Symbol, models.InstrumentType) error            { return nil }
func (f *fakeAdapter) SubscribeFundingRate(models.Symbol) error                              { return nil }
func (f *fakeAdapter) UnsubscribeOrderBook(models.Symbol, models.InstrumentType) error        { return nil }
func (f *fakeAdapter) UnsubscribeAll() error                                                 { return nil }
func (f *fakeAdapter) FetchSnapshot(models.MarketDataKey) ([]models.PriceLevel, []models.PriceLevel, error) {
	return nil, nil, nil
}
func (f *fakeAdapter) OnMarketData(cb func(models.MarketData)) { f.onMD = append(f.onMD, cb) }
func (f *fakeAdapter) OnOrderBook(cb func(models.MarketDataKey, []models.PriceLevel, []models.PriceLevel)) {
}
func (f *fakeAdapter) OnError(cb func(error)) {}
func (f *fakeAdapter) Stale() bool             { return false }
func (f *fakeAdapter) Reconnect(ctx context.Context) error { return nil }

func (f *fakeAdapter) Emit(md models.MarketData) {
	for _, cb := range f.onMD {
		cb(md)
	}
}

var _ venue.Adapter = (*fakeAdapter)(nil)

// scenario 1: OKX spot bid=50_010/ask=50_012 size=1; BINANCE spot
// bid=50_050/ask=50_052 size=1. Net bps goes negative after fees; no
// opportunity emitted.
func TestDetectSpotUnprofitableYieldsNothing(t *testing.T) {
	cons := consolidator.New(testLog())
	cons.Books().Update(
		models.MarketDataKey{Symbol: "BTC-USDT", Venue: models.VenueOKX, Instrument: models.InstrumentSpot},
		[]models.PriceLevel{{Price: 50_010, Quantity: 1}},
		[]models.PriceLevel{{Price: 50_012, Quantity: 1}},
	)
	cons.Books().Update(
		models.MarketDataKey{Symbol: "BTC-USDT", Venue: models.VenueBinance, Instrument: models.InstrumentSpot},
		[]models.PriceLevel{{Price: 50_050, Quantity: 1}},
		[]models.PriceLevel{{Price: 50_052, Quantity: 1}},
	)

	d := New(testLog(), cons, testCfg(), []models.Symbol{"BTC-USDT"})
	d.detectSpot("BTC-USDT")

	if got := len(d.CurrentOpportunities()); got != 0 {
		t.Fatalf("expected no opportunity for unprofitable spread, got %d", got)
	}
}

// scenario 2: OKX spot bid=50_000/ask=50_005 size=0.5; BINANCE spot
// bid=50_100/ask=50_105 size=0.5. Profitable two-leg opportunity.
func TestDetectSpotProfitableEmitsOpportunity(t *testing.T) {
	cons := consolidator.New(testLog())
	cons.Books().Update(
		models.MarketDataKey{Symbol: "BTC-USDT", Venue: models.VenueOKX, Instrument: models.InstrumentSpot},
		[]models.PriceLevel{{Price: 50_000, Quantity: 0.5}},
		[]models.PriceLevel{{Price: 50_005, Quantity: 0.5}},
	)
	cons.Books().Update(
		models.MarketDataKey{Symbol: "BTC-USDT", Venue: models.VenueBinance, Instrument: models.InstrumentSpot},
		[]models.PriceLevel{{Price: 50_100, Quantity: 0.5}},
		[]models.PriceLevel{{Price: 50_105, Quantity: 0.5}},
	)

	d := New(testLog(), cons, testCfg(), []models.Symbol{"BTC-USDT"})
	d.detectSpot("BTC-USDT")

	opps := d.CurrentOpportunities()
	if len(opps) != 1 {
		t.Fatalf("expected exactly one opportunity, got %d", len(opps))
	}
	opp := opps[0]

	if diff := opp.RequiredCapital - 25_002.5; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("expected required_capital 25002.5, got %v", opp.RequiredCapital)
	}
	if opp.ExpectedProfit < 27 || opp.ExpectedProfit > 28 {
		t.Fatalf("expected expected_profit near 27.47, got %v", opp.ExpectedProfit)
	}
	if opp.ExecutionRisk != 0.3 {
		t.Fatalf("expected execution_risk 0.3 for a two-venue opportunity, got %v", opp.ExecutionRisk)
	}
	if len(opp.Legs) != 2 || opp.Legs[0].Venue == opp.Legs[1].Venue {
		t.Fatal("expected two legs on different venues")
	}
}

func TestOrderBookInvariantSkipsDetection(t *testing.T) {
	cons := consolidator.New(testLog())
	cons.Books().Update(
		models.MarketDataKey{Symbol: "BTC-USDT", Venue: models.VenueOKX, Instrument: models.InstrumentSpot},
		[]models.PriceLevel{{Price: 100, Quantity: 1}},
		[]models.PriceLevel{{Price: 99, Quantity: 1}},
	)
	if cons.Books().IsValid(models.MarketDataKey{Symbol: "BTC-USDT", Venue: models.VenueOKX, Instrument: models.InstrumentSpot}) {
		t.Fatal("expected inverted book to be invalid")
	}

	d := New(testLog(), cons, testCfg(), []models.Symbol{"BTC-USDT"})
	d.detectSpot("BTC-USDT")
	if got := len(d.CurrentOpportunities()); got != 0 {
		t.Fatalf("expected detector to skip an invalid book, got %d opportunities", got)
	}
}

// scenario 4: BTC-USDT perpetual funding OKX=0.0001, BINANCE=0.0005,
// BYBIT=0.0002; min_spread_bps=2. long=OKX, short=BINANCE, spread=0.0004.
func TestDetectFundingLiteralScenario(t *testing.T) {
	cons := consolidator.New(testLog())
	okx := &fakeAdapter{venue: models.VenueOKX}
	binance := &fakeAdapter{venue: models.VenueBinance}
	bybit := &fakeAdapter{venue: models.VenueBybit}
	cons.RegisterAdapter(okx)
	cons.RegisterAdapter(binance)
	cons.RegisterAdapter(bybit)

	okx.Emit(models.MarketData{Key: models.MarketDataKey{Symbol: "BTC-USDT", Venue: models.VenueOKX, Instrument: models.InstrumentPerpetual}, FundingRate: 0.0001, LastPrice: 50_000})
	binance.Emit(models.MarketData{Key: models.MarketDataKey{Symbol: "BTC-USDT", Venue: models.VenueBinance, Instrument: models.InstrumentPerpetual}, FundingRate: 0.0005, LastPrice: 50_000})
	bybit.Emit(models.MarketData{Key: models.MarketDataKey{Symbol: "BTC-USDT", Venue: models.VenueBybit, Instrument: models.InstrumentPerpetual}, FundingRate: 0.0002, LastPrice: 50_000})

	d := New(testLog(), cons, testCfg(), []models.Symbol{"BTC-USDT"})
	d.detectFunding()

	opps := d.CurrentOpportunities()
	if len(opps) != 1 {
		t.Fatalf("expected exactly one funding opportunity, got %d", len(opps))
	}
	opp := opps[0]
	if opp.Legs[0].Venue != models.VenueOKX || opp.Legs[1].Venue != models.VenueBinance {
		t.Fatalf("expected long OKX / short BINANCE, got %v / %v", opp.Legs[0].Venue, opp.Legs[1].Venue)
	}
	if diff := opp.FundingRisk - 0.0004; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected funding spread 0.0004, got %v", opp.FundingRisk)
	}
}

func TestDetectFundingZeroRatesYieldsNothing(t *testing.T) {
	cons := consolidator.New(testLog())
	okx := &fakeAdapter{venue: models.VenueOKX}
	binance := &fakeAdapter{venue: models.VenueBinance}
	cons.RegisterAdapter(okx)
	cons.RegisterAdapter(binance)

	okx.Emit(models.MarketData{Key: models.MarketDataKey{Symbol: "BTC-USDT", Venue: models.VenueOKX, Instrument: models.InstrumentPerpetual}, FundingRate: 0, LastPrice: 50_000})
	binance.Emit(models.MarketData{Key: models.MarketDataKey{Symbol: "BTC-USDT", Venue: models.VenueBinance, Instrument: models.InstrumentPerpetual}, FundingRate: 0, LastPrice: 50_000})

	d := New(testLog(), cons, testCfg(), []models.Symbol{"BTC-USDT"})
	d.detectFunding()

	if got := len(d.CurrentOpportunities()); got != 0 {
		t.Fatalf("expected no funding opportunity when all rates are zero, got %d", got)
	}
}

// scenario 3: emit an opportunity with ttl_ms=500 at t=0, advance past it,
// then run cleanup and confirm eviction.
func TestTTLEviction(t *testing.T) {
	cons := consolidator.New(testLog())
	cfg := testCfg()
	cfg.OpportunityTTLMs = 1 // not consulted here: insert/cleanupExpired use the opportunity's own 500ms TTL
	d := New(testLog(), cons, cfg, []models.Symbol{"BTC-USDT"})

	opp := models.ArbitrageOpportunity{
		ID:        "SPOT_ttl-test",
		Strategy:  models.StrategySpot,
		Timestamp: time.Now().Add(-600 * time.Millisecond),
		TTL:       500 * time.Millisecond,
	}
	d.insert(opp)

	if got := d.Stats().OpportunitiesDetected; got != 1 {
		t.Fatalf("expected detected counter to be 1, got %d", got)
	}

	d.cleanupExpired()

	stats := d.Stats()
	if stats.OpportunitiesExpired != 1 {
		t.Fatalf("expected expired counter to be 1, got %d", stats.OpportunitiesExpired)
	}
	if stats.CurrentCount != 0 {
		t.Fatalf("expected opportunity evicted from current set, got %d remaining", stats.CurrentCount)
	}
}

func TestExecutionRiskHeuristic(t *testing.T) {
	sameVenue := []models.Leg{
		{Venue: models.VenueOKX},
		{Venue: models.VenueOKX},
	}
	if risk := executionRisk(sameVenue); risk != 0 {
		t.Fatalf("expected zero execution risk for same-venue legs, got %v", risk)
	}

	crossVenue := []models.Leg{
		{Venue: models.VenueOKX},
		{Venue: models.VenueBinance},
	}
	if risk := executionRisk(crossVenue); risk != 0.3 {
		t.Fatalf("expected 0.3 execution risk for cross-venue legs, got %v", risk)
	}

	syntheticCross := []models.Leg{
		{Venue: models.VenueOKX},
		{Venue: models.VenueBinance, IsSynthetic: true},
	}
	if risk := executionRisk(syntheticCross); risk != 0.5 {
		t.Fatalf("expected 0.5 execution risk for cross-venue + synthetic leg, got %v", risk)
	}

	manyLegs := []models.Leg{
		{Venue: models.VenueOKX, IsSynthetic: true},
		{Venue: models.VenueBinance, IsSynthetic: true},
		{Venue: models.VenueBybit, IsSynthetic: true},
	}
	if risk := executionRisk(manyLegs); risk != 1 {
		t.Fatalf("expected execution risk clamped to 1, got %v", risk)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	cons := consolidator.New(testLog())
	d := New(testLog(), cons, testCfg(), []models.Symbol{"BTC-USDT"})

	d.Start()
	if d.State() != Running {
		t.Fatal("expected detector to be running after Start")
	}
	d.Start() // no-op

	d.Stop()
	if d.State() != Stopped {
		t.Fatal("expected detector to be stopped after Stop")
	}
	d.Stop() // no-op, must not block or panic
}

func TestPassRecordsDetectionLatency(t *testing.T) {
	cons := consolidator.New(testLog())
	d := New(testLog(), cons, testCfg(), []models.Symbol{"BTC-USDT"})

	reg := metrics.NewRegistry(prometheus.NewRegistry())
	d.SetMetrics(reg)

	d.pass()

	if reg.Snapshot().Performance.DetectionLatencyUs <= 0 {
		t.Fatal("expected pass() to record a positive detection latency")
	}
}

func TestOpportunitiesExpiredInvariant(t *testing.T) {
	cons := consolidator.New(testLog())
	d := New(testLog(), cons, testCfg(), []models.Symbol{"BTC-USDT"})

	for i := 0; i < 5; i++ {
		d.insert(models.ArbitrageOpportunity{
			ID:        opportunityID(models.StrategySpot),
			Timestamp: time.Now(),
			TTL:       time.Hour,
		})
	}
	stats := d.Stats()
	if stats.OpportunitiesExpired+int64(stats.CurrentCount) > stats.OpportunitiesDetected {
		t.Fatal("expected expired+current <= detected")
	}
}
