package risk

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"arbengine/internal/models"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testOpportunity() models.ArbitrageOpportunity {
	return models.ArbitrageOpportunity{
		ID:       "SPOT_test",
		Strategy: models.StrategySpot,
		Legs: []models.Leg{
			{Symbol: "BTC-USDT", Venue: models.VenueOKX, Side: models.SideBuy, Price: 50_005, Quantity: 0.5},
			{Symbol: "BTC-USDT", Venue: models.VenueBinance, Side: models.SideSell, Price: 50_100, Quantity: 0.5},
		},
		ExpectedProfit:  27.47,
		RequiredCapital: 25_002.5,
		ExecutionRisk:   0.3,
		FundingRisk:     0,
		LiquidityScore:  0.9,
		TTL:             5 * time.Second,
	}
}

func TestCheckRejectsHighExecutionRisk(t *testing.T) {
	m := New(testLog(), DefaultLimits(1_000_000))
	opp := testOpportunity()
	opp.ExecutionRisk = 0.75

	ok, reason := m.Check(opp)
	if ok {
		t.Fatal("expected opportunity with execution_risk=0.75 to be rejected")
	}
	if reason != ReasonHighExecRisk {
		t.Fatalf("expected reason %q, got %q", ReasonHighExecRisk, reason)
	}
}

func TestCheckRejectsFundingExposure(t *testing.T) {
	m := New(testLog(), DefaultLimits(1_000_000))
	opp := testOpportunity()
	opp.FundingRisk = 0.02

	ok, reason := m.Check(opp)
	if ok {
		t.Fatal("expected opportunity with excess funding risk to be rejected")
	}
	if reason != ReasonFundingExposure {
		t.Fatalf("expected reason %q, got %q", ReasonFundingExposure, reason)
	}
}

func TestCheckRejectsLowLiquidity(t *testing.T) {
	m := New(testLog(), DefaultLimits(1_000_000))
	opp := testOpportunity()
	opp.LiquidityScore = 0.5

	ok, reason := m.Check(opp)
	if ok {
		t.Fatal("expected opportunity with low liquidity score to be rejected")
	}
	if reason != ReasonLowLiquidity {
		t.Fatalf("expected reason %q, got %q", ReasonLowLiquidity, reason)
	}
}

func TestCheckRejectsPositionLimit(t *testing.T) {
	limits := DefaultLimits(1_000_000)
	limits.PositionLimits["BTC-USDT"] = 0.1
	m := New(testLog(), limits)
	opp := testOpportunity()

	ok, reason := m.Check(opp)
	if ok {
		t.Fatal("expected opportunity exceeding position limit to be rejected")
	}
	if reason != ReasonPositionLimit {
		t.Fatalf("expected reason %q, got %q", ReasonPositionLimit, reason)
	}
}

func TestCheckRejectsPortfolioLimit(t *testing.T) {
	m := New(testLog(), DefaultLimits(1_000))
	opp := testOpportunity()

	ok, reason := m.Check(opp)
	if ok {
		t.Fatal("expected opportunity exceeding portfolio exposure to be rejected")
	}
	if reason != ReasonPortfolioLimit {
		t.Fatalf("expected reason %q, got %q", ReasonPortfolioLimit, reason)
	}
}

func TestCheckAcceptsWithinLimits(t *testing.T) {
	m := New(testLog(), DefaultLimits(1_000_000))
	ok, reason := m.Check(testOpportunity())
	if !ok {
		t.Fatalf("expected opportunity within limits to be accepted, got reason %q", reason)
	}
	if reason != ReasonNone {
		t.Fatalf("expected empty reason on accept, got %q", reason)
	}
}

func TestUnrealizedPnLSymmetry(t *testing.T) {
	long := models.Position{Symbol: "BTC-USDT", Venue: models.VenueOKX, Side: models.SideBuy, Quantity: 1, AveragePrice: 100, CurrentPrice: 110}
	short := models.Position{Symbol: "BTC-USDT", Venue: models.VenueOKX, Side: models.SideSell, Quantity: 1, AveragePrice: 100, CurrentPrice: 110}

	if sum := long.UnrealizedPnL() + short.UnrealizedPnL(); sum != 0 {
		t.Fatalf("expected symmetric long/short PnL to sum to zero, got %v", sum)
	}
}

func TestHistoricalVaR(t *testing.T) {
	returns := []float64{-0.05, -0.02, -0.01, 0.0, 0.01, 0.02, 0.03, 0.04, 0.05, 0.06}
	varAt95 := HistoricalVaR(returns, 0.95)
	if varAt95 <= 0 {
		t.Fatalf("expected positive VaR for a mixed return series, got %v", varAt95)
	}
}

func TestHistoricalVaREmptyIsZero(t *testing.T) {
	if v := HistoricalVaR(nil, 0.95); v != 0 {
		t.Fatalf("expected zero VaR for empty returns, got %v", v)
	}
}

func TestHistoricalCVaRExceedsVaR(t *testing.T) {
	returns := []float64{-0.10, -0.08, -0.05, -0.02, -0.01, 0.0, 0.02, 0.03, 0.04, 0.05}
	v := HistoricalVaR(returns, 0.9)
	cv := HistoricalCVaR(returns, 0.9)
	if cv < v {
		t.Fatalf("expected CVaR (%v) >= VaR (%v)", cv, v)
	}
}

func TestKellyFractionHalfAndCapped(t *testing.T) {
	// pWin=0.6, avgWin=100, avgLoss=50 -> b=2, fStar=(0.6*2-0.4)/2=0.4, half=0.2
	f := KellyFraction(0.6, 100, 50)
	if diff := f - 0.2; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected half-Kelly 0.2, got %v", f)
	}

	// large edge should be capped at 0.25
	capped := KellyFraction(0.95, 1000, 1)
	if capped != 0.25 {
		t.Fatalf("expected Kelly fraction capped at 0.25, got %v", capped)
	}
}

func TestKellyFractionNegativeEdgeIsZero(t *testing.T) {
	f := KellyFraction(0.2, 10, 100)
	if f != 0 {
		t.Fatalf("expected zero Kelly fraction on negative edge, got %v", f)
	}
}

func TestClosePositionUpdatesPnLHistory(t *testing.T) {
	m := New(testLog(), DefaultLimits(1_000_000))
	m.AddPosition(models.Position{Symbol: "BTC-USDT", Venue: models.VenueOKX, Quantity: 1, AveragePrice: 100, CurrentPrice: 110})
	m.ClosePosition("BTC-USDT", models.VenueOKX, 10)

	if positions := m.Positions(); len(positions) != 0 {
		t.Fatalf("expected position to be closed, got %d remaining", len(positions))
	}
	if len(m.pnlHist) != 1 || m.pnlHist[0] != 10 {
		t.Fatalf("expected PnL history [10], got %v", m.pnlHist)
	}
}
