// Package risk is the position book and opportunity gate: it tracks open
// positions, computes portfolio-level risk metrics (VaR, CVaR, drawdown,
// Sharpe, funding exposure), and decides whether a detected opportunity
// is allowed to execute. Balance/position bookkeeping here is adapted
// from the teacher's Trader.balances ledger in usecase/trader_balance.go
// (LoadBalances/GetBalance/BigAssets), generalized from a single-exchange
// asset ledger to a per-(symbol,venue) position book.
package risk

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"arbengine/internal/config"
	"arbengine/internal/models"
)

// Limits configures the per-opportunity gate and portfolio caps (spec
// §4.5's max_portfolio_exposure, position_limits, venue_limits).
type Limits struct {
	MaxPortfolioExposure float64
	PositionLimits       map[models.Symbol]float64 // defaults to 50_000 if absent
	VenueLimits          map[models.Venue]float64  // stored only; Check does not consult it
}

// DefaultLimits returns the spec's defaults with empty override maps.
func DefaultLimits(maxPortfolioExposure float64) Limits {
	return Limits{
		MaxPortfolioExposure: maxPortfolioExposure,
		PositionLimits:       map[models.Symbol]float64{},
		VenueLimits:          map[models.Venue]float64{},
	}
}

const defaultPositionLimit = 50_000.0

// Manager is the risk gate plus the position/return bookkeeping it reads
// from. All state is mutex-guarded; the mutex is held only long enough to
// mutate or copy (spec's §5 resource-model rule for risk state).
type Manager struct {
	log    *logrus.Entry
	limits Limits

	mu        sync.Mutex
	positions map[positionKey]models.Position
	returns   []float64 // FIFO, capacity VaRLookback
	pnlHist   []float64 // FIFO, capacity PnLHistoryCap

	metricsMu    sync.Mutex
	metricsAt    time.Time
	metricsCache PortfolioMetrics
}

type positionKey struct {
	symbol models.Symbol
	venue  models.Venue
}

// New builds a risk Manager with the given limits.
func New(log *logrus.Entry, limits Limits) *Manager {
	if limits.PositionLimits == nil {
		limits.PositionLimits = map[models.Symbol]float64{}
	}
	if limits.VenueLimits == nil {
		limits.VenueLimits = map[models.Venue]float64{}
	}
	return &Manager{
		log:       log,
		limits:    limits,
		positions: map[positionKey]models.Position{},
	}
}

// RejectionReason explains why check() refused an opportunity.
type RejectionReason string

const (
	ReasonNone            RejectionReason = ""
	ReasonHighExecRisk    RejectionReason = "high execution risk"
	ReasonFundingExposure RejectionReason = "funding rate exposure too high"
	ReasonLowLiquidity    RejectionReason = "liquidity score too low"
	ReasonPositionLimit   RejectionReason = "position limit exceeded"
	ReasonPortfolioLimit  RejectionReason = "portfolio exposure limit exceeded"
)

// Check gates one opportunity per §4.5, rejecting on the first condition
// that fails and returning its reason for logging.
func (m *Manager) Check(opp models.ArbitrageOpportunity) (bool, RejectionReason) {
	if opp.ExecutionRisk > config.MaxExecutionRisk {
		return false, ReasonHighExecRisk
	}
	if opp.FundingRisk > config.MaxFundingRateExposure {
		return false, ReasonFundingExposure
	}
	if opp.LiquidityScore < config.MinLiquidityScore {
		return false, ReasonLowLiquidity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, leg := range opp.Legs {
		limit, ok := m.limits.PositionLimits[leg.Symbol]
		if !ok {
			limit = defaultPositionLimit
		}
		current := m.positionQtyLocked(leg.Symbol)
		if current+leg.Quantity > limit {
			return false, ReasonPositionLimit
		}
	}

	exposure := m.totalExposureLocked()
	if exposure+opp.RequiredCapital > m.limits.MaxPortfolioExposure {
		return false, ReasonPortfolioLimit
	}

	return true, ReasonNone
}

func (m *Manager) positionQtyLocked(symbol models.Symbol) float64 {
	var qty float64
	for k, p := range m.positions {
		if k.symbol == symbol {
			qty += p.Quantity
		}
	}
	return qty
}

func (m *Manager) totalExposureLocked() float64 {
	var exposure float64
	for _, p := range m.positions {
		exposure += p.Notional()
	}
	return exposure
}

// AddPosition opens or replaces the position for a (symbol, venue) pair.
func (m *Manager) AddPosition(p models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[positionKey{symbol: p.Symbol, venue: p.Venue}] = p
}

// ClosePosition removes a position, appends its realized PnL to the
// return window (normalized by exposure at the time) and to the PnL
// history, both trimmed to their configured caps.
func (m *Manager) ClosePosition(symbol models.Symbol, venue models.Venue, realizedPnL float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exposure := m.totalExposureLocked()
	delete(m.positions, positionKey{symbol: symbol, venue: venue})

	m.pnlHist = append(m.pnlHist, realizedPnL)
	if len(m.pnlHist) > config.PnLHistoryCapDefault {
		m.pnlHist = m.pnlHist[len(m.pnlHist)-config.PnLHistoryCapDefault:]
	}

	if exposure > 0 {
		m.returns = append(m.returns, realizedPnL/exposure)
		if len(m.returns) > config.VaRLookbackDefault {
			m.returns = m.returns[len(m.returns)-config.VaRLookbackDefault:]
		}
	}
}

// Positions returns a snapshot of every open position.
func (m *Manager) Positions() []models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out
}

// PortfolioMetrics is the cached bundle of portfolio-level risk figures.
type PortfolioMetrics struct {
	TotalExposure       float64
	VaR95               float64
	CVaR95              float64
	MaxDrawdown         float64
	Sharpe              float64
	FundingRateExposure float64
	TotalPnL            float64
	WinRate             float64
}

// Metrics returns the portfolio metrics, recomputing only if the cache is
// older than 5 seconds (spec's cache window).
func (m *Manager) Metrics() PortfolioMetrics {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()
	if time.Since(m.metricsAt) < 5*time.Second && !m.metricsAt.IsZero() {
		return m.metricsCache
	}

	m.mu.Lock()
	exposure := m.totalExposureLocked()
	returns := append([]float64{}, m.returns...)
	pnlHist := append([]float64{}, m.pnlHist...)
	var fundingExposure float64
	for _, p := range m.positions {
		if p.Instrument == models.InstrumentPerpetual {
			fundingExposure += p.Notional()
		}
	}
	m.mu.Unlock()

	metrics := PortfolioMetrics{
		TotalExposure: exposure,
		MaxDrawdown:   maxDrawdown(pnlHist),
		Sharpe:        sharpe(returns),
	}
	metrics.VaR95 = HistoricalVaR(returns, 0.95) * exposure
	metrics.CVaR95 = HistoricalCVaR(returns, 0.95)
	if exposure > 0 {
		metrics.FundingRateExposure = fundingExposure / exposure
	}

	var wins int
	for _, pnl := range pnlHist {
		metrics.TotalPnL += pnl
		if pnl > 0 {
			wins++
		}
	}
	if len(pnlHist) > 0 {
		metrics.WinRate = float64(wins) / float64(len(pnlHist))
	}

	m.metricsCache = metrics
	m.metricsAt = time.Now()
	return metrics
}

// HistoricalVaR implements §4.5's historical-simulation VaR: sort returns
// ascending, k = floor((1-conf) * n), VaR = -returns[k].
func HistoricalVaR(returns []float64, confidence float64) float64 {
	n := len(returns)
	if n == 0 {
		return 0
	}
	sorted := append([]float64{}, returns...)
	sort.Float64s(sorted)
	k := int(math.Floor((1-confidence)*float64(n) + 1e-9))
	if k >= n {
		k = n - 1
	}
	if k < 0 {
		k = 0
	}
	return -sorted[k]
}

// HistoricalCVaR is the expected shortfall beyond the VaR cutoff:
// -mean(returns[0..=k]).
func HistoricalCVaR(returns []float64, confidence float64) float64 {
	n := len(returns)
	if n == 0 {
		return 0
	}
	sorted := append([]float64{}, returns...)
	sort.Float64s(sorted)
	k := int(math.Floor((1-confidence)*float64(n) + 1e-9))
	if k >= n {
		k = n - 1
	}
	if k < 0 {
		k = 0
	}
	sum := decimal.NewFromFloat(0)
	for i := 0; i <= k; i++ {
		sum = sum.Add(decimal.NewFromFloat(sorted[i]))
	}
	mean := sum.Div(decimal.NewFromInt(int64(k + 1)))
	return mean.Neg().InexactFloat64()
}

func maxDrawdown(pnlHistory []float64) float64 {
	if len(pnlHistory) == 0 {
		return 0
	}
	var cum, peak, maxDD float64
	peak = math.Inf(-1)
	for _, pnl := range pnlHistory {
		cum += pnl
		if cum > peak {
			peak = cum
		}
		if peak > 0 {
			dd := (peak - cum) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

func sharpe(returns []float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(n)

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(n - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}

	annualizedMean := mean * 365
	annualizedStd := std * math.Sqrt(365)
	return (annualizedMean - config.RiskFreeRateDefault) / annualizedStd
}

// KellyFraction computes the half-Kelly position-sizing fraction, capped
// at 25% of capital per spec §4.5.
func KellyFraction(pWin, avgWin, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 0
	}
	b := avgWin / avgLoss
	if b == 0 {
		return 0
	}
	fStar := (pWin*b - (1 - pWin)) / b
	half := 0.5 * fStar
	if half < 0 {
		return 0
	}
	if half > 0.25 {
		return 0.25
	}
	return half
}
