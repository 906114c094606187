package backtest

import (
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mExOms/ashare-backtest/pkg/types"
)

const (
	tradingDaysPerYear = 252
	riskFreeRate       = 0.03
)

// BasicMetrics are the headline return/risk statistics.
type BasicMetrics struct {
	TotalReturn  float64 `json:"total_return"`
	AnnualReturn float64 `json:"annual_return"`
	Volatility   float64 `json:"volatility"`
	SharpeRatio  float64 `json:"sharpe_ratio"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	CalmarRatio  float64 `json:"calmar_ratio"`
	TradingDays  int     `json:"trading_days"`
}

// AdvancedMetrics are the tail-risk and consistency statistics, plus the
// benchmark-relative metrics when a benchmark series is aligned.
type AdvancedMetrics struct {
	SortinoRatio         float64 `json:"sortino_ratio"`
	VaR5                 float64 `json:"var_5"`
	CVaR5                float64 `json:"cvar_5"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	WinningDaysRatio     float64 `json:"winning_days_ratio"`
	AvgWinLossRatio      float64 `json:"avg_win_loss_ratio"`

	HasBenchmark     bool    `json:"has_benchmark"`
	Beta             float64 `json:"beta,omitempty"`
	Alpha            float64 `json:"alpha,omitempty"`
	InformationRatio float64 `json:"information_ratio,omitempty"`
}

// TradeMetrics are the trade-log statistics.
type TradeMetrics struct {
	TotalTrades           int     `json:"total_trades"`
	BuyTrades             int     `json:"buy_trades"`
	SellTrades            int     `json:"sell_trades"`
	TotalCommission       float64 `json:"total_commission"`
	TotalStampTax         float64 `json:"total_stamp_tax"`
	TotalFees             float64 `json:"total_fees"`
	MonthlyTradeFrequency float64 `json:"monthly_trade_frequency"`
	AvgHoldingPeriodDays  float64 `json:"avg_holding_period_days"`
}

// ReportPeriod is the first/last snapshot date of the backtest.
type ReportPeriod struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// ReportPortfolioSummary is the portfolio digest embedded in the report.
type ReportPortfolioSummary struct {
	InitialValue   float64      `json:"initial_value"`
	FinalValue     float64      `json:"final_value"`
	CashRatio      float64      `json:"cash_ratio"`
	PositionsCount int          `json:"positions_count"`
	BacktestPeriod ReportPeriod `json:"backtest_period"`
}

// PerformanceReport is the full derived projection over snapshots and trades.
type PerformanceReport struct {
	StrategyName     string                  `json:"strategy_name"`
	ReportDate       string                  `json:"report_date"`
	Basic            BasicMetrics            `json:"basic_metrics"`
	Advanced         AdvancedMetrics         `json:"advanced_metrics"`
	Trades           TradeMetrics            `json:"trade_metrics"`
	PortfolioSummary *ReportPortfolioSummary `json:"portfolio_summary,omitempty"`
}

// BenchmarkSeries is a benchmark cumulative-return curve aligned to the
// portfolio's trading dates. IsSimulated marks the synthetic fallback.
type BenchmarkSeries struct {
	Code              string    `json:"benchmark_code"`
	Dates             []string  `json:"dates"`
	CumulativeReturns []float64 `json:"cumulative_returns"`
	FinalReturn       float64   `json:"final_return"`
	IsSimulated       bool      `json:"is_simulated"`
}

// PerformanceAnalyzer derives metrics and chart series from the immutable
// snapshot history and trade log.
type PerformanceAnalyzer struct {
	log *logrus.Entry
}

// NewPerformanceAnalyzer creates an analyzer.
func NewPerformanceAnalyzer() *PerformanceAnalyzer {
	return &PerformanceAnalyzer{log: logrus.WithField("component", "performance-analyzer")}
}

// CalculateBasicMetrics computes the headline statistics. Empty history
// yields a zero-valued struct.
func (a *PerformanceAnalyzer) CalculateBasicMetrics(snapshots []types.PortfolioSnapshot) BasicMetrics {
	var m BasicMetrics
	if len(snapshots) == 0 {
		return m
	}

	m.TotalReturn = snapshots[len(snapshots)-1].CumulativeReturn
	m.TradingDays = len(snapshots)

	tradingYears := float64(len(snapshots)) / tradingDaysPerYear
	if tradingYears > 0 {
		m.AnnualReturn = math.Pow(1+m.TotalReturn, 1/tradingYears) - 1
	}

	returns := dailyReturns(snapshots)
	if len(snapshots) > 1 {
		m.Volatility = sampleStd(returns) * math.Sqrt(tradingDaysPerYear)
	}

	if m.Volatility > 0 {
		m.SharpeRatio = (m.AnnualReturn - riskFreeRate) / m.Volatility
	}

	m.MaxDrawdown = 0
	for _, s := range snapshots {
		if s.Drawdown < m.MaxDrawdown {
			m.MaxDrawdown = s.Drawdown
		}
	}

	if m.MaxDrawdown != 0 {
		m.CalmarRatio = m.AnnualReturn / math.Abs(m.MaxDrawdown)
	}

	return m
}

// CalculateAdvancedMetrics computes tail-risk and consistency statistics.
// With fewer than two snapshots it returns a zero-valued struct.
func (a *PerformanceAnalyzer) CalculateAdvancedMetrics(snapshots []types.PortfolioSnapshot, benchmark *BenchmarkSeries) AdvancedMetrics {
	var m AdvancedMetrics
	if len(snapshots) < 2 {
		return m
	}

	returns := dailyReturns(snapshots)

	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) > 0 {
		downsideDev := sampleStd(downside) * math.Sqrt(tradingDaysPerYear)
		if downsideDev > 0 {
			annual := a.CalculateBasicMetrics(snapshots).AnnualReturn
			m.SortinoRatio = (annual - riskFreeRate) / downsideDev
		}
	}

	m.VaR5 = percentile(returns, 0.05)
	m.CVaR5 = tailMean(returns, m.VaR5)
	m.MaxConsecutiveLosses = maxConsecutiveLosses(returns)

	if len(returns) > 0 {
		positives := 0
		for _, r := range returns {
			if r > 0 {
				positives++
			}
		}
		m.WinningDaysRatio = float64(positives) / float64(len(returns))
	}

	var wins, losses []float64
	for _, r := range returns {
		if r > 0 {
			wins = append(wins, r)
		} else if r < 0 {
			losses = append(losses, r)
		}
	}
	if len(wins) > 0 && len(losses) > 0 {
		m.AvgWinLossRatio = mean(wins) / math.Abs(mean(losses))
	}

	if benchmark != nil && len(benchmark.CumulativeReturns) == len(snapshots) {
		m.HasBenchmark = true
		m.Beta, m.Alpha, m.InformationRatio = relativeMetrics(returns, benchmarkDailyReturns(benchmark))
	}

	return m
}

// CalculateTradeMetrics computes trade-log statistics. The transfer fee is
// not part of the commission or fee totals; it lives on each trade only.
func (a *PerformanceAnalyzer) CalculateTradeMetrics(trades []types.Trade) TradeMetrics {
	var m TradeMetrics
	if len(trades) == 0 {
		return m
	}

	m.TotalTrades = len(trades)
	for _, t := range trades {
		if t.Side == types.OrderSideBuy {
			m.BuyTrades++
		} else {
			m.SellTrades++
		}
		c, _ := t.Commission.Float64()
		s, _ := t.StampTax.Float64()
		m.TotalCommission += c
		m.TotalStampTax += s
	}
	m.TotalFees = m.TotalCommission + m.TotalStampTax

	first, _ := time.Parse("2006-01-02", trades[0].TradeDate)
	last, _ := time.Parse("2006-01-02", trades[len(trades)-1].TradeDate)
	spanDays := last.Sub(first).Hours() / 24
	if spanDays > 0 {
		m.MonthlyTradeFrequency = float64(m.TotalTrades) / (spanDays / 30)
	}

	m.AvgHoldingPeriodDays = avgHoldingPeriod(trades)

	return m
}

// GenerateReport assembles the full performance report.
func (a *PerformanceAnalyzer) GenerateReport(snapshots []types.PortfolioSnapshot, trades []types.Trade, strategyName string, benchmark *BenchmarkSeries, reportDate time.Time) PerformanceReport {
	report := PerformanceReport{
		StrategyName: strategyName,
		ReportDate:   reportDate.Format("2006-01-02 15:04:05"),
		Basic:        a.CalculateBasicMetrics(snapshots),
		Advanced:     a.CalculateAdvancedMetrics(snapshots, benchmark),
		Trades:       a.CalculateTradeMetrics(trades),
	}

	if len(snapshots) > 0 {
		first, last := snapshots[0], snapshots[len(snapshots)-1]
		initialF, _ := first.TotalValue.Float64()
		finalF, _ := last.TotalValue.Float64()
		cashF, _ := last.Cash.Float64()
		cashRatio := 0.0
		if finalF > 0 {
			cashRatio = cashF / finalF
		}
		report.PortfolioSummary = &ReportPortfolioSummary{
			InitialValue:   initialF,
			FinalValue:     finalF,
			CashRatio:      cashRatio,
			PositionsCount: last.PositionCount,
			BacktestPeriod: ReportPeriod{StartDate: first.Date, EndDate: last.Date},
		}
	}

	return report
}

// avgHoldingPeriod pairs BUY lots to SELL lots FIFO per symbol and averages
// the holding days weighted by matched shares. Falls back to 30 when no lot
// closes.
func avgHoldingPeriod(trades []types.Trade) float64 {
	type lot struct {
		date time.Time
		qty  int64
	}
	open := make(map[string][]lot)

	var totalDays float64
	var totalShares int64

	for _, t := range trades {
		date, err := time.Parse("2006-01-02", t.TradeDate)
		if err != nil {
			continue
		}
		if t.Side == types.OrderSideBuy {
			open[t.Symbol] = append(open[t.Symbol], lot{date: date, qty: t.Quantity})
			continue
		}

		remaining := t.Quantity
		queue := open[t.Symbol]
		for remaining > 0 && len(queue) > 0 {
			matched := queue[0].qty
			if matched > remaining {
				matched = remaining
			}
			days := date.Sub(queue[0].date).Hours() / 24
			totalDays += days * float64(matched)
			totalShares += matched

			queue[0].qty -= matched
			remaining -= matched
			if queue[0].qty == 0 {
				queue = queue[1:]
			}
		}
		open[t.Symbol] = queue
	}

	if totalShares == 0 {
		return 30.0
	}
	return totalDays / float64(totalShares)
}

// relativeMetrics runs OLS of portfolio returns on benchmark returns.
// Alpha is annualized; the information ratio uses the tracking error of the
// daily active return.
func relativeMetrics(portfolio, benchmark []float64) (beta, alpha, infoRatio float64) {
	n := len(portfolio)
	if n != len(benchmark) || n < 2 {
		return 1, 0, 0
	}

	meanP, meanB := mean(portfolio), mean(benchmark)
	var cov, varB float64
	for i := 0; i < n; i++ {
		cov += (portfolio[i] - meanP) * (benchmark[i] - meanB)
		varB += (benchmark[i] - meanB) * (benchmark[i] - meanB)
	}
	if varB == 0 {
		return 1, 0, 0
	}
	beta = cov / varB
	alpha = (meanP - beta*meanB) * tradingDaysPerYear

	active := make([]float64, n)
	for i := 0; i < n; i++ {
		active[i] = portfolio[i] - benchmark[i]
	}
	trackingError := sampleStd(active)
	if trackingError > 0 {
		infoRatio = mean(active) / trackingError * math.Sqrt(tradingDaysPerYear)
	}
	return beta, alpha, infoRatio
}

func dailyReturns(snapshots []types.PortfolioSnapshot) []float64 {
	out := make([]float64, len(snapshots))
	for i, s := range snapshots {
		out[i] = s.DailyReturn
	}
	return out
}

// benchmarkDailyReturns converts a cumulative-return curve to daily returns,
// with 0 on the first day to stay aligned with the snapshot series.
func benchmarkDailyReturns(b *BenchmarkSeries) []float64 {
	out := make([]float64, len(b.CumulativeReturns))
	for i := 1; i < len(b.CumulativeReturns); i++ {
		prev := 1 + b.CumulativeReturns[i-1]
		if prev != 0 {
			out[i] = (1+b.CumulativeReturns[i])/prev - 1
		}
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// sampleStd is the n-1 standard deviation.
func sampleStd(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	m := mean(values)
	var ss float64
	for _, v := range values {
		ss += (v - m) * (v - m)
	}
	return math.Sqrt(ss / float64(n-1))
}

// percentile computes the q-quantile with linear interpolation between
// order statistics.
func percentile(values []float64, q float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// tailMean averages the values at or below the threshold.
func tailMean(values []float64, threshold float64) float64 {
	var tail []float64
	for _, v := range values {
		if v <= threshold {
			tail = append(tail, v)
		}
	}
	return mean(tail)
}

func maxConsecutiveLosses(returns []float64) int {
	current, longest := 0, 0
	for _, r := range returns {
		if r < 0 {
			current++
			if current > longest {
				longest = current
			}
		} else {
			current = 0
		}
	}
	return longest
}
