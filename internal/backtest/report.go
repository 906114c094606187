package backtest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mExOms/ashare-backtest/pkg/types"
)

// ExportJSON writes v as indented JSON.
func ExportJSON(v interface{}, path string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ExportTradesCSV writes the trade log as CSV.
func ExportTradesCSV(trades []types.Trade, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := []string{"trade_id", "order_id", "symbol", "side", "quantity", "price", "commission", "stamp_tax", "transfer_fee", "net_amount", "trade_date"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, t := range trades {
		row := []string{
			t.ID, t.OrderID, t.Symbol, t.Side,
			strconv.FormatInt(t.Quantity, 10),
			t.Price.StringFixed(2),
			t.Commission.StringFixed(2),
			t.StampTax.StringFixed(2),
			t.TransferFee.StringFixed(2),
			t.NetAmount.StringFixed(2),
			t.TradeDate,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return w.Error()
}

// ExportPortfolioCSV writes the snapshot history as CSV.
func ExportPortfolioCSV(snapshots []types.PortfolioSnapshot, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := []string{"date", "total_value", "cash", "positions_value", "position_count", "daily_return", "cumulative_return", "drawdown"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, s := range snapshots {
		row := []string{
			s.Date,
			s.TotalValue.StringFixed(2),
			s.Cash.StringFixed(2),
			s.PositionsValue.StringFixed(2),
			strconv.Itoa(s.PositionCount),
			strconv.FormatFloat(s.DailyReturn, 'f', 6, 64),
			strconv.FormatFloat(s.CumulativeReturn, 'f', 6, 64),
			strconv.FormatFloat(s.Drawdown, 'f', 6, 64),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return w.Error()
}

// ExportMarkdownReport writes the human-readable analysis report.
func ExportMarkdownReport(result *Result, path string) error {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s Backtest Analysis Report\n\n", result.StrategyInfo.Name)
	fmt.Fprintf(&b, "Generated: %s\n\n", result.Performance.ReportDate)

	fmt.Fprintf(&b, "## Configuration\n\n")
	fmt.Fprintf(&b, "| Item | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Initial cash | %.2f |\n", result.Config.InitialCash)
	fmt.Fprintf(&b, "| Period | %s ~ %s |\n", result.Config.StartDate, result.Config.EndDate)
	fmt.Fprintf(&b, "| Symbols | %d |\n", result.SymbolCount)
	fmt.Fprintf(&b, "| Trading days | %d |\n", result.TradingDays)
	fmt.Fprintf(&b, "| Benchmark | %s |\n\n", result.Config.Benchmark)

	basic := result.Performance.Basic
	fmt.Fprintf(&b, "## Performance\n\n")
	fmt.Fprintf(&b, "| Metric | Value | Rating |\n|---|---|---|\n")
	fmt.Fprintf(&b, "| Total return | %.2f%% | %s |\n", basic.TotalReturn*100, returnRating(basic.TotalReturn))
	fmt.Fprintf(&b, "| Annual return | %.2f%% | %s |\n", basic.AnnualReturn*100, returnRating(basic.AnnualReturn))
	fmt.Fprintf(&b, "| Volatility | %.2f%% | - |\n", basic.Volatility*100)
	fmt.Fprintf(&b, "| Sharpe ratio | %.2f | %s |\n", basic.SharpeRatio, sharpeRating(basic.SharpeRatio))
	fmt.Fprintf(&b, "| Max drawdown | %.2f%% | %s |\n", basic.MaxDrawdown*100, drawdownRating(basic.MaxDrawdown))
	fmt.Fprintf(&b, "| Calmar ratio | %.2f | - |\n\n", basic.CalmarRatio)

	adv := result.Performance.Advanced
	fmt.Fprintf(&b, "## Risk\n\n")
	fmt.Fprintf(&b, "| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Sortino ratio | %.2f |\n", adv.SortinoRatio)
	fmt.Fprintf(&b, "| VaR (5%%) | %.2f%% |\n", adv.VaR5*100)
	fmt.Fprintf(&b, "| CVaR (5%%) | %.2f%% |\n", adv.CVaR5*100)
	fmt.Fprintf(&b, "| Max consecutive losing days | %d |\n", adv.MaxConsecutiveLosses)
	fmt.Fprintf(&b, "| Winning days ratio | %.2f%% |\n", adv.WinningDaysRatio*100)
	fmt.Fprintf(&b, "| Avg win/loss ratio | %.2f |\n\n", adv.AvgWinLossRatio)

	if adv.HasBenchmark {
		fmt.Fprintf(&b, "| Beta | %.3f |\n", adv.Beta)
		fmt.Fprintf(&b, "| Alpha (annualized) | %.2f%% |\n", adv.Alpha*100)
		fmt.Fprintf(&b, "| Information ratio | %.2f |\n\n", adv.InformationRatio)
	}

	tm := result.Performance.Trades
	fmt.Fprintf(&b, "## Trading\n\n")
	fmt.Fprintf(&b, "| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Total trades | %d (%d buy / %d sell) |\n", tm.TotalTrades, tm.BuyTrades, tm.SellTrades)
	fmt.Fprintf(&b, "| Total commission | %.2f |\n", tm.TotalCommission)
	fmt.Fprintf(&b, "| Total stamp tax | %.2f |\n", tm.TotalStampTax)
	fmt.Fprintf(&b, "| Monthly trade frequency | %.1f |\n", tm.MonthlyTradeFrequency)
	fmt.Fprintf(&b, "| Avg holding period (days) | %.1f |\n\n", tm.AvgHoldingPeriodDays)

	if result.ChartData.Benchmark != nil {
		bm := result.ChartData.Benchmark
		fmt.Fprintf(&b, "## Benchmark\n\n")
		simulated := ""
		if bm.IsSimulated {
			simulated = " (simulated series, not real index data)"
		}
		fmt.Fprintf(&b, "%s final return: %.2f%%%s\n\n", bm.Code, bm.FinalReturn*100, simulated)
	}

	fmt.Fprintf(&b, "## Notes\n\n")
	fmt.Fprintf(&b, "- Fills are all-or-nothing at the daily close with %.2f%% adverse slippage.\n", result.Config.SlippageRate*100)
	fmt.Fprintf(&b, "- A stop-loss that lands on a limit-down day is rejected; the position persists and the risk check re-triggers on the next trading day.\n")

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// SaveArtifacts persists the result's JSON/CSV/Markdown artifacts (and PNG
// charts when enabled) under dir.
func SaveArtifacts(result *Result, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	name := result.StrategyInfo.Name
	cfg := result.Config

	if cfg.SavePerformance {
		if err := ExportJSON(result, filepath.Join(dir, name+"_backtest_result.json")); err != nil {
			return err
		}
	}
	if cfg.SaveTrades {
		if err := ExportTradesCSV(result.TradeLog, filepath.Join(dir, name+"_trades.csv")); err != nil {
			return err
		}
	}
	if cfg.SavePositions {
		if err := ExportPortfolioCSV(result.Snapshots, filepath.Join(dir, name+"_portfolio.csv")); err != nil {
			return err
		}
	}
	if err := ExportMarkdownReport(result, filepath.Join(dir, name+"_comprehensive_analysis_report.md")); err != nil {
		return err
	}

	if cfg.RenderCharts && len(result.Snapshots) >= 2 {
		if png, err := RenderEquityChart(result.Snapshots); err == nil {
			if err := os.WriteFile(filepath.Join(dir, name+"_equity.png"), png, 0o644); err != nil {
				return fmt.Errorf("write equity chart: %w", err)
			}
		}
		if png, err := RenderDrawdownChart(result.Snapshots); err == nil {
			if err := os.WriteFile(filepath.Join(dir, name+"_drawdown.png"), png, 0o644); err != nil {
				return fmt.Errorf("write drawdown chart: %w", err)
			}
		}
	}

	return nil
}

func returnRating(r float64) string {
	switch {
	case r >= 0.30:
		return "excellent"
	case r >= 0.15:
		return "good"
	case r >= 0.05:
		return "fair"
	case r >= 0:
		return "weak"
	default:
		return "loss"
	}
}

func drawdownRating(dd float64) string {
	switch a := absFloat(dd); {
	case a <= 0.05:
		return "excellent"
	case a <= 0.10:
		return "good"
	case a <= 0.20:
		return "fair"
	default:
		return "high risk"
	}
}

func sharpeRating(s float64) string {
	switch {
	case s >= 2:
		return "excellent"
	case s >= 1:
		return "good"
	case s >= 0.5:
		return "fair"
	default:
		return "weak"
	}
}
