package backtest

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/mExOms/ashare-backtest/pkg/types"
)

// PortfolioValueSeries is the (date, value, cumulative return, daily return)
// chart series. Return columns are in percent.
type PortfolioValueSeries struct {
	Dates             []string  `json:"dates"`
	PortfolioValues   []float64 `json:"portfolio_values"`
	CumulativeReturns []float64 `json:"cumulative_returns"`
	DailyReturns      []float64 `json:"daily_returns"`
}

// DrawdownSeries is the (date, value, running peak, drawdown%) chart series.
type DrawdownSeries struct {
	Dates           []string  `json:"dates"`
	PortfolioValues []float64 `json:"portfolio_values"`
	PeakValues      []float64 `json:"peak_values"`
	DrawdownPct     []float64 `json:"drawdown"`
}

// ReturnStats are the histogram's summary statistics, in percent.
type ReturnStats struct {
	Mean     float64 `json:"mean"`
	Std      float64 `json:"std"`
	Skewness float64 `json:"skewness"`
	Kurtosis float64 `json:"kurtosis"`
}

// ReturnsHistogram buckets the daily returns (percent) into 29 bins (30 edges).
type ReturnsHistogram struct {
	BinCenters  []float64   `json:"bin_centers"`
	Frequencies []int       `json:"frequencies"`
	Statistics  ReturnStats `json:"statistics"`
}

// MonthlyCell is one month's compounded return in the year/month grid.
type MonthlyCell struct {
	Month     int     `json:"month"` // 0-based
	YearIndex int     `json:"year_index"`
	ReturnPct float64 `json:"return_pct"`
}

// MonthlyReturnsGrid is the month-by-year compounded return heat grid.
type MonthlyReturnsGrid struct {
	Years []int         `json:"years"`
	Cells []MonthlyCell `json:"cells"`
}

// ChartData bundles every chart-ready series the UI layer consumes.
type ChartData struct {
	PortfolioValue PortfolioValueSeries `json:"portfolio_value"`
	Drawdown       DrawdownSeries       `json:"drawdown"`
	Returns        ReturnsHistogram     `json:"returns_distribution"`
	MonthlyReturns MonthlyReturnsGrid   `json:"monthly_returns"`
	Benchmark      *BenchmarkSeries     `json:"benchmark_data,omitempty"`
}

// GenerateChartData synthesizes all chart series from the snapshot history.
func (a *PerformanceAnalyzer) GenerateChartData(snapshots []types.PortfolioSnapshot, benchmark *BenchmarkSeries) ChartData {
	return ChartData{
		PortfolioValue: portfolioValueSeries(snapshots),
		Drawdown:       drawdownSeries(snapshots),
		Returns:        returnsHistogram(snapshots),
		MonthlyReturns: monthlyReturnsGrid(snapshots),
		Benchmark:      benchmark,
	}
}

func portfolioValueSeries(snapshots []types.PortfolioSnapshot) PortfolioValueSeries {
	s := PortfolioValueSeries{}
	for _, snap := range snapshots {
		v, _ := snap.TotalValue.Float64()
		s.Dates = append(s.Dates, snap.Date)
		s.PortfolioValues = append(s.PortfolioValues, v)
		s.CumulativeReturns = append(s.CumulativeReturns, snap.CumulativeReturn*100)
		s.DailyReturns = append(s.DailyReturns, snap.DailyReturn*100)
	}
	return s
}

func drawdownSeries(snapshots []types.PortfolioSnapshot) DrawdownSeries {
	s := DrawdownSeries{}
	peak := math.Inf(-1)
	for _, snap := range snapshots {
		v, _ := snap.TotalValue.Float64()
		if v > peak {
			peak = v
		}
		dd := 0.0
		if peak > 0 {
			dd = (v - peak) / peak * 100
		}
		s.Dates = append(s.Dates, snap.Date)
		s.PortfolioValues = append(s.PortfolioValues, v)
		s.PeakValues = append(s.PeakValues, peak)
		s.DrawdownPct = append(s.DrawdownPct, dd)
	}
	return s
}

func returnsHistogram(snapshots []types.PortfolioSnapshot) ReturnsHistogram {
	h := ReturnsHistogram{}
	if len(snapshots) == 0 {
		return h
	}

	returns := make([]float64, 0, len(snapshots))
	for _, snap := range snapshots {
		returns = append(returns, snap.DailyReturn*100)
	}

	lo, hi := returns[0], returns[0]
	for _, r := range returns {
		if r < lo {
			lo = r
		}
		if r > hi {
			hi = r
		}
	}

	const bins = 29 // 30 edges
	width := (hi - lo) / bins
	freqs := make([]int, bins)
	centers := make([]float64, bins)
	for i := 0; i < bins; i++ {
		centers[i] = lo + width*(float64(i)+0.5)
	}
	if width > 0 {
		for _, r := range returns {
			idx := int((r - lo) / width)
			if idx >= bins {
				idx = bins - 1
			}
			freqs[idx]++
		}
	} else {
		freqs[0] = len(returns)
	}

	h.BinCenters = centers
	h.Frequencies = freqs
	h.Statistics = ReturnStats{
		Mean:     mean(returns),
		Std:      sampleStd(returns),
		Skewness: skewness(returns),
		Kurtosis: excessKurtosis(returns),
	}
	return h
}

func monthlyReturnsGrid(snapshots []types.PortfolioSnapshot) MonthlyReturnsGrid {
	grid := MonthlyReturnsGrid{}
	if len(snapshots) < 2 {
		return grid
	}

	// Month-end total value, keyed "YYYY-MM" in snapshot order.
	var months []string
	lastValue := make(map[string]float64)
	for _, snap := range snapshots {
		if len(snap.Date) < 7 {
			continue
		}
		key := snap.Date[:7]
		if _, ok := lastValue[key]; !ok {
			months = append(months, key)
		}
		v, _ := snap.TotalValue.Float64()
		lastValue[key] = v
	}
	sort.Strings(months)

	yearIndex := make(map[int]int)
	for i := 1; i < len(months); i++ {
		prev, cur := lastValue[months[i-1]], lastValue[months[i]]
		if prev <= 0 {
			continue
		}
		ret := (cur - prev) / prev * 100

		var year, month int
		fmt.Sscanf(months[i], "%d-%d", &year, &month)
		idx, ok := yearIndex[year]
		if !ok {
			idx = len(grid.Years)
			yearIndex[year] = idx
			grid.Years = append(grid.Years, year)
		}
		grid.Cells = append(grid.Cells, MonthlyCell{
			Month:     month - 1,
			YearIndex: idx,
			ReturnPct: math.Round(ret*100) / 100,
		})
	}
	return grid
}

// SimulatedBenchmark builds the clearly-marked synthetic benchmark series
// used when no benchmark source is wired in. Deterministic for a given seed.
func SimulatedBenchmark(code string, dates []string, seed int64) *BenchmarkSeries {
	n := len(dates)
	series := &BenchmarkSeries{Code: code, Dates: dates, IsSimulated: true}
	if n == 0 {
		return series
	}

	const (
		targetFinalReturn = 0.14683
		dailyVolatility   = 0.015
	)

	rng := rand.New(rand.NewSource(seed))
	returns := make([]float64, n)
	for i := 0; i < n; i++ {
		progress := 0.0
		if n > 1 {
			progress = float64(i) / float64(n-1)
		}
		returns[i] = targetFinalReturn*progress + rng.NormFloat64()*dailyVolatility
	}
	returns[n-1] = targetFinalReturn

	series.CumulativeReturns = returns
	series.FinalReturn = returns[n-1]
	return series
}

// BenchmarkFromFrame aligns a benchmark price frame to the portfolio's
// trading dates, carrying the last known cumulative return across gaps.
func BenchmarkFromFrame(code string, frame *types.DailyFrame, dates []string) *BenchmarkSeries {
	if frame == nil || frame.Len() == 0 {
		return nil
	}

	// Cumulative return per frame date off the first close.
	var base float64
	cumByDate := make(map[string]float64, frame.Len())
	for _, d := range frame.Dates {
		bar := frame.Bars[d]
		if bar == nil || bar.Close <= 0 {
			continue
		}
		if base == 0 {
			base = bar.Close
		}
		cumByDate[d] = bar.Close/base - 1
	}
	if base == 0 {
		return nil
	}

	aligned := make([]float64, len(dates))
	last := 0.0
	for i, d := range dates {
		if c, ok := cumByDate[d]; ok {
			last = c
		} else if bar := frame.BarOn(d); bar != nil && bar.Close > 0 {
			last = bar.Close/base - 1
		}
		aligned[i] = last
	}

	final := 0.0
	if len(aligned) > 0 {
		final = aligned[len(aligned)-1]
	}
	return &BenchmarkSeries{
		Code:              code,
		Dates:             dates,
		CumulativeReturns: aligned,
		FinalReturn:       final,
	}
}

// RenderEquityChart renders the portfolio value curve as a PNG.
func RenderEquityChart(snapshots []types.PortfolioSnapshot) ([]byte, error) {
	if len(snapshots) < 2 {
		return nil, fmt.Errorf("need at least 2 snapshots, got %d", len(snapshots))
	}

	xValues := make([]time.Time, len(snapshots))
	yValues := make([]float64, len(snapshots))
	for i, s := range snapshots {
		t, err := time.Parse("2006-01-02", s.Date)
		if err != nil {
			return nil, fmt.Errorf("bad snapshot date %q: %w", s.Date, err)
		}
		xValues[i] = t
		yValues[i], _ = s.TotalValue.Float64()
	}

	graph := chart.Chart{
		Title:  "Portfolio Value",
		Width:  900,
		Height: 400,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 10, Right: 20, Bottom: 10},
		},
		YAxis: chart.YAxis{
			ValueFormatter: func(v interface{}) string {
				if f, ok := v.(float64); ok {
					return fmt.Sprintf("%.0fk", f/1000)
				}
				return ""
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name: "Portfolio Value",
				Style: chart.Style{
					StrokeColor: drawing.ColorFromHex("2563eb"),
					StrokeWidth: 2.5,
				},
				XValues: xValues,
				YValues: yValues,
			},
		},
	}

	var buf bytes.Buffer
	if err := graph.Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("chart render failed: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderDrawdownChart renders the drawdown curve (percent) as a PNG.
func RenderDrawdownChart(snapshots []types.PortfolioSnapshot) ([]byte, error) {
	if len(snapshots) < 2 {
		return nil, fmt.Errorf("need at least 2 snapshots, got %d", len(snapshots))
	}

	xValues := make([]time.Time, len(snapshots))
	yValues := make([]float64, len(snapshots))
	for i, s := range snapshots {
		t, err := time.Parse("2006-01-02", s.Date)
		if err != nil {
			return nil, fmt.Errorf("bad snapshot date %q: %w", s.Date, err)
		}
		xValues[i] = t
		yValues[i] = s.Drawdown * 100
	}

	graph := chart.Chart{
		Title:  "Drawdown",
		Width:  900,
		Height: 300,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 10, Right: 20, Bottom: 10},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name: "Drawdown %",
				Style: chart.Style{
					StrokeColor: drawing.ColorFromHex("dc2626"),
					StrokeWidth: 2.0,
				},
				XValues: xValues,
				YValues: yValues,
			},
		},
	}

	var buf bytes.Buffer
	if err := graph.Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("chart render failed: %w", err)
	}
	return buf.Bytes(), nil
}

// skewness is the adjusted Fisher-Pearson sample skewness.
func skewness(values []float64) float64 {
	n := float64(len(values))
	if n < 3 {
		return 0
	}
	m := mean(values)
	s := sampleStd(values)
	if s == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		z := (v - m) / s
		sum += z * z * z
	}
	return n / ((n - 1) * (n - 2)) * sum
}

// excessKurtosis is the bias-corrected sample excess kurtosis.
func excessKurtosis(values []float64) float64 {
	n := float64(len(values))
	if n < 4 {
		return 0
	}
	m := mean(values)
	s := sampleStd(values)
	if s == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		z := (v - m) / s
		sum += z * z * z * z
	}
	return n*(n+1)/((n-1)*(n-2)*(n-3))*sum - 3*(n-1)*(n-1)/((n-2)*(n-3))
}
