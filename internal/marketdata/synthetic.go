package marketdata

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/mExOms/ashare-backtest/pkg/types"
)

// TradingDates generates the weekday calendar between start and end
// inclusive. Stand-in for an exchange calendar when none is stored.
func TradingDates(start, end string) []string {
	startT, err1 := time.Parse("2006-01-02", start)
	endT, err2 := time.Parse("2006-01-02", end)
	if err1 != nil || err2 != nil || endT.Before(startT) {
		return nil
	}

	var dates []string
	for d := startT; !d.After(endT); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			dates = append(dates, d.Format("2006-01-02"))
		}
	}
	return dates
}

// GenerateFrame builds a deterministic synthetic daily frame: a seeded
// random walk with plausible OHLC spreads, volume, and the common moving
// average / RSI indicator set.
func GenerateFrame(symbol string, dates []string, seed int64) *types.DailyFrame {
	frame := &types.DailyFrame{Symbol: symbol, Bars: make(map[string]*types.DailyBar, len(dates))}
	if len(dates) == 0 {
		return frame
	}

	rng := rand.New(rand.NewSource(seed ^ int64(symbolHash(symbol))))

	price := 8 + rng.Float64()*20
	closes := make([]float64, 0, len(dates))
	volumes := make([]float64, 0, len(dates))

	for _, date := range dates {
		preClose := round2(price)

		ret := rng.NormFloat64()*0.02 + 0.0005
		if ret > 0.095 {
			ret = 0.095
		}
		if ret < -0.095 {
			ret = -0.095
		}
		price = price * (1 + ret)
		if price < 1 {
			price = 1
		}

		close := round2(price)
		open := round2(preClose * (1 + rng.NormFloat64()*0.005))
		high := round2(math.Max(open, close) * (1 + rng.Float64()*0.01))
		low := round2(math.Min(open, close) * (1 - rng.Float64()*0.01))
		volume := 1e6 + rng.Float64()*9e6
		amount := volume * close

		closes = append(closes, close)
		volumes = append(volumes, volume)

		bar := &types.DailyBar{
			Open:     open,
			High:     high,
			Low:      low,
			Close:    close,
			PreClose: preClose,
			Volume:   volume,
			Amount:   amount,
			Indicators: map[string]float64{
				"ma5":          trailingMean(closes, 5),
				"ma20":         trailingMean(closes, 20),
				"volume_ma20":  trailingMean(volumes, 20),
				"rsi":          trailingRSI(closes, 14),
				"turnover_rate": rng.Float64() * 5,
			},
		}
		frame.Dates = append(frame.Dates, date)
		frame.Bars[date] = bar
	}

	return frame
}

// SyntheticManager is an in-memory Manager producing seeded synthetic
// frames. Used by tests and as a demo data source when no bar database is
// available.
type SyntheticManager struct {
	Universe map[string][]string // index code -> symbols
	Seed     int64
}

// NewSyntheticManager builds a manager with a small mixed SH/SZ universe.
func NewSyntheticManager(seed int64) *SyntheticManager {
	return &SyntheticManager{
		Seed: seed,
		Universe: map[string][]string{
			"000510.CSI": {
				"000001.SZ", "000333.SZ", "000858.SZ", "002415.SZ", "300750.SZ",
				"600000.SH", "600036.SH", "600519.SH", "601318.SH", "688981.SH",
			},
		},
	}
}

// LoadUniverse returns the configured members of an index.
func (m *SyntheticManager) LoadUniverse(_ context.Context, indexCode string) ([]string, error) {
	symbols, ok := m.Universe[indexCode]
	if !ok || len(symbols) == 0 {
		return nil, fmt.Errorf("index %s has no members", indexCode)
	}
	return append([]string(nil), symbols...), nil
}

// LoadSymbol generates the symbol's synthetic frame for the window.
func (m *SyntheticManager) LoadSymbol(_ context.Context, symbol, start, end string) (*types.DailyFrame, error) {
	dates := TradingDates(start, end)
	if len(dates) == 0 {
		return nil, fmt.Errorf("empty window %s ~ %s", start, end)
	}
	return GenerateFrame(symbol, dates, m.Seed), nil
}

// LoadMarket generates frames for the selected symbols and the weekday
// calendar of the window.
func (m *SyntheticManager) LoadMarket(ctx context.Context, symbols []string, start, end string, maxSymbols int, scorer Scorer) (map[string]*types.DailyFrame, []string, error) {
	dates := TradingDates(start, end)
	if len(dates) == 0 {
		return nil, nil, fmt.Errorf("empty window %s ~ %s", start, end)
	}

	if maxSymbols <= 0 || maxSymbols > len(symbols) {
		maxSymbols = len(symbols)
	}

	frames := make(map[string]*types.DailyFrame, len(symbols))
	for _, symbol := range symbols {
		frames[symbol] = GenerateFrame(symbol, dates, m.Seed)
	}

	var keep []string
	if scorer != nil {
		keep = TopKByScore(frames, scorer, maxSymbols)
	} else {
		all := make([]string, 0, len(frames))
		for s := range frames {
			all = append(all, s)
		}
		keep = StratifiedSample(all, maxSymbols, m.Seed)
	}

	selected := make(map[string]*types.DailyFrame, len(keep))
	for _, symbol := range keep {
		selected[symbol] = frames[symbol]
	}
	return selected, dates, nil
}

func symbolHash(symbol string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return h.Sum32()
}

func trailingMean(values []float64, window int) float64 {
	if len(values) == 0 {
		return 0
	}
	if window > len(values) {
		window = len(values)
	}
	var sum float64
	for _, v := range values[len(values)-window:] {
		sum += v
	}
	return sum / float64(window)
}

// trailingRSI is the simple-average RSI over the trailing window.
func trailingRSI(closes []float64, window int) float64 {
	if len(closes) < 2 {
		return 50
	}
	if window > len(closes)-1 {
		window = len(closes) - 1
	}
	var gains, losses float64
	for i := len(closes) - window; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	if gains+losses == 0 {
		return 50
	}
	return 100 * gains / (gains + losses)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
