// Package matrend implements a multi-trend resonance strategy: moving
// average alignment, RSI regime, and volume surge are scored together and
// positions are opened on strong resonance, closed when the signal fades.
package matrend

import (
	"sort"

	"github.com/mExOms/ashare-backtest/internal/backtest"
	"github.com/mExOms/ashare-backtest/pkg/types"
)

// Params are the strategy knobs.
type Params struct {
	IndexCode           string  // universe index
	MaxPositions        int     // soft cap on concurrent entries per day
	TargetWeight        float64 // per-position target weight
	MinResonanceScore   float64 // entry threshold, 0-11 scale
	ExitScore           float64 // exit when the live score drops below this
	VolumeSurgeRatio    float64 // volume vs volume_ma20 for the surge point
	MinAmount           float64 // minimum daily traded amount (CNY)
	RSIFloor, RSICeil   float64 // tradable RSI band
}

// DefaultParams returns the baseline knobs.
func DefaultParams() Params {
	return Params{
		IndexCode:         "000510.CSI",
		MaxPositions:      5,
		TargetWeight:      0.10,
		MinResonanceScore: 6,
		ExitScore:         3,
		VolumeSurgeRatio:  1.3,
		MinAmount:         5_000_000,
		RSIFloor:          30,
		RSICeil:           75,
	}
}

// Strategy is the multi-trend resonance strategy.
type Strategy struct {
	backtest.BaseStrategy
	params Params
}

// New creates the strategy with the given params.
func New(params Params) *Strategy {
	return &Strategy{
		BaseStrategy: backtest.NewBaseStrategy("matrend", "1.0"),
		params:       params,
	}
}

// IndexCode exposes the universe index to the data loader.
func (s *Strategy) IndexCode() string {
	return s.params.IndexCode
}

// ScoreForSelection ranks a symbol for universe selection using the same
// resonance score entries are judged by.
func (s *Strategy) ScoreForSelection(symbol string, bar *types.DailyBar) float64 {
	return s.resonanceScore(bar)
}

// GenerateSignals scans held symbols for exits first, then ranks the rest of
// the market for entries.
func (s *Strategy) GenerateSignals(date string, market types.MarketDay, portfolio types.PortfolioSummary) []types.Signal {
	var signals []types.Signal

	// Exits: resonance faded.
	held := make([]string, 0, len(portfolio.Positions))
	for symbol := range portfolio.Positions {
		held = append(held, symbol)
	}
	sort.Strings(held)
	for _, symbol := range held {
		bar, ok := market[symbol]
		if !ok {
			continue
		}
		if s.resonanceScore(bar) < s.params.ExitScore {
			signals = append(signals, s.SellSignal(symbol, bar.Close, "resonance faded"))
		}
	}

	// Entries: strongest resonance first, capped per day.
	type candidate struct {
		symbol string
		score  float64
		close  float64
	}
	var candidates []candidate

	symbols := make([]string, 0, len(market))
	for symbol := range market {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		if portfolio.HasPosition(symbol) {
			continue
		}
		bar := market[symbol]
		if !s.qualified(bar) {
			continue
		}
		score := s.resonanceScore(bar)
		if score >= s.params.MinResonanceScore {
			candidates = append(candidates, candidate{symbol: symbol, score: score, close: bar.Close})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].symbol < candidates[j].symbol
	})

	slots := s.params.MaxPositions - portfolio.PositionCount
	for i, c := range candidates {
		if i >= slots || slots <= 0 {
			break
		}
		signals = append(signals, s.BuySignal(c.symbol, c.close, s.params.TargetWeight, "resonance entry"))
	}

	return signals
}

// qualified applies the liquidity floor before any scoring.
func (s *Strategy) qualified(bar *types.DailyBar) bool {
	if bar == nil || bar.Suspended || bar.Close <= 0 {
		return false
	}
	return bar.Amount >= s.params.MinAmount
}

// resonanceScore blends trend alignment, RSI regime, volume surge and price
// position into a 0-11 score.
func (s *Strategy) resonanceScore(bar *types.DailyBar) float64 {
	if bar == nil || bar.Close <= 0 {
		return 0
	}

	var score float64

	ma5, ok5 := bar.Indicator("ma5")
	ma20, ok20 := bar.Indicator("ma20")
	if ok5 && ok20 && ma20 > 0 {
		// Bullish alignment: close above ma5 above ma20.
		if bar.Close > ma5 && ma5 > ma20 {
			score += 3
		} else if bar.Close > ma20 {
			score += 1.5
		}
		// Trend strength: ma5 pulling away from ma20.
		if (ma5-ma20)/ma20 > 0.02 {
			score += 1
		}
	}

	if rsi, ok := bar.Indicator("rsi"); ok {
		if rsi >= s.params.RSIFloor && rsi <= s.params.RSICeil {
			score += 2
		}
		if rsi >= 50 && rsi <= 70 {
			score += 1
		}
	}

	if volMA, ok := bar.Indicator("volume_ma20"); ok && volMA > 0 {
		ratio := bar.Volume / volMA
		if ratio >= s.params.VolumeSurgeRatio {
			score += 2
		} else if ratio >= 1 {
			score += 1
		}
	}

	// Price position inside the day's range; strong closes score.
	if bar.High > bar.Low {
		position := (bar.Close - bar.Low) / (bar.High - bar.Low)
		if position >= 0.7 {
			score += 2
		} else if position >= 0.5 {
			score += 1
		}
	}

	if score > 11 {
		score = 11
	}
	return score
}

// Info augments the base metadata with the strategy knobs.
func (s *Strategy) Info() backtest.StrategyInfo {
	info := s.BaseStrategy.Info()
	info.Parameters = map[string]interface{}{
		"index_code":          s.params.IndexCode,
		"max_positions":       s.params.MaxPositions,
		"target_weight":       s.params.TargetWeight,
		"min_resonance_score": s.params.MinResonanceScore,
		"exit_score":          s.params.ExitScore,
		"volume_surge_ratio":  s.params.VolumeSurgeRatio,
	}
	return info
}
