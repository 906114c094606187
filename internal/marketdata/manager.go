package marketdata

import (
	"context"
	"fmt"

	"github.com/mExOms/ashare-backtest/pkg/types"
)

// Scorer ranks a symbol for universe selection from its most recent bar.
// Higher is better.
type Scorer func(symbol string, bar *types.DailyBar) float64

// Manager is the data-access contract the backtest core depends on. The core
// never touches storage directly; any store that materializes daily frames
// can sit behind this interface.
type Manager interface {
	// LoadUniverse returns the ordered member symbols of an index.
	LoadUniverse(ctx context.Context, indexCode string) ([]string, error)

	// LoadSymbol returns one symbol's daily frame for the window.
	LoadSymbol(ctx context.Context, symbol, start, end string) (*types.DailyFrame, error)

	// LoadMarket returns frames for up to maxSymbols symbols plus the
	// trading calendar of the window. When scorer is non-nil the universe is
	// ranked by it and the top symbols kept; otherwise selection falls back
	// to stratified sampling by code prefix.
	LoadMarket(ctx context.Context, symbols []string, start, end string, maxSymbols int, scorer Scorer) (map[string]*types.DailyFrame, []string, error)
}

// BarOn returns the bar for symbol on date, or the most recent bar on or
// before date when the exact date is missing. Nil when the symbol is absent
// or has no bar yet.
func BarOn(symbol, date string, market map[string]*types.DailyFrame) *types.DailyBar {
	frame, ok := market[symbol]
	if !ok {
		return nil
	}
	return frame.BarOn(date)
}

// QualityReport is the advisory output of a market-data quality check.
type QualityReport struct {
	OverallQuality  string   `json:"overall_quality"`
	AvgQualityScore float64  `json:"avg_quality_score"`
	Issues          []string `json:"issues"`
}

// ValidateQuality scores each frame on completeness: presence of bars,
// positive closes, and populated volume. Purely advisory.
func ValidateQuality(market map[string]*types.DailyFrame) QualityReport {
	report := QualityReport{OverallQuality: "good"}
	if len(market) == 0 {
		report.OverallQuality = "empty"
		return report
	}

	var total float64
	for symbol, frame := range market {
		score := 100.0
		if frame.Len() == 0 {
			score = 0
			report.Issues = append(report.Issues, fmt.Sprintf("%s: no bars", symbol))
			total += score
			continue
		}
		badClose, zeroVolume := 0, 0
		for _, d := range frame.Dates {
			bar := frame.Bars[d]
			if bar == nil || bar.Close <= 0 {
				badClose++
				continue
			}
			if bar.Volume == 0 && !bar.Suspended {
				zeroVolume++
			}
		}
		if badClose > 0 {
			score -= float64(badClose) / float64(frame.Len()) * 100
			report.Issues = append(report.Issues, fmt.Sprintf("%s: %d bars with non-positive close", symbol, badClose))
		}
		if zeroVolume > 0 {
			score -= float64(zeroVolume) / float64(frame.Len()) * 20
			report.Issues = append(report.Issues, fmt.Sprintf("%s: %d bars with zero volume", symbol, zeroVolume))
		}
		if score < 0 {
			score = 0
		}
		total += score
	}

	report.AvgQualityScore = total / float64(len(market))
	switch {
	case report.AvgQualityScore >= 90:
		report.OverallQuality = "good"
	case report.AvgQualityScore >= 70:
		report.OverallQuality = "fair"
	default:
		report.OverallQuality = "poor"
	}
	return report
}
