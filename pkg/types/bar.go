package types

import "sort"

// DailyBar is one symbol's daily OHLCV record plus any precomputed indicators
// (ma5, ma20, rsi, macd, boll_upper, kdj_k, volume_ma20, turnover_rate, ...).
// Indicator values are looked up by name; absent keys mean the factor was not
// materialized for that day.
type DailyBar struct {
	Open      float64            `json:"open"`
	High      float64            `json:"high"`
	Low       float64            `json:"low"`
	Close     float64            `json:"close"`
	PreClose  float64            `json:"pre_close"`
	Volume    float64            `json:"volume"`
	Amount    float64            `json:"amount"`
	Suspended bool               `json:"suspended,omitempty"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
}

// Indicator returns the named precomputed factor and whether it is present.
func (b *DailyBar) Indicator(name string) (float64, bool) {
	if b.Indicators == nil {
		return 0, false
	}
	v, ok := b.Indicators[name]
	return v, ok
}

// MarketDay maps symbol to its bar for a single trading day.
type MarketDay map[string]*DailyBar

// DailyFrame is a dated, ascending sequence of bars for one symbol.
type DailyFrame struct {
	Symbol string               `json:"symbol"`
	Dates  []string             `json:"dates"` // "2006-01-02", ascending
	Bars   map[string]*DailyBar `json:"bars"`
}

// BarOn returns the bar for date, or the most recent bar on or before date
// when the exact date is missing. Returns nil when no bar qualifies.
func (f *DailyFrame) BarOn(date string) *DailyBar {
	if f == nil || len(f.Dates) == 0 {
		return nil
	}
	if b, ok := f.Bars[date]; ok {
		return b
	}
	// First index with Dates[i] > date; the bar before it is the answer.
	i := sort.SearchStrings(f.Dates, date)
	if i >= len(f.Dates) || f.Dates[i] != date {
		if i == 0 {
			return nil
		}
		return f.Bars[f.Dates[i-1]]
	}
	return f.Bars[date]
}

// Len returns the number of trading days in the frame.
func (f *DailyFrame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Dates)
}
