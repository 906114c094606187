package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTradingDatesSkipsWeekends(t *testing.T) {
	dates := TradingDates("2024-01-15", "2024-01-21") // Mon..Sun
	assert.Equal(t, []string{"2024-01-15", "2024-01-16", "2024-01-17", "2024-01-18", "2024-01-19"}, dates)

	for _, d := range dates {
		parsed, err := time.Parse("2006-01-02", d)
		require.NoError(t, err)
		assert.NotEqual(t, time.Saturday, parsed.Weekday())
		assert.NotEqual(t, time.Sunday, parsed.Weekday())
	}

	assert.Nil(t, TradingDates("2024-01-21", "2024-01-15"))
}

func TestGenerateFrameDeterministic(t *testing.T) {
	dates := TradingDates("2024-01-01", "2024-03-01")

	f1 := GenerateFrame("000001.SZ", dates, 42)
	f2 := GenerateFrame("000001.SZ", dates, 42)
	assert.Equal(t, f1, f2)

	// Different symbols diverge under the same seed.
	f3 := GenerateFrame("600000.SH", dates, 42)
	assert.NotEqual(t, f1.Bars[dates[10]].Close, f3.Bars[dates[10]].Close)
}

func TestGenerateFrameShape(t *testing.T) {
	dates := TradingDates("2024-01-01", "2024-02-01")
	frame := GenerateFrame("000001.SZ", dates, 42)

	require.Equal(t, len(dates), frame.Len())
	prevClose := 0.0
	for i, d := range frame.Dates {
		bar := frame.Bars[d]
		assert.Positive(t, bar.Close)
		assert.GreaterOrEqual(t, bar.High, bar.Low)
		assert.Positive(t, bar.Volume)
		if i > 0 {
			assert.Equal(t, prevClose, bar.PreClose, "pre_close chains on %s", d)
		}
		prevClose = bar.Close

		_, hasMA5 := bar.Indicator("ma5")
		assert.True(t, hasMA5)
		rsi, hasRSI := bar.Indicator("rsi")
		assert.True(t, hasRSI)
		assert.GreaterOrEqual(t, rsi, 0.0)
		assert.LessOrEqual(t, rsi, 100.0)
	}
}

func TestSyntheticManager(t *testing.T) {
	m := NewSyntheticManager(42)
	ctx := context.Background()

	universe, err := m.LoadUniverse(ctx, "000510.CSI")
	require.NoError(t, err)
	assert.NotEmpty(t, universe)

	_, err = m.LoadUniverse(ctx, "nope")
	assert.Error(t, err)

	frames, dates, err := m.LoadMarket(ctx, universe, "2024-01-15", "2024-02-15", 5, nil)
	require.NoError(t, err)
	assert.Len(t, frames, 5)
	assert.NotEmpty(t, dates)

	frame, err := m.LoadSymbol(ctx, "000001.SZ", "2024-01-15", "2024-02-15")
	require.NoError(t, err)
	assert.Equal(t, len(dates), frame.Len())
}
