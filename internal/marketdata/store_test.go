package marketdata

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/ashare-backtest/pkg/types"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "bars.db"), 42)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteFrameRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	dates := TradingDates("2024-01-15", "2024-01-19")
	frame := GenerateFrame("000001.SZ", dates, 42)
	require.NoError(t, store.SaveFrame(ctx, frame))

	loaded, err := store.LoadSymbol(ctx, "000001.SZ", "2024-01-15", "2024-01-19")
	require.NoError(t, err)
	assert.Equal(t, frame.Dates, loaded.Dates)

	for _, d := range frame.Dates {
		want, got := frame.Bars[d], loaded.Bars[d]
		assert.Equal(t, want.Close, got.Close, "close on %s", d)
		assert.Equal(t, want.PreClose, got.PreClose, "pre_close on %s", d)
		assert.Equal(t, want.Indicators["ma5"], got.Indicators["ma5"], "ma5 on %s", d)
	}
}

func TestSQLiteLoadSymbolMissing(t *testing.T) {
	store := openTestStore(t)
	_, err := store.LoadSymbol(context.Background(), "999999.SZ", "2024-01-01", "2024-12-31")
	assert.Error(t, err)
}

func TestSQLiteUniverse(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	symbols := []string{"600000.SH", "000001.SZ", "300750.SZ"}
	require.NoError(t, store.SaveUniverse(ctx, "000300.SH", symbols))

	loaded, err := store.LoadUniverse(ctx, "000300.SH")
	require.NoError(t, err)
	// Rank order preserved.
	assert.Equal(t, symbols, loaded)

	_, err = store.LoadUniverse(ctx, "999999.CSI")
	assert.Error(t, err)
}

func TestSQLiteLoadMarket(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	dates := TradingDates("2024-01-15", "2024-02-15")
	require.NoError(t, store.SaveCalendar(ctx, dates))

	symbols := []string{"000001.SZ", "000002.SZ", "600000.SH", "600036.SH"}
	for _, s := range symbols {
		require.NoError(t, store.SaveFrame(ctx, GenerateFrame(s, dates, 42)))
	}

	frames, gotDates, err := store.LoadMarket(ctx, symbols, "2024-01-15", "2024-02-15", 2, nil)
	require.NoError(t, err)
	assert.Len(t, frames, 2)
	assert.Equal(t, dates, gotDates)

	// Scored selection keeps the top closes.
	scorer := func(_ string, bar *types.DailyBar) float64 { return bar.Close }
	frames, _, err = store.LoadMarket(ctx, symbols, "2024-01-15", "2024-02-15", 3, scorer)
	require.NoError(t, err)
	assert.Len(t, frames, 3)
}

func TestStratifiedSampleDeterministic(t *testing.T) {
	symbols := []string{
		"000001.SZ", "000002.SZ", "000333.SZ",
		"300001.SZ", "300750.SZ",
		"600000.SH", "600036.SH", "600519.SH",
	}

	s1 := StratifiedSample(symbols, 4, 42)
	s2 := StratifiedSample(symbols, 4, 42)
	assert.Equal(t, s1, s2)
	assert.Len(t, s1, 4)

	// Every prefix group contributes before any group doubles up.
	prefixes := map[string]int{}
	for _, s := range s1 {
		prefixes[s[:3]]++
	}
	assert.GreaterOrEqual(t, len(prefixes), 3)

	// Asking for everything returns everything.
	all := StratifiedSample(symbols, 100, 42)
	assert.Len(t, all, len(symbols))
}

func TestTopKByScore(t *testing.T) {
	dates := []string{"2024-01-15"}
	frames := map[string]*types.DailyFrame{
		"A.SZ": {Symbol: "A.SZ", Dates: dates, Bars: map[string]*types.DailyBar{dates[0]: {Close: 5}}},
		"B.SZ": {Symbol: "B.SZ", Dates: dates, Bars: map[string]*types.DailyBar{dates[0]: {Close: 9}}},
		"C.SH": {Symbol: "C.SH", Dates: dates, Bars: map[string]*types.DailyBar{dates[0]: {Close: 7}}},
	}

	top := TopKByScore(frames, func(_ string, bar *types.DailyBar) float64 { return bar.Close }, 2)
	assert.Equal(t, []string{"B.SZ", "C.SH"}, top)
}

func TestValidateQuality(t *testing.T) {
	dates := TradingDates("2024-01-15", "2024-01-19")
	good := GenerateFrame("000001.SZ", dates, 42)

	report := ValidateQuality(map[string]*types.DailyFrame{"000001.SZ": good})
	assert.Equal(t, "good", report.OverallQuality)
	assert.Empty(t, report.Issues)

	bad := &types.DailyFrame{Symbol: "000002.SZ"}
	report = ValidateQuality(map[string]*types.DailyFrame{"000002.SZ": bad})
	assert.NotEqual(t, "good", report.OverallQuality)
	assert.NotEmpty(t, report.Issues)
}
