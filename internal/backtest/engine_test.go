package backtest

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/ashare-backtest/internal/marketdata"
	"github.com/mExOms/ashare-backtest/pkg/types"
)

// scriptedManager serves hand-built frames; the engine never notices it is
// not a real store.
type scriptedManager struct {
	frames map[string]*types.DailyFrame
	dates  []string
}

func (m *scriptedManager) LoadUniverse(_ context.Context, _ string) ([]string, error) {
	var symbols []string
	for s := range m.frames {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (m *scriptedManager) LoadSymbol(_ context.Context, symbol, _, _ string) (*types.DailyFrame, error) {
	frame, ok := m.frames[symbol]
	if !ok {
		return nil, fmt.Errorf("no frame for %s", symbol)
	}
	return frame, nil
}

func (m *scriptedManager) LoadMarket(_ context.Context, _ []string, _, _ string, _ int, _ marketdata.Scorer) (map[string]*types.DailyFrame, []string, error) {
	return m.frames, m.dates, nil
}

// scriptedStrategy replays a fixed signal script.
type scriptedStrategy struct {
	BaseStrategy
	signalsByDate map[string][]types.Signal
	panicOn       string
}

func newScriptedStrategy(signals map[string][]types.Signal) *scriptedStrategy {
	return &scriptedStrategy{
		BaseStrategy:  NewBaseStrategy("scripted", "test"),
		signalsByDate: signals,
	}
}

func (s *scriptedStrategy) GenerateSignals(date string, _ types.MarketDay, _ types.PortfolioSummary) []types.Signal {
	if date == s.panicOn {
		panic("scripted failure")
	}
	return s.signalsByDate[date]
}

// frameFromCloses builds a frame where each day's pre_close is the prior
// close.
func frameFromCloses(symbol string, dates []string, closes []float64) *types.DailyFrame {
	frame := &types.DailyFrame{Symbol: symbol, Bars: make(map[string]*types.DailyBar)}
	for i, date := range dates {
		preClose := closes[i]
		if i > 0 {
			preClose = closes[i-1]
		}
		frame.Dates = append(frame.Dates, date)
		frame.Bars[date] = &types.DailyBar{
			Open:     preClose,
			High:     maxF(closes[i], preClose) * 1.005,
			Low:      minF(closes[i], preClose) * 0.995,
			Close:    closes[i],
			PreClose: preClose,
			Volume:   2_000_000,
			Amount:   closes[i] * 2_000_000,
			Indicators: map[string]float64{
				"volume_ma20": 1_800_000,
			},
		}
	}
	return frame
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StartDate = "2024-01-15"
	cfg.EndDate = "2024-01-19"
	cfg.OutputDir = "" // no artifacts in unit tests
	return cfg
}

func runScripted(t *testing.T, cfg Config, manager marketdata.Manager, strategy Strategy) *Result {
	t.Helper()
	engine, err := NewEngine(cfg, manager)
	require.NoError(t, err)
	require.NoError(t, engine.SetStrategy(strategy))
	require.NoError(t, engine.LoadData(context.Background(), nil, 0))
	result, err := engine.Run()
	require.NoError(t, err)
	return result
}

func TestSingleProfitableRoundTrip(t *testing.T) {
	dates := []string{"2024-01-15", "2024-01-16", "2024-01-17"}
	manager := &scriptedManager{
		frames: map[string]*types.DailyFrame{
			"300001.SZ": frameFromCloses("300001.SZ", dates, []float64{10.00, 10.20, 11.50}),
		},
		dates: dates,
	}

	cfg := testConfig()
	cfg.EndDate = "2024-01-17"
	cfg.MaxSinglePositionPct = 1.0 // a deliberate half-portfolio position
	cfg.TakeProfitPct = 10        // keep risk exits out of this scenario
	cfg.Benchmark = ""

	strategy := newScriptedStrategy(map[string][]types.Signal{
		"2024-01-15": {{Action: "buy", Symbol: "300001.SZ", Price: 10.00, Weight: 0.5}},
		"2024-01-17": {{Action: "SELL", Symbol: "300001.SZ", Price: 11.50}},
	})

	result := runScripted(t, cfg, manager, strategy)

	require.Len(t, result.TradeLog, 2)
	buy, sell := result.TradeLog[0], result.TradeLog[1]

	// 500k target, net of the 3bp sizing haircut, floored to a lot.
	assert.Equal(t, int64(49_900), buy.Quantity)
	assert.Zero(t, buy.Quantity%100)
	assert.True(t, buy.Price.InexactFloat64() == 10.01, "buy price %s", buy.Price)

	assert.Equal(t, types.OrderSideSell, sell.Side)
	assert.Equal(t, int64(49_900), sell.Quantity)
	assert.InDelta(t, 11.49, sell.Price.InexactFloat64(), 1e-9) // 11.50 with sell slippage
	assert.True(t, sell.StampTax.IsPositive())
	assert.True(t, sell.Commission.GreaterThanOrEqual(decimal.NewFromInt(5)))

	// Position opened and closed; strong positive return; sane drawdowns.
	assert.Empty(t, result.Portfolio.Positions)
	require.Len(t, result.Snapshots, 3)
	assert.Greater(t, result.Snapshots[2].CumulativeReturn, 0.06)
	for _, s := range result.Snapshots {
		assert.LessOrEqual(t, s.Drawdown, 0.0)
		assert.True(t, s.TotalValue.Equal(s.Cash.Add(s.PositionsValue)))
	}
}

func TestLimitUpRejection(t *testing.T) {
	dates := []string{"2024-01-15"}
	manager := &scriptedManager{
		frames: map[string]*types.DailyFrame{
			"000001.SZ": frameFromCloses("000001.SZ", dates, []float64{11.00}),
		},
		dates: dates,
	}
	// Exactly +10% off a 10.00 pre_close.
	manager.frames["000001.SZ"].Bars["2024-01-15"].PreClose = 10.00

	cfg := testConfig()
	cfg.EndDate = "2024-01-16"
	cfg.Benchmark = ""

	strategy := newScriptedStrategy(map[string][]types.Signal{
		"2024-01-15": {{Action: "buy", Symbol: "000001.SZ", Price: 11.00, Weight: 0.1}},
	})

	result := runScripted(t, cfg, manager, strategy)

	assert.Empty(t, result.TradeLog)
	assert.Empty(t, result.Portfolio.Positions)
	assert.Equal(t, 1, result.Trading.TotalOrders)
	assert.Equal(t, 1, result.Trading.RejectedOrders)

	// Snapshot is untouched by the rejected order.
	require.Len(t, result.Snapshots, 1)
	assert.True(t, result.Snapshots[0].TotalValue.Equal(decimal.NewFromInt(1_000_000)))
	assert.Zero(t, result.Snapshots[0].CumulativeReturn)
}

func TestStopLossForcedSell(t *testing.T) {
	dates := []string{"2024-01-15", "2024-01-16"}
	manager := &scriptedManager{
		frames: map[string]*types.DailyFrame{
			"000001.SZ": frameFromCloses("000001.SZ", dates, []float64{10.00, 9.30}),
		},
		dates: dates,
	}

	cfg := testConfig()
	cfg.EndDate = "2024-01-16"
	cfg.MaxSinglePositionPct = 1.0
	cfg.Benchmark = ""

	// Buy day one; the strategy never sells. The -7% day two close forces
	// the stop-loss exit.
	strategy := newScriptedStrategy(map[string][]types.Signal{
		"2024-01-15": {{Action: "buy", Symbol: "000001.SZ", Price: 10.00, Weight: 0.3}},
	})

	result := runScripted(t, cfg, manager, strategy)

	require.Len(t, result.TradeLog, 2)
	sell := result.TradeLog[1]
	assert.Equal(t, types.OrderSideSell, sell.Side)
	assert.Equal(t, "2024-01-16", sell.TradeDate)
	assert.InDelta(t, 9.29, sell.Price.InexactFloat64(), 1e-9) // 9.30 with sell slippage

	assert.Empty(t, result.Portfolio.Positions)
	assert.Equal(t, 1, result.Portfolio.LosingTrades)
}

func TestDeterministicReplay(t *testing.T) {
	dates := []string{"2024-01-15", "2024-01-16", "2024-01-17", "2024-01-18"}
	newManager := func() *scriptedManager {
		return &scriptedManager{
			frames: map[string]*types.DailyFrame{
				"000001.SZ": frameFromCloses("000001.SZ", dates, []float64{10.00, 10.30, 10.10, 10.60}),
				"600000.SH": frameFromCloses("600000.SH", dates, []float64{20.00, 19.80, 20.50, 20.40}),
			},
			dates: dates,
		}
	}
	signals := func() map[string][]types.Signal {
		return map[string][]types.Signal{
			"2024-01-15": {
				{Action: "buy", Symbol: "000001.SZ", Price: 10.00, Weight: 0.08},
				{Action: "buy", Symbol: "600000.SH", Price: 20.00, Weight: 0.08},
			},
			"2024-01-17": {{Action: "sell", Symbol: "000001.SZ", Price: 10.10}},
		}
	}

	cfg := testConfig()
	cfg.EndDate = "2024-01-18"
	cfg.Benchmark = ""

	r1 := runScripted(t, cfg, newManager(), newScriptedStrategy(signals()))
	r2 := runScripted(t, cfg, newManager(), newScriptedStrategy(signals()))

	assert.Equal(t, r1.Snapshots, r2.Snapshots)
	assert.Equal(t, r1.TradeLog, r2.TradeLog)
}

func TestConcentrationForcedSell(t *testing.T) {
	dates := []string{"2024-01-15", "2024-01-16"}
	manager := &scriptedManager{
		frames: map[string]*types.DailyFrame{
			"000001.SZ": frameFromCloses("000001.SZ", dates, []float64{10.00, 10.05}),
			"600000.SH": frameFromCloses("600000.SH", dates, []float64{20.00, 20.05}),
		},
		dates: dates,
	}

	cfg := testConfig()
	cfg.EndDate = "2024-01-16"
	cfg.Benchmark = ""
	// Sizing is allowed to overshoot the 10% cap; the risk check catches it.

	strategy := newScriptedStrategy(map[string][]types.Signal{
		"2024-01-15": {
			{Action: "buy", Symbol: "000001.SZ", Price: 10.00, Weight: 0.2},
			{Action: "buy", Symbol: "600000.SH", Price: 20.00, Weight: 0.05},
		},
	})

	result := runScripted(t, cfg, manager, strategy)

	// Day two: the oversized position is force-sold back to compliance.
	require.Len(t, result.TradeLog, 3)
	forced := result.TradeLog[2]
	assert.Equal(t, types.OrderSideSell, forced.Side)
	assert.Equal(t, "000001.SZ", forced.Symbol)
	assert.Equal(t, "2024-01-16", forced.TradeDate)

	_, stillHeld := result.Portfolio.Positions["000001.SZ"]
	assert.False(t, stillHeld)
	_, kept := result.Portfolio.Positions["600000.SH"]
	assert.True(t, kept)
}

func TestZeroTradesRun(t *testing.T) {
	dates := []string{"2024-01-15", "2024-01-16"}
	manager := &scriptedManager{
		frames: map[string]*types.DailyFrame{
			"000001.SZ": frameFromCloses("000001.SZ", dates, []float64{10.00, 10.10}),
		},
		dates: dates,
	}

	cfg := testConfig()
	cfg.EndDate = "2024-01-16"
	cfg.Benchmark = ""

	result := runScripted(t, cfg, manager, newScriptedStrategy(nil))

	assert.Zero(t, result.Trading.TotalTrades)
	assert.Zero(t, result.Performance.Trades.TotalTrades)
	assert.Len(t, result.Snapshots, 2)
	assert.Zero(t, result.Snapshots[1].CumulativeReturn)
}

func TestEngineStateMachine(t *testing.T) {
	dates := []string{"2024-01-15"}
	manager := &scriptedManager{
		frames: map[string]*types.DailyFrame{
			"000001.SZ": frameFromCloses("000001.SZ", dates, []float64{10.00}),
		},
		dates: dates,
	}

	cfg := testConfig()
	cfg.EndDate = "2024-01-16"
	cfg.Benchmark = ""

	engine, err := NewEngine(cfg, manager)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, engine.State())

	// Run before strategy/data is an error.
	_, err = engine.Run()
	assert.Error(t, err)

	require.NoError(t, engine.SetStrategy(newScriptedStrategy(nil)))
	assert.Equal(t, StateReady, engine.State())

	_, err = engine.Run()
	assert.Error(t, err) // no data yet

	require.NoError(t, engine.LoadData(context.Background(), nil, 0))
	assert.Equal(t, StateArmed, engine.State())

	_, err = engine.Run()
	require.NoError(t, err)
	assert.Equal(t, StateDone, engine.State())

	engine.Reset()
	assert.Equal(t, StateIdle, engine.State())
	assert.Empty(t, engine.Snapshots())
	assert.Empty(t, engine.Trades())
}

func TestStrategyPanicAbortsRun(t *testing.T) {
	dates := []string{"2024-01-15", "2024-01-16"}
	manager := &scriptedManager{
		frames: map[string]*types.DailyFrame{
			"000001.SZ": frameFromCloses("000001.SZ", dates, []float64{10.00, 10.10}),
		},
		dates: dates,
	}

	cfg := testConfig()
	cfg.EndDate = "2024-01-16"
	cfg.Benchmark = ""

	strategy := newScriptedStrategy(nil)
	strategy.panicOn = "2024-01-16"

	engine, err := NewEngine(cfg, manager)
	require.NoError(t, err)
	require.NoError(t, engine.SetStrategy(strategy))
	require.NoError(t, engine.LoadData(context.Background(), nil, 0))

	_, err = engine.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2024-01-16")
	assert.Equal(t, StateErrored, engine.State())

	// The day before the failure completed and snapshotted.
	assert.Len(t, engine.Snapshots(), 1)
}

func TestRealtimeCallbackReceivesUpdates(t *testing.T) {
	dates := []string{"2024-01-15", "2024-01-16"}
	manager := &scriptedManager{
		frames: map[string]*types.DailyFrame{
			"000001.SZ": frameFromCloses("000001.SZ", dates, []float64{10.00, 10.10}),
		},
		dates: dates,
	}

	cfg := testConfig()
	cfg.EndDate = "2024-01-16"
	cfg.Benchmark = ""

	engine, err := NewEngine(cfg, manager)
	require.NoError(t, err)
	require.NoError(t, engine.SetStrategy(newScriptedStrategy(map[string][]types.Signal{
		"2024-01-15": {{Action: "buy", Symbol: "000001.SZ", Price: 10.00, Weight: 0.05}},
	})))
	require.NoError(t, engine.LoadData(context.Background(), nil, 0))

	var updates []RealtimeUpdate
	engine.SetRealtimeCallback(func(u RealtimeUpdate) {
		updates = append(updates, u)
	})

	_, err = engine.Run()
	require.NoError(t, err)

	require.Len(t, updates, 2)
	assert.Equal(t, "2024-01-15", updates[0].Date)
	assert.Equal(t, "2024-01-16", updates[1].Date)
	assert.NotEmpty(t, updates[0].RecentTrades)
}

func TestConfigValidation(t *testing.T) {
	valid := DefaultConfig()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"dates reversed", func(c *Config) { c.StartDate, c.EndDate = c.EndDate, c.StartDate }},
		{"equal dates", func(c *Config) { c.EndDate = c.StartDate }},
		{"bad date format", func(c *Config) { c.StartDate = "15/01/2024" }},
		{"non-positive cash", func(c *Config) { c.InitialCash = 0 }},
		{"position pct over 1", func(c *Config) { c.MaxSinglePositionPct = 1.5 }},
		{"position pct zero", func(c *Config) { c.MaxSinglePositionPct = 0 }},
		{"non-negative stop loss", func(c *Config) { c.StopLossPct = 0.06 }},
		{"non-positive take profit", func(c *Config) { c.TakeProfitPct = 0 }},
		{"weird frequency", func(c *Config) { c.DataFrequency = "tick" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
