package backtest

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/ashare-backtest/pkg/types"
)

func buyTrade(symbol string, qty int64, price float64, date string) types.Trade {
	p := decimal.NewFromFloat(price)
	value := p.Mul(decimal.NewFromInt(qty))
	commission := decimal.NewFromInt(5)
	return types.Trade{
		ID: "trd-test", Symbol: symbol, Side: types.OrderSideBuy,
		Quantity: qty, Price: p, Commission: commission,
		NetAmount: value.Add(commission).Neg(), TradeDate: date,
	}
}

func sellTrade(symbol string, qty int64, price float64, date string) types.Trade {
	p := decimal.NewFromFloat(price)
	value := p.Mul(decimal.NewFromInt(qty))
	commission := decimal.NewFromInt(5)
	stampTax := value.Mul(decimal.NewFromFloat(0.001))
	return types.Trade{
		ID: "trd-test", Symbol: symbol, Side: types.OrderSideSell,
		Quantity: qty, Price: p, Commission: commission, StampTax: stampTax,
		NetAmount: value.Sub(commission).Sub(stampTax), TradeDate: date,
	}
}

func TestApplyTradeBuyAveragesCost(t *testing.T) {
	pm := NewPortfolioManager(1_000_000)

	pm.ApplyTrade(buyTrade("000001.SZ", 1000, 10.00, "2024-01-15"))
	pos := pm.Position("000001.SZ")
	require.NotNil(t, pos)
	assert.Equal(t, int64(1000), pos.Quantity)
	assert.True(t, pos.AvgCost.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "2024-01-15", pos.EntryDate)

	// Adding at a higher price shifts the weighted average.
	pm.ApplyTrade(buyTrade("000001.SZ", 1000, 12.00, "2024-01-16"))
	pos = pm.Position("000001.SZ")
	assert.Equal(t, int64(2000), pos.Quantity)
	assert.True(t, pos.AvgCost.Equal(decimal.NewFromInt(11)), "avg cost %s", pos.AvgCost)
	// Entry date is the first buy's date.
	assert.Equal(t, "2024-01-15", pos.EntryDate)
}

func TestApplyTradePartialSellKeepsAvgCost(t *testing.T) {
	pm := NewPortfolioManager(1_000_000)

	pm.ApplyTrade(buyTrade("000001.SZ", 1000, 10.00, "2024-01-15"))
	pm.ApplyTrade(sellTrade("000001.SZ", 400, 11.00, "2024-01-16"))

	pos := pm.Position("000001.SZ")
	require.NotNil(t, pos)
	assert.Equal(t, int64(600), pos.Quantity)
	assert.True(t, pos.AvgCost.Equal(decimal.NewFromInt(10)))

	summary := pm.Summary()
	assert.Equal(t, 1, summary.WinningTrades)
}

func TestApplyTradeFullSellClosesPosition(t *testing.T) {
	pm := NewPortfolioManager(1_000_000)

	pm.ApplyTrade(buyTrade("000001.SZ", 1000, 10.00, "2024-01-15"))
	pm.ApplyTrade(sellTrade("000001.SZ", 1000, 9.00, "2024-01-16"))

	assert.Nil(t, pm.Position("000001.SZ"))
	summary := pm.Summary()
	assert.Equal(t, 1, summary.LosingTrades)
	assert.Equal(t, 0, summary.WinningTrades)
}

func TestCashFollowsNetAmount(t *testing.T) {
	pm := NewPortfolioManager(100_000)

	trade := buyTrade("000001.SZ", 1000, 10.00, "2024-01-15")
	pm.ApplyTrade(trade)

	want := decimal.NewFromInt(100_000).Add(trade.NetAmount)
	assert.True(t, pm.Cash().Equal(want), "cash %s", pm.Cash())
}

func TestMarkToMarketIdempotent(t *testing.T) {
	pm := NewPortfolioManager(1_000_000)
	pm.ApplyTrade(buyTrade("000001.SZ", 1000, 10.00, "2024-01-15"))

	market := types.MarketDay{"000001.SZ": testBar(10.50, 10.00)}
	pm.MarkToMarket(market, "2024-01-16")

	pos := pm.Position("000001.SZ")
	firstMV := pos.MarketValue
	firstPnL := pos.UnrealizedPnL
	assert.True(t, firstMV.Equal(decimal.NewFromInt(10500)))
	assert.True(t, firstPnL.Equal(decimal.NewFromInt(500)))
	assert.InDelta(t, 0.05, pos.UnrealizedPnLPct, 1e-9)

	pm.MarkToMarket(market, "2024-01-16")
	pos = pm.Position("000001.SZ")
	assert.True(t, pos.MarketValue.Equal(firstMV))
	assert.True(t, pos.UnrealizedPnL.Equal(firstPnL))
}

func TestRiskCheckStopLoss(t *testing.T) {
	pm := NewPortfolioManager(1_000_000)
	pm.ApplyTrade(buyTrade("000001.SZ", 1000, 10.00, "2024-01-15"))

	market := types.MarketDay{"000001.SZ": testBar(9.30, 9.50)} // -7%
	pm.MarkToMarket(market, "2024-01-16")

	violations := pm.RiskCheck(market, "2024-01-16")
	require.NotEmpty(t, violations)
	assert.Equal(t, "000001.SZ", violations[0].Symbol)
	assert.Equal(t, RiskStopLoss, violations[0].Kind)
}

func TestRiskCheckTakeProfit(t *testing.T) {
	pm := NewPortfolioManager(1_000_000)
	pm.ApplyTrade(buyTrade("000001.SZ", 1000, 10.00, "2024-01-15"))

	market := types.MarketDay{"000001.SZ": testBar(11.30, 11.00)} // +13%
	pm.MarkToMarket(market, "2024-01-16")

	violations := pm.RiskCheck(market, "2024-01-16")
	require.NotEmpty(t, violations)
	assert.Equal(t, RiskTakeProfit, violations[0].Kind)
}

func TestRiskCheckConcentration(t *testing.T) {
	pm := NewPortfolioManager(100_000)
	pm.ApplyTrade(buyTrade("000001.SZ", 2000, 10.00, "2024-01-15"))

	// Position worth ~20k of a ~100k portfolio: over the 10% cap, inside
	// the stop/take band.
	market := types.MarketDay{"000001.SZ": testBar(10.10, 10.00)}
	pm.MarkToMarket(market, "2024-01-16")

	violations := pm.RiskCheck(market, "2024-01-16")
	require.NotEmpty(t, violations)
	assert.Equal(t, RiskConcentration, violations[0].Kind)
}

func TestRiskCheckMinHoldingBlocksExit(t *testing.T) {
	pm := NewPortfolioManager(1_000_000)
	cfg := DefaultPortfolioConfig()
	cfg.MinHoldingTradingDays = 3
	pm.UpdateConfig(cfg)

	pm.NoteTradingDay("2024-01-15")
	pm.ApplyTrade(buyTrade("000001.SZ", 1000, 10.00, "2024-01-15"))

	// -7% the next day: stop-loss would fire, but the position is too young.
	market := types.MarketDay{"000001.SZ": testBar(9.30, 9.50)}
	pm.MarkToMarket(market, "2024-01-16")
	violations := pm.RiskCheck(market, "2024-01-16")
	assert.Empty(t, violations)

	// -10% breaches 1.5x the stop-loss line: emergency exit allowed.
	market = types.MarketDay{"000001.SZ": testBar(9.00, 9.30)}
	pm.MarkToMarket(market, "2024-01-17")
	violations = pm.RiskCheck(market, "2024-01-17")
	require.NotEmpty(t, violations)
	assert.Equal(t, RiskEmergencyStop, violations[0].Kind)
}

func TestSnapshotInvariants(t *testing.T) {
	pm := NewPortfolioManager(1_000_000)
	pm.ApplyTrade(buyTrade("000001.SZ", 1000, 10.00, "2024-01-15"))

	market := types.MarketDay{"000001.SZ": testBar(10.00, 9.90)}
	pm.MarkToMarket(market, "2024-01-15")
	s1 := pm.Snapshot("2024-01-15")

	// Cash conservation.
	assert.True(t, s1.TotalValue.Equal(s1.Cash.Add(s1.PositionsValue)))
	// Cumulative return identity.
	totalF, _ := s1.TotalValue.Float64()
	assert.InDelta(t, (totalF-1_000_000)/1_000_000, s1.CumulativeReturn, 1e-12)
	// First snapshot has zero daily return.
	assert.Zero(t, s1.DailyReturn)
	assert.LessOrEqual(t, s1.Drawdown, 0.0)

	// Day 2: price falls, drawdown goes negative.
	market = types.MarketDay{"000001.SZ": testBar(9.50, 10.00)}
	pm.MarkToMarket(market, "2024-01-16")
	s2 := pm.Snapshot("2024-01-16")
	assert.Negative(t, s2.DailyReturn)
	assert.Negative(t, s2.Drawdown)
	assert.True(t, s2.TotalValue.Equal(s2.Cash.Add(s2.PositionsValue)))

	// Snapshots clone positions by value: later mutation is invisible.
	pm.ApplyTrade(sellTrade("000001.SZ", 1000, 9.50, "2024-01-17"))
	assert.Equal(t, int64(1000), s2.Positions["000001.SZ"].Quantity)
}

func TestSizePosition(t *testing.T) {
	pm := NewPortfolioManager(1_000_000)

	// 10% of 1M = 100k, minus 30 estimated commission, at 10.00 -> 9900 shares.
	qty := pm.SizePosition("000001.SZ", 0.10, 10.00)
	assert.Equal(t, int64(9900), qty)
	assert.Zero(t, qty%100)

	assert.Zero(t, pm.SizePosition("000001.SZ", 0.10, 0))
	assert.Zero(t, pm.SizePosition("000001.SZ", 0, 10.00))
	// Tiny weight sizes to zero after the lot floor.
	assert.Zero(t, pm.SizePosition("000001.SZ", 0.000001, 10.00))
}

func TestCanOpenNew(t *testing.T) {
	pm := NewPortfolioManager(1_000_000)
	assert.True(t, pm.CanOpenNew())

	cfg := DefaultPortfolioConfig()
	cfg.MaxTotalPositions = 1
	pm.UpdateConfig(cfg)
	pm.ApplyTrade(buyTrade("000001.SZ", 100, 10.00, "2024-01-15"))
	assert.False(t, pm.CanOpenNew())

	// Cash below the buffered minimum also refuses.
	pm2 := NewPortfolioManager(10_000)
	assert.False(t, pm2.CanOpenNew())
}

func TestReset(t *testing.T) {
	pm := NewPortfolioManager(1_000_000)
	pm.ApplyTrade(buyTrade("000001.SZ", 1000, 10.00, "2024-01-15"))
	pm.Snapshot("2024-01-15")

	pm.Reset()
	assert.True(t, pm.Cash().Equal(decimal.NewFromInt(1_000_000)))
	assert.Empty(t, pm.Positions())
	assert.Empty(t, pm.Snapshots())
}
