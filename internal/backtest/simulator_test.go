package backtest

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/ashare-backtest/pkg/types"
)

func testOrder(symbol string, side types.OrderSide, qty int64, price float64, date string) *types.Order {
	ts, _ := time.Parse("2006-01-02", date)
	return &types.Order{
		ID:        "ord-000001",
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Price:     decimal.NewFromFloat(price),
		Timestamp: ts,
		Status:    types.OrderStatusPending,
	}
}

func testBar(close, preClose float64) *types.DailyBar {
	return &types.DailyBar{
		Open:     preClose,
		High:     close * 1.01,
		Low:      preClose * 0.99,
		Close:    close,
		PreClose: preClose,
		Volume:   1_000_000,
		Amount:   close * 1_000_000,
	}
}

func TestLimitPrices(t *testing.T) {
	sim := NewTradingSimulator(DefaultTradingRule())

	up, down := sim.LimitPrices(10.00, false)
	assert.Equal(t, 11.00, up)
	assert.Equal(t, 9.00, down)

	up, down = sim.LimitPrices(10.00, true)
	assert.Equal(t, 10.50, up)
	assert.Equal(t, 9.50, down)

	// Rounded to the cent after the limit formula.
	up, down = sim.LimitPrices(9.87, false)
	assert.Equal(t, 10.86, up)
	assert.Equal(t, 8.88, down)
}

func TestValidateRejections(t *testing.T) {
	sim := NewTradingSimulator(DefaultTradingRule())
	sim.SetCalendar([]string{"2024-01-15"})

	market := types.MarketDay{"000001.SZ": testBar(10.00, 9.90)}

	tests := []struct {
		name   string
		order  *types.Order
		market types.MarketDay
		reason string
	}{
		{
			name:   "unknown symbol",
			order:  testOrder("999999.SZ", types.OrderSideBuy, 100, 10, "2024-01-15"),
			market: market,
			reason: RejectNoMarketData,
		},
		{
			name:   "non-trading day",
			order:  testOrder("000001.SZ", types.OrderSideBuy, 100, 10, "2024-01-13"),
			market: market,
			reason: RejectNonTradingDay,
		},
		{
			name:   "odd lot buy",
			order:  testOrder("000001.SZ", types.OrderSideBuy, 150, 10, "2024-01-15"),
			market: market,
			reason: RejectBuyUnit,
		},
		{
			name:   "zero qty buy",
			order:  testOrder("000001.SZ", types.OrderSideBuy, 0, 10, "2024-01-15"),
			market: market,
			reason: RejectNonPositive,
		},
		{
			name:   "zero qty sell",
			order:  testOrder("000001.SZ", types.OrderSideSell, 0, 10, "2024-01-15"),
			market: market,
			reason: RejectNonPositive,
		},
		{
			name:   "buy at limit-up",
			order:  testOrder("000001.SZ", types.OrderSideBuy, 100, 11, "2024-01-15"),
			market: types.MarketDay{"000001.SZ": testBar(11.00, 10.00)},
			reason: RejectLimitUp,
		},
		{
			name:   "sell at limit-down",
			order:  testOrder("000001.SZ", types.OrderSideSell, 100, 9, "2024-01-15"),
			market: types.MarketDay{"000001.SZ": testBar(9.00, 10.00)},
			reason: RejectLimitDown,
		},
		{
			name:  "suspended",
			order: testOrder("000001.SZ", types.OrderSideSell, 100, 10, "2024-01-15"),
			market: types.MarketDay{"000001.SZ": &types.DailyBar{
				Close: 10, PreClose: 9.9, Suspended: true,
			}},
			reason: RejectSuspended,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := sim.Validate(tt.order, tt.market)
			assert.False(t, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestValidateSTUsesTighterLimit(t *testing.T) {
	sim := NewTradingSimulator(DefaultTradingRule())
	sim.SetCalendar([]string{"2024-01-15"})

	// +6% is inside the regular band but beyond the ST +5% limit.
	market := types.MarketDay{"ST0001.SZ": testBar(10.60, 10.00)}
	ok, reason := sim.Validate(testOrder("ST0001.SZ", types.OrderSideBuy, 100, 10.60, "2024-01-15"), market)
	assert.False(t, ok)
	assert.Equal(t, RejectLimitUp, reason)
}

func TestApplySlippage(t *testing.T) {
	sim := NewTradingSimulator(DefaultTradingRule())

	assert.Equal(t, 10.01, sim.ApplySlippage(10.00, types.OrderSideBuy))
	assert.Equal(t, 9.99, sim.ApplySlippage(10.00, types.OrderSideSell))
}

func TestFees(t *testing.T) {
	sim := NewTradingSimulator(DefaultTradingRule())

	// Small trade: commission floored at 5.
	commission, stampTax, transferFee := sim.Fees("000001.SZ", types.OrderSideBuy, decimal.NewFromInt(10_000))
	assert.True(t, commission.Equal(decimal.NewFromInt(5)), "commission %s", commission)
	assert.True(t, stampTax.IsZero())
	assert.True(t, transferFee.IsZero())

	// Large sell on Shanghai: proportional commission, stamp tax, transfer fee.
	commission, stampTax, transferFee = sim.Fees("600000.SH", types.OrderSideSell, decimal.NewFromInt(1_000_000))
	assert.True(t, commission.Equal(decimal.NewFromInt(100)), "commission %s", commission)
	assert.True(t, stampTax.Equal(decimal.NewFromInt(1000)), "stamp tax %s", stampTax)
	assert.True(t, transferFee.Equal(decimal.NewFromInt(20)), "transfer fee %s", transferFee)

	// Small Shanghai trade: transfer fee floored at 1.
	_, _, transferFee = sim.Fees("600000.SH", types.OrderSideBuy, decimal.NewFromInt(10_000))
	assert.True(t, transferFee.Equal(decimal.NewFromInt(1)), "transfer fee %s", transferFee)
}

func TestExecuteBuy(t *testing.T) {
	sim := NewTradingSimulator(DefaultTradingRule())
	sim.SetCalendar([]string{"2024-01-15"})

	order := testOrder("000001.SZ", types.OrderSideBuy, 1000, 10.00, "2024-01-15")
	market := types.MarketDay{"000001.SZ": testBar(10.00, 9.90)}

	executed := sim.Execute(order, market)
	require.Equal(t, types.OrderStatusExecuted, executed.Status)
	assert.Equal(t, int64(1000), executed.ExecutedQty)
	assert.True(t, executed.ExecutedPrice.Equal(decimal.NewFromFloat(10.01)))

	// value = 10010, commission floored at 5, no stamp tax or transfer fee.
	assert.True(t, executed.Commission.Equal(decimal.NewFromInt(5)))
	assert.True(t, executed.StampTax.IsZero())
	assert.True(t, executed.TransferFee.IsZero())
	assert.True(t, executed.TotalCost.Equal(decimal.NewFromInt(10015)), "total cost %s", executed.TotalCost)
}

func TestExecuteSellShanghai(t *testing.T) {
	sim := NewTradingSimulator(DefaultTradingRule())
	sim.SetCalendar([]string{"2024-01-15"})

	order := testOrder("600000.SH", types.OrderSideSell, 1000, 10.00, "2024-01-15")
	market := types.MarketDay{"600000.SH": testBar(10.00, 10.10)}

	executed := sim.Execute(order, market)
	require.Equal(t, types.OrderStatusExecuted, executed.Status)
	assert.True(t, executed.ExecutedPrice.Equal(decimal.NewFromFloat(9.99)))

	// value = 9990; commission floored at 5; stamp tax 9.99; transfer fee floored at 1.
	assert.True(t, executed.Commission.Equal(decimal.NewFromInt(5)))
	assert.True(t, executed.StampTax.Equal(decimal.NewFromFloat(9.99)), "stamp tax %s", executed.StampTax)
	assert.True(t, executed.TransferFee.Equal(decimal.NewFromInt(1)))
	assert.True(t, executed.TotalCost.Equal(decimal.NewFromFloat(9974.01)), "total cost %s", executed.TotalCost)
}

func TestExecuteRejectedKeepsReason(t *testing.T) {
	sim := NewTradingSimulator(DefaultTradingRule())
	sim.SetCalendar([]string{"2024-01-15"})

	order := testOrder("000001.SZ", types.OrderSideBuy, 100, 11.00, "2024-01-15")
	market := types.MarketDay{"000001.SZ": testBar(11.00, 10.00)}

	executed := sim.Execute(order, market)
	assert.Equal(t, types.OrderStatusRejected, executed.Status)
	assert.Equal(t, RejectLimitUp, executed.RejectReason)
	assert.Zero(t, executed.ExecutedQty)
}
