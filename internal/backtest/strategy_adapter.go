package backtest

import (
	"github.com/sirupsen/logrus"

	"github.com/mExOms/ashare-backtest/pkg/types"
)

// BaseStrategy carries the bookkeeping every concrete strategy needs: the
// backtest context, held-symbol tracking from fill notifications, and signal
// counters. Concrete strategies embed it and implement GenerateSignals.
type BaseStrategy struct {
	Name    string
	Version string

	Ctx      StrategyContext
	Held     map[string]int64 // symbol -> shares, maintained from fills
	counters map[string]int

	Log *logrus.Entry
}

// NewBaseStrategy creates the embedded base for a named strategy.
func NewBaseStrategy(name, version string) BaseStrategy {
	return BaseStrategy{
		Name:     name,
		Version:  version,
		Held:     make(map[string]int64),
		counters: make(map[string]int),
		Log:      logrus.WithField("strategy", name),
	}
}

// Initialize stores the context. Embedders that override must call through.
func (b *BaseStrategy) Initialize(ctx StrategyContext) error {
	b.Ctx = ctx
	if b.Held == nil {
		b.Held = make(map[string]int64)
	}
	if b.counters == nil {
		b.counters = make(map[string]int)
	}
	return nil
}

// OnTradeExecuted maintains the held-share map and fill counters.
func (b *BaseStrategy) OnTradeExecuted(trade types.Trade) {
	if trade.Side == types.OrderSideBuy {
		b.Held[trade.Symbol] += trade.Quantity
		b.Count("buys_filled")
	} else {
		b.Held[trade.Symbol] -= trade.Quantity
		if b.Held[trade.Symbol] <= 0 {
			delete(b.Held, trade.Symbol)
		}
		b.Count("sells_filled")
	}
}

// Count increments a named strategy counter.
func (b *BaseStrategy) Count(name string) {
	b.counters[name]++
}

// Info returns the strategy metadata with the live counters.
func (b *BaseStrategy) Info() StrategyInfo {
	return StrategyInfo{
		Name:     b.Name,
		Version:  b.Version,
		Counters: b.counters,
	}
}

// BuySignal builds a weighted buy signal.
func (b *BaseStrategy) BuySignal(symbol string, price, weight float64, reason string) types.Signal {
	b.Count("buy_signals")
	return types.Signal{Action: "buy", Symbol: symbol, Price: price, Weight: weight, Reason: reason}
}

// SellSignal builds a full-position sell signal.
func (b *BaseStrategy) SellSignal(symbol string, price float64, reason string) types.Signal {
	b.Count("sell_signals")
	return types.Signal{Action: "sell", Symbol: symbol, Price: price, Reason: reason}
}
