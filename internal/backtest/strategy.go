package backtest

import (
	"github.com/mExOms/ashare-backtest/pkg/types"
)

// StrategyContext is handed to a strategy once, before the first trading day.
type StrategyContext struct {
	InitialCash float64
	StartDate   string
	EndDate     string
	Config      Config
}

// StrategyInfo is the strategy's self-describing metadata used by reporting.
type StrategyInfo struct {
	Name       string                 `json:"name"`
	Version    string                 `json:"version,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Counters   map[string]int         `json:"counters,omitempty"`
}

// Strategy is the interface the engine consumes. Implementations receive
// values only: mutating the market day, summary, or trade records they are
// handed is not allowed.
type Strategy interface {
	// Initialize is called once with the backtest context.
	Initialize(ctx StrategyContext) error

	// GenerateSignals returns the day's trading intentions. It must be pure
	// with respect to its arguments.
	GenerateSignals(date string, market types.MarketDay, portfolio types.PortfolioSummary) []types.Signal

	// OnTradeExecuted notifies the strategy of a fill.
	OnTradeExecuted(trade types.Trade)

	// Info returns reporting metadata.
	Info() StrategyInfo
}

// IndexCodeProvider is an optional strategy capability: the benchmark index
// whose members form the trading universe.
type IndexCodeProvider interface {
	IndexCode() string
}

// SelectionScorer is an optional strategy capability used by the data loader
// to rank the universe and keep the top-K symbols. Higher is better.
type SelectionScorer interface {
	ScoreForSelection(symbol string, bar *types.DailyBar) float64
}
