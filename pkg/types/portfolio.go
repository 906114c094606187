package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a single held symbol. Quantity is always positive while the
// position exists; a full sell removes it from the portfolio.
type Position struct {
	Symbol           string          `json:"symbol"`
	Quantity         int64           `json:"quantity"`
	AvgCost          decimal.Decimal `json:"avg_cost"`
	MarketValue      decimal.Decimal `json:"market_value"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPct float64         `json:"unrealized_pnl_pct"`
	EntryDate        string          `json:"entry_date"`
	LastUpdate       time.Time       `json:"last_update"`
}

// PortfolioSnapshot is the end-of-day portfolio state. Positions are cloned
// by value; later mutation of the live portfolio never reaches a snapshot.
type PortfolioSnapshot struct {
	Date             string              `json:"date"`
	TotalValue       decimal.Decimal     `json:"total_value"`
	Cash             decimal.Decimal     `json:"cash"`
	PositionsValue   decimal.Decimal     `json:"positions_value"`
	PositionCount    int                 `json:"position_count"`
	DailyReturn      float64             `json:"daily_return"`
	CumulativeReturn float64             `json:"cumulative_return"`
	Drawdown         float64             `json:"drawdown"`
	Positions        map[string]Position `json:"positions"`
}

// PortfolioSummary is the read-only view handed to strategies each day.
type PortfolioSummary struct {
	TotalValue         decimal.Decimal `json:"total_value"`
	Cash               decimal.Decimal `json:"cash"`
	PositionsValue     decimal.Decimal `json:"positions_value"`
	CashRatio          float64         `json:"cash_ratio"`
	PositionCount      int             `json:"position_count"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
	CumulativeReturn   float64         `json:"cumulative_return"`
	MaxDrawdown        float64         `json:"max_drawdown"`
	TotalTrades        int             `json:"total_trades"`
	WinningTrades      int             `json:"winning_trades"`
	LosingTrades       int             `json:"losing_trades"`
	WinRate            float64         `json:"win_rate"`
	Positions          map[string]Position `json:"positions"`
}

// HasPosition reports whether the summary holds the symbol.
func (s *PortfolioSummary) HasPosition(symbol string) bool {
	_, ok := s.Positions[symbol]
	return ok
}
