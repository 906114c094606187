package bus

// TradeMessage is a wire-friendly trade record.
type TradeMessage struct {
	Date     string  `json:"date"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Value    float64 `json:"value"`
}

// DayUpdateMessage is the per-day portfolio state pushed on
// backtest.update.<run_id>.
type DayUpdateMessage struct {
	RunID            string         `json:"run_id"`
	Date             string         `json:"date"`
	TotalValue       float64        `json:"total_value"`
	Cash             float64        `json:"cash"`
	PositionsValue   float64        `json:"positions_value"`
	PositionCount    int            `json:"position_count"`
	DailyReturn      float64        `json:"daily_return"`
	CumulativeReturn float64        `json:"cumulative_return"`
	Drawdown         float64        `json:"drawdown"`
	RecentTrades     []TradeMessage `json:"recent_trades,omitempty"`
}

// RunDoneMessage marks the end of a run on backtest.done.<run_id>.
type RunDoneMessage struct {
	RunID       string  `json:"run_id"`
	TotalReturn float64 `json:"total_return"`
	MaxDrawdown float64 `json:"max_drawdown"`
	TotalTrades int     `json:"total_trades"`
	OutputDir   string  `json:"output_dir,omitempty"`
}
