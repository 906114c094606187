package backtest

import (
	"fmt"
	"time"
)

// DataFrequency supported by the engine. Daily is the only frequency the
// A-share simulator understands.
const DataFrequencyDaily = "daily"

// Config is the full backtest configuration. Validate before use.
type Config struct {
	InitialCash float64 `json:"initial_cash" mapstructure:"initial_cash"`
	StartDate   string  `json:"start_date" mapstructure:"start_date"`
	EndDate     string  `json:"end_date" mapstructure:"end_date"`

	// Fee & friction table, bit-exact A-share defaults.
	CommissionRate  float64 `json:"commission_rate" mapstructure:"commission_rate"`
	StampTaxRate    float64 `json:"stamp_tax_rate" mapstructure:"stamp_tax_rate"`
	MinCommission   float64 `json:"min_commission" mapstructure:"min_commission"`
	TransferFeeRate float64 `json:"transfer_fee_rate" mapstructure:"transfer_fee_rate"`
	SlippageRate    float64 `json:"slippage_rate" mapstructure:"slippage_rate"`

	DataFrequency string `json:"data_frequency" mapstructure:"data_frequency"`
	Benchmark     string `json:"benchmark" mapstructure:"benchmark"`

	// Risk limits. StopLossPct is configured as a negative fraction and
	// TakeProfitPct as a positive one; the portfolio works with magnitudes.
	MaxSinglePositionPct  float64 `json:"max_single_position_pct" mapstructure:"max_single_position_pct"`
	MaxTotalPositions     int     `json:"max_total_positions" mapstructure:"max_total_positions"`
	StopLossPct           float64 `json:"stop_loss_pct" mapstructure:"stop_loss_pct"`
	TakeProfitPct         float64 `json:"take_profit_pct" mapstructure:"take_profit_pct"`
	MaxDrawdownLimit      float64 `json:"max_drawdown_limit" mapstructure:"max_drawdown_limit"`
	MinHoldingTradingDays int     `json:"min_holding_trading_days" mapstructure:"min_holding_trading_days"`
	CashBufferPct         float64 `json:"cash_buffer_pct" mapstructure:"cash_buffer_pct"`
	MinPositionValue      float64 `json:"min_position_value" mapstructure:"min_position_value"`

	OutputDir       string `json:"output_dir" mapstructure:"output_dir"`
	SaveTrades      bool   `json:"save_trades" mapstructure:"save_trades"`
	SavePositions   bool   `json:"save_positions" mapstructure:"save_positions"`
	SavePerformance bool   `json:"save_performance" mapstructure:"save_performance"`
	RenderCharts    bool   `json:"render_charts" mapstructure:"render_charts"`

	// Seed drives every sampling helper (universe selection, synthetic
	// benchmark). Identical seed + inputs must replay bit-identically.
	Seed int64 `json:"seed" mapstructure:"seed"`
}

// DefaultConfig returns the baseline A-share configuration.
func DefaultConfig() Config {
	return Config{
		InitialCash:     1_000_000,
		StartDate:       "2023-01-01",
		EndDate:         "2024-01-01",
		CommissionRate:  0.0001,
		StampTaxRate:    0.001,
		MinCommission:   5.0,
		TransferFeeRate: 0.00002,
		SlippageRate:    0.001,
		DataFrequency:   DataFrequencyDaily,
		Benchmark:       "000300.SH",

		MaxSinglePositionPct:  0.10,
		MaxTotalPositions:     20,
		StopLossPct:           -0.06,
		TakeProfitPct:         0.12,
		MaxDrawdownLimit:      0.20,
		MinHoldingTradingDays: 0,
		CashBufferPct:         0.05,
		MinPositionValue:      10_000,

		OutputDir:       "./output",
		SaveTrades:      true,
		SavePositions:   true,
		SavePerformance: true,
		Seed:            42,
	}
}

// Validate checks the configuration, returning the first violation found.
func (c *Config) Validate() error {
	start, err := time.Parse("2006-01-02", c.StartDate)
	if err != nil {
		return fmt.Errorf("invalid start_date %q: %w", c.StartDate, err)
	}
	end, err := time.Parse("2006-01-02", c.EndDate)
	if err != nil {
		return fmt.Errorf("invalid end_date %q: %w", c.EndDate, err)
	}
	if !start.Before(end) {
		return fmt.Errorf("start_date %s must be before end_date %s", c.StartDate, c.EndDate)
	}
	if c.InitialCash <= 0 {
		return fmt.Errorf("initial_cash must be positive, got %.2f", c.InitialCash)
	}
	if c.MaxSinglePositionPct <= 0 || c.MaxSinglePositionPct > 1 {
		return fmt.Errorf("max_single_position_pct must be in (0,1], got %.4f", c.MaxSinglePositionPct)
	}
	if c.MaxTotalPositions <= 0 {
		return fmt.Errorf("max_total_positions must be positive, got %d", c.MaxTotalPositions)
	}
	if c.StopLossPct >= 0 {
		return fmt.Errorf("stop_loss_pct must be negative, got %.4f", c.StopLossPct)
	}
	if c.TakeProfitPct <= 0 {
		return fmt.Errorf("take_profit_pct must be positive, got %.4f", c.TakeProfitPct)
	}
	if c.DataFrequency != "" && c.DataFrequency != DataFrequencyDaily {
		return fmt.Errorf("unsupported data_frequency %q", c.DataFrequency)
	}
	return nil
}

// State is the engine lifecycle state.
type State string

const (
	StateIdle    State = "IDLE"
	StateReady   State = "READY"
	StateArmed   State = "ARMED"
	StateRunning State = "RUNNING"
	StateDone    State = "DONE"
	StateErrored State = "ERRORED"
)
