package backtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/ashare-backtest/internal/marketdata"
	"github.com/mExOms/ashare-backtest/pkg/types"
)

// recentTradeWindow is how many trailing trades a realtime update carries.
const recentTradeWindow = 10

// RealtimeUpdate is the per-day payload handed to the realtime callback
// after the snapshot commits. Everything in it is a value copy; the receiver
// cannot reach engine state through it.
type RealtimeUpdate struct {
	Date         string                  `json:"date"`
	Portfolio    types.PortfolioSummary  `json:"portfolio"`
	Snapshot     types.PortfolioSnapshot `json:"snapshot"`
	RecentTrades []types.Trade           `json:"recent_trades"`
}

// RealtimeCallback receives the day's state after each snapshot. It runs
// synchronously inside the engine loop and must not block for long.
type RealtimeCallback func(update RealtimeUpdate)

// Result is the complete outcome of one backtest run.
type Result struct {
	RunID        string                    `json:"run_id"`
	Config       Config                    `json:"backtest_config"`
	SymbolCount  int                       `json:"symbol_count"`
	TradingDays  int                       `json:"trading_days"`
	StrategyInfo StrategyInfo              `json:"strategy_info"`
	Performance  PerformanceReport         `json:"performance_report"`
	Portfolio    types.PortfolioSummary    `json:"portfolio_summary"`
	Trading      TradingSummary            `json:"trading_summary"`
	ChartData    ChartData                 `json:"chart_data"`
	Snapshots    []types.PortfolioSnapshot `json:"-"`
	TradeLog     []types.Trade             `json:"-"`
	OutputDir    string                    `json:"output_dir,omitempty"`
}

// EngineStatus is a point-in-time view of a run.
type EngineStatus struct {
	State           State   `json:"state"`
	IsRunning       bool    `json:"is_running"`
	CurrentDate     string  `json:"current_date"`
	CurrentDayIndex int     `json:"current_day_index"`
	TotalDays       int     `json:"total_trading_days"`
	PortfolioValue  float64 `json:"portfolio_value"`
	Cash            float64 `json:"cash"`
	PositionCount   int     `json:"position_count"`
	TotalTrades     int     `json:"total_trades"`
}

// Engine orchestrates the per-trading-day loop. It exclusively owns all
// mutable state; subcomponents are private and strategies only ever see
// value copies.
type Engine struct {
	config      Config
	dataManager marketdata.Manager

	simulator *TradingSimulator
	orders    *OrderManager
	portfolio *PortfolioManager
	analyzer  *PerformanceAnalyzer

	strategy Strategy

	state          State
	currentDate    string
	dayIndex       int
	tradingDates   []string
	marketData     map[string]*types.DailyFrame
	benchmarkFrame *types.DailyFrame

	realtimeCallback RealtimeCallback

	runID string
	log   *logrus.Entry
}

// NewEngine validates the config and assembles the engine with its
// subcomponents and fee table.
func NewEngine(config Config, dataManager marketdata.Manager) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	rule := DefaultTradingRule()
	rule.CommissionRate = config.CommissionRate
	rule.MinCommission = config.MinCommission
	rule.StampTaxRate = config.StampTaxRate
	rule.TransferFeeRate = config.TransferFeeRate
	rule.SlippageRate = config.SlippageRate

	simulator := NewTradingSimulator(rule)
	orders := NewOrderManager(simulator)
	portfolio := NewPortfolioManager(config.InitialCash)
	portfolio.UpdateConfig(PortfolioConfig{
		MaxSinglePositionPct:  config.MaxSinglePositionPct,
		MaxTotalPositions:     config.MaxTotalPositions,
		StopLossPct:           absFloat(config.StopLossPct),
		TakeProfitPct:         config.TakeProfitPct,
		MaxDrawdownLimit:      absFloat(config.MaxDrawdownLimit),
		MinHoldingTradingDays: config.MinHoldingTradingDays,
		CashBufferPct:         config.CashBufferPct,
		MinPositionValue:      config.MinPositionValue,
	})

	if config.OutputDir != "" {
		if err := os.MkdirAll(config.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	runID := uuid.New().String()[:8]
	e := &Engine{
		config:      config,
		dataManager: dataManager,
		simulator:   simulator,
		orders:      orders,
		portfolio:   portfolio,
		analyzer:    NewPerformanceAnalyzer(),
		state:       StateIdle,
		runID:       runID,
		log:         logrus.WithFields(logrus.Fields{"component": "backtest-engine", "run": runID}),
	}

	e.log.WithField("initial_cash", config.InitialCash).Info("engine initialized")
	return e, nil
}

// SetStrategy installs the strategy and initializes it with the backtest
// context. Moves the engine from IDLE to READY.
func (e *Engine) SetStrategy(strategy Strategy) error {
	ctx := StrategyContext{
		InitialCash: e.config.InitialCash,
		StartDate:   e.config.StartDate,
		EndDate:     e.config.EndDate,
		Config:      e.config,
	}
	if err := strategy.Initialize(ctx); err != nil {
		return fmt.Errorf("strategy initialize: %w", err)
	}
	e.strategy = strategy
	e.state = StateReady
	e.log.WithField("strategy", strategy.Info().Name).Info("strategy set")
	return nil
}

// SetRealtimeCallback installs the optional per-day emitter.
func (e *Engine) SetRealtimeCallback(cb RealtimeCallback) {
	e.realtimeCallback = cb
}

// LoadData materializes frames and the trading calendar through the data
// manager. Symbols defaults to the strategy's index universe. Moves the
// engine to ARMED.
func (e *Engine) LoadData(ctx context.Context, symbols []string, maxSymbols int) error {
	if e.strategy == nil {
		return fmt.Errorf("set a strategy before loading data")
	}

	if len(symbols) == 0 {
		indexCode := "000510.CSI"
		if p, ok := e.strategy.(IndexCodeProvider); ok {
			indexCode = p.IndexCode()
			e.log.WithField("index", indexCode).Info("strategy selected universe index")
		}
		universe, err := e.dataManager.LoadUniverse(ctx, indexCode)
		if err != nil {
			return fmt.Errorf("load universe %s: %w", indexCode, err)
		}
		symbols = universe
	}

	var scorer marketdata.Scorer
	if s, ok := e.strategy.(SelectionScorer); ok {
		scorer = s.ScoreForSelection
		e.log.Info("strategy scoring enabled for symbol selection")
	}

	market, dates, err := e.dataManager.LoadMarket(ctx, symbols, e.config.StartDate, e.config.EndDate, maxSymbols, scorer)
	if err != nil {
		return fmt.Errorf("load market data: %w", err)
	}
	if len(market) == 0 || len(dates) == 0 {
		return fmt.Errorf("no market data for %s ~ %s", e.config.StartDate, e.config.EndDate)
	}

	e.marketData = market
	e.tradingDates = dates
	e.simulator.SetCalendar(dates)

	if e.config.Benchmark != "" {
		frame, err := e.dataManager.LoadSymbol(ctx, e.config.Benchmark, e.config.StartDate, e.config.EndDate)
		if err != nil {
			e.log.WithError(err).Warn("benchmark unavailable, will fall back to simulated series")
		} else {
			e.benchmarkFrame = frame
		}
	}

	quality := marketdata.ValidateQuality(market)
	e.log.WithFields(logrus.Fields{
		"symbols":      len(market),
		"trading_days": len(dates),
		"quality":      quality.OverallQuality,
		"score":        quality.AvgQualityScore,
	}).Info("data loaded")
	for i, issue := range quality.Issues {
		if i >= 5 {
			break
		}
		e.log.WithField("issue", issue).Warn("data quality")
	}

	e.state = StateArmed
	return nil
}

// Run executes the full backtest loop and returns the compiled result.
// Strategy panics are logged with the date and surfaced as errors; the
// engine transitions to ERRORED and stops.
func (e *Engine) Run() (*Result, error) {
	if e.strategy == nil {
		return nil, fmt.Errorf("no strategy set")
	}
	if len(e.marketData) == 0 || len(e.tradingDates) == 0 {
		return nil, fmt.Errorf("no data loaded")
	}

	e.state = StateRunning
	e.log.Info("backtest started")

	for i, date := range e.tradingDates {
		e.currentDate = date
		e.dayIndex = i

		if (i+1)%50 == 0 {
			e.log.WithFields(logrus.Fields{
				"progress": fmt.Sprintf("%.1f%%", float64(i+1)/float64(len(e.tradingDates))*100),
				"day":      fmt.Sprintf("%d/%d", i+1, len(e.tradingDates)),
			}).Info("backtest progress")
		}

		if err := e.processDay(date); err != nil {
			e.state = StateErrored
			e.log.WithField("date", date).WithError(err).Error("backtest aborted")
			return nil, fmt.Errorf("day %s: %w", date, err)
		}
	}

	result, err := e.buildResult()
	if err != nil {
		e.state = StateErrored
		return nil, err
	}

	e.state = StateDone
	e.log.Info("backtest complete")
	return result, nil
}

// processDay runs the strict per-day sequence: mark-to-market, risk check,
// forced sells, strategy signals, order execution, trade application,
// snapshot, callback.
func (e *Engine) processDay(date string) error {
	market := e.projectMarketDay(date)

	e.portfolio.MarkToMarket(market, date)

	violations := e.portfolio.RiskCheck(market, date)

	// Forced sells are queued before the strategy runs so the summary it
	// sees is consistent; one forced sell per symbol per day, stop-loss
	// winning over later violations for the same symbol.
	forced := make(map[string]struct{})
	ts := mustDate(date)
	for _, v := range violations {
		if v.Symbol == PortfolioSymbol {
			e.log.WithField("reason", v.Kind).Warn("portfolio risk limit breached")
			continue
		}
		if _, done := forced[v.Symbol]; done {
			continue
		}
		pos := e.portfolio.Position(v.Symbol)
		bar, ok := market[v.Symbol]
		if pos == nil || pos.Quantity <= 0 || !ok {
			continue
		}
		e.orders.CreateOrder(v.Symbol, types.OrderSideSell, pos.Quantity, decimal.NewFromFloat(bar.Close), ts)
		forced[v.Symbol] = struct{}{}
		e.log.WithFields(logrus.Fields{
			"symbol": v.Symbol,
			"kind":   v.Kind,
		}).Warn("forced sell queued")
	}

	signals, err := e.generateSignals(date, market)
	if err != nil {
		return err
	}
	for _, signal := range signals {
		e.processSignal(signal, ts)
	}

	trades := e.orders.ExecutePending(date, market)

	for _, trade := range trades {
		e.portfolio.ApplyTrade(trade)
		if err := e.notifyTrade(trade); err != nil {
			return err
		}
	}

	snapshot := e.portfolio.Snapshot(date)

	if e.realtimeCallback != nil {
		all := e.orders.Trades()
		recent := all
		if len(recent) > recentTradeWindow {
			recent = recent[len(recent)-recentTradeWindow:]
		}
		e.realtimeCallback(RealtimeUpdate{
			Date:         date,
			Portfolio:    e.portfolio.Summary(),
			Snapshot:     snapshot,
			RecentTrades: append([]types.Trade(nil), recent...),
		})
	}

	return nil
}

// projectMarketDay projects the loaded frames into the day's bar map,
// carrying each symbol's most recent bar on or before the date.
func (e *Engine) projectMarketDay(date string) types.MarketDay {
	market := make(types.MarketDay, len(e.marketData))
	for symbol, frame := range e.marketData {
		if bar := frame.BarOn(date); bar != nil {
			market[symbol] = bar
		}
	}
	return market
}

// generateSignals calls the strategy with panic protection: a panicking
// strategy terminates the run rather than corrupting state.
func (e *Engine) generateSignals(date string, market types.MarketDay) (signals []types.Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panic in GenerateSignals: %v", r)
		}
	}()
	signals = e.strategy.GenerateSignals(date, market, e.portfolio.Summary())
	return signals, nil
}

func (e *Engine) notifyTrade(trade types.Trade) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panic in OnTradeExecuted: %v", r)
		}
	}()
	e.strategy.OnTradeExecuted(trade)
	return nil
}

// processSignal translates one strategy signal into an order, applying the
// portfolio gates: buys need capacity and a non-zero sized lot, sells need
// an existing position and are capped at the held quantity.
func (e *Engine) processSignal(signal types.Signal, ts time.Time) {
	if signal.Price <= 0 {
		e.log.WithField("symbol", signal.Symbol).Debug("signal dropped: non-positive price")
		return
	}

	switch {
	case signal.IsBuy():
		if signal.Weight < 0 || signal.Weight > 1 {
			e.log.WithField("symbol", signal.Symbol).Debug("signal dropped: weight out of range")
			return
		}
		if !e.portfolio.CanOpenNew() {
			e.log.WithField("symbol", signal.Symbol).Debug("buy skipped: cannot open new position")
			return
		}
		weight := signal.Weight
		if weight == 0 {
			weight = e.config.MaxSinglePositionPct
		}
		qty := e.portfolio.SizePosition(signal.Symbol, weight, signal.Price)
		if qty <= 0 {
			return
		}
		e.orders.CreateOrder(signal.Symbol, types.OrderSideBuy, qty, decimal.NewFromFloat(signal.Price), ts)

	case signal.IsSell():
		pos := e.portfolio.Position(signal.Symbol)
		if pos == nil || pos.Quantity <= 0 {
			return
		}
		qty := signal.Quantity
		if qty <= 0 || qty > pos.Quantity {
			qty = pos.Quantity
		}
		e.orders.CreateOrder(signal.Symbol, types.OrderSideSell, qty, decimal.NewFromFloat(signal.Price), ts)

	default:
		e.log.WithField("action", signal.Action).Debug("signal dropped: unknown action")
	}
}

// buildResult compiles the run outcome and persists artifacts under
// output/<strategy>/<timestamp>/.
func (e *Engine) buildResult() (*Result, error) {
	snapshots := e.portfolio.Snapshots()
	trades := e.orders.Trades()
	info := e.strategy.Info()

	benchmark := BenchmarkFromFrame(e.config.Benchmark, e.benchmarkFrame, e.tradingDates)
	if benchmark == nil {
		benchmark = SimulatedBenchmark(e.config.Benchmark, e.tradingDates, e.config.Seed)
	}

	result := &Result{
		RunID:        e.runID,
		Config:       e.config,
		SymbolCount:  len(e.marketData),
		TradingDays:  len(e.tradingDates),
		StrategyInfo: info,
		Performance:  e.analyzer.GenerateReport(snapshots, trades, info.Name, benchmark, time.Now()),
		Portfolio:    e.portfolio.Summary(),
		Trading:      e.orders.Summary(),
		ChartData:    e.analyzer.GenerateChartData(snapshots, benchmark),
		Snapshots:    snapshots,
		TradeLog:     trades,
	}

	if e.config.OutputDir != "" {
		dir := filepath.Join(e.config.OutputDir, info.Name, time.Now().Format("20060102_150405"))
		if err := SaveArtifacts(result, dir); err != nil {
			return nil, fmt.Errorf("save artifacts: %w", err)
		}
		result.OutputDir = dir
		e.log.WithField("dir", dir).Info("artifacts saved")
	}

	return result, nil
}

// Status returns the engine's point-in-time view.
func (e *Engine) Status() EngineStatus {
	totalF, _ := e.portfolio.TotalValue().Float64()
	cashF, _ := e.portfolio.Cash().Float64()
	return EngineStatus{
		State:           e.state,
		IsRunning:       e.state == StateRunning,
		CurrentDate:     e.currentDate,
		CurrentDayIndex: e.dayIndex,
		TotalDays:       len(e.tradingDates),
		PortfolioValue:  totalF,
		Cash:            cashF,
		PositionCount:   len(e.portfolio.Positions()),
		TotalTrades:     len(e.orders.Trades()),
	}
}

// RunID returns this engine instance's run identifier.
func (e *Engine) RunID() string {
	return e.runID
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	return e.state
}

// Snapshots exposes the snapshot history (append-only, shared by reference).
func (e *Engine) Snapshots() []types.PortfolioSnapshot {
	return e.portfolio.Snapshots()
}

// Trades exposes the trade log (append-only, shared by reference).
func (e *Engine) Trades() []types.Trade {
	return e.orders.Trades()
}

// Reset clears snapshots, orders and positions and returns to IDLE. The
// loaded market data is kept; call LoadData again to replace it.
func (e *Engine) Reset() {
	e.portfolio.Reset()
	e.orders.Reset()
	e.strategy = nil
	e.currentDate = ""
	e.dayIndex = 0
	e.state = StateIdle
	e.log.Info("engine reset")
}

// RunStrategyBacktest is the one-call convenience wrapper: build the engine,
// set the strategy, load data, run.
func RunStrategyBacktest(ctx context.Context, config Config, dataManager marketdata.Manager, strategy Strategy, symbols []string, maxSymbols int) (*Result, error) {
	engine, err := NewEngine(config, dataManager)
	if err != nil {
		return nil, err
	}
	if err := engine.SetStrategy(strategy); err != nil {
		return nil, err
	}
	if err := engine.LoadData(ctx, symbols, maxSymbols); err != nil {
		return nil, err
	}
	return engine.Run()
}
