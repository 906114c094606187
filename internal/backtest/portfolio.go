package backtest

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/ashare-backtest/pkg/types"
)

// Risk violation kinds surfaced by the portfolio risk check.
const (
	RiskStopLoss      = "stop_loss"
	RiskTakeProfit    = "take_profit"
	RiskConcentration = "concentration"
	RiskMaxDrawdown   = "max_drawdown"
	RiskEmergencyStop = "emergency_stop"
)

// PortfolioSymbol is the pseudo-symbol used for portfolio-level violations.
const PortfolioSymbol = "PORTFOLIO"

// RiskViolation names one limit breach. The engine turns position-level
// violations into forced sells; portfolio-level ones are advisory.
type RiskViolation struct {
	Symbol string `json:"symbol"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// PortfolioConfig holds the risk limits as magnitudes.
type PortfolioConfig struct {
	MaxSinglePositionPct  float64
	MaxTotalPositions     int
	StopLossPct           float64
	TakeProfitPct         float64
	MaxDrawdownLimit      float64
	MinHoldingTradingDays int
	CashBufferPct         float64
	MinPositionValue      float64
}

// DefaultPortfolioConfig returns the baseline risk limits.
func DefaultPortfolioConfig() PortfolioConfig {
	return PortfolioConfig{
		MaxSinglePositionPct:  0.10,
		MaxTotalPositions:     20,
		StopLossPct:           0.06,
		TakeProfitPct:         0.12,
		MaxDrawdownLimit:      0.20,
		MinHoldingTradingDays: 0,
		CashBufferPct:         0.05,
		MinPositionValue:      10_000,
	}
}

// PortfolioManager owns cash, positions, the snapshot history and the risk
// limit checks. None of its operations fail; they only refuse.
type PortfolioManager struct {
	initialCash decimal.Decimal
	cash        decimal.Decimal
	positions   map[string]*types.Position
	snapshots   []types.PortfolioSnapshot

	cfg PortfolioConfig

	maxPortfolioValue decimal.Decimal
	maxDrawdown       float64
	totalTrades       int
	winningTrades     int
	losingTrades      int

	// Trading days seen by the engine, in order. Drives the
	// min-holding-trading-days check.
	tradingDates   []string
	tradingDateIdx map[string]int

	log *logrus.Entry
}

// NewPortfolioManager creates a portfolio with the given starting cash.
func NewPortfolioManager(initialCash float64) *PortfolioManager {
	cash := decimal.NewFromFloat(initialCash)
	return &PortfolioManager{
		initialCash:       cash,
		cash:              cash,
		positions:         make(map[string]*types.Position),
		cfg:               DefaultPortfolioConfig(),
		maxPortfolioValue: cash,
		tradingDateIdx:    make(map[string]int),
		log:               logrus.WithField("component", "portfolio-manager"),
	}
}

// UpdateConfig replaces the risk limits.
func (pm *PortfolioManager) UpdateConfig(cfg PortfolioConfig) {
	pm.cfg = cfg
	pm.log.WithFields(logrus.Fields{
		"max_single_position": cfg.MaxSinglePositionPct,
		"max_positions":       cfg.MaxTotalPositions,
		"stop_loss":           cfg.StopLossPct,
		"take_profit":         cfg.TakeProfitPct,
	}).Info("portfolio config updated")
}

// NoteTradingDay records a trading day in engine order. Idempotent per day.
func (pm *PortfolioManager) NoteTradingDay(date string) {
	if _, ok := pm.tradingDateIdx[date]; ok {
		return
	}
	pm.tradingDateIdx[date] = len(pm.tradingDates)
	pm.tradingDates = append(pm.tradingDates, date)
}

// ApplyTrade settles one trade into cash and positions.
func (pm *PortfolioManager) ApplyTrade(trade types.Trade) {
	if trade.Side == types.OrderSideBuy {
		pm.applyBuy(trade)
	} else {
		pm.applySell(trade)
	}

	pm.cash = pm.cash.Add(trade.NetAmount)
	pm.totalTrades++

	pm.log.WithFields(logrus.Fields{
		"side":   trade.Side,
		"symbol": trade.Symbol,
		"qty":    trade.Quantity,
		"price":  trade.Price.StringFixed(2),
		"cash":   pm.cash.StringFixed(2),
	}).Info("trade applied")
}

func (pm *PortfolioManager) applyBuy(trade types.Trade) {
	qty := decimal.NewFromInt(trade.Quantity)

	if pos, ok := pm.positions[trade.Symbol]; ok {
		oldQty := decimal.NewFromInt(pos.Quantity)
		totalCost := oldQty.Mul(pos.AvgCost).Add(qty.Mul(trade.Price))
		pos.Quantity += trade.Quantity
		pos.AvgCost = totalCost.Div(decimal.NewFromInt(pos.Quantity))
		pos.LastUpdate = mustDate(trade.TradeDate)
		return
	}

	pm.positions[trade.Symbol] = &types.Position{
		Symbol:      trade.Symbol,
		Quantity:    trade.Quantity,
		AvgCost:     trade.Price,
		MarketValue: qty.Mul(trade.Price),
		EntryDate:   trade.TradeDate,
		LastUpdate:  mustDate(trade.TradeDate),
	}
}

func (pm *PortfolioManager) applySell(trade types.Trade) {
	pos, ok := pm.positions[trade.Symbol]
	if !ok {
		pm.log.WithField("symbol", trade.Symbol).Error("sell for symbol not held")
		return
	}

	if trade.Quantity >= pos.Quantity {
		realized := trade.Price.Sub(pos.AvgCost).Mul(decimal.NewFromInt(pos.Quantity))
		pm.countRealized(realized)
		delete(pm.positions, trade.Symbol)
		pm.log.WithFields(logrus.Fields{
			"symbol":   trade.Symbol,
			"realized": realized.StringFixed(2),
		}).Info("position closed")
		return
	}

	pos.Quantity -= trade.Quantity
	pos.LastUpdate = mustDate(trade.TradeDate)
	realized := trade.Price.Sub(pos.AvgCost).Mul(decimal.NewFromInt(trade.Quantity))
	pm.countRealized(realized)
}

func (pm *PortfolioManager) countRealized(pnl decimal.Decimal) {
	if pnl.IsPositive() {
		pm.winningTrades++
	} else {
		pm.losingTrades++
	}
}

// MarkToMarket revalues every held position against the day's bars.
// Applying the same MarketDay twice is a no-op.
func (pm *PortfolioManager) MarkToMarket(market types.MarketDay, date string) {
	for symbol, pos := range pm.positions {
		bar, ok := market[symbol]
		if !ok {
			continue
		}
		close := decimal.NewFromFloat(bar.Close)
		qty := decimal.NewFromInt(pos.Quantity)

		pos.MarketValue = qty.Mul(close)
		pos.UnrealizedPnL = close.Sub(pos.AvgCost).Mul(qty)
		costBasis := pos.AvgCost.Mul(qty)
		if costBasis.IsPositive() {
			pos.UnrealizedPnLPct, _ = pos.UnrealizedPnL.Div(costBasis).Float64()
		} else {
			pos.UnrealizedPnLPct = 0
		}
		pos.LastUpdate = mustDate(date)
	}
}

// RiskCheck scans positions against the risk limits and returns the
// violations in symbol order. Stop-loss is checked before take-profit, so
// when both would trigger on the same bar only the stop-loss emits.
// Positions younger than MinHoldingTradingDays are exempt unless the loss
// reaches 1.5x the stop-loss line.
func (pm *PortfolioManager) RiskCheck(market types.MarketDay, date string) []RiskViolation {
	var violations []RiskViolation

	pm.NoteTradingDay(date)

	totalValue := pm.TotalValue()
	totalValueF, _ := totalValue.Float64()

	symbols := make([]string, 0, len(pm.positions))
	for s := range pm.positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		pos := pm.positions[symbol]
		bar, ok := market[symbol]
		if !ok {
			continue
		}

		pnlPct := 0.0
		avgCost, _ := pos.AvgCost.Float64()
		if avgCost > 0 {
			pnlPct = (bar.Close - avgCost) / avgCost
		}

		if pm.cfg.MinHoldingTradingDays > 0 {
			held := pm.holdingTradingDays(pos, date)
			if held < pm.cfg.MinHoldingTradingDays {
				if pnlPct <= -1.5*pm.cfg.StopLossPct {
					violations = append(violations, RiskViolation{
						Symbol: symbol,
						Kind:   RiskEmergencyStop,
						Reason: "severe loss before minimum holding period",
					})
				}
				// Too young for regular risk exits.
				continue
			}
		}

		switch {
		case pnlPct <= -pm.cfg.StopLossPct:
			violations = append(violations, RiskViolation{Symbol: symbol, Kind: RiskStopLoss, Reason: "stop-loss triggered"})
		case pnlPct >= pm.cfg.TakeProfitPct:
			violations = append(violations, RiskViolation{Symbol: symbol, Kind: RiskTakeProfit, Reason: "take-profit triggered"})
		}

		if totalValueF > 0 {
			mv, _ := pos.MarketValue.Float64()
			if mv/totalValueF > pm.cfg.MaxSinglePositionPct {
				violations = append(violations, RiskViolation{Symbol: symbol, Kind: RiskConcentration, Reason: "single-position limit exceeded"})
			}
		}
	}

	if absFloat(pm.maxDrawdown) > pm.cfg.MaxDrawdownLimit {
		violations = append(violations, RiskViolation{Symbol: PortfolioSymbol, Kind: RiskMaxDrawdown, Reason: "max drawdown limit exceeded"})
	}

	return violations
}

// holdingTradingDays counts trading days since entry using the dates the
// engine has fed in. Falls back to a 5/7 natural-day estimate when either
// date is unknown.
func (pm *PortfolioManager) holdingTradingDays(pos *types.Position, current string) int {
	entryIdx, okEntry := pm.tradingDateIdx[pos.EntryDate]
	currentIdx, okCurrent := pm.tradingDateIdx[current]
	if okEntry && okCurrent {
		if d := currentIdx - entryIdx; d > 0 {
			return d
		}
		return 0
	}

	entry, err1 := time.Parse("2006-01-02", pos.EntryDate)
	now, err2 := time.Parse("2006-01-02", current)
	if err1 != nil || err2 != nil {
		return 0
	}
	days := int(now.Sub(entry).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days * 5 / 7
}

// Snapshot commits the end-of-day state: totals, running peak, drawdown,
// daily return, and a by-value clone of every position.
func (pm *PortfolioManager) Snapshot(date string) types.PortfolioSnapshot {
	positionsValue := pm.positionsValue()
	totalValue := pm.cash.Add(positionsValue)

	totalF, _ := totalValue.Float64()
	initialF, _ := pm.initialCash.Float64()
	cumulative := 0.0
	if initialF > 0 {
		cumulative = (totalF - initialF) / initialF
	}

	daily := 0.0
	if n := len(pm.snapshots); n > 0 {
		prevF, _ := pm.snapshots[n-1].TotalValue.Float64()
		if prevF > 0 {
			daily = (totalF - prevF) / prevF
		}
	}

	if totalValue.GreaterThan(pm.maxPortfolioValue) {
		pm.maxPortfolioValue = totalValue
	}
	peakF, _ := pm.maxPortfolioValue.Float64()
	drawdown := 0.0
	if peakF > 0 {
		drawdown = (totalF - peakF) / peakF
	}
	if drawdown < pm.maxDrawdown {
		pm.maxDrawdown = drawdown
	}

	clone := make(map[string]types.Position, len(pm.positions))
	for s, p := range pm.positions {
		clone[s] = *p
	}

	snapshot := types.PortfolioSnapshot{
		Date:             date,
		TotalValue:       totalValue,
		Cash:             pm.cash,
		PositionsValue:   positionsValue,
		PositionCount:    len(pm.positions),
		DailyReturn:      daily,
		CumulativeReturn: cumulative,
		Drawdown:         drawdown,
		Positions:        clone,
	}

	pm.snapshots = append(pm.snapshots, snapshot)
	return snapshot
}

// SizePosition converts a target weight into a share count: the target value
// net of an estimated 3bp commission, floored to a 100-share lot.
func (pm *PortfolioManager) SizePosition(symbol string, targetWeight, price float64) int64 {
	if price <= 0 || targetWeight <= 0 {
		return 0
	}
	totalF, _ := pm.TotalValue().Float64()
	targetValue := totalF * targetWeight
	available := targetValue - targetValue*0.0003
	if available <= 0 {
		return 0
	}
	shares := int64(available/price/100) * 100
	if shares < 0 {
		return 0
	}
	return shares
}

// AvailableCashForNewPosition returns spendable cash after the buffer.
func (pm *PortfolioManager) AvailableCashForNewPosition() float64 {
	cashF, _ := pm.cash.Float64()
	available := cashF * (1 - pm.cfg.CashBufferPct)
	if available < 0 {
		return 0
	}
	return available
}

// CanOpenNew reports whether a new position may be opened: below the count
// limit and with enough buffered cash for a minimum-size position.
func (pm *PortfolioManager) CanOpenNew() bool {
	if len(pm.positions) >= pm.cfg.MaxTotalPositions {
		return false
	}
	return pm.AvailableCashForNewPosition() >= pm.cfg.MinPositionValue
}

// TotalValue returns cash plus position market values.
func (pm *PortfolioManager) TotalValue() decimal.Decimal {
	return pm.cash.Add(pm.positionsValue())
}

func (pm *PortfolioManager) positionsValue() decimal.Decimal {
	v := decimal.Zero
	for _, pos := range pm.positions {
		v = v.Add(pos.MarketValue)
	}
	return v
}

// Cash returns the current cash balance.
func (pm *PortfolioManager) Cash() decimal.Decimal {
	return pm.cash
}

// Position returns the held position for symbol, or nil.
func (pm *PortfolioManager) Position(symbol string) *types.Position {
	return pm.positions[symbol]
}

// Positions returns a by-value copy of all held positions.
func (pm *PortfolioManager) Positions() map[string]types.Position {
	out := make(map[string]types.Position, len(pm.positions))
	for s, p := range pm.positions {
		out[s] = *p
	}
	return out
}

// Snapshots returns the snapshot history in date order.
func (pm *PortfolioManager) Snapshots() []types.PortfolioSnapshot {
	return pm.snapshots
}

// MaxDrawdown returns the worst drawdown seen so far (non-positive).
func (pm *PortfolioManager) MaxDrawdown() float64 {
	return pm.maxDrawdown
}

// Summary builds the read-only view handed to strategies.
func (pm *PortfolioManager) Summary() types.PortfolioSummary {
	positionsValue := pm.positionsValue()
	totalValue := pm.cash.Add(positionsValue)
	totalF, _ := totalValue.Float64()
	cashF, _ := pm.cash.Float64()
	initialF, _ := pm.initialCash.Float64()

	pnl := decimal.Zero
	for _, pos := range pm.positions {
		pnl = pnl.Add(pos.UnrealizedPnL)
	}

	cashRatio := 1.0
	if totalF > 0 {
		cashRatio = cashF / totalF
	}
	cumulative := 0.0
	if initialF > 0 {
		cumulative = (totalF - initialF) / initialF
	}

	closed := pm.winningTrades + pm.losingTrades
	winRate := 0.0
	if closed > 0 {
		winRate = float64(pm.winningTrades) / float64(closed)
	}

	return types.PortfolioSummary{
		TotalValue:         totalValue,
		Cash:               pm.cash,
		PositionsValue:     positionsValue,
		CashRatio:          cashRatio,
		PositionCount:      len(pm.positions),
		TotalUnrealizedPnL: pnl,
		CumulativeReturn:   cumulative,
		MaxDrawdown:        pm.maxDrawdown,
		TotalTrades:        pm.totalTrades,
		WinningTrades:      pm.winningTrades,
		LosingTrades:       pm.losingTrades,
		WinRate:            winRate,
		Positions:          pm.Positions(),
	}
}

// Reset restores the portfolio to its initial state.
func (pm *PortfolioManager) Reset() {
	pm.cash = pm.initialCash
	pm.positions = make(map[string]*types.Position)
	pm.snapshots = nil
	pm.maxPortfolioValue = pm.initialCash
	pm.maxDrawdown = 0
	pm.totalTrades = 0
	pm.winningTrades = 0
	pm.losingTrades = 0
	pm.tradingDates = nil
	pm.tradingDateIdx = make(map[string]int)
	pm.log.Info("portfolio reset")
}

func mustDate(date string) time.Time {
	t, _ := time.Parse("2006-01-02", date)
	return t
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
