package backtest

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/ashare-backtest/pkg/types"
)

// Reject reasons produced by the simulator.
const (
	RejectNoMarketData  = "no market data"
	RejectSuspended     = "suspended"
	RejectNonTradingDay = "non-trading day"
	RejectBuyUnit       = "buy qty not multiple of unit"
	RejectNonPositive   = "non-positive qty"
	RejectLimitUp       = "limit-up, cannot buy"
	RejectLimitDown     = "limit-down, cannot sell"
)

// limitEpsilon is the tolerance used when comparing close against the limit
// price; the close printed by data vendors can be a fraction of a cent off
// the rounded limit.
const limitEpsilon = 0.001

// TradingRule is the A-share market rule and fee table.
type TradingRule struct {
	LimitUpPct   float64 // regular daily limit, fraction of pre_close
	LimitDownPct float64 // negative fraction
	STLimitPct   float64 // ST issuers, both directions

	MinBuyUnit int64 // buy orders must be a multiple of this

	CommissionRate  float64
	MinCommission   float64
	StampTaxRate    float64 // sell only
	TransferFeeRate float64 // Shanghai only, floored at 1 CNY
	SlippageRate    float64
}

// DefaultTradingRule returns the standard A-share rule table.
func DefaultTradingRule() TradingRule {
	return TradingRule{
		LimitUpPct:      0.10,
		LimitDownPct:    -0.10,
		STLimitPct:      0.05,
		MinBuyUnit:      100,
		CommissionRate:  0.0001,
		MinCommission:   5.0,
		StampTaxRate:    0.001,
		TransferFeeRate: 0.00002,
		SlippageRate:    0.001,
	}
}

// TradingSimulator validates orders against A-share trading rules and fills
// them at the day's close with adverse slippage.
type TradingSimulator struct {
	rule     TradingRule
	calendar map[string]struct{}
	log      *logrus.Entry
}

// NewTradingSimulator creates a simulator with the given rule table. The
// trading calendar starts empty; SetCalendar installs the real one after the
// data load.
func NewTradingSimulator(rule TradingRule) *TradingSimulator {
	return &TradingSimulator{
		rule:     rule,
		calendar: make(map[string]struct{}),
		log:      logrus.WithField("component", "trading-simulator"),
	}
}

// SetCalendar replaces the trading calendar with the given dates.
func (s *TradingSimulator) SetCalendar(dates []string) {
	s.calendar = make(map[string]struct{}, len(dates))
	for _, d := range dates {
		s.calendar[d] = struct{}{}
	}
}

// IsTradingDay reports whether date is on the installed calendar. With no
// calendar installed it falls back to weekdays.
func (s *TradingSimulator) IsTradingDay(date string) bool {
	if len(s.calendar) > 0 {
		_, ok := s.calendar[date]
		return ok
	}
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return false
	}
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// LimitPrices computes the day's price ceiling and floor from pre_close,
// rounded to the cent.
func (s *TradingSimulator) LimitPrices(preClose float64, isST bool) (limitUp, limitDown float64) {
	upPct, downPct := s.rule.LimitUpPct, s.rule.LimitDownPct
	if isST {
		upPct, downPct = s.rule.STLimitPct, -s.rule.STLimitPct
	}
	limitUp = round2(preClose * (1 + upPct))
	limitDown = round2(preClose * (1 + downPct))
	return limitUp, limitDown
}

// Validate checks an order against the day's market data. It returns ok and,
// when not ok, the reject reason.
func (s *TradingSimulator) Validate(order *types.Order, market types.MarketDay) (bool, string) {
	date := order.Timestamp.Format("2006-01-02")
	if !s.IsTradingDay(date) {
		return false, RejectNonTradingDay
	}

	bar, ok := market[order.Symbol]
	if !ok {
		return false, RejectNoMarketData
	}
	if bar.Suspended {
		return false, RejectSuspended
	}

	preClose := bar.PreClose
	if preClose <= 0 {
		preClose = bar.Close
	}
	limitUp, limitDown := s.LimitPrices(preClose, types.IsST(order.Symbol))

	switch order.Side {
	case types.OrderSideBuy:
		if order.Quantity <= 0 {
			return false, RejectNonPositive
		}
		if order.Quantity%s.rule.MinBuyUnit != 0 {
			return false, RejectBuyUnit
		}
		if bar.Close >= limitUp*(1-limitEpsilon) {
			return false, RejectLimitUp
		}
	case types.OrderSideSell:
		if order.Quantity <= 0 {
			return false, RejectNonPositive
		}
		if bar.Close <= limitDown*(1+limitEpsilon) {
			return false, RejectLimitDown
		}
	default:
		return false, fmt.Sprintf("unknown side %q", order.Side)
	}

	return true, ""
}

// ApplySlippage moves price adversely: up for buys, down for sells. The
// result is rounded to the cent, matching exchange tick size.
func (s *TradingSimulator) ApplySlippage(price float64, side types.OrderSide) float64 {
	if side == types.OrderSideBuy {
		return round2(price * (1 + s.rule.SlippageRate))
	}
	return round2(price * (1 - s.rule.SlippageRate))
}

// Fees computes (commission, stampTax, transferFee) for an executed value.
// Commission is floored at MinCommission; stamp tax applies to sells only;
// the transfer fee applies to Shanghai symbols only, floored at 1 CNY.
func (s *TradingSimulator) Fees(symbol string, side types.OrderSide, executedValue decimal.Decimal) (commission, stampTax, transferFee decimal.Decimal) {
	commission = executedValue.Mul(decimal.NewFromFloat(s.rule.CommissionRate))
	minCommission := decimal.NewFromFloat(s.rule.MinCommission)
	if commission.LessThan(minCommission) {
		commission = minCommission
	}

	stampTax = decimal.Zero
	if side == types.OrderSideSell {
		stampTax = executedValue.Mul(decimal.NewFromFloat(s.rule.StampTaxRate))
	}

	transferFee = decimal.Zero
	if types.IsShanghai(symbol) {
		transferFee = executedValue.Mul(decimal.NewFromFloat(s.rule.TransferFeeRate))
		if transferFee.LessThan(decimal.NewFromInt(1)) {
			transferFee = decimal.NewFromInt(1)
		}
	}

	return commission, stampTax, transferFee
}

// Execute fills a pending order against the day's market data. Invalid
// orders come back REJECTED with the reason recorded; valid orders fill in
// full at the close adjusted for slippage, with all fees computed.
func (s *TradingSimulator) Execute(order *types.Order, market types.MarketDay) *types.Order {
	ok, reason := s.Validate(order, market)
	if !ok {
		order.Status = types.OrderStatusRejected
		order.RejectReason = reason
		s.log.WithFields(logrus.Fields{
			"order":  order.ID,
			"symbol": order.Symbol,
			"reason": reason,
		}).Debug("order rejected")
		return order
	}

	bar := market[order.Symbol]
	execPrice := s.ApplySlippage(bar.Close, order.Side)

	order.ExecutedQty = order.Quantity
	order.ExecutedPrice = decimal.NewFromFloat(execPrice)
	order.Status = types.OrderStatusExecuted

	executedValue := order.ExecutedPrice.Mul(decimal.NewFromInt(order.ExecutedQty))
	commission, stampTax, transferFee := s.Fees(order.Symbol, order.Side, executedValue)

	order.Commission = commission
	order.StampTax = stampTax
	order.TransferFee = transferFee

	if order.Side == types.OrderSideBuy {
		order.TotalCost = executedValue.Add(commission).Add(transferFee)
	} else {
		order.TotalCost = executedValue.Sub(commission).Sub(stampTax).Sub(transferFee)
	}

	return order
}

// Rule returns the active rule table.
func (s *TradingSimulator) Rule() TradingRule {
	return s.rule
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
