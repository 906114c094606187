package backtest

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/ashare-backtest/pkg/types"
)

// priceDupTolerance collapses near-identical pending orders: same symbol,
// side and quantity within one cent of each other count as duplicates.
var priceDupTolerance = decimal.NewFromFloat(0.01)

// OrderManager owns the order lifecycle: creation with duplicate collapse,
// batch execution through the simulator, and the immutable trade log.
type OrderManager struct {
	simulator *TradingSimulator

	orders     map[string]*types.Order
	pendingIDs []string // insertion order, drives deterministic execution
	pending    map[string]*types.Order
	executed   map[string]*types.Order
	trades     []types.Trade

	orderSeq int
	tradeSeq int

	log *logrus.Entry
}

// NewOrderManager creates an order manager bound to a simulator.
func NewOrderManager(simulator *TradingSimulator) *OrderManager {
	return &OrderManager{
		simulator: simulator,
		orders:    make(map[string]*types.Order),
		pending:   make(map[string]*types.Order),
		executed:  make(map[string]*types.Order),
		log:       logrus.WithField("component", "order-manager"),
	}
}

// CreateOrder queues a new PENDING order and returns its id. A pending order
// with the same symbol, side and quantity at (nearly) the same price is a
// duplicate; its id is returned and nothing new is queued.
func (om *OrderManager) CreateOrder(symbol string, side types.OrderSide, quantity int64, price decimal.Decimal, ts time.Time) string {
	for _, id := range om.pendingIDs {
		existing := om.pending[id]
		if existing.Symbol == symbol && existing.Side == side && existing.Quantity == quantity &&
			existing.Price.Sub(price).Abs().LessThan(priceDupTolerance) {
			om.log.WithFields(logrus.Fields{
				"symbol": symbol,
				"side":   side,
				"qty":    quantity,
			}).Warn("duplicate pending order, reusing")
			return existing.ID
		}
	}

	om.orderSeq++
	id := fmt.Sprintf("ord-%06d", om.orderSeq)

	order := &types.Order{
		ID:        id,
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		Price:     price,
		Timestamp: ts,
		Status:    types.OrderStatusPending,
	}

	om.orders[id] = order
	om.pending[id] = order
	om.pendingIDs = append(om.pendingIDs, id)

	om.log.WithFields(logrus.Fields{
		"order":  id,
		"side":   side,
		"symbol": symbol,
		"qty":    quantity,
		"price":  price.StringFixed(2),
	}).Info("order created")

	return id
}

// ExecutePending runs every pending order through the simulator in creation
// order and returns the trades produced. Rejected and cancelled orders leave
// the pending set; nothing re-executes on a later day.
func (om *OrderManager) ExecutePending(date string, market types.MarketDay) []types.Trade {
	var executed []types.Trade

	ids := om.pendingIDs
	om.pendingIDs = nil

	for _, id := range ids {
		order, ok := om.pending[id]
		if !ok {
			continue
		}

		om.simulator.Execute(order, market)

		switch order.Status {
		case types.OrderStatusExecuted:
			delete(om.pending, id)
			om.executed[id] = order
			trade := om.recordTrade(order, date)
			executed = append(executed, trade)
			om.log.WithFields(logrus.Fields{
				"order":  id,
				"side":   order.Side,
				"symbol": order.Symbol,
				"qty":    order.ExecutedQty,
				"price":  order.ExecutedPrice.StringFixed(2),
			}).Info("order executed")

		case types.OrderStatusRejected:
			delete(om.pending, id)
			om.log.WithFields(logrus.Fields{
				"order":  id,
				"symbol": order.Symbol,
				"reason": order.RejectReason,
			}).Warn("order rejected")

		case types.OrderStatusCancelled:
			delete(om.pending, id)

		default:
			// Still pending (should not happen with the all-or-nothing
			// simulator); keep it queued.
			om.pendingIDs = append(om.pendingIDs, id)
		}
	}

	return executed
}

// recordTrade turns an executed order into an immutable trade record with
// the signed cash delta.
func (om *OrderManager) recordTrade(order *types.Order, date string) types.Trade {
	om.tradeSeq++

	executedValue := order.ExecutedPrice.Mul(decimal.NewFromInt(order.ExecutedQty))
	var net decimal.Decimal
	if order.Side == types.OrderSideBuy {
		net = executedValue.Add(order.Commission).Add(order.TransferFee).Neg()
	} else {
		net = executedValue.Sub(order.Commission).Sub(order.StampTax).Sub(order.TransferFee)
	}

	trade := types.Trade{
		ID:          fmt.Sprintf("trd-%06d", om.tradeSeq),
		OrderID:     order.ID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Quantity:    order.ExecutedQty,
		Price:       order.ExecutedPrice,
		Commission:  order.Commission,
		StampTax:    order.StampTax,
		TransferFee: order.TransferFee,
		NetAmount:   net,
		TradeDate:   date,
	}

	om.trades = append(om.trades, trade)
	return trade
}

// CancelAllPending cancels every pending order with the given reason.
func (om *OrderManager) CancelAllPending(reason string) {
	for _, id := range om.pendingIDs {
		order, ok := om.pending[id]
		if !ok {
			continue
		}
		order.Status = types.OrderStatusCancelled
		order.RejectReason = reason
		delete(om.pending, id)
	}
	om.pendingIDs = nil
	om.log.WithField("reason", reason).Info("cancelled all pending orders")
}

// Order returns an order by id, or nil.
func (om *OrderManager) Order(id string) *types.Order {
	return om.orders[id]
}

// Trades returns the full trade log in execution order.
func (om *OrderManager) Trades() []types.Trade {
	return om.trades
}

// TradesBySymbol returns all trades for a symbol in execution order.
func (om *OrderManager) TradesBySymbol(symbol string) []types.Trade {
	var out []types.Trade
	for _, t := range om.trades {
		if t.Symbol == symbol {
			out = append(out, t)
		}
	}
	return out
}

// TradesByDateRange returns trades with start <= trade_date <= end.
func (om *OrderManager) TradesByDateRange(start, end string) []types.Trade {
	var out []types.Trade
	for _, t := range om.trades {
		if t.TradeDate >= start && t.TradeDate <= end {
			out = append(out, t)
		}
	}
	return out
}

// TradingSummary aggregates order-status and fee statistics.
type TradingSummary struct {
	TotalOrders     int             `json:"total_orders"`
	ExecutedOrders  int             `json:"executed_orders"`
	PendingOrders   int             `json:"pending_orders"`
	CancelledOrders int             `json:"cancelled_orders"`
	RejectedOrders  int             `json:"rejected_orders"`
	TotalTrades     int             `json:"total_trades"`
	BuyTrades       int             `json:"buy_trades"`
	SellTrades      int             `json:"sell_trades"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	TotalStampTax   decimal.Decimal `json:"total_stamp_tax"`
	TotalFees       decimal.Decimal `json:"total_fees"`
}

// Summary computes the trading summary over the full history.
func (om *OrderManager) Summary() TradingSummary {
	s := TradingSummary{
		TotalOrders:     len(om.orders),
		ExecutedOrders:  len(om.executed),
		PendingOrders:   len(om.pending),
		TotalTrades:     len(om.trades),
		TotalCommission: decimal.Zero,
		TotalStampTax:   decimal.Zero,
	}
	for _, o := range om.orders {
		switch o.Status {
		case types.OrderStatusCancelled:
			s.CancelledOrders++
		case types.OrderStatusRejected:
			s.RejectedOrders++
		}
	}
	for _, t := range om.trades {
		if t.Side == types.OrderSideBuy {
			s.BuyTrades++
		} else {
			s.SellTrades++
		}
		s.TotalCommission = s.TotalCommission.Add(t.Commission)
		s.TotalStampTax = s.TotalStampTax.Add(t.StampTax)
	}
	s.TotalFees = s.TotalCommission.Add(s.TotalStampTax)
	return s
}

// Reset clears all order and trade history.
func (om *OrderManager) Reset() {
	om.orders = make(map[string]*types.Order)
	om.pending = make(map[string]*types.Order)
	om.executed = make(map[string]*types.Order)
	om.pendingIDs = nil
	om.trades = nil
	om.orderSeq = 0
	om.tradeSeq = 0
}
