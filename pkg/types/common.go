package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Order sides
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"
)

// Order status
const (
	OrderStatusPending   = "PENDING"
	OrderStatusExecuted  = "EXECUTED"
	OrderStatusRejected  = "REJECTED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusPartial   = "PARTIAL" // reserved, never produced by the simulator
)

// Type aliases for compatibility
type OrderSide = string
type OrderStatus = string

// Order represents a trading order. Mutable while PENDING; once the order
// reaches a terminal status no field is touched again.
type Order struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Side         OrderSide       `json:"side"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Timestamp    time.Time       `json:"timestamp"`
	Status       OrderStatus     `json:"status"`
	ExecutedQty  int64           `json:"executed_qty,omitempty"`
	ExecutedPrice decimal.Decimal `json:"executed_price,omitempty"`
	Commission   decimal.Decimal `json:"commission,omitempty"`
	StampTax     decimal.Decimal `json:"stamp_tax,omitempty"`
	TransferFee  decimal.Decimal `json:"transfer_fee,omitempty"`
	TotalCost    decimal.Decimal `json:"total_cost,omitempty"`
	RejectReason string          `json:"reject_reason,omitempty"`
}

// Terminal reports whether the order has left the PENDING state.
func (o *Order) Terminal() bool {
	return o.Status != OrderStatusPending
}

// Trade is the immutable record produced for every executed order.
// NetAmount is the signed cash delta: negative on BUY (value + commission +
// transfer fee), positive on SELL (value - commission - stamp tax - transfer fee).
// The transfer fee is folded into NetAmount but never into Commission.
type Trade struct {
	ID          string          `json:"trade_id"`
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Commission  decimal.Decimal `json:"commission"`
	StampTax    decimal.Decimal `json:"stamp_tax"`
	TransferFee decimal.Decimal `json:"transfer_fee"`
	NetAmount   decimal.Decimal `json:"net_amount"`
	TradeDate   string          `json:"trade_date"`
}

// Signal is a strategy trading intention for one symbol on one day.
type Signal struct {
	Action   string  `json:"action"` // "buy" or "sell", case-insensitive
	Symbol   string  `json:"symbol"`
	Price    float64 `json:"price"`
	Weight   float64 `json:"weight,omitempty"`   // target portfolio weight for buys, (0,1]
	Quantity int64   `json:"quantity,omitempty"` // explicit share count for sells
	Reason   string  `json:"reason,omitempty"`
}

// IsBuy reports whether the signal action is a buy, case-insensitively.
func (s *Signal) IsBuy() bool { return strings.EqualFold(s.Action, "buy") }

// IsSell reports whether the signal action is a sell, case-insensitively.
func (s *Signal) IsSell() bool { return strings.EqualFold(s.Action, "sell") }
