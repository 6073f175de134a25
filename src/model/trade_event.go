package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types pushed to the real-time channel.
const (
	EventTradeExecuted  = "trade_executed"
	EventTradeRejected  = "trade_rejected"
	EventPositionClosed = "position_closed"
	EventStopAdjusted   = "stop_adjusted"
)

// TradeEvent is the payload published to the real-time channel after an
// execution or a risk action. Delivery is best effort.
type TradeEvent struct {
	EventID    string              `json:"event_id"`
	Type       string              `json:"type"`
	UserID     uint                `json:"user_id"`
	PositionID uint                `json:"position_id,omitempty"`
	SignalID   uint                `json:"signal_id,omitempty"`
	Symbol     string              `json:"symbol"`
	TradeType  string              `json:"trade_type,omitempty"`
	Quantity   decimal.Decimal     `json:"quantity"`
	Price      decimal.NullDecimal `json:"price,omitempty"`
	Status     string              `json:"status"`
	Reason     string              `json:"reason,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}
