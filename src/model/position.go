package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PositionStatusOpen   = "OPEN"
	PositionStatusClosed = "CLOSED"
)

const (
	TradeTypeBuy  = "BUY"
	TradeTypeSell = "SELL"
)

// Position is one open or closed trade for a user. While OPEN its
// stop-loss and trailing-stop fields are maintained by the risk jobs;
// CLOSED is terminal and the row is never touched again.
type Position struct {
	ID           uint                `gorm:"primaryKey" json:"id"`
	UserID       uint                `gorm:"index;not null" json:"user_id"`
	BrokerName   string              `gorm:"size:50" json:"broker_name"`
	Symbol       string              `gorm:"size:50;index;not null" json:"symbol"`
	TradeType    string              `gorm:"size:10;not null" json:"trade_type"` // BUY | SELL
	EntryPrice   decimal.Decimal     `gorm:"type:numeric(20,8)" json:"entry_price"`
	ExitPrice    decimal.NullDecimal `gorm:"type:numeric(20,8)" json:"exit_price,omitempty"`
	Quantity     decimal.Decimal     `gorm:"type:numeric(20,8)" json:"quantity"`
	Status       string              `gorm:"size:20;not null;default:OPEN;index" json:"status"`
	StopLoss     decimal.NullDecimal `gorm:"type:numeric(20,8);column:stop_loss_price" json:"stop_loss_price,omitempty"`
	TrailingStop decimal.NullDecimal `gorm:"type:numeric(20,8);column:trailing_stop_price" json:"trailing_stop_price,omitempty"`
	OrderID      string              `gorm:"size:100;index" json:"order_id,omitempty"`
	SignalID     *uint               `gorm:"index" json:"signal_id,omitempty"`
	ClosedAt     *time.Time          `json:"closed_at,omitempty"`
	CloseReason  string              `gorm:"size:100" json:"close_reason,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// TableName keeps the table name stable regardless of struct renames.
func (Position) TableName() string {
	return "trade_positions"
}

// IsLong reports whether the position profits when price rises.
func (p *Position) IsLong() bool {
	return p.TradeType == TradeTypeBuy
}
