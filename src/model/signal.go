package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SignalStatusPending  = "PENDING"
	SignalStatusExecuted = "EXECUTED"
	SignalStatusRejected = "REJECTED"
	SignalStatusExpired  = "EXPIRED"
)

// Signal is one pending automated trade instruction produced by the
// upstream strategy component. The coordinator moves it out of PENDING
// exactly once; EXECUTED, REJECTED and EXPIRED are terminal.
type Signal struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	UserID         uint            `gorm:"index;not null" json:"user_id"`
	BrokerName     string          `gorm:"size:50" json:"broker_name"`
	Symbol         string          `gorm:"size:50;not null" json:"symbol"`
	Direction      string          `gorm:"size:10;not null" json:"direction"` // BUY | SELL
	TargetQuantity decimal.Decimal `gorm:"type:numeric(20,8)" json:"target_quantity"`
	Status         string          `gorm:"size:20;not null;default:PENDING;index" json:"status"`
	StatusReason   string          `gorm:"size:255" json:"status_reason,omitempty"`
	ExecutedAt     *time.Time      `json:"executed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (Signal) TableName() string {
	return "trade_signals"
}
