package model

import "time"

// Broker names understood by the connector factory.
const (
	BrokerUpstox  = "upstox"
	BrokerDhan    = "dhan"
	BrokerBinance = "binance"
)

// BrokerCredential is owned by the broker-linking subsystem and read
// here through the read-only connection. The access token is stored
// encrypted; security.DecryptString recovers the plaintext token.
type BrokerCredential struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	UserID            uint      `gorm:"index;not null" json:"user_id"`
	BrokerName        string    `gorm:"size:50;not null" json:"broker_name"`
	AccessTokenHash   string    `gorm:"column:access_token;type:text" json:"-"`
	AccessTokenExpiry time.Time `gorm:"column:access_token_expiry" json:"access_token_expiry"`
	IsActive          bool      `gorm:"column:is_active" json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (BrokerCredential) TableName() string {
	return "broker_credentials"
}

// Valid reports whether the credential may back an execution attempt at
// the given instant.
func (c *BrokerCredential) Valid(now time.Time) bool {
	if c == nil || !c.IsActive {
		return false
	}
	return c.AccessTokenExpiry.After(now)
}
