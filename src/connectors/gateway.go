package connectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"riskmanager/src/model"
)

var (
	// ErrQuoteUnavailable means the broker returned no usable price for
	// the symbol. The caller skips the position for this tick.
	ErrQuoteUnavailable = errors.New("quote unavailable")

	// ErrOrderTimeout means an order placement ended with an unknown
	// outcome. The order may or may not have been filled; the caller
	// must not retry with the same parameters.
	ErrOrderTimeout = errors.New("order placement timed out")
)

// RejectionError is a broker-reported order rejection. Terminal for the
// signal that triggered the order.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order rejected by broker: %s", e.Reason)
}

// Quote is a single price snapshot. Risk evaluations take one Quote at
// the start of the evaluation and never refetch mid-calculation.
type Quote struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

// OrderRequest describes one order placement. ClientOrderID is minted
// fresh per attempt so an ambiguous earlier attempt is never replayed.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          string // BUY | SELL
	Quantity      decimal.Decimal
}

// OrderResult reports a confirmed fill.
type OrderResult struct {
	OrderID   string
	FillPrice decimal.Decimal
}

// BrokerGateway is the capability a broker exposes to the risk core:
// quote a symbol and place an order. One implementation exists per
// broker; the variant is selected once at credential-resolution time,
// not re-dispatched per call.
type BrokerGateway interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
}

// ForCredential builds the gateway variant for a resolved credential.
// accessToken is the decrypted token for the broker API.
func ForCredential(credential *model.BrokerCredential, accessToken string) (BrokerGateway, error) {
	switch credential.BrokerName {
	case model.BrokerUpstox:
		return NewUpstoxConnector(accessToken), nil
	case model.BrokerDhan:
		return NewDhanConnector(accessToken), nil
	case model.BrokerBinance:
		return NewBinanceConnector(accessToken)
	default:
		return nil, fmt.Errorf("broker %s not supported", credential.BrokerName)
	}
}
