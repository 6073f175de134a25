package connectors

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

type dhanQuoteResponse struct {
	Status    string          `json:"status"`
	LastPrice decimal.Decimal `json:"last_price"`
}

type dhanOrderResponse struct {
	OrderID       string          `json:"orderId"`
	OrderStatus   string          `json:"orderStatus"` // TRADED | REJECTED | PENDING
	AveragePrice  decimal.Decimal `json:"averagePrice"`
	OmsErrorDescr string          `json:"omsErrorDescription"`
}

// DhanConnector implements the gateway against the Dhan REST API.
// Dhan authenticates with an access-token header instead of a bearer
// token.
type DhanConnector struct {
	quoteHTTP *resty.Client
	orderHTTP *resty.Client
}

func NewDhanConnector(accessToken string) *DhanConnector {
	config := GetConfig()

	quoteHTTP := resty.New().
		SetBaseURL(config.DhanBaseURL).
		SetTimeout(config.QuoteTimeout).
		SetRetryCount(config.QuoteRetryAttempts - 1).
		SetRetryWaitTime(defaultQuoteRetryBaseDelay).
		SetRetryMaxWaitTime(defaultQuoteRetryMaxBackoff).
		AddRetryCondition(isRetryableResp).
		SetHeader("access-token", accessToken)

	orderHTTP := resty.New().
		SetBaseURL(config.DhanBaseURL).
		SetTimeout(config.OrderTimeout).
		SetHeader("access-token", accessToken)

	return &DhanConnector{
		quoteHTTP: quoteHTTP,
		orderHTTP: orderHTTP,
	}
}

// WithBaseURL overrides the API endpoint, used by tests.
func (c *DhanConnector) WithBaseURL(baseURL string) *DhanConnector {
	c.quoteHTTP.SetBaseURL(baseURL)
	c.orderHTTP.SetBaseURL(baseURL)
	return c
}

func (c *DhanConnector) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	var quote dhanQuoteResponse

	resp, err := c.quoteHTTP.R().
		SetContext(ctx).
		SetQueryParam("securityId", symbol).
		SetResult(&quote).
		Get("/v2/marketfeed/ltp")

	if err != nil {
		logger.WithError(err).WithField("symbol", symbol).Error("dhan quote request failed")
		return nil, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	if resp.IsError() || quote.LastPrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: no price for %s", ErrQuoteUnavailable, symbol)
	}

	return &Quote{
		Symbol: symbol,
		Price:  quote.LastPrice,
		At:     time.Now(),
	}, nil
}

func (c *DhanConnector) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	body := map[string]interface{}{
		"securityId":      req.Symbol,
		"transactionType": req.Side,
		"quantity":        req.Quantity.String(),
		"orderType":       "MARKET",
		"productType":     "INTRADAY",
		"correlationId":   req.ClientOrderID,
	}

	var order dhanOrderResponse

	resp, err := c.orderHTTP.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&order).
		SetError(&order).
		Post("/v2/orders")

	if err != nil {
		if isTimeout(err) {
			logger.WithField("client_order_id", req.ClientOrderID).
				Warn("dhan order placement timed out, outcome unknown")
			return nil, ErrOrderTimeout
		}
		return nil, fmt.Errorf("dhan order request failed: %w", err)
	}

	if resp.IsError() || order.OrderStatus == "REJECTED" {
		reason := order.OmsErrorDescr
		if reason == "" {
			reason = fmt.Sprintf("http status %d", resp.StatusCode())
		}
		logger.WithFields(map[string]interface{}{
			"client_order_id": req.ClientOrderID,
			"reason":          reason,
		}).Warn("dhan rejected order")
		return nil, &RejectionError{Reason: reason}
	}

	logger.WithFields(map[string]interface{}{
		"order_id": order.OrderID,
		"symbol":   req.Symbol,
		"side":     req.Side,
	}).Info("dhan order placed")

	return &OrderResult{
		OrderID:   order.OrderID,
		FillPrice: order.AveragePrice,
	}, nil
}
