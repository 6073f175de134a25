// REST API CLIENT FOR UPSTOX EQUITY/DERIVATIVE ORDERS
// RESTY ONLY + INTERNAL RETRY FOR QUOTES
package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

const (
	defaultQuoteRetryBaseDelay  = 300 * time.Millisecond
	defaultQuoteRetryMaxBackoff = 3 * time.Second
)

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}

	if r == nil {
		return false
	}

	code := r.StatusCode()

	if code >= 500 && code <= 599 {
		return true
	}
	if code == 429 {
		return true
	}
	if code == 408 {
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type upstoxEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (e *upstoxEnvelope) firstError() string {
	if len(e.Errors) > 0 {
		return e.Errors[0].Message
	}
	return "unknown error"
}

// UpstoxConnector places orders and fetches last-traded prices against
// the Upstox REST API using a bearer access token.
type UpstoxConnector struct {
	baseURL string

	// quoteHTTP retries transient failures; orderHTTP never retries, a
	// replayed placement could double-fill.
	quoteHTTP *resty.Client
	orderHTTP *resty.Client
}

func NewUpstoxConnector(accessToken string) *UpstoxConnector {
	config := GetConfig()

	quoteHTTP := resty.New().
		SetBaseURL(config.UpstoxBaseURL).
		SetTimeout(config.QuoteTimeout).
		SetRetryCount(config.QuoteRetryAttempts - 1).
		SetRetryWaitTime(defaultQuoteRetryBaseDelay).
		SetRetryMaxWaitTime(defaultQuoteRetryMaxBackoff).
		AddRetryCondition(isRetryableResp).
		SetAuthToken(accessToken)

	orderHTTP := resty.New().
		SetBaseURL(config.UpstoxBaseURL).
		SetTimeout(config.OrderTimeout).
		SetAuthToken(accessToken)

	return &UpstoxConnector{
		baseURL:   config.UpstoxBaseURL,
		quoteHTTP: quoteHTTP,
		orderHTTP: orderHTTP,
	}
}

// WithBaseURL overrides the API endpoint, used by tests.
func (c *UpstoxConnector) WithBaseURL(baseURL string) *UpstoxConnector {
	c.baseURL = baseURL
	c.quoteHTTP.SetBaseURL(baseURL)
	c.orderHTTP.SetBaseURL(baseURL)
	return c
}

// GetQuote fetches the last traded price for an instrument key.
func (c *UpstoxConnector) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	var envelope upstoxEnvelope

	resp, err := c.quoteHTTP.R().
		SetContext(ctx).
		SetQueryParam("instrument_key", symbol).
		SetResult(&envelope).
		Get("/v2/market-quote/ltp")

	if err != nil {
		logger.WithError(err).WithField("symbol", symbol).Error("upstox quote request failed")
		return nil, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	if resp.IsError() || envelope.Status != "success" {
		logger.WithFields(map[string]interface{}{
			"symbol": symbol,
			"status": resp.StatusCode(),
		}).Error("upstox quote returned error response")
		return nil, fmt.Errorf("%w: %s", ErrQuoteUnavailable, envelope.firstError())
	}

	var data map[string]struct {
		LastPrice decimal.Decimal `json:"last_price"`
	}
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: malformed payload: %v", ErrQuoteUnavailable, err)
	}

	entry, ok := data[symbol]
	if !ok || entry.LastPrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: no price for %s", ErrQuoteUnavailable, symbol)
	}

	return &Quote{
		Symbol: symbol,
		Price:  entry.LastPrice,
		At:     time.Now(),
	}, nil
}

// PlaceOrder submits a market order. A timeout surfaces as
// ErrOrderTimeout and the attempt is never replayed here.
func (c *UpstoxConnector) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	body := map[string]interface{}{
		"instrument_token": req.Symbol,
		"transaction_type": req.Side,
		"quantity":         req.Quantity.String(),
		"order_type":       "MARKET",
		"product":          "D",
		"validity":         "DAY",
		"tag":              req.ClientOrderID,
	}

	var envelope upstoxEnvelope

	resp, err := c.orderHTTP.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&envelope).
		SetError(&envelope).
		Post("/v2/order/place")

	if err != nil {
		if isTimeout(err) {
			logger.WithField("client_order_id", req.ClientOrderID).
				Warn("upstox order placement timed out, outcome unknown")
			return nil, ErrOrderTimeout
		}
		return nil, fmt.Errorf("upstox order request failed: %w", err)
	}

	if resp.IsError() || envelope.Status != "success" {
		reason := envelope.firstError()
		logger.WithFields(map[string]interface{}{
			"client_order_id": req.ClientOrderID,
			"status":          resp.StatusCode(),
			"reason":          reason,
		}).Warn("upstox rejected order")
		return nil, &RejectionError{Reason: reason}
	}

	var data struct {
		OrderID      string          `json:"order_id"`
		AveragePrice decimal.Decimal `json:"average_price"`
	}
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return nil, fmt.Errorf("upstox order response malformed: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"order_id": data.OrderID,
		"symbol":   req.Symbol,
		"side":     req.Side,
	}).Info("upstox order placed")

	return &OrderResult{
		OrderID:   data.OrderID,
		FillPrice: data.AveragePrice,
	}, nil
}
