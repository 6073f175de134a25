package connectors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nntaoli-project/goex"
	"github.com/nntaoli-project/goex/binance"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// BinanceConnector backs crypto-broker credentials through goex. The
// decrypted access token carries "apiKey:apiSecret"; symbols use the
// goex pair form, e.g. BTC_USDT.
type BinanceConnector struct {
	exchange goex.API
}

func NewBinanceConnector(accessToken string) (*BinanceConnector, error) {
	apiKey, apiSecret, ok := strings.Cut(accessToken, ":")
	if !ok {
		return nil, errors.New("binance credential must hold apiKey:apiSecret")
	}

	config := GetConfig()

	apiConfig := &goex.APIConfig{
		HttpClient:   &http.Client{Timeout: config.OrderTimeout},
		Endpoint:     binance.GLOBAL_API_BASE_URL,
		ApiKey:       apiKey,
		ApiSecretKey: apiSecret,
	}

	return &BinanceConnector{exchange: binance.NewWithConfig(apiConfig)}, nil
}

func (c *BinanceConnector) pair(symbol string) (goex.CurrencyPair, error) {
	if !strings.Contains(symbol, "_") {
		return goex.UNKNOWN_PAIR, fmt.Errorf("symbol %s is not a goex pair (expected BASE_QUOTE)", symbol)
	}
	return goex.NewCurrencyPair2(symbol), nil
}

func (c *BinanceConnector) GetQuote(_ context.Context, symbol string) (*Quote, error) {
	currencyPair, err := c.pair(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}

	ticker, err := c.exchange.GetTicker(currencyPair)
	if err != nil {
		logger.WithError(err).WithField("symbol", symbol).Error("binance ticker request failed")
		return nil, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	if ticker == nil || ticker.Last <= 0 {
		return nil, fmt.Errorf("%w: no price for %s", ErrQuoteUnavailable, symbol)
	}

	return &Quote{
		Symbol: symbol,
		Price:  decimal.NewFromFloat(ticker.Last),
		At:     time.Now(),
	}, nil
}

func (c *BinanceConnector) PlaceOrder(_ context.Context, req OrderRequest) (*OrderResult, error) {
	currencyPair, err := c.pair(req.Symbol)
	if err != nil {
		return nil, &RejectionError{Reason: err.Error()}
	}

	amount := req.Quantity.String()

	var order *goex.Order
	switch req.Side {
	case "BUY":
		order, err = c.exchange.MarketBuy(amount, "0", currencyPair)
	case "SELL":
		order, err = c.exchange.MarketSell(amount, "0", currencyPair)
	default:
		return nil, &RejectionError{Reason: fmt.Sprintf("unsupported side %s", req.Side)}
	}

	if err != nil {
		if isTimeout(err) {
			logger.WithField("client_order_id", req.ClientOrderID).
				Warn("binance order placement timed out, outcome unknown")
			return nil, ErrOrderTimeout
		}
		logger.WithError(err).WithFields(map[string]interface{}{
			"symbol": req.Symbol,
			"side":   req.Side,
		}).Warn("binance rejected order")
		return nil, &RejectionError{Reason: err.Error()}
	}

	fillPrice := decimal.NewFromFloat(order.AvgPrice)
	if fillPrice.LessThanOrEqual(decimal.Zero) {
		fillPrice = decimal.NewFromFloat(order.Price)
	}

	logger.WithFields(map[string]interface{}{
		"order_id": order.OrderID2,
		"symbol":   req.Symbol,
		"side":     req.Side,
	}).Info("binance order placed")

	return &OrderResult{
		OrderID:   order.OrderID2,
		FillPrice: fillPrice,
	}, nil
}
