package connectors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	UpstoxBaseURL string `envconfig:"UPSTOX_BASE_URL" default:"https://api.upstox.com"`
	DhanBaseURL   string `envconfig:"DHAN_BASE_URL" default:"https://api.dhan.co"`

	QuoteTimeout time.Duration `envconfig:"QUOTE_TIMEOUT" default:"5s"`
	OrderTimeout time.Duration `envconfig:"ORDER_TIMEOUT" default:"10s"`

	QuoteRetryAttempts int `envconfig:"QUOTE_RETRY_ATTEMPTS" default:"3"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
