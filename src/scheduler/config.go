package scheduler

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	StopLossInterval     time.Duration `envconfig:"STOP_LOSS_INTERVAL" default:"1m"`
	TrailingStopInterval time.Duration `envconfig:"TRAILING_STOP_INTERVAL" default:"1m"`
	AutoTradeInterval    time.Duration `envconfig:"AUTO_TRADE_INTERVAL" default:"1m"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
