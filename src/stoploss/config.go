package stoploss

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"riskmanager/src/risk"
)

type Config struct {
	BasePercent    float64 `envconfig:"STOP_LOSS_BASE_PERCENT" default:"5"`
	TightPercent   float64 `envconfig:"STOP_LOSS_TIGHT_PERCENT" default:"2"`
	TightenTrigger float64 `envconfig:"STOP_LOSS_TIGHTEN_TRIGGER_PERCENT" default:"3"`
	TrailPercent   float64 `envconfig:"TRAILING_STOP_PERCENT" default:"1.5"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// Policy builds the percent policy configured for this deployment.
func (c Config) Policy() risk.PercentPolicy {
	return risk.PercentPolicy{
		BasePercent:    decimal.NewFromFloat(c.BasePercent),
		TightPercent:   decimal.NewFromFloat(c.TightPercent),
		TightenTrigger: decimal.NewFromFloat(c.TightenTrigger),
		TrailPercent:   decimal.NewFromFloat(c.TrailPercent),
	}
}
