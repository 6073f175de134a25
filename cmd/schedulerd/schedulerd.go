package schedulerd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"riskmanager/src/autotrade"
	"riskmanager/src/connectors"
	"riskmanager/src/database"
	"riskmanager/src/publisher"
	"riskmanager/src/repository"
	"riskmanager/src/scheduler"
	"riskmanager/src/server"
	"riskmanager/src/stoploss"
)

type Schedulerd struct {
}

// Start wires the risk scheduler and blocks until SIGINT or SIGTERM.
func (t *Schedulerd) Start() error {
	schedulerConfig := scheduler.GetConfig()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	// Initialize main (read/write) database. This is the only
	// unrecoverable startup failure.
	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to main database")
		return err
	}

	// Initialize the read-only credentials database. A failure here is
	// degraded service, not fatal: credential lookups will error until
	// the database comes back.
	if err := database.InitReadOnlyDB(); err != nil {
		logrus.WithError(err).Error("Failed to connect to read-only database, continuing without credentials")
	}

	scheduler.InitMetrics()

	positions := repository.NewPositionRepository()
	signals := repository.NewSignalRepository()
	credentials := repository.NewCredentialRepository()
	exceptions := repository.NewExceptionRepository()

	resolver := connectors.NewGatewayResolver(credentials)
	hub := publisher.NewHub()

	stopLossService := stoploss.NewService(
		positions, resolver, hub, exceptions, stoploss.GetConfig().Policy())

	coordinator := autotrade.NewCoordinator(
		signals, positions, resolver, hub, exceptions)

	sched := scheduler.NewScheduler(
		&scheduler.Job{
			Name:      "refresh-stop-loss",
			Interval:  schedulerConfig.StopLossInterval,
			Enumerate: positions.DistinctUsersWithOpenPositions,
			Process:   stopLossService.RefreshStopLoss,
		},
		&scheduler.Job{
			Name:      "refresh-trailing-stop",
			Interval:  schedulerConfig.TrailingStopInterval,
			Enumerate: positions.DistinctUsersWithOpenPositions,
			Process:   stopLossService.RefreshTrailingStop,
		},
		&scheduler.Job{
			Name:      "auto-execute",
			Interval:  schedulerConfig.AutoTradeInterval,
			Enumerate: signals.DistinctUsersWithPendingSignals,
			Process:   coordinator.ExecutePending,
		},
	)

	logrus.WithFields(map[string]interface{}{
		"stop_loss_interval":     schedulerConfig.StopLossInterval,
		"trailing_stop_interval": schedulerConfig.TrailingStopInterval,
		"auto_trade_interval":    schedulerConfig.AutoTradeInterval,
	}).Info("Starting risk scheduler")

	sched.Start(ctx)

	// Blocks until shutdown, serving health, metrics and the websocket
	// channel meanwhile.
	server.StartServer(ctx, server.GetConfig().Port, hub)

	sched.Stop()

	return nil
}
