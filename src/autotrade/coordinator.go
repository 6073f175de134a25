package autotrade

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"riskmanager/src/audit"
	"riskmanager/src/connectors"
	"riskmanager/src/model"
	"riskmanager/src/publisher"
	"riskmanager/src/repository"
)

const (
	reasonCredentialInvalid = "credential invalid"
	reasonOrderFilled       = "order filled"
)

type signalRepository interface {
	FindPendingByUser(ctx context.Context, userID uint) ([]model.Signal, error)
	FindByID(ctx context.Context, id uint) (*model.Signal, error)
	Transition(ctx context.Context, id uint, fromStatus, toStatus, reason string) error
}

type positionWriter interface {
	Create(ctx context.Context, position *model.Position) error
}

type gatewayResolver interface {
	GatewayFor(ctx context.Context, userID uint, brokerName string) (connectors.BrokerGateway, *model.BrokerCredential, error)
}

// Coordinator executes a user's PENDING signals in creation order. Each
// signal leaves PENDING at most once, guarded by a compare-and-set
// transition; an order whose outcome is unknown leaves the signal
// PENDING and is never replayed inside the same tick.
type Coordinator struct {
	signals    signalRepository
	positions  positionWriter
	resolver   gatewayResolver
	publisher  publisher.Publisher
	exceptions audit.ExceptionSink
	now        func() time.Time
}

func NewCoordinator(
	signals signalRepository,
	positions positionWriter,
	resolver gatewayResolver,
	pub publisher.Publisher,
	exceptions audit.ExceptionSink,
) *Coordinator {
	return &Coordinator{
		signals:    signals,
		positions:  positions,
		resolver:   resolver,
		publisher:  pub,
		exceptions: exceptions,
		now:        time.Now,
	}
}

// ExecutePending processes the user's PENDING signals in creation
// order. A signal with an ambiguous placement outcome stops the user's
// batch for this tick so later signals never jump ahead of it.
func (c *Coordinator) ExecutePending(ctx context.Context, userID uint) error {
	signals, err := c.signals.FindPendingByUser(ctx, userID)
	if err != nil {
		return err
	}

	for i := range signals {
		signal := &signals[i]

		done, err := c.executeSignal(ctx, signal)
		if err != nil {
			return err
		}
		if !done {
			logger.WithFields(map[string]interface{}{
				"user_id":   userID,
				"signal_id": signal.ID,
			}).Warn("Signal outcome ambiguous, deferring remaining signals to next tick")
			return nil
		}
	}

	return nil
}

// executeSignal runs one signal to a terminal state. It returns
// done=false when the outcome is unknown and the signal must stay
// PENDING.
func (c *Coordinator) executeSignal(ctx context.Context, signal *model.Signal) (bool, error) {
	gateway, _, err := c.resolver.GatewayFor(ctx, signal.UserID, signal.BrokerName)
	if err != nil {
		if errors.Is(err, connectors.ErrCredentialMissing) || errors.Is(err, connectors.ErrCredentialExpired) {
			c.reject(ctx, signal, reasonCredentialInvalid)
			return true, nil
		}

		audit.Capture(ctx, c.exceptions, "risk_scheduler", "autotrade", "executeSignal",
			"error", err, map[string]interface{}{
				"signal_id": signal.ID,
				"user_id":   signal.UserID,
				"broker":    signal.BrokerName,
			})
		return true, nil
	}

	// Re-check right before touching the broker: a manual cancellation
	// may have settled the signal since enumeration.
	current, err := c.signals.FindByID(ctx, signal.ID)
	if err != nil {
		return true, err
	}
	if current == nil || current.Status != model.SignalStatusPending {
		logger.WithFields(map[string]interface{}{
			"signal_id": signal.ID,
			"user_id":   signal.UserID,
		}).Info("Signal no longer pending, skipping")
		return true, nil
	}

	// Fresh client order ID per attempt: an earlier ambiguous attempt is
	// never replayed with the same identifier.
	req := connectors.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        signal.Symbol,
		Side:          signal.Direction,
		Quantity:      signal.TargetQuantity,
	}

	logger.WithFields(map[string]interface{}{
		"signal_id":       signal.ID,
		"user_id":         signal.UserID,
		"symbol":          signal.Symbol,
		"side":            signal.Direction,
		"client_order_id": req.ClientOrderID,
	}).Info("Placing order for pending signal")

	result, err := gateway.PlaceOrder(ctx, req)
	if err != nil {
		var rejection *connectors.RejectionError
		if errors.As(err, &rejection) {
			c.reject(ctx, signal, rejection.Reason)
			return true, nil
		}

		// Timeout or transport failure: the order may have reached the
		// broker. Leave the signal PENDING for reconciliation.
		audit.Capture(ctx, c.exceptions, "risk_scheduler", "autotrade", "executeSignal",
			"warn", err, map[string]interface{}{
				"signal_id":       signal.ID,
				"user_id":         signal.UserID,
				"client_order_id": req.ClientOrderID,
			})
		return false, nil
	}

	c.recordFill(ctx, signal, result)
	return true, nil
}

// recordFill persists the new position and marks the signal EXECUTED.
// The order is already filled at this point, so neither failure may
// resurrect the signal; both are captured for manual reconciliation.
func (c *Coordinator) recordFill(ctx context.Context, signal *model.Signal, result *connectors.OrderResult) {
	position := &model.Position{
		UserID:     signal.UserID,
		BrokerName: signal.BrokerName,
		Symbol:     signal.Symbol,
		TradeType:  signal.Direction,
		EntryPrice: result.FillPrice,
		Quantity:   signal.TargetQuantity,
		Status:     model.PositionStatusOpen,
		OrderID:    result.OrderID,
		SignalID:   &signal.ID,
	}

	if err := c.positions.Create(ctx, position); err != nil {
		audit.Capture(ctx, c.exceptions, "risk_scheduler", "autotrade", "recordFill",
			"error", err, map[string]interface{}{
				"signal_id": signal.ID,
				"user_id":   signal.UserID,
				"order_id":  result.OrderID,
				"note":      "order filled but position row not persisted",
			})
	}

	err := c.signals.Transition(ctx, signal.ID,
		model.SignalStatusPending, model.SignalStatusExecuted, reasonOrderFilled)
	if err != nil {
		if errors.Is(err, repository.ErrSignalConflict) {
			audit.Capture(ctx, c.exceptions, "risk_scheduler", "autotrade", "recordFill",
				"error", err, map[string]interface{}{
					"signal_id": signal.ID,
					"order_id":  result.OrderID,
					"note":      "signal transitioned elsewhere after fill",
				})
			return
		}

		audit.Capture(ctx, c.exceptions, "risk_scheduler", "autotrade", "recordFill",
			"error", err, map[string]interface{}{
				"signal_id": signal.ID,
				"order_id":  result.OrderID,
			})
		return
	}

	c.publisher.Publish(signal.UserID, model.TradeEvent{
		EventID:    uuid.NewString(),
		Type:       model.EventTradeExecuted,
		UserID:     signal.UserID,
		PositionID: position.ID,
		SignalID:   signal.ID,
		Symbol:     signal.Symbol,
		TradeType:  signal.Direction,
		Quantity:   signal.TargetQuantity,
		Price:      decimal.NullDecimal{Decimal: result.FillPrice, Valid: true},
		Status:     model.SignalStatusExecuted,
		Timestamp:  c.now(),
	})
}

// reject marks the signal REJECTED with the given reason. Losing the
// compare-and-set race means another actor already settled the signal,
// which is fine.
func (c *Coordinator) reject(ctx context.Context, signal *model.Signal, reason string) {
	err := c.signals.Transition(ctx, signal.ID,
		model.SignalStatusPending, model.SignalStatusRejected, reason)
	if err != nil {
		if errors.Is(err, repository.ErrSignalConflict) {
			return
		}

		audit.Capture(ctx, c.exceptions, "risk_scheduler", "autotrade", "reject",
			"error", err, map[string]interface{}{
				"signal_id": signal.ID,
				"reason":    reason,
			})
		return
	}

	c.publisher.Publish(signal.UserID, model.TradeEvent{
		EventID:   uuid.NewString(),
		Type:      model.EventTradeRejected,
		UserID:    signal.UserID,
		SignalID:  signal.ID,
		Symbol:    signal.Symbol,
		TradeType: signal.Direction,
		Quantity:  signal.TargetQuantity,
		Status:    model.SignalStatusRejected,
		Reason:    reason,
		Timestamp: c.now(),
	})
}
