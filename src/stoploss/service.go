package stoploss

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"riskmanager/src/audit"
	"riskmanager/src/connectors"
	"riskmanager/src/model"
	"riskmanager/src/publisher"
	"riskmanager/src/repository"
	"riskmanager/src/risk"
)

const (
	closeReasonStopLoss     = "stop_loss_triggered"
	closeReasonTrailingStop = "trailing_stop_triggered"
)

type positionRepository interface {
	FindOpenByUser(ctx context.Context, userID uint) ([]model.Position, error)
	UpdateStopLoss(ctx context.Context, id uint, stopLoss decimal.Decimal) error
	UpdateTrailingStop(ctx context.Context, id uint, trailingStop decimal.Decimal) error
	Close(ctx context.Context, id uint, exitPrice decimal.Decimal, reason string) error
}

type gatewayResolver interface {
	GatewayFor(ctx context.Context, userID uint, brokerName string) (connectors.BrokerGateway, *model.BrokerCredential, error)
}

// Service runs the per-user risk refreshes: dynamic stop-loss and
// trailing stop. Each evaluation takes exactly one quote snapshot per
// position; the same snapshot drives both the tighten decision and the
// breach check.
type Service struct {
	positions  positionRepository
	resolver   gatewayResolver
	publisher  publisher.Publisher
	exceptions audit.ExceptionSink
	policy     risk.Policy
	now        func() time.Time
}

func NewService(
	positions positionRepository,
	resolver gatewayResolver,
	pub publisher.Publisher,
	exceptions audit.ExceptionSink,
	policy risk.Policy,
) *Service {
	return &Service{
		positions:  positions,
		resolver:   resolver,
		publisher:  pub,
		exceptions: exceptions,
		policy:     policy,
		now:        time.Now,
	}
}

// RefreshStopLoss re-evaluates the fixed stop of every OPEN position of
// one user. Quote failures skip the position until the next tick; a
// breached stop closes the position exactly once.
func (s *Service) RefreshStopLoss(ctx context.Context, userID uint) error {
	positions, err := s.positions.FindOpenByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list open positions: %w", err)
	}

	for i := range positions {
		position := &positions[i]

		quote, ok := s.snapshot(ctx, userID, position, "RefreshStopLoss")
		if !ok {
			continue
		}

		side := risk.SideForTradeType(position.TradeType)

		newSL, moved := risk.NextStopLoss(side, position.EntryPrice, quote.Price, position.StopLoss, s.policy)

		if risk.Breached(side, quote.Price, newSL) {
			s.closePosition(ctx, position, quote.Price, closeReasonStopLoss)
			continue
		}

		if !moved {
			continue
		}

		if err := s.positions.UpdateStopLoss(ctx, position.ID, newSL); err != nil {
			if errors.Is(err, repository.ErrPositionNotOpen) {
				// Closed between enumeration and processing; next tick
				// will not see it anymore.
				continue
			}
			audit.Capture(ctx, s.exceptions, "risk_scheduler", "stoploss", "UpdateStopLoss", "error", err,
				map[string]interface{}{"position_id": position.ID})
			continue
		}

		logger.WithFields(map[string]interface{}{
			"position_id": position.ID,
			"user_id":     userID,
			"symbol":      position.Symbol,
			"stop_loss":   newSL,
			"price":       quote.Price,
		}).Info("stop-loss tightened")

		s.publishStopAdjusted(position, newSL, quote.Price)
	}

	return nil
}

// RefreshTrailingStop ratchets the trailing stop of every OPEN position
// of one user. The ratchet never loosens; a breach of the previously
// stored level closes the position.
func (s *Service) RefreshTrailingStop(ctx context.Context, userID uint) error {
	positions, err := s.positions.FindOpenByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list open positions: %w", err)
	}

	for i := range positions {
		position := &positions[i]

		quote, ok := s.snapshot(ctx, userID, position, "RefreshTrailingStop")
		if !ok {
			continue
		}

		side := risk.SideForTradeType(position.TradeType)

		if position.TrailingStop.Valid && risk.Breached(side, quote.Price, position.TrailingStop.Decimal) {
			s.closePosition(ctx, position, quote.Price, closeReasonTrailingStop)
			continue
		}

		newTS, moved := risk.NextTrailingStop(side, quote.Price, position.TrailingStop, s.policy)
		if !moved {
			continue
		}

		if err := s.positions.UpdateTrailingStop(ctx, position.ID, newTS); err != nil {
			if errors.Is(err, repository.ErrPositionNotOpen) {
				continue
			}
			audit.Capture(ctx, s.exceptions, "risk_scheduler", "stoploss", "UpdateTrailingStop", "error", err,
				map[string]interface{}{"position_id": position.ID})
			continue
		}

		logger.WithFields(map[string]interface{}{
			"position_id":   position.ID,
			"user_id":       userID,
			"symbol":        position.Symbol,
			"trailing_stop": newTS,
			"price":         quote.Price,
		}).Info("trailing stop ratcheted")

		s.publishStopAdjusted(position, newTS, quote.Price)
	}

	return nil
}

// snapshot validates the position and takes the single price snapshot
// its evaluation runs on. A false return means skip this position for
// the tick.
func (s *Service) snapshot(
	ctx context.Context,
	userID uint,
	position *model.Position,
	method string,
) (*connectors.Quote, bool) {

	if position.Quantity.LessThanOrEqual(decimal.Zero) {
		// Data invariant violation: OPEN implies quantity > 0. Never
		// auto-corrected, only reported.
		audit.Capture(ctx, s.exceptions, "risk_scheduler", "stoploss", method, "error",
			fmt.Errorf("open position %d has non-positive quantity %s", position.ID, position.Quantity),
			map[string]interface{}{"position_id": position.ID, "user_id": userID})
		return nil, false
	}

	gateway, _, err := s.resolver.GatewayFor(ctx, userID, position.BrokerName)
	if err != nil {
		logger.WithError(err).WithFields(map[string]interface{}{
			"position_id": position.ID,
			"user_id":     userID,
			"broker":      position.BrokerName,
		}).Warn("no usable gateway for position, skipping this tick")
		return nil, false
	}

	quote, err := gateway.GetQuote(ctx, position.Symbol)
	if err != nil {
		logger.WithError(err).WithFields(map[string]interface{}{
			"position_id": position.ID,
			"symbol":      position.Symbol,
		}).Warn("quote unavailable, skipping position this tick")
		return nil, false
	}

	return quote, true
}

func (s *Service) closePosition(
	ctx context.Context,
	position *model.Position,
	exitPrice decimal.Decimal,
	reason string,
) {
	err := s.positions.Close(ctx, position.ID, exitPrice, reason)
	if errors.Is(err, repository.ErrPositionNotOpen) {
		// Someone closed it first; terminal state is idempotent.
		return
	}
	if err != nil {
		audit.Capture(ctx, s.exceptions, "risk_scheduler", "stoploss", "Close", "error", err,
			map[string]interface{}{"position_id": position.ID, "reason": reason})
		return
	}

	logger.WithFields(map[string]interface{}{
		"position_id": position.ID,
		"user_id":     position.UserID,
		"symbol":      position.Symbol,
		"exit_price":  exitPrice,
		"reason":      reason,
	}).Warn("position closed by risk engine")

	s.publisher.Publish(position.UserID, model.TradeEvent{
		EventID:    uuid.NewString(),
		Type:       model.EventPositionClosed,
		UserID:     position.UserID,
		PositionID: position.ID,
		Symbol:     position.Symbol,
		TradeType:  position.TradeType,
		Quantity:   position.Quantity,
		Price:      decimal.NullDecimal{Decimal: exitPrice, Valid: true},
		Status:     model.PositionStatusClosed,
		Reason:     reason,
		Timestamp:  s.now(),
	})
}

func (s *Service) publishStopAdjusted(position *model.Position, level, price decimal.Decimal) {
	s.publisher.Publish(position.UserID, model.TradeEvent{
		EventID:    uuid.NewString(),
		Type:       model.EventStopAdjusted,
		UserID:     position.UserID,
		PositionID: position.ID,
		Symbol:     position.Symbol,
		TradeType:  position.TradeType,
		Quantity:   position.Quantity,
		Price:      decimal.NullDecimal{Decimal: level, Valid: true},
		Status:     model.PositionStatusOpen,
		Timestamp:  s.now(),
	})
}
