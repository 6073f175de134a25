package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"riskmanager/src/database"
	"riskmanager/src/model"
)

// ErrPositionNotOpen is returned when a stop update or close targets a
// position that already left the OPEN state. Callers treat it as a
// no-op signal, not a failure.
var ErrPositionNotOpen = errors.New("position is not open")

// PositionRepository handles read/write operations for trade positions.
type PositionRepository struct {
	db *gorm.DB
}

// NewPositionRepository creates a new repository instance using the main read/write database.
func NewPositionRepository() *PositionRepository {
	logger.WithField("component", "PositionRepository").
		Info("Creating new PositionRepository with MainDB")

	return &PositionRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *PositionRepository) WithDB(db *gorm.DB) *PositionRepository {
	logger.WithField("component", "PositionRepository").
		Debug("Creating PositionRepository with custom DB instance")

	return &PositionRepository{db: db}
}

// Create inserts a new position. The given position is updated with the
// generated ID and timestamps.
func (r *PositionRepository) Create(
	ctx context.Context,
	position *model.Position,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":       "PositionRepository",
		"op":         "Create",
		"user_id":    position.UserID,
		"symbol":     position.Symbol,
		"trade_type": position.TradeType,
		"qty":        position.Quantity,
	}).Debug("Creating new position")

	err := r.db.WithContext(ctx).Create(position).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "Create",
		}).WithError(err).Error("Failed to create position")

		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "PositionRepository",
		"op":          "Create",
		"position_id": position.ID,
	}).Info("Position created successfully")

	return nil
}

// DistinctUsersWithOpenPositions returns each user ID with at least one
// OPEN position. This is the single consistent read a risk tick fans
// out from; users added afterwards wait for the next tick.
func (r *PositionRepository) DistinctUsersWithOpenPositions(
	ctx context.Context,
) ([]uint, error) {

	logger.WithFields(map[string]interface{}{
		"repo": "PositionRepository",
		"op":   "DistinctUsersWithOpenPositions",
	}).Debug("Enumerating users with open positions")

	var userIDs []uint

	err := r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("status = ?", model.PositionStatusOpen).
		Distinct("user_id").
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "DistinctUsersWithOpenPositions",
		}).WithError(err).Error("Failed to enumerate users with open positions")

		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "PositionRepository",
		"op":          "DistinctUsersWithOpenPositions",
		"rows_return": len(userIDs),
	}).Info("Users with open positions enumerated")

	return userIDs, nil
}

// FindOpenByUser fetches all OPEN positions for a user, oldest first.
func (r *PositionRepository) FindOpenByUser(
	ctx context.Context,
	userID uint,
) ([]model.Position, error) {

	logger.WithFields(map[string]interface{}{
		"repo":    "PositionRepository",
		"op":      "FindOpenByUser",
		"user_id": userID,
	}).Debug("Fetching open positions for user")

	var positions []model.Position

	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, model.PositionStatusOpen).
		Order("id ASC").
		Find(&positions).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":    "PositionRepository",
			"op":      "FindOpenByUser",
			"user_id": userID,
		}).WithError(err).Error("Failed to fetch open positions")

		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "PositionRepository",
		"op":          "FindOpenByUser",
		"user_id":     userID,
		"rows_return": len(positions),
	}).Info("Open positions fetched")

	return positions, nil
}

// FindByID fetches a single position by its primary ID.
// Returns (nil, nil) if the position is not found.
func (r *PositionRepository) FindByID(
	ctx context.Context,
	id uint,
) (*model.Position, error) {

	logger.WithFields(map[string]interface{}{
		"repo": "PositionRepository",
		"op":   "FindByID",
		"id":   id,
	}).Debug("Fetching position by ID")

	var position model.Position

	err := r.db.WithContext(ctx).
		First(&position, id).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.WithFields(map[string]interface{}{
				"repo": "PositionRepository",
				"op":   "FindByID",
				"id":   id,
			}).Info("Position not found")

			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "FindByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch position by ID")

		return nil, err
	}

	return &position, nil
}

// UpdateStopLoss sets the fixed stop-loss of an OPEN position. Rows
// already CLOSED are left untouched and ErrPositionNotOpen is returned.
func (r *PositionRepository) UpdateStopLoss(
	ctx context.Context,
	id uint,
	stopLoss decimal.Decimal,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":      "PositionRepository",
		"op":        "UpdateStopLoss",
		"id":        id,
		"stop_loss": stopLoss,
	}).Debug("Updating position stop-loss")

	result := r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("id = ? AND status = ?", id, model.PositionStatusOpen).
		Update("stop_loss_price", stopLoss)

	if result.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "UpdateStopLoss",
			"id":   id,
		}).WithError(result.Error).Error("Failed to update position stop-loss")

		return result.Error
	}

	if result.RowsAffected == 0 {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "UpdateStopLoss",
			"id":   id,
		}).Info("Position no longer open, stop-loss untouched")

		return ErrPositionNotOpen
	}

	logger.WithFields(map[string]interface{}{
		"repo":      "PositionRepository",
		"op":        "UpdateStopLoss",
		"id":        id,
		"stop_loss": stopLoss,
	}).Info("Position stop-loss updated successfully")

	return nil
}

// UpdateTrailingStop sets the trailing stop of an OPEN position with the
// same not-open semantics as UpdateStopLoss.
func (r *PositionRepository) UpdateTrailingStop(
	ctx context.Context,
	id uint,
	trailingStop decimal.Decimal,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":          "PositionRepository",
		"op":            "UpdateTrailingStop",
		"id":            id,
		"trailing_stop": trailingStop,
	}).Debug("Updating position trailing stop")

	result := r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("id = ? AND status = ?", id, model.PositionStatusOpen).
		Update("trailing_stop_price", trailingStop)

	if result.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "UpdateTrailingStop",
			"id":   id,
		}).WithError(result.Error).Error("Failed to update position trailing stop")

		return result.Error
	}

	if result.RowsAffected == 0 {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "UpdateTrailingStop",
			"id":   id,
		}).Info("Position no longer open, trailing stop untouched")

		return ErrPositionNotOpen
	}

	logger.WithFields(map[string]interface{}{
		"repo":          "PositionRepository",
		"op":            "UpdateTrailingStop",
		"id":            id,
		"trailing_stop": trailingStop,
	}).Info("Position trailing stop updated successfully")

	return nil
}

// Close transitions an OPEN position to CLOSED exactly once. The guard
// on status makes the transition idempotent: a second close attempt
// affects zero rows and reports ErrPositionNotOpen.
func (r *PositionRepository) Close(
	ctx context.Context,
	id uint,
	exitPrice decimal.Decimal,
	reason string,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":       "PositionRepository",
		"op":         "Close",
		"id":         id,
		"exit_price": exitPrice,
		"reason":     reason,
	}).Debug("Closing position")

	now := time.Now()

	result := r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("id = ? AND status = ?", id, model.PositionStatusOpen).
		Updates(map[string]interface{}{
			"status":       model.PositionStatusClosed,
			"exit_price":   exitPrice,
			"closed_at":    now,
			"close_reason": reason,
		})

	if result.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "Close",
			"id":   id,
		}).WithError(result.Error).Error("Failed to close position")

		return result.Error
	}

	if result.RowsAffected == 0 {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "Close",
			"id":   id,
		}).Info("Position already closed")

		return ErrPositionNotOpen
	}

	logger.WithFields(map[string]interface{}{
		"repo":   "PositionRepository",
		"op":     "Close",
		"id":     id,
		"reason": reason,
	}).Info("Position closed successfully")

	return nil
}
