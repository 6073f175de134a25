package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"riskmanager/src/database"
	"riskmanager/src/model"
)

// ErrSignalConflict is returned when a status transition finds the
// signal no longer in the expected source state, meaning another actor
// already transitioned it. At most one transition out of PENDING ever
// succeeds.
var ErrSignalConflict = errors.New("signal already transitioned")

// SignalRepository handles operations for pending trade signals.
type SignalRepository struct {
	db *gorm.DB
}

// NewSignalRepository creates a new repository instance using the main read/write database.
func NewSignalRepository() *SignalRepository {
	logger.WithField("component", "SignalRepository").
		Info("Creating new SignalRepository with MainDB")

	return &SignalRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *SignalRepository) WithDB(db *gorm.DB) *SignalRepository {
	logger.WithField("component", "SignalRepository").
		Debug("Creating SignalRepository with custom DB instance")

	return &SignalRepository{db: db}
}

// DistinctUsersWithPendingSignals returns each user ID with at least
// one PENDING signal.
func (r *SignalRepository) DistinctUsersWithPendingSignals(
	ctx context.Context,
) ([]uint, error) {

	logger.WithFields(map[string]interface{}{
		"repo": "SignalRepository",
		"op":   "DistinctUsersWithPendingSignals",
	}).Debug("Enumerating users with pending signals")

	var userIDs []uint

	err := r.db.WithContext(ctx).
		Model(&model.Signal{}).
		Where("status = ?", model.SignalStatusPending).
		Distinct("user_id").
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "SignalRepository",
			"op":   "DistinctUsersWithPendingSignals",
		}).WithError(err).Error("Failed to enumerate users with pending signals")

		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "SignalRepository",
		"op":          "DistinctUsersWithPendingSignals",
		"rows_return": len(userIDs),
	}).Info("Users with pending signals enumerated")

	return userIDs, nil
}

// FindPendingByUser fetches PENDING signals for a user in creation
// order, which is also the order the coordinator must process them in.
func (r *SignalRepository) FindPendingByUser(
	ctx context.Context,
	userID uint,
) ([]model.Signal, error) {

	logger.WithFields(map[string]interface{}{
		"repo":    "SignalRepository",
		"op":      "FindPendingByUser",
		"user_id": userID,
	}).Debug("Fetching pending signals for user")

	var signals []model.Signal

	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, model.SignalStatusPending).
		Order("id ASC").
		Find(&signals).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":    "SignalRepository",
			"op":      "FindPendingByUser",
			"user_id": userID,
		}).WithError(err).Error("Failed to fetch pending signals")

		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "SignalRepository",
		"op":          "FindPendingByUser",
		"user_id":     userID,
		"rows_return": len(signals),
	}).Info("Pending signals fetched")

	return signals, nil
}

// FindByID fetches a single signal by its primary ID.
// Returns (nil, nil) if not found.
func (r *SignalRepository) FindByID(
	ctx context.Context,
	id uint,
) (*model.Signal, error) {

	logger.WithFields(map[string]interface{}{
		"repo": "SignalRepository",
		"op":   "FindByID",
		"id":   id,
	}).Debug("Fetching signal by ID")

	var signal model.Signal

	err := r.db.WithContext(ctx).
		First(&signal, id).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.WithFields(map[string]interface{}{
				"repo": "SignalRepository",
				"op":   "FindByID",
				"id":   id,
			}).Info("Signal not found")
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo": "SignalRepository",
			"op":   "FindByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch signal by ID")

		return nil, err
	}

	return &signal, nil
}

// Transition moves a signal from one status to another with
// compare-and-set semantics: the UPDATE is guarded by the expected
// source status, and zero affected rows means another actor won the
// race (ErrSignalConflict).
func (r *SignalRepository) Transition(
	ctx context.Context,
	id uint,
	fromStatus string,
	toStatus string,
	reason string,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":   "SignalRepository",
		"op":     "Transition",
		"id":     id,
		"from":   fromStatus,
		"to":     toStatus,
		"reason": reason,
	}).Debug("Transitioning signal status")

	updates := map[string]interface{}{
		"status":        toStatus,
		"status_reason": reason,
	}
	if toStatus == model.SignalStatusExecuted {
		updates["executed_at"] = time.Now()
	}

	result := r.db.WithContext(ctx).
		Model(&model.Signal{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)

	if result.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "SignalRepository",
			"op":   "Transition",
			"id":   id,
		}).WithError(result.Error).Error("Failed to transition signal")

		return result.Error
	}

	if result.RowsAffected == 0 {
		logger.WithFields(map[string]interface{}{
			"repo": "SignalRepository",
			"op":   "Transition",
			"id":   id,
			"from": fromStatus,
			"to":   toStatus,
		}).Warn("Signal transition lost race, already transitioned")

		return ErrSignalConflict
	}

	logger.WithFields(map[string]interface{}{
		"repo": "SignalRepository",
		"op":   "Transition",
		"id":   id,
		"to":   toStatus,
	}).Info("Signal transitioned successfully")

	return nil
}
