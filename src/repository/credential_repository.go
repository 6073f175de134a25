package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"riskmanager/src/database"
	"riskmanager/src/model"
)

// ErrCredentialStoreUnavailable is returned when the read-only
// credential database has no live connection. Lookups fail per-user
// until the connection is re-established.
var ErrCredentialStoreUnavailable = errors.New("broker credential store unavailable")

// CredentialRepository handles read-only lookups of broker credentials
// owned by the auth/broker subsystem. It uses the ReadOnlyDB connection
// by default; the core never writes credential rows. A connection that
// was unavailable at startup is retried lazily on the next lookup.
type CredentialRepository struct {
	mu        sync.Mutex
	db        *gorm.DB
	reconnect func() (*gorm.DB, error)
}

// NewCredentialRepository creates a new repository instance.
func NewCredentialRepository() *CredentialRepository {
	logger.WithField("component", "CredentialRepository").
		Info("Creating new CredentialRepository with ReadOnlyDB")

	return &CredentialRepository{
		db:        database.ReadOnlyDB,
		reconnect: reconnectReadOnly,
	}
}

func reconnectReadOnly() (*gorm.DB, error) {
	if err := database.InitReadOnlyDB(); err != nil {
		return nil, err
	}
	return database.ReadOnlyDB, nil
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or custom sessions (even if read-only).
func (r *CredentialRepository) WithDB(db *gorm.DB) *CredentialRepository {
	logger.WithField("component", "CredentialRepository").
		Debug("Creating CredentialRepository with custom DB instance")

	return &CredentialRepository{db: db}
}

// conn returns the live read-only handle, re-initializing it when the
// startup connection failed or was never made.
func (r *CredentialRepository) conn() (*gorm.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db != nil {
		return r.db, nil
	}
	if r.reconnect == nil {
		return nil, ErrCredentialStoreUnavailable
	}

	db, err := r.reconnect()
	if err != nil {
		logger.WithField("component", "CredentialRepository").
			WithError(err).Error("ReadOnlyDB still unavailable")

		return nil, fmt.Errorf("%w: %v", ErrCredentialStoreUnavailable, err)
	}

	logger.WithField("component", "CredentialRepository").
		Info("ReadOnlyDB connection re-established")

	r.db = db

	return r.db, nil
}

// FindActive fetches the active credential of a user for a broker.
// Returns (nil, nil) when the user has no active credential; expiry is
// checked by the caller against its own clock.
func (r *CredentialRepository) FindActive(
	ctx context.Context,
	userID uint,
	brokerName string,
) (*model.BrokerCredential, error) {

	logger.WithFields(map[string]interface{}{
		"repo":    "CredentialRepository",
		"op":      "FindActive",
		"user_id": userID,
		"broker":  brokerName,
	}).Debug("Fetching active broker credential")

	db, err := r.conn()
	if err != nil {
		return nil, err
	}

	var credential model.BrokerCredential

	err = db.WithContext(ctx).
		Where("user_id = ? AND broker_name = ? AND is_active = ?", userID, brokerName, true).
		Order("id DESC").
		First(&credential).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.WithFields(map[string]interface{}{
				"repo":    "CredentialRepository",
				"op":      "FindActive",
				"user_id": userID,
				"broker":  brokerName,
			}).Info("No active credential found")

			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":    "CredentialRepository",
			"op":      "FindActive",
			"user_id": userID,
			"broker":  brokerName,
		}).WithError(err).Error("Failed to fetch broker credential")

		return nil, err
	}

	return &credential, nil
}
