package database

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"riskmanager/src/model"
)

// ReadOnlyDB is the read-only connection to the auth/broker subsystem's
// database, used to look up broker credentials. The database user for
// this connection should have SELECT-only permissions; the core never
// writes credential rows.
var ReadOnlyDB *gorm.DB

// InitReadOnlyDB initializes the read-only database connection.
// It does not run any migrations and should only be used for reading data.
func InitReadOnlyDB() error {
	config := GetConfig()
	db, err := gorm.Open(postgres.Open(config.DatabaseURLReadOnly),
		&gorm.Config{
			PrepareStmt:    true,
			TranslateError: true,
			Logger:         logger.Default.LogMode(logger.LogLevel(config.GormLogLevel)),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to connect to read-only database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB from ReadOnlyDB: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping ReadOnlyDB: %w", err)
	}

	// Fail fast if the credential table is not reachable; a scheduler
	// that cannot resolve credentials would reject every signal.
	var count int64
	if err := db.
		Model(&model.BrokerCredential{}).
		Count(&count).Error; err != nil {

		return fmt.Errorf("failed to access broker_credentials: %w", err)
	}

	logrus.WithFields(map[string]interface{}{"count": count}).
		Info("[ReadOnlyDB] broker_credentials reachable")

	ReadOnlyDB = db

	return nil
}
