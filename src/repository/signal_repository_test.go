package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"riskmanager/src/model"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	dialector := postgres.New(postgres.Config{
		DSN:                  "sqlmock_db_0",
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	})

	gdb, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		sqlDB.Close()
		t.Fatalf("failed to open gorm DB with sqlmock: %v", err)
	}

	return gdb, mock
}

func TestSignalRepositoryTransition(t *testing.T) {
	updateSQL := regexp.MustCompile(`UPDATE "trade_signals" SET .+ WHERE id = \$\d+ AND status = \$\d+`)

	t.Run("winning transition updates exactly one row", func(t *testing.T) {
		mockDB, mock := newMockDB(t)
		repo := &SignalRepository{db: mockDB}

		mock.ExpectBegin()
		mock.ExpectExec(updateSQL.String()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := repo.Transition(context.Background(), 7,
			model.SignalStatusPending, model.SignalStatusExecuted, "order filled")
		if err != nil {
			t.Fatalf("unexpected error transitioning signal: %v", err)
		}

		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet sqlmock expectations: %v", err)
		}
	})

	t.Run("losing transition reports conflict", func(t *testing.T) {
		mockDB, mock := newMockDB(t)
		repo := &SignalRepository{db: mockDB}

		mock.ExpectBegin()
		mock.ExpectExec(updateSQL.String()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		err := repo.Transition(context.Background(), 7,
			model.SignalStatusPending, model.SignalStatusRejected, "credential invalid")
		if !errors.Is(err, ErrSignalConflict) {
			t.Fatalf("expected ErrSignalConflict, got %v", err)
		}
	})
}

var sqliteDBSeq int

func newSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()

	sqliteDBSeq++
	dsn := fmt.Sprintf("file:repository_%d?mode=memory&cache=shared", sqliteDBSeq)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite DB: %v", err)
	}

	// Serialize writers so racing transactions queue on the pool
	// instead of failing with a busy database.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&model.Signal{}); err != nil {
		t.Fatalf("failed to migrate signals: %v", err)
	}

	return db
}

func TestSignalRepositoryTransitionConcurrent(t *testing.T) {
	db := newSQLiteDB(t)
	repo := (&SignalRepository{}).WithDB(db)

	signal := model.Signal{
		UserID:    9,
		Symbol:    "RELIANCE",
		Direction: "BUY",
		Status:    model.SignalStatusPending,
	}
	if err := db.Create(&signal).Error; err != nil {
		t.Fatalf("failed to seed signal: %v", err)
	}

	targets := []struct {
		status string
		reason string
	}{
		{model.SignalStatusExecuted, "order filled"},
		{model.SignalStatusRejected, "credential invalid"},
	}

	start := make(chan struct{})
	results := make([]error, len(targets))

	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, status, reason string) {
			defer wg.Done()
			<-start
			results[i] = repo.Transition(context.Background(),
				signal.ID, model.SignalStatusPending, status, reason)
		}(i, target.status, target.reason)
	}
	close(start)
	wg.Wait()

	var winner = -1
	for i, err := range results {
		switch {
		case err == nil:
			if winner >= 0 {
				t.Fatalf("both transitions succeeded on one pending signal")
			}
			winner = i
		case errors.Is(err, ErrSignalConflict):
		default:
			t.Fatalf("transition %d failed unexpectedly: %v", i, err)
		}
	}
	if winner < 0 {
		t.Fatalf("no transition succeeded: %v", results)
	}

	var settled model.Signal
	if err := db.First(&settled, signal.ID).Error; err != nil {
		t.Fatalf("failed to reload signal: %v", err)
	}
	if settled.Status != targets[winner].status {
		t.Fatalf("expected status %s, got %s", targets[winner].status, settled.Status)
	}
	if settled.StatusReason != targets[winner].reason {
		t.Fatalf("expected reason %q, got %q", targets[winner].reason, settled.StatusReason)
	}
}

func TestSignalRepositoryFindPendingByUser(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := &SignalRepository{db: mockDB}

	rows := sqlmock.NewRows([]string{"id", "user_id", "symbol", "direction", "status"}).
		AddRow(1, 9, "RELIANCE", "BUY", model.SignalStatusPending).
		AddRow(4, 9, "TCS", "SELL", model.SignalStatusPending)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "trade_signals" WHERE user_id = $1 AND status = $2 ORDER BY id ASC`)).
		WithArgs(uint(9), model.SignalStatusPending).
		WillReturnRows(rows)

	signals, err := repo.FindPendingByUser(context.Background(), 9)
	if err != nil {
		t.Fatalf("unexpected error fetching pending signals: %v", err)
	}

	if len(signals) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(signals))
	}
	if signals[0].ID != 1 || signals[1].ID != 4 {
		t.Fatalf("signals not in creation order: %+v", signals)
	}
}

func TestSignalRepositoryFindByIDNotFound(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := &SignalRepository{db: mockDB}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "trade_signals" WHERE "trade_signals"."id" = $1 ORDER BY "trade_signals"."id" LIMIT $2`)).
		WithArgs(42, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	signal, err := repo.FindByID(context.Background(), 42)
	if err != nil {
		t.Fatalf("not-found must not be an error, got %v", err)
	}
	if signal != nil {
		t.Fatalf("expected nil signal, got %+v", signal)
	}
}
