package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/hbomb79/Crate/pkg/logger"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	sqldblogger "github.com/simukti/sqldb-logger"
)

const (
	SqlDialect          = "postgres"
	SqlConnectionString = "host=%s user=%s password=%s dbname=%s port=%s sslmode=%s"
)

var (
	//go:embed migrations/*.sql
	migrations embed.FS

	dbLogger = logger.Get("DB")

	ErrNotConnected = errors.New("database manager has not yet connected")
)

type (
	SqlLogger struct {
		logger logger.Logger
	}

	Manager struct {
		rawDb *sql.DB
		db    *sqlx.DB
	}
)

func New() *Manager {
	return &Manager{}
}

// Connect opens the connection to Postgres, retrying while the server
// comes up, and then runs any pending migrations.
func (db *Manager) Connect(config DatabaseConfig) error {
	dsn := config.DSN()
	conn, err := sql.Open(SqlDialect, dsn)
	if err != nil {
		return fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if config.LogQueries {
		conn = sqldblogger.OpenDriver(dsn, conn.Driver(), &SqlLogger{dbLogger})
	}

	attempts := max(config.ConnectAttempts, 1)
	for attempt := 1; ; attempt++ {
		err := conn.Ping()
		if err == nil {
			break
		}

		if attempt >= attempts {
			dbLogger.Emit(logger.ERROR, "All %d connection attempts FAILED!\n", attempts)
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}

		dbLogger.Emit(logger.WARNING, "Attempt (%d/%d) failed... Retrying in %s\n", attempt, attempts, config.RetryInterval())
		time.Sleep(config.RetryInterval())
	}

	db.rawDb = conn
	db.db = sqlx.NewDb(conn, SqlDialect)
	if err := db.ExecuteMigrations(); err != nil {
		return err
	}

	dbLogger.Emit(logger.SUCCESS, "Database connection complete!\n")
	return nil
}

// ExecuteMigrations uses the compile-time embedded SQL migrations (found in the
// 'migrations' dir in this package) and runs them against the current DB instance.
func (db *Manager) ExecuteMigrations() error {
	if db.rawDb == nil {
		return ErrNotConnected
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(dbLogger)
	if err := goose.SetDialect(SqlDialect); err != nil {
		return fmt.Errorf("failed to set dialect for DB migration: %w", err)
	}

	dbLogger.Emit(logger.INFO, "Checking for pending DB migrations...\n")
	if err := goose.Up(db.rawDb, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate DB: %w", err)
	}

	dbLogger.Emit(logger.SUCCESS, "DB migration complete!\n")
	return nil
}

// GetSqlxDb returns the database connection if one has been
// opened using 'Connect'. Otherwise, nil is returned.
func (db *Manager) GetSqlxDb() *sqlx.DB {
	return db.db
}

// WrapTx is a convenience method around the top-level WrapTx, which
// uses the managers DB instance.
func (db *Manager) WrapTx(ctx context.Context, f func(tx *sqlx.Tx) error) error {
	if db.db == nil {
		return ErrNotConnected
	}

	return WrapTx(ctx, db.db, f)
}

func (db *Manager) Close() error {
	if db.db == nil {
		return nil
	}
	return db.db.Close()
}

func (l *SqlLogger) Log(_ context.Context, level sqldblogger.Level, msg string, data map[string]any) {
	template := "%s - %v\n"
	switch level {
	case sqldblogger.LevelTrace:
		l.logger.Verbosef(template, msg, data)
	case sqldblogger.LevelDebug, sqldblogger.LevelInfo:
		duration := data["duration"]
		if query, ok := data["query"]; ok {
			l.logger.Debugf("%s [%.2fms] -- %s\n", msg, duration, query)
		} else {
			l.logger.Debugf("%s [%.2fms]\n", msg, duration)
		}
	case sqldblogger.LevelError:
		l.logger.Errorf(template, msg, data)
	}
}

// WrapTx starts a transaction against the provided DB, and then calls the user
// provided function. If this function errors, the transaction is rolled back,
// otherwise the transaction is committed.
func WrapTx(ctx context.Context, db *sqlx.DB, f func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := f(tx); err != nil {
		dbLogger.Errorf("Transaction failed... rolling back. Error: %s\n", err.Error())
		return err
	}

	return tx.Commit()
}
