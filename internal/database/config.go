package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// DatabaseConfig is a subset of the configuration focusing solely
// on database connection items
type DatabaseConfig struct {
	User                 string `yaml:"username" env:"DB_USERNAME" env-required:"true"`
	Password             string `yaml:"password" env:"DB_PASSWORD" env-required:"true"`
	Name                 string `yaml:"name" env:"DB_NAME" env-default:"CRATE_DB"`
	Host                 string `yaml:"host" env:"DB_HOST" env-default:"0.0.0.0"`
	Port                 string `yaml:"port" env:"DB_PORT" env-default:"5432"`
	SSLMode              string `yaml:"ssl_mode" env:"DB_SSL_MODE" env-default:"disable"`
	ConnectAttempts      int    `yaml:"connect_attempts" env:"DB_CONNECT_ATTEMPTS" env-default:"5"`
	RetryIntervalSeconds int    `yaml:"retry_interval_seconds" env:"DB_RETRY_INTERVAL_SECONDS" env-default:"3"`
	LogQueries           bool   `yaml:"log_queries" env:"DB_LOG_QUERIES" env-default:"false"`
}

func (config DatabaseConfig) DSN() string {
	sslMode := config.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(SqlConnectionString, config.Host, config.User, config.Password, config.Name, config.Port, sslMode)
}

func (config DatabaseConfig) RetryInterval() time.Duration {
	return time.Duration(config.RetryIntervalSeconds) * time.Second
}

// Queryable is satisfied by both *sqlx.DB and *sqlx.Tx, allowing
// store methods to run either standalone or as part of a transaction.
type Queryable interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}
