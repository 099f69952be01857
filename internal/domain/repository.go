// Package domain defines the core interfaces and types for SeenPredyct.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Prediction history
	SavePrediction(ctx context.Context, rec *PredictionRecord) error
	GetPrediction(ctx context.Context, id string) (*PredictionRecord, error)
	ListPredictions(ctx context.Context, filter PredictionFilter) ([]*PredictionRecord, error)

	// Operator profiles
	SaveProfile(ctx context.Context, user *User) error
	GetProfile(ctx context.Context, userID string) (*User, error)

	// Persisted operator session
	SaveSession(ctx context.Context, key string, session *Session) error
	GetSession(ctx context.Context, key string) (*Session, error)
	DeleteSession(ctx context.Context, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "pgx"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath"`

	// PostgreSQL specific (postgres and pgx drivers)
	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword"`
	PostgresDB       string `yaml:"postgresDb"`
	PostgresSSLMode  string `yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}
