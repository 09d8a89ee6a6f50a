package database

import (
	"strings"
	"time"

	"example.com/fooddelivery/services/orders/config"
	"example.com/fooddelivery/services/orders/internal/metrics"
	"example.com/fooddelivery/services/orders/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Connect opens the Postgres pool and registers timing hooks.
func Connect(cfg config.DatabaseConfig, m *metrics.Metrics) (*gorm.DB, error) {
	logLevel := logger.Error
	if cfg.Debug {
		logLevel = logger.Info
	}

	gormLogger := logger.New(
		&logAdapter{},
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get database connection")
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := RegisterHooks(db, m); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates or updates the orders and outbox tables.
func Migrate(db *gorm.DB) error {
	if err := models.SetupModels(db); err != nil {
		return errors.Wrap(err, "failed to run migrations")
	}
	return nil
}

// Close releases the pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsRecordNotFoundError checks if an error is a record not found error
func IsRecordNotFoundError(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// IsUniqueViolation reports whether err is a unique constraint violation. When
// column is given, the violated constraint name must mention it.
func IsUniqueViolation(err error, column string) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) && column == "" {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return column == "" || strings.Contains(pgErr.ConstraintName, column)
}

// logAdapter routes GORM log lines through zerolog.
type logAdapter struct{}

func (l *logAdapter) Printf(format string, args ...interface{}) {
	log.Debug().Str("component", "gorm").Msgf(format, args...)
}
