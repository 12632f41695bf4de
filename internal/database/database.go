package database

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/backstage/fulfillment/config"
	"example.com/backstage/fulfillment/internal/models"
)

// Connect opens the write database, applies pool settings and optionally
// runs the migrations.
func Connect(cfg config.DatabaseConfig, log zerolog.Logger, debug, migrate bool) (*gorm.DB, error) {
	logLevel := logger.Warn
	adapter := &logAdapter{log: log, level: zerolog.WarnLevel}
	if debug {
		logLevel = logger.Info
		adapter.level = zerolog.DebugLevel
	}

	gormLogger := logger.New(
		adapter,
		logger.Config{
			SlowThreshold:             cfg.SlowThreshold,
			LogLevel:                  logLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	// TranslateError maps unique violations to gorm.ErrDuplicatedKey, which the
	// ledger and payment repositories rely on.
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying DB connection")
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if migrate {
		if err := models.SetupModels(db); err != nil {
			return nil, errors.Wrap(err, "failed to run migrations")
		}
	}

	return db, nil
}

// Close closes the underlying connection pool
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// logAdapter routes gorm's logger through zerolog
type logAdapter struct {
	log   zerolog.Logger
	level zerolog.Level
}

func (l *logAdapter) Printf(format string, args ...interface{}) {
	l.log.WithLevel(l.level).Msgf(format, args...)
}
