package postgres

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/alertrelay/alertrelay/pkg/config"
	"github.com/alertrelay/alertrelay/pkg/model"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Store struct {
	db     *gorm.DB
	driver string
}

// NewGormLogger sends gorm's slow query and error lines to zap. Lookups that
// find nothing are normal here and stay quiet.
func NewGormLogger(l *zap.Logger) logger.Interface {
	if l == nil {
		l = zap.NewNop()
	}
	return logger.New(zap.NewStdLog(l), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

func NewStore(cfg *config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger: NewGormLogger(log),
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverSQLite:
		dialector = sqlite.Open(cfg.Path)
	case DriverPostgres, "":
		dialector = postgres.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.Driver == DriverSQLite {
		// one writer at a time, or sqlite reports the database as locked
		sqlDB.SetMaxOpenConns(1)
	}

	return &Store{db: db, driver: db.Dialector.Name()}, nil
}

// NewStoreFromDB wraps an already opened connection.
func NewStoreFromDB(db *gorm.DB) *Store {
	return &Store{db: db, driver: db.Dialector.Name()}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

// Driver is the gorm dialector name, "postgres" or "sqlite".
func (s *Store) Driver() string {
	return s.driver
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&model.Trigger{},
		&model.InboundMessage{},
		&model.NotificationEvent{},
	)
}
