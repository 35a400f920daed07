// Package repo implements the data persistence layer for events, orders and
// their supporting tables, backed by GORM. Functions take a *gorm.DB so they
// compose inside transactions opened by the service layer.
package repo

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/go-faster/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/chef-meal-orders/internal/config"
	"github.com/tbourn/chef-meal-orders/internal/domain"
)

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// OpenDB opens the configured store. When traced is true the GORM
// OpenTelemetry plugin is installed.
func OpenDB(cfg config.DBConfig, traced bool) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		db, err = OpenPostgres(cfg.URL, cfg.MaxOpenConns)
	default:
		db, err = OpenSQLite(cfg.Path)
	}
	if err != nil {
		return nil, err
	}
	if traced {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, errors.Wrap(err, "install gorm tracing")
		}
	}
	return db, nil
}

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
// The pool is pinned to a single connection so concurrent writers queue
// in database/sql instead of failing with SQLITE_BUSY.
func OpenSQLite(path string) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file:") {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), gormConfig())
	if err != nil {
		return nil, err
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	}
	return db, nil
}

// sqliteDSN adds per-connection PRAGMAs so they survive pool reconnects.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// OpenPostgres opens a PostgreSQL database through the pgx-backed GORM driver.
func OpenPostgres(dsn string, maxOpen int) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if sqlDB, err := db.DB(); err == nil {
		if maxOpen <= 0 {
			maxOpen = 20
		}
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxOpen / 2)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	return db, nil
}

// AutoMigrate creates or updates every table and the partial unique index.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&domain.ChefMealEvent{},
		&domain.Order{},
		&domain.ChefMealOrder{},
		&domain.IdempotencyRecord{},
		&domain.OrderAudit{},
		&domain.OutboxEvent{},
		&domain.WebhookEvent{},
	); err != nil {
		return err
	}
	return ensureIndexes(db)
}

// ActiveOrderIndex is the partial unique index that allows at most one
// pending or authorized line per (customer, event).
const ActiveOrderIndex = "ux_chef_meal_orders_active"

func ensureIndexes(db *gorm.DB) error {
	// Same syntax is accepted by SQLite (>= 3.8) and PostgreSQL.
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ` + ActiveOrderIndex + `
		ON chef_meal_orders (customer_id, event_id)
		WHERE status IN ('pending_authorization', 'authorized')`).Error
}
