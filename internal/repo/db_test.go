package repo

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/chef-meal-orders/internal/config"
	"github.com/tbourn/chef-meal-orders/internal/domain"
)

func TestOpenSQLite_ErrorOnBadPath(t *testing.T) {
	base := t.TempDir()
	bad := filepath.Join(base, "does-not-exist", "app.db")

	db, err := OpenSQLite(bad)
	if err == nil || db != nil {
		t.Fatalf("expected error opening %q, got db=%v err=%v", bad, db, err)
	}
	lower := strings.ToLower(err.Error())
	if !(os.IsNotExist(err) ||
		strings.Contains(lower, "unable to open database file") ||
		strings.Contains(lower, "no such file or directory")) {
		t.Fatalf("unexpected error opening %q: %v", bad, err)
	}
}

func TestOpenSQLite_SetsPragmas_Pool_AndAutoMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.db")

	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	var (
		journalMode string
		syncVal     int
		fkOn        int
		busyMS      int
	)
	if err := db.Raw("PRAGMA journal_mode;").Row().Scan(&journalMode); err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journalMode)
	}
	if err := db.Raw("PRAGMA synchronous;").Row().Scan(&syncVal); err != nil {
		t.Fatalf("PRAGMA synchronous: %v", err)
	}
	// NORMAL == 1
	if syncVal != 1 {
		t.Fatalf("expected synchronous=1 (NORMAL), got %d", syncVal)
	}
	if err := db.Raw("PRAGMA foreign_keys;").Row().Scan(&fkOn); err != nil {
		t.Fatalf("PRAGMA foreign_keys: %v", err)
	}
	if fkOn != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", fkOn)
	}
	if err := db.Raw("PRAGMA busy_timeout;").Row().Scan(&busyMS); err != nil {
		t.Fatalf("PRAGMA busy_timeout: %v", err)
	}
	if busyMS != 5000 {
		t.Fatalf("expected busy_timeout=5000, got %d", busyMS)
	}

	if stats := sqlDB.Stats(); stats.MaxOpenConnections != 1 {
		t.Fatalf("expected MaxOpenConnections=1, got %d", stats.MaxOpenConnections)
	}

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	// Running it twice must be harmless.
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate (second run): %v", err)
	}
	m := db.Migrator()
	for _, tbl := range []any{
		&domain.ChefMealEvent{}, &domain.Order{}, &domain.ChefMealOrder{},
		&domain.IdempotencyRecord{}, &domain.OrderAudit{}, &domain.OutboxEvent{}, &domain.WebhookEvent{},
	} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}
	if !m.HasIndex(&domain.ChefMealOrder{}, ActiveOrderIndex) {
		t.Fatalf("expected index %s", ActiveOrderIndex)
	}
}

func TestOpenDB_DefaultsToSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chef.db")
	db, err := OpenDB(config.DBConfig{Driver: "sqlite", Path: path}, true)
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })

	if db.Dialector.Name() != "sqlite" {
		t.Fatalf("expected sqlite dialector, got %s", db.Dialector.Name())
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
}

func TestNowFunc_IsUTC(t *testing.T) {
	db := newTestDB(t)
	ev := seedEvent(t, db)

	if ev.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC created_at, got %v", ev.CreatedAt.Location())
	}
}

func TestForeignKeys_RestrictEventDelete(t *testing.T) {
	db := newTestDB(t)
	ev := seedEvent(t, db)
	seedOrder(t, db, ev.ID, "cust-1", 1)

	if err := db.Delete(&domain.ChefMealEvent{}, "id = ?", ev.ID).Error; err == nil {
		t.Fatalf("expected FK restriction deleting an event with lines")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{gorm.ErrDuplicatedKey, true},
		{errString("UNIQUE constraint failed: chef_meal_orders.customer_id"), true},
		{errString(`ERROR: duplicate key value violates unique constraint (SQLSTATE 23505)`), true},
		{errString("constraint failed: CHECK"), false},
	}
	for _, c := range cases {
		if got := isUniqueViolation(c.err); got != c.want {
			t.Fatalf("isUniqueViolation(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
