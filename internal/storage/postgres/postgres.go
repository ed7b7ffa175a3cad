// Package postgres keeps execution history in PostgreSQL. The pgx driver
// sits under database/sql and GORM maps storage.Record onto ExecutionModel.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // "pgx" driver for database/sql
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Pool defaults applied when a Config field is zero.
const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

// Config configures the PostgreSQL connection and pool.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// withDefaults fills every zero pool setting.
func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = defaultMaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = defaultConnMaxLifetime
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = defaultConnMaxIdleTime
	}
	return c
}

func (c Config) applyPool(pool *sql.DB) {
	pool.SetMaxOpenConns(c.MaxOpenConns)
	pool.SetMaxIdleConns(c.MaxIdleConns)
	pool.SetConnMaxLifetime(c.ConnMaxLifetime)
	pool.SetConnMaxIdleTime(c.ConnMaxIdleTime)
}

// DB is an open, migrated PostgreSQL history database.
type DB struct {
	gormDB *gorm.DB
}

// Open connects, sizes the pool and migrates the executions table.
func Open(cfg Config, slogger *slog.Logger) (*DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if slogger == nil {
		slogger = slog.Default()
	}
	cfg = cfg.withDefaults()

	pool, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening pgx pool: %w", err)
	}
	cfg.applyPool(pool)

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: pool}), GormConfig(slogger, true))
	if err == nil {
		err = AutoMigrate(gdb)
	}
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("preparing postgres history: %w", err)
	}

	slogger.Info("history database ready",
		slog.String("driver", "postgres"),
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns),
	)
	return &DB{gormDB: gdb}, nil
}

// GormDB exposes the handle repositories are built on.
func (d *DB) GormDB() *gorm.DB { return d.gormDB }

// Ping round-trips to the server.
func (d *DB) Ping(ctx context.Context) error { return PingGorm(ctx, d.gormDB) }

// Close releases the pool.
func (d *DB) Close() error { return CloseGorm(d.gormDB) }

// AutoMigrate brings the history schema up to date. Both SQL backends use it.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ExecutionModel{})
}

// PingGorm pings the pool behind db.
func PingGorm(ctx context.Context, db *gorm.DB) error {
	pool, err := db.DB()
	if err != nil {
		return fmt.Errorf("resolving sql pool: %w", err)
	}
	return pool.PingContext(ctx)
}

// CloseGorm closes the pool behind db.
func CloseGorm(db *gorm.DB) error {
	pool, err := db.DB()
	if err != nil {
		return fmt.Errorf("resolving sql pool: %w", err)
	}
	return pool.Close()
}
