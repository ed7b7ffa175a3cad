// Package sqlite keeps execution history in a single SQLite file. The driver
// is modernc.org/sqlite behind glebarez/sqlite, so no cgo is needed. Queries
// reuse the postgres package's repository and models.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/coderunner/internal/storage"
	pgstore "github.com/jkaninda/coderunner/internal/storage/postgres"
)

const (
	defaultJournalMode = "wal"
	busyTimeoutMS      = 5000
)

var journalModes = map[string]bool{
	"delete": true, "truncate": true, "persist": true,
	"memory": true, "wal": true, "off": true,
}

// Config holds SQLite settings. JournalMode defaults to "wal".
type Config struct {
	Path        string
	JournalMode string
}

func (c Config) journalMode() (string, error) {
	mode := strings.ToLower(strings.TrimSpace(c.JournalMode))
	if mode == "" {
		return defaultJournalMode, nil
	}
	if !journalModes[mode] {
		return "", fmt.Errorf("unsupported sqlite journal mode %q", c.JournalMode)
	}
	return mode, nil
}

// dsn renders the file path with its connection pragmas.
func (c Config) dsn(mode string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", mode))
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS))
	q.Add("_pragma", "foreign_keys(ON)")
	return c.Path + "?" + q.Encode()
}

// Store is the SQLite storage.Store.
type Store struct {
	*pgstore.ExecutionRepository

	db   *gorm.DB
	path string
}

var _ storage.Store = (*Store)(nil)

// Open creates the parent directory and opens the file. The schema is not
// touched until Migrate.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if slogger == nil {
		slogger = slog.Default()
	}
	mode, err := cfg.journalMode()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("creating directory for %s: %w", cfg.Path, err)
	}

	db, err := gorm.Open(sqlite.Open(cfg.dsn(mode)), pgstore.GormConfig(slogger, false))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cfg.Path, err)
	}

	slogger.Info("history database ready",
		slog.String("driver", "sqlite"),
		slog.String("path", cfg.Path),
		slog.String("journal_mode", mode),
	)
	return &Store{
		ExecutionRepository: pgstore.NewExecutionRepository(db),
		db:                  db,
		path:                cfg.Path,
	}, nil
}

func (s *Store) Migrate(context.Context) error { return pgstore.AutoMigrate(s.db) }

func (s *Store) Ping(ctx context.Context) error { return pgstore.PingGorm(ctx, s.db) }

func (s *Store) Close() error { return pgstore.CloseGorm(s.db) }

// Driver reports storage.DriverSQLite.
func (*Store) Driver() string { return storage.DriverSQLite }

// Path is the database file.
func (s *Store) Path() string { return s.path }
