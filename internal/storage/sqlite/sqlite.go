// Package sqlite keeps the audit log in a single SQLite file through GORM.
// The driver is glebarez/sqlite (modernc.org/sqlite underneath), so no CGO.
//
// The schema and repository are shared with the postgres package; only the
// connection setup differs.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/safeshell/internal/audit"
	pgstore "github.com/jkaninda/safeshell/internal/storage/postgres"
)

const busyTimeoutMS = 5000

// Config locates the database file.
type Config struct {
	Path        string
	JournalMode string // wal (default), delete, truncate, persist, memory or off.
}

// Store is the SQLite backend.
type Store struct {
	db    *gorm.DB
	path  string
	audit *pgstore.AuditRepository
}

// Open creates the parent directory if needed and opens the file. The pool is
// limited to one connection: SQLite serialises writers anyway, and a single
// connection avoids SQLITE_BUSY between concurrent audit appends.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	mode, err := journalMode(cfg.JournalMode)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)&_pragma=synchronous(normal)",
		cfg.Path, mode, busyTimeoutMS)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  pgstore.NewGormLogger(logger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", cfg.Path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	logger.Info("sqlite store opened",
		slog.String("path", cfg.Path),
		slog.String("journal_mode", mode),
	)
	return &Store{db: db, path: cfg.Path, audit: pgstore.NewAuditRepository(db)}, nil
}

func journalMode(m string) (string, error) {
	m = strings.ToLower(strings.TrimSpace(m))
	switch m {
	case "":
		return "wal", nil
	case "wal", "delete", "truncate", "persist", "memory", "off":
		return m, nil
	}
	return "", fmt.Errorf("unsupported sqlite journal mode %q", m)
}

func (s *Store) Migrate(_ context.Context) error { return pgstore.AutoMigrate(s.db) }

// Audit returns the shared GORM repository bound to this file.
func (s *Store) Audit() audit.Store { return s.audit }

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string { return "sqlite" }

// Path is the database file.
func (s *Store) Path() string { return s.path }
