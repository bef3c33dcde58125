package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/safeshell/internal/config"
	"github.com/jkaninda/safeshell/internal/storage/postgres"
	"github.com/jkaninda/safeshell/internal/storage/sqlite"
)

// Open connects to the configured backend and migrates it.
// It returns (nil, nil) when the driver is "none".
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.StorageDriverName() {
	case DriverNone:
		logger.Info("storage disabled, audit records are discarded")
		return nil, nil
	case DriverPostgres:
		pg := cfg.Storage.Postgres
		s, err = postgres.Open(postgres.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
	default:
		s, err = sqlite.Open(sqlite.Config{Path: cfg.DatabasePath()}, logger)
	}
	if err != nil {
		return nil, err
	}

	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrating %s store: %w", s.Driver(), err)
	}
	return s, nil
}

var (
	_ Store = (*sqlite.Store)(nil)
	_ Store = (*postgres.DB)(nil)
)
