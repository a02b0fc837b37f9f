// Package store selects the ledger persistence backend from configuration.
package store

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/warp/savings-ledger/config"
	"github.com/warp/savings-ledger/ledger"
	memstore "github.com/warp/savings-ledger/ledger/store"
	"github.com/warp/savings-ledger/store/postgres"
	"github.com/warp/savings-ledger/store/sqlite"
)

// Open returns the TxStore for cfg.DBDriver and a function that releases it.
func Open(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (ledger.TxStore, func(), error) {
	switch cfg.DBDriver {
	case "memory":
		log.Warn("Using in-memory store; all data is lost on exit")
		return memstore.NewMemory(), func() {}, nil

	case "postgres":
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info("Connected to PostgreSQL")
		return s, func() { _ = s.Close() }, nil

	case "sqlite", "":
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.DBPath, err)
		}
		log.WithField("path", cfg.DBPath).Info("Opened SQLite database")
		return s, func() {
			if err := s.Close(); err != nil {
				log.WithError(err).Warn("Failed to close database")
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
}
