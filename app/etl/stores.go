package etl

import (
	"context"
	"fmt"

	"github.com/canopy-network/commercex/pkg/audit"
	"github.com/canopy-network/commercex/pkg/config"
	"github.com/canopy-network/commercex/pkg/db"
	"github.com/canopy-network/commercex/pkg/db/clickhouse"
	"github.com/canopy-network/commercex/pkg/db/memory"
	"github.com/canopy-network/commercex/pkg/db/postgres"
	pgaudit "github.com/canopy-network/commercex/pkg/db/postgres/audit"
	"github.com/canopy-network/commercex/pkg/db/warehouse"
	"github.com/canopy-network/commercex/pkg/redis"
	"go.uber.org/zap"
)

// Stores holds the backends selected by configuration.
type Stores struct {
	Warehouse db.Store
	Audit     db.AuditStore
	// Notifier is nil unless NOTIFY_REDIS is set.
	Notifier audit.Notifier

	closers []func() error
}

// OpenStores connects the warehouse and audit backends named in cfg. component
// selects the connection pool sizes.
func OpenStores(ctx context.Context, cfg config.Config, logger *zap.Logger, component string) (*Stores, error) {
	s := &Stores{}

	switch cfg.WarehouseBackend {
	case config.BackendClickHouse:
		wh, err := warehouse.New(ctx, logger, cfg.WarehouseDB, clickhouse.PoolConfigFor(component))
		if err != nil {
			return nil, fmt.Errorf("open warehouse: %w", err)
		}
		s.Warehouse = wh
		s.closers = append(s.closers, wh.Close)
	default:
		s.Warehouse = memory.New()
	}

	switch cfg.AuditBackend {
	case config.BackendPostgres:
		ad, err := pgaudit.New(ctx, logger, cfg.AuditDB, postgres.PoolConfigFor(component))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		s.Audit = ad
		s.closers = append(s.closers, ad.Close)
	default:
		s.Audit = memory.NewAuditLog()
	}

	if cfg.NotifyRedis {
		rc, err := redis.NewClient(ctx, logger)
		if err != nil {
			// notifications are best-effort, a missing broker never blocks a run
			logger.Warn("Redis notifier disabled", zap.Error(err))
		} else {
			s.Notifier = rc
			s.closers = append(s.closers, rc.Close)
		}
	}
	return s, nil
}

// Close releases every backend in reverse order of opening.
func (s *Stores) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}
