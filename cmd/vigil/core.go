package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/vigil/internal/config"
	"github.com/nugget/vigil/internal/events"
	"github.com/nugget/vigil/internal/history"
	"github.com/nugget/vigil/internal/ingest"
	"github.com/nugget/vigil/internal/logbook"
	"github.com/nugget/vigil/internal/metrics"
	"github.com/nugget/vigil/internal/opstate"
	"github.com/nugget/vigil/internal/redisstate"
	"github.com/nugget/vigil/internal/sensor"
	"github.com/nugget/vigil/internal/surface"
)

// Database file names under the data directory.
const (
	stateDBName   = "vigil.db"
	logbookDBName = "logbook.db"
)

// core is the persisted part of the pipeline shared by every command
// that touches state: the state surface, the event history and the
// logbook, all restored from disk.
type core struct {
	loc      *time.Location
	surface  *surface.Surface
	registry *sensor.Registry
	history  *history.Buffer[sensor.Record]
	ingestor *ingest.Ingestor
	logbook  *logbook.Logbook

	closers []func() error
}

// openCore opens the configured state backend and logbook store and
// restores history and logbook from them. bus and met may be nil.
func openCore(ctx context.Context, cfg *config.Config, bus *events.Bus, met *metrics.Metrics, logger *slog.Logger) (*core, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	c := &core{loc: loc}

	var store surface.Store
	switch cfg.State.Backend {
	case config.StateBackendRedis:
		rs, err := redisstate.New(ctx, redisstate.Options{
			Addr:     cfg.State.Redis.Addr,
			Password: cfg.State.Redis.Password,
			DB:       cfg.State.Redis.DB,
			Prefix:   cfg.State.Redis.Prefix,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open redis state store: %w", err)
		}
		c.closers = append(c.closers, rs.Close)
		store = rs
		logger.Info("state store opened", "backend", "redis", "addr", cfg.State.Redis.Addr)
	default:
		dbPath := filepath.Join(cfg.DataDir, stateDBName)
		ss, err := opstate.NewStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open state database %s: %w", dbPath, err)
		}
		c.closers = append(c.closers, ss.Close)
		store = ss
		logger.Info("state store opened", "backend", "sqlite", "path", dbPath)
	}

	c.surface = surface.New(store, bus, logger)
	c.registry = sensor.NewRegistry(cfg.Devices)
	c.history = history.New[sensor.Record](cfg.History.Capacity)
	c.ingestor = ingest.New(c.registry, c.history, c.surface, ingest.Options{
		Bus:        bus,
		Metrics:    met,
		Logger:     logger,
		DebugSlots: cfg.History.DebugSlots,
		Location:   loc,
	})
	c.ingestor.Restore(ctx)

	var persister logbook.Persister
	switch cfg.Analysis.LogbookStore {
	case config.LogbookStoreBlob:
		persister = logbook.NewBlobPersister(c.surface)
	default:
		dbPath := filepath.Join(cfg.DataDir, logbookDBName)
		ls, err := logbook.NewSQLiteStore(dbPath, cfg.Analysis.LogbookCapacity)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("open logbook database %s: %w", dbPath, err)
		}
		c.closers = append(c.closers, ls.Close)
		persister = ls
	}
	c.logbook = logbook.New(persister, c.surface, logbook.Options{
		Capacity:   cfg.Analysis.LogbookCapacity,
		DebugSlots: cfg.Analysis.DebugSlots,
		Location:   loc,
		Metrics:    met,
		Logger:     logger,
	})
	c.logbook.LoadOnStartup(ctx)

	logger.Info("sensor registry loaded", "devices", c.registry.Len())
	return c, nil
}

// Close releases the stores in reverse open order.
func (c *core) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	return errors.Join(errs...)
}
