package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-pdv/internal/auth"
	"github.com/odyssey-erp/odyssey-pdv/internal/checkout"
	"github.com/odyssey-erp/odyssey-pdv/internal/events"
	"github.com/odyssey-erp/odyssey-pdv/internal/fiscal"
	"github.com/odyssey-erp/odyssey-pdv/internal/fiscal/cat52"
	"github.com/odyssey-erp/odyssey-pdv/internal/fiscal/virtual"
	"github.com/odyssey-erp/odyssey-pdv/internal/inventory"
	"github.com/odyssey-erp/odyssey-pdv/internal/ledger"
	"github.com/odyssey-erp/odyssey-pdv/internal/observability"
	"github.com/odyssey-erp/odyssey-pdv/internal/params"
	"github.com/odyssey-erp/odyssey-pdv/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-pdv/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pdv/internal/prompt"
	"github.com/odyssey-erp/odyssey-pdv/internal/shared"
	"github.com/odyssey-erp/odyssey-pdv/internal/store"
	"github.com/odyssey-erp/odyssey-pdv/internal/till"
)

// Station bundles the services of one point of sale.
type Station struct {
	ID       uuid.UUID
	Name     string
	Location *time.Location
	branchID uuid.UUID

	Pool        *pgxpool.Pool
	Redis       *redis.Client
	Stores      *store.Manager
	Broadcaster *store.RedisBroadcaster
	Params      *params.Cache
	Version     *params.RedisVersion
	Bus         *events.Bus
	Printer     *fiscal.Facade
	Tills       *till.Manager
	Stock       *inventory.Service
	Checkout    *checkout.Coordinator
	Exporter    *cat52.Exporter
	Auth        *auth.Service

	logger *slog.Logger
}

// StationOptions carries the process-specific collaborators.
type StationOptions struct {
	Config   *Config
	Logger   *slog.Logger
	Prompter prompt.Prompter
	Metrics  *observability.Metrics
	// Driver overrides the printer built from configuration.
	Driver fiscal.Driver
}

// OpenStation connects storage, printer and services for the configured station.
// Without PG_DSN records live in memory; without REDIS_ADDR no cross-process
// invalidation runs.
func OpenStation(ctx context.Context, opts StationOptions) (*Station, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("app: station config required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prompter := opts.Prompter
	if prompter == nil {
		prompter = &prompt.Scripted{}
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	s := &Station{Name: cfg.StationName, Location: loc, logger: logger}

	var (
		backend store.Backend = store.NewMemoryBackend()
		source  params.Source = params.NewMapSource(nil)
		auditor checkout.Auditor = &shared.MemoryAuditLog{}
	)
	if cfg.UsesDatabase() {
		pool, err := db.New(ctx, cfg.PGDSN, cfg.PGPassFile)
		if err != nil {
			return nil, err
		}
		s.Pool = pool
		pg := store.NewPGBackend(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		backend = pg
		source = params.NewPGSource(pool)
		auditor = shared.NewAuditLogger(pool)
	}
	s.Stores = store.NewManager(backend, logger)

	var versioner params.Versioner
	if cfg.UsesRedis() {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Redis = client
		s.Broadcaster = store.NewRedisBroadcaster(client, logger)
		s.Stores.WithBroadcaster(s.Broadcaster)
		s.Version = params.NewRedisVersion(client)
		versioner = s.Version
	}
	s.Params = params.NewCache(source, versioner, logger)

	driver := opts.Driver
	if driver == nil {
		driver, err = newDriver(cfg, loc, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
	}
	s.Printer = fiscal.NewFacade(driver, logger, opts.Metrics)
	s.Bus = events.NewBus()
	fiscal.NewECF(s.Printer, prompter, logger, cfg.PrinterSerial).Attach(s.Bus)

	s.Tills = till.NewManager(s.Bus, s.Params, ledger.New(), logger)
	s.Exporter = cat52.New(cfg.CAT52Dir, s.Printer, s.Params, logger).WithLocation(loc)
	s.Tills.AddExporter(s.Exporter)
	s.Stock = inventory.NewService(logger)
	s.Checkout = checkout.New(checkout.Deps{
		Stores:   s.Stores,
		Printer:  s.Printer,
		Prompter: prompter,
		Bus:      s.Bus,
		Tills:    s.Tills,
		Stock:    s.Stock,
		Params:   s.Params,
		Batches:  checkout.FirstAvailable{},
		Observer: opts.Metrics,
		Auditor:  auditor,
		Logger:   logger,
	})
	s.Auth = auth.NewService(auth.NewRepository(s.Stores), logger)

	st, err := s.Stores.Begin(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	station, err := till.EnsureStation(ctx, st, cfg.BranchName, cfg.StationName)
	if err == nil {
		err = st.Commit(ctx, true)
	} else {
		_ = st.Rollback(ctx, true)
	}
	if err != nil {
		s.Close()
		return nil, err
	}
	s.ID = station.ID
	s.branchID = station.BranchID
	return s, nil
}

// BranchID returns the branch owning the station.
func (s *Station) BranchID() uuid.UUID {
	return s.branchID
}

// newDriver builds the virtual printer with the limits of the configured profile.
func newDriver(cfg *Config, loc *time.Location, logger *slog.Logger) (fiscal.Driver, error) {
	profiles, err := fiscal.LoadProfilesFile(cfg.PrinterProfiles)
	if err != nil {
		return nil, err
	}
	caps, ok := profiles.Lookup(cfg.PrinterBrand, cfg.PrinterModel)
	if !ok {
		return nil, fmt.Errorf("app: no printer profile for %s %s", cfg.PrinterBrand, cfg.PrinterModel)
	}
	if caps.Brand != "Virtual" {
		logger.Warn("no hardware driver bundled, emulating printer profile",
			slog.String("brand", caps.Brand), slog.String("model", caps.Model))
	}
	caps.Serial = cfg.PrinterSerial
	return virtual.New(caps).WithNow(func() time.Time { return time.Now().In(loc) }), nil
}

// Listen starts the Redis subscribers keeping stores and parameters fresh.
func (s *Station) Listen(ctx context.Context) error {
	if s.Broadcaster != nil {
		if err := s.Broadcaster.Listen(ctx); err != nil {
			return fmt.Errorf("app: store invalidation: %w", err)
		}
	}
	if s.Version != nil {
		if err := s.Version.Listen(ctx, func(int64) { s.Params.Invalidate() }); err != nil {
			return fmt.Errorf("app: params version: %w", err)
		}
	}
	return nil
}

// Close releases connections.
func (s *Station) Close() {
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			s.logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}
