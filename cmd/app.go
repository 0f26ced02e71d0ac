package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/TemporalDynamics/ecosign-sub001/anchoring"
	"github.com/TemporalDynamics/ecosign-sub001/cache"
	"github.com/TemporalDynamics/ecosign-sub001/config"
	"github.com/TemporalDynamics/ecosign-sub001/eventstore"
	"github.com/TemporalDynamics/ecosign-sub001/freeze"
	"github.com/TemporalDynamics/ecosign-sub001/handlers"
	"github.com/TemporalDynamics/ecosign-sub001/models"
	"github.com/TemporalDynamics/ecosign-sub001/tracing"
	"github.com/TemporalDynamics/ecosign-sub001/tsa"
)

// application holds the components shared by the commands
type application struct {
	db        *gorm.DB
	guard     *freeze.Guard
	store     eventstore.Store
	reader    eventstore.Reader
	cache     *cache.StatusCache
	tracer    tracing.Tracer
	policies  anchoring.Policies
	clients   map[string]anchoring.NetworkClient
	gateway   *handlers.AppendGateway
	documents *handlers.DocumentHandler
	submitter *anchoring.Submitter
}

// openDatabase connects to Postgres, installs the write freeze on the legacy
// projection and applies the configured pool limits.
func openDatabase(cfg config.Config) (*gorm.DB, *freeze.Guard, error) {
	gormCfg := &gorm.Config{}
	if cfg.Database.Debug {
		gormCfg.Logger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.Source), gormCfg)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get database handle")
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	guard, err := freeze.Register(db, models.LegacyDocumentsTable)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to install legacy write freeze")
	}
	return db, guard, nil
}

// buildApplication wires the ledger, its caches and the anchoring clients.
func buildApplication(cfg config.Config) (*application, error) {
	app := &application{}

	switch cfg.Ledger.Store {
	case "memory":
		log.Warn().Msg("Using in-memory ledger; nothing survives a restart")
		app.store = eventstore.NewMemoryStore(cfg.Ledger.LockTimeout)
	case "postgres", "":
		db, guard, err := openDatabase(cfg)
		if err != nil {
			return nil, err
		}
		app.db = db
		app.guard = guard
		app.store = eventstore.NewGormStore(db, cfg.Ledger.LockTimeout)
	default:
		return nil, fmt.Errorf("unknown ledger store %q", cfg.Ledger.Store)
	}

	statusCache, err := cache.NewStatusCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		statusCache, _ = cache.NewStatusCache(config.RedisConfig{Enabled: false})
	}
	app.cache = statusCache
	app.reader = cache.NewCachedReader(app.store, statusCache)

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.Disabled()
	}
	app.tracer = tracer

	app.policies = anchoring.PoliciesFromConfig(cfg.Anchoring)
	app.clients = anchoring.ClientsFromPolicies(app.policies, &http.Client{Timeout: cfg.Server.Timeout})

	app.gateway = handlers.NewAppendGateway(app.store, app.policies.Rules(), statusCache)

	var timestamper handlers.Timestamper
	if cfg.TSA.URL != "" {
		timestamper = tsa.NewClient(cfg.TSA, nil)
	}
	app.documents = handlers.NewDocumentHandler(app.gateway, app.reader, timestamper)
	app.submitter = anchoring.NewSubmitter(app.reader, app.gateway, app.clients, app.policies, cfg.Anchoring)

	return app, nil
}

// ping checks the backing services for the readiness probe
func (a *application) ping(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (a *application) close() {
	a.tracer.Close()
	if err := a.cache.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close Redis connection")
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if a.guard != nil && a.guard.Rejected() > 0 {
		log.Warn().Int64("rejected", a.guard.Rejected()).Msg("Direct writes to the legacy projection were rejected")
	}
}
