package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/juju/clock"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/redis/go-redis/v9"

	"github.com/txn2/mcp-streampay/pkg/audit"
	auditpostgres "github.com/txn2/mcp-streampay/pkg/audit/postgres"
	"github.com/txn2/mcp-streampay/pkg/auth"
	"github.com/txn2/mcp-streampay/pkg/chain"
	"github.com/txn2/mcp-streampay/pkg/database/migrate"
	"github.com/txn2/mcp-streampay/pkg/health"
	"github.com/txn2/mcp-streampay/pkg/httpapi"
	"github.com/txn2/mcp-streampay/pkg/ingest"
	"github.com/txn2/mcp-streampay/pkg/notify"
	"github.com/txn2/mcp-streampay/pkg/poller"
	"github.com/txn2/mcp-streampay/pkg/registry"
	registrypostgres "github.com/txn2/mcp-streampay/pkg/registry/postgres"
	"github.com/txn2/mcp-streampay/pkg/session"
	"github.com/txn2/mcp-streampay/pkg/stream"
	"github.com/txn2/mcp-streampay/pkg/timesource"
)

// ErrNoBackend is returned when no chain client is supplied and
// chain.simulate is off.
var ErrNoBackend = errors.New("no chain backend: set chain.simulate or supply one with WithBackend")

// Platform is the main platform facade.
type Platform struct {
	config    *Config
	logger    *slog.Logger
	lifecycle *Lifecycle

	ts       *timesource.Clock
	backend  Backend
	manager  *chain.Manager
	registry *registry.Registry

	db       *sql.DB
	ownsDB   bool
	store    *registrypostgres.Store
	auditLog audit.Logger
	metrics  audit.Metrics

	sink      notify.Sink
	redis     *redis.Client
	publisher *notify.Publisher

	pool      *session.Pool
	scheduler *poller.Scheduler
	ingester  *ingest.Ingester
	health    *health.Checker

	authenticator auth.Authenticator
	mcpServer     *mcp.Server
	api           *httpapi.Handler

	watchMu  sync.Mutex
	watches  map[stream.Identity]*poller.Handle
	creators map[chain.Address]bool
}

// New creates a new platform instance.
func New(opts ...Option) (*Platform, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Config == nil {
		return nil, errors.New("config is required")
	}
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Platform{
		config:    options.Config,
		logger:    logger,
		lifecycle: NewLifecycle(logger),
		watches:   make(map[stream.Identity]*poller.Handle),
	}

	if err := p.initializeComponents(options); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("initializing components: %w", err)
	}
	return p, nil
}

// initializeComponents initializes all platform components.
func (p *Platform) initializeComponents(opts *Options) error {
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	p.ts = timesource.New(clk)

	if err := p.initChain(opts); err != nil {
		return err
	}
	if err := p.initStorage(opts); err != nil {
		return err
	}
	p.initAudit(opts)
	p.initNotify(opts)
	p.initSessions()
	if err := p.initAuth(); err != nil {
		return err
	}
	p.initServers()
	p.registerHooks()
	p.validateAgentInstructions()
	return nil
}

// initChain sets up the chain backend and the stream registry.
func (p *Platform) initChain(opts *Options) error {
	cfg := p.config.Chain
	manager := chain.MustParseAddress(cfg.Manager)

	switch {
	case opts.Backend != nil:
		p.backend = opts.Backend
	case cfg.Simulate:
		b, err := newSimulatedBackend(context.Background(), p.ts.Clock(), cfg)
		if err != nil {
			return fmt.Errorf("creating simulated chain: %w", err)
		}
		p.backend = b
	default:
		return ErrNoBackend
	}

	p.manager = chain.NewManager(p.backend, manager)
	p.registry = registry.New(registry.WithLogger(p.logger))
	return nil
}

// initStorage opens the database, if any, and the registry store on it.
func (p *Platform) initStorage(opts *Options) error {
	p.db = opts.DB
	if p.db == nil && p.config.Database.DSN != "" {
		db, err := sql.Open("postgres", p.config.Database.DSN)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(p.config.Database.MaxOpenConns)
		p.db = db
		p.ownsDB = true
	}
	if p.db != nil {
		p.store = registrypostgres.New(p.db, registrypostgres.Config{Logger: p.logger})
	}
	return nil
}

// initAudit selects the audit logger: injected, PostgreSQL, in-memory, or
// none.
func (p *Platform) initAudit(opts *Options) {
	switch {
	case opts.AuditLogger != nil:
		p.auditLog = opts.AuditLogger
	case !p.config.Audit.Enabled:
		p.auditLog = audit.NoopLogger{}
	case p.db != nil:
		p.auditLog = auditpostgres.New(p.db, auditpostgres.Config{RetentionDays: p.config.Audit.RetentionDays})
	default:
		p.auditLog = audit.NewMemoryLogger(p.config.Audit.MemoryCapacity, p.logger)
	}
	if m, ok := p.auditLog.(audit.Metrics); ok {
		p.metrics = m
	}
}

// initNotify keeps an injected sink. A Redis sink is connected at start.
func (p *Platform) initNotify(opts *Options) {
	p.sink = opts.Sink
}

// initSessions builds the session pool, the poll scheduler and the ingester.
func (p *Platform) initSessions() {
	cfg := p.config
	var account chain.Address
	if cfg.Session.Account != "" {
		account = chain.MustParseAddress(cfg.Session.Account)
	}

	p.pool = session.NewPool(p.registry, p.manager, p.ts, session.Config{
		Account:          account,
		ConfirmTimeout:   cfg.Session.ConfirmTimeout,
		ReconcileTimeout: cfg.Session.ReconcileTimeout,
		MaxAuthorityAge:  cfg.Session.MaxAuthorityAge,
		WarningLevel:     cfg.Session.WarningLevel,
		CriticalLevel:    cfg.Session.CriticalLevel,
		Logger:           p.logger,
		Audit:            p.auditLog,
	}, cfg.Session.IdleTTL)

	p.scheduler = poller.New(p.ts.Clock(), poller.WithLogger(p.logger))

	var filter chain.Filter
	if cfg.Ingest.Creator != "" {
		filter.Creator = chain.MustParseAddress(cfg.Ingest.Creator)
	}
	p.ingester = ingest.New(p.backend, p.backend, p.manager, p.registry, p.ts, ingest.Config{
		Manager:       p.manager.Address(),
		FromBlock:     cfg.Ingest.FromBlock,
		Filter:        filter,
		Concurrency:   cfg.Ingest.Concurrency,
		RetryInitial:  cfg.Ingest.RetryInitial,
		RetryMaxDelay: cfg.Ingest.RetryMaxDelay,
		Logger:        p.logger,
		Audit:         p.auditLog,
	})

	if len(cfg.Polling.Creators) > 0 {
		p.creators = make(map[chain.Address]bool, len(cfg.Polling.Creators))
		for _, c := range cfg.Polling.Creators {
			p.creators[chain.MustParseAddress(c)] = true
		}
	}

	p.health = health.NewChecker()
	if p.db != nil {
		p.health.AddCheck("database", p.db.PingContext)
	}
}

// initAuth chains the enabled authenticators: API keys first, then JWT.
func (p *Platform) initAuth() error {
	var auths []auth.Authenticator
	if p.config.Auth.APIKeys.Enabled {
		auths = append(auths, auth.NewAPIKeyAuthenticator(auth.APIKeyConfig{Keys: p.config.Auth.APIKeys.Keys}))
	}
	if p.config.Auth.JWT.Enabled {
		j, err := auth.NewJWTAuthenticator(auth.JWTConfig{
			Issuer:     p.config.Auth.JWT.Issuer,
			SigningKey: []byte(p.config.Auth.JWT.SigningKey),
			RolesClaim: p.config.Auth.JWT.RolesClaim,
		})
		if err != nil {
			return fmt.Errorf("creating jwt authenticator: %w", err)
		}
		auths = append(auths, j)
	}
	if len(auths) > 0 {
		p.authenticator = auth.Chain(auths...)
	}
	return nil
}

// initServers builds the MCP server and the REST handler.
func (p *Platform) initServers() {
	p.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    p.config.Server.Name,
		Version: p.config.Server.Version,
	}, &mcp.ServerOptions{
		Instructions: p.config.Server.AgentInstructions,
	})
	p.registerTools()

	p.api = httpapi.NewHandler(p.registry, p.pool, p.ts, p.auditLog, p.metrics, httpapi.Config{
		Manager:       p.manager.Address(),
		WarningLevel:  p.config.Session.WarningLevel,
		CriticalLevel: p.config.Session.CriticalLevel,
		Authenticator: p.authenticator,
		RequireAuth:   p.config.Auth.Required,
		Logger:        p.logger,
	})
}

// registerHooks registers the start and stop order. Everything that
// subscribes to the registry starts before ingestion so the history load is
// observed in full.
func (p *Platform) registerHooks() {
	if p.store != nil {
		p.lifecycle.Append(Hook{Name: "registry store", Start: p.startStore, Stop: func(context.Context) error {
			return p.store.Close()
		}})
	}
	if pg, ok := p.auditLog.(*auditpostgres.Store); ok {
		p.lifecycle.Append(Hook{Name: "audit cleanup", Start: func(context.Context) error {
			pg.StartCleanupRoutine(p.config.Audit.CleanupInterval)
			return nil
		}})
	}
	p.lifecycle.Append(Hook{Name: "notify", Start: p.startNotify, Stop: p.stopNotify})
	if p.config.Polling.Enabled {
		var unsubscribe func()
		p.lifecycle.Append(Hook{Name: "polling", Start: func(context.Context) error {
			unsubscribe = p.registry.Subscribe(p.watchChange)
			// Records seeded from the store produce no change on reload.
			for _, rec := range p.registry.All() {
				p.watchChange(registry.Change{Result: registry.Unchanged, Record: rec})
			}
			return nil
		}, Stop: func(context.Context) error {
			unsubscribe()
			return p.scheduler.Close()
		}})
	}
	p.lifecycle.Append(Hook{Name: "sessions", Start: func(context.Context) error {
		p.pool.StartCleanupRoutine(p.config.Session.CleanupInterval)
		return nil
	}, Stop: func(context.Context) error {
		return p.pool.Close()
	}})
	p.lifecycle.Append(p.ingestHook())
}

func (p *Platform) startStore(ctx context.Context) error {
	if err := migrate.Run(p.db); err != nil {
		return err
	}
	summary, err := p.store.Seed(ctx, p.registry, registrypostgres.Filter{Manager: p.manager.Address()})
	if err != nil {
		return err
	}
	p.logger.Info("registry seeded from store", "records", summary.Total(), "inserted", summary.Inserted)
	p.store.Attach(p.registry)
	return nil
}

func (p *Platform) startNotify(ctx context.Context) error {
	sink := p.sink
	if sink == nil {
		if !p.config.Notify.Enabled {
			return nil
		}
		client, err := notify.NewRedisClient(ctx, p.config.Notify.URL, p.config.Notify.Password)
		if err != nil {
			return err
		}
		rs := &notify.RedisSink{Client: client}
		p.health.AddCheck("redis", rs.Ping)
		p.redis = client
		sink = rs
	}
	p.publisher = notify.NewPublisher(sink, p.ts, notify.Config{
		Channel:       p.config.Notify.Channel,
		KeyPrefix:     p.config.Notify.KeyPrefix,
		SnapshotTTL:   p.config.Notify.SnapshotTTL,
		Buffer:        p.config.Notify.Buffer,
		WarningLevel:  p.config.Session.WarningLevel,
		CriticalLevel: p.config.Session.CriticalLevel,
		Logger:        p.logger,
	})
	p.publisher.Attach(p.registry)
	return nil
}

func (p *Platform) stopNotify(context.Context) error {
	var errs []error
	if p.publisher != nil {
		errs = append(errs, p.publisher.Close())
	}
	if p.redis != nil {
		if err := p.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (p *Platform) ingestHook() Hook {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	return Hook{
		Name: "ingest",
		Start: func(context.Context) error {
			// Ingestion outlives the start context.
			ctx, c := context.WithCancel(context.Background())
			cancel, done = c, make(chan struct{})
			go func() {
				defer close(done)
				if err := p.ingester.Run(ctx); err != nil {
					p.logger.Error("ingestion stopped", "error", err)
				}
			}()
			p.health.ReadyWhen(ctx, p.ingester.Ready())
			return nil
		},
		Stop: func(ctx context.Context) error {
			p.health.SetDraining()
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("waiting for ingestion: %w", ctx.Err())
			}
		},
	}
}

// watchChange starts polling newly seen live streams and stops polling
// cancelled ones.
func (p *Platform) watchChange(c registry.Change) {
	id := c.Record.Identity
	if p.creators != nil && !p.creators[id.Creator] {
		return
	}

	p.watchMu.Lock()
	defer p.watchMu.Unlock()

	h, watched := p.watches[id]
	switch {
	case c.Record.Cancelled && watched:
		h.Cancel()
		delete(p.watches, id)
	case !c.Record.Cancelled && !watched:
		h, err := p.pool.Watch(id, p.scheduler, poller.Options{
			Interval:   p.config.Polling.Interval,
			Jitter:     p.config.Polling.Jitter,
			MaxBackoff: p.config.Polling.MaxBackoff,
		})
		if err != nil {
			p.logger.Warn("failed to watch stream", "stream", id.String(), "error", err)
			return
		}
		p.watches[id] = h
	}
}

// Start starts the platform.
func (p *Platform) Start(ctx context.Context) error {
	return p.lifecycle.Start(ctx)
}

// Stop stops the platform.
func (p *Platform) Stop(ctx context.Context) error {
	return p.lifecycle.Stop(ctx)
}

// Handler returns the HTTP surface: health probes, the REST API and the
// streamable MCP endpoint.
func (p *Platform) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", p.health.LivenessHandler())
	mux.Handle("GET /readyz", p.health.ReadinessHandler())
	mux.Handle("/api/", p.api)

	var mcpHandler http.Handler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return p.mcpServer
	}, nil)
	if p.authenticator != nil {
		mcpHandler = auth.Middleware(p.authenticator, p.config.Auth.Required)(mcpHandler)
	}
	mux.Handle("/mcp", mcpHandler)
	return mux
}

// MCPServer returns the MCP server.
func (p *Platform) MCPServer() *mcp.Server {
	return p.mcpServer
}

// Config returns the platform configuration.
func (p *Platform) Config() *Config {
	return p.config
}

// Registry returns the stream registry.
func (p *Platform) Registry() *registry.Registry {
	return p.registry
}

// Sessions returns the session pool.
func (p *Platform) Sessions() *session.Pool {
	return p.pool
}

// Health returns the readiness checker.
func (p *Platform) Health() *health.Checker {
	return p.health
}

// Ready is closed once the historical load has completed.
func (p *Platform) Ready() <-chan struct{} {
	return p.ingester.Ready()
}

// Close releases resources owned by the platform. Call Stop first.
func (p *Platform) Close() error {
	var errs []error
	if p.auditLog != nil {
		if err := p.auditLog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing audit log: %w", err))
		}
	}
	if p.ownsDB && p.db != nil {
		if err := p.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	return errors.Join(errs...)
}

// shutdownContext bounds Stop by the configured shutdown timeout.
func (p *Platform) shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.config.Server.ShutdownTimeout)
}

// Shutdown stops and closes the platform within server.shutdown_timeout.
func (p *Platform) Shutdown() error {
	ctx, cancel := p.shutdownContext()
	defer cancel()
	return errors.Join(p.Stop(ctx), p.Close())
}
