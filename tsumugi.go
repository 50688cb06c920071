// Package tsumugi is the public API for embedding the Tsumugi agent
// orchestration core.
//
// Consumers construct an App, optionally plugging in their own notification
// delivery, and run it:
//
//	app, err := tsumugi.New(
//	    tsumugi.WithVersion(version),
//	    tsumugi.WithLogger(logger),
//	    tsumugi.WithNotificationSink(mySlackSink{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph is one-way: tsumugi (root) imports internal/*, and
// internal/* never imports the root. Public types (Notification) are
// standalone structs; conversion helpers live here because this is the only
// file that sees both sides of the boundary.
package tsumugi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/tsumugi/internal/config"
	"github.com/ashita-ai/tsumugi/internal/dispatch"
	"github.com/ashita-ai/tsumugi/internal/notify"
	"github.com/ashita-ai/tsumugi/internal/ratelimit"
	"github.com/ashita-ai/tsumugi/internal/service/autonomy"
	"github.com/ashita-ai/tsumugi/internal/service/memory"
	"github.com/ashita-ai/tsumugi/internal/service/messaging"
	"github.com/ashita-ai/tsumugi/internal/service/orchestrator"
	"github.com/ashita-ai/tsumugi/internal/service/team"
	"github.com/ashita-ai/tsumugi/internal/service/workflow"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
	"github.com/ashita-ai/tsumugi/migrations"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 15 * time.Second
	sweepTimeout    = 2 * time.Minute
)

// App is the Tsumugi lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg    config.Config
	db     *storage.DB
	broker *notify.Broker
	nc     *nats.Conn // nil when NATS is not configured
	router *dispatch.Router

	memory    *memory.Service
	bus       *messaging.Service
	workflows *workflow.Engine
	teams     *team.Executor
	orch      *orchestrator.Service
	autonomy  *autonomy.Service

	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises Tsumugi. It connects to the database, runs migrations,
// wires all services, and returns a ready-to-run App. It does NOT start any
// goroutines; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
		if o.notifyURL == "" {
			cfg.NotifyURL = o.databaseURL
		}
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.natsURL != "" {
		cfg.NATSURL = o.natsURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("tsumugi starting", "version", version)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:       cfg.OTELEndpoint,
		ServiceName:    cfg.ServiceName,
		Version:        version,
		Insecure:       cfg.OTELInsecure,
		SampleRatio:    cfg.OTELSampleRatio,
		MetricInterval: cfg.OTELMetricInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger,
		storage.WithMaxConns(int32(min(cfg.DBMaxConns, math.MaxInt32))),
		storage.WithApplicationName(cfg.ServiceName),
	)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	fail := func(err error) (*App, error) {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, err
	}

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fail(fmt.Errorf("migrations: %w", err))
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extraFS); err != nil {
			return fail(fmt.Errorf("extra migrations[%d]: %w", i, err))
		}
	}

	// Optional NATS transport.
	var (
		nc        *nats.Conn
		publisher dispatch.Publisher
	)
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL,
			nats.Name("tsumugi"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("nats: disconnected", "error", err)
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("nats: reconnected", "url", c.ConnectedUrl())
			}),
		)
		if err != nil {
			return fail(fmt.Errorf("nats: %w", err))
		}
		publisher = dispatch.NewNATSPublisher(nc, cfg.NATSSubjectPrefix)
		logger.Info("nats: enabled", "subject_prefix", cfg.NATSSubjectPrefix)
	} else {
		logger.Info("nats: disabled (no TSUMUGI_NATS_URL)")
	}

	bus := messaging.New(db, logger)
	mem := memory.New(db, logger)

	var (
		executor dispatch.Executor = dispatch.NewBusExecutor(db, bus, publisher, logger)
		limiter  ratelimit.Limiter = ratelimit.NoopLimiter{}
	)
	if cfg.DispatchRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.DispatchRPS, cfg.DispatchBurst)
		executor = dispatch.NewThrottled(executor, limiter, logger)
		logger.Info("dispatch throttling: enabled", "rps", cfg.DispatchRPS, "burst", cfg.DispatchBurst)
	}

	engine := workflow.New(db, executor, workflow.Config{
		Workers:   cfg.SchedulerWorkers,
		QueueSize: cfg.SchedulerQueueSize,
	}, logger)
	teams := team.New(db, bus, mem, executor, logger)
	router := dispatch.NewRouter(db, engine, teams, logger)
	orch := orchestrator.New(db, bus, mem, engine, logger)

	// Notifications: publish through Postgres when a LISTEN connection exists
	// so every process's broker sees them; otherwise fan out in-process.
	var broker *notify.Broker
	sinks := notify.Multi{}
	if db.HasNotifyConn() {
		broker = notify.NewBroker(db, logger)
		sinks = append(sinks, notify.NewPGNotifier(db))
	} else {
		broker = notify.NewBroker(nil, logger)
		sinks = append(sinks, broker)
		logger.Info("notify: postgres delivery disabled (no notify connection)")
	}
	for _, s := range o.sinks {
		sinks = append(sinks, notificationSinkAdapter{sink: s})
	}
	broker.Handle(storage.ChannelCompletions, dispatch.NotificationHandler(router, logger))

	auto := autonomy.New(db, sinks, autonomy.Config{
		DefaultTTL:           cfg.DefaultApprovalTTL,
		HighPendingThreshold: cfg.HighPendingThreshold,
		PolicyCacheTTL:       cfg.PolicyCacheTTL,
		ActionBaseURL:        cfg.ActionBaseURL,
	}, logger)

	return &App{
		cfg:          cfg,
		db:           db,
		broker:       broker,
		nc:           nc,
		router:       router,
		memory:       mem,
		bus:          bus,
		workflows:    engine,
		teams:        teams,
		orch:         orch,
		autonomy:     auto,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Memory returns the shared memory service.
func (a *App) Memory() *memory.Service { return a.memory }

// Messages returns the message bus.
func (a *App) Messages() *messaging.Service { return a.bus }

// Workflows returns the workflow engine.
func (a *App) Workflows() *workflow.Engine { return a.workflows }

// Teams returns the team executor.
func (a *App) Teams() *team.Executor { return a.teams }

// Orchestrator returns the task router.
func (a *App) Orchestrator() *orchestrator.Service { return a.orch }

// Autonomy returns the approval and audit service.
func (a *App) Autonomy() *autonomy.Service { return a.autonomy }

// Completions returns the completion router external executors report to.
func (a *App) Completions() *dispatch.Router { return a.router }

// Subscribe returns a channel of notification events seen by this process.
// Call Unsubscribe when done.
func (a *App) Subscribe() chan notify.Event { return a.broker.Subscribe() }

// Unsubscribe releases a channel returned by Subscribe.
func (a *App) Unsubscribe(ch chan notify.Event) { a.broker.Unsubscribe(ch) }

// Run starts the step scheduler, the completion listeners and the
// maintenance loops, then blocks until ctx is cancelled or a listener fails.
// On return the App is shut down; callers should not call Shutdown.
func (a *App) Run(ctx context.Context) error {
	a.workflows.Start(ctx)
	if n, err := a.workflows.Recover(ctx); err != nil {
		a.logger.Warn("workflow recovery failed", "error", err)
	} else if n > 0 {
		a.logger.Info("workflow recovery re-enqueued steps", "count", n)
	}

	var sub *nats.Subscription
	if a.nc != nil {
		var err error
		sub, err = dispatch.SubscribeCompletions(ctx, a.nc, a.cfg.NATSSubjectPrefix, a.router, a.logger)
		if err != nil {
			return errors.Join(err, a.Shutdown(context.Background()))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.broker.Start(gctx) })
	g.Go(func() error {
		a.every(gctx, "memory cleanup", a.cfg.MemoryCleanupInterval, a.cleanupMemory)
		return nil
	})
	g.Go(func() error {
		a.every(gctx, "memory promotion", a.cfg.MemoryPromotionInterval, a.promoteMemory)
		return nil
	})
	g.Go(func() error {
		a.every(gctx, "approval expiry", a.cfg.ApprovalExpiryInterval, a.expireApprovals)
		return nil
	})
	g.Go(func() error {
		a.every(gctx, "daily digest", a.cfg.DigestInterval, a.emitDigests)
		return nil
	})
	a.logger.Info("tsumugi running")

	err := g.Wait()
	if sub != nil {
		if drainErr := sub.Drain(); drainErr != nil {
			a.logger.Warn("nats: drain completions subscription", "error", drainErr)
		}
	}
	return errors.Join(err, a.Shutdown(context.Background()))
}

// Shutdown drains the step scheduler, then closes NATS, the database pool and
// the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("tsumugi shutting down")

	drainCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	a.workflows.Drain(drainCtx)
	cancel()

	a.autonomy.Close()
	_ = a.limiter.Close()
	if a.nc != nil {
		a.nc.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())
	a.logger.Info("tsumugi stopped")
	return nil
}

// Close releases resources of an App that was never run.
func (a *App) Close() error {
	return a.Shutdown(context.Background())
}

// SweepReport summarizes one maintenance pass.
type SweepReport struct {
	MemoriesDeleted int64 `json:"memories_deleted"`
	Promoted        int   `json:"promoted"`
	Expired         int   `json:"expired"`
}

// Sweep runs one cleanup, promotion and approval-expiry pass. A nil
// workspaceID expires approvals in every workspace; memory maintenance is
// always global.
func (a *App) Sweep(ctx context.Context, workspaceID *uuid.UUID) (SweepReport, error) {
	var (
		r    SweepReport
		errs []error
		err  error
	)
	if r.MemoriesDeleted, err = a.memory.Cleanup(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.Promoted, err = a.memory.CheckPromotions(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.Expired, err = a.autonomy.ExpirePendingActions(ctx, workspaceID); err != nil {
		errs = append(errs, err)
	}
	return r, errors.Join(errs...)
}

// ── Maintenance loops ──────────────────────────────────────────────────────────

// every runs fn each interval until ctx is cancelled. A non-positive interval
// disables the loop.
func (a *App) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		a.logger.Info(name+": disabled", "interval", interval)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
			if err := fn(opCtx); err != nil && ctx.Err() == nil {
				a.logger.Warn(name+" failed", "error", err)
			}
			cancel()
		}
	}
}

func (a *App) cleanupMemory(ctx context.Context) error {
	n, err := a.memory.Cleanup(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.Info("memory cleanup deleted expired entries", "deleted", n)
	}
	return nil
}

func (a *App) promoteMemory(ctx context.Context) error {
	n, err := a.memory.CheckPromotions(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.Info("memory promotion moved entries up a tier", "promoted", n)
	}
	return nil
}

func (a *App) expireApprovals(ctx context.Context) error {
	_, err := a.autonomy.ExpirePendingActions(ctx, nil)
	return err
}

func (a *App) emitDigests(ctx context.Context) error {
	ids, err := a.db.ListWorkspaceIDs(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if err := a.autonomy.EmitDailyDigest(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("workspace %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// notificationSinkAdapter wraps a public NotificationSink to satisfy
// notify.Notifier.
type notificationSinkAdapter struct {
	sink NotificationSink
}

func (a notificationSinkAdapter) Notify(ctx context.Context, ev notify.Event) error {
	return a.sink.Deliver(ctx, toPublicNotification(ev))
}

// toPublicNotification converts an internal notify.Event to the public
// Notification.
func toPublicNotification(ev notify.Event) Notification {
	return Notification{
		Type:          string(ev.Type),
		WorkspaceID:   ev.WorkspaceID,
		TeamID:        ev.TeamID,
		TargetUserIDs: ev.TargetUserIDs,
		Title:         ev.Title,
		Message:       ev.Message,
		ActionURL:     ev.ActionURL,
		ActionLabel:   ev.ActionLabel,
		Metadata:      ev.Metadata,
		CreatedAt:     ev.CreatedAt,
	}
}
