package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/idsync/pkg/accounts"
	"github.com/platinummonkey/idsync/pkg/api"
	"github.com/platinummonkey/idsync/pkg/config"
	"github.com/platinummonkey/idsync/pkg/idp"
	"github.com/platinummonkey/idsync/pkg/notify"
	"github.com/platinummonkey/idsync/pkg/observability"
	"github.com/platinummonkey/idsync/pkg/provisioning"
	"github.com/platinummonkey/idsync/pkg/reconcile"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "idsync: %v\n", err)
		os.Exit(1)
	}
}

// app holds the wired components.
type app struct {
	cfg       *config.Config
	logger    *observability.Logger
	registry  *prometheus.Registry
	metrics   *observability.Metrics
	db        *sql.DB
	redis     *redis.Client
	store     accounts.Store
	issues    accounts.IssueStore
	sessions  *idp.SessionCache
	service   *provisioning.Service
	scheduler *reconcile.Scheduler
	otel      *observability.OTelProviders
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("idsync", flag.ContinueOnError)
	runOnce := flags.Bool("run-once", false, "Run one reconciliation scan and exit")
	showVersion := flags.Bool("version", false, "Print the version and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Fprintln(stdout, version)
		return nil
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.Observability.Level(), stdout).WithField("service", "idsync")

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if *runOnce {
		defer a.close(context.WithoutCancel(ctx))
		result, err := a.scheduler.Scan(ctx)
		if err != nil {
			return fmt.Errorf("reconciliation scan failed: %w", err)
		}
		logger.WithFields(map[string]interface{}{
			"scanned":  result.Scanned,
			"outcomes": result.Outcomes,
			"duration": result.Duration.String(),
		}).Info("Reconciliation scan complete")
		return nil
	}

	return a.serve(ctx)
}

func build(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.Observability.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = observability.NewMetrics(a.registry)
	} else {
		a.metrics = observability.NewNopMetrics()
	}

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.otel = providers

	if err := a.openStore(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}

	var locker reconcile.Locker = reconcile.NewMutexLocker()
	if cfg.Redis.URL != "" {
		client, err := reconcile.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		a.redis = client
		locker = reconcile.NewRedisLocker(client, cfg.Redis.KeyPrefix)
		logger.Info("Using Redis for reconciliation scan locking")
	}

	client, err := a.identityProvider(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	var sender notify.Sender = notify.NewLogSender(logger)
	if cfg.Notify.SMTPHost != "" {
		sender = notify.NewSMTPSender(notify.SMTPConfig{
			Host:          cfg.Notify.SMTPHost,
			Port:          cfg.Notify.SMTPPort,
			Username:      cfg.Notify.SMTPUsername,
			Password:      cfg.Notify.SMTPPassword,
			From:          cfg.Notify.From,
			ActivationURL: cfg.Notify.ActivationURL,
		}, logger)
	}

	a.service = provisioning.NewService(client, a.store, logger,
		provisioning.WithIssueStore(a.issues),
		provisioning.WithMetrics(a.metrics),
	)
	a.scheduler = reconcile.NewScheduler(a.store, client, a.service.Roles(), reconcile.Config{
		Period:       cfg.Reconcile.Period,
		MaxAttempts:  cfg.Reconcile.MaxAttempts,
		BaseDelay:    cfg.Reconcile.BaseDelay,
		Concurrency:  cfg.Reconcile.Concurrency,
		BaselineRole: cfg.Reconcile.BaselineRole,
	}, logger,
		reconcile.WithLocker(locker),
		reconcile.WithNotifier(sender),
		reconcile.WithMetrics(a.metrics),
	)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Database.Driver {
	case "memory":
		store := accounts.NewMemoryStore()
		a.store, a.issues = store, store
		a.logger.Warn("Using in-memory account store, data is lost on restart")
		return nil
	case "postgres":
		db, err := sql.Open("postgres", a.cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(a.cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(a.cfg.Database.MaxIdleConns)
		a.db = db
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := accounts.RunMigrations(ctx, db, a.logger); err != nil {
			return err
		}
		store := accounts.NewPostgresStore(db)
		a.store, a.issues = store, store
		return nil
	default:
		return fmt.Errorf("unsupported storage driver: %s", a.cfg.Database.Driver)
	}
}

func (a *app) identityProvider(ctx context.Context) (*idp.Client, error) {
	c := a.cfg.IdP
	httpClient := idp.NewHTTPClient(c.Timeout)

	tokenURL := c.TokenURL
	switch {
	case tokenURL != "":
	case c.IssuerURL != "":
		discovered, err := idp.DiscoverTokenURL(ctx, c.IssuerURL, httpClient)
		if err != nil {
			return nil, err
		}
		tokenURL = discovered
	default:
		tokenURL = idp.TokenURL(c.BaseURL, c.Realm)
	}
	a.logger.WithField("token_url", tokenURL).Debug("Resolved identity provider token endpoint")

	a.sessions = idp.NewSessionCache(
		idp.ClientCredentialsTokenFunc(c.ClientID, c.ClientSecret, tokenURL, httpClient),
		idp.WithSafetyMargin(c.SafetyMargin),
		idp.WithSessionLogger(a.logger),
		idp.WithSessionMetrics(a.metrics),
	)
	retrier := idp.NewRetrier(idp.DefaultRetryConfig(), a.logger, idp.WithRetryMetrics(a.metrics))
	return idp.NewClient(idp.ClientConfig{
		BaseURL:      c.BaseURL,
		Realm:        c.Realm,
		HTTPClient:   httpClient,
		RoleCacheTTL: c.RoleCacheTTL,
	}, a.sessions, retrier, a.logger, a.metrics), nil
}

func (a *app) handler() http.Handler {
	cfg := api.Config{
		Accounts: api.NewAccountHandlers(a.service, a.scheduler, a.store, a.issues, a.logger),
		Health:   observability.NewHealthChecker(a.db, a.redis, a.sessions, version),
		Metrics:  a.metrics,
		Logger:   a.logger,
	}
	if a.registry != nil {
		cfg.Gatherer = a.registry
	}
	return api.NewServer(cfg)
}

func (a *app) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         net.JoinHostPort(a.cfg.Server.Host, a.cfg.Server.Port),
		Handler:      a.handler(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	sm := observability.NewShutdownManager(a.logger, srv, a.cfg.Server.ShutdownTimeout)
	if a.cfg.Reconcile.Enabled {
		if err := a.scheduler.Start(); err != nil {
			a.close(ctx)
			return err
		}
		a.scheduler.Trigger()
	} else {
		a.logger.Info("Reconciliation scheduler disabled")
	}
	sm.Register("reconcile", a.scheduler.Stop)
	sm.Register("resources", func(ctx context.Context) error {
		a.close(ctx)
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		a.logger.WithField("addr", srv.Addr).Info("Starting idsync admin API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			_ = sm.Shutdown()
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return sm.Wait(ctx)
	}
}

// close releases external resources. It is safe on a partially built app.
func (a *app) close(ctx context.Context) {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close Redis client")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close database")
		}
	}
	if err := a.otel.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("Failed to shut down OpenTelemetry")
	}
}
