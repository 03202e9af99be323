// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown for idsync.
//
// # Structured Logging
//
// Logger wraps logrus and emits JSON:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("account_id", id).WithError(err).Warn("activation attempt failed")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.ObserveTransition("pending", "active")
//	router.Handle("/metrics", observability.MetricsHandler(registry))
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, sessionCache, version)
//	router.HandleFunc("/readyz", checker.Readiness)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer providers.Shutdown(ctx)
//	ctx, span := observability.StartSpan(ctx, "provision.create")
//	defer span.End()
package observability
