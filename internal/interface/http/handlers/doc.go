// Package handlers contains reusable HTTP building blocks for the engine API.
//
// This package provides:
//   - Health check interfaces and a composite checker
//   - Gin middleware: request ids, request logging, panic recovery
//   - The ingest guard protecting event intake
//
// # Health Checks
//
// The HealthChecker interface allows registering multiple named health checks
// that are executed in parallel:
//
//	checker := handlers.NewCompositeHealthChecker("v1.0.0")
//	checker.AddCheck("store", handlers.NewPingCheck(store))
//	checker.AddCheck("redis", handlers.NewPingCheck(redisClient))
//	checker.AddDetails("eventbus", func() interface{} { return bus.Metrics().Snapshot() })
//
//	status := checker.Check(ctx)
//	if !status.Healthy {
//	    log.Warn("health check failed", logger.String("message", status.Message))
//	}
//
// # Middleware
//
//	router.Use(handlers.RequestID(), handlers.RequestLogger(log), handlers.Recovery(log))
//	api.POST("/events", handlers.IngestGuard(hash), recordEvent)
package handlers
