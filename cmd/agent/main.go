// Entry point for the on-site sync agent
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"worksync.agent/internal/api"
	"worksync.agent/internal/config"
	"worksync.agent/internal/connectivity"
	"worksync.agent/internal/core"
	"worksync.agent/internal/events"
	"worksync.agent/internal/geofence"
	"worksync.agent/internal/ports/gateway"
	"worksync.agent/internal/ports/localstore"
	"worksync.agent/internal/ports/location"
	"worksync.agent/pkg/aws"
	"worksync.agent/pkg/database"
	"worksync.agent/pkg/logger"
	"worksync.agent/pkg/telemetry"
)

func main() {
	// Load config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load configuration")
	}

	// Configure structured logging
	logger.Setup("worksync-agent", cfg.IsLocalDev)

	// Configure OpenTelemetry Tracing
	shutdownTracer, err := telemetry.InitTracer("worksync-agent", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to init tracer")
	}
	defer func() {
		_ = shutdownTracer(context.Background())
	}()

	// Local store: must be up before anything remote is even attempted.
	localDB, err := database.NewLocalConnection(cfg.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error opening local database")
	}
	defer localDB.Close()
	store, err := localstore.NewSQLiteStore(localDB)
	if err != nil {
		log.Fatal().Err(err).Msg("Error preparing local schema")
	}

	// Remote gateway: opening the pool never fails on an unreachable
	// backend, the monitor decides reachability.
	remoteDB, err := database.NewRemoteConnection(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Error opening remote database")
	}
	defer remoteDB.Close()
	gw := gateway.NewPGGateway(remoteDB, cfg.RemoteTimeout)

	monitor := connectivity.NewMonitor(gw, cfg.ProbeInterval, cfg.ProbeTimeout)
	service := core.NewSyncService(store, gw, monitor.Online, cfg.CompanyID)

	// Reconnecting flushes the outbox.
	monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := service.SyncLocalChanges(ctx); err != nil {
				log.Error().Err(err).Msg("outbox drain after reconnect failed")
			}
		}()
	})

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	monitor.Start(rootCtx)
	defer monitor.Stop()

	provider := location.NewReportedProvider(time.Minute)
	guard := geofence.NewGuard(provider, gateway.SiteResolver{Gateway: gw}, cfg.GeofenceRadiusMeters)

	// Schedule-change consumer keeps the cache warm when dispatchers edit
	// the day from elsewhere.
	if cfg.ScheduleSQSQueueURL != "" {
		awsCfg, err := aws.NewAWSConfig(rootCtx, cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to load SDK config")
		}
		sqsClient := sqs.NewFromConfig(awsCfg)
		consumer := events.NewConsumer(sqsClient, cfg.ScheduleSQSQueueURL, events.NewScheduleProcessor(service, cfg.CompanyID))
		go consumer.Start(rootCtx)
	}

	// One geofence sweep per heartbeat interval across every loaded
	// worker: heartbeats for the checked-in, proximity for the rest.
	go watchWorkers(rootCtx, cfg.HeartbeatInterval, guard, service)

	// Setup router and server
	router := api.NewRouter(service, guard, provider)

	// Middleware to inject logger with trace ID
	loggerMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = logger.EnrichContextWithLogger(ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	// Wrap the router with OpenTelemetry middleware to create spans for each request
	handler := otelhttp.NewHandler(loggerMiddleware(router), "agent")

	serverAddr := ":" + cfg.ServerPort
	srv := &http.Server{
		Addr:    serverAddr,
		Handler: handler,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", cfg.ServerPort).Msg("Sync agent starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	rootCancel()

	// The context is used to inform the server it has 5 seconds to finish
	// the requests it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exiting")
}

// watchWorkers records heartbeats and geofence transitions for every loaded
// worker, on one shared ticker.
func watchWorkers(ctx context.Context, interval time.Duration, guard *geofence.Guard, service *core.SyncService) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			guard.Sweep(ctx, service.KnownWorkers(), service)
		}
	}
}
