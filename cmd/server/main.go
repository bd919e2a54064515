package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/stuartshay/school-distance/internal/api"
	"github.com/stuartshay/school-distance/internal/cache"
	"github.com/stuartshay/school-distance/internal/config"
	"github.com/stuartshay/school-distance/internal/database"
	"github.com/stuartshay/school-distance/internal/distance"
	"github.com/stuartshay/school-distance/internal/geocode"
	grpcserver "github.com/stuartshay/school-distance/internal/grpc"
	"github.com/stuartshay/school-distance/internal/metrics"
	"github.com/stuartshay/school-distance/internal/report"
	"github.com/stuartshay/school-distance/internal/resolver"
	"github.com/stuartshay/school-distance/internal/routing"
	"github.com/stuartshay/school-distance/internal/tracing"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Initialize structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	log.Info().Str("version", version).Msg("Starting school-distance service")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setLogLevel(cfg.LogLevel)

	log.Info().
		Str("service_name", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Str("grpc_port", cfg.GRPCPort).
		Str("http_port", cfg.HTTPPort).
		Str("db_host", cfg.PostgresHost).
		Str("db_port", cfg.PostgresPort).
		Int("batch_size", cfg.RoutingBatchSize).
		Dur("batch_delay", cfg.RoutingBatchDelay).
		Msg("Configuration loaded")

	if err := report.Setup(cfg.SentryDSN, cfg.Environment, version); err != nil {
		log.Error().Err(err).Msg("Failed to initialize Sentry")
	}
	defer report.Flush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		Enabled:        cfg.OTELEnabled,
		SampleRatio:    cfg.OTELSampleRatio,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	dbClient, err := database.NewClient(cfg.DatabaseDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database client")
	}
	defer func() { _ = dbClient.Close() }()

	startupCtx, startupCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := dbClient.HealthCheck(startupCtx); err != nil {
		log.Fatal().Err(err).Msg("Database health check failed")
	}
	if err := dbClient.Migrate(startupCtx); err != nil {
		log.Fatal().Err(err).Msg("Database migration failed")
	}
	startupCancel()

	log.Info().Msg("Database ready")

	router := routing.NewClient(routing.Config{
		BaseURL: cfg.RoutingBaseURL,
		APIKey:  cfg.RoutingAPIKey,
		Timeout: cfg.RoutingTimeout,
	})
	if !router.Available() {
		log.Warn().Msg("ROUTING_API_KEY not set, every distance will be a road estimate")
	}

	distanceService := distance.NewService(
		cache.New(dbClient),
		resolver.New(router, resolver.Config{
			BatchSize:  cfg.RoutingBatchSize,
			BatchDelay: cfg.RoutingBatchDelay,
		}),
	)

	sessions := distance.NewSessions(distanceService, cfg.SessionIdleTimeout)
	go sessions.Run(ctx, time.Minute)

	geocoder := geocode.New(geocode.Config{
		BaseURL: cfg.GeocodingBaseURL,
		APIKey:  cfg.RoutingAPIKey,
		Region:  cfg.GeocodingRegion,
		Timeout: cfg.RoutingTimeout,
	})

	// gRPC
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))

	distanceServer := grpcserver.NewServer(grpcserver.Config{
		Distances:     distanceService,
		Roster:        dbClient,
		Geocoder:      geocoder,
		Workers:       cfg.Workers,
		CSVOutputPath: cfg.CSVOutputPath,
	})
	grpcserver.RegisterDistanceServiceServer(grpcServer, distanceServer)

	prometheus.MustRegister(
		metrics.NewSessionGauge(sessions.Len),
		metrics.NewJobCollector(distanceServer.JobStats),
	)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcserver.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	reflection.Register(grpcServer)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create TCP listener")
	}

	go func() {
		log.Info().Str("port", cfg.GRPCPort).Msg("gRPC server listening")
		if err := grpcServer.Serve(listener); err != nil {
			log.Fatal().Err(err).Msg("gRPC server failed")
		}
	}()

	// HTTP
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler: api.New(api.Config{
			ServiceName: cfg.ServiceName,
			Environment: cfg.Environment,
			Version:     version,
			Distances:   distanceService,
			Sessions:    sessions,
			Roster:      dbClient,
			Geocoder:    geocoder,
			DB:          dbClient,
		}).Routes(ctx),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Minute,
	}

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutdown signal received, gracefully stopping...")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown timeout exceeded, forcing stop")
		grpcServer.Stop()
	case <-stopped:
		log.Info().Msg("gRPC server stopped")
	}

	if err := distanceServer.Shutdown(10 * time.Second); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown job workers")
	}

	// Stops the session sweeper and metrics refresh.
	cancel()

	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown tracer")
	}

	log.Info().Msg("Service shutdown complete")
}

// setLogLevel configures the global log level
func setLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	log.Info().Str("level", parsed.String()).Msg("Log level set")
}
