package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Suphian/suphian.com-sub001/internal/config"
	"github.com/Suphian/suphian.com-sub001/internal/handler"
	"github.com/Suphian/suphian.com-sub001/internal/location"
	"github.com/Suphian/suphian.com-sub001/internal/producer"
	"github.com/Suphian/suphian.com-sub001/internal/security"
	"github.com/Suphian/suphian.com-sub001/internal/session"
	"github.com/Suphian/suphian.com-sub001/internal/storage"
	"github.com/Suphian/suphian.com-sub001/internal/tracker"
	"github.com/Suphian/suphian.com-sub001/internal/validation"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	// Load config
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/tracker.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// Tracking failures are only worth seeing while developing.
	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("environment", cfg.Environment).Msg("Starting tracker...")

	ctx := context.Background()

	// Initialize dependencies
	var binding tracker.Binding
	kafkaProducer, err := producer.NewKafkaProducer(cfg.Kafka)
	if err != nil {
		log.Warn().Err(err).Msg("Kafka producer disabled, events will not be forwarded")
	} else {
		defer kafkaProducer.Close()
		binding = kafkaProducer
		log.Info().Msg("Kafka producer initialized")
	}

	store, closeStores := openStores(ctx, cfg)
	defer closeStores()

	geo, err := location.OpenGeoIP(cfg.GeoIP.DatabasePath)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to open GeoIP database")
	}
	defer geo.Close()
	httpResolver := location.NewHTTPResolver(cfg.Location.Endpoint, cfg.Location.Timeout)

	scheduler := tracker.NewIdleScheduler(cfg.Tracking.IdleWorkers, cfg.Tracking.IdleQueueSize, cfg.Tracking.DispatchTimeout)

	pages, err := session.NewRegistry(cfg.Tracking.MaxOpenPages, session.Deps{
		Binding:   binding,
		Store:     store,
		Scheduler: scheduler,
		Resolver: func(clientIP string) location.Resolver {
			var chain location.Chain
			if geo != nil {
				chain = append(chain, geo.For(clientIP))
			}
			return append(chain, httpResolver.ForIP(clientIP))
		},
		DevelopmentHosts: cfg.Tracking.DevelopmentHosts,
		DispatchTimeout:  cfg.Tracking.DispatchTimeout,
		SectionThreshold: cfg.Tracking.SectionThreshold,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create page registry")
	}

	validator := validation.NewValidator(cfg)
	defer validator.Close()
	log.Info().Msg("Validator initialized")

	httpHandler := handler.NewHTTPHandler(pages, validator, security.NewLogger(store))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: httpHandler.Routes(),
	}

	go func() {
		log.Info().Int("port", cfg.Server.HTTPPort).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to serve HTTP")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpServer.Shutdown(shutdownCtx)
	pages.Close(shutdownCtx)
	scheduler.Close()
	log.Info().Msg("Tracker stopped")
}

// openStores connects every configured event store. The returned func flushes
// and closes them.
func openStores(ctx context.Context, cfg *config.Config) (storage.Store, func()) {
	var stores storage.Multi
	var closers []func()

	if cfg.Postgres.DSN != "" {
		pg, err := storage.OpenPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Postgres")
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate Postgres")
		}
		stores = append(stores, pg)
		closers = append(closers, func() { pg.Close() })
		log.Info().Msg("Postgres event store initialized")
	}

	if cfg.ClickHouse.Addr != "" {
		ch, err := storage.NewClickHouse(cfg.ClickHouse)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to ClickHouse")
		}
		buf := storage.NewBuffer(ch, cfg.Batch)
		stores = append(stores, buf)
		closers = append(closers, func() {
			buf.Stop()
			ch.Close()
		})
		log.Info().Msg("ClickHouse event store initialized")
	}

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch len(stores) {
	case 0:
		log.Warn().Msg("No event store configured, security checks are disabled")
		return nil, closeAll
	case 1:
		return stores[0], closeAll
	default:
		return stores, closeAll
	}
}
