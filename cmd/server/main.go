package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/khjohns/unified-timeline-sub000/internal/client"
	"github.com/khjohns/unified-timeline-sub000/internal/config"
	"github.com/khjohns/unified-timeline-sub000/internal/database"
	"github.com/khjohns/unified-timeline-sub000/internal/event"
	"github.com/khjohns/unified-timeline-sub000/internal/eventstore"
	"github.com/khjohns/unified-timeline-sub000/internal/handler"
	"github.com/khjohns/unified-timeline-sub000/internal/logger"
	"github.com/khjohns/unified-timeline-sub000/internal/middleware"
	"github.com/khjohns/unified-timeline-sub000/internal/repository"
	"github.com/khjohns/unified-timeline-sub000/internal/rules"
	"github.com/khjohns/unified-timeline-sub000/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store_backend", cfg.Store.Backend).
		Msg("Starting Unified Timeline service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event store and index, per configured backend. The file backend keeps
	// the log on disk and the index in memory, rebuilt below on startup.
	var (
		store eventstore.Store
		index repository.CaseIndex
	)
	switch cfg.Store.Backend {
	case "postgres":
		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		log.Info().Msg("Database connection established")

		pgStore := eventstore.NewPostgresStore(db)
		if err := pgStore.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply event store schema")
		}
		store = pgStore
		index = repository.NewPostgresCaseIndex(db)

	case "file":
		fileStore, err := eventstore.NewFileStore(cfg.Store.EventDir)
		if err != nil {
			log.Fatal().Err(err).Str("dir", cfg.Store.EventDir).Msg("Failed to open event directory")
		}
		store = fileStore
		index = repository.NewMemoryCaseIndex()
	}

	natsClient, err := client.NewNATSClient(cfg.NATS.URL, cfg.Service.Name, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer natsClient.Close()
	if natsClient != nil {
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	}

	var notifier client.NotificationPublisherInterface
	if natsClient != nil {
		notifier = client.NewNotificationPublisher(natsClient, log.Logger)
	}

	var hub client.ProjectHubInterface
	if hubClient := client.NewProjectHubClient(cfg.Hub.URL, cfg.Hub.Timeout, log.Logger); hubClient != nil {
		hub = hubClient
		log.Info().Str("url", cfg.Hub.URL).Msg("Project hub integration enabled")
	}

	caseService := service.NewCaseService(
		store,
		index,
		event.NewCatalog(),
		rules.NewValidator(rules.Policy{SendWindowDays: cfg.Policy.SendWindowDays}),
		notifier,
		hub,
		log,
	)

	// The in-memory index starts empty, so repopulate it from the log.
	if cfg.Store.Backend == "file" {
		count, err := caseService.RebuildIndex(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to rebuild case index")
		}
		log.Info().Int("cases", count).Msg("Case index rebuilt from event log")
	}

	httpHandler := handler.NewHTTPHandler(caseService, log)
	mux := http.NewServeMux()
	httpHandler.Register(mux)

	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
