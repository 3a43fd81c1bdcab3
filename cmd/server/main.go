package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"canopy/internal/blobindex"
	"canopy/internal/georecord/store"
	"canopy/internal/notify"
	"canopy/internal/platform/config"
	"canopy/internal/platform/httpserver"
	"canopy/internal/platform/logger"
	"canopy/internal/platform/metrics"
	"canopy/internal/platform/middleware"
	"canopy/internal/platform/postgres"
	platformredis "canopy/internal/platform/redis"
	"canopy/internal/protocol"
	httpapi "canopy/internal/transport/http"
	"canopy/internal/validation"
	"canopy/internal/workflow"
)

// main wires the record store, validation engine, workflow coordinator, and
// protocol service behind the HTTP router. Business logic lives in internal
// packages; this file only selects implementations from config.
func main() {
	_ = godotenv.Load()

	cfg := config.FromEnv()
	log := logger.New()
	slog.SetDefault(log)

	m := metrics.New()

	recordStore, closeStore, err := buildStore(cfg, log)
	if err != nil {
		log.Error("record store init failed", "error", err.Error())
		os.Exit(1)
	}
	defer closeStore()

	blobs, closeBlobs, err := buildBlobIndex(cfg, log)
	if err != nil {
		log.Error("blob index init failed", "error", err.Error())
		os.Exit(1)
	}
	defer closeBlobs()

	notifier, closeNotifier, err := buildNotifier(cfg, log)
	if err != nil {
		log.Error("notifier init failed", "error", err.Error())
		os.Exit(1)
	}
	defer closeNotifier()

	svc := protocol.NewService(
		recordStore,
		validation.NewEngine(blobs),
		workflow.New(),
		protocol.WithLogger(log),
		protocol.WithMetrics(m),
		protocol.WithNotifier(notifier),
		protocol.WithStoreTimeout(cfg.StoreTimeout),
		protocol.WithResubmissionLimit(cfg.ResubmissionLimit),
	)

	validator := middleware.NewHMACValidator(cfg.JWTSigningKey)
	handler := httpapi.New(svc, log, m, validator)

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Route("/api/v1", handler.Register)

	srv := httpserver.New(cfg.Addr, router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting canopy", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited", "error", err.Error())
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// buildStore selects postgres when a URL is configured and the in-memory
// store otherwise.
func buildStore(cfg config.Server, log *slog.Logger) (store.Store, func(), error) {
	if cfg.Postgres.URL == "" {
		log.Info("record store: in-memory")
		return store.NewInMemory(), func() {}, nil
	}
	db, err := postgres.Open(cfg.Postgres)
	if err != nil {
		return nil, nil, err
	}
	log.Info("record store: postgres")
	return store.NewPostgres(db), func() { _ = db.Close() }, nil
}

// buildBlobIndex checks evidence refs against redis when configured; without
// redis every well-formed ref is accepted via a permissive in-memory index.
func buildBlobIndex(cfg config.Server, log *slog.Logger) (validation.BlobIndex, func(), error) {
	client, err := platformredis.New(cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	if client == nil {
		log.Warn("blob index: redis not configured, accepting all well-formed evidence refs")
		return blobindex.NewPermissiveIndex(), func() {}, nil
	}
	log.Info("blob index: redis")
	return blobindex.NewRedisIndex(client.Client), func() { _ = client.Close() }, nil
}

func buildNotifier(cfg config.Server, log *slog.Logger) (notify.Notifier, func(), error) {
	if len(cfg.Kafka.Brokers) == 0 {
		log.Info("notifier: log-only")
		return notify.NewLogNotifier(log), func() {}, nil
	}
	kn, err := notify.NewKafkaNotifier(cfg.Kafka, log)
	if err != nil {
		return nil, nil, err
	}
	log.Info("notifier: kafka", "topic", cfg.Kafka.Topic)
	closeNotifier := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := kn.Close(ctx); err != nil {
			log.Warn("notifier close failed", "error", err.Error())
		}
	}
	return kn, closeNotifier, nil
}
