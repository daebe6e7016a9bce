package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"fleet-relay-backend/config"
	"fleet-relay-backend/internal/ack"
	"fleet-relay-backend/internal/api"
	"fleet-relay-backend/internal/db"
	"fleet-relay-backend/internal/dispatch"
	"fleet-relay-backend/internal/events"
	"fleet-relay-backend/internal/ingest"
	"fleet-relay-backend/internal/logging"
	"fleet-relay-backend/internal/notification"
	"fleet-relay-backend/internal/relay"
	"fleet-relay-backend/internal/store"
	"fleet-relay-backend/internal/sweeper"
	"fleet-relay-backend/internal/transport"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "relayd")
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("configuration loaded", zap.String("path", configPath))

	gormDB, err := db.Init(&cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	appStore := store.NewGormStore(gormDB)
	logger.Info("database initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker, err := transport.Connect(&cfg.MQTT, logger)
	if err != nil {
		logger.Fatal("failed to connect to mqtt broker", zap.Error(err))
	}

	// Push notifications are optional; without VAPID keys finished commands
	// are not announced to subscribers.
	var webpushOptions *webpush.Options
	var notifier ack.Notifier
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webpushOptions, logger)
		pool.Start(ctx)
		notifier = pool
	} else {
		logger.Warn("vapid keys are not configured; push notifications disabled")
	}

	mux := events.NewMux()
	bus, startBus, stopBus := newBus(ctx, cfg, mux, logger)

	hubs := ingest.NewHubResolver(appStore, cfg.Relay.HubCacheTTL, logger)
	svc := relay.NewService(relay.Deps{
		Store:      appStore,
		Bus:        bus,
		Hubs:       hubs,
		Ingest:     ingest.NewHandler(appStore, hubs, logger),
		Ack:        ack.NewHandler(appStore, notifier, logger),
		Dispatcher: dispatch.NewDispatcher(appStore, broker, logger),
		Logger:     logger,
	})
	svc.Register(mux)
	startBus()

	if err := broker.Subscribe(cfg.MQTT.HeartbeatTopic, svc.HandleHeartbeatMessage); err != nil {
		logger.Fatal("failed to subscribe to heartbeats", zap.Error(err))
	}

	sweep := sweeper.NewService(&cfg.Sweeper, appStore, svc, logger)
	go sweep.Run(ctx)

	router := api.NewRouter(appStore, svc, webpushOptions, &cfg.Server, logger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server ListenAndServe", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info("shutdown signal received, stopping services")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server Shutdown", zap.Error(err))
	}
	broker.Close(cfg.MQTT.HeartbeatTopic)
	stopBus()
	cancel()

	logger.Info("server gracefully stopped")
}

// newBus builds the configured event backend. start begins consuming without
// blocking; stop finishes in-flight events and releases the backend.
func newBus(ctx context.Context, cfg *config.Config, mux *events.Mux, logger *zap.Logger) (bus events.Publisher, start, stop func()) {
	switch cfg.Events.Backend {
	case "redis":
		rc := cfg.Events.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to redis", zap.String("addr", rc.Addr), zap.Error(err))
		}
		stream := events.NewStreamBus(client, events.StreamConfig{
			Stream:   rc.Stream,
			Group:    rc.Group,
			Consumer: rc.Consumer,
			Batch:    rc.Batch,
		}, mux, logger)
		runCtx, runCancel := context.WithCancel(ctx)
		done := make(chan struct{})
		start = func() {
			go func() {
				defer close(done)
				if err := stream.Run(runCtx); err != nil {
					logger.Error("event stream stopped", zap.Error(err))
				}
			}()
		}
		stop = func() {
			runCancel()
			<-done
			client.Close()
		}
		return stream, start, stop
	case "local":
		local := events.NewLocalBus(mux, cfg.Events.Workers, cfg.Events.Buffer, logger)
		return local, func() { local.Start(ctx) }, local.Stop
	default:
		logger.Fatal("unknown events backend", zap.String("backend", cfg.Events.Backend))
		return nil, nil, nil
	}
}
