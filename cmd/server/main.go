// Conversation coordinator server: wires the ephemeral store, the
// audit store, the queue/assignment/coordinator state machine, the
// realtime gateway, the sweeper, and the REST surface together, then
// serves them until a shutdown signal arrives.
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
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/chatcoord/internal/analytics"
	"github.com/ashureev/chatcoord/internal/api"
	"github.com/ashureev/chatcoord/internal/assignment"
	"github.com/ashureev/chatcoord/internal/audit"
	"github.com/ashureev/chatcoord/internal/config"
	"github.com/ashureev/chatcoord/internal/coordinator"
	"github.com/ashureev/chatcoord/internal/domain"
	"github.com/ashureev/chatcoord/internal/ephemeral"
	"github.com/ashureev/chatcoord/internal/eventbus"
	"github.com/ashureev/chatcoord/internal/gateway"
	"github.com/ashureev/chatcoord/internal/keynamer"
	"github.com/ashureev/chatcoord/internal/metrics"
	"github.com/ashureev/chatcoord/internal/middleware"
	"github.com/ashureev/chatcoord/internal/queue"
	"github.com/ashureev/chatcoord/internal/sweeper"
)

// logSink is the default analytics.Sink: the real destination (a data
// warehouse, a Kafka topic) is outside this repo's scope, so events are
// logged structurally until one is wired in.
type logSink struct{}

func (logSink) Publish(_ context.Context, topic string, payload any) error {
	slog.Debug("analytics: event", "topic", topic, "payload", payload)
	return nil
}

// observer bridges coordinator.Observer to the metrics recorder and the
// analytics publisher so the state machine itself stays decoupled from
// both.
type observer struct {
	metrics   *metrics.Recorder
	analytics *analytics.Publisher
}

func (o *observer) ObserveClaim(outcome string) {
	o.metrics.RecordClaim(outcome)
}

func (o *observer) ObserveMessage(m domain.Message) {
	o.metrics.RecordMessage(string(m.Sender.Type))
	o.analytics.PublishMessage(m)
}

func (o *observer) ObserveLifecycle(ev domain.LifecycleEvent) {
	o.analytics.PublishLifecycle(ev)
	switch ev.Kind {
	case domain.EventConversationStarted:
		o.metrics.IncOpenConversations()
	case domain.EventConversationClosed:
		o.metrics.DecOpenConversations()
	}
}

func (o *observer) ObserveLockWait(d time.Duration) { o.metrics.ObserveLockWait(d) }
func (o *observer) ObserveLockContention()          { o.metrics.RecordLockContention() }
func (o *observer) ObserveQueueDepth(n int)         { o.metrics.SetQueueDepth(n) }

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting conversation coordinator", "port", cfg.Port, "dev", cfg.IsDevelopment())

	store, err := ephemeral.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("Failed to close ephemeral store", "error", closeErr)
		}
	}()
	if err := store.Ping(context.Background()); err != nil {
		slog.Error("Ephemeral store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Ephemeral store connected", "addr", cfg.Redis.Addr)

	auditStore, err := audit.NewSQLite(cfg.AuditDBPath)
	if err != nil {
		slog.Error("Failed to initialize audit store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := auditStore.Close(); closeErr != nil {
			slog.Error("Failed to close audit store", "error", closeErr)
		}
	}()
	if err := auditStore.Ping(context.Background()); err != nil {
		slog.Error("Audit store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Audit store connected", "path", cfg.AuditDBPath)

	names := keynamer.New("chatcoord")
	queueEngine := queue.New(store, names)
	registry := assignment.New(store, names, cfg.Queue.PerAgentConcurrency)
	bus := eventbus.New(store, names)

	coord := coordinator.New(store, names, queueEngine, registry, auditStore, bus, coordinator.Config{
		AssignmentLeaseTTL: cfg.Assignment.LeaseTTL,
		MessageMaxBytes:    cfg.Message.MaxBytes,
		MessageRetention:   cfg.Message.Retention,
		LockAcquireTimeout: cfg.Lock.AcquireTimeout,
		LockLeaseTTL:       cfg.Lock.LeaseTTL,
		PresenceTTL:        cfg.Presence.TTL,
		MessageTailDefault: cfg.Message.TailLimit,
	})

	recorder := metrics.New()
	analyticsPublisher := analytics.New(logSink{}, 256)
	defer func() {
		if closeErr := analyticsPublisher.Close(); closeErr != nil {
			slog.Error("Failed to close analytics publisher", "error", closeErr)
		}
	}()
	coord.SetObserver(&observer{metrics: recorder, analytics: analyticsPublisher})

	var purged int
	sw := sweeper.New(sweeper.Config{
		QueuePurgeCron:     cfg.Sweeper.QueuePurgeCron,
		PresenceReapCron:   cfg.Sweeper.PresenceReapCron,
		AssignmentReapCron: cfg.Sweeper.AssignmentReapCron,
		QueuePurgeAge:      cfg.Queue.PurgeAge,
	}, queueEngine, registry, store, func(entry domain.QueueEntry) {
		purged++
		if _, err := coord.CloseConversation(context.Background(), entry.ConversationID, domain.System()); err != nil {
			slog.Warn("sweeper: failed to close purged conversation", "conversation_id", entry.ConversationID, "error", err)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sw.Start(ctx); err != nil {
		slog.Error("Failed to start sweeper", "error", err)
		os.Exit(1)
	}
	defer sw.Stop()
	slog.Info("Sweeper started",
		"queue_purge_cron", cfg.Sweeper.QueuePurgeCron,
		"presence_reap_cron", cfg.Sweeper.PresenceReapCron,
		"assignment_reap_cron", cfg.Sweeper.AssignmentReapCron)

	gw := gateway.NewHandler(coord, queueEngine, bus, cfg.FrontendURL, cfg.IsDevelopment(), cfg.Queue.BroadcastMaxEntries)
	if err := gw.Start(ctx); err != nil {
		slog.Error("Failed to start realtime gateway", "error", err)
		os.Exit(1)
	}
	defer gw.Stop()
	slog.Info("Realtime gateway subscribed to event bus")

	apiHandler := api.NewHandler(coord, queueEngine, store, auditStore, cfg.Queue.BroadcastMaxEntries)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{cfg.FrontendURL, "*"}))

	apiHandler.RegisterRoutes(r)
	r.Get("/ws", gw.ServeHTTP)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", recorder.Handler())
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("Metrics server listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // 0: long-lived websocket connections have no write deadline
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Metrics server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped successfully", "queue_entries_purged", purged)
}
