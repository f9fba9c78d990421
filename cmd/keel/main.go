package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"keel/internal/app"
	"keel/internal/audit"
	"keel/internal/auth"
	"keel/internal/backend/memory"
	"keel/internal/guard"
	"keel/internal/onboarding"
	"keel/internal/platform/config"
	"keel/internal/platform/httpserver"
	"keel/internal/platform/logger"
	platformredis "keel/internal/platform/redis"
	"keel/internal/session"
)

// main wires high-level dependencies and keeps the process lifecycle small.
// Business logic lives in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()
	ctx := context.Background()

	flags, cleanupFlags, err := buildOnboardingStore(ctx, cfg)
	if err != nil {
		log.Error("onboarding store setup failed", "error", err)
		os.Exit(1)
	}
	defer cleanupFlags()

	auditStore, cleanupAudit := buildAuditStore(cfg, log)
	defer cleanupAudit()
	publisher := audit.NewPublisher(auditStore, audit.WithLogger(log), audit.WithBuffer(256))
	defer publisher.Close()

	// The demo runs against the in-memory backend with a seeded account.
	client := memory.New()
	client.SeedUser("demo@keel.dev", "Demopass1", "Demo User")

	sessions := session.New(client, flags, session.WithLogger(log))
	defer sessions.Close()

	loopback, err := auth.NewLoopback(auth.WithLoopbackLogger(log))
	if err != nil {
		log.Error("oauth loopback setup failed", "error", err)
		os.Exit(1)
	}
	defer loopback.Close()

	service := auth.New(client, cfg.Scheme,
		auth.WithLogger(log),
		auth.WithAudit(publisher),
		auth.WithBrowserOpener(loopback),
	)

	nav := &loggingNavigator{log: log}
	g := guard.New(nav, guard.WithLogger(log), guard.WithLockWindow(cfg.ReplaceLockWindow))
	links := guard.NewDeepLinkProcessor(service, g, guard.WithProcessorLogger(log))
	links.MarkReady()

	boot := app.New(client, sessions, app.WithLogger(log))
	if err := boot.Run(ctx); err != nil {
		log.Warn("boot finished degraded", "error", err)
	}

	// Re-run the guard whenever session state changes.
	sub := sessions.Subscribe(func(st session.State) {
		onboarded, err := sessions.IsOnboarded(ctx)
		if err != nil {
			log.Warn("onboarding read failed", "error", err)
		}
		g.Sync(links.GuardInputs(guard.Inputs{
			Loading:         st.IsLoading,
			SessionPresent:  st.Session != nil,
			Onboarded:       onboarded,
			RecoverySession: st.IsRecoverySession,
		}))
	})
	defer sub.Unsubscribe()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := client.HealthCheck(r.Context()); err != nil {
			http.Error(w, "backend unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := httpserver.New(cfg.Addr, router)

	log.Info("keel listening", "addr", cfg.Addr, "scheme", cfg.Scheme)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}

// loggingNavigator stands in for a real navigation layer in the demo binary.
type loggingNavigator struct {
	log *slog.Logger
}

func (n *loggingNavigator) Replace(target guard.Route) {
	n.log.Info("navigate", "target", string(target))
}

func buildOnboardingStore(ctx context.Context, cfg config.App) (onboarding.Store, func(), error) {
	switch cfg.OnboardingStore {
	case "redis":
		client, err := platformredis.New(cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		if client == nil {
			return nil, nil, fmt.Errorf("KEEL_REDIS_URL is required for the redis onboarding store")
		}
		return onboarding.NewRedisStore(client.Client), func() { _ = client.Close() }, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		store := onboarding.NewPostgresStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	default:
		return onboarding.NewInMemoryStore(), func() {}, nil
	}
}

func buildAuditStore(cfg config.App, log *slog.Logger) (audit.Store, func()) {
	if cfg.KafkaBrokers == "" {
		return audit.NewMemoryStore(), func() {}
	}
	store, err := audit.NewKafkaStore(strings.Split(cfg.KafkaBrokers, ","), cfg.AuditTopic)
	if err != nil {
		log.Warn("kafka audit sink unavailable, falling back to memory", "error", err)
		return audit.NewMemoryStore(), func() {}
	}
	return store, store.Close
}
