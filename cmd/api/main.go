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

	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"xisu-campus/core"
)

func main() {
	cfg := core.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logCloser, err := core.SetupLogging(cfg, "api.log")
	if err != nil {
		log.Fatalf("failed to setup logging: %v", err)
	}
	defer logCloser.Close()

	db, err := core.Connect(ctx, cfg.DatabaseURL, core.PoolOptions{MaxConns: int32(cfg.DatabaseMaxConns)})
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer db.Close()
	if cfg.AutoMigrate {
		if err := core.EnsureSchema(ctx, db); err != nil {
			log.Fatalf("failed to ensure schema: %v", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := core.NewMetrics("campus", reg)

	cache := core.NewCacheStore(core.CacheStoreOptions{
		Addr:                cfg.RedisAddr(),
		Password:            cfg.RedisPassword,
		DB:                  cfg.RedisDB,
		ReconnectBackoff:    cfg.RedisReconnectBackoff,
		MaxReconnectBackoff: cfg.RedisReconnectMaxBackoff,
		Metrics:             metrics,
	})
	if err := cache.Open(ctx); err != nil {
		log.Fatalf("failed to open cache store: %v", err)
	}
	defer cache.Close()
	log.Printf("[cache] mode=%s addr=%s", cache.Mode(), cfg.RedisAddr())

	courses := core.NewCourseCache(cache, core.CourseCacheOptions{
		TTL:      cfg.CourseCacheTTL,
		Coalesce: cfg.CoalesceCourseMisses,
		Metrics:  metrics,
	})
	jwxt := core.NewHTTPJwxtClient(core.JwxtClientOptions{
		BaseURL: cfg.JwxtServiceURL,
		APIKey:  cfg.JwxtAPIKey,
		Timeout: cfg.JwxtTimeout,
		Courses: courses,
		Metrics: metrics,
	})

	// Gorilla cookie store for session management.
	store := sessions.NewCookieStore([]byte(cfg.SessionKey))

	userRepo := core.NewPgUserRepository(db)
	authService := core.NewRepositoryAuthService(userRepo)
	codes := core.NewVerificationCodes(cache, core.LogCodeSender{})
	tokens := core.NewTokenIssuer(cfg.TokenSecret, nil)

	bridge := core.NewCredentialBridge(userRepo, jwxt)

	if err := core.BootstrapAdmin(ctx, userRepo, cfg); err != nil {
		log.Fatalf("bootstrap admin failed: %v", err)
	}

	router := core.NewRouter(cfg, store, core.RouterDeps{
		Auth:          authService,
		Users:         userRepo,
		Accounts:      core.NewAccountService(userRepo, codes, tokens, bridge),
		Announcements: core.NewPgAnnouncementRepository(db),
		Jwxt:          jwxt,
		Bridge:        bridge,
		Cache:         cache,
		Metrics:       metrics,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[api] shutdown: %v", err)
		}
	}()

	log.Printf("starting api server on %s (jwxt=%s)", srv.Addr, cfg.JwxtServiceURL)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
	log.Printf("api server stopped")
}
