package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/uitsmijter/uitsmijter/internal/config"
	"github.com/uitsmijter/uitsmijter/internal/entitysource"
	"github.com/uitsmijter/uitsmijter/internal/health"
	"github.com/uitsmijter/uitsmijter/internal/interceptor"
	"github.com/uitsmijter/uitsmijter/internal/keystore"
	"github.com/uitsmijter/uitsmijter/internal/login"
	"github.com/uitsmijter/uitsmijter/internal/metrics"
	"github.com/uitsmijter/uitsmijter/internal/oauth"
	"github.com/uitsmijter/uitsmijter/internal/reqctx"
	"github.com/uitsmijter/uitsmijter/internal/session"
	"github.com/uitsmijter/uitsmijter/internal/signer"
	"github.com/uitsmijter/uitsmijter/internal/tenant"
)

func commandServe() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	now := func() time.Time { return time.Now().UTC() }

	tenants := tenant.New(logger)
	fsSource := entitysource.NewFilesystem("./Configurations", tenants, logger)
	if err := fsSource.LoadOnce(); err != nil {
		logger.Warn("initial entity load failed", "error", err)
	}

	keys := keystore.New([]byte(cfg.JWTSecret), now)
	sign := signer.New(keys, cfg.JWTAlgorithm)
	rotationStop := make(chan struct{})
	keys.StartRotation(24*time.Hour, 7*24*time.Hour, rotationStop)
	defer close(rotationStop)

	var sessions session.Store
	if cfg.RedisHost != "" {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisHost},
			Password: cfg.RedisPassword,
		})
		sessions = session.NewRedis(rdb)
	} else {
		sessions = session.NewMemory(logger, now, time.Minute)
	}

	registry := prometheus.NewRegistry()
	recorder := metrics.New(registry)

	rcBuilder := &reqctx.Builder{
		Tenants:    tenants,
		Signer:     sign,
		CookieName: cfg.CookieName(),
		Now:        now,
	}

	oauthSvc := &oauth.Service{
		Tenants:           tenants,
		Sessions:          sessions,
		Signer:            sign,
		Logger:            logger,
		Metrics:           recorder,
		TokenExpiration:   cfg.TokenExpiration,
		RefreshExpiration: cfg.RefreshExpiration,
		Now:               now,
	}

	loginSvc := &login.Service{
		Tenants:      tenants,
		Sessions:     sessions,
		Signer:       sign,
		Logger:       logger,
		Metrics:      recorder,
		CookieName:   cfg.CookieName(),
		CookieSecure: cfg.Secure,
		CookieExpiry: cfg.CookieExpiration,
		PublicDomain: cfg.PublicDomain,
		Now:          now,
	}

	interceptorSvc := &interceptor.Service{
		Signer:       sign,
		Logger:       logger,
		Metrics:      recorder,
		CookieName:   cfg.CookieName(),
		CookieSecure: cfg.Secure,
		CookieExpiry: cfg.CookieExpiration,
		Now:          now,
	}

	healthSvc := health.New(keys, sessions, logger)

	router := mux.NewRouter().SkipClean(true)
	router.Use(rcBuilder.Middleware)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		handlers.AllowedMethods([]string{"GET", "POST"}),
	)

	router.Handle("/authorize", cors(http.HandlerFunc(oauthSvc.Authorize))).Methods(http.MethodGet)
	router.Handle("/token", cors(http.HandlerFunc(oauthSvc.Token))).Methods(http.MethodPost)
	router.Handle("/token/info", cors(http.HandlerFunc(oauthSvc.TokenInfo))).Methods(http.MethodGet)
	router.HandleFunc("/login", loginSvc.Show).Methods(http.MethodGet)
	router.HandleFunc("/login", loginSvc.Submit).Methods(http.MethodPost)
	router.HandleFunc("/logout", loginSvc.Logout).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/logout/finalize", loginSvc.LogoutFinalize).Methods(http.MethodGet)
	router.HandleFunc("/interceptor", interceptorSvc.Check)
	router.HandleFunc("/.well-known/jwks.json", healthSvc.JWKS)
	router.HandleFunc("/health", healthSvc.Live)
	router.HandleFunc("/health/ready", healthSvc.Ready)

	telemetry := mux.NewRouter()
	telemetry.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	telemetry.HandleFunc("/versions", versionsHandler)

	webAddr := envOr("WEB_HTTP_ADDR", ":8080")
	telemetryAddr := envOr("TELEMETRY_HTTP_ADDR", ":9090")

	webSrv := &http.Server{Addr: webAddr, Handler: router}
	telemetrySrv := &http.Server{Addr: telemetryAddr, Handler: telemetry}

	var gr run.Group
	{
		stop := make(chan struct{})
		gr.Add(func() error {
			return fsSource.Run(stop)
		}, func(error) { close(stop) })
	}
	addServer(&gr, "web", webSrv, logger)
	addServer(&gr, "telemetry", telemetrySrv, logger)
	{
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		done := make(chan struct{})
		gr.Add(func() error {
			select {
			case <-sigCh:
			case <-done:
			}
			return nil
		}, func(error) { close(done) })
	}

	logger.Info("starting authd", "web_addr", webAddr, "telemetry_addr", telemetryAddr)
	return gr.Run()
}

func addServer(gr *run.Group, name string, srv *http.Server, logger *slog.Logger) {
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		gr.Add(func() error { return err }, func(error) {})
		return
	}
	gr.Add(func() error {
		logger.Info("listening", "server", name, "addr", srv.Addr)
		err := srv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", "server", name, "error", err)
		}
	})
}

func versionsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"name":"authd","version":"dev"}`))
}

func newLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if format == "console" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
