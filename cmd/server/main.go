package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatroom/internal/api"
	"github.com/Tyrowin/chatroom/internal/chat"
	"github.com/Tyrowin/chatroom/internal/config"
	"github.com/Tyrowin/chatroom/internal/logging"
	"github.com/Tyrowin/chatroom/internal/metrics"
	"github.com/Tyrowin/chatroom/internal/notify"
	"github.com/Tyrowin/chatroom/internal/presence"
	"github.com/Tyrowin/chatroom/internal/registry"
	"github.com/Tyrowin/chatroom/internal/server"
	"github.com/Tyrowin/chatroom/internal/sessions"
	"github.com/Tyrowin/chatroom/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx := context.Background()
	log.Info("starting chat server",
		zap.String("port", cfg.Port),
		zap.String("db_dialect", cfg.DBDialect),
		zap.String("session_backend", cfg.SessionBackend))

	st, err := store.Open(store.Options{
		Dialect: cfg.DBDialect,
		DSN:     cfg.DBDSN,
		Verbose: cfg.LogLevel == "debug",
		Logger:  log.Named("store"),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("close database", zap.Error(err))
		}
	}()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	var dir sessions.Directory
	switch cfg.SessionBackend {
	case config.SessionRedis:
		rd, err := sessions.DialRedis(ctx, sessions.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.SessionTTL,
		})
		if err != nil {
			return err
		}
		defer func() { _ = rd.Close() }()
		dir = rd
	default:
		dir = sessions.NewMemoryDirectory(cfg.SessionTTL)
	}

	rec := metrics.New(prometheus.DefaultRegisterer)
	reg := registry.New(log.Named("registry"))
	tracker := presence.New(st, reg, log.Named("presence"), presence.WithMetrics(rec))
	router := chat.New(st, reg, log.Named("chat"), chat.WithMetrics(rec))
	notifier := notify.New(st, reg, log.Named("notify"), rec)

	gw := server.NewGateway(server.Deps{
		Sessions: dir,
		Users:    st,
		Registry: reg,
		Presence: tracker,
		Router:   router,
		Origins:  server.NewOriginPolicy(cfg.AllowedOrigins, log),
		Metrics:  rec,
		Logger:   log.Named("gateway"),
	}, server.Settings{
		MaxMessageSize: cfg.MaxMessageSize,
		RateBurst:      cfg.RateLimit.Burst,
		RateInterval:   cfg.RateLimit.RefillInterval,
		SendBufferSize: cfg.SendBufferSize,
	})

	engine := server.NewEngine(gw, server.EngineOptions{
		Auth: &api.AuthHandler{
			Users:        st,
			Sessions:     dir,
			Presence:     tracker,
			SessionTTL:   cfg.SessionTTL,
			CookieSecure: cfg.CookieSecure,
			Log:          log.Named("auth"),
		},
		Events: &api.EventsHandler{
			Notifier: notifier,
			Presence: tracker,
			Log:      log.Named("events"),
		},
		InternalSecret: cfg.InternalJWTSecret,
		Metrics:        promhttp.Handler(),
		Logger:         log.Named("http"),
	})

	srv := server.CreateServer(cfg.Port, engine)
	errCh := make(chan error, 1)
	go func() { errCh <- server.StartServer(srv, log) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		log.Info("received signal", zap.String("signal", s.String()))
	}

	// Stop new upgrades first, then close live sockets so their teardown
	// can still reach the store.
	if err := server.ShutdownServer(srv, cfg.ShutdownTimeout, log); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := gw.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Warn("gateway shutdown incomplete", zap.Error(err))
	}
	log.Info("server stopped")
	return nil
}
