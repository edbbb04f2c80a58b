// Package main our entry point.
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

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/swipehire/matchchat/internal"
	"github.com/swipehire/matchchat/internal/broker"
	"github.com/swipehire/matchchat/internal/config"
	"github.com/swipehire/matchchat/internal/database"
	"github.com/swipehire/matchchat/internal/handler"
	"github.com/swipehire/matchchat/internal/logging"
	"github.com/swipehire/matchchat/internal/profile"
	ratelimiter "github.com/swipehire/matchchat/internal/rate_limiter"
	ws "github.com/swipehire/matchchat/internal/websocket"
	"github.com/swipehire/matchchat/sql/schema"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	logging.New()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting application...")

	// Init DB
	slog.Info("Initializing Database connection...")
	dbConn, err := database.Connect(ctx, cfg.DBURL)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	if err := database.Migrate(ctx, dbConn, schema.FS); err != nil {
		return err
	}
	dbQueries := database.New(dbConn)

	// Init broker. Without NATS room events only reach this instance.
	var b broker.Broker
	if cfg.NATSURL != "" {
		slog.Info("Initializing NATS connection...")
		conn, err := connectNATS(cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := conn.Drain(); err != nil {
				slog.Error("couldn't drain NATS conn", "error", err)
			}
		}()

		js, err := jetstream.New(conn)
		if err != nil {
			return err
		}
		if b, err = broker.NewJetStream(ctx, js); err != nil {
			return err
		}
	} else {
		slog.Warn("NATS_URL not set, room events stay in process")
		b = broker.NewLocal()
	}

	// Init Redis
	prefs, err := profile.NewRedisStore(ctx, profile.RedisConfig{
		Address:  cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return err
	}
	defer prefs.Close()

	// hub.Run is our central hub that is always listening for client related events.
	hub := ws.NewHub(b)
	if err := hub.Subscribe(ctx); err != nil {
		return err
	}
	go hub.Run(ctx)

	limiter := ratelimiter.NewIPRateLimiter(ctx, cfg.APIRequests, cfg.APIWindow, ratelimiter.CleanupOpts{
		TTL:      3 * time.Minute,
		Interval: time.Minute,
	})
	defer limiter.Cancel()

	server := &http.Server{
		Addr: "0.0.0.0:" + cfg.Port,
		Handler: handler.NewRouter(handler.Deps{
			Matches:     dbQueries,
			Sockets:     dbQueries,
			Preferences: prefs,
			Hub:         hub,
			Auth:        internal.Middleware(cfg.JWTSecret, cfg.JWTIssuer),
			RateLimit:   limiter.Middleware,
			TypingLimit: handler.TypingLimit{
				Requests: cfg.TypingRequests,
				Window:   cfg.TypingWindow,
			},
		}),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		slog.Info("Server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutdown signal received; shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}

	slog.Info("Server stopped")
	return nil
}

func connectNATS(cfg *config.Config) (*nats.Conn, error) {
	var opts []nats.Option

	if cfg.NATSCred != "" {
		opts = append(opts, nats.UserCredentials(cfg.NATSCred))
	} else if cfg.NATSUser != "" && cfg.NATSPassword != "" {
		opts = append(opts, nats.UserInfo(cfg.NATSUser, cfg.NATSPassword))
	}

	opts = append(opts, nats.Timeout(5*time.Second))

	return nats.Connect(cfg.NATSURL, opts...)
}
