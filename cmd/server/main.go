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

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/sudo-init-do/matmarket/internal/alerts"
	"github.com/sudo-init-do/matmarket/internal/config"
	"github.com/sudo-init-do/matmarket/internal/db"
	"github.com/sudo-init-do/matmarket/internal/logging"
	"github.com/sudo-init-do/matmarket/internal/marketplace"
	"github.com/sudo-init-do/matmarket/internal/messaging"
	mware "github.com/sudo-init-do/matmarket/internal/middleware"
	"github.com/sudo-init-do/matmarket/internal/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	if cfg.JWTSecret == "" {
		log.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stores
	var (
		convStore   messaging.Store
		marketStore marketplace.Store
	)
	switch cfg.Store {
	case config.StoreMemory:
		log.Warn("using in-memory store; data is lost on restart")
		convStore = messaging.NewMemoryStore()
		marketStore = marketplace.NewMemoryStore()
	default:
		pool, err := db.Init(ctx, cfg.DSN())
		if err != nil {
			log.Error("database init failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		convStore = messaging.NewPgStore(pool)
		marketStore = marketplace.NewPgStore(pool)
	}

	// Change feed
	hub := notify.NewHub(log)
	feed := notify.NewFanout(log)
	if cfg.NotifyChannel != "" {
		// every instance's hub is fed from the channel, including our own writes
		redisFeed := notify.NewRedisFeed(cfg.RedisAddr, cfg.NotifyChannel, log)
		defer redisFeed.Close()
		feed.Add(redisFeed)
		go func() {
			if err := redisFeed.Relay(ctx, hub); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("change feed relay stopped", "error", err)
			}
		}()
	} else {
		feed.Add(hub)
	}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaFeed := notify.NewKafkaFeed(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafkaFeed.Close()
		feed.Add(kafkaFeed)
		log.Info("publishing changes to kafka", "topic", cfg.KafkaTopic)
	}
	if cfg.AlertsEnabled {
		redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		client := asynq.NewClient(redisOpt)
		defer client.Close()
		feed.Add(alerts.NewEnqueuer(client))

		worker := alerts.NewWorker(cfg.RedisAddr, log)
		if err := worker.Start(); err != nil {
			log.Error("alerts worker failed to start", "error", err)
			os.Exit(1)
		}
		defer worker.Shutdown()
		log.Info("alerts enabled", "redis", cfg.RedisAddr)
	}

	// Services
	conversations := messaging.NewService(convStore, feed)
	market := marketplace.NewService(marketStore, conversations, feed, cfg.Currency, log)

	e := echo.New()
	e.HideBanner = true

	// Basic middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	// Health and root routes
	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok", "service": "matmarket"})
	})
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})
	e.GET("/ready", func(c echo.Context) error {
		if cfg.Store == config.StoreMemory {
			return c.JSON(http.StatusOK, echo.Map{"status": "ready", "store": cfg.Store})
		}
		if db.Conn == nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "not_ready", "error": "db not initialized"})
		}
		if err := db.Conn.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "not_ready", "error": "db unreachable"})
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "ready"})
	})

	// Protected routes
	secret := []byte(cfg.JWTSecret)
	api := e.Group("", mware.JWTMiddleware(secret))
	admin := e.Group("/admin", mware.JWTMiddleware(secret))

	messaging.NewHandler(conversations, hub).Register(api)
	marketplace.NewHandler(market, hub).Register(api, admin)

	// Start server
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "error", err)
	}
}
