package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/ryugou/analytics-chat-agent/internal/app"
	"github.com/ryugou/analytics-chat-agent/internal/config"
	"github.com/ryugou/analytics-chat-agent/internal/scheduler"
	"github.com/ryugou/analytics-chat-agent/internal/server"
	"github.com/sirupsen/logrus"
)

// env bootstrap function
func loadEnv(logger *logrus.Logger) {
	// Get the project root directory (where go.mod is)
	_, filename, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(filename), "../..")
	envPath := filepath.Join(projectRoot, ".env")

	if err := godotenv.Load(envPath); err != nil {
		logger.Warnf("no .env file found at %s, using system environment variables", envPath)
	} else {
		logger.Infof("loaded .env from %s", envPath)
	}
}

// main is the entry point for the API server
// It initializes all dependencies and starts the HTTP server with graceful shutdown
func main() {
	// Initialize structured logger with custom formatting
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logger.SetLevel(logrus.InfoLevel)

	// load .env BEFORE anything reads os.Getenv
	loadEnv(logger)

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	logger.WithField("config", cfg.String()).Info("configuration loaded")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown (Ctrl+C, SIGTERM)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	deps := app.New(cfg, logger)
	defer func() {
		if err := deps.Close(); err != nil {
			logger.WithError(err).Warn("failed to close clients")
		}
	}()

	// The relational store is required; everything else degrades
	store, err := deps.Store(ctx)
	if err != nil {
		logger.WithError(err).Fatal("failed to open relational store")
	}
	engine, err := deps.Engine(ctx)
	if err != nil {
		logger.WithError(err).Fatal("failed to create schema engine")
	}

	h := &server.Handlers{
		Schema:  engine,
		Checks:  map[string]server.Pinger{"store": store},
		DevMode: cfg.DevMode,
		Logger:  logger,
	}

	if rc, err := deps.Redis(ctx); err != nil {
		logger.WithError(err).Warn("redis unavailable, resolver and run history disabled")
	} else {
		h.Checks["redis"] = redisPinger{rc.Ping}
		if rs, err := deps.Runs(ctx); err == nil {
			h.Runs = rs
		}
		if r, err := deps.Resolver(ctx); err != nil {
			logger.WithError(err).Warn("field resolver disabled")
		} else {
			h.Resolver = r
		}
	}

	// Importer needs the warehouse (optional at startup)
	var sched *scheduler.Scheduler
	if im, err := deps.Importer(ctx); err != nil {
		logger.WithError(err).Warn("event importer disabled")
	} else {
		h.Importer = im
		if src, err := deps.Warehouse(ctx); err == nil {
			h.Checks["warehouse"] = src
		}
		if cfg.ImportCron != "" {
			sched, err = scheduler.New(im, cfg.ImportCron, logger)
			if err != nil {
				logger.WithError(err).Fatal("invalid import schedule")
			}
			sched.Start(ctx)
		}
	}

	// Only initialize AI if OpenRouter API key is provided
	if cfg.OpenRouterAPIKey != "" {
		agent, err := deps.Agent(ctx, "")
		if err != nil {
			logger.WithError(err).Warn("failed to initialize ai agent")
		} else {
			h.AI = agent
			h.NewAgent = func(model string) (server.Asker, error) {
				a, err := deps.Agent(ctx, model)
				if err != nil {
					return nil, err
				}
				return a, nil
			}
		}
	}

	// Create HTTP server with configuration and handlers
	srv, err := server.NewServer(server.ServerDeps{
		Handlers: h,
		Config: server.ServerConfig{
			Addr:    cfg.APIAddr,
			DevMode: cfg.DevMode,
			APIKey:  cfg.APIKey,
		},
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create http server")
	}

	// Setup graceful shutdown in a separate goroutine
	go func() {
		<-sigCh // Wait for shutdown signal
		logger.Info("shutting down")
		if sched != nil {
			stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
			if err := sched.Stop(stopCtx); err != nil {
				logger.WithError(err).Warn("scheduled import did not stop in time")
			}
			stop()
		}
		cancel()                               // Cancel context to stop ongoing operations
		_ = srv.Shutdown(context.Background()) // Gracefully shutdown HTTP server
	}()

	// Start the HTTP server
	logger.WithField("addr", cfg.APIAddr).Info("api server starting")
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("api server failed")
	}

	// Wait for server to be fully shut down
	if err := srv.WaitClosed(context.Background()); err != nil {
		logger.WithError(err).Warn("shutdown incomplete")
	}
}

// redisPinger adapts the client's Ping command to server.Pinger
type redisPinger struct {
	ping func(ctx context.Context) *redis.StatusCmd
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.ping(ctx).Err()
}
