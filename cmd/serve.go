package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"mcphub/internal/agentcfg"
	"mcphub/internal/config"
	"mcphub/internal/connection"
	"mcphub/internal/server"
	"mcphub/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and OAuth callback server",
	Long: `Starts the HTTP server that manages MCP server connections:
the JSON session API, the per-user agent configuration endpoint, and
the OAuth callback route. Requires REDIS_URL to be set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(opts)
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach Redis at startup: %w", err)
	}

	store, err := session.NewRedisStore(session.RedisConfig{
		Client: redisClient,
		TTL:    cfg.SessionTTL,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	cache, err := connection.NewCache(cfg.ConnectionCacheSize)
	if err != nil {
		return err
	}

	rehydrator, err := connection.NewRehydrator(connection.RehydratorConfig{
		Store:       store,
		CallbackURL: cfg.CallbackURL,
		Logger:      logger,
		Cache:       cache,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		ListenAddr:   cfg.ListenAddr,
		Store:        store,
		Rehydrator:   rehydrator,
		Materializer: agentcfg.NewMaterializer(store, logger),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting mcphub",
		"listen_addr", cfg.ListenAddr,
		"callback_url", cfg.CallbackURL,
		"session_ttl", cfg.SessionTTL)

	return srv.Start(ctx)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
