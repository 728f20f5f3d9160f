package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/raakeshmj/keygate/internal/config"
	"github.com/raakeshmj/keygate/internal/logger"
	"github.com/raakeshmj/keygate/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control plane server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "server host")
	serveCmd.Flags().Int("port", 0, "server port")
	serveCmd.Flags().String("ratelimit-backend", "", "rate limit window store (memory, redis)")
	serveCmd.Flags().String("redis-addr", "", "redis address for the redis backend")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("ratelimit.backend", serveCmd.Flags().Lookup("ratelimit-backend"))
	_ = viper.BindPFlag("ratelimit.redis_addr", serveCmd.Flags().Lookup("redis-addr"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting keygate",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("addr", cfg.Address()),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("ratelimit_backend", cfg.RateLimit.Backend),
		zap.String("failure_strategy", cfg.RateLimit.FailureStrategy),
	)

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Error("Failed to create server", zap.Error(err))
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Error("Failed to release resources", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}
