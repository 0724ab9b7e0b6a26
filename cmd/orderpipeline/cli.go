package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-order-pipeline/internal/app"
	"github.com/tbourn/go-order-pipeline/internal/config"
	"github.com/tbourn/go-order-pipeline/internal/observability"
	"github.com/tbourn/go-order-pipeline/internal/secrets"
	"github.com/tbourn/go-order-pipeline/internal/sysutil"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "orderpipeline",
	Short:         "At-least-once order ingestion pipeline",
	Long:          `Accepts orders over HTTP, fans out notifications, and processes each order exactly once from the delivery queue.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the HTTP API and the reconciler",
	RunE: func(cmd *cobra.Command, _ []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		withWorkers, _ := cmd.Flags().GetBool("with-workers")
		migrate, _ := cmd.Flags().GetBool("migrate")

		return run(cmd, func(ctx context.Context, a *app.App) error {
			if migrate {
				if err := a.Migrate(); err != nil {
					return err
				}
			}
			ln, err := net.Listen("tcp", sysutil.ListenAddr(addr, a.Config.Port))
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			return a.Serve(ctx, ln, withWorkers)
		})
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Starts the queue consumer workers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, func(ctx context.Context, a *app.App) error {
			return a.Work(ctx)
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Creates or updates the pipeline tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, func(_ context.Context, a *app.App) error {
			if err := a.Migrate(); err != nil {
				return err
			}
			log.Info().Msg("migration complete")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.PersistentFlags().StringP("env-file", "e", ".env", "dotenv file loaded before reading the environment (missing file is ignored)")

	serveCmd.Flags().StringP("addr", "a", "", "listen address, overrides PORT")
	serveCmd.Flags().Bool("with-workers", false, "also run the consumer workers in this process")
	serveCmd.Flags().Bool("migrate", false, "run migrations before serving")
}

// run loads configuration, sets up logging and tracing, builds the app, and
// calls fn with a context cancelled on SIGINT/SIGTERM.
func run(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	sysutil.SetLogLevel(cfg.LogLevel)
	log.Logger = sysutil.NewLogger(os.Stdout, cfg.LogPretty, cfg.OTEL.ServiceName, cmd.Name())
	zerolog.DefaultContextLogger = &log.Logger
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	a, err := app.New(ctx, cfg, secrets.EnvProvider{Prefix: cfg.SecretsPrefix})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("close")
		}
	}()

	log.Info().Str("version", version).Msg("starting")
	if err := fn(ctx, a); err != nil {
		return err
	}
	log.Info().Msg("shut down gracefully")
	return nil
}
