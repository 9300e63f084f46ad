package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chriswu/outreach-scheduler/internal/config"
	"github.com/chriswu/outreach-scheduler/internal/store"
	"github.com/chriswu/outreach-scheduler/internal/telemetry"
)

var (
	v   = viper.New()
	cfg config.Config
	log *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "outreachd",
	Short:         "Admission-controlled outreach scheduler",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		cfg = config.Load(v)
		log = newLogger(cfg)
		return nil
	},
}

// Execute runs the CLI. Configuration comes from flags, then OUTREACH_*
// environment variables, then defaults.
func Execute() error {
	config.SetDefaults(v)
	v.SetEnvPrefix("OUTREACH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	rootCmd.PersistentFlags().String("log_level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().String("postgres_dsn", "", "postgres connection string")
	rootCmd.PersistentFlags().String("metrics_addr", "", "standalone metrics listen address")

	rootCmd.AddCommand(schedulerCmd, workerCmd, apiCmd, relayCmd, migrateCmd)

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return err
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// signalContext cancels on SIGINT/SIGTERM for graceful shutdown.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// openStore connects to Postgres and applies pending migrations, the same
// startup order for every subcommand.
func openStore(ctx context.Context) (*store.Store, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return st, nil
}

// serveMetrics exposes /metrics on its own listener for the non-API commands.
func serveMetrics(ctx context.Context) {
	if cfg.MetricsAddr == "" {
		return
	}
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
}

// ownerID identifies this process for runtime locks and job claims.
func ownerID(prefix string) string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "local"
	}
	return fmt.Sprintf("%s-%s-%d", prefix, hostname, os.Getpid())
}
