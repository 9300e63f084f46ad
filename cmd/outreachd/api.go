package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/chriswu/outreach-scheduler/internal/api"
	"github.com/chriswu/outreach-scheduler/internal/queue"
	"github.com/chriswu/outreach-scheduler/internal/risk"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the operator HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		th := risk.Thresholds{
			Warn:                cfg.WarnThreshold,
			Stop:                cfg.StopThreshold,
			PendingWarn:         cfg.PendingWarnThreshold,
			PendingStop:         cfg.PendingStopThreshold,
			LowActivityFloor:    cfg.LowActivityFloor,
			CooldownHighScore:   cfg.CooldownHighScore,
			CooldownHighPending: cfg.CooldownHighPending,
			CooldownWarnPause:   cfg.CooldownWarnPause,
			CooldownHighPause:   cfg.CooldownHighPause,
		}
		rk := risk.NewService(st, th, cfg.AnomalySigma, cfg.AnomalyHistoryDays, log)

		server := api.New(cfg, st, queue.New(st, log), rk, buildScheduler(st))
		srv := &http.Server{
			Addr:              ":" + cfg.HTTPPort,
			Handler:           server.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		log.Info("api listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}
