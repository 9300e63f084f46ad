package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chriswu/outreach-scheduler/internal/lifecycle"
	"github.com/chriswu/outreach-scheduler/internal/outbox"
	"github.com/chriswu/outreach-scheduler/internal/pacing"
	"github.com/chriswu/outreach-scheduler/internal/queue"
	"github.com/chriswu/outreach-scheduler/internal/risk"
	"github.com/chriswu/outreach-scheduler/internal/runtimelock"
	"github.com/chriswu/outreach-scheduler/internal/scheduler"
	"github.com/chriswu/outreach-scheduler/internal/store"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run cron-driven scheduling cycles and the outbox relay",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		sel, err := scheduler.ParseSelection(cfg.Selection)
		if err != nil {
			return err
		}

		svc := buildScheduler(st)
		relay := outbox.NewRelay(st, outbox.NewKafkaPublisher(cfg.KafkaBrokers), log)

		serveMetrics(ctx)

		c := cron.New()
		_, err = c.AddFunc(cfg.CycleCron, func() {
			report, err := svc.RunCycle(ctx, sel)
			switch {
			case errors.Is(err, runtimelock.ErrLockHeld):
				log.Debug("cycle skipped, lock held elsewhere")
			case err != nil:
				log.Error("cycle failed", slog.String("error", err.Error()))
			case report.Halted != "":
				log.Info("cycle halted", slog.String("reason", report.Halted))
			}
		})
		if err != nil {
			return err
		}

		log.Info("scheduler started",
			slog.String("cron", cfg.CycleCron),
			slog.String("selection", string(sel)),
		)
		c.Start()
		defer c.Stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return relay.Run(ctx, cfg.RelayInterval) })
		g.Go(func() error {
			<-ctx.Done()
			return ctx.Err()
		})
		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func buildScheduler(st *store.Store) *scheduler.Service {
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	return scheduler.NewService(
		st,
		queue.New(st, log),
		risk.NewService(st, th, cfg.AnomalySigma, cfg.AnomalyHistoryDays, log),
		lifecycle.NewService(st, log),
		runtimelock.NewManager(st, ownerID("scheduler"), log),
		pacing.NewHourlyBucket(rdb, cfg.HourlyActionCap),
		cfg,
		log,
	)
}
