package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chriswu/outreach-scheduler/internal/automation"
	"github.com/chriswu/outreach-scheduler/internal/breaker"
	"github.com/chriswu/outreach-scheduler/internal/lifecycle"
	"github.com/chriswu/outreach-scheduler/internal/queue"
	"github.com/chriswu/outreach-scheduler/internal/runtimelock"
	"github.com/chriswu/outreach-scheduler/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run job claim loops against the automation sidecar",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		q := queue.New(st, log)
		lc := lifecycle.NewService(st, log)
		locks := runtimelock.NewManager(st, ownerID("worker"), log)
		executor := breaker.NewExecutor(cfg.BreakerThreshold, cfg.BreakerCooldown)
		actor := automation.NewHTTPActor(cfg.AutomationURL)
		generator := &automation.TemplateFallback{Logger: log}

		if n, err := q.RecoverStuckJobs(ctx, cfg.StaleJobAfter); err != nil {
			log.Error("startup recovery", slog.String("error", err.Error()))
		} else if n > 0 {
			log.Info("requeued stuck jobs on start", slog.Int("count", n))
		}

		serveMetrics(ctx)

		count := cfg.WorkerCount
		if count < 1 {
			count = 1
		}
		log.Info("worker pool started", slog.Int("count", count))

		g, ctx := errgroup.WithContext(ctx)
		for i := 0; i < count; i++ {
			id := fmt.Sprintf("%s-%d", ownerID("worker"), i)
			w := worker.New(id, q, st, lc, actor, generator, executor, locks, cfg, log)
			g.Go(func() error { return w.Run(ctx) })
		}
		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}
