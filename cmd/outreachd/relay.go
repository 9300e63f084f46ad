package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/chriswu/outreach-scheduler/internal/outbox"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the standalone outbox-to-Kafka relay",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		serveMetrics(ctx)

		relay := outbox.NewRelay(st, outbox.NewKafkaPublisher(cfg.KafkaBrokers), log)
		log.Info("relay started", slog.Duration("interval", cfg.RelayInterval))
		if err := relay.Run(ctx, cfg.RelayInterval); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
