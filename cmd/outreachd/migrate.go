package main

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		st.Close()
		log.Info("migrations applied")
		return nil
	},
}
