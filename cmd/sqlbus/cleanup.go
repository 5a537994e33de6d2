package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/velmie/sqlbus/config"
)

func cleanupCommand(a *app) *cobra.Command {
	var (
		limit     int
		retention time.Duration
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "delete outbox messages sent longer ago than the retention",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := newOutboxStore(a)
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = a.cnf.Outbox.CleanBatch
			}
			if limit <= 0 {
				limit = defaultCleanupLimit
			}

			if retention <= 0 {
				retention = config.Seconds(a.cnf.Outbox.CleanRetention)
			}

			deleted, err := store.DeleteSent(cmd.Context(), retention, limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d sent messages from %s\n", deleted, store.Table())

			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "rows deleted per statement")
	cmd.Flags().DurationVar(&retention, "retention", 0, "keep messages sent more recently than this (default from config)")

	return cmd
}

func statusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print the number of unsent outbox messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := newOutboxStore(a)
			if err != nil {
				return err
			}
			pending, err := store.PendingCount(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d pending\n", store.Table(), pending)

			return nil
		},
	}
}

const defaultCleanupLimit = 1000
