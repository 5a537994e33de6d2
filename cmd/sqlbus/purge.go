package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/velmie/sqlbus/config"
	"github.com/velmie/sqlbus/mysql"
	"github.com/velmie/sqlbus/mysql/transport"
)

func purgeCommand(a *app) *cobra.Command {
	var (
		once     bool
		interval time.Duration
		batch    int
	)

	cmd := &cobra.Command{
		Use:   "purge [table]",
		Short: "delete expired messages from a queue table",
		Args:  cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := a.cnf.Queue.Address
			if len(args) == 1 {
				name = args[0]
			}
			if name == "" {
				return errors.New("queue table is required")
			}
			table, err := mysql.ParseTableName(name)
			if err != nil {
				return err
			}

			if interval <= 0 {
				interval = config.Seconds(a.cnf.Queue.ExpiredCleanupInterval)
			}
			if batch <= 0 {
				batch = a.cnf.Queue.ExpiredCleanupBatch
			}
			janitor := transport.NewJanitor(a.db, table, interval, batch, transport.WithJanitorLogger(a.logger))

			if once {
				purged, err := janitor.PurgeOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired messages from %s\n", purged, table)

				return nil
			}

			a.logger.Info("sqlbus janitor started", "table", table.String())

			return ignoreCanceled(janitor.Run(cmd.Context()))
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between passes")
	cmd.Flags().IntVar(&batch, "batch", 0, "rows deleted per statement")

	return cmd
}
