package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/velmie/sqlbus"
	"github.com/velmie/sqlbus/config"
	"github.com/velmie/sqlbus/mysql/outboxstore"
	"github.com/velmie/sqlbus/mysql/transport"
	"github.com/velmie/sqlbus/outbox"
)

func newOutboxStore(a *app) (*outboxstore.Store, error) {
	return outboxstore.NewStore(a.db,
		outboxstore.WithTable(a.cnf.Outbox.Table),
		outboxstore.WithLogger(a.logger),
	)
}

func newSender(a *app) (sqlbus.Transport, error) {
	opts := []transport.Option{
		transport.WithLogger(a.logger),
		transport.WithMaxConcurrency(a.cnf.Queue.MaxConcurrency),
	}
	if a.cnf.Queue.Lease {
		return transport.NewLeaseTransport(a.db, "", opts...)
	}

	return transport.NewTransport(a.db, "", opts...)
}

func forwardCommand(a *app) *cobra.Command {
	var (
		once          bool
		correlationID string
		noCleaner     bool
	)

	cmd := &cobra.Command{
		Use:   "forward",
		Short: "forward saved outbox messages to their destination queues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := newOutboxStore(a)
			if err != nil {
				return err
			}
			sender, err := newSender(a)
			if err != nil {
				return err
			}

			opts := []outbox.ForwarderOption{
				outbox.WithLogger(a.logger),
				outbox.WithBatchSize(a.cnf.Outbox.BatchSize),
				outbox.WithForwardInterval(config.Seconds(a.cnf.Outbox.ForwardInterval)),
				outbox.WithCleanInterval(config.Seconds(a.cnf.Outbox.CleanInterval)),
				outbox.WithCleanBatch(a.cnf.Outbox.CleanBatch),
				outbox.WithCleanRetention(config.Seconds(a.cnf.Outbox.CleanRetention)),
			}
			if noCleaner {
				opts = append(opts, outbox.WithoutCleaner())
			}
			forwarder := outbox.NewForwarder(store, sender, opts...)

			if once || correlationID != "" {
				var forwarded int
				if correlationID != "" {
					forwarded, err = forwarder.ForwardCorrelation(cmd.Context(), correlationID)
				} else {
					forwarded, err = forwarder.ForwardPending(cmd.Context())
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "forwarded %d messages\n", forwarded)

				return nil
			}

			a.logger.Info("sqlbus outbox forwarder started", "table", store.Table().String())

			return forwarder.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "forward what is pending and exit")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "forward only the messages of one transaction and exit")
	cmd.Flags().BoolVar(&noCleaner, "no-cleaner", false, "leave sent messages in the table")

	return cmd
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
