package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/velmie/sqlbus/mysql"
	"github.com/velmie/sqlbus/mysql/outboxstore"
	"github.com/velmie/sqlbus/mysql/transport"
)

type schemaTarget struct {
	use    string
	short  string
	kind   string
	script func(mysql.TableName) string
}

var schemaTargets = []schemaTarget{
	{use: "queue <table>", short: "create or resume a row-lock queue table", kind: transport.QueueSchemaKind, script: transport.QueueSchema},
	{use: "lease <table>", short: "create or resume a lease queue table", kind: transport.LeaseQueueSchemaKind, script: transport.LeaseQueueSchema},
	{use: "outbox [table]", short: "create or resume the outbox table", kind: outboxstore.SchemaKind, script: outboxstore.Schema},
}

func migrateCommands(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply table schemas",
	}
	for _, target := range schemaTargets {
		cmd.AddCommand(migrateCommand(a, target))
	}

	return cmd
}

func migrateCommand(a *app, target schemaTarget) *cobra.Command {
	var migrationTable string

	cmd := &cobra.Command{
		Use:   target.use,
		Short: target.short,
		Args:  cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := a.cnf.Outbox.Table
			if target.kind != outboxstore.SchemaKind {
				name = a.cnf.Queue.Address
			}
			if len(args) == 1 {
				name = args[0]
			}
			if name == "" {
				return fmt.Errorf("table name is required")
			}
			table, err := mysql.ParseTableName(name)
			if err != nil {
				return err
			}

			opts := []mysql.MigratorOption{mysql.WithMigratorLogger(a.logger)}
			if migrationTable != "" {
				opts = append(opts, mysql.WithMigrationTable(migrationTable))
			}
			migrator, err := mysql.NewMigrator(a.db, opts...)
			if err != nil {
				return err
			}

			if err := migrator.Apply(cmd.Context(), target.kind, table, target.script(table)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s is up to date\n", target.kind, table)

			return nil
		},
	}
	cmd.Flags().StringVar(&migrationTable, "migration-table", "", "table recording applied schema steps")

	return cmd
}
