// Command sqlbus manages MySQL queue and outbox tables: schema migration, expired message purging,
// outbox forwarding and cleanup.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/velmie/sqlbus"
	"github.com/velmie/sqlbus/config"
	"github.com/velmie/sqlbus/mysql"
)

// app carries what every subcommand needs once the configuration is loaded.
type app struct {
	cnf    *config.Configuration
	db     *sql.DB
	logger sqlbus.LogrusLogger
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}

func preRun(a *app, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		if err := config.InitConfig(*configFile); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		db, err := mysql.Open(cmd.Context(), cnf.DataSource.DSN, cnf.DataSource.Pool())
		if err != nil {
			return err
		}

		a.cnf = cnf
		a.db = db
		a.logger = sqlbus.NewLogrusLogger(cnf.Logger())

		return nil
	}
}

func newRootCommand() (*cobra.Command, *app) {
	var configFile string
	a := &app{}

	cmd := &cobra.Command{
		Use:           "sqlbus",
		Short:         "MySQL message queue and outbox maintenance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultConfigFile, "configuration file")
	cmd.PersistentPreRunE = preRun(a, &configFile)

	cmd.AddCommand(migrateCommands(a))
	cmd.AddCommand(purgeCommand(a))
	cmd.AddCommand(forwardCommand(a))
	cmd.AddCommand(cleanupCommand(a))
	cmd.AddCommand(statusCommand(a))

	return cmd, a
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, a := newRootCommand()
	err := cmd.ExecuteContext(ctx)
	a.close()
	if err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
