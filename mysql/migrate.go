package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	migrate "github.com/rubenv/sql-migrate"

	"github.com/velmie/sqlbus"
)

const (
	// StepDelimiter separates independently applied statements of a schema script.
	StepDelimiter = "----"

	defaultMigrationTable = "sqlbus_migrations"
	mysqlDialect          = "mysql"
)

// SplitScript splits a script on lines consisting of StepDelimiter and drops empty statements.
func SplitScript(script string) []string {
	var (
		steps []string
		cur   strings.Builder
	)

	flush := func() {
		if stmt := strings.TrimSpace(cur.String()); stmt != "" {
			steps = append(steps, stmt)
		}
		cur.Reset()
	}

	for _, line := range strings.Split(script, "\n") {
		if strings.TrimSpace(line) == StepDelimiter {
			flush()

			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	flush()

	return steps
}

// Migrator creates tables from step scripts. Each step is recorded as its own migration,
// so a partially applied script resumes where it failed.
type Migrator struct {
	db     *sql.DB
	set    migrate.MigrationSet
	logger sqlbus.Logger
}

// MigratorOption configures a Migrator.
type MigratorOption func(*Migrator)

// WithMigrationTable sets the table recording applied steps.
func WithMigrationTable(name string) MigratorOption {
	return func(m *Migrator) {
		m.set.TableName = name
	}
}

// WithMigratorLogger sets the migrator logger.
func WithMigratorLogger(logger sqlbus.Logger) MigratorOption {
	return func(m *Migrator) {
		m.logger = logger
	}
}

// NewMigrator creates a migrator over db.
func NewMigrator(db *sql.DB, opts ...MigratorOption) (*Migrator, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	m := &Migrator{
		db:     db,
		set:    migrate.MigrationSet{TableName: defaultMigrationTable, IgnoreUnknown: true},
		logger: sqlbus.NopLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// TableExists reports whether table is present. An unqualified name is looked up in the current database.
func (m *Migrator) TableExists(ctx context.Context, table TableName) (bool, error) {
	var count int
	err := m.db.QueryRowContext(
		ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE()) AND table_name = ?",
		table.Schema,
		table.Name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("sqlbus mysql: table lookup failed: %w", err)
	}

	return count > 0, nil
}

// EnsureTable applies script for table unless the table already exists.
// Concurrent creators are tolerated: a failed attempt is retried once and "already exists" failures of
// the retry are swallowed.
func (m *Migrator) EnsureTable(ctx context.Context, kind string, table TableName, script string) error {
	exists, err := m.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	return m.Apply(ctx, kind, table, script)
}

// Apply runs every step of script that is not recorded yet, regardless of whether the table exists.
// It resumes scripts that were interrupted between steps.
func (m *Migrator) Apply(ctx context.Context, kind string, table TableName, script string) error {
	migrations := Migrations(kind, table, script)
	if len(migrations) == 0 {
		return ErrNoSteps
	}

	if err := m.apply(ctx, migrations); err != nil {
		m.logger.Warn("sqlbus schema step failed, retrying once", "table", table.String(), "err", err)
		if retryErr := m.apply(ctx, migrations); retryErr != nil && !IsAlreadyExists(retryErr) {
			return fmt.Errorf("sqlbus mysql: create %s %s failed: %w", kind, table, retryErr)
		}
	}

	exists, err := m.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrSchemaMissing, table)
	}
	m.logger.Info("sqlbus table ready", "kind", kind, "table", table.String())

	return nil
}

func (m *Migrator) apply(ctx context.Context, migrations []*migrate.Migration) error {
	records, err := m.set.GetMigrationRecords(m.db, mysqlDialect)
	if err != nil {
		return err
	}
	src := &migrate.MemoryMigrationSource{Migrations: withRecorded(migrations, records)}
	_, err = m.set.ExecContext(ctx, m.db, mysqlDialect, src, migrate.Up)

	var txErr *migrate.TxError
	if errors.As(err, &txErr) {
		return fmt.Errorf("step %s: %w", txErr.Migration.Id, txErr.Err)
	}

	return err
}

// withRecorded adds the steps recorded for other tables as no-op migrations.
// The planner only applies steps ordered after the newest record it can find in the source,
// and the tracking table is shared by every queue and outbox table.
func withRecorded(migrations []*migrate.Migration, records []*migrate.MigrationRecord) []*migrate.Migration {
	known := make(map[string]struct{}, len(migrations))
	out := make([]*migrate.Migration, 0, len(migrations)+len(records))
	for _, mig := range migrations {
		known[mig.Id] = struct{}{}
		out = append(out, mig)
	}
	for _, rec := range records {
		if _, ok := known[rec.Id]; ok {
			continue
		}
		out = append(out, &migrate.Migration{Id: rec.Id})
	}

	return out
}

// Migrations converts a step script into one migration per step, ids are "<kind>:<table>:<nn>".
func Migrations(kind string, table TableName, script string) []*migrate.Migration {
	steps := SplitScript(script)
	out := make([]*migrate.Migration, 0, len(steps))
	for i, stmt := range steps {
		out = append(out, &migrate.Migration{
			Id:                   fmt.Sprintf("%s:%s:%02d", kind, table.Key(), i+1),
			Up:                   []string{stmt},
			DisableTransactionUp: true,
		})
	}

	return out
}
