package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/portscan/internal/config"
	"github.com/anstrom/portscan/internal/db"
	"github.com/anstrom/portscan/internal/errors"
	"github.com/anstrom/portscan/internal/scanning"
)

// migrationRunner manages the report schema. *db.Migrator implements it.
type migrationRunner interface {
	Up(ctx context.Context) error
	Status(ctx context.Context) ([]db.MigrationStatus, error)
	Reset(ctx context.Context) error
}

func (a *app) newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the report database schema",
		Long: `Apply, inspect or reset the schema of the report database. serve and
--store apply pending migrations on their own; these commands are for
operating the database directly.`,
		Args: cobra.NoArgs,
	}

	var format string
	status := &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withMigrator(cmd.Context(), func(m migrationRunner) error {
				statuses, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}
				return renderMigrations(cmd.OutOrStdout(), statuses, format)
			})
		},
	}
	status.Flags().StringVarP(&format, "output", "o", "table", "output format: table or json")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withMigrator(cmd.Context(), func(m migrationRunner) error {
				if err := m.Up(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied.")
				return nil
			})
		},
	}

	var confirmed bool
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Drop all stored reports and recreate the schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirmed {
				return errors.NewScanError(errors.CodeValidation,
					"reset deletes every stored report; pass --yes to confirm")
			}
			return a.withMigrator(cmd.Context(), func(m migrationRunner) error {
				if err := m.Reset(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Database reset.")
				return nil
			})
		},
	}
	reset.Flags().BoolVar(&confirmed, "yes", false, "confirm dropping all stored reports")

	cmd.AddCommand(status, up, reset)
	return cmd
}

// withMigrator connects to the configured database and runs fn.
func (a *app) withMigrator(ctx context.Context, fn func(migrationRunner) error) error {
	if a.migrations != nil {
		return fn(a.migrations)
	}

	cfg, _, err := a.loadConfig()
	if err != nil {
		return err
	}
	database, err := connectDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()
	return fn(db.NewMigrator(database.DB))
}

// connectDatabase connects without migrating.
func connectDatabase(ctx context.Context, cfg *config.Config) (*db.DB, error) {
	if !cfg.Database.Enabled() {
		return nil, errors.NewConfigFieldError(errors.CodeConfiguration,
			"report storage is not configured", "database.database", cfg.Database.Database)
	}
	dbCtx, cancel := context.WithTimeout(ctx, databaseTimeout)
	defer cancel()
	return db.Connect(dbCtx, &cfg.Database)
}

func renderMigrations(w io.Writer, statuses []db.MigrationStatus, format string) error {
	switch scanning.Format(format) {
	case scanning.FormatJSON:
		if statuses == nil {
			statuses = []db.MigrationStatus{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	case scanning.FormatTable:
	default:
		return errors.NewConfigFieldError(errors.CodeValidation, "unsupported output format", "output", format)
	}

	table := tablewriter.NewWriter(w)
	table.Header("Migration", "Applied", "Applied At")
	for _, s := range statuses {
		appliedAt := ""
		if s.Applied {
			appliedAt = s.AppliedAt.Local().Format(time.DateTime)
		}
		_ = table.Append([]string{s.Name, fmt.Sprint(s.Applied), appliedAt})
	}
	return table.Render()
}
