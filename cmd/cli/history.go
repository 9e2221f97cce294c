package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/portscan/internal/config"
	"github.com/anstrom/portscan/internal/db"
	"github.com/anstrom/portscan/internal/errors"
	"github.com/anstrom/portscan/internal/scanning"
)

// reportReader reads stored reports. *db.ReportRepository implements it.
type reportReader interface {
	List(ctx context.Context, limit int) ([]db.ReportSummary, error)
	Get(ctx context.Context, id uuid.UUID) (*scanning.ScanReport, error)
}

type historyOptions struct {
	limit      int
	id         string
	format     string
	hideClosed bool
}

func (a *app) newHistoryCmd() *cobra.Command {
	o := &historyOptions{}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show stored scan reports",
		Long: `List the most recent stored scan reports, or print one report in full
with --id. Requires a configured database.`,
		Example: `  portscan history
  portscan history --limit 5 --format json
  portscan history --id 2f1c7e0a-6a43-4a8e-9a55-0d4bde0b1c55 --hide-closed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runHistory(cmd, o)
		},
	}

	cmd.Flags().IntVar(&o.limit, "limit", db.DefaultListLimit, "number of reports to list")
	cmd.Flags().StringVar(&o.id, "id", "", "print the report with this ID")
	cmd.Flags().StringVar(&o.format, "format", "", "output format: text, table or json (default from config)")
	cmd.Flags().BoolVar(&o.hideClosed, "hide-closed", false, "leave CLOSED ports out of a printed report")
	return cmd
}

func (a *app) runHistory(cmd *cobra.Command, o *historyOptions) error {
	if o.limit < 1 {
		return errors.NewScanError(errors.CodeValidation, "--limit must be positive")
	}
	var id uuid.UUID
	if o.id != "" {
		parsed, err := uuid.Parse(o.id)
		if err != nil {
			return errors.NewScanError(errors.CodeValidation, "invalid report id: "+o.id)
		}
		id = parsed
	}

	cfg, _, err := a.loadConfig()
	if err != nil {
		return err
	}
	if o.format != "" {
		cfg.Output.Format = o.format
	}
	format, err := scanning.ParseFormat(cfg.Output.Format)
	if err != nil {
		return err
	}

	reports, closeFn, err := a.openReports(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	out := cmd.OutOrStdout()
	if id != uuid.Nil {
		report, err := reports.Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		return scanning.Render(out, report, format, o.hideClosed || cfg.Output.HideClosed)
	}

	summaries, err := reports.List(cmd.Context(), o.limit)
	if err != nil {
		return err
	}
	return renderSummaries(out, summaries, format)
}

// openReports connects to the configured database.
func (a *app) openReports(ctx context.Context, cfg *config.Config) (reportReader, func(), error) {
	if a.reports != nil {
		return a.reports, func() {}, nil
	}
	if !cfg.Database.Enabled() {
		return nil, nil, errors.NewConfigFieldError(errors.CodeConfiguration,
			"report storage is not configured", "database.database", cfg.Database.Database)
	}

	dbCtx, cancel := context.WithTimeout(ctx, databaseTimeout)
	defer cancel()
	database, err := db.ConnectAndMigrate(dbCtx, &cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return db.NewReportRepository(database), func() { _ = database.Close() }, nil
}

func renderSummaries(w io.Writer, summaries []db.ReportSummary, format scanning.Format) error {
	if format == scanning.FormatJSON {
		if summaries == nil {
			summaries = []db.ReportSummary{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}

	if len(summaries) == 0 {
		_, err := fmt.Fprintln(w, "No stored reports.")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "Host", "Ports", "Protocols", "Started", "Duration", "Open", "Closed", "Errors", "Aborted")
	for _, s := range summaries {
		protocols := make([]string, 0, len(s.Protocols))
		for _, p := range s.Protocols {
			protocols = append(protocols, strings.ToUpper(string(p)))
		}
		_ = table.Append([]string{
			s.ID.String(),
			s.Host,
			s.Ports.String(),
			strings.Join(protocols, ","),
			s.StartedAt.Local().Format(time.DateTime),
			s.Duration.String(),
			strconv.Itoa(s.Open),
			strconv.Itoa(s.Closed),
			strconv.Itoa(s.Errors),
			s.Aborted,
		})
	}
	return table.Render()
}
