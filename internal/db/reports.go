package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/portscan/internal/errors"
	"github.com/anstrom/portscan/internal/metrics"
	"github.com/anstrom/portscan/internal/scanning"
)

const (
	// DefaultListLimit is used when List is called without a positive limit.
	DefaultListLimit = 20
	maxListLimit     = 1000

	insertReportQuery = `
		INSERT INTO scan_reports (id, host, address, port_start, port_end, protocols,
		                          started_at, duration_ms, aborted, open_count, closed_count, error_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	insertOutcomeQuery = `
		INSERT INTO probe_outcomes (report_id, port, protocol, status, latency_us, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`

	reportColumns = `id, host, address, port_start, port_end, protocols, started_at,
		duration_ms, aborted, open_count, closed_count, error_count, created_at`
)

// ReportRepository stores scan reports. It implements scanning.ReportStore.
type ReportRepository struct {
	db      *DB
	metrics *metrics.PrometheusMetrics
}

var _ scanning.ReportStore = (*ReportRepository)(nil)

// NewReportRepository creates a new report repository.
func NewReportRepository(db *DB) *ReportRepository {
	return &ReportRepository{db: db, metrics: metrics.GetGlobalMetrics()}
}

func (r *ReportRepository) observe(operation string, start time.Time, err error) {
	r.metrics.RecordDatabaseQuery(operation, time.Since(start), err == nil)
}

// Save writes the report and all of its outcomes in a single transaction.
func (r *ReportRepository) Save(ctx context.Context, report *scanning.ScanReport) (err error) {
	start := time.Now()
	defer func() { r.observe("save_report", start, err) }()

	if report == nil || report.ID == uuid.Nil {
		return errors.NewDatabaseError(errors.CodeValidation, "report has no id")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return sanitizeDBError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec := newReportRecord(report)
	if _, err := tx.ExecContext(ctx, insertReportQuery,
		rec.ID, rec.Host, rec.Address, rec.PortStart, rec.PortEnd, rec.Protocols,
		rec.StartedAt, rec.DurationMS, rec.Aborted, rec.OpenCount, rec.ClosedCount, rec.ErrorCount,
	); err != nil {
		return sanitizeDBError("insert scan report", err)
	}

	stmt, err := tx.PreparexContext(ctx, insertOutcomeQuery)
	if err != nil {
		return sanitizeDBError("prepare outcome insert", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, o := range report.Outcomes {
		out := newOutcomeRecord(report.ID, o)
		if _, err := stmt.ExecContext(ctx,
			out.ReportID, out.Port, out.Protocol, out.Status, out.LatencyUS, out.Detail,
		); err != nil {
			return sanitizeDBError("insert probe outcome", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sanitizeDBError("commit scan report", err)
	}
	return nil
}

// List returns the most recent reports, newest first, without outcomes.
func (r *ReportRepository) List(ctx context.Context, limit int) (_ []ReportSummary, err error) {
	start := time.Now()
	defer func() { r.observe("list_reports", start, err) }()

	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, maxListLimit)

	var records []ReportRecord
	query := `SELECT ` + reportColumns + ` FROM scan_reports ORDER BY started_at DESC LIMIT $1`
	if err := r.db.SelectContext(ctx, &records, query, limit); err != nil {
		return nil, sanitizeDBError("list scan reports", err)
	}

	summaries := make([]ReportSummary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, rec.summary())
	}
	return summaries, nil
}

// Get returns one report with its outcomes in report order.
func (r *ReportRepository) Get(ctx context.Context, id uuid.UUID) (_ *scanning.ScanReport, err error) {
	start := time.Now()
	defer func() { r.observe("get_report", start, err) }()

	var rec ReportRecord
	query := `SELECT ` + reportColumns + ` FROM scan_reports WHERE id = $1`
	if err := r.db.GetContext(ctx, &rec, query, id); err != nil {
		return nil, sanitizeDBError("get scan report", err)
	}

	// 'tcp' sorts before 'udp', which is the report order on a shared port.
	var outcomes []OutcomeRecord
	outcomeQuery := `
		SELECT report_id, port, protocol, status, latency_us, detail
		FROM probe_outcomes WHERE report_id = $1 ORDER BY port, protocol`
	if err := r.db.SelectContext(ctx, &outcomes, outcomeQuery, id); err != nil {
		return nil, sanitizeDBError("get probe outcomes", err)
	}

	return rec.report(outcomes), nil
}
