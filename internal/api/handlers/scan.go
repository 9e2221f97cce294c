package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/anstrom/portscan/internal/api/middleware"
	"github.com/anstrom/portscan/internal/config"
	"github.com/anstrom/portscan/internal/db"
	"github.com/anstrom/portscan/internal/errors"
	"github.com/anstrom/portscan/internal/logging"
	"github.com/anstrom/portscan/internal/scanning"
)

// Scanner runs one scan.
type Scanner interface {
	Scan(ctx context.Context, req scanning.ScanRequest, cfg scanning.SchedulerConfig,
		opts ...scanning.SchedulerOption) (*scanning.ScanReport, error)
}

// ReportReader reads stored reports.
type ReportReader interface {
	List(ctx context.Context, limit int) ([]db.ReportSummary, error)
	Get(ctx context.Context, id uuid.UUID) (*scanning.ScanReport, error)
}

// ScanRequest is the body of POST /api/v1/scans and the first message of
// a scan stream. Zero-valued tuning fields fall back to the server defaults.
type ScanRequest struct {
	Host           string   `json:"host" validate:"required,max=253"`
	Ports          string   `json:"ports" validate:"required,max=11"`
	Protocols      []string `json:"protocols" validate:"omitempty,max=2,dive,oneof=tcp udp TCP UDP"`
	Concurrency    int      `json:"concurrency" validate:"gte=0,lte=65536"`
	UDPConcurrency int      `json:"udp_concurrency" validate:"gte=0,lte=65536"`
	TimeoutMS      int      `json:"timeout_ms" validate:"gte=0,lte=60000"`
	DeadlineMS     int      `json:"deadline_ms" validate:"gte=0"`
	Retries        int      `json:"retries" validate:"gte=0,lte=10"`
	HideClosed     bool     `json:"hide_closed"`
}

// ScanResponse is a report plus its per-status counts.
type ScanResponse struct {
	*scanning.ScanReport
	Summary map[scanning.Status]int `json:"summary"`
}

// ListResponse wraps stored report summaries.
type ListResponse struct {
	Data  []db.ReportSummary `json:"data"`
	Limit int                `json:"limit"`
}

func newScanResponse(report *scanning.ScanReport, hideClosed bool) ScanResponse {
	summary := report.Summary()
	if hideClosed {
		visible := *report
		visible.Outcomes = report.Visible(true)
		report = &visible
	}
	return ScanResponse{ScanReport: report, Summary: summary}
}

// ScanHandler runs scans on request and serves stored reports.
type ScanHandler struct {
	scanner  Scanner
	reports  ReportReader
	defaults scanning.SchedulerConfig
	slots    chan struct{}
	validate *validator.Validate
	logger   *logging.Logger
}

// NewScanHandler creates a scan handler that runs at most maxConcurrent
// scans at once. reports may be nil when no database is configured.
func NewScanHandler(
	scanner Scanner,
	reports ReportReader,
	defaults scanning.SchedulerConfig,
	maxConcurrent int,
	logger *logging.Logger,
) *ScanHandler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &ScanHandler{
		scanner:  scanner,
		reports:  reports,
		defaults: defaults,
		slots:    make(chan struct{}, maxConcurrent),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.WithComponent("api.scans"),
	}
}

// toScan validates req and merges it over the defaults.
func (h *ScanHandler) toScan(req *ScanRequest) (scanning.ScanRequest, scanning.SchedulerConfig, error) {
	if err := h.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return scanning.ScanRequest{}, scanning.SchedulerConfig{}, errors.NewScanError(errors.CodeValidation,
				"invalid "+fe.Field()+": failed "+fe.Tag()+" validation")
		}
		return scanning.ScanRequest{}, scanning.SchedulerConfig{}, errors.WrapScanError(errors.CodeValidation,
			"invalid request", err)
	}

	ports, err := scanning.ParsePortRange(req.Ports)
	if err != nil {
		return scanning.ScanRequest{}, scanning.SchedulerConfig{}, err
	}
	protocols, err := config.ParseProtocols(req.Protocols)
	if err != nil {
		return scanning.ScanRequest{}, scanning.SchedulerConfig{}, err
	}

	cfg := h.defaults
	if req.Concurrency > 0 {
		cfg.Concurrency = req.Concurrency
		cfg.UDPConcurrency = min(cfg.UDPConcurrency, req.Concurrency)
	}
	if req.UDPConcurrency > 0 {
		cfg.UDPConcurrency = min(req.UDPConcurrency, cfg.Concurrency)
	}
	if req.TimeoutMS > 0 {
		cfg.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	if req.DeadlineMS > 0 {
		cfg.Deadline = time.Duration(req.DeadlineMS) * time.Millisecond
	}
	if req.Retries > 0 {
		cfg.Retries = req.Retries
	}

	return scanning.ScanRequest{Host: req.Host, Ports: ports, Protocols: protocols}, cfg, nil
}

// acquire takes a scan slot, waiting until one frees up or ctx ends.
func (h *ScanHandler) acquire(ctx context.Context) (func(), error) {
	select {
	case h.slots <- struct{}{}:
		return func() { <-h.slots }, nil
	case <-ctx.Done():
		return nil, errors.WrapScanError(errors.CodeCanceled, "no scan slot became available", ctx.Err())
	}
}

// CreateScan runs a scan and returns its report. An aborted scan still
// returns 200 with the report's aborted field set.
func (h *ScanHandler) CreateScan(w http.ResponseWriter, r *http.Request) {
	var body ScanRequest
	if err := parseJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	req, cfg, err := h.toScan(&body)
	if err != nil {
		writeError(w, r, statusForError(err), err)
		return
	}

	release, err := h.acquire(r.Context())
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, err)
		return
	}
	defer release()

	report, err := h.scanner.Scan(r.Context(), req, cfg)
	if report == nil {
		writeError(w, r, statusForError(err), err)
		return
	}
	if err != nil {
		h.logger.Warn("scan aborted",
			"request_id", middleware.GetRequestID(r),
			"scan_id", report.ID.String(),
			"reason", report.Aborted)
	}

	writeJSON(w, r, http.StatusOK, newScanResponse(report, body.HideClosed))
}

// ListScans returns the most recent stored reports.
func (h *ScanHandler) ListScans(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		writeError(w, r, http.StatusServiceUnavailable,
			errors.NewDatabaseError(errors.CodeConfiguration, "report storage is not configured"))
		return
	}

	limit, err := getQueryParamInt(r, "limit", db.DefaultListLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if limit < 1 {
		writeError(w, r, http.StatusBadRequest, errors.NewScanError(errors.CodeValidation, "limit must be positive"))
		return
	}

	summaries, err := h.reports.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, statusForError(err), err)
		return
	}
	if summaries == nil {
		summaries = []db.ReportSummary{}
	}

	writeJSON(w, r, http.StatusOK, ListResponse{Data: summaries, Limit: limit})
}

// GetScan returns one stored report.
func (h *ScanHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		writeError(w, r, http.StatusServiceUnavailable,
			errors.NewDatabaseError(errors.CodeConfiguration, "report storage is not configured"))
		return
	}

	id, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	report, err := h.reports.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, statusForError(err), err)
		return
	}

	writeJSON(w, r, http.StatusOK, newScanResponse(report, r.URL.Query().Get("hide_closed") == "true"))
}
