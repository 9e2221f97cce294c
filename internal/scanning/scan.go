package scanning

import (
	"context"
	"time"

	"github.com/anstrom/portscan/internal/logging"
)

const storeTimeout = 10 * time.Second

// ReportStore persists finished reports.
type ReportStore interface {
	Save(ctx context.Context, report *ScanReport) error
}

// Engine runs complete scans the same way for every caller: resolve the
// request, schedule the probes, then store the report if a store is set.
type Engine struct {
	resolver *Resolver
	prober   Prober
	store    ReportStore
	logger   *logging.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithHostResolver resolves host names through r instead of the system resolver.
func WithHostResolver(r HostResolver) EngineOption {
	return func(e *Engine) {
		e.resolver = NewResolver(r)
	}
}

// WithProber replaces the network prober.
func WithProber(p Prober) EngineOption {
	return func(e *Engine) {
		e.prober = p
	}
}

// WithStore stores every finished report, including aborted ones.
func WithStore(s ReportStore) EngineOption {
	return func(e *Engine) {
		e.store = s
	}
}

// WithEngineLogger sets the logger handed to each scheduler.
func WithEngineLogger(l *logging.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates an engine with the system resolver and a default Executor.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = NewResolver(nil)
	}
	if e.prober == nil {
		e.prober = NewExecutor()
	}
	if e.logger == nil {
		e.logger = logging.Default()
	}
	return e
}

// Scan resolves req and probes it with cfg. Resolution and validation
// errors are returned before any probe is sent and come with a nil report.
// Otherwise the report is always returned, together with the abort error
// if the scan did not complete. A failure to store the report is logged and
// does not fail the scan.
func (e *Engine) Scan(ctx context.Context, req ScanRequest, cfg SchedulerConfig, opts ...SchedulerOption) (*ScanReport, error) {
	targets, err := e.resolver.Resolve(ctx, req)
	if err != nil {
		e.logger.ErrorScan("scan rejected", req.Host, err)
		return nil, err
	}

	opts = append([]SchedulerOption{WithLogger(e.logger)}, opts...)
	report, scanErr := NewScheduler(e.prober, cfg, opts...).Run(ctx, targets)

	if e.store != nil && report != nil {
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		defer cancel()
		if err := e.store.Save(storeCtx, report); err != nil {
			e.logger.WithScanID(report.ID.String()).ErrorDatabase("failed to store scan report", err,
				"host", report.Host)
		}
	}

	return report, scanErr
}
