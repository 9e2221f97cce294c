package scanning

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/anstrom/portscan/internal/errors"
	"github.com/anstrom/portscan/internal/logging"
	"github.com/anstrom/portscan/internal/metrics"
)

const (
	DefaultConcurrency    = 200
	DefaultUDPConcurrency = 50
	DefaultGracePeriod    = 500 * time.Millisecond

	scanStatusCompleted = "completed"
)

// SchedulerConfig controls how a scan is dispatched.
type SchedulerConfig struct {
	// Concurrency is the maximum number of probes in flight.
	Concurrency int
	// UDPConcurrency caps UDP probes within Concurrency.
	UDPConcurrency int
	// Timeout bounds each individual probe.
	Timeout time.Duration
	// Deadline bounds the whole scan. Zero means no deadline.
	Deadline time.Duration
	// GracePeriod is how long in-flight probes may keep running once the
	// scan has been aborted before they are abandoned.
	GracePeriod time.Duration
	// Retries re-probes units that came back FILTERED, OPEN|FILTERED or
	// with a transient error. The last outcome wins.
	Retries int
	// RateLimit caps probe starts per second. Zero means unlimited.
	RateLimit float64
}

// DefaultSchedulerConfig returns the configuration used when nothing is set.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Concurrency:    DefaultConcurrency,
		UDPConcurrency: DefaultUDPConcurrency,
		Timeout:        DefaultProbeTimeout,
		GracePeriod:    DefaultGracePeriod,
	}
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	def := DefaultSchedulerConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.UDPConcurrency <= 0 {
		c.UDPConcurrency = min(def.UDPConcurrency, c.Concurrency)
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = def.GracePeriod
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.Deadline < 0 {
		c.Deadline = 0
	}
	return c
}

// Observer is called once for every outcome that enters the report. It runs
// on the collecting goroutine and must not block.
type Observer func(ProbeOutcome)

// Scheduler runs one scan: it dispatches every probe unit exactly once under
// bounded concurrency and assembles the report.
type Scheduler struct {
	prober   Prober
	cfg      SchedulerConfig
	observer Observer
	logger   *logging.Logger
	metrics  *metrics.PrometheusMetrics
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithObserver registers fn to receive outcomes as they are collected.
func WithObserver(fn Observer) SchedulerOption {
	return func(s *Scheduler) {
		s.observer = fn
	}
}

// WithLogger sets the logger. The default logger is used otherwise.
func WithLogger(l *logging.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithMetrics sets the metrics sink. The global instance is used otherwise.
func WithMetrics(m *metrics.PrometheusMetrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// NewScheduler creates a scheduler that probes with prober.
func NewScheduler(prober Prober, cfg SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		prober: prober,
		cfg:    cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	if s.metrics == nil {
		s.metrics = metrics.GetGlobalMetrics()
	}
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() SchedulerConfig {
	return s.cfg
}

// Run probes every unit of targets and returns the complete report. When the
// scan is aborted by its deadline, by ctx or by local resource exhaustion the
// report is still complete, with the units that never finished marked ERROR,
// and the returned error carries DEADLINE_EXCEEDED, CANCELED or
// RESOURCE_EXHAUSTED.
func (s *Scheduler) Run(ctx context.Context, targets *Targets) (*ScanReport, error) {
	if targets == nil {
		return nil, errors.NewScanError(errors.CodeValidation, "no targets to scan")
	}

	started := time.Now()
	collector := NewCollector(targets, started)
	ctx = logging.ContextWithScanID(ctx, collector.ID().String())
	log := s.logger.WithContext(ctx).WithComponent("scheduler").WithTarget(targets.Host)
	rm := NewFixedResourceManager(s.cfg.Concurrency, s.cfg.UDPConcurrency)
	defer func() { _ = rm.Close() }()

	s.metrics.ScanStarted()
	defer s.metrics.ScanFinished()

	log.Info("scan started",
		"address", targets.Address,
		"ports", targets.Ports.String(),
		"units", targets.Len(),
		"concurrency", s.cfg.Concurrency,
		"udp_concurrency", s.cfg.UDPConcurrency,
		"timeout", s.cfg.Timeout,
		"deadline", s.cfg.Deadline)

	// dispatchCtx stops handing out new units. Probes themselves run on
	// probeCtx, which outlives an abort by GracePeriod.
	dispatchCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	var deadline *time.Timer
	if s.cfg.Deadline > 0 {
		deadline = time.AfterFunc(s.cfg.Deadline, func() {
			abort(errors.ErrDeadlineExceeded(targets.Host))
		})
		defer deadline.Stop()
	}
	probeCtx, killProbes := context.WithCancel(context.WithoutCancel(ctx))
	defer killProbes()

	results := make(chan ProbeOutcome, s.cfg.Concurrency)
	abandoned := make(chan struct{})
	workersDone := make(chan struct{})

	go func() {
		var wg sync.WaitGroup
		s.dispatch(dispatchCtx, probeCtx, abort, targets, rm, &wg, results, abandoned)
		wg.Wait()
		close(workersDone)
	}()

	relabeled := false
	record := func(o ProbeOutcome) {
		if dispatchCtx.Err() != nil && errors.IsCode(o.Err, errors.CodeCanceled) {
			o = abortedOutcome(o.Unit, s.abortReason(dispatchCtx, targets.Host))
			relabeled = true
		}
		if !collector.Add(o) {
			return
		}
		s.metrics.RecordProbe(string(o.Unit.Protocol), string(o.Status), o.Latency)
		log.DebugProbe("probe finished", o.Unit.String(),
			"status", o.Status, "latency", o.Latency, "detail", o.Detail)
		if s.observer != nil {
			s.observer(o)
		}
	}

	if s.collect(dispatchCtx, results, workersDone, record) {
		log.Warn("abandoning in-flight probes",
			"count", rm.GetActiveProbes(),
			"stats", rm.GetStats())
	}
	close(abandoned)
	killProbes()
	if deadline != nil {
		deadline.Stop()
	}

	var scanErr error
	status := scanStatusCompleted
	aborted := ""
	if dispatchCtx.Err() != nil && (relabeled || collector.Len() < targets.Len()) {
		reason := s.abortReason(dispatchCtx, targets.Host)
		for unit := range targets.Units() {
			if !collector.Has(unit) {
				record(abortedOutcome(unit, reason))
			}
		}
		scanErr = reason
		status = string(reason.Code)
		aborted = abortDetail(reason)
	}

	report := collector.Finalize(aborted)

	s.metrics.IncrementScansTotal(status)
	s.metrics.RecordScanDuration(report.Duration)
	s.metrics.RecordScanUnits(len(report.Outcomes))

	summary := report.Summary()
	log.Info("scan finished",
		"status", status,
		"duration", report.Duration,
		"open", summary[StatusOpen],
		"open_filtered", summary[StatusOpenFiltered],
		"filtered", summary[StatusFiltered],
		"closed", summary[StatusClosed],
		"error", summary[StatusError])

	return report, scanErr
}

// dispatch starts one worker per unit, in unit order, as slots free up. It
// returns as soon as dispatchCtx is done.
func (s *Scheduler) dispatch(
	dispatchCtx, probeCtx context.Context,
	abort context.CancelCauseFunc,
	targets *Targets,
	rm ResourceManager,
	wg *sync.WaitGroup,
	results chan<- ProbeOutcome,
	abandoned <-chan struct{},
) {
	var limiter *rate.Limiter
	if s.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), 1)
	}

	for unit := range targets.Units() {
		if dispatchCtx.Err() != nil {
			return
		}
		if limiter != nil {
			if err := limiter.Wait(dispatchCtx); err != nil {
				return
			}
		}
		if err := rm.Acquire(dispatchCtx, unit); err != nil {
			return
		}
		if dispatchCtx.Err() != nil {
			rm.Release(unit)
			return
		}
		s.metrics.ProbeAcquired()

		wg.Add(1)
		go func() {
			defer wg.Done()

			o := s.probe(dispatchCtx, probeCtx, unit)
			if errors.IsFatal(o.Err) {
				abort(o.Err)
			}
			rm.Release(unit)
			s.metrics.ProbeReleased()

			select {
			case results <- o:
			case <-abandoned:
			}
		}()
	}
}

// probe runs one unit, re-probing up to Retries times while the outcome is
// inconclusive and the scan is still running.
func (s *Scheduler) probe(dispatchCtx, probeCtx context.Context, unit ProbeUnit) ProbeOutcome {
	o := s.prober.Probe(probeCtx, unit, s.cfg.Timeout)
	for attempt := 0; attempt < s.cfg.Retries && shouldRetry(o) && dispatchCtx.Err() == nil; attempt++ {
		s.metrics.IncrementProbeRetries(string(unit.Protocol))
		o = s.prober.Probe(probeCtx, unit, s.cfg.Timeout)
	}
	o.Unit = unit
	return o
}

// collect feeds outcomes to record until every worker has reported, or until
// GracePeriod has passed since the scan was aborted. It reports whether
// in-flight probes were abandoned.
func (s *Scheduler) collect(
	dispatchCtx context.Context,
	results <-chan ProbeOutcome,
	workersDone <-chan struct{},
	record func(ProbeOutcome),
) bool {
	aborted := dispatchCtx.Done()
	var grace <-chan time.Time

	for {
		select {
		case o := <-results:
			record(o)
		case <-workersDone:
			for {
				select {
				case o := <-results:
					record(o)
				default:
					return false
				}
			}
		case <-aborted:
			aborted = nil
			timer := time.NewTimer(s.cfg.GracePeriod)
			defer timer.Stop()
			grace = timer.C
		case <-grace:
			return true
		}
	}
}

// abortReason translates why dispatchCtx ended into a coded scan error.
func (s *Scheduler) abortReason(dispatchCtx context.Context, host string) *errors.ScanError {
	cause := context.Cause(dispatchCtx)

	var scanErr *errors.ScanError
	if errors.As(cause, &scanErr) {
		switch scanErr.Code {
		case errors.CodeDeadlineExceeded, errors.CodeResourceExhausted, errors.CodeCanceled:
			return scanErr
		}
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return errors.ErrDeadlineExceeded(host)
	}
	return errors.ErrCanceled(host)
}

// abortDetail is the ERROR detail given to units an aborted scan never finished.
func abortDetail(reason *errors.ScanError) string {
	if reason.Code == errors.CodeResourceExhausted {
		return "scan aborted: " + outcomeDetail(reason)
	}
	return errors.Message(reason)
}

func abortedOutcome(unit ProbeUnit, reason *errors.ScanError) ProbeOutcome {
	return ProbeOutcome{
		Unit:   unit,
		Status: StatusError,
		Detail: abortDetail(reason),
		Err:    reason,
	}
}

func shouldRetry(o ProbeOutcome) bool {
	switch o.Status {
	case StatusFiltered, StatusOpenFiltered:
		return true
	case StatusError:
		return errors.IsRetryable(o.Err)
	default:
		return false
	}
}
