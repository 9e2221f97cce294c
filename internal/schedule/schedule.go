// Package schedule runs the periodic scans listed in the configuration file.
// Each entry fires on a standard 5-field cron spec; a run that is still in
// progress when its next tick arrives causes that tick to be skipped.
package schedule

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/anstrom/portscan/internal/config"
	"github.com/anstrom/portscan/internal/errors"
	"github.com/anstrom/portscan/internal/logging"
	"github.com/anstrom/portscan/internal/scanning"
)

// Scanner runs one scan. *scanning.Engine implements it.
type Scanner interface {
	Scan(ctx context.Context, req scanning.ScanRequest, cfg scanning.SchedulerConfig,
		opts ...scanning.SchedulerOption) (*scanning.ScanReport, error)
}

// Scheduler manages the configured periodic scans.
type Scheduler struct {
	scanner  Scanner
	defaults scanning.SchedulerConfig
	cron     *cron.Cron
	logger   *logging.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

type entry struct {
	name    string
	spec    string
	request scanning.ScanRequest
	cronID  cron.EntryID
	busy    atomic.Bool

	// guarded by Scheduler.mu
	lastRun      time.Time
	lastReportID uuid.UUID
	lastError    string
}

// Status describes one scheduled scan.
type Status struct {
	Name         string    `json:"name"`
	Cron         string    `json:"cron"`
	Host         string    `json:"host"`
	Ports        string    `json:"ports"`
	Running      bool      `json:"running"`
	LastRun      time.Time `json:"last_run,omitzero"`
	NextRun      time.Time `json:"next_run,omitzero"`
	LastReportID uuid.UUID `json:"last_report_id,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
}

// New creates a scheduler that runs scans through scanner with the given
// scan defaults.
func New(scanner Scanner, defaults scanning.SchedulerConfig, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("schedule")
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		scanner:  scanner,
		defaults: defaults,
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger{logger}))),
		logger:   logger,
		entries:  make(map[string]*entry),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// FromConfig creates a scheduler holding every entry of cfg.Schedules.
func FromConfig(cfg *config.Config, scanner Scanner, logger *logging.Logger) (*Scheduler, error) {
	s := New(scanner, cfg.SchedulerConfig(), logger)
	for _, sc := range cfg.Schedules {
		if err := s.Add(sc); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers a periodic scan. Names must be unique.
func (s *Scheduler) Add(sc config.ScheduleConfig) error {
	schedule, err := cron.ParseStandard(sc.Cron)
	if err != nil {
		return errors.NewConfigFieldError(errors.CodeValidation, "invalid cron expression: "+err.Error(), "cron", sc.Cron)
	}
	req, err := sc.Request()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[sc.Name]; exists {
		return errors.NewConfigFieldError(errors.CodeConflict, "duplicate schedule name", "name", sc.Name)
	}

	e := &entry{name: sc.Name, spec: sc.Cron, request: req}
	e.cronID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		_, _ = s.run(e)
	}))
	s.entries[sc.Name] = e

	s.logger.InfoSchedule("schedule added", sc.Name, "cron", sc.Cron, "host", sc.Host, "ports", sc.Ports)
	return nil
}

// Remove unregisters a periodic scan. A run in progress is not interrupted.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[name]
	if !exists {
		return errors.NewScanError(errors.CodeNotFound, "schedule not found: "+name)
	}
	s.cron.Remove(e.cronID)
	delete(s.entries, name)

	s.logger.InfoSchedule("schedule removed", name)
	return nil
}

// Start begins firing schedules.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.NewScanError(errors.CodeConflict, "scheduler is already running")
	}
	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started", "schedules", len(s.entries))
	return nil
}

// Stop halts the schedules, cancels running scans and waits for them to
// return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return errors.WrapScanError(errors.CodeTimeout, "scheduled scans did not stop in time", ctx.Err())
	}
}

// RunNow runs the named scan immediately, outside its cron spec.
func (s *Scheduler) RunNow(name string) (*scanning.ScanReport, error) {
	s.mu.RLock()
	e, exists := s.entries[name]
	s.mu.RUnlock()
	if !exists {
		return nil, errors.NewScanError(errors.CodeNotFound, "schedule not found: "+name)
	}
	return s.run(e)
}

// Entries returns the status of every schedule, ordered by name.
func (s *Scheduler) Entries() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		st := Status{
			Name:         e.name,
			Cron:         e.spec,
			Host:         e.request.Host,
			Ports:        e.request.Ports.String(),
			Running:      e.busy.Load(),
			LastRun:      e.lastRun,
			LastReportID: e.lastReportID,
			LastError:    e.lastError,
		}
		if s.running {
			st.NextRun = s.cron.Entry(e.cronID).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// run executes one scan for e unless one is already in progress.
func (s *Scheduler) run(e *entry) (*scanning.ScanReport, error) {
	if !e.busy.CompareAndSwap(false, true) {
		s.logger.InfoSchedule("previous run still in progress, skipping", e.name)
		return nil, errors.NewScanError(errors.CodeConflict, "schedule is already running: "+e.name)
	}
	defer e.busy.Store(false)

	started := time.Now()
	s.logger.InfoSchedule("running scheduled scan", e.name,
		"host", e.request.Host, "ports", e.request.Ports.String())

	report, err := s.scanner.Scan(s.ctx, e.request, s.defaults)

	s.mu.Lock()
	e.lastRun = started
	e.lastError = ""
	if err != nil {
		e.lastError = errors.Message(err)
	}
	if report != nil {
		e.lastReportID = report.ID
	}
	s.mu.Unlock()

	if report == nil {
		s.logger.ErrorSchedule("scheduled scan failed", e.name, err)
		return nil, err
	}

	summary := report.Summary()
	fields := []any{
		"scan_id", report.ID.String(),
		"duration_ms", report.Duration.Milliseconds(),
		"open", summary[scanning.StatusOpen],
		"closed", summary[scanning.StatusClosed],
		"filtered", summary[scanning.StatusFiltered] + summary[scanning.StatusOpenFiltered],
		"errors", summary[scanning.StatusError],
	}
	if err != nil {
		s.logger.ErrorSchedule("scheduled scan aborted", e.name, err, fields...)
	} else {
		s.logger.InfoSchedule("scheduled scan completed", e.name, fields...)
	}
	return report, err
}

// cronLogger routes cron's own messages into the structured logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
