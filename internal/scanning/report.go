package scanning

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Collector accumulates outcomes in completion order and produces the
// sorted report. It is safe for concurrent use and accepts each unit once.
type Collector struct {
	mu       sync.Mutex
	id       uuid.UUID
	targets  *Targets
	started  time.Time
	seen     map[ProbeUnit]struct{}
	outcomes []ProbeOutcome
}

// NewCollector creates a collector for targets.
func NewCollector(targets *Targets, started time.Time) *Collector {
	return &Collector{
		id:       uuid.New(),
		targets:  targets,
		started:  started,
		seen:     make(map[ProbeUnit]struct{}, targets.Len()),
		outcomes: make([]ProbeOutcome, 0, targets.Len()),
	}
}

// ID returns the ID the finished report will carry.
func (c *Collector) ID() uuid.UUID {
	return c.id
}

// Add records o and reports whether it was accepted. A second outcome for
// the same unit is dropped.
func (c *Collector) Add(o ProbeOutcome) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.seen[o.Unit]; dup {
		return false
	}
	c.seen[o.Unit] = struct{}{}
	c.outcomes = append(c.outcomes, o)
	return true
}

// Has reports whether an outcome for unit has been recorded.
func (c *Collector) Has(unit ProbeUnit) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.seen[unit]
	return ok
}

// Len returns the number of recorded outcomes.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.outcomes)
}

// Finalize returns the report ordered by port, then TCP before UDP.
func (c *Collector) Finalize(aborted string) *ScanReport {
	c.mu.Lock()
	outcomes := slices.Clone(c.outcomes)
	c.mu.Unlock()

	slices.SortStableFunc(outcomes, func(a, b ProbeOutcome) int {
		return compareUnits(a.Unit, b.Unit)
	})

	return &ScanReport{
		ID:        c.id,
		Host:      c.targets.Host,
		Address:   c.targets.Address,
		Ports:     c.targets.Ports,
		Protocols: slices.Clone(c.targets.Protocols),
		StartedAt: c.started,
		Duration:  time.Since(c.started),
		Outcomes:  outcomes,
		Aborted:   aborted,
	}
}
