package scanning

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/portscan/internal/errors"
	"github.com/anstrom/portscan/internal/logging"
	"github.com/anstrom/portscan/internal/metrics"
)

type memoryStore struct {
	mu      sync.Mutex
	reports []*ScanReport
	err     error
	ctxErr  error
}

func (s *memoryStore) Save(ctx context.Context, report *ScanReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxErr = ctx.Err()
	if s.err != nil {
		return s.err
	}
	s.reports = append(s.reports, report)
	return nil
}

func testSchedulerOpts() []SchedulerOption {
	return []SchedulerOption{WithMetrics(metrics.NewPrometheusMetrics())}
}

func TestEngine_Scan(t *testing.T) {
	ctx := context.Background()

	t.Run("stores the report", func(t *testing.T) {
		store := &memoryStore{}
		prober := funcProber(func(_ context.Context, unit ProbeUnit, _ time.Duration) ProbeOutcome {
			return ProbeOutcome{Unit: unit, Status: StatusClosed}
		})
		engine := NewEngine(WithProber(prober), WithStore(store), WithEngineLogger(logging.Discard()))

		report, err := engine.Scan(ctx, ScanRequest{
			Host: "127.0.0.1", Ports: PortRange{1, 5}, Protocols: []Protocol{TCP},
		}, SchedulerConfig{}, testSchedulerOpts()...)
		require.NoError(t, err)

		require.Len(t, store.reports, 1)
		assert.Same(t, report, store.reports[0])
		assert.Len(t, report.Outcomes, 5)
	})

	t.Run("invalid range sends no probe", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		prober := NewMockProber(ctrl)
		prober.EXPECT().Probe(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
		store := &memoryStore{}
		lookup := &countingLookup{addrs: []string{"192.0.2.1"}}

		engine := NewEngine(WithProber(prober), WithStore(store), WithHostResolver(lookup),
			WithEngineLogger(logging.Discard()))
		report, err := engine.Scan(ctx, ScanRequest{
			Host: "example.com", Ports: PortRange{0, 70000}, Protocols: []Protocol{TCP},
		}, SchedulerConfig{})

		require.Error(t, err)
		assert.Nil(t, report)
		assert.Equal(t, "Port numbers must be less than 65535", errors.Message(err))
		assert.Zero(t, lookup.calls)
		assert.Empty(t, store.reports)
	})

	t.Run("unresolvable host", func(t *testing.T) {
		engine := NewEngine(WithHostResolver(&countingLookup{err: fmt.Errorf("nxdomain")}),
			WithEngineLogger(logging.Discard()))
		_, err := engine.Scan(ctx, ScanRequest{
			Host: "x", Ports: SinglePort(80), Protocols: []Protocol{TCP},
		}, SchedulerConfig{})
		require.Error(t, err)
		assert.Equal(t, "Invalid host x", errors.Message(err))
	})

	t.Run("aborted reports are stored with a live context", func(t *testing.T) {
		store := &memoryStore{}
		engine := NewEngine(WithProber(blockingProber), WithStore(store), WithEngineLogger(logging.Discard()))

		cctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(10*time.Millisecond, cancel)
		report, err := engine.Scan(cctx, ScanRequest{
			Host: "127.0.0.1", Ports: PortRange{1, 20}, Protocols: []Protocol{TCP, UDP},
		}, SchedulerConfig{GracePeriod: 10 * time.Millisecond}, testSchedulerOpts()...)

		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeCanceled))
		require.Len(t, store.reports, 1)
		assert.NoError(t, store.ctxErr)
		assert.Equal(t, "scan cancelled", report.Aborted)
		assert.Len(t, report.Outcomes, 40)
	})

	t.Run("store failure does not fail the scan", func(t *testing.T) {
		store := &memoryStore{err: fmt.Errorf("connection refused")}
		prober := funcProber(func(_ context.Context, unit ProbeUnit, _ time.Duration) ProbeOutcome {
			return ProbeOutcome{Unit: unit, Status: StatusOpen}
		})
		engine := NewEngine(WithProber(prober), WithStore(store), WithEngineLogger(logging.Discard()))

		report, err := engine.Scan(ctx, ScanRequest{
			Host: "127.0.0.1", Ports: SinglePort(22), Protocols: []Protocol{TCP},
		}, SchedulerConfig{}, testSchedulerOpts()...)
		require.NoError(t, err)
		assert.Equal(t, StatusOpen, report.Outcomes[0].Status)
	})
}
