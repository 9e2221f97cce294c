package handlers

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portscan/internal/scanning"
)

// recordingSender collects sent messages. When release is set, every send
// waits on it first.
type recordingSender struct {
	mu      sync.Mutex
	sent    []scanning.ProbeOutcome
	release chan struct{}
	err     error
}

func (s *recordingSender) send(_ string, data interface{}) error {
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, data.(scanning.ProbeOutcome))
	return nil
}

func (s *recordingSender) ports() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ports := make([]int, 0, len(s.sent))
	for _, o := range s.sent {
		ports = append(ports, o.Unit.Port)
	}
	return ports
}

func outcome(port int, status scanning.Status) scanning.ProbeOutcome {
	return scanning.ProbeOutcome{
		Unit:   scanning.ProbeUnit{Host: "192.0.2.10", Port: port, Protocol: scanning.TCP},
		Status: status,
	}
}

func TestOutcomeStream(t *testing.T) {
	out := &recordingSender{}
	var failures atomic.Int32
	stream := newOutcomeStream(out, 8, true, func() { failures.Add(1) })

	stream.observe(outcome(80, scanning.StatusOpen))
	stream.observe(outcome(81, scanning.StatusClosed))
	stream.observe(outcome(82, scanning.StatusFiltered))
	stream.finish()

	assert.Equal(t, []int{80, 82}, out.ports(), "closed outcomes are hidden")
	assert.Zero(t, failures.Load())
}

func TestOutcomeStream_SlowClientDoesNotBlock(t *testing.T) {
	out := &recordingSender{release: make(chan struct{})}
	var failures atomic.Int32
	stream := newOutcomeStream(out, 1, false, func() { failures.Add(1) })

	observed := make(chan struct{})
	go func() {
		defer close(observed)
		for port := 1; port <= 10; port++ {
			stream.observe(outcome(port, scanning.StatusOpen))
		}
	}()

	select {
	case <-observed:
	case <-time.After(time.Second):
		t.Fatal("observe blocked on a stalled client")
	}
	assert.Equal(t, int32(1), failures.Load(), "overflow reported once")

	close(out.release)
	stream.finish()
	assert.LessOrEqual(t, len(out.ports()), 2)
}

func TestOutcomeStream_WriteFailure(t *testing.T) {
	out := &recordingSender{err: assert.AnError}
	var failures atomic.Int32
	stream := newOutcomeStream(out, 8, false, func() { failures.Add(1) })

	for port := 1; port <= 3; port++ {
		stream.observe(outcome(port, scanning.StatusOpen))
	}
	stream.finish()

	require.Equal(t, int32(1), failures.Load())
	assert.Empty(t, out.ports())
}
