package scanning

import (
	"context"
	"net"
	"time"

	"github.com/anstrom/portscan/internal/errors"
)

const (
	// DefaultProbeTimeout bounds a single probe when the caller gives none.
	DefaultProbeTimeout = time.Second

	udpReadBufferSize = 1500
)

//go:generate mockgen -destination=mock_prober_test.go -package=scanning github.com/anstrom/portscan/internal/scanning Prober

// Prober performs exactly one probe and classifies the result. It never
// retries; retry policy belongs to the scheduler.
type Prober interface {
	Probe(ctx context.Context, unit ProbeUnit, timeout time.Duration) ProbeOutcome
}

// Dialer opens connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Executor probes units with full TCP connects and connected UDP sockets.
type Executor struct {
	dialer      Dialer
	udpPayloads bool
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithDialer replaces the network dialer.
func WithDialer(d Dialer) ExecutorOption {
	return func(e *Executor) {
		e.dialer = d
	}
}

// WithUDPPayloads toggles protocol-specific UDP requests. When disabled
// every UDP probe sends an empty datagram.
func WithUDPPayloads(enabled bool) ExecutorOption {
	return func(e *Executor) {
		e.udpPayloads = enabled
	}
}

// NewExecutor creates an Executor using net.Dialer with UDP payloads enabled.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		dialer:      &net.Dialer{},
		udpPayloads: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Probe implements Prober. Every socket opened here is closed before it returns.
func (e *Executor) Probe(ctx context.Context, unit ProbeUnit, timeout time.Duration) ProbeOutcome {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	start := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	switch unit.Protocol {
	case TCP:
		err = e.probeTCP(probeCtx, unit)
	case UDP:
		err = e.probeUDP(probeCtx, unit)
	default:
		return errorOutcome(unit, 0, errors.NewScanErrorWithTarget(
			errors.CodeValidation, "unknown protocol "+string(unit.Protocol), unit.String()))
	}

	latency := time.Since(start)
	if err != nil {
		return classifyFailure(ctx, unit, latency, err)
	}
	return ProbeOutcome{Unit: unit, Status: StatusOpen, Latency: latency}
}

// probeTCP completes a full three-way handshake and closes immediately.
func (e *Executor) probeTCP(ctx context.Context, unit ProbeUnit) error {
	conn, err := e.dialer.DialContext(ctx, "tcp", unit.Address())
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	return nil
}

// probeUDP sends one datagram on a connected socket and waits for any reply.
// The kernel surfaces ICMP port-unreachable as ECONNREFUSED on the next read.
func (e *Executor) probeUDP(ctx context.Context, unit ProbeUnit) error {
	conn, err := e.dialer.DialContext(ctx, "udp", unit.Address())
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}
	// Reads do not watch ctx; pull the deadline in when it is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	var payload []byte
	if e.udpPayloads {
		payload = UDPPayload(unit.Port)
	}
	if _, err := conn.Write(payload); err != nil {
		return err
	}

	buf := make([]byte, udpReadBufferSize)
	_, err = conn.Read(buf)
	return err
}
