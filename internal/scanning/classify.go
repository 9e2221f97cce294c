package scanning

import (
	"context"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/anstrom/portscan/internal/errors"
)

// classifyFailure maps a failed dial, write or read onto an outcome. parent is
// the caller's context: when it is done the probe was interrupted by the
// scan rather than by the network, and the outcome says so.
func classifyFailure(parent context.Context, unit ProbeUnit, latency time.Duration, err error) ProbeOutcome {
	target := unit.String()

	if parent.Err() != nil {
		return errorOutcome(unit, latency, errors.ErrCanceled(target))
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ProbeOutcome{Unit: unit, Status: StatusClosed, Latency: latency}
	case isTimeout(err):
		return ProbeOutcome{Unit: unit, Status: silentStatus(unit.Protocol), Latency: latency}
	case isResourceExhausted(err):
		return errorOutcome(unit, latency, errors.ErrResourceExhausted(target, err))
	case errors.Is(err, syscall.ENETUNREACH):
		return errorOutcome(unit, latency,
			errors.WrapScanErrorWithTarget(errors.CodeNetworkUnreachable, "network unreachable", target, err))
	case errors.Is(err, syscall.EHOSTUNREACH):
		return errorOutcome(unit, latency,
			errors.WrapScanErrorWithTarget(errors.CodeHostUnreachable, "host unreachable", target, err))
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return errorOutcome(unit, latency,
			errors.WrapScanErrorWithTarget(errors.CodePermission, "permission denied", target, err))
	default:
		return errorOutcome(unit, latency, errors.ErrProbe(target, err))
	}
}

// silentStatus is what a probe that got no answer before its timeout means.
func silentStatus(p Protocol) Status {
	if p == UDP {
		return StatusOpenFiltered
	}
	return StatusFiltered
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isResourceExhausted reports local failures that will hit every further
// probe too: descriptor tables, socket buffers, ephemeral ports.
func isResourceExhausted(err error) bool {
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.EADDRNOTAVAIL)
}

// errnoText returns the short system description of err when it wraps an
// errno, e.g. "too many open files".
func errnoText(err error) string {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno.Error()
	}
	return err.Error()
}
