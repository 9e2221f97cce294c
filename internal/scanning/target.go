package scanning

import (
	"context"
	"iter"
	"net"
	"strconv"
	"strings"

	"github.com/anstrom/portscan/internal/errors"
)

const (
	// Port validation constants.
	expectedPortRangeParts = 2

	msgPortNotInteger   = "Port number must be integer"
	msgPortTooLarge     = "Port numbers must be less than 65535"
	msgInvalidArguments = "Invalid arguments"
)

// ParsePortRange parses "N" or "N-M" into an inclusive range.
func ParsePortRange(spec string) (PortRange, error) {
	spec = strings.TrimSpace(spec)

	var startStr, endStr string
	if strings.Contains(spec, "-") {
		parts := strings.Split(spec, "-")
		if len(parts) != expectedPortRangeParts {
			return PortRange{}, errors.ErrInvalidRange(msgPortNotInteger)
		}
		startStr, endStr = parts[0], parts[1]
	} else {
		startStr, endStr = spec, spec
	}

	start, err := strconv.Atoi(strings.TrimSpace(startStr))
	if err != nil {
		return PortRange{}, errors.ErrInvalidRange(msgPortNotInteger)
	}
	end, err := strconv.Atoi(strings.TrimSpace(endStr))
	if err != nil {
		return PortRange{}, errors.ErrInvalidRange(msgPortNotInteger)
	}

	r := PortRange{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return PortRange{}, err
	}
	return r, nil
}

// HostResolver looks up the addresses of a host name. *net.Resolver satisfies it.
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Targets is a resolved scan request: the address to probe and the
// ports and protocols to probe it on.
type Targets struct {
	Host      string
	Address   string
	Ports     PortRange
	Protocols []Protocol
}

// Len is the number of probe units, |ports| x |protocols|.
func (t *Targets) Len() int {
	return t.Ports.Len() * len(t.Protocols)
}

// Units yields every probe unit in port order, TCP before UDP on the same
// port. The sequence is finite and can be iterated any number of times.
func (t *Targets) Units() iter.Seq[ProbeUnit] {
	return func(yield func(ProbeUnit) bool) {
		for port := t.Ports.Start; port <= t.Ports.End; port++ {
			for _, proto := range t.Protocols {
				if !yield(ProbeUnit{Host: t.Address, Port: port, Protocol: proto}) {
					return
				}
			}
		}
	}
}

// Resolver turns a ScanRequest into Targets.
type Resolver struct {
	lookup HostResolver
}

// NewResolver creates a resolver. A nil lookup uses the system resolver.
func NewResolver(lookup HostResolver) *Resolver {
	if lookup == nil {
		lookup = net.DefaultResolver
	}
	return &Resolver{lookup: lookup}
}

// Resolve validates req and resolves its host. Range errors are reported
// before any lookup happens.
func (r *Resolver) Resolve(ctx context.Context, req ScanRequest) (*Targets, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	host := strings.TrimSpace(req.Host)
	addr, err := r.resolveHost(ctx, host)
	if err != nil {
		return nil, errors.ErrResolution(host, err)
	}

	return &Targets{
		Host:      host,
		Address:   addr,
		Ports:     req.Ports,
		Protocols: normalizeProtocols(req.Protocols),
	}, nil
}

func (r *Resolver) resolveHost(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return ip.String(), nil
	}

	addrs, err := r.lookup.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	return preferIPv4(addrs)
}

func preferIPv4(addrs []string) (string, error) {
	var fallback string
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		if ip.To4() != nil {
			return ip.String(), nil
		}
		if fallback == "" {
			fallback = ip.String()
		}
	}
	if fallback == "" {
		return "", errors.NewScanError(errors.CodeResolution, "no usable addresses")
	}
	return fallback, nil
}

// Resolve resolves req with the system resolver.
func Resolve(ctx context.Context, req ScanRequest) (*Targets, error) {
	return NewResolver(nil).Resolve(ctx, req)
}
