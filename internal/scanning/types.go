package scanning

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/portscan/internal/errors"
)

const (
	// MinPort and MaxPort bound every port range.
	MinPort = 0
	MaxPort = 65535
)

// Protocol is the transport a probe uses.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// ParseProtocol accepts "tcp" or "udp" in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	default:
		return "", errors.NewScanError(errors.CodeValidation, fmt.Sprintf("unknown protocol %q", s))
	}
}

// rank orders TCP before UDP.
func (p Protocol) rank() int {
	switch p {
	case TCP:
		return 0
	case UDP:
		return 1
	default:
		return 2
	}
}

// normalizeProtocols sorts and de-duplicates protocols.
func normalizeProtocols(protocols []Protocol) []Protocol {
	out := slices.Clone(protocols)
	slices.SortFunc(out, func(a, b Protocol) int { return a.rank() - b.rank() })
	return slices.Compact(out)
}

// Status is the classification of a single probe.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusClosed   Status = "CLOSED"
	StatusFiltered Status = "FILTERED"
	// StatusOpenFiltered is reported for UDP ports that never answered. Silence
	// is what both an open service ignoring the payload and a dropping firewall
	// look like, so the two cannot be told apart.
	StatusOpenFiltered Status = "OPEN|FILTERED"
	StatusError        Status = "ERROR"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{StatusOpen, StatusOpenFiltered, StatusFiltered, StatusClosed, StatusError}

// ProbeUnit is one (host, port, protocol) triple to probe.
type ProbeUnit struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Protocol Protocol `json:"protocol"`
}

// Address returns the dialable host:port form.
func (u ProbeUnit) Address() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

func (u ProbeUnit) String() string {
	return string(u.Protocol) + "/" + u.Address()
}

// compareUnits orders by port ascending, then TCP before UDP, then host.
func compareUnits(a, b ProbeUnit) int {
	if a.Port != b.Port {
		return a.Port - b.Port
	}
	if a.Protocol != b.Protocol {
		return a.Protocol.rank() - b.Protocol.rank()
	}
	return strings.Compare(a.Host, b.Host)
}

// ProbeOutcome is the classified result of probing one unit.
type ProbeOutcome struct {
	Unit    ProbeUnit     `json:"unit"`
	Status  Status        `json:"status"`
	Latency time.Duration `json:"latency_ns"`
	Detail  string        `json:"detail,omitempty"`
	// Err is the classified cause of an ERROR outcome. It is not serialised.
	Err error `json:"-"`
}

// errorOutcome builds an ERROR outcome whose detail is the coded error message.
func errorOutcome(unit ProbeUnit, latency time.Duration, err error) ProbeOutcome {
	return ProbeOutcome{
		Unit:    unit,
		Status:  StatusError,
		Latency: latency,
		Detail:  outcomeDetail(err),
		Err:     err,
	}
}

// outcomeDetail renders "message: cause", e.g. "resource exhausted: too many open files".
func outcomeDetail(err error) string {
	msg := errors.Message(err)
	var scanErr *errors.ScanError
	if errors.As(err, &scanErr) && scanErr.Cause != nil {
		return msg + ": " + errnoText(scanErr.Cause)
	}
	return msg
}

// PortRange is an inclusive range of ports.
type PortRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// SinglePort returns the range covering only p.
func SinglePort(p int) PortRange {
	return PortRange{Start: p, End: p}
}

// Len is the number of ports in the range.
func (r PortRange) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Validate enforces 0 <= Start <= End <= 65535.
func (r PortRange) Validate() error {
	if r.End > MaxPort {
		return errors.ErrInvalidRange(msgPortTooLarge)
	}
	if r.Start < MinPort || r.Start > r.End {
		return errors.ErrInvalidRange(msgInvalidArguments)
	}
	return nil
}

func (r PortRange) String() string {
	if r.Start == r.End {
		return strconv.Itoa(r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// ScanRequest is what the caller asks to scan. It is scoped to one run.
type ScanRequest struct {
	Host      string
	Ports     PortRange
	Protocols []Protocol
}

// Validate checks the request without touching the network.
func (r ScanRequest) Validate() error {
	if err := r.Ports.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.Host) == "" {
		return errors.NewScanError(errors.CodeValidation, "host is required")
	}
	if len(r.Protocols) == 0 {
		return errors.NewScanError(errors.CodeValidation, "at least one protocol is required")
	}
	for _, p := range r.Protocols {
		if p != TCP && p != UDP {
			return errors.NewScanError(errors.CodeValidation, fmt.Sprintf("unknown protocol %q", p))
		}
	}
	return nil
}

// ScanReport is the final, ordered result of a scan.
type ScanReport struct {
	ID        uuid.UUID      `json:"id"`
	Host      string         `json:"host"`
	Address   string         `json:"address"`
	Ports     PortRange      `json:"ports"`
	Protocols []Protocol     `json:"protocols"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration_ns"`
	Outcomes  []ProbeOutcome `json:"outcomes"`
	// Aborted holds the abort reason when the scan did not run to completion.
	Aborted string `json:"aborted,omitempty"`
}

// Visible returns the outcomes to render. CLOSED rows are dropped when
// hideClosed is set; the report itself keeps them.
func (r *ScanReport) Visible(hideClosed bool) []ProbeOutcome {
	if !hideClosed {
		return r.Outcomes
	}
	visible := make([]ProbeOutcome, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.Status != StatusClosed {
			visible = append(visible, o)
		}
	}
	return visible
}

// Summary counts outcomes per status.
func (r *ScanReport) Summary() map[Status]int {
	counts := make(map[Status]int, len(AllStatuses))
	for _, o := range r.Outcomes {
		counts[o.Status]++
	}
	return counts
}
