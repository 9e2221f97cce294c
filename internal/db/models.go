package db

import (
	"database/sql/driver"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/anstrom/portscan/internal/scanning"
)

// IPAddr wraps net.IP to implement PostgreSQL INET type.
type IPAddr struct {
	net.IP
}

// Scan implements sql.Scanner for PostgreSQL INET type.
func (ip *IPAddr) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into IPAddr", value)
	}

	parsed := net.ParseIP(s)
	if parsed == nil {
		return fmt.Errorf("failed to parse IP address: %s", s)
	}
	ip.IP = parsed
	return nil
}

// Value implements driver.Valuer for PostgreSQL INET type.
func (ip IPAddr) Value() (driver.Value, error) {
	if len(ip.IP) == 0 {
		return nil, nil
	}
	return ip.IP.String(), nil
}

// String returns the IP address as a string.
func (ip IPAddr) String() string {
	if len(ip.IP) == 0 {
		return ""
	}
	return ip.IP.String()
}

// ReportRecord is a row of scan_reports.
type ReportRecord struct {
	ID          uuid.UUID      `db:"id"`
	Host        string         `db:"host"`
	Address     IPAddr         `db:"address"`
	PortStart   int            `db:"port_start"`
	PortEnd     int            `db:"port_end"`
	Protocols   pq.StringArray `db:"protocols"`
	StartedAt   time.Time      `db:"started_at"`
	DurationMS  int64          `db:"duration_ms"`
	Aborted     *string        `db:"aborted"`
	OpenCount   int            `db:"open_count"`
	ClosedCount int            `db:"closed_count"`
	ErrorCount  int            `db:"error_count"`
	CreatedAt   time.Time      `db:"created_at"`
}

// OutcomeRecord is a row of probe_outcomes.
type OutcomeRecord struct {
	ReportID  uuid.UUID `db:"report_id"`
	Port      int       `db:"port"`
	Protocol  string    `db:"protocol"`
	Status    string    `db:"status"`
	LatencyUS int64     `db:"latency_us"`
	Detail    *string   `db:"detail"`
}

// ReportSummary is a stored report without its outcomes, as listed by
// ReportRepository.List.
type ReportSummary struct {
	ID        uuid.UUID           `json:"id"`
	Host      string              `json:"host"`
	Address   string              `json:"address"`
	Ports     scanning.PortRange  `json:"ports"`
	Protocols []scanning.Protocol `json:"protocols"`
	StartedAt time.Time           `json:"started_at"`
	Duration  time.Duration       `json:"duration_ns"`
	Aborted   string              `json:"aborted,omitempty"`
	Open      int                 `json:"open"`
	Closed    int                 `json:"closed"`
	Errors    int                 `json:"errors"`
}

func newReportRecord(r *scanning.ScanReport) ReportRecord {
	summary := r.Summary()
	rec := ReportRecord{
		ID:          r.ID,
		Host:        r.Host,
		Address:     IPAddr{IP: net.ParseIP(r.Address)},
		PortStart:   r.Ports.Start,
		PortEnd:     r.Ports.End,
		Protocols:   make(pq.StringArray, 0, len(r.Protocols)),
		StartedAt:   r.StartedAt,
		DurationMS:  r.Duration.Milliseconds(),
		OpenCount:   summary[scanning.StatusOpen],
		ClosedCount: summary[scanning.StatusClosed],
		ErrorCount:  summary[scanning.StatusError],
	}
	for _, p := range r.Protocols {
		rec.Protocols = append(rec.Protocols, string(p))
	}
	if r.Aborted != "" {
		rec.Aborted = &r.Aborted
	}
	return rec
}

func newOutcomeRecord(reportID uuid.UUID, o scanning.ProbeOutcome) OutcomeRecord {
	rec := OutcomeRecord{
		ReportID:  reportID,
		Port:      o.Unit.Port,
		Protocol:  string(o.Unit.Protocol),
		Status:    string(o.Status),
		LatencyUS: o.Latency.Microseconds(),
	}
	if o.Detail != "" {
		detail := o.Detail
		rec.Detail = &detail
	}
	return rec
}

func (rec ReportRecord) protocols() []scanning.Protocol {
	out := make([]scanning.Protocol, 0, len(rec.Protocols))
	for _, p := range rec.Protocols {
		out = append(out, scanning.Protocol(p))
	}
	return out
}

func (rec ReportRecord) summary() ReportSummary {
	s := ReportSummary{
		ID:        rec.ID,
		Host:      rec.Host,
		Address:   rec.Address.String(),
		Ports:     scanning.PortRange{Start: rec.PortStart, End: rec.PortEnd},
		Protocols: rec.protocols(),
		StartedAt: rec.StartedAt,
		Duration:  time.Duration(rec.DurationMS) * time.Millisecond,
		Open:      rec.OpenCount,
		Closed:    rec.ClosedCount,
		Errors:    rec.ErrorCount,
	}
	if rec.Aborted != nil {
		s.Aborted = *rec.Aborted
	}
	return s
}

// report rebuilds the scan report. Outcome units carry the stored address.
func (rec ReportRecord) report(outcomes []OutcomeRecord) *scanning.ScanReport {
	s := rec.summary()
	r := &scanning.ScanReport{
		ID:        s.ID,
		Host:      s.Host,
		Address:   s.Address,
		Ports:     s.Ports,
		Protocols: s.Protocols,
		StartedAt: s.StartedAt,
		Duration:  s.Duration,
		Aborted:   s.Aborted,
		Outcomes:  make([]scanning.ProbeOutcome, 0, len(outcomes)),
	}
	for _, o := range outcomes {
		po := scanning.ProbeOutcome{
			Unit: scanning.ProbeUnit{
				Host:     s.Address,
				Port:     o.Port,
				Protocol: scanning.Protocol(o.Protocol),
			},
			Status:  scanning.Status(o.Status),
			Latency: time.Duration(o.LatencyUS) * time.Microsecond,
		}
		if o.Detail != nil {
			po.Detail = *o.Detail
		}
		r.Outcomes = append(r.Outcomes, po)
	}
	return r
}
