package scanning

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/portscan/internal/errors"
)

// Format selects how a report is rendered.
type Format string

const (
	FormatText  Format = "text"
	FormatTable Format = "table"
	FormatJSON  Format = "json"
)

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatTable, FormatJSON:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("unknown output format %q (want text, table or json)", s))
	}
}

// Render writes report to w in the given format. CLOSED rows are left out
// when hideClosed is set.
func Render(w io.Writer, report *ScanReport, format Format, hideClosed bool) error {
	switch format {
	case FormatTable:
		return RenderTable(w, report, hideClosed)
	case FormatJSON:
		return RenderJSON(w, report, hideClosed)
	default:
		return RenderText(w, report, hideClosed)
	}
}

// RenderText writes one line per unit: "<protocol> <port>: <status> (<latency>)".
// ERROR lines carry their detail after the latency.
func RenderText(w io.Writer, report *ScanReport, hideClosed bool) error {
	for _, o := range report.Visible(hideClosed) {
		line := fmt.Sprintf("%s %d: %s (%s)", protocolLabel(o.Unit.Protocol), o.Unit.Port, o.Status, formatLatency(o.Latency))
		if o.Status == StatusError && o.Detail != "" {
			line += " " + o.Detail
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// RenderTable writes the visible outcomes as a table followed by a status summary.
func RenderTable(w io.Writer, report *ScanReport, hideClosed bool) error {
	table := tablewriter.NewWriter(w)
	table.Header("Protocol", "Port", "Status", "Latency", "Detail")

	for _, o := range report.Visible(hideClosed) {
		_ = table.Append([]string{
			protocolLabel(o.Unit.Protocol),
			strconv.Itoa(o.Unit.Port),
			string(o.Status),
			formatLatency(o.Latency),
			o.Detail,
		})
	}
	if err := table.Render(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "%s (%s): %s in %s\n",
		report.Host, report.Address, summaryLine(report), formatLatency(report.Duration))
	return err
}

// RenderJSON writes the report as indented JSON.
func RenderJSON(w io.Writer, report *ScanReport, hideClosed bool) error {
	out := *report
	out.Outcomes = report.Visible(hideClosed)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(&out)
}

func summaryLine(report *ScanReport) string {
	counts := report.Summary()
	parts := make([]string, 0, len(AllStatuses))
	for _, st := range AllStatuses {
		if n := counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, st))
		}
	}
	if len(parts) == 0 {
		return "no results"
	}
	return strings.Join(parts, ", ")
}

func protocolLabel(p Protocol) string {
	return strings.ToUpper(string(p))
}

func formatLatency(d time.Duration) string {
	switch {
	case d >= time.Second:
		return d.Round(time.Millisecond).String()
	case d >= time.Millisecond:
		return d.Round(10 * time.Microsecond).String()
	default:
		return d.Round(time.Microsecond).String()
	}
}
