package cli

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/anstrom/portscan/internal/config"
	"github.com/anstrom/portscan/internal/db"
	"github.com/anstrom/portscan/internal/errors"
	"github.com/anstrom/portscan/internal/scanning"
)

// scanOptions are the flags of the root scan command.
type scanOptions struct {
	host           string
	ports          string
	tcp            bool
	udp            bool
	concurrency    int
	udpConcurrency int
	timeoutMS      int
	deadlineMS     int
	graceMS        int
	retries        int
	rate           float64
	dnsServer      string
	format         string
	hideClosed     bool
	store          bool
}

func (o *scanOptions) bind(f *pflag.FlagSet) {
	f.StringVar(&o.host, "host", "", "host name or IP address to scan")
	f.StringVarP(&o.ports, "ports", "p", "", "port or inclusive port range, e.g. 80 or 1-1024")
	f.BoolVarP(&o.tcp, "tcp", "t", false, "scan TCP ports")
	f.BoolVarP(&o.udp, "udp", "u", false, "scan UDP ports")
	f.IntVar(&o.concurrency, "concurrency", scanning.DefaultConcurrency, "maximum probes in flight")
	f.IntVar(&o.udpConcurrency, "udp-concurrency", scanning.DefaultUDPConcurrency,
		"maximum UDP probes in flight, within --concurrency")
	f.IntVar(&o.timeoutMS, "timeout", int(scanning.DefaultProbeTimeout/time.Millisecond), "per-probe timeout in milliseconds")
	f.IntVar(&o.deadlineMS, "deadline", 0, "whole-scan deadline in milliseconds, 0 for none")
	f.IntVar(&o.graceMS, "grace", int(scanning.DefaultGracePeriod/time.Millisecond),
		"milliseconds in-flight probes may finish after the deadline")
	f.IntVar(&o.retries, "retries", 0, "re-probes of FILTERED, OPEN|FILTERED and ERROR results")
	f.Float64Var(&o.rate, "rate", 0, "probe starts per second, 0 for unlimited")
	f.StringVar(&o.dnsServer, "dns-server", "", "resolve the host through this DNS server (host or host:port)")
	f.StringVar(&o.format, "format", string(scanning.FormatText), "output format: text, table or json")
	f.BoolVar(&o.hideClosed, "hide-closed", false, "leave CLOSED ports out of the output")
	f.BoolVar(&o.store, "store", false, "store the report in the configured database")
}

// apply lets explicitly set flags override the configuration.
func (o *scanOptions) apply(f *pflag.FlagSet, cfg *config.Config) {
	s := &cfg.Scanning
	if f.Changed("concurrency") {
		s.Concurrency = o.concurrency
		s.UDPConcurrency = min(s.UDPConcurrency, o.concurrency)
	}
	if f.Changed("udp-concurrency") {
		s.UDPConcurrency = min(o.udpConcurrency, s.Concurrency)
	}
	if f.Changed("timeout") {
		s.Timeout = time.Duration(o.timeoutMS) * time.Millisecond
	}
	if f.Changed("deadline") {
		s.Deadline = time.Duration(o.deadlineMS) * time.Millisecond
	}
	if f.Changed("grace") {
		s.GracePeriod = time.Duration(o.graceMS) * time.Millisecond
	}
	if f.Changed("retries") {
		s.Retries = o.retries
	}
	if f.Changed("rate") {
		s.RateLimit = o.rate
	}
	if f.Changed("dns-server") {
		s.DNSServer = o.dnsServer
	}
	if f.Changed("format") {
		cfg.Output.Format = o.format
	}
	if o.hideClosed {
		cfg.Output.HideClosed = true
	}
}

// request validates the scan flags without touching the network.
func (o *scanOptions) request() (scanning.ScanRequest, error) {
	if o.host == "" || o.ports == "" {
		return scanning.ScanRequest{}, errors.NewScanError(errors.CodeValidation, "--host and -p/--ports are required")
	}
	ports, err := scanning.ParsePortRange(o.ports)
	if err != nil {
		return scanning.ScanRequest{}, err
	}

	var protocols []scanning.Protocol
	if o.tcp || !o.udp {
		protocols = append(protocols, scanning.TCP)
	}
	if o.udp {
		protocols = append(protocols, scanning.UDP)
	}
	return scanning.ScanRequest{Host: o.host, Ports: ports, Protocols: protocols}, nil
}

func (a *app) runScan(cmd *cobra.Command, o *scanOptions) error {
	if !cmd.Flags().Changed("host") && !cmd.Flags().Changed("ports") {
		cmd.SetOut(cmd.ErrOrStderr())
		_ = cmd.Help()
		return &exitError{code: ExitFailure, err: errors.NewScanError(errors.CodeValidation,
			"--host and -p/--ports are required")}
	}

	req, err := o.request()
	if err != nil {
		return &exitError{code: ExitFailure, err: err}
	}

	cfg, logger, err := a.loadConfig()
	if err != nil {
		return &exitError{code: ExitFailure, err: err}
	}
	o.apply(cmd.Flags(), cfg)

	format, err := scanning.ParseFormat(cfg.Output.Format)
	if err != nil {
		return &exitError{code: ExitFailure, err: err}
	}

	engineOpts := append(cfg.EngineOptions(), scanning.WithEngineLogger(logger))
	if o.store {
		database, err := db.ConnectAndMigrate(cmd.Context(), &cfg.Database)
		if err != nil {
			return &exitError{code: ExitFailure, err: err}
		}
		defer func() { _ = database.Close() }()
		engineOpts = append(engineOpts, scanning.WithStore(db.NewReportRepository(database)))
	}
	engineOpts = append(engineOpts, a.engineOptions...)

	report, scanErr := scanning.NewEngine(engineOpts...).Scan(cmd.Context(), req, cfg.SchedulerConfig())
	if report == nil {
		return &exitError{code: ExitFailure, err: scanErr}
	}

	if err := scanning.Render(cmd.OutOrStdout(), report, format, cfg.Output.HideClosed); err != nil {
		return &exitError{code: ExitFailure, err: err}
	}
	if scanErr != nil {
		return &exitError{code: exitCodeFor(scanErr), err: scanErr}
	}
	return nil
}

// exitCodeFor maps a scan abort onto the process exit code.
func exitCodeFor(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeDeadlineExceeded:
		return ExitDeadline
	case errors.CodeCanceled, errors.CodeResourceExhausted:
		return ExitAborted
	default:
		return ExitFailure
	}
}
