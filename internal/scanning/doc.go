// Package scanning is the TCP/UDP connect-scan engine behind portscan.
//
// A scan flows through four pieces:
//
//   - Resolver turns a ScanRequest (host, port range, protocols) into Targets,
//     rejecting bad ranges before any lookup and preferring IPv4 addresses.
//     Targets.Units yields the probe units in report order.
//   - Executor implements Prober. TCP probes complete a full connect; UDP
//     probes send a datagram on a connected socket and wait for any reply.
//   - Scheduler dispatches every unit exactly once under a global concurrency
//     limit (with a smaller UDP sub-limit), an optional rate limit and an
//     optional overall deadline.
//   - Collector gathers outcomes in completion order and Finalize sorts them
//     by port, TCP before UDP.
//
// # Classification
//
//	TCP  connected            OPEN
//	TCP  connection refused   CLOSED
//	TCP  no answer            FILTERED
//	UDP  any reply            OPEN
//	UDP  port unreachable     CLOSED
//	UDP  no answer            OPEN|FILTERED
//	any  other failure        ERROR (detail says why)
//
// UDP silence is ambiguous: an open service that ignores the payload and a
// firewall that drops it look the same, so it is never reported as OPEN.
// Well-known UDP ports (DNS, NTP, SNMP) receive a protocol request to
// improve the odds of a reply.
//
// # Aborts
//
// A failing probe never stops a scan. The deadline, cancellation of the
// caller's context and local resource exhaustion (file descriptors, socket
// buffers) do: dispatch stops, in-flight probes get a grace period, and
// every unit without an outcome is reported as ERROR with the reason. The
// report always covers every unit.
//
// # Usage
//
//	targets, err := scanning.NewResolver(nil).Resolve(ctx, scanning.ScanRequest{
//		Host:      "example.com",
//		Ports:     scanning.PortRange{Start: 1, End: 1024},
//		Protocols: []scanning.Protocol{scanning.TCP},
//	})
//	if err != nil {
//		return err
//	}
//	report, err := scanning.NewScheduler(scanning.NewExecutor(), scanning.DefaultSchedulerConfig()).Run(ctx, targets)
//	_ = scanning.RenderText(os.Stdout, report, true)
package scanning
