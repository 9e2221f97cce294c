// Command portscan is a TCP/UDP connect port scanner.
package main

import (
	"os"

	"github.com/anstrom/portscan/cmd/cli"
)

// Build information, set via ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	os.Exit(cli.Execute())
}
