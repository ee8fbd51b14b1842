// Package main provides the entry point for knockgate, a command-line client
// that opens a single-packet-authorization knock, an optional TLS tunnel and
// an OpenVPN session in order, and tears them down again on interrupt.
//
// Usage:
//
//	knockgate preflight                      # check the environment
//	knockgate validate conn.yaml             # check a connection config
//	knockgate connect --config conn.yaml     # connect until interrupted
//	knockgate connect --bootstrap bundle.json
//	knockgate logout                         # erase the saved session
package main

import (
	"fmt"
	"os"

	"github.com/shini4i/knockgate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
