// SPDX-License-Identifier: GPL-3.0-or-later

// Command dsim runs network simulations described by YAML files.
//
// Usage:
//
//	dsim run --config scenario.yaml [--pcap out.pcap] [--metrics]
//
// The scenario file contains the simulation settings at the top level
// and a `scenario` section listing servers, which echo every message, and
// clients, which ping each server and report what they observe.
package main

import (
	"fmt"
	"os"
)

func main() {
	os.Exit(dsimMain())
}

// dsimMain runs the CLI and returns the process exit code.
func dsimMain() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dsim: %s\n", err)
		return 1
	}
	return 0
}
