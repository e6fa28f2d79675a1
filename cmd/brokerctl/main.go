// Command brokerctl publishes, consumes and serves RPC requests against a
// RabbitMQ broker using the brokerkit client.
package main

import (
	"fmt"
	"os"
)

var (
	// Version information
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
