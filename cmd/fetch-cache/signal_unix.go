//go:build unix

package main

import (
	"os"
	"syscall"
)

// pressureSignals raise memory pressure on the running server.
func pressureSignals() []os.Signal {
	return []os.Signal{syscall.SIGUSR1}
}
