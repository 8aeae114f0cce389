//go:build !unix

package main

import "os"

func pressureSignals() []os.Signal {
	return nil
}
