// Command can-diag is the bench tool for the vehicle CAN core: it brings the
// bus up for one operation, reports what it saw and takes the bus down again.
package main

import (
	"fmt"
	"os"
)

// Set at build time via -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
