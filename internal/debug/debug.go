// Package debug provides env-gated diagnostic logging to stderr.
package debug

import (
	"fmt"
	"os"
)

// Enabled returns true if DECOMP_DEBUG is set to a truthy value.
func Enabled() bool {
	val := os.Getenv("DECOMP_DEBUG")
	return val == "1" || val == "true"
}

// Logf writes a diagnostic line to stderr when debug logging is enabled.
func Logf(format string, args ...interface{}) {
	if Enabled() {
		fmt.Fprintf(os.Stderr, "[decomp debug] "+format+"\n", args...)
	}
}
