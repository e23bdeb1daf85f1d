//go:build debug

// Package debug provides tracing that compiles away unless the debug build
// tag is set.
package debug

import "fmt"

const Debug = true

// Print writes a formatted trace line to stdout.
func Print(format string, args ...interface{}) {
	fmt.Printf("DEBUG: "+format, args...)
}
