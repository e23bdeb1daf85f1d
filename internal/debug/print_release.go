//go:build !debug

package debug

const Debug = false

// Print is a no-op in release builds.
func Print(format string, args ...interface{}) {}
