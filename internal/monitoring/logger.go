// Package monitoring holds the package-level diagnostic logger and the stream
// counters reported by the ingest pipeline.
package monitoring

import "log"

// Logf is the diagnostic logger used by library packages. It defaults to
// log.Printf; binaries may redirect it and tests may mute it with SetLogger.
var Logf func(format string, v ...any) = log.Printf

// SetLogger replaces Logf. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...any)) {
	if f == nil {
		f = Discard
	}
	Logf = f
}

// Discard is a logger that drops everything.
func Discard(string, ...any) {}
