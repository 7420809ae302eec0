// Package obslog provides the module's single logging indirection point.
package obslog

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger. Tests redirect or mute it; no package under
// internal/ calls log.Printf directly, so every component's log lines can be
// captured or silenced from one place. The cmd/ entry points use the log
// package directly.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
