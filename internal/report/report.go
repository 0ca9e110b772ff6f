// Package report is the tc_printf equivalent (§6): user-facing diagnostic
// text at low verbosity, plus a progress indicator for long operations.
package report

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/golang/glog"
)

var warnColor = color.New(color.FgYellow)
var errColor = color.New(color.FgRed)

// Printf prints a diagnostic line to stderr and glogs it, mirroring
// cli/ourutil.Reportf.
func Printf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	glog.Infof(f, args...)
}

// Warnf highlights a recoverable condition (e.g. a retried WAIT/FAULT).
func Warnf(f string, args ...interface{}) {
	warnColor.Fprintf(os.Stderr, f+"\n", args...)
	glog.Warningf(f, args...)
}

// Errorf highlights a fatal condition.
func Errorf(f string, args ...interface{}) {
	errColor.Fprintf(os.Stderr, f+"\n", args...)
	glog.Errorf(f, args...)
}

// Progress is a callback hook for long-running operations (mass-erase,
// flash-write), invoked at a 100-500ms cadence per spec §5.
type Progress func(done, total int)

// Ticker returns a Progress callback that prints at most once per interval,
// except that a call with done >= total always prints.
func Ticker(label string, interval time.Duration) Progress {
	var last time.Time
	return func(done, total int) {
		now := time.Now()
		if done < total && now.Sub(last) < interval {
			return
		}
		last = now
		Printf("%s: %d/%d", label, done, total)
	}
}
