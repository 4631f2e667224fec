// Package logx provides the server's structured diagnostic logging.
//
// It is grounded on the Severity-over-log.Logger shape of
// awmorgan-OpenCSD's common/logger.go, but the set of categories below
// mirrors the original e-server's ServerInfo verbosity flags
// (debugStopResume, debugStopResumeDetail, debugTrapAndRspCon,
// debugTranDetail) so call sites read the same way the C++ server's
// si->debugXXX() guards did.
package logx

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Category names one of the verbosity axes the original server
// exposed independently on its command line.
type Category int

const (
	// Proto traces raw RSP packet traffic (was debugTranDetail).
	Proto Category = iota
	// StopResume traces halt/resume/step transitions (was debugStopResume).
	StopResume
	// StopResumeDetail traces breakpoint plant/remove bookkeeping
	// (was debugStopResumeDetail).
	StopResumeDetail
	// TrapIO traces semihosting trap redirection (was debugTrapAndRspCon).
	TrapIO
)

// Logger is the server's diagnostic sink, built with New. A nil
// *Logger is safe to use: it traces nothing and writes warnings and
// errors to os.Stderr.
type Logger struct {
	out     *log.Logger
	enabled map[Category]bool
}

// New returns a Logger writing to w with the given categories enabled.
func New(w io.Writer, categories ...Category) *Logger {
	if w == nil {
		w = os.Stderr
	}
	l := &Logger{
		out:     log.New(w, "", log.LstdFlags),
		enabled: make(map[Category]bool, len(categories)),
	}
	for _, c := range categories {
		l.enabled[c] = true
	}
	return l
}

// Enabled reports whether a category is switched on.
func (l *Logger) Enabled(c Category) bool {
	if l == nil {
		return false
	}
	return l.enabled[c]
}

// Tracef logs a formatted message if the category is enabled.
func (l *Logger) Tracef(c Category, format string, args ...any) {
	if !l.Enabled(c) {
		return
	}
	l.out.Output(2, fmt.Sprintf(format, args...))
}

// Warnf always logs: protocol and transport warnings are never silent,
// matching the original's unconditional cerr warnings.
func (l *Logger) Warnf(format string, args ...any) {
	if l == nil {
		fmt.Fprintf(os.Stderr, "warning: "+format+"\n", args...)
		return
	}
	l.out.Output(2, "warning: "+fmt.Sprintf(format, args...))
}

// Errorf always logs an error-level message.
func (l *Logger) Errorf(format string, args ...any) {
	if l == nil {
		fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
		return
	}
	l.out.Output(2, "error: "+fmt.Sprintf(format, args...))
}
