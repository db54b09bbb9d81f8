// Package fs holds small ambient pieces shared across the upload engine:
// leveled logging and human-readable byte quantities, in the style the rest
// of this codebase's backends use them.
package fs

import (
	"fmt"
	"log"
	"os"
)

// LogLevel controls which of Debugf/Infof/Errorf actually print.
type LogLevel int

// Log levels, lowest to highest severity.
const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelError
)

// Level is the current global log level. Debugf is silent unless this is
// lowered to LogLevelDebug.
var Level = LogLevelInfo

var logger = log.New(os.Stderr, "", log.LstdFlags)

// Logf writes a formatted line tagged with the object it concerns, mirroring
// fs.Infof/fs.Debugf call sites throughout the backend packages: the first
// argument is whatever the message is about (an *uploader.Task, a *Fs, or
// nil), never interpolated into the format string directly.
func Logf(level LogLevel, o interface{}, format string, args ...interface{}) {
	if level < Level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if o != nil {
		msg = fmt.Sprintf("%v: %s", o, msg)
	}
	logger.Print(msg)
}

// Debugf logs at debug level.
func Debugf(o interface{}, format string, args ...interface{}) {
	Logf(LogLevelDebug, o, format, args...)
}

// Infof logs at info level.
func Infof(o interface{}, format string, args ...interface{}) {
	Logf(LogLevelInfo, o, format, args...)
}

// Errorf logs at error level.
func Errorf(o interface{}, format string, args ...interface{}) {
	Logf(LogLevelError, o, format, args...)
}
