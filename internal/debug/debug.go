// Package debug provides lightweight diagnostic output for the pipeline.
// Debug logging is off unless WL_DEBUG is set or --verbose is passed;
// run events append to logs/events.log under the configured root.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	enabled     = os.Getenv("WL_DEBUG") != ""
	verboseMode = false
	quietMode   = false

	logMutex sync.Mutex
	eventLog string
)

func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables verbose/debug output
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// SetQuiet enables quiet mode (suppress non-essential output)
func SetQuiet(quiet bool) {
	quietMode = quiet
}

// IsQuiet returns true if quiet mode is enabled
func IsQuiet() bool {
	return quietMode
}

// SetEventLog points LogEvent at the run's event log file. Called once by
// command setup after the root is resolved; until then events are dropped.
func SetEventLog(path string) {
	logMutex.Lock()
	defer logMutex.Unlock()
	eventLog = path
}

func Logf(format string, args ...interface{}) {
	if enabled || verboseMode {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// PrintNormal prints output unless quiet mode is enabled
// Use this for normal informational output that should be suppressed in quiet mode
func PrintNormal(format string, args ...interface{}) {
	if !quietMode {
		fmt.Printf(format, args...)
	}
}

// PrintlnNormal prints a line unless quiet mode is enabled
func PrintlnNormal(args ...interface{}) {
	if !quietMode {
		fmt.Println(args...)
	}
}

// LogEvent appends a pipeline event to the event log.
// Format: TIMESTAMP|EVENT_CODE|SUBJECT|DETAILS
func LogEvent(eventCode, subject, details string) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if eventLog == "" {
		return
	}
	if subject == "" {
		subject = "none"
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	entry := fmt.Sprintf("%s|%s|%s|%s\n", timestamp, eventCode, subject, details)

	os.MkdirAll(filepath.Dir(eventLog), 0755)

	file, err := os.OpenFile(eventLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		// Silent fail - don't interrupt operations if logging fails
		return
	}
	defer file.Close()

	file.WriteString(entry)
}
