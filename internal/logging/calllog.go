package logging

import (
	"fmt"
	"strings"
	"time"
)

// CallEntry describes one bus method invocation for the call log.
type CallEntry struct {
	Sender   string
	Method   string
	Printer  string
	Start    time.Time
	Duration time.Duration
	Err      error
}

// CallLogLine formats an entry in an access_log style layout:
//
//	sender - [time] "Method printer" status duration
func CallLogLine(e CallEntry) string {
	sender := strings.TrimSpace(e.Sender)
	if sender == "" {
		sender = "-"
	}
	target := e.Method
	if strings.TrimSpace(e.Printer) != "" {
		target += " " + e.Printer
	}
	status := "ok"
	if e.Err != nil {
		status = "error:" + strings.ReplaceAll(e.Err.Error(), " ", "_")
	}
	return fmt.Sprintf("%s - [%s] \"%s\" %s %dms",
		sender,
		e.Start.Format("02/Jan/2006:15:04:05 -0700"),
		target,
		status,
		e.Duration.Milliseconds(),
	)
}

// LogCall writes the entry to the call log and mirrors failures into the
// error log.
func LogCall(e CallEntry) {
	Call(CallLogLine(e))
	if e.Err != nil {
		Warnf("%s from %s failed: %v", e.Method, e.Sender, e.Err)
	}
}
