package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Prefix is written in front of every backend log line.
const Prefix = "[CUPS] "

type manager struct {
	errorLog *RotatingFile
	callLog  *RotatingFile
	level    Level
}

var (
	globalMu sync.RWMutex
	global   = manager{level: LevelInfo}
)

// Configure sets up the error and bus-call logs and routes the standard
// logger into the error log.
func Configure(errorPath, callPath string, maxSize int64, level string) {
	globalMu.Lock()
	global.errorLog = NewRotatingFile(errorPath, maxSize)
	global.callLog = NewRotatingFile(callPath, maxSize)
	global.level = ParseLevel(level)
	globalMu.Unlock()

	log.SetOutput(ErrorWriter())
	log.SetPrefix(Prefix)
}

func ParseLevel(value string) Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug", "debug2":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error", "crit", "emerg", "alert":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "D"
	case LevelWarn:
		return "W"
	case LevelError:
		return "E"
	default:
		return "I"
	}
}

func ErrorWriter() io.Writer {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if global.errorLog != nil && global.errorLog.Enabled() {
		return global.errorLog
	}
	return os.Stderr
}

func Enabled(l Level) bool {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return l >= global.level
}

func logf(l Level, format string, args ...any) {
	if !Enabled(l) {
		return
	}
	_ = log.Output(3, l.String()+" "+fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) { logf(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { logf(LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { logf(LevelWarn, format, args...) }
func Errorf(format string, args ...any) { logf(LevelError, format, args...) }

// Call records one inbound bus method call.
func Call(line string) {
	globalMu.RLock()
	logger := global.callLog
	globalMu.RUnlock()
	if logger != nil {
		_ = logger.WriteLine(line)
	}
}
