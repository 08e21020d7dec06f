package logging

import (
	"bytes"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCallLogLineFormat(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	line := CallLogLine(CallEntry{
		Sender:   ":1.42",
		Method:   "GetAllOptions",
		Printer:  "Office",
		Start:    start,
		Duration: 12 * time.Millisecond,
	})
	if !strings.HasPrefix(line, ":1.42 - [01/Mar/2024:10:00:00 +0000]") {
		t.Fatalf("unexpected prefix: %q", line)
	}
	if !strings.Contains(line, `"GetAllOptions Office" ok 12ms`) {
		t.Fatalf("missing call fields: %q", line)
	}

	line = CallLogLine(CallEntry{Method: "Ping", Start: start, Err: errors.New("no session")})
	if !strings.Contains(line, `- - [`) || !strings.Contains(line, "error:no_session") {
		t.Fatalf("unexpected error line: %q", line)
	}
}

func TestLevelFilter(t *testing.T) {
	Configure("", "", 0, "warn")
	defer Configure("", "", 0, "info")

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	Infof("hidden %d", 1)
	Warnf("shown %d", 2)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, Prefix) || !strings.Contains(out, "W shown 2") {
		t.Fatalf("warn line missing: %q", out)
	}
}

func TestRotatingFileRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "error_log")
	r := NewRotatingFile(path, 16)
	if err := r.WriteLine("0123456789"); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := r.WriteLine("abcdefghij"); err != nil {
		t.Fatalf("second write: %v", err)
	}
	old, err := os.ReadFile(path + ".O")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(old) != "0123456789\n" {
		t.Fatalf("backup = %q", old)
	}
	cur, _ := os.ReadFile(path)
	if string(cur) != "abcdefghij\n" {
		t.Fatalf("current = %q", cur)
	}
}
