package main

import (
	"strings"
	"testing"
)

func TestParseArgsPrint(t *testing.T) {
	opts, err := parseArgs([]string{
		"-o", "media=iso_a4_210x297mm sides=two-sided-long-edge",
		"-o", "copies=2",
		"-t", "Monthly",
		"print", "Office", "report.pdf",
	})
	if err != nil {
		t.Fatalf("parseArgs error: %v", err)
	}
	if opts.command != "print" || opts.printer != "Office" || opts.file != "report.pdf" || opts.title != "Monthly" {
		t.Fatalf("unexpected options: %+v", opts)
	}
	want := map[string]string{"media": "iso_a4_210x297mm", "sides": "two-sided-long-edge", "copies": "2"}
	for k, v := range want {
		if opts.settings[k] != v {
			t.Fatalf("settings[%s] = %q, want %q", k, opts.settings[k], v)
		}
	}
}

func TestParseArgsRejectsBadUsage(t *testing.T) {
	for _, args := range [][]string{
		nil,
		{"print", "Office"},
		{"options"},
		{"frobnicate"},
		{"cancel", "Office"},
	} {
		if _, err := parseArgs(args); err == nil || !strings.Contains(err.Error(), "usage") {
			t.Fatalf("%v: err = %v", args, err)
		}
	}
}

func TestParseOptionList(t *testing.T) {
	got := parseOptionList("fit-to-page nocollate number-up=4 =x")
	if got["fit-to-page"] != "true" || got["collate"] != "false" || got["number-up"] != "4" {
		t.Fatalf("got %#v", got)
	}
	if _, ok := got[""]; ok {
		t.Fatalf("empty name kept: %#v", got)
	}
}

func TestParseArgsJobs(t *testing.T) {
	opts, err := parseArgs([]string{"-a", "jobs"})
	if err != nil || opts.command != "jobs" || !opts.activeOnly {
		t.Fatalf("opts = %+v, err = %v", opts, err)
	}
}
