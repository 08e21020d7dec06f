package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/godbus/dbus/v5"
	"github.com/spf13/pflag"

	"cpdbcups/internal/server"
)

type options struct {
	command    string
	printer    string
	file       string
	jobID      string
	title      string
	locale     string
	activeOnly bool
	settings   map[string]string
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "cpdb-cups-print:", err)
		os.Exit(1)
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cpdb-cups-print:", err)
		os.Exit(1)
	}
	defer conn.Close()
	b := backendObject{obj: conn.Object(server.BusName, server.ObjectPath)}

	switch opts.command {
	case "list":
		err = listPrinters(os.Stdout, b)
	case "options":
		err = showOptions(os.Stdout, b, opts)
	case "print":
		err = printFile(os.Stdout, b, opts)
	case "jobs":
		err = listJobs(os.Stdout, b, opts.activeOnly)
	case "cancel":
		err = cancelJob(os.Stdout, b, opts)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "cpdb-cups-print:", err)
		os.Exit(1)
	}
}

const usage = `usage: cpdb-cups-print [flags] list
       cpdb-cups-print [flags] options PRINTER
       cpdb-cups-print [flags] print PRINTER FILE
       cpdb-cups-print [flags] jobs
       cpdb-cups-print [flags] cancel PRINTER JOB-ID`

func parseArgs(args []string) (options, error) {
	opts := options{settings: map[string]string{}}
	fs := pflag.NewFlagSet("cpdb-cups-print", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var settings []string
	fs.StringArrayVarP(&settings, "option", "o", nil, "job option name=value, repeatable")
	fs.StringVarP(&opts.title, "title", "t", "", "job title")
	fs.StringVar(&opts.locale, "locale", "", "translate option names for this locale")
	fs.BoolVarP(&opts.activeOnly, "active", "a", false, "only list jobs that are not finished")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	for _, s := range settings {
		for name, value := range parseOptionList(s) {
			opts.settings[name] = value
		}
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return opts, errors.New(usage)
	}
	opts.command = rest[0]
	want := map[string]int{"list": 1, "options": 2, "print": 3, "jobs": 1, "cancel": 3}
	n, ok := want[opts.command]
	if !ok || len(rest) != n {
		return opts, errors.New(usage)
	}
	switch opts.command {
	case "options":
		opts.printer = rest[1]
	case "print":
		opts.printer, opts.file = rest[1], rest[2]
	case "cancel":
		opts.printer, opts.jobID = rest[1], rest[2]
	}
	return opts, nil
}

// parseOptionList splits "media=A4 sides=two-sided-long-edge" style lists.
// A bare name means "true"; a "no" prefix on a bare name means "false".
func parseOptionList(s string) map[string]string {
	out := map[string]string{}
	for _, field := range strings.Fields(s) {
		name, value, ok := strings.Cut(field, "=")
		if !ok {
			if strings.HasPrefix(name, "no") && len(name) > 2 {
				out[name[2:]] = "false"
			} else {
				out[name] = "true"
			}
			continue
		}
		if name != "" {
			out[name] = value
		}
	}
	return out
}

type backendObject struct {
	obj dbus.BusObject
}

func (b backendObject) call(method string, args ...interface{}) *dbus.Call {
	return b.obj.Call(server.Interface+"."+method, 0, args...)
}

type printerInfo struct {
	ID, Name, Info, Location, MakeModel string
	Accepting                           bool
	State, Backend                      string
}

func listPrinters(w io.Writer, b backendObject) error {
	var count int32
	var rows []struct{ V dbus.Variant }
	if err := b.call("GetPrinterList").Store(&count, &rows); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRINTER\tSTATE\tACCEPTING\tLOCATION\tMODEL")
	for _, row := range rows {
		fields, ok := row.V.Value().([]interface{})
		if !ok {
			continue
		}
		var p printerInfo
		if err := dbus.Store(fields, &p.ID, &p.Name, &p.Info, &p.Location, &p.MakeModel, &p.Accepting, &p.State, &p.Backend); err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\n", p.ID, p.State, p.Accepting, p.Location, p.MakeModel)
	}
	return tw.Flush()
}

type optionInfo struct {
	Name      string
	Group     string
	Default   string
	Count     int32
	Supported []struct{ Value string }
}

type mediaInfo struct {
	Name    string
	Width   int32
	Length  int32
	Count   int32
	Margins []struct{ Left, Right, Top, Bottom int32 }
}

func showOptions(w io.Writer, b backendObject, opts options) error {
	// a fresh connection has no session until it lists printers
	if err := listPrinters(io.Discard, b); err != nil {
		return err
	}
	var optCount, mediaCount int32
	var optRows []optionInfo
	var mediaRows []mediaInfo
	if err := b.call("GetAllOptions", opts.printer).Store(&optCount, &optRows, &mediaCount, &mediaRows); err != nil {
		return err
	}
	labels := map[string]string{}
	if opts.locale != "" {
		if err := b.call("GetAllTranslations", opts.printer, opts.locale).Store(&labels); err != nil {
			return err
		}
	}
	sort.Slice(optRows, func(i, j int) bool {
		if optRows[i].Group != optRows[j].Group {
			return optRows[i].Group < optRows[j].Group
		}
		return optRows[i].Name < optRows[j].Name
	})
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tOPTION\tDEFAULT\tCHOICES")
	for _, o := range optRows {
		name := o.Name
		if label, ok := labels["opt/"+o.Name]; ok && label != "" {
			name = label
		}
		choices := make([]string, 0, len(o.Supported))
		for _, c := range o.Supported {
			choices = append(choices, c.Value)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.Group, name, o.Default, strings.Join(choices, ","))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d media sizes\n", mediaCount)
	for _, m := range mediaRows {
		fmt.Fprintf(w, "  %s %.1fx%.1fmm (%d margin sets)\n", m.Name, float64(m.Width)/100, float64(m.Length)/100, m.Count)
	}
	return nil
}

type settingRow struct {
	Name  string
	Value string
}

func printFile(w io.Writer, b backendObject, opts options) error {
	f, err := os.Open(opts.file)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := listPrinters(io.Discard, b); err != nil {
		return err
	}

	names := make([]string, 0, len(opts.settings))
	for name := range opts.settings {
		names = append(names, name)
	}
	sort.Strings(names)
	settings := make([]settingRow, 0, len(names))
	for _, name := range names {
		settings = append(settings, settingRow{Name: name, Value: opts.settings[name]})
	}
	title := opts.title
	if title == "" {
		title = f.Name()
	}

	var jobID, socketPath string
	if err := b.call("PrintSocket", opts.printer, int32(len(settings)), settings, title).Store(&jobID, &socketPath); err != nil {
		return err
	}
	if jobID == "0" || socketPath == "" {
		return fmt.Errorf("%s did not accept the job", opts.printer)
	}
	sock, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return err
	}
	n, err := io.Copy(sock, f)
	if cerr := sock.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "request id is %s-%s (%s)\n", opts.printer, jobID, humanize.Bytes(uint64(n)))
	return nil
}

func listJobs(w io.Writer, b backendObject, activeOnly bool) error {
	var count int32
	var rows []struct {
		ID, Title, Printer, User, State, Submitted string
		Size                                       int32
	}
	if err := b.call("GetAllJobs", activeOnly).Store(&count, &rows); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tPRINTER\tUSER\tSTATE\tSIZE\tSUBMITTED\tTITLE")
	for _, j := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, j.Printer, j.User, j.State, humanize.Bytes(uint64(j.Size)*1024), j.Submitted, j.Title)
	}
	return tw.Flush()
}

func cancelJob(w io.Writer, b backendObject, opts options) error {
	var ok bool
	if err := b.call("CancelJob", opts.jobID, opts.printer).Store(&ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s on %s was not cancelled", opts.jobID, opts.printer)
	}
	fmt.Fprintf(w, "cancelled %s-%s\n", opts.printer, opts.jobID)
	return nil
}
