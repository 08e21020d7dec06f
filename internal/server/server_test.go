package server

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	goipp "github.com/OpenPrinting/goipp"

	"cpdbcups/internal/backend"
	"cpdbcups/internal/ipptest"
	"cpdbcups/internal/jobs"
	"cpdbcups/internal/model"
	"cpdbcups/internal/printer"
	"cpdbcups/internal/session"
	"cpdbcups/internal/spool"
)

type sent struct {
	kind  string
	dest  string
	id    string
	state string
}

type recorder struct {
	mu     sync.Mutex
	events []sent
}

func (r *recorder) PrinterAdded(dest string, p model.PrinterSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{kind: "added", dest: dest, id: p.ID, state: p.State})
}

func (r *recorder) PrinterRemoved(dest, id, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{kind: "removed", dest: dest, id: id})
}

func (r *recorder) PrinterStateChanged(dest, id, state string, _ bool, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{kind: "state", dest: dest, id: id, state: state})
}

func (r *recorder) take() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

type catalog struct {
	mu    sync.Mutex
	dests map[string]backend.Dest
}

func (c *catalog) set(dests ...backend.Dest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dests = map[string]backend.Dest{}
	for _, d := range dests {
		c.dests[d.Name] = d
	}
}

func (c *catalog) Enumerate(_ context.Context, filter backend.Filter) (map[string]backend.Dest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]backend.Dest{}
	for name, d := range c.dests {
		if filter.ExcludeRemote && d.IsRemote() {
			continue
		}
		out[name] = d
	}
	return out, nil
}

func queue(name string, remote bool) backend.Dest {
	d := backend.Dest{Name: name, Options: map[string]string{
		"printer-uri-supported":     "ipp://localhost/printers/" + name,
		"printer-state":             "3",
		"printer-is-accepting-jobs": "true",
		"printer-info":              name + " info",
	}}
	if remote {
		d.Options["printer-type"] = "2"
	}
	return d
}

type staticDefault string

func (s staticDefault) DefaultPrinter(context.Context) string { return string(s) }

func scheduler(req *goipp.Message, _ []byte, _ string) *goipp.Message {
	switch goipp.Op(req.Code) {
	case goipp.OpGetPrinterAttributes:
		return ipptest.OK(req, goipp.Attributes{
			goipp.MakeAttribute("printer-state", goipp.TagEnum, goipp.Integer(4)),
			ipptest.Keywords("job-creation-attributes-supported", "copies", "sides"),
			ipptest.Keywords("sides-supported", "one-sided", "two-sided-long-edge"),
			goipp.MakeAttribute("sides-default", goipp.TagKeyword, goipp.String("one-sided")),
		})
	case goipp.OpCreateJob:
		resp := ipptest.OK(req, nil)
		resp.Job.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(7)))
		return resp
	case goipp.OpSendDocument, goipp.OpCancelJob:
		return ipptest.OK(req, nil)
	case goipp.OpGetJobs:
		job := goipp.Attributes{
			goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(7)),
			goipp.MakeAttribute("job-name", goipp.TagName, goipp.String("report")),
			goipp.MakeAttribute("job-state", goipp.TagEnum, goipp.Integer(5)),
			goipp.MakeAttribute("job-printer-uri", goipp.TagURI, goipp.String("ipp://localhost/printers/Office")),
		}
		groups := goipp.Groups{
			{Tag: goipp.TagOperationGroup, Attrs: ipptest.OK(req, nil).Operation},
			{Tag: goipp.TagJobGroup, Attrs: job},
		}
		return goipp.NewMessageWithGroups(req.Version, goipp.Code(goipp.StatusOk), req.RequestID, groups)
	}
	return ipptest.Status(req, goipp.StatusErrorOperationNotSupported)
}

func newTestServer(t *testing.T) (*Server, *catalog, *recorder, *ipptest.Server) {
	t.Helper()
	ipp := ipptest.NewServer(t, scheduler)
	client := ipp.Client(t)
	dir, err := os.MkdirTemp("", "sv")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cat := &catalog{}
	rec := &recorder{}
	reg := session.NewRegistry(&printer.Env{Client: client})
	t.Cleanup(reg.Close)
	streamer := jobs.New(client, spool.Spool{Dir: filepath.Join(dir, "s")}, nil)
	t.Cleanup(streamer.Close)
	srv := &Server{
		Registry: reg,
		Notifier: &session.Notifier{Registry: reg, Catalog: cat, Emitter: rec},
		Jobs:     streamer,
		Defaults: staticDefault("Office"),
	}
	return srv, cat, rec, ipp
}

func TestGetPrinterListRegistersSession(t *testing.T) {
	srv, cat, rec, _ := newTestServer(t)
	cat.set(queue("Office", false), queue("Lab", true))

	list := srv.GetPrinterList(":1.4")
	if len(list) != 2 || list[0].ID != "Lab" || list[1].Info != "Office info" {
		t.Fatalf("list = %#v", list)
	}
	if _, ok := srv.Registry.Find(":1.4"); !ok {
		t.Fatal("session not registered")
	}
	if events := rec.take(); len(events) != 0 {
		t.Fatalf("list emitted %#v", events)
	}
}

func TestUnknownPrinterAndSession(t *testing.T) {
	srv, cat, _, _ := newTestServer(t)
	cat.set(queue("Office", false))

	if _, err := srv.GetPrinterState("nobody", "Office"); !errors.Is(err, session.ErrUnknownSession) {
		t.Fatalf("err = %v", err)
	}
	srv.GetPrinterList(":1.1")
	if _, err := srv.GetPrinterState(":1.1", "Ghost"); !errors.Is(err, session.ErrUnknownPrinter) {
		t.Fatalf("err = %v", err)
	}
	state, err := srv.GetPrinterState(":1.1", "Office")
	if err != nil || state != model.StatePrinting {
		t.Fatalf("state = %q, %v", state, err)
	}
	accepting, err := srv.IsAcceptingJobs(":1.1", "Office")
	if err != nil || !accepting {
		t.Fatalf("accepting = %v, %v", accepting, err)
	}
}

func TestGetAllOptions(t *testing.T) {
	srv, cat, _, _ := newTestServer(t)
	cat.set(queue("Office", false))
	srv.GetPrinterList(":1.1")

	opts, _, err := srv.GetAllOptions(":1.1", "Office")
	if err != nil {
		t.Fatal(err)
	}
	var sides *model.Option
	for i := range opts {
		if opts[i].Name == "sides" {
			sides = &opts[i]
		}
	}
	if sides == nil || sides.DefaultValue != "one-sided" || len(sides.SupportedValues) != 2 {
		t.Fatalf("options = %#v", opts)
	}
}

func TestHideRemoteResendsList(t *testing.T) {
	srv, cat, rec, _ := newTestServer(t)
	cat.set(queue("Office", false), queue("Lab", true))
	srv.GetPrinterList(":1.2")

	if err := srv.SetRemoteVisible(":1.2", false); err != nil {
		t.Fatal(err)
	}
	events := rec.take()
	if len(events) != 1 || events[0].kind != "removed" || events[0].id != "Lab" || events[0].dest != ":1.2" {
		t.Fatalf("events = %#v", events)
	}
	if err := srv.SetRemoteVisible(":1.2", true); err != nil {
		t.Fatal(err)
	}
	events = rec.take()
	if len(events) != 1 || events[0].kind != "added" || events[0].id != "Lab" {
		t.Fatalf("events = %#v", events)
	}
}

func TestDoListing(t *testing.T) {
	srv, cat, rec, _ := newTestServer(t)
	cat.set(queue("Office", false))

	if err := srv.DoListing(":1.3", true); err != nil {
		t.Fatal(err)
	}
	if events := rec.take(); len(events) != 1 || events[0].kind != "added" {
		t.Fatalf("events = %#v", events)
	}
	if err := srv.DoListing(":1.3", false); err != nil {
		t.Fatal(err)
	}
	sess, _ := srv.Registry.Find(":1.3")
	if !sess.Cancelled() {
		t.Fatal("listing not cancelled")
	}
	if err := srv.DoListing(":1.3", true); err != nil {
		t.Fatal(err)
	}
	if sess.Cancelled() {
		t.Fatal("listing still cancelled")
	}
}

func TestPrintSocket(t *testing.T) {
	srv, cat, _, ipp := newTestServer(t)
	cat.set(queue("Office", false))
	srv.GetPrinterList(":1.5")

	if id, path, err := srv.PrintSocket(":1.5", "Ghost", nil, "x"); !errors.Is(err, session.ErrUnknownPrinter) || id != "0" || path != "" {
		t.Fatalf("unknown printer: %q %q %v", id, path, err)
	}
	id, path, err := srv.PrintSocket(":1.5", "Office", map[string]string{"copies": "1"}, "report")
	if err != nil || id != "7" || path == "" {
		t.Fatalf("print: %q %q %v", id, path, err)
	}
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = conn.Write([]byte("%PDF-1.4"))
	_ = conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Jobs.Wait(ctx, 7); err != nil {
		t.Fatal(err)
	}
	if ipp.Count(goipp.OpSendDocument) != 1 {
		t.Fatal("document not sent")
	}
}

func TestJobMethods(t *testing.T) {
	srv, _, _, ipp := newTestServer(t)

	list := srv.GetAllJobs(":1.6", true)
	if len(list) != 1 || list[0].ID != 7 || list[0].Printer != "Office" || list[0].State != "printing" {
		t.Fatalf("jobs = %#v", list)
	}
	if n := srv.GetActiveJobsCount(":1.6"); n != 1 {
		t.Fatalf("count = %d", n)
	}
	if !srv.CancelJob(":1.6", "7", "Office") {
		t.Fatal("cancel refused")
	}
	if srv.CancelJob(":1.6", "seven", "Office") {
		t.Fatal("non-numeric id accepted")
	}
	if ipp.Count(goipp.OpCancelJob) != 1 {
		t.Fatalf("cancel requests = %d", ipp.Count(goipp.OpCancelJob))
	}
}

func TestKeepAliveAndReplace(t *testing.T) {
	srv, cat, _, _ := newTestServer(t)
	cat.set(queue("Office", false))
	srv.GetPrinterList(":1.7")
	srv.GetPrinterList(":1.8")

	if err := srv.KeepAlive(":1.7"); err != nil {
		t.Fatal(err)
	}
	if srv.FrontendGone(":1.7") {
		t.Fatal("kept-alive session removed")
	}
	if !srv.FrontendGone(":1.8") || srv.FrontendGone(":1.8") {
		t.Fatal("session should be removed exactly once")
	}
	if err := srv.Replace(":1.9", ":1.7"); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.GetPrinterState(":1.9", "Office"); err != nil {
		t.Fatalf("replaced session lost its printers: %v", err)
	}
	if err := srv.Replace(":2.0", ":1.8"); !errors.Is(err, session.ErrUnknownSession) {
		t.Fatalf("err = %v", err)
	}
}

func TestGetDefaultPrinter(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	if got := srv.GetDefaultPrinter(":1.1"); got != "Office" {
		t.Fatalf("default = %q", got)
	}
	srv.Defaults = nil
	if got := srv.GetDefaultPrinter(":1.1"); got != model.NA {
		t.Fatalf("default = %q", got)
	}
}
