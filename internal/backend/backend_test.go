package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	goipp "github.com/OpenPrinting/goipp"
	"github.com/gosnmp/gosnmp"

	"cpdbcups/internal/cupsclient"
	"cpdbcups/internal/model"
)

type staticSource struct {
	name  string
	dests []Dest
	// onRow runs after each yielded row
	onRow func(i int)
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Enumerate(ctx context.Context, filter Filter, yield func(Dest) bool) error {
	for i, d := range s.dests {
		if !yield(d) {
			return nil
		}
		if s.onRow != nil {
			s.onRow(i)
		}
	}
	return nil
}

func queue(name string, ptype string) Dest {
	return Dest{Name: name, Options: map[string]string{
		"printer-uri-supported": "ipp://localhost/printers/" + name,
		"printer-type":          ptype,
		"printer-state":         "3",
	}}
}

func TestCatalogFiltersAndFirstSourceWins(t *testing.T) {
	temp := Dest{Name: "Lab", Options: map[string]string{"printer-info": "from dnssd"}}
	dup := Dest{Name: "Office", Options: map[string]string{"printer-info": "dnssd copy"}}
	cat := NewCatalog(
		&staticSource{name: "cups", dests: []Dest{queue("Office", "4"), queue("Remote", "6")}},
		&staticSource{name: "dnssd", dests: []Dest{temp, dup}},
	)

	all, err := cat.Enumerate(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d dests, want 3", len(all))
	}
	if all["Office"].IsTemporary() {
		t.Fatal("cups queue should win over dnssd duplicate")
	}

	local, _ := cat.Enumerate(context.Background(), Filter{ExcludeRemote: true})
	if _, ok := local["Remote"]; ok {
		t.Fatal("remote queue should be filtered")
	}
	if len(local) != 2 {
		t.Fatalf("local = %v", keys(local))
	}

	persistent, _ := cat.Enumerate(context.Background(), Filter{ExcludeRemote: true, ExcludeTemporary: true})
	if len(persistent) != 1 {
		t.Fatalf("persistent = %v", keys(persistent))
	}
}

func TestCatalogStopsBetweenRowsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &staticSource{name: "cups", dests: []Dest{queue("A", "0"), queue("B", "0"), queue("C", "0")}}
	src.onRow = func(i int) {
		if i == 0 {
			cancel()
		}
	}
	got, err := NewCatalog(src).Enumerate(ctx, Filter{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %v, want only the row before cancellation", keys(got))
	}
}

func TestDestSummary(t *testing.T) {
	d := Dest{Name: "Office", Options: map[string]string{
		"printer-info":              "Front desk",
		"printer-location":          "Lobby",
		"printer-make-and-model":    "ACME 9000",
		"printer-is-accepting-jobs": "true",
		"printer-state":             "4",
	}}
	s := d.Summary()
	if s.ID != "Office" || s.Info != "Front desk" || s.Location != "Lobby" || s.MakeModel != "ACME 9000" {
		t.Fatalf("summary = %#v", s)
	}
	if !s.AcceptingJobs || s.State != model.StatePrinting || s.BackendTag != "CUPS" {
		t.Fatalf("summary state = %#v", s)
	}
	if (Dest{Name: "x", Options: map[string]string{"printer-state": "9"}}).StateName() != model.NA {
		t.Fatal("unknown printer-state should be NA")
	}
}

func newCUPSServer(t *testing.T, handle func(req *goipp.Message) *goipp.Message) *cupsclient.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req goipp.Message
		if err := req.Decode(r.Body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", goipp.ContentType)
		_ = handle(&req).Encode(w)
	}))
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)
	return cupsclient.NewFromConfig(cupsclient.WithServer(u.Host))
}

func printerGroup(name string, ptype int, state int) goipp.Group {
	attrs := goipp.Attributes{}
	attrs.Add(goipp.MakeAttribute("printer-name", goipp.TagName, goipp.String(name)))
	attrs.Add(goipp.MakeAttribute("printer-type", goipp.TagEnum, goipp.Integer(ptype)))
	attrs.Add(goipp.MakeAttribute("printer-state", goipp.TagEnum, goipp.Integer(state)))
	attrs.Add(goipp.MakeAttribute("printer-is-accepting-jobs", goipp.TagBoolean, goipp.Boolean(true)))
	attrs.Add(goipp.MakeAttribute("printer-uri-supported", goipp.TagURI, goipp.String("ipp://localhost/printers/"+name)))
	attrs.Add(goipp.MakeAttr("sides-default", goipp.TagKeyword, goipp.String("one-sided")))
	return goipp.Group{Tag: goipp.TagPrinterGroup, Attrs: attrs}
}

func TestCUPSSourceSendsRemoteMask(t *testing.T) {
	var sawMask bool
	client := newCUPSServer(t, func(req *goipp.Message) *goipp.Message {
		if goipp.Op(req.Code) != goipp.OpCupsGetPrinters {
			t.Errorf("unexpected op %v", goipp.Op(req.Code))
		}
		sawMask = cupsclient.FindInt(req.Operation, "printer-type-mask") == PrinterTypeRemote
		resp := goipp.NewResponse(req.Version, goipp.StatusOk, req.RequestID)
		resp.Groups = append(resp.Groups, printerGroup("Office", 0x1004, 3), printerGroup("Upstairs", 0x1006, 5))
		return resp
	})

	got, err := NewCatalog(&CUPSSource{Client: client}).Enumerate(context.Background(), Filter{ExcludeRemote: true})
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if !sawMask {
		t.Fatal("printer-type-mask not sent")
	}
	if _, ok := got["Upstairs"]; ok || len(got) != 1 {
		t.Fatalf("got %v, want only Office", keys(got))
	}
	office := got["Office"]
	if office.IsTemporary() || office.StateName() != model.StateIdle || !office.Accepting() {
		t.Fatalf("office = %#v", office)
	}
	if office.Options["sides"] != "one-sided" {
		t.Fatalf("sides = %q", office.Options["sides"])
	}
}

func TestCUPSSourceSkipsNoValueDefaults(t *testing.T) {
	client := newCUPSServer(t, func(req *goipp.Message) *goipp.Message {
		group := printerGroup("Office", 0x1004, 3)
		group.Attrs.Add(goipp.MakeAttribute("orientation-requested-default", goipp.TagNoValue, goipp.Void{}))
		group.Attrs.Add(goipp.MakeAttribute("output-bin-default", goipp.TagUnknown, goipp.Void{}))
		resp := goipp.NewResponse(req.Version, goipp.StatusOk, req.RequestID)
		resp.Groups = append(resp.Groups, group)
		return resp
	})
	got, err := NewCatalog(&CUPSSource{Client: client}).Enumerate(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	office := got["Office"]
	for _, name := range []string{"orientation-requested", "output-bin"} {
		if v, ok := office.Options[name]; ok {
			t.Fatalf("%s stored as %q", name, v)
		}
	}
	if office.Options["sides"] != "one-sided" {
		t.Fatalf("sides = %q", office.Options["sides"])
	}
}

func TestCUPSSourceTreatsNotFoundAsEmpty(t *testing.T) {
	client := newCUPSServer(t, func(req *goipp.Message) *goipp.Message {
		return goipp.NewResponse(req.Version, goipp.StatusErrorNotFound, req.RequestID)
	})
	got, err := NewCatalog(&CUPSSource{Client: client}).Enumerate(context.Background(), Filter{})
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v, %v", keys(got), err)
	}
}

func TestDefaultResolverOrder(t *testing.T) {
	t.Setenv("LPDEST", "")
	t.Setenv("PRINTER", "")
	var mu sync.Mutex
	calls := 0
	serverDefault := "ServerDefault"
	client := newCUPSServer(t, func(req *goipp.Message) *goipp.Message {
		mu.Lock()
		defer mu.Unlock()
		calls++
		resp := goipp.NewResponse(req.Version, goipp.StatusOk, req.RequestID)
		attrs := goipp.Attributes{}
		attrs.Add(goipp.MakeAttribute("printer-name", goipp.TagName, goipp.String(serverDefault)))
		resp.Groups = append(resp.Groups, goipp.Group{Tag: goipp.TagPrinterGroup, Attrs: attrs})
		return resp
	})
	lpoptions := filepath.Join(t.TempDir(), "lpoptions")
	r := &DefaultResolver{Client: client, LpoptionsPath: lpoptions}

	if got := r.DefaultPrinter(context.Background()); got != "ServerDefault" {
		t.Fatalf("default = %q, want ServerDefault", got)
	}
	mu.Lock()
	serverDefault = "Moved"
	mu.Unlock()
	if got := r.DefaultPrinter(context.Background()); got != "Moved" {
		t.Fatalf("default = %q, want scheduler change picked up", got)
	}

	if err := os.WriteFile(lpoptions, []byte("Default Mine\n"), 0o644); err != nil {
		t.Fatalf("write lpoptions: %v", err)
	}
	r.Invalidate()
	r.DefaultPrinter(context.Background())
	r.DefaultPrinter(context.Background())
	mu.Lock()
	n := calls
	mu.Unlock()
	if n != 2 {
		t.Fatalf("CUPS-Get-Default called %d times, want 2", n)
	}

	if err := os.WriteFile(lpoptions, []byte("Dest Other sides=one-sided\nDefault Mine/draft copies=2\n"), 0o644); err != nil {
		t.Fatalf("write lpoptions: %v", err)
	}
	r.Invalidate()
	if got := r.DefaultPrinter(context.Background()); got != "Mine" {
		t.Fatalf("default = %q, want Mine", got)
	}

	t.Setenv("LPDEST", "EnvPrinter")
	r.Invalidate()
	if got := r.DefaultPrinter(context.Background()); got != "EnvPrinter" {
		t.Fatalf("default = %q, want EnvPrinter", got)
	}
}

func TestDefaultResolverWatchInvalidates(t *testing.T) {
	t.Setenv("LPDEST", "")
	t.Setenv("PRINTER", "")
	lpoptions := filepath.Join(t.TempDir(), "lpoptions")
	if err := os.WriteFile(lpoptions, []byte("Default First\n"), 0o644); err != nil {
		t.Fatalf("write lpoptions: %v", err)
	}
	r := &DefaultResolver{LpoptionsPath: lpoptions}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Watch(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if got := r.DefaultPrinter(ctx); got != "First" {
		t.Fatalf("default = %q", got)
	}
	if err := os.WriteFile(lpoptions, []byte("Default Second\n"), 0o644); err != nil {
		t.Fatalf("rewrite lpoptions: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.DefaultPrinter(ctx) == "Second" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("default printer cache was not invalidated")
}

func TestStateProberMapsHostResources(t *testing.T) {
	p := NewStateProber("public")
	p.Get = func(_ context.Context, params *gosnmp.GoSNMP, oids []string) (*gosnmp.SnmpPacket, error) {
		if params.Target != "192.0.2.9" {
			t.Errorf("target = %q", params.Target)
		}
		return &gosnmp.SnmpPacket{Variables: []gosnmp.SnmpPDU{
			{Name: oidHrDeviceStatus, Type: gosnmp.Integer, Value: 2},
			{Name: oidHrPrinterStatus, Type: gosnmp.Integer, Value: 4},
		}}, nil
	}
	state, err := p.ProbeState(context.Background(), "ipp://192.0.2.9:631/ipp/print")
	if err != nil || state != model.StatePrinting {
		t.Fatalf("state = %q, %v", state, err)
	}

	if snmpStateName(5, 3) != model.StateStopped {
		t.Fatal("device down should report stopped")
	}
	if _, err := p.ProbeState(context.Background(), "not a uri"); !IsUnsupported(err) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
}

func TestWrapClassifiesErrors(t *testing.T) {
	if !IsTemporary(Wrap("op", "p", context.DeadlineExceeded)) {
		t.Fatal("deadline should be temporary")
	}
	if !IsPermanent(Wrap("op", "p", errors.New("client-error-not-found"))) {
		t.Fatal("status errors should be permanent")
	}
	if Wrap("op", "p", nil) != nil {
		t.Fatal("nil should stay nil")
	}
	err := Wrap("Get-Printer-Attributes", "Office", errors.New("boom"))
	if err.Error() != "Get-Printer-Attributes Office: boom" {
		t.Fatalf("message = %q", err.Error())
	}
}

func keys(m map[string]Dest) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
