// Package printer answers capability questions about one destination: its
// options, defaults, media, state and translations.
package printer

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"

	goipp "github.com/OpenPrinting/goipp"

	"cpdbcups/internal/backend"
	"cpdbcups/internal/cupsclient"
	"cpdbcups/internal/logging"
	"cpdbcups/internal/model"
)

// Env is what every record needs from the process: the scheduler client to
// clone connections from, where generic string catalogs live and how to
// probe devices CUPS cannot reach.
type Env struct {
	Client     *cupsclient.Client
	CatalogDir string
	Prober     *backend.StateProber
}

// Printer is one destination as seen by one session. Its connection and
// capability cache are created on first use and never shared with other
// sessions.
type Printer struct {
	Dest backend.Dest
	env  *Env

	mu   sync.Mutex
	conn *cupsclient.Client
	uri  string
	caps goipp.Attributes
}

func New(dest backend.Dest, env *Env) *Printer {
	if env == nil {
		env = &Env{}
	}
	return &Printer{Dest: dest, env: env}
}

func (p *Printer) Name() string { return p.Dest.Name }

// Close drops the record's connection. The record can still be used; a new
// connection is made on demand.
func (p *Printer) Close() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.caps = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Conn returns the record's connection and the printer-uri to address it
// with, connecting on first use. Temporary destinations are reached at
// their device URI.
func (p *Printer) Conn() (*cupsclient.Client, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connLocked()
}

func (p *Printer) connLocked() (*cupsclient.Client, string, error) {
	if p.conn != nil {
		return p.conn, p.uri, nil
	}
	base := p.env.Client
	if base == nil {
		return nil, "", backend.WrapUnsupported("connect", p.Dest.Name, nil)
	}
	if p.Dest.IsTemporary() {
		if conn, ok := directClient(base, p.Dest.DeviceURI); ok {
			p.conn, p.uri = conn, p.Dest.DeviceURI
			return p.conn, p.uri, nil
		}
	}
	p.conn = base.Clone()
	p.uri = p.conn.PrinterURI(p.Dest.Name)
	return p.conn, p.uri, nil
}

func directClient(base *cupsclient.Client, deviceURI string) (*cupsclient.Client, bool) {
	u, err := url.Parse(strings.TrimSpace(deviceURI))
	if err != nil || u.Host == "" {
		return nil, false
	}
	var tls bool
	switch strings.ToLower(u.Scheme) {
	case "ipp":
	case "ipps":
		tls = true
	default:
		return nil, false
	}
	port := 631
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	conn := base.Clone()
	conn.Host = u.Hostname()
	conn.Port = port
	conn.Socket = ""
	conn.UseTLS = tls
	return conn, true
}

// attributes runs one Get-Printer-Attributes against the record.
func (p *Printer) attributes(ctx context.Context, requested ...string) (goipp.Attributes, error) {
	conn, uri, err := p.Conn()
	if err != nil {
		return nil, err
	}
	req := conn.NewRequest(goipp.OpGetPrinterAttributes)
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(uri)))
	if len(requested) > 0 {
		vals := make([]goipp.Value, 0, len(requested))
		for _, name := range requested {
			vals = append(vals, goipp.String(name))
		}
		req.Operation.Add(goipp.MakeAttr("requested-attributes", goipp.TagKeyword, vals[0], vals[1:]...))
	}
	resp, err := conn.Do(ctx, req)
	if err != nil {
		return nil, backend.Wrap("Get-Printer-Attributes", p.Dest.Name, err)
	}
	var out goipp.Attributes
	for _, attrs := range cupsclient.GroupAttrs(resp, goipp.TagPrinterGroup) {
		out = append(out, attrs...)
	}
	return out, nil
}

// capabilities returns the cached job template and description attributes,
// fetching them on first use.
func (p *Printer) capabilities(ctx context.Context) goipp.Attributes {
	p.mu.Lock()
	caps := p.caps
	p.mu.Unlock()
	if caps != nil {
		return caps
	}
	caps, err := p.attributes(ctx, "job-template", "printer-description", "media-col-database")
	if err != nil {
		logging.Warnf("%v", err)
		return nil
	}
	if caps == nil {
		caps = goipp.Attributes{}
	}
	p.mu.Lock()
	p.caps = caps
	p.mu.Unlock()
	return caps
}

func (p *Printer) findSupported(ctx context.Context, name string) (goipp.Attribute, bool) {
	return cupsclient.LookupAttr(p.capabilities(ctx), name+"-supported")
}

func (p *Printer) findDefault(ctx context.Context, name string) (goipp.Attribute, bool) {
	attr, ok := cupsclient.LookupAttr(p.capabilities(ctx), name+"-default")
	if !ok || !cupsclient.HasValue(attr) {
		return goipp.Attribute{}, false
	}
	return attr, true
}

// State asks the printer for printer-state. Temporary network destinations
// fall back to SNMP when IPP does not answer.
func (p *Printer) State(ctx context.Context) string {
	attrs, err := p.attributes(ctx, "printer-state")
	if err == nil {
		if attr, ok := cupsclient.LookupAttr(attrs, "printer-state"); ok && len(attr.Values) > 0 {
			if n, ok := attr.Values[0].V.(goipp.Integer); ok {
				return model.PrinterStateName(int(n))
			}
		}
		return model.NA
	}
	logging.Warnf("%v", err)
	if p.Dest.IsTemporary() && p.env.Prober != nil && p.Dest.DeviceURI != "" {
		state, perr := p.env.Prober.ProbeState(ctx, p.Dest.DeviceURI)
		if perr == nil {
			return state
		}
		logging.Debugf("%v", perr)
	}
	return model.NA
}

func (p *Printer) IsAcceptingJobs() bool {
	return p.Dest.Accepting()
}

// Summary is the row frontends see for this record.
func (p *Printer) Summary() model.PrinterSummary {
	return p.Dest.Summary()
}
