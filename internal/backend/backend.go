package backend

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"cpdbcups/internal/logging"
	"cpdbcups/internal/model"
)

// CUPS printer-type bits used for filtering.
const (
	PrinterTypeLocal  = 0x0000
	PrinterTypeRemote = 0x0002
)

// Dest mirrors a CUPS destination: a name plus the flat option set the
// scheduler reported for it.
type Dest struct {
	Name      string
	DeviceURI string
	Options   map[string]string
}

// IsTemporary reports whether the destination has not been materialized
// as a CUPS queue yet. Such entries carry no printer-uri-supported.
func (d Dest) IsTemporary() bool {
	_, ok := d.Options["printer-uri-supported"]
	return !ok
}

func (d Dest) IsRemote() bool {
	n, err := strconv.Atoi(strings.TrimSpace(d.Options["printer-type"]))
	return err == nil && n&PrinterTypeRemote != 0
}

func (d Dest) Option(name string) (string, bool) {
	v, ok := d.Options[name]
	return v, ok
}

func (d Dest) Accepting() bool {
	return strings.EqualFold(strings.TrimSpace(d.Options["printer-is-accepting-jobs"]), "true")
}

func (d Dest) StateName() string {
	n, err := strconv.Atoi(strings.TrimSpace(d.Options["printer-state"]))
	if err != nil {
		return model.NA
	}
	return model.PrinterStateName(n)
}

// Summary is the row frontends see for this destination.
func (d Dest) Summary() model.PrinterSummary {
	return model.PrinterSummary{
		ID:            d.Name,
		Name:          d.Name,
		Info:          d.Options["printer-info"],
		Location:      d.Options["printer-location"],
		MakeModel:     d.Options["printer-make-and-model"],
		AcceptingJobs: d.Accepting(),
		State:         d.StateName(),
		BackendTag:    model.BackendTag,
	}
}

type Filter struct {
	ExcludeRemote    bool
	ExcludeTemporary bool
}

func (f Filter) allows(d Dest) bool {
	if f.ExcludeRemote && d.IsRemote() {
		return false
	}
	if f.ExcludeTemporary && d.IsTemporary() {
		return false
	}
	return true
}

// Source produces destinations. yield returns false when the caller wants
// the source to stop early.
type Source interface {
	Name() string
	Enumerate(ctx context.Context, filter Filter, yield func(Dest) bool) error
}

// Catalog enumerates destinations across its sources. The first source to
// report a name wins.
type Catalog struct {
	Sources         []Source
	Timeout         time.Duration
	FilteredTimeout time.Duration
}

func NewCatalog(sources ...Source) *Catalog {
	return &Catalog{Sources: sources, Timeout: 3 * time.Second, FilteredTimeout: time.Second}
}

// Enumerate takes a bounded-time snapshot of every reachable destination.
// ctx is checked between rows; when it is cancelled the rows seen so far
// are returned together with ctx.Err(). Running out of scan time is not an
// error.
func (c *Catalog) Enumerate(ctx context.Context, filter Filter) (map[string]Dest, error) {
	timeout := c.Timeout
	if (filter.ExcludeRemote || filter.ExcludeTemporary) && c.FilteredTimeout > 0 {
		timeout = c.FilteredTimeout
	}
	scanCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out := map[string]Dest{}
	for _, src := range c.Sources {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if scanCtx.Err() != nil {
			break
		}
		err := src.Enumerate(scanCtx, filter, func(d Dest) bool {
			if ctx.Err() != nil || scanCtx.Err() != nil {
				return false
			}
			if d.Name == "" || !filter.allows(d) {
				return true
			}
			if _, seen := out[d.Name]; !seen {
				out[d.Name] = d
			}
			return true
		})
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logging.Warnf("enumerate %s: %v", src.Name(), err)
		}
	}
	return out, nil
}
