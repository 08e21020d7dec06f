package backend

import (
	"context"
	"strconv"
	"strings"

	goipp "github.com/OpenPrinting/goipp"

	"cpdbcups/internal/cupsclient"
)

// destAttributes are requested for every queue; the *-default job template
// values become dest options so defaults resolve without another round
// trip.
var destAttributes = []string{
	"printer-name",
	"printer-info",
	"printer-location",
	"printer-make-and-model",
	"printer-state",
	"printer-state-reasons",
	"printer-is-accepting-jobs",
	"printer-type",
	"printer-uri-supported",
	"device-uri",
	"printer-is-shared",
	"copies-default",
	"document-format-default",
	"finishings-default",
	"job-hold-until-default",
	"job-priority-default",
	"job-sheets-default",
	"media-default",
	"media-source-default",
	"media-type-default",
	"number-up-default",
	"orientation-requested-default",
	"output-bin-default",
	"print-color-mode-default",
	"print-quality-default",
	"printer-resolution-default",
	"sides-default",
}

// CUPSSource lists the scheduler's queues with CUPS-Get-Printers.
type CUPSSource struct {
	Client *cupsclient.Client
}

func (s *CUPSSource) Name() string { return "cups" }

func (s *CUPSSource) Enumerate(ctx context.Context, filter Filter, yield func(Dest) bool) error {
	req := s.Client.NewRequest(goipp.OpCupsGetPrinters)
	vals := make([]goipp.Value, 0, len(destAttributes))
	for _, name := range destAttributes {
		vals = append(vals, goipp.String(name))
	}
	req.Operation.Add(goipp.MakeAttr("requested-attributes", goipp.TagKeyword, vals[0], vals[1:]...))
	if filter.ExcludeRemote {
		req.Operation.Add(goipp.MakeAttribute("printer-type", goipp.TagEnum, goipp.Integer(PrinterTypeLocal)))
		req.Operation.Add(goipp.MakeAttribute("printer-type-mask", goipp.TagEnum, goipp.Integer(PrinterTypeRemote)))
	}
	if s.Client.User != "" {
		req.Operation.Add(goipp.MakeAttribute("requesting-user-name", goipp.TagName, goipp.String(s.Client.User)))
	}

	resp, err := s.Client.Send(ctx, req, nil)
	if err != nil {
		return Wrap("CUPS-Get-Printers", "", err)
	}
	// cupsd answers not-found when there are no queues at all
	if goipp.Status(resp.Code) == goipp.StatusErrorNotFound {
		return nil
	}
	if err := cupsclient.StatusError(resp); err != nil {
		return WrapPermanent("CUPS-Get-Printers", "", err)
	}
	for _, attrs := range cupsclient.GroupAttrs(resp, goipp.TagPrinterGroup) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d, ok := destFromAttrs(attrs)
		if !ok {
			continue
		}
		if !yield(d) {
			return nil
		}
	}
	return nil
}

func destFromAttrs(attrs goipp.Attributes) (Dest, bool) {
	d := Dest{Options: map[string]string{}}
	for _, attr := range attrs {
		if !cupsclient.HasValue(attr) {
			continue
		}
		switch attr.Name {
		case "printer-name":
			d.Name = attr.Values[0].V.String()
			continue
		case "device-uri":
			d.DeviceURI = attr.Values[0].V.String()
		}
		d.Options[optionName(attr.Name)] = optionString(attr)
	}
	return d, d.Name != ""
}

// optionName files job template defaults under the bare option name, the
// way cupsGetDests does.
func optionName(attr string) string {
	if strings.HasSuffix(attr, "-default") {
		return strings.TrimSuffix(attr, "-default")
	}
	return attr
}

// optionString flattens a multi-valued attribute the way CUPS stores dest
// options: comma separated.
func optionString(attr goipp.Attribute) string {
	out := ""
	for i, v := range attr.Values {
		if i > 0 {
			out += ","
		}
		switch val := v.V.(type) {
		case goipp.Integer:
			out += strconv.Itoa(int(val))
		case goipp.Boolean:
			if val {
				out += "true"
			} else {
				out += "false"
			}
		default:
			out += v.V.String()
		}
	}
	return out
}
