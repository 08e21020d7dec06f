package jobs

import (
	"sort"
	"strconv"
	"strings"

	goipp "github.com/OpenPrinting/goipp"

	"cpdbcups/internal/model"
	"cpdbcups/internal/printer"
)

var integerOptions = map[string]bool{
	"copies":              true,
	"job-priority":        true,
	"number-up":           true,
	"number-of-retries":   true,
	"retry-interval":      true,
	"retry-time-out":      true,
	"job-cancel-after":    true,
	"media-left-margin":   true,
	"media-right-margin":  true,
	"media-top-margin":    true,
	"media-bottom-margin": true,
}

// JobAttributes converts the frontend's name/value settings into typed job
// template attributes. Values the frontend could not resolve ("NA" or
// empty) are left for the printer to default.
func JobAttributes(options map[string]string) []goipp.Attribute {
	if len(options) == 0 {
		return nil
	}
	opts := make(map[string]string, len(options))
	for k, v := range options {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" || v == "" || v == model.NA {
			continue
		}
		opts[k] = v
	}

	template := opts["finishing-template"]
	ignoreFinishings := template != "" && !strings.EqualFold(template, "none")
	out := []goipp.Attribute{}
	if ignoreFinishings {
		col := goipp.Collection{}
		col.Add(goipp.MakeAttribute("finishing-template", finishingTemplateTag(template), goipp.String(template)))
		out = append(out, goipp.MakeAttribute("finishings-col", goipp.TagBeginCollection, col))
	}
	if mode := strings.ToLower(opts["output-mode"]); mode == "color" || mode == "monochrome" {
		if _, ok := opts["print-color-mode"]; !ok {
			opts["print-color-mode"] = mode
		}
	}

	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := opts[k]
		switch {
		case k == "finishing-template" || k == "output-mode":
			continue
		case integerOptions[k]:
			if n, err := strconv.Atoi(v); err == nil {
				out = append(out, goipp.MakeAttribute(k, goipp.TagInteger, goipp.Integer(n)))
			}
		case k == "orientation-requested":
			// automatic-rotation is the absence of the attribute
			if n, ok := printer.EncodeOrientation(v); ok && n != 0 {
				out = append(out, goipp.MakeAttribute(k, goipp.TagEnum, goipp.Integer(n)))
			}
		case k == "print-quality":
			if n, ok := printer.EnumValue(k, v); ok {
				out = append(out, goipp.MakeAttribute(k, goipp.TagEnum, goipp.Integer(n)))
			}
		case k == "finishings":
			if ignoreFinishings {
				continue
			}
			if enums := parseFinishingsEnums(v); len(enums) > 0 {
				vals := make([]goipp.Value, 0, len(enums))
				for _, n := range enums {
					vals = append(vals, goipp.Integer(n))
				}
				out = append(out, goipp.MakeAttr(k, goipp.TagEnum, vals[0], vals[1:]...))
			} else {
				out = append(out, goipp.MakeAttribute(k, goipp.TagKeyword, goipp.String(v)))
			}
		case k == "page-ranges":
			if ranges, ok := parseRangesList(v); ok {
				vals := make([]goipp.Value, 0, len(ranges))
				for _, r := range ranges {
					vals = append(vals, r)
				}
				out = append(out, goipp.MakeAttr(k, goipp.TagRange, vals[0], vals[1:]...))
			} else {
				out = append(out, goipp.MakeAttribute(k, goipp.TagKeyword, goipp.String(v)))
			}
		case k == "job-sheets":
			parts := splitList(v, 2)
			if len(parts) == 0 {
				continue
			}
			vals := make([]goipp.Value, 0, len(parts))
			for _, p := range parts {
				vals = append(vals, goipp.String(p))
			}
			out = append(out, goipp.MakeAttr(k, goipp.TagKeyword, vals[0], vals[1:]...))
		case k == "printer-resolution":
			if res, ok := parseResolution(v); ok {
				out = append(out, goipp.MakeAttribute(k, goipp.TagResolution, res))
			}
		case k == "billing-info" || k == "job-name":
			out = append(out, goipp.MakeAttribute(k, goipp.TagText, goipp.String(v)))
		case v == "true" || v == "false":
			out = append(out, goipp.MakeAttribute(k, goipp.TagBoolean, goipp.Boolean(v == "true")))
		default:
			out = append(out, goipp.MakeAttribute(k, goipp.TagKeyword, goipp.String(v)))
		}
	}
	return out
}

func parseRange(value string) (goipp.Range, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return goipp.Range{}, false
	}
	parts := strings.SplitN(value, "-", 2)
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || start <= 0 {
		return goipp.Range{}, false
	}
	end := start
	if len(parts) == 2 {
		if v := strings.TrimSpace(parts[1]); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < start {
				return goipp.Range{}, false
			}
			end = n
		}
	}
	return goipp.Range{Lower: start, Upper: end}, true
}

func parseRangesList(value string) ([]goipp.Range, bool) {
	parts := strings.Split(strings.TrimSpace(value), ",")
	out := make([]goipp.Range, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		r, ok := parseRange(part)
		if !ok {
			return nil, false
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// parseFinishingsEnums accepts numbers or registered finishing keywords.
func parseFinishingsEnums(value string) []int {
	parts := splitList(value, 0)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, ok := printer.EnumValue("finishings", p)
		if !ok {
			return nil
		}
		out = append(out, n)
	}
	return out
}

func finishingTemplateTag(value string) goipp.Tag {
	if strings.ContainsAny(value, " ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		return goipp.TagName
	}
	return goipp.TagKeyword
}

func splitList(value string, max int) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, p)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

// parseResolution reads "600dpi", "600x1200dpi" or the dpcm forms.
func parseResolution(value string) (goipp.Resolution, bool) {
	v := strings.TrimSpace(strings.ToLower(value))
	units := goipp.UnitsDpi
	switch {
	case strings.HasSuffix(v, "dpcm"):
		units = goipp.UnitsDpcm
		v = strings.TrimSuffix(v, "dpcm")
	default:
		v = strings.TrimSuffix(v, "dpi")
	}
	parts := strings.Split(v, "x")
	if len(parts) > 2 {
		return goipp.Resolution{}, false
	}
	x, err := strconv.Atoi(parts[0])
	if err != nil || x <= 0 {
		return goipp.Resolution{}, false
	}
	y := x
	if len(parts) == 2 {
		y, err = strconv.Atoi(parts[1])
		if err != nil || y <= 0 {
			return goipp.Resolution{}, false
		}
	}
	return goipp.Resolution{Xres: x, Yres: y, Units: units}, true
}
