package printer

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	goipp "github.com/OpenPrinting/goipp"
	"gopkg.in/yaml.v3"

	"cpdbcups/internal/cupsclient"
	"cpdbcups/internal/model"
)

//go:embed options.yaml
var curatedYAML []byte

type fallbackRule string

const (
	fallbackFirst       fallbackRule = "first"
	fallbackLiteral     fallbackRule = "literal"
	fallbackOrientation fallbackRule = "orientation"
)

type curatedOption struct {
	Name      string       `yaml:"name"`
	Supported []string     `yaml:"supported"`
	Fallback  fallbackRule `yaml:"fallback"`
	Value     string       `yaml:"value"`
}

var (
	curated    = mustLoadCurated(curatedYAML)
	superseded = supersededNames(curated)
)

// extraOptions are always offered even when job-creation-attributes
// leaves them out.
var extraOptions = []string{"media-source", "media-type"}

func mustLoadCurated(data []byte) []curatedOption {
	out, err := loadCurated(data)
	if err != nil {
		panic(err)
	}
	return out
}

func loadCurated(data []byte) ([]curatedOption, error) {
	var out []curatedOption
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("curated options: %w", err)
	}
	for _, c := range out {
		switch c.Fallback {
		case fallbackFirst:
			if len(c.Supported) == 0 {
				return nil, fmt.Errorf("curated option %s: first fallback without values", c.Name)
			}
		case fallbackLiteral:
		case fallbackOrientation:
			if len(c.Supported) != 4 {
				return nil, fmt.Errorf("curated option %s: orientation needs four values", c.Name)
			}
		default:
			return nil, fmt.Errorf("curated option %s: unknown fallback %q", c.Name, c.Fallback)
		}
	}
	return out, nil
}

func supersededNames(opts []curatedOption) map[string]bool {
	out := map[string]bool{"media": true, "media-col": true}
	for _, c := range opts {
		out[c.Name] = true
	}
	return out
}

// Supported returns the printer's supported values for option, rendered as
// strings. An empty result means the printer said nothing about it.
func (p *Printer) Supported(ctx context.Context, option string) []string {
	attr, ok := p.findSupported(ctx, option)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(attr.Values))
	for i := range attr.Values {
		out = append(out, formatAttr(attr, i, option))
	}
	return out
}

// Default resolves the default for option: the destination's own option
// set first, then the printer's <option>-default, then NA.
func (p *Printer) Default(ctx context.Context, option string) string {
	if option == optOrientation {
		return p.orientationDefault(ctx)
	}
	def, hasDef := p.findDefault(ctx, option)
	if v, ok := p.Dest.Option(option); ok {
		if hasDef && def.Values[0].T == goipp.TagEnum {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err == nil {
				return EnumString(option, n)
			}
		}
		return v
	}
	if hasDef {
		return formatAttr(def, 0, option)
	}
	return model.NA
}

// orientationDefault reads a default that is present but not an integer
// as 0, automatic-rotation.
func (p *Printer) orientationDefault(ctx context.Context) string {
	if v, ok := p.Dest.Option(optOrientation); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n == 0 {
			return autoRotation
		}
		return EnumString(optOrientation, n)
	}
	def, ok := cupsclient.LookupAttr(p.capabilities(ctx), optOrientation+"-default")
	if !ok {
		return model.NA
	}
	if !cupsclient.HasValue(def) {
		return autoRotation
	}
	if n, ok := def.Values[0].V.(goipp.Integer); ok {
		return DecodeOrientation(int(n))
	}
	return autoRotation
}

// AllOptions lists every option a frontend can set on this printer: what
// job-creation-attributes declares (plus media-source and media-type), then
// the curated CUPS options.
func (p *Printer) AllOptions(ctx context.Context) []model.Option {
	names := append(p.Supported(ctx, "job-creation-attributes"), extraOptions...)
	seen := map[string]bool{}
	var out []model.Option
	for _, name := range names {
		if superseded[name] || seen[name] || name == model.NA {
			continue
		}
		seen[name] = true
		out = append(out, model.Option{
			Name:            name,
			Group:           GroupOf(name),
			DefaultValue:    p.Default(ctx, name),
			SupportedValues: p.Supported(ctx, name),
		})
	}
	for _, c := range curated {
		out = append(out, model.Option{
			Name:            c.Name,
			Group:           GroupOf(c.Name),
			DefaultValue:    c.resolveDefault(p.Default(ctx, c.Name)),
			SupportedValues: append([]string(nil), c.Supported...),
		})
	}
	for i := range out {
		if out[i].Name == optPrintQuality {
			RemapPrintQuality(&out[i])
		}
	}
	return out
}

func (c curatedOption) resolveDefault(def string) string {
	switch c.Fallback {
	case fallbackOrientation:
		switch def {
		case "portrait":
			return c.Supported[0]
		case "landscape":
			return c.Supported[1]
		case "reverse-landscape":
			return c.Supported[2]
		case "reverse-portrait":
			return c.Supported[3]
		}
		return c.Supported[0]
	case fallbackLiteral:
		if def == model.NA {
			return c.Value
		}
	default:
		if def == model.NA {
			return c.Supported[0]
		}
	}
	return def
}

var qualityNumbers = map[string]string{"draft": "3", "normal": "4", "high": "5"}

// RemapPrintQuality rewrites draft/normal/high to the numeric enum values
// cpdb frontends use. Values that are already numeric are left alone.
func RemapPrintQuality(opt *model.Option) {
	for i, v := range opt.SupportedValues {
		if n, ok := qualityNumbers[strings.ToLower(v)]; ok {
			opt.SupportedValues[i] = n
		}
	}
	if n, ok := qualityNumbers[strings.ToLower(opt.DefaultValue)]; ok {
		opt.DefaultValue = n
	}
}

var optionGroups = map[string]string{
	"media":                      "Media",
	"media-col":                  "Media",
	"media-source":               "Media",
	"media-type":                 "Media",
	"media-left-margin":          "Media",
	"media-right-margin":         "Media",
	"media-top-margin":           "Media",
	"media-bottom-margin":        "Media",
	"copies":                     "Copies",
	"multiple-document-handling": "Copies",
	"page-ranges":                "Copies",
	"job-sheets":                 "Copies",
	"number-up":                  "PageManagement",
	"number-up-layout":           "PageManagement",
	"orientation-requested":      "PageManagement",
	"page-border":                "PageManagement",
	"page-set":                   "PageManagement",
	"position":                   "PageManagement",
	"print-scaling":              "PageManagement",
	"mirror":                     "PageManagement",
	"booklet":                    "PageManagement",
	"sides":                      "PageManagement",
	"print-color-mode":           "Color",
	"print-quality":              "Quality",
	"printer-resolution":         "Quality",
	"print-content-optimize":     "Quality",
	"finishings":                 "Finishings",
	"finishings-col":             "Finishings",
	"output-bin":                 "Output",
	"page-delivery":              "Output",
}

// GroupOf names the display group an option belongs to.
func GroupOf(option string) string {
	if g, ok := optionGroups[option]; ok {
		return g
	}
	return "Advanced"
}
