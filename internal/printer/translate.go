package printer

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"cpdbcups/internal/cupsclient"
	"cpdbcups/internal/logging"
)

// Catalog is a loaded .strings file: "key" = "value"; pairs. Choices are
// keyed as option.choice.
type Catalog map[string]string

// ParseCatalog reads the Apple .strings format used by CUPS for
// printer-strings-uri. Malformed entries are skipped.
func ParseCatalog(data []byte) Catalog {
	out := Catalog{}
	s := string(data)
	for {
		s = skipSpaceAndComments(s)
		if s == "" {
			return out
		}
		key, rest, ok := quoted(s)
		if !ok {
			s = skipLine(s)
			continue
		}
		rest = skipSpaceAndComments(rest)
		if !strings.HasPrefix(rest, "=") {
			s = skipLine(rest)
			continue
		}
		rest = skipSpaceAndComments(rest[1:])
		value, rest, ok := quoted(rest)
		if !ok {
			s = skipLine(rest)
			continue
		}
		out[key] = value
		rest = skipSpaceAndComments(rest)
		s = strings.TrimPrefix(rest, ";")
	}
}

func skipSpaceAndComments(s string) string {
	for {
		s = strings.TrimLeft(s, " \t\r\n")
		switch {
		case strings.HasPrefix(s, "/*"):
			end := strings.Index(s[2:], "*/")
			if end < 0 {
				return ""
			}
			s = s[end+4:]
		case strings.HasPrefix(s, "//"):
			s = skipLine(s)
		default:
			return s
		}
	}
}

func skipLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

func quoted(s string) (string, string, bool) {
	if !strings.HasPrefix(s, `"`) {
		return "", s, false
	}
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			if i+1 >= len(s) {
				return "", "", false
			}
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(s[i])
			}
		case '"':
			return b.String(), s[i+1:], true
		default:
			b.WriteByte(c)
		}
	}
	return "", "", false
}

// LoadGenericCatalog loads <dir>/<locale>.strings, falling back to the
// bare language (de_DE -> de). A missing catalog is an empty one.
func LoadGenericCatalog(dir, locale string) Catalog {
	if strings.TrimSpace(dir) == "" {
		return Catalog{}
	}
	locale = strings.TrimSpace(locale)
	if i := strings.IndexAny(locale, ".@"); i >= 0 {
		locale = locale[:i]
	}
	candidates := []string{locale}
	if i := strings.IndexAny(locale, "_-"); i > 0 {
		candidates = append(candidates, locale[:i])
	}
	for _, name := range candidates {
		if name == "" || strings.ContainsAny(name, `/\`) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name+".strings"))
		if err == nil {
			return ParseCatalog(data)
		}
	}
	return Catalog{}
}

type catalogs struct {
	generic Catalog
	printer Catalog
}

func (c catalogs) option(name string) string {
	if v, ok := c.printer[name]; ok && v != "" {
		return v
	}
	if v, ok := c.generic[name]; ok && v != "" {
		return v
	}
	return name
}

func (c catalogs) choice(option, choice string) string {
	key := option + "." + choice
	if v, ok := c.printer[key]; ok && v != "" {
		return v
	}
	if v, ok := c.generic[key]; ok && v != "" {
		return v
	}
	return choice
}

func (c catalogs) group(name string) string {
	if v, ok := c.generic[name]; ok && v != "" {
		return v
	}
	return name
}

// loadCatalogs loads the generic catalog for locale and, when the printer
// names one, its own strings. A printer that cannot be asked still gets
// the generic catalog.
func (p *Printer) loadCatalogs(ctx context.Context, locale string) catalogs {
	c := catalogs{generic: LoadGenericCatalog(p.env.CatalogDir, locale), printer: Catalog{}}
	attrs, err := p.attributes(ctx, "printer-strings-uri")
	if err != nil {
		logging.Warnf("%v", err)
		return c
	}
	if uri := cupsclient.FindAttr(attrs, "printer-strings-uri"); uri != "" {
		conn, _, err := p.Conn()
		if err == nil {
			data, ferr := conn.Fetch(ctx, uri)
			if ferr != nil {
				logging.Debugf("fetch %s: %v", uri, ferr)
			} else {
				c.printer = ParseCatalog(data)
			}
		}
	}
	return c
}

// Translate returns the localized name of option, or option itself.
func (p *Printer) Translate(ctx context.Context, option, locale string) string {
	return p.loadCatalogs(ctx, locale).option(option)
}

// TranslateChoice returns the localized name of one choice of option, or
// choice itself.
func (p *Printer) TranslateChoice(ctx context.Context, option, choice, locale string) string {
	return p.loadCatalogs(ctx, locale).choice(option, choice)
}

// AllTranslations folds every option, group and choice name into one map
// keyed opt/<name>, grp/<group> and opt/<name>/<choice>.
func (p *Printer) AllTranslations(ctx context.Context, locale string) map[string]string {
	opts := p.AllOptions(ctx)
	c := p.loadCatalogs(ctx, locale)
	out := make(map[string]string, len(opts)*4)
	for _, opt := range opts {
		nameKey := "opt/" + opt.Name
		out[nameKey] = c.option(opt.Name)
		out["grp/"+opt.Group] = c.group(opt.Group)
		for _, choice := range opt.SupportedValues {
			out[nameKey+"/"+choice] = c.choice(opt.Name, choice)
		}
	}
	return out
}
