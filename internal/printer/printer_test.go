package printer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	goipp "github.com/OpenPrinting/goipp"

	"cpdbcups/internal/backend"
	"cpdbcups/internal/ipptest"
	"cpdbcups/internal/model"
)

func officeDest(opts map[string]string) backend.Dest {
	d := backend.Dest{Name: "Office", Options: map[string]string{
		"printer-uri-supported":     "ipp://localhost/printers/Office",
		"printer-is-accepting-jobs": "true",
		"printer-state":             "3",
	}}
	for k, v := range opts {
		d.Options[k] = v
	}
	return d
}

func mediaEntry(x, y, left, right, top, bottom int) goipp.Collection {
	size := goipp.Collection{}
	size.Add(goipp.MakeAttribute("x-dimension", goipp.TagInteger, goipp.Integer(x)))
	size.Add(goipp.MakeAttribute("y-dimension", goipp.TagInteger, goipp.Integer(y)))
	col := goipp.Collection{}
	col.Add(goipp.MakeAttribute("media-size", goipp.TagBeginCollection, size))
	col.Add(goipp.MakeAttribute("media-left-margin", goipp.TagInteger, goipp.Integer(left)))
	col.Add(goipp.MakeAttribute("media-right-margin", goipp.TagInteger, goipp.Integer(right)))
	col.Add(goipp.MakeAttribute("media-top-margin", goipp.TagInteger, goipp.Integer(top)))
	col.Add(goipp.MakeAttribute("media-bottom-margin", goipp.TagInteger, goipp.Integer(bottom)))
	return col
}

func capabilityAttrs() goipp.Attributes {
	var attrs goipp.Attributes
	attrs.Add(ipptest.Keywords("job-creation-attributes-supported", "copies", "sides", "print-quality", "media", "orientation-requested", "booklet", "printer-resolution"))
	attrs.Add(goipp.MakeAttribute("copies-supported", goipp.TagRange, goipp.Range{Lower: 1, Upper: 99}))
	attrs.Add(goipp.MakeAttribute("copies-default", goipp.TagInteger, goipp.Integer(1)))
	attrs.Add(ipptest.Keywords("sides-supported", "one-sided", "two-sided-long-edge"))
	attrs.Add(goipp.MakeAttribute("sides-default", goipp.TagKeyword, goipp.String("one-sided")))
	attrs.Add(goipp.MakeAttr("print-quality-supported", goipp.TagEnum, goipp.Integer(3), goipp.Integer(4), goipp.Integer(5)))
	attrs.Add(goipp.MakeAttribute("print-quality-default", goipp.TagEnum, goipp.Integer(5)))
	attrs.Add(goipp.MakeAttr("orientation-requested-supported", goipp.TagEnum, goipp.Integer(3), goipp.Integer(4)))
	attrs.Add(goipp.MakeAttribute("orientation-requested-default", goipp.TagEnum, goipp.Integer(4)))
	attrs.Add(goipp.MakeAttr("printer-resolution-supported", goipp.TagResolution,
		goipp.Resolution{Xres: 600, Yres: 600, Units: goipp.UnitsDpi},
		goipp.Resolution{Xres: 1200, Yres: 600, Units: goipp.UnitsDpi}))
	attrs.Add(ipptest.Keywords("media-supported", "iso_a4_210x297mm", "custom_min_76.2x127mm", "custom_max_215.9x355.6mm", "custom_max_2_1x1in"))
	attrs.Add(goipp.MakeAttribute("media-default", goipp.TagKeyword, goipp.String("iso_a4_210x297mm")))
	attrs.Add(goipp.MakeAttr("media-left-margin-supported", goipp.TagInteger, goipp.Integer(0), goipp.Integer(300)))
	def := goipp.Collection{}
	def.Add(goipp.MakeAttribute("media-left-margin", goipp.TagInteger, goipp.Integer(300)))
	def.Add(goipp.MakeAttribute("media-top-margin", goipp.TagInteger, goipp.Integer(500)))
	attrs.Add(goipp.MakeAttribute("media-col-default", goipp.TagBeginCollection, def))
	attrs.Add(goipp.MakeAttr("media-col-database", goipp.TagBeginCollection,
		mediaEntry(21000, 29700, 300, 300, 300, 300),
		mediaEntry(21000, 29700, 0, 0, 0, 0),
		mediaEntry(21590, 27940, 300, 300, 300, 300),
		mediaEntry(0, 29700, 0, 0, 0, 0)))
	attrs.Add(goipp.MakeAttribute("printer-state", goipp.TagEnum, goipp.Integer(4)))
	return attrs
}

func newFakePrinter(t *testing.T, dest backend.Dest, attrs goipp.Attributes) (*Printer, *ipptest.Server) {
	t.Helper()
	srv := ipptest.NewServer(t, func(req *goipp.Message, _ []byte, _ string) *goipp.Message {
		if goipp.Op(req.Code) != goipp.OpGetPrinterAttributes {
			return ipptest.Status(req, goipp.StatusErrorOperationNotSupported)
		}
		return ipptest.OK(req, attrs)
	})
	p := New(dest, &Env{Client: srv.Client(t), CatalogDir: t.TempDir()})
	t.Cleanup(p.Close)
	return p, srv
}

func TestFormatByKind(t *testing.T) {
	tests := []struct {
		option string
		tag    goipp.Tag
		value  goipp.Value
		want   string
	}{
		{"copies", goipp.TagInteger, goipp.Integer(3), "3"},
		{"print-quality", goipp.TagEnum, goipp.Integer(4), "normal"},
		{"finishings", goipp.TagEnum, goipp.Integer(999), "999"},
		{"orientation-requested", goipp.TagEnum, goipp.Integer(0), "automatic-rotation"},
		{"copies", goipp.TagRange, goipp.Range{Lower: 1, Upper: 9999}, "1-9999"},
		{"printer-resolution", goipp.TagResolution, goipp.Resolution{Xres: 300, Yres: 300, Units: goipp.UnitsDpi}, "300dpi"},
		{"printer-resolution", goipp.TagResolution, goipp.Resolution{Xres: 600, Yres: 300, Units: goipp.UnitsDpi}, "600x300dpi"},
		{"printer-resolution", goipp.TagResolution, goipp.Resolution{Xres: 118, Yres: 118, Units: goipp.UnitsDpcm}, "118dpcm"},
		{"sides", goipp.TagKeyword, goipp.String("one-sided"), "one-sided"},
		{"sides", goipp.TagKeyword, nil, model.NA},
	}
	for _, tc := range tests {
		if got := ValueOf(tc.tag, tc.value).Format(tc.option); got != tc.want {
			t.Fatalf("Format(%s %v) = %q, want %q", tc.option, tc.value, got, tc.want)
		}
	}
}

func TestOrientationRoundTrip(t *testing.T) {
	if got := DecodeOrientation(0); got != "automatic-rotation" {
		t.Fatalf("decode 0 = %q", got)
	}
	if n, ok := EncodeOrientation("automatic-rotation"); !ok || n != 0 {
		t.Fatalf("encode automatic-rotation = %d %v", n, ok)
	}
	for _, name := range []string{"portrait", "landscape", "reverse-landscape", "reverse-portrait"} {
		n, ok := EncodeOrientation(name)
		if !ok {
			t.Fatalf("encode %q failed", name)
		}
		if got := DecodeOrientation(n); got != name {
			t.Fatalf("round trip %q -> %d -> %q", name, n, got)
		}
	}
}

func TestRemapPrintQualityIsIdempotent(t *testing.T) {
	opt := model.Option{Name: "print-quality", DefaultValue: "High", SupportedValues: []string{"draft", "Normal", "high"}}
	RemapPrintQuality(&opt)
	if opt.DefaultValue != "5" || opt.SupportedValues[0] != "3" || opt.SupportedValues[1] != "4" || opt.SupportedValues[2] != "5" {
		t.Fatalf("first remap = %#v", opt)
	}
	again := opt
	again.SupportedValues = append([]string(nil), opt.SupportedValues...)
	RemapPrintQuality(&again)
	if again.DefaultValue != opt.DefaultValue {
		t.Fatalf("default changed on second remap: %q", again.DefaultValue)
	}
	for i := range again.SupportedValues {
		if again.SupportedValues[i] != opt.SupportedValues[i] {
			t.Fatalf("supported changed on second remap: %v", again.SupportedValues)
		}
	}
}

func TestCuratedTableLoads(t *testing.T) {
	if len(curated) != 14 {
		t.Fatalf("curated options = %d", len(curated))
	}
	if len(superseded) != 16 {
		t.Fatalf("superseded names = %d", len(superseded))
	}
	if _, err := loadCurated([]byte("- name: x\n  fallback: bogus\n")); err == nil {
		t.Fatal("unknown fallback should be rejected")
	}
	if _, err := loadCurated([]byte("- name: x\n  fallback: first\n")); err == nil {
		t.Fatal("first fallback without values should be rejected")
	}
}

func TestDefaultPrefersDestOption(t *testing.T) {
	p, _ := newFakePrinter(t, officeDest(map[string]string{"sides": "two-sided-long-edge", "print-quality": "3"}), capabilityAttrs())
	ctx := context.Background()
	if got := p.Default(ctx, "sides"); got != "two-sided-long-edge" {
		t.Fatalf("sides default = %q", got)
	}
	// enum defaults stored on the dest are decimal
	if got := p.Default(ctx, "print-quality"); got != "draft" {
		t.Fatalf("print-quality default = %q", got)
	}
	if got := p.Default(ctx, "copies"); got != "1" {
		t.Fatalf("copies default = %q", got)
	}
	if got := p.Default(ctx, "output-bin"); got != model.NA {
		t.Fatalf("output-bin default = %q", got)
	}
}

func TestOrientationDefault(t *testing.T) {
	p, _ := newFakePrinter(t, officeDest(map[string]string{"orientation-requested": "0"}), capabilityAttrs())
	if got := p.Default(context.Background(), "orientation-requested"); got != "automatic-rotation" {
		t.Fatalf("dest 0 = %q", got)
	}
	p, _ = newFakePrinter(t, officeDest(nil), capabilityAttrs())
	if got := p.Default(context.Background(), "orientation-requested"); got != "landscape" {
		t.Fatalf("printer default = %q", got)
	}
}

func TestNoValueDefaults(t *testing.T) {
	attrs := goipp.Attributes{}
	attrs.Add(goipp.MakeAttribute("orientation-requested-default", goipp.TagNoValue, goipp.Void{}))
	attrs.Add(goipp.MakeAttribute("output-bin-default", goipp.TagNoValue, goipp.Void{}))
	p, _ := newFakePrinter(t, officeDest(nil), attrs)
	ctx := context.Background()
	if got := p.Default(ctx, "orientation-requested"); got != "automatic-rotation" {
		t.Fatalf("orientation default = %q", got)
	}
	if got := p.Default(ctx, "output-bin"); got != model.NA {
		t.Fatalf("output-bin default = %q", got)
	}
}

func TestAllOptions(t *testing.T) {
	p, srv := newFakePrinter(t, officeDest(nil), capabilityAttrs())
	opts := p.AllOptions(context.Background())
	byName := map[string]model.Option{}
	for _, o := range opts {
		if _, dup := byName[o.Name]; dup {
			t.Fatalf("option %s listed twice", o.Name)
		}
		byName[o.Name] = o
	}
	for _, name := range []string{"media", "media-col"} {
		if _, ok := byName[name]; ok {
			t.Fatalf("%s should be left to AddMediaOption", name)
		}
	}
	if o := byName["copies"]; o.DefaultValue != "1" || len(o.SupportedValues) != 1 || o.SupportedValues[0] != "1-99" {
		t.Fatalf("copies = %#v", o)
	}
	if o := byName["print-quality"]; o.DefaultValue != "5" || o.SupportedValues[0] != "3" {
		t.Fatalf("print-quality = %#v", o)
	}
	if o := byName["printer-resolution"]; o.SupportedValues[1] != "1200x600dpi" {
		t.Fatalf("printer-resolution = %#v", o)
	}
	if o := byName["orientation-requested"]; o.DefaultValue != "4" || len(o.SupportedValues) != 4 {
		t.Fatalf("orientation-requested = %#v", o)
	}
	if o := byName["booklet"]; o.DefaultValue != "off" || o.Group != "PageManagement" {
		t.Fatalf("booklet = %#v", o)
	}
	if o := byName["job-sheets"]; o.DefaultValue != "none,none" {
		t.Fatalf("job-sheets = %#v", o)
	}
	if o, ok := byName["billing-info"]; !ok || o.DefaultValue != "" || len(o.SupportedValues) != 0 {
		t.Fatalf("billing-info = %#v", o)
	}
	if _, ok := byName["media-source"]; !ok {
		t.Fatal("media-source is always offered")
	}
	if n := srv.Count(goipp.OpGetPrinterAttributes); n != 1 {
		t.Fatalf("capabilities fetched %d times, want 1", n)
	}
}

func TestAllMediaMergesMargins(t *testing.T) {
	p, _ := newFakePrinter(t, officeDest(nil), capabilityAttrs())
	media := p.AllMedia(context.Background())
	if len(media) != 2 {
		t.Fatalf("media = %#v", media)
	}
	a4 := media[0]
	if a4.Name != "iso_a4_210x297mm" || a4.Width != 21000 || a4.Length != 29700 {
		t.Fatalf("a4 = %#v", a4)
	}
	if len(a4.Margins) != 2 || a4.Margins[0].Left != 300 || a4.Margins[1].Left != 0 {
		t.Fatalf("a4 margins = %#v", a4.Margins)
	}
	if media[1].Name != "na_letter_8.5x11in" || len(media[1].Margins) != 1 {
		t.Fatalf("letter = %#v", media[1])
	}
}

func TestPWGMediaForUnknownSize(t *testing.T) {
	got := pwgMediaForSize(12345, 20000)
	if got.name != "custom_123.45x200mm_123.45x200mm" || got.width != 12345 {
		t.Fatalf("custom size = %#v", got)
	}
	if got := pwgMediaForSize(21001, 29699); got.name != "iso_a4_210x297mm" {
		t.Fatalf("near a4 = %q", got.name)
	}
}

func TestAddMediaOption(t *testing.T) {
	p, _ := newFakePrinter(t, officeDest(nil), capabilityAttrs())
	ctx := context.Background()
	opts := p.AddMediaOption(ctx, p.AllMedia(ctx), nil)
	if len(opts) != 5 {
		t.Fatalf("options = %#v", opts)
	}
	media := opts[0]
	want := []string{"iso_a4_210x297mm", "na_letter_8.5x11in", "custom_min_76.2x127mm", "custom_max_215.9x355.6mm"}
	if len(media.SupportedValues) != len(want) {
		t.Fatalf("media supported = %v", media.SupportedValues)
	}
	for i := range want {
		if media.SupportedValues[i] != want[i] {
			t.Fatalf("media supported = %v", media.SupportedValues)
		}
	}
	if media.DefaultValue != "iso_a4_210x297mm" {
		t.Fatalf("media default = %q", media.DefaultValue)
	}
	if opts[1].Name != "media-left-margin" || opts[1].DefaultValue != "300" || len(opts[1].SupportedValues) != 2 {
		t.Fatalf("left margin = %#v", opts[1])
	}
	if opts[2].Name != "media-bottom-margin" || opts[2].DefaultValue != model.NA {
		t.Fatalf("bottom margin = %#v", opts[2])
	}
	if opts[3].DefaultValue != "500" {
		t.Fatalf("top margin = %#v", opts[3])
	}
}

func TestState(t *testing.T) {
	p, _ := newFakePrinter(t, officeDest(nil), capabilityAttrs())
	if got := p.State(context.Background()); got != model.StatePrinting {
		t.Fatalf("state = %q", got)
	}
	if !p.IsAcceptingJobs() {
		t.Fatal("dest says accepting")
	}
}

func TestStateUnreachableIsNA(t *testing.T) {
	srv := ipptest.NewServer(t, func(req *goipp.Message, _ []byte, _ string) *goipp.Message {
		return ipptest.Status(req, goipp.StatusErrorInternal)
	})
	p := New(officeDest(nil), &Env{Client: srv.Client(t)})
	defer p.Close()
	if got := p.State(context.Background()); got != model.NA {
		t.Fatalf("state = %q", got)
	}
}

func TestTranslateMissEchoes(t *testing.T) {
	p, _ := newFakePrinter(t, officeDest(nil), capabilityAttrs())
	ctx := context.Background()
	if got := p.TranslateChoice(ctx, "media", "iso-a4", "xx"); got != "iso-a4" {
		t.Fatalf("choice = %q", got)
	}
	if got := p.Translate(ctx, "sides", "xx"); got != "sides" {
		t.Fatalf("option = %q", got)
	}
}

func TestTranslateUsesPrinterThenGenericCatalog(t *testing.T) {
	dir := t.TempDir()
	generic := "/* generic */\n\"sides\" = \"Two-Sided\";\n\"media.iso_a4_210x297mm\" = \"A4 generic\";\n\"Media\" = \"Papier\";\n"
	if err := os.WriteFile(filepath.Join(dir, "de.strings"), []byte(generic), 0o644); err != nil {
		t.Fatal(err)
	}
	attrs := capabilityAttrs()
	srv := ipptest.NewServer(t, func(req *goipp.Message, _ []byte, _ string) *goipp.Message {
		out := attrs
		if r := ipptest.Requested(req); len(r) == 1 && r[0] == "printer-strings-uri" {
			out = goipp.Attributes{}
			out.Add(goipp.MakeAttribute("printer-strings-uri", goipp.TagURI, goipp.String("ipp://localhost/strings/Office.strings")))
		}
		return ipptest.OK(req, out)
	})
	srv.SetFile("/strings/Office.strings", "\"media.iso_a4_210x297mm\" = \"A4 (printer)\";\n// trailing comment\n")
	p := New(officeDest(nil), &Env{Client: srv.Client(t), CatalogDir: dir})
	defer p.Close()
	ctx := context.Background()

	if got := p.Translate(ctx, "sides", "de_DE.UTF-8"); got != "Two-Sided" {
		t.Fatalf("sides = %q", got)
	}
	if got := p.TranslateChoice(ctx, "media", "iso_a4_210x297mm", "de_DE"); got != "A4 (printer)" {
		t.Fatalf("media choice = %q", got)
	}
	all := p.AllTranslations(ctx, "de")
	if all["opt/sides"] != "Two-Sided" || all["opt/copies"] != "copies" {
		t.Fatalf("option keys = %q %q", all["opt/sides"], all["opt/copies"])
	}
	if all["grp/Advanced"] != "Advanced" {
		t.Fatalf("group key = %q", all["grp/Advanced"])
	}
	if all["opt/sides/one-sided"] != "one-sided" {
		t.Fatalf("choice key = %q", all["opt/sides/one-sided"])
	}
}

func TestTranslateFallsBackToGenericWhenPrinterUnreachable(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "fr.strings"), []byte("\"sides\" = \"Recto verso\";\n\"sides.one-sided\" = \"Recto\";\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	srv := ipptest.NewServer(t, func(req *goipp.Message, _ []byte, _ string) *goipp.Message {
		return ipptest.Status(req, goipp.StatusErrorInternal)
	})
	p := New(officeDest(nil), &Env{Client: srv.Client(t), CatalogDir: dir})
	defer p.Close()
	ctx := context.Background()

	if got := p.Translate(ctx, "sides", "fr_FR"); got != "Recto verso" {
		t.Fatalf("sides = %q", got)
	}
	if got := p.TranslateChoice(ctx, "sides", "one-sided", "fr"); got != "Recto" {
		t.Fatalf("choice = %q", got)
	}
	if got := p.Translate(ctx, "copies", "fr"); got != "copies" {
		t.Fatalf("miss = %q", got)
	}
}

func TestParseCatalog(t *testing.T) {
	c := ParseCatalog([]byte("\"a\" = \"x \\\"quoted\\\"\";\nbroken line\n/* c */ \"b\"=\"y\";"))
	if c["a"] != `x "quoted"` || c["b"] != "y" {
		t.Fatalf("catalog = %#v", c)
	}
}

func TestTemporaryDestUsesDeviceURI(t *testing.T) {
	srv := ipptest.NewServer(t, func(req *goipp.Message, _ []byte, path string) *goipp.Message {
		if path != "/ipp/print" {
			return ipptest.Status(req, goipp.StatusErrorNotFound)
		}
		var attrs goipp.Attributes
		attrs.Add(goipp.MakeAttribute("printer-state", goipp.TagEnum, goipp.Integer(3)))
		return ipptest.OK(req, attrs)
	})
	dest := backend.Dest{Name: "Lab", DeviceURI: "ipp://" + srv.HostPort() + "/ipp/print", Options: map[string]string{}}
	base := srv.Client(t)
	base.Host = "scheduler.invalid"
	p := New(dest, &Env{Client: base})
	defer p.Close()
	if got := p.State(context.Background()); got != model.StateIdle {
		t.Fatalf("state = %q", got)
	}
}
