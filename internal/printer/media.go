package printer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	goipp "github.com/OpenPrinting/goipp"

	"cpdbcups/internal/cupsclient"
	"cpdbcups/internal/logging"
	"cpdbcups/internal/model"
)

type pwgSize struct {
	name   string
	width  int
	length int
}

// pwgSizes holds the self-describing names of the sizes printers commonly
// list in media-col-database, in hundredths of a millimeter.
var pwgSizes = []pwgSize{
	{"na_letter_8.5x11in", 21590, 27940},
	{"na_legal_8.5x14in", 21590, 35560},
	{"na_foolscap_8.5x13in", 21590, 33020},
	{"na_executive_7.25x10.5in", 18415, 26670},
	{"na_ledger_11x17in", 27940, 43180},
	{"na_invoice_5.5x8.5in", 13970, 21590},
	{"na_govt-letter_8x10in", 20320, 25400},
	{"na_index-3x5_3x5in", 7620, 12700},
	{"na_index-4x6_4x6in", 10160, 15240},
	{"na_5x7_5x7in", 12700, 17780},
	{"na_number-10_4.125x9.5in", 10477, 24130},
	{"na_monarch_3.875x7.5in", 9842, 19050},
	{"oe_photo-l_3.5x5in", 8890, 12700},
	{"iso_a0_841x1189mm", 84100, 118900},
	{"iso_a1_594x841mm", 59400, 84100},
	{"iso_a2_420x594mm", 42000, 59400},
	{"iso_a3_297x420mm", 29700, 42000},
	{"iso_a4_210x297mm", 21000, 29700},
	{"iso_a5_148x210mm", 14800, 21000},
	{"iso_a6_105x148mm", 10500, 14800},
	{"iso_b4_250x353mm", 25000, 35300},
	{"iso_b5_176x250mm", 17600, 25000},
	{"iso_c5_162x229mm", 16200, 22900},
	{"iso_c6_114x162mm", 11400, 16200},
	{"iso_dl_110x220mm", 11000, 22000},
	{"jis_b4_257x364mm", 25700, 36400},
	{"jis_b5_182x257mm", 18200, 25700},
	{"om_small-photo_100x150mm", 10000, 15000},
}

// pwgSizeTolerance is how far reported dimensions may drift from the table
// and still match, in hundredths of a millimeter.
const pwgSizeTolerance = 176

// pwgMediaForSize names a size, preferring the closest table entry within
// tolerance and otherwise building a custom_ name.
func pwgMediaForSize(width, length int) pwgSize {
	best, bestDist := -1, 0
	for i, s := range pwgSizes {
		dw, dl := abs(s.width-width), abs(s.length-length)
		if dw > pwgSizeTolerance || dl > pwgSizeTolerance {
			continue
		}
		if d := dw*dw + dl*dl; best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	if best >= 0 {
		return pwgSizes[best]
	}
	return pwgSize{name: pwgFormatSizeName("custom", "", width, length, ""), width: width, length: length}
}

func pwgFormatSizeName(prefix, name string, width, length int, units string) string {
	if width < 0 || length < 0 {
		return ""
	}
	if units == "" {
		if width%635 == 0 && length%635 == 0 {
			units = "in"
		} else {
			units = "mm"
		}
	}
	if prefix == "" {
		prefix = "om"
		if units == "in" {
			prefix = "oe"
		}
	}
	format := pwgFormatMillimeters
	if units == "in" {
		format = pwgFormatInches
	}
	size := format(width) + "x" + format(length) + units
	if name == "" {
		name = size
	}
	return prefix + "_" + name + "_" + size
}

func pwgFormatInches(val int) string {
	integer := val / 2540
	fraction := ((val%2540)*1000 + 1270) / 2540
	if fraction >= 1000 {
		integer++
		fraction -= 1000
	}
	switch {
	case fraction == 0:
		return strconv.Itoa(integer)
	case fraction%10 != 0:
		return fmt.Sprintf("%d.%03d", integer, fraction)
	case fraction%100 != 0:
		return fmt.Sprintf("%d.%02d", integer, fraction/10)
	default:
		return fmt.Sprintf("%d.%01d", integer, fraction/100)
	}
}

func pwgFormatMillimeters(val int) string {
	integer := val / 100
	fraction := val % 100
	switch {
	case fraction == 0:
		return strconv.Itoa(integer)
	case fraction%10 != 0:
		return fmt.Sprintf("%d.%02d", integer, fraction)
	default:
		return fmt.Sprintf("%d.%01d", integer, fraction/10)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func collectionInt(col goipp.Collection, name string) (int, bool) {
	for _, attr := range col {
		if attr.Name != name || len(attr.Values) == 0 {
			continue
		}
		if v, ok := attr.Values[0].V.(goipp.Integer); ok {
			return int(v), true
		}
	}
	return 0, false
}

func collectionCollection(col goipp.Collection, name string) (goipp.Collection, bool) {
	for _, attr := range col {
		if attr.Name != name || len(attr.Values) == 0 {
			continue
		}
		if v, ok := attr.Values[0].V.(goipp.Collection); ok {
			return v, true
		}
	}
	return nil, false
}

// AllMedia reads media-col-database and folds it into one record per PWG
// size name, in the order sizes first appear. Entries for the same size
// with different margins become extra margin profiles on that record.
func (p *Printer) AllMedia(ctx context.Context) []model.MediaSize {
	attrs, err := p.attributes(ctx, "media-col-database")
	if err != nil {
		logging.Warnf("%v", err)
		return nil
	}
	db, ok := cupsclient.LookupAttr(attrs, "media-col-database")
	if !ok {
		return nil
	}
	var out []model.MediaSize
	index := map[string]int{}
	for _, v := range db.Values {
		entry, ok := v.V.(goipp.Collection)
		if !ok {
			continue
		}
		size, ok := collectionCollection(entry, "media-size")
		if !ok {
			continue
		}
		width, _ := collectionInt(size, "x-dimension")
		length, _ := collectionInt(size, "y-dimension")
		if width <= 0 || length <= 0 {
			continue
		}
		pwg := pwgMediaForSize(width, length)
		var m model.Margin
		m.Left, _ = collectionInt(entry, "media-left-margin")
		m.Right, _ = collectionInt(entry, "media-right-margin")
		m.Top, _ = collectionInt(entry, "media-top-margin")
		m.Bottom, _ = collectionInt(entry, "media-bottom-margin")

		i, seen := index[pwg.name]
		if !seen {
			i = len(out)
			index[pwg.name] = i
			out = append(out, model.MediaSize{Name: pwg.name, Width: pwg.width, Length: pwg.length})
		}
		out[i].Margins = append(out[i].Margins, m)
	}
	return out
}

var marginOptions = []string{"media-left-margin", "media-bottom-margin", "media-top-margin", "media-right-margin"}

// AddMediaOption appends the media option built from sizes, and the four
// margin options, to opts.
func (p *Printer) AddMediaOption(ctx context.Context, sizes []model.MediaSize, opts []model.Option) []model.Option {
	media := model.Option{Name: "media", Group: GroupOf("media"), DefaultValue: p.Default(ctx, "media")}
	for _, s := range sizes {
		media.SupportedValues = append(media.SupportedValues, s.Name)
	}
	custom := 0
	for _, name := range p.Supported(ctx, "media") {
		if custom == 2 {
			break
		}
		if strings.HasPrefix(name, "custom_min") || strings.HasPrefix(name, "custom_max") {
			media.SupportedValues = append(media.SupportedValues, name)
			custom++
		}
	}
	opts = append(opts, media)

	var defCol goipp.Collection
	if def, ok := p.findDefault(ctx, "media-col"); ok {
		defCol, _ = def.Values[0].V.(goipp.Collection)
	}
	for _, name := range marginOptions {
		def := model.NA
		if n, ok := collectionInt(defCol, name); ok {
			def = strconv.Itoa(n)
		}
		opts = append(opts, model.Option{
			Name:            name,
			Group:           GroupOf(name),
			DefaultValue:    def,
			SupportedValues: p.Supported(ctx, name),
		})
	}
	return opts
}
