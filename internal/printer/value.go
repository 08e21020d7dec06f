package printer

import (
	"strconv"

	goipp "github.com/OpenPrinting/goipp"

	"cpdbcups/internal/model"
)

// Kind is the closed set of value shapes an IPP attribute can take once it
// reaches a frontend.
type Kind int

const (
	KindText Kind = iota
	KindInteger
	KindEnum
	KindRange
	KindResolution
)

// Value is one decoded attribute value. Which fields are meaningful depends
// on Kind: Int for Integer and Enum, Lower/Upper for Range, Xres/Yres/Dpcm
// for Resolution, Text for Text.
type Value struct {
	Kind  Kind
	Int   int
	Lower int
	Upper int
	Xres  int
	Yres  int
	Dpcm  bool
	Text  string
	Valid bool
}

// ValueOf classifies a goipp value by its wire tag.
func ValueOf(tag goipp.Tag, v goipp.Value) Value {
	if v == nil {
		return Value{}
	}
	switch val := v.(type) {
	case goipp.Integer:
		if tag == goipp.TagEnum {
			return Value{Kind: KindEnum, Int: int(val), Valid: true}
		}
		return Value{Kind: KindInteger, Int: int(val), Valid: true}
	case goipp.Range:
		return Value{Kind: KindRange, Lower: val.Lower, Upper: val.Upper, Valid: true}
	case goipp.Resolution:
		return Value{Kind: KindResolution, Xres: val.Xres, Yres: val.Yres, Dpcm: val.Units == goipp.UnitsDpcm, Valid: true}
	}
	return Value{Kind: KindText, Text: v.String(), Valid: true}
}

// Format renders the value the way frontends expect to see it for option.
func (v Value) Format(option string) string {
	if !v.Valid {
		return model.NA
	}
	switch v.Kind {
	case KindInteger:
		return strconv.Itoa(v.Int)
	case KindEnum:
		if option == optOrientation {
			return DecodeOrientation(v.Int)
		}
		return EnumString(option, v.Int)
	case KindRange:
		return strconv.Itoa(v.Lower) + "-" + strconv.Itoa(v.Upper)
	case KindResolution:
		unit := "dpi"
		if v.Dpcm {
			unit = "dpcm"
		}
		if v.Xres == v.Yres {
			return strconv.Itoa(v.Xres) + unit
		}
		return strconv.Itoa(v.Xres) + "x" + strconv.Itoa(v.Yres) + unit
	case KindText:
		return v.Text
	}
	return model.NA
}

// formatAttr renders value i of attr for option.
func formatAttr(attr goipp.Attribute, i int, option string) string {
	if i < 0 || i >= len(attr.Values) {
		return model.NA
	}
	return ValueOf(attr.Values[i].T, attr.Values[i].V).Format(option)
}
