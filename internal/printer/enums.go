package printer

import (
	"strconv"
	"strings"
)

const (
	optOrientation  = "orientation-requested"
	optPrintQuality = "print-quality"

	autoRotation = "automatic-rotation"
)

var enumNames = map[string]map[int]string{
	optOrientation: {
		3: "portrait",
		4: "landscape",
		5: "reverse-landscape",
		6: "reverse-portrait",
		7: "none",
	},
	optPrintQuality: {
		3: "draft",
		4: "normal",
		5: "high",
	},
	"finishings": {
		3:  "none",
		4:  "staple",
		5:  "punch",
		6:  "cover",
		7:  "bind",
		8:  "saddle-stitch",
		9:  "edge-stitch",
		10: "fold",
		11: "trim",
		12: "bale",
		13: "booklet-maker",
		14: "jog-offset",
		15: "coat",
		16: "laminate",
		20: "staple-top-left",
		21: "staple-bottom-left",
		22: "staple-top-right",
		23: "staple-bottom-right",
		24: "edge-stitch-left",
		25: "edge-stitch-top",
		26: "edge-stitch-right",
		27: "edge-stitch-bottom",
		28: "staple-dual-left",
		29: "staple-dual-top",
		30: "staple-dual-right",
		31: "staple-dual-bottom",
		50: "bind-left",
		51: "bind-top",
		52: "bind-right",
		53: "bind-bottom",
		60: "trim-after-pages",
		61: "trim-after-documents",
		62: "trim-after-copies",
		63: "trim-after-job",
	},
	"printer-state": {
		3: "idle",
		4: "processing",
		5: "stopped",
	},
	"job-state": {
		3: "pending",
		4: "pending-held",
		5: "processing",
		6: "processing-stopped",
		7: "canceled",
		8: "aborted",
		9: "completed",
	},
}

func init() {
	enumNames["finishings-col"] = enumNames["finishings"]
}

// EnumString returns the registered keyword for value of option, or the
// decimal form when none is known.
func EnumString(option string, value int) string {
	if names, ok := enumNames[option]; ok {
		if s, ok := names[value]; ok {
			return s
		}
	}
	return strconv.Itoa(value)
}

// EnumValue is the inverse of EnumString. Decimal strings are accepted for
// any option.
func EnumValue(option, name string) (int, bool) {
	name = strings.TrimSpace(name)
	if n, err := strconv.Atoi(name); err == nil {
		return n, true
	}
	for v, s := range enumNames[option] {
		if strings.EqualFold(s, name) {
			return v, true
		}
	}
	return 0, false
}

// IsEnumOption reports whether option is carried as an IPP enum.
func IsEnumOption(option string) bool {
	_, ok := enumNames[option]
	return ok
}

// DecodeOrientation maps orientation-requested to its keyword. CUPS uses 0
// for "let the printer decide", which frontends call automatic-rotation.
func DecodeOrientation(value int) string {
	if value == 0 {
		return autoRotation
	}
	return EnumString(optOrientation, value)
}

// EncodeOrientation is the inverse of DecodeOrientation.
func EncodeOrientation(name string) (int, bool) {
	if strings.EqualFold(strings.TrimSpace(name), autoRotation) {
		return 0, true
	}
	return EnumValue(optOrientation, name)
}
