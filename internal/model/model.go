package model

import "time"

// BackendTag identifies this backend in every signal and printer row.
const BackendTag = "CUPS"

// NA is reported whenever a value cannot be determined.
const NA = "NA"

// PrinterSummary is one row of GetPrinterList and the payload of
// PrinterAdded.
type PrinterSummary struct {
	ID            string
	Name          string
	Info          string
	Location      string
	MakeModel     string
	AcceptingJobs bool
	State         string
	BackendTag    string
}

type Option struct {
	Name            string
	Group           string
	DefaultValue    string
	SupportedValues []string
}

type Margin struct {
	Left   int
	Right  int
	Top    int
	Bottom int
}

// MediaSize is one physical size with every margin profile the printer
// reported for it. Dimensions are in hundredths of a millimeter.
type MediaSize struct {
	Name    string
	Width   int
	Length  int
	Margins []Margin
}

type Job struct {
	ID         int
	Printer    string
	Title      string
	User       string
	State      string
	Size       int
	SocketPath string
	Options    map[string]string
	Submitted  time.Time
}

type Subscription struct {
	ID        int
	UserData  string
	LeaseSecs int
	RenewedAt time.Time
}

// TransferOutcome is what the job ledger records once a document stream
// ends.
type TransferOutcome struct {
	JobID     int
	Printer   string
	Title     string
	Bytes     int64
	Completed bool
	Error     string
	Started   time.Time
	Finished  time.Time
}

const (
	StateIdle     = "idle"
	StatePrinting = "printing"
	StateStopped  = "stopped"
)

// PrinterStateName maps IPP printer-state to the names frontends expect.
func PrinterStateName(state int) string {
	switch state {
	case 3:
		return StateIdle
	case 4:
		return StatePrinting
	case 5:
		return StateStopped
	default:
		return NA
	}
}

// JobStateName maps IPP job-state to its lower-case name.
func JobStateName(state int) string {
	switch state {
	case 3:
		return "pending"
	case 4:
		return "held"
	case 5:
		return "printing"
	case 6:
		return "stopped"
	case 7:
		return "cancelled"
	case 8:
		return "aborted"
	case 9:
		return "completed"
	default:
		return NA
	}
}

// JobActive reports whether a job in the given IPP state still occupies
// the queue.
func JobActive(state int) bool {
	return state >= 3 && state <= 6
}
