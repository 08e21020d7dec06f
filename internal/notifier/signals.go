package notifier

import (
	"context"
	"strings"

	"github.com/godbus/dbus/v5"

	"cpdbcups/internal/logging"
)

const (
	NotifierPath      = dbus.ObjectPath("/org/cups/cupsd/Notifier")
	NotifierInterface = "org.cups.cupsd.Notifier"
)

// Event kinds emitted by cupsd's notifier that the backend reacts to.
const (
	PrinterAdded        = "PrinterAdded"
	PrinterDeleted      = "PrinterDeleted"
	PrinterStateChanged = "PrinterStateChanged"
)

// Event is one printer signal from the scheduler.
type Event struct {
	Kind       string
	Text       string
	PrinterURI string
	Printer    string
	State      uint32
	Reasons    string
	Accepting  bool
}

// Handler is what scheduler events are applied to.
type Handler interface {
	RefreshAll(ctx context.Context)
	StateChanged(ctx context.Context, printer string, accepting bool) int
}

// ParseSignal decodes a printer signal. Job and server signals, and
// anything not from the notifier interface, are rejected.
func ParseSignal(sig *dbus.Signal) (Event, bool) {
	if sig == nil {
		return Event{}, false
	}
	iface, member, ok := splitMember(sig.Name)
	if !ok || iface != NotifierInterface {
		return Event{}, false
	}
	switch member {
	case PrinterAdded, PrinterDeleted, PrinterStateChanged:
	default:
		return Event{}, false
	}
	ev := Event{Kind: member}
	if err := dbus.Store(sig.Body, &ev.Text, &ev.PrinterURI, &ev.Printer, &ev.State, &ev.Reasons, &ev.Accepting); err != nil {
		logging.Debugf("malformed %s signal: %v", member, err)
		return Event{}, false
	}
	return ev, true
}

func splitMember(name string) (string, string, bool) {
	i := strings.LastIndex(name, ".")
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// Dispatch applies ev: additions and deletions refresh every session, a
// state change is forwarded to the sessions showing that printer.
func Dispatch(ctx context.Context, h Handler, ev Event) {
	switch ev.Kind {
	case PrinterAdded:
		logging.Infof("printer added: %s", ev.Text)
		h.RefreshAll(ctx)
	case PrinterDeleted:
		logging.Infof("printer deleted: %s", ev.Text)
		h.RefreshAll(ctx)
	case PrinterStateChanged:
		logging.Infof("printer state change on %s: %s", ev.Printer, ev.Text)
		h.StateChanged(ctx, ev.Printer, ev.Accepting)
	}
}

// Listener drains notifier signals from a system bus connection.
type Listener struct {
	conn *dbus.Conn
	ch   chan *dbus.Signal
}

// Listen subscribes conn to the scheduler's notifier signals.
func Listen(conn *dbus.Conn) (*Listener, error) {
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(NotifierPath),
		dbus.WithMatchInterface(NotifierInterface),
	); err != nil {
		return nil, err
	}
	ch := make(chan *dbus.Signal, 32)
	conn.Signal(ch)
	return &Listener{conn: conn, ch: ch}, nil
}

// Run dispatches signals to h until ctx ends or the connection closes.
func (l *Listener) Run(ctx context.Context, h Handler) {
	defer l.conn.RemoveSignal(l.ch)
	Drain(ctx, l.ch, h)
}

// Drain dispatches every parsable signal read from ch.
func Drain(ctx context.Context, ch <-chan *dbus.Signal, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			if ev, ok := ParseSignal(sig); ok {
				Dispatch(ctx, h, ev)
			}
		}
	}
}
