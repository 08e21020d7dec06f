package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"cpdbcups/internal/logging"
	"cpdbcups/internal/model"
	"cpdbcups/internal/session"
)

const (
	BusName    = "org.openprinting.Backend.CUPS"
	ObjectPath = dbus.ObjectPath("/")
	Interface  = "org.openprinting.PrintBackend"

	ErrUnknownPrinterName = Interface + ".Error.UnknownPrinter"
)

type printerRow struct {
	ID        string
	Name      string
	Info      string
	Location  string
	MakeModel string
	Accepting bool
	State     string
	Backend   string
}

type printerVariant struct {
	V dbus.Variant
}

// choiceRow wraps one supported value; frontends expect a(s), not as.
type choiceRow struct {
	Value string
}

type optionRow struct {
	Name      string
	Group     string
	Default   string
	Count     int32
	Supported []choiceRow
}

type marginRow struct {
	Left   int32
	Right  int32
	Top    int32
	Bottom int32
}

type mediaRow struct {
	Name    string
	Width   int32
	Length  int32
	Count   int32
	Margins []marginRow
}

type settingRow struct {
	Name  string
	Value string
}

type jobRow struct {
	ID        string
	Title     string
	Printer   string
	User      string
	State     string
	Submitted string
	Size      int32
}

func rowFromSummary(p model.PrinterSummary) printerRow {
	return printerRow{
		ID:        p.ID,
		Name:      p.Name,
		Info:      p.Info,
		Location:  p.Location,
		MakeModel: p.MakeModel,
		Accepting: p.AcceptingJobs,
		State:     p.State,
		Backend:   p.BackendTag,
	}
}

// busObject is what gets exported at ObjectPath. Each method forwards to
// Server with the caller's unique name as the session.
type busObject struct {
	srv *Server
}

func busError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, session.ErrUnknownPrinter) || errors.Is(err, session.ErrUnknownSession) {
		return dbus.NewError(ErrUnknownPrinterName, []interface{}{err.Error()})
	}
	return dbus.MakeFailedError(err)
}

func (o *busObject) GetPrinterList(sender dbus.Sender) (int32, []printerVariant, *dbus.Error) {
	list := o.srv.GetPrinterList(string(sender))
	out := make([]printerVariant, 0, len(list))
	for _, p := range list {
		out = append(out, printerVariant{V: dbus.MakeVariant(rowFromSummary(p))})
	}
	return int32(len(out)), out, nil
}

func (o *busObject) GetAllOptions(sender dbus.Sender, printerID string) (int32, []optionRow, int32, []mediaRow, *dbus.Error) {
	opts, media, err := o.srv.GetAllOptions(string(sender), printerID)
	if err != nil {
		return 0, nil, 0, nil, busError(err)
	}
	optRows := make([]optionRow, 0, len(opts))
	for _, opt := range opts {
		supported := make([]choiceRow, 0, len(opt.SupportedValues))
		for _, v := range opt.SupportedValues {
			supported = append(supported, choiceRow{Value: v})
		}
		optRows = append(optRows, optionRow{
			Name:      opt.Name,
			Group:     opt.Group,
			Default:   opt.DefaultValue,
			Count:     int32(len(supported)),
			Supported: supported,
		})
	}
	mediaRows := make([]mediaRow, 0, len(media))
	for _, m := range media {
		margins := make([]marginRow, 0, len(m.Margins))
		for _, mg := range m.Margins {
			margins = append(margins, marginRow{Left: int32(mg.Left), Right: int32(mg.Right), Top: int32(mg.Top), Bottom: int32(mg.Bottom)})
		}
		mediaRows = append(mediaRows, mediaRow{Name: m.Name, Width: int32(m.Width), Length: int32(m.Length), Count: int32(len(margins)), Margins: margins})
	}
	return int32(len(optRows)), optRows, int32(len(mediaRows)), mediaRows, nil
}

func (o *busObject) GetPrinterState(sender dbus.Sender, printerID string) (string, *dbus.Error) {
	state, err := o.srv.GetPrinterState(string(sender), printerID)
	return state, busError(err)
}

func (o *busObject) IsAcceptingJobs(sender dbus.Sender, printerID string) (bool, *dbus.Error) {
	accepting, err := o.srv.IsAcceptingJobs(string(sender), printerID)
	return accepting, busError(err)
}

func (o *busObject) GetDefaultPrinter(sender dbus.Sender) (string, *dbus.Error) {
	return o.srv.GetDefaultPrinter(string(sender)), nil
}

func (o *busObject) PrintSocket(sender dbus.Sender, printerID string, count int32, settings []settingRow, title string) (string, string, *dbus.Error) {
	opts := make(map[string]string, len(settings))
	for i, st := range settings {
		if int32(i) >= count {
			break
		}
		opts[st.Name] = st.Value
	}
	jobID, path, err := o.srv.PrintSocket(string(sender), printerID, opts, title)
	return jobID, path, busError(err)
}

func (o *busObject) GetOptionTranslation(sender dbus.Sender, printerID, option, locale string) (string, *dbus.Error) {
	text, err := o.srv.GetOptionTranslation(string(sender), printerID, option, locale)
	return text, busError(err)
}

func (o *busObject) GetChoiceTranslation(sender dbus.Sender, printerID, option, choice, locale string) (string, *dbus.Error) {
	text, err := o.srv.GetChoiceTranslation(string(sender), printerID, option, choice, locale)
	return text, busError(err)
}

func (o *busObject) GetAllTranslations(sender dbus.Sender, printerID, locale string) (map[string]string, *dbus.Error) {
	out, err := o.srv.GetAllTranslations(string(sender), printerID, locale)
	return out, busError(err)
}

func (o *busObject) KeepAlive(sender dbus.Sender) *dbus.Error {
	return busError(o.srv.KeepAlive(string(sender)))
}

func (o *busObject) Replace(sender dbus.Sender, previous string) *dbus.Error {
	return busError(o.srv.Replace(string(sender), previous))
}

func (o *busObject) Ping(sender dbus.Sender) *dbus.Error {
	o.srv.Ping(string(sender))
	return nil
}

func (o *busObject) DoListing(sender dbus.Sender, toggle bool) *dbus.Error {
	return busError(o.srv.DoListing(string(sender), toggle))
}

func (o *busObject) ShowRemotePrinters(sender dbus.Sender) *dbus.Error {
	return busError(o.srv.SetRemoteVisible(string(sender), true))
}

func (o *busObject) HideRemotePrinters(sender dbus.Sender) *dbus.Error {
	return busError(o.srv.SetRemoteVisible(string(sender), false))
}

func (o *busObject) ShowTemporaryPrinters(sender dbus.Sender) *dbus.Error {
	return busError(o.srv.SetTemporaryVisible(string(sender), true))
}

func (o *busObject) HideTemporaryPrinters(sender dbus.Sender) *dbus.Error {
	return busError(o.srv.SetTemporaryVisible(string(sender), false))
}

func (o *busObject) GetAllJobs(sender dbus.Sender, activeOnly bool) (int32, []jobRow, *dbus.Error) {
	list := o.srv.GetAllJobs(string(sender), activeOnly)
	out := make([]jobRow, 0, len(list))
	for _, j := range list {
		submitted := ""
		if !j.Submitted.IsZero() {
			submitted = j.Submitted.UTC().Format(http.TimeFormat)
		}
		out = append(out, jobRow{
			ID:        fmt.Sprint(j.ID),
			Title:     j.Title,
			Printer:   j.Printer,
			User:      j.User,
			State:     j.State,
			Submitted: submitted,
			Size:      int32(j.Size),
		})
	}
	return int32(len(out)), out, nil
}

func (o *busObject) GetActiveJobsCount(sender dbus.Sender) (int32, *dbus.Error) {
	return int32(o.srv.GetActiveJobsCount(string(sender))), nil
}

func (o *busObject) CancelJob(sender dbus.Sender, jobID, printerID string) (bool, *dbus.Error) {
	return o.srv.CancelJob(string(sender), jobID, printerID), nil
}

var busSignals = []introspect.Signal{
	{Name: "PrinterAdded", Args: []introspect.Arg{
		{Name: "printer_id", Type: "s"},
		{Name: "printer_name", Type: "s"},
		{Name: "printer_info", Type: "s"},
		{Name: "printer_location", Type: "s"},
		{Name: "printer_make_and_model", Type: "s"},
		{Name: "printer_is_accepting_jobs", Type: "b"},
		{Name: "printer_state", Type: "s"},
		{Name: "backend_name", Type: "s"},
	}},
	{Name: "PrinterRemoved", Args: []introspect.Arg{
		{Name: "printer_id", Type: "s"},
		{Name: "backend_name", Type: "s"},
	}},
	{Name: "PrinterStateChanged", Args: []introspect.Arg{
		{Name: "printer_id", Type: "s"},
		{Name: "printer_state", Type: "s"},
		{Name: "printer_is_accepting_jobs", Type: "b"},
		{Name: "backend_name", Type: "s"},
	}},
}

// Export publishes srv on conn and claims BusName.
func Export(conn *dbus.Conn, srv *Server) error {
	obj := &busObject{srv: srv}
	if err := conn.Export(obj, ObjectPath, Interface); err != nil {
		return err
	}
	node := &introspect.Node{
		Name: string(ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{Name: Interface, Methods: introspect.Methods(obj), Signals: busSignals},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return err
	}
	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already taken", BusName)
	}
	return nil
}

// messageSender is the part of *dbus.Conn the emitter needs.
type messageSender interface {
	Send(msg *dbus.Message, ch chan *dbus.Call) *dbus.Call
}

// Emitter sends printer signals to a single frontend rather than
// broadcasting them.
type Emitter struct {
	conn messageSender
}

func NewEmitter(conn *dbus.Conn) *Emitter {
	return &Emitter{conn: conn}
}

func (e *Emitter) emit(dest, member string, args ...interface{}) {
	msg := &dbus.Message{
		Type: dbus.TypeSignal,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath:        dbus.MakeVariant(ObjectPath),
			dbus.FieldInterface:   dbus.MakeVariant(Interface),
			dbus.FieldMember:      dbus.MakeVariant(member),
			dbus.FieldDestination: dbus.MakeVariant(dest),
			dbus.FieldSignature:   dbus.MakeVariant(dbus.SignatureOf(args...)),
		},
		Body: args,
	}
	if call := e.conn.Send(msg, nil); call != nil && call.Err != nil {
		logging.Warnf("%s to %s: %v", member, dest, call.Err)
	}
}

func (e *Emitter) PrinterAdded(dest string, p model.PrinterSummary) {
	e.emit(dest, "PrinterAdded", p.ID, p.Name, p.Info, p.Location, p.MakeModel, p.AcceptingJobs, p.State, p.BackendTag)
}

func (e *Emitter) PrinterRemoved(dest, id, backendTag string) {
	e.emit(dest, "PrinterRemoved", id, backendTag)
}

func (e *Emitter) PrinterStateChanged(dest, id, state string, accepting bool, backendTag string) {
	e.emit(dest, "PrinterStateChanged", id, state, accepting, backendTag)
}

const nameOwnerChanged = "org.freedesktop.DBus.NameOwnerChanged"

// WatchFrontends removes sessions whose bus name disappears. It returns
// when ctx ends or the connection closes.
func WatchFrontends(ctx context.Context, conn *dbus.Conn, srv *Server) error {
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath("/org/freedesktop/DBus"),
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return err
	}
	ch := make(chan *dbus.Signal, 16)
	conn.Signal(ch)
	go func() {
		defer conn.RemoveSignal(ch)
		drainOwnerChanges(ctx, ch, srv)
	}()
	return nil
}

func drainOwnerChanges(ctx context.Context, ch <-chan *dbus.Signal, srv *Server) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			if sig.Name != nameOwnerChanged {
				continue
			}
			var name, oldOwner, newOwner string
			if err := dbus.Store(sig.Body, &name, &oldOwner, &newOwner); err != nil {
				continue
			}
			if newOwner == "" {
				srv.FrontendGone(name)
			}
		}
	}
}
