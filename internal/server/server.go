// Package server is the backend's method surface. Server holds the
// transport-independent request handling; bus.go exposes it on D-Bus.
package server

import (
	"context"
	"errors"
	"strconv"
	"time"

	"cpdbcups/internal/jobs"
	"cpdbcups/internal/logging"
	"cpdbcups/internal/model"
	"cpdbcups/internal/printer"
	"cpdbcups/internal/session"
)

// DefaultPrinterSource answers GetDefaultPrinter.
type DefaultPrinterSource interface {
	DefaultPrinter(ctx context.Context) string
}

type Server struct {
	Registry *session.Registry
	Notifier *session.Notifier
	Jobs     *jobs.Streamer
	Defaults DefaultPrinterSource

	// BaseContext, when set, is the parent of every request context.
	BaseContext func() context.Context
}

func (s *Server) context() context.Context {
	if s.BaseContext != nil {
		if ctx := s.BaseContext(); ctx != nil {
			return ctx
		}
	}
	return context.Background()
}

func logCall(sender, method, printerID string, start time.Time, err error) {
	logging.LogCall(logging.CallEntry{
		Sender:   sender,
		Method:   method,
		Printer:  printerID,
		Start:    start,
		Duration: time.Since(start),
		Err:      err,
	})
}

// withPrinter runs fn on the record the sender was shown as printerID,
// holding the session lock for the duration.
func (s *Server) withPrinter(sender, printerID string, fn func(*printer.Printer)) error {
	sess, ok := s.Registry.Find(sender)
	if !ok {
		return session.ErrUnknownSession
	}
	sess.Lock()
	defer sess.Unlock()
	p, err := sess.Printer(printerID)
	if err != nil {
		return err
	}
	fn(p)
	return nil
}

// GetPrinterList registers sender as a session if needed and returns its
// printers. The reply carries the list, so no signals are sent for it. An
// unreachable scheduler yields an empty list.
func (s *Server) GetPrinterList(sender string) []model.PrinterSummary {
	start := time.Now()
	sess, created := s.Registry.Add(sender)
	if created {
		logging.Infof("new frontend %s", sender)
	}
	list, err := s.Notifier.List(s.context(), sess)
	logCall(sender, "GetPrinterList", "", start, err)
	return list
}

// GetAllOptions returns every option of printerID, media and margins
// included, and the printer's media sizes.
func (s *Server) GetAllOptions(sender, printerID string) (opts []model.Option, media []model.MediaSize, err error) {
	defer func(start time.Time) { logCall(sender, "GetAllOptions", printerID, start, err) }(time.Now())
	ctx := s.context()
	err = s.withPrinter(sender, printerID, func(p *printer.Printer) {
		opts = p.AllOptions(ctx)
		media = p.AllMedia(ctx)
		opts = p.AddMediaOption(ctx, media, opts)
	})
	return opts, media, err
}

func (s *Server) GetPrinterState(sender, printerID string) (state string, err error) {
	defer func(start time.Time) { logCall(sender, "GetPrinterState", printerID, start, err) }(time.Now())
	state = model.NA
	err = s.withPrinter(sender, printerID, func(p *printer.Printer) {
		state = p.State(s.context())
	})
	return state, err
}

func (s *Server) IsAcceptingJobs(sender, printerID string) (accepting bool, err error) {
	defer func(start time.Time) { logCall(sender, "IsAcceptingJobs", printerID, start, err) }(time.Now())
	err = s.withPrinter(sender, printerID, func(p *printer.Printer) {
		accepting = p.IsAcceptingJobs()
	})
	return accepting, err
}

func (s *Server) GetDefaultPrinter(sender string) string {
	start := time.Now()
	name := model.NA
	if s.Defaults != nil {
		name = s.Defaults.DefaultPrinter(s.context())
	}
	logCall(sender, "GetDefaultPrinter", name, start, nil)
	return name
}

// PrintSocket starts a job on printerID and returns its id and the socket
// the document is to be written to. A job the scheduler would not take is
// reported as id "0" with an empty path.
func (s *Server) PrintSocket(sender, printerID string, settings map[string]string, title string) (jobID, socketPath string, err error) {
	defer func(start time.Time) { logCall(sender, "PrintSocket", printerID, start, err) }(time.Now())
	jobID = "0"
	var job model.Job
	var startErr error
	err = s.withPrinter(sender, printerID, func(p *printer.Printer) {
		job, startErr = s.Jobs.StartJob(s.context(), p, title, settings)
	})
	if err != nil {
		return jobID, "", err
	}
	if startErr != nil {
		logging.Warnf("print on %s for %s: %v", printerID, sender, startErr)
		return jobID, "", nil
	}
	return strconv.Itoa(job.ID), job.SocketPath, nil
}

func (s *Server) GetOptionTranslation(sender, printerID, option, locale string) (text string, err error) {
	defer func(start time.Time) { logCall(sender, "GetOptionTranslation", printerID, start, err) }(time.Now())
	text = option
	err = s.withPrinter(sender, printerID, func(p *printer.Printer) {
		text = p.Translate(s.context(), option, locale)
	})
	return text, err
}

func (s *Server) GetChoiceTranslation(sender, printerID, option, choice, locale string) (text string, err error) {
	defer func(start time.Time) { logCall(sender, "GetChoiceTranslation", printerID, start, err) }(time.Now())
	text = choice
	err = s.withPrinter(sender, printerID, func(p *printer.Printer) {
		text = p.TranslateChoice(s.context(), option, choice, locale)
	})
	return text, err
}

func (s *Server) GetAllTranslations(sender, printerID, locale string) (out map[string]string, err error) {
	defer func(start time.Time) { logCall(sender, "GetAllTranslations", printerID, start, err) }(time.Now())
	out = map[string]string{}
	err = s.withPrinter(sender, printerID, func(p *printer.Printer) {
		out = p.AllTranslations(s.context(), locale)
	})
	return out, err
}

// KeepAlive keeps the sender's session when its bus name goes away.
func (s *Server) KeepAlive(sender string) error {
	err := s.Registry.SetKeepAlive(sender, true)
	logCall(sender, "KeepAlive", "", time.Now(), err)
	return err
}

// Replace hands the session of a previous connection over to sender.
func (s *Server) Replace(sender, previous string) error {
	err := s.Registry.Rename(previous, sender)
	logCall(sender, "Replace", "", time.Now(), err)
	return err
}

func (s *Server) Ping(sender string) {
	logCall(sender, "Ping", "", time.Now(), nil)
}

// SetRemoteVisible shows or hides remote queues for sender and resends
// its printer list as signals.
func (s *Server) SetRemoteVisible(sender string, visible bool) error {
	return s.setVisibility(sender, "RemotePrinters", func(name string) error {
		return s.Registry.SetHideRemote(name, !visible)
	})
}

// SetTemporaryVisible is SetRemoteVisible for temporary queues.
func (s *Server) SetTemporaryVisible(sender string, visible bool) error {
	return s.setVisibility(sender, "TemporaryPrinters", func(name string) error {
		return s.Registry.SetHideTemporary(name, !visible)
	})
}

func (s *Server) setVisibility(sender, what string, set func(string) error) (err error) {
	defer func(start time.Time) { logCall(sender, "Set"+what, "", start, err) }(time.Now())
	sess, _ := s.Registry.Add(sender)
	if err = set(sender); err != nil {
		return err
	}
	if rerr := s.Notifier.Refresh(s.context(), sess); rerr != nil {
		logging.Debugf("refresh %s: %v", sender, rerr)
	}
	return nil
}

// DoListing starts (true) or stops (false) printer listing for sender.
// Stopping cancels an enumeration in progress.
func (s *Server) DoListing(sender string, toggle bool) (err error) {
	defer func(start time.Time) { logCall(sender, "DoListing", "", start, err) }(time.Now())
	sess, _ := s.Registry.Add(sender)
	if !toggle {
		return s.Registry.Cancel(sender)
	}
	if err = s.Registry.ResetCancel(sender); err != nil {
		return err
	}
	if rerr := s.Notifier.Refresh(s.context(), sess); rerr != nil && !errors.Is(rerr, context.Canceled) {
		logging.Warnf("listing for %s: %v", sender, rerr)
	}
	return nil
}

// GetAllJobs lists the user's jobs across every queue. An unreachable
// scheduler yields an empty list.
func (s *Server) GetAllJobs(sender string, activeOnly bool) []model.Job {
	start := time.Now()
	out, err := s.Jobs.GetAllJobs(s.context(), "", activeOnly)
	logCall(sender, "GetAllJobs", "", start, err)
	return out
}

func (s *Server) GetActiveJobsCount(sender string) int {
	start := time.Now()
	n, err := s.Jobs.GetActiveJobsCount(s.context(), "")
	logCall(sender, "GetActiveJobsCount", "", start, err)
	return n
}

// CancelJob cancels jobID on printerID and reports whether the scheduler
// accepted the request.
func (s *Server) CancelJob(sender, jobID, printerID string) bool {
	start := time.Now()
	id, err := strconv.Atoi(jobID)
	if err == nil {
		err = s.Jobs.CancelJob(s.context(), printerID, id)
	}
	logCall(sender, "CancelJob", printerID, start, err)
	return err == nil
}

// FrontendGone drops name's session unless it asked to be kept alive.
func (s *Server) FrontendGone(name string) bool {
	sess, ok := s.Registry.Find(name)
	if !ok || sess.KeepAlive() {
		return false
	}
	if !s.Registry.Remove(name) {
		return false
	}
	logging.Infof("frontend %s went away", name)
	return true
}
