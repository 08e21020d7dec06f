// Package jobs submits documents to the scheduler. A job is created up
// front and its document is streamed from a per-job unix socket that the
// frontend writes into.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"strings"
	"sync"
	"time"

	goipp "github.com/OpenPrinting/goipp"
	"github.com/dustin/go-humanize"

	"cpdbcups/internal/backend"
	"cpdbcups/internal/cupsclient"
	"cpdbcups/internal/logging"
	"cpdbcups/internal/model"
	"cpdbcups/internal/printer"
	"cpdbcups/internal/spool"
	"cpdbcups/internal/store"
)

const (
	chunkSize      = 1024
	documentFormat = "application/octet-stream"
)

var ErrNoJobID = errors.New("scheduler returned no job-id")

// Streamer owns every in-flight document transfer.
type Streamer struct {
	Client *cupsclient.Client
	Spool  spool.Spool
	Store  *store.Store

	mu      sync.Mutex
	active  map[int]*transfer
	workers sync.WaitGroup
}

type transfer struct {
	ln   *net.UnixListener
	done chan struct{}
}

func New(client *cupsclient.Client, sp spool.Spool, st *store.Store) *Streamer {
	return &Streamer{Client: client, Spool: sp, Store: st, active: map[int]*transfer{}}
}

// StartJob creates a job on p, opens its document and returns once the
// socket is listening. The document is complete when the frontend closes
// its end of the socket.
func (s *Streamer) StartJob(ctx context.Context, p *printer.Printer, title string, options map[string]string) (model.Job, error) {
	conn, uri, err := p.Conn()
	if err != nil {
		return model.Job{}, err
	}
	if strings.TrimSpace(title) == "" {
		title = "Untitled"
	}

	req := conn.NewRequest(goipp.OpCreateJob)
	addTarget(req, conn, uri)
	req.Operation.Add(goipp.MakeAttribute("job-name", goipp.TagName, goipp.String(title)))
	for _, attr := range JobAttributes(options) {
		req.Job.Add(attr)
	}
	resp, err := conn.Do(ctx, req)
	if err != nil {
		return model.Job{}, backend.Wrap("Create-Job", p.Name(), err)
	}
	jobID := 0
	for _, attrs := range cupsclient.GroupAttrs(resp, goipp.TagJobGroup) {
		if id := cupsclient.FindInt(attrs, "job-id"); id > 0 {
			jobID = id
		}
	}
	if jobID <= 0 {
		return model.Job{}, backend.WrapPermanent("Create-Job", p.Name(), ErrNoJobID)
	}

	job := model.Job{
		ID:         jobID,
		Printer:    p.Name(),
		Title:      title,
		User:       conn.User,
		State:      model.JobStateName(3),
		SocketPath: s.Spool.SocketPath(model.BackendTag, jobID),
		Options:    options,
		Submitted:  time.Now(),
	}

	ln, err := s.Spool.Listen(job.SocketPath)
	if err != nil {
		s.cancelCreated(conn, uri, jobID)
		return model.Job{}, fmt.Errorf("listen %s: %w", job.SocketPath, err)
	}

	doc := conn.NewRequest(goipp.OpSendDocument)
	addTarget(doc, conn, uri)
	doc.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(jobID)))
	doc.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType, goipp.String(documentFormat)))
	doc.Operation.Add(goipp.MakeAttribute("last-document", goipp.TagBoolean, goipp.Boolean(true)))
	// the transfer outlives the request that started it
	t := conn.StartDocument(context.WithoutCancel(ctx), doc)

	tr := &transfer{ln: ln, done: make(chan struct{})}
	s.mu.Lock()
	if s.active == nil {
		s.active = map[int]*transfer{}
	}
	s.active[jobID] = tr
	s.mu.Unlock()

	s.workers.Add(1)
	go s.stream(job, tr, t)
	logging.Infof("job %d on %s listening at %s", jobID, job.Printer, job.SocketPath)
	return job, nil
}

// stream accepts the single writer, forwards its bytes and finalizes the
// document exactly once.
func (s *Streamer) stream(job model.Job, tr *transfer, t *cupsclient.DocumentTransfer) {
	defer s.workers.Done()
	defer close(tr.done)
	defer func() {
		s.mu.Lock()
		if s.active[job.ID] == tr {
			delete(s.active, job.ID)
		}
		s.mu.Unlock()
	}()
	defer func() {
		_ = tr.ln.Close()
		if err := spool.Remove(job.SocketPath); err != nil {
			logging.Warnf("remove %s: %v", job.SocketPath, err)
		}
	}()

	outcome := model.TransferOutcome{JobID: job.ID, Printer: job.Printer, Title: job.Title, Started: time.Now()}
	conn, err := tr.ln.Accept()
	_ = tr.ln.Close()
	if err != nil {
		_ = t.Abort(err)
		outcome.Error = "accept: " + err.Error()
		s.finish(outcome)
		return
	}

	n, copyErr := copyChunks(t, conn)
	_ = conn.Close()
	outcome.Bytes = n

	var finishErr error
	if copyErr != nil {
		finishErr = t.Abort(copyErr)
	} else {
		_, finishErr = t.Finish()
	}
	switch {
	case copyErr != nil:
		outcome.Error = copyErr.Error()
	case finishErr != nil:
		outcome.Error = finishErr.Error()
	default:
		outcome.Completed = true
	}
	s.finish(outcome)
}

func copyChunks(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func (s *Streamer) finish(o model.TransferOutcome) {
	o.Finished = time.Now()
	if o.Completed {
		logging.Infof("job %d on %s: sent %s", o.JobID, o.Printer, humanize.Bytes(uint64(o.Bytes)))
	} else {
		logging.Warnf("job %d on %s failed after %s: %s", o.JobID, o.Printer, humanize.Bytes(uint64(o.Bytes)), o.Error)
	}
	if s.Store == nil {
		return
	}
	err := s.Store.WithTx(context.Background(), false, func(tx *sql.Tx) error {
		_, err := s.Store.RecordTransfer(context.Background(), tx, o)
		return err
	})
	if err != nil {
		logging.Warnf("record job %d: %v", o.JobID, err)
	}
}

func (s *Streamer) cancelCreated(conn *cupsclient.Client, uri string, jobID int) {
	req := conn.NewRequest(goipp.OpCancelJob)
	addTarget(req, conn, uri)
	req.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(jobID)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Do(ctx, req); err != nil {
		logging.Debugf("cancel job %d: %v", jobID, err)
	}
}

// Wait blocks until the transfer for jobID has finished, or ctx ends.
func (s *Streamer) Wait(ctx context.Context, jobID int) error {
	s.mu.Lock()
	tr, ok := s.active[jobID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-tr.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active is the number of transfers still running.
func (s *Streamer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Close stops waiting for writers that never connected and joins every
// worker. Transfers already streaming run to completion.
func (s *Streamer) Close() {
	s.mu.Lock()
	for _, tr := range s.active {
		_ = tr.ln.Close()
	}
	s.mu.Unlock()
	s.workers.Wait()
}

var jobAttributes = []string{
	"job-id",
	"job-name",
	"job-originating-user-name",
	"job-state",
	"job-printer-uri",
	"time-at-creation",
	"job-k-octets",
}

// GetAllJobs lists the requesting user's jobs on printerName, or on every
// queue when printerName is empty.
func (s *Streamer) GetAllJobs(ctx context.Context, printerName string, activeOnly bool) ([]model.Job, error) {
	if s.Client == nil {
		return nil, backend.ErrUnsupported
	}
	var req *goipp.Message
	if printerName == "" {
		req = s.Client.NewRequest(goipp.OpGetJobs)
		req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String("ipp://localhost/")))
		if s.Client.User != "" {
			req.Operation.Add(goipp.MakeAttribute("requesting-user-name", goipp.TagName, goipp.String(s.Client.User)))
		}
	} else {
		req = s.Client.NewPrinterRequest(goipp.OpGetJobs, printerName)
	}
	which := "all"
	if activeOnly {
		which = "not-completed"
	}
	req.Operation.Add(goipp.MakeAttribute("which-jobs", goipp.TagKeyword, goipp.String(which)))
	req.Operation.Add(goipp.MakeAttribute("my-jobs", goipp.TagBoolean, goipp.Boolean(true)))
	vals := make([]goipp.Value, 0, len(jobAttributes))
	for _, name := range jobAttributes {
		vals = append(vals, goipp.String(name))
	}
	req.Operation.Add(goipp.MakeAttr("requested-attributes", goipp.TagKeyword, vals[0], vals[1:]...))

	resp, err := s.Client.Do(ctx, req)
	if err != nil {
		return nil, backend.Wrap("Get-Jobs", printerName, err)
	}
	var out []model.Job
	for _, attrs := range cupsclient.GroupAttrs(resp, goipp.TagJobGroup) {
		job := jobFromAttrs(attrs)
		if job.ID <= 0 {
			continue
		}
		// the which-jobs filter is advisory for some servers
		if state := cupsclient.FindInt(attrs, "job-state"); activeOnly && state != 0 && !model.JobActive(state) {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// GetActiveJobsCount counts pending, held, printing and stopped jobs.
func (s *Streamer) GetActiveJobsCount(ctx context.Context, printerName string) (int, error) {
	jobs, err := s.GetAllJobs(ctx, printerName, true)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// CancelJob cancels jobID on printerName.
func (s *Streamer) CancelJob(ctx context.Context, printerName string, jobID int) error {
	if s.Client == nil {
		return backend.ErrUnsupported
	}
	req := s.Client.NewPrinterRequest(goipp.OpCancelJob, printerName)
	req.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(jobID)))
	if _, err := s.Client.Do(ctx, req); err != nil {
		return backend.Wrap("Cancel-Job", printerName, err)
	}
	return nil
}

func jobFromAttrs(attrs goipp.Attributes) model.Job {
	job := model.Job{
		ID:    cupsclient.FindInt(attrs, "job-id"),
		Title: cupsclient.FindAttr(attrs, "job-name"),
		User:  cupsclient.FindAttr(attrs, "job-originating-user-name"),
		State: model.JobStateName(cupsclient.FindInt(attrs, "job-state")),
		Size:  cupsclient.FindInt(attrs, "job-k-octets"),
	}
	if uri := cupsclient.FindAttr(attrs, "job-printer-uri"); uri != "" {
		job.Printer = path.Base(uri)
	}
	if ts := cupsclient.FindInt(attrs, "time-at-creation"); ts > 0 {
		job.Submitted = time.Unix(int64(ts), 0)
	}
	return job
}

func addTarget(req *goipp.Message, conn *cupsclient.Client, uri string) {
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(uri)))
	if conn.User != "" {
		req.Operation.Add(goipp.MakeAttribute("requesting-user-name", goipp.TagName, goipp.String(conn.User)))
	}
}
