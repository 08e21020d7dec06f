package cupsclient

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	goipp "github.com/OpenPrinting/goipp"
)

// NewRequest builds an IPP request with the mandatory operation attributes
// already filled in.
func (c *Client) NewRequest(op goipp.Op) *goipp.Message {
	req := goipp.NewRequest(goipp.DefaultVersion, op, uint32(time.Now().UnixNano()))
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
	return req
}

// NewPrinterRequest is NewRequest plus printer-uri and requesting-user-name.
func (c *Client) NewPrinterRequest(op goipp.Op, printer string) *goipp.Message {
	req := c.NewRequest(op)
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(c.PrinterURI(printer))))
	if c.User != "" {
		req.Operation.Add(goipp.MakeAttribute("requesting-user-name", goipp.TagName, goipp.String(c.User)))
	}
	return req
}

// Do sends a request without a document and turns IPP error statuses into
// errors.
func (c *Client) Do(ctx context.Context, req *goipp.Message) (*goipp.Message, error) {
	resp, err := c.Send(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	if err := StatusError(resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func StatusError(resp *goipp.Message) error {
	if resp == nil {
		return fmt.Errorf("empty ipp response")
	}
	if goipp.Status(resp.Code) >= goipp.StatusRedirectionOtherSite {
		return fmt.Errorf("%s", goipp.Status(resp.Code))
	}
	return nil
}

// DocumentTransfer streams a document body into an open Send-Document
// request. Write forwards bytes as they arrive; Finish closes the body and
// waits for the scheduler's answer.
type DocumentTransfer struct {
	pw   *io.PipeWriter
	done chan struct{}
	once sync.Once

	resp *goipp.Message
	err  error
}

// StartDocument begins the HTTP request for msg in the background. The
// request body is whatever is subsequently written to the transfer.
func (c *Client) StartDocument(ctx context.Context, msg *goipp.Message) *DocumentTransfer {
	pr, pw := io.Pipe()
	t := &DocumentTransfer{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		resp, err := c.Send(ctx, msg, pr)
		if err == nil {
			err = StatusError(resp)
		}
		// unblock writers if the server answered early
		_ = pr.CloseWithError(io.ErrClosedPipe)
		t.resp, t.err = resp, err
	}()
	return t
}

func (t *DocumentTransfer) Write(p []byte) (int, error) {
	return t.pw.Write(p)
}

// Finish ends the document and returns the scheduler's response. It is
// safe to call more than once.
func (t *DocumentTransfer) Finish() (*goipp.Message, error) {
	t.once.Do(func() { _ = t.pw.Close() })
	<-t.done
	return t.resp, t.err
}

// Abort ends the document with an error so the request fails rather than
// completing with a truncated body.
func (t *DocumentTransfer) Abort(cause error) error {
	t.once.Do(func() { _ = t.pw.CloseWithError(cause) })
	<-t.done
	return t.err
}

// FindAttr returns the first value of name as a string.
func FindAttr(attrs goipp.Attributes, name string) string {
	return attrString(attrs, name)
}

// FindAttrValues returns every value of name as strings.
func FindAttrValues(attrs goipp.Attributes, name string) []string {
	for _, attr := range attrs {
		if attr.Name != name {
			continue
		}
		out := make([]string, 0, len(attr.Values))
		for _, v := range attr.Values {
			out = append(out, v.V.String())
		}
		return out
	}
	return nil
}

// LookupAttr returns the attribute called name.
func LookupAttr(attrs goipp.Attributes, name string) (goipp.Attribute, bool) {
	for _, attr := range attrs {
		if attr.Name == name {
			return attr, true
		}
	}
	return goipp.Attribute{}, false
}

// HasValue reports whether attr carries a real value rather than an
// out-of-band no-value, unknown or unsupported marker.
func HasValue(attr goipp.Attribute) bool {
	if len(attr.Values) == 0 {
		return false
	}
	switch attr.Values[0].T {
	case goipp.TagNoValue, goipp.TagUnknown, goipp.TagUnsupportedValue:
		return false
	}
	return true
}

// FindInt returns the first value of name as an integer, or 0.
func FindInt(attrs goipp.Attributes, name string) int {
	attr, ok := LookupAttr(attrs, name)
	if !ok || len(attr.Values) == 0 {
		return 0
	}
	if n, ok := attr.Values[0].V.(goipp.Integer); ok {
		return int(n)
	}
	n, _ := strconv.Atoi(strings.TrimSpace(attr.Values[0].V.String()))
	return n
}

// GroupAttrs collects the attributes of every group tagged tag.
func GroupAttrs(resp *goipp.Message, tag goipp.Tag) []goipp.Attributes {
	if resp == nil {
		return nil
	}
	var out []goipp.Attributes
	for _, g := range resp.Groups {
		if g.Tag == tag {
			out = append(out, g.Attrs)
		}
	}
	return out
}

func attrString(attrs goipp.Attributes, name string) string {
	for _, attr := range attrs {
		if !strings.EqualFold(strings.TrimSpace(attr.Name), strings.TrimSpace(name)) {
			continue
		}
		if len(attr.Values) == 0 {
			return ""
		}
		return strings.TrimSpace(attr.Values[0].V.String())
	}
	return ""
}
