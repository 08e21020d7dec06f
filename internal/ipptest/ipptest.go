// Package ipptest runs fake IPP servers for package tests.
package ipptest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	goipp "github.com/OpenPrinting/goipp"

	"cpdbcups/internal/cupsclient"
)

// Handler answers one decoded request. body is whatever followed the IPP
// message (the document for Print-Job/Send-Document).
type Handler func(req *goipp.Message, body []byte, path string) *goipp.Message

// Server is an httptest server speaking IPP. Non-IPP GETs are answered from
// Files by path.
type Server struct {
	*httptest.Server

	mu     sync.Mutex
	Files  map[string]string
	reqs   []*goipp.Message
	unread bool
}

func NewServer(t *testing.T, handle Handler) *Server {
	t.Helper()
	s := &Server{Files: map[string]string{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if r.Method == http.MethodGet {
			s.mu.Lock()
			body, ok := s.Files[r.URL.Path]
			s.mu.Unlock()
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = io.WriteString(w, body)
			return
		}
		var req goipp.Message
		if err := req.Decode(r.Body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.reqs = append(s.reqs, &req)
		unread := s.unread
		s.mu.Unlock()
		var rest []byte
		if !unread {
			rest, _ = io.ReadAll(r.Body)
		}
		resp := handle(&req, rest, r.URL.Path)
		if resp == nil {
			resp = goipp.NewResponse(req.Version, goipp.StatusOk, req.RequestID)
		}
		w.Header().Set("Content-Type", goipp.ContentType)
		_ = resp.Encode(w)
	}))
	t.Cleanup(s.Close)
	return s
}

// LeaveBodyUnread makes the server answer without reading whatever follows
// the IPP message, the way a scheduler rejecting a document does.
func (s *Server) LeaveBodyUnread() {
	s.mu.Lock()
	s.unread = true
	s.mu.Unlock()
}

// SetFile serves content at path for plain GETs.
func (s *Server) SetFile(path, content string) {
	s.mu.Lock()
	s.Files[path] = content
	s.mu.Unlock()
}

// Requests returns every IPP request seen so far.
func (s *Server) Requests() []*goipp.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*goipp.Message(nil), s.reqs...)
}

// Count returns how many requests used op.
func (s *Server) Count(op goipp.Op) int {
	n := 0
	for _, req := range s.Requests() {
		if goipp.Op(req.Code) == op {
			n++
		}
	}
	return n
}

// Client returns a scheduler client pointed at the server.
func (s *Server) Client(t *testing.T) *cupsclient.Client {
	t.Helper()
	parsed, err := url.Parse(s.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	c := cupsclient.NewFromConfig(cupsclient.WithServer(parsed.Host))
	c.User = "tester"
	c.UseTLS = false
	c.Socket = ""
	return c
}

// HostPort is the server address without scheme.
func (s *Server) HostPort() string {
	return strings.TrimPrefix(s.URL, "http://")
}

// OK builds a successful response to req carrying one printer group.
func OK(req *goipp.Message, printer goipp.Attributes) *goipp.Message {
	resp := goipp.NewResponse(req.Version, goipp.StatusOk, req.RequestID)
	resp.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	resp.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
	if printer != nil {
		resp.Printer = printer
	}
	return resp
}

// Status builds an error response to req.
func Status(req *goipp.Message, status goipp.Status) *goipp.Message {
	return goipp.NewResponse(req.Version, status, req.RequestID)
}

// Keywords is a multi-valued keyword attribute.
func Keywords(name string, values ...string) goipp.Attribute {
	vals := make([]goipp.Value, 0, len(values))
	for _, v := range values {
		vals = append(vals, goipp.String(v))
	}
	if len(vals) == 0 {
		return goipp.MakeAttribute(name, goipp.TagNoValue, goipp.Void{})
	}
	return goipp.MakeAttr(name, goipp.TagKeyword, vals[0], vals[1:]...)
}

// Requested lists the requested-attributes of req.
func Requested(req *goipp.Message) []string {
	return cupsclient.FindAttrValues(req.Operation, "requested-attributes")
}
