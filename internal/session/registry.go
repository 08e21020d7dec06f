// Package session tracks the frontends talking to the backend and the
// printers each of them has been shown.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"cpdbcups/internal/backend"
	"cpdbcups/internal/printer"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrUnknownPrinter = errors.New("unknown printer")
)

// Session is one frontend. Request handlers hold Lock for the duration of a
// request attributed to the session; the visibility and cancel state has
// its own lock so it can change while a request is running.
type Session struct {
	mu       sync.Mutex
	printers map[string]*printer.Printer
	env      *printer.Env

	state         sync.Mutex
	name          string
	hideRemote    bool
	hideTemporary bool
	keepAlive     bool
	cancelled     bool
	stop          context.CancelFunc
	stopCtx       context.Context
}

func newSession(name string, env *printer.Env) *Session {
	s := &Session{name: name, printers: map[string]*printer.Printer{}, env: env}
	s.stopCtx, s.stop = context.WithCancel(context.Background())
	return s
}

// Name is the frontend's bus name.
func (s *Session) Name() string {
	s.state.Lock()
	defer s.state.Unlock()
	return s.name
}

func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// Printer returns the record the session was shown under name. The caller
// holds the session lock.
func (s *Session) Printer(name string) (*printer.Printer, error) {
	p, ok := s.printers[name]
	if !ok {
		return nil, ErrUnknownPrinter
	}
	return p, nil
}

// Has reports whether the session currently holds name. The caller holds
// the session lock.
func (s *Session) Has(name string) bool {
	_, ok := s.printers[name]
	return ok
}

// PrinterNames lists held printers in name order. The caller holds the
// session lock.
func (s *Session) PrinterNames() []string {
	out := make([]string, 0, len(s.printers))
	for name := range s.printers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Session) insert(d backend.Dest) *printer.Printer {
	p := printer.New(d, s.env)
	s.printers[d.Name] = p
	return p
}

func (s *Session) drop(name string) {
	if p, ok := s.printers[name]; ok {
		p.Close()
		delete(s.printers, name)
	}
}

func (s *Session) closeAll() {
	for name := range s.printers {
		s.drop(name)
	}
}

// Filter is the enumeration filter implied by the session's visibility
// flags.
func (s *Session) Filter() backend.Filter {
	s.state.Lock()
	defer s.state.Unlock()
	return backend.Filter{ExcludeRemote: s.hideRemote, ExcludeTemporary: s.hideTemporary}
}

func (s *Session) KeepAlive() bool {
	s.state.Lock()
	defer s.state.Unlock()
	return s.keepAlive
}

func (s *Session) Cancelled() bool {
	s.state.Lock()
	defer s.state.Unlock()
	return s.cancelled
}

// Context derives a context from parent that is also cancelled by Cancel
// on this session.
func (s *Session) Context(parent context.Context) (context.Context, context.CancelFunc) {
	s.state.Lock()
	stopCtx := s.stopCtx
	s.state.Unlock()
	ctx, cancel := context.WithCancel(parent)
	unhook := context.AfterFunc(stopCtx, cancel)
	return ctx, func() {
		unhook()
		cancel()
	}
}

func (s *Session) cancel() {
	s.state.Lock()
	s.cancelled = true
	s.stop()
	s.state.Unlock()
}

func (s *Session) resetCancel() {
	s.state.Lock()
	if s.cancelled {
		s.cancelled = false
		s.stopCtx, s.stop = context.WithCancel(context.Background())
	}
	s.state.Unlock()
}

// Registry owns every live session. Structural changes take the registry
// lock; per-session work takes the session's own lock.
type Registry struct {
	env *printer.Env

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(env *printer.Env) *Registry {
	return &Registry{env: env, sessions: map[string]*Session{}}
}

// Add registers name. An existing session is returned untouched.
func (r *Registry) Add(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[name]; ok {
		return s, false
	}
	s := newSession(name, r.env)
	r.sessions[name] = s
	return s, true
}

// Remove forgets name and closes every printer connection it held.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	s, ok := r.sessions[name]
	delete(r.sessions, name)
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.cancel()
	s.Lock()
	s.closeAll()
	s.Unlock()
	return true
}

// Rename moves the session registered as oldName to newName, replacing
// any session already there. It serves a frontend that reconnected under
// a new bus name.
func (r *Registry) Rename(oldName, newName string) error {
	r.mu.Lock()
	s, ok := r.sessions[oldName]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownSession
	}
	if oldName == newName {
		r.mu.Unlock()
		return nil
	}
	displaced := r.sessions[newName]
	delete(r.sessions, oldName)
	r.sessions[newName] = s
	s.state.Lock()
	s.name = newName
	s.state.Unlock()
	r.mu.Unlock()

	if displaced != nil {
		displaced.cancel()
		displaced.Lock()
		displaced.closeAll()
		displaced.Unlock()
	}
	return nil
}

func (r *Registry) Find(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	return s, ok
}

func (r *Registry) IsEmpty() bool {
	return r.Len() == 0
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Names lists live sessions in name order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Sessions is a snapshot of the live sessions in name order.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (r *Registry) with(name string, fn func(*Session)) error {
	s, ok := r.Find(name)
	if !ok {
		return ErrUnknownSession
	}
	fn(s)
	return nil
}

func (r *Registry) SetHideRemote(name string, hide bool) error {
	return r.with(name, func(s *Session) {
		s.state.Lock()
		s.hideRemote = hide
		s.state.Unlock()
	})
}

func (r *Registry) SetHideTemporary(name string, hide bool) error {
	return r.with(name, func(s *Session) {
		s.state.Lock()
		s.hideTemporary = hide
		s.state.Unlock()
	})
}

func (r *Registry) SetKeepAlive(name string, keep bool) error {
	return r.with(name, func(s *Session) {
		s.state.Lock()
		s.keepAlive = keep
		s.state.Unlock()
	})
}

// Cancel stops any enumeration running for name. Other sessions and job
// transfers are unaffected.
func (r *Registry) Cancel(name string) error {
	return r.with(name, (*Session).cancel)
}

func (r *Registry) ResetCancel(name string) error {
	return r.with(name, (*Session).resetCancel)
}

// Close removes every session.
func (r *Registry) Close() {
	for _, name := range r.Names() {
		r.Remove(name)
	}
}
