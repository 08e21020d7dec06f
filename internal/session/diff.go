package session

import (
	"context"
	"sort"

	"cpdbcups/internal/backend"
	"cpdbcups/internal/logging"
	"cpdbcups/internal/model"
)

// Emitter delivers printer events to one session.
type Emitter interface {
	PrinterAdded(session string, p model.PrinterSummary)
	PrinterRemoved(session, id, backendTag string)
	PrinterStateChanged(session, id, state string, accepting bool, backendTag string)
}

// Enumerator produces a fresh destination snapshot.
type Enumerator interface {
	Enumerate(ctx context.Context, filter backend.Filter) (map[string]backend.Dest, error)
}

// Notifier keeps each session's printer map in step with the catalog and
// tells the frontend what changed.
type Notifier struct {
	Registry *Registry
	Catalog  Enumerator
	Emitter  Emitter
}

// Reconcile brings s in line with fresh: every held name missing from fresh
// is reported removed and dropped, then every new name is reported added
// and inserted. Names in both are left alone. It returns the number of
// removals and additions.
func (n *Notifier) Reconcile(s *Session, fresh map[string]backend.Dest) (removed, added int) {
	s.Lock()
	defer s.Unlock()
	return n.reconcileLocked(s, fresh)
}

func (n *Notifier) reconcileLocked(s *Session, fresh map[string]backend.Dest) (removed, added int) {
	for _, name := range s.PrinterNames() {
		if _, ok := fresh[name]; ok {
			continue
		}
		logging.Debugf("printer %s removed for %s", name, s.Name())
		n.Emitter.PrinterRemoved(s.Name(), name, model.BackendTag)
		s.drop(name)
		removed++
	}
	for _, name := range sortedNames(fresh) {
		if s.Has(name) {
			continue
		}
		d := fresh[name]
		logging.Debugf("printer %s added for %s", name, s.Name())
		n.Emitter.PrinterAdded(s.Name(), d.Summary())
		s.insert(d)
		added++
	}
	return removed, added
}

// Refresh enumerates with the session's own filter and reconciles. A
// cancelled enumeration is not applied.
func (n *Notifier) Refresh(ctx context.Context, s *Session) error {
	fresh, err := n.enumerate(ctx, s)
	if err != nil {
		return err
	}
	n.Reconcile(s, fresh)
	return nil
}

// RefreshAll refreshes every live session.
func (n *Notifier) RefreshAll(ctx context.Context) {
	for _, s := range n.Registry.Sessions() {
		if err := n.Refresh(ctx, s); err != nil {
			logging.Debugf("refresh %s: %v", s.Name(), err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// List replaces the session's view with a fresh snapshot without emitting
// events and returns it. It answers GetPrinterList, whose reply already
// carries the list.
func (n *Notifier) List(ctx context.Context, s *Session) ([]model.PrinterSummary, error) {
	fresh, err := n.enumerate(ctx, s)
	if err != nil {
		return nil, err
	}
	s.Lock()
	defer s.Unlock()
	for _, name := range s.PrinterNames() {
		if _, ok := fresh[name]; !ok {
			s.drop(name)
		}
	}
	out := make([]model.PrinterSummary, 0, len(fresh))
	for _, name := range sortedNames(fresh) {
		if !s.Has(name) {
			s.insert(fresh[name])
		}
		out = append(out, fresh[name].Summary())
	}
	return out, nil
}

// StateChanged handles a scheduler state-change event for printerName: each
// session holding it gets the printer's current state.
func (n *Notifier) StateChanged(ctx context.Context, printerName string, accepting bool) int {
	sent := 0
	for _, s := range n.Registry.Sessions() {
		s.Lock()
		p, err := s.Printer(printerName)
		if err != nil {
			s.Unlock()
			continue
		}
		state := p.State(ctx)
		s.Unlock()
		n.Emitter.PrinterStateChanged(s.Name(), printerName, state, accepting, model.BackendTag)
		sent++
	}
	return sent
}

func (n *Notifier) enumerate(ctx context.Context, s *Session) (map[string]backend.Dest, error) {
	ctx, cancel := s.Context(ctx)
	defer cancel()
	fresh, err := n.Catalog.Enumerate(ctx, s.Filter())
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

func sortedNames(m map[string]backend.Dest) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
