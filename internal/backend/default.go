package backend

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	goipp "github.com/OpenPrinting/goipp"
	"github.com/fsnotify/fsnotify"

	"cpdbcups/internal/cupsclient"
	"cpdbcups/internal/logging"
	"cpdbcups/internal/model"
)

// DefaultResolver finds the user's default printer: LPDEST/PRINTER, then
// the Default line of lpoptions, then the scheduler's default. A local
// answer is cached until lpoptions changes; the scheduler's default is
// asked for every time since it can change server side.
type DefaultResolver struct {
	Client        *cupsclient.Client
	LpoptionsPath string

	mu     sync.Mutex
	cached string
}

func (r *DefaultResolver) DefaultPrinter(ctx context.Context) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != "" {
		return r.cached
	}
	name, local := r.resolve(ctx)
	if local {
		r.cached = name
	}
	return name
}

// Invalidate forgets the cached answer.
func (r *DefaultResolver) Invalidate() {
	r.mu.Lock()
	r.cached = ""
	r.mu.Unlock()
}

// resolve reports whether the name came from the environment or lpoptions.
func (r *DefaultResolver) resolve(ctx context.Context) (string, bool) {
	if v := strings.TrimSpace(os.Getenv("LPDEST")); v != "" {
		return stripInstance(v), true
	}
	if v := strings.TrimSpace(os.Getenv("PRINTER")); v != "" && v != "lp" {
		return stripInstance(v), true
	}
	if name := lpoptionsDefault(r.LpoptionsPath); name != "" {
		return name, true
	}
	return r.schedulerDefault(ctx), false
}

func (r *DefaultResolver) schedulerDefault(ctx context.Context) string {
	if r.Client == nil {
		return model.NA
	}
	resp, err := r.Client.Do(ctx, r.Client.NewRequest(goipp.OpCupsGetDefault))
	if err != nil {
		logging.Debugf("CUPS-Get-Default: %v", err)
		return model.NA
	}
	for _, attrs := range cupsclient.GroupAttrs(resp, goipp.TagPrinterGroup) {
		if name := cupsclient.FindAttr(attrs, "printer-name"); name != "" {
			return name
		}
	}
	if name := cupsclient.FindAttr(resp.Printer, "printer-name"); name != "" {
		return name
	}
	return model.NA
}

// Watch invalidates the cache whenever lpoptions is written, created or
// removed. It returns when ctx is done.
func (r *DefaultResolver) Watch(ctx context.Context) error {
	if strings.TrimSpace(r.LpoptionsPath) == "" {
		return nil
	}
	dir := filepath.Dir(r.LpoptionsPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		target := filepath.Clean(r.LpoptionsPath)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					logging.Debugf("lpoptions changed (%s), dropping cached default", ev.Op)
					r.Invalidate()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warnf("lpoptions watcher: %v", err)
			}
		}
	}()
	return nil
}

func lpoptionsDefault(path string) string {
	if strings.TrimSpace(path) == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	name := ""
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && strings.EqualFold(fields[0], "Default") {
			name = stripInstance(fields[1])
		}
	}
	return name
}

func stripInstance(name string) string {
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[:i]
	}
	return name
}
