package spool

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// Spool is the per-user directory holding job sockets,
// <runtime>/cpdb/sockets.
type Spool struct {
	Dir string
}

func (s Spool) Ensure() error {
	return os.MkdirAll(s.Dir, 0o700)
}

// SocketPath is where the socket for jobID lives: <dir>/<backend>-<id>.sock
// with the backend name lower-cased.
func (s Spool) SocketPath(backend string, jobID int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s-%d.sock", sanitizeName(backend), jobID))
}

// Listen creates the socket directory, removes any stale socket file left
// at path and listens on it. Only the owner may connect.
func (s Spool) Listen(path string) (*net.UnixListener, error) {
	if err := s.Ensure(); err != nil {
		return nil, err
	}
	if err := Remove(path); err != nil {
		return nil, err
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	// the file is removed by Remove, not by Close
	ln.SetUnlinkOnClose(false)
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		_ = Remove(path)
		return nil, err
	}
	return ln, nil
}

// Remove deletes a socket file. A missing file is not an error.
func Remove(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func sanitizeName(name string) string {
	clean := make([]rune, 0, len(name))
	for _, r := range strings.ToLower(name) {
		if r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|' || r == ' ' {
			continue
		}
		clean = append(clean, r)
	}
	if len(clean) == 0 {
		return "backend"
	}
	return string(clean)
}
