// Package configstore implements the file-watched config loader (design
// doc Section 4.8): one Loader per hot-reloaded JSON document (mocks,
// errors, rate-limit response; the CRUD definition is parsed once with
// ParseCrudApiDefinition and not hot-reloaded), plus a shared FileWatcher
// that dispatches fsnotify events to the right loader's Load, adapted
// directly from the teacher's internal/config/watcher.go.
package configstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Loader owns one hot-reloaded config document of type T. Reloads swap an
// atomic pointer so readers always observe either the full prior or full
// new value, never a torn one (design doc Section 4.8/5).
type Loader[T any] struct {
	path  string
	parse func([]byte) (*T, error)
	cur   atomic.Pointer[T]
}

// NewLoader creates a Loader for path, using parse to turn file bytes into
// *T. The zero value of T (via an empty *T) is used if the file does not
// yet exist, so Get never returns nil after construction — callers should
// call Load once before serving traffic.
func NewLoader[T any](path string, parse func([]byte) (*T, error)) *Loader[T] {
	l := &Loader[T]{path: path, parse: parse}
	var empty T
	l.cur.Store(&empty)
	return l
}

// Path returns the loader's backing file path (after ~appFolder
// resolution, done by the caller before NewLoader).
func (l *Loader[T]) Path() string { return l.path }

// Load parses the file and swaps it in atomically. A missing file is not an
// error returned here — the bound value is replaced with an empty (zero) T,
// matching
// design doc Section 4.8: "Missing file is a warning, not fatal; the bound
// config's collections are set to empty."
func (l *Loader[T]) Load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			var empty T
			l.cur.Store(&empty)
			return nil
		}
		return fmt.Errorf("reading %s: %w", l.path, err)
	}

	parsed, err := l.parse(data)
	if err != nil {
		// Design doc Section 7.2: on malformed JSON, the previous in-memory
		// configuration remains authoritative — do not swap the pointer.
		return fmt.Errorf("parsing %s: %w", l.path, err)
	}

	l.cur.Store(parsed)
	return nil
}

// Get returns the current snapshot. Safe to call concurrently with Load.
func (l *Loader[T]) Get() *T { return l.cur.Load() }

// FileName returns the base name this loader watches for, used by
// FileWatcher's dispatch table.
func (l *Loader[T]) FileName() string { return filepath.Base(l.path) }

// ResolvePath replaces a leading "~appFolder" token with the appFolder
// argument. cmd/devproxy passes its --app-folder value (default
// ~/.devproxy); the executable's own directory is not used.
func ResolvePath(p, appFolder string) string {
	const token = "~appFolder"
	if len(p) >= len(token) && p[:len(token)] == token {
		return filepath.Join(appFolder, p[len(token):])
	}
	return p
}
