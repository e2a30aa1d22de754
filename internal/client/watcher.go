package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher recursively watches a project directory for file writes,
// creates, removes, and renames, filtering out paths that match the
// client's ignore globs. It generalizes the teacher's task/dep-only
// FileWatcher to an arbitrary directory tree.
type Watcher struct {
	watcher *fsnotify.Watcher
	root    string
	ignore  []string
	events  chan FSEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// FSOp is the kind of filesystem change observed.
type FSOp int

const (
	OpWrite FSOp = iota
	OpCreate
	OpRemove
	OpRename
)

// FSEvent is one filesystem change for a path relative to the
// watcher's root.
type FSEvent struct {
	Path string
	Op   FSOp
}

// NewWatcher creates a watcher rooted at dir; ignore is a set of glob
// patterns matched against paths relative to dir.
func NewWatcher(dir string, ignore []string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		watcher: fw,
		root:    dir,
		ignore:  ignore,
		events:  make(chan FSEvent, 256),
		errors:  make(chan error, 16),
		done:    make(chan struct{}),
	}, nil
}

// Start walks root adding every non-ignored directory to the watch
// set, then begins translating fsnotify events to FSEvents.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	err := filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(w.root, path)
		if rel != "." && Ignored(rel, w.ignore) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", w.root, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop closes the underlying fsnotify watcher and waits for the
// translation goroutine to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	return err
}

// Events returns the translated event channel, closed on Stop.
func (w *Watcher) Events() <-chan FSEvent { return w.events }

// Errors returns the error channel, closed on Stop.
func (w *Watcher) Errors() <-chan error { return w.errors }

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if fe, ok := w.translate(ev); ok {
				select {
				case w.events <- fe:
				case <-w.done:
					return
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

func (w *Watcher) translate(ev fsnotify.Event) (FSEvent, bool) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return FSEvent{}, false
	}
	rel = filepath.ToSlash(rel)
	if Ignored(rel, w.ignore) {
		return FSEvent{}, false
	}

	var op FSOp
	switch {
	case ev.Has(fsnotify.Create):
		op = OpCreate
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.watcher.Add(ev.Name)
			return FSEvent{}, false
		}
	case ev.Has(fsnotify.Write):
		op = OpWrite
	case ev.Has(fsnotify.Remove):
		op = OpRemove
	case ev.Has(fsnotify.Rename):
		op = OpRename
	default:
		return FSEvent{}, false
	}

	return FSEvent{Path: rel, Op: op}, true
}

// Ignored reports whether rel (slash-separated, relative to the
// watch root) matches any of the glob patterns. Patterns use the
// same "**" double-star convention as spec.md's default ignore list;
// no third-party glob matcher in the reference pack covers that
// syntax, so this is a small hand-rolled matcher.
func Ignored(rel string, patterns []string) bool {
	for _, p := range patterns {
		if globMatch(p, rel) {
			return true
		}
	}
	return false
}

func globMatch(pattern, name string) bool {
	pParts := strings.Split(pattern, "/")
	nParts := strings.Split(name, "/")
	return matchParts(pParts, nParts)
}

func matchParts(pat, name []string) bool {
	if len(pat) == 0 {
		return len(name) == 0
	}
	if pat[0] == "**" {
		if matchParts(pat[1:], name) {
			return true
		}
		if len(name) == 0 {
			return false
		}
		return matchParts(pat, name[1:])
	}
	if len(name) == 0 {
		return false
	}
	ok, err := filepath.Match(pat[0], name[0])
	if err != nil || !ok {
		return false
	}
	return matchParts(pat[1:], name[1:])
}
