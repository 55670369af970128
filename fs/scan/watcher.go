package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/talkarr/talkarr/logging"
)

// DefaultDebounce is how long a Watcher waits for changes to settle before notifying
const DefaultDebounce = 5 * time.Second

// ChangeFunc is called with the root folders whose video files changed
type ChangeFunc func(ctx context.Context, roots []string)

// Watcher watches root folders recursively and reports changes to their video files
//
// Changes are debounced: a burst of changes, e.g. a copy of many files, results in one notification once no change
// has been seen for the debounce interval.
type Watcher struct {
	fw       *fsnotify.Watcher
	onChange ChangeFunc
	debounce time.Duration
	logger   logging.Logger
	exts     map[string]bool

	mu    sync.Mutex
	roots map[string]bool
}

// WatcherOption is a function that sets optional Watcher configuration
type WatcherOption func(w *Watcher)

// WithDebounce sets how long changes must settle before the Watcher notifies
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithWatcherLogger sets the Watcher's logger
func WithWatcherLogger(logger logging.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithWatchedExtensions sets the extensions of the files whose changes are reported
func WithWatchedExtensions(exts ...string) WatcherOption {
	return func(w *Watcher) {
		w.exts = extensionSet(exts)
	}
}

// NewWatcher creates a Watcher that calls onChange when video files below a watched root change
func NewWatcher(onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fw:       fw,
		onChange: onChange,
		debounce: DefaultDebounce,
		logger:   logging.Discard,
		exts:     extensionSet(DefaultVideoExtensions),
		roots:    map[string]bool{},
	}
	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Add starts watching root and every directory below it
func (w *Watcher) Add(root string) error {
	root = filepath.Clean(root)

	if err := w.addTree(root); err != nil {
		return err
	}

	w.mu.Lock()
	w.roots[root] = true
	w.mu.Unlock()

	return nil
}

// Remove stops watching root and the directories below it
func (w *Watcher) Remove(root string) {
	root = filepath.Clean(root)

	w.mu.Lock()
	delete(w.roots, root)
	w.mu.Unlock()

	for _, p := range w.fw.WatchList() {
		if p == root || strings.HasPrefix(p, root+string(filepath.Separator)) {
			_ = w.fw.Remove(p)
		}
	}
}

// Roots returns the watched root folders
func (w *Watcher) Roots() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	roots := make([]string, 0, len(w.roots))
	for r := range w.roots {
		roots = append(roots, r)
	}
	sort.Strings(roots)

	return roots
}

// Close stops watching every root folder; a running Serve returns
func (w *Watcher) Close() error {
	return w.fw.Close()
}

// Serve processes filesystem events until ctx is done or the Watcher is closed
//
// Serve may be called again after it returns, as long as the Watcher is open.
func (w *Watcher) Serve(ctx context.Context) error {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	pending := map[string]bool{}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}

			root, changed := w.handleEvent(event)
			if !changed {
				continue
			}

			w.logger.Debug("root folder changed", "root", root, "path", event.Name, "op", event.Op.String())
			pending[root] = true
			timer.Reset(w.debounce)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// events were lost, so every root may have changed
				for _, r := range w.Roots() {
					pending[r] = true
				}
				timer.Reset(w.debounce)
			}
			w.logger.Warn("filesystem watcher error", "error", err)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}

			roots := make([]string, 0, len(pending))
			for r := range pending {
				roots = append(roots, r)
			}
			sort.Strings(roots)
			pending = map[string]bool{}

			w.onChange(ctx, roots)
		}
	}
}

// handleEvent watches newly created directories and reports the root of a changed video file
func (w *Watcher) handleEvent(event fsnotify.Event) (root string, changed bool) {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) {
		return "", false
	}

	root = w.rootOf(event.Name)
	if root == "" || ShouldSkip(filepath.Base(event.Name)) {
		return "", false
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("unable to watch new directory", "path", event.Name, "error", err)
			}
			// the directory may have been moved in with videos inside
			return root, true
		}
	}

	ext := strings.ToLower(filepath.Ext(event.Name))
	if w.exts[ext] {
		return root, !event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
	}

	// a removed or renamed directory cannot be stat'ed; extensionless names are assumed to be directories
	if ext == "" && (event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) {
		return root, true
	}

	return "", false
}

func (w *Watcher) rootOf(path string) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var best string
	for r := range w.roots {
		if (path == r || strings.HasPrefix(path, r+string(filepath.Separator))) && len(r) > len(best) {
			best = r
		}
	}

	return best
}

// addTree watches dir and the directories below it; a symlinked dir is followed and watched under its own name
func (w *Watcher) addTree(dir string) error {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return err
	}

	return filepath.WalkDir(resolved, func(path string, d fs.DirEntry, err error) error {
		rel, _ := filepath.Rel(resolved, path)
		path = filepath.Join(dir, rel)

		if err != nil {
			if path == dir {
				return err
			}
			return fs.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && isHidden(d.Name()) {
			return fs.SkipDir
		}

		if err := w.fw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}

		return nil
	})
}
