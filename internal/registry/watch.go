package registry

import (
	"strings"

	"github.com/fsnotify/fsnotify"
)

// LockWatcher watches /tmp for X<n>-lock removal so Reconcile can react to
// an externally-killed display (a user running `kill -9` on their own Xorg,
// an OOM kill) faster than the next reconcile-timer tick. Grounded on the
// fsnotify directory-watch-plus-basename-filter pattern used elsewhere in
// the example pack for reacting to file churn without polling.
type LockWatcher struct {
	reg     *Registry
	watcher *fsnotify.Watcher
}

// NewLockWatcher watches /tmp, the directory Xorg places its per-display
// lock file in (see internal/display's lockPath).
func NewLockWatcher(reg *Registry) (*LockWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add("/tmp"); err != nil {
		w.Close()
		return nil, err
	}
	return &LockWatcher{reg: reg, watcher: w}, nil
}

// Run blocks, triggering an immediate Reconcile whenever an X<n>-lock file
// is removed, until Close is called.
func (w *LockWatcher) Run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Remove == 0 {
				continue
			}
			if !isLockFile(ev.Name) {
				continue
			}
			w.reg.logger.Debug("lock file removed, reconciling early", "path", ev.Name)
			w.reg.Reconcile()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *LockWatcher) Close() error { return w.watcher.Close() }

func isLockFile(path string) bool {
	base := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		base = path[i+1:]
	}
	return strings.HasPrefix(base, ".X") && strings.HasSuffix(base, "-lock")
}
