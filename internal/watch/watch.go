// Package watch reports changes to the plan's on-disk records so long-running
// commands can refresh their view without polling.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/fedy/internal/logging"
)

const defaultDebounce = 200 * time.Millisecond

type Options struct {
	// Debounce is the window in which a burst of events collapses into a
	// single callback.
	Debounce time.Duration
	// Interval, when positive, also fires the callback periodically so a
	// missed event is eventually noticed.
	Interval time.Duration
	Logger   *logging.Logger
}

// Watcher watches a set of directories and their subdirectories created
// after it started. Directories that exist at construction time are watched
// one level deep.
type Watcher struct {
	fw       *fsnotify.Watcher
	debounce time.Duration
	interval time.Duration
	log      *logging.Logger
}

// New creates the watched directories if needed and starts watching them.
func New(dirs []string, opts Options) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		fw:       fw,
		debounce: opts.Debounce,
		interval: opts.Interval,
		log:      opts.Logger.With("watch"),
	}
	if w.debounce <= 0 {
		w.debounce = defaultDebounce
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fw.Close()
			return nil, fmt.Errorf("ensure dir %s: %w", dir, err)
		}
		if err := w.addTree(dir); err != nil {
			fw.Close()
			return nil, err
		}
	}
	return w, nil
}

// addTree watches dir and its immediate subdirectories.
func (w *Watcher) addTree(dir string) error {
	if err := w.fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		if err := w.fw.Add(sub); err != nil {
			return fmt.Errorf("watch %s: %w", sub, err)
		}
	}
	return nil
}

// Run calls onChange after each burst of changes until ctx is cancelled.
// The watcher is closed when Run returns.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	defer w.fw.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	var pending <-chan time.Time

	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.log.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
			if pending == nil {
				timer.Reset(w.debounce)
				pending = timer.C
			}
		case <-pending:
			pending = nil
			onChange()
		case <-tick:
			w.log.Debugf("periodic refresh triggered")
			onChange()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.log.Errorf("fsnotify error=%v", err)
		}
	}
}

// relevant filters out chmod noise and temp files, and starts watching
// directories created under a watched one.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fw.Add(event.Name); err != nil {
				w.log.Warnf("watch_add_failed dir=%s error=%v", event.Name, err)
			}
		}
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}
