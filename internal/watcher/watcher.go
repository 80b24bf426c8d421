// Package watcher keeps the index in sync with media folders: new or rewritten clips are
// ingested after a quiet period, deleted clips are removed from every index.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/clipdex/internal/indexer"
)

const defaultDebounce = 2 * time.Second

// Sink receives the debounced file changes. *indexer.Indexer satisfies it.
type Sink interface {
	Ingest(ctx context.Context, path string) (*indexer.FileReport, error)
	DeleteFile(ctx context.Context, path string) (int, error)
}

// Watcher watches media roots and feeds changes to a Sink.
type Watcher struct {
	roots      []string
	extensions []string
	recursive  bool
	sink       Sink
	debounce   time.Duration
	logger     *zap.Logger

	mu        sync.Mutex
	fsw       *fsnotify.Watcher
	ctx       context.Context
	pending   map[string]*time.Timer
	rootPaths map[string][]string // root -> directories added for it
	inflight  sync.WaitGroup
	done      chan struct{}
	stopOnce  sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets a logger for watch events and sync failures.
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets how long a file must stay quiet before it is ingested.
// Clips are often copied in over several seconds.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher over roots. extensions filter clips (empty = all files).
func NewWatcher(roots, extensions []string, recursive bool, sink Sink, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		roots:      append([]string(nil), roots...),
		extensions: extensions,
		recursive:  recursive,
		sink:       sink,
		debounce:   defaultDebounce,
		pending:    make(map[string]*time.Timer),
		rootPaths:  make(map[string][]string),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. It runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	w.ctx = ctx
	for i, root := range w.roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			abs = root
		}
		w.roots[i] = filepath.Clean(abs)
		if err := w.addRootLocked(w.roots[i]); err != nil {
			_ = fsw.Close()
			w.fsw = nil
			return err
		}
	}
	if w.logger != nil {
		w.logger.Info("watching media folders", zap.Strings("roots", w.roots), zap.Bool("recursive", w.recursive))
	}
	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if !w.underRoot(path) || hidden(path) {
		return
	}
	if w.logger != nil {
		w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	}
	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			if ev.Has(fsnotify.Create) {
				w.watchNewDirectory(path)
			}
			return
		}
		if matchExtension(path, w.extensions) {
			w.schedule(path)
		}
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		// A rename reports the old name; the new name arrives as a Create.
		w.cancel(path)
		if matchExtension(path, w.extensions) {
			w.dispatch(func(ctx context.Context) {
				n, err := w.sink.DeleteFile(ctx, path)
				w.logResult("watcher removed clip", path, err, zap.Int("segments", n))
			})
		}
	}
}

// watchNewDirectory adds a directory that appeared under a root and ingests its clips.
// Files copied in before the watch was added produce no events of their own.
func (w *Watcher) watchNewDirectory(dir string) {
	w.mu.Lock()
	fsw := w.fsw
	root := w.rootOfLocked(dir)
	w.mu.Unlock()
	if fsw == nil || !w.recursive {
		return
	}
	var added []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if hidden(path) {
				return filepath.SkipDir
			}
			if err := fsw.Add(path); err != nil {
				if w.logger != nil {
					w.logger.Warn("watcher failed to add directory", zap.String("path", path), zap.Error(err))
				}
				return nil
			}
			added = append(added, path)
			return nil
		}
		if d.Type().IsRegular() && matchExtension(path, w.extensions) {
			w.schedule(path)
		}
		return nil
	})
	w.mu.Lock()
	if root != "" {
		w.rootPaths[root] = append(w.rootPaths[root], added...)
	}
	w.mu.Unlock()
}

// schedule (re)starts the quiet-period timer of path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw == nil {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.dispatch(func(ctx context.Context) {
			rep, err := w.sink.Ingest(ctx, path)
			var outcome string
			if rep != nil {
				outcome = string(rep.Outcome)
			}
			w.logResult("watcher ingested clip", path, err, zap.String("outcome", outcome))
		})
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

// dispatch runs fn unless the watcher is stopping; Stop waits for running calls.
func (w *Watcher) dispatch(fn func(ctx context.Context)) {
	w.mu.Lock()
	if w.fsw == nil || w.sink == nil {
		w.mu.Unlock()
		return
	}
	ctx := w.ctx
	w.inflight.Add(1)
	w.mu.Unlock()
	defer w.inflight.Done()
	fn(ctx)
}

func (w *Watcher) logResult(msg, path string, err error, fields ...zap.Field) {
	if w.logger == nil {
		return
	}
	if err != nil {
		w.logger.Warn(msg+" with error", append(fields, zap.String("path", path), zap.Error(err))...)
		return
	}
	w.logger.Info(msg, append(fields, zap.String("path", path))...)
}

func (w *Watcher) underRoot(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rootOfLocked(path) != ""
}

func (w *Watcher) rootOfLocked(path string) string {
	for _, root := range w.roots {
		if root == path || inDir(root, path) {
			return root
		}
	}
	return ""
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// hidden matches dotfiles, which covers partial downloads and editor temp files.
func hidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

// AddDirectory adds a root. With syncExisting, clips already in it are ingested in the background.
func (w *Watcher) AddDirectory(root string, syncExisting bool) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw == nil {
		return nil
	}
	for _, r := range w.roots {
		if r == abs {
			return nil
		}
	}
	if err := w.addRootLocked(abs); err != nil {
		return err
	}
	w.roots = append(w.roots, abs)
	if w.logger != nil {
		w.logger.Info("watch directory added", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	}
	if syncExisting {
		go w.syncDirectory(abs)
	}
	return nil
}

func (w *Watcher) addRootLocked(root string) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}
	if !w.recursive {
		if err := w.fsw.Add(root); err != nil {
			return err
		}
		w.rootPaths[root] = []string{root}
		return nil
	}
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return err
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return err
	}
	w.rootPaths[root] = paths
	return nil
}

// syncDirectory ingests every matching clip under root, one at a time.
func (w *Watcher) syncDirectory(root string) {
	var files []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && (hidden(path) || !w.recursive) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && !hidden(path) && matchExtension(path, w.extensions) {
			files = append(files, path)
		}
		return nil
	})
	if w.logger != nil {
		w.logger.Debug("watcher syncing directory", zap.String("root", root), zap.Int("files", len(files)))
	}
	for _, path := range files {
		w.dispatch(func(ctx context.Context) {
			if ctx.Err() != nil {
				return
			}
			rep, err := w.sink.Ingest(ctx, path)
			var outcome string
			if rep != nil {
				outcome = string(rep.Outcome)
			}
			w.logResult("watcher synced clip", path, err, zap.String("outcome", outcome))
		})
	}
}

// SyncExistingFiles ingests clips already present under every root. Call after Start.
func (w *Watcher) SyncExistingFiles() {
	for _, root := range w.Directories() {
		w.syncDirectory(root)
	}
}

// RemoveDirectory stops watching root. Indexed segments are kept.
func (w *Watcher) RemoveDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw == nil {
		return nil
	}
	for i, r := range w.roots {
		if r != abs {
			continue
		}
		for _, p := range w.rootPaths[abs] {
			_ = w.fsw.Remove(p)
		}
		delete(w.rootPaths, abs)
		w.roots = append(w.roots[:i], w.roots[i+1:]...)
		for path, t := range w.pending {
			if inDir(abs, path) {
				t.Stop()
				delete(w.pending, path)
			}
		}
		if w.logger != nil {
			w.logger.Info("watch directory removed", zap.String("path", abs))
		}
		return nil
	}
	return nil
}

// Directories returns the watched roots.
func (w *Watcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.roots...)
}

// Stop stops watching, drops pending changes and waits for running ingestions.
func (w *Watcher) Stop() {
	w.mu.Lock()
	fsw := w.fsw
	w.fsw = nil
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	if fsw == nil {
		return
	}
	w.stopOnce.Do(func() { close(w.done) })
	_ = fsw.Close()
	w.inflight.Wait()
}
