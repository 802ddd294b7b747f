package worker

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Source hands out the current directory. Each request should call Current
// once and use that snapshot for its whole lifetime.
type Source interface {
	Current() *Directory
}

// Static is a Source that never changes.
type Static struct{ Dir *Directory }

func (s Static) Current() *Directory { return s.Dir }

// Watcher reloads a workers file when it changes on disk and swaps the new
// directory in atomically. A file that fails to parse is logged and ignored;
// the previous directory stays current.
type Watcher struct {
	path    string
	current atomic.Pointer[Directory]
	watcher *fsnotify.Watcher
	done    chan struct{}

	// OnReload, when set, is called after every successful swap.
	OnReload func(*Directory)
}

// NewWatcher loads path and returns a watcher serving it. Call Start to begin
// watching and Close to release the underlying inotify handle.
func NewWatcher(path string) (*Watcher, error) {
	dir, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("workers path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("workers watcher: %w", err)
	}
	w := &Watcher{path: abs, watcher: fw}
	w.current.Store(dir)
	return w, nil
}

func (w *Watcher) Current() *Directory { return w.current.Load() }

// Start watches the parent directory rather than the file itself so that
// editors which replace the file via rename are still picked up.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.done = make(chan struct{})
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("workers: watch error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	dir, err := LoadFile(w.path)
	if err != nil {
		log.Printf("workers: reload %s: %v (keeping previous directory)", w.path, err)
		return
	}
	if dir.Len() == 0 {
		// Usually a truncate observed mid-write.
		log.Printf("workers: %s has no workers, keeping previous directory", w.path)
		return
	}
	w.current.Store(dir)
	log.Printf("workers: reloaded %d workers from %s", dir.Len(), w.path)
	if w.OnReload != nil {
		w.OnReload(dir)
	}
}

// Close stops watching and, if Start was called, waits for the reload loop
// to exit, so no reload or OnReload call happens after Close returns.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	if w.done != nil {
		<-w.done
	}
	return err
}
