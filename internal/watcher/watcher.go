// Package watcher keeps a directory tree's output current: fsnotify events
// for created or rewritten images are debounced and fed through the
// processing pipeline, with each finished record appended to the sink.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/screenager/photon/internal/pipeline"
)

// settleDelay is how long a path must stay quiet before it is processed.
// Cameras and editors write files in several bursts; reprocessing each burst
// would waste an embed per save.
const settleDelay = 500 * time.Millisecond

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".tif": true, ".tiff": true, ".heic": true, ".heif": true,
}

func isImagePath(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// Watcher reprocesses images as they change on disk.
type Watcher struct {
	fw   *fsnotify.Watcher
	proc *pipeline.Processor
	sink pipeline.Sink

	// settle holds the per-path quiet-period timer.
	settle map[string]*time.Timer
}

// New creates a Watcher that writes completed records to sink.
func New(proc *pipeline.Processor, sink pipeline.Sink) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fw:     fw,
		proc:   proc,
		sink:   sink,
		settle: make(map[string]*time.Timer),
	}, nil
}

// Watch registers rootDir and its subtree, then consumes events until done
// closes. Run it in a goroutine; the returned error is a registration
// failure for the root itself or the error from closing the fsnotify
// watcher once done closes.
func (w *Watcher) Watch(rootDir string, done <-chan struct{}) error {
	if err := w.register(rootDir); err != nil {
		return err
	}

	for {
		select {
		case <-done:
			return w.fw.Close()
		case event, open := <-w.fw.Events:
			if !open {
				return nil
			}
			w.handle(event)
		case err, open := <-w.fw.Errors:
			if !open {
				return nil
			}
			slog.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	path := event.Name

	// A created entry might be a whole directory (drag-and-drop of a
	// folder); pull it and its children into the watch set.
	if event.Has(fsnotify.Create) {
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			if err := w.register(path); err != nil {
				slog.Warn("watch: could not register new directory", "path", path, "error", err)
			}
			return
		}
	}

	if !isImagePath(path) || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
		return
	}

	// Restart the quiet-period timer; only the last event in a save burst
	// triggers processing.
	if timer, ok := w.settle[path]; ok {
		timer.Stop()
	}
	w.settle[path] = time.AfterFunc(settleDelay, func() {
		w.processOne(path)
	})
}

func (w *Watcher) processOne(path string) {
	slog.Info("watch: processing", "path", path)
	rec, err := w.proc.Process(context.Background(), path)
	if err != nil {
		slog.Warn("watch: image failed", "path", path, "error", err)
		return
	}
	if err := w.sink.Write(pipeline.CoreRecord(rec)); err != nil {
		slog.Error("watch: output write failed", "path", path, "error", err)
	}
}

// register walks root and adds every visible directory to the fsnotify
// watch set. Subdirectories that cannot be read are logged and skipped so
// one bad mount point does not kill the whole watch.
func (w *Watcher) register(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			slog.Warn("watch: skipping unreadable entry", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if name := d.Name(); path != root && strings.HasPrefix(name, ".") {
			return fs.SkipDir
		}
		if err := w.fw.Add(path); err != nil {
			if path == root {
				return err
			}
			slog.Warn("watch: could not register directory", "path", path, "error", err)
		}
		return nil
	})
}
