// Package inbox watches a drop directory and feeds every manifest script
// placed there through the injection pipeline. Dropping a file into the
// inbox is the filesystem equivalent of calling inject by hand.
package inbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ferrost/manifold/internal/checksum"
	"github.com/ferrost/manifold/internal/inject"
	"github.com/ferrost/manifold/internal/manifest"
)

// debounceDelay covers editors and file managers that write a dropped
// file in several chunks before it is complete.
const debounceDelay = 200 * time.Millisecond

// InjectedCallback is called after a watcher-driven injection succeeds.
type InjectedCallback func(res *inject.Result)

// Watcher drives the injection pipeline from filesystem drops.
type Watcher struct {
	pipeline *inject.Pipeline
	root     string
	logger   *slog.Logger
	cb       InjectedCallback

	delay time.Duration
}

// New creates a watcher over the inbox root. cb may be nil.
func New(pipeline *inject.Pipeline, root string, logger *slog.Logger, cb InjectedCallback) *Watcher {
	return &Watcher{
		pipeline: pipeline,
		root:     root,
		logger:   logger,
		cb:       cb,
		delay:    debounceDelay,
	}
}

// Run processes existing inbox files, then watches for new drops until
// ctx is cancelled. Write bursts per file are debounced; a file whose
// content hash matches the last injected content is skipped.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.root); err != nil {
		return err
	}

	w.logger.Info("inbox: started", slog.String("root", w.root))

	seen := make(map[string]string)
	w.drainExisting(ctx, seen)

	// One debounce timer per in-flight file.
	timers := make(map[string]*time.Timer)
	ready := make(chan string, 64)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("inbox: stopped")
			return nil

		case path := <-ready:
			delete(timers, path)
			w.process(ctx, path, seen)

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !eligible(ev.Name) {
				continue
			}
			if t, ok := timers[ev.Name]; ok {
				t.Reset(w.delay)
				continue
			}
			path := ev.Name
			timers[path] = time.AfterFunc(w.delay, func() {
				select {
				case ready <- path:
				case <-ctx.Done():
				}
			})

		case watchErr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("inbox: watch error", slog.String("error", watchErr.Error()))
		}
	}
}

// drainExisting injects files already sitting in the inbox at startup.
func (w *Watcher) drainExisting(ctx context.Context, seen map[string]string) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		w.logger.Warn("inbox: scan failed", slog.String("error", err.Error()))
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.root, e.Name())
		if !eligible(path) {
			continue
		}
		w.process(ctx, path, seen)
	}
}

func (w *Watcher) process(ctx context.Context, path string, seen map[string]string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("inbox: read failed",
			slog.String("file", filepath.Base(path)),
			slog.String("error", err.Error()))
		return
	}
	sum := checksum.Sum(data)
	if seen[path] == sum {
		w.logger.Debug("inbox: unchanged, skipped", slog.String("file", filepath.Base(path)))
		return
	}

	res, err := w.pipeline.Inject(ctx, path)
	if err != nil {
		var inc *manifest.IncompleteRecordError
		if errors.As(err, &inc) {
			// The file stays in the inbox for the user to fix.
			w.logger.Warn("inbox: incomplete manifest left in place",
				slog.String("file", filepath.Base(path)),
				slog.String("error", err.Error()))
			seen[path] = sum
			return
		}
		w.logger.Error("inbox: inject failed",
			slog.String("file", filepath.Base(path)),
			slog.String("error", err.Error()))
		return
	}
	seen[path] = sum

	w.logger.Info("inbox: injected",
		slog.String("file", res.Filename),
		slog.Int("records", len(res.Records)))
	if w.cb != nil {
		w.cb(res)
	}

	// A processed drop is consumed; the canonical copy lives in the
	// library and the archive.
	if err := os.Remove(path); err != nil {
		w.logger.Warn("inbox: cleanup failed",
			slog.String("file", filepath.Base(path)),
			slog.String("error", err.Error()))
	} else {
		delete(seen, path)
	}
}

// eligible filters inbox entries to manifest scripts, leaving backups and
// sidecars alone. Sidecars are picked up by the pipeline alongside their
// script, never injected on their own.
func eligible(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if strings.Contains(base, ".backup") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), ".lua")
}
