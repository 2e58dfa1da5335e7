package runner

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// AssetWatcher reports edits to tree asset files. It watches the parent
// directories rather than the files so editors that save by rename are
// still seen.
type AssetWatcher struct {
	watcher  *fsnotify.Watcher
	trees    map[string]string
	debounce time.Duration
	onChange func(tree string)
	logger   *slog.Logger
}

// NewAssetWatcher watches the given tree name to asset path pairs. Watch
// errors go to logger, or slog.Default when logger is nil.
func NewAssetWatcher(assets map[string]string, debounce time.Duration, logger *slog.Logger, onChange func(tree string)) (*AssetWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	aw := &AssetWatcher{
		watcher:  w,
		trees:    make(map[string]string, len(assets)),
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
	}
	dirs := make(map[string]bool)
	for tree, path := range assets {
		abs, err := filepath.Abs(path)
		if err != nil {
			w.Close()
			return nil, err
		}
		aw.trees[abs] = tree
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, err
		}
	}
	return aw, nil
}

// Run delivers debounced changes until ctx is done, then closes the watcher.
func (aw *AssetWatcher) Run(ctx context.Context) {
	defer aw.watcher.Close()

	pending := make(map[string]bool)
	var pendingMu sync.Mutex
	var timer *time.Timer

	flush := func() {
		pendingMu.Lock()
		trees := pending
		pending = make(map[string]bool)
		pendingMu.Unlock()

		for tree := range trees {
			aw.onChange(tree)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-aw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			tree, ok := aw.trees[filepath.Clean(event.Name)]
			if !ok {
				continue
			}

			pendingMu.Lock()
			pending[tree] = true
			pendingMu.Unlock()

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(aw.debounce, flush)

		case err, ok := <-aw.watcher.Errors:
			if !ok {
				return
			}
			aw.logger.Error("asset watcher error", "error", err)
		}
	}
}
