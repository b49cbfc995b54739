package usage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// PriceWatcher reloads a PriceTable whenever its file changes.
type PriceWatcher struct {
	table   *PriceTable
	path    string
	watcher *fsnotify.Watcher
	// reloaded receives the result of every reload; used by tests.
	reloaded func(error)
}

// WatchPrices loads path into table and keeps it current until ctx ends.
// The directory is watched so that editors replacing the file are seen.
func WatchPrices(ctx context.Context, table *PriceTable, path string) (*PriceWatcher, error) {
	return watchPrices(ctx, table, path, nil)
}

func watchPrices(ctx context.Context, table *PriceTable, path string, reloaded func(error)) (*PriceWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if err := table.Load(abs); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create price watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	pw := &PriceWatcher{table: table, path: abs, watcher: w, reloaded: reloaded}
	go pw.loop(ctx)
	return pw, nil
}

func (w *PriceWatcher) loop(ctx context.Context) {
	defer func() { _ = w.watcher.Close() }()
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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			err := w.table.Load(w.path)
			if err != nil {
				log.WithError(err).Warn("price table reload failed, keeping previous prices")
			}
			if w.reloaded != nil {
				w.reloaded(err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("price watcher error")
		}
	}
}

// Close stops watching.
func (w *PriceWatcher) Close() error {
	return w.watcher.Close()
}
