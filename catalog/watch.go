package catalog

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/metalforge/metalforge/pkg/faults"
)

const watchDebounce = 500 * time.Millisecond

// Watch hot-reloads the catalog when its backing file changes. It blocks
// until ctx is done. The parent directory is watched rather than the file
// itself so atomic editor saves (write temp, rename over) are caught.
// A reload failure keeps the previous snapshot serving and is only logged.
func (c *Catalog) Watch(ctx context.Context, log logr.Logger) error {
	if c.path == "" {
		return faults.E(faults.KindUnsupported, "catalog.watch", nil)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(c.path)
	base := filepath.Base(c.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	log.Info("watching catalog file", "path", c.path)

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := c.Reload(); err != nil {
				log.Error(err, "catalog reload failed, keeping previous snapshot")
				continue
			}
			log.Info("catalog reloaded", "deviceTypes", c.Snapshot().Len())
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Error(err, "catalog watcher error")
		}
	}
}
