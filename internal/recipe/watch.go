package recipe

import (
	"github.com/fsnotify/fsnotify"

	"github.com/giantswarm/nucleus/pkg/logging"
)

const subsystem = "RecipeCache"

// Watch starts an fsnotify watch on the cache's recipe directory and calls
// Reload whenever a file is created, written, renamed or removed, so a
// recipe dropped into Dir by an external deployment tool picks up without
// waiting for the next explicit update-recipes-and-artifacts call. Runs
// until stop is closed; any fsnotify setup error is returned immediately
// and no goroutine is started.
func (c *Cache) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(c.Dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if loadErrs := c.Reload(); len(loadErrs) > 0 {
					for _, e := range loadErrs {
						logging.Warn(subsystem, "reload after %s: %v", ev, e)
					}
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn(subsystem, "watch error: %v", werr)
			}
		}
	}()
	return nil
}
