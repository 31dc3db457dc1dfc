package security

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// dirWatcher forwards modifications inside a set of directories to a callback.
type dirWatcher struct {
	w    *fsnotify.Watcher
	wg   sync.WaitGroup
	once sync.Once
}

// startDirWatch watches every existing directory in dirs. Missing or
// non-directory entries are skipped. It fails only if no directory could be watched.
func startDirWatch(dirs []string, onChange func(path, op string), logger *slog.Logger) (*dirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	added := 0
	var errs []error
	for _, d := range dirs {
		dir := normalizePath(d)
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			logger.Debug("skipping watch on missing directory", slog.String("dir", dir))
			continue
		}
		if err := w.Add(dir); err != nil {
			errs = append(errs, fmt.Errorf("watching %s: %w", dir, err))
			continue
		}
		added++
	}
	if added == 0 {
		_ = w.Close()
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return nil, errors.New("no allowed directory exists")
	}
	for _, err := range errs {
		logger.Warn("partial filesystem watch", slog.String("error", err.Error()))
	}

	dw := &dirWatcher{w: w}
	dw.wg.Add(1)
	go dw.loop(onChange, logger)
	return dw, nil
}

func (d *dirWatcher) loop(onChange func(path, op string), logger *slog.Logger) {
	defer d.wg.Done()
	const modify = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	for {
		select {
		case ev, ok := <-d.w.Events:
			if !ok {
				return
			}
			if ev.Op&modify == 0 {
				continue
			}
			onChange(ev.Name, ev.Op.String())
		case err, ok := <-d.w.Errors:
			if !ok {
				return
			}
			logger.Warn("filesystem watch error", slog.String("error", err.Error()))
		}
	}
}

// Close stops the watch and waits for the dispatch goroutine to exit.
func (d *dirWatcher) Close() {
	d.once.Do(func() {
		_ = d.w.Close()
		d.wg.Wait()
	})
}
