package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 300 * time.Millisecond

// Watcher reloads the config service when the file on disk changes.
// Editors often produce bursts of write/rename events, so changes are
// debounced before the reload runs.
type Watcher struct {
	service *Service
	logger  *slog.Logger
	fsw     *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// NewWatcher starts watching the service's config file. The parent
// directory is watched because atomic saves replace the file inode.
func NewWatcher(service *Service, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default().With("component", "config.watcher")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(service.path)); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{
		service: service,
		logger:  logger,
		fsw:     fsw,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	var timer *time.Timer
	var fire <-chan time.Time
	target := filepath.Base(w.service.path)

	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				fire = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		case <-fire:
			timer = nil
			fire = nil
			if err := w.service.Reload(context.Background()); err != nil {
				w.logger.Warn("config reload failed", "error", err)
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stop)
	err := w.fsw.Close()
	<-w.done
	return err
}
