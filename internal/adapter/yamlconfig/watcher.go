package yamlconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bytemomo/warden/internal/domain"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher reloads a config file when it changes on disk. Invalid revisions
// are logged and ignored; the last good config stays in effect.
type Watcher struct {
	Path     string
	Loader   *Loader
	Debounce time.Duration
	OnChange func(domain.Config)
	Log      *log.Entry
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	loader := w.Loader
	if loader == nil {
		loader = NewLoader("")
	}
	path, err := filepath.Abs(loader.resolvePath(w.Path))
	if err != nil {
		return err
	}

	// Editors often replace the file rather than write it, so the directory
	// is watched and events are filtered by name.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	l := w.logger().WithField("path", path)
	l.Info("Watching config for changes")

	delay := w.Debounce
	if delay <= 0 {
		delay = time.Second
	}
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(delay, func() { w.reload(ctx, loader, path, l) })

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.WithError(err).Warn("Config watch error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context, loader *Loader, path string, l *log.Entry) {
	if ctx.Err() != nil {
		return
	}
	if _, err := os.Stat(path); err != nil {
		l.WithError(err).Warn("Config file is not accessible")
		return
	}
	cfg, err := loader.Load(path)
	if err != nil {
		l.WithError(err).Error("Ignoring invalid config revision")
		return
	}
	l.Info("Config reloaded")
	if w.OnChange != nil {
		w.OnChange(cfg)
	}
}

func (w *Watcher) logger() *log.Entry {
	if w.Log != nil {
		return w.Log
	}
	return log.NewEntry(log.StandardLogger())
}
