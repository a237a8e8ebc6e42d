package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const defaultReloadDelay = 500 * time.Millisecond

// FileWatcher calls onChange once per burst of writes to a single file.
// The parent directory is watched because repositories replace files by rename.
type FileWatcher struct {
	path     string
	delay    time.Duration
	onChange func(context.Context)
	watcher  *fsnotify.Watcher
	log      *logrus.Entry
}

func NewFileWatcher(path string, delay time.Duration, onChange func(context.Context), log logrus.FieldLogger) (*FileWatcher, error) {
	if delay <= 0 {
		delay = defaultReloadDelay
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch directory %s: %w", dir, err)
	}

	return &FileWatcher{
		path:     filepath.Clean(path),
		delay:    delay,
		onChange: onChange,
		watcher:  watcher,
		log:      logger.Component(log, "watcher").WithField("path", path),
	}, nil
}

// Run blocks until ctx is done and closes the underlying watcher on return.
func (w *FileWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.delay)
			} else {
				timer.Reset(w.delay)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("file watcher error")
		case <-fire:
			fire = nil
			w.log.Info("file changed")
			w.onChange(ctx)
		}
	}
}

func (w *FileWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}

	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}
