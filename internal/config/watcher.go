package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads the config file when it changes on disk and hands the new
// configuration to a callback. Only settings that are safe to change at
// runtime (currently the log level) should be applied by the callback; key
// lifetime is fixed for the life of the process.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *logrus.Logger
	onChange func(*Config)
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewWatcher starts watching path. The directory is watched rather than the
// file so that editors replacing the file atomically are handled.
func NewWatcher(path string, logger *logrus.Logger, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		watcher:  fw,
		logger:   logger,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
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
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.WithError(err).Warn("Ignoring invalid config change")
				continue
			}
			w.logger.WithField("path", w.path).Info("Config file reloaded")
			w.onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Config watcher error")
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
