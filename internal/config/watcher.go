package config

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Live holds a *Config that can be swapped atomically while the process runs.
// Only readers that call Get see a reload; the key provider and allowlist are
// built once from the startup Config and do not change on reload.
type Live struct {
	v atomic.Value // *Config
}

// NewLive wraps an initial Config for atomic reads/writes.
func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.v.Store(cfg)
	return l
}

// Get returns the current configuration snapshot.
func (l *Live) Get() *Config {
	return l.v.Load().(*Config)
}

func (l *Live) set(cfg *Config) {
	l.v.Store(cfg)
}

// Watch starts an fsnotify watcher over the TRANSPORT_PRIVATE_KEY_FILE path
// (in file-watch mode) and the YAML overlay, if configured. On a change it
// re-runs Load and swaps the result into live; it does not re-parse the
// transport key. Reload failures are logged and the previous configuration
// is kept in place.
func Watch(live *Live, logger *logrus.Logger) (func() error, error) {
	cfg := live.Get()

	paths := map[string]struct{}{}
	if cfg.TransportKeySource == KeySourceFileWatch {
		if p := keyPathFromEnv(); p != "" {
			paths[p] = struct{}{}
		}
	}
	if cfg.ConfigFile != "" {
		paths[cfg.ConfigFile] = struct{}{}
	}
	if len(paths) == 0 {
		return func() error { return nil }, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for p := range paths {
		if err := watcher.Add(p); err != nil {
			logger.WithError(err).WithField("path", p).Warn("could not watch config path")
		}
	}

	var once sync.Once
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reloaded, err := Load()
				if err != nil {
					logger.WithError(err).Warn("config reload failed, keeping previous configuration")
					continue
				}
				live.set(reloaded)
				logger.WithField("path", event.Name).Info("configuration reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("config watcher error")
			}
		}
	}()

	stop := func() error {
		var stopErr error
		once.Do(func() { stopErr = watcher.Close() })
		return stopErr
	}
	return stop, nil
}

// keyPathFromEnv returns the path in TRANSPORT_PRIVATE_KEY_FILE, used only as
// a path to watch. Load does not read this file; it takes the key from the
// TRANSPORT_PRIVATE_KEY_PEM blob.
func keyPathFromEnv() string {
	return strings.TrimSpace(os.Getenv("TRANSPORT_PRIVATE_KEY_FILE"))
}
