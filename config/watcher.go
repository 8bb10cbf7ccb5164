package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce collapses bursts of writes into a single reload.
const DefaultDebounce = 500 * time.Millisecond

// ConfigChangeCallback is called when configuration changes
type ConfigChangeCallback func(oldConfig, newConfig *Config)

// Watcher watches a configuration file and reloads it on change
type Watcher struct {
	configFile string
	loader     *Loader
	logger     logrus.FieldLogger
	debounce   time.Duration

	// Current configuration
	config   *Config
	configMu sync.RWMutex

	fsWatcher *fsnotify.Watcher

	callbacks   []ConfigChangeCallback
	callbacksMu sync.RWMutex

	done chan struct{}
	wg   sync.WaitGroup
	stop sync.Once
}

// NewWatcher loads configFile and prepares to watch it
func NewWatcher(configFile string, loader *Loader, logger logrus.FieldLogger) (*Watcher, error) {
	if _, err := formatOf(configFile); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	absPath, err := filepath.Abs(configFile)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", configFile)
	}

	config, err := loader.LoadFromFile(absPath)
	if err != nil {
		return nil, errors.Wrap(err, "load initial config")
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(ErrConfigWatchError, err.Error())
	}

	return &Watcher{
		configFile: absPath,
		loader:     loader,
		logger:     logger.WithField("config", absPath),
		debounce:   DefaultDebounce,
		config:     config,
		fsWatcher:  fsWatcher,
		done:       make(chan struct{}),
	}, nil
}

// SetDebounce changes the delay between a change and the reload
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start starts watching. The directory is watched so editors that replace
// the file are followed.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(filepath.Dir(w.configFile)); err != nil {
		return errors.Wrap(ErrConfigWatchError, err.Error())
	}

	w.wg.Add(1)
	go w.watchLoop()
	return nil
}

// Stop stops watching
func (w *Watcher) Stop() error {
	var err error
	w.stop.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
		w.wg.Wait()
	})
	return err
}

// GetConfig returns the current configuration
func (w *Watcher) GetConfig() *Config {
	w.configMu.RLock()
	defer w.configMu.RUnlock()
	return w.config
}

// Path returns the watched file
func (w *Watcher) Path() string {
	return w.configFile
}

// OnConfigChange registers a callback for configuration changes
func (w *Watcher) OnConfigChange(callback ConfigChangeCallback) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Reload reloads the configuration immediately
func (w *Watcher) Reload() error {
	return w.reloadConfig()
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.configFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				if err := w.reloadConfig(); err != nil {
					w.logger.WithError(err).Warn("config reload failed, keeping previous config")
				}
			})

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("config watcher error")
		}
	}
}

func (w *Watcher) reloadConfig() error {
	newConfig, err := w.loader.LoadFromFile(w.configFile)
	if err != nil {
		return errors.Wrap(err, "reload config")
	}

	w.configMu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.configMu.Unlock()

	w.logger.Info("configuration reloaded")
	w.notifyCallbacks(oldConfig, newConfig)
	return nil
}

// notifyCallbacks runs callbacks in order on the calling goroutine
func (w *Watcher) notifyCallbacks(oldConfig, newConfig *Config) {
	w.callbacksMu.RLock()
	callbacks := make([]ConfigChangeCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.callbacksMu.RUnlock()

	for _, callback := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.WithField("panic", r).Error("config change callback panicked")
				}
			}()
			callback(oldConfig, newConfig)
		}()
	}
}
