package auth

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/notiflow/errors"
	"github.com/teranos/notiflow/logger"
)

// DefaultDebounce collapses bursts of editor writes into one reload.
const DefaultDebounce = 500 * time.Millisecond

// ChangeCallback receives the freshly loaded credential. A deleted file
// arrives as zero Credentials so the caller can drop its session.
type ChangeCallback func(Credentials)

// Watcher watches the credentials file and reports changes.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *zap.SugaredLogger
	debounce time.Duration

	mu            sync.Mutex
	callbacks     []ChangeCallback
	debounceTimer *time.Timer
	last          Credentials
	stopped       bool

	done chan struct{}
}

// NewWatcher watches the directory holding path, so the file may be
// created, replaced or removed after the watcher starts.
func NewWatcher(path string, l *zap.SugaredLogger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to watch credentials directory %s", dir)
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		watcher:  fw,
		logger:   logger.OrNop(l).With(logger.FieldComponent, "auth.watcher"),
		debounce: DefaultDebounce,
		done:     make(chan struct{}),
	}
	if creds, err := LoadCredentials(path); err == nil {
		w.last = creds
	}
	return w, nil
}

// SetDebounce overrides the debounce period. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// OnChange registers a callback for credential changes.
func (w *Watcher) OnChange(cb ChangeCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Current returns the last credential the watcher loaded.
func (w *Watcher) Current() Credentials {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Start begins watching for changes
func (w *Watcher) Start() {
	go w.watchLoop()
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debugw("Credentials file event",
				logger.FieldFile, event.Name,
				"op", event.Op.String())
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Credentials watcher error", logger.FieldError, err)
		}
	}
}

// scheduleReload debounces rapid file changes and triggers reload
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	creds, err := LoadCredentials(w.path)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		// Keep the previous credential on a half-written or invalid file
		w.logger.Warnw("Credentials reload failed", logger.FieldFile, w.path, logger.FieldError, err)
		return
	}

	w.mu.Lock()
	if w.stopped || creds == w.last {
		w.mu.Unlock()
		return
	}
	w.last = creds
	callbacks := make([]ChangeCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Infow("Credentials changed",
		logger.FieldFile, w.path,
		"has_token", !creds.IsZero())

	for _, cb := range callbacks {
		cb(creds)
	}
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	<-w.done
	return err
}
