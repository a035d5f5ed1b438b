package pbsconfig

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads Config from configPath whenever the file changes,
// debouncing rapid successive writes the way editors and config
// management tools tend to produce them.
type Watcher struct {
	watcher    *fsnotify.Watcher
	configPath string
	updates    chan Config
	errors     chan error
	ctx        context.Context
	cancel     context.CancelFunc

	mu    sync.Mutex
	timer *time.Timer
}

// WatchFile starts watching configPath for changes and returns a Watcher
// whose Updates channel emits a freshly validated Config after each
// change settles. The caller owns calling Stop.
func WatchFile(configPath string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(configPath); err != nil {
		fw.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		watcher:    fw,
		configPath: configPath,
		updates:    make(chan Config, 1),
		errors:     make(chan error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	go w.eventLoop()
	return w, nil
}

// Updates emits a reloaded, validated Config after each settled change.
func (w *Watcher) Updates() <-chan Config {
	return w.updates
}

// Errors emits load/validation failures encountered during reload; the
// previously loaded Config remains in effect when this fires.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

func (w *Watcher) Stop() error {
	w.cancel()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	err := w.watcher.Close()
	close(w.updates)
	close(w.errors)
	return err
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.debounceReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

func (w *Watcher) debounceReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(100*time.Millisecond, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.configPath)
	if err != nil {
		select {
		case w.errors <- err:
		default:
		}
		return
	}
	select {
	case w.updates <- cfg:
	case <-w.ctx.Done():
	default:
		// Drop the stale pending update in favor of the fresher one.
		select {
		case <-w.updates:
		default:
		}
		w.updates <- cfg
	}
}
