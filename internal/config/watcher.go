package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to files in the leadops home directory. The
// directory itself is watched so editors that replace files by rename are
// still seen.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent

	mu       sync.Mutex
	handlers map[string][]func(path string)
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		events:   make(chan ReloadEvent, 16),
		handlers: make(map[string][]func(string)),
	}
}

// OnChange registers fn for a file name inside the home directory, such as
// "policy.yaml". Handlers run on the watcher goroutine.
func (w *Watcher) OnChange(name string, fn func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = append(w.handlers[name], fn)
}

// Events delivers every relevant change. Slow readers miss events.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.dispatch(ev)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) dispatch(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	w.mu.Lock()
	fns := append([]func(string){}, w.handlers[name]...)
	w.mu.Unlock()
	if len(fns) == 0 && name != "config.yaml" {
		return
	}

	w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
	select {
	case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
	default:
	}
	for _, fn := range fns {
		fn(ev.Name)
	}
}
