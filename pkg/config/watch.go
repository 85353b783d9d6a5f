package config

import (
	"github.com/cuemby/mender-agent/pkg/events"
	"github.com/cuemby/mender-agent/pkg/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads a Config from disk whenever its backing file changes
// and publishes the result on an events.Bus as an EventConfigChanged
// event, rather than writing any Store itself. This lets more than one
// consumer react to a reload (Store.Subscribe applies it; the
// configuration_sync work item observes it) without the watcher knowing
// about either.
type Watcher struct {
	path   string
	bus    *events.Bus
	fsw    *fsnotify.Watcher
	logger zerolog.Logger
}

// NewWatcher starts watching path for changes, publishing reloads on bus.
func NewWatcher(path string, bus *events.Bus) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &Watcher{path: path, bus: bus, fsw: fsw, logger: log.WithComponent("config")}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn().Err(err).Str("path", w.path).Msg("config reload failed, keeping previous configuration")
				continue
			}
			w.bus.Publish(&events.Event{Type: events.EventConfigChanged, Payload: cfg})
			w.logger.Info().Str("path", w.path).Msg("configuration reloaded")
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
