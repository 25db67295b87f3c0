package nativesvc

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"vawter.tech/stopper"
)

// StatusEvent represents a status change observed by Watch
type StatusEvent struct {
	Status Status
	Err    error
}

// WatchCleanupFunc stops a watch and waits for its goroutine to exit. It
// may be called more than once.
type WatchCleanupFunc func() error

// watchState holds the last status sent and the pending debounce timer
type watchState struct {
	mu        sync.Mutex
	last      Status
	sent      bool
	debouncer *time.Timer
	// trigger hands debounced file events back to the watch goroutine
	trigger chan struct{}
}

// Watch emits the current status and then every change of it. Changes are
// detected from file events in the unit directory and AppDir, backed by a
// periodic resample because most facilities change state without touching
// any file. Sampling errors are delivered as events and do not end the
// watch. The channel is closed after cleanup or when ctx is done.
//
//nolint:gocyclo // event loop with debounce and resample
func (m *Manager) Watch(ctx context.Context) (<-chan StatusEvent, WatchCleanupFunc, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, m.opErr(OpStatus, err)
	}
	for _, dir := range append(m.backend.watchPaths(), m.cfg.AppDir) {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			m.logger.Debug("Cannot watch directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	ch := make(chan StatusEvent, 10)
	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
		close(ch)
	})

	state := &watchState{trigger: make(chan struct{}, 1)}

	var once sync.Once
	var cleanupErr error
	cleanup := func() error {
		once.Do(func() {
			sctx.Stop(100 * time.Millisecond)
			cleanupErr = sctx.Wait()
		})
		return cleanupErr
	}

	send := func(ev StatusEvent) {
		if sctx.IsStopping() {
			return
		}
		select {
		case ch <- ev:
		case <-sctx.Stopping():
		}
	}

	readAndSend := func() {
		if sctx.IsStopping() {
			return
		}
		st, err := m.status(ctx)
		if err != nil {
			send(StatusEvent{Err: m.opErr(OpStatus, err)})
			return
		}

		state.mu.Lock()
		changed := !state.sent || st != state.last
		state.last, state.sent = st, true
		state.mu.Unlock()

		if changed {
			send(StatusEvent{Status: st})
		}
	}

	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			state.mu.Lock()
			if state.debouncer != nil {
				state.debouncer.Stop()
			}
			state.mu.Unlock()
		})

		readAndSend()

		ticker := m.clock.Ticker(DefaultWatchResample)
		defer ticker.Stop()

		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil

			case <-ctx.Done():
				sctx.Stop(0)
				return nil

			case <-ticker.C:
				readAndSend()

			case _, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				state.mu.Lock()
				if state.debouncer != nil {
					state.debouncer.Stop()
				}
				state.debouncer = time.AfterFunc(DefaultWatchDebounce, func() {
					select {
					case state.trigger <- struct{}{}:
					default:
					}
				})
				state.mu.Unlock()

			case <-state.trigger:
				readAndSend()

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				if err != nil {
					send(StatusEvent{Err: m.opErr(OpStatus, err)})
				}
			}
		}
		return nil
	})

	return ch, cleanup, nil
}

// Wait blocks until the status satisfies pred and returns it. Unlike the
// bounded convergence inside Start and Stop, Wait runs until ctx is done.
func (m *Manager) Wait(ctx context.Context, pred func(Status) bool) (Status, error) {
	events, cleanup, err := m.Watch(ctx)
	if err != nil {
		return Status{}, err
	}
	defer func() { _ = cleanup() }()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return Status{}, ctx.Err()
			}
			if ev.Err != nil {
				m.logger.Debug("Status sample failed while waiting", zap.Error(ev.Err))
				continue
			}
			if pred(ev.Status) {
				return ev.Status, nil
			}
		case <-ctx.Done():
			return Status{}, ctx.Err()
		}
	}
}
