package script

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet window used to coalesce bursts of saves.
const DefaultDebounce = time.Second

// Watcher turns filesystem notifications for the unit folder into
// discrete change events. Events are coalesced by a single timer owned by
// the Run goroutine: onChange fires once the folder has been quiet for
// the debounce window.
type Watcher struct {
	dir      string
	window   time.Duration
	onChange func(ctx context.Context)
	logger   Logger
}

// NewWatcher creates a watcher for dir. A non-positive window uses
// DefaultDebounce.
func NewWatcher(dir string, window time.Duration, onChange func(ctx context.Context)) *Watcher {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &Watcher{
		dir:      dir,
		window:   window,
		onChange: onChange,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the watcher.
func (w *Watcher) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	w.logger = logger
}

// Run watches the folder until ctx is cancelled.
//
// Returns:
//   - error: if the watch cannot be established; nil on cancellation
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating folder watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	w.logger.Info("watching unit folder", "dir", w.dir, "debounce", w.window)

	w.loop(ctx, fw.Events, fw.Errors)
	return nil
}

// loop is the single-threaded coalescing timer. It is separate from Run
// so it can be driven without a real filesystem.
func (w *Watcher) loop(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			w.logger.Debug("unit folder event", "name", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.window)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.window)
			}
			timerC = timer.C

		case err, ok := <-errs:
			if !ok {
				return
			}
			w.logger.Warn("unit folder watch error", "error", err)

		case <-timerC:
			timerC = nil
			w.fire(ctx)
		}
	}
}

func (w *Watcher) fire(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("unit folder change handler panicked", "panic", rec)
		}
	}()
	w.onChange(ctx)
}
