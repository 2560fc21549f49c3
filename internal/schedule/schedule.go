package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Task runs a function on a fixed interval until stopped. The returned
// handle is the only way to stop it.
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Every starts fn on a ticker from clock. When immediate is true fn also
// runs once before the first tick. Runs never overlap.
func Every(ctx context.Context, clock clockwork.Clock, name string, interval time.Duration, immediate bool, fn func(context.Context)) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ticker := clock.NewTicker(interval)
	go func() {
		defer close(t.done)
		defer ticker.Stop()
		if immediate {
			fn(ctx)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				fn(ctx)
			}
		}
	}()
	slog.Debug("scheduled task started", slog.String("task", name), slog.Duration("interval", interval))
	return t
}

// Stop cancels the task and waits for an in-flight run to finish.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.cancel()
		<-t.done
		slog.Debug("scheduled task stopped", slog.String("task", t.name))
	})
}

// Done is closed once the task has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
