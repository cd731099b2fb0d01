package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener runs handler for every value received from in, on a fixed
// number of worker goroutines. Handler errors are logged and do not stop
// the workers.
type Listener[T any] struct {
	name        string
	workers     int
	handler     func(ctx context.Context, input T) error
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func New[T any](
	name string,
	in <-chan T,
	workers int,
	handler func(context.Context, T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}
	if workers < 1 {
		workers = 1
	}

	return &Listener[T]{
		name:        name,
		in:          in,
		workers:     workers,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)

	for i := 0; i < l.workers; i++ {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for {
				err := l.run(ctx)
				switch {
				case errors.Is(err, errListenerStopped):
					return
				case err != nil:
					slog.Error("listener job failed", "listener", l.name, "error", err)
				}
			}
		}()
	}
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		err := l.handler(ctx, inp)
		if err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// Stop cancels the workers' context and waits for running handlers.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}

// Ticker runs handler every interval until stopped.
type Ticker struct {
	name     string
	interval time.Duration
	handler  func(ctx context.Context) error

	wg     sync.WaitGroup
	cancel func()
}

func NewTicker(name string, interval time.Duration, handler func(context.Context) error) *Ticker {
	return &Ticker{
		name:     name,
		interval: interval,
		handler:  handler,
		cancel:   func() {},
	}
}

func (t *Ticker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)

	go func() {
		defer t.wg.Done()
		tick := time.NewTicker(t.interval)
		defer tick.Stop()

		for {
			select {
			case <-tick.C:
				if err := t.handler(ctx); err != nil {
					slog.Warn("periodic job failed", "job", t.name, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
}
