package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"speakerd/audio"
)

// runtime is the live instance of one ElementSpec.
type runtime struct {
	name string
	kind Kind
	elem Element

	mu     sync.Mutex
	state  audio.State
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func newRuntime(spec ElementSpec, elem Element) *runtime {
	done := make(chan struct{})
	close(done)
	return &runtime{
		name:  spec.Name,
		kind:  spec.Kind,
		elem:  elem,
		state: audio.StateInit,
		done:  done,
	}
}

func (r *runtime) State() audio.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *runtime) setState(s audio.State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// transition moves the runtime from one state to another and reports
// whether it was in the expected state.
func (r *runtime) transition(from, to audio.State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return false
	}
	r.state = to
	return true
}

func (r *runtime) doneChan() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *runtime) stopped() bool {
	select {
	case <-r.doneChan():
		return true
	default:
		return false
	}
}

// start launches the element worker. notify is called with every status
// change the worker makes, from the worker goroutine.
func (r *runtime) start(port *Port, notify func(name string, s audio.State), logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.mu.Lock()
	r.state = audio.StateRunning
	r.cancel = cancel
	r.done = done
	r.err = nil
	r.mu.Unlock()

	notify(r.name, audio.StateRunning)

	go func() {
		defer close(done)
		defer cancel()

		err := r.run(ctx, port)
		if port.out != nil {
			close(port.out)
		}

		final := audio.StateFinished
		switch {
		case err == nil:
		case ctx.Err() != nil:
			if !errors.Is(err, context.Canceled) {
				logger.Debug("Element returned after stop", slog.String("element", r.name), slog.Any("error", err))
			}
			final = audio.StateStopped
		default:
			logger.Error("Element failed", slog.String("element", r.name), slog.Any("error", err))
			final = audio.StateError
		}

		r.mu.Lock()
		r.state = final
		r.err = err
		r.mu.Unlock()

		notify(r.name, final)
	}()
}

func (r *runtime) run(ctx context.Context, port *Port) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("element %q panicked: %v", r.name, v)
		}
	}()
	return r.elem.Run(ctx, port)
}

func (r *runtime) stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
