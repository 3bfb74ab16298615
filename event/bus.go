package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrBusDestroyed      = errors.New("event bus destroyed")
	ErrDetached          = errors.New("producer detached from event bus")
	ErrTimeout           = errors.New("event bus listen timed out")
	ErrProducersAttached = errors.New("event bus still has attached producers")
	ErrConcurrentListen  = errors.New("event bus already has a reader")
)

// WaitForever disables the Listen timeout. The wait still ends when the
// context is cancelled.
const WaitForever time.Duration = -1

// Listenable is an external producer that can be pointed at a bus and
// later detached from it, like the input and wireless peripherals.
type Listenable interface {
	SetListener(p *Producer)
	RemoveListener()
}

// Bus is a multi-writer, single-reader FIFO of events.
//
// Producers obtain a *Producer with Attach and must Detach before the bus
// can be destroyed. Posting through a detached producer is rejected, so an
// event can never reach a destroyed bus.
type Bus struct {
	name   string
	logger *slog.Logger

	mu        sync.Mutex
	queue     []Event
	producers map[*Producer]struct{}
	destroyed bool

	notify  chan struct{}
	done    chan struct{}
	reading atomic.Bool
}

// NewBus creates an empty bus.
func NewBus(name string) *Bus {
	return &Bus{
		name:      name,
		logger:    slog.With("component", "bus", "bus", name),
		producers: make(map[*Producer]struct{}),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Name returns the bus name given at creation.
func (b *Bus) Name() string {
	return b.name
}

// Attach registers a new producer. It fails once the bus is destroyed.
func (b *Bus) Attach(name string) (*Producer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return nil, ErrBusDestroyed
	}

	p := &Producer{bus: b, name: name}
	b.producers[p] = struct{}{}
	b.logger.Debug("Producer attached", slog.String("producer", name))
	return p, nil
}

// Listen blocks until an event is available, the timeout elapses or ctx is
// done. A negative timeout waits without limit. When ctx is done the
// returned error is context.Cause(ctx).
func (b *Bus) Listen(ctx context.Context, timeout time.Duration) (Event, error) {
	if !b.reading.CompareAndSwap(false, true) {
		return nil, ErrConcurrentListen
	}
	defer b.reading.Store(false)

	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		b.mu.Lock()
		if b.destroyed {
			b.mu.Unlock()
			return nil, ErrBusDestroyed
		}
		if len(b.queue) > 0 {
			ev := b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return ev, nil
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-b.done:
		case <-expired:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}

// Pending returns the number of queued events.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Destroy releases the bus. It refuses while producers are attached and is
// a no-op on an already destroyed bus.
func (b *Bus) Destroy() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return nil
	}
	if len(b.producers) > 0 {
		names := make([]string, 0, len(b.producers))
		for p := range b.producers {
			names = append(names, p.name)
		}
		sort.Strings(names)
		return fmt.Errorf("%w: %s", ErrProducersAttached, strings.Join(names, ", "))
	}

	b.destroyed = true
	dropped := len(b.queue)
	b.queue = nil
	close(b.done)

	b.logger.Debug("Event bus destroyed", slog.Int("dropped", dropped))
	return nil
}

// Destroyed reports whether Destroy has completed.
func (b *Bus) Destroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

func (b *Bus) post(p *Producer, ev Event) error {
	b.mu.Lock()
	if p.detached {
		b.mu.Unlock()
		return ErrDetached
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *Bus) detach(p *Producer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.detached {
		return
	}
	p.detached = true
	delete(b.producers, p)
	b.logger.Debug("Producer detached", slog.String("producer", p.name))
}

// Producer is one writer's handle on a bus. It is safe for concurrent use.
type Producer struct {
	bus      *Bus
	name     string
	detached bool // guarded by bus.mu
}

// Name returns the producer name given to Attach.
func (p *Producer) Name() string {
	return p.name
}

// Post enqueues ev without blocking.
func (p *Producer) Post(ev Event) error {
	return p.bus.post(p, ev)
}

// Detach stops the producer from posting. It is idempotent.
func (p *Producer) Detach() {
	p.bus.detach(p)
}
