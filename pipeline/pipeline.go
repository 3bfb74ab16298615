package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"speakerd/audio"
	"speakerd/event"
)

var (
	ErrTornDown       = errors.New("pipeline torn down")
	ErrUnknownElement = errors.New("unknown pipeline element")
	ErrStillRunning   = errors.New("pipeline elements still running")
	ErrNotNavigable   = errors.New("pipeline source does not accept a new uri")
)

// Option configures a Handle at build time.
type Option func(*Handle)

// WithLogger sets the logger used by the handle and its element workers.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handle) {
		h.logger = logger
	}
}

// WithTeardownObserver registers a hook called after each teardown step.
func WithTeardownObserver(obs TeardownObserver) Option {
	return func(h *Handle) {
		h.observer = obs
	}
}

type listener struct {
	target   event.Listenable
	producer *event.Producer
}

// Handle owns the elements of one built pipeline until Teardown.
type Handle struct {
	name       string
	bufferSize int
	bus        *event.Bus
	logger     *slog.Logger
	observer   TeardownObserver
	gate       *gate

	mu        sync.Mutex
	state     audio.State
	runtimes  []*runtime
	index     map[string]*runtime
	links     []chan Chunk
	torn      bool
	listeners []listener

	producerMu sync.Mutex
	producer   *event.Producer

	teardownOnce sync.Once
	teardownErr  error
}

// Build instantiates every element of spec in order. If a constructor
// fails, the elements created so far are released and a *BuildError is
// returned. The bus is not touched until Listen.
func Build(spec Spec, bus *event.Bus, opts ...Option) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if bus == nil {
		return nil, fmt.Errorf("pipeline %q: nil event bus", spec.Name)
	}

	h := &Handle{
		name:       spec.Name,
		bufferSize: spec.BufferSize,
		bus:        bus,
		logger:     slog.Default(),
		gate:       newGate(),
		state:      audio.StateInit,
		index:      make(map[string]*runtime, len(spec.Elements)),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.bufferSize == 0 {
		h.bufferSize = DefaultBufferSize
	}
	h.logger = h.logger.With(slog.String("pipeline", spec.Name))

	for _, es := range spec.Elements {
		elem, err := es.New()
		if err == nil && elem == nil {
			err = errors.New("constructor returned nil element")
		}
		if err != nil {
			for i := len(h.runtimes) - 1; i >= 0; i-- {
				if rerr := h.runtimes[i].elem.Release(); rerr != nil {
					h.logger.Warn("Failed to release element", slog.String("element", h.runtimes[i].name), slog.Any("error", rerr))
				}
			}
			return nil, &BuildError{Pipeline: spec.Name, Element: es.Name, Err: err}
		}
		rt := newRuntime(es, elem)
		h.runtimes = append(h.runtimes, rt)
		h.index[es.Name] = rt
	}

	names := make([]string, len(h.runtimes))
	for i, rt := range h.runtimes {
		names[i] = rt.name
	}
	h.logger.Info("Link elements", slog.String("chain", "["+strings.Join(names, "]-->[")+"]"))

	return h, nil
}

// Name returns the pipeline name.
func (h *Handle) Name() string {
	return h.name
}

// Listen attaches the pipeline and every peripheral to the bus. Each
// peripheral receives its own producer.
func (h *Handle) Listen(peripherals ...event.Listenable) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.torn {
		return ErrTornDown
	}

	h.producerMu.Lock()
	if h.producer == nil {
		p, err := h.bus.Attach("pipeline/" + h.name)
		if err != nil {
			h.producerMu.Unlock()
			return fmt.Errorf("attach pipeline listener: %w", err)
		}
		h.producer = p
	}
	h.producerMu.Unlock()

	for i, target := range peripherals {
		if target == nil {
			continue
		}
		p, err := h.bus.Attach(peripheralName(target, i))
		if err != nil {
			return fmt.Errorf("attach peripheral %s: %w", peripheralName(target, i), err)
		}
		target.SetListener(p)
		h.listeners = append(h.listeners, listener{target: target, producer: p})
	}
	return nil
}

func peripheralName(target event.Listenable, i int) string {
	if n, ok := target.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("peripheral/%d", i)
}

// Run starts every element worker. It only acts on a pipeline in INIT.
func (h *Handle) Run() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.torn {
		return ErrTornDown
	}
	if h.state != audio.StateInit {
		h.logger.Info("Run ignored", slog.String("state", h.state.String()))
		return nil
	}

	h.gate.open()
	h.links = make([]chan Chunk, len(h.runtimes)-1)
	for i := range h.links {
		h.links[i] = make(chan Chunk, h.bufferSize)
	}

	for i, rt := range h.runtimes {
		port := &Port{gate: h.gate}
		if i > 0 {
			port.in = h.links[i-1]
		}
		if i < len(h.links) {
			port.out = h.links[i]
		}
		name := rt.name
		port.report = func(f audio.Format) {
			h.post(event.ElementEvent{Element: name, Command: event.CommandMusicInfo, Format: f})
		}
		rt.start(port, h.postStatus, h.logger)
	}

	h.state = audio.StateRunning
	h.logger.Info("Pipeline running")
	return nil
}

// Pause silences a running pipeline. From any other state it logs and does
// nothing.
func (h *Handle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.torn {
		return ErrTornDown
	}
	if st := h.currentState(); st != audio.StateRunning {
		h.logger.Info("Pause not supported in current state", slog.String("state", st.String()))
		return nil
	}

	h.gate.close()
	for _, rt := range h.runtimes {
		if p, ok := rt.elem.(Pauser); ok {
			p.Pause()
		}
		if rt.transition(audio.StateRunning, audio.StatePaused) {
			h.postStatus(rt.name, audio.StatePaused)
		}
	}
	h.state = audio.StatePaused
	return nil
}

// Resume restarts a paused pipeline. From any other state it logs and does
// nothing.
func (h *Handle) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.torn {
		return ErrTornDown
	}
	if st := h.currentState(); st != audio.StatePaused {
		h.logger.Info("Resume not supported in current state", slog.String("state", st.String()))
		return nil
	}

	for _, rt := range h.runtimes {
		if rt.transition(audio.StatePaused, audio.StateRunning) {
			h.postStatus(rt.name, audio.StateRunning)
		}
		if p, ok := rt.elem.(Pauser); ok {
			p.Resume()
		}
	}
	h.gate.open()
	h.state = audio.StateRunning
	return nil
}

// Stop signals every element worker to stop. It does not wait.
func (h *Handle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.torn {
		return ErrTornDown
	}
	h.stopLocked()
	return nil
}

func (h *Handle) stopLocked() {
	for _, rt := range h.runtimes {
		rt.stop()
	}
	h.gate.open()
	if h.state == audio.StateRunning || h.state == audio.StatePaused {
		h.state = audio.StateStopped
	}
}

// WaitForStop blocks until every element worker has returned or ctx is done.
func (h *Handle) WaitForStop(ctx context.Context) error {
	h.mu.Lock()
	runtimes := append([]*runtime(nil), h.runtimes...)
	h.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range runtimes {
		done := rt.doneChan()
		name := rt.name
		g.Go(func() error {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("wait for element %q: %w", name, context.Cause(gctx))
			}
		})
	}
	return g.Wait()
}

// Terminate drops whatever is still buffered between elements. Every worker
// must have returned.
func (h *Handle) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.torn {
		return ErrTornDown
	}
	return h.terminateLocked()
}

func (h *Handle) terminateLocked() error {
	for _, rt := range h.runtimes {
		if !rt.stopped() {
			return fmt.Errorf("terminate %q: %w", h.name, ErrStillRunning)
		}
	}

	dropped := 0
	for _, link := range h.links {
		for range link {
			dropped++
		}
	}
	h.links = nil
	if dropped > 0 {
		h.logger.Debug("Dropped buffered chunks", slog.Int("chunks", dropped))
	}
	return nil
}

// AdvanceSource points the source at uri and brings a stopped pipeline back
// to INIT without rebuilding its elements. Call Run to start it again.
func (h *Handle) AdvanceSource(uri string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.torn {
		return ErrTornDown
	}
	if err := h.terminateLocked(); err != nil {
		return err
	}

	setter, ok := h.runtimes[0].elem.(URISetter)
	if !ok {
		return fmt.Errorf("%q: %w", h.runtimes[0].name, ErrNotNavigable)
	}
	if err := setter.SetURI(uri); err != nil {
		return fmt.Errorf("set uri on %q: %w", h.runtimes[0].name, err)
	}

	for _, rt := range h.runtimes {
		if r, ok := rt.elem.(Resetter); ok {
			if err := r.Reset(); err != nil {
				return fmt.Errorf("reset %q: %w", rt.name, err)
			}
		}
		rt.setState(audio.StateInit)
	}
	h.state = audio.StateInit
	h.logger.Info("Source advanced", slog.String("uri", uri))
	return nil
}

// State returns the pipeline state. A running pipeline whose workers have
// all returned reports the sink's final state.
func (h *Handle) State() audio.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.torn {
		return audio.StateStopped
	}
	return h.currentState()
}

func (h *Handle) currentState() audio.State {
	if h.state != audio.StateRunning && h.state != audio.StatePaused {
		return h.state
	}
	for _, rt := range h.runtimes {
		if !rt.State().Terminal() {
			return h.state
		}
	}
	return h.runtimes[len(h.runtimes)-1].State()
}

// ElementState returns the state of the named element.
func (h *Handle) ElementState(name string) (audio.State, error) {
	rt, err := h.lookup(name)
	if err != nil {
		return audio.StateInit, err
	}
	return rt.State(), nil
}

// SinkState returns the state of the last element. A torn down pipeline
// reports STOPPED.
func (h *Handle) SinkState() audio.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.torn {
		return audio.StateStopped
	}
	return h.runtimes[len(h.runtimes)-1].State()
}

// Element returns the named element while the pipeline is alive.
func (h *Handle) Element(name string) (Element, error) {
	rt, err := h.lookup(name)
	if err != nil {
		return nil, err
	}
	return rt.elem, nil
}

// Elements returns the element names in link order.
func (h *Handle) Elements() []string {
	names := make([]string, len(h.runtimes))
	for i, rt := range h.runtimes {
		names[i] = rt.name
	}
	return names
}

// Sink returns the name of the last element.
func (h *Handle) Sink() string {
	return h.runtimes[len(h.runtimes)-1].name
}

// Source returns the name of the first element.
func (h *Handle) Source() string {
	return h.runtimes[0].name
}

func (h *Handle) lookup(name string) (*runtime, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.torn {
		return nil, ErrTornDown
	}
	rt, ok := h.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownElement, name)
	}
	return rt, nil
}

func (h *Handle) postStatus(name string, s audio.State) {
	h.post(event.ElementEvent{Element: name, Command: event.CommandStatus, Status: s})
}

func (h *Handle) post(ev event.Event) {
	h.producerMu.Lock()
	p := h.producer
	h.producerMu.Unlock()

	if p == nil {
		return
	}
	if err := p.Post(ev); err != nil {
		h.logger.Debug("Event dropped", slog.Any("error", err))
	}
}
