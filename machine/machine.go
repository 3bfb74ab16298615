package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"speakerd/assets"
	"speakerd/audio"
	"speakerd/event"
	"speakerd/pipeline"
	"speakerd/power"
	"speakerd/source"
)

// ErrRestart is returned by Run when the machine reaches ModeRestart. The
// caller is expected to restart the whole process.
var ErrRestart = errors.New("restart requested")

var errModeSwitch = errors.New("mode switch requested")

// Pipelines builds the pipeline spec of every mode.
type Pipelines interface {
	Prompt(uri string) pipeline.Spec
	Storage(uri string) pipeline.Spec
	Network(uri string) pipeline.Spec
	Wireless() pipeline.Spec
}

// Worker is a background component that runs for the machine's lifetime.
type Worker interface {
	Run(ctx context.Context) error
}

// Components are the collaborators the machine drives.
type Components struct {
	Pipelines Pipelines
	Power     *power.Controller

	// StoragePresent detects the storage medium.
	StoragePresent func() bool
	Playlist       source.Provider
	Stations       source.Provider
	Wireless       *source.Wireless

	// Input is listened to in every playing mode, Transport in wireless
	// mode only.
	Input     event.Listenable
	Transport event.Listenable

	Workers       []Worker
	DefaultVolume int
}

// ModeContext is the observable state of the active mode.
type ModeContext struct {
	Mode            Mode
	Volume          int
	HardwareEnabled bool
}

// OrchestratorState is owned by the control loop for the machine's
// lifetime.
type OrchestratorState struct {
	Mode    Mode
	Context ModeContext
	handle  *pipeline.Handle
}

// Option configures a Machine.
type Option func(*Machine)

// WithModeObserver registers fn to be called on every mode entry.
func WithModeObserver(fn func(Mode)) Option {
	return func(m *Machine) {
		m.observer = fn
	}
}

// WithLogger overrides the machine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithPipelineOptions passes opts to every pipeline the machine builds.
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(m *Machine) {
		m.pipelineOpts = append(m.pipelineOpts, opts...)
	}
}

// Machine is the mode state machine of the speaker.
type Machine struct {
	c            Components
	logger       *slog.Logger
	observer     func(Mode)
	pipelineOpts []pipeline.Option

	mu       sync.Mutex
	state    OrchestratorState
	switchFn context.CancelCauseFunc

	wg        sync.WaitGroup
	errorChan chan error
}

// New creates a machine in ModeDetectStorage.
func New(c Components, opts ...Option) *Machine {
	m := &Machine{
		c:         c,
		logger:    slog.With("component", "machine"),
		errorChan: make(chan error, 10),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.c.Power == nil {
		m.c.Power = power.NewController(power.DefaultSteps, nil, m.logger)
	}
	return m
}

// Run drives the machine until ctx is done or a restart is required. Each
// mode is entered, run to its trigger, and left before the next one starts.
func (m *Machine) Run(ctx context.Context) error {
	m.logger.Info("Starting machine...")

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	m.startWorkers(workerCtx)
	defer func() {
		cancelWorkers()
		m.wg.Wait()
		if err := m.c.Power.Shutdown(); err != nil {
			m.logger.Warn("Failed to shut down power line", slog.Any("error", err))
		}
		m.logger.Info("Machine stopped")
	}()

	mode := ModeDetectStorage
	for {
		m.enter(mode)
		if mode == ModeRestart {
			m.logger.Warn("Restart required")
			return ErrRestart
		}

		trigger, err := m.step(ctx, mode)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			m.logger.Error("Mode failed", slog.String("mode", mode.String()), slog.Any("error", err))
		}

		next, terr := Next(mode, trigger)
		if terr != nil {
			m.logger.Error("Invalid transition", slog.Any("error", terr))
			next = ModeRestart
		}
		m.logger.Info("Mode transition",
			slog.String("from", mode.String()),
			slog.String("trigger", trigger.String()),
			slog.String("to", next.String()))
		mode = next
	}
}

// SwitchMode interrupts the active mode as if MODE had been pressed. It
// reports false when the active mode has no mode-switch edge.
func (m *Machine) SwitchMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.switchFn == nil {
		m.logger.Info("Mode switch ignored", slog.String("mode", m.state.Mode.String()))
		return false
	}
	m.switchFn(errModeSwitch)
	return true
}

// State returns a snapshot of the orchestrator state.
func (m *Machine) State() OrchestratorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Error returns the channel background worker failures are reported on.
func (m *Machine) Error() <-chan error {
	return m.errorChan
}

func (m *Machine) startWorkers(ctx context.Context) {
	for _, w := range m.c.Workers {
		w := w
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("Worker failed", slog.String("worker", fmt.Sprintf("%T", w)), slog.Any("error", err))
				select {
				case m.errorChan <- err:
				default:
				}
			}
		}()
	}
}

func (m *Machine) enter(mode Mode) {
	m.mu.Lock()
	m.state.Mode = mode
	m.state.Context.Mode = mode
	m.mu.Unlock()

	m.logger.Info("Entering mode", slog.String("mode", mode.String()))
	if m.observer != nil {
		m.observer(mode)
	}
}

// step runs one mode and returns the trigger that ended it.
func (m *Machine) step(ctx context.Context, mode Mode) (Trigger, error) {
	switch mode {
	case ModeDetectStorage:
		if m.c.StoragePresent != nil && m.c.StoragePresent() {
			return TriggerStoragePresent, nil
		}
		return TriggerStorageAbsent, nil

	case ModeStorageInit:
		if err := m.prepare(ctx, m.c.Playlist); err != nil {
			return TriggerSourceEmpty, err
		}
		return m.runMode(ctx, m.promptMode(mode, assets.ToneStorage))

	case ModeStorage:
		return m.runPlayer(ctx, mode, m.c.Playlist, m.c.Pipelines.Storage)

	case ModeWirelessInit:
		return m.runMode(ctx, m.promptMode(mode, assets.ToneWireless))

	case ModeWireless:
		return m.runMode(ctx, m.wirelessMode())

	case ModeNetworkInit:
		if err := m.prepare(ctx, m.c.Stations); err != nil {
			return TriggerSourceEmpty, err
		}
		return m.runMode(ctx, m.promptMode(mode, assets.ToneNetwork))

	case ModeNetwork:
		return m.runPlayer(ctx, mode, m.c.Stations, m.c.Pipelines.Network)
	}
	return TriggerFailed, fmt.Errorf("unhandled mode %s", mode)
}

func (m *Machine) prepare(ctx context.Context, p source.Provider) error {
	if p == nil {
		return source.ErrEmpty
	}
	return p.Prepare(ctx)
}

func (m *Machine) runPlayer(ctx context.Context, mode Mode, p source.Provider, build func(string) pipeline.Spec) (Trigger, error) {
	if p == nil {
		return TriggerSourceEmpty, source.ErrEmpty
	}
	uri, err := p.Current()
	if err != nil {
		return TriggerSourceEmpty, err
	}
	return m.runMode(ctx, m.playerMode(mode, p, build(uri)))
}

// modeSpec is everything that differs between modes. runMode supplies the
// rest.
type modeSpec struct {
	mode        Mode
	spec        pipeline.Spec
	peripherals []event.Listenable

	// onInput handles a button other than MODE.
	onInput func(ctx context.Context, h *pipeline.Handle, b event.Button)
	// onSinkDone handles a terminal sink status. It returns true when the
	// mode is over.
	onSinkDone func(ctx context.Context, h *pipeline.Handle, s audio.State) (Trigger, bool)
	// onTransport handles a wireless link change.
	onTransport func(ev event.TransportEvent) (Trigger, bool)
}

// runMode builds the mode's pipeline, attaches it to a fresh bus, runs it
// and consumes events until the mode ends. The pipeline is always torn down
// before returning.
func (m *Machine) runMode(ctx context.Context, ms modeSpec) (Trigger, error) {
	modeCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	bus := event.NewBus(ms.mode.String())
	opts := append([]pipeline.Option{pipeline.WithLogger(m.logger.With(slog.String("mode", ms.mode.String())))}, m.pipelineOpts...)
	h, err := pipeline.Build(ms.spec, bus, opts...)
	if err != nil {
		return TriggerFailed, fmt.Errorf("build %s pipeline: %w", ms.mode, err)
	}

	m.mu.Lock()
	m.state.handle = h
	if accepts(ms.mode, TriggerMode) {
		m.switchFn = cancel
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.state.handle = nil
		m.switchFn = nil
		m.mu.Unlock()

		if err := m.c.Power.SetMixer(nil); err != nil {
			m.logger.Warn("Failed to detach mixer", slog.Any("error", err))
		}
		if err := m.c.Power.SetPlayback(power.PlaybackIdle); err != nil {
			m.logger.Warn("Failed to update playback state", slog.Any("error", err))
		}
		if err := h.Teardown(); err != nil {
			m.logger.Error("Pipeline teardown failed", slog.String("mode", ms.mode.String()), slog.Any("error", err))
		}
		m.syncContext()
	}()

	if err := h.Listen(ms.peripherals...); err != nil {
		return TriggerFailed, err
	}
	if sink, err := h.Element(h.Sink()); err == nil {
		if mixer, ok := sink.(power.Mixer); ok {
			if err := m.c.Power.SetMixer(mixer); err != nil {
				m.logger.Warn("Failed to set output volume", slog.Any("error", err))
			}
		}
	}
	if err := h.Run(); err != nil {
		return TriggerFailed, err
	}

	for {
		ev, err := bus.Listen(modeCtx, event.WaitForever)
		if err != nil {
			if modeCtx.Err() != nil {
				if errors.Is(context.Cause(modeCtx), errModeSwitch) {
					m.logger.Info("Mode switch requested", slog.String("mode", ms.mode.String()))
					return TriggerMode, nil
				}
				return TriggerFailed, context.Cause(modeCtx)
			}
			m.logger.Warn("Event receive failed", slog.Any("error", err))
			continue
		}

		switch ev := ev.(type) {
		case event.ElementEvent:
			if trigger, done := m.onElement(modeCtx, h, ms, ev); done {
				return trigger, nil
			}
		case event.InputEvent:
			m.logger.Debug("Input", slog.String("button", ev.Button.String()), slog.String("source", ev.Source))
			if ev.Button == event.ButtonMode {
				return TriggerMode, nil
			}
			if ms.onInput != nil {
				ms.onInput(modeCtx, h, ev.Button)
			}
		case event.TransportEvent:
			m.logger.Info("Transport", slog.String("peripheral", ev.Peripheral), slog.String("status", ev.Status.String()))
			if ms.onTransport != nil {
				if trigger, done := ms.onTransport(ev); done {
					return trigger, nil
				}
			}
		}
	}
}

func (m *Machine) onElement(ctx context.Context, h *pipeline.Handle, ms modeSpec, ev event.ElementEvent) (Trigger, bool) {
	switch ev.Command {
	case event.CommandMusicInfo:
		m.applyFormat(h, ev)
		return 0, false
	case event.CommandStatus:
	default:
		return 0, false
	}

	if ev.Element != h.Sink() {
		if ev.Status == audio.StateError {
			m.logger.Warn("Element error", slog.String("element", ev.Element))
		}
		return 0, false
	}

	m.logger.Debug("Sink status", slog.String("status", ev.Status.String()))
	if err := m.c.Power.SetPlayback(playbackOf(ev.Status)); err != nil {
		m.logger.Warn("Failed to update playback state", slog.Any("error", err))
	}
	m.syncContext()

	if ev.Status != audio.StateFinished && ev.Status != audio.StateError {
		return 0, false
	}
	// A status posted before a navigation is stale once the sink runs again.
	if h.SinkState() != ev.Status {
		return 0, false
	}
	if ms.onSinkDone == nil {
		return 0, false
	}
	return ms.onSinkDone(ctx, h, ev.Status)
}

// applyFormat reclocks the sink and sets the channel count of every
// element that follows it.
func (m *Machine) applyFormat(h *pipeline.Handle, ev event.ElementEvent) {
	m.logger.Info("Music info",
		slog.String("element", ev.Element),
		slog.Int("sample_rate", ev.Format.SampleRate),
		slog.Int("bits", ev.Format.BitDepth),
		slog.Int("channels", ev.Format.Channels))

	if sink, err := h.Element(h.Sink()); err == nil {
		if fs, ok := sink.(pipeline.FormatSetter); ok {
			if err := fs.SetFormat(ev.Format); err != nil {
				m.logger.Warn("Failed to set sink format", slog.Any("error", err))
			}
		}
	}
	for _, name := range h.Elements() {
		elem, err := h.Element(name)
		if err != nil {
			continue
		}
		if cs, ok := elem.(pipeline.ChannelSetter); ok {
			if err := cs.SetChannels(ev.Format.Channels); err != nil {
				m.logger.Warn("Failed to set channels", slog.String("element", name), slog.Any("error", err))
			}
		}
	}
}

func (m *Machine) syncContext() {
	volume := m.c.Power.Volume()
	enabled := m.c.Power.Enabled()

	m.mu.Lock()
	m.state.Context.Volume = volume
	m.state.Context.HardwareEnabled = enabled
	m.mu.Unlock()
}

func playbackOf(s audio.State) power.PlaybackState {
	switch s {
	case audio.StateRunning:
		return power.PlaybackPlaying
	case audio.StatePaused:
		return power.PlaybackPaused
	default:
		return power.PlaybackIdle
	}
}

// promptMode plays tone once and ends when the sink is done.
func (m *Machine) promptMode(mode Mode, tone assets.Tone) modeSpec {
	m.resetVolume()

	uri, err := tone.URI()
	if err != nil {
		m.logger.Error("Unknown prompt", slog.String("tone", tone.String()), slog.Any("error", err))
	}
	return modeSpec{
		mode: mode,
		spec: m.c.Pipelines.Prompt(uri),
		onSinkDone: func(_ context.Context, _ *pipeline.Handle, s audio.State) (Trigger, bool) {
			if s == audio.StateError {
				m.logger.Warn("Prompt failed, continuing", slog.String("tone", tone.String()))
			}
			return TriggerPromptFinished, true
		},
	}
}

// playerMode plays the provider's current entry and handles local transport
// controls.
func (m *Machine) playerMode(mode Mode, p source.Provider, spec pipeline.Spec) modeSpec {
	failed := 0
	return modeSpec{
		mode:        mode,
		spec:        spec,
		peripherals: listenables(m.c.Input),
		onInput: func(ctx context.Context, h *pipeline.Handle, b event.Button) {
			switch b {
			case event.ButtonPlay:
				m.toggle(h)
			case event.ButtonPrev:
				m.navigate(ctx, h, p, source.Prev)
			case event.ButtonNext:
				m.navigate(ctx, h, p, source.Next)
			case event.ButtonVolumeUp:
				m.volume(m.c.Power.Increase)
			case event.ButtonVolumeDown:
				m.volume(m.c.Power.Decrease)
			}
		},
		onSinkDone: func(ctx context.Context, h *pipeline.Handle, s audio.State) (Trigger, bool) {
			if s == audio.StateError || !played(h) {
				failed++
				m.logger.Warn("Entry played nothing", slog.String("mode", mode.String()), slog.Int("failed", failed))
				if failed >= entries(p) {
					m.logger.Error("No playable entry left", slog.String("mode", mode.String()))
					return TriggerSourceEmpty, true
				}
			} else {
				failed = 0
			}
			m.navigate(ctx, h, p, source.Next)
			return 0, false
		},
	}
}

// wirelessMode forwards transport controls to the peer and rebuilds on
// disconnect.
func (m *Machine) wirelessMode() modeSpec {
	// Wireless is re-entered without a prompt after a disconnect.
	m.resetVolume()

	return modeSpec{
		mode:        ModeWireless,
		spec:        m.c.Pipelines.Wireless(),
		peripherals: listenables(m.c.Input, m.c.Transport),
		onInput: func(ctx context.Context, _ *pipeline.Handle, b event.Button) {
			if m.c.Wireless == nil {
				return
			}
			fctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := m.c.Wireless.Forward(fctx, b); err != nil {
				m.logger.Warn("Failed to forward button", slog.String("button", b.String()), slog.Any("error", err))
			}
		},
		onTransport: func(ev event.TransportEvent) (Trigger, bool) {
			if ev.Status == event.TransportDisconnected {
				return TriggerDisconnected, true
			}
			return 0, false
		},
	}
}

func (m *Machine) resetVolume() {
	if err := m.c.Power.Reset(m.c.DefaultVolume); err != nil {
		m.logger.Warn("Failed to reset volume", slog.Any("error", err))
	}
	m.syncContext()
}

// played reports whether the sink output anything since the pipeline last
// entered INIT. Sinks that do not count frames are assumed to have played.
func played(h *pipeline.Handle) bool {
	sink, err := h.Element(h.Sink())
	if err != nil {
		return false
	}
	fc, ok := sink.(pipeline.FrameCounter)
	return !ok || fc.Frames() > 0
}

// entries is the number of consecutive failed entries after which a player
// mode gives up: one full lap of the provider.
func entries(p source.Provider) int {
	if l, ok := p.(interface{ Len() int }); ok && l.Len() > 0 {
		return l.Len()
	}
	return 1
}

func listenables(ls ...event.Listenable) []event.Listenable {
	out := make([]event.Listenable, 0, len(ls))
	for _, l := range ls {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

// toggle pauses or resumes playback depending on the sink state.
func (m *Machine) toggle(h *pipeline.Handle) {
	var err error
	switch st := h.SinkState(); st {
	case audio.StateInit:
		err = h.Run()
	case audio.StateRunning:
		err = h.Pause()
	case audio.StatePaused:
		err = h.Resume()
	default:
		m.logger.Info("Play ignored", slog.String("state", st.String()))
	}
	if err != nil {
		m.logger.Warn("Play toggle failed", slog.Any("error", err))
	}
}

// navigate stops the pipeline, points its source at the next entry and
// runs it again.
func (m *Machine) navigate(ctx context.Context, h *pipeline.Handle, p source.Provider, d source.Direction) {
	uri, err := p.Navigate(d)
	if err != nil {
		m.logger.Warn("Navigation failed", slog.String("direction", d.String()), slog.Any("error", err))
		return
	}
	m.logger.Info("Navigate", slog.String("direction", d.String()), slog.String("uri", uri))

	if err := h.Stop(); err != nil {
		m.logger.Warn("Failed to stop pipeline", slog.Any("error", err))
		return
	}
	if err := h.WaitForStop(ctx); err != nil {
		m.logger.Warn("Failed to wait for pipeline", slog.Any("error", err))
		return
	}
	if err := h.AdvanceSource(uri); err != nil {
		m.logger.Warn("Failed to advance source", slog.Any("error", err))
		return
	}
	if err := h.Run(); err != nil {
		m.logger.Warn("Failed to run pipeline", slog.Any("error", err))
	}
}

func (m *Machine) volume(change func() (int, error)) {
	v, err := change()
	if err != nil {
		m.logger.Warn("Failed to set volume", slog.Any("error", err))
	}
	m.syncContext()
	m.logger.Info("Volume set", slog.Int("volume", v))
}
