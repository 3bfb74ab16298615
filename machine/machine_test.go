package machine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"speakerd/audio"
	"speakerd/event"
	"speakerd/input"
	"speakerd/pipeline"
	"speakerd/power"
	"speakerd/source"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fixture records what the machine asked of its collaborators.
type fixture struct {
	t *testing.T

	mu         sync.Mutex
	runs       map[string]int
	uris       map[string][]string
	modes      []Mode
	volumes    []int
	formats    []audio.Format
	channels   []int
	failBuild  string
	hooks      map[string]func(run int)
	transports []event.Button

	input  *input.Peripheral
	bridge *fakeBridge
	power  *power.Controller
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		t:      t,
		runs:   make(map[string]int),
		uris:   make(map[string][]string),
		hooks:  make(map[string]func(run int)),
		input:  input.NewPeripheral(nil, nil, discard),
		bridge: &fakeBridge{},
		power:  power.NewController(power.DefaultSteps, nil, discard),
	}
}

func (f *fixture) press(buttons ...event.Button) {
	for _, b := range buttons {
		if err := f.input.Press(b); err != nil {
			f.t.Errorf("Press(%s) error = %v", b, err)
		}
	}
}

func (f *fixture) started(name, uri string) {
	f.mu.Lock()
	f.runs[name]++
	run := f.runs[name]
	f.uris[name] = append(f.uris[name], uri)
	hook := f.hooks[name]
	f.mu.Unlock()

	if hook != nil {
		hook(run)
	}
}

func (f *fixture) Command(_ context.Context, b event.Button) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transports = append(f.transports, b)
	return nil
}

func (f *fixture) spec(name, uri string, chunks int, format audio.Format, effect bool) pipeline.Spec {
	elems := []pipeline.ElementSpec{{
		Name: "src",
		Kind: pipeline.KindSource,
		New: func() (pipeline.Element, error) {
			return &fakeSource{f: f, name: name, uri: uri, chunks: chunks, format: format}, nil
		},
	}}
	if effect {
		elems = append(elems, pipeline.ElementSpec{
			Name: "alc",
			Kind: pipeline.KindEffect,
			New: func() (pipeline.Element, error) {
				if f.failBuild == name {
					return nil, errors.New("out of memory")
				}
				return &fakeEffect{f: f}, nil
			},
		})
	}
	elems = append(elems, pipeline.ElementSpec{
		Name: "out",
		Kind: pipeline.KindSink,
		New:  func() (pipeline.Element, error) { return &fakeSink{f: f}, nil },
	})
	return pipeline.Spec{Name: name, Elements: elems}
}

func (f *fixture) Prompt(uri string) pipeline.Spec {
	return f.spec("prompt", uri, 3, audio.Format{}, false)
}

func (f *fixture) Storage(uri string) pipeline.Spec {
	return f.spec("storage", uri, -1, audio.Format{SampleRate: 22050, BitDepth: 16, Channels: 1}, true)
}

func (f *fixture) Network(uri string) pipeline.Spec {
	return f.spec("network", uri, -1, audio.Format{}, false)
}

func (f *fixture) Wireless() pipeline.Spec {
	return f.spec("wireless", source.WirelessURI, -1, audio.Format{}, true)
}

type fakeScanner struct {
	tracks []string
}

func (s fakeScanner) Scan(_ context.Context, fn func(string) error) error {
	for _, t := range s.tracks {
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

// fakeSource sends chunks then finishes. With chunks < 0 it sends one chunk
// and holds until stopped.
type fakeSource struct {
	f      *fixture
	name   string
	uri    string
	chunks int
	format audio.Format
}

func (s *fakeSource) Run(ctx context.Context, port *pipeline.Port) error {
	if s.format.Valid() {
		port.ReportFormat(s.format)
	}
	s.f.started(s.name, s.uri)

	n := s.chunks
	if n < 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		if err := port.Send(ctx, pipeline.Chunk{Data: []byte{byte(i)}}); err != nil {
			return err
		}
	}
	if s.chunks < 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *fakeSource) SetURI(uri string) error {
	s.uri = uri
	return nil
}

func (s *fakeSource) Release() error { return nil }

type fakeEffect struct {
	f *fixture
}

func (e *fakeEffect) Run(ctx context.Context, port *pipeline.Port) error {
	for {
		c, err := port.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := port.Send(ctx, c); err != nil {
			return err
		}
	}
}

func (e *fakeEffect) SetChannels(n int) error {
	e.f.mu.Lock()
	defer e.f.mu.Unlock()
	e.f.channels = append(e.f.channels, n)
	return nil
}

func (e *fakeEffect) Release() error { return nil }

type fakeSink struct {
	f      *fixture
	frames atomic.Int64
}

func (s *fakeSink) Run(ctx context.Context, port *pipeline.Port) error {
	for {
		_, err := port.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		s.frames.Add(1)
	}
}

func (s *fakeSink) Frames() int64 { return s.frames.Load() }

func (s *fakeSink) Reset() error {
	s.frames.Store(0)
	return nil
}

func (s *fakeSink) SetFormat(f audio.Format) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.formats = append(s.f.formats, f)
	return nil
}

func (s *fakeSink) SetVolume(int) error { return nil }

func (s *fakeSink) Release() error { return nil }

type fakeBridge struct {
	mu sync.Mutex
	p  *event.Producer
}

func (b *fakeBridge) Name() string { return "wireless" }

func (b *fakeBridge) SetListener(p *event.Producer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.p = p
}

func (b *fakeBridge) RemoveListener() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.p != nil {
		b.p.Detach()
		b.p = nil
	}
}

func (b *fakeBridge) post(s event.TransportStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.p.Post(event.TransportEvent{Peripheral: b.Name(), Status: s})
}

func (f *fixture) machine(tracks []string, opts ...Option) *Machine {
	c := Components{
		Pipelines:      f,
		Power:          f.power,
		StoragePresent: func() bool { return true },
		Playlist:       source.NewPlaylist(fakeScanner{tracks: tracks}, discard),
		Stations:       source.NewStation(source.NewStationList("http://one/live", "http://two/live"), nil),
		Wireless:       source.NewWireless(f),
		Input:          f.input,
		Transport:      f.bridge,
		DefaultVolume:  50,
	}
	opts = append([]Option{
		WithLogger(discard),
		WithPipelineOptions(pipeline.WithLogger(discard)),
		WithModeObserver(func(m Mode) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.modes = append(f.modes, m)
			f.volumes = append(f.volumes, f.power.Volume())
		}),
	}, opts...)
	return New(c, opts...)
}

func run(t *testing.T, m *Machine) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()
	select {
	case err := <-errc:
		return err
	case <-time.After(6 * time.Second):
		t.Fatal("machine did not return")
		return nil
	}
}

func TestModeCycle(t *testing.T) {
	f := newFixture(t)
	f.hooks["storage"] = func(run int) {
		if run == 1 {
			f.press(event.ButtonPlay, event.ButtonVolumeDown, event.ButtonPlay, event.ButtonNext, event.ButtonMode)
		}
	}
	f.hooks["wireless"] = func(run int) {
		f.press(event.ButtonVolumeUp, event.ButtonNext, event.ButtonMode)
	}
	f.hooks["network"] = func(run int) {
		f.press(event.ButtonPrev, event.ButtonMode)
	}

	m := f.machine([]string{"/sdcard/a.mp3", "/sdcard/b.mp3"})
	if err := run(t, m); !errors.Is(err, ErrRestart) {
		t.Fatalf("Run() error = %v, want ErrRestart", err)
	}

	want := []Mode{
		ModeDetectStorage, ModeStorageInit, ModeStorage,
		ModeWirelessInit, ModeWireless,
		ModeNetworkInit, ModeNetwork,
		ModeRestart,
	}
	if !reflect.DeepEqual(f.modes, want) {
		t.Errorf("modes = %v, want %v", f.modes, want)
	}
	if got := f.uris["storage"]; !reflect.DeepEqual(got, []string{"/sdcard/a.mp3", "/sdcard/b.mp3"}) {
		t.Errorf("storage uris = %v", got)
	}
	if got := f.uris["network"]; !reflect.DeepEqual(got, []string{"http://one/live", "http://two/live"}) {
		t.Errorf("network uris = %v", got)
	}
	if !reflect.DeepEqual(f.transports, []event.Button{event.ButtonVolumeUp, event.ButtonNext}) {
		t.Errorf("forwarded = %v", f.transports)
	}
	// Volume was lowered once in storage and reset on the next prompt.
	if f.volumes[3] != 45 {
		t.Errorf("volume entering wireless-init = %d, want 45", f.volumes[3])
	}
	if f.power.Enabled() {
		t.Error("hardware still enabled after Run")
	}
}

func TestStorageStartsWithFirstTrack(t *testing.T) {
	f := newFixture(t)
	f.hooks["storage"] = func(run int) {
		f.press(event.ButtonMode)
	}
	f.hooks["wireless"] = func(int) { f.press(event.ButtonMode) }
	f.hooks["network"] = func(int) { f.press(event.ButtonMode) }

	m := f.machine([]string{"/sdcard/01.mp3", "/sdcard/02.mp3", "/sdcard/03.mp3"})
	if err := run(t, m); !errors.Is(err, ErrRestart) {
		t.Fatalf("Run() error = %v", err)
	}

	if got := f.uris["prompt"]; len(got) < 1 || got[0] != "flash://tone/2_storage_mode.mp3" {
		t.Errorf("first prompt = %v", got)
	}
	if got := f.uris["storage"]; len(got) != 1 || got[0] != "/sdcard/01.mp3" {
		t.Errorf("storage uris = %v, want [/sdcard/01.mp3]", got)
	}
	if len(f.formats) == 0 || f.formats[0].Channels != 1 {
		t.Errorf("sink formats = %v", f.formats)
	}
	if len(f.channels) == 0 || f.channels[0] != 1 {
		t.Errorf("channel updates = %v", f.channels)
	}
}

func TestStorageAdvancesWhenTrackFinishes(t *testing.T) {
	f := newFixture(t)
	m := f.machine(nil)
	m.c.Pipelines = finishingStorage{f}
	m.c.Playlist = source.NewPlaylist(fakeScanner{tracks: []string{"a", "b", "c"}}, discard)
	f.hooks["storage"] = func(run int) {
		if run == 4 {
			f.press(event.ButtonMode)
		}
	}
	f.hooks["wireless"] = func(int) { f.press(event.ButtonMode) }
	f.hooks["network"] = func(int) { f.press(event.ButtonMode) }

	if err := run(t, m); !errors.Is(err, ErrRestart) {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{"a", "b", "c", "a"}
	if got := f.uris["storage"]; len(got) < 4 || !reflect.DeepEqual(got[:4], want) {
		t.Errorf("storage uris = %v, want prefix %v", got, want)
	}
}

// finishingStorage plays every track to its end.
type finishingStorage struct {
	*fixture
}

func (p finishingStorage) Storage(uri string) pipeline.Spec {
	return p.spec("storage", uri, 2, audio.Format{}, true)
}

// silentPipelines builds storage and network pipelines whose entries end
// before producing any audio.
type silentPipelines struct {
	*fixture
	storage, network bool
}

func (p silentPipelines) Storage(uri string) pipeline.Spec {
	if p.storage {
		return p.spec("storage", uri, 0, audio.Format{}, true)
	}
	return p.fixture.Storage(uri)
}

func (p silentPipelines) Network(uri string) pipeline.Spec {
	if p.network {
		return p.spec("network", uri, 0, audio.Format{}, false)
	}
	return p.fixture.Network(uri)
}

func TestUnplayableEntriesLeaveMode(t *testing.T) {
	tests := []struct {
		name        string
		storage     bool
		network     bool
		wantStorage []string
		wantNetwork []string
	}{
		{
			name:        "storage",
			storage:     true,
			wantStorage: []string{"a", "b", "c"},
			wantNetwork: []string{"http://one/live"},
		},
		{
			name:        "network",
			network:     true,
			wantStorage: []string{"a"},
			wantNetwork: []string{"http://one/live", "http://two/live"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			m := f.machine([]string{"a", "b", "c"})
			m.c.Pipelines = silentPipelines{fixture: f, storage: tt.storage, network: tt.network}
			press := func(int) { f.press(event.ButtonMode) }
			if !tt.storage {
				f.hooks["storage"] = press
			}
			if !tt.network {
				f.hooks["network"] = press
			}
			f.hooks["wireless"] = press

			if err := run(t, m); !errors.Is(err, ErrRestart) {
				t.Fatalf("Run() error = %v, want ErrRestart", err)
			}

			want := []Mode{
				ModeDetectStorage, ModeStorageInit, ModeStorage,
				ModeWirelessInit, ModeWireless,
				ModeNetworkInit, ModeNetwork, ModeRestart,
			}
			if !reflect.DeepEqual(f.modes, want) {
				t.Errorf("modes = %v, want %v", f.modes, want)
			}
			if got := f.uris["storage"]; !reflect.DeepEqual(got, tt.wantStorage) {
				t.Errorf("storage uris = %v, want %v", got, tt.wantStorage)
			}
			if got := f.uris["network"]; !reflect.DeepEqual(got, tt.wantNetwork) {
				t.Errorf("network uris = %v, want %v", got, tt.wantNetwork)
			}
		})
	}
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

func TestPlayTogglesPowerGate(t *testing.T) {
	f := newFixture(t)
	var m *Machine
	done := make(chan struct{})

	gate := func(enabled bool) func() bool {
		return func() bool {
			return f.power.Enabled() == enabled && m.State().Context.HardwareEnabled == enabled
		}
	}
	sink := func(want audio.State) func() bool {
		return func() bool {
			h := m.State().handle
			return h != nil && h.SinkState() == want
		}
	}

	f.hooks["storage"] = func(run int) {
		if run != 1 {
			return
		}
		go func() {
			defer close(done)
			defer f.press(event.ButtonMode)

			if !waitFor(gate(true)) {
				t.Error("hardware not enabled while playing")
				return
			}
			f.press(event.ButtonPlay)
			if !waitFor(sink(audio.StatePaused)) || !waitFor(gate(false)) {
				t.Error("PLAY did not pause and disable the hardware")
				return
			}
			f.press(event.ButtonPlay)
			if !waitFor(sink(audio.StateRunning)) || !waitFor(gate(true)) {
				t.Error("PLAY did not resume and enable the hardware")
				return
			}
			for i := 0; i < 10; i++ {
				f.press(event.ButtonVolumeDown)
			}
			if !waitFor(func() bool { return m.State().Context.Volume == 0 }) || !waitFor(gate(false)) {
				t.Errorf("after volume down: volume %d, enabled %v", f.power.Volume(), f.power.Enabled())
			}
			if h := m.State().handle; h == nil || h.SinkState() != audio.StateRunning {
				t.Error("pipeline stopped running at volume 0")
			}
		}()
	}
	f.hooks["wireless"] = func(int) { f.press(event.ButtonMode) }
	f.hooks["network"] = func(int) { f.press(event.ButtonMode) }

	m = f.machine([]string{"/sdcard/a.mp3"})
	if err := run(t, m); !errors.Is(err, ErrRestart) {
		t.Fatalf("Run() error = %v", err)
	}
	<-done
}

func TestWirelessRebuildsOnDisconnect(t *testing.T) {
	f := newFixture(t)
	var reentered int
	f.hooks["storage"] = func(int) { f.press(event.ButtonMode) }
	f.hooks["wireless"] = func(run int) {
		if run == 1 {
			if _, err := f.power.Increase(); err != nil {
				t.Errorf("Increase: %v", err)
			}
			if err := f.bridge.post(event.TransportConnected); err != nil {
				t.Errorf("post: %v", err)
			}
			if err := f.bridge.post(event.TransportDisconnected); err != nil {
				t.Errorf("post: %v", err)
			}
			return
		}
		reentered = f.power.Volume()
		f.press(event.ButtonMode)
	}
	f.hooks["network"] = func(int) { f.press(event.ButtonMode) }

	m := f.machine([]string{"/sdcard/a.mp3"})
	if err := run(t, m); !errors.Is(err, ErrRestart) {
		t.Fatalf("Run() error = %v", err)
	}

	want := []Mode{
		ModeDetectStorage, ModeStorageInit, ModeStorage,
		ModeWirelessInit, ModeWireless, ModeWireless,
		ModeNetworkInit, ModeNetwork, ModeRestart,
	}
	if !reflect.DeepEqual(f.modes, want) {
		t.Errorf("modes = %v, want %v", f.modes, want)
	}
	if reentered != 50 {
		t.Errorf("volume after re-entering wireless = %d, want 50", reentered)
	}
}

func TestEmptyPlaylistSkipsStorage(t *testing.T) {
	f := newFixture(t)
	f.hooks["wireless"] = func(int) { f.press(event.ButtonMode) }
	f.hooks["network"] = func(int) { f.press(event.ButtonMode) }

	m := f.machine(nil)
	if err := run(t, m); !errors.Is(err, ErrRestart) {
		t.Fatalf("Run() error = %v", err)
	}

	want := []Mode{
		ModeDetectStorage, ModeStorageInit,
		ModeWirelessInit, ModeWireless,
		ModeNetworkInit, ModeNetwork, ModeRestart,
	}
	if !reflect.DeepEqual(f.modes, want) {
		t.Errorf("modes = %v, want %v", f.modes, want)
	}
	if f.runs["storage"] != 0 {
		t.Errorf("storage pipeline ran %d times", f.runs["storage"])
	}
}

func TestBuildFailureRestarts(t *testing.T) {
	f := newFixture(t)
	f.failBuild = "storage"

	m := f.machine([]string{"/sdcard/a.mp3"})
	if err := run(t, m); !errors.Is(err, ErrRestart) {
		t.Fatalf("Run() error = %v, want ErrRestart", err)
	}

	want := []Mode{ModeDetectStorage, ModeStorageInit, ModeStorage, ModeRestart}
	if !reflect.DeepEqual(f.modes, want) {
		t.Errorf("modes = %v, want %v", f.modes, want)
	}
}

func TestSwitchMode(t *testing.T) {
	f := newFixture(t)
	var m *Machine
	switched := make(chan bool, 3)
	hook := func(int) { switched <- m.SwitchMode() }
	f.hooks["storage"] = hook
	f.hooks["wireless"] = hook
	f.hooks["network"] = hook

	m = f.machine([]string{"/sdcard/a.mp3"})
	if m.SwitchMode() {
		t.Error("SwitchMode() before Run = true")
	}
	if err := run(t, m); !errors.Is(err, ErrRestart) {
		t.Fatalf("Run() error = %v", err)
	}
	close(switched)
	for ok := range switched {
		if !ok {
			t.Error("SwitchMode() in a playing mode = false")
		}
	}
	if m.State().Mode != ModeRestart {
		t.Errorf("final mode = %s", m.State().Mode)
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.hooks["storage"] = func(int) {
		f.press(event.ButtonPlay)
		cancel()
	}

	m := f.machine([]string{"/sdcard/a.mp3"})
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if st := m.State(); st.handle != nil || st.Mode != ModeStorage {
		t.Errorf("state after cancel = %+v", st)
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		from    Mode
		trigger Trigger
		want    Mode
		wantErr bool
	}{
		{ModeDetectStorage, TriggerStoragePresent, ModeStorageInit, false},
		{ModeDetectStorage, TriggerStorageAbsent, ModeWirelessInit, false},
		{ModeStorageInit, TriggerPromptFinished, ModeStorage, false},
		{ModeStorage, TriggerMode, ModeWirelessInit, false},
		{ModeWirelessInit, TriggerPromptFinished, ModeWireless, false},
		{ModeWireless, TriggerMode, ModeNetworkInit, false},
		{ModeWireless, TriggerDisconnected, ModeWireless, false},
		{ModeNetworkInit, TriggerPromptFinished, ModeNetwork, false},
		{ModeNetwork, TriggerMode, ModeRestart, false},
		{ModeStorageInit, TriggerSourceEmpty, ModeWirelessInit, false},
		{ModeWireless, TriggerFailed, ModeRestart, false},
		{ModeStorageInit, TriggerMode, ModeStorageInit, true},
		{ModeStorage, TriggerDisconnected, ModeStorage, true},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.trigger.String(), func(t *testing.T) {
			got, err := Next(tt.from, tt.trigger)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Next() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Next() = %s, want %s", got, tt.want)
			}
		})
	}
}

// Any number of non-mode inputs between MODE presses leaves the cycle
// unchanged.
func TestModeCycleIgnoresOtherInputs(t *testing.T) {
	noise := []event.Button{event.ButtonVolumeUp, event.ButtonVolumeDown, event.ButtonPlay, event.ButtonPlay}
	for n := 0; n <= len(noise); n++ {
		f := newFixture(t)
		hook := func(run int) {
			if run == 1 {
				f.press(append(append([]event.Button(nil), noise[:n]...), event.ButtonMode)...)
			}
		}
		f.hooks["storage"] = hook
		f.hooks["wireless"] = hook
		f.hooks["network"] = hook

		m := f.machine([]string{"/sdcard/a.mp3"})
		if err := run(t, m); !errors.Is(err, ErrRestart) {
			t.Fatalf("noise %d: Run() error = %v", n, err)
		}

		var playing []Mode
		for _, mode := range f.modes {
			switch mode {
			case ModeStorage, ModeWireless, ModeNetwork, ModeRestart:
				playing = append(playing, mode)
			}
		}
		want := []Mode{ModeStorage, ModeWireless, ModeNetwork, ModeRestart}
		if !reflect.DeepEqual(playing, want) {
			t.Errorf("noise %d: visited %v, want %v", n, playing, want)
		}
	}
}
