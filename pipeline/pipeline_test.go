package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"speakerd/audio"
	"speakerd/event"
)

var testFormat = audio.Format{SampleRate: 44100, BitDepth: 16, Channels: 2}

// fakeElement behaves as a source when chunks is set, as a passthrough
// otherwise. chunks < 0 produces until stopped.
type fakeElement struct {
	chunks int

	mu       sync.Mutex
	uri      string
	runs     int
	received int
	resets   int
	paused   bool
	released atomic.Bool
	running  atomic.Bool
	reportFn bool
}

func (f *fakeElement) Run(ctx context.Context, port *Port) error {
	f.running.Store(true)
	defer f.running.Store(false)

	f.mu.Lock()
	f.runs++
	f.mu.Unlock()

	if f.chunks != 0 {
		if f.reportFn {
			port.ReportFormat(testFormat)
			port.ReportFormat(audio.Format{SampleRate: 8000, BitDepth: 16, Channels: 1})
		}
		for i := 0; f.chunks < 0 || i < f.chunks; i++ {
			if err := port.Send(ctx, Chunk{Data: []byte{byte(i)}}); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		c, err := port.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.received++
		f.mu.Unlock()
		if err := port.Send(ctx, c); err != nil && !errors.Is(err, ErrNoOutput) {
			return err
		}
	}
}

func (f *fakeElement) Release() error {
	f.released.Store(true)
	return nil
}

func (f *fakeElement) SetURI(uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uri = uri
	return nil
}

func (f *fakeElement) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.received = 0
	return nil
}

func (f *fakeElement) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

func (f *fakeElement) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
}

func (f *fakeElement) Received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received
}

type fakePeripheral struct {
	mu       sync.Mutex
	producer *event.Producer
	removed  int
}

func (p *fakePeripheral) Name() string { return "buttons" }

func (p *fakePeripheral) SetListener(prod *event.Producer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.producer = prod
}

func (p *fakePeripheral) RemoveListener() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producer != nil {
		p.producer.Detach()
		p.producer = nil
	}
	p.removed++
}

func (p *fakePeripheral) press(b event.Button) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producer == nil {
		return event.ErrDetached
	}
	return p.producer.Post(event.InputEvent{Source: "buttons", Button: b})
}

func fixed(e Element) func() (Element, error) {
	return func() (Element, error) { return e, nil }
}

func testSpec(src, dec, sink *fakeElement) Spec {
	return Spec{
		Name: "test",
		Elements: []ElementSpec{
			{Name: "reader", Kind: KindSource, New: fixed(src)},
			{Name: "decoder", Kind: KindDecoder, New: fixed(dec)},
			{Name: "sink", Kind: KindSink, New: fixed(sink)},
		},
		BufferSize: 2,
	}
}

func waitStatus(t *testing.T, bus *event.Bus, element string, want audio.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ev, err := bus.Listen(context.Background(), time.Until(deadline))
		if err != nil {
			t.Fatalf("waiting for %s %s: %v", element, want, err)
		}
		el, ok := ev.(event.ElementEvent)
		if ok && el.Command == event.CommandStatus && el.Element == element && el.Status == want {
			return
		}
	}
	t.Fatalf("timed out waiting for %s %s", element, want)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestSpecValidate(t *testing.T) {
	e := fixed(&fakeElement{})
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{
			name: "valid",
			spec: Spec{Name: "ok", Elements: []ElementSpec{
				{Name: "src", Kind: KindSource, New: e},
				{Name: "out", Kind: KindSink, New: e},
			}},
		},
		{
			name:    "too short",
			spec:    Spec{Name: "short", Elements: []ElementSpec{{Name: "src", Kind: KindSource, New: e}}},
			wantErr: true,
		},
		{
			name: "sink first",
			spec: Spec{Name: "rev", Elements: []ElementSpec{
				{Name: "out", Kind: KindSink, New: e},
				{Name: "src", Kind: KindSource, New: e},
			}},
			wantErr: true,
		},
		{
			name: "duplicate names",
			spec: Spec{Name: "dup", Elements: []ElementSpec{
				{Name: "x", Kind: KindSource, New: e},
				{Name: "x", Kind: KindSink, New: e},
			}},
			wantErr: true,
		},
		{
			name: "source in the middle",
			spec: Spec{Name: "mid", Elements: []ElementSpec{
				{Name: "a", Kind: KindSource, New: e},
				{Name: "b", Kind: KindSource, New: e},
				{Name: "c", Kind: KindSink, New: e},
			}},
			wantErr: true,
		},
		{
			name: "missing constructor",
			spec: Spec{Name: "nil", Elements: []ElementSpec{
				{Name: "a", Kind: KindSource, New: e},
				{Name: "b", Kind: KindSink},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildFailureReleasesCreatedElements(t *testing.T) {
	src := &fakeElement{chunks: 1}
	dec := &fakeElement{}
	boom := errors.New("out of memory")

	spec := Spec{Name: "broken", Elements: []ElementSpec{
		{Name: "reader", Kind: KindSource, New: fixed(src)},
		{Name: "decoder", Kind: KindDecoder, New: fixed(dec)},
		{Name: "sink", Kind: KindSink, New: func() (Element, error) { return nil, boom }},
	}}

	h, err := Build(spec, event.NewBus("test"))
	if h != nil {
		t.Fatal("Build() returned a handle on failure")
	}
	var be *BuildError
	if !errors.As(err, &be) || be.Element != "sink" || !errors.Is(err, boom) {
		t.Fatalf("Build() error = %v, want BuildError for sink", err)
	}
	if !src.released.Load() || !dec.released.Load() {
		t.Error("elements created before the failure were not released")
	}
}

func TestRunToFinish(t *testing.T) {
	src, dec, sink := &fakeElement{chunks: 5, reportFn: true}, &fakeElement{}, &fakeElement{}
	bus := event.NewBus("test")
	h, err := Build(testSpec(src, dec, sink), bus)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := h.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if got := h.State(); got != audio.StateInit {
		t.Fatalf("State() before Run = %s, want init", got)
	}
	if err := h.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var infos int
	deadline := time.Now().Add(2 * time.Second)
	for {
		ev, err := bus.Listen(context.Background(), time.Until(deadline))
		if err != nil {
			t.Fatalf("Listen() error = %v", err)
		}
		el := ev.(event.ElementEvent)
		if el.Command == event.CommandMusicInfo {
			infos++
			if el.Format != testFormat {
				t.Errorf("music info = %v, want %v", el.Format, testFormat)
			}
		}
		if el.Element == "sink" && el.Status == audio.StateFinished {
			break
		}
	}

	if infos != 1 {
		t.Errorf("music info reported %d times, want 1", infos)
	}
	if got := sink.Received(); got != 5 {
		t.Errorf("sink received %d chunks, want 5", got)
	}
	if got := h.State(); got != audio.StateFinished {
		t.Errorf("State() = %s, want finished", got)
	}
	if err := h.Teardown(); err != nil {
		t.Errorf("Teardown() error = %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	src, dec, sink := &fakeElement{chunks: -1}, &fakeElement{}, &fakeElement{}
	bus := event.NewBus("test")
	h, err := Build(testSpec(src, dec, sink), bus)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer h.Teardown()

	if err := h.Pause(); err != nil {
		t.Fatalf("Pause() from INIT error = %v", err)
	}
	if got := h.State(); got != audio.StateInit {
		t.Fatalf("Pause() from INIT changed state to %s", got)
	}
	if err := h.Resume(); err != nil {
		t.Fatalf("Resume() from INIT error = %v", err)
	}

	if err := h.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	eventually(t, func() bool { return sink.Received() > 0 })

	if err := h.Pause(); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if got := h.SinkState(); got != audio.StatePaused {
		t.Errorf("SinkState() = %s, want paused", got)
	}
	sink.mu.Lock()
	paused := sink.paused
	sink.mu.Unlock()
	if !paused {
		t.Error("sink was not paused")
	}

	// Let in-flight chunks settle, then check the flow has stopped.
	time.Sleep(20 * time.Millisecond)
	before := sink.Received()
	time.Sleep(50 * time.Millisecond)
	if after := sink.Received(); after != before {
		t.Errorf("sink received %d chunks while paused", after-before)
	}

	if err := h.Pause(); err != nil {
		t.Fatalf("second Pause() error = %v", err)
	}
	if err := h.Resume(); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if got := h.SinkState(); got != audio.StateRunning {
		t.Errorf("SinkState() = %s, want running", got)
	}
	eventually(t, func() bool { return sink.Received() > before })
}

func TestTeardownOrder(t *testing.T) {
	src, dec, sink := &fakeElement{chunks: -1}, &fakeElement{}, &fakeElement{}
	elems := []*fakeElement{src, dec, sink}
	bus := event.NewBus("test")
	buttons := &fakePeripheral{}

	var steps []TeardownStep
	var h *Handle
	observer := func(step TeardownStep) {
		steps = append(steps, step)
		switch step {
		case StepWaitForStop:
			for _, e := range elems {
				if e.running.Load() {
					t.Error("element still running after wait_for_stop")
				}
			}
			if bus.Destroyed() {
				t.Error("bus destroyed before elements stopped")
			}
		case StepRemoveListener:
			if bus.Destroyed() {
				t.Error("bus destroyed before listeners were removed")
			}
		case StepDestroyBus:
			if !bus.Destroyed() {
				t.Error("bus not destroyed")
			}
			for _, e := range elems {
				if e.released.Load() {
					t.Error("element released before the bus was destroyed")
				}
			}
		}
	}

	var err error
	h, err = Build(testSpec(src, dec, sink), bus, WithTeardownObserver(observer))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := h.Listen(buttons); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if err := h.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	eventually(t, func() bool { return sink.Received() > 2 })

	if err := h.Teardown(); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}

	want := []TeardownStep{StepStop, StepWaitForStop, StepTerminate, StepUnregister, StepRemoveListener, StepDestroyBus, StepRelease}
	if len(steps) != len(want) {
		t.Fatalf("steps = %v, want %v", steps, want)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Errorf("step %d = %s, want %s", i, steps[i], want[i])
		}
	}

	for _, e := range elems {
		if !e.released.Load() {
			t.Error("element not released")
		}
	}
	if buttons.removed != 1 {
		t.Errorf("RemoveListener called %d times, want 1", buttons.removed)
	}
	if err := buttons.press(event.ButtonMode); !errors.Is(err, event.ErrDetached) {
		t.Errorf("peripheral post after teardown error = %v, want ErrDetached", err)
	}

	// Idempotent.
	if err := h.Teardown(); err != nil {
		t.Errorf("second Teardown() error = %v", err)
	}
	if len(steps) != len(want) {
		t.Errorf("second Teardown() ran steps again: %v", steps)
	}
	if _, err := h.Element("sink"); !errors.Is(err, ErrTornDown) {
		t.Errorf("Element() after teardown error = %v, want ErrTornDown", err)
	}
	if err := h.Run(); !errors.Is(err, ErrTornDown) {
		t.Errorf("Run() after teardown error = %v, want ErrTornDown", err)
	}
	if got := h.SinkState(); got != audio.StateStopped {
		t.Errorf("SinkState() after teardown = %s, want stopped", got)
	}
}

func TestTeardownNeverRun(t *testing.T) {
	src, dec, sink := &fakeElement{chunks: 1}, &fakeElement{}, &fakeElement{}
	bus := event.NewBus("test")
	h, err := Build(testSpec(src, dec, sink), bus)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := h.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if err := h.Teardown(); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	if !bus.Destroyed() {
		t.Error("bus not destroyed")
	}
	if !sink.released.Load() {
		t.Error("sink not released")
	}
}

func TestAdvanceSource(t *testing.T) {
	src, dec, sink := &fakeElement{chunks: 3}, &fakeElement{}, &fakeElement{}
	bus := event.NewBus("test")
	h, err := Build(testSpec(src, dec, sink), bus)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer h.Teardown()
	if err := h.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	if err := h.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	waitStatus(t, bus, "sink", audio.StateFinished)

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.WaitForStop(ctx); err != nil {
		t.Fatalf("WaitForStop() error = %v", err)
	}
	if err := h.AdvanceSource("/sdcard/b.mp3"); err != nil {
		t.Fatalf("AdvanceSource() error = %v", err)
	}
	if got := h.State(); got != audio.StateInit {
		t.Errorf("State() after AdvanceSource = %s, want init", got)
	}
	if got := h.SinkState(); got != audio.StateInit {
		t.Errorf("SinkState() after AdvanceSource = %s, want init", got)
	}
	if src.uri != "/sdcard/b.mp3" {
		t.Errorf("source uri = %q", src.uri)
	}
	if sink.resets != 1 {
		t.Errorf("sink reset %d times, want 1", sink.resets)
	}

	if err := h.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	waitStatus(t, bus, "sink", audio.StateFinished)
	if got := sink.Received(); got != 3 {
		t.Errorf("sink received %d chunks after advance, want 3", got)
	}
}

func TestAdvanceSourceWhileRunning(t *testing.T) {
	src, dec, sink := &fakeElement{chunks: -1}, &fakeElement{}, &fakeElement{}
	h, err := Build(testSpec(src, dec, sink), event.NewBus("test"))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer h.Teardown()
	if err := h.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := h.AdvanceSource("x"); !errors.Is(err, ErrStillRunning) {
		t.Errorf("AdvanceSource() error = %v, want ErrStillRunning", err)
	}
}

func TestElementStateUnknown(t *testing.T) {
	h, err := Build(testSpec(&fakeElement{chunks: 1}, &fakeElement{}, &fakeElement{}), event.NewBus("test"))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer h.Teardown()

	if _, err := h.ElementState("equalizer"); !errors.Is(err, ErrUnknownElement) {
		t.Errorf("ElementState() error = %v, want ErrUnknownElement", err)
	}
	st, err := h.ElementState("decoder")
	if err != nil || st != audio.StateInit {
		t.Errorf("ElementState() = %s, %v; want init", st, err)
	}
}
