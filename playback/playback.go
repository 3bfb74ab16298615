package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/speaker"

	"speakerd/audio"
	"speakerd/pipeline"
)

var (
	speakerMu   sync.Mutex
	speakerRate beep.SampleRate
	speakerOpen bool
)

// openSpeaker initializes the shared speaker once per device rate.
func openSpeaker(d Device) error {
	speakerMu.Lock()
	defer speakerMu.Unlock()

	if speakerOpen && speakerRate == d.rate() {
		return nil
	}
	buffer := d.Buffer
	if buffer <= 0 {
		buffer = 100 * time.Millisecond
	}
	if err := speaker.Init(d.rate(), d.rate().N(buffer)); err != nil {
		return fmt.Errorf("failed to initialize speaker: %w", err)
	}
	speakerRate = d.rate()
	speakerOpen = true
	return nil
}

// CloseSpeaker releases the audio device.
func CloseSpeaker() {
	speakerMu.Lock()
	defer speakerMu.Unlock()

	if speakerOpen {
		speaker.Clear()
		speaker.Close()
		speakerOpen = false
	}
}

// Output is the sink element. It plays the samples it receives on the
// speaker and implements the controller's Mixer.
type Output struct {
	device Device
	logger *slog.Logger

	mu        sync.Mutex
	volume    int
	paused    bool
	format    audio.Format
	ctrl      *beep.Ctrl
	gain      *effects.Volume
	resampler *beep.Resampler

	frames atomic.Int64
}

func NewOutput(device Device, logger *slog.Logger) (*Output, error) {
	if device.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid output sample rate %d", device.SampleRate)
	}
	if err := openSpeaker(device); err != nil {
		return nil, err
	}
	return &Output{device: device, logger: logger, volume: 100}, nil
}

func (o *Output) Run(ctx context.Context, port *pipeline.Port) error {
	first, err := port.Recv(ctx)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}

	feed := newFeed(16)
	if err := feed.push(ctx, first.Samples); err != nil {
		return err
	}
	o.frames.Add(int64(len(first.Samples)))

	o.mu.Lock()
	rate := first.Format.SampleRate
	if o.format.Valid() {
		rate = o.format.SampleRate
	}
	var st beep.Streamer = feed
	o.resampler = nil
	if rate > 0 && beep.SampleRate(rate) != o.device.rate() {
		o.resampler = beep.Resample(4, beep.SampleRate(rate), o.device.rate(), feed)
		st = o.resampler
	}
	o.gain = &effects.Volume{Streamer: st, Base: 2}
	applyVolume(o.gain, o.volume)
	o.ctrl = &beep.Ctrl{Streamer: o.gain, Paused: o.paused}
	ctrl := o.ctrl
	o.mu.Unlock()

	o.logger.Debug("Output started", slog.Int("rate", rate), slog.Int("device_rate", o.device.SampleRate))

	done := make(chan struct{})
	speaker.Play(beep.Seq(ctrl, beep.Callback(func() { close(done) })))
	defer o.detach()

	for {
		c, err := port.Recv(ctx)
		if errors.Is(err, io.EOF) {
			feed.close()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			return err
		}
		if err := feed.push(ctx, c.Samples); err != nil {
			return err
		}
		o.frames.Add(int64(len(c.Samples)))
	}
}

// Frames returns the number of frames queued for playback since the last
// reset.
func (o *Output) Frames() int64 {
	return o.frames.Load()
}

// detach removes the current stream from the speaker.
func (o *Output) detach() {
	o.mu.Lock()
	ctrl := o.ctrl
	o.ctrl, o.gain, o.resampler = nil, nil, nil
	o.mu.Unlock()

	if ctrl != nil {
		speaker.Lock()
		ctrl.Streamer = nil
		speaker.Unlock()
	}
}

func (o *Output) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = true
	if o.ctrl != nil {
		speaker.Lock()
		o.ctrl.Paused = true
		speaker.Unlock()
	}
}

func (o *Output) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = false
	if o.ctrl != nil {
		speaker.Lock()
		o.ctrl.Paused = false
		speaker.Unlock()
	}
}

// SetFormat reclocks the output for the reported stream format.
func (o *Output) SetFormat(f audio.Format) error {
	if !f.Valid() {
		return fmt.Errorf("invalid format %s", f)
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	o.format = f
	if o.resampler != nil {
		speaker.Lock()
		o.resampler.SetRatio(float64(f.SampleRate) / float64(o.device.SampleRate))
		speaker.Unlock()
	}
	o.logger.Debug("Output clock set", slog.String("format", f.String()))
	return nil
}

// SetVolume sets the output level in percent.
func (o *Output) SetVolume(v int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.volume = v
	if o.gain != nil {
		speaker.Lock()
		applyVolume(o.gain, v)
		speaker.Unlock()
	}
	return nil
}

func (o *Output) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = false
	o.format = audio.Format{}
	o.frames.Store(0)
	return nil
}

func (o *Output) Release() error {
	o.detach()
	return nil
}

// applyVolume maps a percentage onto a base-2 gain.
func applyVolume(v *effects.Volume, percent int) {
	v.Silent = percent <= 0
	if percent > 0 {
		v.Volume = math.Log2(float64(min(percent, 100)) / 100)
	}
}

// feed is a beep.Streamer over pushed sample blocks. It plays silence when
// starved so the speaker never blocks, and ends once closed and drained.
type feed struct {
	blocks chan [][2]float64
	cur    [][2]float64
	closed chan struct{}
	once   sync.Once
}

func newFeed(depth int) *feed {
	return &feed{
		blocks: make(chan [][2]float64, depth),
		closed: make(chan struct{}),
	}
}

func (f *feed) push(ctx context.Context, samples [][2]float64) error {
	if len(samples) == 0 {
		return nil
	}
	select {
	case f.blocks <- samples:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *feed) close() {
	f.once.Do(func() { close(f.closed) })
}

func (f *feed) Stream(samples [][2]float64) (int, bool) {
	n := 0
	for n < len(samples) {
		if len(f.cur) == 0 {
			select {
			case b := <-f.blocks:
				f.cur = b
				continue
			default:
			}
			select {
			case <-f.closed:
				select {
				case b := <-f.blocks:
					f.cur = b
					continue
				default:
				}
				if n == 0 {
					return 0, false
				}
				return n, true
			default:
			}
			for i := n; i < len(samples); i++ {
				samples[i] = [2]float64{}
			}
			return len(samples), true
		}
		k := copy(samples[n:], f.cur)
		f.cur = f.cur[k:]
		n += k
	}
	return n, true
}

func (f *feed) Err() error {
	return nil
}
