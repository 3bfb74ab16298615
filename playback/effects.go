package playback

import (
	"context"
	"errors"
	"io"
	"math"
	"sync/atomic"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"

	"speakerd/audio"
	"speakerd/pipeline"
)

// EqualizerBands are the centre frequencies of the ten equalizer bands.
var EqualizerBands = []float64{31, 62, 125, 250, 500, 1000, 2000, 4000, 8000, 16000}

// DefaultEqualizerGains is the factory tuning of the speaker enclosure, in dB.
var DefaultEqualizerGains = []float64{4, 6, 6, 3, 2, -50, -89, -89, -50, 2}

// portStreamer pulls decoded samples from a port as a beep.Streamer.
type portStreamer struct {
	ctx    context.Context
	port   *pipeline.Port
	buf    [][2]float64
	format audio.Format
	err    error
}

func (s *portStreamer) Stream(samples [][2]float64) (int, bool) {
	n := 0
	for n < len(samples) {
		if len(s.buf) == 0 {
			if n > 0 {
				return n, true
			}
			c, err := s.port.Recv(s.ctx)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					s.err = err
				}
				return 0, false
			}
			s.buf = c.Samples
			if c.Format.Valid() {
				s.format = c.Format
			}
			continue
		}
		k := copy(samples[n:], s.buf)
		s.buf = s.buf[k:]
		n += k
	}
	return n, true
}

func (s *portStreamer) Err() error {
	return s.err
}

// runEffect feeds the port's input through the streamer built by wrap and
// sends the result downstream. wrap is called once the first chunk, and so
// the stream format, is known.
func runEffect(ctx context.Context, port *pipeline.Port, frames int, wrap func(beep.Streamer, audio.Format) beep.Streamer) error {
	first, err := port.Recv(ctx)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}

	in := &portStreamer{ctx: ctx, port: port, buf: first.Samples, format: first.Format}
	st := wrap(in, first.Format)
	buf := make([][2]float64, frames)
	for {
		n, ok := st.Stream(buf)
		if n > 0 {
			if err := port.Send(ctx, pipeline.Chunk{Samples: copySamples(buf[:n]), Format: in.format}); err != nil {
				return err
			}
		}
		if !ok {
			return in.Err()
		}
	}
}

// Equalizer applies a ten band graphic equalizer.
type Equalizer struct {
	gains  []float64
	frames int
}

func NewEqualizer(gains []float64, frames int) *Equalizer {
	if len(gains) == 0 {
		gains = DefaultEqualizerGains
	}
	if frames <= 0 {
		frames = DefaultFrames
	}
	return &Equalizer{gains: gains, frames: frames}
}

func (e *Equalizer) sections() effects.MonoEqualizerSections {
	sections := make(effects.MonoEqualizerSections, 0, len(EqualizerBands))
	for i, f0 := range EqualizerBands {
		if i >= len(e.gains) {
			break
		}
		sections = append(sections, effects.MonoEqualizerSection{
			F0: f0,
			Bf: f0 / math.Sqrt2,
			GB: 3,
			G0: 0,
			G:  e.gains[i],
		})
	}
	return sections
}

func (e *Equalizer) Run(ctx context.Context, port *pipeline.Port) error {
	return runEffect(ctx, port, e.frames, func(st beep.Streamer, f audio.Format) beep.Streamer {
		return effects.NewEqualizer(st, beep.SampleRate(f.SampleRate), e.sections())
	})
}

func (e *Equalizer) Release() error {
	return nil
}

// ALC applies a fixed gain and follows the stream's channel count, folding
// the two sides together for mono streams.
type ALC struct {
	gainDB   float64
	frames   int
	channels atomic.Int32
}

func NewALC(gainDB float64, frames int) *ALC {
	if frames <= 0 {
		frames = DefaultFrames
	}
	a := &ALC{gainDB: gainDB, frames: frames}
	a.channels.Store(2)
	return a
}

// SetChannels sets the channel count reported by the decoder.
func (a *ALC) SetChannels(n int) error {
	if n < 1 || n > 2 {
		return errors.New("alc supports one or two channels")
	}
	a.channels.Store(int32(n))
	return nil
}

func (a *ALC) Channels() int {
	return int(a.channels.Load())
}

func (a *ALC) Run(ctx context.Context, port *pipeline.Port) error {
	return runEffect(ctx, port, a.frames, func(st beep.Streamer, f audio.Format) beep.Streamer {
		if f.Channels > 0 {
			_ = a.SetChannels(f.Channels)
		}
		return &effects.Volume{
			Streamer: &channelFold{Streamer: st, alc: a},
			Base:     2,
			Volume:   a.gainDB / (20 * math.Log10(2)),
		}
	})
}

func (a *ALC) Reset() error {
	a.channels.Store(2)
	return nil
}

func (a *ALC) Release() error {
	return nil
}

type channelFold struct {
	beep.Streamer
	alc *ALC
}

func (c *channelFold) Stream(samples [][2]float64) (int, bool) {
	n, ok := c.Streamer.Stream(samples)
	if c.alc.Channels() == 1 {
		for i := range samples[:n] {
			m := (samples[i][0] + samples[i][1]) / 2
			samples[i][0], samples[i][1] = m, m
		}
	}
	return n, ok
}
