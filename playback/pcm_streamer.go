package playback

import (
	"context"
	"log/slog"

	"github.com/disgoorg/audio/pcm"

	"speakerd/audio"
	"speakerd/pipeline"
)

// PacketSource delivers PCM from a wireless peer.
type PacketSource interface {
	Packets() <-chan *pcm.Packet
	Formats() <-chan audio.Format
	Format() (audio.Format, bool)
}

// WirelessReader is the source element of the wireless pipeline. The stream
// never ends on its own; it runs until stopped.
type WirelessReader struct {
	src      PacketSource
	fallback audio.Format
	logger   *slog.Logger
}

func NewWirelessReader(src PacketSource, fallback audio.Format, logger *slog.Logger) *WirelessReader {
	return &WirelessReader{src: src, fallback: fallback, logger: logger}
}

func (w *WirelessReader) Run(ctx context.Context, port *pipeline.Port) error {
	if w.src == nil {
		w.logger.Info("No wireless bridge configured")
		<-ctx.Done()
		return ctx.Err()
	}

	format, known := w.src.Format()
	if known {
		port.ReportFormat(format)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-w.src.Formats():
			if known && f != format {
				w.logger.Info("Wireless format changed", slog.String("format", f.String()))
			}
			format, known = f, true
			port.ReportFormat(f)
		case packet := <-w.src.Packets():
			if !known {
				format, known = w.fallback, true
				w.logger.Debug("Audio before format, assuming fallback", slog.String("format", format.String()))
				port.ReportFormat(format)
			}
			samples := pcmToSamples(packet.PCM, format.Channels)
			if len(samples) == 0 {
				continue
			}
			if err := port.Send(ctx, pipeline.Chunk{Samples: samples, Format: format}); err != nil {
				return err
			}
		}
	}
}

func (w *WirelessReader) Release() error {
	return nil
}

// pcmToSamples converts interleaved signed 16-bit PCM to beep samples.
func pcmToSamples(data []int16, channels int) [][2]float64 {
	if channels == 1 {
		out := make([][2]float64, len(data))
		for i, v := range data {
			s := float64(v) / 32767
			out[i] = [2]float64{s, s}
		}
		return out
	}

	out := make([][2]float64, len(data)/2)
	for i := range out {
		out[i][0] = float64(data[2*i]) / 32767
		out[i][1] = float64(data[2*i+1]) / 32767
	}
	return out
}
