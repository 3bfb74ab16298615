package playback

import (
	"log/slog"
	"net/http"

	"github.com/spf13/afero"

	"speakerd/pipeline"
	"speakerd/wireless"
)

// Factory builds the pipeline specs of every mode.
type Factory struct {
	FS         afero.Fs
	Client     *http.Client
	Peer       PacketSource
	Device     Device
	Gains      []float64
	ALCGain    float64
	ChunkSize  int
	Frames     int
	BufferSize int
	Logger     *slog.Logger
}

// Prompt plays a bundled prompt: flash, mp3, output.
func (f *Factory) Prompt(uri string) pipeline.Spec {
	return f.spec("prompt",
		pipeline.ElementSpec{Name: ElementFlash, Kind: pipeline.KindSource, New: func() (pipeline.Element, error) {
			return NewFlashReader(uri, f.ChunkSize), nil
		}},
		f.decoder(),
		f.output(),
	)
}

// Storage plays a track from the storage medium: file, mp3, equalizer,
// alc, output.
func (f *Factory) Storage(uri string) pipeline.Spec {
	return f.spec("storage",
		pipeline.ElementSpec{Name: ElementFile, Kind: pipeline.KindSource, New: func() (pipeline.Element, error) {
			return NewFileReader(f.FS, uri, f.ChunkSize), nil
		}},
		f.decoder(),
		f.equalizer(),
		f.alc(),
		f.output(),
	)
}

// Network plays an internet station: http, mp3, output.
func (f *Factory) Network(uri string) pipeline.Spec {
	return f.spec("network",
		pipeline.ElementSpec{Name: ElementHTTP, Kind: pipeline.KindSource, New: func() (pipeline.Element, error) {
			return NewHTTPReader(f.Client, uri, f.ChunkSize), nil
		}},
		f.decoder(),
		f.output(),
	)
}

// Wireless plays the paired peer: wireless, equalizer, alc, output.
func (f *Factory) Wireless() pipeline.Spec {
	return f.spec("wireless",
		pipeline.ElementSpec{Name: ElementWireless, Kind: pipeline.KindSource, New: func() (pipeline.Element, error) {
			return NewWirelessReader(f.Peer, wireless.DefaultFormat, f.logger()), nil
		}},
		f.equalizer(),
		f.alc(),
		f.output(),
	)
}

func (f *Factory) spec(name string, elems ...pipeline.ElementSpec) pipeline.Spec {
	return pipeline.Spec{Name: name, Elements: elems, BufferSize: f.BufferSize}
}

func (f *Factory) decoder() pipeline.ElementSpec {
	return pipeline.ElementSpec{Name: ElementMP3, Kind: pipeline.KindDecoder, New: func() (pipeline.Element, error) {
		return NewMP3Decoder(f.Frames), nil
	}}
}

func (f *Factory) equalizer() pipeline.ElementSpec {
	return pipeline.ElementSpec{Name: ElementEqualizer, Kind: pipeline.KindEffect, New: func() (pipeline.Element, error) {
		return NewEqualizer(f.Gains, f.Frames), nil
	}}
}

func (f *Factory) alc() pipeline.ElementSpec {
	return pipeline.ElementSpec{Name: ElementALC, Kind: pipeline.KindEffect, New: func() (pipeline.Element, error) {
		return NewALC(f.ALCGain, f.Frames), nil
	}}
}

func (f *Factory) output() pipeline.ElementSpec {
	return pipeline.ElementSpec{Name: ElementOutput, Kind: pipeline.KindSink, New: func() (pipeline.Element, error) {
		o, err := NewOutput(f.Device, f.logger())
		if err != nil {
			return nil, err
		}
		return o, nil
	}}
}

func (f *Factory) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}
