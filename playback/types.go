package playback

import (
	"time"

	"github.com/gopxl/beep/v2"

	"speakerd/audio"
)

// Element names used in every pipeline the factory builds.
const (
	ElementFlash     = "flash"
	ElementFile      = "file"
	ElementHTTP      = "http"
	ElementWireless  = "wireless"
	ElementMP3       = "mp3"
	ElementEqualizer = "equalizer"
	ElementALC       = "alc"
	ElementOutput    = "output"
)

const (
	DefaultChunkSize = 4096
	DefaultFrames    = 1024
)

// Device describes the audio output hardware.
type Device struct {
	SampleRate int
	Buffer     time.Duration
}

func (d Device) rate() beep.SampleRate {
	return beep.SampleRate(d.SampleRate)
}

func fromBeep(f beep.Format) audio.Format {
	return audio.Format{
		SampleRate: int(f.SampleRate),
		BitDepth:   f.Precision * 8,
		Channels:   f.NumChannels,
	}
}

func copySamples(src [][2]float64) [][2]float64 {
	out := make([][2]float64, len(src))
	copy(out, src)
	return out
}
