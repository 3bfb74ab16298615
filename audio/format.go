package audio

import "fmt"

// Format describes decoded PCM as reported by a decoder or a live receiver.
type Format struct {
	SampleRate int `json:"sample_rate"`
	BitDepth   int `json:"bit_depth"`
	Channels   int `json:"channels"`
}

// Valid reports whether every field carries a usable value.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.BitDepth > 0 && f.Channels > 0
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch", f.SampleRate, f.BitDepth, f.Channels)
}
