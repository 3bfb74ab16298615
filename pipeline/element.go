package pipeline

import (
	"context"

	"speakerd/audio"
)

// Kind is the role an element plays in the chain.
type Kind int

const (
	KindSource Kind = iota
	KindDecoder
	KindEffect
	KindSink
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindDecoder:
		return "decoder"
	case KindEffect:
		return "effect"
	case KindSink:
		return "sink"
	default:
		return "unknown"
	}
}

// Element is one stage of a pipeline.
//
// Run processes chunks until its input is drained, in which case it returns
// nil, or until ctx is done. A source has no input and returns nil once its
// stream is exhausted. Release frees whatever the element holds and is
// called exactly once, after the element has stopped for the last time.
type Element interface {
	Run(ctx context.Context, port *Port) error
	Release() error
}

// URISetter is implemented by sources that can be pointed at a new
// identifier between runs.
type URISetter interface {
	SetURI(uri string) error
}

// Pauser is implemented by elements that hold output of their own, such as
// the sink, and must silence it while the pipeline is paused.
type Pauser interface {
	Pause()
	Resume()
}

// Resetter is implemented by elements carrying per-stream state that must
// be cleared before the pipeline re-enters INIT.
type Resetter interface {
	Reset() error
}

// FormatSetter is implemented by sinks that reconfigure their clock when the
// decoder reports the stream format.
type FormatSetter interface {
	SetFormat(f audio.Format) error
}

// ChannelSetter is implemented by effects whose processing depends on the
// channel count of the stream.
type ChannelSetter interface {
	SetChannels(n int) error
}

// FrameCounter is implemented by sinks that count the frames they played
// since they were last reset.
type FrameCounter interface {
	Frames() int64
}

// Chunk is the unit exchanged between elements.
// Encoded stages fill Data, decoded stages fill Samples.
type Chunk struct {
	Data    []byte
	Samples [][2]float64
	Format  audio.Format
}
