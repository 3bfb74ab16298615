package playback

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gopxl/beep/v2/mp3"

	"speakerd/pipeline"
)

var ErrEmptyStream = errors.New("empty stream")

// MP3Decoder decodes an encoded stream into samples and reports the stream
// format once the first frame header is parsed.
type MP3Decoder struct {
	frames int
}

func NewMP3Decoder(frames int) *MP3Decoder {
	if frames <= 0 {
		frames = DefaultFrames
	}
	return &MP3Decoder{frames: frames}
}

func (d *MP3Decoder) Run(ctx context.Context, port *pipeline.Port) error {
	in := &chunkReader{ctx: ctx, port: port}
	streamer, format, err := mp3.Decode(in)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if in.read == 0 {
			return ErrEmptyStream
		}
		return fmt.Errorf("decode mp3: %w", err)
	}
	defer streamer.Close()

	f := fromBeep(format)
	port.ReportFormat(f)

	buf := make([][2]float64, d.frames)
	for {
		n, ok := streamer.Stream(buf)
		if n > 0 {
			if err := port.Send(ctx, pipeline.Chunk{Samples: copySamples(buf[:n]), Format: f}); err != nil {
				return err
			}
		}
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := streamer.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("decode mp3: %w", err)
			}
			return nil
		}
	}
}

func (d *MP3Decoder) Release() error {
	return nil
}

// chunkReader exposes the encoded chunks arriving on a port as an
// io.ReadCloser.
type chunkReader struct {
	ctx  context.Context
	port *pipeline.Port
	buf  []byte
	read int64
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		c, err := r.port.Recv(r.ctx)
		if err != nil {
			return 0, err
		}
		r.buf = c.Data
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	r.read += int64(n)
	return n, nil
}

func (r *chunkReader) Close() error {
	return nil
}
