package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/spf13/afero"

	"speakerd/assets"
	"speakerd/pipeline"
)

var ErrNoURI = errors.New("reader has no uri")

// OpenFunc opens the stream behind uri.
type OpenFunc func(ctx context.Context, uri string) (io.ReadCloser, error)

// Reader is a source element copying an encoded stream into the pipeline.
type Reader struct {
	open      OpenFunc
	chunkSize int

	mu  sync.Mutex
	uri string
}

func NewReader(open OpenFunc, uri string, chunkSize int) *Reader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Reader{open: open, uri: uri, chunkSize: chunkSize}
}

// NewFlashReader reads bundled prompts.
func NewFlashReader(uri string, chunkSize int) *Reader {
	return NewReader(func(_ context.Context, uri string) (io.ReadCloser, error) {
		return assets.Open(uri)
	}, uri, chunkSize)
}

// NewFileReader reads tracks from a storage medium.
func NewFileReader(fs afero.Fs, uri string, chunkSize int) *Reader {
	return NewReader(func(_ context.Context, uri string) (io.ReadCloser, error) {
		return fs.Open(uri)
	}, uri, chunkSize)
}

// NewHTTPReader reads an internet radio stream.
func NewHTTPReader(client *http.Client, uri string, chunkSize int) *Reader {
	if client == nil {
		client = &http.Client{Transport: &http.Transport{DisableCompression: true}}
	}
	return NewReader(func(ctx context.Context, uri string) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Icy-MetaData", "0")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http request: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
		}
		return resp.Body, nil
	}, uri, chunkSize)
}

func (r *Reader) SetURI(uri string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uri = uri
	return nil
}

func (r *Reader) URI() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uri
}

func (r *Reader) Run(ctx context.Context, port *pipeline.Port) error {
	uri := r.URI()
	if uri == "" {
		return ErrNoURI
	}

	rc, err := r.open(ctx, uri)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("open %s: %w", uri, err)
	}
	defer rc.Close()

	for {
		buf := make([]byte, r.chunkSize)
		n, err := rc.Read(buf)
		if n > 0 {
			if serr := port.Send(ctx, pipeline.Chunk{Data: buf[:n]}); serr != nil {
				return serr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read %s: %w", uri, err)
		}
	}
}

func (r *Reader) Release() error {
	return nil
}
