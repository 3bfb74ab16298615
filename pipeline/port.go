package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"

	"speakerd/audio"
)

var ErrNoOutput = errors.New("element has no output")

// Port connects one element to its neighbours for the duration of a run.
type Port struct {
	in     <-chan Chunk
	out    chan<- Chunk
	gate   *gate
	report func(audio.Format)
	once   sync.Once
}

// NewPort connects an element to explicit channels, for driving it outside
// a pipeline. Either channel may be nil. report receives format reports.
func NewPort(in <-chan Chunk, out chan<- Chunk, report func(audio.Format)) *Port {
	return &Port{in: in, out: out, gate: newGate(), report: report}
}

// Recv returns the next chunk from upstream. It returns io.EOF once the
// upstream element has finished and its buffer is drained, and blocks while
// the pipeline is paused.
func (p *Port) Recv(ctx context.Context) (Chunk, error) {
	if p.in == nil {
		return Chunk{}, io.EOF
	}
	if err := p.gate.wait(ctx); err != nil {
		return Chunk{}, err
	}

	select {
	case c, ok := <-p.in:
		if !ok {
			return Chunk{}, io.EOF
		}
		return c, nil
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// Send passes c downstream, blocking while the buffer is full or the
// pipeline is paused.
func (p *Port) Send(ctx context.Context, c Chunk) error {
	if p.out == nil {
		return ErrNoOutput
	}
	if err := p.gate.wait(ctx); err != nil {
		return err
	}

	select {
	case p.out <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReportFormat announces the decoded stream format. Only the first report of
// a run reaches the bus.
func (p *Port) ReportFormat(f audio.Format) {
	p.once.Do(func() {
		if p.report != nil {
			p.report(f)
		}
	})
}

// WaitRunning blocks while the pipeline is paused. Elements that produce
// output on their own clock, like the sink, call it between writes.
func (p *Port) WaitRunning(ctx context.Context) error {
	return p.gate.wait(ctx)
}

// gate is open while the pipeline runs and closed while it is paused.
type gate struct {
	mu     sync.Mutex
	ch     chan struct{}
	isOpen bool
}

func newGate() *gate {
	ch := make(chan struct{})
	close(ch)
	return &gate{ch: ch, isOpen: true}
}

func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.isOpen {
		close(g.ch)
		g.isOpen = true
	}
}

func (g *gate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.isOpen {
		g.ch = make(chan struct{})
		g.isOpen = false
	}
}
