package source

import (
	"context"
	"fmt"
	"log/slog"

	"speakerd/assets"
	"speakerd/event"
)

// Kind names the four provider variants.
type Kind int

const (
	KindPrompt Kind = iota
	KindPlaylist
	KindStation
	KindWireless
)

func (k Kind) String() string {
	switch k {
	case KindPrompt:
		return "prompt"
	case KindPlaylist:
		return "playlist"
	case KindStation:
		return "station"
	case KindWireless:
		return "wireless"
	default:
		return "unknown"
	}
}

// Provider resolves the identifier the source element of a pipeline opens.
type Provider interface {
	Kind() Kind
	// Prepare runs the provider's precondition before the pipeline is built.
	Prepare(ctx context.Context) error
	// Current returns the identifier to open.
	Current() (string, error)
	// Navigate moves to the previous or next identifier.
	Navigate(d Direction) (string, error)
}

// Scanner enumerates tracks on a storage medium, calling fn once per track
// in order.
type Scanner interface {
	Scan(ctx context.Context, fn func(track string) error) error
}

// Connectivity blocks until the network is usable.
type Connectivity interface {
	WaitConnected(ctx context.Context) error
}

// Transport accepts transport commands for a wireless peer.
type Transport interface {
	Command(ctx context.Context, b event.Button) error
}

// Prompt plays one bundled tone.
type Prompt struct {
	Tone assets.Tone
}

func NewPrompt(t assets.Tone) *Prompt {
	return &Prompt{Tone: t}
}

func (p *Prompt) Kind() Kind                        { return KindPrompt }
func (p *Prompt) Prepare(ctx context.Context) error { return nil }
func (p *Prompt) Current() (string, error)          { return p.Tone.URI() }

func (p *Prompt) Navigate(Direction) (string, error) {
	return "", ErrNotNavigable
}

// Playlist serves the tracks found by a storage scan.
type Playlist struct {
	scanner Scanner
	cursor  *Cursor
	logger  *slog.Logger
}

func NewPlaylist(scanner Scanner, logger *slog.Logger) *Playlist {
	return &Playlist{
		scanner: scanner,
		cursor:  NewCursor(),
		logger:  logger,
	}
}

func (p *Playlist) Kind() Kind { return KindPlaylist }

// Prepare rescans the medium into a fresh cursor. A scan that finds nothing
// fails with ErrEmpty.
func (p *Playlist) Prepare(ctx context.Context) error {
	p.cursor.Clear()
	err := p.scanner.Scan(ctx, func(track string) error {
		p.cursor.Add(track)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan playlist: %w", err)
	}
	if p.cursor.Len() == 0 {
		return fmt.Errorf("playlist: %w", ErrEmpty)
	}

	for i, track := range p.cursor.Items() {
		p.logger.Info("Playlist entry", slog.Int("index", i), slog.String("track", track))
	}
	return nil
}

func (p *Playlist) Current() (string, error) { return p.cursor.Current() }

// Len returns the number of tracks found by the last scan.
func (p *Playlist) Len() int { return p.cursor.Len() }

func (p *Playlist) Navigate(d Direction) (string, error) {
	return p.cursor.Move(d)
}

// Cursor exposes the underlying cursor.
func (p *Playlist) Cursor() *Cursor {
	return p.cursor
}

// Station serves a fixed list of internet radio stations.
type Station struct {
	list    *StationList
	network Connectivity
}

func NewStation(list *StationList, network Connectivity) *Station {
	return &Station{list: list, network: network}
}

func (s *Station) Kind() Kind { return KindStation }

// Prepare waits for network connectivity.
func (s *Station) Prepare(ctx context.Context) error {
	if s.list.Len() == 0 {
		return fmt.Errorf("station list: %w", ErrEmpty)
	}
	if s.network == nil {
		return nil
	}
	if err := s.network.WaitConnected(ctx); err != nil {
		return fmt.Errorf("wait for network: %w", err)
	}
	return nil
}

func (s *Station) Current() (string, error) { return s.list.Current() }
func (s *Station) Len() int                 { return s.list.Len() }

func (s *Station) Navigate(d Direction) (string, error) {
	return s.list.Move(d)
}

// WirelessURI is the implicit identifier of a live wireless stream.
const WirelessURI = "wireless://sink"

// Wireless is a live stream from a paired peer. Navigation belongs to the
// peer and is reached through Forward.
type Wireless struct {
	transport Transport
}

func NewWireless(t Transport) *Wireless {
	return &Wireless{transport: t}
}

func (w *Wireless) Kind() Kind                        { return KindWireless }
func (w *Wireless) Prepare(ctx context.Context) error { return nil }
func (w *Wireless) Current() (string, error)          { return WirelessURI, nil }

func (w *Wireless) Navigate(Direction) (string, error) {
	return "", ErrNotNavigable
}

// Forward sends a button to the peer's transport controls.
func (w *Wireless) Forward(ctx context.Context, b event.Button) error {
	if w.transport == nil {
		return fmt.Errorf("forward %s: no transport", b)
	}
	return w.transport.Command(ctx, b)
}
