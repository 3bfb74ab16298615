package wireless

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/disgoorg/audio/pcm"
	"github.com/gorilla/websocket"

	"speakerd/audio"
	"speakerd/event"
)

var ErrNotConnected = errors.New("wireless bridge not connected")

// DefaultFormat is assumed when audio arrives before a format message.
var DefaultFormat = audio.Format{SampleRate: 44100, BitDepth: 16, Channels: 2}

// Messages exchanged with the bridge as JSON text frames.
const (
	msgConnected    = "connected"
	msgDisconnected = "disconnected"
	msgFormat       = "format"
)

type message struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Bits       int    `json:"bits,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

type command struct {
	Command string `json:"command"`
}

var buttonCommands = map[event.Button]string{
	event.ButtonPlay:       "play_pause",
	event.ButtonPrev:       "prev",
	event.ButtonNext:       "next",
	event.ButtonVolumeUp:   "volume_up",
	event.ButtonVolumeDown: "volume_down",
}

// Bridge is a client for a wireless audio receiver exposed over a websocket.
// Text frames carry link status and the stream format; binary frames carry
// interleaved s16le PCM.
type Bridge struct {
	url        string
	deviceName string
	retry      time.Duration
	logger     *slog.Logger

	packets chan *pcm.Packet
	formats chan audio.Format

	mu        sync.Mutex
	conn      *websocket.Conn
	producer  *event.Producer
	connected bool
	format    audio.Format

	writeMu sync.Mutex
}

// NewBridge creates a client for the bridge at rawURL announcing itself as
// deviceName.
func NewBridge(rawURL, deviceName string, retry time.Duration, logger *slog.Logger) (*Bridge, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid bridge url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("name", deviceName)
	u.RawQuery = q.Encode()

	if retry <= 0 {
		retry = 2 * time.Second
	}
	return &Bridge{
		url:        u.String(),
		deviceName: deviceName,
		retry:      retry,
		logger:     logger,
		packets:    make(chan *pcm.Packet, 64),
		formats:    make(chan audio.Format, 1),
	}, nil
}

func (b *Bridge) Name() string {
	return "wireless"
}

func (b *Bridge) SetListener(p *event.Producer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.producer = p
}

func (b *Bridge) RemoveListener() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.producer != nil {
		b.producer.Detach()
		b.producer = nil
	}
}

// Packets delivers received PCM. Packets are dropped when nobody reads.
func (b *Bridge) Packets() <-chan *pcm.Packet {
	return b.packets
}

// Formats delivers the latest stream format announced by the peer.
func (b *Bridge) Formats() <-chan audio.Format {
	return b.formats
}

// Format returns the last known stream format.
func (b *Bridge) Format() (audio.Format, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.format, b.format.Valid()
}

// Connected reports whether a peer is currently linked.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Run keeps a session with the bridge until ctx is done, reconnecting after
// failures.
func (b *Bridge) Run(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	header := http.Header{"User-Agent": []string{b.deviceName}}

	for {
		conn, _, err := dialer.DialContext(ctx, b.url, header)
		if err == nil {
			b.logger.Info("Connected to wireless bridge", slog.String("device", b.deviceName))
			err = b.session(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}
		b.logger.Warn("Wireless bridge unavailable", slog.Any("error", err), slog.Duration("retry", b.retry))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.retry):
		}
	}
}

func (b *Bridge) session(ctx context.Context, conn *websocket.Conn) error {
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer func() {
		b.mu.Lock()
		b.conn = nil
		b.mu.Unlock()
		conn.Close()
		b.setConnected(false)
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read bridge: %w", err)
		}

		switch kind {
		case websocket.TextMessage:
			var msg message
			if err := json.Unmarshal(data, &msg); err != nil {
				b.logger.Warn("Malformed bridge message", slog.Any("error", err))
				continue
			}
			b.handle(msg)
		case websocket.BinaryMessage:
			b.deliver(data)
		}
	}
}

func (b *Bridge) handle(msg message) {
	switch msg.Type {
	case msgConnected:
		b.setConnected(true)
	case msgDisconnected:
		b.setConnected(false)
	case msgFormat:
		f := audio.Format{SampleRate: msg.SampleRate, BitDepth: msg.Bits, Channels: msg.Channels}
		if !f.Valid() {
			b.logger.Warn("Ignoring invalid stream format", slog.String("format", f.String()))
			return
		}
		b.setFormat(f)
	default:
		b.logger.Debug("Unknown bridge message", slog.String("type", msg.Type))
	}
}

func (b *Bridge) setFormat(f audio.Format) {
	b.mu.Lock()
	b.format = f
	b.mu.Unlock()

	b.logger.Info("Wireless stream format", slog.String("format", f.String()))
	// Keep only the newest format.
	select {
	case <-b.formats:
	default:
	}
	b.formats <- f
}

func (b *Bridge) setConnected(connected bool) {
	b.mu.Lock()
	changed := b.connected != connected
	b.connected = connected
	producer := b.producer
	if !connected {
		b.format = audio.Format{}
	}
	b.mu.Unlock()

	if !changed {
		return
	}

	status := event.TransportDisconnected
	if connected {
		status = event.TransportConnected
	}
	b.logger.Info("Wireless link status", slog.String("status", status.String()))

	if producer == nil {
		return
	}
	if err := producer.Post(event.TransportEvent{Peripheral: b.Name(), Status: status}); err != nil {
		b.logger.Debug("Transport event dropped", slog.Any("error", err))
	}
}

func (b *Bridge) deliver(data []byte) {
	if len(data)%2 != 0 {
		data = data[:len(data)-1]
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}

	select {
	case b.packets <- &pcm.Packet{PCM: samples}:
	default:
		b.logger.Debug("PCM packet dropped", slog.Int("samples", len(samples)))
	}
}

// Command sends the transport command for button to the peer.
func (b *Bridge) Command(ctx context.Context, button event.Button) error {
	name, ok := buttonCommands[button]
	if !ok {
		return fmt.Errorf("no transport command for %s", button)
	}

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(command{Command: name})
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}
	b.logger.Debug("Transport command sent", slog.String("command", name))
	return nil
}
