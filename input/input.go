package input

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"speakerd/event"
)

// Linux input event constants.
const (
	evKey    = 0x01
	keyPress = 1
)

// rawEvent holds the fields of struct input_event that select a button.
type rawEvent struct {
	Type  uint16
	Code  uint16
	Value int32
}

// eventLayout describes struct input_event for a word size:
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
// where the timeval is two native words (8 bytes on 32-bit ARM, 16 on arm64
// and amd64).
type eventLayout struct {
	word int
}

func (l eventLayout) size() int {
	return 2*l.word + 8
}

// decode reads one record from b, which must hold at least size() bytes.
func (l eventLayout) decode(b []byte) rawEvent {
	off := 2 * l.word
	return rawEvent{
		Type:  binary.LittleEndian.Uint16(b[off:]),
		Code:  binary.LittleEndian.Uint16(b[off+2:]),
		Value: int32(binary.LittleEndian.Uint32(b[off+4:])),
	}
}

// keyCodes names the key codes usable in a key map.
var keyCodes = map[string]uint16{
	"KEY_VOLUMEDOWN":   114,
	"KEY_VOLUMEUP":     115,
	"KEY_NEXTSONG":     163,
	"KEY_PLAYPAUSE":    164,
	"KEY_PREVIOUSSONG": 165,
	"KEY_PLAYCD":       200,
	"KEY_MODE":         373,
	"KEY_MENU":         139,
	"KEY_F1":           59,
	"KEY_F2":           60,
	"KEY_F3":           61,
	"KEY_F4":           62,
	"KEY_F5":           63,
	"KEY_F6":           64,
}

// KeyMap translates key codes to buttons.
type KeyMap map[uint16]event.Button

// DefaultKeyMap covers the media keys of common remotes and keypads.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		373: event.ButtonMode,
		164: event.ButtonPlay,
		165: event.ButtonPrev,
		163: event.ButtonNext,
		115: event.ButtonVolumeUp,
		114: event.ButtonVolumeDown,
	}
}

// ParseKeyMap builds a key map from button name to key, where a key is
// either a KEY_* name or a decimal code.
func ParseKeyMap(m map[string]string) (KeyMap, error) {
	km := make(KeyMap, len(m))
	for name, key := range m {
		b, err := event.ParseButton(name)
		if err != nil {
			return nil, err
		}
		code, err := parseKey(key)
		if err != nil {
			return nil, fmt.Errorf("button %s: %w", name, err)
		}
		if prev, dup := km[code]; dup {
			return nil, fmt.Errorf("key %s mapped to both %s and %s", key, prev, b)
		}
		km[code] = b
	}
	return km, nil
}

func parseKey(key string) (uint16, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if code, ok := keyCodes[key]; ok {
		return code, nil
	}
	n, err := strconv.ParseUint(key, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown key %q", key)
	}
	return uint16(n), nil
}

// translate returns the button for a key press. Releases, repeats and
// non-key events are dropped.
func (km KeyMap) translate(ev rawEvent) (event.Button, bool) {
	if ev.Type != evKey || ev.Value != keyPress {
		return 0, false
	}
	b, ok := km[ev.Code]
	return b, ok
}

// decodeEvents reads input_event records laid out as l from r until it
// fails.
func decodeEvents(r io.Reader, l eventLayout, fn func(rawEvent)) error {
	buf := make([]byte, l.size())
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		fn(l.decode(buf))
	}
}

// Peripheral turns key presses on evdev devices into InputEvents.
type Peripheral struct {
	devices []string
	keymap  KeyMap
	logger  *slog.Logger

	mu       sync.Mutex
	producer *event.Producer
}

func NewPeripheral(devices []string, keymap KeyMap, logger *slog.Logger) *Peripheral {
	if keymap == nil {
		keymap = DefaultKeyMap()
	}
	return &Peripheral{
		devices: devices,
		keymap:  keymap,
		logger:  logger,
	}
}

func (p *Peripheral) Name() string {
	return "input"
}

// SetListener directs presses to producer.
func (p *Peripheral) SetListener(producer *event.Producer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.producer = producer
}

// RemoveListener detaches the current producer. Presses are dropped until
// the next SetListener.
func (p *Peripheral) RemoveListener() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producer != nil {
		p.producer.Detach()
		p.producer = nil
	}
}

// Press posts b as if it had been pressed on a device.
func (p *Peripheral) Press(b event.Button) error {
	p.mu.Lock()
	producer := p.producer
	p.mu.Unlock()

	if producer == nil {
		p.logger.Debug("Input dropped, no listener", slog.String("button", b.String()))
		return nil
	}
	return producer.Post(event.InputEvent{Source: p.Name(), Button: b})
}

// Run reads every device until ctx is done or a device fails.
func (p *Peripheral) Run(ctx context.Context) error {
	if len(p.devices) == 0 {
		p.logger.Info("No input devices configured")
		<-ctx.Done()
		return nil
	}

	files := make([]*os.File, 0, len(p.devices))
	for _, path := range p.devices {
		f, err := os.Open(path)
		if err != nil {
			for _, opened := range files {
				opened.Close()
			}
			return fmt.Errorf("open input device: %w", err)
		}
		files = append(files, f)
	}
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	p.logger.Info("Reading input devices", slog.Any("devices", p.devices))

	err := readDevices(ctx, files, func(ev rawEvent) {
		b, ok := p.keymap.translate(ev)
		if !ok {
			return
		}
		p.logger.Debug("Button pressed", slog.String("button", b.String()))
		if err := p.Press(b); err != nil && !errors.Is(err, event.ErrDetached) {
			p.logger.Warn("Failed to post input event", slog.Any("error", err))
		}
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
