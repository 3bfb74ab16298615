package assets

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
)

//go:embed tone
var ToneFS embed.FS

// Scheme prefixes every prompt identifier.
const Scheme = "flash://tone/"

var ErrUnknownTone = errors.New("unknown prompt tone")

// Tone selects one of the bundled prompts.
type Tone int

const (
	ToneWireless Tone = iota
	ToneIntro
	ToneStorage
	ToneNetwork
)

var toneFiles = []string{
	ToneWireless: "0_wireless_mode.mp3",
	ToneIntro:    "1_intro_mode.mp3",
	ToneStorage:  "2_storage_mode.mp3",
	ToneNetwork:  "3_network_mode.mp3",
}

// Tones returns every bundled prompt in table order.
func Tones() []Tone {
	out := make([]Tone, len(toneFiles))
	for i := range toneFiles {
		out[i] = Tone(i)
	}
	return out
}

func (t Tone) valid() bool {
	return t >= 0 && int(t) < len(toneFiles)
}

func (t Tone) String() string {
	if !t.valid() {
		return "unknown"
	}
	return strings.TrimSuffix(toneFiles[t], ".mp3")
}

// URI returns the identifier a prompt source element opens.
func (t Tone) URI() (string, error) {
	if !t.valid() {
		return "", fmt.Errorf("%w: %d", ErrUnknownTone, int(t))
	}
	return Scheme + toneFiles[t], nil
}

// Open resolves a flash:// identifier to the embedded file.
func Open(uri string) (fs.File, error) {
	name, ok := strings.CutPrefix(uri, Scheme)
	if !ok || name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTone, uri)
	}
	f, err := ToneFS.Open(path.Join("tone", name))
	if err != nil {
		return nil, fmt.Errorf("open prompt %q: %w", uri, err)
	}
	return f, nil
}

// ToneInfo describes a decoded prompt.
type ToneInfo struct {
	Tone     Tone
	URI      string
	Format   beep.Format
	Duration time.Duration
}

var (
	infoMu    sync.Mutex
	infoCache = make(map[Tone]ToneInfo)
)

// Info decodes a prompt once and caches its format and length.
func Info(t Tone) (ToneInfo, error) {
	infoMu.Lock()
	defer infoMu.Unlock()

	if info, ok := infoCache[t]; ok {
		return info, nil
	}

	uri, err := t.URI()
	if err != nil {
		return ToneInfo{}, err
	}
	f, err := Open(uri)
	if err != nil {
		return ToneInfo{}, err
	}

	streamer, format, err := mp3.Decode(f)
	if err != nil {
		f.Close()
		return ToneInfo{}, fmt.Errorf("decode prompt %q: %w", uri, err)
	}
	defer streamer.Close()

	info := ToneInfo{
		Tone:     t,
		URI:      uri,
		Format:   format,
		Duration: format.SampleRate.D(streamer.Len()),
	}
	infoCache[t] = info
	return info, nil
}
