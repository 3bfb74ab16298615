package power

import (
	"fmt"
	"log/slog"
	"sync"
)

const (
	MinVolume = 0
	MaxVolume = 100
)

// PlaybackState is what the controller knows about the audio path.
type PlaybackState int

const (
	PlaybackIdle PlaybackState = iota
	PlaybackPlaying
	PlaybackPaused
)

func (s PlaybackState) String() string {
	switch s {
	case PlaybackIdle:
		return "idle"
	case PlaybackPlaying:
		return "playing"
	case PlaybackPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Derive returns the hardware enable signal for a volume and playback state.
func Derive(volume int, state PlaybackState) bool {
	return volume > MinVolume && state == PlaybackPlaying
}

// Steps configures volume stepping. Low applies while the volume is at or
// below Threshold, High above it.
type Steps struct {
	Low       int
	High      int
	Threshold int
}

// DefaultSteps steps by 5 across the whole range.
var DefaultSteps = Steps{Low: 5, High: 5, Threshold: MaxVolume}

func (s Steps) Validate() error {
	if s.Low <= 0 || s.High <= 0 {
		return fmt.Errorf("volume steps must be positive, got low=%d high=%d", s.Low, s.High)
	}
	if s.Threshold < MinVolume || s.Threshold > MaxVolume {
		return fmt.Errorf("volume step threshold %d outside [%d,%d]", s.Threshold, MinVolume, MaxVolume)
	}
	return nil
}

func (s Steps) at(volume int) int {
	if volume <= s.Threshold {
		return s.Low
	}
	return s.High
}

// Line is the hardware output enable line.
type Line interface {
	Set(enabled bool) error
	Close() error
}

// Mixer receives the volume level, usually the ALC stage of the pipeline.
type Mixer interface {
	SetVolume(volume int) error
}

// Controller owns the volume level and drives the enable line.
type Controller struct {
	steps  Steps
	line   Line
	logger *slog.Logger

	mu       sync.Mutex
	volume   int
	playback PlaybackState
	enabled  bool
	mixer    Mixer
}

// NewController creates a controller with the line disabled. A nil line
// behaves like NopLine.
func NewController(steps Steps, line Line, logger *slog.Logger) *Controller {
	if line == nil {
		line = &NopLine{}
	}
	return &Controller{
		steps:  steps,
		line:   line,
		logger: logger,
	}
}

// Reset sets the volume to level and the playback state to idle.
func (c *Controller) Reset(level int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.volume = clamp(level)
	c.playback = PlaybackIdle
	return c.applyLocked()
}

// Increase raises the volume by one step.
func (c *Controller) Increase() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.volume = clamp(c.volume + c.steps.at(c.volume))
	return c.volume, c.applyLocked()
}

// Decrease lowers the volume by one step.
func (c *Controller) Decrease() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.volume = clamp(c.volume - c.steps.at(c.volume))
	return c.volume, c.applyLocked()
}

// SetPlayback records a playback state transition.
func (c *Controller) SetPlayback(s PlaybackState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.playback == s {
		return nil
	}
	c.playback = s
	return c.applyLocked()
}

// SetMixer routes the volume to m, or stops routing when m is nil. The
// current volume is pushed immediately.
func (c *Controller) SetMixer(m Mixer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mixer = m
	if m == nil {
		return nil
	}
	return m.SetVolume(c.volume)
}

func (c *Controller) Volume() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

func (c *Controller) Playback() PlaybackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playback
}

// Enabled returns the last value written to the line.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Shutdown disables the line and closes it.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.playback = PlaybackIdle
	setErr := c.line.Set(false)
	c.enabled = false
	if err := c.line.Close(); err != nil {
		return err
	}
	return setErr
}

func (c *Controller) applyLocked() error {
	enabled := Derive(c.volume, c.playback)
	if err := c.line.Set(enabled); err != nil {
		return fmt.Errorf("set enable line: %w", err)
	}
	if enabled != c.enabled {
		c.logger.Debug("Output enable changed", slog.Bool("enabled", enabled),
			slog.Int("volume", c.volume), slog.String("playback", c.playback.String()))
	}
	c.enabled = enabled

	if c.mixer != nil {
		if err := c.mixer.SetVolume(c.volume); err != nil {
			return fmt.Errorf("set mixer volume: %w", err)
		}
	}
	return nil
}

func clamp(v int) int {
	return min(max(v, MinVolume), MaxVolume)
}

// NopLine is a Line for hosts without a hardware enable line.
type NopLine struct {
	mu      sync.Mutex
	enabled bool
}

func (l *NopLine) Set(enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
	return nil
}

func (l *NopLine) Close() error { return nil }

func (l *NopLine) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}
