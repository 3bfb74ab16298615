package event

import (
	"fmt"
	"strings"

	"speakerd/audio"
)

// Event is one message on the bus. The set of variants is closed:
// ElementEvent, InputEvent and TransportEvent.
type Event interface {
	isEvent()
}

// SourceKind tells which family of producer emitted an event.
type SourceKind int

const (
	SourceElement SourceKind = iota
	SourceInput
	SourceTransport
)

func (k SourceKind) String() string {
	switch k {
	case SourceElement:
		return "element"
	case SourceInput:
		return "input"
	case SourceTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Command distinguishes the two reports an element can make.
type Command int

const (
	// CommandStatus carries a lifecycle transition in Status.
	CommandStatus Command = iota
	// CommandMusicInfo carries the decoded stream format in Format.
	CommandMusicInfo
)

func (c Command) String() string {
	switch c {
	case CommandStatus:
		return "status"
	case CommandMusicInfo:
		return "music_info"
	default:
		return "unknown"
	}
}

// ElementEvent is reported by a pipeline element runtime.
type ElementEvent struct {
	Element string
	Command Command
	Status  audio.State
	Format  audio.Format
}

func (ElementEvent) isEvent() {}

// InputEvent is a normalized physical activation.
type InputEvent struct {
	Source string
	Button Button
}

func (InputEvent) isEvent() {}

// TransportEvent is a wireless link status change.
type TransportEvent struct {
	Peripheral string
	Status     TransportStatus
}

func (TransportEvent) isEvent() {}

// Kind returns the producer family of ev.
func Kind(ev Event) SourceKind {
	switch ev.(type) {
	case ElementEvent:
		return SourceElement
	case InputEvent:
		return SourceInput
	case TransportEvent:
		return SourceTransport
	default:
		panic(fmt.Sprintf("event: unknown variant %T", ev))
	}
}

// Button is the source-agnostic identifier space of the input peripheral.
type Button int

const (
	ButtonMode Button = iota + 1
	ButtonPlay
	ButtonPrev
	ButtonNext
	ButtonVolumeUp
	ButtonVolumeDown
)

var buttonNames = map[Button]string{
	ButtonMode:       "mode",
	ButtonPlay:       "play",
	ButtonPrev:       "prev",
	ButtonNext:       "next",
	ButtonVolumeUp:   "volume_up",
	ButtonVolumeDown: "volume_down",
}

func (b Button) String() string {
	if name, ok := buttonNames[b]; ok {
		return name
	}
	return "unknown"
}

// ParseButton maps a configuration name such as "volume_up" to a Button.
func ParseButton(name string) (Button, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for b, n := range buttonNames {
		if n == name {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown button %q", name)
}

// TransportStatus is reported by the wireless peripheral.
type TransportStatus int

const (
	TransportConnected TransportStatus = iota + 1
	TransportDisconnected
)

func (s TransportStatus) String() string {
	switch s {
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
