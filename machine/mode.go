package machine

import (
	"errors"
	"fmt"
)

// Mode is a top-level operating state of the speaker.
type Mode int

const (
	ModeDetectStorage Mode = iota
	ModeStorageInit
	ModeStorage
	ModeWirelessInit
	ModeWireless
	ModeNetworkInit
	ModeNetwork
	ModeRestart
)

var modeNames = [...]string{
	ModeDetectStorage: "detect-storage",
	ModeStorageInit:   "storage-init",
	ModeStorage:       "storage",
	ModeWirelessInit:  "wireless-init",
	ModeWireless:      "wireless",
	ModeNetworkInit:   "network-init",
	ModeNetwork:       "network",
	ModeRestart:       "restart",
}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

// Trigger is what ends a mode.
type Trigger int

const (
	TriggerStoragePresent Trigger = iota
	TriggerStorageAbsent
	TriggerPromptFinished
	TriggerMode
	TriggerDisconnected
	TriggerSourceEmpty
	TriggerFailed
)

var triggerNames = [...]string{
	TriggerStoragePresent: "storage-present",
	TriggerStorageAbsent:  "storage-absent",
	TriggerPromptFinished: "prompt-finished",
	TriggerMode:           "mode",
	TriggerDisconnected:   "disconnected",
	TriggerSourceEmpty:    "source-empty",
	TriggerFailed:         "failed",
}

func (t Trigger) String() string {
	if t < 0 || int(t) >= len(triggerNames) {
		return fmt.Sprintf("trigger(%d)", int(t))
	}
	return triggerNames[t]
}

var ErrNoTransition = errors.New("no transition")

// transitions is the complete mode graph. TriggerFailed is accepted from
// every mode and leads to ModeRestart.
var transitions = map[Mode]map[Trigger]Mode{
	ModeDetectStorage: {
		TriggerStoragePresent: ModeStorageInit,
		TriggerStorageAbsent:  ModeWirelessInit,
	},
	ModeStorageInit: {
		TriggerPromptFinished: ModeStorage,
		TriggerSourceEmpty:    ModeWirelessInit,
	},
	ModeStorage: {
		TriggerMode:        ModeWirelessInit,
		TriggerSourceEmpty: ModeWirelessInit,
	},
	ModeWirelessInit: {
		TriggerPromptFinished: ModeWireless,
	},
	ModeWireless: {
		TriggerMode:         ModeNetworkInit,
		TriggerDisconnected: ModeWireless,
	},
	ModeNetworkInit: {
		TriggerPromptFinished: ModeNetwork,
		TriggerSourceEmpty:    ModeRestart,
	},
	ModeNetwork: {
		TriggerMode:        ModeRestart,
		TriggerSourceEmpty: ModeRestart,
	},
}

// Next returns the mode reached from m on t.
func Next(m Mode, t Trigger) (Mode, error) {
	if t == TriggerFailed {
		return ModeRestart, nil
	}
	if to, ok := transitions[m][t]; ok {
		return to, nil
	}
	return m, fmt.Errorf("%w from %s on %s", ErrNoTransition, m, t)
}

// accepts reports whether m has an edge for t.
func accepts(m Mode, t Trigger) bool {
	_, ok := transitions[m][t]
	return ok
}
