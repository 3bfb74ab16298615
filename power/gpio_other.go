//go:build !linux

package power

import "errors"

// GPIOLine is only available on Linux.
type GPIOLine struct{}

func OpenGPIOLine(chip string, offset int, activeHigh bool) (*GPIOLine, error) {
	return nil, errors.New("gpio lines require linux")
}

func (g *GPIOLine) Set(bool) error { return nil }
func (g *GPIOLine) Close() error   { return nil }
