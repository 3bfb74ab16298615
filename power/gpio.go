//go:build linux

package power

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// GPIOLine drives the enable line through the Linux GPIO character device.
type GPIOLine struct {
	line *gpiocdev.Line
}

// OpenGPIOLine requests offset on chip as an output, initially disabled.
func OpenGPIOLine(chip string, offset int, activeHigh bool) (*GPIOLine, error) {
	opts := []gpiocdev.LineReqOption{
		gpiocdev.WithConsumer("speakerd"),
		gpiocdev.AsOutput(0),
	}
	if !activeHigh {
		opts = append(opts, gpiocdev.AsActiveLow)
	}

	l, err := gpiocdev.RequestLine(chip, offset, opts...)
	if err != nil {
		return nil, fmt.Errorf("request gpio %s:%d: %w", chip, offset, err)
	}
	return &GPIOLine{line: l}, nil
}

func (g *GPIOLine) Set(enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	return g.line.SetValue(v)
}

func (g *GPIOLine) Close() error {
	return g.line.Close()
}
