//go:build !unix

package cmd

import (
	"errors"
	"os"
)

var switchSignals []os.Signal

func restart() error {
	return errors.New("restart is not supported on this platform")
}
