//go:build unix

package cmd

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// switchSignals request a mode switch when received.
var switchSignals = []os.Signal{syscall.SIGUSR1}

// restart replaces the process with a fresh copy of itself.
func restart() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	if err := unix.Exec(exe, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("failed to restart: %w", err)
	}
	return nil
}
