//go:build !linux

package input

import (
	"context"
	"os"
	"strconv"
	"sync"
)

var nativeLayout = eventLayout{word: strconv.IntSize / 8}

// readDevices reads each device on its own goroutine.
func readDevices(ctx context.Context, files []*os.File, fn func(rawEvent)) error {
	var mu sync.Mutex
	errc := make(chan error, len(files))

	for _, f := range files {
		go func(f *os.File) {
			errc <- decodeEvents(f, nativeLayout, func(ev rawEvent) {
				mu.Lock()
				defer mu.Unlock()
				fn(ev)
			})
		}(f)
	}

	select {
	case <-ctx.Done():
		for _, f := range files {
			f.Close()
		}
		return ctx.Err()
	case err := <-errc:
		return err
	}
}
