//go:build linux

package input

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// nativeLayout follows the kernel's timeval, two words on every Linux ABI.
var nativeLayout = eventLayout{word: int(unsafe.Sizeof(unix.Timeval{})) / 2}

// pollInterval bounds how long epoll_wait blocks so ctx is observed.
const pollInterval = 250 // milliseconds

// readDevices waits on every device with a single epoll instance.
func readDevices(ctx context.Context, files []*os.File, fn func(rawEvent)) error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	byFd := make(map[int32]*os.File, len(files))
	for _, f := range files {
		fd := int(f.Fd())
		byFd[int32(fd)] = f

		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return fmt.Errorf("epoll_ctl add %s: %w", f.Name(), err)
		}
	}

	ready := make([]unix.EpollEvent, 16)
	size := nativeLayout.size()
	buf := make([]byte, size*16)

	for ctx.Err() == nil {
		n, err := unix.EpollWait(epfd, ready, pollInterval)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			f := byFd[ready[i].Fd]
			if ready[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				return fmt.Errorf("input device %s hung up", f.Name())
			}

			read, err := unix.Read(int(ready[i].Fd), buf)
			if err != nil {
				if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
					continue
				}
				return fmt.Errorf("read %s: %w", f.Name(), err)
			}

			for off := 0; off+size <= read; off += size {
				fn(nativeLayout.decode(buf[off : off+size]))
			}
		}
	}
	return ctx.Err()
}
