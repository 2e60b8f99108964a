//go:build linux

package eventloop

import "golang.org/x/sys/unix"

// sabotagePoller closes the epoll descriptor, so the next poll fails with
// EBADF.
func sabotagePoller(l *Loop) {
	_ = unix.Close(int(l.poller.epfd))
}
