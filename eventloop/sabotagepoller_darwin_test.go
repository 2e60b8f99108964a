//go:build darwin

package eventloop

import "golang.org/x/sys/unix"

// sabotagePoller closes the kqueue descriptor, so the next poll fails with
// EBADF.
func sabotagePoller(l *Loop) {
	_ = unix.Close(int(l.poller.kq))
}
