//go:build linux || darwin || freebsd || netbsd || openbsd

package bridge

import (
	"errors"
	"io"
	"time"

	"golang.org/x/sys/unix"
)

// retryable reports errors that only mean "try again".
func retryable(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// waitReady blocks until rfd is readable or wfd writable, or until timeout.
func waitReady(rfd, wfd int, watchRead, watchWrite bool, timeout time.Duration) (readable, writable bool, err error) {
	var rset, wset unix.FdSet
	nfd := 0
	if watchRead {
		rset.Set(rfd)
		nfd = rfd + 1
	}
	if watchWrite {
		wset.Set(wfd)
		if wfd+1 > nfd {
			nfd = wfd + 1
		}
	}

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(nfd, &rset, &wset, nil, &tv)
	if err != nil {
		if retryable(err) {
			return false, false, nil
		}
		return false, false, err
	}
	if n == 0 {
		return false, false, nil
	}
	return watchRead && rset.IsSet(rfd), watchWrite && wset.IsSet(wfd), nil
}

// readFD performs one non-blocking read. A closed peer is io.EOF.
func readFD(fd int, p []byte) (int, error) {
	n, err := unix.Read(fd, p)
	if err != nil {
		if retryable(err) {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// writeFD performs one non-blocking write and reports what the OS accepted.
func writeFD(fd int, p []byte) (int, error) {
	n, err := unix.Write(fd, p)
	if err != nil {
		if retryable(err) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}
