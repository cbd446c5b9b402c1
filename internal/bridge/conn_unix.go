//go:build linux || darwin || freebsd || netbsd || openbsd

package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// fdConn polls a pair of non-blocking descriptors with select(2). Both may
// be the same descriptor, as for a TCP socket.
type fdConn struct {
	rfd, wfd int
}

func (c fdConn) Wait(watchRead, watchWrite bool, timeout time.Duration) (bool, bool, error) {
	return waitReady(c.rfd, c.wfd, watchRead, watchWrite, timeout)
}

func (c fdConn) Read(p []byte) (int, error)  { return readFD(c.rfd, p) }
func (c fdConn) Write(p []byte) (int, error) { return writeFD(c.wfd, p) }

func (c fdConn) String() string {
	return fmt.Sprintf("in fd %d, out fd %d", c.rfd, c.wfd)
}

type pipeConn struct {
	fdConn
}

// NewPipeConn wraps descriptors inherited from the parent process. Both are
// switched to non-blocking mode.
func NewPipeConn(inFD, outFD int) (Conn, error) {
	if inFD < 0 || outFD < 0 {
		return nil, fmt.Errorf("invalid descriptors in=%d out=%d", inFD, outFD)
	}
	for _, fd := range []int{inFD, outFD} {
		if err := unix.SetNonblock(fd, true); err != nil {
			return nil, fmt.Errorf("failed to set fd %d non-blocking: %w", fd, err)
		}
	}
	return &pipeConn{fdConn{rfd: inFD, wfd: outFD}}, nil
}

func (c *pipeConn) Close() error {
	err := unix.Close(c.rfd)
	if c.wfd != c.rfd {
		err = errors.Join(err, unix.Close(c.wfd))
	}
	return err
}

type socketConn struct {
	fdConn
	file *os.File
	addr string
}

// DialTCP connects to a controller listening on addr (host:port).
func DialTCP(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		nc.Close()
		return nil, fmt.Errorf("unexpected connection type %T", nc)
	}

	// The engine polls the descriptor itself, so keep a private duplicate
	// and drop the runtime-managed connection.
	file, err := tc.File()
	tc.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to get socket descriptor: %w", err)
	}
	fd := int(file.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to set socket non-blocking: %w", err)
	}
	return &socketConn{fdConn: fdConn{rfd: fd, wfd: fd}, file: file, addr: addr}, nil
}

func (c *socketConn) Close() error { return c.file.Close() }

func (c *socketConn) String() string {
	return fmt.Sprintf("tcp %s, fd %d", c.addr, c.rfd)
}
