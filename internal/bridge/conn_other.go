//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package bridge

import (
	"context"
	"fmt"
	"net"
	"os"
)

// NewPipeConn wraps handles inherited from the parent process. Without
// select(2) the handles are served by a stream transport.
func NewPipeConn(inFD, outFD int) (Conn, error) {
	if inFD < 0 || outFD < 0 {
		return nil, fmt.Errorf("invalid descriptors in=%d out=%d", inFD, outFD)
	}
	name := fmt.Sprintf("in fd %d, out fd %d", inFD, outFD)
	in := os.NewFile(uintptr(inFD), "controller-in")
	if in == nil {
		return nil, fmt.Errorf("invalid descriptor %d", inFD)
	}
	if inFD == outFD {
		return NewStreamConn(name, in, in, in), nil
	}
	out := os.NewFile(uintptr(outFD), "controller-out")
	if out == nil {
		return nil, fmt.Errorf("invalid descriptor %d", outFD)
	}
	return NewStreamConn(name, in, out, closers{in, out}), nil
}

// DialTCP connects to a controller listening on addr (host:port).
func DialTCP(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewStreamConn("tcp "+addr, nc, nc, nc), nil
}
