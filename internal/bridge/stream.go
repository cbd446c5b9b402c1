package bridge

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

const (
	streamReadSize = 64 * 1024

	// closeFlushTimeout bounds how long Close waits for a write in flight.
	closeFlushTimeout = time.Second
)

type readResult struct {
	data []byte
	err  error
}

// streamConn adapts blocking reader and writer streams to the engine's
// non-blocking Conn. One goroutine reads ahead by a single chunk and another
// performs one write at a time; readiness is the arrival of their results.
//
// Everything except the two goroutines belongs to the engine, so Wait, Read,
// Write and Close must not be called concurrently.
type streamConn struct {
	name   string
	r      io.Reader
	w      io.Writer
	closer io.Closer

	reads   chan readResult
	writes  chan []byte
	written chan error
	done    chan struct{}
	once    sync.Once

	pending  []byte
	readErr  error
	writing  bool
	writeErr error
}

// NewStreamConn serves the engine from any blocking streams, such as a
// net.Conn or inherited pipe handles. closer releases both streams and must
// unblock pending reads and writes.
func NewStreamConn(name string, r io.Reader, w io.Writer, closer io.Closer) Conn {
	c := &streamConn{
		name:    name,
		r:       r,
		w:       w,
		closer:  closer,
		reads:   make(chan readResult),
		writes:  make(chan []byte),
		written: make(chan error, 1),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *streamConn) readLoop() {
	for {
		buf := make([]byte, streamReadSize)
		n, err := c.r.Read(buf)
		if n > 0 {
			select {
			case c.reads <- readResult{data: buf[:n]}:
			case <-c.done:
				return
			}
		}
		if err != nil {
			select {
			case c.reads <- readResult{err: err}:
			case <-c.done:
			}
			return
		}
	}
}

func (c *streamConn) writeLoop() {
	for {
		select {
		case p := <-c.writes:
			_, err := c.w.Write(p)
			c.written <- err
		case <-c.done:
			return
		}
	}
}

func (c *streamConn) stash(res readResult) {
	if res.err != nil {
		c.readErr = res.err
		return
	}
	c.pending = res.data
}

func (c *streamConn) finishWrite(err error) {
	c.writing = false
	if err != nil && c.writeErr == nil {
		c.writeErr = err
	}
}

// poll collects a completed write without blocking.
func (c *streamConn) poll() {
	if !c.writing {
		return
	}
	select {
	case err := <-c.written:
		c.finishWrite(err)
	default:
	}
}

func (c *streamConn) Wait(watchRead, watchWrite bool, timeout time.Duration) (bool, bool, error) {
	c.poll()
	readable := watchRead && (len(c.pending) > 0 || c.readErr != nil)
	writable := watchWrite && !c.writing
	if readable || writable {
		return readable, writable, nil
	}

	var reads <-chan readResult
	if watchRead {
		reads = c.reads
	}
	var written <-chan error
	if watchWrite {
		written = c.written
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-reads:
		c.stash(res)
		return true, false, nil
	case err := <-written:
		c.finishWrite(err)
		return false, true, nil
	case <-timer.C:
		return false, false, nil
	case <-c.done:
		return false, false, net.ErrClosed
	}
}

func (c *streamConn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 && c.readErr == nil {
		select {
		case res := <-c.reads:
			c.stash(res)
		default:
		}
	}
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	return 0, c.readErr
}

// Write hands a copy of p to the writer goroutine and reports all of it as
// taken. While that write is in flight nothing more is accepted.
func (c *streamConn) Write(p []byte) (int, error) {
	c.poll()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	if c.writing || len(p) == 0 {
		return 0, nil
	}
	select {
	case c.writes <- append([]byte(nil), p...):
	case <-c.done:
		return 0, net.ErrClosed
	}
	c.writing = true
	return len(p), nil
}

// Close gives a write in flight a moment to land, then stops both
// goroutines and closes the streams.
func (c *streamConn) Close() error {
	err := net.ErrClosed
	c.once.Do(func() {
		if c.writing {
			timer := time.NewTimer(closeFlushTimeout)
			select {
			case werr := <-c.written:
				c.finishWrite(werr)
			case <-timer.C:
			}
			timer.Stop()
		}
		close(c.done)
		err = c.closer.Close()
	})
	return err
}

func (c *streamConn) String() string { return c.name }

// closers closes every member and joins the failures.
type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for _, c := range cs {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
