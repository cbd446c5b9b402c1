package bridge

import "time"

// Conn is the controller transport the engine drives. Read and Write never
// block: Read returns 0 bytes and a nil error when nothing is waiting, Write
// reports how much it accepted and a closed peer reads as io.EOF. Wait
// blocks until a watched direction is ready or timeout passes.
type Conn interface {
	Wait(watchRead, watchWrite bool, timeout time.Duration) (readable, writable bool, err error)
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	String() string
}
