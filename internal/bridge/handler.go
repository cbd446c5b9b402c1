// Package bridge runs one controller connection: it reads request frames,
// dispatches them to a capture source and streams responses and captured
// data back through a bounded outbound buffer.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/logger"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/ringbuf"
)

var (
	// ErrNoSpace means the outbound buffer cannot take the frame right now.
	ErrNoSpace = errors.New("outbound buffer full")
	// ErrShutdown is returned by Run after Shutdown and by Send once the
	// connection has stopped.
	ErrShutdown = errors.New("bridge shut down")
	// ErrLiveness is returned by Run when the controller stops sending PING.
	ErrLiveness = errors.New("controller went silent")
	// ErrRemoteClosed is returned by Run when the controller closes its end.
	ErrRemoteClosed = errors.New("controller closed the connection")
)

const (
	DefaultInBufferSize  = 64 * 1024
	DefaultOutBufferSize = 4 * 1024 * 1024
	DefaultPingTimeout   = 5 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultReadChunkSize = 1024
)

// Config is the explicit construction state of a Handler.
type Config struct {
	InBufferSize  int
	OutBufferSize int
	PingTimeout   time.Duration
	PollInterval  time.Duration
	// MaxHopRate caps CHANHOP rates in hops per second. Zero means no cap.
	MaxHopRate    float64
	ReadChunkSize int
	Logger        *logger.Logger
}

func (c Config) withDefaults() Config {
	if c.InBufferSize <= 0 {
		c.InBufferSize = DefaultInBufferSize
	}
	if c.OutBufferSize <= 0 {
		c.OutBufferSize = DefaultOutBufferSize
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReadChunkSize <= 0 {
		c.ReadChunkSize = DefaultReadChunkSize
	}
	return c
}

// State is the connection lifecycle stage.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateSpindown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateSpindown:
		return "spindown"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler owns one connection's buffers, flags and workers.
type Handler struct {
	cfg  Config
	log  *logger.Logger
	caps capabilities

	// in is only touched by the goroutine running Run.
	in *ringbuf.RingBuf

	outMu sync.Mutex
	out   *ringbuf.RingBuf
	// flushed is closed and replaced every time bytes leave out.
	flushed chan struct{}

	stateMu    sync.Mutex
	state      State
	shutdown   bool
	spindown   bool
	lastPing   time.Time
	workCtx    context.Context
	workCancel context.CancelFunc
	capturing  bool
	hop        *hopRunner
	listeners  []func(State)

	workers sync.WaitGroup
	stopped atomic.Bool
	seq     atomic.Uint32
}

// NewHandler builds a handler for source. The capabilities source offers
// are discovered here, once.
func NewHandler(cfg Config, source interface{}) (*Handler, error) {
	cfg = cfg.withDefaults()

	in, err := ringbuf.New(cfg.InBufferSize)
	if err != nil {
		return nil, fmt.Errorf("inbound buffer: %w", err)
	}
	out, err := ringbuf.New(cfg.OutBufferSize)
	if err != nil {
		return nil, fmt.Errorf("outbound buffer: %w", err)
	}

	return &Handler{
		cfg:      cfg,
		log:      cfg.Logger.Named("bridge"),
		caps:     discover(source),
		in:       in,
		out:      out,
		flushed:  make(chan struct{}),
		lastPing: time.Now(),
	}, nil
}

// OnStateChange registers fn to be called after every state transition.
func (h *Handler) OnStateChange(fn func(State)) {
	h.stateMu.Lock()
	h.listeners = append(h.listeners, fn)
	h.stateMu.Unlock()
}

// State reports the current lifecycle stage.
func (h *Handler) State() State {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.state
}

// setStateLocked records s and returns the listeners to notify once
// stateMu is released.
func (h *Handler) setStateLocked(s State) []func(State) {
	if h.state == s || h.state == StateStopped {
		return nil
	}
	h.log.Debug("state %s -> %s", h.state, s)
	h.state = s
	return append([]func(State){}, h.listeners...)
}

func notify(listeners []func(State), s State) {
	for _, fn := range listeners {
		fn(s)
	}
}

// NextSequence returns a sequence number for an unsolicited frame.
func (h *Handler) NextSequence() uint32 {
	return h.seq.Add(1)
}

// Spindown stops accepting requests and ends Run once the outbound buffer
// has drained. Capture and hop workers are cancelled.
func (h *Handler) Spindown() {
	h.enterSpindown(true)
}

// enterSpindown moves to spindown. Without cancelWork the workers keep
// running until Run has drained and returned.
func (h *Handler) enterSpindown(cancelWork bool) {
	h.stateMu.Lock()
	if h.spindown || h.state == StateStopped {
		h.stateMu.Unlock()
		return
	}
	h.spindown = true
	cancel := h.workCancel
	listeners := h.setStateLocked(StateSpindown)
	h.stateMu.Unlock()

	h.log.Info("spinning down")
	if cancelWork && cancel != nil {
		cancel()
	}
	notify(listeners, StateSpindown)
}

// Shutdown makes Run return ErrShutdown at its next iteration without
// draining the outbound buffer.
func (h *Handler) Shutdown() {
	h.stateMu.Lock()
	h.shutdown = true
	cancel := h.workCancel
	h.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (h *Handler) spinningDown() bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.spindown
}

func (h *Handler) touchPing() {
	h.stateMu.Lock()
	h.lastPing = time.Now()
	h.stateMu.Unlock()
}

// checkAlive reports why the loop must stop, if it must.
func (h *Handler) checkAlive(now time.Time) error {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if h.shutdown {
		return ErrShutdown
	}
	if silent := now.Sub(h.lastPing); silent > h.cfg.PingTimeout {
		return fmt.Errorf("%w: no PING for %s", ErrLiveness, silent.Truncate(time.Millisecond))
	}
	return nil
}

// begin prepares the worker context for a run.
func (h *Handler) begin(ctx context.Context) {
	h.stateMu.Lock()
	h.lastPing = time.Now()
	h.workCtx, h.workCancel = context.WithCancel(ctx)
	if h.spindown || h.shutdown {
		h.workCancel()
	}
	h.stateMu.Unlock()
}

// finish cancels and waits for the workers, releases the hop schedule and
// marks the handler stopped.
func (h *Handler) finish() {
	h.stateMu.Lock()
	cancel := h.workCancel
	hop := h.hop
	h.hop = nil
	h.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if hop != nil {
		hop.stop()
	}
	h.workers.Wait()
	if hop != nil {
		h.freeChannels(hop.sched.channels)
	}

	h.stopped.Store(true)
	h.stateMu.Lock()
	listeners := h.setStateLocked(StateStopped)
	h.stateMu.Unlock()
	notify(listeners, StateStopped)
}

// HopRate is the active channel hop rate, zero when not hopping.
func (h *Handler) HopRate() float64 {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if h.hop == nil {
		return 0
	}
	return h.hop.sched.rate
}
