package bridge

import (
	"context"
	"fmt"
	"math"
	"time"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/protocol"
)

const (
	// minHopInterval bounds how often the hop worker retunes the device.
	minHopInterval = 50 * time.Millisecond
	// defaultShuffleSpacing is used when a shuffled schedule names no spacing.
	defaultShuffleSpacing = 4
)

// hopSchedule is an installed CHANHOP request with its translated tokens.
type hopSchedule struct {
	names    []string
	channels []Channel
	rate     float64
	shuffle  bool
	stride   int
	offset   int
}

func newHopSchedule(req protocol.ChanHop, channels []Channel) *hopSchedule {
	s := &hopSchedule{
		names:    req.Channels,
		channels: channels,
		rate:     req.Rate,
		shuffle:  req.Shuffle != 0,
		stride:   1,
		offset:   int(req.Offset),
	}
	if s.shuffle {
		spacing := int(req.ShuffleSkip)
		if spacing == 0 {
			spacing = defaultShuffleSpacing
		}
		s.stride = shuffleStride(len(channels), spacing)
	}
	return s
}

// shuffleStride returns the smallest stride >= requested that shares no
// factor with n, so stepping by it visits every channel before repeating.
// It falls back to 1 when no such stride below n exists.
func shuffleStride(n, requested int) int {
	if requested < 1 {
		requested = 1
	}
	for s := requested; s < n; s++ {
		if gcd(s, n) == 1 {
			return s
		}
	}
	return 1
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func (s *hopSchedule) start() int {
	if len(s.channels) == 0 {
		return 0
	}
	return s.offset % len(s.channels)
}

func (s *hopSchedule) next(pos int) int {
	return (pos + s.stride) % len(s.channels)
}

// validHopRate accepts zero (no hopping) and finite positive rates whose
// interval fits a time.Duration.
func validHopRate(rate float64) bool {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 0 {
		return false
	}
	return rate == 0 || float64(time.Second)/rate < math.MaxInt64
}

// interval is the time between hops, never below minHopInterval.
func (s *hopSchedule) interval() time.Duration {
	f := float64(time.Second) / s.rate
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	d := time.Duration(f)
	if d < minHopInterval {
		d = minHopInterval
	}
	return d
}

func (s *hopSchedule) echo() protocol.ChanHop {
	h := protocol.ChanHop{
		Rate:     s.rate,
		Channels: s.names,
		Offset:   uint32(s.offset),
	}
	if h.Channels == nil {
		h.Channels = []string{}
	}
	if s.shuffle {
		h.Shuffle = 1
		h.ShuffleSkip = uint32(s.stride)
	}
	return h
}

type hopRunner struct {
	sched  *hopSchedule
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *hopRunner) stop() {
	r.cancel()
	<-r.done
}

// startHop installs sched and starts hopping when it has a rate and channels.
func (h *Handler) startHop(sched *hopSchedule) {
	if sched.rate <= 0 || len(sched.channels) == 0 {
		h.freeChannels(sched.channels)
		return
	}

	h.stateMu.Lock()
	parent := h.workCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	r := &hopRunner{sched: sched, cancel: cancel, done: make(chan struct{})}
	h.hop = r
	h.workers.Add(1)
	h.stateMu.Unlock()

	go h.hopLoop(ctx, r)
}

// stopHop cancels the hop worker, waits for it and releases its channels.
// The schedule stays visible until the worker has exited.
func (h *Handler) stopHop() {
	h.stateMu.Lock()
	r := h.hop
	h.stateMu.Unlock()

	if r == nil {
		return
	}
	r.stop()

	h.stateMu.Lock()
	if h.hop == r {
		h.hop = nil
	}
	h.stateMu.Unlock()
	h.freeChannels(r.sched.channels)
	h.log.Debug("channel hopping stopped")
}

func (h *Handler) hopLoop(ctx context.Context, r *hopRunner) {
	defer h.workers.Done()
	defer close(r.done)

	s := r.sched
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	pos := s.start()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := h.caps.controller.ControlChannel(ctx, 0, s.channels[pos]); err != nil {
			if ctx.Err() != nil {
				return
			}
			msg := fmt.Sprintf("failed to hop to channel %s: %v", s.names[pos], err)
			h.log.Error("%s", msg)
			if err := h.SendError(0, msg); err != nil {
				h.log.Warn("could not report hop failure: %v", err)
			}
			// Capture carries on until the drain completes.
			h.enterSpindown(false)
			return
		}
		pos = s.next(pos)
	}
}
