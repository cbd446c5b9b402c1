package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/protocol"
)

// startCapture moves the connection to streaming and launches the capture
// worker when the source can capture.
func (h *Handler) startCapture() {
	h.stateMu.Lock()
	h.capturing = true
	listeners := h.setStateLocked(StateStreaming)
	ctx := h.workCtx
	if ctx == nil {
		ctx = context.Background()
	}
	launch := h.caps.capturer != nil
	if launch {
		h.workers.Add(1)
	}
	h.stateMu.Unlock()
	notify(listeners, StateStreaming)

	if !launch {
		h.log.Warn("source cannot capture, no data will be streamed")
		return
	}
	go h.captureLoop(ctx)
}

// captureLoop pulls packets from the source and queues them as DATA
// frames, waiting for the engine whenever the outbound buffer is full.
func (h *Handler) captureLoop(ctx context.Context) {
	defer h.workers.Done()

	var count uint64
	for ctx.Err() == nil {
		pkt, err := h.caps.capturer.Capture(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			h.endCapture(ctx, count, err)
			return
		}

		f, err := dataFrame(h.NextSequence(), pkt)
		if err != nil {
			h.endCapture(ctx, count, err)
			return
		}
		err = h.SendWait(ctx, f)
		switch {
		case err == nil:
			count++
		case ctx.Err() != nil:
			return
		case errors.Is(err, protocol.ErrTooLarge):
			h.log.Warn("dropped packet: %v", err)
		default:
			h.endCapture(ctx, count, err)
			return
		}
	}
}

// endCapture reports why capture stopped and spins the connection down.
func (h *Handler) endCapture(ctx context.Context, count uint64, cause error) {
	var msg string
	switch {
	case cause == io.EOF:
		msg = "capture source closed"
	case errors.Is(cause, io.EOF):
		msg = cause.Error()
	default:
		msg = fmt.Sprintf("capture failed: %v", cause)
	}
	h.log.Info("%s after %d packets", msg, count)

	if f, err := errorFrame(h.NextSequence(), msg); err == nil {
		if err := h.SendWait(ctx, f); err != nil {
			h.log.Warn("could not report end of capture: %v", err)
		}
	}
	h.Spindown()
}
