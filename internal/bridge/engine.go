package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/protocol"
)

// Run drives the connection until it ends. It returns nil after a completed
// spindown and otherwise the reason the connection failed. Capture and hop
// workers are stopped before Run returns.
func (h *Handler) Run(ctx context.Context, conn Conn) error {
	h.begin(ctx)
	defer h.finish()

	h.log.Info("bridge started (%s)", conn)
	err := h.loop(ctx, conn)
	switch {
	case err == nil:
		h.log.Info("spindown complete")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.log.Info("bridge stopped: %v", err)
	default:
		h.log.Error("bridge failed: %v", err)
		h.lastGasp(conn, err)
	}
	return err
}

func (h *Handler) loop(ctx context.Context, conn Conn) error {
	chunk := make([]byte, h.cfg.ReadChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.checkAlive(time.Now()); err != nil {
			return err
		}

		spinningDown := h.spinningDown()
		pending := h.outPending() > 0
		if spinningDown && !pending {
			return nil
		}
		// A full inbound buffer is only read again once dispatch frees room.
		watchRead := !spinningDown && h.in.Available() > 0

		readable, writable, err := conn.Wait(watchRead, pending, h.cfg.PollInterval)
		if err != nil {
			return fmt.Errorf("select failed: %w", err)
		}

		if readable {
			if err := h.readAndDispatch(ctx, conn, chunk); err != nil {
				return err
			}
		}
		if writable {
			if err := h.flush(conn); err != nil {
				return err
			}
		}
	}
}

// readAndDispatch reads no more than the inbound buffer can hold and handles
// every frame that is now complete.
func (h *Handler) readAndDispatch(ctx context.Context, conn Conn, chunk []byte) error {
	free := h.in.Available()
	if free == 0 {
		return nil
	}
	if free < len(chunk) {
		chunk = chunk[:free]
	}
	n, err := conn.Read(chunk)
	if errors.Is(err, io.EOF) {
		return ErrRemoteClosed
	}
	if err != nil {
		return fmt.Errorf("read failed: %w", err)
	}
	if n == 0 {
		return nil
	}
	h.in.Write(chunk[:n])

	for !h.spinningDown() {
		buf := h.in.PeekN(h.in.Used())
		size, frame, err := protocol.ParseFrame(buf, h.in.Capacity())
		if err != nil {
			return fmt.Errorf("invalid frame from controller: %w", err)
		}
		if size == 0 {
			return nil
		}
		h.in.Consume(size)

		if err := h.dispatch(ctx, frame); err != nil {
			h.log.Error("failed to handle %s (seq %d): %v", frame.TypeName, frame.Sequence, err)
			h.Spindown()
		}
	}
	return nil
}

// flush writes as much of the outbound buffer as the connection accepts.
func (h *Handler) flush(conn Conn) error {
	data := h.outPeek()
	if len(data) == 0 {
		return nil
	}
	n, err := conn.Write(data)
	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	if n > 0 {
		h.consumeOut(n)
	}
	return nil
}

// lastGasp queues an ERROR frame describing cause and makes one attempt to
// write it out.
func (h *Handler) lastGasp(conn Conn, cause error) {
	if errors.Is(cause, ErrRemoteClosed) {
		return
	}
	f, err := errorFrame(h.NextSequence(), cause.Error())
	if err != nil {
		return
	}
	if err := h.Send(f); err != nil {
		h.log.Debug("could not queue final error: %v", err)
	}
	if err := h.flush(conn); err != nil {
		h.log.Debug("could not write final error: %v", err)
	}
}
