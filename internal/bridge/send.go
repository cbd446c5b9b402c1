package bridge

import (
	"context"
	"errors"
	"fmt"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/protocol"
)

// encoded is a frame whose header has been computed and whose records are
// ready to be streamed after it.
type encoded struct {
	name  string
	hdr   []byte
	kvs   []protocol.KV
	total int
}

func encode(f *protocol.Frame) (*encoded, error) {
	hdr, total, err := protocol.EncodeHeader(f.TypeName, f.Sequence, f.KVs)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.TypeName, err)
	}
	return &encoded{name: f.TypeName, hdr: hdr, kvs: f.KVs, total: total}, nil
}

// enqueue appends e to the outbound buffer in one critical section, or
// returns ErrNoSpace without touching the buffer.
func (h *Handler) enqueue(e *encoded) error {
	if h.stopped.Load() {
		return ErrShutdown
	}

	h.outMu.Lock()
	defer h.outMu.Unlock()

	if e.total > h.out.Capacity() {
		return fmt.Errorf("%w: %s frame of %d bytes exceeds the %d byte outbound buffer",
			protocol.ErrTooLarge, e.name, e.total, h.out.Capacity())
	}
	if h.out.Available() < e.total {
		return ErrNoSpace
	}
	h.out.Write(e.hdr)
	for _, kv := range e.kvs {
		h.out.Write(kv.Bytes())
	}
	return nil
}

// Send encodes f and appends it to the outbound buffer. It never blocks;
// ErrNoSpace means the frame was dropped and may be retried.
func (h *Handler) Send(f *protocol.Frame) error {
	e, err := encode(f)
	if err != nil {
		return err
	}
	return h.enqueue(e)
}

// SendWait is Send, but waits for the engine to drain the outbound buffer
// whenever the frame does not fit.
func (h *Handler) SendWait(ctx context.Context, f *protocol.Frame) error {
	e, err := encode(f)
	if err != nil {
		return err
	}
	for {
		// Taken before the attempt so a drain between the two is not missed.
		wait := h.flushSignal()
		err := h.enqueue(e)
		if !errors.Is(err, ErrNoSpace) {
			return err
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Handler) flushSignal() <-chan struct{} {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	return h.flushed
}

// outPending is the number of bytes waiting to be written.
func (h *Handler) outPending() int {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	return h.out.Used()
}

// outPeek copies every pending outbound byte. Only the engine consumes, so
// the copy stays a prefix of the buffer until consumeOut is called.
func (h *Handler) outPeek() []byte {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	return h.out.PeekN(h.out.Used())
}

// consumeOut drops n written bytes and wakes every producer waiting for room.
func (h *Handler) consumeOut(n int) {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	h.out.Consume(n)
	close(h.flushed)
	h.flushed = make(chan struct{})
}

// SendMessage sends an unsolicited MESSAGE frame.
func (h *Handler) SendMessage(msg string, flags uint32) error {
	kv, err := protocol.EncodeMessage(msg, flags)
	if err != nil {
		return err
	}
	return h.Send(protocol.NewFrame(protocol.TypeMessage, h.NextSequence(), kv))
}

// SendWarning sends a MESSAGE frame that also carries a WARNING record.
func (h *Handler) SendWarning(warning string) error {
	kv, err := protocol.EncodeMessage(warning, protocol.MsgInfo)
	if err != nil {
		return err
	}
	return h.Send(protocol.NewFrame(protocol.TypeMessage, h.NextSequence(),
		kv, protocol.NewStringKV(protocol.KeyWarning, warning)))
}

func errorFrame(seq uint32, msg string) (*protocol.Frame, error) {
	kv, err := protocol.EncodeMessage(msg, protocol.MsgError)
	if err != nil {
		return nil, err
	}
	return protocol.NewFrame(protocol.TypeError, seq, protocol.EncodeSuccess(false, seq), kv), nil
}

// SendError sends an ERROR frame. A zero seq takes the next sequence number.
func (h *Handler) SendError(seq uint32, msg string) error {
	if seq == 0 {
		seq = h.NextSequence()
	}
	f, err := errorFrame(seq, msg)
	if err != nil {
		return err
	}
	return h.Send(f)
}

func dataFrame(seq uint32, pkt Packet) (*protocol.Frame, error) {
	kv, err := protocol.EncodeCapData(pkt.Timestamp, pkt.Data)
	if err != nil {
		return nil, err
	}
	f := protocol.NewFrame(protocol.TypeData, seq, kv)
	if pkt.Signal != nil {
		kv, err := protocol.EncodeSignal(*pkt.Signal)
		if err != nil {
			return nil, err
		}
		f.KVs = append(f.KVs, kv)
	}
	if pkt.GPS != nil {
		kv, err := protocol.EncodeGPS(*pkt.GPS)
		if err != nil {
			return nil, err
		}
		f.KVs = append(f.KVs, kv)
	}
	if pkt.Message != "" {
		kv, err := protocol.EncodeMessage(pkt.Message, protocol.MsgInfo)
		if err != nil {
			return nil, err
		}
		f.KVs = append(f.KVs, kv)
	}
	return f, nil
}

// SendData sends pkt as a DATA frame without waiting for room.
func (h *Handler) SendData(pkt Packet) error {
	f, err := dataFrame(h.NextSequence(), pkt)
	if err != nil {
		return err
	}
	return h.Send(f)
}
