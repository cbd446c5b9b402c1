package bridge

import (
	"context"
	"errors"
	"fmt"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/protocol"
)

// dispatch handles one request frame. Failures of the source are answered
// on the wire; an error return means the request could not be answered at
// all and the connection should spin down.
func (h *Handler) dispatch(ctx context.Context, f *protocol.Frame) error {
	h.log.Debug("received %s seq=%d with %d records", f.TypeName, f.Sequence, len(f.KVs))

	switch f.Type {
	case protocol.TypePing:
		h.touchPing()
		return h.reply(protocol.NewFrame(protocol.TypePong, f.Sequence))
	case protocol.TypeListInterfaces:
		return h.handleList(ctx, f)
	case protocol.TypeProbeDevice:
		return h.handleProbe(ctx, f)
	case protocol.TypeOpenDevice:
		return h.handleOpen(ctx, f)
	case protocol.TypeConfigure:
		return h.handleConfigure(ctx, f)
	default:
		return h.handleUnknown(ctx, f)
	}
}

// reply queues a response. A full outbound buffer drops the response.
func (h *Handler) reply(f *protocol.Frame) error {
	err := h.Send(f)
	if errors.Is(err, ErrNoSpace) {
		h.log.Warn("outbound buffer full, dropped %s seq=%d", f.TypeName, f.Sequence)
		return nil
	}
	return err
}

// respond sends a typed response led by SUCCESS and an optional MESSAGE.
func (h *Handler) respond(t protocol.FrameType, seq uint32, ok bool, msg string, kvs ...protocol.KV) error {
	records := []protocol.KV{protocol.EncodeSuccess(ok, seq)}
	if msg != "" {
		flags := protocol.MsgInfo
		if !ok {
			flags = protocol.MsgError
		}
		kv, err := protocol.EncodeMessage(msg, flags)
		if err != nil {
			return err
		}
		records = append(records, kv)
	}
	records = append(records, kvs...)
	return h.reply(protocol.NewFrame(t, seq, records...))
}

func (h *Handler) fail(t protocol.FrameType, seq uint32, msg string) error {
	h.log.Warn("%s seq=%d failed: %s", t, seq, msg)
	return h.respond(t, seq, false, msg)
}

func definition(f *protocol.Frame) (string, bool) {
	kv, ok := f.Find(protocol.KeyDefinition)
	if !ok {
		return "", false
	}
	return kv.String(), true
}

func channelRecords(chanset string, channels []string) ([]protocol.KV, error) {
	var kvs []protocol.KV
	if chanset != "" {
		kvs = append(kvs, protocol.NewStringKV(protocol.KeyChanset, chanset))
	}
	if len(channels) > 0 {
		kv, err := protocol.EncodeChannels(channels)
		if err != nil {
			return nil, err
		}
		kvs = append(kvs, kv)
	}
	return kvs, nil
}

func (h *Handler) handleList(ctx context.Context, f *protocol.Frame) error {
	defer h.Spindown()

	if h.caps.lister == nil {
		empty, err := protocol.EncodeInterfaceList(nil)
		if err != nil {
			return err
		}
		return h.respond(protocol.TypeListResp, f.Sequence, false, "source does not support listing interfaces", empty)
	}

	ifaces, msg, err := h.caps.lister.ListInterfaces(ctx, f.Sequence)
	if err != nil {
		msg = err.Error()
		ifaces = nil
	}
	list, encErr := protocol.EncodeInterfaceList(ifaces)
	if encErr != nil {
		return encErr
	}
	return h.respond(protocol.TypeListResp, f.Sequence, err == nil, msg, list)
}

func (h *Handler) handleProbe(ctx context.Context, f *protocol.Frame) error {
	defer h.Spindown()

	if h.caps.prober == nil {
		return h.fail(protocol.TypeProbeResp, f.Sequence, "source does not support probing")
	}
	def, ok := definition(f)
	if !ok {
		return h.fail(protocol.TypeProbeResp, f.Sequence, "no DEFINITION in probe request")
	}

	res, err := h.caps.prober.Probe(ctx, f.Sequence, def)
	if err != nil {
		return h.fail(protocol.TypeProbeResp, f.Sequence, err.Error())
	}
	kvs, err := channelRecords(res.ChanSet, res.Channels)
	if err != nil {
		return err
	}
	if res.UUID != "" {
		kvs = append(kvs, protocol.NewStringKV(protocol.KeyUUID, res.UUID))
	}
	return h.respond(protocol.TypeProbeResp, f.Sequence, true, res.Message, kvs...)
}

func (h *Handler) handleOpen(ctx context.Context, f *protocol.Frame) error {
	if h.caps.opener == nil {
		return h.fail(protocol.TypeOpenResp, f.Sequence, "source does not support opening a device")
	}
	def, ok := definition(f)
	if !ok {
		return h.fail(protocol.TypeOpenResp, f.Sequence, "no DEFINITION in open request")
	}
	h.stateMu.Lock()
	open := h.capturing
	h.stateMu.Unlock()
	if open {
		return h.fail(protocol.TypeOpenResp, f.Sequence, "device already open")
	}

	res, err := h.caps.opener.Open(ctx, f.Sequence, def)
	if err != nil {
		return h.fail(protocol.TypeOpenResp, f.Sequence, err.Error())
	}

	kvs := []protocol.KV{protocol.EncodeDLT(res.DLT)}
	if res.UUID != "" {
		kvs = append(kvs, protocol.NewStringKV(protocol.KeyUUID, res.UUID))
	}
	if res.CapIf != "" {
		kvs = append(kvs, protocol.NewStringKV(protocol.KeyCapIf, res.CapIf))
	}
	chans, err := channelRecords(res.ChanSet, res.Channels)
	if err != nil {
		return err
	}
	kvs = append(kvs, chans...)
	if res.Warning != "" {
		kvs = append(kvs, protocol.NewStringKV(protocol.KeyWarning, res.Warning))
	}
	if err := h.respond(protocol.TypeOpenResp, f.Sequence, true, res.Message, kvs...); err != nil {
		return err
	}

	h.log.Info("opened %q (dlt %d, uuid %s)", def, res.DLT, res.UUID)
	h.startCapture()
	return nil
}

func (h *Handler) handleConfigure(ctx context.Context, f *protocol.Frame) error {
	if kv, ok := f.Find(protocol.KeyChanset); ok {
		return h.configureChannel(ctx, f.Sequence, kv.String())
	}
	if kv, ok := f.Find(protocol.KeyChanhop); ok {
		return h.configureHop(f.Sequence, kv)
	}
	if kv, ok := f.Find(protocol.KeySpecset); ok {
		return h.configureSpectrum(ctx, f.Sequence, kv)
	}
	return h.fail(protocol.TypeConfigResp, f.Sequence, "unable to parse CHANSET/CHANHOP KV")
}

func (h *Handler) translate(name string) (Channel, error) {
	if h.caps.translator == nil {
		return name, nil
	}
	return h.caps.translator.TranslateChannel(name)
}

func (h *Handler) freeChannels(channels []Channel) {
	if h.caps.freer == nil {
		return
	}
	for _, ch := range channels {
		h.caps.freer.FreeChannel(ch)
	}
}

// configureChannel stops any hopping and tunes to one channel.
func (h *Handler) configureChannel(ctx context.Context, seq uint32, name string) error {
	if h.caps.controller == nil {
		return h.fail(protocol.TypeConfigResp, seq, "source does not support setting channel")
	}
	ch, err := h.translate(name)
	if err != nil {
		return h.fail(protocol.TypeConfigResp, seq, fmt.Sprintf("unable to translate channel %q: %v", name, err))
	}
	defer h.freeChannels([]Channel{ch})

	h.stopHop()

	msg, err := h.caps.controller.ControlChannel(ctx, seq, ch)
	if err != nil {
		return h.fail(protocol.TypeConfigResp, seq, fmt.Sprintf("failed to set channel %s: %v", name, err))
	}
	h.log.Info("channel set to %s", name)
	return h.respond(protocol.TypeConfigResp, seq, true, msg, protocol.NewStringKV(protocol.KeyChanset, name))
}

// configureHop replaces the hop schedule and restarts hopping.
func (h *Handler) configureHop(seq uint32, kv protocol.KV) error {
	if h.caps.controller == nil {
		return h.fail(protocol.TypeConfigResp, seq, "source does not support setting channel")
	}
	req, err := protocol.DecodeChanHop(kv)
	if err != nil {
		return h.fail(protocol.TypeConfigResp, seq, "unable to parse CHANHOP KV")
	}
	if !validHopRate(req.Rate) {
		return h.fail(protocol.TypeConfigResp, seq, fmt.Sprintf("invalid hop rate %g", req.Rate))
	}
	if len(req.Channels) == 0 {
		return h.fail(protocol.TypeConfigResp, seq, "no channels in CHANHOP")
	}
	var warning string
	if h.cfg.MaxHopRate > 0 && req.Rate > h.cfg.MaxHopRate {
		warning = fmt.Sprintf("hop rate %g exceeds the maximum of %g, clamped", req.Rate, h.cfg.MaxHopRate)
		req.Rate = h.cfg.MaxHopRate
	}

	channels := make([]Channel, 0, len(req.Channels))
	for _, name := range req.Channels {
		ch, err := h.translate(name)
		if err != nil {
			h.freeChannels(channels)
			return h.fail(protocol.TypeConfigResp, seq, fmt.Sprintf("unable to translate channel %q: %v", name, err))
		}
		channels = append(channels, ch)
	}

	sched := newHopSchedule(req, channels)
	h.stopHop()
	h.startHop(sched)

	echo, err := protocol.EncodeChanHop(sched.echo())
	if err != nil {
		return err
	}
	kvs := []protocol.KV{echo}
	if warning != "" {
		h.log.Warn("%s", warning)
		kvs = append(kvs, protocol.NewStringKV(protocol.KeyWarning, warning))
	}
	h.log.Info("hopping %d channels at %g/s", len(channels), sched.rate)
	return h.respond(protocol.TypeConfigResp, seq, true, "", kvs...)
}

func (h *Handler) configureSpectrum(ctx context.Context, seq uint32, kv protocol.KV) error {
	if h.caps.spectrum == nil {
		return h.fail(protocol.TypeConfigResp, seq, "source does not support spectrum configuration")
	}
	spec, err := protocol.DecodeSpecSet(kv)
	if err != nil {
		return h.fail(protocol.TypeConfigResp, seq, "unable to parse SPECSET KV")
	}
	if spec.EndMHz < spec.StartMHz {
		return h.fail(protocol.TypeConfigResp, seq, fmt.Sprintf("invalid sweep %d-%d MHz", spec.StartMHz, spec.EndMHz))
	}
	msg, err := h.caps.spectrum.ConfigureSpectrum(ctx, seq, spec)
	if err != nil {
		return h.fail(protocol.TypeConfigResp, seq, err.Error())
	}
	return h.respond(protocol.TypeConfigResp, seq, true, msg)
}

func (h *Handler) handleUnknown(ctx context.Context, f *protocol.Frame) error {
	if h.caps.unknown != nil {
		if err := h.caps.unknown.HandleUnknown(ctx, f); err != nil {
			return fmt.Errorf("%s: %w", f.TypeName, err)
		}
		return nil
	}
	// An unrecognised type has no response type of its own.
	return h.respond(protocol.TypeMessage, f.Sequence, false, "unsupported request")
}
