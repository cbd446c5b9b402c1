package bridge

import (
	"context"
	"time"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/protocol"
)

// Channel is a source-specific channel token produced by TranslateChannel.
// Sources without a translator receive the channel name as a string.
type Channel interface{}

// ProbeResult describes a device that a source is able to open.
type ProbeResult struct {
	Message  string
	UUID     string
	ChanSet  string
	Channels []string
}

// OpenResult describes an opened device.
type OpenResult struct {
	Message  string
	Warning  string
	DLT      uint32
	UUID     string
	CapIf    string
	ChanSet  string
	Channels []string
}

// Packet is one unit of captured data. Signal, GPS and Message are optional
// and travel in the same DATA frame as the packet.
type Packet struct {
	Timestamp time.Time
	Data      []byte
	Signal    *protocol.Signal
	GPS       *protocol.GPS
	Message   string
}

// Lister enumerates the interfaces a source could capture from.
type Lister interface {
	ListInterfaces(ctx context.Context, seq uint32) ([]protocol.Interface, string, error)
}

// Prober checks whether a definition names a usable device.
type Prober interface {
	Probe(ctx context.Context, seq uint32, definition string) (ProbeResult, error)
}

// Opener opens the device named by a definition.
type Opener interface {
	Open(ctx context.Context, seq uint32, definition string) (OpenResult, error)
}

// Capturer fetches one unit of data per call. io.EOF ends the capture.
type Capturer interface {
	Capture(ctx context.Context) (Packet, error)
}

// ChannelTranslator converts a channel name into the token handed to
// ControlChannel.
type ChannelTranslator interface {
	TranslateChannel(name string) (Channel, error)
}

// ChannelController tunes the device to a channel.
type ChannelController interface {
	ControlChannel(ctx context.Context, seq uint32, ch Channel) (string, error)
}

// ChannelFreer releases a token returned by TranslateChannel.
type ChannelFreer interface {
	FreeChannel(ch Channel)
}

// SpectrumConfigurer applies a SPECSET request.
type SpectrumConfigurer interface {
	ConfigureSpectrum(ctx context.Context, seq uint32, spec protocol.SpecSet) (string, error)
}

// UnknownHandler receives frames of a type the bridge does not handle.
// Returning an error spins the connection down.
type UnknownHandler interface {
	HandleUnknown(ctx context.Context, f *protocol.Frame) error
}

// capabilities is the set of interfaces a source value implements.
type capabilities struct {
	lister     Lister
	prober     Prober
	opener     Opener
	capturer   Capturer
	translator ChannelTranslator
	controller ChannelController
	freer      ChannelFreer
	spectrum   SpectrumConfigurer
	unknown    UnknownHandler
}

func discover(source interface{}) capabilities {
	var c capabilities
	c.lister, _ = source.(Lister)
	c.prober, _ = source.(Prober)
	c.opener, _ = source.(Opener)
	c.capturer, _ = source.(Capturer)
	c.translator, _ = source.(ChannelTranslator)
	c.controller, _ = source.(ChannelController)
	c.freer, _ = source.(ChannelFreer)
	c.spectrum, _ = source.(SpectrumConfigurer)
	c.unknown, _ = source.(UnknownHandler)
	return c
}
