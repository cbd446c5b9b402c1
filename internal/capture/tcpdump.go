package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/bridge"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/logger"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/protocol"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const tcpdumpUUIDTag = "capture_bridge_tcpdump"

// commandContext is replaced in tests.
var commandContext = exec.CommandContext

// listInterfaces is replaced in tests.
var listInterfaces = net.Interfaces

// dltNames maps the names tcpdump accepts for -y to link types.
var dltNames = map[string]layers.LinkType{
	"EN10MB":           layers.LinkTypeEthernet,
	"LINUX_SLL":        layers.LinkTypeLinuxSLL,
	"RAW":              layers.LinkTypeRaw,
	"IEEE802_11":       layers.LinkTypeIEEE802_11,
	"IEEE802_11_RADIO": layers.LinkTypeIEEE80211Radio,
	"NULL":             layers.LinkTypeNull,
}

// Tcpdump captures live traffic by running tcpdump and reading the pcap
// stream it writes to stdout. Definitions look like
//
//	eth0:filter="port 53",snaplen=256,dlt=EN10MB
//	any
type Tcpdump struct {
	log *logger.Logger

	mu  sync.Mutex
	run *tcpdumpRun
}

// tcpdumpRun is one tcpdump process. Wait closes stdout, so while a read is
// in flight only the reading goroutine may reap it.
type tcpdumpRun struct {
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	stdout   io.ReadCloser
	stderr   *bytes.Buffer
	reader   *pcapgo.Reader
	iface    string
	linkType layers.LinkType
	reading  bool

	reapOnce sync.Once
	waitErr  error
}

// reap stops the process and waits for it to exit.
func (r *tcpdumpRun) reap() error {
	r.reapOnce.Do(func() {
		r.cancel()
		r.waitErr = r.cmd.Wait()
	})
	return r.waitErr
}

// exitError reports why the pcap stream ended. A clean end of stream wraps
// io.EOF. Only valid after reap.
func (r *tcpdumpRun) exitError(err error) error {
	var detail string
	if msg := strings.TrimSpace(r.stderr.String()); msg != "" {
		detail = ": " + msg
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("tcpdump on '%s' exited%s: %w", r.iface, detail, io.EOF)
	}
	return fmt.Errorf("tcpdump on '%s' failed%s: %w", r.iface, detail, err)
}

// NewTcpdump creates an idle tcpdump source.
func NewTcpdump(log *logger.Logger) *Tcpdump {
	return &Tcpdump{log: log.Named("tcpdump")}
}

// ListInterfaces reports the pseudo interface "any" plus every interface
// that is up.
func (c *Tcpdump) ListInterfaces(ctx context.Context, seq uint32) ([]protocol.Interface, string, error) {
	ifaces, err := listInterfaces()
	if err != nil {
		return nil, "", fmt.Errorf("failed to enumerate interfaces: %w", err)
	}
	list := []protocol.Interface{{Interface: "any"}}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		list = append(list, protocol.Interface{Interface: iface.Name})
	}
	return list, "", nil
}

func (c *Tcpdump) lookup(name string) (net.Interface, error) {
	if name == "any" {
		return net.Interface{Name: name}, nil
	}
	ifaces, err := listInterfaces()
	if err != nil {
		return net.Interface{}, fmt.Errorf("failed to enumerate interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Name == name {
			return iface, nil
		}
	}
	return net.Interface{}, fmt.Errorf("no such interface '%s'", name)
}

// interfaceUUID puts the hardware address in the last group when the
// interface has one.
func interfaceUUID(def *Definition, iface net.Interface) string {
	if uuid, ok := def.Flag("uuid"); ok && uuid != "" {
		return uuid
	}
	tag := protocol.ChecksumBytes([]byte(tcpdumpUUIDTag))
	if hw := iface.HardwareAddr; len(hw) == 6 {
		return fmt.Sprintf("%08X-0000-0000-0000-%02X%02X%02X%02X%02X%02X", tag, hw[0], hw[1], hw[2], hw[3], hw[4], hw[5])
	}
	return fmt.Sprintf("%08X-0000-0000-0000-0000%08X", tag, protocol.ChecksumBytes([]byte(iface.Name)))
}

// Probe checks that the interface exists.
func (c *Tcpdump) Probe(ctx context.Context, seq uint32, definition string) (bridge.ProbeResult, error) {
	def, err := ParseDefinition(definition)
	if err != nil {
		return bridge.ProbeResult{}, err
	}
	iface, err := c.lookup(def.Interface())
	if err != nil {
		return bridge.ProbeResult{}, err
	}
	return bridge.ProbeResult{
		Message: fmt.Sprintf("tcpdump can capture from '%s'", iface.Name),
		UUID:    interfaceUUID(def, iface),
	}, nil
}

// tcpdumpArgs builds the command line and picks the link type tcpdump is
// told to produce.
func tcpdumpArgs(def *Definition) ([]string, layers.LinkType, error) {
	dlt := "EN10MB"
	if def.Interface() == "any" {
		dlt = "LINUX_SLL"
	}
	if v, ok := def.Flag("dlt"); ok {
		dlt = strings.ToUpper(v)
	}
	linkType, ok := dltNames[dlt]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported dlt '%s'", dlt)
	}

	if def.FlagCount("filter") > 1 {
		return nil, 0, fmt.Errorf("only one filter may be given")
	}

	snaplen := 0
	if v, ok := def.Flag("snaplen"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, 0, fmt.Errorf("invalid snaplen %q", v)
		}
		snaplen = n
	}

	args := []string{
		"-i", def.Interface(),
		"-w", "-", // pcap stream on stdout
		"-U",      // flush after every packet
		"-n",      // Don't convert addresses
		"-K",      // Don't verify checksums
		"-s", strconv.Itoa(snaplen),
		"-y", dlt,
	}
	if filter, ok := def.Flag("filter"); ok && filter != "" {
		args = append(args, filter)
	}
	return args, linkType, nil
}

// Open starts tcpdump on the interface. The pcap header is read lazily by
// Capture since tcpdump only flushes it with the first packet.
func (c *Tcpdump) Open(ctx context.Context, seq uint32, definition string) (bridge.OpenResult, error) {
	def, err := ParseDefinition(definition)
	if err != nil {
		return bridge.OpenResult{}, err
	}
	iface, err := c.lookup(def.Interface())
	if err != nil {
		return bridge.OpenResult{}, err
	}
	args, linkType, err := tcpdumpArgs(def)
	if err != nil {
		return bridge.OpenResult{}, err
	}

	c.Close()

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := commandContext(runCtx, "tcpdump", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return bridge.OpenResult{}, fmt.Errorf("failed to attach to tcpdump: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	c.log.Debug("Running tcpdump with args: %v", args)
	if err := cmd.Start(); err != nil {
		cancel()
		return bridge.OpenResult{}, fmt.Errorf("failed to start tcpdump: %w", err)
	}

	c.mu.Lock()
	c.run = &tcpdumpRun{
		cmd:      cmd,
		cancel:   cancel,
		stdout:   stdout,
		stderr:   stderr,
		iface:    iface.Name,
		linkType: linkType,
	}
	c.mu.Unlock()

	msg := fmt.Sprintf("Capturing from '%s' with tcpdump", iface.Name)
	c.log.Info("%s (link type %s)", msg, linkType)
	return bridge.OpenResult{
		Message: msg,
		DLT:     uint32(linkType),
		UUID:    interfaceUUID(def, iface),
		CapIf:   iface.Name,
	}, nil
}

// acquire marks the current run as being read.
func (c *Tcpdump) acquire() (*tcpdumpRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil, errors.New("tcpdump not running")
	}
	if c.run.reading {
		return nil, errors.New("tcpdump is already being read")
	}
	c.run.reading = true
	return c.run, nil
}

// release ends a read of r and detaches r if the read failed. It reports
// whether r is still current; if not, the caller reaps it.
func (c *Tcpdump) release(r *tcpdumpRun, failed bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.reading = false
	if c.run != r {
		return false
	}
	if failed {
		c.run = nil
		return false
	}
	return true
}

// Capture returns the next packet from tcpdump. A cancelled context stops
// tcpdump.
func (c *Tcpdump) Capture(ctx context.Context) (bridge.Packet, error) {
	r, err := c.acquire()
	if err != nil {
		return bridge.Packet{}, err
	}
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	pkt, err := c.next(r)
	if c.release(r, err != nil) {
		return pkt, nil
	}
	if werr := r.reap(); werr != nil {
		c.log.Debug("tcpdump exited: %v", werr)
	}
	switch {
	case err == nil:
		return pkt, nil
	case ctx.Err() != nil:
		return bridge.Packet{}, ctx.Err()
	default:
		return bridge.Packet{}, r.exitError(err)
	}
}

func (c *Tcpdump) next(r *tcpdumpRun) (bridge.Packet, error) {
	if r.reader == nil {
		reader, err := pcapgo.NewReader(r.stdout)
		if err != nil {
			return bridge.Packet{}, err
		}
		if reader.LinkType() != r.linkType {
			c.log.Warn("tcpdump produced link type %s, expected %s", reader.LinkType(), r.linkType)
		}
		r.reader = reader
	}
	data, ci, err := r.reader.ReadPacketData()
	if err != nil {
		return bridge.Packet{}, err
	}
	return bridge.Packet{Timestamp: ci.Timestamp, Data: data}, nil
}

// Close stops tcpdump. A Capture blocked on its output reaps the process
// once the read returns.
func (c *Tcpdump) Close() error {
	c.mu.Lock()
	r := c.run
	c.run = nil
	reading := r != nil && r.reading
	c.mu.Unlock()

	if r == nil {
		return nil
	}
	if reading {
		r.cancel()
		return nil
	}
	if err := r.reap(); err != nil {
		c.log.Debug("tcpdump exited: %v", err)
	}
	return nil
}
