package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/capture"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/controller"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/logger"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/protocol"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/joho/godotenv"
)

func parseDuration(s string, defaultDuration time.Duration) time.Duration {
	if s == "" {
		return defaultDuration
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultDuration
	}
	return d
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// settings are the resolved command line and environment values.
type settings struct {
	listen     string
	definition string
	output     string
	duration   time.Duration
	count      int
	channel    string
	hop        string
	hopRate    float64
	spectrum   string
	probe      bool
	list       bool
	logLevel   string
}

func parseSettings(args []string) (settings, error) {
	var s settings
	fs := flag.NewFlagSet("capture-client", flag.ContinueOnError)
	fs.StringVar(&s.listen, "listen", getEnvOrDefault("CAPTURE_LISTEN", "127.0.0.1:3501"), "address the bridge connects to")
	fs.StringVar(&s.definition, "definition", os.Getenv("CAPTURE_DEFINITION"), "source definition to open")
	fs.StringVar(&s.output, "output", getEnvOrDefault("CAPTURE_OUTPUT", "capture.pcap"), "pcap file to record to")
	fs.DurationVar(&s.duration, "duration", parseDuration(os.Getenv("CAPTURE_DURATION"), 0), "stop after this long (0 records until the source ends)")
	fs.IntVar(&s.count, "count", 0, "stop after this many packets (0 means no limit)")
	fs.StringVar(&s.channel, "channel", "", "tune to this channel after opening")
	fs.StringVar(&s.hop, "hop", "", "comma separated channels to hop between after opening")
	fs.Float64Var(&s.hopRate, "hop-rate", 5, "channel hops per second")
	fs.StringVar(&s.spectrum, "spectrum", "", "sweep a frequency range, e.g. 2400MHz-2500MHz")
	fs.BoolVar(&s.probe, "probe", false, "only probe the definition")
	fs.BoolVar(&s.list, "list", false, "only list the interfaces the bridge can use")
	fs.StringVar(&s.logLevel, "log-level", getEnvOrDefault("CAPTURE_LOG_LEVEL", "info"), "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return s, err
	}

	switch {
	case s.list:
	case s.definition == "":
		return s, errors.New("a definition is required. Set CAPTURE_DEFINITION in .env file or use --definition flag")
	case s.channel != "" && s.hop != "":
		return s, errors.New("--channel and --hop are mutually exclusive")
	case s.hopRate <= 0:
		return s, fmt.Errorf("invalid hop rate %v", s.hopRate)
	case s.spectrum != "":
		if _, err := parseSpectrum(s.spectrum); err != nil {
			return s, err
		}
	}
	return s, nil
}

// parseSpectrum turns "START-END" into a sweep request. Plain numbers are Hz.
func parseSpectrum(v string) (protocol.SpecSet, error) {
	start, end, ok := strings.Cut(v, "-")
	if !ok {
		return protocol.SpecSet{}, fmt.Errorf("invalid spectrum %q, want START-END", v)
	}
	lo, err := capture.ParseFrequency(start)
	if err != nil {
		return protocol.SpecSet{}, err
	}
	hi, err := capture.ParseFrequency(end)
	if err != nil {
		return protocol.SpecSet{}, err
	}
	if hi <= lo {
		return protocol.SpecSet{}, fmt.Errorf("invalid spectrum %q: end must be above start", v)
	}
	return protocol.SpecSet{StartMHz: uint64(lo / 1e6), EndMHz: uint64(hi / 1e6)}, nil
}

func main() {
	// An optional .env file supplies defaults for the flags.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: Error loading .env: %v\n", err)
	}

	s, err := parseSettings(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	level, err := logger.ParseLogLevel(s.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	log, err := logger.NewLogger(logger.Config{LogLevel: level})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if s.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.duration)
		defer cancel()
	}

	if err := run(ctx, s, log); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}

// accept waits for one bridge to connect.
func accept(ctx context.Context, addr string, log *logger.Logger) (net.Conn, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	log.Info("Waiting for a bridge on %s (start one with --connect %s)", ln.Addr(), ln.Addr())
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to accept bridge: %w", err)
	}
	log.Info("Bridge connected from %s", conn.RemoteAddr())
	return conn, nil
}

func run(ctx context.Context, s settings, log *logger.Logger) error {
	conn, err := accept(ctx, s.listen, log)
	if err != nil {
		return err
	}
	client := controller.NewClient(conn, log)
	defer client.Close()

	go func() {
		if err := client.KeepAlive(ctx, controller.DefaultPingInterval); err != nil {
			log.Debug("keepalive stopped: %v", err)
		}
	}()

	switch {
	case s.list:
		ifaces, err := client.ListInterfaces(ctx)
		if err != nil {
			return err
		}
		for _, iface := range ifaces {
			if iface.Flags != "" {
				fmt.Printf("%s\t%s\n", iface.Interface, iface.Flags)
			} else {
				fmt.Println(iface.Interface)
			}
		}
		return nil
	case s.probe:
		resp, err := client.Probe(ctx, s.definition)
		if err != nil {
			return err
		}
		fmt.Println(resp.Message)
		return nil
	}

	info, err := client.Open(ctx, s.definition)
	if err != nil {
		return err
	}
	log.Info("Opened %s (dlt %d, uuid %s): %s", info.CapIf, info.DLT, info.UUID, info.Message)

	if err := configure(ctx, client, s, log); err != nil {
		return err
	}
	return record(ctx, client, s, info, log)
}

func configure(ctx context.Context, client *controller.Client, s settings, log *logger.Logger) error {
	switch {
	case s.channel != "":
		if err := client.SetChannel(ctx, s.channel); err != nil {
			return err
		}
		log.Info("Tuned to channel %s", s.channel)
	case s.hop != "":
		hop, err := client.Hop(ctx, protocol.ChanHop{
			Rate:     s.hopRate,
			Channels: capture.AppendUniqueChannels(nil, capture.SplitList(s.hop, ',')),
		})
		if err != nil {
			return err
		}
		log.Info("Hopping %s at %s hops/s", strings.Join(hop.Channels, ","), strconv.FormatFloat(hop.Rate, 'f', -1, 64))
	}

	if s.spectrum != "" {
		spec, err := parseSpectrum(s.spectrum)
		if err != nil {
			return err
		}
		if err := client.ConfigureSpectrum(ctx, spec); err != nil {
			return err
		}
		log.Info("Sweeping %d-%d MHz", spec.StartMHz, spec.EndMHz)
	}
	return nil
}

func record(ctx context.Context, client *controller.Client, s settings, info controller.OpenInfo, log *logger.Logger) error {
	f, err := os.Create(s.output)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", s.output, err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkType(info.DLT)); err != nil {
		return fmt.Errorf("failed to write pcap header: %w", err)
	}

	log.Info("Recording to %s", s.output)
	count, err := client.Record(ctx, w, s.count)
	log.Info("Recorded %d packets to %s", count, s.output)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	case errors.Is(err, controller.ErrBridgeError):
		// The bridge reports the end of its source this way.
		log.Info("%v", err)
		return nil
	default:
		return err
	}
}
