package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"EnigmaNetz/Enigma-Capture-Bridge/config"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/bridge"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/capture"
	collect_logs "EnigmaNetz/Enigma-Capture-Bridge/internal/collect_logs"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/health"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/logger"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/metadata"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/version"
)

func printHelp() {
	fmt.Print(`Capture Bridge - capture source for a remote capture controller

Usage: capture-bridge [collect-logs] [--version|-v] [--help|-h] [options]

Runs one capture session for a controller. The controller either launches the
bridge with a pair of inherited descriptors or the bridge connects to it over TCP.

Options:
  collect-logs        Package logs, config, and diagnostics into a zip archive for support
  --version, -v       Print version and exit
  --help, -h          Show this help message and exit
  --in-fd N           Descriptor to read controller frames from
  --out-fd N          Descriptor to write frames to the controller
  --connect HOST:PORT Connect to a controller listening on HOST:PORT
  --source KIND       Capture source: pcapfile, spool, tcpdump, npcap or live
  --config PATH       Configuration file (JSON or YAML)

Configuration:
  Without --config the bridge looks for /etc/capture-bridge/config.yaml (or
  C:\ProgramData\CaptureBridge\config.yaml on Windows), then config.yaml and
  config.json in the working directory, and falls back to built-in defaults.

Example:
  capture-bridge --connect 127.0.0.1:3501 --source pcapfile
    Connects to a controller and replays pcap files it asks for.

  capture-bridge --in-fd 3 --out-fd 4 --source live
    Captures live traffic for the controller that started the bridge.

  capture-bridge collect-logs --config /etc/capture-bridge/config.yaml
    Packages logs, config, and diagnostics into a zip archive for support.
`)
}

// options are the command line settings.
type options struct {
	inFD       int
	outFD      int
	connect    string
	source     string
	configPath string
}

func parseArgs(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("capture-bridge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&opts.inFD, "in-fd", -1, "descriptor to read controller frames from")
	fs.IntVar(&opts.outFD, "out-fd", -1, "descriptor to write frames to")
	fs.StringVar(&opts.connect, "connect", "", "controller address (host:port)")
	fs.StringVar(&opts.source, "source", "", "capture source kind")
	fs.StringVar(&opts.configPath, "config", "", "configuration file")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return opts, nil
}

// configCandidates lists where a configuration is looked for when none is
// named on the command line.
func configCandidates() []string {
	if runtime.GOOS == "windows" {
		return []string{`C:\ProgramData\CaptureBridge\config.yaml`, "config.yaml", "config.json"}
	}
	return []string{"/etc/capture-bridge/config.yaml", "config.yaml", "config.json"}
}

// loadConfig loads the named file, or the first candidate that exists. It
// returns the path that was used, empty when running on defaults.
func loadConfig(path string, candidates []string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.LoadConfig(path)
		return cfg, path, err
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		cfg, err := config.LoadConfig(candidate)
		return cfg, candidate, err
	}
	return config.Default(), "", nil
}

// checkTransport rejects options naming no transport or both kinds.
func checkTransport(opts options) error {
	switch {
	case opts.connect != "" && (opts.inFD >= 0 || opts.outFD >= 0):
		return errors.New("--connect cannot be combined with --in-fd/--out-fd")
	case opts.connect != "":
		return nil
	case opts.inFD >= 0 && opts.outFD >= 0:
		return nil
	default:
		return errors.New("either --connect or both --in-fd and --out-fd are required")
	}
}

// openConn picks the transport from the options.
func openConn(ctx context.Context, opts options) (bridge.Conn, error) {
	if err := checkTransport(opts); err != nil {
		return nil, err
	}
	if opts.connect != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return bridge.DialTCP(dialCtx, opts.connect)
	}
	return bridge.NewPipeConn(opts.inFD, opts.outFD)
}

func collectLogs(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	cfg, path, err := loadConfig(opts.configPath, configCandidates())
	if err != nil {
		return err
	}
	zipName := fmt.Sprintf("capture-bridge-logs-%s.zip", time.Now().Format("20060102-150405"))
	err = collect_logs.CollectLogs(zipName, collect_logs.Options{
		LogFile:    cfg.Logging.File,
		ConfigPath: path,
		Metadata:   metadata.Collect(cfg.Source.Kind),
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created %s with logs, config, and diagnostics.\n", zipName)
	return nil
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--help", "-h":
			printHelp()
			return
		case "--version", "-v":
			fmt.Println(version.Version)
			return
		case "collect-logs":
			if err := collectLogs(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to collect logs: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}
	os.Exit(run(os.Args[1:]))
}

// statser is implemented by the file replay sources.
type statser interface {
	Stats() capture.PacketStats
}

func run(args []string) int {
	opts, err := parseArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\nRun capture-bridge --help for usage.\n", err)
		return 2
	}
	if err := checkTransport(opts); err != nil {
		fmt.Fprintf(os.Stderr, "%v\nRun capture-bridge --help for usage.\n", err)
		return 2
	}

	cfg, cfgPath, err := loadConfig(opts.configPath, configCandidates())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if opts.source != "" {
		cfg.Source.Kind = opts.source
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
			return 2
		}
	}

	lc, err := cfg.LoggerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}
	log, err := logger.NewLogger(lc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Close()

	meta := metadata.Collect(cfg.Source.Kind)
	log.Info("Capture bridge %s starting (session %s, machine %s, %s %s/%s)",
		meta.Version, meta.SessionID, meta.MachineID, meta.OSVersion, meta.OSName, meta.Architecture)
	if cfgPath != "" {
		log.Info("Loaded config from %s", cfgPath)
	} else {
		log.Info("No config file found, using defaults")
	}

	src, err := capture.NewSource(cfg.Source.Kind, log)
	if err != nil {
		log.Error("Failed to create %s source: %v", cfg.Source.Kind, err)
		return 1
	}
	defer src.Close()

	h, err := bridge.NewHandler(cfg.BridgeConfig(log), src)
	if err != nil {
		log.Error("Failed to create bridge: %v", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Health.Listen != "" {
		hs := health.NewServer(log)
		hs.Track(h)
		go func() {
			if err := hs.ListenAndServe(cfg.Health.Listen); err != nil {
				log.Warn("Health service stopped: %v", err)
			}
		}()
		defer hs.Stop()
	}

	conn, err := openConn(ctx, opts)
	if err != nil {
		log.Error("Failed to connect to controller: %v", err)
		return 1
	}
	defer conn.Close()

	// The first signal drains the connection, a second one stops at once.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			log.Info("Received %s, spinning down", sig)
			h.Spindown()
		case <-ctx.Done():
			return
		}
		select {
		case <-sigChan:
			log.Warn("Received second signal, stopping")
			cancel()
		case <-ctx.Done():
		}
	}()

	err = h.Run(ctx, conn)

	if s, ok := src.(statser); ok {
		if stats := s.Stats(); stats.TotalPackets > 0 {
			log.Info("Replay statistics:\n%s", stats)
		}
	}

	switch {
	case err == nil, errors.Is(err, bridge.ErrRemoteClosed), errors.Is(err, context.Canceled):
		return 0
	default:
		return 1
	}
}
