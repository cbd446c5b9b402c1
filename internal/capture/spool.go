package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/bridge"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/logger"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/protocol"
	"github.com/google/gopacket/layers"
)

const (
	spoolUUIDTag = "capture_bridge_spool"

	defaultSpoolPoll   = time.Second
	defaultSpoolStable = 2 * time.Second
)

// Spool replays capture files dropped into a directory, oldest first. Files
// are picked up from <dir>/incoming once their modification time is older
// than the stability period, replayed from <dir>/processing and then moved
// to <dir>/processed, or to <dir>/failed when they cannot be read or carry
// the wrong link type. Definitions look like
//
//	/var/spool/bridge:poll=500ms,stable=1s,dlt=EN10MB
//	/var/spool/bridge:drain=true,pps=1000
//
// With drain set the capture ends once incoming is empty.
type Spool struct {
	log    *logger.Logger
	replay *PcapFile

	mu       sync.Mutex
	dir      string
	poll     time.Duration
	stable   time.Duration
	drain    bool
	realtime bool
	pps      int
	linkType layers.LinkType
	current  string
	opened   bool
	files    struct{ processed, failed int }
}

// NewSpool creates an idle spool source.
func NewSpool(log *logger.Logger) *Spool {
	log = log.Named("spool")
	return &Spool{log: log, replay: NewPcapFile(log)}
}

func spoolDirs(dir string) (incoming, processing, processed, failed string) {
	return filepath.Join(dir, "incoming"), filepath.Join(dir, "processing"),
		filepath.Join(dir, "processed"), filepath.Join(dir, "failed")
}

func spoolUUID(def *Definition) string {
	if uuid, ok := def.Flag("uuid"); ok && uuid != "" {
		return uuid
	}
	return fmt.Sprintf("%08X-0000-0000-0000-0000%08X",
		protocol.ChecksumBytes([]byte(spoolUUIDTag)), protocol.ChecksumBytes([]byte(def.Interface())))
}

// isPCAPFile returns true if the filename has a .pcap or .pcapng extension.
func isPCAPFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".pcap") || strings.HasSuffix(lower, ".pcapng")
}

// pending lists the capture files in incoming, oldest first.
func pending(incoming string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(incoming)
	if err != nil {
		return nil, fmt.Errorf("failed to read incoming directory: %w", err)
	}
	var files []os.FileInfo
	for _, entry := range entries {
		if entry.IsDir() || !isPCAPFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, info)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime().Before(files[j].ModTime())
	})
	return files, nil
}

// Probe checks that the definition names a directory.
func (s *Spool) Probe(ctx context.Context, seq uint32, definition string) (bridge.ProbeResult, error) {
	def, err := ParseDefinition(definition)
	if err != nil {
		return bridge.ProbeResult{}, fmt.Errorf("unable to find spool directory in definition: %w", err)
	}
	dir := def.Interface()
	info, err := os.Stat(dir)
	if err != nil {
		return bridge.ProbeResult{}, fmt.Errorf("unable to find spool directory '%s'", dir)
	}
	if !info.IsDir() {
		return bridge.ProbeResult{}, fmt.Errorf("'%s' is not a directory", dir)
	}

	incoming, _, _, _ := spoolDirs(dir)
	files, _ := pending(incoming)
	return bridge.ProbeResult{
		Message: fmt.Sprintf("spool '%s' has %d pending capture files", dir, len(files)),
		UUID:    spoolUUID(def),
	}, nil
}

func durationFlag(def *Definition, name string, fallback time.Duration) (time.Duration, error) {
	v, ok := def.Flag(name)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s value %q", name, v)
	}
	return d, nil
}

// Open creates the spool subdirectories and starts watching incoming. The
// link type every spooled file must carry comes from the dlt flag.
func (s *Spool) Open(ctx context.Context, seq uint32, definition string) (bridge.OpenResult, error) {
	def, err := ParseDefinition(definition)
	if err != nil {
		return bridge.OpenResult{}, fmt.Errorf("unable to find spool directory in definition: %w", err)
	}
	dir := def.Interface()

	poll, err := durationFlag(def, "poll", defaultSpoolPoll)
	if err != nil {
		return bridge.OpenResult{}, err
	}
	if poll == 0 {
		poll = defaultSpoolPoll
	}
	stable, err := durationFlag(def, "stable", defaultSpoolStable)
	if err != nil {
		return bridge.OpenResult{}, err
	}
	dlt := "EN10MB"
	if v, ok := def.Flag("dlt"); ok {
		dlt = strings.ToUpper(v)
	}
	linkType, ok := dltNames[dlt]
	if !ok {
		return bridge.OpenResult{}, fmt.Errorf("unsupported dlt '%s'", dlt)
	}
	realtime := def.BoolFlag("realtime")
	pps := 0
	if v, ok := def.Flag("pps"); ok && !realtime {
		pps, err = strconv.Atoi(v)
		if err != nil || pps < 0 {
			return bridge.OpenResult{}, fmt.Errorf("invalid pps value %q", v)
		}
	}

	incoming, processing, processed, failed := spoolDirs(dir)
	for _, d := range []string{incoming, processing, processed, failed} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return bridge.OpenResult{}, fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}

	s.Close()
	s.mu.Lock()
	s.dir = dir
	s.poll = poll
	s.stable = stable
	s.drain = def.BoolFlag("drain")
	s.realtime = realtime
	s.pps = pps
	s.linkType = linkType
	s.opened = true
	s.files.processed, s.files.failed = 0, 0
	s.mu.Unlock()
	s.replay.resetStats()

	msg := fmt.Sprintf("Watching %s for capture files (poll every %s)", incoming, poll)
	s.log.Info("%s", msg)
	return bridge.OpenResult{
		Message: msg,
		DLT:     uint32(linkType),
		UUID:    spoolUUID(def),
		CapIf:   dir,
	}, nil
}

// Capture returns the next packet of the file being replayed, moving on to
// the next stable file in incoming when it ends.
func (s *Spool) Capture(ctx context.Context) (bridge.Packet, error) {
	for {
		s.mu.Lock()
		opened, current, poll := s.opened, s.current, s.poll
		s.mu.Unlock()
		if !opened {
			return bridge.Packet{}, errors.New("spool not open")
		}

		if current != "" {
			pkt, err := s.replay.Capture(ctx)
			if err == nil {
				return pkt, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return bridge.Packet{}, ctxErr
			}
			s.finish(err)
			continue
		}

		started, err := s.next()
		if err != nil {
			return bridge.Packet{}, err
		}
		if started {
			continue
		}

		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return bridge.Packet{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// next moves the oldest stable file into processing and starts replaying
// it. It reports false when nothing is ready.
func (s *Spool) next() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	incoming, processing, _, failed := spoolDirs(s.dir)

	files, err := pending(incoming)
	if err != nil {
		return false, err
	}
	if len(files) == 0 && s.drain {
		return false, fmt.Errorf("spool '%s' drained after %d files: %w", s.dir, s.files.processed+s.files.failed, io.EOF)
	}

	for _, info := range files {
		if time.Since(info.ModTime()) < s.stable {
			s.log.Debug("File %s not yet stable, skipping", info.Name())
			continue
		}
		procPath := filepath.Join(processing, info.Name())
		if err := os.Rename(filepath.Join(incoming, info.Name()), procPath); err != nil {
			s.log.Warn("Failed to move %s to processing: %v", info.Name(), err)
			continue
		}

		linkType, err := s.replay.openFile(procPath, s.realtime, s.pps)
		if err == nil && linkType != s.linkType {
			s.replay.Close()
			err = fmt.Errorf("link type %s does not match %s", linkType, s.linkType)
		}
		if err != nil {
			s.log.Warn("Skipping %s: %v", info.Name(), err)
			s.files.failed++
			if moveErr := os.Rename(procPath, filepath.Join(failed, info.Name())); moveErr != nil {
				s.log.Warn("Failed to move %s to failed dir: %v", info.Name(), moveErr)
			}
			continue
		}

		s.current = procPath
		s.log.Info("Replaying %s", info.Name())
		return true, nil
	}
	return false, nil
}

// finish retires the current file: a clean end moves it to processed,
// anything else to failed.
func (s *Spool) finish(cause error) {
	s.replay.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == "" {
		return
	}
	_, _, processed, failed := spoolDirs(s.dir)
	name := filepath.Base(s.current)
	dst := filepath.Join(processed, name)
	if errors.Is(cause, io.EOF) {
		s.files.processed++
		s.log.Info("Finished %s", name)
	} else {
		s.files.failed++
		dst = filepath.Join(failed, name)
		s.log.Warn("Replay of %s failed: %v", name, cause)
	}
	if err := os.Rename(s.current, dst); err != nil {
		s.log.Warn("Failed to move %s: %v", name, err)
	}
	s.current = ""
}

// Stats returns replay statistics accumulated across spooled files.
func (s *Spool) Stats() PacketStats {
	return s.replay.Stats()
}

// Close stops replay. A file interrupted mid-replay stays in processing.
func (s *Spool) Close() error {
	err := s.replay.Close()
	s.mu.Lock()
	s.current = ""
	s.opened = false
	s.mu.Unlock()
	return err
}
