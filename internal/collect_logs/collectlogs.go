package collect_logs

import (
	"archive/zip"
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/metadata"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/version"
)

// Options selects what goes into the support archive.
type Options struct {
	// LogFile is the bridge log file. Rotated backups next to it are
	// included as well.
	LogFile string
	// ConfigPath is the configuration file the bridge was started with.
	ConfigPath string
	// Metadata describes the host and session.
	Metadata metadata.Info
}

// CollectLogs creates a zip archive with logs, config, version, metadata and
// system info for diagnostics. Missing inputs are skipped.
func CollectLogs(zipName string, opts Options) (err error) {
	zipFile, err := os.Create(zipName)
	if err != nil {
		return fmt.Errorf("failed to create zip: %w", err)
	}
	defer zipFile.Close()

	zipWriter := zip.NewWriter(zipFile)
	defer func() {
		if cerr := zipWriter.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to finish zip: %w", cerr)
		}
	}()

	if opts.LogFile != "" {
		for _, path := range logFiles(opts.LogFile) {
			_ = addFileToZip(zipWriter, path, filepath.Join("logs", filepath.Base(path))) // Non-fatal
		}
	}

	if opts.ConfigPath != "" {
		if _, err := os.Stat(opts.ConfigPath); err == nil {
			_ = addFileToZip(zipWriter, opts.ConfigPath, filepath.Base(opts.ConfigPath)) // Non-fatal
		}
	}

	if err := addStringToZip(zipWriter, "version.txt", version.Version+"\n"); err != nil {
		return err
	}
	meta, err := json.MarshalIndent(opts.Metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := addStringToZip(zipWriter, "metadata.json", string(meta)+"\n"); err != nil {
		return err
	}
	return addStringToZip(zipWriter, "system-info.txt", getSystemInfo())
}

// logFiles returns the log file and the backups lumberjack rotated next to
// it (name-<timestamp>.ext, possibly gzipped).
func logFiles(logFile string) []string {
	dir := filepath.Dir(logFile)
	ext := filepath.Ext(logFile)
	prefix := strings.TrimSuffix(filepath.Base(logFile), ext) + "-"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if name == filepath.Base(logFile) || strings.HasPrefix(name, prefix) {
			files = append(files, filepath.Join(dir, name))
		}
	}
	return files
}

func addFileToZip(zipWriter *zip.Writer, filename, name string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	w, err := zipWriter.Create(filepath.ToSlash(name))
	if err != nil {
		return err
	}
	_, err = io.Copy(w, file)
	return err
}

func addStringToZip(zipWriter *zip.Writer, filename, content string) error {
	w, err := zipWriter.Create(filename)
	if err != nil {
		return err
	}
	_, err = w.Write([]byte(content))
	return err
}

func getSystemInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "OS: %s\nArch: %s\nGo version: %s\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
	fmt.Fprintf(&b, "NumCPU: %d\nGOMAXPROCS: %d\n", runtime.NumCPU(), runtime.GOMAXPROCS(0))
	if hn, err := os.Hostname(); err == nil {
		fmt.Fprintf(&b, "Hostname: %s\n", hn)
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fmt.Fprintf(&b, "Memory: Alloc=%d TotalAlloc=%d Sys=%d NumGC=%d\n", m.Alloc, m.TotalAlloc, m.Sys, m.NumGC)

	switch runtime.GOOS {
	case "linux":
		if f, err := os.Open("/etc/os-release"); err == nil {
			defer f.Close()
			b.WriteString("/etc/os-release:\n")
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				line := scanner.Text()
				if strings.HasPrefix(line, "NAME=") || strings.HasPrefix(line, "VERSION=") || strings.HasPrefix(line, "PRETTY_NAME=") {
					b.WriteString("  " + line + "\n")
				}
			}
		}
		if out, err := exec.Command("uname", "-r").Output(); err == nil {
			b.WriteString("Kernel: " + strings.TrimSpace(string(out)) + "\n")
		}
	case "darwin":
		if out, err := exec.Command("sw_vers").Output(); err == nil {
			b.WriteString("sw_vers:\n")
			b.WriteString(string(out))
		}
	case "windows":
		if out, err := exec.Command("cmd", "/C", "ver").Output(); err == nil {
			b.WriteString("ver: " + strings.TrimSpace(string(out)) + "\n")
		}
	}

	// The capture tools the live sources depend on.
	if out, err := exec.Command("tcpdump", "--version").CombinedOutput(); err == nil {
		b.WriteString("tcpdump:\n" + string(out))
	}
	return b.String()
}
