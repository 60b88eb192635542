package detector

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/vqtran/scanpipe/internal/domain"
)

// Config holds ClamAV daemon connection settings.
type Config struct {
	Host        string
	Port        int
	DialTimeout time.Duration
	ScanTimeout time.Duration
	ChunkSize   int
}

// Report is the outcome of a single file inspection.
type Report struct {
	Infected           bool
	Threats            []string
	Duration           time.Duration
	DetectorVersion    string
	DefinitionsVersion string
}

// Adapter wraps the clamd TCP protocol. Each scan runs on its own
// connection, so concurrent workers can share one Adapter; the cached
// control connection and version info are mutex-guarded.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	control     net.Conn
	version     string
	definitions string
}

// New creates a new ClamAV adapter. The daemon connection is established
// lazily on first use.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = 2 * time.Minute
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 32 * 1024
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger,
	}
}

func (a *Adapter) addr() string {
	return net.JoinHostPort(a.cfg.Host, fmt.Sprintf("%d", a.cfg.Port))
}

func (a *Adapter) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: a.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", a.addr())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDetectorUnavailable, err)
	}
	return conn, nil
}

// command runs a single clamd command over the cached control connection,
// transparently redialling once if the cached connection has gone bad.
func (a *Adapter) command(ctx context.Context, cmd string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if a.control == nil {
			conn, err := a.dial(ctx)
			if err != nil {
				return "", err
			}
			a.control = conn
		}

		reply, err := roundTrip(a.control, cmd, a.cfg.ScanTimeout)
		if err == nil {
			return reply, nil
		}

		// Cached connection is no longer usable; drop it and retry fresh.
		a.control.Close()
		a.control = nil
	}

	return "", fmt.Errorf("%w: control connection lost", domain.ErrDetectorUnavailable)
}

// roundTrip writes one null-terminated command and reads the
// null-terminated reply.
func roundTrip(conn net.Conn, cmd string, timeout time.Duration) (string, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	if _, err := conn.Write([]byte("z" + cmd + "\x00")); err != nil {
		return "", err
	}
	reply, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(reply, "\x00"), nil
}

// Healthy probes the daemon with PING. It never returns an error; a failed
// probe clears all cached state so the next call attempts a fresh
// connection.
func (a *Adapter) Healthy(ctx context.Context) bool {
	reply, err := a.command(ctx, "PING")
	if err != nil || !strings.Contains(reply, "PONG") {
		a.reset()
		return false
	}
	return true
}

// Version returns the daemon and definitions versions, fetching them on the
// first call and serving the cache afterwards.
func (a *Adapter) Version(ctx context.Context) (string, string, error) {
	return a.ensureVersion(ctx)
}

// reset drops every piece of cached daemon state.
func (a *Adapter) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.control != nil {
		a.control.Close()
		a.control = nil
	}
	a.version = ""
	a.definitions = ""
}

// ensureVersion lazily fetches and caches the daemon and definitions
// versions from the VERSION command. clamd replies like
// "ClamAV 1.2.1/27087/Wed Oct 11 08:31:10 2023".
func (a *Adapter) ensureVersion(ctx context.Context) (string, string, error) {
	a.mu.Lock()
	cachedVersion, cachedDefs := a.version, a.definitions
	a.mu.Unlock()
	if cachedVersion != "" {
		return cachedVersion, cachedDefs, nil
	}

	reply, err := a.command(ctx, "VERSION")
	if err != nil {
		return "", "", err
	}

	version := reply
	definitions := ""
	if parts := strings.Split(reply, "/"); len(parts) >= 2 {
		version = parts[0]
		definitions = parts[1]
	}

	a.mu.Lock()
	a.version = version
	a.definitions = definitions
	a.mu.Unlock()

	return version, definitions, nil
}

// Inspect streams the file at path to the daemon with INSTREAM and
// classifies the verdict. Connection-level failures surface as
// ErrDetectorUnavailable after one transparent redial; a daemon-side scan
// failure surfaces as ErrDetectorError.
func (a *Adapter) Inspect(ctx context.Context, path string) (*Report, error) {
	version, definitions, err := a.ensureVersion(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	reply, err := a.scanOnce(ctx, path)
	if err != nil {
		// One transparent retry for connection-level failures; the daemon
		// may have restarted since the last scan.
		if !isUnavailable(err) {
			return nil, err
		}
		a.reset()
		reply, err = a.scanOnce(ctx, path)
		if err != nil {
			return nil, err
		}
	}

	report := &Report{
		Duration:           time.Since(start),
		DetectorVersion:    version,
		DefinitionsVersion: definitions,
	}

	switch {
	case strings.HasSuffix(reply, "OK"):
		return report, nil
	case strings.HasSuffix(reply, "FOUND"):
		report.Infected = true
		report.Threats = parseThreats(reply)
		return report, nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrDetectorError, reply)
	}
}

// scanOnce runs a single INSTREAM session on a dedicated connection.
func (a *Adapter) scanOnce(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrFileMissing, err)
	}
	defer file.Close()

	conn, err := a.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(a.cfg.ScanTimeout)); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDetectorUnavailable, err)
	}

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDetectorUnavailable, err)
	}

	// Stream the file as length-prefixed chunks; a zero-length chunk
	// terminates the stream.
	buf := make([]byte, a.cfg.ChunkSize)
	size := make([]byte, 4)
	for {
		n, readErr := file.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(size, uint32(n))
			if _, err := conn.Write(size); err != nil {
				return "", fmt.Errorf("%w: %v", domain.ErrDetectorUnavailable, err)
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return "", fmt.Errorf("%w: %v", domain.ErrDetectorUnavailable, err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("failed to read file for scanning: %w", readErr)
		}
	}
	binary.BigEndian.PutUint32(size, 0)
	if _, err := conn.Write(size); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDetectorUnavailable, err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDetectorUnavailable, err)
	}

	return strings.TrimSpace(strings.TrimRight(reply, "\x00")), nil
}

func isUnavailable(err error) bool {
	return errors.Is(err, domain.ErrDetectorUnavailable)
}

// parseThreats extracts the threat names from a FOUND reply, e.g.
// "stream: Eicar-Test-Signature FOUND".
func parseThreats(reply string) []string {
	var threats []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasSuffix(line, "FOUND") {
			continue
		}
		line = strings.TrimSuffix(line, "FOUND")
		if idx := strings.Index(line, ":"); idx >= 0 {
			line = line[idx+1:]
		}
		if name := strings.TrimSpace(line); name != "" {
			threats = append(threats, name)
		}
	}
	return threats
}
