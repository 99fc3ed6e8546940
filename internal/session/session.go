// Package session probes externally-hosted worker sessions (tui/dashboard
// modes) that produced no owned process handle. It answers three
// questions the idle-detection state machine needs: which port (if any) a
// worker is listening on, whether that worker is busy or idle, and whether
// its process is still alive at all.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/procfs"
)

// Status is the coarse activity state reported by a worker's status endpoint.
type Status string

const (
	StatusBusy        Status = "busy"
	StatusIdle        Status = "idle"
	StatusUnavailable Status = "unavailable"
)

const tcpListenState = 0x0A

// Prober discovers and polls externally-hosted worker sessions.
type Prober struct {
	httpClient *http.Client
	procfs     procfs.FS
}

// New constructs a Prober against the live /proc filesystem.
func New() (*Prober, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &Prober{
		httpClient: &http.Client{Timeout: 2 * time.Second},
		procfs:     fs,
	}, nil
}

// DiscoverEndpoint scans pid's open file descriptors for a TCP socket in
// LISTEN state and returns the port it is bound to. Returns (0, false) if
// none is found or the process cannot be inspected (already exited, no
// permission, etc).
func (p *Prober) DiscoverEndpoint(pid int) (int, bool) {
	proc, err := p.procfs.Proc(pid)
	if err != nil {
		return 0, false
	}

	targets, err := proc.FileDescriptorTargets()
	if err != nil {
		return 0, false
	}

	inodes := make(map[uint64]struct{}, len(targets))
	for _, t := range targets {
		if inode, ok := socketInode(t); ok {
			inodes[inode] = struct{}{}
		}
	}
	if len(inodes) == 0 {
		return 0, false
	}

	if port, ok := findListenPort(p.procfs.NetTCP, inodes); ok {
		return port, true
	}
	if port, ok := findListenPort(p.procfs.NetTCP6, inodes); ok {
		return port, true
	}
	return 0, false
}

func findListenPort(list func() (procfs.NetTCP, error), inodes map[uint64]struct{}) (int, bool) {
	entries, err := list()
	if err != nil {
		return 0, false
	}
	for _, e := range entries {
		if e.St != tcpListenState {
			continue
		}
		if _, owned := inodes[e.Inode]; owned {
			return int(e.LocalPort), true
		}
	}
	return 0, false
}

// socketInode parses a /proc/<pid>/fd target like "socket:[12345]" and
// returns its inode number.
func socketInode(target string) (uint64, bool) {
	const prefix = "socket:["
	if !strings.HasPrefix(target, prefix) || !strings.HasSuffix(target, "]") {
		return 0, false
	}
	digits := target[len(prefix) : len(target)-1]
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// CheckStatus probes the worker's status endpoint on port. A connection
// refusal or timeout reports Unavailable rather than propagating the error
// — from the caller's perspective an unreachable worker IS unavailable.
func (p *Prober) CheckStatus(ctx context.Context, port int) Status {
	url := fmt.Sprintf("http://127.0.0.1:%d/status", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusUnavailable
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return StatusUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return StatusUnavailable
	}

	var body struct {
		Busy bool `json:"busy"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return StatusIdle
	}
	if body.Busy {
		return StatusBusy
	}
	return StatusIdle
}

// IsPidAlive reports whether pid refers to a live process, via a signal-0
// liveness check.
func IsPidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
