// Package lockfile implements the advisory file locks that serialise the
// pipeline across processes: the daemon lock, the L1 lock, and the embed
// lock. Locks are non-blocking; a busy lock surfaces the holder's payload
// so callers can report who owns it.
//
// The on-disk format is two lines: the holder pid alone on the first line
// (so legacy readers that expect a bare PID still succeed), followed by
// the JSON payload.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Payload is the JSON body written by the lock holder.
type Payload struct {
	PID                int    `json:"pid"`
	StartedAtEpochSecs int64  `json:"started_at_epoch_secs"`
	BuildUUID          string `json:"build_uuid,omitempty"`
	WorkspaceRoot      string `json:"workspace_root,omitempty"`
	Mode               string `json:"mode,omitempty"`
	Collection         string `json:"collection,omitempty"`
}

// Lock is a held advisory lock. Release truncates the file and drops the
// flock; the file itself stays behind as a harmless breadcrumb.
type Lock struct {
	f    *os.File
	path string
}

func (l *Lock) Path() string { return l.path }

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = l.f.Truncate(0)
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	if cerr != nil {
		return fmt.Errorf("close %s: %w", l.path, cerr)
	}
	return nil
}

// Acquire takes path with a non-blocking exclusive flock. On success it
// writes payload and returns the held lock. When the lock is busy it
// returns (nil, holder, nil); holder may be nil if the payload on disk is
// unreadable.
func Acquire(path string, payload Payload) (*Lock, *Payload, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open lock %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, ReadPayload(path), nil
		}
		return nil, nil, fmt.Errorf("flock %s: %w", path, err)
	}

	if err := writePayload(f, payload); err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, nil, err
	}
	return &Lock{f: f, path: path}, nil, nil
}

func writePayload(f *os.File, payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal lock payload: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock: %w", err)
	}
	body := fmt.Sprintf("%d\n%s\n", payload.PID, data)
	if _, err := f.WriteString(body); err != nil {
		return fmt.Errorf("write lock payload: %w", err)
	}
	return f.Sync()
}

// ParsePayload decodes a lock file body. It accepts the current two-line
// pid+JSON form, a bare JSON object, and the legacy bare-PID form.
func ParsePayload(raw string) *Payload {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var p Payload
		if err := json.Unmarshal([]byte(line), &p); err == nil {
			return &p
		}
	}
	first := strings.TrimSpace(strings.SplitN(trimmed, "\n", 2)[0])
	if pid, err := strconv.Atoi(first); err == nil {
		return &Payload{PID: pid}
	}
	return nil
}

// ReadPayload reads and parses the payload of a lock file on disk.
func ReadPayload(path string) *Payload {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return ParsePayload(string(raw))
}

// PIDAlive reports whether a process with the given pid exists.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Stale reports whether the holder is dead or has held the lock longer
// than ttlSecs (ttlSecs <= 0 disables the age check).
func (p *Payload) Stale(nowEpoch, ttlSecs int64) bool {
	if p == nil {
		return false
	}
	if !PIDAlive(p.PID) {
		return true
	}
	if ttlSecs > 0 && p.StartedAtEpochSecs > 0 && nowEpoch-p.StartedAtEpochSecs > ttlSecs {
		return true
	}
	return false
}
