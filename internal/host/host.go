// Package host wraps the conversational agent host the daemon watches.
// The host is an external binary; the daemon only ever talks to it by
// spawning short-lived subprocesses with wall-clock timeouts.
package host

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/stellarlinkco/moond/internal/clock"
)

const defaultCommandTimeout = 120 * time.Second

// UsageSnapshot is a point-in-time probe of the host's active session.
type UsageSnapshot struct {
	SessionID           string  `json:"session_id"`
	UsedTokens          int64   `json:"used_tokens"`
	MaxTokens           int64   `json:"max_tokens"`
	UsageRatio          float64 `json:"usage_ratio"`
	CapturedAtEpochSecs int64   `json:"captured_at_epoch_secs"`
	Provider            string  `json:"provider"`
}

// UsageProbe obtains a usage snapshot from the host.
type UsageProbe interface {
	Collect(ctx context.Context) (UsageSnapshot, error)
}

// Host is the mutation surface: inject a note into a session, request
// compaction, and report the host's own compaction mode for drift checks.
type Host interface {
	WriteNote(ctx context.Context, sessionID, note string) error
	Compact(ctx context.Context, sessionID string) (string, error)
	ObservedAuthority(ctx context.Context) (string, error)
	NewSession(ctx context.Context) (string, error)
	// SessionSourcePath resolves a session id to its on-disk transcript.
	SessionSourcePath(sessionID string) (string, bool)
}

// NewSnapshot derives the ratio and clamps a zero max so the ratio stays
// defined.
func NewSnapshot(sessionID string, used, max int64, provider string, capturedAt int64) UsageSnapshot {
	if max <= 0 {
		max = 1
	}
	return UsageSnapshot{
		SessionID:           sessionID,
		UsedTokens:          used,
		MaxTokens:           max,
		UsageRatio:          float64(used) / float64(max),
		CapturedAtEpochSecs: capturedAt,
		Provider:            provider,
	}
}

func runCommand(ctx context.Context, timeout time.Duration, bin string, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return stdout.String(), stderr.String(), fmt.Errorf("command timed out after %s", timeout)
	}
	return stdout.String(), stderr.String(), err
}

// CommandProbe runs the configured probe command and parses its JSON
// snapshot. Field names vary across host versions, so the parse fans out
// over the known spellings.
type CommandProbe struct {
	Bin  string
	Args []string
	Now  func() int64
}

func NewCommandProbe(bin string, args []string) *CommandProbe {
	return &CommandProbe{Bin: bin, Args: args, Now: clock.NowEpoch}
}

func firstInt(root gjson.Result, paths ...string) (int64, bool) {
	for _, p := range paths {
		if v := root.Get(p); v.Exists() {
			return v.Int(), true
		}
	}
	return 0, false
}

// ParseUsage decodes a probe payload into (session, used, max).
func ParseUsage(raw string) (string, int64, int64, error) {
	root := gjson.Parse(raw)
	if !root.IsObject() {
		return "", 0, 0, fmt.Errorf("invalid usage JSON")
	}

	sessionID := root.Get("session_id").String()
	if sessionID == "" {
		sessionID = root.Get("sessionId").String()
	}
	if sessionID == "" {
		sessionID = root.Get("id").String()
	}
	if sessionID == "" {
		sessionID = "current"
	}

	used, ok := firstInt(root,
		"used_tokens", "usedTokens",
		"usage.totalTokens", "usage.inputTokens",
		"tokenUsage.total", "context.usedTokens",
	)
	if !ok {
		return "", 0, 0, fmt.Errorf("usage payload missing used token fields")
	}

	max, ok := firstInt(root,
		"max_tokens", "maxTokens",
		"limits.maxTokens", "context.maxTokens", "tokenUsage.max",
	)
	if !ok {
		max = 200_000
	}
	return sessionID, used, max, nil
}

func (p *CommandProbe) Collect(ctx context.Context) (UsageSnapshot, error) {
	stdout, stderr, err := runCommand(ctx, defaultCommandTimeout, p.Bin, p.Args...)
	if err != nil {
		return UsageSnapshot{}, fmt.Errorf("usage probe %s: %w (stderr: %s)", p.Bin, err, strings.TrimSpace(stderr))
	}
	sessionID, used, max, err := ParseUsage(stdout)
	if err != nil {
		return UsageSnapshot{}, fmt.Errorf("usage probe %s: %w", p.Bin, err)
	}
	return NewSnapshot(sessionID, used, max, "openclaw", p.Now()), nil
}

// CommandHost drives the host binary's session subcommands.
type CommandHost struct {
	Bin         string
	SessionsDir string
}

func NewCommandHost(bin, sessionsDir string) *CommandHost {
	return &CommandHost{Bin: bin, SessionsDir: sessionsDir}
}

func (h *CommandHost) WriteNote(ctx context.Context, sessionID, note string) error {
	_, stderr, err := runCommand(ctx, defaultCommandTimeout, h.Bin, "sessions", "send", sessionID, note)
	if err != nil {
		return fmt.Errorf("host write note: %w (stderr: %s)", err, strings.TrimSpace(stderr))
	}
	return nil
}

func (h *CommandHost) Compact(ctx context.Context, sessionID string) (string, error) {
	stdout, stderr, err := runCommand(ctx, defaultCommandTimeout, h.Bin, "sessions", "compact", sessionID, "--json")
	if err != nil {
		return "", fmt.Errorf("host compact: %w (stderr: %s)", err, strings.TrimSpace(stderr))
	}
	return strings.TrimSpace(stdout), nil
}

func (h *CommandHost) ObservedAuthority(ctx context.Context) (string, error) {
	stdout, _, err := runCommand(ctx, defaultCommandTimeout, h.Bin, "config", "get", "compaction.mode", "--json")
	if err != nil {
		return "", fmt.Errorf("host authority probe: %w", err)
	}
	mode := gjson.Get(stdout, "value").String()
	if mode == "" {
		mode = strings.TrimSpace(stdout)
	}
	return mode, nil
}

func (h *CommandHost) NewSession(ctx context.Context) (string, error) {
	stdout, stderr, err := runCommand(ctx, defaultCommandTimeout, h.Bin, "sessions", "new", "--json")
	if err != nil {
		return "", fmt.Errorf("host new session: %w (stderr: %s)", err, strings.TrimSpace(stderr))
	}
	if id := gjson.Get(stdout, "id").String(); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("host new session: payload missing id")
}

func (h *CommandHost) SessionSourcePath(sessionID string) (string, bool) {
	if strings.TrimSpace(sessionID) == "" {
		return "", false
	}
	for _, ext := range []string{".jsonl", ".json"} {
		candidate := filepath.Join(h.SessionsDir, sessionID+ext)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, true
		}
	}
	return "", false
}

// LatestSessionFile picks the most recently modified transcript in the
// sessions dir; ties break lexicographically for determinism.
func LatestSessionFile(sessionsDir string) (string, bool) {
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		return "", false
	}
	best := ""
	var bestMod int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		mod := info.ModTime().Unix()
		path := filepath.Join(sessionsDir, entry.Name())
		if best == "" || mod > bestMod || (mod == bestMod && path < best) {
			best = path
			bestMod = mod
		}
	}
	return best, best != ""
}
