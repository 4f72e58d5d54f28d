// Package continuity writes the handover artifact at session rollover: a
// JSON map linking the outgoing session to its archives, daily memory
// references, and key decisions, so the successor session can pick up the
// thread.
package continuity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stellarlinkco/moond/internal/clock"
	"github.com/stellarlinkco/moond/internal/host"
)

// Map is the continuity artifact. It must carry at least one archive
// reference.
type Map struct {
	SourceSessionID      string   `json:"source_session_id"`
	TargetSessionID      string   `json:"target_session_id"`
	ArchiveRefs          []string `json:"archive_refs"`
	DailyMemoryRefs      []string `json:"daily_memory_refs"`
	KeyDecisions         []string `json:"key_decisions"`
	GeneratedAtEpochSecs int64    `json:"generated_at_epoch_secs"`
}

type Outcome struct {
	MapPath         string
	TargetSessionID string
	RolloverOK      bool
}

type Builder struct {
	Dir  string // <moon_home>/continuity
	Host host.Host
	Now  func() int64
}

func NewBuilder(moonHome string, h host.Host) *Builder {
	return &Builder{Dir: filepath.Join(moonHome, "continuity"), Host: h, Now: clock.NowEpoch}
}

func rolloverEnabled() bool {
	v := strings.TrimSpace(os.Getenv("MOON_ENABLE_SESSION_ROLLOVER"))
	return v == "1" || strings.EqualFold(v, "true")
}

// ExtractKeyDecisions pulls decision-bearing lines out of a normalised
// summary block, capped at eight.
func ExtractKeyDecisions(summary string) []string {
	var out []string
	for _, raw := range strings.Split(summary, "\n") {
		line := strings.TrimSpace(raw)
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "decision") || strings.Contains(lower, "rule") ||
			strings.Contains(lower, "milestone") || strings.Contains(lower, "next") {
			out = append(out, line)
		}
		if len(out) >= 8 {
			break
		}
	}
	return out
}

// Build writes a continuity map for the given source session. Session
// rollover is opt-in; when disabled (or failing) the target id is a
// pending placeholder and RolloverOK is false.
func (b *Builder) Build(ctx context.Context, sourceSessionID string, archiveRefs, dailyMemoryRefs, keyDecisions []string) (Outcome, error) {
	if len(archiveRefs) == 0 {
		return Outcome{}, fmt.Errorf("continuity map requires at least one archive reference")
	}

	ts := b.Now()
	target := fmt.Sprintf("pending-%d", ts)
	rolloverOK := false
	if rolloverEnabled() && b.Host != nil {
		if id, err := b.Host.NewSession(ctx); err == nil {
			target = id
			rolloverOK = true
		}
	}

	m := Map{
		SourceSessionID:      sourceSessionID,
		TargetSessionID:      target,
		ArchiveRefs:          archiveRefs,
		DailyMemoryRefs:      dailyMemoryRefs,
		KeyDecisions:         keyDecisions,
		GeneratedAtEpochSecs: ts,
	}

	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return Outcome{}, fmt.Errorf("create continuity dir: %w", err)
	}
	path := filepath.Join(b.Dir, fmt.Sprintf("continuity-%d.json", ts))
	if err := writeJSON(path, m); err != nil {
		return Outcome{}, err
	}
	return Outcome{MapPath: path, TargetSessionID: target, RolloverOK: rolloverOK}, nil
}

func writeJSON(path string, m Map) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal continuity map: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write continuity map: %w", err)
	}
	return nil
}
