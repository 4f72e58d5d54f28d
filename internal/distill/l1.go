// Package distill holds the two memory-distillation stages: the L1
// normaliser, a deterministic filter that appends one entry per projection
// to the daily memory file, and the L2 synthesiser, which rewrites the
// durable memory document through a language model.
package distill

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/stellarlinkco/moond/internal/audit"
	"github.com/stellarlinkco/moond/internal/clock"
	"github.com/stellarlinkco/moond/internal/ledger"
	"github.com/stellarlinkco/moond/internal/lockfile"
	"github.com/stellarlinkco/moond/internal/paths"
	"github.com/stellarlinkco/moond/internal/state"
)

const (
	maxSignalLines   = 20
	maxFallbackLines = 12

	entityAnchorsHeader = "## Entity Anchors"
)

var signalKeywords = []string{"decision", "rule", "todo", "next", "milestone"}

// ErrL1Locked is returned when another process holds the L1 lock. The
// watcher skips the stage for a cycle; the manual command surfaces it.
var ErrL1Locked = fmt.Errorf("l1 normalisation lock is already held")

type Normaliser struct {
	Paths          paths.Paths
	Log            *audit.Logger
	TZ             *time.Location
	TopicDiscovery bool
	Now            func() int64
}

func NewNormaliser(p paths.Paths, log *audit.Logger, tz *time.Location, topicDiscovery bool) *Normaliser {
	return &Normaliser{Paths: p, Log: log, TZ: tz, TopicDiscovery: topicDiscovery, Now: clock.NowEpoch}
}

// SelectPending picks the projections eligible for L1 this cycle:
// indexed, not yet distilled, oldest pending day first, lexicographic
// within a day, capped at maxPerCycle. An archive with indexed=false is
// not eligible.
func (n *Normaliser) SelectPending(idx *ledger.Index, st *state.State, maxPerCycle int) []ledger.Record {
	var pending []ledger.Record
	for _, rec := range idx.Chrono {
		marks := st.Archives[rec.ArchivePath]
		if marks == nil || !marks.Indexed || marks.L1Distilled {
			continue
		}
		if _, err := os.Stat(rec.ProjectionPath); err != nil {
			n.Log.Warn(audit.Warning{
				Code:    audit.CodeDistillSourceMissing,
				Stage:   "distill-selection",
				Action:  "resolve-distill-source",
				Session: rec.SessionID,
				Archive: rec.ArchivePath,
				Source:  rec.ProjectionPath,
				Retry:   "retry-next-cycle",
				Reason:  "projection-md-missing",
				Err:     "projection-md-not-found",
			})
			continue
		}
		pending = append(pending, rec)
	}

	sort.SliceStable(pending, func(i, j int) bool {
		di := clock.DayKey(pending[i].CreatedAtEpochSecs, n.TZ)
		dj := clock.DayKey(pending[j].CreatedAtEpochSecs, n.TZ)
		if di != dj {
			return di < dj
		}
		return filepath.Base(pending[i].ProjectionPath) < filepath.Base(pending[j].ProjectionPath)
	})
	if len(pending) > maxPerCycle {
		pending = pending[:maxPerCycle]
	}
	return pending
}

func isSignalLine(line string) bool {
	lower := strings.ToLower(line)
	for _, kw := range signalKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func isNoiseLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "NO_REPLY") {
		return true
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "[poll]") || strings.Contains(lower, "process poll") {
		return true
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[{") {
		return true
	}
	return false
}

// candidateLines pulls the normalised bullet candidates out of a
// projection: summary and tool bullets, minus noise and repeats.
func candidateLines(projectionMD string) []string {
	var out []string
	last := ""
	for _, raw := range strings.Split(projectionMD, "\n") {
		line := strings.TrimSpace(raw)
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		body := strings.TrimSpace(strings.TrimPrefix(line, "- "))
		if body == "" || isNoiseLine(body) || body == last {
			continue
		}
		last = body
		out = append(out, body)
	}
	return out
}

// Entry is one normalised block plus its discovered topic tags.
type Entry struct {
	Block string
	Tags  []string
}

// NormaliseEntry is the deterministic L1 filter: no language model, same
// input gives the same block.
func NormaliseEntry(sessionID, archivePath string, projectionMD []byte) Entry {
	candidates := candidateLines(string(projectionMD))

	var lines []string
	for _, c := range candidates {
		if isSignalLine(c) {
			lines = append(lines, c)
		}
		if len(lines) >= maxSignalLines {
			break
		}
	}
	if len(lines) == 0 {
		limit := maxFallbackLines
		if len(candidates) < limit {
			limit = len(candidates)
		}
		lines = candidates[:limit]
	}

	var b strings.Builder
	b.WriteString("\n\n### " + sessionID + "\n")
	b.WriteString("- archive: " + archivePath + "\n")
	for _, line := range lines {
		b.WriteString("- " + line + "\n")
	}

	return Entry{Block: b.String(), Tags: discoverTags(lines)}
}

// discoverTags extracts backticked identifiers and path-like tokens as
// topic tags.
func discoverTags(lines []string) []string {
	seen := make(map[string]bool)
	var tags []string
	add := func(tag string) {
		tag = strings.Trim(tag, "`.,:;")
		if len(tag) < 3 || seen[tag] {
			return
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	for _, line := range lines {
		parts := strings.Split(line, "`")
		for i := 1; i < len(parts); i += 2 {
			add(parts[i])
		}
		for _, word := range strings.Fields(line) {
			if strings.Count(word, "/") >= 2 || strings.Contains(word, "://") {
				add(word)
			}
		}
	}
	sort.Strings(tags)
	if len(tags) > 16 {
		tags = tags[:16]
	}
	return tags
}

// Run distils one projection into today's daily memory file. The caller
// marks l1_distilled only after a nil return.
func (n *Normaliser) Run(rec ledger.Record) (string, error) {
	lock, _, err := lockfile.Acquire(n.Paths.L1Lock(), lockfile.Payload{
		PID:                os.Getpid(),
		StartedAtEpochSecs: n.Now(),
		Mode:               "l1",
	})
	if err != nil {
		return "", fmt.Errorf("acquire l1 lock: %w", err)
	}
	if lock == nil {
		return "", ErrL1Locked
	}
	defer lock.Release()

	projectionMD, err := os.ReadFile(rec.ProjectionPath)
	if err != nil {
		return "", fmt.Errorf("read projection: %w", err)
	}

	entry := NormaliseEntry(rec.SessionID, rec.ArchivePath, projectionMD)

	dayKey := clock.DayKey(n.Now(), n.TZ)
	dailyPath := n.Paths.DailyMemoryFile(dayKey)
	if err := os.MkdirAll(filepath.Dir(dailyPath), 0o755); err != nil {
		return "", fmt.Errorf("create memory dir: %w", err)
	}

	f, err := os.OpenFile(dailyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open daily memory: %w", err)
	}
	if _, err := f.WriteString(entry.Block); err != nil {
		f.Close()
		return "", fmt.Errorf("append daily memory: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("sync daily memory: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close daily memory: %w", err)
	}

	if n.TopicDiscovery && len(entry.Tags) > 0 {
		if err := rewriteEntityAnchors(dailyPath, entry.Tags); err != nil {
			// Anchors are an index over the entries, not the entries
			// themselves; a failed rewrite is retried on the next append.
			n.Log.Event("distill", "degraded", "entity-anchors rewrite failed: "+err.Error())
		}
	}

	return dailyPath, nil
}

// rewriteEntityAnchors regenerates the tag block at the top of the daily
// file: read the current block, merge the new tags, rewrite the file via
// temp+rename. The entry section of the file is never touched.
func rewriteEntityAnchors(dailyPath string, newTags []string) error {
	raw, err := os.ReadFile(dailyPath)
	if err != nil {
		return fmt.Errorf("read daily memory: %w", err)
	}

	existing, body := splitEntityAnchors(string(raw))
	merged := make(map[string]bool)
	for _, t := range existing {
		merged[t] = true
	}
	for _, t := range newTags {
		merged[t] = true
	}
	tags := make([]string, 0, len(merged))
	for t := range merged {
		tags = append(tags, t)
	}
	sort.Strings(tags)

	var b strings.Builder
	b.WriteString(entityAnchorsHeader + "\n\n")
	for _, t := range tags {
		b.WriteString("`" + t + "` ")
	}
	b.WriteString("\n")
	b.WriteString(body)

	dir := filepath.Dir(dailyPath)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dailyPath)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	return os.Rename(tmpName, dailyPath)
}

// splitEntityAnchors separates the leading anchors block (if any) from
// the entries that follow it.
func splitEntityAnchors(content string) (tags []string, body string) {
	if !strings.HasPrefix(content, entityAnchorsHeader) {
		return nil, content
	}
	lines := strings.SplitN(content, "\n", -1)
	i := 1
	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "`") {
			for _, part := range strings.Split(line, "`") {
				if part = strings.TrimSpace(part); part != "" {
					tags = append(tags, part)
				}
			}
			continue
		}
		break
	}
	return tags, strings.Join(lines[i:], "\n")
}
