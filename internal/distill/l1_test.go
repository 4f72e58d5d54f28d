package distill

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/moond/internal/audit"
	"github.com/stellarlinkco/moond/internal/ledger"
	"github.com/stellarlinkco/moond/internal/lockfile"
	"github.com/stellarlinkco/moond/internal/paths"
	"github.com/stellarlinkco/moond/internal/state"
)

func testPaths(t *testing.T) paths.Paths {
	t.Helper()
	root := t.TempDir()
	p := paths.Paths{
		MoonHome:      root,
		ArchivesDir:   filepath.Join(root, "archives"),
		RawDir:        filepath.Join(root, "archives", "raw"),
		ProjectionDir: filepath.Join(root, "archives", "mlib"),
		LedgerFile:    filepath.Join(root, "archives", "ledger.jsonl"),
		MemoryDir:     filepath.Join(root, "memory"),
		MemoryFile:    filepath.Join(root, "MEMORY.md"),
		StateFile:     filepath.Join(root, "moon", "state", "moon_state.json"),
		LogsDir:       filepath.Join(root, "moon", "logs"),
	}
	if err := p.EnsureTree(); err != nil {
		t.Fatal(err)
	}
	return p
}

const sampleProjection = `---
archive_jsonl_path: /a/raw/one.jsonl
session_id: S1
---

## Conversation Summary

- [user] Decision: rotate the audit log at 10MB.
- [assistant] Rule: never delete undistilled archives.
- [assistant] building... 50%
- [assistant] building... 50%
- [user] chatted about the weather for a while

## Tool Activity

- **exec** {"cmd":"ls"} -> ok
`

func TestNormaliseEntryKeepsSignalLines(t *testing.T) {
	entry := NormaliseEntry("S1", "/a/raw/one.jsonl", []byte(sampleProjection))
	if !strings.Contains(entry.Block, "### S1") {
		t.Error("entry missing session heading")
	}
	if !strings.Contains(entry.Block, "Decision: rotate the audit log") {
		t.Error("decision line dropped")
	}
	if !strings.Contains(entry.Block, "Rule: never delete undistilled archives") {
		t.Error("rule line dropped")
	}
	if strings.Contains(entry.Block, "weather") {
		t.Error("non-signal chatter kept despite signal lines present")
	}
}

func TestNormaliseEntryIsDeterministic(t *testing.T) {
	a := NormaliseEntry("S1", "/a/raw/one.jsonl", []byte(sampleProjection))
	b := NormaliseEntry("S1", "/a/raw/one.jsonl", []byte(sampleProjection))
	if a.Block != b.Block {
		t.Fatal("L1 normalisation must be deterministic")
	}
}

func TestNormaliseEntryFallsBackWithoutSignals(t *testing.T) {
	md := "- plain line one\n- plain line two\n"
	entry := NormaliseEntry("S2", "/a/raw/two.jsonl", []byte(md))
	if !strings.Contains(entry.Block, "plain line one") {
		t.Error("fallback lines missing")
	}
}

func newNormaliser(t *testing.T, p paths.Paths) *Normaliser {
	n := NewNormaliser(p, audit.New(p.LogsDir), time.UTC, false)
	n.Now = func() int64 { return 1700000000 }
	return n
}

func writeProjection(t *testing.T, p paths.Paths, base string) ledger.Record {
	t.Helper()
	projPath := filepath.Join(p.ProjectionDir, base+".md")
	if err := os.WriteFile(projPath, []byte(sampleProjection), 0o644); err != nil {
		t.Fatal(err)
	}
	return ledger.Record{
		SessionID:          "S-" + base,
		ArchivePath:        filepath.Join(p.RawDir, base+".jsonl"),
		ProjectionPath:     projPath,
		ContentHash:        "h-" + base,
		CreatedAtEpochSecs: 1700000000,
	}
}

func TestSelectPendingRequiresIndexedAndNotDistilled(t *testing.T) {
	p := testPaths(t)
	n := newNormaliser(t, p)
	st := state.Defaults()

	recA := writeProjection(t, p, "a")
	recB := writeProjection(t, p, "b")
	recC := writeProjection(t, p, "c")

	st.Marks(recA.ArchivePath).Indexed = true
	// recB not indexed.
	st.Marks(recC.ArchivePath).Indexed = true
	st.Marks(recC.ArchivePath).L1Distilled = true

	idx := ledger.BuildIndex([]ledger.Record{recA, recB, recC})
	pending := n.SelectPending(idx, st, 10)
	if len(pending) != 1 || pending[0].SessionID != "S-a" {
		t.Errorf("pending = %+v, want only S-a", pending)
	}
}

func TestSelectPendingOrdersAndCaps(t *testing.T) {
	p := testPaths(t)
	n := newNormaliser(t, p)
	st := state.Defaults()

	older := writeProjection(t, p, "z-old")
	older.CreatedAtEpochSecs = 1699900000
	newer1 := writeProjection(t, p, "a-new")
	newer2 := writeProjection(t, p, "b-new")
	for _, rec := range []ledger.Record{older, newer1, newer2} {
		st.Marks(rec.ArchivePath).Indexed = true
	}

	idx := ledger.BuildIndex([]ledger.Record{newer2, newer1, older})
	pending := n.SelectPending(idx, st, 2)
	if len(pending) != 2 {
		t.Fatalf("len = %d, want cap of 2", len(pending))
	}
	if pending[0].SessionID != "S-z-old" {
		t.Errorf("oldest day first, got %s", pending[0].SessionID)
	}
	if pending[1].SessionID != "S-a-new" {
		t.Errorf("lexicographic within day, got %s", pending[1].SessionID)
	}
}

func TestSelectPendingWarnsOnMissingProjection(t *testing.T) {
	p := testPaths(t)
	n := newNormaliser(t, p)
	st := state.Defaults()

	rec := writeProjection(t, p, "gone")
	os.Remove(rec.ProjectionPath)
	st.Marks(rec.ArchivePath).Indexed = true

	pending := n.SelectPending(ledger.BuildIndex([]ledger.Record{rec}), st, 10)
	if len(pending) != 0 {
		t.Errorf("missing projection must not be selected")
	}
}

func TestRunAppendsToDailyFile(t *testing.T) {
	p := testPaths(t)
	n := newNormaliser(t, p)
	rec := writeProjection(t, p, "one")

	dailyPath, err := n.Run(rec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if filepath.Base(dailyPath) != "2023-11-14.md" {
		t.Errorf("daily path = %s", dailyPath)
	}

	before, err := os.ReadFile(dailyPath)
	if err != nil {
		t.Fatalf("read daily: %v", err)
	}

	// A second run only appends; the file grows monotonically.
	if _, err := n.Run(rec); err != nil {
		t.Fatalf("second run: %v", err)
	}
	after, err := os.ReadFile(dailyPath)
	if err != nil {
		t.Fatalf("read daily: %v", err)
	}
	if len(after) <= len(before) {
		t.Error("daily file must grow on append")
	}
	if !strings.HasPrefix(string(after), string(before[:20])) {
		t.Error("existing entries must be untouched")
	}
}

func TestRunReturnsErrL1LockedOnContention(t *testing.T) {
	p := testPaths(t)
	n := newNormaliser(t, p)
	rec := writeProjection(t, p, "one")

	held, _, err := lockfile.Acquire(p.L1Lock(), lockfile.Payload{PID: os.Getpid()})
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	if _, err := n.Run(rec); err != ErrL1Locked {
		t.Errorf("err = %v, want ErrL1Locked", err)
	}
}

func TestTopicDiscoveryMaintainsEntityAnchors(t *testing.T) {
	p := testPaths(t)
	n := NewNormaliser(p, audit.New(p.LogsDir), time.UTC, true)
	n.Now = func() int64 { return 1700000000 }

	projPath := filepath.Join(p.ProjectionDir, "tagged.md")
	md := "- Decision: move `ledger.jsonl` under archives/raw/tree\n"
	if err := os.WriteFile(projPath, []byte(md), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := ledger.Record{SessionID: "S-tag", ArchivePath: "/a/raw/tagged.jsonl", ProjectionPath: projPath}

	dailyPath, err := n.Run(rec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	content, err := os.ReadFile(dailyPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(content), entityAnchorsHeader) {
		t.Errorf("daily file should start with anchors block:\n%s", content)
	}
	if !strings.Contains(string(content), "`ledger.jsonl`") {
		t.Error("discovered tag missing from anchors")
	}
	if !strings.Contains(string(content), "### S-tag") {
		t.Error("entry block must survive the anchors rewrite")
	}
}

func TestSplitEntityAnchorsRoundTrip(t *testing.T) {
	content := entityAnchorsHeader + "\n\n`a` `b`\n\n### S1\n- line\n"
	tags, body := splitEntityAnchors(content)
	if len(tags) != 2 || tags[0] != "a" || tags[1] != "b" {
		t.Errorf("tags = %v", tags)
	}
	if !strings.Contains(body, "### S1") {
		t.Errorf("body = %q", body)
	}
}
