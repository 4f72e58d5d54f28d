package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/moond/internal/audit"
	"github.com/stellarlinkco/moond/internal/ledger"
	"github.com/stellarlinkco/moond/internal/paths"
)

func testStage(t *testing.T) *Stage {
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
	require.NoError(t, p.EnsureTree())
	log := audit.New(p.LogsDir)
	stage := NewStage(p, ledger.NewStore(p.LedgerFile, log), log)
	stage.Now = func() int64 { return 1700000000 }
	return stage
}

const rawSession = `{"type":"message","message":{"role":"user","content":[{"type":"text","text":"Decision: keep raw snapshots verbatim."}]}}
`

func TestArchiveWritesRawProjectionThenLedger(t *testing.T) {
	s := testStage(t)
	out, err := s.Archive("S1", "/src/S1.jsonl", []byte(rawSession), "history")
	require.NoError(t, err)
	require.False(t, out.Deduped)

	// Raw and projection files exist where the record points.
	_, err = os.Stat(out.Record.ArchivePath)
	require.NoError(t, err, "raw file")
	_, err = os.Stat(out.Record.ProjectionPath)
	require.NoError(t, err, "projection file")

	records, err := s.Ledger.Read()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "S1", records[0].SessionID)
	require.Equal(t, HashBytes([]byte(rawSession)), records[0].ContentHash)
}

func TestArchiveIdenticalBytesIsIdempotent(t *testing.T) {
	s := testStage(t)
	first, err := s.Archive("S1", "/src/S1.jsonl", []byte(rawSession), "history")
	require.NoError(t, err)

	second, err := s.Archive("S1", "/src/S1.jsonl", []byte(rawSession), "history")
	require.NoError(t, err)
	require.True(t, second.Deduped)
	require.Equal(t, first.Record.ArchivePath, second.Record.ArchivePath)

	records, err := s.Ledger.Read()
	require.NoError(t, err)
	require.Len(t, records, 1, "no new ledger line for duplicate bytes")

	entries, err := os.ReadDir(s.Paths.RawDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no new raw file for duplicate bytes")
}

func TestArchiveDifferentSessionsSameBytesAreDistinct(t *testing.T) {
	s := testStage(t)
	_, err := s.Archive("S1", "/src/S1.jsonl", []byte(rawSession), "history")
	require.NoError(t, err)
	out, err := s.Archive("S2", "/src/S2.jsonl", []byte(rawSession), "history")
	require.NoError(t, err)
	require.False(t, out.Deduped, "dedupe key is (session, hash), not hash alone")
}

func TestSelfHealBackfillsOrphanRaw(t *testing.T) {
	s := testStage(t)
	// Simulate a crash after the raw write: raw exists, no projection,
	// no ledger entry.
	orphan := filepath.Join(s.Paths.RawDir, "1699999000-S9-deadbeef0000.jsonl")
	require.NoError(t, os.WriteFile(orphan, []byte(rawSession), 0o644))

	healed, err := s.SelfHeal("history")
	require.NoError(t, err)
	require.Equal(t, 1, healed)

	_, err = os.Stat(ProjectionPathFor(s.Paths.ProjectionDir, orphan))
	require.NoError(t, err, "projection backfilled")

	idx, err := s.Ledger.Index()
	require.NoError(t, err)
	_, ok := idx.FindByArchivePath(orphan)
	require.True(t, ok, "ledger entry backfilled")

	// A second pass has nothing left to heal.
	healed, err = s.SelfHeal("history")
	require.NoError(t, err)
	require.Equal(t, 0, healed)
}

func TestSanitizeSession(t *testing.T) {
	require.Equal(t, "agent_main_discord", sanitizeSession("agent:main:discord"))
	require.Equal(t, "session", sanitizeSession("::"))
}
