// Package archive implements the snapshot+archive stage: copy session
// bytes into archives/raw, render the projection into archives/mlib, then
// append the ledger record. Ordering is mandatory — raw exists, then
// projection exists, then the ledger line is visible — so a crash at any
// point leaves a state the next cycle can heal from.
package archive

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/stellarlinkco/moond/internal/audit"
	"github.com/stellarlinkco/moond/internal/clock"
	"github.com/stellarlinkco/moond/internal/ledger"
	"github.com/stellarlinkco/moond/internal/paths"
	"github.com/stellarlinkco/moond/internal/projection"
)

// HashBytes is the deterministic content hash of snapshot bytes; it is
// the idempotency key for the whole stage.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type Stage struct {
	Paths  paths.Paths
	Ledger *ledger.Store
	Log    *audit.Logger
	Policy projection.Policy
	Now    func() int64
}

func NewStage(p paths.Paths, led *ledger.Store, log *audit.Logger) *Stage {
	return &Stage{Paths: p, Ledger: led, Log: log, Policy: projection.DefaultPolicy(), Now: clock.NowEpoch}
}

// Outcome reports one archive attempt.
type Outcome struct {
	Record  ledger.Record
	Deduped bool
}

func sanitizeSession(sessionID string) string {
	var b strings.Builder
	for _, ch := range sessionID {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
			b.WriteRune(ch)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "session"
	}
	if len(out) > 48 {
		out = out[:48]
	}
	return out
}

// ProjectionPathFor maps a raw archive path to its projection path.
func ProjectionPathFor(projectionDir, rawPath string) string {
	base := strings.TrimSuffix(filepath.Base(rawPath), filepath.Ext(rawPath))
	return filepath.Join(projectionDir, base+".md")
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// Archive snapshots the given session bytes. A snapshot whose (session,
// content hash) pair already has a ledger record is returned as-is; the
// stage is idempotent under duplicate inputs.
func (s *Stage) Archive(sessionID, sourcePath string, raw []byte, collection string) (Outcome, error) {
	hash := HashBytes(raw)

	idx, err := s.Ledger.Index()
	if err != nil {
		return Outcome{}, fmt.Errorf("read ledger: %w", err)
	}
	if rec, ok := idx.FindByHash(sessionID, hash); ok {
		return Outcome{Record: rec, Deduped: true}, nil
	}

	createdAt := s.Now()
	base := fmt.Sprintf("%d-%s-%s", createdAt, sanitizeSession(sessionID), hash[:12])
	rawPath := filepath.Join(s.Paths.RawDir, base+".jsonl")
	projPath := filepath.Join(s.Paths.ProjectionDir, base+".md")

	if err := writeFileAtomic(rawPath, raw); err != nil {
		return Outcome{}, fmt.Errorf("write raw snapshot: %w", err)
	}

	rendered := projection.Render(projection.Input{
		ArchiveJSONLPath:   rawPath,
		SessionID:          sessionID,
		CreatedAtEpochSecs: createdAt,
		Raw:                raw,
	}, s.Policy)
	if err := writeFileAtomic(projPath, rendered.Markdown); err != nil {
		s.Log.Warn(audit.Warning{
			Code:    audit.CodeProjectionWriteFailed,
			Stage:   "archive",
			Action:  "write-projection",
			Session: sessionID,
			Archive: rawPath,
			Source:  sourcePath,
			Retry:   "retry-next-cycle",
			Reason:  "projection-write-failed",
			Err:     err.Error(),
		})
		// The raw file stays behind; the next cycle's self-heal pass
		// backfills the projection and the ledger entry.
		return Outcome{}, fmt.Errorf("write projection: %w", err)
	}

	rec := ledger.Record{
		SessionID:          sessionID,
		SourcePath:         sourcePath,
		ArchivePath:        rawPath,
		ProjectionPath:     projPath,
		ContentHash:        hash,
		CreatedAtEpochSecs: createdAt,
		IndexedCollection:  collection,
		FilteredNoise:      rendered.FilteredNoise,
	}
	if err := s.Ledger.Append(rec); err != nil {
		return Outcome{}, fmt.Errorf("append ledger: %w", err)
	}
	return Outcome{Record: rec}, nil
}

// SelfHeal backfills projections and ledger entries for orphan raw files
// left by a crash between the raw write and the ledger append. Returns
// how many orphans were healed.
func (s *Stage) SelfHeal(collection string) (int, error) {
	entries, err := os.ReadDir(s.Paths.RawDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read raw dir: %w", err)
	}

	idx, err := s.Ledger.Index()
	if err != nil {
		return 0, fmt.Errorf("read ledger: %w", err)
	}

	healed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		rawPath := filepath.Join(s.Paths.RawDir, entry.Name())
		if _, ok := idx.FindByArchivePath(rawPath); ok {
			continue
		}

		raw, err := os.ReadFile(rawPath)
		if err != nil {
			continue
		}
		hash := HashBytes(raw)
		sessionID := sessionFromBasename(entry.Name())
		if rec, ok := idx.FindByHash(sessionID, hash); ok && rec.ArchivePath != rawPath {
			// Duplicate content already ledgered under another basename.
			continue
		}

		createdAt := createdAtFromBasename(entry.Name(), s.Now())
		projPath := ProjectionPathFor(s.Paths.ProjectionDir, rawPath)
		if _, err := os.Stat(projPath); err != nil {
			rendered := projection.Render(projection.Input{
				ArchiveJSONLPath:   rawPath,
				SessionID:          sessionID,
				CreatedAtEpochSecs: createdAt,
				Raw:                raw,
			}, s.Policy)
			if err := writeFileAtomic(projPath, rendered.Markdown); err != nil {
				s.Log.Warn(audit.Warning{
					Code:    audit.CodeProjectionWriteFailed,
					Stage:   "self-heal",
					Action:  "write-projection",
					Session: sessionID,
					Archive: rawPath,
					Retry:   "retry-next-cycle",
					Reason:  "projection-write-failed",
					Err:     err.Error(),
				})
				continue
			}
		}

		rec := ledger.Record{
			SessionID:          sessionID,
			SourcePath:         rawPath,
			ArchivePath:        rawPath,
			ProjectionPath:     projPath,
			ContentHash:        hash,
			CreatedAtEpochSecs: createdAt,
			IndexedCollection:  collection,
		}
		if err := s.Ledger.Append(rec); err != nil {
			return healed, fmt.Errorf("append healed record: %w", err)
		}
		healed++
	}
	return healed, nil
}

// Basenames look like <epoch>-<session>-<hash12>.jsonl.
func sessionFromBasename(name string) string {
	base := strings.TrimSuffix(name, ".jsonl")
	parts := strings.SplitN(base, "-", 2)
	if len(parts) < 2 {
		return "session"
	}
	rest := parts[1]
	if i := strings.LastIndex(rest, "-"); i > 0 {
		return rest[:i]
	}
	return rest
}

func createdAtFromBasename(name string, fallback int64) int64 {
	parts := strings.SplitN(name, "-", 2)
	var epoch int64
	if _, err := fmt.Sscanf(parts[0], "%d", &epoch); err == nil && epoch > 0 {
		return epoch
	}
	return fallback
}
