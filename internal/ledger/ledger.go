// Package ledger is the append-only archive ledger: one JSON line per
// ArchiveRecord under archives/ledger.jsonl. The ledger is the
// authoritative list of archives; pipeline state is a derived overlay.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/stellarlinkco/moond/internal/audit"
)

// Record is one ledger entry. Records are created once by the archive
// stage and never mutated; the retention reaper leaves them behind as
// tombstones after deleting the files they point at.
type Record struct {
	SessionID          string `json:"session_id"`
	SourcePath         string `json:"source_path"`
	ArchivePath        string `json:"archive_path"`
	ProjectionPath     string `json:"projection_path"`
	ContentHash        string `json:"content_hash"`
	CreatedAtEpochSecs int64  `json:"created_at_epoch_secs"`
	IndexedCollection  string `json:"indexed_collection"`
	FilteredNoise      int    `json:"filtered_noise,omitempty"`
}

// Key identifies a logical archive: duplicate appends with the same
// session and content hash collapse into one live record.
type Key struct {
	SessionID   string
	ContentHash string
}

func (r Record) Key() Key {
	return Key{SessionID: r.SessionID, ContentHash: r.ContentHash}
}

type Store struct {
	path string
	log  *audit.Logger
}

func NewStore(path string, log *audit.Logger) *Store {
	return &Store{path: path, log: log}
}

func (s *Store) Path() string { return s.path }

// Append writes one record as a single JSON line. The append is the
// global commit point of the archive stage: an observer that sees the
// line is guaranteed the raw and projection files already exist.
func (s *Store) Append(rec Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	return nil
}

// Read replays the ledger. Malformed lines are skipped individually with a
// LEDGER_READ_FAILED warning; a bad line never fails the whole iteration.
func (s *Store) Read() ([]Record, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.log.Warn(audit.Warning{
				Code:   audit.CodeLedgerReadFailed,
				Stage:  "ledger",
				Action: "parse-line",
				Source: s.path + ":" + strconv.Itoa(lineNo),
				Retry:  "skip-line",
				Reason: "json-parse-failed",
				Err:    err.Error(),
			})
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan ledger: %w", err)
	}
	return out, nil
}

// Index is the in-memory view of the ledger: deduplicated by (session,
// content hash) keeping the earliest record, plus a chronological list.
type Index struct {
	byKey  map[Key]Record
	byPath map[string]Record
	Chrono []Record
}

// Index rebuilds the in-memory view by replaying the JSONL.
func (s *Store) Index() (*Index, error) {
	records, err := s.Read()
	if err != nil {
		return nil, err
	}
	return BuildIndex(records), nil
}

func BuildIndex(records []Record) *Index {
	idx := &Index{byKey: make(map[Key]Record), byPath: make(map[string]Record)}
	for _, rec := range records {
		if _, seen := idx.byKey[rec.Key()]; seen {
			continue
		}
		idx.byKey[rec.Key()] = rec
		idx.byPath[rec.ArchivePath] = rec
		idx.Chrono = append(idx.Chrono, rec)
	}
	sort.SliceStable(idx.Chrono, func(i, j int) bool {
		if idx.Chrono[i].CreatedAtEpochSecs == idx.Chrono[j].CreatedAtEpochSecs {
			return idx.Chrono[i].ArchivePath < idx.Chrono[j].ArchivePath
		}
		return idx.Chrono[i].CreatedAtEpochSecs < idx.Chrono[j].CreatedAtEpochSecs
	})
	return idx
}

func (i *Index) FindByHash(sessionID, contentHash string) (Record, bool) {
	rec, ok := i.byKey[Key{SessionID: sessionID, ContentHash: contentHash}]
	return rec, ok
}

func (i *Index) FindByArchivePath(archivePath string) (Record, bool) {
	rec, ok := i.byPath[archivePath]
	return rec, ok
}

// FindByProjectionBasename resolves a projection file back to its record;
// recall uses it to attach archive paths to matches.
func (i *Index) FindByProjectionBasename(base string) (Record, bool) {
	for _, rec := range i.Chrono {
		if filepath.Base(rec.ProjectionPath) == base {
			return rec, true
		}
	}
	return Record{}, false
}

func (i *Index) Len() int { return len(i.Chrono) }
