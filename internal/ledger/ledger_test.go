package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stellarlinkco/moond/internal/audit"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(filepath.Join(dir, "ledger.jsonl"), audit.New(filepath.Join(dir, "logs")))
}

func rec(session, hash, archive string, created int64) Record {
	return Record{
		SessionID:          session,
		ArchivePath:        archive,
		ProjectionPath:     archive + ".md",
		ContentHash:        hash,
		CreatedAtEpochSecs: created,
		IndexedCollection:  "history",
	}
}

func TestAppendAndRead(t *testing.T) {
	s := testStore(t)
	if err := s.Append(rec("s1", "h1", "/a/raw/one.jsonl", 100)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(rec("s2", "h2", "/a/raw/two.jsonl", 200)); err != nil {
		t.Fatalf("append: %v", err)
	}

	records, err := s.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len = %d, want 2", len(records))
	}
	if records[0].SessionID != "s1" || records[1].SessionID != "s2" {
		t.Errorf("unexpected order: %+v", records)
	}
}

func TestReadSkipsMalformedLines(t *testing.T) {
	s := testStore(t)
	if err := s.Append(rec("s1", "h1", "/a/raw/one.jsonl", 100)); err != nil {
		t.Fatalf("append: %v", err)
	}
	f, err := os.OpenFile(s.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()
	if err := s.Append(rec("s2", "h2", "/a/raw/two.jsonl", 200)); err != nil {
		t.Fatalf("append: %v", err)
	}

	records, err := s.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len = %d, want 2 (bad line skipped)", len(records))
	}
}

func TestIndexDeduplicatesKeepingEarliest(t *testing.T) {
	s := testStore(t)
	first := rec("s1", "h1", "/a/raw/one.jsonl", 100)
	dup := rec("s1", "h1", "/a/raw/one-dup.jsonl", 300)
	if err := s.Append(first); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(dup); err != nil {
		t.Fatalf("append dup: %v", err)
	}

	idx, err := s.Index()
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if idx.Len() != 1 {
		t.Fatalf("index len = %d, want 1 logical record", idx.Len())
	}
	got, ok := idx.FindByHash("s1", "h1")
	if !ok {
		t.Fatal("FindByHash missed")
	}
	if got.ArchivePath != first.ArchivePath {
		t.Errorf("kept %s, want earliest %s", got.ArchivePath, first.ArchivePath)
	}
}

func TestIndexChronoOrdering(t *testing.T) {
	s := testStore(t)
	for _, r := range []Record{
		rec("s2", "h2", "/a/raw/two.jsonl", 200),
		rec("s1", "h1", "/a/raw/one.jsonl", 100),
		rec("s3", "h3", "/a/raw/three.jsonl", 200),
	} {
		if err := s.Append(r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	idx, err := s.Index()
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	want := []string{"/a/raw/one.jsonl", "/a/raw/three.jsonl", "/a/raw/two.jsonl"}
	for i, rec := range idx.Chrono {
		if rec.ArchivePath != want[i] {
			t.Errorf("chrono[%d] = %s, want %s", i, rec.ArchivePath, want[i])
		}
	}
}

func TestFindByProjectionBasename(t *testing.T) {
	s := testStore(t)
	if err := s.Append(rec("s1", "h1", "/a/raw/one.jsonl", 100)); err != nil {
		t.Fatalf("append: %v", err)
	}
	idx, err := s.Index()
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	got, ok := idx.FindByProjectionBasename("one.jsonl.md")
	if !ok {
		t.Fatal("basename lookup missed")
	}
	if got.SessionID != "s1" {
		t.Errorf("session = %s, want s1", got.SessionID)
	}
}

func TestReadMissingLedgerIsEmpty(t *testing.T) {
	s := testStore(t)
	records, err := s.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("len = %d, want 0", len(records))
	}
}
