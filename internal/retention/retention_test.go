package retention

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stellarlinkco/moond/internal/audit"
	"github.com/stellarlinkco/moond/internal/config"
	"github.com/stellarlinkco/moond/internal/ledger"
	"github.com/stellarlinkco/moond/internal/state"
)

func retCfg() config.RetentionConfig {
	return config.RetentionConfig{ActiveDays: 7, WarmDays: 30, ColdDays: 31}
}

func TestBucketBoundaries(t *testing.T) {
	cfg := retCfg()
	cases := []struct {
		age  int64
		want string
	}{
		{0, state.BucketActive},
		{7, state.BucketActive},
		{8, state.BucketWarm},
		{30, state.BucketWarm},
		{31, state.BucketCold},
		{100, state.BucketCold},
	}
	for _, tc := range cases {
		if got := Bucket(tc.age, cfg); got != tc.want {
			t.Errorf("Bucket(%d) = %s, want %s", tc.age, got, tc.want)
		}
	}
}

func seedArchive(t *testing.T, dir, base string) ledger.Record {
	t.Helper()
	rawDir := filepath.Join(dir, "raw")
	mlibDir := filepath.Join(dir, "mlib")
	os.MkdirAll(rawDir, 0o755)
	os.MkdirAll(mlibDir, 0o755)
	raw := filepath.Join(rawDir, base+".jsonl")
	proj := filepath.Join(mlibDir, base+".md")
	if err := os.WriteFile(raw, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(proj, []byte("# p"), 0o644); err != nil {
		t.Fatal(err)
	}
	return ledger.Record{
		SessionID:      "S-" + base,
		ArchivePath:    raw,
		ProjectionPath: proj,
		ContentHash:    "h-" + base,
	}
}

const day = int64(86_400)

func TestColdUndistilledIsRetained(t *testing.T) {
	dir := t.TempDir()
	rec := seedArchive(t, dir, "cold")
	rec.CreatedAtEpochSecs = 0

	r := NewReaper(audit.New(filepath.Join(dir, "logs")))
	r.Now = func() int64 { return 40 * day }

	st := state.Defaults()
	st.Marks(rec.ArchivePath).Indexed = true // staged but never distilled

	sum := r.Sweep(ledger.BuildIndex([]ledger.Record{rec}), st, retCfg())
	if sum.Removed != 0 || sum.Retained != 1 {
		t.Errorf("summary = %+v, want retained", sum)
	}
	if _, err := os.Stat(rec.ArchivePath); err != nil {
		t.Error("undistilled cold archive must not be deleted")
	}
}

func TestColdDistilledIsDeletedProjectionFirst(t *testing.T) {
	dir := t.TempDir()
	rec := seedArchive(t, dir, "cold")
	rec.CreatedAtEpochSecs = 0

	r := NewReaper(audit.New(filepath.Join(dir, "logs")))
	r.Now = func() int64 { return 40 * day }

	st := state.Defaults()
	marks := st.Marks(rec.ArchivePath)
	marks.Indexed = true
	marks.L1Distilled = true
	marks.L1DistilledAtSecs = 38 * day // marker older than a day

	sum := r.Sweep(ledger.BuildIndex([]ledger.Record{rec}), st, retCfg())
	if sum.Removed != 1 {
		t.Fatalf("summary = %+v, want one removal", sum)
	}
	if _, err := os.Stat(rec.ArchivePath); !os.IsNotExist(err) {
		t.Error("raw file should be gone")
	}
	if _, err := os.Stat(rec.ProjectionPath); !os.IsNotExist(err) {
		t.Error("projection should be gone")
	}
	if st.Archives[rec.ArchivePath] != nil {
		t.Error("state entry should be dropped after deletion")
	}
}

func TestFreshDistillMarkerDefersDeletion(t *testing.T) {
	dir := t.TempDir()
	rec := seedArchive(t, dir, "cold")
	rec.CreatedAtEpochSecs = 0

	r := NewReaper(audit.New(filepath.Join(dir, "logs")))
	r.Now = func() int64 { return 40 * day }

	st := state.Defaults()
	marks := st.Marks(rec.ArchivePath)
	marks.Indexed = true
	marks.L1Distilled = true
	marks.L1DistilledAtSecs = 40*day - 100 // distilled moments ago

	sum := r.Sweep(ledger.BuildIndex([]ledger.Record{rec}), st, retCfg())
	if sum.Removed != 0 || sum.Retained != 1 {
		t.Errorf("summary = %+v, fresh marker must defer deletion", sum)
	}
}

func TestSweepRefreshesBuckets(t *testing.T) {
	dir := t.TempDir()
	recActive := seedArchive(t, dir, "active")
	recActive.CreatedAtEpochSecs = 39 * day
	recWarm := seedArchive(t, dir, "warm")
	recWarm.CreatedAtEpochSecs = 20 * day

	r := NewReaper(audit.New(filepath.Join(dir, "logs")))
	r.Now = func() int64 { return 40 * day }

	st := state.Defaults()
	st.Marks(recActive.ArchivePath).Indexed = true
	st.Marks(recWarm.ArchivePath).Indexed = true

	sum := r.Sweep(ledger.BuildIndex([]ledger.Record{recActive, recWarm}), st, retCfg())
	if sum.Active != 1 || sum.Warm != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if st.Archives[recActive.ArchivePath].RetentionBucket != state.BucketActive {
		t.Error("active bucket not recorded")
	}
	if st.Archives[recWarm.ArchivePath].RetentionBucket != state.BucketWarm {
		t.Error("warm bucket not recorded")
	}
	if st.LastRetentionEpochSecs != 40*day {
		t.Error("sweep timestamp not recorded")
	}
}

func TestLedgerRecordsBecomeTombstones(t *testing.T) {
	dir := t.TempDir()
	rec := seedArchive(t, dir, "cold")
	rec.CreatedAtEpochSecs = 0

	r := NewReaper(audit.New(filepath.Join(dir, "logs")))
	r.Now = func() int64 { return 40 * day }

	st := state.Defaults()
	marks := st.Marks(rec.ArchivePath)
	marks.Indexed = true
	marks.L1Distilled = true
	marks.L1DistilledAtSecs = 38 * day

	idx := ledger.BuildIndex([]ledger.Record{rec})
	r.Sweep(idx, st, retCfg())

	// The reaper never rewrites the ledger; the record stays behind.
	if idx.Len() != 1 {
		t.Error("ledger index must be untouched by retention")
	}
}
