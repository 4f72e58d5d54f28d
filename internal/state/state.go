// Package state persists the single mutable pipeline document. Writes are
// crash-consistent: serialize to a sibling temp file, fsync, then rename,
// so an observer sees either the pre- or post-state, never a partial
// write. A corrupt state file is quarantined aside and replaced with
// defaults; corruption never aborts the daemon.
package state

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
)

const schemaVersion = 2

// Retention buckets.
const (
	BucketActive = "active"
	BucketWarm   = "warm"
	BucketCold   = "cold"
)

// ArchiveMarks are the per-archive stage flags, keyed by archive path.
type ArchiveMarks struct {
	Indexed           bool   `json:"indexed"`
	Embedded          bool   `json:"embedded"`
	L1Distilled       bool   `json:"l1_distilled"`
	L1DistilledAtSecs int64  `json:"l1_distilled_at_epoch_secs,omitempty"`
	EmbeddedAtSecs    int64  `json:"embedded_at_epoch_secs,omitempty"`
	RetentionBucket   string `json:"retention_bucket,omitempty"`
}

// DaemonInfo records provenance of the lock-holding daemon.
type DaemonInfo struct {
	PID                int    `json:"pid,omitempty"`
	StartedAtEpochSecs int64  `json:"started_at_epoch_secs,omitempty"`
	BuildUUID          string `json:"build_uuid,omitempty"`
	WorkspaceRoot      string `json:"workspace_root,omitempty"`
}

type State struct {
	SchemaVersion     int                      `json:"schema_version"`
	Archives          map[string]*ArchiveMarks `json:"archives"`
	ConsecutivePanics int                      `json:"consecutive_panics"`

	LastHeartbeatEpochSecs  int64  `json:"last_heartbeat_epoch_secs"`
	LastCycleOKEpochSecs    int64  `json:"last_cycle_ok_epoch_secs,omitempty"`
	LastArchiveEpochSecs    int64  `json:"last_archive_trigger_epoch_secs,omitempty"`
	LastCompactionEpochSecs int64  `json:"last_compaction_trigger_epoch_secs,omitempty"`
	LastL1EpochSecs         int64  `json:"last_distill_trigger_epoch_secs,omitempty"`
	LastL2EpochSecs         int64  `json:"last_syns_trigger_epoch_secs,omitempty"`
	LastL2Day               string `json:"last_l2_day,omitempty"`
	LastEmbedEpochSecs      int64  `json:"last_embed_trigger_epoch_secs,omitempty"`
	LastRetentionEpochSecs  int64  `json:"last_retention_sweep_epoch_secs,omitempty"`

	LastSessionID  string  `json:"last_session_id,omitempty"`
	LastUsageRatio float64 `json:"last_usage_ratio,omitempty"`
	LastProvider   string  `json:"last_provider,omitempty"`

	// EmbeddedProjections maps projection path to the epoch at which it
	// was last embedded; a newer mtime makes the doc pending again.
	EmbeddedProjections map[string]int64 `json:"embedded_projections"`

	EmbedCapabilityWarned bool `json:"embed_capability_warned,omitempty"`

	Daemon DaemonInfo `json:"daemon"`
}

func Defaults() *State {
	return &State{
		SchemaVersion:       schemaVersion,
		Archives:            make(map[string]*ArchiveMarks),
		EmbeddedProjections: make(map[string]int64),
	}
}

// Marks returns the marker struct for an archive path, creating it on
// first use.
func (s *State) Marks(archivePath string) *ArchiveMarks {
	if s.Archives == nil {
		s.Archives = make(map[string]*ArchiveMarks)
	}
	m, ok := s.Archives[archivePath]
	if !ok {
		m = &ArchiveMarks{}
		s.Archives[archivePath] = m
	}
	return m
}

type Store struct {
	path string
	now  func() int64
}

func NewStore(path string, now func() int64) *Store {
	return &Store{path: path, now: now}
}

func (s *Store) Path() string { return s.path }

// Load reads the state document. On parse failure the corrupt file is
// copied aside with a .corrupt.<epoch> suffix (best effort) and defaults
// are returned.
func (s *Store) Load() (*State, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Defaults(), nil
		}
		return nil, fmt.Errorf("read state %s: %w", s.path, err)
	}

	st := Defaults()
	if err := json.Unmarshal(raw, st); err != nil {
		backup := s.path + ".corrupt." + strconv.FormatInt(s.now(), 10)
		if werr := os.WriteFile(backup, raw, 0o644); werr == nil {
			log.Printf("[state] corrupt state quarantined to %s: %v", backup, err)
		} else {
			log.Printf("[state] corrupt state could not be quarantined: %v", err)
		}
		return Defaults(), nil
	}
	if st.Archives == nil {
		st.Archives = make(map[string]*ArchiveMarks)
	}
	if st.EmbeddedProjections == nil {
		st.EmbeddedProjections = make(map[string]int64)
	}
	if st.SchemaVersion < schemaVersion {
		st.SchemaVersion = schemaVersion
	}
	return st, nil
}

// Save rewrites the state atomically.
func (s *Store) Save(st *State) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".moon_state-*.tmp")
	if err != nil {
		return fmt.Errorf("create state temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// With loads the state, applies fn, and saves the result. Callers must
// hold the daemon lock; the helper does not serialise across processes.
func (s *Store) With(fn func(*State) error) error {
	st, err := s.Load()
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return s.Save(st)
}
