// Package embed runs the bounded embed stage against the index backend.
// The daemon never invokes an unbounded embed: the capability probe gates
// the run, a single-flight lock keeps concurrent embedders out, and a
// watcher run additionally respects the cooldown and min-pending gates.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/stellarlinkco/moond/internal/clock"
	"github.com/stellarlinkco/moond/internal/config"
	"github.com/stellarlinkco/moond/internal/index"
	"github.com/stellarlinkco/moond/internal/lockfile"
	"github.com/stellarlinkco/moond/internal/state"
)

// A stuck embedder's lock goes stale after six hours.
const lockStaleTTLSecs = 21_600

// Caller distinguishes watcher runs (skip-and-degrade) from manual runs
// (hard errors).
type Caller string

const (
	CallerWatcher Caller = "watcher"
	CallerManual  Caller = "manual"
)

// Sentinel errors returned to manual callers.
var (
	ErrLocked            = errors.New("embed lock active")
	ErrCapabilityMissing = errors.New("embed capability missing")
	ErrStatusFailed      = errors.New("embed status failed")
)

// Skip reasons in run summaries.
const (
	SkipNone              = "none"
	SkipLocked            = "locked"
	SkipCapabilityMissing = "capability-missing"
	SkipCooldown          = "cooldown"
	SkipBelowMinPending   = "below-min-pending"
)

type Options struct {
	Collection   string
	MaxDocs      int
	DryRun       bool
	Caller       Caller
	MaxCycleSecs int64
}

type Summary struct {
	Collection    string
	Mode          string
	Capability    string
	RequestedDocs int
	SelectedDocs  int
	EmbeddedDocs  int
	PendingBefore int
	PendingAfter  int
	Degraded      bool
	SkipReason    string
}

type doc struct {
	path  string
	mtime int64
}

type Runner struct {
	Backend  index.Backend
	LockPath string
	RootDir  string // projection dir scanned for pending docs
	Now      func() int64
}

func NewRunner(backend index.Backend, lockPath, rootDir string) *Runner {
	return &Runner{Backend: backend, LockPath: lockPath, RootDir: rootDir, Now: clock.NowEpoch}
}

func (r *Runner) projectionDocs() ([]doc, error) {
	var docs []doc
	err := filepath.WalkDir(r.RootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		docs = append(docs, doc{path: path, mtime: info.ModTime().Unix()})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("scan projection dir: %w", err)
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].mtime == docs[j].mtime {
			return docs[i].path < docs[j].path
		}
		return docs[i].mtime < docs[j].mtime
	})
	return docs, nil
}

func pendingDocs(st *state.State, docs []doc) []doc {
	var out []doc
	for _, d := range docs {
		last, ok := st.EmbeddedProjections[d.path]
		if !ok || d.mtime > last {
			out = append(out, d)
		}
	}
	return out
}

func (r *Runner) summary(opts Options, capability string, pendingBefore int, skip string) Summary {
	return Summary{
		Collection:    opts.Collection,
		Mode:          string(opts.Caller),
		Capability:    capability,
		RequestedDocs: opts.MaxDocs,
		PendingBefore: pendingBefore,
		PendingAfter:  pendingBefore,
		SkipReason:    skip,
	}
}

// Run executes one embed attempt. Watcher callers get a Summary with a
// skip reason instead of an error on every degradable condition; manual
// callers get the sentinel errors. Successful embeds advance the
// per-projection markers in st; failures leave state untouched.
func (r *Runner) Run(ctx context.Context, st *state.State, cfg config.EmbedConfig, opts Options) (Summary, error) {
	now := r.Now()

	docs, err := r.projectionDocs()
	if err != nil {
		return Summary{}, err
	}
	pending := pendingDocs(st, docs)
	pendingBefore := len(pending)

	if opts.Caller == CallerWatcher {
		if !clock.CooldownReady(st.LastEmbedEpochSecs, now, cfg.CooldownSecs) {
			return r.summary(opts, "", pendingBefore, SkipCooldown), nil
		}
		if pendingBefore < cfg.MinPendingDocs {
			return r.summary(opts, "", pendingBefore, SkipBelowMinPending), nil
		}
	}

	maxDocs := opts.MaxDocs
	if maxDocs < 1 {
		maxDocs = 1
	}
	selected := pending
	if len(selected) > maxDocs {
		selected = selected[:maxDocs]
	}
	if len(selected) == 0 {
		return r.summary(opts, "", pendingBefore, SkipNone), nil
	}

	if opts.DryRun {
		s := r.summary(opts, "", pendingBefore, SkipNone)
		s.SelectedDocs = len(selected)
		return s, nil
	}

	probe := r.Backend.ProbeEmbedCapability(ctx)
	if probe.Capability != index.CapabilityBounded {
		if opts.Caller == CallerWatcher {
			s := r.summary(opts, string(probe.Capability), pendingBefore, SkipCapabilityMissing)
			s.SelectedDocs = len(selected)
			s.Degraded = true
			return s, nil
		}
		return Summary{}, fmt.Errorf("%w: %s", ErrCapabilityMissing, probe.Note)
	}

	lock, holder, err := lockfile.Acquire(r.LockPath, lockfile.Payload{
		PID:                os.Getpid(),
		StartedAtEpochSecs: now,
		Mode:               string(opts.Caller),
		Collection:         opts.Collection,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("acquire embed lock: %w", err)
	}
	if lock == nil {
		if holder.Stale(now, lockStaleTTLSecs) {
			// The holder is dead or wedged; the flock dropped with the
			// process, so a skip here only lasts until the next attempt.
			log.Printf("[embed] stale lock holder pid=%d at %s", holder.PID, r.LockPath)
		}
		if opts.Caller == CallerWatcher {
			s := r.summary(opts, string(probe.Capability), pendingBefore, SkipLocked)
			s.SelectedDocs = len(selected)
			s.Degraded = true
			return s, nil
		}
		return Summary{}, fmt.Errorf("%w: another embed worker holds %s", ErrLocked, r.LockPath)
	}
	defer lock.Release()

	embedded, stdout, stderr, err := r.boundedEmbedWithBackoff(ctx, opts, len(selected))
	if err != nil {
		return Summary{}, err
	}
	if index.OutputIndicatesEmbedStatusFailed(stdout, stderr) {
		return Summary{}, fmt.Errorf("%w: backend output reports failure", ErrStatusFailed)
	}

	// The cooldown clock only advances for watcher runs; a manual embed
	// must not push out the next scheduled one.
	if opts.Caller == CallerWatcher {
		st.LastEmbedEpochSecs = now
	}

	for _, d := range selected[:min(embedded, len(selected))] {
		at := now
		if d.mtime > at {
			at = d.mtime
		}
		st.EmbeddedProjections[d.path] = at
		st.Marks(archivePathForProjection(d.path)).Embedded = true
		st.Marks(archivePathForProjection(d.path)).EmbeddedAtSecs = now
	}

	// Drop markers for projections that no longer exist.
	existing := make(map[string]bool, len(docs))
	for _, d := range docs {
		existing[d.path] = true
	}
	for path := range st.EmbeddedProjections {
		if !existing[path] {
			delete(st.EmbeddedProjections, path)
		}
	}

	s := Summary{
		Collection:    opts.Collection,
		Mode:          string(opts.Caller),
		Capability:    string(probe.Capability),
		RequestedDocs: opts.MaxDocs,
		SelectedDocs:  len(selected),
		EmbeddedDocs:  embedded,
		PendingBefore: pendingBefore,
		PendingAfter:  len(pendingDocs(st, docs)),
		SkipReason:    SkipNone,
	}
	return s, nil
}

// boundedEmbedWithBackoff halves the batch on timeout so a slow backend
// still makes progress inside the cycle budget.
func (r *Runner) boundedEmbedWithBackoff(ctx context.Context, opts Options, initial int) (int, string, string, error) {
	maxDocs := initial
	if maxDocs < 1 {
		maxDocs = 1
	}
	timeout := time.Duration(opts.MaxCycleSecs) * time.Second
	for {
		stdout, stderr, err := r.Backend.EmbedBounded(ctx, opts.Collection, maxDocs, timeout)
		if err == nil {
			return maxDocs, stdout, stderr, nil
		}
		if opts.Caller == CallerWatcher && strings.Contains(err.Error(), "timed out") && maxDocs > 1 {
			maxDocs /= 2
			continue
		}
		return 0, stdout, stderr, fmt.Errorf("bounded embed (max_docs=%d): %w", maxDocs, err)
	}
}

// archivePathForProjection maps mlib/<base>.md back to raw/<base>.jsonl.
func archivePathForProjection(projPath string) string {
	base := strings.TrimSuffix(filepath.Base(projPath), ".md")
	return filepath.Join(filepath.Dir(filepath.Dir(projPath)), "raw", base+".jsonl")
}
