// Package watch composes the pipeline stages into the per-cycle state
// machine: usage probe → snapshot/archive → index → embed → compaction
// trigger → L1 normalise → L2 synthesis → retention. Each stage sits
// behind a failure barrier that degrades the cycle instead of failing it;
// only a lock-acquire failure at startup or three consecutive panics stop
// the daemon.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/moond/internal/archive"
	"github.com/stellarlinkco/moond/internal/audit"
	"github.com/stellarlinkco/moond/internal/clock"
	"github.com/stellarlinkco/moond/internal/compact"
	"github.com/stellarlinkco/moond/internal/config"
	"github.com/stellarlinkco/moond/internal/continuity"
	"github.com/stellarlinkco/moond/internal/distill"
	"github.com/stellarlinkco/moond/internal/embed"
	"github.com/stellarlinkco/moond/internal/host"
	"github.com/stellarlinkco/moond/internal/index"
	"github.com/stellarlinkco/moond/internal/ledger"
	"github.com/stellarlinkco/moond/internal/paths"
	"github.com/stellarlinkco/moond/internal/recall"
	"github.com/stellarlinkco/moond/internal/retention"
	"github.com/stellarlinkco/moond/internal/state"
)

// DefaultCollection is the index collection the pipeline maintains.
const DefaultCollection = "history"

const maxConsecutivePanics = 3

// ErrAlreadyRunning is returned when a second daemon races the lock.
var ErrAlreadyRunning = errors.New("moon watcher daemon already running")

// ErrPanicHalt is the catastrophic stop after repeated panics.
var ErrPanicHalt = errors.New("DAEMON_PANIC_HALT: consecutive panic threshold reached")

type Options struct {
	DryRun       bool
	ForceDistill bool
}

// CycleOutcome summarises one cycle for status reporting.
type CycleOutcome struct {
	StateFile        string
	Usage            host.UsageSnapshot
	UsageOK          bool
	Triggers         []string
	Healed           int
	Archive          *archive.Outcome
	IndexedNow       int
	CompactionResult string
	EmbedResult      string
	L1Results        []string
	L2Result         string
	RetentionResult  string
	ContinuityPath   string
	AuthorityOK      bool
	Degraded         bool
}

type Watcher struct {
	Cfg        *config.Config
	Paths      paths.Paths
	Log        *audit.Logger
	Ledger     *ledger.Store
	States     *state.Store
	Probe      host.UsageProbe
	Host       host.Host
	Backend    index.Backend
	Archiver   *archive.Stage
	Embedder   *embed.Runner
	Normaliser *distill.Normaliser
	Synth      *distill.L2
	Reaper     *retention.Reaper
	Continuity *continuity.Builder
	Recaller   *recall.Recaller
	TZ         *time.Location
	BuildUUID  string
	Now        func() int64
}

// New wires the concrete pipeline for a workspace.
func New(cfg *config.Config, p paths.Paths) (*Watcher, error) {
	if err := p.EnsureTree(); err != nil {
		return nil, err
	}
	logger := audit.New(p.LogsDir)
	led := ledger.NewStore(p.LedgerFile, logger)
	tz := clock.LoadLocation(cfg.Distill.ResidentialTimezone)
	backend := index.NewCLIBackend(p.IndexBin)
	cmdHost := host.NewCommandHost("openclaw", p.SessionsDir)

	synthClient, err := distill.NewSynthesiser(cfg.Synthesis)
	if err != nil {
		// A misconfigured provider must not stop the watcher; fall back
		// to the zero-cost local synthesiser and say so.
		log.Printf("[watch] synthesiser unavailable, using local: %v", err)
		synthClient = &distill.LocalSynthesiser{}
	}

	return &Watcher{
		Cfg:        cfg,
		Paths:      p,
		Log:        logger,
		Ledger:     led,
		States:     state.NewStore(p.StateFile, clock.NowEpoch),
		Probe:      host.NewCommandProbe("openclaw", []string{"sessions", "current", "--json"}),
		Host:       cmdHost,
		Backend:    backend,
		Archiver:   archive.NewStage(p, led, logger),
		Embedder:   embed.NewRunner(backend, p.EmbedLock(), p.ProjectionDir),
		Normaliser: distill.NewNormaliser(p, logger, tz, cfg.Distill.TopicDiscovery),
		Synth:      distill.NewL2(p, logger, synthClient, cfg.Synthesis),
		Reaper:     retention.NewReaper(logger),
		Continuity: continuity.NewBuilder(p.MoonHome, cmdHost),
		Recaller:   recall.New(backend, led),
		TZ:         tz,
		BuildUUID:  uuid.NewString(),
		Now:        clock.NowEpoch,
	}, nil
}

func (w *Watcher) contextPolicy() *config.ContextConfig {
	if w.Cfg.Context != nil {
		return w.Cfg.Context
	}
	return nil
}

func (w *Watcher) startRatio() float64 {
	if ctx := w.contextPolicy(); ctx != nil {
		return ctx.CompactionStartRatio
	}
	return w.Cfg.Thresholds.TriggerRatio
}

func (w *Watcher) emergencyRatio() float64 {
	if ctx := w.contextPolicy(); ctx != nil {
		return ctx.CompactionEmergencyRatio
	}
	// Without a context policy the legacy single threshold applies and
	// nothing bypasses the cooldown.
	return 2.0
}

func (w *Watcher) authority() string {
	if ctx := w.contextPolicy(); ctx != nil && ctx.CompactionAuthority != "" {
		return ctx.CompactionAuthority
	}
	return config.AuthorityMoon
}

// RunOnce executes exactly one cycle. Every mutation is recorded in the
// ledger and state before it becomes externally observable, so a crashed
// cycle converges on replay.
func (w *Watcher) RunOnce(ctx context.Context, opts Options) (*CycleOutcome, error) {
	st, err := w.States.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	out := &CycleOutcome{StateFile: w.States.Path(), AuthorityOK: true}
	now := w.Now()

	// Usage probe.
	snap, probeErr := w.Probe.Collect(ctx)
	if probeErr != nil {
		w.Log.Warn(audit.Warning{
			Code:   audit.CodeUsageProbeFailed,
			Stage:  "usage-probe",
			Action: "collect-usage",
			Retry:  "retry-next-cycle",
			Reason: "probe-command-failed",
			Err:    probeErr.Error(),
		})
		out.Degraded = true
	} else {
		out.Usage = snap
		out.UsageOK = true
		st.LastHeartbeatEpochSecs = snap.CapturedAtEpochSecs
		st.LastSessionID = snap.SessionID
		st.LastUsageRatio = snap.UsageRatio
		st.LastProvider = snap.Provider
		now = snap.CapturedAtEpochSecs
	}

	// Self-heal orphan raw files before anything else reads the ledger.
	if !opts.DryRun {
		if healed, err := w.Archiver.SelfHeal(DefaultCollection); err == nil {
			out.Healed = healed
		} else {
			log.Printf("[watch] self-heal failed: %v", err)
		}
	}

	// Threshold evaluation.
	cooldownReady := clock.CooldownReady(max(st.LastArchiveEpochSecs, st.LastCompactionEpochSecs), now, w.Cfg.Watcher.CooldownSecs)
	var decision compact.Decision
	if out.UsageOK {
		ratio := compact.EffectiveRatio(snap, w.contextPolicy())
		decision = compact.Evaluate(ratio, w.startRatio(), w.emergencyRatio(), cooldownReady)
		if decision.ShouldCompact {
			out.Triggers = append(out.Triggers, "archive")
			if w.authority() == config.AuthorityMoon {
				out.Triggers = append(out.Triggers, "compaction")
			}
		}
	}

	if opts.DryRun {
		out.CompactionResult = w.dryRunNote(decision)
		out.EmbedResult = "dry-run: embed skipped"
		out.RetentionResult = "dry-run: retention skipped"
		return out, nil
	}

	// Snapshot + archive.
	if decision.ShouldCompact && out.UsageOK {
		w.runArchive(ctx, st, snap, out, now)
	}

	// Index sync for every unindexed archive, new or retried.
	w.runIndexSync(ctx, st, out)

	// Embed.
	w.runEmbed(ctx, st, out)

	// Compaction trigger.
	if decision.ShouldCompact && out.UsageOK {
		w.runCompaction(ctx, st, snap, out, now)
	} else if out.UsageOK && !decision.ShouldCompact && snap.UsageRatio >= w.startRatio() {
		out.CompactionResult = fmt.Sprintf("skipped reason=cooldown cooldown_secs=%d", w.Cfg.Watcher.CooldownSecs)
	}

	// Policy drift diagnostic; never blocks the cycle.
	if observed, err := w.Host.ObservedAuthority(ctx); err == nil {
		out.AuthorityOK = compact.DriftCheck(w.authority(), observed)
	}

	// L1 normalisation, bounded per cycle.
	w.runL1(ctx, st, out, opts, now)

	// L2 synthesis on residential-day rollover.
	w.runL2(ctx, st, out, now)

	// Retention sweep.
	w.runRetention(st, out)

	st.ConsecutivePanics = 0
	st.LastCycleOKEpochSecs = w.Now()
	if err := w.States.Save(st); err != nil {
		return out, fmt.Errorf("save state: %w", err)
	}
	return out, nil
}

func (w *Watcher) dryRunNote(decision compact.Decision) string {
	if decision.ShouldCompact {
		return "dry-run: would archive and request compaction"
	}
	return "dry-run: no compaction targets selected"
}

func (w *Watcher) runArchive(ctx context.Context, st *state.State, snap host.UsageSnapshot, out *CycleOutcome, now int64) {
	sourcePath, ok := w.Host.SessionSourcePath(snap.SessionID)
	if !ok {
		sourcePath, ok = host.LatestSessionFile(w.Paths.SessionsDir)
	}
	if !ok {
		log.Printf("[watch] no source session file for %s", snap.SessionID)
		out.Degraded = true
		return
	}
	raw, err := os.ReadFile(sourcePath)
	if err != nil {
		log.Printf("[watch] read session source: %v", err)
		out.Degraded = true
		return
	}

	res, err := w.Archiver.Archive(snap.SessionID, sourcePath, raw, DefaultCollection)
	if err != nil {
		log.Printf("[watch] archive failed: %v", err)
		out.Degraded = true
		return
	}
	out.Archive = &res
	if !res.Deduped {
		st.LastArchiveEpochSecs = now
	}
}

func (w *Watcher) runIndexSync(ctx context.Context, st *state.State, out *CycleOutcome) {
	idx, err := w.Ledger.Index()
	if err != nil {
		w.Log.Warn(audit.Warning{
			Code:   audit.CodeLedgerReadFailed,
			Stage:  "index",
			Action: "read-ledger",
			Retry:  "retry-next-cycle",
			Reason: "ledger-read-failed",
			Err:    err.Error(),
		})
		out.Degraded = true
		return
	}

	var pending []ledger.Record
	for _, rec := range idx.Chrono {
		if !st.Marks(rec.ArchivePath).Indexed {
			pending = append(pending, rec)
		}
	}
	if len(pending) == 0 {
		return
	}

	if err := w.Backend.Sync(ctx, DefaultCollection, w.Paths.ArchivesDir, index.ProjectionMask); err != nil {
		for _, rec := range pending {
			w.Log.Warn(audit.Warning{
				Code:    audit.CodeIndexFailed,
				Stage:   "index",
				Action:  "collection-sync",
				Session: rec.SessionID,
				Archive: rec.ArchivePath,
				Source:  rec.ProjectionPath,
				Retry:   "retry-next-cycle",
				Reason:  "index-sync-failed",
				Err:     err.Error(),
			})
		}
		out.Degraded = true
		return
	}
	for _, rec := range pending {
		st.Marks(rec.ArchivePath).Indexed = true
	}
	out.IndexedNow = len(pending)
}

func (w *Watcher) runEmbed(ctx context.Context, st *state.State, out *CycleOutcome) {
	summary, err := w.Embedder.Run(ctx, st, w.Cfg.Embed, embed.Options{
		Collection:   DefaultCollection,
		MaxDocs:      w.Cfg.Embed.MaxDocsPerCycle,
		Caller:       embed.CallerWatcher,
		MaxCycleSecs: w.Cfg.Embed.MaxCycleSecs,
	})
	if err != nil {
		code := audit.CodeEmbedFailed
		if errors.Is(err, embed.ErrStatusFailed) {
			code = audit.CodeEmbedStatusFailed
		}
		w.Log.Warn(audit.Warning{
			Code:   code,
			Stage:  "embed",
			Action: "run-embed",
			Retry:  "retry-next-cycle",
			Reason: "embed-failed",
			Err:    err.Error(),
		})
		out.EmbedResult = "failed: " + err.Error()
		out.Degraded = true
		return
	}

	switch summary.SkipReason {
	case embed.SkipLocked:
		w.Log.Warn(audit.Warning{
			Code:   audit.CodeEmbedLocked,
			Stage:  "embed",
			Action: "acquire-lock",
			Retry:  "retry-next-cycle",
			Reason: "embed-lock-active",
			Err:    "embed-lock-active",
		})
		out.Degraded = true
	case embed.SkipCapabilityMissing:
		// Warn once, not every cycle; the capability will not grow back
		// without an operator upgrading the backend.
		if !st.EmbedCapabilityWarned {
			w.Log.Warn(audit.Warning{
				Code:   audit.CodeEmbedCapabilityMissing,
				Stage:  "embed",
				Action: "check-capability",
				Retry:  "retry-next-cycle",
				Reason: "embed-capability-missing",
				Err:    "backend-embed-missing-max-docs",
			})
			st.EmbedCapabilityWarned = true
		}
		out.Degraded = true
	}
	if summary.Capability == string(index.CapabilityBounded) {
		st.EmbedCapabilityWarned = false
	}

	if summary.EmbeddedDocs > 0 || summary.SkipReason != embed.SkipNone {
		out.EmbedResult = fmt.Sprintf(
			"capability=%s selected=%d embedded=%d pending_before=%d pending_after=%d skip_reason=%s",
			summary.Capability, summary.SelectedDocs, summary.EmbeddedDocs,
			summary.PendingBefore, summary.PendingAfter, summary.SkipReason)
	}
}

func (w *Watcher) runCompaction(ctx context.Context, st *state.State, snap host.UsageSnapshot, out *CycleOutcome, now int64) {
	if w.authority() != config.AuthorityMoon {
		out.CompactionResult = "skipped reason=authority-host"
		return
	}
	archivePath := ""
	if out.Archive != nil {
		archivePath = out.Archive.Record.ArchivePath
	}

	trigger := &compact.Trigger{Host: w.Host, Log: w.Log}
	res, err := trigger.Run(ctx, snap.SessionID, archivePath)
	if err != nil {
		out.CompactionResult = "failed: " + err.Error()
		w.Log.Event("compaction", "degraded", out.CompactionResult)
		out.Degraded = true
		return
	}
	st.LastCompactionEpochSecs = now
	out.CompactionResult = fmt.Sprintf("ok session=%s breadcrumb_ok=%t %s",
		res.SessionID, res.BreadcrumbOK, res.CompactSummary)
	w.Log.Event("compaction", "ok", out.CompactionResult)
}

func (w *Watcher) runL1(ctx context.Context, st *state.State, out *CycleOutcome, opts Options, now int64) {
	if !opts.ForceDistill && !clock.CooldownReady(st.LastL1EpochSecs, now, w.Cfg.Watcher.CooldownSecs) {
		return
	}

	idx, err := w.Ledger.Index()
	if err != nil {
		w.Log.Warn(audit.Warning{
			Code:   audit.CodeLedgerReadFailed,
			Stage:  "distill-selection",
			Action: "read-ledger",
			Retry:  "retry-next-cycle",
			Reason: "ledger-read-failed",
			Err:    err.Error(),
		})
		out.Degraded = true
		return
	}

	pending := w.Normaliser.SelectPending(idx, st, w.Cfg.Distill.MaxPerCycle)
	for _, rec := range pending {
		dailyPath, err := w.Normaliser.Run(rec)
		if err != nil {
			if errors.Is(err, distill.ErrL1Locked) {
				w.Log.Warn(audit.Warning{
					Code:    audit.CodeDistillFailed,
					Stage:   "distill",
					Action:  "acquire-lock",
					Session: rec.SessionID,
					Archive: rec.ArchivePath,
					Retry:   "retry-next-cycle",
					Reason:  "l1-normalisation-lock-active",
					Err:     "l1-normalisation-lock-active",
				})
				out.Degraded = true
				return
			}
			w.Log.Warn(audit.Warning{
				Code:    audit.CodeDistillFailed,
				Stage:   "distill",
				Action:  "run-distill",
				Session: rec.SessionID,
				Archive: rec.ArchivePath,
				Source:  rec.ProjectionPath,
				Retry:   "retry-next-cycle",
				Reason:  "distillation-failed",
				Err:     err.Error(),
			})
			out.Degraded = true
			continue
		}

		marks := st.Marks(rec.ArchivePath)
		marks.L1Distilled = true
		marks.L1DistilledAtSecs = w.Now()
		st.LastL1EpochSecs = now
		out.L1Results = append(out.L1Results, fmt.Sprintf("ok session=%s daily=%s", rec.SessionID, dailyPath))

		if cont, err := w.Continuity.Build(ctx, rec.SessionID,
			[]string{rec.ArchivePath}, []string{dailyPath}, nil); err == nil {
			out.ContinuityPath = cont.MapPath
		} else {
			w.Log.Warn(audit.Warning{
				Code:    audit.CodeContinuityFailed,
				Stage:   "continuity",
				Action:  "build-continuity",
				Session: rec.SessionID,
				Archive: rec.ArchivePath,
				Retry:   "retry-next-cycle",
				Reason:  "continuity-build-failed",
				Err:     err.Error(),
			})
		}
	}
}

func (w *Watcher) runL2(ctx context.Context, st *state.State, out *CycleOutcome, now int64) {
	today := clock.DayKey(now, w.TZ)
	if st.LastL2Day == today {
		return
	}

	sources := w.Synth.AutoSources(now, w.TZ)
	anyExists := false
	for _, s := range sources {
		if _, err := os.Stat(s); err == nil {
			anyExists = true
			break
		}
	}
	if !anyExists {
		// Nothing accumulated yet; mark the day so an empty workspace
		// does not warn every cycle.
		st.LastL2Day = today
		return
	}

	res, err := w.Synth.Run(ctx, distill.SynthInput{
		Trigger:     "watcher",
		DayKey:      today,
		SourcePaths: sources,
	})
	if err != nil {
		w.Log.Warn(audit.Warning{
			Code:   audit.CodeWisdomDistillFailed,
			Stage:  "distill",
			Action: "run-wisdom-distill",
			Retry:  "retry-next-cycle",
			Reason: "wisdom-distillation-failed",
			Err:    err.Error(),
		})
		out.L2Result = "failed: " + err.Error()
		out.Degraded = true
		return
	}
	st.LastL2Day = today
	st.LastL2EpochSecs = w.Now()
	out.L2Result = fmt.Sprintf("ok provider=%s chunks=%d bytes=%d", res.Provider, res.Chunks, res.Bytes)
	w.Log.Event("distill", "ok", "mode=syns "+out.L2Result)
}

func (w *Watcher) runRetention(st *state.State, out *CycleOutcome) {
	idx, err := w.Ledger.Index()
	if err != nil {
		w.Log.Warn(audit.Warning{
			Code:   audit.CodeLedgerReadFailed,
			Stage:  "archive-retention",
			Action: "read-ledger",
			Retry:  "retry-next-cycle",
			Reason: "ledger-read-failed",
			Err:    err.Error(),
		})
		out.Degraded = true
		return
	}
	sum := w.Reaper.Sweep(idx, st, w.Cfg.Retention)
	if sum.Removed > 0 || sum.Failed > 0 {
		status := "ok"
		if sum.Failed > 0 {
			status = "degraded"
			out.Degraded = true
		}
		w.Log.Event("archive-retention", status, sum.String())
		out.RetentionResult = sum.String()
	}
}
