package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/moond/internal/clock"
	"github.com/stellarlinkco/moond/internal/config"
	"github.com/stellarlinkco/moond/internal/distill"
	"github.com/stellarlinkco/moond/internal/embed"
	"github.com/stellarlinkco/moond/internal/lockfile"
	"github.com/stellarlinkco/moond/internal/paths"
	"github.com/stellarlinkco/moond/internal/state"
	"github.com/stellarlinkco/moond/internal/watch"
)

var (
	outputJSON       bool
	allowOutsideWork bool
)

var rootCmd = &cobra.Command{
	Use:           "moond",
	Short:         "moond - background memory daemon for a conversational agent host",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "emit a structured CommandReport")
	rootCmd.PersistentFlags().BoolVar(&allowOutsideWork, "allow-outside-workspace", false,
		"allow mutating commands to run from outside the workspace")

	rootCmd.AddCommand(watchCmd, statusCmd, snapshotCmd, embedCmd, distillCmd, synthCmd, recallCmd, stopCmd)

	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "run exactly one cycle and exit")
	watchCmd.Flags().BoolVar(&watchDryRun, "dry-run", false, "plan every stage, write nothing")
	watchCmd.Flags().BoolVar(&watchForceDistill, "force-distill", false, "bypass the distill cooldown this cycle")
	embedCmd.Flags().IntVar(&embedMaxDocs, "max-docs", 0, "override the embed batch bound")
	synthCmd.Flags().StringArrayVar(&synthSources, "source", nil, "explicit synthesis source file (repeatable)")
	synthCmd.Flags().BoolVar(&synthDryRun, "dry-run", false, "plan chunks, write nothing")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "moond: %v\n", err)
		os.Exit(1)
	}
}

// exitCodeError carries a report exit code through cobra.
type exitCodeError struct{ code int }

func (e *exitCodeError) Error() string { return fmt.Sprintf("exit %d", e.code) }

func finishReport(report *CommandReport) error {
	if err := report.Write(os.Stdout, outputJSON); err != nil {
		return err
	}
	if code := report.ExitCode(); code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}

func newWatcher() (*watch.Watcher, error) {
	p, err := paths.Resolve()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(p.MoonHome)
	if err != nil {
		return nil, err
	}
	return watch.New(cfg, p)
}

// requireWorkspaceCWD enforces the policy gate: mutating commands refuse
// to run from outside the daemon's workspace unless overridden. The check
// applies only when MOON_HOME is set explicitly; with the default
// workspace any cwd is accepted.
func requireWorkspaceCWD(p paths.Paths) error {
	if allowOutsideWork || !p.HomeIsExplicit {
		return nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve cwd: %w", err)
	}
	if !p.Contains(cwd) {
		return fmt.Errorf("cwd %s is outside workspace %s (use --allow-outside-workspace to override)", cwd, p.MoonHome)
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var (
	watchOnce         bool
	watchDryRun       bool
	watchForceDistill bool
	embedMaxDocs      int
	synthSources      []string
	synthDryRun       bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the watcher daemon (or one cycle with --once)",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := newWatcher()
		if err != nil {
			return err
		}
		if err := requireWorkspaceCWD(w.Paths); err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		if !watchOnce && !watchDryRun {
			return w.RunDaemon(ctx)
		}

		report := NewReport("watch")
		out, err := w.RunOnce(ctx, watch.Options{DryRun: watchDryRun, ForceDistill: watchForceDistill})
		if err != nil {
			return err
		}
		describeCycle(report, out)
		if out.Degraded {
			report.Issue("cycle completed degraded")
		}
		return finishReport(report)
	},
}

func describeCycle(report *CommandReport, out *watch.CycleOutcome) {
	report.Detail("state_file=%s", out.StateFile)
	if out.UsageOK {
		report.Detail("usage session=%s used=%d max=%d ratio=%.4f provider=%s",
			out.Usage.SessionID, out.Usage.UsedTokens, out.Usage.MaxTokens, out.Usage.UsageRatio, out.Usage.Provider)
	} else {
		report.Detail("usage unavailable")
	}
	if len(out.Triggers) > 0 {
		report.Detail("triggers=%s", strings.Join(out.Triggers, ","))
	}
	if out.Healed > 0 {
		report.Detail("self_healed=%d", out.Healed)
	}
	if out.Archive != nil {
		report.Detail("archive=%s deduped=%t", out.Archive.Record.ArchivePath, out.Archive.Deduped)
	}
	if out.IndexedNow > 0 {
		report.Detail("indexed_now=%d", out.IndexedNow)
	}
	if out.CompactionResult != "" {
		report.Detail("compaction %s", out.CompactionResult)
	}
	if out.EmbedResult != "" {
		report.Detail("embed %s", out.EmbedResult)
	}
	for _, line := range out.L1Results {
		report.Detail("l1 %s", line)
	}
	if out.L2Result != "" {
		report.Detail("l2 %s", out.L2Result)
	}
	if out.RetentionResult != "" {
		report.Detail("retention %s", out.RetentionResult)
	}
	if !out.AuthorityOK {
		report.Detail("authority_drift=true")
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and pipeline status",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := newWatcher()
		if err != nil {
			return err
		}
		report := NewReport("status")

		if holder := lockfile.ReadPayload(w.Paths.DaemonLock()); holder != nil && lockfile.PIDAlive(holder.PID) {
			report.Detail("daemon running pid=%d started_at=%d build=%s", holder.PID, holder.StartedAtEpochSecs, holder.BuildUUID)
		} else {
			report.Detail("daemon not running")
		}

		st, err := w.States.Load()
		if err != nil {
			return err
		}
		report.Detail("last_heartbeat=%d", st.LastHeartbeatEpochSecs)
		report.Detail("last_session=%s ratio=%.4f provider=%s", st.LastSessionID, st.LastUsageRatio, st.LastProvider)
		report.Detail("last_l2_day=%s", st.LastL2Day)
		report.Detail("consecutive_panics=%d", st.ConsecutivePanics)

		idx, err := w.Ledger.Index()
		if err != nil {
			return err
		}
		indexed, distilled, embedded := 0, 0, 0
		for _, rec := range idx.Chrono {
			if m := st.Archives[rec.ArchivePath]; m != nil {
				if m.Indexed {
					indexed++
				}
				if m.L1Distilled {
					distilled++
				}
				if m.Embedded {
					embedded++
				}
			}
		}
		report.Detail("archives=%d indexed=%d l1_distilled=%d embedded=%d", idx.Len(), indexed, distilled, embedded)
		return finishReport(report)
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Archive the host's current session immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := newWatcher()
		if err != nil {
			return err
		}
		if err := requireWorkspaceCWD(w.Paths); err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		report := NewReport("snapshot")

		snap, err := w.Probe.Collect(ctx)
		if err != nil {
			report.Issue("usage probe failed: %v", err)
			return finishReport(report)
		}
		sourcePath, ok := w.Host.SessionSourcePath(snap.SessionID)
		if !ok {
			report.Issue("no source file for session %s", snap.SessionID)
			return finishReport(report)
		}
		raw, err := os.ReadFile(sourcePath)
		if err != nil {
			return err
		}
		out, err := w.Archiver.Archive(snap.SessionID, sourcePath, raw, watch.DefaultCollection)
		if err != nil {
			return err
		}
		report.Detail("archive=%s", out.Record.ArchivePath)
		report.Detail("projection=%s", out.Record.ProjectionPath)
		report.Detail("deduped=%t", out.Deduped)
		return finishReport(report)
	},
}

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Run one bounded embed batch now",
	Long: "Runs a manual embed: bypasses the watcher cooldown but still honours the " +
		"embed lock and the capability probe, and does not reset the watcher's cooldown clock.",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := newWatcher()
		if err != nil {
			return err
		}
		if err := requireWorkspaceCWD(w.Paths); err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		report := NewReport("embed")

		maxDocs := w.Cfg.Embed.MaxDocsPerCycle
		if embedMaxDocs > 0 {
			maxDocs = embedMaxDocs
		}

		var summary embed.Summary
		err = w.States.With(func(st *state.State) error {
			var runErr error
			summary, runErr = w.Embedder.Run(ctx, st, w.Cfg.Embed, embed.Options{
				Collection:   watch.DefaultCollection,
				MaxDocs:      maxDocs,
				Caller:       embed.CallerManual,
				MaxCycleSecs: w.Cfg.Embed.MaxCycleSecs,
			})
			return runErr
		})
		if err != nil {
			switch {
			case errors.Is(err, embed.ErrLocked):
				report.Issue("EMBED_LOCKED: %v", err)
			case errors.Is(err, embed.ErrCapabilityMissing):
				report.Issue("EMBED_CAPABILITY_MISSING: %v", err)
			case errors.Is(err, embed.ErrStatusFailed):
				report.Issue("EMBED_STATUS_FAILED: %v", err)
			default:
				return err
			}
			return finishReport(report)
		}
		report.Detail("capability=%s selected=%d embedded=%d pending_before=%d pending_after=%d",
			summary.Capability, summary.SelectedDocs, summary.EmbeddedDocs, summary.PendingBefore, summary.PendingAfter)
		return finishReport(report)
	},
}

var distillCmd = &cobra.Command{
	Use:   "distill",
	Short: "Run L1 normalisation for pending projections now",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := newWatcher()
		if err != nil {
			return err
		}
		if err := requireWorkspaceCWD(w.Paths); err != nil {
			return err
		}
		report := NewReport("distill")

		err = w.States.With(func(st *state.State) error {
			idx, err := w.Ledger.Index()
			if err != nil {
				return err
			}
			pending := w.Normaliser.SelectPending(idx, st, w.Cfg.Distill.MaxPerCycle)
			if len(pending) == 0 {
				report.Detail("skipped reason=no-undistilled-archives")
				return nil
			}
			for _, rec := range pending {
				dailyPath, err := w.Normaliser.Run(rec)
				if err != nil {
					if errors.Is(err, distill.ErrL1Locked) {
						report.Issue("l1 lock is held by another process")
						return nil
					}
					report.Issue("distill %s: %v", rec.SessionID, err)
					continue
				}
				marks := st.Marks(rec.ArchivePath)
				marks.L1Distilled = true
				marks.L1DistilledAtSecs = clock.NowEpoch()
				report.Detail("ok session=%s daily=%s", rec.SessionID, dailyPath)
			}
			return nil
		})
		if err != nil {
			return err
		}
		return finishReport(report)
	},
}

var synthCmd = &cobra.Command{
	Use:   "synth",
	Short: "Rewrite the durable memory document (L2 synthesis) now",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := newWatcher()
		if err != nil {
			return err
		}
		if err := requireWorkspaceCWD(w.Paths); err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		report := NewReport("synth")

		now := clock.NowEpoch()
		sources := synthSources
		if len(sources) == 0 {
			sources = w.Synth.AutoSources(now, w.TZ)
		}

		out, err := w.Synth.Run(ctx, distill.SynthInput{
			Trigger:     "manual",
			DayKey:      clock.DayKey(now, w.TZ),
			SourcePaths: sources,
			DryRun:      synthDryRun,
		})
		if err != nil {
			report.Issue("WISDOM_DISTILL_FAILED: %v", err)
			return finishReport(report)
		}
		if !synthDryRun {
			if err := w.States.With(func(st *state.State) error {
				st.LastL2Day = clock.DayKey(now, w.TZ)
				st.LastL2EpochSecs = now
				return nil
			}); err != nil {
				return err
			}
		}
		report.Detail("provider=%s chunks=%d bytes=%d memory=%s", out.Provider, out.Chunks, out.Bytes, out.MemoryPath)
		for _, s := range out.Sources {
			report.Detail("source=%s", s)
		}
		return finishReport(report)
	},
}

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Query the archive index and print ranked matches",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := newWatcher()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		report := NewReport("recall")

		query := strings.Join(args, " ")
		res, err := w.Recaller.Query(ctx, watch.DefaultCollection, query)
		if err != nil {
			return err
		}
		report.Detail("query=%s", res.Query)
		report.Detail("match_count=%d", len(res.Matches))
		for i, m := range res.Matches {
			if i >= 5 {
				break
			}
			report.Detail("match[%d].score=%.4f", i, m.Score)
			report.Detail("match[%d].archive=%s", i, m.ArchivePath)
			if m.Snippet != "" {
				report.Detail("match[%d].snippet=%s", i, strings.ReplaceAll(m.Snippet, "\n", " "))
			}
		}
		return finishReport(report)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal the running daemon to finish its cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := paths.Resolve()
		if err != nil {
			return err
		}
		report := NewReport("stop")
		holder := lockfile.ReadPayload(p.DaemonLock())
		if holder == nil || !lockfile.PIDAlive(holder.PID) {
			report.Detail("daemon not running")
			return finishReport(report)
		}
		if err := syscall.Kill(holder.PID, syscall.SIGTERM); err != nil {
			report.Issue("signal pid %d: %v", holder.PID, err)
			return finishReport(report)
		}
		report.Detail("sent SIGTERM to pid=%d", holder.PID)
		return finishReport(report)
	},
}
