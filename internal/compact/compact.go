// Package compact evaluates the compaction policy against probed usage
// and, when the daemon owns compaction authority, drives the host through
// the archive-before-compact protocol: write the archive-index breadcrumb
// into the session, then request compaction.
package compact

import (
	"context"
	"fmt"

	"github.com/stellarlinkco/moond/internal/audit"
	"github.com/stellarlinkco/moond/internal/config"
	"github.com/stellarlinkco/moond/internal/host"
	"github.com/stellarlinkco/moond/internal/projection"
)

// Decision is the outcome of evaluating one usage snapshot against the
// policy thresholds.
type Decision struct {
	ShouldCompact    bool
	BypassedCooldown bool
}

// Evaluate applies the start/emergency ratio rules. At start_ratio the
// trigger fires iff the cooldown has elapsed; at emergency_ratio the
// cooldown is bypassed.
func Evaluate(usageRatio, startRatio, emergencyRatio float64, cooldownReady bool) Decision {
	if usageRatio < startRatio {
		return Decision{}
	}
	if cooldownReady {
		return Decision{ShouldCompact: true}
	}
	if usageRatio >= emergencyRatio {
		return Decision{ShouldCompact: true, BypassedCooldown: true}
	}
	return Decision{}
}

// EffectiveRatio recomputes the usage ratio under the configured window
// mode: fixed windows override the probed max.
func EffectiveRatio(snap host.UsageSnapshot, ctx *config.ContextConfig) float64 {
	if ctx != nil && ctx.WindowMode == config.WindowFixed && ctx.WindowTokens > 0 {
		return float64(snap.UsedTokens) / float64(ctx.WindowTokens)
	}
	return snap.UsageRatio
}

// Breadcrumb formats the deterministic marker injected before compaction.
func Breadcrumb(archivePath string) string {
	return projection.ArchiveIndexMarker + " " + archivePath
}

type Trigger struct {
	Host host.Host
	Log  *audit.Logger
}

// Result describes one compaction attempt.
type Result struct {
	SessionID      string
	ArchivePath    string
	BreadcrumbOK   bool
	CompactSummary string
}

// Run writes the breadcrumb and requests compaction for one session. A
// failed breadcrumb write is warned (INDEX_NOTE_FAILED), but the
// compaction request still goes out — degrading gracefully beats holding
// a session at its context ceiling. A failed breadcrumb is not recorded
// anywhere, so no later cycle writes it again.
func (t *Trigger) Run(ctx context.Context, sessionID, archivePath string) (Result, error) {
	res := Result{SessionID: sessionID, ArchivePath: archivePath, BreadcrumbOK: true}

	if err := t.Host.WriteNote(ctx, sessionID, Breadcrumb(archivePath)); err != nil {
		res.BreadcrumbOK = false
		t.Log.Warn(audit.Warning{
			Code:    audit.CodeIndexNoteFailed,
			Stage:   "compaction",
			Action:  "write-index-note",
			Session: sessionID,
			Archive: archivePath,
			Retry:   "retry-next-cycle",
			Reason:  "host-write-note-failed",
			Err:     err.Error(),
		})
	}

	summary, err := t.Host.Compact(ctx, sessionID)
	if err != nil {
		return res, fmt.Errorf("request compaction: %w", err)
	}
	res.CompactSummary = summary
	return res, nil
}

// DriftCheck compares the configured authority with the host's observed
// compaction mode. Disagreement surfaces as ok=false in diagnostics but
// never blocks a cycle.
func DriftCheck(configured, observed string) bool {
	if configured == "" || observed == "" {
		return true
	}
	switch configured {
	case config.AuthorityMoon:
		// Host-side auto-compaction may not be hard-disabled; treat any
		// "off"/"manual" style mode as agreement.
		return observed != "auto"
	case config.AuthorityHost:
		return observed == "auto"
	}
	return true
}
