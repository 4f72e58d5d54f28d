package distill

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stellarlinkco/moond/internal/audit"
	"github.com/stellarlinkco/moond/internal/clock"
	"github.com/stellarlinkco/moond/internal/config"
	"github.com/stellarlinkco/moond/internal/paths"
)

// StructuralAnchor is the fixed directive that MEMORY.md must begin
// with. It anchors the Librarian role for the synthesiser and survives
// every rewrite.
const StructuralAnchor = "<!-- MEMORY.md: durable memory maintained by the Librarian. " +
	"Rewrite, never append. Keep the whole document under 4000 tokens: " +
	"merge duplicates, keep decisions and rules, drop stale detail. -->"

const librarianSystemPrompt = "You are the Librarian of a long-running agent's durable memory. " +
	"You are given daily memory logs and the current memory document. " +
	"Rewrite the memory document from scratch: merge duplicates, preserve decisions, " +
	"rules, and open tasks, and drop stale detail. The output must be markdown, " +
	"at most 4000 tokens, and nothing but the document body."

const chunkSystemPrompt = "Summarise the following memory log fragment into concise markdown " +
	"bullets. Preserve decisions, rules, milestones, and open tasks verbatim where possible."

// Synthesiser is the remote text-generation client. Implementations live
// in providers.go; local is a deterministic no-op concatenation for
// zero-cost mode.
type Synthesiser interface {
	Name() string
	Synthesise(ctx context.Context, system, prompt string) (string, error)
}

// SynthInput selects the source set for one L2 run.
type SynthInput struct {
	Trigger     string // "watcher" or "manual"
	DayKey      string
	SourcePaths []string
	DryRun      bool
}

// SynthOutput reports a completed rewrite.
type SynthOutput struct {
	Provider   string
	MemoryPath string
	Sources    []string
	Chunks     int
	Bytes      int
}

type L2 struct {
	Paths  paths.Paths
	Log    *audit.Logger
	Client Synthesiser
	Cfg    config.SynthesisConfig
	Now    func() int64
}

func NewL2(p paths.Paths, log *audit.Logger, client Synthesiser, cfg config.SynthesisConfig) *L2 {
	return &L2{Paths: p, Log: log, Client: client, Cfg: cfg, Now: clock.NowEpoch}
}

// AutoSources is the watcher-trigger source set: yesterday's daily memory
// file plus the current durable memory document.
func (l *L2) AutoSources(nowEpoch int64, tz *time.Location) []string {
	yesterday := clock.PreviousDayKey(nowEpoch, tz)
	sources := []string{l.Paths.DailyMemoryFile(yesterday)}
	if _, err := os.Stat(l.Paths.MemoryFile); err == nil {
		sources = append(sources, l.Paths.MemoryFile)
	}
	return sources
}

func (l *L2) readSources(sourcePaths []string) ([]Source, error) {
	var sources []Source
	for _, path := range sourcePaths {
		raw, err := os.ReadFile(path)
		if err != nil {
			l.Log.Warn(audit.Warning{
				Code:   audit.CodeDistillSourceMissing,
				Stage:  "synthesis",
				Action: "read-source",
				Source: path,
				Retry:  "retry-next-cycle",
				Reason: "synthesis-source-missing",
				Err:    err.Error(),
			})
			continue
		}
		sources = append(sources, Source{
			Path:    path,
			Content: string(raw),
			Durable: path == l.Paths.MemoryFile,
		})
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no readable synthesis sources")
	}
	return sources, nil
}

// Run rewrites the durable memory document from the selected source set.
// On any failure the current document is left untouched and the caller
// does not advance last_l2_day, so the run is retried next cycle.
func (l *L2) Run(ctx context.Context, in SynthInput) (*SynthOutput, error) {
	sources, err := l.readSources(in.SourcePaths)
	if err != nil {
		return nil, err
	}

	chunks := PlanChunks(sources, l.Cfg.ChunkBytes, l.Cfg.ModelContextTokens, l.Cfg.MaxChunks, func(note string) {
		l.Log.Event("synthesis", "degraded", note)
	})
	if len(chunks) == 0 {
		return nil, fmt.Errorf("chunk plan produced no input")
	}

	if in.DryRun {
		out := &SynthOutput{Provider: l.Client.Name(), MemoryPath: l.Paths.MemoryFile, Chunks: len(chunks)}
		for _, s := range sources {
			out.Sources = append(out.Sources, s.Path)
		}
		return out, nil
	}

	// Multi-chunk plans are folded: summarise each chunk, then synthesise
	// the final document from the summaries.
	var material string
	if len(chunks) == 1 {
		material = "Source (" + chunks[0].SourcePath + "):\n\n" + chunks[0].Content
	} else {
		var folded strings.Builder
		for i, chunk := range chunks {
			summary, err := l.Client.Synthesise(ctx, chunkSystemPrompt,
				fmt.Sprintf("Fragment %d/%d from %s:\n\n%s", i+1, len(chunks), chunk.SourcePath, chunk.Content))
			if err != nil {
				return nil, fmt.Errorf("summarise chunk %d/%d: %w", i+1, len(chunks), err)
			}
			folded.WriteString(fmt.Sprintf("## Fragment %d (%s)\n\n%s\n\n", i+1, chunk.SourcePath, summary))
		}
		material = folded.String()
	}

	rewritten, err := l.Client.Synthesise(ctx, librarianSystemPrompt, material)
	if err != nil {
		return nil, fmt.Errorf("synthesise memory document: %w", err)
	}
	rewritten = strings.TrimSpace(rewritten)
	if rewritten == "" {
		return nil, fmt.Errorf("synthesiser returned empty document")
	}

	doc := rewritten
	if !strings.HasPrefix(doc, StructuralAnchor) {
		doc = StructuralAnchor + "\n\n" + doc
	}
	if !strings.HasSuffix(doc, "\n") {
		doc += "\n"
	}

	if err := writeAtomic(l.Paths.MemoryFile, []byte(doc)); err != nil {
		return nil, fmt.Errorf("write memory document: %w", err)
	}

	out := &SynthOutput{
		Provider:   l.Client.Name(),
		MemoryPath: l.Paths.MemoryFile,
		Chunks:     len(chunks),
		Bytes:      len(doc),
	}
	for _, s := range sources {
		out.Sources = append(out.Sources, s.Path)
	}
	return out, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	return os.Rename(tmpName, path)
}
