// Package paths resolves the canonical filesystem layout under MOON_HOME.
//
// Layout:
//
//	archives/raw/<basename>.jsonl   raw session snapshots
//	archives/mlib/<basename>.md     denoised projections
//	archives/ledger.jsonl           append-only archive ledger
//	memory/YYYY-MM-DD.md            daily normalised logs
//	MEMORY.md                       durable synthesised memory
//	moon/state/moon_state.json      pipeline state
//	moon/logs/audit.log             audit + warning stream
//	moon/logs/*.lock                daemon / L1 / embed locks
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

type Paths struct {
	MoonHome       string
	ArchivesDir    string
	RawDir         string
	ProjectionDir  string
	LedgerFile     string
	MemoryDir      string
	MemoryFile     string
	StateFile      string
	LogsDir        string
	SessionsDir    string
	IndexBin       string
	HomeIsExplicit bool
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Resolve builds the path registry from the environment. MOON_HOME overrides
// the workspace root; individual directories can be overridden for tests.
func Resolve() (Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolve home dir: %w", err)
	}

	moonHome := home
	explicit := false
	if v := os.Getenv("MOON_HOME"); v != "" {
		moonHome = v
		explicit = true
	}

	archives := envOrDefault("MOON_ARCHIVES_DIR", filepath.Join(moonHome, "archives"))
	stateFile := envOrDefault("MOON_STATE_FILE", "")
	if stateFile == "" {
		stateDir := envOrDefault("MOON_STATE_DIR", filepath.Join(moonHome, "moon", "state"))
		stateFile = filepath.Join(stateDir, "moon_state.json")
	}

	return Paths{
		MoonHome:       moonHome,
		ArchivesDir:    archives,
		RawDir:         filepath.Join(archives, "raw"),
		ProjectionDir:  filepath.Join(archives, "mlib"),
		LedgerFile:     filepath.Join(archives, "ledger.jsonl"),
		MemoryDir:      envOrDefault("MOON_MEMORY_DIR", filepath.Join(moonHome, "memory")),
		MemoryFile:     envOrDefault("MOON_MEMORY_FILE", filepath.Join(moonHome, "MEMORY.md")),
		StateFile:      stateFile,
		LogsDir:        envOrDefault("MOON_LOGS_DIR", filepath.Join(moonHome, "moon", "logs")),
		SessionsDir:    envOrDefault("MOON_SESSIONS_DIR", filepath.Join(home, ".openclaw", "agents", "main", "sessions")),
		IndexBin:       envOrDefault("MOON_INDEX_BIN", "qmd"),
		HomeIsExplicit: explicit,
	}, nil
}

// Lock file names under LogsDir.
const (
	DaemonLockFile = "moon-watch.daemon.lock"
	EmbedLockFile  = "moon-embed.lock"
	L1LockFile     = "moon-l1.lock"
)

func (p Paths) DaemonLock() string { return filepath.Join(p.LogsDir, DaemonLockFile) }
func (p Paths) EmbedLock() string  { return filepath.Join(p.LogsDir, EmbedLockFile) }
func (p Paths) L1Lock() string     { return filepath.Join(p.LogsDir, L1LockFile) }

// DailyMemoryFile returns the path of the daily normalised log for a day key.
func (p Paths) DailyMemoryFile(dayKey string) string {
	return filepath.Join(p.MemoryDir, dayKey+".md")
}

// EnsureTree creates every directory the pipeline writes into.
func (p Paths) EnsureTree() error {
	for _, dir := range []string{
		p.RawDir,
		p.ProjectionDir,
		p.MemoryDir,
		filepath.Dir(p.StateFile),
		p.LogsDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Contains reports whether path is inside the workspace root. Mutating
// commands use it to refuse an outside cwd when MOON_HOME is set
// explicitly, unless overridden.
func (p Paths) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	root, err := filepath.Abs(p.MoonHome)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel == "." || filepath.IsLocal(rel)
}
