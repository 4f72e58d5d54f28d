// Package config resolves the daemon configuration record: moon.toml under
// the workspace merged with environment overrides. The pipeline consumes
// the resolved record as-is; nothing else reads the file or the env.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultTriggerRatio     = 0.85
	DefaultStartRatio       = 0.78
	DefaultEmergencyRatio   = 0.90
	DefaultRecoverRatio     = 0.65
	DefaultPollIntervalSecs = 30
	DefaultCooldownSecs     = 300
	DefaultMaxPerCycle      = 1
	DefaultActiveDays       = 7
	DefaultWarmDays         = 30
	DefaultColdDays         = 31
	DefaultEmbedCooldown    = 600
	DefaultEmbedMaxDocs     = 8
	DefaultEmbedMinPending  = 1
	DefaultEmbedMaxCycle    = 300
	DefaultMaxChunks        = 128
	DefaultModelCtxTokens   = 128_000

	// MinFixedWindowTokens is the floor for an explicit context window;
	// anything smaller cannot hold a useful session.
	MinFixedWindowTokens = 16_000
)

// Window modes.
const (
	WindowInherit = "inherit"
	WindowFixed   = "fixed"
)

// Compaction authorities.
const (
	AuthorityMoon = "moon"
	AuthorityHost = "openclaw"
)

type ContextConfig struct {
	WindowMode               string  `toml:"window_mode"`
	WindowTokens             int64   `toml:"window_tokens"`
	PruneMode                string  `toml:"prune_mode"`
	CompactionAuthority      string  `toml:"compaction_authority"`
	CompactionStartRatio     float64 `toml:"compaction_start_ratio"`
	CompactionEmergencyRatio float64 `toml:"compaction_emergency_ratio"`
	CompactionRecoverRatio   float64 `toml:"compaction_recover_ratio"`
}

type ThresholdsConfig struct {
	TriggerRatio float64 `toml:"trigger_ratio"`
}

type WatcherConfig struct {
	PollIntervalSecs int64 `toml:"poll_interval_secs"`
	CooldownSecs     int64 `toml:"cooldown_secs"`
}

type InboundWatchConfig struct {
	Enabled    bool     `toml:"enabled"`
	Recursive  bool     `toml:"recursive"`
	WatchPaths []string `toml:"watch_paths"`
}

type DistillConfig struct {
	MaxPerCycle         int    `toml:"max_per_cycle"`
	ResidentialTimezone string `toml:"residential_timezone"`
	TopicDiscovery      bool   `toml:"topic_discovery"`
}

type SynthesisConfig struct {
	Provider string `toml:"provider"` // openai | anthropic | gemini | local
	Model    string `toml:"model"`
	// ChunkBytes of 0 means "auto": derive the byte budget from
	// ModelContextTokens at 4 chars per token.
	ChunkBytes         int64 `toml:"chunk_bytes"`
	MaxChunks          int   `toml:"max_chunks"`
	ModelContextTokens int64 `toml:"model_context_tokens"`
}

type RetentionConfig struct {
	ActiveDays int64 `toml:"active_days"`
	WarmDays   int64 `toml:"warm_days"`
	ColdDays   int64 `toml:"cold_days"`
}

type EmbedConfig struct {
	CooldownSecs    int64 `toml:"cooldown_secs"`
	MaxDocsPerCycle int   `toml:"max_docs_per_cycle"`
	MinPendingDocs  int   `toml:"min_pending_docs"`
	MaxCycleSecs    int64 `toml:"max_cycle_secs"`
}

type Config struct {
	Thresholds   ThresholdsConfig   `toml:"thresholds"`
	Watcher      WatcherConfig      `toml:"watcher"`
	InboundWatch InboundWatchConfig `toml:"inbound_watch"`
	Distill      DistillConfig      `toml:"distill"`
	Synthesis    SynthesisConfig    `toml:"synthesis"`
	Retention    RetentionConfig    `toml:"retention"`
	Embed        EmbedConfig        `toml:"embed"`
	// Context is the optional compaction policy. When absent the legacy
	// single trigger_ratio drives archive+compaction together.
	Context *ContextConfig `toml:"context"`
}

func Default() *Config {
	return &Config{
		Thresholds:   ThresholdsConfig{TriggerRatio: DefaultTriggerRatio},
		Watcher:      WatcherConfig{PollIntervalSecs: DefaultPollIntervalSecs, CooldownSecs: DefaultCooldownSecs},
		InboundWatch: InboundWatchConfig{Enabled: true, Recursive: true},
		Distill:      DistillConfig{MaxPerCycle: DefaultMaxPerCycle, ResidentialTimezone: "UTC"},
		Synthesis: SynthesisConfig{
			Provider:           "local",
			MaxChunks:          DefaultMaxChunks,
			ModelContextTokens: DefaultModelCtxTokens,
		},
		Retention: RetentionConfig{ActiveDays: DefaultActiveDays, WarmDays: DefaultWarmDays, ColdDays: DefaultColdDays},
		Embed: EmbedConfig{
			CooldownSecs:    DefaultEmbedCooldown,
			MaxDocsPerCycle: DefaultEmbedMaxDocs,
			MinPendingDocs:  DefaultEmbedMinPending,
			MaxCycleSecs:    DefaultEmbedMaxCycle,
		},
	}
}

func configPath(moonHome string) string {
	if v := os.Getenv("MOON_CONFIG_PATH"); v != "" {
		return v
	}
	return filepath.Join(moonHome, "moon", "moon.toml")
}

// Load reads moon.toml (if present), applies environment overrides, and
// validates the result.
func Load(moonHome string) (*Config, error) {
	cfg := Default()

	path := configPath(moonHome)
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envCSV(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func applyEnv(cfg *Config) {
	cfg.Thresholds.TriggerRatio = envFloat("MOON_TRIGGER_RATIO", cfg.Thresholds.TriggerRatio)
	cfg.Watcher.PollIntervalSecs = envInt("MOON_POLL_INTERVAL_SECS", cfg.Watcher.PollIntervalSecs)
	cfg.Watcher.CooldownSecs = envInt("MOON_COOLDOWN_SECS", cfg.Watcher.CooldownSecs)
	cfg.InboundWatch.Enabled = envBool("MOON_INBOUND_WATCH_ENABLED", cfg.InboundWatch.Enabled)
	cfg.InboundWatch.Recursive = envBool("MOON_INBOUND_RECURSIVE", cfg.InboundWatch.Recursive)
	cfg.InboundWatch.WatchPaths = envCSV("MOON_INBOUND_WATCH_PATHS", cfg.InboundWatch.WatchPaths)
	cfg.Distill.MaxPerCycle = int(envInt("MOON_DISTILL_MAX_PER_CYCLE", int64(cfg.Distill.MaxPerCycle)))
	cfg.Distill.ResidentialTimezone = envString("MOON_RESIDENTIAL_TIMEZONE", cfg.Distill.ResidentialTimezone)
	cfg.Distill.TopicDiscovery = envBool("MOON_TOPIC_DISCOVERY", cfg.Distill.TopicDiscovery)
	cfg.Synthesis.Provider = envString("MOON_SYNTH_PROVIDER", cfg.Synthesis.Provider)
	cfg.Synthesis.Model = envString("MOON_SYNTH_MODEL", cfg.Synthesis.Model)
	cfg.Synthesis.ChunkBytes = envInt("MOON_SYNTH_CHUNK_BYTES", cfg.Synthesis.ChunkBytes)
	cfg.Synthesis.MaxChunks = int(envInt("MOON_SYNTH_MAX_CHUNKS", int64(cfg.Synthesis.MaxChunks)))
	cfg.Synthesis.ModelContextTokens = envInt("MOON_SYNTH_MODEL_CONTEXT_TOKENS", cfg.Synthesis.ModelContextTokens)
	cfg.Retention.ActiveDays = envInt("MOON_RETENTION_ACTIVE_DAYS", cfg.Retention.ActiveDays)
	cfg.Retention.WarmDays = envInt("MOON_RETENTION_WARM_DAYS", cfg.Retention.WarmDays)
	cfg.Retention.ColdDays = envInt("MOON_RETENTION_COLD_DAYS", cfg.Retention.ColdDays)
	cfg.Embed.CooldownSecs = envInt("MOON_EMBED_COOLDOWN_SECS", cfg.Embed.CooldownSecs)
	cfg.Embed.MaxDocsPerCycle = int(envInt("MOON_EMBED_MAX_DOCS_PER_CYCLE", int64(cfg.Embed.MaxDocsPerCycle)))
	cfg.Embed.MinPendingDocs = int(envInt("MOON_EMBED_MIN_PENDING_DOCS", int64(cfg.Embed.MinPendingDocs)))
	cfg.Embed.MaxCycleSecs = envInt("MOON_EMBED_MAX_CYCLE_SECS", cfg.Embed.MaxCycleSecs)
}

func (c *Config) Validate() error {
	if c.Thresholds.TriggerRatio <= 0 || c.Thresholds.TriggerRatio > 1 {
		return fmt.Errorf("invalid trigger ratio: require 0 < trigger <= 1.0")
	}
	if c.Watcher.PollIntervalSecs < 1 {
		return fmt.Errorf("invalid watcher poll interval: must be >= 1 second")
	}
	if c.Distill.MaxPerCycle < 1 {
		return fmt.Errorf("invalid distill max per cycle: must be >= 1")
	}
	if c.Retention.ActiveDays < 1 {
		return fmt.Errorf("invalid retention active days: must be >= 1")
	}
	if c.Retention.WarmDays < c.Retention.ActiveDays {
		return fmt.Errorf("invalid retention windows: require active_days <= warm_days")
	}
	if c.Retention.ColdDays <= c.Retention.WarmDays {
		return fmt.Errorf("invalid retention windows: require warm_days < cold_days")
	}
	if c.Embed.MaxDocsPerCycle < 1 {
		return fmt.Errorf("invalid embed max docs per cycle: must be >= 1")
	}
	switch c.Synthesis.Provider {
	case "openai", "anthropic", "gemini", "local":
	default:
		return fmt.Errorf("invalid synthesis provider %q: use openai, anthropic, gemini, or local", c.Synthesis.Provider)
	}
	if c.Synthesis.MaxChunks < 1 {
		return fmt.Errorf("invalid synthesis max chunks: must be >= 1")
	}
	if ctx := c.Context; ctx != nil {
		switch ctx.WindowMode {
		case "", WindowInherit:
		case WindowFixed:
			if ctx.WindowTokens < MinFixedWindowTokens {
				return fmt.Errorf("invalid context config: window_tokens must be >= %d when window_mode=fixed", MinFixedWindowTokens)
			}
		default:
			return fmt.Errorf("invalid context window mode %q: use inherit or fixed", ctx.WindowMode)
		}
		switch ctx.CompactionAuthority {
		case "", AuthorityMoon, AuthorityHost:
		default:
			return fmt.Errorf("invalid compaction authority %q: use moon or openclaw", ctx.CompactionAuthority)
		}
		if ctx.CompactionStartRatio <= 0 || ctx.CompactionStartRatio > 1 {
			return fmt.Errorf("invalid context config: require 0 < compaction_start_ratio <= 1.0")
		}
		if ctx.CompactionEmergencyRatio <= 0 || ctx.CompactionEmergencyRatio > 1 {
			return fmt.Errorf("invalid context config: require 0 < compaction_emergency_ratio <= 1.0")
		}
		if ctx.CompactionRecoverRatio < 0 || ctx.CompactionRecoverRatio >= 1 {
			return fmt.Errorf("invalid context config: require 0 <= compaction_recover_ratio < 1.0")
		}
		if ctx.CompactionRecoverRatio >= ctx.CompactionStartRatio {
			return fmt.Errorf("invalid context config: require compaction_recover_ratio < compaction_start_ratio")
		}
		if ctx.CompactionStartRatio > ctx.CompactionEmergencyRatio {
			return fmt.Errorf("invalid context config: require compaction_start_ratio <= compaction_emergency_ratio")
		}
	}
	return nil
}

// DefaultContext mirrors the stock compaction policy for workspaces that
// enable the context section without overriding every ratio.
func DefaultContext() *ContextConfig {
	return &ContextConfig{
		WindowMode:               WindowInherit,
		CompactionAuthority:      AuthorityMoon,
		CompactionStartRatio:     DefaultStartRatio,
		CompactionEmergencyRatio: DefaultEmergencyRatio,
		CompactionRecoverRatio:   DefaultRecoverRatio,
	}
}
