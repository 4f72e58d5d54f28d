package distill

import (
	"strings"
	"testing"
)

func TestChunkBudgetDerivation(t *testing.T) {
	cases := []struct {
		name       string
		chunkBytes int64
		ctxTokens  int64
		want       int64
	}{
		{"explicit wins", 50_000, 128_000, 50_000},
		{"auto 4 chars per token", 0, 100_000, 400_000},
		{"auto clamps to 8KiB floor", 0, 100, 8 * 1024},
		{"auto clamps to 2MiB ceiling", 0, 10_000_000, 2 * 1024 * 1024},
	}
	for _, tc := range cases {
		if got := chunkBudget(tc.chunkBytes, tc.ctxTokens); got != tc.want {
			t.Errorf("%s: budget = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestPlanChunksSplitsLargeSources(t *testing.T) {
	src := Source{Path: "daily.md", Content: strings.Repeat("x", 25)}
	chunks := PlanChunks([]Source{src}, 10, 0, 128, func(string) {})
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if chunks[0].Content != strings.Repeat("x", 10) || chunks[2].Content != strings.Repeat("x", 5) {
		t.Error("chunk contents wrong")
	}
}

func TestPlanChunksDropsOldestNonDurableOnOverflow(t *testing.T) {
	var warnings []string
	sources := []Source{
		{Path: "old-daily.md", Content: strings.Repeat("a", 30)},
		{Path: "new-daily.md", Content: strings.Repeat("b", 30)},
		{Path: "MEMORY.md", Content: strings.Repeat("m", 30), Durable: true},
	}
	chunks := PlanChunks(sources, 10, 0, 6, func(note string) { warnings = append(warnings, note) })

	if len(chunks) > 6 {
		t.Fatalf("chunks = %d, over cap", len(chunks))
	}
	if len(warnings) == 0 {
		t.Fatal("overflow must warn")
	}
	for _, c := range chunks {
		if c.SourcePath == "old-daily.md" {
			t.Error("oldest non-durable source should be dropped first")
		}
	}
	durableSeen := false
	for _, c := range chunks {
		if c.SourcePath == "MEMORY.md" {
			durableSeen = true
		}
	}
	if !durableSeen {
		t.Error("durable source must survive truncation")
	}
}
