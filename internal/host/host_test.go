package host

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseUsageFlatPayload(t *testing.T) {
	session, used, max, err := ParseUsage(`{"session_id":"S1","used_tokens":150000,"max_tokens":200000}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if session != "S1" || used != 150000 || max != 200000 {
		t.Errorf("got %s %d %d", session, used, max)
	}
}

func TestParseUsageNestedPayload(t *testing.T) {
	session, used, max, err := ParseUsage(`{"id":"abc","usage":{"totalTokens":4200},"limits":{"maxTokens":10000}}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if session != "abc" || used != 4200 || max != 10000 {
		t.Errorf("got %s %d %d", session, used, max)
	}
}

func TestParseUsageDefaultsMaxTokens(t *testing.T) {
	_, _, max, err := ParseUsage(`{"sessionId":"x","usedTokens":10}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if max != 200_000 {
		t.Errorf("max = %d, want 200000 default", max)
	}
}

func TestParseUsageMissingUsedTokensFails(t *testing.T) {
	if _, _, _, err := ParseUsage(`{"sessionId":"x"}`); err == nil {
		t.Fatal("expected error for missing used tokens")
	}
	if _, _, _, err := ParseUsage("not json"); err == nil {
		t.Fatal("expected error for non-JSON payload")
	}
}

func TestNewSnapshotClampsZeroMax(t *testing.T) {
	snap := NewSnapshot("s", 10, 0, "p", 100)
	if snap.MaxTokens != 1 {
		t.Errorf("max = %d, want clamp to 1", snap.MaxTokens)
	}
	over := NewSnapshot("s", 250_000, 200_000, "p", 100)
	if over.UsageRatio <= 1 {
		t.Errorf("ratio may exceed 1, got %v", over.UsageRatio)
	}
}

func TestSessionSourcePath(t *testing.T) {
	dir := t.TempDir()
	h := NewCommandHost("openclaw", dir)
	if _, ok := h.SessionSourcePath("missing"); ok {
		t.Error("missing session should not resolve")
	}
	path := filepath.Join(dir, "S1.jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, ok := h.SessionSourcePath("S1")
	if !ok || got != path {
		t.Errorf("got %q ok=%v", got, ok)
	}
}

func TestLatestSessionFile(t *testing.T) {
	dir := t.TempDir()
	if _, ok := LatestSessionFile(dir); ok {
		t.Error("empty dir should have no latest")
	}
	if err := os.WriteFile(filepath.Join(dir, "a.jsonl"), []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, ok := LatestSessionFile(dir)
	if !ok || filepath.Base(got) != "a.jsonl" {
		t.Errorf("got %q ok=%v", got, ok)
	}
}
