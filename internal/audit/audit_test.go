package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeValueRewritesWhitespace(t *testing.T) {
	if got := sanitizeValue("a b\tc"); got != "a_b_c" {
		t.Errorf("sanitizeValue = %q, want a_b_c", got)
	}
	if got := sanitizeValue("   "); got != "na" {
		t.Errorf("sanitizeValue empty = %q, want na", got)
	}
	if got := sanitizeValue(""); got != "na" {
		t.Errorf("sanitizeValue blank = %q, want na", got)
	}
}

func TestWarnWritesOneFixedShapeLine(t *testing.T) {
	dir := t.TempDir()
	l := NewAt(dir, func() int64 { return 42 })

	l.Warn(Warning{
		Code:   CodeIndexFailed,
		Stage:  "index",
		Action: "collection sync",
		Retry:  "retry-next-cycle",
		Reason: "index-sync-failed",
		Err:    "exit status 1",
	})

	raw, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d", len(lines))
	}
	line := lines[0]
	for _, want := range []string{
		"WARN code=INDEX_FAILED",
		"stage=index",
		"action=collection_sync",
		"session=na",
		"archive=na",
		"retry=retry-next-cycle",
		"err=exit_status_1",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line missing %q: %s", want, line)
		}
	}
}

func TestEventAppendsJSONLine(t *testing.T) {
	dir := t.TempDir()
	l := NewAt(dir, func() int64 { return 7 })
	l.Event("compaction", "ok", "targets=1")

	raw, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(raw), `"phase":"compaction"`) {
		t.Errorf("event line missing phase: %s", raw)
	}
	if !strings.Contains(string(raw), `"at_epoch_secs":7`) {
		t.Errorf("event line missing timestamp: %s", raw)
	}
}
