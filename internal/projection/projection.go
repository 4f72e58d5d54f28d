// Package projection renders a raw session archive into its denoised
// markdown view under archives/mlib. The render is a pure function of the
// archive bytes plus the noise-filter policy: stable ordering, stable
// timestamp formatting, no clock reads, so re-running it produces
// byte-identical output.
package projection

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// ArchiveIndexMarker is the deterministic breadcrumb injected into a
// session before compaction; projections surface every occurrence under
// Compaction Anchors so downstream consumers can locate pre-compaction
// archives.
const ArchiveIndexMarker = "[MOON_ARCHIVE_INDEX]"

const (
	maxPreviewChars  = 160
	maxTimelineRows  = 120
	maxSummaryLines  = 40
	maxKeywords      = 12
	minKeywordLength = 5
)

// Policy is the noise-filter policy applied while rendering.
type Policy struct {
	DropNoReply      bool
	DropProcessPoll  bool
	DropStatusEchoes bool
}

// DefaultPolicy drops everything the normaliser would drop again later;
// keeping the projection clean makes it the unit of retrieval.
func DefaultPolicy() Policy {
	return Policy{DropNoReply: true, DropProcessPoll: true, DropStatusEchoes: true}
}

type frontmatter struct {
	ArchiveJSONLPath string `yaml:"archive_jsonl_path"`
	ProjectionDate   string `yaml:"projection_date"`
	SessionID        string `yaml:"session_id"`
}

// Input identifies the archive being projected.
type Input struct {
	ArchiveJSONLPath   string
	SessionID          string
	CreatedAtEpochSecs int64
	Raw                []byte
}

// Result is the rendered projection plus render metadata.
type Result struct {
	Markdown      []byte
	FilteredNoise int
	Keywords      []string
}

type event struct {
	seq      int
	when     string // already formatted, or "-"
	role     string
	text     string
	toolName string
	toolID   string
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func preview(s string) string {
	s = normalizeWhitespace(s)
	runes := []rune(s)
	if len(runes) <= maxPreviewChars {
		return s
	}
	return string(runes[:maxPreviewChars-3]) + "..."
}

func looksLikeJSONBlob(s string) bool {
	t := strings.TrimSpace(s)
	return strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[")
}

func isProcessPollChatter(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "[poll]") ||
		strings.Contains(lower, "process poll") ||
		strings.Contains(lower, "heartbeat_ok")
}

func isNoReply(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "NO_REPLY")
}

func isToolBoilerplate(s string) bool {
	return strings.Contains(s, "<<<EXTERNAL_UNTRUSTED_CONTENT>>>") ||
		(looksLikeJSONBlob(s) && len(s) > 220)
}

func formatEpoch(epoch int64) string {
	if epoch <= 0 {
		return "-"
	}
	return time.Unix(epoch, 0).UTC().Format("15:04:05")
}

// eventTimestamp pulls a per-line timestamp when the transcript carries
// one; seconds and milliseconds are both seen in the wild.
func eventTimestamp(line gjson.Result) string {
	ts := line.Get("timestamp")
	if !ts.Exists() {
		ts = line.Get("message.timestamp")
	}
	if !ts.Exists() {
		return "-"
	}
	if ts.Type == gjson.String {
		if parsed, err := time.Parse(time.RFC3339, ts.String()); err == nil {
			return parsed.UTC().Format("15:04:05")
		}
		return "-"
	}
	v := ts.Int()
	if v > 1_000_000_000_000 {
		v /= 1000
	}
	return formatEpoch(v)
}

func parseEvents(raw []byte, policy Policy) (events []event, filtered int) {
	seq := 0
	lastEcho := ""
	for _, rawLine := range bytes.Split(raw, []byte("\n")) {
		lineText := strings.TrimSpace(string(rawLine))
		if lineText == "" {
			continue
		}
		line := gjson.Parse(lineText)
		if !line.IsObject() {
			// Plain text lines ride along as unattributed events.
			if policy.DropProcessPoll && isProcessPollChatter(lineText) {
				filtered++
				continue
			}
			if !looksLikeJSONBlob(lineText) {
				seq++
				events = append(events, event{seq: seq, when: "-", role: "note", text: preview(lineText)})
			}
			continue
		}

		role := line.Get("message.role").String()
		when := eventTimestamp(line)
		for _, part := range line.Get("message.content").Array() {
			partType := part.Get("type").String()
			switch partType {
			case "text":
				text := part.Get("text").String()
				cleaned := normalizeWhitespace(text)
				if cleaned == "" {
					continue
				}
				if policy.DropNoReply && isNoReply(cleaned) {
					filtered++
					continue
				}
				if policy.DropProcessPoll && isProcessPollChatter(cleaned) {
					filtered++
					continue
				}
				if role == "toolResult" && isToolBoilerplate(cleaned) {
					filtered++
					continue
				}
				if policy.DropStatusEchoes && cleaned == lastEcho {
					filtered++
					continue
				}
				lastEcho = cleaned
				seq++
				events = append(events, event{
					seq:    seq,
					when:   when,
					role:   role,
					text:   preview(cleaned),
					toolID: part.Get("tool_use_id").String(),
				})
			case "toolCall", "tool_use":
				seq++
				events = append(events, event{
					seq:      seq,
					when:     when,
					role:     "tool",
					toolName: part.Get("name").String(),
					toolID:   part.Get("id").String(),
					text:     preview(part.Get("arguments").Raw + part.Get("input").Raw),
				})
			}
		}
	}
	return events, filtered
}

func extractKeywords(events []event) []string {
	stop := map[string]bool{
		"about": true, "after": true, "their": true, "there": true, "these": true,
		"thing": true, "think": true, "which": true, "would": true, "could": true,
		"should": true, "because": true, "where": true, "while": true, "being": true,
	}
	counts := make(map[string]int)
	for _, ev := range events {
		for _, word := range strings.Fields(strings.ToLower(ev.text)) {
			word = strings.Trim(word, ".,:;!?()[]{}\"'`")
			if len(word) < minKeywordLength || stop[word] {
				continue
			}
			counts[word]++
		}
	}
	type kw struct {
		word  string
		count int
	}
	out := make([]kw, 0, len(counts))
	for word, count := range counts {
		if count > 1 {
			out = append(out, kw{word, count})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count == out[j].count {
			return out[i].word < out[j].word
		}
		return out[i].count > out[j].count
	})
	if len(out) > maxKeywords {
		out = out[:maxKeywords]
	}
	words := make([]string, 0, len(out))
	for _, k := range out {
		words = append(words, k.word)
	}
	return words
}

func collectAnchors(raw []byte) []string {
	var anchors []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(string(raw), "\n") {
		idx := strings.Index(line, ArchiveIndexMarker)
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(line[idx+len(ArchiveIndexMarker):])
		rest = strings.Trim(rest, "\\\"},] ")
		if rest == "" || seen[rest] {
			continue
		}
		seen[rest] = true
		anchors = append(anchors, rest)
	}
	return anchors
}

// Render produces the projection markdown for an archive.
func Render(in Input, policy Policy) Result {
	events, filtered := parseEvents(in.Raw, policy)
	keywords := extractKeywords(events)
	anchors := collectAnchors(in.Raw)

	fm := frontmatter{
		ArchiveJSONLPath: in.ArchiveJSONLPath,
		ProjectionDate:   time.Unix(in.CreatedAtEpochSecs, 0).UTC().Format(time.RFC3339),
		SessionID:        in.SessionID,
	}
	fmBytes, _ := yaml.Marshal(fm)

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(fmBytes)
	b.WriteString("---\n\n")
	b.WriteString("# Session " + in.SessionID + "\n\n")

	b.WriteString("## Timeline\n\n")
	b.WriteString("| # | Time (UTC) | Role | Event |\n")
	b.WriteString("|---|---|---|---|\n")
	rows := events
	if len(rows) > maxTimelineRows {
		rows = rows[:maxTimelineRows]
	}
	for _, ev := range rows {
		label := ev.text
		if ev.role == "tool" && ev.toolName != "" {
			label = ev.toolName + " " + label
		}
		b.WriteString(fmt.Sprintf("| %d | %s | %s | %s |\n", ev.seq, ev.when, ev.role, escapeCell(label)))
	}
	if len(events) > maxTimelineRows {
		b.WriteString(fmt.Sprintf("\n_%d further events omitted._\n", len(events)-maxTimelineRows))
	}

	b.WriteString("\n## Conversation Summary\n\n")
	summaryCount := 0
	for _, ev := range events {
		if ev.role != "user" && ev.role != "assistant" {
			continue
		}
		b.WriteString("- [" + ev.role + "] " + ev.text + "\n")
		summaryCount++
		if summaryCount >= maxSummaryLines {
			break
		}
	}
	if summaryCount == 0 {
		b.WriteString("_No conversational content._\n")
	}

	b.WriteString("\n## Tool Activity\n\n")
	toolLines := renderToolActivity(events)
	if len(toolLines) == 0 {
		b.WriteString("_No tool activity._\n")
	}
	for _, line := range toolLines {
		b.WriteString(line + "\n")
	}

	b.WriteString("\n## Keywords\n\n")
	if len(keywords) == 0 {
		b.WriteString("_none_\n")
	} else {
		b.WriteString(strings.Join(keywords, ", ") + "\n")
	}

	b.WriteString("\n## Compaction Anchors\n\n")
	if len(anchors) == 0 {
		b.WriteString("_none_\n")
	} else {
		for _, a := range anchors {
			b.WriteString("- " + a + "\n")
		}
	}

	return Result{
		Markdown:      []byte(b.String()),
		FilteredNoise: filtered,
		Keywords:      keywords,
	}
}

// renderToolActivity stitches tool requests to their results by tool id.
func renderToolActivity(events []event) []string {
	var out []string
	results := make(map[string]string)
	for _, ev := range events {
		if ev.role == "toolResult" && ev.toolID != "" {
			if _, ok := results[ev.toolID]; !ok {
				results[ev.toolID] = ev.text
			}
		}
	}
	for _, ev := range events {
		if ev.role != "tool" {
			continue
		}
		line := "- **" + ev.toolName + "**"
		if ev.text != "" {
			line += " " + ev.text
		}
		if res, ok := results[ev.toolID]; ok && res != "" {
			line += " -> " + res
		}
		out = append(out, line)
	}
	return out
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}
