package projection

import (
	"bytes"
	"strings"
	"testing"
)

const sampleTranscript = `{"type":"message","timestamp":1700000000,"message":{"role":"user","content":[{"type":"text","text":"Decision: archive sessions nightly."}]}}
{"type":"message","timestamp":1700000060,"message":{"role":"assistant","content":[{"type":"text","text":"Understood, scheduling the nightly archive run."}]}}
{"type":"message","timestamp":1700000120,"message":{"role":"assistant","content":[{"type":"toolCall","id":"t1","name":"exec","arguments":{"cmd":"ls"}}]}}
{"type":"message","timestamp":1700000130,"message":{"role":"toolResult","content":[{"type":"text","text":"ok: 3 files","tool_use_id":"t1"}]}}
{"type":"message","timestamp":1700000140,"message":{"role":"assistant","content":[{"type":"text","text":"NO_REPLY"}]}}
{"type":"message","timestamp":1700000150,"message":{"role":"assistant","content":[{"type":"text","text":"[poll] process poll tick"}]}}
{"type":"message","timestamp":1700000160,"message":{"role":"user","content":[{"type":"text","text":"[MOON_ARCHIVE_INDEX] /home/u/archives/raw/prev.jsonl"}]}}
`

func sampleInput() Input {
	return Input{
		ArchiveJSONLPath:   "/home/u/archives/raw/1700000000-s1-abc.jsonl",
		SessionID:          "s1",
		CreatedAtEpochSecs: 1700000000,
		Raw:                []byte(sampleTranscript),
	}
}

func TestRenderIsByteIdentical(t *testing.T) {
	a := Render(sampleInput(), DefaultPolicy())
	b := Render(sampleInput(), DefaultPolicy())
	if !bytes.Equal(a.Markdown, b.Markdown) {
		t.Fatal("render is not deterministic")
	}
}

func TestRenderFrontmatterFields(t *testing.T) {
	out := Render(sampleInput(), DefaultPolicy())
	md := string(out.Markdown)
	for _, want := range []string{
		"archive_jsonl_path: /home/u/archives/raw/1700000000-s1-abc.jsonl",
		"projection_date:",
		"2023-11-14T22:13:20Z",
		"session_id: s1",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("frontmatter missing %q\n%s", want, md[:400])
		}
	}
	if !strings.HasPrefix(md, "---\n") {
		t.Error("projection must start with frontmatter delimiter")
	}
}

func TestRenderFiltersNoise(t *testing.T) {
	out := Render(sampleInput(), DefaultPolicy())
	md := string(out.Markdown)
	if strings.Contains(md, "NO_REPLY") {
		t.Error("NO_REPLY marker leaked into projection")
	}
	if strings.Contains(md, "process poll") {
		t.Error("process-poll chatter leaked into projection")
	}
	if out.FilteredNoise < 2 {
		t.Errorf("filtered_noise = %d, want >= 2", out.FilteredNoise)
	}
}

func TestRenderStitchesToolActivity(t *testing.T) {
	out := Render(sampleInput(), DefaultPolicy())
	md := string(out.Markdown)
	if !strings.Contains(md, "**exec**") {
		t.Error("tool call missing from tool activity")
	}
	if !strings.Contains(md, "-> ok: 3 files") {
		t.Error("tool result not coupled to its request")
	}
}

func TestRenderSurfacesCompactionAnchors(t *testing.T) {
	out := Render(sampleInput(), DefaultPolicy())
	if !strings.Contains(string(out.Markdown), "- /home/u/archives/raw/prev.jsonl") {
		t.Error("compaction anchor not surfaced")
	}
}

func TestRenderDropsRepeatedStatusEchoes(t *testing.T) {
	raw := strings.Repeat(`{"type":"message","message":{"role":"assistant","content":[{"type":"text","text":"building... 50%"}]}}`+"\n", 3)
	out := Render(Input{SessionID: "s", Raw: []byte(raw)}, DefaultPolicy())
	if out.FilteredNoise != 2 {
		t.Errorf("filtered = %d, want 2 repeated echoes dropped", out.FilteredNoise)
	}
}

func TestRenderEmptyArchive(t *testing.T) {
	out := Render(Input{SessionID: "empty"}, DefaultPolicy())
	md := string(out.Markdown)
	if !strings.Contains(md, "_No conversational content._") {
		t.Error("empty archive should render the empty summary marker")
	}
	if !strings.Contains(md, "_No tool activity._") {
		t.Error("empty archive should render the empty tool marker")
	}
}
