package sources

import "testing"

func TestGeminiCLI_DecodeFile_LastRecordWinsPerSession(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "events.jsonl", `
{"session_id":"s1","timestamp":"2026-01-10T10:00:00Z","model":"gemini-2-5-pro","cumulative_usage":{"input_tokens":100,"output_tokens":40}}
{"session_id":"s1","timestamp":"2026-01-10T10:05:00Z","model":"gemini-2-5-pro","cumulative_usage":{"input_tokens":300,"output_tokens":120}}
{"session_id":"s2","timestamp":"2026-01-10T11:00:00Z","model":"gemini-2-5-flash","cumulative_usage":{"input_tokens":10,"output_tokens":5}}
`)

	a := NewGeminiCLIAt(dir)
	entries, err := a.DecodeFile(path)
	if err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2 (one synthesized entry per session)", len(entries))
	}

	var s1 *struct{ input, output int64 }
	for _, e := range entries {
		if e.Model == "gemini-2-5-pro" {
			s1 = &struct{ input, output int64 }{e.InputTokens, e.OutputTokens}
		}
	}
	if s1 == nil {
		t.Fatalf("missing session s1 entry")
	}
	if s1.input != 300 || s1.output != 120 {
		t.Fatalf("session s1 = %+v, want the LAST cumulative record (300/120), not a sum", s1)
	}
}

func TestGeminiCLI_DecodeFile_SkipsEventsWithoutSessionID(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "events.jsonl", `{"timestamp":"2026-01-10T10:00:00Z","model":"gemini-2-5-pro","cumulative_usage":{"input_tokens":100}}`)

	a := NewGeminiCLIAt(dir)
	entries, err := a.DecodeFile(path)
	if err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries for a session-less event, got %v", entries)
	}
}
