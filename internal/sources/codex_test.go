package sources

import "testing"

func TestCodex_DecodeFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "session-abc.json", `{
		"session_id": "abc",
		"turns": [
			{"timestamp":"2026-01-10T10:00:00Z","model":"gpt-5","usage":{"input_tokens":100,"output_tokens":40}},
			{"timestamp":"2026-01-10T10:05:00Z","model":"gpt-5-codex","usage":{"input_tokens":200,"output_tokens":80}},
			{"timestamp":"bad-timestamp","model":"gpt-5","usage":{"input_tokens":1,"output_tokens":1}}
		]
	}`)

	a := NewCodexAt(dir)
	entries, err := a.DecodeFile(path)
	if err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2 (bad-timestamp turn skipped)", len(entries))
	}
	if entries[0].Model != "gpt-5" || entries[1].Model != "gpt-5-codex" {
		t.Fatalf("unexpected models: %q, %q", entries[0].Model, entries[1].Model)
	}
}

func TestCodex_DecodeFile_MalformedFileReturnsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "broken.json", `{not valid json`)

	a := NewCodexAt(dir)
	entries, err := a.DecodeFile(path)
	if err != nil {
		t.Fatalf("DecodeFile should not error on a malformed session file: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %v", entries)
	}
}
