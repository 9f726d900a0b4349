package core

import (
	"regexp"
	"strings"
)

// reDateSuffix matches a trailing release-date suffix on a model id, e.g.
// "-20251101" or "-2026-01-10", the way vendors stamp dated model snapshots.
var reDateSuffix = regexp.MustCompile(`-(20\d{2})[-_]?(0[1-9]|1[0-2])[-_]?(0[1-9]|[12]\d|3[01])$`)

// displayNames maps a canonical id to a short human label. Unlisted ids fall
// back to a title-cased rendering of the canonical form.
var displayNames = map[string]string{
	"claude-opus-4-6":        "Opus 4.6",
	"claude-opus-4-5":        "Opus 4.5",
	"claude-sonnet-4-5":      "Sonnet 4.5",
	"claude-sonnet-4":        "Sonnet 4",
	"claude-haiku-3-5":       "Haiku 3.5",
	"claude-3-opus":          "Opus 3",
	"claude-3-sonnet":        "Sonnet 3",
	"claude-3-haiku":         "Haiku 3",
	"gpt-5":                  "GPT-5",
	"gpt-5-codex":            "GPT-5 Codex",
	"gpt-4-1":                "GPT-4.1",
	"gemini-2-5-pro":         "Gemini 2.5 Pro",
	"gemini-2-5-flash":       "Gemini 2.5 Flash",
	"unknown":                "Unknown model",
}

// NormalizeModel canonicalizes a raw, vendor-dependent model identifier:
// lower-cased, dots replaced with hyphens, a trailing release-date suffix
// stripped, surrounding whitespace trimmed. Empty or unparseable input maps
// to "unknown". Pure and deterministic — must run before any map key is
// built or cache lookup performed.
func NormalizeModel(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, ".", "-")
	s = reDateSuffix.ReplaceAllString(s, "")
	s = strings.Trim(s, "-_ ")
	if s == "" {
		return "unknown"
	}
	return s
}

// DisplayLabel returns a human-friendly label for an already-canonical model
// id. Callers must normalize first; DisplayLabel does not re-normalize.
func DisplayLabel(canonical string) string {
	if label, ok := displayNames[canonical]; ok {
		return label
	}
	parts := strings.Split(canonical, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
