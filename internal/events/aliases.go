package events

import (
	"strings"
	"unicode"
)

// ResolutionKind tags the outcome of a label lookup.
type ResolutionKind int

const (
	// Unknown labels are not in the table and get a best-effort display name.
	Unknown ResolutionKind = iota
	// Canonical labels map to a known stage.
	Canonical
	// Suppressed labels belong to internal or disabled stages and never
	// produce an event.
	Suppressed
)

// Resolution is the tagged result of AliasTable.Resolve.
type Resolution struct {
	Kind        ResolutionKind
	ID          string
	DisplayName string
}

// AliasEntry maps one raw label to a display name, or suppresses it.
type AliasEntry struct {
	Label      string
	Name       string
	Suppressed bool
}

// AliasTable resolves raw stage labels to canonical stage identities. It is
// built once and never mutated.
type AliasTable struct {
	entries map[string]Resolution
}

// DefaultAliasEntries lists the stage labels known to the research pipeline.
func DefaultAliasEntries() []AliasEntry {
	return []AliasEntry{
		{Label: "chief editor", Name: "Coordinator"},
		{Label: "supervisor", Name: "Coordinator"},
		{Label: "orchestrator", Name: "Coordinator"},
		{Label: "coordinator", Name: "Coordinator"},
		{Label: "researcher", Name: "Researcher"},
		{Label: "browser", Name: "Researcher"},
		{Label: "editor", Name: "Editor"},
		{Label: "planner", Name: "Editor"},
		{Label: "human", Name: "Human Review"},
		{Label: "human review", Name: "Human Review"},
		{Label: "writer", Name: "Writer"},
		{Label: "publisher", Name: "Publisher"},
		{Label: "translator", Name: "Translator"},
		{Label: "reviewer", Suppressed: true},
		{Label: "reviser", Suppressed: true},
	}
}

// DefaultStageOrder is the display order of canonical stage ids.
func DefaultStageOrder() []string {
	return []string{"coordinator", "researcher", "editor", "human_review", "writer", "publisher", "translator"}
}

// DefaultAliases returns the table built from DefaultAliasEntries.
func DefaultAliases() *AliasTable {
	return NewAliasTable(DefaultAliasEntries())
}

// NewAliasTable builds a table. Later entries override earlier ones with the
// same normalized label, so configuration can extend the defaults.
func NewAliasTable(entries []AliasEntry) *AliasTable {
	table := &AliasTable{entries: make(map[string]Resolution, len(entries))}
	for _, entry := range entries {
		key := NormalizeLabel(entry.Label)
		if key == "" {
			continue
		}
		if entry.Suppressed {
			table.entries[key] = Resolution{Kind: Suppressed}
			continue
		}
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			continue
		}
		table.entries[key] = Resolution{Kind: Canonical, ID: StageID(name), DisplayName: name}
	}
	return table
}

// Resolve looks up a raw label.
func (t *AliasTable) Resolve(label string) Resolution {
	key := NormalizeLabel(label)
	if key == "" {
		return Resolution{Kind: Suppressed}
	}
	if t != nil {
		if res, ok := t.entries[key]; ok {
			return res
		}
	}
	display := capitalize(key)
	return Resolution{Kind: Unknown, ID: StageID(display), DisplayName: display}
}

// Len returns the number of labels in the table.
func (t *AliasTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// NormalizeLabel lowercases a label and collapses separators so that
// "CHIEF_EDITOR", "Chief-Editor" and "chief  editor" share one key.
func NormalizeLabel(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	label = strings.Map(func(r rune) rune {
		if r == '_' || r == '-' {
			return ' '
		}
		return r
	}, label)
	return strings.Join(strings.Fields(label), " ")
}

// StageID derives the lowercase canonical token for a display name.
func StageID(name string) string {
	return strings.ReplaceAll(NormalizeLabel(name), " ", "_")
}

func capitalize(s string) string {
	runes := []rune(s)
	if len(runes) == 0 {
		return s
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
