package runner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"jeeves/internal/state"
)

// conventionDocs are prepended, in this order, when present in the working
// directory. Agents honor these files by convention; the engine just carries
// them into the prompt.
var conventionDocs = []string{"AGENTS.md", "CLAUDE.md"}

// memoryCap bounds total injected entries after per-scope filtering.
const memoryCap = 500

var scopeHeadings = map[state.MemoryScope]string{
	state.ScopeWorkingSet: "### Working Set (active)",
	state.ScopeDecisions:  "### Decisions (active)",
	state.ScopeSession:    "### Session Context (phase=%s)",
	state.ScopeCrossRun:   "### Cross-Run Memory (relevant)",
}

// buildPrompt assembles the final prompt for a phase: the memory context
// block, then any agent-convention docs from the working directory, then the
// phase template. The second return reports whether memory injection was
// active; it is false when the relational mirror is unavailable.
func buildPrompt(store *state.Store, phase, template, workDir string) (string, bool, error) {
	var parts []string

	block, enabled, err := memoryBlock(store, phase)
	if err != nil {
		return "", false, err
	}
	if block != "" {
		parts = append(parts, block)
	}

	for _, name := range conventionDocs {
		data, err := os.ReadFile(filepath.Join(workDir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", false, fmt.Errorf("read %s: %w", name, err)
		}
		parts = append(parts, strings.TrimRight(string(data), "\n"))
	}

	if template != "" {
		parts = append(parts, template)
	}
	return strings.Join(parts, "\n\n"), enabled, nil
}

// memoryBlock renders the <memory_context> block. Rendering is deterministic:
// fixed scope order, source_iteration then key within a scope, compact JSON
// values.
func memoryBlock(store *state.Store, phase string) (string, bool, error) {
	entries, err := store.GetMemory("", false)
	if err != nil {
		if errors.Is(err, state.ErrMirrorUnavailable) {
			return "", false, nil
		}
		return "", false, err
	}

	byScope := make(map[state.MemoryScope][]state.MemoryEntry)
	for _, e := range entries {
		if !memoryRelevant(e, phase) {
			continue
		}
		byScope[e.Scope] = append(byScope[e.Scope], e)
	}

	var b strings.Builder
	b.WriteString("<memory_context>\n")
	total := 0
	wrote := false
	for _, scope := range state.KnownScopes {
		scoped := byScope[scope]
		if len(scoped) == 0 {
			continue
		}
		state.SortMemory(scoped)
		heading := scopeHeadings[scope]
		if scope == state.ScopeSession {
			heading = fmt.Sprintf(heading, phase)
		}
		headingWritten := false
		for _, e := range scoped {
			if total >= memoryCap {
				break
			}
			if !headingWritten {
				if wrote {
					b.WriteString("\n")
				}
				b.WriteString(heading + "\n")
				headingWritten = true
				wrote = true
			}
			fmt.Fprintf(&b, "- %s: %s\n", e.Key, compactJSON(e.Value))
			total++
		}
	}
	b.WriteString("</memory_context>")
	if total == 0 {
		return "", true, nil
	}
	return b.String(), true, nil
}

// memoryRelevant applies the per-scope injection filter.
func memoryRelevant(e state.MemoryEntry, phase string) bool {
	switch e.Scope {
	case state.ScopeWorkingSet, state.ScopeDecisions:
		return true
	case state.ScopeSession:
		return strings.HasPrefix(e.Key, phase+":")
	case state.ScopeCrossRun:
		var v struct {
			RelevantPhases []string `json:"relevantPhases"`
		}
		if err := json.Unmarshal(e.Value, &v); err != nil {
			return false
		}
		for _, p := range v.RelevantPhases {
			if p == phase {
				return true
			}
		}
	}
	return false
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
