package providers

import (
	"fmt"
	"strings"

	"github.com/dotbot-ai/dotbot/internal/llm"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// maxToolNameLen is the tightest tool identifier limit across the vendors
// this package talks to.
const maxToolNameLen = 64

// sanitizeToolName maps a canonical dotted tool id ("memory.search") into
// the character set every vendor accepts. Dots and any other disallowed
// rune become underscores, and the result is capped at maxToolNameLen.
func sanitizeToolName(name string) string {
	if name == "" {
		return name
	}
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
		if len(out) == maxToolNameLen {
			break
		}
	}
	return string(out)
}

// nameTable maps canonical tool ids to provider-facing names and back for
// the tools of one request. Each request builds its own table because two
// tool sets can mangle differently.
type nameTable struct {
	canonToProv map[string]string
	provToCanon map[string]string
}

// newNameTable builds the mapping for a tool set. When two canonical ids
// sanitize to the same name, later ones get a numeric suffix so every tool
// stays addressable.
func newNameTable(tools []llm.Tool) nameTable {
	t := nameTable{
		canonToProv: make(map[string]string, len(tools)),
		provToCanon: make(map[string]string, len(tools)),
	}
	for _, tool := range tools {
		if tool.Name == "" {
			continue
		}
		if _, ok := t.canonToProv[tool.Name]; ok {
			continue
		}
		mangled := sanitizeToolName(tool.Name)
		for n := 2; ; n++ {
			prev, taken := t.provToCanon[mangled]
			if !taken || prev == tool.Name {
				break
			}
			suffix := fmt.Sprintf("_%d", n)
			base := sanitizeToolName(tool.Name)
			if len(base)+len(suffix) > maxToolNameLen {
				base = base[:maxToolNameLen-len(suffix)]
			}
			mangled = base + suffix
		}
		t.canonToProv[tool.Name] = mangled
		t.provToCanon[mangled] = tool.Name
	}
	return t
}

// provider returns the provider-facing name for a canonical id. Ids outside
// the table pass through sanitized so a stale call never produces an
// invalid wire name.
func (t nameTable) provider(canonical string) string {
	if mangled, ok := t.canonToProv[canonical]; ok {
		return mangled
	}
	return sanitizeToolName(canonical)
}

// canonical maps a provider-facing name back to its canonical id. Unmapped
// names surface as-is: when the model hallucinates a tool, the loop should
// see exactly what was asked for and answer with an error result.
func (t nameTable) canonical(raw string) string {
	if canonical, ok := t.provToCanon[raw]; ok {
		return canonical
	}
	return raw
}

// providerToolName picks the wire name to replay for a recorded tool call.
// Calls that came back from a vendor already carry the mangled name;
// synthesized calls carry only the canonical id.
func providerToolName(tc models.ToolCall, names nameTable) string {
	if tc.Name != "" {
		return tc.Name
	}
	return names.provider(tc.ToolID)
}

// toolNameForCall resolves the provider-facing function name a tool result
// answers by scanning prior assistant turns. Gemini and local runtimes
// match results to calls by name rather than id. Synthesized ids carry the
// name in their "call_<name>_<nanos>" form as a fallback.
func toolNameForCall(callID string, msgs []llm.Message, names nameTable) string {
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			if tc.ID == callID {
				return providerToolName(tc, names)
			}
		}
	}
	if rest, ok := strings.CutPrefix(callID, "call_"); ok {
		if i := strings.LastIndex(rest, "_"); i > 0 {
			return rest[:i]
		}
	}
	return callID
}
