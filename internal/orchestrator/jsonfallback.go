package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// ExtractFallbackToolCalls implements the last of the four tool-call
// extraction rules (§4.3 rule 4): scan assistant text for balanced JSON
// objects whose "type" field names a tool in the closed set, when none of
// the structured/legacy extraction rules fired. Generalizes the original's
// line-based, two-tool contains_tool_calls/extract_tool_calls (which only
// recognized list_files/read_file on their own line) to all seven tools,
// objects embedded in fenced code blocks, and multiple objects per reply.
// Objects that fail typed deserialization (i.e. aren't valid JSON, or lack
// a recognized "type") are skipped, not returned as errors; neither this
// function nor its caller logs them.
func ExtractFallbackToolCalls(text string, known func(name string) bool) []ToolCallRequest {
	var calls []ToolCallRequest
	for _, candidate := range scanBalancedObjects(stripFences(text)) {
		name, ok := objectType(candidate)
		if !ok || !known(name) {
			continue
		}
		calls = append(calls, ToolCallRequest{
			ID:    "fallback-" + uuid.NewString(),
			Name:  name,
			Input: json.RawMessage(candidate),
		})
	}
	return calls
}

// stripFences removes the ``` / ```lang fence markers from fenced code
// blocks so their JSON body still gets scanned by scanBalancedObjects;
// the fence markers themselves are not valid JSON and would otherwise
// confuse the brace counter only insofar as they sit between objects
// (they never appear inside one), so simple line removal is sufficient.
func stripFences(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// scanBalancedObjects walks text and returns the substring of every
// top-level balanced {...} object, tracking brace depth and skipping over
// braces that appear inside string literals (including escaped quotes).
func scanBalancedObjects(text string) []string {
	var objects []string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					objects = append(objects, text[start:i+1])
					start = -1
				}
			}
		}
	}
	return objects
}

// objectType parses candidate and returns its "type" field, reporting
// false for invalid JSON or a missing/non-string "type".
func objectType(candidate string) (string, bool) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(candidate), &probe); err != nil {
		return "", false
	}
	if probe.Type == "" {
		return "", false
	}
	return probe.Type, true
}

// ToolUseSystemPrompt builds the trailing system-role message the Agent
// Loop appends when a provider supports neither native tools nor legacy
// functions (§4.2 bullet 3 / SPEC_FULL.md §C), generalizing
// create_tool_system_prompt from two hardcoded tools to the full registry.
func ToolUseSystemPrompt(tools []ToolDefinition) string {
	var b strings.Builder
	b.WriteString("You are an AI assistant with access to the following tools. ")
	b.WriteString("When you need to use a tool, respond with ONLY the JSON request object for that tool call, with no other text. ")
	b.WriteString("You may emit more than one tool call object in a single reply. ")
	b.WriteString("After the tool runs you will receive its result and can continue.\n\n")
	for _, t := range tools {
		b.WriteString("- ")
		b.WriteString(t.Name)
		b.WriteString(": ")
		b.WriteString(t.Description)
		b.WriteString("\n  Example: {\"type\": \"")
		b.WriteString(t.Name)
		b.WriteString("\", ...}\n")
	}
	return b.String()
}
