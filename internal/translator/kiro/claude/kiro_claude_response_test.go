package claude

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S1 — simple text: a single content event yields the assistant's text with no tool calls.
func TestParseResponse_SimpleText(t *testing.T) {
	raw := []byte(`event{"content":"hello"}`)
	text, calls := ParseResponse(raw)
	assert.Equal(t, "hello", text)
	assert.Empty(t, calls)
}

// S2 — bracket tool call embedded in a content event, with no structured tool-use event.
func TestParseResponse_BracketToolCallOnly(t *testing.T) {
	raw := []byte("event{\"content\":\"I'll run \"}\n[Called Bash with args: {command: \"ls\"}]")
	text, calls := ParseResponse(raw)

	require.Len(t, calls, 1)
	assert.Equal(t, "Bash", calls[0].Name)
	assert.JSONEq(t, `{"command":"ls"}`, calls[0].Arguments)
	assert.NotContains(t, text, "[Called")
	assert.Contains(t, text, "I'll run")
}

// S3 — a structured tool-use event split across three chunks (name only on the opener).
func TestParseResponse_StructuredToolUseAcrossChunks(t *testing.T) {
	raw := []byte(`{"name":"Read","toolUseId":"t1","input":"{\"path\":"}
{"toolUseId":"t1","input":"\"/tmp\"}"}
{"toolUseId":"t1","stop":true}`)

	_, calls := ParseResponse(raw)

	require.Len(t, calls, 1)
	assert.Equal(t, "Read", calls[0].Name)
	assert.Equal(t, "t1", calls[0].ID)
	assert.JSONEq(t, `{"path":"/tmp"}`, calls[0].Arguments)
}

// Invariant 3: no bracket-call substring survives in responseText.
func TestParseResponse_StripsBracketSpans(t *testing.T) {
	raw := []byte("event{\"content\":\"before \"}\n[Called Grep with args: {pattern: \"foo\"}]\nevent{\"content\":\" after\"}")
	text, _ := ParseResponse(raw)
	assert.NotContains(t, text, "[Called")
	assert.NotContains(t, text, "Grep")
}

// Invariant 4: duplicate (name, arguments) tool calls collapse to one, first occurrence wins.
func TestParseResponse_DeduplicatesToolCalls(t *testing.T) {
	raw := []byte("[Called Bash with args: {command: \"ls\"}] [Called Bash with args: {command: \"ls\"}]")
	_, calls := ParseResponse(raw)
	require.Len(t, calls, 1)
	assert.Equal(t, "Bash", calls[0].Name)
}

func TestParseResponse_EmptyInput(t *testing.T) {
	text, calls := ParseResponse(nil)
	assert.Empty(t, text)
	assert.Empty(t, calls)
}

func TestDeduplicateToolCalls(t *testing.T) {
	calls := []OpenAIToolCall{
		{ID: "a", Name: "Bash", Arguments: `{"command":"ls"}`},
		{ID: "b", Name: "Bash", Arguments: `{"command":"ls"}`},
		{ID: "c", Name: "Bash", Arguments: `{"command":"pwd"}`},
	}
	deduped := deduplicateToolCalls(calls)
	require.Len(t, deduped, 2)
	assert.Equal(t, "a", deduped[0].ID)
	assert.Equal(t, "c", deduped[1].ID)
}

func TestStripBracketToolCallSpans(t *testing.T) {
	in := `I'll run [Called Bash with args: {command: "ls"}] now`
	out := stripBracketToolCallSpans(in)
	assert.NotContains(t, out, "[Called")
	assert.Contains(t, out, "I'll run")
	assert.Contains(t, out, "now")
}

func TestSanitizeJSONRepairsCommonMalformations(t *testing.T) {
	repaired := sanitizeJSON(`{command: "ls", extra: true,}`)
	assert.JSONEq(t, `{"command":"ls","extra":true}`, repaired)
}
