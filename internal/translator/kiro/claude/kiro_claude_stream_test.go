package claude

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func streamEvents(t *testing.T, chunks [][]byte) []gjson.Result {
	t.Helper()
	events := make([]gjson.Result, 0, len(chunks))
	for _, chunk := range chunks {
		for _, line := range strings.Split(string(chunk), "\n") {
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				require.True(t, gjson.Valid(data), "chunk data must be JSON: %q", data)
				events = append(events, gjson.Parse(data))
			}
		}
	}
	return events
}

// The pseudo-stream has a fixed shape: message_start, one block triple per
// tool call, one block triple for text, message_delta, message_stop.
func TestBuildAnthropicStreamingChunks_EventOrder(t *testing.T) {
	calls := []OpenAIToolCall{
		{ID: "t1", Name: "Read", Arguments: `{"path":"/tmp"}`},
		{ID: "t2", Name: "Bash", Arguments: `{"command":"ls"}`},
	}
	chunks := BuildAnthropicStreamingChunks("msg_1", "claude-sonnet-4-5", 0, "done", calls, 3, 7)
	events := streamEvents(t, chunks)

	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Get("type").String())
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_stop",
		"message_delta",
		"message_stop",
	}, types)

	// Tool blocks come first (indexes 0..k-1), text block at index k.
	assert.Equal(t, "tool_use", events[1].Get("content_block.type").String())
	assert.Equal(t, int64(0), events[1].Get("index").Int())
	assert.Equal(t, "tool_use", events[4].Get("content_block.type").String())
	assert.Equal(t, int64(1), events[4].Get("index").Int())
	assert.Equal(t, "text", events[7].Get("content_block.type").String())
	assert.Equal(t, int64(2), events[7].Get("index").Int())

	assert.Equal(t, "tool_use", events[10].Get("delta.stop_reason").String())
	assert.Equal(t, int64(7), events[10].Get("usage.output_tokens").Int())
}

// Round-trip law: the non-streaming message and the pseudo-stream carry the
// same text and the same tool_use blocks (ids, names, inputs).
func TestStreamingAndNonStreamingAgree(t *testing.T) {
	calls := []OpenAIToolCall{
		{ID: "t1", Name: "Read", Arguments: `{"path":"/tmp"}`},
	}
	text := "reading the file"

	message, err := BuildAnthropicMessagePayload("claude-sonnet-4-5", text, calls, 0, 4)
	require.NoError(t, err)
	msg := gjson.ParseBytes(message)

	events := streamEvents(t, BuildAnthropicStreamingChunks("msg_1", "claude-sonnet-4-5", 0, text, calls, 0, 4))

	var streamText strings.Builder
	streamTools := make(map[string]string)
	var currentTool string
	for _, ev := range events {
		switch ev.Get("type").String() {
		case "content_block_start":
			if ev.Get("content_block.type").String() == "tool_use" {
				currentTool = ev.Get("content_block.id").String()
				streamTools[currentTool] = ""
			} else {
				currentTool = ""
			}
		case "content_block_delta":
			switch ev.Get("delta.type").String() {
			case "text_delta":
				streamText.WriteString(ev.Get("delta.text").String())
			case "input_json_delta":
				streamTools[currentTool] += ev.Get("delta.partial_json").String()
			}
		}
	}

	msgText := ""
	msgTools := make(map[string]string)
	msg.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			msgText += block.Get("text").String()
		case "tool_use":
			msgTools[block.Get("id").String()] = block.Get("input").Raw
		}
		return true
	})

	assert.Equal(t, msgText, streamText.String())
	require.Len(t, streamTools, len(msgTools))
	for id, input := range msgTools {
		assert.JSONEq(t, input, streamTools[id], "tool %s input must agree", id)
	}
	assert.Equal(t, "tool_use", msg.Get("stop_reason").String())
}

// The argument string is fed through as-is: key order and formatting are
// preserved for valid JSON, and unparseable arguments survive verbatim.
func TestToolArgumentsPassThroughRaw(t *testing.T) {
	ordered := []OpenAIToolCall{{ID: "t1", Name: "Bash", Arguments: `{"b": 1, "a": 2}`}}
	message, err := BuildAnthropicMessagePayload("claude-sonnet-4-5", "", ordered, 0, 1)
	require.NoError(t, err)
	msg := gjson.ParseBytes(message)
	require.Equal(t, int64(1), msg.Get("content.#").Int(), "tool-call-only reply must carry only tool_use blocks")
	assert.Equal(t, `{"b": 1, "a": 2}`, msg.Get("content.0.input").Raw)
	assert.Equal(t, "tool_use", msg.Get("stop_reason").String())

	events := streamEvents(t, BuildAnthropicStreamingChunks("msg_1", "claude-sonnet-4-5", 0, "", ordered, 0, 1))
	assert.Equal(t, `{"b": 1, "a": 2}`, events[2].Get("delta.partial_json").String())

	malformed := []OpenAIToolCall{{ID: "t2", Name: "Bash", Arguments: `not json at all`}}
	message, err = BuildAnthropicMessagePayload("claude-sonnet-4-5", "", malformed, 0, 1)
	require.NoError(t, err)
	msg = gjson.ParseBytes(message)
	assert.Equal(t, "not json at all", msg.Get("content.0.input").String())

	events = streamEvents(t, BuildAnthropicStreamingChunks("msg_1", "claude-sonnet-4-5", 0, "", malformed, 0, 1))
	assert.Equal(t, "not json at all", events[2].Get("delta.partial_json").String())
}

// A text-only response ends with end_turn and a single text block.
func TestBuildAnthropicMessagePayload_TextOnly(t *testing.T) {
	message, err := BuildAnthropicMessagePayload("claude-sonnet-4-5", "hello", nil, 0, 2)
	require.NoError(t, err)
	msg := gjson.ParseBytes(message)

	assert.Equal(t, "assistant", msg.Get("role").String())
	assert.Equal(t, "end_turn", msg.Get("stop_reason").String())
	require.Equal(t, int64(1), msg.Get("content.#").Int())
	assert.Equal(t, "hello", msg.Get("content.0.text").String())
	assert.True(t, msg.Get("stop_sequence").Type == gjson.Null, "stop_sequence must serialize as null")
}
