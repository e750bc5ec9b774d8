// Package chat_completions translates OpenAI Chat Completions requests into
// Kiro CodeWhisperer conversation requests. The Claude Messages path carries
// the full shaping pipeline; this entry point covers chat-completions-style
// callers, which only ever send plain text and tool_calls.
package chat_completions

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	chatTriggerType = "MANUAL"
	messageOrigin   = "AI_EDITOR"
)

// Kiro model mapping
var kiroModelMapping = map[string]string{
	"claude-sonnet-4-5":                  "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929":         "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-20250514":           "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219":         "CLAUDE_3_7_SONNET_20250219_V1_0",
	"amazonq-claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"amazonq-claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
}

// ConvertOpenAIRequestToKiro converts an OpenAI Chat Completions request (raw
// JSON) into a Kiro CodeWhisperer conversation request. System messages are
// folded into the first user turn, assistant turns become
// assistantResponseMessage history entries (carrying toolUses when the turn
// had tool_calls), and the final user turn becomes currentMessage. A
// transcript ending on an assistant turn gets a synthesized "Continue"
// current message, the same rule the Claude path applies.
func ConvertOpenAIRequestToKiro(modelName string, inputRawJSON []byte, _ bool) []byte {
	kiroModel := getKiroModel(modelName)

	history := make([]map[string]any, 0, 8)
	systemText := ""
	currentText := ""

	messages := gjson.GetBytes(inputRawJSON, "messages")
	if messages.Exists() && messages.IsArray() {
		arr := messages.Array()
		for i, msg := range arr {
			role := strings.ToLower(strings.TrimSpace(msg.Get("role").String()))
			text := messageText(msg)
			last := i == len(arr)-1

			switch role {
			case "system", "developer":
				systemText = combine(systemText, text)
			case "assistant":
				entry := map[string]any{
					"assistantResponseMessage": map[string]any{
						"content": nonEmpty(text),
					},
				}
				if uses := assistantToolUses(msg); len(uses) > 0 {
					entry["assistantResponseMessage"].(map[string]any)["toolUses"] = uses
				}
				history = append(history, entry)
			case "user", "tool":
				if last {
					currentText = text
					continue
				}
				history = append(history, userEntry(nonEmpty(text), kiroModel))
			}
		}
	}

	if systemText != "" {
		if len(history) > 0 {
			if uim, ok := history[0]["userInputMessage"].(map[string]any); ok {
				if content, ok := uim["content"].(string); ok {
					uim["content"] = combine(systemText, content)
				}
			} else {
				history = append([]map[string]any{userEntry(systemText, kiroModel)}, history...)
			}
		} else if currentText != "" {
			currentText = combine(systemText, currentText)
		} else {
			currentText = systemText
		}
	}

	current := userEntry(nonEmpty(currentText), kiroModel)
	request := map[string]any{
		"conversationState": map[string]any{
			"chatTriggerType": chatTriggerType,
			"conversationId":  uuid.NewString(),
			"currentMessage":  current,
			"history":         history,
		},
	}

	out, err := json.Marshal(request)
	if err != nil {
		return []byte(`{"conversationState":{}}`)
	}
	return out
}

func userEntry(content, model string) map[string]any {
	return map[string]any{
		"userInputMessage": map[string]any{
			"content": content,
			"modelId": model,
			"origin":  messageOrigin,
		},
	}
}

// messageText flattens string or multi-part content into a single string.
func messageText(msg gjson.Result) string {
	content := msg.Get("content")
	if content.Type == gjson.String {
		return strings.TrimSpace(content.String())
	}
	if content.IsArray() {
		parts := make([]string, 0, len(content.Array()))
		content.ForEach(func(_, part gjson.Result) bool {
			if text := strings.TrimSpace(part.Get("text").String()); text != "" {
				parts = append(parts, text)
			}
			return true
		})
		return strings.Join(parts, "\n")
	}
	return ""
}

func assistantToolUses(msg gjson.Result) []map[string]any {
	calls := msg.Get("tool_calls")
	if !calls.Exists() || !calls.IsArray() {
		return nil
	}
	uses := make([]map[string]any, 0, len(calls.Array()))
	calls.ForEach(func(_, call gjson.Result) bool {
		name := call.Get("function.name").String()
		if name == "" {
			return true
		}
		var input any = map[string]any{}
		if args := call.Get("function.arguments").String(); args != "" {
			var parsed any
			if err := json.Unmarshal([]byte(args), &parsed); err == nil && parsed != nil {
				input = parsed
			}
		}
		uses = append(uses, map[string]any{
			"toolUseId": call.Get("id").String(),
			"name":      name,
			"input":     input,
		})
		return true
	})
	return uses
}

func combine(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n\n" + b
	}
}

// nonEmpty substitutes the standard placeholder for blank message content,
// which Kiro rejects.
func nonEmpty(text string) string {
	if strings.TrimSpace(text) == "" {
		return "Continue"
	}
	return text
}

// getKiroModel returns the Kiro internal model name for the given model.
func getKiroModel(modelName string) string {
	if kiroModel, exists := kiroModelMapping[modelName]; exists {
		return kiroModel
	}
	// Default to claude-sonnet-4-5 if no mapping found
	return kiroModelMapping["claude-sonnet-4-5"]
}
