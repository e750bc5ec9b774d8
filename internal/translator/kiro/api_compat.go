package kiro

import (
	"time"

	"github.com/google/uuid"
	authkiro "github.com/kirohub/kiroproxy/internal/auth/kiro"
	"github.com/kirohub/kiroproxy/internal/translator/kiro/claude"
	"github.com/kirohub/kiroproxy/internal/translator/kiro/helpers"
)

// Re-export core types for backward compatibility.
type (
	OpenAIToolCall   = claude.OpenAIToolCall
	JSONProcessor    = claude.JSONProcessor
	ContentExtractor = claude.ContentExtractor
	ResponseParser   = claude.ResponseParser
)

// Constructors / helpers
func NewJSONProcessor() JSONProcessor       { return claude.NewJSONProcessor() }
func NewContentExtractor() ContentExtractor { return claude.NewContentExtractor() }
func NewResponseParser(processor JSONProcessor, extractor ContentExtractor) ResponseParser {
	return claude.NewResponseParser(processor, extractor)
}

// Request/response translation
func BuildRequest(model string, payload []byte, token *authkiro.KiroTokenStorage, metadata map[string]any) ([]byte, error) {
	return claude.BuildRequest(model, payload, token, metadata)
}

func ParseResponse(data []byte) (string, []OpenAIToolCall) { return claude.ParseResponse(data) }

func BuildAnthropicMessagePayload(model, content string, toolCalls []OpenAIToolCall, promptTokens, completionTokens int64) ([]byte, error) {
	return claude.BuildAnthropicMessagePayload(model, content, toolCalls, promptTokens, completionTokens)
}

func BuildOpenAIChatCompletionPayload(model, content string, toolCalls []OpenAIToolCall, promptTokens, completionTokens int64) ([]byte, error) {
	return claude.BuildOpenAIChatCompletionPayload(model, content, toolCalls, promptTokens, completionTokens)
}

func BuildAnthropicStreamingChunks(id, model string, created int64, content string, toolCalls []OpenAIToolCall, promptTokens, completionTokens int64) [][]byte {
	return claude.BuildAnthropicStreamingChunks(id, model, created, content, toolCalls, promptTokens, completionTokens)
}

func BuildStreamingChunks(id, model string, created int64, content string, toolCalls []OpenAIToolCall) [][]byte {
	return claude.BuildStreamingChunks(id, model, created, content, toolCalls)
}

// Streaming helpers
func NormalizeKiroStreamPayload(raw []byte) []byte { return helpers.NormalizeKiroStreamPayload(raw) }

// ConvertKiroStreamToAnthropic parses a raw Kiro response buffer (binary-framed
// or already textual) and re-synthesizes it as the pseudo-stream chunk sequence
// a C-style streaming client expects. Returns nil when the buffer carries
// neither text nor tool calls, so the caller can fall back to a plain message.
func ConvertKiroStreamToAnthropic(raw []byte, model string, promptTokens, completionTokens int64) [][]byte {
	content, toolCalls := claude.ParseResponse(raw)
	if content == "" && len(toolCalls) == 0 {
		return nil
	}
	id := "msg_" + uuid.NewString()
	return claude.BuildAnthropicStreamingChunks(id, model, time.Now().Unix(), content, toolCalls, promptTokens, completionTokens)
}

// Model mapping
func MapModel(model string) string { return helpers.MapModel(model) }

func SanitizeToolCallID(id string) string { return helpers.SanitizeToolCallID(id) }
func ValidateToolCallID(id string) bool   { return helpers.ValidateToolCallID(id) }
