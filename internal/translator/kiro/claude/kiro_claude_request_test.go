package claude

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	authkiro "github.com/kirohub/kiroproxy/internal/auth/kiro"
	"github.com/stretchr/testify/require"
)

func socialToken() *authkiro.KiroTokenStorage {
	return &authkiro.KiroTokenStorage{
		AccessToken: "tok",
		AuthMethod:  "social",
		Region:      "us-east-1",
		ProfileArn:  "arn:aws:codewhisperer:us-east-1:1234:profile/p",
	}
}

func buildPayload(t *testing.T, messages []map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"messages": messages})
	require.NoError(t, err)
	return payload
}

// S6 — a conversation ending on an assistant turn must push that turn into
// history and synthesize "Continue" as the current user message.
func TestBuildRequest_AssistantLastSynthesizesContinue(t *testing.T) {
	payload := buildPayload(t, []map[string]any{
		{"role": "user", "content": "hi"},
		{"role": "assistant", "content": "partial"},
	})

	out, err := BuildRequest("claude-sonnet-4-5", payload, socialToken(), nil)
	require.NoError(t, err)

	conv := mustGet(t, out, "conversationState")
	history := historyEntries(t, conv)
	require.NotEmpty(t, history)

	last := history[len(history)-1]
	arm, ok := last["assistantResponseMessage"].(map[string]any)
	require.True(t, ok, "last history entry must be an assistantResponseMessage, got %#v", last)
	require.Equal(t, "partial", arm["content"])

	current := conv["currentMessage"].(map[string]any)
	uim := current["userInputMessage"].(map[string]any)
	require.Equal(t, "Continue", uim["content"])
}

// Invariant 1: currentMessage.userInputMessage always exists with non-empty content.
func TestBuildRequest_CurrentMessageAlwaysPresent(t *testing.T) {
	payload := buildPayload(t, []map[string]any{
		{"role": "user", "content": "hello there"},
	})
	out, err := BuildRequest("claude-sonnet-4-5", payload, socialToken(), nil)
	require.NoError(t, err)

	conv := mustGet(t, out, "conversationState")
	current := conv["currentMessage"].(map[string]any)
	uim, ok := current["userInputMessage"].(map[string]any)
	require.True(t, ok)
	content, _ := uim["content"].(string)
	require.NotEmpty(t, content)
}

// Invariant 2 / S5 — oversize remediation trims history toward the documented
// floor and keeps the payload from growing unbounded.
func TestBuildRequest_OversizeRemediationShrinksHistory(t *testing.T) {
	t.Setenv("KIRO_MAX_REQUEST_SIZE", "50000")
	t.Setenv("KIRO_MAX_HISTORY", "15")

	messages := make([]map[string]any, 0, 21)
	bigText := strings.Repeat("x", 10000)
	for i := 0; i < 20; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		messages = append(messages, map[string]any{"role": role, "content": bigText})
	}
	messages = append(messages, map[string]any{"role": "user", "content": "final question"})

	payload := buildPayload(t, messages)
	out, err := BuildRequest("claude-sonnet-4-5", payload, socialToken(), nil)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	conv := doc["conversationState"].(map[string]any)
	history, _ := conv["history"].([]any)

	// Capped to KIRO_MAX_HISTORY (15) before remediation, and remediation only
	// ever shrinks further — so it can never exceed that ceiling.
	require.LessOrEqual(t, len(history), 15)
	require.GreaterOrEqual(t, len(history), 3)
}

// Invariant 6 — sanitize removes system-reminder blocks and the interrupted-by-user marker.
func TestBuildRequest_SanitizesReminderBlocks(t *testing.T) {
	dirty := "before <system-reminder>hidden instructions</system-reminder> after [Request interrupted by user] tail"
	payload := buildPayload(t, []map[string]any{
		{"role": "user", "content": dirty},
	})
	out, err := BuildRequest("claude-sonnet-4-5", payload, socialToken(), nil)
	require.NoError(t, err)

	require.NotContains(t, string(out), "system-reminder")
	require.NotContains(t, string(out), "Request interrupted by user")
	require.NotContains(t, string(out), "hidden instructions")
}

// profileArn is only attached for social auth, per the data model.
func TestBuildRequest_ProfileArnOnlyForSocialAuth(t *testing.T) {
	payload := buildPayload(t, []map[string]any{{"role": "user", "content": "hi"}})

	idcToken := &authkiro.KiroTokenStorage{
		AccessToken:  "tok",
		AuthMethod:   "idc",
		Region:       "us-east-1",
		ClientID:     "id",
		ClientSecret: "secret",
		ProfileArn:   "arn:aws:codewhisperer:us-east-1:1234:profile/p",
	}
	out, err := BuildRequest("claude-sonnet-4-5", payload, idcToken, nil)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	_, hasArn := doc["profileArn"]
	require.False(t, hasArn, "idc auth must not attach profileArn")
}

func mustGet(t *testing.T, out []byte, key string) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	v, ok := doc[key].(map[string]any)
	require.True(t, ok, fmt.Sprintf("expected %s to be an object, got %#v", key, doc[key]))
	return v
}

// historyEntries pulls conversationState.history out as a slice of objects;
// after a json.Marshal/Unmarshal round trip every history entry decodes as
// map[string]any regardless of how BuildRequest constructed it internally.
func historyEntries(t *testing.T, conv map[string]any) []map[string]any {
	t.Helper()
	raw, ok := conv["history"].([]any)
	require.True(t, ok, "expected history to be an array, got %#v", conv["history"])
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		require.True(t, ok)
		out = append(out, entry)
	}
	return out
}
