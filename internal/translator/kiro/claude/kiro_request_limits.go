package claude

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// coreToolNames is always retained during tool filtering regardless of description
// length or the KIRO_MAX_TOOLS cap.
var coreToolNames = map[string]struct{}{
	"read":            {},
	"write":           {},
	"edit":            {},
	"glob":            {},
	"grep":            {},
	"bash":            {},
	"webfetch":        {},
	"websearch":       {},
	"askuserquestion": {},
}

func isCoreTool(name string) bool {
	_, ok := coreToolNames[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// requestLimits holds the size/count knobs enforced while shaping a request, each
// read from its KIRO_* environment variable with the documented default.
type requestLimits struct {
	MaxHistory        int
	MaxMessageLength  int
	MaxTools          int
	DisableTools      bool
	MaxRequestSize    int
	toolDescCutoff    int
	historyShrinkSize int
}

func loadRequestLimits() requestLimits {
	return requestLimits{
		MaxHistory:        envInt("KIRO_MAX_HISTORY", 15),
		MaxMessageLength:  envInt("KIRO_MAX_MESSAGE_LENGTH", 8000),
		MaxTools:          envInt("KIRO_MAX_TOOLS", 12),
		DisableTools:      envBool("KIRO_DISABLE_TOOLS", false),
		MaxRequestSize:    envInt("KIRO_MAX_REQUEST_SIZE", 100000),
		toolDescCutoff:    1000,
		historyShrinkSize: 2000,
	}
}

// truncateWithMarker truncates text (by rune count) to maxLen, appending marker when
// truncation occurred. maxLen <= 0 disables truncation.
func truncateWithMarker(text, marker string, maxLen int) string {
	if maxLen <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen]) + marker
}

const messageTruncationMarker = "\n...[内容已截断]"
const historyShrinkMarker = "\n...[已截断]"

// capHistoryMessages keeps only the last limit messages, logging when truncation occurs.
func capHistoryMessages(messages []gjson.Result, limit int) []gjson.Result {
	if limit <= 0 || len(messages) <= limit {
		return messages
	}
	dropped := len(messages) - limit
	log.WithFields(log.Fields{
		"dropped": dropped,
		"kept":    limit,
	}).Debug("kiro translator: trimmed oldest history messages to KIRO_MAX_HISTORY")
	return messages[dropped:]
}

// filterToolSpecs applies the core-tool whitelist, the 1000-char description drop for
// non-core tools, and the KIRO_MAX_TOOLS cap. specs and contexts are parallel slices
// produced by buildToolSpecifications, matched by index.
func filterToolSpecs(specs []map[string]any, contexts []toolContextEntry, limits requestLimits) ([]map[string]any, []toolContextEntry) {
	if limits.DisableTools {
		return nil, nil
	}
	if len(specs) == 0 {
		return specs, contexts
	}

	type kept struct {
		spec    map[string]any
		context *toolContextEntry
		core    bool
	}
	byName := make(map[string]*toolContextEntry, len(contexts))
	for i := range contexts {
		byName[contexts[i].Name] = &contexts[i]
	}

	survivors := make([]kept, 0, len(specs))
	for _, spec := range specs {
		toolSpec, _ := spec["toolSpecification"].(map[string]any)
		name, _ := toolSpec["name"].(string)
		core := isCoreTool(name)

		if !core {
			fullLen := 0
			if ctx, ok := byName[name]; ok {
				fullLen = ctx.Length
			} else if desc, ok := toolSpec["description"].(string); ok {
				fullLen = len([]rune(desc))
			}
			if fullLen > limits.toolDescCutoff {
				continue
			}
		}

		survivors = append(survivors, kept{spec: spec, context: byName[name], core: core})
	}

	if limits.MaxTools > 0 && len(survivors) > limits.MaxTools {
		core := make([]kept, 0, len(survivors))
		rest := make([]kept, 0, len(survivors))
		for _, s := range survivors {
			if s.core {
				core = append(core, s)
			} else {
				rest = append(rest, s)
			}
		}
		capped := append([]kept{}, core...)
		for _, s := range rest {
			if len(capped) >= limits.MaxTools {
				break
			}
			capped = append(capped, s)
		}
		survivors = capped
	}

	outSpecs := make([]map[string]any, 0, len(survivors))
	outContexts := make([]toolContextEntry, 0, len(survivors))
	for _, s := range survivors {
		outSpecs = append(outSpecs, s.spec)
		if s.context != nil {
			outContexts = append(outContexts, *s.context)
		}
	}
	return outSpecs, outContexts
}

// enforceRequestSize serializes request and, if over limits.MaxRequestSize, applies the
// staged remediations in order, re-serializing after each, stopping as soon as the
// payload fits. Remediation is best-effort: the final payload is returned (and sent)
// even if it remains over budget.
func enforceRequestSize(request map[string]any, limits requestLimits) ([]byte, error) {
	serialize := func() ([]byte, error) { return json.Marshal(request) }

	out, err := serialize()
	if err != nil || limits.MaxRequestSize <= 0 || len(out) <= limits.MaxRequestSize {
		return out, err
	}

	conv, ok := request["conversationState"].(map[string]any)
	if !ok {
		return out, err
	}
	history, _ := conv["history"].([]map[string]any)

	log.WithFields(log.Fields{
		"size":  len(out),
		"limit": limits.MaxRequestSize,
	}).Warn("kiro translator: request exceeds KIRO_MAX_REQUEST_SIZE, applying staged remediation")

	// a. Shift oldest history entries off while len(history) > 5.
	for len(history) > 5 {
		history = history[1:]
		conv["history"] = toAnyHistory(history)
		out, err = serialize()
		if err != nil || len(out) <= limits.MaxRequestSize {
			return out, err
		}
	}

	// b. Re-truncate history text content to 2000 characters.
	history = shrinkHistoryText(history, limits.historyShrinkSize)
	conv["history"] = toAnyHistory(history)
	out, err = serialize()
	if err != nil || len(out) <= limits.MaxRequestSize {
		return out, err
	}

	// c. Drop tools from the current message context.
	if current, ok := conv["currentMessage"].(map[string]any); ok {
		if uim, ok := current["userInputMessage"].(map[string]any); ok {
			if ctx, ok := uim["userInputMessageContext"].(map[string]any); ok {
				ctx["tools"] = nil
			}
		}
	}
	out, err = serialize()
	if err != nil || len(out) <= limits.MaxRequestSize {
		return out, err
	}

	// d. Emergency: keep only the last 3 history entries.
	if len(history) > 3 {
		history = history[len(history)-3:]
		conv["history"] = toAnyHistory(history)
		out, err = serialize()
	}
	return out, err
}

func toAnyHistory(history []map[string]any) []map[string]any {
	return history
}

func shrinkHistoryText(history []map[string]any, maxLen int) []map[string]any {
	for _, entry := range history {
		if uim, ok := entry["userInputMessage"].(map[string]any); ok {
			if text, ok := uim["content"].(string); ok {
				uim["content"] = truncateWithMarker(text, historyShrinkMarker, maxLen)
			}
		}
		if arm, ok := entry["assistantResponseMessage"].(map[string]any); ok {
			if text, ok := arm["content"].(string); ok {
				arm["content"] = truncateWithMarker(text, historyShrinkMarker, maxLen)
			}
		}
	}
	return history
}
