package helpers

import (
	"strings"

	"github.com/tidwall/gjson"
)

// meteringKeys are the only top-level keys a usage/metering telemetry frame
// carries. The upstream interleaves these with content frames; they must never
// be surfaced as text or mistaken for a tool event.
var meteringKeys = map[string]struct{}{
	"unit":       {},
	"unitPlural": {},
	"usage":      {},
}

// IsContextUsagePayload reports whether node is a metering/usage-accounting
// frame: an object whose keys are drawn entirely from {unit, unitPlural, usage}.
// An empty object does not count (nothing to drop).
func IsContextUsagePayload(node gjson.Result) bool {
	if !node.IsObject() {
		return false
	}
	keys := 0
	onlyMetering := true
	node.ForEach(func(key, _ gjson.Result) bool {
		keys++
		if _, ok := meteringKeys[key.String()]; !ok {
			onlyMetering = false
			return false
		}
		return true
	})
	return keys > 0 && onlyMetering
}

// IsContextUsagePayloadString parses s and delegates to IsContextUsagePayload.
// Non-JSON or non-object input is never a metering payload.
func IsContextUsagePayloadString(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || !gjson.Valid(s) {
		return false
	}
	return IsContextUsagePayload(gjson.Parse(s))
}

// IsMeteringPayloadString is an alias kept for the raw-line normalization path,
// which sees the same shape before it is handed to the event dispatcher.
func IsMeteringPayloadString(s string) bool {
	return IsContextUsagePayloadString(s)
}
