package sse

import "strings"

// DefaultTerminator is the done marker OpenAI-compatible providers send as
// their last data record.
const DefaultTerminator = "[DONE]"

// ParseDataLine splits an SSE line into its data payload. ok is false when
// the line is not a data record. A single optional space after the colon is
// part of the field separator, not of the payload.
func ParseDataLine(raw string, prefix string) (payload string, ok bool) {
	if prefix == "" {
		prefix = "data:"
	}
	line := strings.TrimSpace(raw)
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
}

// isFieldLine reports SSE lines that carry no data for this relay: comments
// (often used as pings) and event/id/retry fields.
func isFieldLine(line string) bool {
	if strings.HasPrefix(line, ":") {
		return true
	}
	for _, f := range []string{"event:", "id:", "retry:"} {
		if strings.HasPrefix(line, f) {
			return true
		}
	}
	return false
}
