package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrMultipleItems = errors.New("expected a single object, got an array of several")

// ParseLenientJSON parses JSON produced by a language model. Models like to
// wrap objects in markdown fences and sometimes return a one-element array
// instead of the object itself; both are accepted.
func ParseLenientJSON(content string) (any, error) {
	cleaned := StripCodeFence(content)
	var v any
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return nil, err
	}
	if arr, ok := v.([]any); ok {
		switch len(arr) {
		case 0:
			return arr, nil
		case 1:
			return arr[0], nil
		default:
			return nil, fmt.Errorf("%w (%d items)", ErrMultipleItems, len(arr))
		}
	}
	return v, nil
}

// ParseLenientObject is ParseLenientJSON restricted to objects.
func ParseLenientObject(content string) (map[string]any, error) {
	v, err := ParseLenientJSON(content)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a JSON object, got %T", v)
	}
	return m, nil
}

// StripCodeFence removes a leading ``` or ```json fence and a trailing ```.
func StripCodeFence(content string) string {
	s := strings.TrimSpace(content)
	switch {
	case strings.HasPrefix(s, "```json"):
		s = s[len("```json"):]
	case strings.HasPrefix(s, "```"):
		s = s[len("```"):]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
