package sse

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Framing selects how frames are interpreted.
type Framing int

const (
	// FramingSSE expects "data: <json>" records.
	FramingSSE Framing = iota
	// FramingNDJSON expects one JSON value per line.
	FramingNDJSON
	// FramingPlain treats every non-blank line as text.
	FramingPlain
)

// ParseFraming maps a configuration value to a Framing.
func ParseFraming(s string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sse":
		return FramingSSE, nil
	case "ndjson", "jsonl":
		return FramingNDJSON, nil
	case "plain", "text":
		return FramingPlain, nil
	}
	return FramingSSE, fmt.Errorf("unknown framing %q", s)
}

// Grammar is the framing grammar of one provider.
type Grammar struct {
	Framing    Framing
	DataPrefix string
	Terminator string
}

func DefaultGrammar() Grammar {
	return Grammar{Framing: FramingSSE, DataPrefix: "data:", Terminator: DefaultTerminator}
}

type SuppressMode int

const (
	// SuppressDrop discards a whole token that contains the pattern.
	SuppressDrop SuppressMode = iota
	// SuppressStrip removes only the pattern text from the token.
	SuppressStrip
)

func ParseSuppressMode(s string) (SuppressMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop":
		return SuppressDrop, nil
	case "strip":
		return SuppressStrip, nil
	}
	return SuppressDrop, fmt.Errorf("unknown suppress mode %q", s)
}

// SuppressRule hides matching text from the outbound stream.
type SuppressRule struct {
	Pattern string
	Mode    SuppressMode
}

// Classifier maps frames to events. It is stateless apart from its
// configuration and safe to share between streams.
type Classifier struct {
	grammar  Grammar
	suppress []SuppressRule
}

func NewClassifier(g Grammar, rules ...SuppressRule) *Classifier {
	if g.Framing == FramingSSE && g.DataPrefix == "" {
		g.DataPrefix = "data:"
	}
	kept := make([]SuppressRule, 0, len(rules))
	for _, r := range rules {
		if r.Pattern != "" {
			kept = append(kept, r)
		}
	}
	return &Classifier{grammar: g, suppress: kept}
}

func (c *Classifier) Grammar() Grammar {
	return c.grammar
}

// Classify applies the rules in order: blank, terminator, framing.
func (c *Classifier) Classify(f Frame) Event {
	line := strings.TrimSpace(string(f))
	if line == "" {
		return Event{Kind: EventKeepalive, Frame: f}
	}
	if c.isTerminator(line) {
		return Event{Kind: EventTerminator, Frame: f}
	}
	switch c.grammar.Framing {
	case FramingSSE:
		payload, ok := ParseDataLine(line, c.grammar.DataPrefix)
		if !ok {
			if isFieldLine(line) {
				return Event{Kind: EventKeepalive, Frame: f}
			}
			return Malformed(f, "line outside data record")
		}
		if payload == "" {
			return Event{Kind: EventKeepalive, Frame: f}
		}
		return parseRecord(f, payload)
	case FramingNDJSON:
		return parseRecord(f, line)
	default:
		ev := Token(string(f))
		ev.Frame = f
		return ev
	}
}

func (c *Classifier) isTerminator(line string) bool {
	term := c.grammar.Terminator
	if term == "" {
		return false
	}
	if line == term {
		return true
	}
	if c.grammar.Framing == FramingSSE {
		payload, ok := ParseDataLine(line, c.grammar.DataPrefix)
		return ok && payload == term
	}
	return false
}

func parseRecord(f Frame, payload string) Event {
	var v any
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return Malformed(f, err.Error())
	}
	return Event{Kind: EventJSONRecord, Raw: json.RawMessage(payload), Value: v, Frame: f}
}

// Filter applies the suppress rules to an extracted text token. ok is false
// when the token must not reach the client.
func (c *Classifier) Filter(text string) (string, bool) {
	for _, r := range c.suppress {
		if !strings.Contains(text, r.Pattern) {
			continue
		}
		switch r.Mode {
		case SuppressStrip:
			text = strings.ReplaceAll(text, r.Pattern, "")
		default:
			return "", false
		}
	}
	return text, text != ""
}
