package sse

import (
	"encoding/json"
	"fmt"
)

type EventKind int

const (
	EventKeepalive EventKind = iota
	EventToken
	EventJSONRecord
	EventTerminator
	EventMalformed
)

func (k EventKind) String() string {
	switch k {
	case EventKeepalive:
		return "keepalive"
	case EventToken:
		return "token"
	case EventJSONRecord:
		return "json-record"
	case EventTerminator:
		return "terminator"
	case EventMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is the typed view of one frame.
type Event struct {
	Kind EventKind
	// Text is set for EventToken.
	Text string
	// Raw and Value are set for EventJSONRecord. Value is the generic decode
	// of Raw; extractors that want typed structs decode Raw themselves.
	Raw   json.RawMessage
	Value any
	// Frame is the source frame, kept for logging malformed input.
	Frame Frame
	// Reason explains why a frame was classified as malformed.
	Reason string
	// Unterminated marks the partial frame flushed at end of stream.
	Unterminated bool
}

// LineText returns a token's text with the newline that ended its frame.
func (e Event) LineText() string {
	if e.Unterminated {
		return e.Text
	}
	return e.Text + "\n"
}

func Token(text string) Event {
	return Event{Kind: EventToken, Text: text}
}

func Malformed(frame Frame, reason string) Event {
	return Event{Kind: EventMalformed, Frame: frame, Reason: reason}
}
