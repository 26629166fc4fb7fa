package sse

import "testing"

func TestClassifySSERules(t *testing.T) {
	c := NewClassifier(DefaultGrammar())
	cases := []struct {
		frame Frame
		want  EventKind
	}{
		{"", EventKeepalive},
		{"   \t", EventKeepalive},
		{": keep-alive", EventKeepalive},
		{"event: message", EventKeepalive},
		{"data: [DONE]", EventTerminator},
		{"data:[DONE]", EventTerminator},
		{`data: {"text":"Hi"}`, EventJSONRecord},
		{`data: {"text":`, EventMalformed},
		{"data:", EventKeepalive},
		{"garbage", EventMalformed},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.frame).Kind; got != tc.want {
			t.Fatalf("frame %q: expected %s, got %s", tc.frame, tc.want, got)
		}
	}
}

func TestClassifyMalformedToleranceKeepsOrder(t *testing.T) {
	c := NewClassifier(DefaultGrammar())
	frames := []Frame{
		`data: {"i":1}`,
		`data: {"i":2}`,
		`data: {"i":3`,
		`data: {"i":4}`,
		`data: {"i":5}`,
	}
	var kinds []EventKind
	for _, f := range frames {
		kinds = append(kinds, c.Classify(f).Kind)
	}
	want := []EventKind{EventJSONRecord, EventJSONRecord, EventMalformed, EventJSONRecord, EventJSONRecord}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("index %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
}

func TestClassifyMalformedKeepsReason(t *testing.T) {
	c := NewClassifier(DefaultGrammar())
	ev := c.Classify(`data: {"broken"`)
	if ev.Kind != EventMalformed || ev.Reason == "" || ev.Frame != `data: {"broken"` {
		t.Fatalf("unexpected event: %#v", ev)
	}
}

func TestClassifyNDJSON(t *testing.T) {
	c := NewClassifier(Grammar{Framing: FramingNDJSON})
	ev := c.Classify(`{"type":"summary","data":"x"}`)
	if ev.Kind != EventJSONRecord {
		t.Fatalf("expected json record, got %s", ev.Kind)
	}
	m, _ := ev.Value.(map[string]any)
	if m["type"] != "summary" {
		t.Fatalf("unexpected value: %#v", ev.Value)
	}
	if c.Classify("not json").Kind != EventMalformed {
		t.Fatal("expected malformed for non-json line")
	}
}

func TestClassifyPlainText(t *testing.T) {
	c := NewClassifier(Grammar{Framing: FramingPlain})
	ev := c.Classify("  hello world")
	if ev.Kind != EventToken || ev.Text != "  hello world" {
		t.Fatalf("unexpected event: %#v", ev)
	}
}

func TestFilterDropAndStrip(t *testing.T) {
	drop := NewClassifier(DefaultGrammar(), SuppressRule{Pattern: "```"})
	if _, ok := drop.Filter("```json"); ok {
		t.Fatal("expected fenced token to be dropped")
	}
	if got, ok := drop.Filter("plain"); !ok || got != "plain" {
		t.Fatalf("unexpected filter result %q %v", got, ok)
	}

	strip := NewClassifier(DefaultGrammar(), SuppressRule{Pattern: "```", Mode: SuppressStrip})
	if got, ok := strip.Filter("{\"a\":1}```"); !ok || got != `{"a":1}` {
		t.Fatalf("unexpected filter result %q %v", got, ok)
	}
	if _, ok := strip.Filter("```"); ok {
		t.Fatal("expected empty token after stripping to be dropped")
	}
}

func TestParseFraming(t *testing.T) {
	if f, err := ParseFraming("NDJSON"); err != nil || f != FramingNDJSON {
		t.Fatalf("unexpected framing %v %v", f, err)
	}
	if _, err := ParseFraming("xml"); err == nil {
		t.Fatal("expected error for unknown framing")
	}
}
