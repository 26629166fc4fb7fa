package sse

import "testing"

func TestAccumulatorHoldsSplitRune(t *testing.T) {
	acc := NewAccumulator()
	raw := []byte("你好")
	if got := acc.Feed(raw[:1]); got != "" {
		t.Fatalf("expected nothing for a partial rune, got %q", got)
	}
	if acc.Pending() != 1 {
		t.Fatalf("expected 1 pending byte, got %d", acc.Pending())
	}
	if got := acc.Feed(raw[1:4]); got != "你" {
		t.Fatalf("expected first rune, got %q", got)
	}
	if got := acc.Feed(raw[4:]); got != "好" {
		t.Fatalf("expected second rune, got %q", got)
	}
	if got := acc.Finish(); got != "" {
		t.Fatalf("expected empty finish, got %q", got)
	}
}

func TestAccumulatorFinishReplacesTruncatedRune(t *testing.T) {
	acc := NewAccumulator()
	raw := []byte("ok€")
	if got := acc.Feed(raw[:len(raw)-1]); got != "ok" {
		t.Fatalf("unexpected text %q", got)
	}
	if got := acc.Finish(); got != "�" {
		t.Fatalf("expected replacement character, got %q", got)
	}
}

func TestAccumulatorReplacesInvalidBytesImmediately(t *testing.T) {
	acc := NewAccumulator()
	if got := acc.Feed([]byte{'a', 0xff, 'b'}); got != "a�b" {
		t.Fatalf("unexpected text %q", got)
	}
	if acc.Pending() != 0 {
		t.Fatalf("invalid byte must not be carried")
	}
}

func TestAccumulatorLargeChunk(t *testing.T) {
	acc := NewAccumulator()
	big := make([]byte, 3*decodeScratchSize+7)
	for i := range big {
		big[i] = 'x'
	}
	if got := acc.Feed(big); len(got) != len(big) {
		t.Fatalf("expected %d bytes, got %d", len(big), len(got))
	}
}
