package sse

import (
	"reflect"
	"testing"
)

func TestSplitterCarriesIncompleteFrame(t *testing.T) {
	var s Splitter
	if frames := s.Push("data: {\"a\""); len(frames) != 0 {
		t.Fatalf("expected no frames, got %#v", frames)
	}
	frames := s.Push(":1}\ndata: [DO")
	if !reflect.DeepEqual(frames, []Frame{`data: {"a":1}`}) {
		t.Fatalf("unexpected frames: %#v", frames)
	}
	if s.Carry() != "data: [DO" {
		t.Fatalf("unexpected carry %q", s.Carry())
	}
	frames = s.Push("NE]\r\n")
	if !reflect.DeepEqual(frames, []Frame{"data: [DONE]"}) {
		t.Fatalf("unexpected frames: %#v", frames)
	}
}

func TestSplitterCompleteFrameLeavesCarryUntouched(t *testing.T) {
	var s Splitter
	s.Push("partial")
	before := s.Carry()
	frames := s.Push("\n")
	if len(frames) != 1 || frames[0] != Frame(before) {
		t.Fatalf("unexpected frames: %#v", frames)
	}
	frames = s.Push("whole line\n")
	if len(frames) != 1 || frames[0] != "whole line" {
		t.Fatalf("unexpected frames: %#v", frames)
	}
	if s.Carry() != "" {
		t.Fatalf("expected empty carry, got %q", s.Carry())
	}
}

func TestSplitterFlushOnlyOnce(t *testing.T) {
	var s Splitter
	s.Push("a\nb")
	f, ok := s.Flush()
	if !ok || f != "b" {
		t.Fatalf("expected carry flush, got %q %v", f, ok)
	}
	if _, ok := s.Flush(); ok {
		t.Fatal("expected second flush to be empty")
	}
}

func TestSplitterKeepsEmptyLines(t *testing.T) {
	var s Splitter
	frames := s.Push("a\n\nb\n")
	if !reflect.DeepEqual(frames, []Frame{"a", "", "b"}) {
		t.Fatalf("unexpected frames: %#v", frames)
	}
}
