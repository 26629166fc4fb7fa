package sse

import (
	"context"
	"io"
)

// Collect consumes body to completion and hands every non-keepalive event to
// fn, which returns false to stop early. It is the non-streaming counterpart
// of the relay pipeline.
//
// The caller is responsible for closing body; a pump blocked in Read exits
// once it does.
func Collect(ctx context.Context, body io.Reader, cls *Classifier, fn func(Event) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dec := NewDecoder(cls)
	chunks, done := StartChunkPump(ctx, body)
	emit := func(events []Event) bool {
		for _, ev := range events {
			if ev.Kind == EventKeepalive {
				continue
			}
			if !fn(ev) || ev.Kind == EventTerminator {
				return false
			}
		}
		return true
	}
	for chunk := range chunks {
		if !emit(dec.Feed(chunk)) {
			return nil
		}
	}
	if err := <-done; err != nil {
		return err
	}
	emit(dec.Finish())
	return nil
}
