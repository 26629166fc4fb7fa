package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
)

// ErrSinkClosed is returned by every Sink operation after Close or Abort.
var ErrSinkClosed = errors.New("relay: sink is closed")

// SinkState is the lifecycle of a Sink: Open, then exactly one of Closed or
// Aborted.
type SinkState int

const (
	SinkOpen SinkState = iota
	SinkClosed
	SinkAborted
)

func (s SinkState) String() string {
	switch s {
	case SinkOpen:
		return "open"
	case SinkClosed:
		return "closed"
	case SinkAborted:
		return "aborted"
	}
	return "unknown"
}

// NoticeFunc renders the last message written when a stream fails. It may
// return nil when the body format cannot carry a text notice.
type NoticeFunc func(reason string) []byte

// PlainNotice appends a readable line to a text/plain body.
func PlainNotice(reason string) []byte {
	return []byte("\n[error] " + reason + "\n")
}

// NDJSONNotice appends an {"type":"error"} event to an NDJSON body.
func NDJSONNotice(reason string) []byte {
	b, _ := json.Marshal(map[string]string{"type": "error", "error": reason})
	return append(b, '\n')
}

// Sink is the outbound side of one relay. Writes after a terminal state fail
// with ErrSinkClosed.
type Sink struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	notice  NoticeFunc
	onAbort func(reason string)
	state   SinkState
	written int64
}

func NewSink(w io.Writer, notice NoticeFunc) *Sink {
	s := &Sink{w: w, notice: notice}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

// OnAbort registers fn to run once when the sink is aborted, after the
// notice has been written. The HTTP layer uses it to set a trailer.
func (s *Sink) OnAbort(fn func(reason string)) {
	s.mu.Lock()
	s.onAbort = fn
	s.mu.Unlock()
}

func (s *Sink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SinkOpen {
		return ErrSinkClosed
	}
	if len(p) == 0 {
		return nil
	}
	n, err := s.w.Write(p)
	s.written += int64(n)
	if err != nil {
		// The client is gone; nothing else can be delivered.
		s.state = SinkAborted
		return err
	}
	s.flush()
	return nil
}

// Close ends a successful stream.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SinkOpen {
		return ErrSinkClosed
	}
	s.state = SinkClosed
	s.flush()
	return nil
}

// Abort writes one notice describing reason and ends the stream.
func (s *Sink) Abort(reason string) error {
	s.mu.Lock()
	if s.state != SinkOpen {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	if s.notice != nil {
		if msg := s.notice(reason); len(msg) > 0 {
			n, _ := s.w.Write(msg)
			s.written += int64(n)
		}
	}
	s.flush()
	s.state = SinkAborted
	fn := s.onAbort
	s.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
	return nil
}

func (s *Sink) State() SinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Written is the number of bytes delivered, notices included.
func (s *Sink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *Sink) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
