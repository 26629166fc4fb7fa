package sse

import "strings"

// Frame is one complete line from the upstream body, without its newline.
type Frame string

// Splitter cuts decoded text into newline-terminated frames. The trailing
// segment is always carried, even when it looks complete, because the next
// chunk may extend it.
type Splitter struct {
	carry strings.Builder
}

// Push appends text and returns every frame it completed, in order.
func (s *Splitter) Push(text string) []Frame {
	if text == "" {
		return nil
	}
	if !strings.Contains(text, "\n") {
		s.carry.WriteString(text)
		return nil
	}
	buf := s.carry.String() + text
	s.carry.Reset()

	var frames []Frame
	for {
		i := strings.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		frames = append(frames, Frame(strings.TrimSuffix(buf[:i], "\r")))
		buf = buf[i+1:]
	}
	s.carry.WriteString(buf)
	return frames
}

// Flush returns the carried partial frame at end of stream, if any.
func (s *Splitter) Flush() (Frame, bool) {
	if s.carry.Len() == 0 {
		return "", false
	}
	f := Frame(strings.TrimSuffix(s.carry.String(), "\r"))
	s.carry.Reset()
	return f, true
}

// Carry exposes the buffered partial frame.
func (s *Splitter) Carry() string {
	return s.carry.String()
}
