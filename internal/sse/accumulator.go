package sse

import (
	"errors"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const decodeScratchSize = 4 * 1024

// Accumulator turns raw upstream chunks into text. A rune split across two
// chunks is held back until the rest of it arrives; bytes that can never form
// a valid rune are replaced with U+FFFD immediately.
type Accumulator struct {
	dec     *encoding.Decoder
	pending []byte
	scratch []byte
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		dec:     unicode.UTF8.NewDecoder(),
		scratch: make([]byte, decodeScratchSize),
	}
}

// Feed decodes chunk and returns the text that is safe to hand downstream.
func (a *Accumulator) Feed(chunk []byte) string {
	if len(chunk) == 0 {
		return ""
	}
	src := chunk
	if len(a.pending) > 0 {
		src = append(a.pending, chunk...)
		a.pending = nil
	}
	return a.decode(src, false)
}

// Finish flushes whatever is still pending at end of stream. A truncated
// trailing rune is a real error at this point and decodes to U+FFFD.
func (a *Accumulator) Finish() string {
	if len(a.pending) == 0 {
		return ""
	}
	src := a.pending
	a.pending = nil
	out := a.decode(src, true)
	a.dec.Reset()
	return out
}

// Pending reports how many undecoded bytes are carried to the next Feed.
func (a *Accumulator) Pending() int {
	return len(a.pending)
}

func (a *Accumulator) decode(src []byte, atEOF bool) string {
	var out strings.Builder
	out.Grow(len(src))
	for {
		nDst, nSrc, err := a.dec.Transform(a.scratch, src, atEOF)
		out.Write(a.scratch[:nDst])
		src = src[nSrc:]
		switch {
		case err == nil:
			return out.String()
		case errors.Is(err, transform.ErrShortDst):
			continue
		case errors.Is(err, transform.ErrShortSrc):
			a.pending = append([]byte(nil), src...)
			return out.String()
		default:
			// The UTF-8 decoder only reports the two conditions above; keep
			// the remainder visible rather than silently losing it.
			out.WriteString(strings.ToValidUTF8(string(src), "�"))
			return out.String()
		}
	}
}
