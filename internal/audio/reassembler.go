// Package audio reassembles base64 PCM fragments into a WAV container.
package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBadFragment = errors.New("audio: undecodable fragment")
	ErrFinalized   = errors.New("audio: already finalized")
)

// Reassembler collects decoded PCM fragments in arrival order. It is owned by
// a single stream and not safe for concurrent use.
type Reassembler struct {
	format    Format
	fragments [][]byte
	size      int
	dropped   int
	finalized bool
}

func NewReassembler(f Format) *Reassembler {
	return &Reassembler{format: f.withDefaults()}
}

func (r *Reassembler) Format() Format {
	return r.format
}

// Append decodes one base64 fragment. A fragment that does not decode is
// dropped and reported; earlier and later fragments are unaffected.
func (r *Reassembler) Append(fragment string) ([]byte, error) {
	if r.finalized {
		return nil, ErrFinalized
	}
	raw, err := DecodeFragment(fragment)
	if err != nil {
		r.dropped++
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	r.fragments = append(r.fragments, raw)
	r.size += len(raw)
	return raw, nil
}

// Len is the number of decoded payload bytes retained so far.
func (r *Reassembler) Len() int {
	return r.size
}

// Dropped is the number of fragments rejected by Append.
func (r *Reassembler) Dropped() int {
	return r.dropped
}

// Finalize returns header(len) followed by every retained fragment. It may
// be called once; with no fragments it yields a header for an empty payload.
func (r *Reassembler) Finalize() ([]byte, error) {
	if r.finalized {
		return nil, ErrFinalized
	}
	r.finalized = true
	out := make([]byte, 0, HeaderSize+r.size)
	out = append(out, Header(r.format, r.size)...)
	for _, f := range r.fragments {
		out = append(out, f...)
	}
	r.fragments = nil
	return out, nil
}

// DecodeFragment accepts standard and URL-safe base64, padded or not.
func DecodeFragment(fragment string) ([]byte, error) {
	s := strings.TrimSpace(fragment)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("%w (%d chars)", ErrBadFragment, len(s))
}
