// Package demux splits one text stream into a primary channel and a trailing
// metadata channel separated by an in-band marker literal.
package demux

import (
	"strings"

	"streamrelay/internal/util"
)

// DefaultMarker separates a spoken reply from its JSON metadata.
const DefaultMarker = "<<<METADATA>>>"

// Demux routes text to the primary channel until the marker is seen and to
// the metadata buffer afterwards. Only the first marker is honoured; later
// occurrences are ordinary metadata text.
type Demux struct {
	marker   string
	held     string
	switched bool
	meta     strings.Builder
}

func New(marker string) *Demux {
	if marker == "" {
		marker = DefaultMarker
	}
	return &Demux{marker: marker}
}

// Switched reports whether the marker has been seen.
func (d *Demux) Switched() bool {
	return d.switched
}

// Write consumes text and returns the part that is known to belong to the
// primary channel. A suffix that could still grow into the marker is held
// back until later text decides it.
func (d *Demux) Write(text string) string {
	if d.switched {
		d.meta.WriteString(text)
		return ""
	}
	buf := d.held + text
	d.held = ""
	if i := strings.Index(buf, d.marker); i >= 0 {
		d.switched = true
		d.meta.WriteString(buf[i+len(d.marker):])
		return buf[:i]
	}
	n := partialSuffix(buf, d.marker)
	d.held = buf[len(buf)-n:]
	return buf[:len(buf)-n]
}

// Close ends the stream. Text held as a possible marker start is returned as
// primary text since the marker never completed. meta is nil when no marker
// was seen or the metadata is not a JSON object.
func (d *Demux) Close() (primary string, meta map[string]any) {
	primary, d.held = d.held, ""
	if !d.switched {
		return primary, nil
	}
	raw := strings.TrimSpace(d.meta.String())
	d.meta.Reset()
	if raw == "" {
		return primary, nil
	}
	m, err := util.ParseLenientObject(raw)
	if err != nil {
		return primary, nil
	}
	return primary, m
}

// MetadataText returns the raw metadata collected so far.
func (d *Demux) MetadataText() string {
	return d.meta.String()
}

// partialSuffix returns the length of the longest proper suffix of s that is
// a prefix of marker.
func partialSuffix(s, marker string) int {
	max := len(marker) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return n
		}
	}
	return 0
}
