package sse

// Decoder chains the accumulator, the splitter and the classifier for one
// stream. It is not safe for concurrent use.
type Decoder struct {
	acc   *Accumulator
	split Splitter
	cls   *Classifier
}

func NewDecoder(cls *Classifier) *Decoder {
	return &Decoder{acc: NewAccumulator(), cls: cls}
}

// Feed consumes one raw chunk and returns the events it completed.
func (d *Decoder) Feed(chunk []byte) []Event {
	return d.classify(d.split.Push(d.acc.Feed(chunk)))
}

// Finish flushes the pending bytes and the carried partial frame. Call it
// only on a clean end of stream.
func (d *Decoder) Finish() []Event {
	events := d.classify(d.split.Push(d.acc.Finish()))
	if f, ok := d.split.Flush(); ok {
		ev := d.cls.Classify(f)
		ev.Unterminated = true
		events = append(events, ev)
	}
	return events
}

func (d *Decoder) classify(frames []Frame) []Event {
	if len(frames) == 0 {
		return nil
	}
	events := make([]Event, 0, len(frames))
	for _, f := range frames {
		events = append(events, d.cls.Classify(f))
	}
	return events
}
