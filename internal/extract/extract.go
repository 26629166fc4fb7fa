// Package extract turns provider-specific JSON records into the text and
// audio pieces the relay forwards. One Extractor exists per upstream shape so
// the relay pipeline itself never looks inside a record.
package extract

import (
	"fmt"
	"strings"

	"streamrelay/internal/sse"
)

// Result is what one record contributes to the outbound stream.
type Result struct {
	Text string
	// Audio holds base64 encoded audio fragments in arrival order.
	Audio []string
	// Done is set when the provider marks the record as its last one.
	Done bool
	// Err carries an error the provider reported inside the stream.
	Err string
	// Warning carries a provider error that affects one record only; the
	// stream continues.
	Warning string
	// Info carries auxiliary provider values such as durations.
	Info map[string]any
}

func (r Result) Empty() bool {
	return r.Text == "" && len(r.Audio) == 0 && !r.Done && r.Err == "" && r.Warning == "" && len(r.Info) == 0
}

// Extractor reads one JSON record. An error means the record could not be
// interpreted; callers treat it like a malformed frame.
type Extractor interface {
	Extract(ev sse.Event) (Result, error)
}

// Func adapts a function to Extractor.
type Func func(ev sse.Event) (Result, error)

func (f Func) Extract(ev sse.Event) (Result, error) {
	return f(ev)
}

const (
	KindOpenAI  = "openai"
	KindGemini  = "gemini"
	KindMiniMax = "minimax"
	KindPath    = "path"
	KindRaw     = "raw"
)

// New builds the extractor named by kind. paths is only used by KindPath.
func New(kind string, paths PathConfig) (Extractor, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindOpenAI:
		return OpenAIChat{}, nil
	case KindGemini:
		return Gemini{}, nil
	case KindMiniMax:
		return MiniMax{}, nil
	case KindRaw:
		return Raw{}, nil
	case KindPath:
		return NewPath(paths)
	}
	return nil, fmt.Errorf("unknown extractor %q", kind)
}

// Raw forwards every record unchanged as one NDJSON line.
type Raw struct{}

func (Raw) Extract(ev sse.Event) (Result, error) {
	if len(ev.Raw) == 0 {
		return Result{}, nil
	}
	return Result{Text: string(ev.Raw) + "\n"}, nil
}
