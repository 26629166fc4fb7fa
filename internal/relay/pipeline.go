// Package relay drives one upstream stream through decoding, classification
// and extraction into an outbound Sink.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"streamrelay/internal/extract"
	"streamrelay/internal/sse"
)

// Phase is the per-request relay state.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseStreaming
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseStreaming:
		return "streaming"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// Stats summarises one relay run.
type Stats struct {
	Phase      Phase
	Frames     int
	Malformed  int
	Suppressed int
	BytesIn    int64
	BytesOut   int64
	Duration   time.Duration
	Err        error
}

// ProviderError is an error the provider reported inside an otherwise
// healthy stream.
type ProviderError struct {
	Message string
}

func (e *ProviderError) Error() string {
	return "upstream error: " + e.Message
}

// errStop ends the read loop without an error: terminator or provider done.
var errStop = errors.New("relay: stream terminated")

// Pipeline relays one stream. Handlers keep per-stream state, so a Pipeline
// is built per request and Run once.
type Pipeline struct {
	Classifier *sse.Classifier
	Extractor  extract.Extractor
	Handler    Handler
	Observer   Observer
}

// Run consumes body until a terminator, clean EOF, upstream failure or
// cancellation of ctx, and always leaves sink in a terminal state. body is
// closed before Run returns.
func (p *Pipeline) Run(ctx context.Context, body io.ReadCloser, sink *Sink) Stats {
	start := time.Now()
	st := &Stream{sink: sink, obs: p.observer()}
	dec := sse.NewDecoder(p.Classifier)

	g, gctx := errgroup.WithContext(ctx)
	// Unblocks a pump stuck in Read once the consumer stops or the client
	// goes away.
	stop := context.AfterFunc(gctx, func() { _ = body.Close() })
	defer stop()
	defer body.Close()

	// The pump's error stays out of the group: chunks read before a failure
	// may still hold a terminator, and that outcome takes precedence.
	var pumpErr error
	chunks := make(chan []byte, 1)
	g.Go(func() error {
		pumpErr = sse.Pump(gctx, body, chunks)
		return nil
	})
	g.Go(func() error {
		// The pump closes chunks whenever it stops, so every chunk read
		// before an upstream failure is still delivered.
		for chunk := range chunks {
			st.stats.Phase = PhaseStreaming
			st.stats.BytesIn += int64(len(chunk))
			if err := p.dispatch(st, dec.Feed(chunk)); err != nil {
				return err
			}
		}
		return nil
	})
	err := g.Wait()
	switch {
	case err != nil:
	case pumpErr != nil:
		err = fmt.Errorf("read upstream: %w", pumpErr)
	default:
		// Clean EOF: a truncated tail is decoded best-effort.
		err = p.dispatch(st, dec.Finish())
	}
	p.settle(ctx, st, err)

	st.stats.Duration = time.Since(start)
	st.stats.BytesOut = sink.Written()
	st.obs.OnComplete(st.stats)
	return st.stats
}

// Fail ends a stream that never started, e.g. when the upstream answered
// with a non-2xx status.
func (p *Pipeline) Fail(sink *Sink, err error) Stats {
	obs := p.observer()
	obs.OnTransportError(err)
	_ = sink.Abort(noticeReason(err))
	stats := Stats{Phase: PhaseFailed, Err: err, BytesOut: sink.Written()}
	obs.OnComplete(stats)
	return stats
}

func (p *Pipeline) dispatch(st *Stream, events []sse.Event) error {
	for _, ev := range events {
		st.stats.Frames++
		st.obs.OnEvent(ev.Kind)

		var res extract.Result
		switch ev.Kind {
		case sse.EventKeepalive:
			continue
		case sse.EventTerminator:
			return errStop
		case sse.EventMalformed:
			st.Drop(ev.Frame, ev.Reason)
			continue
		case sse.EventToken:
			res.Text = ev.LineText()
		case sse.EventJSONRecord:
			var err error
			if res, err = p.Extractor.Extract(ev); err != nil {
				st.Drop(ev.Frame, err.Error())
				continue
			}
		}

		if res.Err != "" {
			return &ProviderError{Message: res.Err}
		}
		if res.Text != "" {
			text, ok := p.Classifier.Filter(res.Text)
			if !ok {
				st.stats.Suppressed++
			}
			res.Text = text
		}
		if err := p.Handler.Handle(st, res); err != nil {
			return err
		}
		if res.Done {
			return errStop
		}
	}
	return nil
}

func (p *Pipeline) settle(ctx context.Context, st *Stream, err error) {
	if err == nil || errors.Is(err, errStop) {
		if ferr := p.Handler.Finish(st); ferr != nil {
			st.fail(p.Handler, ferr)
			return
		}
		if cerr := st.sink.Close(); cerr != nil {
			st.stats.Phase = PhaseFailed
			st.stats.Err = cerr
			return
		}
		st.stats.Phase = PhaseDone
		return
	}

	var perr *ProviderError
	switch {
	case errors.As(err, &perr):
	case ctx.Err() != nil:
		err = fmt.Errorf("client went away: %w", ctx.Err())
	case st.sink.State() != SinkOpen:
		// A failed write already ended the sink; the client is gone.
	default:
		st.obs.OnTransportError(err)
	}
	st.fail(p.Handler, err)
}

func (p *Pipeline) observer() Observer {
	if p.Observer != nil {
		return p.Observer
	}
	return Observers(nil)
}

func noticeReason(err error) string {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Error()
	}
	return "upstream stream failed: " + err.Error()
}

// Stream is the per-run view handed to a Handler.
type Stream struct {
	sink  *Sink
	obs   Observer
	stats Stats
}

// Write forwards p to the client.
func (s *Stream) Write(p []byte) error {
	return s.sink.Write(p)
}

// Drop records a unit that was skipped as malformed.
func (s *Stream) Drop(frame sse.Frame, reason string) {
	s.stats.Malformed++
	s.obs.OnMalformed(frame, reason)
}

func (s *Stream) fail(h Handler, err error) {
	if sv, ok := h.(Salvager); ok && s.sink.State() == SinkOpen {
		sv.Salvage(s)
	}
	s.stats.Phase = PhaseFailed
	s.stats.Err = err
	_ = s.sink.Abort(noticeReason(err))
}
