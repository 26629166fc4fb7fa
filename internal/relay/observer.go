package relay

import (
	"log/slog"

	"streamrelay/internal/sse"
)

// Observer receives structured relay events. Implementations must be cheap;
// they run inline with the stream.
type Observer interface {
	OnEvent(kind sse.EventKind)
	OnMalformed(frame sse.Frame, reason string)
	OnTransportError(err error)
	OnComplete(stats Stats)
}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) OnEvent(kind sse.EventKind) {
	for _, x := range o {
		x.OnEvent(kind)
	}
}

func (o Observers) OnMalformed(frame sse.Frame, reason string) {
	for _, x := range o {
		x.OnMalformed(frame, reason)
	}
}

func (o Observers) OnTransportError(err error) {
	for _, x := range o {
		x.OnTransportError(err)
	}
}

func (o Observers) OnComplete(stats Stats) {
	for _, x := range o {
		x.OnComplete(stats)
	}
}

const maxLoggedFrame = 200

// LogObserver records relay events through slog.
type LogObserver struct {
	Logger *slog.Logger
}

func (LogObserver) OnEvent(sse.EventKind) {}

func (l LogObserver) OnMalformed(frame sse.Frame, reason string) {
	raw := string(frame)
	if len(raw) > maxLoggedFrame {
		raw = raw[:maxLoggedFrame]
	}
	l.logger().Warn("skipping malformed frame", "reason", reason, "frame", raw)
}

func (l LogObserver) OnTransportError(err error) {
	l.logger().Error("upstream stream failed", "error", err)
}

func (l LogObserver) OnComplete(s Stats) {
	attrs := []any{
		"phase", s.Phase.String(),
		"frames", s.Frames,
		"malformed", s.Malformed,
		"suppressed", s.Suppressed,
		"bytes_in", s.BytesIn,
		"bytes_out", s.BytesOut,
		"duration", s.Duration,
	}
	if s.Err != nil {
		l.logger().Warn("relay finished with error", append(attrs, "error", s.Err)...)
		return
	}
	l.logger().Info("relay finished", attrs...)
}

func (l LogObserver) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
