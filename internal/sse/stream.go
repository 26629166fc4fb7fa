package sse

import (
	"context"
	"errors"
	"io"
)

const (
	// chunkQueueSize bounds read-ahead: the pump stops reading upstream
	// while the consumer is still busy with the previous chunk.
	chunkQueueSize = 1
	readBufferSize = 32 * 1024
)

// Pump reads body and sends a private copy of every chunk to out, closing
// out when it returns. It returns nil on clean EOF, the read error, or
// ctx.Err() once ctx is cancelled. A Read blocked on the network is only
// interrupted by closing body.
func Pump(ctx context.Context, body io.Reader, out chan<- []byte) error {
	defer close(out)
	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case out <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// StartChunkPump runs Pump in a goroutine. The error channel receives exactly
// one value once the pump stops.
func StartChunkPump(ctx context.Context, body io.Reader) (<-chan []byte, <-chan error) {
	out := make(chan []byte, chunkQueueSize)
	done := make(chan error, 1)
	go func() {
		done <- Pump(ctx, body, out)
	}()
	return out, done
}
