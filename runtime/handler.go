package runtime

import (
	"context"
	"io"
)

// Handler transforms one raw event into one buffered response payload. Event
// decoding is the handler's own concern; the runtime only transports bytes.
//
// A returned error is reported to the platform as this invocation's failure
// and the loop keeps running. A panic inside Invoke is caught at the
// invocation boundary and reported the same way.
type Handler interface {
	Invoke(ctx context.Context, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

func (f HandlerFunc) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}

// StreamingHandler produces the response incrementally. The returned reader
// is a lazy, finite, non-restartable chunk sequence: it is consumed exactly
// once and closed by the runtime. A non-EOF read error after the first chunk
// has been transmitted is reported in-band via the stream trailer, because
// the response headers are already on the wire by then.
type StreamingHandler interface {
	InvokeStream(ctx context.Context, payload []byte) (io.ReadCloser, error)
}

// StreamingHandlerFunc adapts a plain function to the StreamingHandler
// interface.
type StreamingHandlerFunc func(ctx context.Context, payload []byte) (io.ReadCloser, error)

func (f StreamingHandlerFunc) InvokeStream(ctx context.Context, payload []byte) (io.ReadCloser, error) {
	return f(ctx, payload)
}
