package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/localstack/lambda-runtime-client/internal/rapi"
)

// streamState tracks whether response bytes for the current invocation have
// already been committed to the control endpoint. That determines which
// error-reporting mechanism is still legal: the structured error endpoint
// before the first byte, the in-band trailer after it.
type streamState int

const (
	stateNotStarted streamState = iota
	stateStreaming
	stateCompleted
	stateErroredMidStream
)

func (s streamState) String() string {
	switch s {
	case stateNotStarted:
		return "not-started"
	case stateStreaming:
		return "streaming"
	case stateCompleted:
		return "completed"
	case stateErroredMidStream:
		return "errored-mid-stream"
	default:
		return "unknown"
	}
}

// responseChannel reports the outcome of exactly one invocation. It is
// created per invocation and discarded with it.
type responseChannel struct {
	client    *rapi.Client
	requestID string
	state     streamState
}

func newResponseChannel(client *rapi.Client, requestID string) *responseChannel {
	return &responseChannel{client: client, requestID: requestID}
}

// sendBuffered posts a complete success payload. Start and completion are one
// atomic call.
func (rc *responseChannel) sendBuffered(ctx context.Context, payload []byte) error {
	if rc.state != stateNotStarted {
		return fmt.Errorf("response already sent for request %s (state %s)", rc.requestID, rc.state)
	}

	rc.state = stateStreaming
	if err := rc.client.SendResponse(ctx, rc.requestID, bytes.NewReader(payload), false); err != nil {
		return err
	}
	rc.state = stateCompleted
	return nil
}

// sendFailure posts a structured invocation error. Only legal while nothing
// has been sent; after streaming began the trailer path is the mechanism.
func (rc *responseChannel) sendFailure(ctx context.Context, errResp *rapi.ErrorResponse) error {
	if rc.state != stateNotStarted {
		return fmt.Errorf("error report for request %s after response bytes were sent (state %s)", rc.requestID, rc.state)
	}
	return rc.client.SendError(ctx, rc.requestID, errResp)
}

const streamChunkSize = 32 * 1024

// sendStream consumes the producer exactly once and pipes its chunks to the
// control endpoint. A producer failure before the first chunk downgrades to a
// normal structured error report; a failure after that point emits the
// in-band trailer and closes the stream, which the loop treats as a completed
// report.
func (rc *responseChannel) sendStream(ctx context.Context, producer io.ReadCloser) error {
	if rc.state != stateNotStarted {
		return fmt.Errorf("response already sent for request %s (state %s)", rc.requestID, rc.state)
	}
	defer producer.Close()

	safe := &panicSafeReader{r: producer}
	first := make([]byte, streamChunkSize)
	n, readErr := readFirstChunk(safe, first)
	if n == 0 && readErr != nil && readErr != io.EOF {
		log.WithError(readErr).WithField("request-id", rc.requestID).
			Debug("Stream producer failed before the first chunk, reporting a structured error.")
		return rc.sendFailure(ctx, errorResponseFor(readErr))
	}

	var body io.Reader = bytes.NewReader(first[:n])
	if readErr != io.EOF {
		body = io.MultiReader(body, &trailerReader{rc: rc, producer: safe})
	}

	rc.state = stateStreaming
	if err := rc.client.SendResponse(ctx, rc.requestID, body, true); err != nil {
		return err
	}
	if rc.state != stateErroredMidStream {
		rc.state = stateCompleted
	}
	return nil
}

// readFirstChunk reads until it has at least one byte, a terminal error, or
// EOF. An empty stream is a valid, empty response.
func readFirstChunk(r io.Reader, buf []byte) (int, error) {
	for {
		n, err := r.Read(buf)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

// trailerReader forwards producer chunks and, when the producer fails after
// bytes have been committed, substitutes the in-band trailer marker before
// signalling EOF. The transport then completes normally; consumers detect the
// failure from the trailer, not the status.
type trailerReader struct {
	rc       *responseChannel
	producer io.Reader
	trailer  *bytes.Reader
}

func (t *trailerReader) Read(p []byte) (int, error) {
	if t.trailer != nil {
		return t.trailer.Read(p)
	}

	n, err := t.producer.Read(p)
	if err == nil || err == io.EOF {
		return n, err
	}

	log.WithError(err).WithField("request-id", t.rc.requestID).
		Warn("Stream producer failed mid-stream, emitting error trailer.")
	t.rc.state = stateErroredMidStream
	errResp := errorResponseFor(err)
	if errResp.ErrorType == handlerErrorType {
		errResp.ErrorType = streamErrorType
	}
	t.trailer = bytes.NewReader(rapi.EncodeTrailer(errResp))

	if n > 0 {
		return n, nil
	}
	return t.trailer.Read(p)
}

// panicSafeReader keeps a panicking chunk producer inside the invocation
// boundary: the panic surfaces as a read error, not as process unwinding.
type panicSafeReader struct {
	r io.Reader
}

func (s *panicSafeReader) Read(p []byte) (n int, err error) {
	defer func() {
		if v := recover(); v != nil {
			n, err = 0, newPanicError(v)
		}
	}()
	return s.r.Read(p)
}
