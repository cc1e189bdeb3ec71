package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localstack/lambda-runtime-client/internal/rapi"
)

type report struct {
	kind      string
	requestID string
	body      []byte
	errorType string
	streaming bool
}

type fakeInvocation struct {
	requestID string
	payload   string
}

// fakeEndpoint is a minimal scripted control endpoint: invocations are fed in
// through a channel, reports come back out through another.
type fakeEndpoint struct {
	srv         *httptest.Server
	invocations chan fakeInvocation
	reports     chan report

	// nextFailures makes the next-invocation endpoint serve that many 500s
	// before handing out invocations.
	nextFailures atomic.Int32
	// failReports makes every report endpoint answer 500.
	failReports atomic.Bool
}

func newFakeEndpoint(t *testing.T) *fakeEndpoint {
	t.Helper()

	f := &fakeEndpoint{
		invocations: make(chan fakeInvocation, 8),
		reports:     make(chan report, 8),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /2018-06-01/runtime/invocation/next", func(w http.ResponseWriter, r *http.Request) {
		if f.nextFailures.Add(-1) >= 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		select {
		case inv := <-f.invocations:
			w.Header().Set(rapi.HeaderAWSRequestID, inv.requestID)
			w.Header().Set(rapi.HeaderDeadlineMS, strconv.FormatInt(time.Now().Add(3*time.Second).UnixMilli(), 10))
			w.Header().Set(rapi.HeaderInvokedFunctionArn, "arn:aws:lambda:us-east-1:000000000000:function:test")
			_, _ = w.Write([]byte(inv.payload))
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("POST /2018-06-01/runtime/invocation/{id}/response", func(w http.ResponseWriter, r *http.Request) {
		f.record(w, r, report{
			kind:      "response",
			requestID: r.PathValue("id"),
			streaming: r.Header.Get(rapi.HeaderFunctionResponseMode) == rapi.ResponseModeStreaming,
		})
	})
	mux.HandleFunc("POST /2018-06-01/runtime/invocation/{id}/error", func(w http.ResponseWriter, r *http.Request) {
		f.record(w, r, report{
			kind:      "error",
			requestID: r.PathValue("id"),
			errorType: r.Header.Get(rapi.HeaderFunctionErrorType),
		})
	})
	mux.HandleFunc("POST /2018-06-01/runtime/init/error", func(w http.ResponseWriter, r *http.Request) {
		f.record(w, r, report{
			kind:      "init-error",
			errorType: r.Header.Get(rapi.HeaderFunctionErrorType),
		})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEndpoint) record(w http.ResponseWriter, r *http.Request, rep report) {
	body, _ := io.ReadAll(r.Body)
	rep.body = body
	f.reports <- rep
	if f.failReports.Load() {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (f *fakeEndpoint) config() *Config {
	return &Config{
		Endpoint:             f.srv.URL,
		ReportTimeout:        5 * time.Second,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
		RetryMaxAttempts:     3,
	}
}

func (f *fakeEndpoint) awaitReport(t *testing.T) report {
	t.Helper()
	select {
	case rep := <-f.reports:
		return rep
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a report")
		return report{}
	}
}

// startLoop runs the loop in the background; the returned stop cancels it and
// returns Run's error.
func startLoop(r *Runtime) (stop func() error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()
	return func() error {
		cancel()
		return <-done
	}
}

func doublingHandler() Handler {
	return HandlerFunc(func(_ context.Context, payload []byte) ([]byte, error) {
		n, err := strconv.Atoi(string(payload))
		if err != nil {
			return nil, fmt.Errorf("malformed event payload: %w", err)
		}
		return []byte(strconv.Itoa(n * 2)), nil
	})
}

func TestRunReportsBufferedSuccess(t *testing.T) {
	f := newFakeEndpoint(t)
	f.invocations <- fakeInvocation{requestID: "abc-1", payload: "42"}

	stop := startLoop(New(f.config(), doublingHandler()))

	rep := f.awaitReport(t)
	assert.Equal(t, "response", rep.kind)
	assert.Equal(t, "abc-1", rep.requestID)
	assert.Equal(t, "84", string(rep.body))
	assert.False(t, rep.streaming)

	require.NoError(t, stop())
}

func TestRunReportsHandlerErrorAndContinues(t *testing.T) {
	f := newFakeEndpoint(t)
	f.invocations <- fakeInvocation{requestID: "abc-1", payload: "not-a-number"}
	f.invocations <- fakeInvocation{requestID: "abc-2", payload: "21"}

	stop := startLoop(New(f.config(), doublingHandler()))

	rep := f.awaitReport(t)
	assert.Equal(t, "error", rep.kind)
	assert.Equal(t, "abc-1", rep.requestID)
	assert.Equal(t, "HandlerError", rep.errorType)
	assert.Contains(t, string(rep.body), "malformed event payload")

	// The loop must have moved on to the next invocation.
	rep = f.awaitReport(t)
	assert.Equal(t, "response", rep.kind)
	assert.Equal(t, "abc-2", rep.requestID)
	assert.Equal(t, "42", string(rep.body))

	require.NoError(t, stop())
}

func TestRunIsolatesHandlerPanic(t *testing.T) {
	f := newFakeEndpoint(t)
	f.invocations <- fakeInvocation{requestID: "abc-1", payload: "{}"}
	f.invocations <- fakeInvocation{requestID: "abc-2", payload: "2"}

	calls := 0
	handler := HandlerFunc(func(_ context.Context, payload []byte) ([]byte, error) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return []byte("4"), nil
	})

	stop := startLoop(New(f.config(), handler))

	rep := f.awaitReport(t)
	assert.Equal(t, "error", rep.kind)
	assert.Equal(t, "runtime.Panic", rep.errorType)
	assert.Contains(t, string(rep.body), "boom")
	assert.Contains(t, string(rep.body), "stackTrace")

	rep = f.awaitReport(t)
	assert.Equal(t, "response", rep.kind)
	assert.Equal(t, "abc-2", rep.requestID)

	require.NoError(t, stop())
}

func TestRunStreamsResponseWithTrailerOnMidStreamFailure(t *testing.T) {
	f := newFakeEndpoint(t)
	f.invocations <- fakeInvocation{requestID: "abc-1", payload: "{}"}

	handler := StreamingHandlerFunc(func(_ context.Context, _ []byte) (io.ReadCloser, error) {
		return io.NopCloser(&failingProducer{chunks: []string{"chunk-1", "chunk-2"}}), nil
	})

	stop := startLoop(NewStreaming(f.config(), handler))

	// The failure happened after bytes were committed: the outcome still
	// travels through the response endpoint, never the error endpoint.
	rep := f.awaitReport(t)
	assert.Equal(t, "response", rep.kind)
	assert.True(t, rep.streaming)

	payload, trailer, found := rapi.SplitTrailer(rep.body)
	require.True(t, found)
	assert.Equal(t, "chunk-1chunk-2", string(payload))
	assert.Equal(t, "Runtime.StreamError", trailer.ErrorType)
	assert.Contains(t, trailer.ErrorMessage, "producer exploded")

	require.NoError(t, stop())
}

func TestRunStreamsCompleteResponse(t *testing.T) {
	f := newFakeEndpoint(t)
	f.invocations <- fakeInvocation{requestID: "abc-1", payload: "{}"}

	handler := StreamingHandlerFunc(func(_ context.Context, _ []byte) (io.ReadCloser, error) {
		return io.NopCloser(&failingProducer{chunks: []string{"hello ", "world"}, succeed: true}), nil
	})

	stop := startLoop(NewStreaming(f.config(), handler))

	rep := f.awaitReport(t)
	assert.Equal(t, "response", rep.kind)
	assert.True(t, rep.streaming)
	_, _, found := rapi.SplitTrailer(rep.body)
	assert.False(t, found)
	assert.Equal(t, "hello world", string(rep.body))

	require.NoError(t, stop())
}

func TestRunRetriesRetryableFetchErrors(t *testing.T) {
	f := newFakeEndpoint(t)
	f.nextFailures.Store(2)
	f.invocations <- fakeInvocation{requestID: "abc-1", payload: "1"}

	stop := startLoop(New(f.config(), doublingHandler()))

	rep := f.awaitReport(t)
	assert.Equal(t, "response", rep.kind)
	assert.Equal(t, "2", string(rep.body))

	require.NoError(t, stop())
}

func TestRunFatalWhenRetryAttemptsExhausted(t *testing.T) {
	f := newFakeEndpoint(t)
	f.nextFailures.Store(100)

	err := New(f.config(), doublingHandler()).Run(context.Background())
	require.Error(t, err)
	var transportErr *rapi.TransportError
	assert.ErrorAs(t, err, &transportErr)
}

func TestRunFatalOnConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	cfg := &Config{Endpoint: endpoint, RetryInitialInterval: time.Millisecond, RetryMaxAttempts: 3}
	err := New(cfg, doublingHandler()).Run(context.Background())
	require.Error(t, err)
	var transportErr *rapi.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.False(t, transportErr.Retryable)
}

func TestRunFatalOnReportFailure(t *testing.T) {
	f := newFakeEndpoint(t)
	f.failReports.Store(true)
	f.invocations <- fakeInvocation{requestID: "abc-1", payload: "1"}

	err := New(f.config(), doublingHandler()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to report invocation response")
}

func TestRunReturnsNilOnShutdown(t *testing.T) {
	f := newFakeEndpoint(t)

	stop := startLoop(New(f.config(), doublingHandler()))
	// Loop is parked in the long poll with nothing queued.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, stop())
}

func TestRunWithFactoryReportsInitError(t *testing.T) {
	f := newFakeEndpoint(t)
	t.Setenv("AWS_LAMBDA_RUNTIME_API", f.srv.URL)

	err := RunWithFactory(context.Background(), func(context.Context, *Config) (Handler, error) {
		return nil, errors.New("no such handler")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler initialization failed")

	rep := f.awaitReport(t)
	assert.Equal(t, "init-error", rep.kind)
	assert.Equal(t, "Runtime.InitError", rep.errorType)
	assert.Contains(t, string(rep.body), "no such handler")
}

func TestBackoffIsMonotonicAndBounded(t *testing.T) {
	r := New(&Config{
		Endpoint:             "127.0.0.1:9001",
		RetryInitialInterval: 100 * time.Millisecond,
		RetryMaxInterval:     5 * time.Second,
	}, doublingHandler())

	bo := r.newBackOff()
	var prev time.Duration
	for i := 0; i < 12; i++ {
		next := bo.NextBackOff()
		require.NotEqual(t, time.Duration(-1), next)
		assert.GreaterOrEqual(t, next, prev)
		assert.LessOrEqual(t, next, 5*time.Second)
		prev = next
	}
	assert.Equal(t, 5*time.Second, prev)
}

// failingProducer yields its chunks one Read at a time, then either EOF or a
// terminal error.
type failingProducer struct {
	chunks  []string
	succeed bool
}

func (p *failingProducer) Read(buf []byte) (int, error) {
	if len(p.chunks) == 0 {
		if p.succeed {
			return 0, io.EOF
		}
		return 0, errors.New("producer exploded")
	}
	n := copy(buf, p.chunks[0])
	p.chunks = p.chunks[1:]
	return n, nil
}
