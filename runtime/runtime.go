// Package runtime is the execution loop embedded in a function process: it
// polls the control endpoint for invocations, executes the handler against
// each event, and reports a success payload or a structured error back,
// forever, without letting a single invocation's defect take the process down.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/localstack/lambda-runtime-client/internal/rapi"
)

// Runtime drives the poll/execute/report loop for exactly one handler.
// Invocations are strictly sequential: one InvocationContext is live at a
// time and nothing is shared between iterations beyond the configuration.
type Runtime struct {
	cfg           *Config
	client        *rapi.Client
	handler       Handler
	streamHandler StreamingHandler
}

// New builds a runtime around a buffered handler.
func New(cfg *Config, handler Handler) *Runtime {
	cfg = cfg.withDefaults()
	return &Runtime{
		cfg:     cfg,
		client:  rapi.NewClient(cfg.Endpoint, cfg.ReportTimeout),
		handler: handler,
	}
}

// NewStreaming builds a runtime around a streaming handler.
func NewStreaming(cfg *Config, handler StreamingHandler) *Runtime {
	cfg = cfg.withDefaults()
	return &Runtime{
		cfg:           cfg,
		client:        rapi.NewClient(cfg.Endpoint, cfg.ReportTimeout),
		streamHandler: handler,
	}
}

// Run loops until ctx is cancelled (graceful, returns nil) or a fatal failure
// breaks the control-plane conversation (returns the failure; the process
// must exit non-zero so the platform discards this environment).
func (r *Runtime) Run(ctx context.Context) error {
	log.WithField("endpoint", r.cfg.Endpoint).Info("Runtime loop starting.")

	for {
		inv, err := r.fetchNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Runtime loop stopped by shutdown signal.")
				return nil
			}
			return &fatalError{reason: "failed to fetch next invocation", err: err}
		}

		if err := r.processInvocation(ctx, inv); err != nil {
			return err
		}
	}
}

// fetchNext long-polls the control endpoint. Retryable transport errors are
// retried with bounded exponential backoff and a capped attempt count so a
// failing endpoint is not hot-looped against; everything else is final.
func (r *Runtime) fetchNext(ctx context.Context) (*rapi.Invocation, error) {
	return backoff.RetryWithData(func() (*rapi.Invocation, error) {
		inv, err := r.client.Next(ctx)
		if err == nil {
			return inv, nil
		}

		var transportErr *rapi.TransportError
		if errors.As(err, &transportErr) && transportErr.Retryable && ctx.Err() == nil {
			fetchRetriesTotal.Inc()
			log.WithError(err).Warn("Retryable error fetching next invocation, backing off.")
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}, backoff.WithMaxRetries(backoff.WithContext(r.newBackOff(), ctx), r.cfg.RetryMaxAttempts))
}

// newBackOff builds the fetch retry policy: exponential growth from the
// configured initial interval up to the cap, no jitter, no elapsed-time stop
// (the attempt cap bounds it instead).
func (r *Runtime) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.RetryInitialInterval
	bo.MaxInterval = r.cfg.RetryMaxInterval
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// processInvocation executes the handler under the panic boundary and routes
// the outcome through the response channel. Handler failures are reported and
// the loop continues; a transport failure while reporting is fatal because
// the platform never learns this invocation's outcome.
func (r *Runtime) processInvocation(ctx context.Context, inv *rapi.Invocation) error {
	ic := newInvocationContext(inv)
	started := time.Now()

	// The context stays alive until the outcome is reported: a streamed
	// response is still produced while it is being sent.
	invokeCtx, cancel := ic.NewContext(ctx)
	defer cancel()
	out := r.invoke(invokeCtx, inv.Payload)

	rc := newResponseChannel(r.client, ic.RequestID)
	disposition := dispositionSuccess

	switch {
	case out.err != nil:
		disposition = dispositionHandlerError
		var panicErr *PanicError
		if errors.As(out.err, &panicErr) {
			disposition = dispositionPanic
		}
		if err := rc.sendFailure(ctx, errorResponseFor(out.err)); err != nil {
			return &fatalError{reason: "failed to report invocation error", err: err}
		}

	case out.stream != nil:
		if err := rc.sendStream(ctx, out.stream); err != nil {
			return &fatalError{reason: "failed to stream invocation response", err: err}
		}
		switch rc.state {
		case stateErroredMidStream:
			disposition = dispositionStreamError
		case stateNotStarted:
			// Producer failed before the first byte; a structured error was
			// reported instead of a stream.
			disposition = dispositionHandlerError
		}

	default:
		if err := rc.sendBuffered(ctx, out.payload); err != nil {
			return &fatalError{reason: "failed to report invocation response", err: err}
		}
	}

	invocationsTotal.WithLabelValues(disposition).Inc()
	log.WithFields(log.Fields{
		"request-id":  ic.RequestID,
		"disposition": disposition,
		"duration":    time.Since(started),
	}).Debug("Invocation reported.")
	return nil
}

// outcome is the tagged result of one handler execution: exactly one of
// payload, stream, or err is meaningful.
type outcome struct {
	payload []byte
	stream  io.ReadCloser
	err     error
}

// invoke runs the handler inside the isolation boundary: an abrupt
// termination of the handler's logic becomes a reportable failure instead of
// unwinding into the loop.
func (r *Runtime) invoke(ctx context.Context, payload []byte) (out outcome) {
	defer func() {
		if v := recover(); v != nil {
			log.WithField("panic", v).Error("Handler panicked, converting to invocation error.")
			out = outcome{err: newPanicError(v)}
		}
	}()

	if r.streamHandler != nil {
		stream, err := r.streamHandler.InvokeStream(ctx, payload)
		if err != nil {
			return outcome{err: err}
		}
		return outcome{stream: stream}
	}

	payload, err := r.handler.Invoke(ctx, payload)
	if err != nil {
		return outcome{err: err}
	}
	return outcome{payload: payload}
}

// HandlerFactory constructs the handler during the init phase, before the
// loop starts. A factory error is reported once through the init error
// endpoint; there is no invocation to retry against.
type HandlerFactory func(ctx context.Context, cfg *Config) (Handler, error)

// RunWithFactory wires configuration from the environment, runs the init
// phase, and enters the loop. It returns nil only on graceful shutdown.
func RunWithFactory(ctx context.Context, factory HandlerFactory) error {
	cfg, err := ConfigFromEnv()
	if err != nil {
		// Without an endpoint there is nowhere to report the init failure to.
		return err
	}

	client := rapi.NewClient(cfg.Endpoint, cfg.ReportTimeout)
	handler, err := factory(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("Handler initialization failed, reporting init error.")
		if reportErr := client.SendInitError(ctx, &rapi.ErrorResponse{
			ErrorMessage: err.Error(),
			ErrorType:    initErrorType,
		}); reportErr != nil {
			log.WithError(reportErr).Error("Failed to report init error.")
		}
		return fmt.Errorf("handler initialization failed: %w", err)
	}

	return New(cfg, handler).Run(ctx)
}

// Start runs a buffered handler until shutdown. Any fatal disposition exits
// the process non-zero with a diagnostic on stderr.
func Start(handler Handler) {
	StartWithOptions(func(context.Context, *Config) (Handler, error) {
		return handler, nil
	})
}

// StartWithOptions is Start with an init phase.
func StartWithOptions(factory HandlerFactory) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := RunWithFactory(ctx, factory); err != nil {
		log.Fatalln("Runtime terminated:", err)
	}
}

// StartStreaming runs a streaming handler until shutdown.
func StartStreaming(handler StreamingHandler) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := ConfigFromEnv()
	if err != nil {
		log.Fatalln("Runtime terminated:", err)
	}
	if err := NewStreaming(cfg, handler).Run(ctx); err != nil {
		log.Fatalln("Runtime terminated:", err)
	}
}
