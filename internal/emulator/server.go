// Package emulator is a protocol-compatible stand-in for the control
// endpoint, used for offline testing. A runtime pointed at it with its normal
// endpoint configuration cannot tell the difference.
package emulator

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/localstack/lambda-runtime-client/internal/rapi"
)

type Options struct {
	FunctionName    string
	FunctionVersion string
	AccountID       string
	Region          string

	// InvokeTimeout bounds one invocation end to end and is also the deadline
	// advertised to the runtime.
	InvokeTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.FunctionName == "" {
		o.FunctionName = "function"
	}
	if o.FunctionVersion == "" {
		o.FunctionVersion = "$LATEST"
	}
	if o.AccountID == "" {
		o.AccountID = "000000000000"
	}
	if o.Region == "" {
		o.Region = "us-east-1"
	}
	if o.InvokeTimeout <= 0 {
		o.InvokeTimeout = 30 * time.Second
	}
	return o
}

// pendingInvoke is one queued invocation: handed to the runtime by the next
// endpoint, resolved by the response or error endpoint.
type pendingInvoke struct {
	requestID     string
	traceID       string
	payload       []byte
	clientContext string
	result        chan invokeResult
}

type invokeResult struct {
	payload []byte
	errored bool
}

// The errorPayload is returned to invokers when an invocation fails.
type errorPayload struct {
	ErrorMessage string   `json:"errorMessage"`
	ErrorType    string   `json:"errorType,omitempty"`
	RequestId    *string  `json:"requestId,omitempty"`
	StackTrace   []string `json:"stackTrace,omitempty"`
}

type Server struct {
	opts Options

	queue chan *pendingInvoke

	mu      sync.Mutex
	waiting map[string]*pendingInvoke
	initErr *rapi.ErrorResponse
}

func New(opts Options) *Server {
	return &Server{
		opts:    opts.withDefaults(),
		queue:   make(chan *pendingInvoke),
		waiting: map[string]*pendingInvoke{},
	}
}

// NewHTTPServer wraps the emulator in an http.Server listening on port.
func NewHTTPServer(port string, s *Server) *http.Server {
	return &http.Server{
		Addr:    ":" + port,
		Handler: s.Handler(),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/"+rapi.APIVersion+"/ping", s.ping)
	r.Get("/"+rapi.APIVersion+"/runtime/invocation/next", s.nextInvocation)
	r.Post("/"+rapi.APIVersion+"/runtime/invocation/{requestID}/response", s.invocationResponse)
	r.Post("/"+rapi.APIVersion+"/runtime/invocation/{requestID}/error", s.invocationError)
	r.Post("/"+rapi.APIVersion+"/runtime/init/error", s.initError)

	r.Post("/2015-03-31/functions/{functionName}/invocations", s.invoke)

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) functionArn() string {
	return fmt.Sprintf("arn:aws:lambda:%s:%s:function:%s", s.opts.Region, s.opts.AccountID, s.opts.FunctionName)
}

func (s *Server) ping(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("pong"))
}

// invoke is the synchronous invocation entrypoint: it queues the event for
// the runtime and waits for the reported outcome.
func (s *Server) invoke(w http.ResponseWriter, r *http.Request) {
	if initErr := s.initErrorStatus(); initErr != nil {
		writeError(w, http.StatusInternalServerError, &errorPayload{
			ErrorMessage: initErr.ErrorMessage,
			ErrorType:    initErr.ErrorType,
			StackTrace:   initErr.StackTrace,
		})
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		log.WithError(err).Error("Failed to read invoke payload.")
		writeError(w, http.StatusBadRequest, &errorPayload{
			ErrorMessage: err.Error(),
			ErrorType:    "InvalidRequestContent",
		})
		return
	}

	pending := &pendingInvoke{
		requestID:     uuid.NewString(),
		traceID:       newTraceID(),
		payload:       payload,
		clientContext: r.Header.Get("X-Amz-Client-Context"),
		result:        make(chan invokeResult, 1),
	}

	log.Infof("START RequestId: %s Version: %s", pending.requestID, s.opts.FunctionVersion)
	started := time.Now()

	timeout := time.NewTimer(s.opts.InvokeTimeout)
	defer timeout.Stop()

	select {
	case s.queue <- pending:
	case <-r.Context().Done():
		return
	case <-timeout.C:
		s.finishTimeout(w, pending.requestID)
		return
	}

	select {
	case res := <-pending.result:
		s.finishInvoke(w, pending.requestID, started, res)
	case <-r.Context().Done():
		s.forget(pending.requestID)
	case <-timeout.C:
		s.forget(pending.requestID)
		s.finishTimeout(w, pending.requestID)
	}
}

func (s *Server) finishInvoke(w http.ResponseWriter, requestID string, started time.Time, res invokeResult) {
	durationMs := float64(time.Since(started)) / float64(time.Millisecond)
	log.Infof("REPORT RequestId: %s\tDuration: %.2f ms", requestID, durationMs)

	result := "success"
	if res.errored {
		result = "error"
		w.Header().Set("X-Amz-Function-Error", "Unhandled")
	}
	invokesTotal.WithLabelValues(result).Inc()

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.payload)
}

func (s *Server) finishTimeout(w http.ResponseWriter, requestID string) {
	invokesTotal.WithLabelValues("timeout").Inc()
	w.Header().Set("X-Amz-Function-Error", "Unhandled")
	writeError(w, http.StatusOK, &errorPayload{
		ErrorMessage: fmt.Sprintf("RequestId: %s Error: Task timed out after %.2f seconds",
			requestID, s.opts.InvokeTimeout.Seconds()),
		ErrorType: "Sandbox.Timedout",
		RequestId: aws.String(requestID),
	})
}

// nextInvocation long-polls until an invocation is queued, then hands it out
// with the metadata headers the runtime expects.
func (s *Server) nextInvocation(w http.ResponseWriter, r *http.Request) {
	var pending *pendingInvoke
	select {
	case pending = <-s.queue:
	case <-r.Context().Done():
		return
	}

	s.mu.Lock()
	s.waiting[pending.requestID] = pending
	s.mu.Unlock()

	deadline := time.Now().Add(s.opts.InvokeTimeout)
	w.Header().Set(rapi.HeaderAWSRequestID, pending.requestID)
	w.Header().Set(rapi.HeaderDeadlineMS, strconv.FormatInt(deadline.UnixMilli(), 10))
	w.Header().Set(rapi.HeaderInvokedFunctionArn, s.functionArn())
	w.Header().Set(rapi.HeaderTraceID, pending.traceID)
	if pending.clientContext != "" {
		w.Header().Set(rapi.HeaderClientContext, pending.clientContext)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(pending.payload)
}

func (s *Server) invocationResponse(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	pending, ok := s.take(requestID)
	if !ok {
		writeError(w, http.StatusNotFound, &errorPayload{
			ErrorMessage: "unknown request id: " + requestID,
			ErrorType:    "InvalidRequestID",
		})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.WithError(err).WithField("request-id", requestID).Error("Failed to read response body.")
		writeError(w, http.StatusBadRequest, &errorPayload{
			ErrorMessage: err.Error(),
			ErrorType:    "InvalidRequestContent",
		})
		return
	}

	// A streamed response that failed mid-way carries the in-band trailer;
	// transport-level success notwithstanding, it is a failed invocation.
	payload, trailer, errored := rapi.SplitTrailer(body)
	if errored {
		log.WithFields(log.Fields{
			"request-id": requestID,
			"error-type": trailer.ErrorType,
		}).Debug("Streamed response terminated with error trailer.")
		errBody, _ := json.Marshal(&errorPayload{
			ErrorMessage: trailer.ErrorMessage,
			ErrorType:    trailer.ErrorType,
			RequestId:    aws.String(requestID),
			StackTrace:   trailer.StackTrace,
		})
		payload = errBody
	}

	pending.result <- invokeResult{payload: payload, errored: errored}
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"OK"}`))
}

func (s *Server) invocationError(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	pending, ok := s.take(requestID)
	if !ok {
		writeError(w, http.StatusNotFound, &errorPayload{
			ErrorMessage: "unknown request id: " + requestID,
			ErrorType:    "InvalidRequestID",
		})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		body = []byte(`{"errorMessage":"invocation failed","errorType":"Unknown"}`)
	}
	log.WithFields(log.Fields{
		"request-id": requestID,
		"error-type": r.Header.Get(rapi.HeaderFunctionErrorType),
	}).Debug("Invocation error reported.")

	pending.result <- invokeResult{payload: body, errored: true}
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"OK"}`))
}

// initError records a startup failure of the function process; subsequent
// invokes fail fast with the recorded error.
func (s *Server) initError(w http.ResponseWriter, r *http.Request) {
	errResp := &rapi.ErrorResponse{
		ErrorMessage: "runtime failed to initialize",
		ErrorType:    "Runtime.InitError",
	}
	if body, err := io.ReadAll(r.Body); err == nil && len(body) > 0 {
		if err := json.Unmarshal(body, errResp); err != nil {
			log.WithError(err).Warn("Unparseable init error body.")
		}
	}

	log.WithField("error-type", errResp.ErrorType).Errorf("Runtime reported init error: %s", errResp.ErrorMessage)
	s.mu.Lock()
	s.initErr = errResp
	s.mu.Unlock()

	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"OK"}`))
}

func (s *Server) initErrorStatus() *rapi.ErrorResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initErr
}

func (s *Server) take(requestID string) (*pendingInvoke, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.waiting[requestID]
	if ok {
		delete(s.waiting, requestID)
	}
	return pending, ok
}

func (s *Server) forget(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiting, requestID)
}

func writeError(w http.ResponseWriter, status int, payload *errorPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).Error("Failed to marshal error payload.")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// newTraceID fabricates an X-Ray style root trace id.
func newTraceID() string {
	return fmt.Sprintf("Root=1-%08x-%s;Sampled=0",
		time.Now().Unix(),
		strings.ReplaceAll(uuid.NewString(), "-", "")[:24])
}
