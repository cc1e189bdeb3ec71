package rapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// Invocation is one unit of work pulled from the control endpoint: the raw
// event payload plus the metadata headers of the next-invocation response.
// Optional metadata stays raw here; interpretation belongs to the caller.
type Invocation struct {
	RequestID          string
	Deadline           time.Time
	InvokedFunctionArn string
	TraceID            string
	ClientContext      string
	CognitoIdentity    string
	Payload            []byte
}

// Client speaks the runtime API to a single control endpoint. The endpoint is
// plain configuration: pointing it at a local emulator requires no code change.
type Client struct {
	baseURL string

	// The next-invocation call is a long poll and must never time out on the
	// client side; report calls get a bounded client.
	nextClient   *http.Client
	reportClient *http.Client
}

func NewClient(endpoint string, reportTimeout time.Duration) *Client {
	return &Client{
		baseURL:      normalizeEndpoint(endpoint),
		nextClient:   &http.Client{},
		reportClient: &http.Client{Timeout: reportTimeout},
	}
}

func normalizeEndpoint(endpoint string) string {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}
	return strings.TrimSuffix(endpoint, "/")
}

func (c *Client) url(parts ...string) string {
	joined, err := url.JoinPath(c.baseURL, append([]string{APIVersion}, parts...)...)
	if err != nil {
		// baseURL was validated at construction; JoinPath only fails on
		// malformed bases.
		return c.baseURL
	}
	return joined
}

// Next blocks until the control endpoint hands out an invocation. The request
// id and deadline headers are required; their absence is a ProtocolError.
func (c *Client) Next(ctx context.Context) (*Invocation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("runtime", "invocation", "next"), nil)
	if err != nil {
		return nil, &TransportError{Op: "next", Err: err}
	}

	resp, err := c.nextClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "next", Retryable: retryableNetErr(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		if resp.StatusCode >= 500 {
			return nil, &TransportError{
				Op:        "next",
				Retryable: true,
				Err:       fmt.Errorf("unexpected status %d", resp.StatusCode),
			}
		}
		return nil, &ProtocolError{Op: "next", Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "next", Retryable: retryableNetErr(err), Err: err}
	}

	inv, err := parseInvocation(resp.Header, payload)
	if err != nil {
		return nil, err
	}

	log.WithField("request-id", inv.RequestID).Debug("Received next invocation.")
	return inv, nil
}

func parseInvocation(header http.Header, payload []byte) (*Invocation, error) {
	requestID := header.Get(HeaderAWSRequestID)
	if requestID == "" {
		return nil, &ProtocolError{Op: "next", Reason: "missing " + HeaderAWSRequestID + " header"}
	}

	deadlineHeader := header.Get(HeaderDeadlineMS)
	deadlineMS, err := strconv.ParseInt(deadlineHeader, 10, 64)
	if err != nil {
		return nil, &ProtocolError{
			Op:     "next",
			Reason: fmt.Sprintf("missing or malformed %s header: %q", HeaderDeadlineMS, deadlineHeader),
		}
	}

	return &Invocation{
		RequestID:          requestID,
		Deadline:           time.UnixMilli(deadlineMS),
		InvokedFunctionArn: header.Get(HeaderInvokedFunctionArn),
		TraceID:            header.Get(HeaderTraceID),
		ClientContext:      header.Get(HeaderClientContext),
		CognitoIdentity:    header.Get(HeaderCognitoIdentity),
		Payload:            payload,
	}, nil
}

// SendResponse posts a success payload for requestID. For a streamed body the
// request is sent chunked and completes when body reaches EOF; any in-band
// trailer has already been woven into body by the caller.
func (c *Client) SendResponse(ctx context.Context, requestID string, body io.Reader, streaming bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("runtime", "invocation", requestID, "response"), body)
	if err != nil {
		return &TransportError{Op: "response", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set(HeaderFunctionResponseMode, ResponseModeStreaming)
		req.Header.Set("Trailer", HeaderFunctionErrorType)
		// Forcing chunked transfer: the producer length is unknown.
		req.ContentLength = -1
	}

	return c.report(req, "response")
}

// SendError posts a structured invocation error for requestID. Only legal
// while no response bytes have been sent for this invocation.
func (c *Client) SendError(ctx context.Context, requestID string, errResp *ErrorResponse) error {
	return c.postError(ctx, c.url("runtime", "invocation", requestID, "error"), "error", errResp)
}

// SendInitError reports a startup failure that precedes any invocation.
func (c *Client) SendInitError(ctx context.Context, errResp *ErrorResponse) error {
	return c.postError(ctx, c.url("runtime", "init", "error"), "init error", errResp)
}

func (c *Client) postError(ctx context.Context, endpoint, op string, errResp *ErrorResponse) error {
	body, err := marshalErrorResponse(errResp)
	if err != nil {
		return &ProtocolError{Op: op, Reason: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderFunctionErrorType, errResp.ErrorType)

	return c.report(req, op)
}

func (c *Client) report(req *http.Request, op string) error {
	resp, err := c.reportClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return &ProtocolError{Op: op, Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	log.WithField("url", req.URL.String()).Debug("Reported invocation outcome.")
	return nil
}

// Ping checks control endpoint liveness.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("ping"), nil)
	if err != nil {
		return &TransportError{Op: "ping", Err: err}
	}

	resp, err := c.reportClient.Do(req)
	if err != nil {
		return &TransportError{Op: "ping", Retryable: retryableNetErr(err), Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &ProtocolError{Op: "ping", Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}
	return nil
}

// WaitForEndpoint polls the ping endpoint until the control endpoint answers
// or ctx expires. Useful when the emulator and the function start together.
func WaitForEndpoint(ctx context.Context, endpoint string) error {
	client := NewClient(endpoint, 5*time.Second)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := client.Ping(ctx); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func marshalErrorResponse(errResp *ErrorResponse) ([]byte, error) {
	body, err := json.Marshal(errResp)
	if err != nil {
		return nil, fmt.Errorf("marshal error response: %w", err)
	}
	return body, nil
}

// Connection refused means nobody is listening on the control endpoint; the
// environment cannot recover that by waiting. Timeouts and transient resets
// can.
func retryableNetErr(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF)
}
