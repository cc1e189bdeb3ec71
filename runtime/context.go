package runtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	log "github.com/sirupsen/logrus"

	"github.com/localstack/lambda-runtime-client/internal/rapi"
)

// InvocationContext is the immutable metadata of one invocation, built from
// the next-invocation response headers. Exactly one is live at a time; it is
// dropped once the invocation's outcome has been reported.
type InvocationContext struct {
	RequestID          string
	Deadline           time.Time
	InvokedFunctionArn string
	TraceID            string

	// Optional metadata. Malformed values degrade to nil rather than failing
	// the invocation; partial metadata must still be processable.
	ClientContext *lambdacontext.ClientContext
	Identity      *lambdacontext.CognitoIdentity
}

func newInvocationContext(inv *rapi.Invocation) *InvocationContext {
	ic := &InvocationContext{
		RequestID:          inv.RequestID,
		Deadline:           inv.Deadline,
		InvokedFunctionArn: inv.InvokedFunctionArn,
		TraceID:            inv.TraceID,
	}

	if inv.ClientContext != "" {
		cc := &lambdacontext.ClientContext{}
		if err := unmarshalHeaderJSON(inv.ClientContext, cc); err != nil {
			log.WithError(err).WithField("request-id", inv.RequestID).
				Debug("Malformed client context header, continuing without it.")
		} else {
			ic.ClientContext = cc
		}
	}

	if inv.CognitoIdentity != "" {
		identity := &lambdacontext.CognitoIdentity{}
		if err := unmarshalHeaderJSON(inv.CognitoIdentity, identity); err != nil {
			log.WithError(err).WithField("request-id", inv.RequestID).
				Debug("Malformed cognito identity header, continuing without it.")
		} else {
			ic.Identity = identity
		}
	}

	return ic
}

// Some invokers send the client context header base64-encoded, others send
// plain JSON. Try JSON first, then a base64-wrapped document.
func unmarshalHeaderJSON(value string, out any) error {
	directErr := json.Unmarshal([]byte(value), out)
	if directErr == nil {
		return nil
	}

	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return directErr
	}
	return json.Unmarshal(decoded, out)
}

// NewContext derives the handler's context.Context: it carries the platform
// deadline and the lambdacontext values. The deadline is advisory; the loop
// never cancels a running handler, enforcement stays with the platform.
func (ic *InvocationContext) NewContext(parent context.Context) (context.Context, context.CancelFunc) {
	lc := &lambdacontext.LambdaContext{
		AwsRequestID:       ic.RequestID,
		InvokedFunctionArn: ic.InvokedFunctionArn,
	}
	if ic.ClientContext != nil {
		lc.ClientContext = *ic.ClientContext
	}
	if ic.Identity != nil {
		lc.Identity = *ic.Identity
	}

	ctx := lambdacontext.NewContext(parent, lc)
	ctx = context.WithValue(ctx, invocationContextKey{}, ic)
	return context.WithDeadline(ctx, ic.Deadline)
}

type invocationContextKey struct{}

// FromContext returns the InvocationContext the runtime attached to a handler
// context.
func FromContext(ctx context.Context) (*InvocationContext, bool) {
	ic, ok := ctx.Value(invocationContextKey{}).(*InvocationContext)
	return ic, ok
}
