package rapi

import (
	"bytes"
	"encoding/json"
)

// Runtime API version prefix. The 2018-06-01 contract has been stable since
// custom runtimes launched; the emulator serves the same prefix.
const APIVersion = "2018-06-01"

// Response headers of the next-invocation call carrying invocation metadata.
const (
	HeaderAWSRequestID       = "Lambda-Runtime-Aws-Request-Id"
	HeaderDeadlineMS         = "Lambda-Runtime-Deadline-Ms"
	HeaderInvokedFunctionArn = "Lambda-Runtime-Invoked-Function-Arn"
	HeaderTraceID            = "Lambda-Runtime-Trace-Id"
	HeaderClientContext      = "Lambda-Runtime-Client-Context"
	HeaderCognitoIdentity    = "Lambda-Runtime-Cognito-Identity"
)

const (
	HeaderFunctionErrorType    = "Lambda-Runtime-Function-Error-Type"
	HeaderFunctionResponseMode = "Lambda-Runtime-Function-Response-Mode"

	ResponseModeStreaming = "streaming"
)

// The ErrorResponse is posted to the invocation error and init error endpoints,
// and embedded in the in-band stream trailer.
type ErrorResponse struct {
	ErrorMessage string   `json:"errorMessage"`
	ErrorType    string   `json:"errorType,omitempty"`
	StackTrace   []string `json:"stackTrace,omitempty"`
}

// TrailerSeparator delimits the response body from the in-band error document
// on a stream that failed after its first chunk was already on the wire.
var TrailerSeparator = []byte{0, 0, 0, 0, 0, 0, 0, 0}

// EncodeTrailer renders the in-band trailer marker for a mid-stream failure.
func EncodeTrailer(errResp *ErrorResponse) []byte {
	body, err := json.Marshal(errResp)
	if err != nil {
		// ErrorResponse contains only strings; this cannot happen for real
		// inputs, but never let the trailer itself become unparseable.
		body = []byte(`{"errorMessage":"failed to encode stream error","errorType":"Runtime.TrailerEncode"}`)
	}
	return append(append([]byte{}, TrailerSeparator...), body...)
}

// SplitTrailer separates a streamed body from its trailer marker, if present.
// Returns the payload bytes, the decoded trailer, and whether a trailer was
// found. A body without the separator is a normally completed stream.
func SplitTrailer(body []byte) (payload []byte, trailer *ErrorResponse, found bool) {
	idx := bytes.Index(body, TrailerSeparator)
	if idx < 0 {
		return body, nil, false
	}

	trailer = &ErrorResponse{}
	if err := json.Unmarshal(body[idx+len(TrailerSeparator):], trailer); err != nil {
		trailer = &ErrorResponse{
			ErrorMessage: "stream terminated abnormally with an unparseable trailer",
			ErrorType:    "Runtime.TrailerDecode",
		}
	}
	return body[:idx], trailer, true
}
