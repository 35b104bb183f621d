package protocol

import (
	"encoding/json"
	"fmt"
)

// ErrorKind tags a whole-batch error body.
type ErrorKind string

const (
	KindPushFailed      ErrorKind = "pushFailed"
	KindTransformFailed ErrorKind = "transformFailed"
)

// ErrorOrigin says which side produced the error: the user's application
// server or this forwarding engine.
type ErrorOrigin string

const (
	OriginServer  ErrorOrigin = "server"
	OriginGateway ErrorOrigin = "gateway"
)

// ErrorReason is the shared failure taxonomy. AlreadyProcessed and App
// are recoverable (converted to per-mutation results); everything else
// aborts the remaining batch.
type ErrorReason string

const (
	ReasonAlreadyProcessed       ErrorReason = "alreadyProcessed"
	ReasonOOOMutation            ErrorReason = "oooMutation"
	ReasonUnsupportedPushVersion ErrorReason = "unsupportedPushVersion"
	ReasonApp                    ErrorReason = "app"
	ReasonDatabase               ErrorReason = "database"
	ReasonParse                  ErrorReason = "parse"
	ReasonHTTP                   ErrorReason = "http"
	ReasonTimeout                ErrorReason = "timeout"
	ReasonInternal               ErrorReason = "internal"
)

// PushFailedBody describes a whole-batch push failure. MutationIDs names
// exactly the mutations that were not resolved, so the client can
// resubmit only those.
type PushFailedBody struct {
	Kind        ErrorKind    `json:"kind"`
	Origin      ErrorOrigin  `json:"origin"`
	Reason      ErrorReason  `json:"reason"`
	Message     string       `json:"message,omitempty"`
	MutationIDs []MutationID `json:"mutationIDs,omitempty"`
	Status      int          `json:"status,omitempty"`
	BodyPreview string       `json:"bodyPreview,omitempty"`
}

// TransformFailedBody describes a whole-batch query transform failure,
// naming only the queryIDs that were actually requested.
type TransformFailedBody struct {
	Kind        ErrorKind   `json:"kind"`
	Origin      ErrorOrigin `json:"origin"`
	Reason      ErrorReason `json:"reason"`
	Message     string      `json:"message,omitempty"`
	QueryIDs    []string    `json:"queryIDs,omitempty"`
	Status      int         `json:"status,omitempty"`
	BodyPreview string      `json:"bodyPreview,omitempty"`
}

// PushError carries a PushFailedBody as a Go error.
type PushError struct {
	Body PushFailedBody
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push failed: reason=%s origin=%s: %s", e.Body.Reason, e.Body.Origin, e.Body.Message)
}

// TransformError carries a TransformFailedBody as a Go error.
type TransformError struct {
	Body TransformFailedBody
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform failed: reason=%s origin=%s: %s", e.Body.Reason, e.Body.Origin, e.Body.Message)
}

// Wire tags of the two-element transform request/response tuples.
const (
	transformRequest = "transform"
	transformOK      = "transformed"
	transformFailed  = "transformFailed"
)

// TransformRequest asks the user API to resolve the named queries. On
// the wire it is a two-element JSON array: ["transform", [...]].
type TransformRequest struct {
	Queries []TransformQuery
}

func (r TransformRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{transformRequest, r.Queries})
}

func (r *TransformRequest) UnmarshalJSON(b []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(b, &tuple); err != nil {
		return fmt.Errorf("protocol: transform request is not an array: %w", err)
	}
	if len(tuple) != 2 {
		return fmt.Errorf("protocol: transform request has %d elements, want 2", len(tuple))
	}
	var tag string
	if err := json.Unmarshal(tuple[0], &tag); err != nil {
		return fmt.Errorf("protocol: transform request tag: %w", err)
	}
	if tag != transformRequest {
		return fmt.Errorf("protocol: unknown transform request tag %q", tag)
	}
	return json.Unmarshal(tuple[1], &r.Queries)
}

// TransformResponse is the user API's answer to a transform request.
// On the wire it is a two-element JSON array: ["transformed", [...]] or
// ["transformFailed", {...}].
type TransformResponse struct {
	Queries []TransformedQuery
	Failed  *TransformFailedBody
}

func (r TransformResponse) MarshalJSON() ([]byte, error) {
	if r.Failed != nil {
		return json.Marshal([2]any{transformFailed, r.Failed})
	}
	return json.Marshal([2]any{transformOK, r.Queries})
}

func (r *TransformResponse) UnmarshalJSON(b []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(b, &tuple); err != nil {
		return fmt.Errorf("protocol: transform response is not an array: %w", err)
	}
	if len(tuple) != 2 {
		return fmt.Errorf("protocol: transform response has %d elements, want 2", len(tuple))
	}
	var tag string
	if err := json.Unmarshal(tuple[0], &tag); err != nil {
		return fmt.Errorf("protocol: transform response tag: %w", err)
	}
	switch tag {
	case transformOK:
		r.Failed = nil
		return json.Unmarshal(tuple[1], &r.Queries)
	case transformFailed:
		r.Queries = nil
		r.Failed = &TransformFailedBody{}
		return json.Unmarshal(tuple[1], r.Failed)
	default:
		return fmt.Errorf("protocol: unknown transform response tag %q", tag)
	}
}
