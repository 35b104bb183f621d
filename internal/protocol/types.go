// Package protocol defines the wire types shared by the push and
// custom-query paths: mutations, pushes, per-mutation results, query
// transform requests/responses, and the error taxonomy used across
// component boundaries.
package protocol

import "encoding/json"

// Mutation is a client-originated optimistic mutation. Immutable once
// received; ID is a client-assigned counter, unique and strictly
// increasing per (clientGroupID, clientID).
type Mutation struct {
	ID        int64           `json:"id"`
	ClientID  string          `json:"clientID"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// MutationID addresses one mutation in responses and error bodies.
type MutationID struct {
	ClientID string `json:"clientID"`
	ID       int64  `json:"id"`
}

// MID is shorthand for the mutation's addressable key.
func (m Mutation) MID() MutationID {
	return MutationID{ClientID: m.ClientID, ID: m.ID}
}

// Push is one batch of mutations from a single client group.
type Push struct {
	ClientGroupID string     `json:"clientGroupID"`
	Mutations     []Mutation `json:"mutations"`
	PushVersion   int        `json:"pushVersion"`
	SchemaVersion string     `json:"schemaVersion,omitempty"`
	Timestamp     int64      `json:"timestamp,omitempty"`
}

// MutationIDs returns the addressable keys of all mutations in the push,
// in push order.
func (p Push) MutationIDs() []MutationID {
	ids := make([]MutationID, 0, len(p.Mutations))
	for _, m := range p.Mutations {
		ids = append(ids, m.MID())
	}
	return ids
}

// MutationOutcome is the per-mutation result payload. A zero Error means
// the mutation was applied; otherwise Error is one of the recoverable
// reasons (app, alreadyProcessed, oooMutation).
type MutationOutcome struct {
	Error   ErrorReason     `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OK reports whether the outcome is a success.
func (o MutationOutcome) OK() bool { return o.Error == "" }

// MutationResult pairs a mutation key with its outcome.
type MutationResult struct {
	ID     MutationID      `json:"id"`
	Result MutationOutcome `json:"result"`
}

// PushResponse is the user API's answer to a forwarded push: either a
// per-mutation result list or a whole-request failure.
type PushResponse struct {
	Mutations []MutationResult `json:"mutations,omitempty"`
	Failed    *PushFailedBody  `json:"error,omitempty"`
}

// TransformQuery names one custom query whose structural resolution is
// requested from the user API.
type TransformQuery struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// TransformedQuery is one entry of a transform response. Either AST and
// TransformationHash are set, or Error names a failure for this query.
type TransformedQuery struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name,omitempty"`
	AST                json.RawMessage `json:"ast,omitempty"`
	TransformationHash string          `json:"transformationHash,omitempty"`
	Error              ErrorReason     `json:"error,omitempty"`
	Message            string          `json:"message,omitempty"`
	Details            json.RawMessage `json:"details,omitempty"`
}

// OK reports whether this entry resolved without error. Only OK entries
// are cacheable; errored entries may be transient.
func (q TransformedQuery) OK() bool { return q.Error == "" }
