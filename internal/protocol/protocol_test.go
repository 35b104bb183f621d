package protocol

import (
	"encoding/json"
	"testing"
)

func TestTransformRequest_WireTuple(t *testing.T) {
	req := TransformRequest{Queries: []TransformQuery{
		{ID: "q1", Name: "issuesByOwner", Args: json.RawMessage(`{"owner":"ada"}`)},
	}}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	want := `["transform",[{"id":"q1","name":"issuesByOwner","args":{"owner":"ada"}}]]`
	if string(b) != want {
		t.Fatalf("wire form = %s\nwant %s", b, want)
	}

	var back TransformRequest
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if len(back.Queries) != 1 || back.Queries[0].ID != "q1" {
		t.Fatalf("round trip = %+v", back)
	}
}

func TestTransformRequest_RejectsBadTuples(t *testing.T) {
	bad := []string{
		`{"queries":[]}`,           // object, not tuple
		`["transform"]`,            // one element
		`["transform",[],"extra"]`, // three elements
		`["somethingElse",[]]`,     // wrong tag
		`[42,[]]`,                  // non-string tag
	}
	for _, in := range bad {
		var req TransformRequest
		if err := json.Unmarshal([]byte(in), &req); err == nil {
			t.Fatalf("input %s should fail to decode", in)
		}
	}
}

func TestTransformResponse_SuccessTuple(t *testing.T) {
	resp := TransformResponse{Queries: []TransformedQuery{
		{ID: "q1", Name: "issuesByOwner", AST: json.RawMessage(`{"table":"issue"}`), TransformationHash: "h1"},
	}}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}

	var back TransformResponse
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.Failed != nil {
		t.Fatalf("failed = %+v, want nil", back.Failed)
	}
	if len(back.Queries) != 1 || back.Queries[0].TransformationHash != "h1" {
		t.Fatalf("queries = %+v", back.Queries)
	}

	var tuple []json.RawMessage
	if err := json.Unmarshal(b, &tuple); err != nil || len(tuple) != 2 {
		t.Fatalf("wire form must be a 2-tuple: %s", b)
	}
	var tag string
	json.Unmarshal(tuple[0], &tag)
	if tag != "transformed" {
		t.Fatalf("tag = %q, want transformed", tag)
	}
}

func TestTransformResponse_FailedTuple(t *testing.T) {
	in := `["transformFailed",{"kind":"transformFailed","origin":"server","reason":"app","message":"no such query","queryIDs":["q1","q2"]}]`
	var resp TransformResponse
	if err := json.Unmarshal([]byte(in), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Failed == nil {
		t.Fatal("failed body expected")
	}
	if resp.Failed.Reason != ReasonApp || len(resp.Failed.QueryIDs) != 2 {
		t.Fatalf("failed = %+v", resp.Failed)
	}
	if resp.Queries != nil {
		t.Fatal("queries must be nil on the failed branch")
	}

	// And back out the same shape.
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	var back TransformResponse
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.Failed == nil || back.Failed.Message != "no such query" {
		t.Fatalf("round trip = %+v", back)
	}
}

func TestTransformResponse_UnknownTag(t *testing.T) {
	var resp TransformResponse
	if err := json.Unmarshal([]byte(`["mystery",{}]`), &resp); err == nil {
		t.Fatal("unknown tag must fail")
	}
}

func TestPushResponse_FailedFieldName(t *testing.T) {
	resp := PushResponse{Failed: &PushFailedBody{
		Kind:   KindPushFailed,
		Origin: OriginGateway,
		Reason: ReasonHTTP,
		Status: 502,
	}}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	// The failure body travels under "error", not "failed".
	if _, ok := raw["error"]; !ok {
		t.Fatalf("wire form %s must carry the failure under \"error\"", b)
	}
	if _, ok := raw["mutations"]; ok {
		t.Fatal("empty mutations must be omitted")
	}
}

func TestPush_MutationIDs(t *testing.T) {
	p := Push{Mutations: []Mutation{
		{ID: 1, ClientID: "c1"},
		{ID: 2, ClientID: "c1"},
		{ID: 1, ClientID: "c2"},
	}}
	mids := p.MutationIDs()
	if len(mids) != 3 {
		t.Fatalf("got %d ids", len(mids))
	}
	if mids[2] != (MutationID{ClientID: "c2", ID: 1}) {
		t.Fatalf("mids[2] = %+v", mids[2])
	}
}

func TestOutcomeAndQueryOK(t *testing.T) {
	if !(MutationOutcome{}).OK() {
		t.Fatal("zero outcome is a success")
	}
	if (MutationOutcome{Error: ReasonApp}).OK() {
		t.Fatal("app outcome is not a success")
	}
	if !(TransformedQuery{ID: "q"}).OK() {
		t.Fatal("zero-error query entry is a success")
	}
	if (TransformedQuery{ID: "q", Error: ReasonHTTP}).OK() {
		t.Fatal("errored query entry is not a success")
	}
}
