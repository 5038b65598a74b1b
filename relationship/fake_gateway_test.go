package relationship

import (
	"context"

	"cmdbgraph.io/core/graphgateway"
)

// fakeGateway is a hand-rolled stand-in for graphgateway.Gateway, in the
// style of jobqueue's MockAMQPChannel: callers queue canned responses per
// call index and record every query issued.
type fakeGateway struct {
	writeResponses []fakeResponse
	readResponses  []fakeResponse
	writeCalls     []call
	readCalls      []call
}

type fakeResponse struct {
	records []graphgateway.Record
	err     error
}

type call struct {
	cypher string
	params map[string]any
}

func (f *fakeGateway) RunWrite(ctx context.Context, cypher string, params map[string]any) ([]graphgateway.Record, error) {
	f.writeCalls = append(f.writeCalls, call{cypher, params})
	idx := len(f.writeCalls) - 1
	if idx < len(f.writeResponses) {
		return f.writeResponses[idx].records, f.writeResponses[idx].err
	}
	return nil, nil
}

func (f *fakeGateway) RunRead(ctx context.Context, cypher string, params map[string]any) ([]graphgateway.Record, error) {
	f.readCalls = append(f.readCalls, call{cypher, params})
	idx := len(f.readCalls) - 1
	if idx < len(f.readResponses) {
		return f.readResponses[idx].records, f.readResponses[idx].err
	}
	return nil, nil
}

func (f *fakeGateway) Close(ctx context.Context) error { return nil }
