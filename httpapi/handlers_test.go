package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdbgraph.io/core/cmdb"
	"cmdbgraph.io/core/errs"
	"cmdbgraph.io/core/graphgateway"
	"cmdbgraph.io/core/jobqueue"
	"cmdbgraph.io/core/kvstore"
	"cmdbgraph.io/core/ratelimit"
)

// fakeGateway is the same queued-response/recorded-calls shape every
// other package's gateway fake uses (cmdb, relationship, temporal all
// carry their own unexported copy since graphgateway.Gateway has no
// production fake of its own).
type fakeGateway struct {
	writeResponses []fakeResponse
	readResponses  []fakeResponse
	writeCalls     int
	readCalls      int
}

type fakeResponse struct {
	records []graphgateway.Record
	err     error
}

func (f *fakeGateway) RunWrite(ctx context.Context, cypher string, params map[string]any) ([]graphgateway.Record, error) {
	idx := f.writeCalls
	f.writeCalls++
	if idx < len(f.writeResponses) {
		return f.writeResponses[idx].records, f.writeResponses[idx].err
	}
	return nil, nil
}

func (f *fakeGateway) RunRead(ctx context.Context, cypher string, params map[string]any) ([]graphgateway.Record, error) {
	idx := f.readCalls
	f.readCalls++
	if idx < len(f.readResponses) {
		return f.readResponses[idx].records, f.readResponses[idx].err
	}
	return nil, nil
}

func (f *fakeGateway) Close(ctx context.Context) error { return nil }

func newTestDeps(t *testing.T) (Dependencies, *fakeGateway) {
	t.Helper()
	gw := &fakeGateway{}
	store := kvstore.NewMemoryStore()
	dialer, _ := jobqueue.NewMockAMQPDialer()
	broker, err := jobqueue.NewBroker("amqp://test", "cmdb.jobs.test", dialer, store)
	require.NoError(t, err)

	return Dependencies{
		CIs:     cmdb.NewRepository(gw),
		Limiter: ratelimit.NewLimiter(store, ratelimit.DefaultLimits(), 1000, 1000),
		Jobs:    broker,
	}, gw
}

func TestGetCIReturns404WhenMissing(t *testing.T) {
	deps, _ := newTestDeps(t)
	e := echo.New()
	e.HTTPErrorHandler = CustomHTTPErrorHandler
	h := &handlers{deps: deps}

	req := httptest.NewRequest(http.MethodGet, "/api/cmdb/items/missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("missing")

	e.HTTPErrorHandler(h.getCI(c), c)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing")
}

func TestGetCIReturnsCIAndAdjacency(t *testing.T) {
	deps, gw := newTestDeps(t)
	gw.readResponses = []fakeResponse{{records: []graphgateway.Record{{
		"props":         map[string]any{"id": "ci-1", "name": "web-01", "type": "Server"},
		"inboundCount":  int64(2),
		"outboundCount": int64(1),
	}}}}
	h := &handlers{deps: deps}
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/api/cmdb/items/ci-1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("ci-1")

	require.NoError(t, h.getCI(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "web-01")
	assert.Contains(t, rec.Body.String(), `"inboundCount":2`)
}

func TestCountCIsReturnsCount(t *testing.T) {
	deps, gw := newTestDeps(t)
	gw.readResponses = []fakeResponse{{records: []graphgateway.Record{{"count": int64(3)}}}}
	h := &handlers{deps: deps}

	req := httptest.NewRequest(http.MethodGet, "/api/cmdb/items/count", nil)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)

	require.NoError(t, h.countCIs(c))
	assert.Contains(t, rec.Body.String(), `"count":3`)
}

func TestCreateCIRejectsMalformedBody(t *testing.T) {
	deps, _ := newTestDeps(t)
	h := &handlers{deps: deps}
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/api/cmdb/items", strings.NewReader("{not json"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.createCI(c)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, errs.StatusCode(err))
}

func TestCreateCISucceeds(t *testing.T) {
	deps, gw := newTestDeps(t)
	gw.writeResponses = []fakeResponse{{records: []graphgateway.Record{{
		"props": map[string]any{"id": "ci-2", "name": "db-01", "type": "Database", "criticality": "HIGH"},
	}}}}
	h := &handlers{deps: deps}
	e := echo.New()

	body := `{"name":"db-01","type":"Database","criticality":"HIGH"}`
	req := httptest.NewRequest(http.MethodPost, "/api/cmdb/items", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.createCI(c))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "db-01")
}

func TestJobLifecycleThroughHandlers(t *testing.T) {
	deps, _ := newTestDeps(t)
	h := &handlers{deps: deps}
	e := echo.New()

	body := `{"scale":"small"}`
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(t, h.submitJob(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var submitted jobqueue.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	req = httptest.NewRequest(http.MethodGet, "/api/jobs/"+submitted.JobID, nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("jobId")
	c.SetParamValues(submitted.JobID)
	require.NoError(t, h.jobProgress(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJobProgressReturnsJobNotFound(t *testing.T) {
	deps, _ := newTestDeps(t)
	h := &handlers{deps: deps}
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("jobId")
	c.SetParamValues("does-not-exist")

	err := h.jobProgress(c)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, errs.StatusCode(err))
}
