package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/falcon-sched/internal/kernel"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	k, err := kernel.New(kernel.Config{})
	require.NoError(t, err)
	s := New(k)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func validSpec(class types.ClassID) types.JobSpec {
	return types.JobSpec{
		ClassID:          class,
		WCETCycles:       125_000, // 2 ms at 62.5 MHz
		PeriodNS:         10_000_000,
		DeadlineOffsetNS: 10_000_000,
	}
}

func TestSubmitJobEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/jobs", validSpec(1))
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out submitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, types.JobID(1), out.JobID)
	assert.Equal(t, types.ClassID(1), out.ClassID)
}

func TestSubmitJobRejectsOverUtilization(t *testing.T) {
	_, ts := newTestServer(t)

	spec := validSpec(1)
	spec.WCETCycles = 625_000 // 10 ms per 10 ms period: the whole core
	resp := postJSON(t, ts.URL+"/v1/jobs", spec)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/jobs", validSpec(2))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestSubmitJobBadBody(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/jobs", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobStateAndCancel(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/jobs", validSpec(1))
	var out submitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()

	resp, err := http.Get(fmt.Sprintf("%s/v1/jobs/%d", ts.URL, out.JobID))
	require.NoError(t, err)
	var state map[string]types.JobState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	resp.Body.Close()
	assert.Equal(t, types.StateReady, state["state"])

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/v1/jobs/%d", ts.URL, out.JobID), nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// A second cancel is a 404.
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDirectiveEndpointRateLimits(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/jobs", validSpec(1))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	d := types.Directive{
		TargetClassID: 1,
		Action:        types.ActionAdjustBudget,
		Arg:           1_000_000,
		RequestedAtNS: 100,
	}
	resp = postJSON(t, ts.URL+"/v1/directives", d)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	d.RequestedAtNS = 200
	resp = postJSON(t, ts.URL+"/v1/directives", d)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestStatusAndUtilizationEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/jobs", validSpec(1))
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	var servers []types.ServerStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&servers))
	resp.Body.Close()
	require.Len(t, servers, 1)
	assert.Equal(t, types.ClassID(1), servers[0].ClassID)
	assert.Equal(t, uint32(200_000), servers[0].UtilizationPPM)

	resp, err = http.Get(ts.URL + "/v1/utilization")
	require.NoError(t, err)
	var util utilizationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&util))
	resp.Body.Close()
	assert.Equal(t, uint32(200_000), util.UtilizationPPM)
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/jobs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
