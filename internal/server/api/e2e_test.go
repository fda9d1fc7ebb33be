package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/provprune/internal/server/core"
	"github.com/systemshift/provprune/internal/server/export"
	"github.com/systemshift/provprune/internal/server/jobs"
	"github.com/systemshift/provprune/internal/server/store"
)

// machineGraph reports every node as a Machine, so no inference is needed
type machineGraph struct{}

func (machineGraph) LookupType(context.Context, core.NodeID) (string, error) {
	return core.NodeMachine, nil
}

func (machineGraph) NearestProcess(context.Context, core.NodeID) (core.NodeID, bool, error) {
	return core.NodeID{}, false, nil
}

func TestClassifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	d := jobs.NewDispatcher(jobs.Deps{Store: s, Graph: machineGraph{}})
	t.Cleanup(func() { d.Close(context.Background()) })

	srv := httptest.NewServer(New(d, export.NewService(s, nil), map[string]Pinger{"store": s}, nil).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/classify", "application/json",
		strings.NewReader(`{"nodes":[{"uuid":"m1","timestamp":10},{"uuid":"m2","timestamp":20}]}`))
	require.NoError(t, err)
	var submitted ClassifyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, submitted.JobID, jobs.JobIDLength)
	assert.Equal(t, 2, submitted.NodesToProcess)

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/job-action?action=status&id=" + submitted.JobID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st JobStatusResponse
		return json.NewDecoder(resp.Body).Decode(&st) == nil && st.Status == core.JobDone
	}, 5*time.Second, 10*time.Millisecond)

	resp, err = http.Get(srv.URL + "/job-action?action=results&id=" + submitted.JobID)
	require.NoError(t, err)
	var results JobResultsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&results))
	resp.Body.Close()
	require.Len(t, results.Results, 2)
	for _, r := range results.Results {
		assert.Equal(t, core.Show, *r.Recommended)
		assert.Equal(t, core.ClassifiedByAuto, r.ClassifiedBy)
	}

	resp, err = http.Get(srv.URL + "/job-export?id=" + submitted.JobID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/reset-cache")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/job-action?action=status&id=" + submitted.JobID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "reset forgets jobs")

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
