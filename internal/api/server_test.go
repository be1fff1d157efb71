package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/csexpert/coursecrawler/internal/pipeline"
)

type fakePipeline struct {
	counts  map[pipeline.Phase]map[pipeline.ItemStatus]int
	cost    float64
	report  pipeline.ValidationReport
	statErr error
}

func (f *fakePipeline) Stats(context.Context) (map[pipeline.Phase]map[pipeline.ItemStatus]int, float64, error) {
	return f.counts, f.cost, f.statErr
}

func (f *fakePipeline) Validate(context.Context) (pipeline.ValidationReport, error) {
	return f.report, nil
}

func testServer(pipe Pipeline) *httptest.Server {
	return httptest.NewServer(NewServer(pipe, zap.NewNop()).Handler())
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := testServer(&fakePipeline{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyzReflectsStoreHealth(t *testing.T) {
	t.Parallel()

	srv := testServer(&fakePipeline{statErr: errors.New("connection refused")})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatsReturnsPhaseCounts(t *testing.T) {
	t.Parallel()

	srv := testServer(&fakePipeline{
		counts: map[pipeline.Phase]map[pipeline.ItemStatus]int{
			pipeline.PhaseDownload: {pipeline.StatusSuccess: 12, pipeline.StatusFailed: 1},
		},
		cost: 1.25,
	})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/pipeline/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body statsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 12, body.Phases[pipeline.PhaseDownload][pipeline.StatusSuccess])
	require.InDelta(t, 1.25, body.TotalCost, 1e-9)
}

func TestValidateReportsIssues(t *testing.T) {
	t.Parallel()

	srv := testServer(&fakePipeline{
		report: pipeline.ValidationReport{
			Issues: []pipeline.ValidationIssue{
				{Kind: "stuck_in_progress", Detail: "2 extraction items claimed but never marked"},
			},
		},
	})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/pipeline/validate")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report pipeline.ValidationReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	require.Len(t, report.Issues, 1)
	require.Equal(t, "stuck_in_progress", report.Issues[0].Kind)
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	t.Parallel()

	srv := testServer(&fakePipeline{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}
