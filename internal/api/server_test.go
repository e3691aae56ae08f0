package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomline/sonar-telemetry/internal/config"
	"github.com/fathomline/sonar-telemetry/internal/pipeline"
	"github.com/fathomline/sonar-telemetry/internal/testutil"
)

type fakeHistory struct {
	points []pipeline.HistoryPoint
}

func (f fakeHistory) History() []pipeline.HistoryPoint { return f.points }

func TestServer_ShowConfigDumpsEffectiveConfig(t *testing.T) {
	cfg := config.EmptySonarTuningConfig()
	s := NewServer(cfg, fakeHistory{})

	req := testutil.NewTestRequest(http.MethodGet, "/debug/config")
	rec := testutil.NewTestRecorder()
	s.ServeMux().ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
}

func TestServer_DepthChartRendersHTML(t *testing.T) {
	history := fakeHistory{points: []pipeline.HistoryPoint{
		{Time: time.Unix(1, 0), DepthCM: 120, NoiseFloor: 60},
		{Time: time.Unix(2, 0), DepthCM: 125, NoiseFloor: 61},
	}}
	s := NewServer(config.EmptySonarTuningConfig(), history)

	req := testutil.NewTestRequest(http.MethodGet, "/debug/depth-chart")
	rec := testutil.NewTestRecorder()
	s.ServeMux().ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "depth_cm")
}

func TestServer_DepthChartHandlesEmptyHistory(t *testing.T) {
	s := NewServer(config.EmptySonarTuningConfig(), fakeHistory{})

	req := testutil.NewTestRequest(http.MethodGet, "/debug/depth-chart")
	rec := testutil.NewTestRecorder()
	s.ServeMux().ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
}
