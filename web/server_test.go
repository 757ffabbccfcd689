package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"gige-streamer/calibration"
	"gige-streamer/config"
	"gige-streamer/metrics"
	"gige-streamer/sink"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeManager struct {
	calibrations map[string]*calibration.Manager
}

func (f *fakeManager) GetStatus() map[string]interface{} {
	return map[string]interface{}{"running": true, "acquiring": false}
}

func (f *fakeManager) GetStats() map[string]interface{} {
	return map[string]interface{}{"streams": map[string]interface{}{}}
}

func (f *fakeManager) Calibration(topic string) (*calibration.Manager, bool) {
	cal, ok := f.calibrations[topic]
	return cal, ok
}

type fakeTransport struct{}

func (fakeTransport) GetStats() map[string]interface{} {
	return map[string]interface{}{"client_count": 0}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.Default()

	m := metrics.New(prometheus.NewRegistry())
	hub := sink.NewHub(m, logger)
	hub.Publisher("camera/intensity")
	hub.Publisher("camera/depth")

	dir := t.TempDir()
	mgr := &fakeManager{calibrations: map[string]*calibration.Manager{
		"camera/intensity": calibration.NewManager("camera", filepath.Join(dir, "intensity.yaml"), logger),
		"camera/depth":     calibration.NewManager("camera", filepath.Join(dir, "depth.yaml"), logger),
	}}

	server := NewServer(cfg, hub, m, nil, logger)
	server.SetCameraManager(mgr)
	server.AddTransport("websocket", fakeTransport{})

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, target interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if target != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
	}
	return resp
}

func put(t *testing.T, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

// TestHealth tests the health endpoint
func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	var health map[string]interface{}
	resp := getJSON(t, ts.URL+"/health", &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "ok", health["status"])

	services := health["services"].(map[string]interface{})
	assert.Equal(t, "running", services["websocket"])
	assert.Contains(t, services, "camera")
}

// TestAPIEndpoints tests the JSON status endpoints
func TestAPIEndpoints(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		path    string
		wantKey string
	}{
		{"/api/status", "camera"},
		{"/api/stats", "transports"},
		{"/api/config", "streams"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			var body map[string]interface{}
			resp := getJSON(t, ts.URL+tt.path, &body)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Contains(t, body, tt.wantKey)
		})
	}
}

// TestAPITopics tests the topic listing
func TestAPITopics(t *testing.T) {
	ts := newTestServer(t)

	var topics []topicInfo
	getJSON(t, ts.URL+"/api/topics", &topics)
	assert.Equal(t, []topicInfo{
		{Topic: "camera/depth"},
		{Topic: "camera/intensity"},
	}, topics)
}

// TestCalibrationEndpoints tests reading and storing calibrations
func TestCalibrationEndpoints(t *testing.T) {
	ts := newTestServer(t)
	url := ts.URL + "/api/calibration/camera/depth"

	var before map[string]interface{}
	getJSON(t, url, &before)
	assert.Equal(t, "camera/depth", before["topic"])
	assert.Equal(t, false, before["calibrated"])

	body := `{"width": 640, "height": 480, "distortion_model": "plumb_bob",
		"d": [0.1, 0, 0, 0, 0], "k": [500, 0, 320, 0, 500, 240, 0, 0, 1]}`
	assert.Equal(t, http.StatusOK, put(t, url, body).StatusCode)

	var after map[string]interface{}
	getJSON(t, url, &after)
	assert.Equal(t, true, after["calibrated"])
	info := after["camera_info"].(map[string]interface{})
	assert.Equal(t, float64(640), info["width"])

	var topics []topicInfo
	getJSON(t, ts.URL+"/api/topics", &topics)
	assert.True(t, topics[0].Calibrated)
	assert.False(t, topics[1].Calibrated)

	assert.Equal(t, http.StatusBadRequest, put(t, url, "{not json").StatusCode)
	assert.Equal(t, http.StatusNotFound, put(t, ts.URL+"/api/calibration/camera/nope", body).StatusCode)
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/calibration/nope", nil).StatusCode)
}

// TestMetricsEndpoint tests the Prometheus exposition
func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "gige_software_triggers_missed_total")
}

// TestCORS tests that allowed origins get CORS headers
func TestCORS(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://viewer.local")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

// TestHomeListsTopics tests the plain text index
func TestHomeListsTopics(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "camera/intensity")
	assert.Contains(t, string(body), "/frames?topic=<topic>")
}
