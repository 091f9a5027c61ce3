package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelar/sfu-signaling/internal/app"
	"github.com/avelar/sfu-signaling/internal/config"
)

type staticRooms []app.RoomInfo

func (s staticRooms) Snapshot() []app.RoomInfo { return s }

func testRouterConfig() *config.Config {
	return &config.Config{Mode: "release"}
}

func TestHealthz(t *testing.T) {
	r := SetupRouter(testRouterConfig(), prometheus.NewRegistry(), staticRooms{}, staticRooms{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRoomsSnapshot(t *testing.T) {
	audio := staticRooms{{VoiceBridge: "voice-1", Status: "STARTED", Listeners: 2}}
	r := SetupRouter(testRouterConfig(), prometheus.NewRegistry(), audio, staticRooms{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Audio       []app.RoomInfo `json:"audio"`
		Screenshare []app.RoomInfo `json:"screenshare"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Audio, 1)
	assert.Equal(t, "voice-1", body.Audio[0].VoiceBridge)
	assert.Equal(t, 2, body.Audio[0].Listeners)
	assert.Empty(t, body.Screenshare)
}

func TestMetricsExposed(t *testing.T) {
	reg := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "sfu_test_gauge", Help: "test"})
	reg.MustRegister(g)
	g.Set(3)

	r := SetupRouter(testRouterConfig(), reg, staticRooms{}, staticRooms{})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sfu_test_gauge 3")
}
