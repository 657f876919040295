package runtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tracepkg "github.com/ipcflow/ipcflow/internal/runtime/trace"
)

func seedEvents(svc *Service, n int) {
	for i := 0; i < n; i++ {
		svc.Recorder().Ingest(tracepkg.Event{
			ID:      "ev-" + string(rune('a'+i)),
			Kind:    tracepkg.KindInvoke,
			Channel: "seeded",
			Status:  tracepkg.StatusOK,
			TsStart: tracepkg.NowMillis(),
			TsEnd:   tracepkg.NowMillis() + 1,
			PeerID:  "remote-peer",
		})
	}
}

func TestInspectGetEvents(t *testing.T) {
	svc := newTestService(t)
	seedEvents(svc, 3)

	rec := httptest.NewRecorder()
	svc.inspectHandler(svc.handleGetEvents).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ipc/events", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var events []tracepkg.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 3)
}

func TestInspectGetEventsLimit(t *testing.T) {
	svc := newTestService(t)
	seedEvents(svc, 5)

	rec := httptest.NewRecorder()
	svc.inspectHandler(svc.handleGetEvents).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ipc/events?limit=2", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var events []tracepkg.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 2)
}

func TestInspectGetEventsBadLimit(t *testing.T) {
	svc := newTestService(t)

	rec := httptest.NewRecorder()
	svc.inspectHandler(svc.handleGetEvents).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ipc/events?limit=nope", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInspectGetMetrics(t *testing.T) {
	svc := newTestService(t)
	seedEvents(svc, 2)

	rec := httptest.NewRecorder()
	svc.inspectHandler(svc.handleGetMetrics).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ipc/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.NotEmpty(t, rows)
	assert.Equal(t, "seeded", rows[0]["channel"])
}

func TestInspectGetStatus(t *testing.T) {
	svc := newTestService(t)

	rec := httptest.NewRecorder()
	svc.inspectHandler(svc.handleGetStatus).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ipc/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "svc-test-peer", status.PeerID)
	assert.Equal(t, "channel", status.Transport)
	assert.NotEmpty(t, status.PreviewMode)
	assert.Greater(t, status.Resource.Goroutines, 0)
}

func TestInspectSetPreviewMode(t *testing.T) {
	svc := newTestService(t)
	t.Cleanup(func() { tracepkg.SetPreviewMode(tracepkg.PreviewModeRedacted) })

	body := strings.NewReader(`{"mode":"full"}`)
	rec := httptest.NewRecorder()
	svc.inspectHandler(svc.handleSetPreviewMode).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ipc/preview-mode", body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tracepkg.PreviewModeFull, tracepkg.CurrentPreviewMode())
}

func TestInspectSetPreviewModeRejectsUnknown(t *testing.T) {
	svc := newTestService(t)

	body := strings.NewReader(`{"mode":"verbose"}`)
	rec := httptest.NewRecorder()
	svc.inspectHandler(svc.handleSetPreviewMode).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ipc/preview-mode", body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInspectSetPreviewModeRejectsGet(t *testing.T) {
	svc := newTestService(t)

	rec := httptest.NewRecorder()
	svc.inspectHandler(svc.handleSetPreviewMode).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ipc/preview-mode", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestInspectCORS(t *testing.T) {
	conf := testConfig()
	conf.InspectCORSAllowedOrigins = []string{"https://tools.example.com"}
	svc := newTestServiceWithConfig(t, conf)

	req := httptest.NewRequest(http.MethodGet, "/ipc/events", nil)
	req.Header.Set("Origin", "https://tools.example.com")
	rec := httptest.NewRecorder()
	svc.inspectHandler(svc.handleGetEvents).ServeHTTP(rec, req)

	assert.Equal(t, "https://tools.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestInspectCORSWildcard(t *testing.T) {
	conf := testConfig()
	conf.InspectCORSAllowedOrigins = []string{"*"}
	svc := newTestServiceWithConfig(t, conf)

	req := httptest.NewRequest(http.MethodOptions, "/ipc/events", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	rec := httptest.NewRecorder()
	svc.inspectHandler(svc.handleGetEvents).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestInspectCORSDeniedOrigin(t *testing.T) {
	conf := testConfig()
	conf.InspectCORSAllowedOrigins = []string{"https://tools.example.com"}
	svc := newTestServiceWithConfig(t, conf)

	req := httptest.NewRequest(http.MethodGet, "/ipc/events", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	svc.inspectHandler(svc.handleGetEvents).ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStartInspectServerRegistersRoutes(t *testing.T) {
	conf := testConfig()
	conf.InspectEnabled = true
	svc := newTestServiceWithConfig(t, conf)

	svc.StartInspectServer()

	svc.httpServersMu.Lock()
	mux, ok := svc.httpServers[defaultInspectPort]
	svc.httpServersMu.Unlock()
	require.True(t, ok)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ipc/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartInspectServerDisabled(t *testing.T) {
	svc := newTestService(t)

	svc.StartInspectServer()

	svc.httpServersMu.Lock()
	defer svc.httpServersMu.Unlock()
	assert.Empty(t, svc.httpServers)
}
