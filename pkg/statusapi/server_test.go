package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nwire/rpbridge/pkg/media"
	"github.com/nwire/rpbridge/pkg/rpsession"
	"github.com/nwire/rpbridge/pkg/store"
)

func newTestServer(t *testing.T) (*Server, *rpsession.Manager) {
	t.Helper()
	m := rpsession.NewManager(nil, store.NewMemoryStore(), func(string) media.AVSink { return nil }, rpsession.ManagerConfig{}, nil)
	t.Cleanup(m.Stop)
	return NewServer(m, nil), m
}

func TestHandleListSessionsEmptyManager(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	s.withLogging(http.HandlerFunc(s.handleListSessions)).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body []sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Empty(t, body)
}

func TestHandleListSessionsRejectsNonGet(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions", nil)
	rec := httptest.NewRecorder()
	s.handleListSessions(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleGetSessionUnknownDeviceReturns404(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/sessions/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.handleGetSession(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetSessionKnownDeviceReturnsSnapshot(t *testing.T) {
	s, m := newTestServer(t)
	m.AddDevice("dev-1", rpsession.StartOptions{HostIP: "127.0.0.1"})

	req := httptest.NewRequest(http.MethodGet, "/sessions/dev-1", nil)
	rec := httptest.NewRecorder()
	s.handleGetSession(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "dev-1", body.DeviceID)
}

func TestHandleHealthzReturnsOK(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestStartFailsOnInvalidAddress(t *testing.T) {
	s, _ := newTestServer(t)
	err := s.Start(context.Background(), "not-a-valid-address::::")
	require.Error(t, err)
}
