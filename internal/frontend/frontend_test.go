package frontend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/replay/internal/batcher"
	"github.com/wolfeidau/replay/internal/hub"
	"github.com/wolfeidau/replay/internal/models"
	"github.com/wolfeidau/replay/internal/registry"
	"github.com/wolfeidau/replay/internal/store/memory"
)

func newTestFrontend(t *testing.T) (*httptest.Server, *memory.SessionStore, *registry.Registry) {
	t.Helper()

	st := memory.NewSessionStore()
	b := batcher.New(st, 10, 20*time.Millisecond)
	b.Start()

	reg := registry.New(registry.Config{}, b)
	h := hub.New(hub.Config{}, reg, st)
	h.Start()

	fe := New(st, reg, h, b, "test")
	mux := http.NewServeMux()
	fe.SetupRoutes(mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		h.Shutdown()
		require.NoError(t, b.Shutdown(context.Background()))
	})
	return srv, st, reg
}

func getJSON(t *testing.T, srv *httptest.Server, path string, out any) int {
	t.Helper()

	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func seedSession(t *testing.T, st *memory.SessionStore, id string, active bool, events int) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, st.UpsertSession(ctx, &models.Batch{SessionID: id, UserID: "user-1", IsActive: active}))
	if events > 0 {
		rows := make([]json.RawMessage, 0, events)
		for i := 0; i < events; i++ {
			rows = append(rows, json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)))
		}
		require.NoError(t, st.AppendEventsRow(ctx, id, rows))
	}
}

func TestRoot(t *testing.T) {
	srv, _, _ := newTestFrontend(t)

	var body map[string]string
	status := getJSON(t, srv, "/", &body)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "session-replay-relay", body["service"])
	require.Equal(t, "test", body["version"])
}

func TestHealth(t *testing.T) {
	srv, _, reg := newTestFrontend(t)
	reg.Create("conn-1", "sess-1", "user-1", nil)

	var body struct {
		Status   string `json:"status"`
		Sessions struct {
			InMemory int `json:"inMemory"`
			Active   int `json:"active"`
		} `json:"sessions"`
	}
	status := getJSON(t, srv, "/health", &body)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body.Status)
	require.Equal(t, 1, body.Sessions.InMemory)
	require.Equal(t, 1, body.Sessions.Active)
}

func TestStats(t *testing.T) {
	srv, _, reg := newTestFrontend(t)

	reg.Create("conn-1", "sess-1", "user-1", nil)
	require.NoError(t, reg.AppendEvents("sess-1", []json.RawMessage{
		json.RawMessage(`{"a":1}`),
		json.RawMessage(`{"a":2}`),
	}))

	var body struct {
		ActiveSessions int   `json:"activeSessions"`
		TotalEvents    int64 `json:"totalEvents"`
	}
	status := getJSON(t, srv, "/stats", &body)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, body.ActiveSessions)
	require.Equal(t, int64(2), body.TotalEvents)
}

func TestActiveSessions(t *testing.T) {
	srv, st, _ := newTestFrontend(t)

	seedSession(t, st, "sess-live", true, 0)
	seedSession(t, st, "sess-done", false, 0)

	var body struct {
		Sessions []*models.SessionSummary `json:"sessions"`
	}
	status := getJSON(t, srv, "/sessions/active", &body)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.Sessions, 1)
	require.Equal(t, "sess-live", body.Sessions[0].SessionID)
}

func TestSessionsPagination(t *testing.T) {
	srv, st, _ := newTestFrontend(t)

	for i := 0; i < 5; i++ {
		seedSession(t, st, fmt.Sprintf("sess-%d", i), true, 0)
	}

	var body struct {
		Sessions []*models.SessionSummary `json:"sessions"`
		Limit    int                      `json:"limit"`
		Offset   int                      `json:"offset"`
	}
	status := getJSON(t, srv, "/sessions?limit=2&offset=1", &body)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.Sessions, 2)
	require.Equal(t, 2, body.Limit)
	require.Equal(t, 1, body.Offset)
}

func TestSessionsBadQuery(t *testing.T) {
	srv, _, _ := newTestFrontend(t)

	var body map[string]string
	status := getJSON(t, srv, "/sessions?limit=abc", &body)
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, body["error"], "limit")

	status = getJSON(t, srv, "/sessions?offset=-1", &body)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestSessionEvents(t *testing.T) {
	srv, st, _ := newTestFrontend(t)

	seedSession(t, st, "sess-1", true, 7)

	var body struct {
		SessionID string            `json:"sessionId"`
		Events    []json.RawMessage `json:"events"`
		FromIndex int               `json:"fromIndex"`
		Count     int               `json:"count"`
	}
	status := getJSON(t, srv, "/sessions/sess-1/events?fromIndex=2&limit=3", &body)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "sess-1", body.SessionID)
	require.Equal(t, 2, body.FromIndex)
	require.Equal(t, 3, body.Count)
	require.JSONEq(t, `{"seq":2}`, string(body.Events[0]))
}

func TestSessionEventsUnknownSessionIsEmpty(t *testing.T) {
	srv, _, _ := newTestFrontend(t)

	var body struct {
		Events []json.RawMessage `json:"events"`
		Count  int               `json:"count"`
	}
	status := getJSON(t, srv, "/sessions/nope/events", &body)
	require.Equal(t, http.StatusOK, status)
	require.Zero(t, body.Count)
	require.Empty(t, body.Events)
}

func TestCleanup(t *testing.T) {
	srv, st, _ := newTestFrontend(t)

	// Both sessions are fresh, so nothing crosses the age cutoff; the age
	// boundary itself is exercised in the store tests.
	seedSession(t, st, "sess-a", false, 0)
	seedSession(t, st, "sess-b", false, 0)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/sessions/cleanup?maxAgeHours=24", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		DeletedCount int `json:"deletedCount"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Zero(t, body.DeletedCount)
}

func TestCleanupRejectsZeroAge(t *testing.T) {
	srv, _, _ := newTestFrontend(t)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/sessions/cleanup?maxAgeHours=0", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
