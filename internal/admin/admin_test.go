package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/playhouselab/playhouse/internal/metrics"
)

func get(t *testing.T, r http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := New("127.0.0.1:0", nil)
	w := get(t, s.router(), "/healthz")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestStatsSnapshot(t *testing.T) {
	t.Parallel()

	s := New("127.0.0.1:0", func() Stats {
		return Stats{
			ServerID:   "play-1",
			ServerType: "play",
			ServiceID:  2,
			Sessions:   7,
			Stages:     3,
			MeshPeers:  []string{"api-1", "play-1"},
		}
	})
	w := get(t, s.router(), "/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var st Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "play-1", st.ServerID)
	assert.Equal(t, uint16(2), st.ServiceID)
	assert.Equal(t, 7, st.Sessions)
	assert.Equal(t, 3, st.Stages)
	assert.Equal(t, []string{"api-1", "play-1"}, st.MeshPeers)
	assert.GreaterOrEqual(t, st.UptimeSec, int64(0))
}

func TestStatsEmptyPeersMarshalsAsList(t *testing.T) {
	t.Parallel()

	s := New("127.0.0.1:0", nil)
	w := get(t, s.router(), "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	// Пустой список пиров остаётся списком, а не null.
	assert.Contains(t, w.Body.String(), `"mesh_peers":[]`)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := New("127.0.0.1:0", nil)
	w := get(t, s.router(), "/metrics")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "playhouse_")
}

func TestServeStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(ln.Addr().String(), func() Stats { return Stats{Sessions: 1} })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("admin server did not stop")
	}

	_, err = http.Get(base + "/healthz")
	assert.Error(t, err)
}
