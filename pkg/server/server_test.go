package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	dktesting "github.com/malbeclabs/datakit/pkg/testing"
)

func testServer(t *testing.T, ready bool) *Server {
	t.Helper()
	s, err := New(Config{
		Logger:     dktesting.NewLogger(),
		ListenAddr: "127.0.0.1:0",
		VersionInfo: VersionInfo{
			Version: "1.2.3",
			Commit:  "abc123",
			Date:    "2024-06-01",
		},
		Ready: func() bool { return ready },
	})
	require.NoError(t, err)
	return s
}

func TestDatakit_Server_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{ListenAddr: ":0", Ready: func() bool { return true }})
	require.Error(t, err)

	_, err = New(Config{Logger: dktesting.NewLogger(), Ready: func() bool { return true }})
	require.Error(t, err)

	_, err = New(Config{Logger: dktesting.NewLogger(), ListenAddr: ":0"})
	require.Error(t, err)
}

func TestDatakit_Server_Healthz(t *testing.T) {
	t.Parallel()

	s := testServer(t, false)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok\n", rec.Body.String())
}

func TestDatakit_Server_Readyz(t *testing.T) {
	t.Parallel()

	t.Run("not ready", func(t *testing.T) {
		t.Parallel()

		s := testServer(t, false)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("ready", func(t *testing.T) {
		t.Parallel()

		s := testServer(t, true)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestDatakit_Server_Version(t *testing.T) {
	t.Parallel()

	s := testServer(t, true)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var v VersionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	require.Equal(t, "1.2.3", v.Version)
	require.Equal(t, "abc123", v.Commit)
}

func TestDatakit_Server_Metrics(t *testing.T) {
	t.Parallel()

	s := testServer(t, true)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
