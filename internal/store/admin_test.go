package store

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hfsslive/trackcore/internal/model"
)

func TestAttachAdminRoutesServesTableStats(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateRace(context.Background(), model.Race{
		ID: "race-1", Name: "Test Race",
	}))

	mux := http.NewServeMux()
	require.NoError(t, s.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/store-stats", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	// tsweb's debug wrapper may gate access (e.g. to local/Tailscale callers
	// only); what matters here is that AttachAdminRoutes actually registered
	// the route rather than leaving it unreachable.
	require.NotEqual(t, http.StatusNotFound, rec.Code)
	if rec.Code == http.StatusOK {
		require.Contains(t, rec.Body.String(), "races")
	}
}

func TestAttachAdminRoutesRegistersTailsqlRoute(t *testing.T) {
	s := openTestStore(t)

	mux := http.NewServeMux()
	require.NoError(t, s.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/tailsql/", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.NotEqual(t, http.StatusNotFound, rec.Code)
}
