package health

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uitsmijter/uitsmijter/internal/keystore"
	"github.com/uitsmijter/uitsmijter/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSessionStore struct {
	session.Store
	healthy bool
}

func (f *fakeSessionStore) IsHealthy(context.Context) bool { return f.healthy }
func (f *fakeSessionStore) Close() error                   { return nil }

func TestLiveNoContentWhenSessionStoreHealthy(t *testing.T) {
	svc := New(keystore.New([]byte("secret"), nil), &fakeSessionStore{healthy: true}, testLogger())
	rr := httptest.NewRecorder()
	svc.Live(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)
}

func TestLiveServerErrorWhenSessionStoreUnhealthy(t *testing.T) {
	svc := New(keystore.New([]byte("secret"), nil), &fakeSessionStore{healthy: false}, testLogger())
	rr := httptest.NewRecorder()
	svc.Live(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestReadyNoContentWhenSessionStoreHealthy(t *testing.T) {
	svc := New(keystore.New([]byte("secret"), nil), &fakeSessionStore{healthy: true}, testLogger())
	rr := httptest.NewRecorder()
	svc.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)
}

func TestReadyExpectationFailedWhenSessionStoreUnhealthy(t *testing.T) {
	svc := New(keystore.New([]byte("secret"), nil), &fakeSessionStore{healthy: false}, testLogger())
	rr := httptest.NewRecorder()
	svc.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusExpectationFailed, rr.Code)
}

func TestReadyReflectsRealMemoryStore(t *testing.T) {
	now := func() time.Time { return time.Now().UTC() }
	sessions := session.NewMemory(testLogger(), now, time.Minute)
	defer sessions.Close()

	svc := New(keystore.New([]byte("secret"), nil), sessions, testLogger())
	rr := httptest.NewRecorder()
	svc.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)
}

func TestJWKSServesKeySet(t *testing.T) {
	keys := keystore.New([]byte("secret"), nil)
	_, _, err := keys.ActiveSigningPEM()
	require.NoError(t, err)

	svc := New(keys, &fakeSessionStore{healthy: true}, testLogger())
	rr := httptest.NewRecorder()
	svc.JWKS(rr, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/json; charset=utf-8", rr.Header().Get("Content-Type"))
	require.Equal(t, "public, max-age=3600", rr.Header().Get("Cache-Control"))
	require.Contains(t, rr.Body.String(), "\"keys\"")
}
