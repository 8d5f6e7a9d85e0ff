// Package health exposes the liveness/readiness endpoints and the
// public JWKS document, grounded on dex's go-sundheit wiring in
// cmd/dex/serve.go and its handlePublicKeys handler.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"

	"github.com/uitsmijter/uitsmijter/internal/keystore"
	"github.com/uitsmijter/uitsmijter/internal/session"
)

// jwksMaxAge bounds how long a reverse proxy or client may cache the
// JWKS document before re-fetching it.
const jwksMaxAge = time.Hour

// Service wires go-sundheit's health checker, the Code/Session Store's
// health, and the key store's public JWKS together behind plain
// http.HandlerFuncs.
type Service struct {
	Checker  gosundheit.Health
	Keys     *keystore.Store
	Sessions session.Store
}

// New builds a Service with a fresh health checker and registers a
// background check that logs Code/Session Store failures on the same
// schedule go-sundheit uses elsewhere in this stack. The HTTP handlers
// below consult the store directly so their response reflects its
// state at request time rather than the last periodic sample.
func New(keys *keystore.Store, sessions session.Store, logger *slog.Logger) *Service {
	checker := gosundheit.New()
	checker.RegisterCheck(&gosundheit.Config{
		Check: &checks.CustomCheck{
			CheckName: "session-store",
			CheckFunc: func() (details interface{}, err error) {
				if !sessions.IsHealthy(context.Background()) {
					logger.Warn("session store health check failed")
					return nil, fmt.Errorf("session store unhealthy")
				}
				return nil, nil
			},
		},
		ExecutionPeriod:  15 * time.Second,
		InitiallyPassing: true,
	})
	return &Service{Checker: checker, Keys: keys, Sessions: sessions}
}

// Live answers `GET /health`: 204 unless the Code/Session Store is
// unhealthy, in which case 500.
func (s *Service) Live(w http.ResponseWriter, r *http.Request) {
	if !s.Sessions.IsHealthy(r.Context()) {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Ready answers `GET /health/ready`: 204 once the Code/Session Store is
// initialized and healthy, else 417 (Expectation Failed).
func (s *Service) Ready(w http.ResponseWriter, r *http.Request) {
	if !s.Sessions.IsHealthy(r.Context()) {
		w.WriteHeader(http.StatusExpectationFailed)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JWKS serves the public JSON Web Key Set for the RS256 signing keys.
func (s *Service) JWKS(w http.ResponseWriter, _ *http.Request) {
	set := s.Keys.PublicJWKS()
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		http.Error(w, "could not marshal jwks", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(jwksMaxAge.Seconds())))
	_, _ = w.Write(data)
}
