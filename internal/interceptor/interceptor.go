// Package interceptor implements the ForwardAuth gate: a reverse proxy
// asks GET /interceptor whether the original request's caller is
// authenticated, and this package answers either 200 (pass) or a 307
// redirect to the login form, transparently refreshing a token nearing
// expiry along the way. Grounded on the auth-gate shape of
// other_examples/cb5b2308_hivewarden-apis-edge__apis-server-internal-middleware-auth.go.go
// and other_examples/bb5462bd_sallyom-vTeam__components-backend-internal-middleware-auth.go.go,
// since dex itself has no forward-auth mode to draw from directly.
package interceptor

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/uitsmijter/uitsmijter/internal/apierr"
	"github.com/uitsmijter/uitsmijter/internal/metrics"
	"github.com/uitsmijter/uitsmijter/internal/reqctx"
	"github.com/uitsmijter/uitsmijter/internal/script"
	"github.com/uitsmijter/uitsmijter/internal/signer"
)

// Service answers the ForwardAuth gate.
type Service struct {
	Signer   *signer.Signer
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Now      func() time.Time

	// CookieName and CookieSecure mirror the login flow's cookie shape
	// so a refreshed token can be re-attached to the response.
	CookieName   string
	CookieSecure bool
	CookieExpiry time.Duration
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Check implements GET /interceptor.
func (s *Service) Check(w http.ResponseWriter, r *http.Request) {
	rc, _ := reqctx.FromContext(r.Context())
	if rc == nil || rc.Tenant == nil {
		apierr.Write(w, r, apierr.New(apierr.NoTenant, "host does not map to a tenant"))
		return
	}
	t := rc.Tenant
	if t.Interceptor == nil || !t.Interceptor.Enabled {
		s.Metrics.InterceptorFailure(t.Name, "tenant_not_allowed")
		apierr.Write(w, r, apierr.New(apierr.TenantNotAllowed, "interceptor mode is not enabled for this tenant"))
		return
	}

	if !rc.HasValidPayload() {
		s.Metrics.InterceptorFailure(t.Name, "no_valid_payload")
		s.redirectToLogin(w, r, t.Interceptor.LoginDomain, rc.URL)
		return
	}

	s.maybeRefresh(w, r, rc)
	s.Metrics.InterceptorSuccess(t.Name)
	w.WriteHeader(http.StatusOK)
}

func (s *Service) redirectToLogin(w http.ResponseWriter, r *http.Request, loginDomain, originalURL string) {
	scheme := "https"
	if !s.CookieSecure {
		scheme = "http"
	}
	target := scheme + "://" + loginDomain + "/login?for=" + url.QueryEscape(originalURL) + "&mode=interceptor"
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

// maybeRefresh implements the refresh window: let L = exp-now. If L is
// under two hours, or the token has already passed the three-quarter
// mark of the cookie's lifetime, re-validate the user and, if still
// valid, mint a fresh token and attach it both as a Bearer header and a
// reset cookie on the response.
func (s *Service) maybeRefresh(w http.ResponseWriter, r *http.Request, rc *reqctx.Context) {
	if rc.Payload == nil {
		return
	}
	now := s.now()
	exp := time.Unix(rc.Payload.ExpiresAt, 0)
	remaining := exp.Sub(now)
	threeQuarterPoint := exp.Add(-3 * s.cookieExpiry() / 4)

	if remaining >= 2*time.Hour && now.Before(threeQuarterPoint) {
		return
	}

	provider, err := script.New(r.Context(), s.Logger, rc.Tenant.ProviderScripts)
	if err != nil {
		return
	}
	result, err := provider.Validate(r.Context(), rc.Payload.User, false)
	if err != nil || !result.IsValid {
		return
	}

	refreshed := *rc.Payload
	refreshed.IssuedAt = now.Unix()
	refreshed.ExpiresAt = now.Add(s.cookieExpiry()).Unix()

	algorithm := s.Signer.AlgorithmFor(rc.Tenant.Algorithm)
	token, err := s.Signer.Sign(refreshed, algorithm)
	if err != nil {
		return
	}

	w.Header().Set("Authorization", "Bearer "+token)
	http.SetCookie(w, &http.Cookie{
		Name:     s.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.CookieSecure,
		SameSite: http.SameSiteStrictMode,
		Expires:  now.Add(s.cookieExpiry()),
	})
}

func (s *Service) cookieExpiry() time.Duration {
	if s.CookieExpiry != 0 {
		return s.CookieExpiry
	}
	return 7 * 24 * time.Hour
}
