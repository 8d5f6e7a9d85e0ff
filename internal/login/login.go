// Package login implements the login state machine: rendering the
// credentials form, running the tenant's UserLoginProvider, minting a
// single-use login nonce, and setting the session cookie, grounded on
// dex's password-connector login handler and the nonce-issuance pattern
// in kauth's login handler.
package login

import (
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/uitsmijter/uitsmijter/internal/apierr"
	"github.com/uitsmijter/uitsmijter/internal/metrics"
	"github.com/uitsmijter/uitsmijter/internal/reqctx"
	"github.com/uitsmijter/uitsmijter/internal/script"
	"github.com/uitsmijter/uitsmijter/internal/session"
	"github.com/uitsmijter/uitsmijter/internal/signer"
	"github.com/uitsmijter/uitsmijter/internal/tenant"
)

// NonceTTL bounds how long a login-nonce survives between POST /login
// and the /authorize (or interceptor) redirect that consumes it.
const NonceTTL = 5 * time.Minute

// Service renders the login form and processes credential submission.
type Service struct {
	Tenants  *tenant.Store
	Sessions session.Store
	Signer   *signer.Signer
	Logger   *slog.Logger
	Metrics  *metrics.Recorder

	CookieName    string
	CookieSecure  bool
	CookieExpiry  time.Duration
	PublicDomain  string

	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

var formTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html><head><title>Login</title></head><body>
{{if .Failed}}<p class="error">Invalid credentials.</p>{{end}}
<form method="post" action="{{.Action}}">
<input type="hidden" name="location" value="{{.Location}}">
<input type="hidden" name="scope" value="{{.Scope}}">
<input type="text" name="username" value="{{.Username}}" placeholder="username">
<input type="password" name="password" placeholder="password">
<button type="submit">Login</button>
</form></body></html>`))

type formData struct {
	Action   string
	Location string
	Scope    string
	Username string
	Failed   bool
}

// Show implements GET /login?for=<target>&mode=<oauth|interceptor>.
func (s *Service) Show(w http.ResponseWriter, r *http.Request) {
	rc, _ := reqctx.FromContext(r.Context())
	target := r.URL.Query().Get("for")

	if rc != nil && rc.Tenant != nil && rc.Tenant.SilentLoginEnabled() && rc.HasValidPayload() {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = formTemplate.Execute(w, formData{
		Action:   r.URL.String(),
		Location: target,
		Scope:    r.URL.Query().Get("scope"),
	})
}

// Submit implements POST /login.
func (s *Service) Submit(w http.ResponseWriter, r *http.Request) {
	rc, _ := reqctx.FromContext(r.Context())
	if rc == nil || rc.Tenant == nil {
		apierr.Write(w, r, apierr.New(apierr.NoTenant, "host does not map to a tenant"))
		return
	}
	t := rc.Tenant

	if err := r.ParseForm(); err != nil {
		apierr.Write(w, r, apierr.New(apierr.NotAcceptableRequest, "could not parse form"))
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	location := r.PostFormValue("location")
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "oauth"
	}
	requestedScopes := splitScopes(r.PostFormValue("scope"))

	var client *tenant.Client
	if mode == "oauth" {
		if rc.Client == nil {
			apierr.Write(w, r, apierr.New(apierr.NoClient, "unknown client_id"))
			return
		}
		client = rc.Client
		if !validateLocation(client.RedirectURIPatterns, location) {
			apierr.Write(w, r, apierr.New(apierr.RedirectMismatch, "location is not an allowed redirect for this client"))
			return
		}
	}

	s.Metrics.LoginAttempt(t.Name, clientIdent(client))

	provider, err := script.New(r.Context(), s.Logger, t.ProviderScripts)
	if err != nil {
		s.Metrics.LoginFailure(t.Name, clientIdent(client), "provider_error")
		apierr.Write(w, r, apierr.New(apierr.ExpectedValueUnset, "tenant has no usable provider scripts"))
		return
	}

	result, err := provider.Login(r.Context(), script.Credentials{Username: username, Password: password})
	if err != nil || !result.CanLogin {
		s.Metrics.LoginFailure(t.Name, clientIdent(client), "wrong_credentials")
		w.WriteHeader(http.StatusForbidden)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = formTemplate.Execute(w, formData{
			Action:   r.URL.String(),
			Location: location,
			Username: username,
			Failed:   true,
		})
		return
	}

	scopes := unionScopes(requestedScopes, intersectScopes(result.Scopes, providerScopeAllowlist(client)))
	scopes = intersectScopes(scopes, clientScopeAllowlist(client))

	now := s.now()
	payload := signer.Payload{
		Issuer:    t.Name,
		Subject:   result.Subject,
		Tenant:    t.Name,
		User:      username,
		Role:      result.Role,
		Scope:     strings.Join(scopes, " "),
		IssuedAt:  now.Unix(),
		AuthTime:  now.Unix(),
		ExpiresAt: now.Add(s.cookieExpiry()).Unix(),
		Profile:   asMap(result.Profile),
	}
	algorithm := s.Signer.AlgorithmFor(t.Algorithm)
	token, err := s.Signer.Sign(payload, algorithm)
	if err != nil {
		apierr.Write(w, r, apierr.New(apierr.ExpectedValueUnset, "failed to sign session token"))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.CookieName,
		Value:    token,
		Domain:   s.cookieDomain(rc, t, mode),
		Path:     "/",
		HttpOnly: true,
		Secure:   s.CookieSecure,
		SameSite: http.SameSiteStrictMode,
		Expires:  now.Add(s.cookieExpiry()),
	})

	nonce := session.NewValue(32)
	if err := s.Sessions.Push(r.Context(), session.KindLoginNonce, nonce, session.Session{
		Kind: session.KindLoginNonce, Tenant: t.Name,
	}, NonceTTL); err != nil {
		apierr.Write(w, r, apierr.New(apierr.CodeStorageAvailable, "could not persist login nonce"))
		return
	}

	s.Metrics.LoginSuccess(t.Name, clientIdent(client))
	http.Redirect(w, r, annotateWithLoginID(location, nonce), http.StatusFound)
}

// Logout implements GET/POST /logout: clears the session cookie and
// redirects through /logout/finalize, giving the response's Set-Cookie
// a chance to land before the browser follows through to the target.
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) {
	rc, _ := reqctx.FromContext(r.Context())
	s.clearCookie(w, rc)
	http.Redirect(w, r, "/logout/finalize?for="+url.QueryEscape(logoutTarget(r)), http.StatusFound)
}

// LogoutFinalize implements GET /logout/finalize: redirects to the
// target carried over from Logout, clearing the cookie again in case
// this endpoint is reached directly.
func (s *Service) LogoutFinalize(w http.ResponseWriter, r *http.Request) {
	rc, _ := reqctx.FromContext(r.Context())
	s.clearCookie(w, rc)
	http.Redirect(w, r, logoutTarget(r), http.StatusFound)
}

func (s *Service) clearCookie(w http.ResponseWriter, rc *reqctx.Context) {
	domain := s.PublicDomain
	if rc != nil && rc.ResponsibleDomain != "" {
		domain = rc.ResponsibleDomain
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.CookieName,
		Value:    "",
		Domain:   domain,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.CookieSecure,
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func logoutTarget(r *http.Request) string {
	if v := r.URL.Query().Get("for"); v != "" {
		return v
	}
	if v := r.URL.Query().Get("location"); v != "" {
		return v
	}
	return "/"
}

func (s *Service) cookieExpiry() time.Duration {
	if s.CookieExpiry != 0 {
		return s.CookieExpiry
	}
	return 7 * 24 * time.Hour
}

// cookieDomain resolves the session cookie's Domain attribute:
// tenant.interceptor.cookieOrDomain wins when set (interceptor mode),
// otherwise the forwarded host, falling back to PUBLIC_DOMAIN.
func (s *Service) cookieDomain(rc *reqctx.Context, t *tenant.Tenant, mode string) string {
	if mode == "interceptor" && t.Interceptor != nil && t.Interceptor.CookieOrDomain != "" {
		return t.Interceptor.CookieOrDomain
	}
	if rc != nil && rc.ResponsibleDomain != "" {
		return rc.ResponsibleDomain
	}
	return s.PublicDomain
}

func clientIdent(c *tenant.Client) string {
	if c == nil {
		return ""
	}
	return c.Ident
}

func clientScopeAllowlist(c *tenant.Client) []string {
	if c == nil {
		return nil
	}
	return c.Scopes
}

func providerScopeAllowlist(c *tenant.Client) []string {
	if c == nil {
		return nil
	}
	return c.AllowedProviderScopes
}

func splitScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Fields(strings.ReplaceAll(raw, "+", " "))
}

func unionScopes(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func intersectScopes(requested, whitelist []string) []string {
	if len(whitelist) == 0 {
		return requested
	}
	allowed := make(map[string]bool, len(whitelist))
	for _, s := range whitelist {
		allowed[s] = true
	}
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if allowed[s] {
			out = append(out, s)
		}
	}
	return out
}

func validateLocation(redirectPatterns []string, location string) bool {
	for _, p := range redirectPatterns {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(location, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if p == location {
			return true
		}
	}
	return false
}

func annotateWithLoginID(location, nonce string) string {
	u, err := url.Parse(location)
	if err != nil {
		return location
	}
	q := u.Query()
	q.Set("loginid", nonce)
	u.RawQuery = q.Encode()
	return u.String()
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}
