package login

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/uitsmijter/uitsmijter/internal/keystore"
	"github.com/uitsmijter/uitsmijter/internal/metrics"
	"github.com/uitsmijter/uitsmijter/internal/reqctx"
	"github.com/uitsmijter/uitsmijter/internal/session"
	"github.com/uitsmijter/uitsmijter/internal/signer"
	"github.com/uitsmijter/uitsmijter/internal/tenant"
)

const testLoginScript = `
class UserLoginProvider {
  constructor(credentials) { this.credentials = credentials; }
  get canLogin() {
    if (this.credentials.password === "correct-horse") {
      commit({subject: this.credentials.username});
      return true;
    }
    return false;
  }
  get userProfile() { return {name: "Ada"}; }
  get role() { return "member"; }
  get scopes() { return ["read", "write", "admin"]; }
}
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newService(t *testing.T) (*Service, *tenant.Store) {
	t.Helper()
	logger := testLogger()
	tenants := tenant.New(logger)
	require.NoError(t, tenants.ApplyChangeTenant(tenant.Ref{File: "t.yaml"}, &tenant.Tenant{
		Name:            "Cheese",
		HostPatterns:    []string{"cookbooks.example.com"},
		ProviderScripts: []string{testLoginScript},
		SilentLogin:     true,
	}))
	require.NoError(t, tenants.ApplyChangeClient(tenant.Ref{File: "c.yaml"}, &tenant.Client{
		Ident:                 "e92b4a0b-d1d7-4d55-b2e3-dc570faca745",
		Name:                  "app",
		Tenant:                "Cheese",
		RedirectURIPatterns:   []string{"https://app.example.com/*"},
		AllowedProviderScopes: []string{"read", "write"},
	}))

	keys := keystore.New([]byte("test-secret-test-secret-test-secret"), nil)
	svc := &Service{
		Tenants:      tenants,
		Sessions:     session.NewMemory(logger, nil, time.Hour),
		Signer:       signer.New(keys, signer.HS256),
		Logger:       logger,
		Metrics:      metrics.New(prometheus.NewRegistry()),
		CookieName:   "app-sso",
		CookieExpiry: 7 * 24 * time.Hour,
		PublicDomain: "example.com",
	}
	return svc, tenants
}

func TestSubmitSuccessSetsCookieAndRedirects(t *testing.T) {
	svc, tenants := newService(t)
	tn, _ := tenants.LookupTenant("Cheese")
	cl, _ := tenants.LookupClientByID("e92b4a0b-d1d7-4d55-b2e3-dc570faca745")

	form := url.Values{}
	form.Set("username", "ada")
	form.Set("password", "correct-horse")
	form.Set("location", "https://app.example.com/cb")
	form.Set("scope", "read")

	req := httptest.NewRequest(http.MethodPost, "/login?mode=oauth", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req = req.WithContext(reqctx.WithContext(req.Context(), &reqctx.Context{Tenant: tn, Client: cl, ResponsibleDomain: "cookbooks.example.com"}))
	rr := httptest.NewRecorder()

	svc.Submit(rr, req)

	require.Equal(t, http.StatusFound, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	require.NotEmpty(t, loc.Query().Get("loginid"))

	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, "app-sso", cookies[0].Name)
	require.True(t, cookies[0].HttpOnly)
	require.Equal(t, "cookbooks.example.com", cookies[0].Domain)
}

func TestSubmitWrongCredentialsRerendersForm(t *testing.T) {
	svc, tenants := newService(t)
	tn, _ := tenants.LookupTenant("Cheese")
	cl, _ := tenants.LookupClientByID("e92b4a0b-d1d7-4d55-b2e3-dc570faca745")

	form := url.Values{}
	form.Set("username", "ada")
	form.Set("password", "wrong")
	form.Set("location", "https://app.example.com/cb")

	req := httptest.NewRequest(http.MethodPost, "/login?mode=oauth", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req = req.WithContext(reqctx.WithContext(req.Context(), &reqctx.Context{Tenant: tn, Client: cl}))
	rr := httptest.NewRecorder()

	svc.Submit(rr, req)

	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Contains(t, rr.Body.String(), "Invalid credentials")
	require.Empty(t, rr.Result().Cookies())
}

func TestSubmitRejectsLocationOutsideClientRedirects(t *testing.T) {
	svc, tenants := newService(t)
	tn, _ := tenants.LookupTenant("Cheese")
	cl, _ := tenants.LookupClientByID("e92b4a0b-d1d7-4d55-b2e3-dc570faca745")

	form := url.Values{}
	form.Set("username", "ada")
	form.Set("password", "correct-horse")
	form.Set("location", "https://evil.example.com/cb")

	req := httptest.NewRequest(http.MethodPost, "/login?mode=oauth", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req = req.WithContext(reqctx.WithContext(req.Context(), &reqctx.Context{Tenant: tn, Client: cl}))
	rr := httptest.NewRecorder()

	svc.Submit(rr, req)

	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Contains(t, rr.Body.String(), "ERRORS.REDIRECT_MISMATCH")
}

func TestScopeAssemblyUnionsThenFiltersByClientWhitelist(t *testing.T) {
	scopes := unionScopes([]string{"read"}, intersectScopes([]string{"read", "write", "admin"}, []string{"read", "write"}))
	scopes = intersectScopes(scopes, nil)
	require.ElementsMatch(t, []string{"read", "write"}, scopes)
}

func TestLogoutClearsCookieAndRedirectsToFinalize(t *testing.T) {
	svc, tenants := newService(t)
	tn, _ := tenants.LookupTenant("Cheese")

	req := httptest.NewRequest(http.MethodGet, "/logout?for=https://app.example.com/bye", nil)
	req = req.WithContext(reqctx.WithContext(req.Context(), &reqctx.Context{Tenant: tn, ResponsibleDomain: "cookbooks.example.com"}))
	rr := httptest.NewRecorder()

	svc.Logout(rr, req)

	require.Equal(t, http.StatusFound, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/logout/finalize", loc.Path)
	require.Equal(t, "https://app.example.com/bye", loc.Query().Get("for"))

	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, "app-sso", cookies[0].Name)
	require.Equal(t, "cookbooks.example.com", cookies[0].Domain)
	require.Empty(t, cookies[0].Value)
	require.True(t, cookies[0].MaxAge < 0)
}

func TestLogoutFinalizeRedirectsToTarget(t *testing.T) {
	svc, _ := newService(t)

	req := httptest.NewRequest(http.MethodGet, "/logout/finalize?for=https://app.example.com/bye", nil)
	rr := httptest.NewRecorder()

	svc.LogoutFinalize(rr, req)

	require.Equal(t, http.StatusFound, rr.Code)
	require.Equal(t, "https://app.example.com/bye", rr.Header().Get("Location"))
	require.Len(t, rr.Result().Cookies(), 1)
}

func TestLogoutFinalizeDefaultsTargetToRoot(t *testing.T) {
	svc, _ := newService(t)

	req := httptest.NewRequest(http.MethodGet, "/logout/finalize", nil)
	rr := httptest.NewRecorder()

	svc.LogoutFinalize(rr, req)

	require.Equal(t, http.StatusFound, rr.Code)
	require.Equal(t, "/", rr.Header().Get("Location"))
}

func TestShowRedirectsOnSilentLogin(t *testing.T) {
	svc, tenants := newService(t)
	tn, _ := tenants.LookupTenant("Cheese")

	req := httptest.NewRequest(http.MethodGet, "/login?for=https://app.example.com/cb&mode=oauth", nil)
	req = req.WithContext(reqctx.WithContext(req.Context(), &reqctx.Context{
		Tenant:  tn,
		Payload: &signer.Payload{Subject: "ada"},
	}))
	rr := httptest.NewRecorder()

	svc.Show(rr, req)
	require.Equal(t, http.StatusFound, rr.Code)
	require.Equal(t, "https://app.example.com/cb", rr.Header().Get("Location"))
}
