// Package oauth implements the OAuth2 code-grant state machine:
// /authorize, /token (authorization_code, refresh_token, password) and
// /token/info, grounded on dex's server/handlers.go but re-targeted at
// the tenant/client model and the embedded script validation providers
// instead of dex's federated connectors.
package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
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

// AuthCodeTTL is how long an authorization code remains redeemable.
const AuthCodeTTL = 10 * time.Minute

// Service wires the Entity Store, Code/Session Store, and Signer
// together into the HTTP handlers named by the state machine.
type Service struct {
	Tenants  *tenant.Store
	Sessions session.Store
	Signer   *signer.Signer
	Logger   *slog.Logger
	Metrics  *metrics.Recorder

	TokenExpiration   time.Duration
	RefreshExpiration time.Duration

	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) newProvider(ctx context.Context, t *tenant.Tenant) (*script.Provider, error) {
	return script.New(ctx, s.Logger, t.ProviderScripts)
}

// Authorize implements GET /authorize.
func (s *Service) Authorize(w http.ResponseWriter, r *http.Request) {
	rc, _ := reqctx.FromContext(r.Context())
	if rc == nil || rc.Tenant == nil {
		apierr.Write(w, r, apierr.New(apierr.NoTenant, "host does not map to a tenant"))
		return
	}
	if rc.Client == nil {
		apierr.Write(w, r, apierr.New(apierr.NoClient, "unknown client_id"))
		return
	}
	t, c := rc.Tenant, rc.Client
	s.Metrics.AuthorizeAttempt(t.Name, c.Ident)

	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	scopeParam := q.Get("scope")
	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")
	loginID := q.Get("loginid")

	if c.PKCEOnly && codeChallenge == "" {
		apierr.Write(w, r, apierr.New(apierr.ClientOnlySupportsPKCE, "this client requires PKCE"))
		return
	}

	haveLoginID := loginID != ""
	if haveLoginID {
		_, ok, err := s.Sessions.Get(r.Context(), session.KindLoginNonce, loginID, true)
		if err != nil || !ok {
			apierr.Write(w, r, apierr.New(apierr.BadLoginID, "unknown or expired loginid"))
			return
		}
	} else if len(c.ReferrerWhitelist) > 0 {
		if !matchesAny(c.ReferrerWhitelist, r.Header.Get("Referer")) {
			apierr.Write(w, r, apierr.New(apierr.WrongReferer, "referer not in client's whitelist"))
			return
		}
	}

	hasPayload := rc.HasValidPayload()
	if !t.SilentLogin && !haveLoginID {
		hasPayload = false
	}

	if !hasPayload {
		target := r.URL.String()
		loginURL := "/login?for=" + url.QueryEscape(target) + "&mode=oauth"
		http.Redirect(w, r, loginURL, http.StatusFound)
		return
	}

	if !matchRedirectURI(c.RedirectURIPatterns, redirectURI) {
		apierr.Write(w, r, apierr.New(apierr.RedirectMismatch, "redirect_uri not allowed for this client"))
		return
	}

	scopes := intersectScopes(splitScopes(scopeParam), c.Scopes)

	code := session.NewValue(32)
	sess := session.Session{
		Kind:        session.KindCode,
		Scopes:      scopes,
		Payload:     payloadToMap(rc.Payload),
		RedirectURI: redirectURI,
		State:       state,
		ClientID:    c.Ident,
		Tenant:      t.Name,
		ExpiresAt:   s.now().Add(AuthCodeTTL),
	}
	if codeChallenge != "" {
		sess.PKCE = &session.PKCE{Challenge: codeChallenge, Method: codeChallengeMethod}
	}
	if err := s.Sessions.Push(r.Context(), session.KindCode, code, sess, AuthCodeTTL); err != nil {
		apierr.Write(w, r, apierr.New(apierr.CodeStorageAvailable, "could not persist authorization code"))
		return
	}

	dest, err := url.Parse(redirectURI)
	if err != nil {
		apierr.Write(w, r, apierr.New(apierr.RedirectMismatch, "redirect_uri is not a valid URL"))
		return
	}
	dq := dest.Query()
	dq.Set("code", code)
	dq.Set("state", state)
	dest.RawQuery = dq.Encode()
	http.Redirect(w, r, dest.String(), http.StatusSeeOther)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
}

// Token implements POST /token, dispatching to the three grant types.
func (s *Service) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		apierr.Write(w, r, apierr.New(apierr.NotAcceptableRequest, "could not parse request body"))
		return
	}

	clientID, clientSecret := clientCredentials(r)
	c, ok := s.Tenants.LookupClientByID(clientID)
	if !ok {
		apierr.Write(w, r, apierr.New(apierr.NoClient, "unknown client_id"))
		return
	}
	if c.Secret != "" && subtle.ConstantTimeCompare([]byte(c.Secret), []byte(clientSecret)) != 1 {
		apierr.Write(w, r, apierr.New(apierr.WrongClientSecret, "client_secret mismatch"))
		return
	}
	t, ok := s.Tenants.LookupTenant(c.Tenant)
	if !ok {
		apierr.Write(w, r, apierr.New(apierr.NoTenant, "client's tenant no longer exists"))
		return
	}

	grantType := r.PostFormValue("grant_type")
	if !c.AllowsGrant(grantType) {
		s.Metrics.OAuthFailure(t.Name, c.Ident, "unsupported_grant_type")
		apierr.Write(w, r, apierr.New(apierr.UnsupportedGrantType, grantType+" is not enabled for this client"))
		return
	}

	switch grantType {
	case "authorization_code":
		s.authorizationCodeGrant(w, r, t, c)
	case "refresh_token":
		s.refreshTokenGrant(w, r, t, c)
	case "password":
		s.passwordGrant(w, r, t, c)
	default:
		apierr.Write(w, r, apierr.New(apierr.UnsupportedGrantType, grantType))
	}
}

func (s *Service) authorizationCodeGrant(w http.ResponseWriter, r *http.Request, t *tenant.Tenant, c *tenant.Client) {
	code := r.PostFormValue("code")
	if code == "" {
		apierr.Write(w, r, apierr.New(apierr.NotAcceptableRequest, "missing code"))
		return
	}
	sess, ok, err := s.Sessions.Get(r.Context(), session.KindCode, code, true)
	if err != nil {
		apierr.Write(w, r, apierr.New(apierr.CodeStorageAvailable, "session store unavailable"))
		return
	}
	if !ok {
		s.Metrics.OAuthFailure(t.Name, c.Ident, "invalid_code")
		apierr.Write(w, r, apierr.New(apierr.InvalidCode, "unknown or expired code"))
		return
	}
	if sess.Tenant != t.Name {
		s.Metrics.OAuthFailure(t.Name, c.Ident, "tenant_mismatch")
		apierr.Write(w, r, apierr.New(apierr.TenantMismatch, "code was issued for a different tenant"))
		return
	}
	if sess.ClientID != c.Ident {
		s.Metrics.OAuthFailure(t.Name, c.Ident, "invalid_code")
		apierr.Write(w, r, apierr.New(apierr.InvalidCode, "code was issued for a different client"))
		return
	}

	verifier := r.PostFormValue("code_verifier")
	if !verifyPKCE(sess.PKCE, verifier) {
		s.Metrics.OAuthFailure(t.Name, c.Ident, "code_challenge_mismatch")
		apierr.Write(w, r, apierr.New(apierr.CodeChallengeMismatch, "code_verifier does not match the stored challenge"))
		return
	}
	if r.PostFormValue("redirect_uri") != sess.RedirectURI {
		apierr.Write(w, r, apierr.New(apierr.RedirectMismatch, "redirect_uri did not match the authorize request"))
		return
	}

	s.issueTokens(w, r, t, c, sess.Payload, sess.Scopes, true, "authorization_code")
}

func (s *Service) refreshTokenGrant(w http.ResponseWriter, r *http.Request, t *tenant.Tenant, c *tenant.Client) {
	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		apierr.Write(w, r, apierr.New(apierr.NotAcceptableRequest, "missing refresh_token"))
		return
	}
	sess, ok, err := s.Sessions.Get(r.Context(), session.KindRefresh, refreshToken, true)
	if err != nil {
		apierr.Write(w, r, apierr.New(apierr.CodeStorageAvailable, "session store unavailable"))
		return
	}
	if !ok {
		s.Metrics.OAuthFailure(t.Name, c.Ident, "invalid_token")
		apierr.Write(w, r, apierr.New(apierr.InvalidToken, "unknown or expired refresh token"))
		return
	}
	if sess.Tenant != t.Name {
		s.Metrics.OAuthFailure(t.Name, c.Ident, "tenant_mismatch")
		apierr.Write(w, r, apierr.New(apierr.TenantMismatch, "refresh token was issued for a different tenant"))
		return
	}

	username, _ := sess.Payload["user"].(string)
	provider, err := s.newProvider(r.Context(), t)
	if err != nil {
		apierr.Write(w, r, apierr.New(apierr.ExpectedValueUnset, "tenant has no usable provider scripts"))
		return
	}
	result, err := provider.Validate(r.Context(), username, false)
	if err != nil || !result.IsValid {
		s.Metrics.OAuthFailure(t.Name, c.Ident, "invalidate")
		apierr.Write(w, r, apierr.New(apierr.Invalidate, "user is no longer valid"))
		return
	}

	s.issueTokens(w, r, t, c, sess.Payload, sess.Scopes, true, "refresh_token")
}

func (s *Service) passwordGrant(w http.ResponseWriter, r *http.Request, t *tenant.Tenant, c *tenant.Client) {
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	provider, err := s.newProvider(r.Context(), t)
	if err != nil {
		apierr.Write(w, r, apierr.New(apierr.ExpectedValueUnset, "tenant has no usable provider scripts"))
		return
	}
	result, err := provider.Login(r.Context(), script.Credentials{Username: username, Password: password})
	if err != nil || !result.CanLogin {
		s.Metrics.OAuthFailure(t.Name, c.Ident, "wrong_credentials")
		apierr.Write(w, r, apierr.New(apierr.WrongCredentials, "invalid credentials"))
		return
	}

	now := s.now()
	payload := signer.Payload{
		Issuer:    t.Name,
		Subject:   result.Subject,
		Audience:  c.Ident,
		IssuedAt:  now.Unix(),
		AuthTime:  now.Unix(),
		Tenant:    t.Name,
		Role:      result.Role,
		User:      username,
		Scope:     strings.Join(intersectScopes(result.Scopes, c.Scopes), " "),
		Profile:   profileToMap(result.Profile),
	}
	s.issueTokens(w, r, t, c, payloadToMap(&payload), intersectScopes(result.Scopes, c.Scopes), false, "password")
}

// issueTokens signs a fresh access token and, unless it's a password
// grant, rotates a new refresh session. payload is the captured claim
// set from the code/refresh session or freshly built by the password
// grant.
func (s *Service) issueTokens(w http.ResponseWriter, r *http.Request, t *tenant.Tenant, c *tenant.Client, payloadMap map[string]any, scopes []string, issueRefresh bool, grantType string) {
	now := s.now()
	payload := mapToPayload(payloadMap)
	payload.ExpiresAt = now.Add(s.tokenExpiration()).Unix()
	payload.IssuedAt = now.Unix()
	payload.Tenant = t.Name
	payload.Audience = c.Ident
	payload.Scope = strings.Join(scopes, " ")

	algorithm := s.Signer.AlgorithmFor(t.Algorithm)
	accessToken, err := s.Signer.Sign(payload, algorithm)
	if err != nil {
		apierr.Write(w, r, apierr.New(apierr.ExpectedValueUnset, "failed to sign access token"))
		return
	}

	resp := tokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.tokenExpiration().Seconds()),
		Scope:       payload.Scope,
	}

	if issueRefresh {
		refreshToken := session.NewValue(48)
		refreshSession := session.Session{
			Kind:      session.KindRefresh,
			Scopes:    scopes,
			Payload:   payloadToMap(&payload),
			ClientID:  c.Ident,
			Tenant:    t.Name,
			ExpiresAt: now.Add(s.refreshExpiration()),
		}
		if err := s.Sessions.Push(r.Context(), session.KindRefresh, refreshToken, refreshSession, s.refreshExpiration()); err != nil {
			apierr.Write(w, r, apierr.New(apierr.CodeStorageAvailable, "could not persist refresh token"))
			return
		}
		resp.RefreshToken = refreshToken
	}

	s.Metrics.OAuthSuccess(t.Name, c.Ident, grantType)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Service) tokenExpiration() time.Duration {
	if s.TokenExpiration != 0 {
		return s.TokenExpiration
	}
	return 2 * time.Hour
}

func (s *Service) refreshExpiration() time.Duration {
	if s.RefreshExpiration != 0 {
		return s.RefreshExpiration
	}
	return 720 * time.Hour
}

// TokenInfo implements GET /token/info.
func (s *Service) TokenInfo(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		apierr.Write(w, r, apierr.New(apierr.InvalidToken, "missing bearer token"))
		return
	}
	payload, err := s.Signer.Verify(strings.TrimPrefix(auth, "Bearer "))
	if err != nil {
		apierr.Write(w, r, apierr.New(apierr.InvalidToken, "token does not verify"))
		return
	}
	if s.now().Unix() >= payload.ExpiresAt {
		apierr.Write(w, r, apierr.New(apierr.InvalidToken, "token is expired"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload.Profile)
}

func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

func splitScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Fields(strings.ReplaceAll(raw, "+", " "))
}

// intersectScopes filters requested against whitelist. An empty
// whitelist allows every requested scope through unfiltered.
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

// matchRedirectURI reports whether uri is covered by one of patterns. A
// pattern ending in "*" matches any uri sharing its literal prefix;
// otherwise the match must be exact.
func matchRedirectURI(patterns []string, uri string) bool {
	for _, p := range patterns {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(uri, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if p == uri {
			return true
		}
	}
	return false
}

func matchesAny(whitelist []string, referer string) bool {
	if referer == "" {
		return false
	}
	for _, w := range whitelist {
		if strings.HasPrefix(referer, w) {
			return true
		}
	}
	return false
}

// verifyPKCE implements the code_challenge/code_verifier comparison:
// for S256 the verifier is SHA-256 hashed and base64url-encoded without
// padding before comparison; for plain (or no method given alongside a
// challenge) the verifier must equal the challenge byte-for-byte. When
// no challenge was captured the request must not carry a verifier
// either.
func verifyPKCE(pkce *session.PKCE, verifier string) bool {
	if pkce == nil {
		return verifier == ""
	}
	switch pkce.Method {
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:]) == pkce.Challenge
	default: // "plain" or unset
		return verifier == pkce.Challenge
	}
}

func payloadToMap(p *signer.Payload) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return map[string]any{
		"iss": p.Issuer, "sub": p.Subject, "aud": p.Audience,
		"exp": p.ExpiresAt, "iat": p.IssuedAt, "auth_time": p.AuthTime,
		"tenant": p.Tenant, "responsibility": p.Responsibility,
		"role": p.Role, "user": p.User, "scope": p.Scope,
		"profile": p.Profile,
	}
}

func mapToPayload(m map[string]any) signer.Payload {
	get := func(k string) string {
		s, _ := m[k].(string)
		return s
	}
	getInt := func(k string) int64 {
		switch v := m[k].(type) {
		case int64:
			return v
		case float64:
			return int64(v)
		}
		return 0
	}
	profile, _ := m["profile"].(map[string]any)
	return signer.Payload{
		Issuer: get("iss"), Subject: get("sub"), Audience: get("aud"),
		ExpiresAt: getInt("exp"), IssuedAt: getInt("iat"), AuthTime: getInt("auth_time"),
		Tenant: get("tenant"), Responsibility: get("responsibility"),
		Role: get("role"), User: get("user"), Scope: get("scope"),
		Profile: profile,
	}
}

func profileToMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	if v == nil {
		return nil
	}
	return map[string]any{"value": v}
}
