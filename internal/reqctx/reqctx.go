// Package reqctx builds the per-request Request Context: tenant/client
// resolution, cookie/bearer token decoding, and the derived fields every
// downstream handler needs.
package reqctx

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/uitsmijter/uitsmijter/internal/signer"
	"github.com/uitsmijter/uitsmijter/internal/tenant"
)

// Context is derived per request, never persisted. It borrows pointers
// into the Entity Store and never mutates them.
type Context struct {
	URL               string
	Referer           string
	ResponsibleDomain string

	Tenant *tenant.Tenant
	Client *tenant.Client

	Payload *signer.Payload
	Expired bool
	Subject string
}

// HasValidPayload reports whether the request carried a token that
// verified and has not expired.
func (c *Context) HasValidPayload() bool {
	return c.Payload != nil && !c.Expired
}

type ctxKey struct{}

// WithContext attaches rc to ctx for downstream handlers to retrieve
// with FromContext.
func WithContext(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext retrieves the Context attached by the middleware.
func FromContext(ctx context.Context) (*Context, bool) {
	rc, ok := ctx.Value(ctxKey{}).(*Context)
	return rc, ok
}

// Builder constructs a Context for each incoming request.
type Builder struct {
	Tenants *tenant.Store
	Signer  *signer.Signer
	// CookieName is the "{app}-sso" cookie name, fixed for the process.
	CookieName string
	Now        func() time.Time
}

// Build resolves tenant/client and decodes the caller's token, if any.
// Absence of a tenant for a known host is surfaced by callers as a 400
// at the point of use, not here.
func (b *Builder) Build(r *http.Request) *Context {
	now := b.Now
	if now == nil {
		now = time.Now
	}

	host := forwardedHost(r)
	proto := forwardedProto(r)
	uri := r.Header.Get("X-Forwarded-Uri")
	if uri == "" {
		uri = r.URL.RequestURI()
	}

	rc := &Context{
		URL:     proto + "://" + host + uri,
		Referer: r.Header.Get("Referer"),
	}

	if t, ok := b.Tenants.LookupTenantByHost(host); ok {
		rc.Tenant = t
		rc.ResponsibleDomain = host
	}

	if cid := r.FormValue("client_id"); cid != "" {
		if c, ok := b.Tenants.LookupClientByID(cid); ok {
			rc.Client = c
		}
	}

	tokenString := b.extractToken(r)
	if tokenString == "" {
		return rc
	}

	payload, err := b.Signer.Verify(tokenString)
	if err != nil {
		return rc
	}
	rc.Payload = &payload
	rc.Subject = payload.Subject
	rc.Expired = now().Unix() >= payload.ExpiresAt
	return rc
}

func (b *Builder) extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	name := b.CookieName
	if name == "" {
		name = "app-sso"
	}
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func forwardedHost(r *http.Request) string {
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		return h
	}
	return r.Host
}

func forwardedProto(r *http.Request) string {
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		return p
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Middleware attaches a freshly built Context to the request before
// calling next, mirroring dex's handlerWithHeaders composition pattern.
func (b *Builder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := b.Build(r)
		r = r.WithContext(WithContext(r.Context(), rc))
		next.ServeHTTP(w, r)
	})
}
