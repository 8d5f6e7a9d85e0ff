// Package tenant implements the Entity Store: the in-memory registry of
// Tenants and Clients, host-pattern routing, and hot-reload via entity
// sources.
package tenant

// InterceptorSettings configures the ForwardAuth gate for a tenant.
type InterceptorSettings struct {
	Enabled     bool
	LoginDomain string
	// CookieOrDomain, when set, wins over every other cookie-domain
	// fallback.
	CookieOrDomain string
}

// TemplateSource is an informational descriptor for the external
// template-rendering collaborator; the core never resolves it.
type TemplateSource struct {
	Kind string // e.g. "s3", "local"
	URI  string
}

// Tenant is the top-level authentication boundary keyed by host
// patterns.
type Tenant struct {
	Name string

	// HostPatterns supports one leading "*." wildcard label per
	// pattern; other wildcard shapes are rejected at load.
	HostPatterns []string

	Interceptor *InterceptorSettings

	// ProviderScripts are concatenated, in order, before being handed
	// to the Script Provider.
	ProviderScripts []string

	// Algorithm overrides the process-wide JWT algorithm default for
	// this tenant's tokens: "" (unset), "HS256", or "RS256".
	Algorithm string

	// SilentLogin defaults to true: an existing valid session suppresses
	// the login form.
	SilentLogin bool

	InfoURLs []string

	Template *TemplateSource
}

// SilentLoginEnabled reports whether an existing valid session should
// suppress the login form for this tenant.
func (t *Tenant) SilentLoginEnabled() bool {
	return t.SilentLogin
}

// Client is an OAuth2 relying party owned by a tenant.
type Client struct {
	Ident string // UUID, the entity's identity
	Name  string

	Tenant string // owning tenant name; resolved lazily

	// RedirectURIPatterns supports a trailing "*" wildcard per entry.
	RedirectURIPatterns []string

	// Scopes, when non-empty, is the whitelist every granted scope must
	// ultimately fall within.
	Scopes []string

	// ReferrerWhitelist, when non-empty, requires a matching Referer
	// header on /authorize unless a loginid is present.
	ReferrerWhitelist []string

	// AllowedGrantTypes defaults to {authorization_code, refresh_token}
	// when unset.
	AllowedGrantTypes []string

	PKCEOnly bool

	// Secret, when non-empty, must be presented as client_secret on
	// /token.
	Secret string

	// AllowedProviderScopes filters which script-declared scopes may be
	// granted.
	AllowedProviderScopes []string
}

// DefaultGrantTypes is used whenever a Client does not specify its own.
var DefaultGrantTypes = []string{"authorization_code", "refresh_token"}

// GrantTypes returns the client's allowed grant types, applying the
// default when none are configured.
func (c *Client) GrantTypes() []string {
	if len(c.AllowedGrantTypes) == 0 {
		return DefaultGrantTypes
	}
	return c.AllowedGrantTypes
}

// AllowsGrant reports whether grantType is enabled for this client.
func (c *Client) AllowsGrant(grantType string) bool {
	for _, g := range c.GrantTypes() {
		if g == grantType {
			return true
		}
	}
	return false
}

// entry bundles an entity with the source reference that produced it, so
// ApplyChange can find and replace/remove it idempotently.
type entry[T any] struct {
	ref   Ref
	value T
}

// Ref identifies the origin of an entity for idempotent reconciliation.
// Exactly one of File or K8s is set.
type Ref struct {
	File string
	K8s  *K8sRef
}

// K8sRef names a Kubernetes object; Revision is carried for observability
// but ignored when matching an existing entry.
type K8sRef struct {
	UID      string
	Revision string
}

// Equal compares two refs for the purpose of ApplyChange matching.
// Kubernetes revisions are deliberately excluded from the comparison.
func (r Ref) Equal(o Ref) bool {
	if r.File != "" || o.File != "" {
		return r.File == o.File
	}
	if r.K8s != nil && o.K8s != nil {
		return r.K8s.UID == o.K8s.UID
	}
	return false
}
