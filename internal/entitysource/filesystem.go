// Package entitysource feeds the Entity Store from external sources.
// The filesystem implementation here watches YAML files on disk,
// mirroring the shape of dex's own config-at-startup loading
// (cmd/dex/serve.go's yaml.Unmarshal over ghodss/yaml) but kept live
// across the process lifetime via periodic rescans instead of a single
// read at boot, since dex has no hot-reload story to draw from.
package entitysource

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"

	"github.com/uitsmijter/uitsmijter/internal/tenant"
)

// Source applies and retracts entities identified by a tagged Ref,
// running until stop is closed.
type Source interface {
	Run(stop <-chan struct{}) error
}

// tenantDoc mirrors tenant.Tenant's fields as they appear in YAML,
// using a pointer for SilentLogin so an absent key can be
// distinguished from an explicit false.
type tenantDoc struct {
	Name         string                      `json:"name"`
	HostPatterns []string                    `json:"hostPatterns"`
	Interceptor  *tenant.InterceptorSettings `json:"interceptor,omitempty"`
	Providers    []string                    `json:"providers"`
	Algorithm    string                      `json:"algorithm,omitempty"`
	SilentLogin  *bool                       `json:"silentLogin,omitempty"`
	InfoURLs     []string                    `json:"infoUrls,omitempty"`
}

func (d tenantDoc) toTenant() *tenant.Tenant {
	silent := true
	if d.SilentLogin != nil {
		silent = *d.SilentLogin
	}
	return &tenant.Tenant{
		Name:            d.Name,
		HostPatterns:    d.HostPatterns,
		Interceptor:     d.Interceptor,
		ProviderScripts: d.Providers,
		Algorithm:       d.Algorithm,
		SilentLogin:     silent,
		InfoURLs:        d.InfoURLs,
	}
}

type clientDoc struct {
	Ident                 string   `json:"ident"`
	Name                  string   `json:"name"`
	Tenant                string   `json:"tenant"`
	RedirectURIPatterns   []string `json:"redirectUris"`
	Scopes                []string `json:"scopes,omitempty"`
	ReferrerWhitelist     []string `json:"referrerWhitelist,omitempty"`
	AllowedGrantTypes     []string `json:"grantTypes,omitempty"`
	PKCEOnly              bool     `json:"pkceOnly,omitempty"`
	Secret                string   `json:"secret,omitempty"`
	AllowedProviderScopes []string `json:"allowedProviderScopes,omitempty"`
}

func (d clientDoc) toClient() *tenant.Client {
	return &tenant.Client{
		Ident:                 d.Ident,
		Name:                  d.Name,
		Tenant:                d.Tenant,
		RedirectURIPatterns:   d.RedirectURIPatterns,
		Scopes:                d.Scopes,
		ReferrerWhitelist:     d.ReferrerWhitelist,
		AllowedGrantTypes:     d.AllowedGrantTypes,
		PKCEOnly:              d.PKCEOnly,
		Secret:                d.Secret,
		AllowedProviderScopes: d.AllowedProviderScopes,
	}
}

// Filesystem watches a directory tree for Tenant and Client YAML files
// and keeps the Entity Store in sync with what it finds there.
type Filesystem struct {
	Root     string
	Tenants  *tenant.Store
	Logger   *slog.Logger
	Interval time.Duration

	knownTenants map[string]string // path -> tenant name, as of the last scan
	knownClients map[string]string // path -> client ident, as of the last scan
}

// NewFilesystem returns a Filesystem rooted at root, scanning
// root/Tenants/*.yaml and root/Clients/*.yaml.
func NewFilesystem(root string, tenants *tenant.Store, logger *slog.Logger) *Filesystem {
	return &Filesystem{
		Root:         root,
		Tenants:      tenants,
		Logger:       logger,
		Interval:     10 * time.Second,
		knownTenants: make(map[string]string),
		knownClients: make(map[string]string),
	}
}

// LoadOnce performs a single scan-and-apply pass, used both at startup
// and by the periodic rescan loop.
func (f *Filesystem) LoadOnce() error {
	if err := f.loadTenants(); err != nil {
		return err
	}
	return f.loadClients()
}

func (f *Filesystem) loadTenants() error {
	dir := filepath.Join(f.Root, "Tenants")
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return fmt.Errorf("entitysource: glob tenants: %w", err)
	}
	seen := make(map[string]string, len(paths))
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			f.Logger.Error("entitysource: read tenant file", "path", p, "error", err)
			continue
		}
		var doc tenantDoc
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			f.Logger.Error("entitysource: parse tenant file", "path", p, "error", err)
			continue
		}
		ref := tenant.Ref{File: p}
		if err := f.Tenants.ApplyChangeTenant(ref, doc.toTenant()); err != nil {
			f.Logger.Error("entitysource: apply tenant", "path", p, "error", err)
			continue
		}
		seen[p] = doc.Name
	}
	for p, name := range f.knownTenants {
		if _, ok := seen[p]; ok {
			continue
		}
		f.Logger.Info("entitysource: tenant file removed, retracting", "path", p, "tenant", name)
		f.Tenants.RemoveTenant(tenant.Ref{File: p}, name)
	}
	f.knownTenants = seen
	return nil
}

func (f *Filesystem) loadClients() error {
	dir := filepath.Join(f.Root, "Clients")
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return fmt.Errorf("entitysource: glob clients: %w", err)
	}
	seen := make(map[string]string, len(paths))
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			f.Logger.Error("entitysource: read client file", "path", p, "error", err)
			continue
		}
		var doc clientDoc
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			f.Logger.Error("entitysource: parse client file", "path", p, "error", err)
			continue
		}
		ref := tenant.Ref{File: p}
		if err := f.Tenants.ApplyChangeClient(ref, doc.toClient()); err != nil {
			f.Logger.Error("entitysource: apply client", "path", p, "error", err)
			continue
		}
		seen[p] = doc.Ident
	}
	for p, ident := range f.knownClients {
		if _, ok := seen[p]; ok {
			continue
		}
		f.Logger.Info("entitysource: client file removed, retracting", "path", p, "client", ident)
		f.Tenants.RemoveClient(tenant.Ref{File: p}, ident)
	}
	f.knownClients = seen
	return nil
}

// Run loads once, then rescans every Interval until ctx is done. Errors
// from individual scans are logged, not fatal, since a transient read
// failure should not take the whole process down.
func (f *Filesystem) Run(stop <-chan struct{}) error {
	if err := f.LoadOnce(); err != nil {
		return err
	}
	ticker := time.NewTicker(f.interval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			if err := f.LoadOnce(); err != nil {
				f.Logger.Error("entitysource: rescan failed", "error", err)
			}
		}
	}
}

func (f *Filesystem) interval() time.Duration {
	if f.Interval != 0 {
		return f.Interval
	}
	return 10 * time.Second
}
