package entitysource

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uitsmijter/uitsmijter/internal/tenant"
)

func TestLoadOnceAppliesTenantsAndClients(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Tenants"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Clients"), 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(root, "Tenants", "cheese.yaml"), []byte(`
name: Cheese
hostPatterns:
  - cookbooks.example.com
providers:
  - "class UserLoginProvider {}"
`), 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(root, "Clients", "app.yaml"), []byte(`
ident: e92b4a0b-d1d7-4d55-b2e3-dc570faca745
name: app
tenant: Cheese
redirectUris:
  - "https://app.example.com/*"
`), 0o644))

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := tenant.New(logger)
	fs := NewFilesystem(root, store, logger)

	require.NoError(t, fs.LoadOnce())

	tn, ok := store.LookupTenant("Cheese")
	require.True(t, ok)
	require.True(t, tn.SilentLogin, "tenants default to silent login enabled when unspecified")

	cl, ok := store.LookupClientByID("e92b4a0b-d1d7-4d55-b2e3-dc570faca745")
	require.True(t, ok)
	require.Equal(t, "Cheese", cl.Tenant)
}

func TestLoadOnceRespectsExplicitSilentLoginFalse(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Tenants"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Clients"), 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(root, "Tenants", "cheese.yaml"), []byte(`
name: Cheese
hostPatterns:
  - cookbooks.example.com
silentLogin: false
`), 0o644))

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := tenant.New(logger)
	fs := NewFilesystem(root, store, logger)

	require.NoError(t, fs.LoadOnce())
	tn, ok := store.LookupTenant("Cheese")
	require.True(t, ok)
	require.False(t, tn.SilentLogin)
}

func TestLoadOnceRetractsVanishedFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Tenants"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Clients"), 0o755))

	tenantPath := filepath.Join(root, "Tenants", "cheese.yaml")
	clientPath := filepath.Join(root, "Clients", "app.yaml")
	require.NoError(t, os.WriteFile(tenantPath, []byte(`
name: Cheese
hostPatterns:
  - cookbooks.example.com
`), 0o644))
	require.NoError(t, os.WriteFile(clientPath, []byte(`
ident: e92b4a0b-d1d7-4d55-b2e3-dc570faca745
name: app
tenant: Cheese
redirectUris:
  - "https://app.example.com/*"
`), 0o644))

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := tenant.New(logger)
	fs := NewFilesystem(root, store, logger)
	require.NoError(t, fs.LoadOnce())

	_, ok := store.LookupTenant("Cheese")
	require.True(t, ok)
	_, ok = store.LookupClientByID("e92b4a0b-d1d7-4d55-b2e3-dc570faca745")
	require.True(t, ok)

	require.NoError(t, os.Remove(tenantPath))
	require.NoError(t, os.Remove(clientPath))
	require.NoError(t, fs.LoadOnce())

	_, ok = store.LookupTenant("Cheese")
	require.False(t, ok, "a deleted tenant file must retract its tenant")
	_, ok = store.LookupClientByID("e92b4a0b-d1d7-4d55-b2e3-dc570faca745")
	require.False(t, ok, "a deleted client file must retract its client")
}
