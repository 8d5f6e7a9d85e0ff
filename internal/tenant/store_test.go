package tenant

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLookupTenantByHostWildcard(t *testing.T) {
	s := New(testLogger())
	require.NoError(t, s.ApplyChangeTenant(Ref{File: "cheese.yaml"}, &Tenant{
		Name:         "Cheese",
		HostPatterns: []string{"*.example.com"},
		SilentLogin:  true,
	}))

	got, ok := s.LookupTenant("Cheese")
	require.True(t, ok)
	require.Equal(t, "Cheese", got.Name)

	tn, ok := s.LookupTenantByHost("cookbooks.example.com")
	require.True(t, ok)
	require.Equal(t, "Cheese", tn.Name)

	_, ok = s.LookupTenantByHost("example.com")
	require.False(t, ok, "bare apex must not satisfy a leading-wildcard pattern")

	_, ok = s.LookupTenantByHost("unrelated.org")
	require.False(t, ok)
}

func TestLookupTenantByHostMostSpecific(t *testing.T) {
	s := New(testLogger())
	require.NoError(t, s.ApplyChangeTenant(Ref{File: "a.yaml"}, &Tenant{
		Name:         "Wide",
		HostPatterns: []string{"*.example.com"},
	}))
	require.NoError(t, s.ApplyChangeTenant(Ref{File: "b.yaml"}, &Tenant{
		Name:         "Narrow",
		HostPatterns: []string{"shop.example.com"},
	}))

	tn, ok := s.LookupTenantByHost("shop.example.com")
	require.True(t, ok)
	require.Equal(t, "Narrow", tn.Name, "literal pattern must win over wildcard")
}

func TestHostPatternConflictRejected(t *testing.T) {
	s := New(testLogger())
	require.NoError(t, s.ApplyChangeTenant(Ref{File: "a.yaml"}, &Tenant{
		Name:         "A",
		HostPatterns: []string{"shop.example.com"},
	}))
	err := s.ApplyChangeTenant(Ref{File: "b.yaml"}, &Tenant{
		Name:         "B",
		HostPatterns: []string{"shop.example.com"},
	})
	require.Error(t, err)

	_, ok := s.LookupTenant("B")
	require.False(t, ok, "store must remain in last known good state")
}

func TestInvalidWildcardRejected(t *testing.T) {
	s := New(testLogger())
	err := s.ApplyChangeTenant(Ref{File: "a.yaml"}, &Tenant{
		Name:         "Bad",
		HostPatterns: []string{"*.*.example.com"},
	})
	require.Error(t, err)
}

func TestApplyChangeIdempotentReplace(t *testing.T) {
	s := New(testLogger())
	ref := Ref{File: "a.yaml"}
	require.NoError(t, s.ApplyChangeTenant(ref, &Tenant{Name: "A", HostPatterns: []string{"a.example.com"}}))
	require.NoError(t, s.ApplyChangeTenant(ref, &Tenant{Name: "A", HostPatterns: []string{"a2.example.com"}}))

	_, ok := s.LookupTenantByHost("a.example.com")
	require.False(t, ok)
	_, ok = s.LookupTenantByHost("a2.example.com")
	require.True(t, ok)
}

func TestRemoveTenantIsIdempotent(t *testing.T) {
	s := New(testLogger())
	ref := Ref{File: "a.yaml"}
	require.NoError(t, s.ApplyChangeTenant(ref, &Tenant{Name: "A", HostPatterns: []string{"a.example.com"}}))
	s.RemoveTenant(ref, "A")
	s.RemoveTenant(ref, "A") // no-op, must not panic

	_, ok := s.LookupTenant("A")
	require.False(t, ok)
}

func TestClientLookup(t *testing.T) {
	s := New(testLogger())
	c := &Client{Ident: "e92b4a0b-d1d7-4d55-b2e3-dc570faca745", Name: "app", Tenant: "Cheese"}
	require.NoError(t, s.ApplyChangeClient(Ref{File: "c.yaml"}, c))

	got, ok := s.LookupClientByID(c.Ident)
	require.True(t, ok)
	require.Equal(t, "app", got.Name)

	got2, ok := s.LookupClientByName("app", "Cheese")
	require.True(t, ok)
	require.Equal(t, c.Ident, got2.Ident)
}

func TestClientGrantTypeDefaults(t *testing.T) {
	c := &Client{}
	require.True(t, c.AllowsGrant("authorization_code"))
	require.True(t, c.AllowsGrant("refresh_token"))
	require.False(t, c.AllowsGrant("password"))
}

func TestObserveFiresAfterConsistency(t *testing.T) {
	s := New(testLogger())
	var seen []string
	s.Observe(func(removed bool, t *Tenant, c *Client) {
		if t != nil {
			seen = append(seen, t.Name)
		}
	})
	require.NoError(t, s.ApplyChangeTenant(Ref{File: "a.yaml"}, &Tenant{Name: "A", HostPatterns: []string{"a.example.com"}}))
	require.Equal(t, []string{"A"}, seen)
}
