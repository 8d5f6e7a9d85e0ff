package tenant

import (
	"fmt"
	"log/slog"
	"sync"
)

// ObserverFunc is invoked after the store reaches a consistent state for
// a change. Callbacks fire synchronously under no lock; they must not
// call back into the Store.
type ObserverFunc func(removed bool, t *Tenant, c *Client)

// Store is the in-memory registry of tenants and clients: a mapping
// keyed by tenant name and client UUID, plus a secondary host-pattern
// index, updated atomically by entity sources.
//
// Store is safe for concurrent use: readers are unbounded, writers
// (ApplyChange calls, typically one per entity source callback) are
// serialized under a single mutex, giving callers a reader snapshot with
// a single writer at a time.
type Store struct {
	logger *slog.Logger

	mu sync.RWMutex

	tenants     map[string]entry[*Tenant]   // by tenant name
	clients     map[string]entry[*Client]   // by client ident
	clientsByNT map[string]map[string]*Client // tenant -> name -> client

	observers []ObserverFunc
}

// New returns an empty Entity Store.
func New(logger *slog.Logger) *Store {
	return &Store{
		logger:      logger,
		tenants:     make(map[string]entry[*Tenant]),
		clients:     make(map[string]entry[*Client]),
		clientsByNT: make(map[string]map[string]*Client),
	}
}

// Observe registers callback to run on every future ApplyChange.
func (s *Store) Observe(cb ObserverFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, cb)
}

// ApplyChangeTenant idempotently adds or replaces the tenant identified
// by ref. A host-pattern collision with a different tenant rejects the
// change and leaves the store in its last known good state.
func (s *Store) ApplyChangeTenant(ref Ref, t *Tenant) error {
	for _, p := range t.HostPatterns {
		if !validatePattern(p) {
			return fmt.Errorf("tenant %q: invalid host pattern %q", t.Name, p)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, existing := range s.tenants {
		if name == t.Name && existing.ref.Equal(ref) {
			continue
		}
		if name == t.Name {
			// Same name, different source: treat as a conflicting
			// duplicate, reject.
			return fmt.Errorf("tenant name %q already registered from a different source", t.Name)
		}
		for _, p := range t.HostPatterns {
			for _, ep := range existing.value.HostPatterns {
				if p == ep {
					return fmt.Errorf("host pattern %q conflicts with tenant %q", p, existing.value.Name)
				}
			}
		}
	}

	s.tenants[t.Name] = entry[*Tenant]{ref: ref, value: t}
	s.notify(false, t, nil)
	return nil
}

// RemoveTenant removes the tenant identified by ref, matching by name
// and ref equality. Removing an unknown ref is a no-op (idempotent).
func (s *Store) RemoveTenant(ref Ref, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tenants[name]
	if !ok || !existing.ref.Equal(ref) {
		return
	}
	delete(s.tenants, name)
	delete(s.clientsByNT, name)
	s.notify(true, existing.value, nil)
}

// ApplyChangeClient idempotently adds or replaces a client.
func (s *Store) ApplyChangeClient(ref Ref, c *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[c.Ident] = entry[*Client]{ref: ref, value: c}
	byName, ok := s.clientsByNT[c.Tenant]
	if !ok {
		byName = make(map[string]*Client)
		s.clientsByNT[c.Tenant] = byName
	}
	byName[c.Name] = c
	s.notify(false, nil, c)
	return nil
}

// RemoveClient removes the client identified by ref and ident.
func (s *Store) RemoveClient(ref Ref, ident string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.clients[ident]
	if !ok || !existing.ref.Equal(ref) {
		return
	}
	delete(s.clients, ident)
	if byName, ok := s.clientsByNT[existing.value.Tenant]; ok {
		delete(byName, existing.value.Name)
	}
	s.notify(true, nil, existing.value)
}

func (s *Store) notify(removed bool, t *Tenant, c *Client) {
	for _, cb := range s.observers {
		cb(removed, t, c)
	}
}

// LookupTenantByHost returns the tenant whose host pattern matches host.
// Ties (multiple matching patterns) are broken in favor of the pattern
// with the longest literal suffix. Returns false if no tenant matches.
func (s *Store) LookupTenantByHost(host string) (*Tenant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Tenant
	bestLen := -1
	for _, e := range s.tenants {
		for _, p := range e.value.HostPatterns {
			if !matchHost(p, host) {
				continue
			}
			if l := literalSuffixLen(p); l > bestLen {
				bestLen = l
				best = e.value
			}
		}
	}
	return best, best != nil
}

// LookupClientByID returns the client with the given UUID ident.
func (s *Store) LookupClientByID(ident string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.clients[ident]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// LookupClientByName returns the client registered under name within
// tenantName.
func (s *Store) LookupClientByName(name, tenantName string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byName, ok := s.clientsByNT[tenantName]
	if !ok {
		return nil, false
	}
	c, ok := byName[name]
	return c, ok
}

// LookupTenant returns the tenant registered under name.
func (s *Store) LookupTenant(name string) (*Tenant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tenants[name]
	if !ok {
		return nil, false
	}
	return e.value, true
}
