// Package keystore manages the symmetric secret and rotating RSA key
// pairs used by the Signer, and exports the public JWKS.
package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// KeyPair is one RSA key pair plus its metadata.
type KeyPair struct {
	Kid        string
	PrivatePEM []byte
	PublicPEM  []byte
	Algorithm  string // always "RS256"
	Active     bool
	CreatedAt  time.Time

	private *rsa.PrivateKey
}

// Store holds the process-scoped symmetric secret plus every known RSA
// key pair. Exactly one pair is active at a time. All operations are
// serialized behind a single mutex.
type Store struct {
	mu sync.Mutex

	secret []byte
	keys   []*KeyPair // insertion order; one entry has Active == true

	now func() time.Time
}

// New returns a Store seeded with secret, the symmetric key used for
// HS256 signing and verification.
func New(secret []byte, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{secret: secret, now: now}
}

// Secret returns the symmetric signing/verification key.
func (s *Store) Secret() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secret
}

// GenerateAndStore creates a new 2048-bit RSA pair under kid, optionally
// marking it active, and returns it.
func (s *Store) GenerateAndStore(kid string, setActive bool) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate key: %w", err)
	}
	return s.storeKey(kid, priv, setActive)
}

func (s *Store) storeKey(kid string, priv *rsa.PrivateKey, setActive bool) (*KeyPair, error) {
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	kp := &KeyPair{
		Kid:        kid,
		PrivatePEM: privPEM,
		PublicPEM:  pubPEM,
		Algorithm:  "RS256",
		CreatedAt:  s.now(),
		private:    priv,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if setActive {
		for _, k := range s.keys {
			k.Active = false
		}
		kp.Active = true
	}
	s.keys = append(s.keys, kp)
	return kp, nil
}

// ActiveSigningPEM returns the PEM-encoded private key currently marked
// active. If no key has been generated yet, one is lazily generated and
// marked active, lazily generating one before the first sign if needed.
func (s *Store) ActiveSigningPEM() ([]byte, string, error) {
	kp, err := s.activeKeyMetadataOrGenerate()
	if err != nil {
		return nil, "", err
	}
	return kp.PrivatePEM, kp.Kid, nil
}

// ActiveKeyMetadata returns the currently active key pair's metadata, or
// an error if no keys exist yet.
func (s *Store) ActiveKeyMetadata() (*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.Active {
			return k, nil
		}
	}
	return nil, fmt.Errorf("keystore: no active key")
}

func (s *Store) activeKeyMetadataOrGenerate() (*KeyPair, error) {
	if kp, err := s.ActiveKeyMetadata(); err == nil {
		return kp, nil
	}
	return s.GenerateAndStore(time.Now().UTC().Format("2006-01-02"), true)
}

// PrivateKeyByKid returns the parsed RSA private key for kid, used by the
// Signer to sign with a specific active key.
func (s *Store) PrivateKeyByKid(kid string) (*rsa.PrivateKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.Kid == kid {
			return k.private, true
		}
	}
	return nil, false
}

// PublicKeyByKid returns the RSA public key for kid, used during
// verification to dispatch by header kid.
func (s *Store) PublicKeyByKid(kid string) (*rsa.PublicKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.Kid == kid {
			return &k.private.PublicKey, true
		}
	}
	return nil, false
}

// StartRotation runs a background goroutine that generates a fresh
// active RSA key pair every frequency and retires pairs older than
// keepFor, until stop is closed. An initial rotation runs synchronously
// before the goroutine starts, so a freshly constructed Store always
// has an active key by the time this call returns.
func (s *Store) StartRotation(frequency, keepFor time.Duration, stop <-chan struct{}) {
	s.rotate(keepFor)
	go func() {
		ticker := time.NewTicker(frequency)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.rotate(keepFor)
			}
		}
	}()
}

func (s *Store) rotate(keepFor time.Duration) {
	kid := s.now().UTC().Format("2006-01-02T15-04-05")
	if _, err := s.GenerateAndStore(kid, true); err == nil {
		s.RemoveOlderThan(s.now().Add(-keepFor))
	}
}

// RemoveOlderThan deletes keys created before cutoff, never deleting the
// active key.
func (s *Store) RemoveOlderThan(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.keys[:0]
	for _, k := range s.keys {
		if k.Active || !k.CreatedAt.Before(cutoff) {
			kept = append(kept, k)
		}
	}
	s.keys = kept
}

// PublicJWKS emits the JWK Set for every known RSA key pair, in
// deterministic (kid-sorted) order.
func (s *Store) PublicJWKS() jose.JSONWebKeySet {
	s.mu.Lock()
	keys := make([]*KeyPair, len(s.keys))
	copy(keys, s.keys)
	s.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].Kid < keys[j].Kid })

	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, k := range keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &k.private.PublicKey,
			KeyID:     k.Kid,
			Algorithm: "RS256",
			Use:       "sig",
		})
	}
	return set
}
